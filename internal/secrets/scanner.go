package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is a detected secret. The secret value itself is kept only for
// redaction and never serialized.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
	secret      string
}

// Scanner wraps a Gitleaks detector. Building the default rule set is
// expensive, so one Scanner should be shared per process.
type Scanner struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewScanner builds a scanner from the default Gitleaks configuration,
// extended with the optional allowlist.
func NewScanner(allow *Allowlist) (*Scanner, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if !allow.Empty() {
		if err := applyAllowlist(&d.Config, allow); err != nil {
			return nil, err
		}
	}
	return &Scanner{detector: d}, nil
}

var (
	defaultOnce    sync.Once
	defaultScanner *Scanner
	defaultErr     error
)

// Default returns a lazily built process-wide scanner with no allowlist.
func Default() (*Scanner, error) {
	defaultOnce.Do(func() {
		defaultScanner, defaultErr = NewScanner(nil)
	})
	return defaultScanner, defaultErr
}

// Scan returns the findings in content.
func (s *Scanner) Scan(content string) []Finding {
	if content == "" {
		return nil
	}
	s.mu.Lock()
	raw := s.detector.DetectString(content)
	s.mu.Unlock()

	findings := make([]Finding, 0, len(raw))
	for _, f := range raw {
		findings = append(findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			secret:      f.Secret,
		})
	}
	return findings
}

// RuleIDs returns the distinct rule ids for findings, sorted.
func RuleIDs(findings []Finding) []string {
	seen := map[string]bool{}
	var ids []string
	for _, f := range findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Redact replaces every detected secret with a [REDACTED:rule-id] marker.
// It returns the redacted text and the number of secrets replaced.
func (s *Scanner) Redact(content string) (string, int) {
	findings := s.Scan(content)
	if len(findings) == 0 {
		return content, 0
	}
	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(findings, func(i, j int) bool {
		return len(findings[i].secret) > len(findings[j].secret)
	})
	redacted := content
	for _, f := range findings {
		if f.secret == "" {
			continue
		}
		redacted = strings.ReplaceAll(redacted, f.secret, "[REDACTED:"+f.RuleID+"]")
	}
	return redacted, len(findings)
}

func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) error {
	entry := &gitleaksConfig.Allowlist{Description: "conductor project allowlist"}
	for _, p := range allow.Paths {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		entry.Paths = append(entry.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, p := range allow.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		entry.Regexes = append(entry.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	entry.StopWords = append(entry.StopWords, allow.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, entry)
	return nil
}
