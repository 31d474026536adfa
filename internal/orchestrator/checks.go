package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/conductor/internal/gates"
	"github.com/fyrsmithlabs/conductor/internal/profile"
)

// DefaultMaxFilesPerTurn is the bundled-change warning threshold.
const DefaultMaxFilesPerTurn = 10

var (
	helpPatterns = []string{
		"usage:",
		"--help",
		"-h, --help",
		"show help",
		"show this help",
		"options:",
	}

	// Output shapes that only appear when tests actually ran.
	testPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(pass|fail|error).*\d+`),
		regexp.MustCompile(`(?i)test.*\([\d.]+s\)`),
		regexp.MustCompile(`✓|✗`),
		regexp.MustCompile(`(?i)ok\s+\S+\s+[\d.]+s`),
		regexp.MustCompile(`(?i)test suites?:\s*\d+`),
	}
)

// CheckVerification inspects a verify-phase gate batch. A passing test
// gate whose output reads like a usage message, or a batch with no test
// gate at all, is reported.
func CheckVerification(p *profile.Profile, results []gates.Result, iteration int) []Violation {
	var out []Violation
	sawTest := false
	for _, res := range results {
		if res.Status == gates.StatusSkipped {
			continue
		}
		class := profile.ClassCustom
		if p != nil {
			if g, ok := p.Gate(res.Name); ok {
				class = g.EffectiveClass(res.Name)
			}
		}
		if class != profile.ClassTest {
			continue
		}
		sawTest = true
		if res.Passed() && isHelpOutput(res.Output+"\n"+res.Error) {
			out = append(out, Violation{
				Type:        ViolationHelpAsVerification,
				Phase:       PhaseVerify,
				Description: fmt.Sprintf("gate %s passed with usage text instead of test results", res.Name),
				Severity:    SeverityError,
				Iteration:   iteration,
			})
		}
	}
	if !sawTest && len(results) > 0 {
		out = append(out, Violation{
			Type:        ViolationTestsNotRun,
			Phase:       PhaseVerify,
			Description: "no test gate ran during verification",
			Severity:    SeverityWarning,
			Iteration:   iteration,
		})
	}
	return out
}

// CheckBundled warns when one turn touched more than max files.
func CheckBundled(changed, max, iteration int) *Violation {
	if max <= 0 {
		max = DefaultMaxFilesPerTurn
	}
	if changed <= max {
		return nil
	}
	return &Violation{
		Type:        ViolationBundledChanges,
		Phase:       PhaseExecute,
		Description: fmt.Sprintf("%d files changed in one turn; consider smaller steps", changed),
		Severity:    SeverityWarning,
		Iteration:   iteration,
	}
}

func isHelpOutput(output string) bool {
	if strings.TrimSpace(output) == "" {
		return false
	}
	for _, re := range testPatterns {
		if re.MatchString(output) {
			return false
		}
	}
	lower := strings.ToLower(output)
	hits := 0
	for _, p := range helpPatterns {
		if strings.Contains(lower, p) {
			hits++
		}
	}
	return hits >= 2
}
