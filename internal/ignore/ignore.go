// Package ignore reads gitignore-style files so directory walks can skip
// what the project ignores.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Parser reads and parses gitignore-style files.
type Parser struct {
	// IgnoreFiles is the list of ignore file names to look for.
	IgnoreFiles []string

	// FallbackPatterns are returned when no ignore files are found.
	FallbackPatterns []string
}

// NewParser creates a new ignore file parser with the given configuration.
func NewParser(ignoreFiles, fallbackPatterns []string) *Parser {
	return &Parser{
		IgnoreFiles:      ignoreFiles,
		FallbackPatterns: fallbackPatterns,
	}
}

// ParseProject reads every ignore file under projectRoot and returns their
// pattern lines in file order. Order is kept because a later negation can
// re-include what an earlier line excluded. With no ignore files present
// the fallback patterns are returned.
func (p *Parser) ParseProject(projectRoot string) ([]string, error) {
	var patterns []string
	foundAny := false

	for _, ignoreFile := range p.IgnoreFiles {
		filePatterns, err := parseFile(filepath.Join(projectRoot, ignoreFile))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		patterns = append(patterns, filePatterns...)
		foundAny = true
	}

	if !foundAny {
		return p.FallbackPatterns, nil
	}
	return patterns, nil
}

func parseFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if pattern := parseLine(scanner.Text()); pattern != "" {
			patterns = append(patterns, pattern)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

// parseLine returns the pattern on a gitignore line, or "" for blank lines
// and comments. A leading "\#" escapes a literal hash.
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	return line
}

// Matcher answers whether project-relative paths are ignored, with git's
// own semantics: negations, directory-only patterns, anchoring and "**".
type Matcher struct {
	m gitignore.Matcher
}

// NewMatcher compiles gitignore pattern lines rooted at the project.
func NewMatcher(patterns []string) *Matcher {
	ps := make([]gitignore.Pattern, 0, len(patterns))
	for _, p := range patterns {
		ps = append(ps, gitignore.ParsePattern(p, nil))
	}
	return &Matcher{m: gitignore.NewMatcher(ps)}
}

// Load parses the ignore files under root into a matcher. Unreadable
// files yield a matcher that ignores nothing.
func Load(root string, ignoreFiles ...string) *Matcher {
	if len(ignoreFiles) == 0 {
		ignoreFiles = []string{".gitignore"}
	}
	patterns, err := NewParser(ignoreFiles, nil).ParseProject(root)
	if err != nil {
		return NewMatcher(nil)
	}
	return NewMatcher(patterns)
}

// Match reports whether rel, a path relative to the project root, is
// ignored. isDir selects directory-only patterns such as "build/". A nil
// matcher ignores nothing.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m == nil || m.m == nil || rel == "" || rel == "." {
		return false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	return m.m.Match(parts, isDir)
}
