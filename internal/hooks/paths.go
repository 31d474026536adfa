package hooks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/conductor/internal/secrets"
)

// SecretScanner finds credentials in text.
type SecretScanner interface {
	Scan(content string) []secrets.Finding
}

var systemDirs = []string{"/etc", "/usr", "/bin", "/sbin", "/lib", "/lib64", "/boot", "/sys", "/proc", "/dev"}

var credentialDirs = []string{".ssh", ".aws", ".gnupg", ".kube", ".docker", ".config/gcloud", ".azure"}

var vcsDirs = map[string]bool{".git": true, ".hg": true, ".svn": true}

var privateKeyNames = map[string]bool{
	"id_rsa": true, "id_dsa": true, "id_ecdsa": true, "id_ed25519": true,
}

var keyExtensions = map[string]bool{".pem": true, ".key": true, ".p12": true, ".pfx": true, ".jks": true}

var lockfiles = map[string]bool{
	"package-lock.json": true, "yarn.lock": true, "pnpm-lock.yaml": true,
	"Cargo.lock": true, "poetry.lock": true, "Gemfile.lock": true,
	"composer.lock": true, "go.sum": true, "uv.lock": true, "Pipfile.lock": true,
}

// PathGuard inspects file-editing tool calls.
//
// Writes into system or credential directories, private keys, or version
// control internals are blocked, as are writes whose content carries a
// detectable secret. Environment files, lockfiles, and files named like
// credentials or secrets produce warnings.
type PathGuard struct {
	// Home overrides the user's home directory.
	Home string

	// Protected lists extra path prefixes to block.
	Protected []string

	// Scanner, when set, checks new content for secrets.
	Scanner SecretScanner
}

// CheckPath classifies a write to path, resolved against cwd.
func (g *PathGuard) CheckPath(path, cwd string) Result {
	if path == "" {
		return Allowed()
	}
	abs := g.resolve(path, cwd)
	base := filepath.Base(abs)

	for _, dir := range systemDirs {
		if within(abs, dir) {
			return Blocked(fmt.Sprintf("Blocked write to system directory %s", dir))
		}
	}
	if home := g.home(); home != "" {
		for _, dir := range credentialDirs {
			full := filepath.Join(home, dir)
			if within(abs, full) {
				return Blocked(fmt.Sprintf("Blocked write to credential directory %s", full))
			}
		}
	}
	for _, prefix := range g.Protected {
		if prefix != "" && within(abs, g.resolve(prefix, cwd)) {
			return Blocked(fmt.Sprintf("Blocked write to protected path %s", prefix))
		}
	}
	for _, seg := range strings.Split(filepath.ToSlash(abs), "/") {
		if vcsDirs[seg] {
			return Blocked(fmt.Sprintf("Blocked write inside version control directory %s", seg))
		}
	}
	if privateKeyNames[base] || keyExtensions[strings.ToLower(filepath.Ext(base))] {
		return Blocked(fmt.Sprintf("Blocked write to private key file %s", base))
	}

	lower := strings.ToLower(base)
	switch {
	case lower == ".env" || strings.HasPrefix(lower, ".env."):
		return Warned(fmt.Sprintf("Editing environment file %s", base))
	case lockfiles[base]:
		return Warned(fmt.Sprintf("Editing lockfile %s by hand", base))
	case strings.HasPrefix(lower, "credentials") || strings.HasPrefix(lower, "secrets"):
		return Warned(fmt.Sprintf("Editing sensitive-looking file %s", base))
	}
	return Allowed()
}

// CheckContent blocks content containing detectable secrets.
func (g *PathGuard) CheckContent(content string) Result {
	if g.Scanner == nil || content == "" {
		return Allowed()
	}
	findings := g.Scanner.Scan(content)
	if len(findings) == 0 {
		return Allowed()
	}
	return Blocked(fmt.Sprintf("Blocked write containing secrets: %s",
		strings.Join(secrets.RuleIDs(findings), ", ")))
}

// Handle implements Handler for PreToolUse on file-editing tools.
func (g *PathGuard) Handle(_ context.Context, p Payload) (Result, error) {
	tp, ok := p.(*ToolPayload)
	if !ok {
		return Allowed(), nil
	}
	res := g.CheckPath(tp.FilePath(), tp.Cwd)
	if res.Blocks() {
		return res, nil
	}
	if content := g.CheckContent(tp.NewContent()); content.Blocks() {
		content.Warnings = res.Warnings
		return content, nil
	}
	return res, nil
}

func (g *PathGuard) home() string {
	if g.Home != "" {
		return g.Home
	}
	home, _ := os.UserHomeDir()
	return home
}

func (g *PathGuard) resolve(path, cwd string) string {
	if strings.HasPrefix(path, "~/") {
		path = filepath.Join(g.home(), path[2:])
	}
	if !filepath.IsAbs(path) && cwd != "" {
		path = filepath.Join(cwd, path)
	}
	return filepath.Clean(path)
}

// within reports whether path is dir or lies beneath it.
func within(path, dir string) bool {
	dir = filepath.Clean(dir)
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}
