package hooks

import (
	"context"
	"regexp"
	"strings"
)

// ContextAutoApprove is set in an outcome's context when a command
// matched the safe list.
const ContextAutoApprove = "auto_approve"

type commandRule struct {
	re     *regexp.Regexp
	reason string
}

func rule(pattern, reason string) commandRule {
	return commandRule{re: regexp.MustCompile(pattern), reason: reason}
}

var blockedCommands = []commandRule{
	rule(`>\s*/dev/(?:sd|hd|nvme|xvd|vd|disk|mmcblk)`, "raw write to a disk device"),
	rule(`\bdd\b.*\bof=/dev/(?:sd|hd|nvme|xvd|vd|disk|mmcblk)`, "dd onto a disk device"),
	rule(`\bmkfs(?:\.\w+)?\b`, "filesystem format"),
	rule(`:\s*\(\s*\)\s*\{.*:\s*\|\s*:`, "fork bomb"),
	rule(`\bchmod\s+(?:-\S+\s+)*-[a-zA-Z]*R[a-zA-Z]*\s+0?777\s+/(?:\s|$)`, "recursive chmod 777 of /"),
	rule(`\bhistory\s+-c\b`, "shell history tampering"),
	rule(`\bunset\s+HISTFILE\b`, "shell history tampering"),
	rule(`>\s*\S*\.(?:bash|zsh)_history\b`, "shell history tampering"),
	rule(`\bgit\s+reset\s+--hard\b`, "git reset --hard discards work"),
	rule(`\bgit\s+clean\s+(?:-\S+\s+)*-[a-zA-Z]*(?:fd|df)[a-zA-Z]*\b`, "git clean -fd deletes untracked files"),
	rule(`(?:^|[;&|]\s*)eval\s`, "eval of dynamic shell code"),
}

var warnedCommands = []commandRule{
	rule(`(?:^|[;&|]\s*)sudo\s`, "runs with elevated privileges"),
	rule(`\b(?:curl|wget)\b[^|]*\|\s*(?:sudo\s+)?(?:ba|z|da|k)?sh\b`, "pipes a download into a shell"),
	rule(`\bnpm\s+(?:install|i|add)\b.*\s(?:-g|--global)\b`, "global package install"),
	rule(`\byarn\s+global\s+add\b`, "global package install"),
	rule(`\bpip3?\s+install\b.*\s--user\b`, "user-level package install"),
	rule(`\bnpm\s+publish\b`, "publishes a package"),
	rule(`\bchmod\s+(?:-\S+\s+)*0?777\b`, "world-writable permissions"),
	rule(`\bgit\s+push\b.*(?:\s--force(?:-with-lease)?\b|\s-f\b)`, "force push rewrites remote history"),
}

var (
	gitPush      = regexp.MustCompile(`\bgit\s+push\b`)
	forceFlag    = regexp.MustCompile(`(?:\s--force(?:-with-lease)?\b|\s-f\b|\s\+\S+)`)
	protectedRef = regexp.MustCompile(`(?:\s|:|\+)(?:main|master|production|trunk|release(?:/\S*)?)(?:\s|$)`)
	shellControl = regexp.MustCompile("[;&|<>`]|\\$\\(")
	cmdSeparator = regexp.MustCompile(`&&|\|\||[;&|\n]`)
)

// treeTargets are relative rm targets that still take out the whole
// working tree or its parent.
var treeTargets = map[string]bool{
	"*": true, ".": true, "./": true, "./*": true, "..": true, "../": true, "../*": true,
}

// destructiveRm reports whether any segment of cmd is a recursive rm of an
// absolute path, a home path, or the working tree itself.
func destructiveRm(cmd string) bool {
	for _, seg := range cmdSeparator.Split(cmd, -1) {
		fields := strings.Fields(seg)
		for len(fields) > 0 && (fields[0] == "sudo" || fields[0] == "command" || strings.Contains(fields[0], "=")) {
			fields = fields[1:]
		}
		if len(fields) == 0 || (fields[0] != "rm" && !strings.HasSuffix(fields[0], "/rm")) {
			continue
		}

		recursive, endOfFlags := false, false
		var targets []string
		for _, f := range fields[1:] {
			switch {
			case endOfFlags || !strings.HasPrefix(f, "-") || f == "-":
				targets = append(targets, f)
			case f == "--":
				endOfFlags = true
			case strings.HasPrefix(f, "--"):
				if f == "--recursive" {
					recursive = true
				}
			case strings.ContainsAny(f[1:], "rR"):
				recursive = true
			}
		}
		if !recursive {
			continue
		}
		for _, t := range targets {
			if dangerousRmTarget(strings.Trim(t, `"'`)) {
				return true
			}
		}
	}
	return false
}

func dangerousRmTarget(t string) bool {
	switch {
	case t == "":
		return false
	case strings.HasPrefix(t, "/"), strings.HasPrefix(t, "~"):
		return true
	case strings.HasPrefix(t, "$HOME"), strings.HasPrefix(t, "${HOME}"):
		return true
	}
	return treeTargets[t]
}

var safeCommands = []*regexp.Regexp{
	regexp.MustCompile(`^(?:ls|pwd|cat|head|tail|wc|which|echo|tree|file|stat|du|df|env|whoami|date)(?:\s|$)`),
	regexp.MustCompile(`^(?:grep|rg|find|fd)\s`),
	regexp.MustCompile(`^git\s+(?:status|log|diff|show|branch|remote|rev-parse|blame|ls-files)(?:\s|$)`),
	regexp.MustCompile(`^go\s+(?:test|vet|build|fmt|list|version|env|mod\s+(?:tidy|download|verify))(?:\s|$)`),
	regexp.MustCompile(`^(?:golangci-lint|staticcheck|gofmt|goimports)(?:\s|$)`),
	regexp.MustCompile(`^(?:npm|pnpm|yarn)\s+(?:test|run\s+(?:test|lint|build|typecheck)|ls|list)(?:\s|$)`),
	regexp.MustCompile(`^(?:npx\s+)?(?:tsc|eslint|prettier\s+--check|jest|vitest)(?:\s|$)`),
	regexp.MustCompile(`^(?:python3?\s+-m\s+)?(?:pytest|mypy|ruff|black\s+--check|flake8|pylint)(?:\s|$)`),
	regexp.MustCompile(`^cargo\s+(?:test|check|clippy|build|fmt\s+--check)(?:\s|$)`),
	regexp.MustCompile(`^make\s+(?:test|lint|check|build)(?:\s|$)`),
}

// CommandGuard inspects Bash commands before they run.
//
// Catastrophic commands are blocked, risky ones produce warnings, and
// plain read-only or test commands are flagged for auto-approval.
type CommandGuard struct{}

// Check classifies a single command line.
func (CommandGuard) Check(command string) Result {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return Allowed()
	}
	if destructiveRm(cmd) {
		return Blocked("Blocked dangerous command: recursive delete of an absolute path, home, or the working tree")
	}
	for _, r := range blockedCommands {
		if r.re.MatchString(cmd) {
			return Blocked("Blocked dangerous command: " + r.reason)
		}
	}
	if gitPush.MatchString(cmd) && forceFlag.MatchString(cmd) && protectedRef.MatchString(cmd+" ") {
		return Blocked("Blocked dangerous command: force push to a protected branch")
	}

	var warnings []string
	for _, r := range warnedCommands {
		if r.re.MatchString(cmd) {
			warnings = append(warnings, "Risky command: "+r.reason)
		}
	}
	if len(warnings) > 0 {
		return Warned(warnings...)
	}

	if isSafe(cmd) {
		return Result{Decision: Allow, Context: map[string]any{ContextAutoApprove: true}}
	}
	return Allowed()
}

func isSafe(cmd string) bool {
	if shellControl.MatchString(cmd) {
		return false
	}
	for _, re := range safeCommands {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}

// Handle implements Handler for PreToolUse on Bash.
func (g CommandGuard) Handle(_ context.Context, p Payload) (Result, error) {
	tp, ok := p.(*ToolPayload)
	if !ok {
		return Allowed(), nil
	}
	return g.Check(tp.Command()), nil
}
