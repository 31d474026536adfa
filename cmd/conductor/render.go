package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/conductor/internal/gates"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/session"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45")).
			Width(12)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	passStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}

func statusMark(s gates.Status) string {
	switch s {
	case gates.StatusPassed:
		return passStyle.Render("✓ passed")
	case gates.StatusFailed:
		return failStyle.Render("✗ failed")
	case gates.StatusSkipped:
		return dimStyle.Render("- skipped")
	}
	return dimStyle.Render(string(s))
}

func renderStatus(st *session.State, forks []*session.State) string {
	sum := st.Ledger().Summary()

	lines := []string{
		headerStyle.Render("conductor " + st.Name),
		row("session", st.ID),
		row("task", firstLine(st.Task)),
		row("profile", st.Profile),
		row("phase", strings.ToUpper(st.Phase)),
		row("iteration", fmt.Sprintf("%d", st.Iteration)),
		row("tasks done", fmt.Sprintf("%d", st.TasksCompleted)),
	}
	if st.ParentSessionID != "" {
		lines = append(lines, row("fork of", st.ParentSessionID))
	}

	cost := fmt.Sprintf("$%.4f", sum.TotalUSD)
	if sum.BudgetUSD != nil {
		cost += dimStyle.Render(fmt.Sprintf(" of $%.2f", *sum.BudgetUSD))
		if sum.OverBudget {
			cost += " " + failStyle.Render("over budget")
		}
	}
	lines = append(lines, row("cost", cost))
	if sum.TopModel != "" {
		lines = append(lines, row("top model", sum.TopModel))
	}

	if len(st.Gates) > 0 {
		lines = append(lines, sectionStyle.Render("Gates"))
		for _, name := range sortedKeys(st.Gates) {
			lines = append(lines, row(name, statusMark(st.Gates[name].Status)))
		}
	}

	lines = append(lines,
		sectionStyle.Render("Changes"),
		row("files", fmt.Sprintf("%d", len(st.FileChanges))),
		row("commits", fmt.Sprintf("%d", len(st.Commits))),
	)
	if n := len(st.Commits); n > 0 {
		lines = append(lines, row("last", st.Commits[n-1]))
	}

	if len(forks) > 0 {
		lines = append(lines, sectionStyle.Render("Forks"))
		for _, f := range forks {
			lines = append(lines, row(truncate(f.ID, 12), fmt.Sprintf("%s  %s  $%.4f", f.Name, f.Phase, f.CostUSD)))
		}
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func renderResult(res *orchestrator.LoopResult) string {
	outcome := passStyle.Render("✓ " + string(res.StopReason))
	if !res.Success {
		outcome = failStyle.Render("✗ " + string(res.StopReason))
		if res.StopReason == orchestrator.StopBudget || res.StopReason == orchestrator.StopMaxIterations {
			outcome = warnStyle.Render("! " + string(res.StopReason))
		}
	}
	lines := []string{
		headerStyle.Render("conductor run"),
		row("result", outcome),
		row("session", res.SessionID),
		row("phase", strings.ToUpper(string(res.Phase))),
		row("iterations", fmt.Sprintf("%d (%d turns)", res.Iterations, res.Turns)),
		row("cost", fmt.Sprintf("$%.4f", res.CostUSD)),
		row("files", fmt.Sprintf("%d", len(res.FileChanges))),
		row("commits", fmt.Sprintf("%d", len(res.Commits))),
	}
	if res.Error != "" {
		lines = append(lines, row("error", failStyle.Render(res.Error)))
	}
	if len(res.Gates) > 0 {
		lines = append(lines, sectionStyle.Render("Gates"))
		for _, name := range sortedKeys(res.Gates) {
			lines = append(lines, row(name, statusMark(res.Gates[name])))
		}
	}
	if len(res.Violations) > 0 {
		lines = append(lines, sectionStyle.Render("Violations"))
		for _, v := range res.Violations {
			style := warnStyle
			if v.Severity == orchestrator.SeverityError {
				style = failStyle
			}
			lines = append(lines, style.Render(string(v.Type))+" "+dimStyle.Render(v.Description))
		}
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func renderGates(profileName string, results []gates.Result) string {
	lines := []string{headerStyle.Render("gates · " + profileName)}
	if len(results) == 0 {
		lines = append(lines, dimStyle.Render("no blocking gates configured"))
	}
	for _, res := range results {
		line := row(res.Name, statusMark(res.Status)) + dimStyle.Render(fmt.Sprintf("  %dms", res.DurationMS))
		lines = append(lines, line)
		if res.Status == gates.StatusFailed {
			lines = append(lines, dimStyle.Render("  "+truncate(firstLine(res.Reason()), 100)))
		}
	}
	return strings.Join(lines, "\n")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
