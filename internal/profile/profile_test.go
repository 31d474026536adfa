package profile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0600))
}

func TestGate_EffectiveClass(t *testing.T) {
	tests := []struct {
		name string
		gate Gate
		want GateClass
	}{
		{"lint", Gate{}, ClassLint},
		{"LINT", Gate{}, ClassLint},
		{"test", Gate{}, ClassTest},
		{"typecheck", Gate{}, ClassType},
		{"security", Gate{}, ClassCustom},
		{"style", Gate{Class: ClassLint}, ClassLint},
		{"lint", Gate{Class: ClassCustom}, ClassCustom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.gate.EffectiveClass(tt.name))
		})
	}
}

func TestGate_EffectiveTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Second, Gate{Timeout: 5 * time.Second}.EffectiveTimeout(time.Minute))
	assert.Equal(t, time.Minute, Gate{}.EffectiveTimeout(time.Minute))
	assert.Equal(t, DefaultGateTimeout, Gate{}.EffectiveTimeout(0))
}

func TestModels_ForPhase(t *testing.T) {
	m := Models{
		Default:     "sonnet",
		Planning:    "opus",
		Exploration: "haiku",
		Phases:      map[string]string{"verify": "haiku"},
	}
	assert.Equal(t, "opus", m.ForPhase("plan"))
	assert.Equal(t, "haiku", m.ForPhase("understand"))
	assert.Equal(t, "haiku", m.ForPhase("verify"))
	assert.Equal(t, "sonnet", m.ForPhase("execute"))
}

func TestThinking_BudgetFor(t *testing.T) {
	th := Thinking{MaxTokens: 8000, ExtendedFor: []string{"refactor"}}
	assert.Equal(t, 8000, th.BudgetFor("Please REFACTOR the parser"))
	assert.Equal(t, 0, th.BudgetFor("fix a typo"))
	assert.Equal(t, 0, Thinking{ExtendedFor: []string{"x"}}.BudgetFor("x"))
}

func TestProfile_BlockingGatesAndClone(t *testing.T) {
	p := &Profile{
		Name: "A",
		Gates: map[string]Gate{
			"lint":      {Command: "l", Blocking: true},
			"test":      {Command: "t", Blocking: true},
			"typecheck": {Command: "c", Blocking: false},
		},
	}
	assert.Equal(t, []string{"lint", "test"}, p.BlockingGates())
	assert.Equal(t, []string{"lint", "test", "typecheck"}, p.GateNames())

	c := p.Clone()
	c.Gates["lint"] = Gate{Command: "changed"}
	assert.Equal(t, "l", p.Gates["lint"].Command)

	var nilProfile *Profile
	_, ok := nilProfile.Gate("lint")
	assert.False(t, ok)
}

func TestDefaults_LintGatesRunQuiet(t *testing.T) {
	for name, p := range Defaults() {
		for gateName, g := range p.Gates {
			if g.EffectiveClass(gateName) != ClassLint {
				continue
			}
			t.Run(name+"/"+gateName, func(t *testing.T) {
				quiet := strings.Contains(g.Command, "--quiet") || strings.Contains(g.Command, "--silent")
				assert.True(t, quiet, "lint command %q prints on success", g.Command)
			})
		}
	}
}

func TestLoader_DefaultsFallback(t *testing.T) {
	l := NewLoader(t.TempDir())

	p, err := l.Load("python")
	require.NoError(t, err)
	assert.Equal(t, "pytest", p.Gates["test"].Command)
	assert.False(t, p.Gates["type"].Blocking)
	assert.Equal(t, "sonnet", p.Models.Default)
	assert.Equal(t, 16000, p.Thinking.MaxTokens)

	_, err = l.Load("cobol")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestLoader_YAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "A.yaml", `
detect:
  files: [Makefile]
gates:
  lint: "make lint"
  test:
    command: make test
    timeout: 30
  typecheck:
    command: make types
    blocking: false
models:
  default: sonnet
  phases:
    verify: haiku
thinking:
  budget_tokens: 4000
  keywords: [design]
`)

	p, err := NewLoader(dir).Load("A")
	require.NoError(t, err)

	assert.Equal(t, "A", p.Name)
	assert.Equal(t, []string{"Makefile"}, p.Detect.Files)
	assert.Equal(t, Gate{Command: "make lint", Blocking: true}, p.Gates["lint"])
	assert.Equal(t, 30*time.Second, p.Gates["test"].Timeout)
	assert.False(t, p.Gates["typecheck"].Blocking)
	assert.Equal(t, []string{"lint", "test"}, p.BlockingGates())
	assert.Equal(t, "haiku", p.Models.ForPhase("verify"))
	assert.Equal(t, "opus", p.Models.Planning, "unset tiers fall back to defaults")
	assert.Equal(t, 4000, p.Thinking.MaxTokens)
	assert.Equal(t, []string{"design"}, p.Thinking.ExtendedFor)
}

func TestLoader_TOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "B.toml", `
detect_files = ["build.gradle"]

[gates.lint]
command = "gradle lint"
class = "lint"

[gates.test]
command = "gradle test"
timeout = 120
`)

	p, err := NewLoader(dir).Load("B")
	require.NoError(t, err)
	assert.Equal(t, []string{"build.gradle"}, p.Detect.Files)
	assert.Equal(t, ClassLint, p.Gates["lint"].Class)
	assert.Equal(t, 120*time.Second, p.Gates["test"].Timeout)
	assert.True(t, p.Gates["test"].Blocking)
}

func TestLoader_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing command", "gates:\n  lint:\n    blocking: true\n"},
		{"bad blocking", "gates:\n  lint:\n    command: x\n    blocking: maybe\n"},
		{"negative timeout", "gates:\n  lint:\n    command: x\n    timeout: -1\n"},
		{"gates list", "gates: [a, b]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "bad.yaml", tt.content)
			_, err := NewLoader(dir).Load("bad")
			assert.ErrorIs(t, err, ErrInvalidProfile)
		})
	}
}

func TestLoader_CacheAndInvalidate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "C.yaml", "gates:\n  test: one\n")
	l := NewLoader(dir)

	p, err := l.Load("C")
	require.NoError(t, err)
	assert.Equal(t, "one", p.Gates["test"].Command)

	writeFile(t, dir, "C.yaml", "gates:\n  test: two\n")
	p, err = l.Load("C")
	require.NoError(t, err)
	assert.Equal(t, "one", p.Gates["test"].Command, "cached until invalidated")

	l.Invalidate("C")
	p, err = l.Load("C")
	require.NoError(t, err)
	assert.Equal(t, "two", p.Gates["test"].Command)
}

func TestLoader_Names(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "custom.yml", "gates: {}\n")
	names := NewLoader(dir).Names()
	assert.Contains(t, names, "custom")
	assert.Contains(t, names, GeneralProfile)
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  string
	}{
		{"go module", []string{"go.mod", "main.py"}, "go"},
		{"python marker beats go", []string{"go.mod", "pyproject.toml"}, "python"},
		{"rust", []string{"Cargo.toml"}, "rust"},
		{"extension only", []string{"src/app.ts"}, "typescript"},
		{"nothing", []string{"README.md"}, GeneralProfile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, f := range tt.files {
				require.NoError(t, os.MkdirAll(filepath.Join(dir, filepath.Dir(f)), 0755))
				writeFile(t, dir, f, "")
			}
			assert.Equal(t, tt.want, Detect(dir))
		})
	}
}

func TestDetect_SkipsVendoredDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules", "x"), 0755))
	writeFile(t, filepath.Join(dir, "node_modules", "x"), "index.ts", "")
	assert.Equal(t, GeneralProfile, Detect(dir))
}

func TestDetect_HonorsGitignore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".gitignore", "generated/\n")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "generated"), 0755))
	writeFile(t, filepath.Join(dir, "generated"), "client.py", "")
	assert.Equal(t, GeneralProfile, Detect(dir))

	writeFile(t, dir, "tool.py", "")
	assert.Equal(t, "python", Detect(dir))
}

func TestWatcher_InvalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "W.yaml", "gates:\n  test: one\n")
	l := NewLoader(dir)
	_, err := l.Load("W")
	require.NoError(t, err)

	w, err := NewWatcher(l, nil)
	require.NoError(t, err)
	changed := make(chan string, 16)
	w.OnChange = func(name string) {
		select {
		case changed <- name:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeFile(t, dir, "W.yaml", "gates:\n  test: two\n")

	select {
	case name := <-changed:
		assert.Equal(t, "W", name)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report change")
	}

	require.Eventually(t, func() bool {
		p, err := l.Load("W")
		return err == nil && p.Gates["test"].Command == "two"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewWatcher_RequiresDir(t *testing.T) {
	_, err := NewWatcher(NewLoader(""), nil)
	assert.Error(t, err)
}
