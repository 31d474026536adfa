package profile

// DetectionOrder is the priority in which built-in profiles are tried.
var DetectionOrder = []string{"python", "typescript", "go", "rust"}

// GeneralProfile is the fallback when nothing else matches.
const GeneralProfile = "general"

var defaultModels = Models{
	Default:     "sonnet",
	Planning:    "opus",
	Exploration: "haiku",
	Security:    "opus",
}

var defaultThinking = Thinking{
	MaxTokens:   16000,
	ExtendedFor: []string{"architecture", "refactor", "security", "migration"},
}

// Defaults returns fresh copies of the built-in profiles. Lint gates fail
// on any output, so their commands run in quiet mode.
func Defaults() map[string]*Profile {
	return map[string]*Profile{
		"python": {
			Name:   "python",
			Detect: Detection{Files: []string{"pyproject.toml", "setup.py", "requirements.txt"}, Extensions: []string{".py"}},
			Gates: map[string]Gate{
				"lint": {Command: "ruff check --quiet .", Blocking: true},
				"test": {Command: "pytest", Blocking: true},
				"type": {Command: "pyright", Blocking: false},
			},
		},
		"typescript": {
			Name:   "typescript",
			Detect: Detection{Files: []string{"tsconfig.json", "package.json"}, Extensions: []string{".ts", ".tsx"}},
			Gates: map[string]Gate{
				"lint": {Command: "npm run --silent lint", Blocking: true},
				"test": {Command: "npm test", Blocking: true},
				"type": {Command: "npx tsc --noEmit", Blocking: true},
			},
		},
		"go": {
			Name:   "go",
			Detect: Detection{Files: []string{"go.mod"}, Extensions: []string{".go"}},
			Gates: map[string]Gate{
				"lint": {Command: "golangci-lint run --quiet", Blocking: true},
				"test": {Command: "go test ./...", Blocking: true},
			},
		},
		"rust": {
			Name:   "rust",
			Detect: Detection{Files: []string{"Cargo.toml"}, Extensions: []string{".rs"}},
			Gates: map[string]Gate{
				"lint": {Command: "cargo clippy --quiet -- -D warnings", Blocking: true},
				"test": {Command: "cargo test", Blocking: true},
			},
		},
		GeneralProfile: {
			Name:  GeneralProfile,
			Gates: map[string]Gate{},
		},
	}
}

// withDefaults fills the routing tables profiles usually leave out.
func withDefaults(p *Profile) *Profile {
	if p.Gates == nil {
		p.Gates = map[string]Gate{}
	}
	if p.Models.Default == "" {
		p.Models.Default = defaultModels.Default
	}
	if p.Models.Planning == "" {
		p.Models.Planning = defaultModels.Planning
	}
	if p.Models.Exploration == "" {
		p.Models.Exploration = defaultModels.Exploration
	}
	if p.Models.Security == "" {
		p.Models.Security = defaultModels.Security
	}
	if p.Thinking.MaxTokens == 0 && len(p.Thinking.ExtendedFor) == 0 {
		p.Thinking = Thinking{
			MaxTokens:   defaultThinking.MaxTokens,
			ExtendedFor: append([]string(nil), defaultThinking.ExtendedFor...),
		}
	}
	return p
}
