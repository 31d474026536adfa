package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conductor/internal/gates"
	"github.com/fyrsmithlabs/conductor/internal/profile"
)

func TestHelpDetectionPatterns(t *testing.T) {
	tests := []struct {
		name   string
		output string
		isHelp bool
	}{
		{
			name:   "go test help",
			output: "Usage: go test [build/test flags] [packages]\n  -v verbose\n  --help show this help",
			isHelp: true,
		},
		{
			name:   "pytest help",
			output: "usage: pytest [options] [file_or_dir]\n  --help, -h     show this help message",
			isHelp: true,
		},
		{
			name:   "actual test output",
			output: "=== RUN TestFoo\n--- PASS: TestFoo (0.00s)\nPASS\nok  pkg 0.001s",
			isHelp: false,
		},
		{
			name:   "npm test output",
			output: "> test\n> jest\n\n PASS  src/test.js\n  Test Suite\n    ✓ should pass (5ms)\n\nTest Suites: 1 passed\nTests:       1 passed",
			isHelp: false,
		},
		{
			name:   "generic help flag",
			output: "mycommand --help\n\nOptions:\n  --help  Show help",
			isHelp: true,
		},
		{name: "empty", output: "  \n", isHelp: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.isHelp, isHelpOutput(tt.output))
		})
	}
}

func testProfile() *profile.Profile {
	return &profile.Profile{
		Name: "test",
		Gates: map[string]profile.Gate{
			"lint": {Command: "true", Blocking: true},
			"test": {Command: "true", Blocking: true},
		},
	}
}

func TestCheckVerification_HelpOutput(t *testing.T) {
	results := []gates.Result{
		{Name: "lint", Status: gates.StatusPassed},
		{Name: "test", Status: gates.StatusPassed, Output: "usage: pytest [options]\n  -h, --help  show this help"},
	}
	vs := CheckVerification(testProfile(), results, 4)
	require.Len(t, vs, 1)
	assert.Equal(t, ViolationHelpAsVerification, vs[0].Type)
	assert.Equal(t, SeverityError, vs[0].Severity)
	assert.Equal(t, 4, vs[0].Iteration)
}

func TestCheckVerification_RealTests(t *testing.T) {
	results := []gates.Result{
		{Name: "test", Status: gates.StatusPassed, Output: "ok  example.com/pkg 0.012s"},
	}
	assert.Empty(t, CheckVerification(testProfile(), results, 1))
}

func TestCheckVerification_NoTestGate(t *testing.T) {
	results := []gates.Result{{Name: "lint", Status: gates.StatusPassed}}
	vs := CheckVerification(testProfile(), results, 1)
	require.Len(t, vs, 1)
	assert.Equal(t, ViolationTestsNotRun, vs[0].Type)

	assert.Empty(t, CheckVerification(testProfile(), nil, 1), "an empty batch has nothing to judge")
}

func TestCheckBundled(t *testing.T) {
	assert.Nil(t, CheckBundled(3, 5, 1))
	assert.Nil(t, CheckBundled(DefaultMaxFilesPerTurn, 0, 1))

	v := CheckBundled(6, 5, 2)
	require.NotNil(t, v)
	assert.Equal(t, ViolationBundledChanges, v.Type)
	assert.Contains(t, v.Description, "6 files")
}
