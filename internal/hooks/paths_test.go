package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conductor/internal/secrets"
)

const openAIKey = "sk-proj-abc123def456ghi789jkl012mno345pqr678stu901xyz"

func TestPathGuard_CheckPath(t *testing.T) {
	g := &PathGuard{Home: "/home/dev", Protected: []string{"deploy/prod"}}
	const cwd = "/home/dev/project"

	tests := []struct {
		path  string
		block bool
		warn  bool
	}{
		{"/etc/passwd", true, false},
		{"/usr/local/bin/tool", true, false},
		{"/home/dev/.ssh/authorized_keys", true, false},
		{"~/.aws/credentials", true, false},
		{".git/config", true, false},
		{"sub/.git/hooks/pre-commit", true, false},
		{"certs/server.pem", true, false},
		{"keys/id_ed25519", true, false},
		{"deploy/prod/values.yaml", true, false},
		{".env", false, true},
		{".env.local", false, true},
		{"package-lock.json", false, true},
		{"config/credentials.yml", false, true},
		{"secrets.yaml", false, true},
		{"main.go", false, false},
		{".github/workflows/ci.yml", false, false},
		{".gitignore", false, false},
		{"/etcetera/file", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			res := g.CheckPath(tt.path, cwd)
			assert.Equal(t, tt.block, res.Blocks(), res.Reason)
			assert.Equal(t, tt.warn, len(res.Warnings) > 0)
		})
	}
}

func TestPathGuard_BlocksSecretContent(t *testing.T) {
	scanner, err := secrets.Default()
	require.NoError(t, err)
	g := &PathGuard{Home: "/home/dev", Scanner: scanner}

	res, err := g.Handle(context.Background(), toolPayload(PreToolUse, "Write", map[string]any{
		"file_path": "/home/dev/project/config.go",
		"content":   `const key = "` + openAIKey + `"`,
	}))
	require.NoError(t, err)
	assert.True(t, res.Blocks())
	assert.Contains(t, res.Reason, "Blocked write containing secrets")
	assert.NotContains(t, res.Reason, openAIKey)
}

func TestPathGuard_ScansMultiEdit(t *testing.T) {
	scanner, err := secrets.Default()
	require.NoError(t, err)
	g := &PathGuard{Home: "/home/dev", Scanner: scanner}

	res, err := g.Handle(context.Background(), toolPayload(PreToolUse, "MultiEdit", map[string]any{
		"file_path": "/home/dev/project/app.py",
		"edits": []any{
			map[string]any{"old_string": "a", "new_string": "b"},
			map[string]any{"old_string": "c", "new_string": `OPENAI = "` + openAIKey + `"`},
		},
	}))
	require.NoError(t, err)
	assert.True(t, res.Blocks())
}

func TestPathGuard_CleanContentKeepsPathWarning(t *testing.T) {
	scanner, err := secrets.Default()
	require.NoError(t, err)
	g := &PathGuard{Home: "/home/dev", Scanner: scanner}

	res, err := g.Handle(context.Background(), toolPayload(PreToolUse, "Edit", map[string]any{
		"file_path":  ".env.example",
		"new_string": "PORT=8080",
	}))
	require.NoError(t, err)
	assert.False(t, res.Blocks())
	assert.NotEmpty(t, res.Warnings)
}
