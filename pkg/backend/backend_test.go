package backend

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckCredential(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("GEMINI_API_KEY", "")

	assert.NoError(t, CheckCredential("claude"))

	err := CheckCredential("gemini")
	require.Error(t, err)
	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, "gemini", credErr.Family)
	assert.Equal(t, "GEMINI_API_KEY", credErr.EnvVar)

	// Unknown families carry their own auth and always pass.
	assert.NoError(t, CheckCredential("llama"))
}

func TestRateLimiterWindow(t *testing.T) {
	rl, err := NewRateLimiter(t.TempDir())
	require.NoError(t, err)

	now := time.Now()
	rl.now = func() time.Time { return now }

	assert.False(t, rl.Limited("claude"))

	require.NoError(t, rl.Mark("claude", 60*time.Second))
	assert.True(t, rl.Limited("claude"))
	assert.False(t, rl.Limited("gemini"))

	// Window expires.
	rl.now = func() time.Time { return now.Add(61 * time.Second) }
	assert.False(t, rl.Limited("claude"))

	// Expired record was cleaned up on read.
	_, statErr := os.Stat(filepath.Join(rl.dir, "claude.limit"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRateLimiterClear(t *testing.T) {
	rl, err := NewRateLimiter(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, rl.Mark("codex", time.Hour))
	require.True(t, rl.Limited("codex"))

	require.NoError(t, rl.Clear("codex"))
	assert.False(t, rl.Limited("codex"))

	// Clearing an absent record is not an error.
	assert.NoError(t, rl.Clear("codex"))
}

func TestRateLimiterCorruptRecord(t *testing.T) {
	rl, err := NewRateLimiter(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(rl.dir, "claude.limit"), []byte("not-a-number"), 0644))
	assert.False(t, rl.Limited("claude"))
}
