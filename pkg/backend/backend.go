// Package backend drives calls to the model-backend families: credential
// checks, error classification, backoff, rate-limit records and the
// breaker-guarded fallback chain.
package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// credentialEnv maps backend family to the environment variable that must be
// present before a worker for that family is spawned.
var credentialEnv = map[string]string{
	"claude": "ANTHROPIC_API_KEY",
	"gemini": "GEMINI_API_KEY",
	"codex":  "OPENAI_API_KEY",
}

// CredentialError reports a missing backend credential.
type CredentialError struct {
	Family string
	EnvVar string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("backend %s: credential %s not set", e.Family, e.EnvVar)
}

// CheckCredential verifies the family's credential is present in the
// environment. Unknown families pass; they carry their own auth.
func CheckCredential(family string) error {
	envVar, ok := credentialEnv[family]
	if !ok {
		return nil
	}
	if os.Getenv(envVar) == "" {
		return &CredentialError{Family: family, EnvVar: envVar}
	}
	return nil
}

// RateLimiter tracks per-family rate-limit windows as small files so every
// process sharing the state directory observes the same window.
type RateLimiter struct {
	dir string
	now func() time.Time
}

// NewRateLimiter creates a limiter persisting under dir.
func NewRateLimiter(dir string) (*RateLimiter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create rate-limit dir: %w", err)
	}
	return &RateLimiter{dir: dir, now: time.Now}, nil
}

func (r *RateLimiter) path(family string) string {
	return filepath.Join(r.dir, family+".limit")
}

// Limited reports whether the family is inside a rate-limit window. Expired
// windows are cleaned up on read.
func (r *RateLimiter) Limited(family string) bool {
	data, err := os.ReadFile(r.path(family))
	if err != nil {
		return false
	}
	until, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		_ = os.Remove(r.path(family))
		return false
	}
	if r.now().Unix() >= until {
		_ = os.Remove(r.path(family))
		return false
	}
	return true
}

// Mark opens a rate-limit window for the family lasting d from now.
func (r *RateLimiter) Mark(family string, d time.Duration) error {
	until := r.now().Add(d).Unix()
	tmp := r.path(family) + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(until, 10)+"\n"), 0644); err != nil {
		return fmt.Errorf("write rate-limit record: %w", err)
	}
	if err := os.Rename(tmp, r.path(family)); err != nil {
		return fmt.Errorf("publish rate-limit record: %w", err)
	}
	return nil
}

// Clear removes the family's rate-limit record.
func (r *RateLimiter) Clear(family string) error {
	err := os.Remove(r.path(family))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
