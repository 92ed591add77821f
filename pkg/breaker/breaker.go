// Package breaker implements the per-backend-family circuit breaker. State
// is persisted as a small key=value record shared by every process that
// calls the backend; mutual exclusion is by advisory file lock.
//
// The record is parsed by whitelisted key/value pairs with regex validation.
// It is never interpreted as code.
package breaker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/log"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/metrics"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

const lockRetryDelay = 50 * time.Millisecond

var valuePattern = regexp.MustCompile(`^[0-9]+$`)

// Options tunes breaker behavior
type Options struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMaxCalls int
	LockTimeout      time.Duration
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		FailureThreshold: 3,
		Cooldown:         60 * time.Second,
		HalfOpenMaxCalls: 1,
		LockTimeout:      10 * time.Second,
	}
}

// Breaker guards calls to one backend family
type Breaker struct {
	family string
	path   string
	lock   *flock.Flock
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a breaker for family persisted under dir.
func New(dir, family string, opts Options) (*Breaker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create breaker dir: %w", err)
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 60 * time.Second
	}
	if opts.HalfOpenMaxCalls <= 0 {
		opts.HalfOpenMaxCalls = 1
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	path := filepath.Join(dir, family+".state")
	return &Breaker{
		family: family,
		path:   path,
		lock:   flock.New(path + ".lock"),
		opts:   opts,
		now:    time.Now,
		logger: log.WithComponent("breaker"),
	}, nil
}

// Family returns the backend family this breaker guards.
func (b *Breaker) Family() string {
	return b.family
}

// Allow reports whether a call to the backend may proceed, applying the
// OPEN -> HALF_OPEN cooldown transition and the half-open admission cap. A
// probe that never reports back does not wedge the breaker: after another
// cooldown in HALF_OPEN a fresh probe is admitted.
func (b *Breaker) Allow() (bool, error) {
	var allowed bool
	err := b.withLock(func(st *types.BreakerState) error {
		now := b.now()
		switch st.Status {
		case types.BreakerClosed:
			allowed = true
		case types.BreakerOpen:
			if now.Sub(st.LastFailure) >= b.opts.Cooldown {
				st.Status = types.BreakerHalfOpen
				st.HalfOpenCalls = 1
				st.HalfOpenAt = now
				allowed = true
				b.logger.Info().
					Str("family", b.family).
					Msg("cooldown elapsed, admitting half-open probe")
			}
		case types.BreakerHalfOpen:
			switch {
			case st.HalfOpenCalls < b.opts.HalfOpenMaxCalls:
				st.HalfOpenCalls++
				allowed = true
			case now.Sub(st.HalfOpenAt) >= b.opts.Cooldown:
				st.HalfOpenCalls = 1
				st.HalfOpenAt = now
				allowed = true
				b.logger.Warn().
					Str("family", b.family).
					Msg("half-open probe never reported, admitting a replacement")
			}
		}
		return nil
	})
	return allowed, err
}

// RecordSuccess resets the breaker toward CLOSED.
func (b *Breaker) RecordSuccess() error {
	return b.withLock(func(st *types.BreakerState) error {
		st.Status = types.BreakerClosed
		st.FailureCount = 0
		st.HalfOpenCalls = 0
		st.HalfOpenAt = time.Time{}
		st.LastSuccess = b.now()
		return nil
	})
}

// RecordFailure counts a failure and trips to OPEN at the threshold. A
// failure during HALF_OPEN reopens immediately and restarts the cooldown.
// Returns true when this failure transitioned the breaker to OPEN.
func (b *Breaker) RecordFailure() (bool, error) {
	var tripped bool
	err := b.withLock(func(st *types.BreakerState) error {
		now := b.now()
		switch st.Status {
		case types.BreakerHalfOpen:
			st.Status = types.BreakerOpen
			st.HalfOpenCalls = 0
			st.HalfOpenAt = time.Time{}
			st.LastFailure = now
			tripped = true
			b.logger.Warn().
				Str("family", b.family).
				Msg("half-open probe failed, reopening")
		default:
			st.FailureCount++
			st.LastFailure = now
			if st.Status != types.BreakerOpen && st.FailureCount >= b.opts.FailureThreshold {
				st.Status = types.BreakerOpen
				tripped = true
				b.logger.Warn().
					Str("family", b.family).
					Int("failures", st.FailureCount).
					Msg("failure threshold reached, breaker open")
			}
		}
		return nil
	})
	return tripped, err
}

// State returns the current persisted breaker state.
func (b *Breaker) State() (types.BreakerState, error) {
	var out types.BreakerState
	err := b.withLock(func(st *types.BreakerState) error {
		out = *st
		return nil
	})
	return out, err
}

// withLock loads, mutates and stores the state record under the exclusive
// advisory lock.
func (b *Breaker) withLock(fn func(*types.BreakerState) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.LockTimeout)
	defer cancel()
	locked, err := b.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		return fmt.Errorf("breaker lock timeout for %s: %w", b.family, err)
	}
	defer func() { _ = b.lock.Unlock() }()

	st := b.load()
	if err := fn(st); err != nil {
		return err
	}
	return b.save(st)
}

// load parses the state file. Missing file or any malformed field yields a
// fresh CLOSED record.
func (b *Breaker) load() *types.BreakerState {
	st := &types.BreakerState{Family: b.family, Status: types.BreakerClosed}

	data, err := os.ReadFile(b.path)
	if err != nil {
		return st
	}

	fields := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	switch fields["state"] {
	case "CLOSED":
		st.Status = types.BreakerClosed
	case "OPEN":
		st.Status = types.BreakerOpen
	case "HALF_OPEN":
		st.Status = types.BreakerHalfOpen
	default:
		// Unknown state resets to CLOSED.
		return st
	}

	st.FailureCount = parseCounter(fields["failure_count"])
	st.HalfOpenCalls = parseCounter(fields["half_open_calls"])
	if ts := parseCounter(fields["last_failure"]); ts > 0 {
		st.LastFailure = time.Unix(int64(ts), 0)
	}
	if ts := parseCounter(fields["last_success"]); ts > 0 {
		st.LastSuccess = time.Unix(int64(ts), 0)
	}
	if ts := parseCounter(fields["half_open_at"]); ts > 0 {
		st.HalfOpenAt = time.Unix(int64(ts), 0)
	}
	return st
}

// parseCounter validates a non-negative integer field; anything else is 0.
func parseCounter(v string) int {
	if !valuePattern.MatchString(v) {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (b *Breaker) save(st *types.BreakerState) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "state=%s\n", st.Status)
	fmt.Fprintf(&sb, "failure_count=%d\n", st.FailureCount)
	fmt.Fprintf(&sb, "last_failure=%d\n", unixOrZero(st.LastFailure))
	fmt.Fprintf(&sb, "last_success=%d\n", unixOrZero(st.LastSuccess))
	fmt.Fprintf(&sb, "half_open_calls=%d\n", st.HalfOpenCalls)
	fmt.Fprintf(&sb, "half_open_at=%d\n", unixOrZero(st.HalfOpenAt))

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("write breaker state: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("publish breaker state: %w", err)
	}
	metrics.BreakerState.WithLabelValues(b.family).Set(stateGaugeValue(st.Status))
	return nil
}

func stateGaugeValue(status types.BreakerStatus) float64 {
	switch status {
	case types.BreakerHalfOpen:
		return 1
	case types.BreakerOpen:
		return 2
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
