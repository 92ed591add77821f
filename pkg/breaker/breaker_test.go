package breaker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/metrics"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

func newTestBreaker(t *testing.T, opts Options) *Breaker {
	t.Helper()
	b, err := New(t.TempDir(), "claude", opts)
	require.NoError(t, err)
	return b
}

func TestStartsClosed(t *testing.T) {
	b := newTestBreaker(t, DefaultOptions())

	allowed, err := b.Allow()
	require.NoError(t, err)
	assert.True(t, allowed)

	st, err := b.State()
	require.NoError(t, err)
	assert.Equal(t, types.BreakerClosed, st.Status)
	assert.Equal(t, 0, st.FailureCount)
}

func TestTripsAtThreshold(t *testing.T) {
	b := newTestBreaker(t, Options{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		tripped, err := b.RecordFailure()
		require.NoError(t, err)
		assert.False(t, tripped, "failure %d should not trip", i+1)
	}

	tripped, err := b.RecordFailure()
	require.NoError(t, err)
	assert.True(t, tripped)

	allowed, err := b.Allow()
	require.NoError(t, err)
	assert.False(t, allowed)

	// Further failures while open do not re-trip.
	tripped, err = b.RecordFailure()
	require.NoError(t, err)
	assert.False(t, tripped)
}

func TestCooldownAdmitsHalfOpenProbe(t *testing.T) {
	b := newTestBreaker(t, Options{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMaxCalls: 1})

	now := time.Now()
	b.now = func() time.Time { return now }

	tripped, err := b.RecordFailure()
	require.NoError(t, err)
	require.True(t, tripped)

	allowed, err := b.Allow()
	require.NoError(t, err)
	assert.False(t, allowed, "still inside cooldown")

	b.now = func() time.Time { return now.Add(61 * time.Second) }

	allowed, err = b.Allow()
	require.NoError(t, err)
	assert.True(t, allowed, "cooldown elapsed, probe admitted")

	st, err := b.State()
	require.NoError(t, err)
	assert.Equal(t, types.BreakerHalfOpen, st.Status)

	// The admission cap blocks a second probe.
	allowed, err = b.Allow()
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestHalfOpenAbandonedProbeReplaced(t *testing.T) {
	b := newTestBreaker(t, Options{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMaxCalls: 1})

	now := time.Now()
	b.now = func() time.Time { return now }

	tripped, err := b.RecordFailure()
	require.NoError(t, err)
	require.True(t, tripped)

	b.now = func() time.Time { return now.Add(61 * time.Second) }
	allowed, err := b.Allow()
	require.NoError(t, err)
	require.True(t, allowed)

	// The probe's process dies without reporting back. Inside one cooldown
	// the admission cap still holds.
	b.now = func() time.Time { return now.Add(90 * time.Second) }
	allowed, err = b.Allow()
	require.NoError(t, err)
	assert.False(t, allowed)

	// A full cooldown after the probe went out, a replacement is admitted
	// instead of wedging the breaker in HALF_OPEN forever.
	b.now = func() time.Time { return now.Add(3 * time.Minute) }
	allowed, err = b.Allow()
	require.NoError(t, err)
	assert.True(t, allowed)

	st, err := b.State()
	require.NoError(t, err)
	assert.Equal(t, types.BreakerHalfOpen, st.Status)
	assert.Equal(t, 1, st.HalfOpenCalls)
}

func TestHalfOpenAdmissionSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	opts := Options{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMaxCalls: 1}
	first, err := New(dir, "claude", opts)
	require.NoError(t, err)

	now := time.Now()
	first.now = func() time.Time { return now }
	tripped, err := first.RecordFailure()
	require.NoError(t, err)
	require.True(t, tripped)

	first.now = func() time.Time { return now.Add(61 * time.Second) }
	allowed, err := first.Allow()
	require.NoError(t, err)
	require.True(t, allowed)

	// A fresh process over the same state sees the outstanding probe and
	// does not admit another one early.
	second, err := New(dir, "claude", opts)
	require.NoError(t, err)
	second.now = func() time.Time { return now.Add(90 * time.Second) }

	allowed, err = second.Allow()
	require.NoError(t, err)
	assert.False(t, allowed, "probe admission time is shared state")
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b := newTestBreaker(t, Options{FailureThreshold: 1, Cooldown: time.Millisecond})

	_, err := b.RecordFailure()
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	allowed, err := b.Allow()
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, b.RecordSuccess())

	st, err := b.State()
	require.NoError(t, err)
	assert.Equal(t, types.BreakerClosed, st.Status)
	assert.Equal(t, 0, st.FailureCount)
	assert.Equal(t, 0, st.HalfOpenCalls)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(t, Options{FailureThreshold: 1, Cooldown: time.Millisecond})

	_, err := b.RecordFailure()
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	allowed, err := b.Allow()
	require.NoError(t, err)
	require.True(t, allowed)

	tripped, err := b.RecordFailure()
	require.NoError(t, err)
	assert.True(t, tripped, "half-open failure counts as a trip")

	st, err := b.State()
	require.NoError(t, err)
	assert.Equal(t, types.BreakerOpen, st.Status)
}

func TestStateGaugeTracksStatus(t *testing.T) {
	b := newTestBreaker(t, Options{FailureThreshold: 1, Cooldown: time.Minute})
	gauge := metrics.BreakerState.WithLabelValues("claude")

	_, err := b.RecordFailure()
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(gauge), "open")

	now := time.Now()
	b.now = func() time.Time { return now.Add(2 * time.Minute) }
	allowed, err := b.Allow()
	require.NoError(t, err)
	require.True(t, allowed)
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge), "half-open")

	require.NoError(t, b.RecordSuccess())
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge), "closed")
}

func TestStateSharedAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	first, err := New(dir, "claude", Options{FailureThreshold: 1})
	require.NoError(t, err)

	tripped, err := first.RecordFailure()
	require.NoError(t, err)
	require.True(t, tripped)

	// A second instance over the same directory sees the open state.
	second, err := New(dir, "claude", Options{FailureThreshold: 1})
	require.NoError(t, err)

	allowed, err := second.Allow()
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestCorruptStateResetsClosed(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir, "claude", DefaultOptions())
	require.NoError(t, err)

	tests := []struct {
		name    string
		content string
	}{
		{"unknown state", "state=EXPLODED\nfailure_count=9\n"},
		{"injection in counter", "state=OPEN\nfailure_count=3; rm -rf /\n"},
		{"garbage", "\x00\x01\x02"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, "claude.state"), []byte(tt.content), 0644))

			st, err := b.State()
			require.NoError(t, err)
			if tt.name == "injection in counter" {
				// Valid state line survives; the bad counter resets to 0.
				assert.Equal(t, types.BreakerOpen, st.Status)
				assert.Equal(t, 0, st.FailureCount)
			} else {
				assert.Equal(t, types.BreakerClosed, st.Status)
				assert.Equal(t, 0, st.FailureCount)
			}
		})
	}
}

func TestParseCounter(t *testing.T) {
	assert.Equal(t, 42, parseCounter("42"))
	assert.Equal(t, 0, parseCounter("-1"))
	assert.Equal(t, 0, parseCounter("4.2"))
	assert.Equal(t, 0, parseCounter("forty"))
	assert.Equal(t, 0, parseCounter(""))
	assert.Equal(t, 0, parseCounter("12 "))
}

func TestRoundTripPersistence(t *testing.T) {
	b := newTestBreaker(t, Options{FailureThreshold: 5})

	_, err := b.RecordFailure()
	require.NoError(t, err)
	_, err = b.RecordFailure()
	require.NoError(t, err)

	st, err := b.State()
	require.NoError(t, err)
	assert.Equal(t, types.BreakerClosed, st.Status)
	assert.Equal(t, 2, st.FailureCount)
	assert.False(t, st.LastFailure.IsZero())
}
