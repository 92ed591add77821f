package eventstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

func newTestLog(t *testing.T) *Store {
	t.Helper()
	es, err := New(t.TempDir(), time.Second)
	require.NoError(t, err)
	return es
}

func TestAppendStampsIDAndTimestamp(t *testing.T) {
	es := newTestLog(t)

	id, err := es.Append(types.Event{Type: types.EventTaskSubmitted, TaskID: "t1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	events, err := es.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestQueryPreservesLogOrder(t *testing.T) {
	es := newTestLog(t)

	for _, taskID := range []string{"t1", "t2", "t3"} {
		_, err := es.Append(types.Event{Type: types.EventTaskSubmitted, TaskID: taskID})
		require.NoError(t, err)
	}

	events, err := es.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "t1", events[0].TaskID)
	assert.Equal(t, "t2", events[1].TaskID)
	assert.Equal(t, "t3", events[2].TaskID)
}

func TestQueryTypeFilterAndLimit(t *testing.T) {
	es := newTestLog(t)

	for i := 0; i < 3; i++ {
		_, err := es.Append(types.Event{Type: types.EventTaskSubmitted})
		require.NoError(t, err)
		_, err = es.Append(types.Event{Type: types.EventTaskClaimed})
		require.NoError(t, err)
	}

	claimed, err := es.Query(Filter{Types: []types.EventType{types.EventTaskClaimed}})
	require.NoError(t, err)
	assert.Len(t, claimed, 3)

	limited, err := es.Query(Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestQuerySinceUntil(t *testing.T) {
	es := newTestLog(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := es.Append(types.Event{
			Type:      types.EventTaskSubmitted,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	events, err := es.Query(Filter{
		Since: base.Add(1 * time.Minute),
		Until: base.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestTimeTravel(t *testing.T) {
	es := newTestLog(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := es.Append(types.Event{Type: types.EventTaskSubmitted, TaskID: "t1", Timestamp: base})
	require.NoError(t, err)
	_, err = es.Append(types.Event{Type: types.EventTaskClaimed, TaskID: "t1", Timestamp: base.Add(time.Hour)})
	require.NoError(t, err)

	past, err := es.TimeTravel(base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, past, 1)
	assert.Equal(t, types.EventTaskSubmitted, past[0].Type)
}

func TestQueryEmptyLog(t *testing.T) {
	es := newTestLog(t)
	events, err := es.Query(Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestScanSkipsMalformedLines(t *testing.T) {
	es := newTestLog(t)

	_, err := es.Append(types.Event{Type: types.EventTaskSubmitted, TaskID: "good-1"})
	require.NoError(t, err)

	f, err := os.OpenFile(es.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{corrupt line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = es.Append(types.Event{Type: types.EventTaskSubmitted, TaskID: "good-2"})
	require.NoError(t, err)

	events, err := es.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "good-1", events[0].TaskID)
	assert.Equal(t, "good-2", events[1].TaskID)
}

func TestRebuildProjection(t *testing.T) {
	dir := t.TempDir()
	es, err := New(dir, time.Second)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := es.Append(types.Event{Type: types.EventTaskSubmitted})
		require.NoError(t, err)
	}
	_, err = es.Append(types.Event{Type: types.EventTaskFailed})
	require.NoError(t, err)

	counter := func(state map[string]any, ev types.Event) {
		key := string(ev.Type)
		if n, ok := state[key].(float64); ok {
			state[key] = n + 1
		} else {
			state[key] = float64(1)
		}
	}

	ps, err := es.RebuildProjection("census", counter)
	require.NoError(t, err)
	assert.Equal(t, "census", ps.Projection)
	assert.Equal(t, 4, ps.EventCount)
	assert.Equal(t, float64(3), ps.State["TASK_SUBMITTED"])
	assert.Equal(t, float64(1), ps.State["TASK_FAILED"])

	// The projection file is published atomically under projections/.
	_, statErr := os.Stat(filepath.Join(dir, "projections", "census.json"))
	assert.NoError(t, statErr)

	// Rebuilding again from the same log yields the same state.
	again, err := es.RebuildProjection("census", counter)
	require.NoError(t, err)
	assert.Equal(t, ps.State, again.State)
}
