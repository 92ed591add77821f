package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/config"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/eventstore"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/store"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

func recoveryFixture(t *testing.T) (*Daemon, *store.Store, *config.Config) {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(base, "state")
	cfg.TaskDir = filepath.Join(base, "tasks")

	st, err := store.Open(base)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	d, err := New(cfg, st)
	require.NoError(t, err)
	d.pidAlive = func(int) bool { return false }
	return d, st, cfg
}

func claimedTask(t *testing.T, st *store.Store, id, workerID string) *types.Task {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateTask(ctx, &types.Task{
		ID: id, Type: "FEATURE", Shard: "shard-0", Lane: types.LaneImpl,
	}))
	claimed, err := st.ClaimTask(ctx, id, workerID)
	require.NoError(t, err)
	require.True(t, claimed)
	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	return task
}

func TestStaleScanRequeuesAbandonedTask(t *testing.T) {
	d, st, _ := recoveryFixture(t)
	ctx := context.Background()
	claimedTask(t, st, "t1", "w1")

	// FEATURE tasks default to a 900s timeout; jump past it.
	d.now = func() time.Time { return time.Now().Add(20 * time.Minute) }

	require.NoError(t, d.staleScan(ctx))

	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateQueued, got.State)
	assert.Equal(t, 1, got.RetryCount)

	events, err := st.EventsByType(ctx, types.EventTaskRecovered, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "t1", events[0].TaskID)
}

func TestStaleScanLeavesFreshTask(t *testing.T) {
	d, st, _ := recoveryFixture(t)
	ctx := context.Background()
	claimedTask(t, st, "t1", "w1")

	require.NoError(t, d.staleScan(ctx))

	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRunning, got.State)
}

func TestStaleScanSparesTaskWithLiveWorker(t *testing.T) {
	d, st, _ := recoveryFixture(t)
	ctx := context.Background()
	claimedTask(t, st, "t1", "w1")
	require.NoError(t, st.UpsertWorker(ctx, &types.Worker{
		ID: "w1", PID: 4242, Status: types.WorkerBusy,
		Specialization: types.LaneImpl, Shard: "shard-0",
	}))

	d.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
	d.pidAlive = func(pid int) bool { return pid == 4242 }

	require.NoError(t, d.staleScan(ctx))

	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRunning, got.State, "live worker keeps its slow task")
}

func TestStaleScanHonorsReportedTimeout(t *testing.T) {
	d, st, _ := recoveryFixture(t)
	ctx := context.Background()
	claimedTask(t, st, "t1", "w1")

	// Worker reported a 2h expected timeout; 20 minutes of silence is fine.
	require.NoError(t, st.UpsertWorker(ctx, &types.Worker{
		ID: "w1", Status: types.WorkerBusy, Specialization: types.LaneImpl, Shard: "shard-0",
	}))
	require.NoError(t, st.UpsertHeartbeat(ctx, &types.Heartbeat{
		WorkerID: "w1", Status: types.WorkerBusy, TaskID: "t1", ExpectedTimeout: 7200,
	}))

	d.now = func() time.Time { return time.Now().Add(20 * time.Minute) }

	require.NoError(t, d.staleScan(ctx))

	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRunning, got.State)
}

func TestZombieScan(t *testing.T) {
	d, st, _ := recoveryFixture(t)
	ctx := context.Background()
	claimedTask(t, st, "t1", "w1")
	require.NoError(t, st.UpsertWorker(ctx, &types.Worker{
		ID: "w1", Status: types.WorkerBusy, Specialization: types.LaneImpl,
		Shard: "shard-0", LastHeartbeat: time.Now(),
	}))

	// Past the 30 minute zombie window.
	d.now = func() time.Time { return time.Now().Add(40 * time.Minute) }

	require.NoError(t, d.zombieScan(ctx))

	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateQueued, got.State)

	events, err := st.EventsByType(ctx, types.EventZombieRecovery, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCrashedWorkerScanMarksDeadAndRequeues(t *testing.T) {
	d, st, _ := recoveryFixture(t)
	ctx := context.Background()
	claimedTask(t, st, "t1", "w1")
	require.NoError(t, st.UpsertWorker(ctx, &types.Worker{
		ID: "w1", PID: 999999, Status: types.WorkerBusy,
		Specialization: types.LaneImpl, Shard: "shard-0", LastHeartbeat: time.Now(),
	}))

	d.now = func() time.Time { return time.Now().Add(time.Hour) }

	require.NoError(t, d.crashedWorkerScan(ctx))

	w, err := st.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerDead, w.Status)

	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateQueued, got.State)

	events, err := st.EventsByType(ctx, types.EventWorkerCrashDetected, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCrashedWorkerScanMarksStaleWhenPIDAlive(t *testing.T) {
	d, st, _ := recoveryFixture(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertWorker(ctx, &types.Worker{
		ID: "w1", PID: 4242, Status: types.WorkerBusy,
		Specialization: types.LaneImpl, Shard: "shard-0", LastHeartbeat: time.Now(),
	}))

	d.now = func() time.Time { return time.Now().Add(time.Hour) }
	d.pidAlive = func(pid int) bool { return pid == 4242 }

	require.NoError(t, d.crashedWorkerScan(ctx))

	w, err := st.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStale, w.Status, "live but silent process is stale, not dead")
}

func TestCrashedWorkerScanSkipsDeadAndStopping(t *testing.T) {
	d, st, _ := recoveryFixture(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertWorker(ctx, &types.Worker{
		ID: "w1", Status: types.WorkerStopping,
		Specialization: types.LaneImpl, Shard: "shard-0", LastHeartbeat: time.Now().Add(-2 * time.Hour),
	}))

	require.NoError(t, d.crashedWorkerScan(ctx))

	w, err := st.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStopping, w.Status)
}

func TestPendingSyncScanAppliesMarker(t *testing.T) {
	d, st, cfg := recoveryFixture(t)
	ctx := context.Background()
	claimedTask(t, st, "t1", "w1")

	dir := filepath.Join(cfg.DataDir, "pending-sync")
	require.NoError(t, store.WritePendingSync(dir, types.PendingSync{
		TaskID:      "t1",
		TargetState: types.TaskStateComplete,
		Reason:      "db write failed after completion",
	}))

	require.NoError(t, d.pendingSyncScan(ctx))

	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateComplete, got.State)

	markers, err := store.ListPendingSync(dir)
	require.NoError(t, err)
	assert.Empty(t, markers, "applied marker is removed")

	events, err := st.EventsByType(ctx, types.EventPendingSyncApplied, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPendingSyncScanDropsMarkerForMissingTask(t *testing.T) {
	d, _, cfg := recoveryFixture(t)

	dir := filepath.Join(cfg.DataDir, "pending-sync")
	require.NoError(t, store.WritePendingSync(dir, types.PendingSync{
		TaskID: "ghost", TargetState: types.TaskStateComplete,
	}))

	require.NoError(t, d.pendingSyncScan(context.Background()))

	markers, err := store.ListPendingSync(dir)
	require.NoError(t, err)
	assert.Empty(t, markers)
}

func TestStaleScanReachesEventLog(t *testing.T) {
	d, st, cfg := recoveryFixture(t)
	ctx := context.Background()
	claimedTask(t, st, "t1", "w1")

	// Wire the append-only log the way the CLI entrypoints do.
	es, err := eventstore.New(filepath.Join(cfg.DataDir, "event-store"),
		time.Duration(cfg.LockTimeoutSeconds)*time.Second)
	require.NoError(t, err)
	st.AddSink(func(ev types.Event) {
		_, aerr := es.Append(ev)
		require.NoError(t, aerr)
	})

	d.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
	require.NoError(t, d.staleScan(ctx))

	logged, err := es.Query(eventstore.Filter{Types: []types.EventType{types.EventTaskRecovered}})
	require.NoError(t, err)
	require.Len(t, logged, 1, "recovery event reaches the append-only log")
	assert.Equal(t, "t1", logged[0].TaskID)
}

func TestRejectedScanRequeuesWithBudget(t *testing.T) {
	d, st, _ := recoveryFixture(t)
	ctx := context.Background()
	claimedTask(t, st, "t1", "w1")
	require.NoError(t, st.Transition(ctx, "t1", types.TaskStateRejected, "gates failed", "approver"))

	require.NoError(t, d.rejectedScan(ctx))

	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateQueued, got.State)
	assert.Empty(t, got.WorkerID)
}

func TestRejectedScanLeavesExhaustedTask(t *testing.T) {
	d, st, cfg := recoveryFixture(t)
	ctx := context.Background()
	claimedTask(t, st, "t1", "w1")
	require.NoError(t, st.Transition(ctx, "t1", types.TaskStateRejected, "gates failed", "approver"))
	for i := 0; i < cfg.MaxRetries; i++ {
		_, err := st.IncrementRetry(ctx, "t1")
		require.NoError(t, err)
	}

	require.NoError(t, d.rejectedScan(ctx))

	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRejected, got.State, "task out of retries waits for an operator")
}

func TestScanOnceRunsAllScans(t *testing.T) {
	d, st, _ := recoveryFixture(t)
	ctx := context.Background()
	claimedTask(t, st, "t1", "w1")
	d.now = func() time.Time { return time.Now().Add(20 * time.Minute) }

	d.ScanOnce(ctx)

	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateQueued, got.State)
}
