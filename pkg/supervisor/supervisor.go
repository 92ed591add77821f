// Package supervisor runs the control loop of the orchestrator: routing
// newly queued tasks, shard health and rebalancing, and keeping one live
// worker process in every expected (lane, shard) slot.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/backend"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/config"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/events"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/log"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/metrics"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/queue"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/shard"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/store"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/worker"
)

// Liveness probe windows for the on-disk worker files.
const (
	stateFileMaxAge     = 60 * time.Second
	heartbeatFileMaxAge = 120 * time.Second
)

var lanes = []types.Lane{types.LaneImpl, types.LaneReview, types.LaneAnalysis}

// laneModels maps each lane to its backend family.
var laneModels = map[types.Lane]string{
	types.LaneImpl:     "codex",
	types.LaneReview:   "claude",
	types.LaneAnalysis: "gemini",
}

// SlotKey identifies one expected worker slot
type SlotKey struct {
	Lane  types.Lane
	Shard string
}

// slotState tracks the process filling a slot and its respawn accounting.
type slotState struct {
	pid       int
	workerID  string
	crashes   int
	lastSpawn time.Time
	disabled  bool
}

// Supervisor is the control-loop process
type Supervisor struct {
	cfg      *config.Config
	store    *store.Store
	router   *queue.Router
	balancer *shard.Balancer
	broker   *events.Broker
	files    *worker.Files
	logger   zerolog.Logger

	slots map[SlotKey]*slotState
	exe   string
	cycle int
}

// New wires a supervisor over the shared store.
func New(cfg *config.Config, st *store.Store) (*Supervisor, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own executable: %w", err)
	}
	files, err := worker.NewFiles(cfg.TaskDir, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:      cfg,
		store:    st,
		router:   queue.NewRouter(cfg.ShardCount, nil),
		balancer: shard.NewBalancer(cfg, st),
		broker:   events.NewBroker(),
		files:    files,
		logger:   log.WithComponent("supervisor"),
		slots:    make(map[SlotKey]*slotState),
		exe:      exe,
	}
	for _, key := range s.expectedSlots() {
		s.slots[key] = &slotState{}
	}
	// Every committed event reaches the live fan-out, not just the ones the
	// supervisor writes itself.
	st.AddSink(func(ev types.Event) {
		s.broker.Publish(&ev)
	})
	return s, nil
}

// expectedSlots enumerates the (lane, shard) pairs the pool must keep
// filled. Slots walk lanes and shards diagonally so a pool of any size
// spreads over every shard; the minimal pool of one slot per lane still
// touches each shard once.
func (s *Supervisor) expectedSlots() []SlotKey {
	keys := make([]SlotKey, 0, s.cfg.PoolSize)
	for i := 0; i < s.cfg.PoolSize; i++ {
		lane := lanes[i%len(lanes)]
		shardName := queue.ShardName((i + i/len(lanes)) % s.cfg.ShardCount)
		keys = append(keys, SlotKey{Lane: lane, Shard: shardName})
	}
	return keys
}

// Broker exposes the live event fan-out.
func (s *Supervisor) Broker() *events.Broker {
	return s.broker
}

// Run drives supervisor cycles every POOL_CHECK_INTERVAL until the context
// is cancelled, then performs the graceful pool shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info().
		Int("pool_size", s.cfg.PoolSize).
		Int("shard_count", s.cfg.ShardCount).
		Msg("supervisor started")

	s.broker.Start()
	defer s.broker.Stop()
	go s.observeEvents(s.broker.Subscribe())

	interval := time.Duration(s.cfg.PoolCheckInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.shutdownPool()
			s.logger.Info().Msg("supervisor stopped")
			return nil
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle is one pass of the control loop: route, health, restart,
// rebalance.
func (s *Supervisor) runCycle(ctx context.Context) {
	s.cycle++

	if err := s.routePass(ctx); err != nil {
		s.logger.Error().Err(err).Msg("route pass failed")
	}
	states, err := s.healthPass(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("health pass failed")
	}
	if err := s.restartPass(ctx); err != nil {
		s.logger.Error().Err(err).Msg("restart pass failed")
	}
	if states != nil {
		s.drainPass(ctx, states)
	}

	force := s.cfg.RebalanceEveryCycle > 0 && s.cycle%s.cfg.RebalanceEveryCycle == 0
	if err := s.balancer.Rebalance(ctx, force); err != nil {
		s.logger.Error().Err(err).Msg("rebalance failed")
	} else if force {
		metrics.RebalancesTotal.Inc()
	}

	s.refreshMetrics(ctx)
}

// routePass stamps shard, lane and model onto tasks submitted without
// routing.
func (s *Supervisor) routePass(ctx context.Context) error {
	tasks, err := s.store.UnroutedQueuedTasks(ctx)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		s.router.Assign(task)
		if err := s.store.SetRouting(ctx, task.ID, task.Shard, task.Lane, task.AssignedModel); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to route task")
			continue
		}
		s.logger.Debug().
			Str("task_id", task.ID).
			Str("shard", task.Shard).
			Str("lane", string(task.Lane)).
			Msg("routed task")
	}
	return nil
}

// healthPass records shard heartbeats and returns the current
// classification.
func (s *Supervisor) healthPass(ctx context.Context) (map[string]types.HealthState, error) {
	if err := s.balancer.HeartbeatPass(ctx); err != nil {
		return nil, err
	}
	return s.balancer.Classify(ctx)
}

// drainPass redistributes queued work away from unhealthy and orphaned
// shards.
func (s *Supervisor) drainPass(ctx context.Context, states map[string]types.HealthState) {
	orphaned, err := s.balancer.OrphanedShards(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("orphan detection failed")
		return
	}

	targets := make(map[string]bool)
	for name, state := range states {
		if state == types.HealthUnhealthy {
			targets[name] = true
		}
	}
	for _, name := range orphaned {
		targets[name] = true
	}

	for name := range targets {
		if err := s.balancer.Drain(ctx, name, states); err != nil {
			s.logger.Error().Err(err).Str("shard", name).Msg("drain failed")
		}
	}
}

// restartPass keeps every expected slot filled by a live worker.
func (s *Supervisor) restartPass(ctx context.Context) error {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return err
	}

	bySlot := make(map[SlotKey]*types.Worker)
	for _, w := range workers {
		if !w.Status.Active() {
			continue
		}
		key := SlotKey{Lane: w.Specialization, Shard: w.Shard}
		bySlot[key] = w
	}

	for key, state := range s.slots {
		if state.disabled {
			continue
		}
		if w, ok := bySlot[key]; ok && s.workerAlive(w) {
			state.pid = w.PID
			state.workerID = w.ID
			continue
		}
		s.maybeSpawn(ctx, key, state)
	}
	return nil
}

// workerAlive applies the three-probe liveness check: PID reachable, state
// file fresh, heartbeat file fresh.
func (s *Supervisor) workerAlive(w *types.Worker) bool {
	if w.PID <= 0 || !pidAlive(w.PID) {
		return false
	}
	dir := s.files.WorkerDir(w.ID)
	if !fileFresh(filepath.Join(dir, "state.json"), stateFileMaxAge) {
		return false
	}
	return fileFresh(filepath.Join(dir, "heartbeat"), heartbeatFileMaxAge)
}

// maybeSpawn starts a worker for the slot, honoring the respawn cooldown
// and the crash cap.
func (s *Supervisor) maybeSpawn(ctx context.Context, key SlotKey, state *slotState) {
	if state.crashes >= s.cfg.MaxWorkerCrashes {
		s.logger.Error().
			Str("lane", string(key.Lane)).
			Str("shard", key.Shard).
			Int("crashes", state.crashes).
			Msg("slot exceeded crash cap, refusing to respawn")
		state.disabled = true
		return
	}
	cooldown := time.Duration(s.cfg.RespawnCooldownSec) * time.Second
	if !state.lastSpawn.IsZero() && time.Since(state.lastSpawn) < cooldown {
		return
	}

	model := laneModels[key.Lane]
	if err := backend.CheckCredential(model); err != nil {
		s.logger.Error().Err(err).
			Str("lane", string(key.Lane)).
			Msg("credential missing, slot retried after cooldown")
		state.lastSpawn = time.Now()
		return
	}

	cmd := exec.Command(s.exe, "worker",
		"--lane", string(key.Lane),
		"--shard", key.Shard,
		"--model", model)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		s.logger.Error().Err(err).Str("lane", string(key.Lane)).Msg("worker spawn failed")
		state.crashes++
		state.lastSpawn = time.Now()
		return
	}

	if !state.lastSpawn.IsZero() {
		// A respawn implies the previous occupant went away.
		state.crashes++
		metrics.WorkerRespawnsTotal.WithLabelValues(string(key.Lane), key.Shard).Inc()
	}
	state.pid = cmd.Process.Pid
	state.lastSpawn = time.Now()

	// Reap the child when it exits so it never lingers as a zombie.
	go func() { _ = cmd.Wait() }()

	s.logger.Info().
		Str("lane", string(key.Lane)).
		Str("shard", key.Shard).
		Int("pid", state.pid).
		Msg("spawned worker")

	if err := s.store.AppendEvent(ctx, types.Event{
		Type:  types.EventWorkerSpawned,
		Actor: "supervisor",
		Payload: map[string]any{
			"lane":  string(key.Lane),
			"shard": key.Shard,
			"model": model,
			"pid":   state.pid,
		},
	}); err != nil {
		s.logger.Error().Err(err).Msg("failed to append spawn event")
	}
}

// observeEvents mirrors the committed event stream onto the supervisor log
// until the broker stops.
func (s *Supervisor) observeEvents(sub events.Subscriber) {
	for ev := range sub {
		s.logger.Debug().
			Str("event", string(ev.Type)).
			Str("task_id", ev.TaskID).
			Str("actor", ev.Actor).
			Msg("event committed")
	}
}

// shutdownPool performs the graceful stop: mark stopping, SIGTERM, wait up
// to the shutdown timeout, SIGKILL survivors and mark them dead.
func (s *Supervisor) shutdownPool() {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.cfg.PoolShutdownTimeout)*time.Second+5*time.Second)
	defer cancel()

	for key, state := range s.slots {
		if state.pid <= 0 || !pidAlive(state.pid) {
			continue
		}
		if state.workerID != "" {
			if err := s.store.SetWorkerStatus(ctx, state.workerID, types.WorkerStopping); err != nil {
				s.logger.Error().Err(err).Str("worker_id", state.workerID).Msg("failed to mark worker stopping")
			}
		}
		if err := syscall.Kill(state.pid, syscall.SIGTERM); err != nil {
			s.logger.Error().Err(err).Int("pid", state.pid).Msg("failed to signal worker")
		}
		s.logger.Info().
			Str("lane", string(key.Lane)).
			Str("shard", key.Shard).
			Int("pid", state.pid).
			Msg("signalled worker to stop")
	}

	deadline := time.Now().Add(time.Duration(s.cfg.PoolShutdownTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !s.anyAlive() {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}

	for _, state := range s.slots {
		if state.pid <= 0 || !pidAlive(state.pid) {
			continue
		}
		s.logger.Warn().Int("pid", state.pid).Msg("force-killing worker past shutdown timeout")
		_ = syscall.Kill(state.pid, syscall.SIGKILL)
		if state.workerID != "" {
			if err := s.store.SetWorkerStatus(ctx, state.workerID, types.WorkerDead); err != nil {
				s.logger.Error().Err(err).Str("worker_id", state.workerID).Msg("failed to mark worker dead")
			}
		}
	}
}

func (s *Supervisor) anyAlive() bool {
	for _, state := range s.slots {
		if state.pid > 0 && pidAlive(state.pid) {
			return true
		}
	}
	return false
}

// refreshMetrics republishes the task, queue and worker census.
func (s *Supervisor) refreshMetrics(ctx context.Context) {
	if counts, err := s.store.CountTasksByState(ctx); err == nil {
		for _, state := range []types.TaskState{
			types.TaskStateQueued, types.TaskStateRunning, types.TaskStateApproved,
			types.TaskStateRejected, types.TaskStateFailed, types.TaskStateComplete,
		} {
			metrics.TasksTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
		}
	}
	if counts, err := s.store.QueuedCountByShard(ctx); err == nil {
		for i := 0; i < s.cfg.ShardCount; i++ {
			name := queue.ShardName(i)
			metrics.QueuedByShard.WithLabelValues(name).Set(float64(counts[name]))
		}
	}
	if counts, err := s.store.CountWorkersByStatus(ctx); err == nil {
		for _, status := range []types.WorkerStatus{
			types.WorkerStarting, types.WorkerIdle, types.WorkerBusy, types.WorkerPaused,
			types.WorkerStopping, types.WorkerDead, types.WorkerCrashed, types.WorkerStale,
		} {
			metrics.WorkersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
	}
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func fileFresh(path string, maxAge time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) <= maxAge
}
