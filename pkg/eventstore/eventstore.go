// Package eventstore implements the append-only JSONL event log and its
// rebuildable projections. The log is the ground-truth history; the SQL
// store is the authoritative current-state projection.
package eventstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/log"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

const lockRetryDelay = 50 * time.Millisecond

// Store is an append-only JSONL event log serialized by an advisory file
// lock. Readers see a prefix-consistent view.
type Store struct {
	path           string
	projectionsDir string
	lock           *flock.Flock
	lockTimeout    time.Duration
	logger         zerolog.Logger
}

// New creates the event store rooted at dir. The log lives at
// dir/events.jsonl and projections under dir/projections.
func New(dir string, lockTimeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "projections"), 0755); err != nil {
		return nil, fmt.Errorf("create event store dir: %w", err)
	}
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &Store{
		path:           filepath.Join(dir, "events.jsonl"),
		projectionsDir: filepath.Join(dir, "projections"),
		lock:           flock.New(filepath.Join(dir, "events.jsonl.lock")),
		lockTimeout:    lockTimeout,
		logger:         log.WithComponent("eventstore"),
	}, nil
}

// Append writes one event line under the exclusive lock and returns the
// event ID. The event is stamped with a UUID and timestamp if missing.
func (s *Store) Append(ev types.Event) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		return "", fmt.Errorf("event log lock timeout: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("append event: %w", err)
	}
	return ev.ID, nil
}

// Filter narrows Query and TimeTravel results
type Filter struct {
	Since time.Time
	Until time.Time
	Types []types.EventType
	Limit int
}

func (f Filter) matches(ev types.Event) bool {
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Query streams filtered events in log order. A malformed line is skipped
// and logged, never fatal.
func (s *Store) Query(filter Filter) ([]types.Event, error) {
	var out []types.Event
	err := s.scan(func(ev types.Event) bool {
		if filter.matches(ev) {
			out = append(out, ev)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return false
			}
		}
		return true
	})
	return out, err
}

// TimeTravel returns the log prefix up to at, optionally type-filtered.
func (s *Store) TimeTravel(at time.Time, eventTypes ...types.EventType) ([]types.Event, error) {
	return s.Query(Filter{Until: at, Types: eventTypes})
}

// scan folds every parseable line of the log through fn until fn returns
// false or the log ends.
func (s *Store) scan(fn func(types.Event) bool) error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var ev types.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			s.logger.Warn().
				Int("line", lineNo).Err(err).
				Msg("skipping malformed event line")
			continue
		}
		if !fn(ev) {
			return nil
		}
	}
	return scanner.Err()
}

// ProjectionState is the on-disk result of a projection rebuild
type ProjectionState struct {
	Projection string         `json:"projection"`
	RebuiltAt  time.Time      `json:"rebuilt_at"`
	EventCount int            `json:"event_count"`
	State      map[string]any `json:"state"`
}

// Handler folds one event into projection state. Handlers must be pure:
// rebuilding from the full log must equal folding incrementally.
type Handler func(state map[string]any, ev types.Event)

// RebuildProjection folds the entire log through handler and writes the
// result to the projections directory as <name>.json.
func (s *Store) RebuildProjection(name string, handler Handler) (*ProjectionState, error) {
	state := make(map[string]any)
	count := 0
	err := s.scan(func(ev types.Event) bool {
		handler(state, ev)
		count++
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("fold projection %s: %w", name, err)
	}

	ps := &ProjectionState{
		Projection: name,
		RebuiltAt:  time.Now().UTC(),
		EventCount: count,
		State:      state,
	}
	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal projection %s: %w", name, err)
	}

	// Write temp then rename so readers never observe a partial projection.
	target := filepath.Join(s.projectionsDir, name+".json")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return nil, fmt.Errorf("write projection %s: %w", name, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return nil, fmt.Errorf("publish projection %s: %w", name, err)
	}
	return ps, nil
}

// Path returns the event log file path.
func (s *Store) Path() string {
	return s.path
}
