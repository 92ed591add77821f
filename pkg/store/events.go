package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

// insertEvent appends an event row inside an existing transaction so the
// event is linearizable with the state change it describes. The normalized
// event (ID and timestamp stamped) is returned for post-commit fan-out.
func insertEvent(ctx context.Context, tx *sql.Tx, ev types.Event) (types.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload := "{}"
	if len(ev.Payload) > 0 {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return ev, fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(data)
	}

	var taskID any
	if ev.TaskID != "" {
		taskID = ev.TaskID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, task_id, type, actor, payload, trace_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, taskID, ev.Type, ev.Actor, payload, ev.TraceID, toNS(ev.Timestamp))
	if err != nil {
		return ev, fmt.Errorf("insert event %s: %w", ev.Type, err)
	}
	return ev, nil
}

// AppendEvent records a standalone event outside any state transition.
func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ev, err = insertEvent(ctx, tx, ev)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

// EventsForTask returns the event history of one task in time order.
func (s *Store) EventsForTask(ctx context.Context, taskID string) ([]*types.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, type, actor, payload, trace_id, timestamp
		  FROM events WHERE task_id = ? ORDER BY timestamp ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("events for task %s: %w", taskID, err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsByType returns up to limit events of one type, newest first.
func (s *Store) EventsByType(ctx context.Context, eventType types.EventType, limit int) ([]*types.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, type, actor, payload, trace_id, timestamp
		  FROM events WHERE type = ? ORDER BY timestamp DESC LIMIT ?`,
		eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("events by type %s: %w", eventType, err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]*types.Event, error) {
	var events []*types.Event
	for rows.Next() {
		var ev types.Event
		var taskID sql.NullString
		var payload string
		var ts int64
		if err := rows.Scan(&ev.ID, &taskID, &ev.Type, &ev.Actor, &payload, &ev.TraceID, &ts); err != nil {
			return nil, err
		}
		if taskID.Valid {
			ev.TaskID = taskID.String
		}
		ev.Timestamp = fromNS(ts)
		if payload != "" && payload != "{}" {
			_ = json.Unmarshal([]byte(payload), &ev.Payload)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
