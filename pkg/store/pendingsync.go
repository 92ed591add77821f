package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

// Pending-sync markers record a state transition that succeeded at the
// filesystem layer but failed to apply to the database. They are written
// atomically (temp file then rename) and consumed by the recovery loop.

// WritePendingSync persists a marker for the given task under dir.
func WritePendingSync(dir string, marker types.PendingSync) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create pending-sync dir: %w", err)
	}
	if marker.CreatedAt.IsZero() {
		marker.CreatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pending-sync marker: %w", err)
	}

	target := filepath.Join(dir, marker.TaskID+".pending")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write pending-sync marker: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("publish pending-sync marker: %w", err)
	}
	return nil
}

// ListPendingSync reads all markers under dir. Unparseable markers are
// returned as errors alongside the good ones so the reconciler can log them.
func ListPendingSync(dir string) ([]types.PendingSync, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pending-sync dir: %w", err)
	}

	var markers []types.PendingSync
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pending") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var m types.PendingSync
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		markers = append(markers, m)
	}
	return markers, nil
}

// RemovePendingSync deletes the marker for a task once the DB caught up.
func RemovePendingSync(dir, taskID string) error {
	err := os.Remove(filepath.Join(dir, taskID+".pending"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pending-sync marker: %w", err)
	}
	return nil
}
