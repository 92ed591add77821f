package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/eventstore"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read the append-only event log",
}

// openEventStore opens the log under the configured data directory.
func openEventStore() (*eventstore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return eventstore.New(
		filepath.Join(cfg.DataDir, "event-store"),
		time.Duration(cfg.LockTimeoutSeconds)*time.Second)
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream new events as they are appended",
	RunE: func(cmd *cobra.Command, args []string) error {
		es, err := openEventStore()
		if err != nil {
			return err
		}
		typeFilter, _ := cmd.Flags().GetString("type")
		interval, _ := cmd.Flags().GetDuration("interval")

		var since time.Time
		for {
			filter := eventstore.Filter{Since: since}
			if typeFilter != "" {
				filter.Types = []types.EventType{types.EventType(typeFilter)}
			}
			evs, err := es.Query(filter)
			if err != nil {
				return err
			}
			for _, ev := range evs {
				printEvent(ev)
				if ev.Timestamp.After(since) {
					since = ev.Timestamp
				}
			}
			time.Sleep(interval)
		}
	},
}

var eventsReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay the log, optionally up to a point in time",
	RunE: func(cmd *cobra.Command, args []string) error {
		es, err := openEventStore()
		if err != nil {
			return err
		}
		typeFilter, _ := cmd.Flags().GetString("type")
		until, _ := cmd.Flags().GetString("until")
		limit, _ := cmd.Flags().GetInt("limit")

		var evs []types.Event
		if until != "" {
			at, err := time.Parse(time.RFC3339, until)
			if err != nil {
				return fmt.Errorf("parse --until: %w", err)
			}
			var filterTypes []types.EventType
			if typeFilter != "" {
				filterTypes = append(filterTypes, types.EventType(typeFilter))
			}
			evs, err = es.TimeTravel(at, filterTypes...)
			if err != nil {
				return err
			}
		} else {
			filter := eventstore.Filter{Limit: limit}
			if typeFilter != "" {
				filter.Types = []types.EventType{types.EventType(typeFilter)}
			}
			evs, err = es.Query(filter)
			if err != nil {
				return err
			}
		}

		for _, ev := range evs {
			printEvent(ev)
		}
		return nil
	},
}

var eventsRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the task-census projection from the full log",
	RunE: func(cmd *cobra.Command, args []string) error {
		es, err := openEventStore()
		if err != nil {
			return err
		}

		state, err := es.RebuildProjection("task-census", taskCensusHandler)
		if err != nil {
			return err
		}
		fmt.Printf("rebuilt %s from %d events at %s\n",
			state.Projection, state.EventCount, state.RebuiltAt.Format(time.RFC3339))
		return nil
	},
}

// taskCensusHandler folds the log into per-event-type counters.
func taskCensusHandler(state map[string]any, ev types.Event) {
	key := string(ev.Type)
	if n, ok := state[key].(float64); ok {
		state[key] = n + 1
	} else {
		state[key] = float64(1)
	}
}

func printEvent(ev types.Event) {
	payload := ""
	if len(ev.Payload) > 0 {
		if data, err := json.Marshal(ev.Payload); err == nil {
			payload = string(data)
		}
	}
	fmt.Printf("%s  %-22s  task=%s actor=%s %s\n",
		ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Type, ev.TaskID, ev.Actor, payload)
}

func init() {
	eventsCmd.AddCommand(eventsTailCmd)
	eventsCmd.AddCommand(eventsReplayCmd)
	eventsCmd.AddCommand(eventsRebuildCmd)

	eventsTailCmd.Flags().String("type", "", "filter by event type")
	eventsTailCmd.Flags().Duration("interval", 2*time.Second, "poll interval")
	eventsReplayCmd.Flags().String("type", "", "filter by event type")
	eventsReplayCmd.Flags().String("until", "", "RFC3339 time-travel cutoff")
	eventsReplayCmd.Flags().Int("limit", 0, "max events, 0 for all")
}
