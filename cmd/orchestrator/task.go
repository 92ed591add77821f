package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/queue"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/store"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/worker"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit TYPE",
	Short: "Submit a new task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		priority, _ := cmd.Flags().GetInt("priority")
		submitter, _ := cmd.Flags().GetString("submitter")
		description, _ := cmd.Flags().GetString("description")

		metadata := map[string]string{}
		if submitter != "" {
			metadata["submitter"] = submitter
		}
		if description != "" {
			metadata["description"] = description
		}

		task := &types.Task{
			ID:       uuid.NewString(),
			Type:     types.NormalizeTaskType(args[0]),
			Priority: types.TaskPriority(priority),
			Metadata: metadata,
			TraceID:  fmt.Sprintf("%s-%s", submitterOrCLI(submitter), uuid.NewString()[:8]),
		}
		queue.NewRouter(cfg.ShardCount, nil).Assign(task)

		ctx := context.Background()
		if cfg.PerUserLimitsEnabled && submitter != "" {
			n, err := st.CountTasksBySubmitter(ctx, submitter)
			if err != nil {
				return err
			}
			if n >= cfg.MaxTasksPerUser {
				return fmt.Errorf("submitter %s has %d open tasks, limit %d",
					submitter, n, cfg.MaxTasksPerUser)
			}
		}

		if err := st.CreateTask(ctx, task); err != nil {
			return err
		}
		if err := writeTaskMarker(cfg.TaskDir, cfg.DataDir, task, description); err != nil {
			return err
		}
		if err := st.AppendEvent(ctx, types.Event{
			Type:    types.EventTaskSubmitted,
			TaskID:  task.ID,
			Actor:   submitterOrCLI(submitter),
			TraceID: task.TraceID,
			Payload: map[string]any{
				"type":     task.Type,
				"priority": int(task.Priority),
				"shard":    task.Shard,
			},
		}); err != nil {
			return err
		}

		fmt.Printf("submitted %s (type=%s shard=%s lane=%s model=%s)\n",
			task.ID, task.Type, task.Shard, task.Lane, task.AssignedModel)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		state, _ := cmd.Flags().GetString("state")
		shardName, _ := cmd.Flags().GetString("shard")
		limit, _ := cmd.Flags().GetInt("limit")

		tasks, err := st.ListTasks(context.Background(), store.TaskFilter{
			State: types.TaskState(state),
			Shard: shardName,
			Limit: limit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATE\tPHASE\tSHARD\tWORKER\tRETRIES")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
				t.ID, t.Type, t.State, t.Phase, t.Shard, t.WorkerID, t.RetryCount)
		}
		return w.Flush()
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show one task with its event history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		task, err := st.GetTask(ctx, args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(task, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))

		history, err := st.EventsForTask(ctx, task.ID)
		if err != nil {
			return err
		}
		for _, ev := range history {
			fmt.Printf("%s  %-22s  %s\n",
				ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Type, ev.Actor)
		}
		return nil
	},
}

var taskRequeueCmd = &cobra.Command{
	Use:   "requeue ID",
	Short: "Return a rejected or stuck task to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		task, err := st.GetTask(ctx, args[0])
		if err != nil {
			return err
		}
		if task.State.Terminal() {
			return fmt.Errorf("task %s is %s and cannot be requeued", task.ID, task.State)
		}
		if err := st.Transition(ctx, task.ID, types.TaskStateQueued, "manual requeue", "cli"); err != nil {
			return err
		}
		fmt.Printf("requeued %s\n", task.ID)
		return nil
	},
}

func submitterOrCLI(submitter string) string {
	if submitter != "" {
		return submitter
	}
	return "cli"
}

// writeTaskMarker drops the task body into tasks/queue/ so the file-based
// lifecycle tracks this task alongside the database row.
func writeTaskMarker(taskDir, dataDir string, task *types.Task, description string) error {
	if _, err := worker.NewFiles(taskDir, dataDir); err != nil {
		return err
	}
	body := fmt.Sprintf("# Task %s\n\nType: %s\nPriority: %d\nTrace: %s\n\n%s\n",
		task.ID, task.Type, task.Priority, task.TraceID, description)
	return os.WriteFile(
		filepath.Join(taskDir, worker.DirQueue, task.ID+".md"), []byte(body), 0644)
}

func init() {
	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskRequeueCmd)

	taskSubmitCmd.Flags().Int("priority", int(types.PriorityMedium), "priority (0=critical .. 3=low)")
	taskSubmitCmd.Flags().String("submitter", "", "submitting user")
	taskSubmitCmd.Flags().String("description", "", "task description")
	taskListCmd.Flags().String("state", "", "filter by state")
	taskListCmd.Flags().String("shard", "", "filter by shard")
	taskListCmd.Flags().Int("limit", 50, "max rows")
}
