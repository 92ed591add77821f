// Package log wraps zerolog behind the orchestrator's logging conventions.
//
// Init is called once per process (supervisor, worker, recovery daemon) with
// the level and format from config. Everything else derives child loggers
// carrying structured identity fields:
//
//	logger := log.WithComponent("supervisor")
//	logger.Info().Int("pool_size", 9).Msg("supervisor started")
//
//	taskLog := log.WithTaskID(task.ID)
//	taskLog.Warn().Str("reason", reason).Msg("requeueing abandoned task")
//
// Console output is the default; JSON output is selected in config for
// machine-ingested deployments. Field names are stable: component, worker_id,
// task_id, shard, trace_id.
package log
