// Package scheduler registers recurring and one-shot triggers (cron, interval,
// once) and submits a copy of each trigger's task template into the task
// engine when it fires. Execution, delays and retries belong to the engine.
package scheduler
