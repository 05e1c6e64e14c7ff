package pipeline

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// TaskNotify receives panic reports from supervised background tasks. The
// wiring in cmd routes them to system_events and the alerts channel. May
// be nil.
type TaskNotify func(task string, recovered any)

// restartDelay spaces restarts so a task crashing on its first
// instruction cannot spin the CPU.
const restartDelay = time.Second

// RunSupervised executes fn until ctx ends, recovering panics. A panicked
// task is reported through notify and restarted after a pause; a normal
// return ends supervision.
func RunSupervised(ctx context.Context, task string, notify TaskNotify, fn func(context.Context)) {
	for {
		panicked := runOnce(ctx, task, notify, fn)
		if !panicked || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
		slog.Info("Restarting task after panic", "task", task)
	}
}

func runOnce(ctx context.Context, task string, notify TaskNotify, fn func(context.Context)) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			slog.Error("Task panicked",
				"task", task, "panic", r, "stack", string(debug.Stack()))
			if notify != nil {
				notify(task, r)
			}
		}
	}()
	fn(ctx)
	return false
}
