package bootstrap

import (
	"mailhub_server/pkg/logger"
)

// Worker runs the background side of the service: the per-account sync
// scheduler, the outbox dispatcher and the automated processing pipeline.
type Worker struct {
	deps *Dependencies
}

func NewWorker(deps *Dependencies) *Worker {
	return &Worker{deps: deps}
}

// Start launches the scheduler and the pipeline. Both manage their own
// goroutines; Start returns immediately.
func (w *Worker) Start() {
	w.deps.Scheduler.Start()
	logger.Info("Sync scheduler started")

	w.deps.Dispatcher.Start()
	logger.Info("Outbox dispatcher started")

	w.deps.Pipeline.Start()
	logger.Info("Automation pipeline started")
}

// Stop shuts both down and waits for in-flight work to settle.
func (w *Worker) Stop() {
	w.deps.Scheduler.Shutdown()
	w.deps.Dispatcher.Stop()
	w.deps.Pipeline.Stop()
	logger.Info("Background workers stopped")
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
