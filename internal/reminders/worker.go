package reminders

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// WorkerConfig contains background worker configuration.
type WorkerConfig struct {
	EnrichInterval   time.Duration
	DispatchInterval time.Duration
	// NumDispatchers is the number of concurrent dispatch loops in this process.
	NumDispatchers int
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		EnrichInterval:   time.Minute,
		DispatchInterval: 30 * time.Second,
		NumDispatchers:   1,
	}
}

// Worker runs enrichment and dispatch cycles on a schedule.
type Worker struct {
	config     WorkerConfig
	enricher   *Enricher
	dispatcher *Dispatcher

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a new reminder worker. Either stage may be nil to
// run only the other one.
func NewWorker(config WorkerConfig, enricher *Enricher, dispatcher *Dispatcher) *Worker {
	return &Worker{
		config:     config,
		enricher:   enricher,
		dispatcher: dispatcher,
		stopCh:     make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting reminder worker",
		"enrich_interval", w.config.EnrichInterval,
		"dispatch_interval", w.config.DispatchInterval,
		"dispatchers", w.config.NumDispatchers,
	)

	if w.enricher != nil && w.config.EnrichInterval > 0 {
		w.wg.Add(1)
		go w.loop(ctx, "enrich", w.config.EnrichInterval, func(ctx context.Context) error {
			_, err := w.enricher.Enrich(ctx)
			return err
		})
	}

	if w.dispatcher != nil && w.config.DispatchInterval > 0 {
		for i := 0; i < max(w.config.NumDispatchers, 1); i++ {
			w.wg.Add(1)
			go w.loop(ctx, "dispatch", w.config.DispatchInterval, func(ctx context.Context) error {
				_, err := w.dispatcher.Dispatch(ctx)
				return err
			})
		}
	}
}

// Stop gracefully stops all loops and waits for in-flight cycles.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("reminder worker stopped")
}

func (w *Worker) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) {
	defer w.wg.Done()

	// Cycles are cancelled on Stop as well as on ctx.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			if err := run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("reminder cycle failed", "run", name, "error", err)
			}
		}
	}
}
