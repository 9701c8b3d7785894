package generation

import (
	"context"
	"log/slog"
	"time"
)

// Worker runs a full generation batch on a fixed interval.
type Worker struct {
	svc        *Service
	logger     *slog.Logger
	interval   time.Duration
	timeout    time.Duration
	runOnStart bool
}

type WorkerConfig struct {
	Interval   time.Duration
	Timeout    time.Duration
	RunOnStart bool
}

func NewWorker(svc *Service, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Worker{
		svc:        svc,
		logger:     logger,
		interval:   cfg.Interval,
		timeout:    cfg.Timeout,
		runOnStart: cfg.RunOnStart,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if w.runOnStart {
		w.RunOnce(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce executes one batch bounded by the worker timeout.
func (w *Worker) RunOnce(ctx context.Context) Report {
	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	started := time.Now()
	report, err := w.svc.Run(runCtx, 0)
	if err != nil {
		w.logger.Error("scheduled generation failed",
			"run_id", report.RunID,
			"generated", report.Generated,
			"cancelled", report.Cancelled,
			"err", err,
		)
		return report
	}
	w.logger.Info("scheduled generation finished",
		"run_id", report.RunID,
		"generated", report.Generated,
		"doctors", report.Doctors,
		"failed", report.Failed(),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return report
}
