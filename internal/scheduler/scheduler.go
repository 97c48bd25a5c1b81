package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/i474232898/crag-weather/internal/weather"
)

// Runner is the part of the pipeline the scheduler drives.
type Runner interface {
	RunOnce(ctx context.Context) (weather.RefreshResult, weather.RunSummary, error)
}

// Scheduler periodically runs a full ingestion: area refresh, then enrichment.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    Runner
	interval  time.Duration
	logger    *zap.Logger

	// ctx is cancelled by Stop so an in-flight run stops scheduling areas.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Scheduler.
func New(interval time.Duration, runner Runner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: s,
		runner:    runner,
		interval:  interval,
		logger:    logger.Named("scheduler"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// every is the effective run interval. A non-positive interval falls back to hourly.
func (s *Scheduler) every() time.Duration {
	if s.interval <= 0 {
		return time.Hour
	}
	return s.interval
}

// Start schedules the periodic job and starts the underlying scheduler.
// The first run starts immediately.
func (s *Scheduler) Start() error {
	interval := s.every()
	_, err := s.scheduler.Every(interval).Do(s.run)
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", zap.Duration("interval", interval))
	return nil
}

func (s *Scheduler) run() {
	if s.ctx.Err() != nil {
		return
	}

	s.logger.Info("running ingestion job")
	refresh, summary, err := s.runner.RunOnce(s.ctx)
	fields := []zap.Field{
		zap.String("run_id", summary.RunID),
		zap.Int("areas_fetched", refresh.Fetched),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	}
	switch {
	case err != nil:
		s.logger.Error("ingestion job failed", append(fields, zap.Error(err))...)
	case summary.Degraded():
		s.logger.Warn("ingestion job degraded", fields...)
	default:
		s.logger.Info("ingestion job completed", fields...)
	}
}

// Stop cancels an in-flight run and stops future jobs.
func (s *Scheduler) Stop() {
	s.cancel()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
