package stats

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler wraps an Aggregator with a daily cron trigger (default
// schedule: 02:00 local, AGGREGATE_CRON). It always aggregates the
// prior UTC calendar day, regardless of the local time the cron
// expression fires at.
type Scheduler struct {
	cron   *cron.Cron
	agg    *Aggregator
	logger *zap.Logger
}

func NewScheduler(agg *Aggregator, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		agg:    agg,
		logger: logger,
	}
}

// Start registers the aggregation job against spec and starts the
// cron loop. ctx governs the lifetime of each individual run, not the
// scheduler itself; call Stop to shut the scheduler down.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		day := time.Now().UTC().AddDate(0, 0, -1)
		if err := s.agg.AggregateDay(ctx, day); err != nil {
			s.logger.Error("statistics aggregation run failed", zap.Time("day", day), zap.Error(err))
			return
		}
		s.logger.Info("statistics aggregation run completed", zap.Time("day", day))
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
