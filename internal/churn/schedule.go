package churn

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs a full-tenant recalculation on a five-field cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	service *Service
	log     zerolog.Logger
	timeout time.Duration
}

func NewScheduler(service *Service, schedule string, logger zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		service: service,
		log:     logger.With().Str("component", "churn-scheduler").Logger(),
		timeout: 30 * time.Minute,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid churn schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("churn scheduler started")
}

// Stop halts the schedule and waits for a running job, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.log.Warn().Msg("churn scheduler stop timed out")
	}
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	failed, err := s.service.RecalculateAll(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled churn run aborted")
		return
	}
	s.log.Info().Int("failed_tenants", failed).Msg("scheduled churn run finished")
}
