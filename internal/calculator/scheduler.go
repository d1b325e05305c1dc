package calculator

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/wnt/oracle/internal/logger"
	"github.com/wnt/oracle/internal/store"
)

// DefaultSnapshotSpec runs once a day at 00:05 in the process's local
// time zone (the cron scheduler is built without a location), matching SPEC_FULL's
// "daily-snapshot ticker" so /k-metric/history has something to serve
// without an operator manually triggering a sync.
const DefaultSnapshotSpec = "5 0 * * *"

// Scheduler owns the cron-driven daily CalculateAndSave job, wrapping it
// the same way backup.Scheduler wraps store.Backup.
type Scheduler struct {
	store  store.Store
	cached *Cached
	spec   string
	cron   *cron.Cron
	log    zerolog.Logger
}

func NewScheduler(s store.Store, cached *Cached, spec string, log zerolog.Logger) *Scheduler {
	if spec == "" {
		spec = DefaultSnapshotSpec
	}
	return &Scheduler{
		store:  s,
		cached: cached,
		spec:   spec,
		log:    logger.WithComponent(log, "snapshot"),
	}
}

// Start registers and begins the cron job; returns immediately since the
// cron library owns its own goroutine.
func (s *Scheduler) Start() error {
	s.cron = cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(snapshotLogAdapter{s.log}))))
	if _, err := s.cron.AddFunc(s.spec, s.runOnce); err != nil {
		return fmt.Errorf("schedule snapshot job: %w", err)
	}
	s.cron.Start()
	s.log.Info().Str("spec", s.spec).Msg("snapshot scheduler started")
	return nil
}

// Stop waits for any in-flight run to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunNow triggers an immediate snapshot outside the cron schedule.
func (s *Scheduler) RunNow(ctx context.Context) (Result, error) {
	result, err := CalculateAndSave(ctx, s.store, s.cached.Params())
	if err != nil {
		s.log.Error().Err(err).Msg("snapshot failed")
		return Result{}, err
	}
	s.cached.Invalidate()
	s.log.Info().Int("k", result.K).Int("holders", result.Holders).Msg("snapshot completed")
	return result, nil
}

func (s *Scheduler) runOnce() {
	if _, err := s.RunNow(context.Background()); err != nil {
		s.log.Error().Err(err).Msg("scheduled snapshot failed")
	}
}

type snapshotLogAdapter struct{ log zerolog.Logger }

func (a snapshotLogAdapter) Printf(format string, args ...interface{}) {
	a.log.Info().Msgf(format, args...)
}
