// Package backup schedules the periodic point-in-time backup copies
// spec §6 calls for ("a directory of periodic point-in-time backup
// copies... retained to a configured count"), wrapping store.Backup in
// a robfig/cron job the way the corpus's controller.App wraps its
// reconcile loop (spec §5 "the scheduled-backup ticker").
package backup

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/wnt/oracle/internal/logger"
	"github.com/wnt/oracle/internal/store"
	"gorm.io/gorm"
)

// DefaultSpec runs once a day at 03:17 in the process's local time zone
// (the cron scheduler is built without a location), off the hour to
// avoid stacking with other daily jobs.
const DefaultSpec = "17 3 * * *"

// Scheduler owns the cron-driven backup job.
type Scheduler struct {
	db   *gorm.DB
	dir  string
	keep int
	spec string
	cron *cron.Cron
	log  zerolog.Logger
}

func NewScheduler(db *gorm.DB, dir string, keep int, spec string, log zerolog.Logger) *Scheduler {
	if spec == "" {
		spec = DefaultSpec
	}
	return &Scheduler{
		db:   db,
		dir:  dir,
		keep: keep,
		spec: spec,
		log:  logger.WithComponent(log, "backup"),
	}
}

// Start registers the cron job and begins running it; the cron library
// owns its own goroutine, so Start returns immediately.
func (s *Scheduler) Start() error {
	s.cron = cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(cronLogAdapter{s.log}))))
	if _, err := s.cron.AddFunc(s.spec, s.runOnce); err != nil {
		return fmt.Errorf("schedule backup job: %w", err)
	}
	s.cron.Start()
	s.log.Info().Str("spec", s.spec).Str("dir", s.dir).Msg("backup scheduler started")
	return nil
}

// Stop waits for any in-flight run to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunNow triggers an immediate backup outside the cron schedule, backing
// the admin-triggered POST /k-metric/backup endpoint (spec §6).
func (s *Scheduler) RunNow() (string, error) {
	path, err := store.Backup(s.db, s.dir, s.keep)
	if err != nil {
		s.log.Error().Err(err).Msg("manual backup failed")
		return "", err
	}
	s.log.Info().Str("path", path).Msg("manual backup completed")
	return path, nil
}

func (s *Scheduler) runOnce() {
	if _, err := s.RunNow(); err != nil {
		s.log.Error().Err(err).Msg("scheduled backup failed")
	}
}

// cronLogAdapter routes robfig/cron's printf-style logging through
// zerolog, matching the teacher's preference for structured logs over
// the library's default stdlib logger.
type cronLogAdapter struct{ log zerolog.Logger }

func (a cronLogAdapter) Printf(format string, args ...interface{}) {
	a.log.Info().Msgf(format, args...)
}
