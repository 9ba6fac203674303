package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler runs a Backuper on a cron spec. Standard five-field specs, an
// optional leading seconds field and descriptors such as "@every 1h" are accepted.
type Scheduler struct {
	cron    *cron.Cron
	backup  *Backuper
	log     logrus.FieldLogger
	timeout time.Duration
	entry   cron.EntryID
}

var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func NewScheduler(b *Backuper, spec string, timeout time.Duration, log logrus.FieldLogger) (*Scheduler, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(specParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log))),
		),
		backup:  b,
		log:     log,
		timeout: timeout,
	}
	id, err := s.cron.AddFunc(spec, s.run)
	if err != nil {
		return nil, fmt.Errorf("schedule backup %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.backup.Run(ctx); err != nil {
		s.log.WithError(err).Error("scheduled backup failed")
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithField("next", s.Next()).Info("backup scheduler started")
}

// Next reports the next planned run, zero before Start.
func (s *Scheduler) Next() time.Time { return s.cron.Entry(s.entry).Next }

// Stop halts the schedule and waits for a running backup to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
