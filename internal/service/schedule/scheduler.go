package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/influxdata/cron"

	"github.com/splax/tenantops/internal/domain"
)

// Job is a named unit of periodic work.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type entry struct {
	job   Job
	sched cron.Parsed
}

// Scheduler fires a fixed table of jobs. Jobs run one at a time.
type Scheduler struct {
	entries []entry
	logger  *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// BackupRunner is satisfied by the backup coordinator.
type BackupRunner func(ctx context.Context, kind domain.BackupKind) error

// BackupJobs returns the standard backup table.
func BackupJobs(run BackupRunner) []Job {
	job := func(name, spec string, kind domain.BackupKind) Job {
		return Job{Name: name, Spec: spec, Run: func(ctx context.Context) error { return run(ctx, kind) }}
	}
	return []Job{
		job("backup-daily", "0 3 * * *", domain.BackupDaily),
		job("backup-weekly", "0 4 * * 0", domain.BackupWeekly),
		job("backup-monthly", "0 5 1 * *", domain.BackupMonthly),
	}
}

// New validates every cron expression up front.
func New(jobs []Job, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger: logger,
		now:    time.Now,
		after:  time.After,
	}
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		if j.Name == "" || j.Run == nil {
			return nil, fmt.Errorf("job %q: name and func are required", j.Name)
		}
		if seen[j.Name] {
			return nil, fmt.Errorf("job %q: duplicate name", j.Name)
		}
		seen[j.Name] = true
		parsed, err := cron.ParseUTC(j.Spec)
		if err != nil {
			return nil, fmt.Errorf("job %q: parse %q: %w", j.Name, j.Spec, err)
		}
		s.entries = append(s.entries, entry{job: j, sched: parsed})
	}
	return s, nil
}

// Next returns the jobs due at the earliest fire time after from.
func (s *Scheduler) Next(from time.Time) ([]Job, time.Time) {
	var (
		due []Job
		at  time.Time
	)
	for _, e := range s.entries {
		t, err := e.sched.Next(from)
		if err != nil {
			continue
		}
		switch {
		case at.IsZero() || t.Before(at):
			at = t
			due = []Job{e.job}
		case t.Equal(at):
			due = append(due, e.job)
		}
	}
	return due, at
}

// Run blocks until ctx is cancelled. A failed job is logged and waits for its next slot.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.entries) == 0 {
		<-ctx.Done()
		return nil
	}
	from := s.now()
	for {
		due, at := s.Next(from)
		if at.IsZero() {
			return fmt.Errorf("no upcoming fire time after %s", from.Format(time.RFC3339))
		}
		s.logger.Debug("next scheduled run", "at", at, "jobs", len(due))
		select {
		case <-ctx.Done():
			return nil
		case <-s.after(at.Sub(s.now())):
		}
		for _, j := range due {
			if ctx.Err() != nil {
				return nil
			}
			s.fire(ctx, j)
		}
		from = at
	}
}

func (s *Scheduler) fire(ctx context.Context, j Job) {
	start := time.Now()
	log := s.logger.With("job", j.Name)
	log.Info("job started")
	if err := j.Run(ctx); err != nil {
		log.Error("job failed", "err", err, "duration", time.Since(start))
		return
	}
	log.Info("job finished", "duration", time.Since(start))
}
