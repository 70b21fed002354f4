package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"

	"github.com/splax/tenantops/internal/domain"
	"github.com/splax/tenantops/internal/lock"
	"github.com/splax/tenantops/internal/repository"
	"github.com/splax/tenantops/internal/service/tenant"
	"github.com/splax/tenantops/internal/workspace"
)

// LockName serializes backup runs.
const LockName = "backup"

// Recorder observes backup outcomes.
type Recorder interface {
	ObserveBackup(rec domain.BackupRecord, elapsed time.Duration)
	ObserveBackupFailure(kind domain.BackupKind)
	ObservePruned(kind domain.BackupKind, n int)
	SetDiskUsage(percent float64)
}

// Config tunes a coordinator.
type Config struct {
	MediaRoot           string
	TargetTimeout       time.Duration
	DiskCriticalPercent float64
	LockTTL             time.Duration
}

// TargetFailure is a target that could not be backed up.
type TargetFailure struct {
	Target string
	Err    error
}

// Report summarizes one run.
type Report struct {
	Kind        domain.BackupKind
	Records     []domain.BackupRecord
	Failures    []TargetFailure
	Pruned      []domain.BackupRecord
	Disk        DiskUsage
	DiskWarning string
}

// Coordinator writes compressed database dumps and media archives.
type Coordinator struct {
	cfg      Config
	ws       *workspace.Manager
	tenants  tenant.Directory
	shared   string
	dumper   Dumper
	history  repository.BackupHistory
	locker   lock.Locker
	recorder Recorder
	statDisk func(string) (DiskUsage, error)
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a coordinator.
func New(cfg Config, ws *workspace.Manager, tenants tenant.Directory, sharedDSN string, dumper Dumper, history repository.BackupHistory, logger *slog.Logger) *Coordinator {
	if cfg.DiskCriticalPercent <= 0 {
		cfg.DiskCriticalPercent = 90
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		ws:       ws,
		tenants:  tenants,
		shared:   sharedDSN,
		dumper:   dumper,
		history:  history,
		statDisk: StatDisk,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithLocker serializes runs through l.
func (c *Coordinator) WithLocker(l lock.Locker) *Coordinator {
	c.locker = l
	return c
}

// WithRecorder attaches an outcome observer.
func (c *Coordinator) WithRecorder(r Recorder) *Coordinator {
	c.recorder = r
	return c
}

// Failed reports whether any target failed.
func (r Report) Failed() bool {
	return len(r.Failures) > 0
}

// Err combines target failures.
func (r Report) Err() error {
	var err error
	for _, f := range r.Failures {
		err = multierr.Append(err, fmt.Errorf("%s: %w", f.Target, f.Err))
	}
	return err
}

// Run backs up the shared database and every tenant, archives media for kinds that
// include it, prunes expired artifacts of kind and checks disk pressure. Target
// failures are reported, not returned.
func (c *Coordinator) Run(ctx context.Context, kind domain.BackupKind) (Report, error) {
	if _, err := domain.ParseBackupKind(string(kind)); err != nil {
		return Report{}, err
	}
	if c.dumper == nil {
		return Report{}, errors.New("backup dumper is not configured")
	}
	var keeper *lock.Keeper
	if c.locker != nil {
		lease, err := c.locker.Acquire(ctx, LockName, c.cfg.LockTTL)
		if err != nil {
			return Report{}, fmt.Errorf("acquire backup lock: %w", err)
		}
		keeper = lock.Keep(ctx, lease, c.cfg.LockTTL, c.logger.With("lock", LockName))
		defer func() {
			keeper.Stop()
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				c.logger.Warn("release backup lock failed", "error", err)
			}
		}()
	}

	report := Report{Kind: kind}
	started := c.now()
	log := c.logger.With("kind", kind)
	log.Info("backup started")

	lost := func() bool {
		return keeper != nil && errors.Is(keeper.Check(ctx), lock.ErrLost)
	}
	for _, t := range c.targets() {
		if lost() {
			report.Failures = append(report.Failures, TargetFailure{Target: t.slug, Err: lock.ErrLost})
			log.Error("backup lock lost, skipping target", "target", t.slug)
			continue
		}
		rec, err := c.dumpTarget(ctx, kind, t.slug, t.dsn, started)
		c.collect(ctx, &report, rec, t.slug, err, log)
	}
	if kind.IncludesMedia() && c.cfg.MediaRoot != "" {
		if lost() {
			report.Failures = append(report.Failures, TargetFailure{Target: domain.MediaTarget, Err: lock.ErrLost})
		} else {
			rec, err := c.archiveMedia(ctx, kind, started)
			c.collect(ctx, &report, rec, domain.MediaTarget, err, log)
		}
	}

	if lost() {
		log.Error("backup lock lost, skipping prune")
	} else {
		c.prune(ctx, &report, log)
	}
	c.checkDisk(&report, log)

	log.Info("backup finished",
		"written", len(report.Records),
		"failed", len(report.Failures),
		"pruned", len(report.Pruned),
		"duration", c.now().Sub(started))
	return report, nil
}

type backupTarget struct {
	slug string
	dsn  string
}

func (c *Coordinator) targets() []backupTarget {
	var out []backupTarget
	if c.shared != "" {
		out = append(out, backupTarget{slug: domain.SharedSlug, dsn: c.shared})
	}
	if c.tenants != nil {
		for _, rec := range c.tenants.All() {
			out = append(out, backupTarget{slug: rec.Slug, dsn: rec.Descriptor})
		}
	}
	return out
}

func (c *Coordinator) collect(ctx context.Context, report *Report, rec domain.BackupRecord, target string, err error, log *slog.Logger) {
	if err != nil {
		report.Failures = append(report.Failures, TargetFailure{Target: target, Err: err})
		log.Error("backup target failed", "target", target, "error", err)
		if c.recorder != nil {
			c.recorder.ObserveBackupFailure(report.Kind)
		}
		return
	}
	report.Records = append(report.Records, rec)
	if c.history != nil {
		if err := c.history.Record(ctx, rec); err != nil {
			log.Warn("record backup history failed", "target", target, "error", err)
		}
	}
	log.Info("backup written", "target", target, "path", rec.Path, "size", humanize.IBytes(uint64(rec.Size)))
}

func (c *Coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.TargetTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.TargetTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Coordinator) dumpTarget(ctx context.Context, kind domain.BackupKind, slug, dsn string, ts time.Time) (domain.BackupRecord, error) {
	f, err := c.ws.Create(kind, slug, ts, ".sql.gz")
	if err != nil {
		return domain.BackupRecord{}, err
	}
	path := f.Name()
	runCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	size, err := writeGzip(f, func(w io.Writer) error {
		return c.dumper.Dump(runCtx, dsn, w)
	})
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return domain.BackupRecord{}, fmt.Errorf("%w: %w", domain.ErrRemoteTimeout, err)
		}
		return domain.BackupRecord{}, err
	}
	rec := domain.BackupRecord{Target: slug, Kind: kind, Path: path, Size: size, CreatedAt: ts}
	if c.recorder != nil {
		c.recorder.ObserveBackup(rec, time.Since(start))
	}
	return rec, nil
}

func (c *Coordinator) archiveMedia(ctx context.Context, kind domain.BackupKind, ts time.Time) (domain.BackupRecord, error) {
	info, err := os.Stat(c.cfg.MediaRoot)
	if err != nil {
		return domain.BackupRecord{}, fmt.Errorf("media root: %w", err)
	}
	if !info.IsDir() {
		return domain.BackupRecord{}, fmt.Errorf("media root %s is not a directory", c.cfg.MediaRoot)
	}
	f, err := c.ws.Create(kind, domain.MediaTarget, ts, ".tar.gz")
	if err != nil {
		return domain.BackupRecord{}, err
	}
	path := f.Name()
	runCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	size, err := writeGzip(f, func(w io.Writer) error {
		return archiveDir(runCtx, c.cfg.MediaRoot, w)
	})
	if err != nil {
		return domain.BackupRecord{}, err
	}
	rec := domain.BackupRecord{Target: domain.MediaTarget, Kind: kind, Path: path, Size: size, CreatedAt: ts}
	if c.recorder != nil {
		c.recorder.ObserveBackup(rec, time.Since(start))
	}
	return rec, nil
}

// prune removes artifacts of the report's kind whose age exceeds the retention window.
func (c *Coordinator) prune(ctx context.Context, report *Report, log *slog.Logger) {
	window := report.Kind.Retention()
	artifacts, err := c.ws.List(report.Kind)
	if err != nil {
		log.Warn("list backups for pruning failed", "error", err)
		return
	}
	now := c.now()
	for _, a := range artifacts {
		if now.Sub(a.CreatedAt) <= window {
			continue
		}
		if err := c.ws.Remove(a.Path); err != nil {
			log.Warn("prune backup failed", "path", a.Path, "error", err)
			continue
		}
		rec := domain.BackupRecord{Target: a.Target, Kind: a.Kind, Path: a.Path, Size: a.Size, CreatedAt: a.CreatedAt}
		report.Pruned = append(report.Pruned, rec)
		if c.history != nil {
			if err := c.history.RecordPruned(ctx, rec, now); err != nil {
				log.Warn("record prune failed", "path", a.Path, "error", err)
			}
		}
		log.Info("backup pruned", "path", a.Path, "age", now.Sub(a.CreatedAt).Round(time.Hour))
	}
	if c.recorder != nil && len(report.Pruned) > 0 {
		c.recorder.ObservePruned(report.Kind, len(report.Pruned))
	}
}

func (c *Coordinator) checkDisk(report *Report, log *slog.Logger) {
	usage, err := c.statDisk(c.ws.Root())
	if err != nil {
		log.Warn("disk usage check failed", "error", err)
		return
	}
	report.Disk = usage
	if c.recorder != nil {
		c.recorder.SetDiskUsage(usage.Percent)
	}
	if usage.Percent >= c.cfg.DiskCriticalPercent {
		report.DiskWarning = fmt.Sprintf("backup volume %s", usage)
		log.Warn("backup volume is running out of space", "usage", usage.String(), "threshold_percent", c.cfg.DiskCriticalPercent)
	}
}

// DiskUsage returns the current usage of the backup volume.
func (c *Coordinator) DiskUsage() (DiskUsage, error) {
	return c.statDisk(c.ws.Root())
}
