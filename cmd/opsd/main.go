package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/tenantops/internal/app/ops"
	"github.com/splax/tenantops/internal/domain"
	httpx "github.com/splax/tenantops/internal/http"
	"github.com/splax/tenantops/internal/service/monitor"
	"github.com/splax/tenantops/internal/service/schedule"
	"github.com/splax/tenantops/internal/service/tenant"
	"github.com/splax/tenantops/pkg/config"
	"github.com/splax/tenantops/pkg/logger"
)

func main() {
	cfg := config.LoadOpsConfig()
	log := logger.New("opsd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := ops.New(cfg, log, true)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	deps := httpx.Deps{
		DB:                  app.Router(),
		Resolver:            tenant.NewResolver(app.Tenants, cfg.BaseDomains, cfg.SessionSecret, log.With("component", "resolver")),
		Backups:             app.History(),
		Metrics:             app.Metrics,
		HealthTokenHash:     cfg.HealthTokenHash,
		DiskCriticalPercent: float64(cfg.DiskCriticalPercent),
	}

	backups, err := app.Backups()
	if err != nil {
		log.Error("failed to configure backups", "error", err)
		os.Exit(1)
	}
	deps.Disk = backups

	var mon *monitor.Monitor
	if fl, err := app.Fleet(); err != nil {
		log.Warn("fleet file unavailable, monitor disabled", "error", err)
	} else {
		mon = monitor.New(fl.Servers, app.Prober(1), cfg.MonitorInterval, cfg.MonitorMaxFailures, log.With("component", "monitor")).
			WithGauge(app.Metrics)
		deps.Fleet = mon
	}

	var sched *schedule.Scheduler
	if cfg.ScheduleEnabled {
		sched, err = schedule.New(schedule.BackupJobs(func(ctx context.Context, kind domain.BackupKind) error {
			report, err := backups.Run(ctx, kind)
			if err != nil {
				return err
			}
			return report.Err()
		}), log.With("component", "scheduler"))
		if err != nil {
			log.Error("invalid schedule", "error", err)
			os.Exit(1)
		}
	}

	router := httpx.NewRouter(log.With("component", "http"), deps)
	srv := &http.Server{
		Addr:              cfg.OpsdAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("opsd starting", "addr", cfg.OpsdAddr, "tenants", app.Registry().Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})
	if mon != nil {
		g.Go(func() error { return mon.Run(gctx) })
	}
	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}
	g.Go(func() error {
		reload := make(chan os.Signal, 1)
		signal.Notify(reload, syscall.SIGHUP)
		defer signal.Stop(reload)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-reload:
				if err := app.ReloadTenants(); err != nil {
					log.Error("tenant reload failed, keeping previous registry", "error", err)
					continue
				}
				log.Info("tenant registry reloaded", "tenants", app.Registry().Len())
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Error("opsd stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("opsd stopped")
}
