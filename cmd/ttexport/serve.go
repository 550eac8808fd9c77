package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ttexport/internal/config"
	appLog "ttexport/internal/log"
	"ttexport/internal/metrics"
	"ttexport/internal/model"
	"ttexport/internal/notify"
	"ttexport/internal/scheduler"
	"ttexport/internal/telemetry"
	"ttexport/internal/web"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Export every tenant on its schedule and serve status over HTTP",
		Long: `serve registers every configured tenant (running its first export right
away), then re-exports each tenant on its interval or cron schedule.

The HTTP API exposes tenant status, manual runs, the exported documents
and Prometheus metrics. SIGHUP reloads the tenant list from the config file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			// --listen overrides the config file if provided.
			if listen != "" {
				conf.Listen = listen
			}
			return runServe(cmd.Context(), conf)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	return cmd
}

func runServe(parent context.Context, conf *config.Config) error {
	appLog.Info("ttexport starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"export_dir", conf.ExportDir,
		"run_timeout", conf.RunTimeout,
		"http_timeout", conf.HTTPTimeout,
		"tenant_count", len(conf.Tenants),
		"metrics", conf.Metrics.Enabled,
		"tracing_stdout", conf.Tracing.Stdout,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Setup(telemetry.Config{ServiceVersion: version, Stdout: conf.Tracing.Stdout})
	if err != nil {
		return err
	}

	var rec *metrics.Recorder
	var metricsH http.Handler
	schedOpts := []scheduler.Option{scheduler.WithRunTimeout(conf.RunTimeout)}
	if conf.Metrics.Enabled {
		rec = metrics.New()
		metricsH = rec.Handler()
		schedOpts = append(schedOpts, scheduler.WithRecorder(rec))
	}

	sched := scheduler.New(newPipeline(conf), schedOpts...)
	hooks, err := registerAll(ctx, sched, tenantConfigs(conf))
	if err != nil {
		shutdown(sched, hooks, tp)
		return err
	}
	sched.Start()

	srv := web.NewServer(conf, sched, metricsH)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.ListenAndServe(ctx) }()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	srvDone := false
loop:
	for {
		select {
		case <-ctx.Done():
			appLog.Info("signal received, shutting down")
			break loop
		case err = <-srvErr:
			srvDone = true
			if err != nil {
				appLog.Error("HTTP server failed", err)
			}
			break loop
		case <-hup:
			added, err := reload(ctx, sched, rec)
			hooks = append(hooks, added...)
			if err != nil {
				appLog.Error("config reload failed", err, "config_path", rootOpts.configPath)
			}
		}
	}
	stop()

	shutdown(sched, hooks, tp)
	if !srvDone {
		err = <-srvErr
	}
	appLog.Info("ttexport exiting")
	return err
}

// shutdown stops the timers, waits for in-flight runs and pending webhook
// deliveries, then flushes traces.
func shutdown(sched *scheduler.Scheduler, hooks []*notify.Webhook, tp *telemetry.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Waits for in-flight runs; they are not preemptible.
	if err := sched.Stop(ctx); err != nil {
		appLog.Warn("scheduler did not stop in time", "err", err)
	}
	for _, h := range hooks {
		_ = h.Wait(ctx)
	}
	if err := tp.Shutdown(ctx); err != nil {
		appLog.Warn("tracer shutdown failed", "err", err)
	}
}

// reload re-reads the config file and reconciles the registered tenants:
// removed tenants are unregistered, interval and credential changes go
// through Update, and other changes re-register the tenant.
func reload(ctx context.Context, sched *scheduler.Scheduler, rec *metrics.Recorder) ([]*notify.Webhook, error) {
	conf, err := config.Load(rootOpts.configPath)
	if err != nil {
		return nil, err
	}
	appLog.Info("reloading tenants", "tenant_count", len(conf.Tenants))

	want := make(map[string]model.TenantConfig, len(conf.Tenants))
	for _, cfg := range tenantConfigs(conf) {
		want[cfg.ID] = cfg
	}

	var fresh []model.TenantConfig
	for _, t := range sched.Tenants() {
		next, keep := want[t.ID()]
		delete(want, t.ID())
		cur := t.Config()

		if keep && sameIdentity(cur, next) {
			cred := next.Credential
			opts := scheduler.Options{Credential: &cred}
			if next.Schedule == "" && next.Interval != cur.Interval {
				opts.Interval = next.Interval
			}
			if err := sched.Update(t, opts); err != nil {
				appLog.Error("tenant update failed", err, "tenant", t.ID())
			}
			continue
		}

		if err := sched.Unregister(t); err != nil {
			appLog.Error("tenant unregister failed", err, "tenant", t.ID())
			continue
		}
		if rec != nil {
			rec.Forget(t.ID())
		}
		if keep {
			fresh = append(fresh, next)
		}
	}
	for _, cfg := range want {
		fresh = append(fresh, cfg)
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	return registerAll(ctx, sched, fresh)
}

// sameIdentity reports whether next can be applied to cur in place.
func sameIdentity(cur, next model.TenantConfig) bool {
	return cur.OutputPath == next.OutputPath &&
		cur.CalendarAlias == next.CalendarAlias &&
		cur.Schedule == next.Schedule &&
		cur.NotifyURL == next.NotifyURL
}
