package main

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"ttexport/internal/config"
	"ttexport/internal/export"
	appLog "ttexport/internal/log"
	"ttexport/internal/model"
	"ttexport/internal/notify"
	"ttexport/internal/scheduler"
	"ttexport/internal/timetree"
)

func newClient(conf *config.Config) *timetree.Client {
	return timetree.NewClient(
		timetree.WithBaseURL(conf.BaseURL),
		timetree.WithTimeout(conf.HTTPTimeout),
	)
}

func newPipeline(conf *config.Config) *export.Pipeline {
	return export.NewPipeline(newClient(conf), timetree.DecodeEvent, export.WithProductID(productID()))
}

// tenantConfigs maps config entries to the runtime tenant records.
func tenantConfigs(conf *config.Config) []model.TenantConfig {
	out := make([]model.TenantConfig, 0, len(conf.Tenants))
	for _, t := range conf.Tenants {
		out = append(out, model.TenantConfig{
			ID:            t.ID,
			Credential:    model.Credential{Email: t.Email, Password: t.Password},
			CalendarAlias: t.CalendarAlias,
			Name:          t.Name,
			Interval:      t.Interval(),
			Schedule:      t.Schedule,
			OutputPath:    export.OutputPath(conf.ExportDir, t.Name),
			NotifyURL:     t.NotifyURL,
		})
	}
	return out
}

// registerAll registers every tenant concurrently; each registration
// performs the tenant's first run. Webhook subscribers are attached before
// that run for tenants with a notify_url. A failed registration does not
// stop the others; the webhooks of registered tenants are returned with
// the first error.
func registerAll(ctx context.Context, sched *scheduler.Scheduler, tenants []model.TenantConfig) ([]*notify.Webhook, error) {
	hooks := make([]*notify.Webhook, len(tenants))

	var g errgroup.Group
	for i, cfg := range tenants {
		g.Go(func() error {
			var hook *notify.Webhook
			var opts []scheduler.RegisterOption
			if cfg.NotifyURL != "" {
				hook = notify.NewWebhook(cfg.NotifyURL, nil)
				opts = append(opts, scheduler.WithSubscriber(hook.Handle))
			}
			t, err := sched.Register(ctx, cfg, opts...)
			if err != nil {
				return fmt.Errorf("register %s: %w", cfg.Name, err)
			}
			hooks[i] = hook
			snap := t.Snapshot()
			appLog.Info("initial export finished", "tenant", cfg.ID, "status", snap.Status)
			return nil
		})
	}
	err := g.Wait()

	out := hooks[:0]
	for _, h := range hooks {
		if h != nil {
			out = append(out, h)
		}
	}
	return out, err
}
