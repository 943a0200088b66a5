// Package main is the taskstreamd composition root: it wires the Store
// Gateway, Progress Engine, Metric Series Store, Fan-out Hub, Alert Engine
// and Performance Optimizer together, registers every background loop on a
// Supervisor, and serves the HTTP/WebSocket/SSE surface.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/taskstream/internal/alerts"
	"github.com/R3E-Network/taskstream/internal/alerts/channels"
	"github.com/R3E-Network/taskstream/internal/config"
	"github.com/R3E-Network/taskstream/internal/httpapi"
	"github.com/R3E-Network/taskstream/internal/hub"
	"github.com/R3E-Network/taskstream/internal/metricsseries"
	"github.com/R3E-Network/taskstream/internal/optimizer"
	"github.com/R3E-Network/taskstream/internal/progress"
	"github.com/R3E-Network/taskstream/internal/store"
	"github.com/R3E-Network/taskstream/internal/supervisor"
	"github.com/R3E-Network/taskstream/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format,
		Output: cfg.Logging.Output, FilePrefix: cfg.Logging.FilePrefix,
	})
	log.Info("starting taskstreamd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := store.New(store.Config{
		Addr: cfg.Store.Addr, Password: cfg.Store.Password, DB: cfg.Store.DB,
		MaxRetries: cfg.Store.MaxRetries,
		OpTimeout:  cfg.Store.OpTimeout(),
		Deadline:   cfg.Store.Deadline(),
	}, log)

	progressEngine := progress.New(gw, log, progress.Config{
		RateWindowSamples: cfg.Progress.RateWindowSamples,
		TimelineCapacity:  cfg.Progress.TimelineCapacity,
		CleanupInterval:   cfg.Progress.CleanupInterval(),
		CompletedTaskTTL:  cfg.Progress.CompletedTaskTTL(),
	})

	series := metricsseries.New(gw, log, cfg.Series.Capacity)
	progressEngine.SetSeries(series)

	fanoutHub := hub.New(hub.Config{
		MaxConnections:    cfg.Server.MaxConnections,
		HeartbeatInterval: cfg.Server.HeartbeatInterval(),
		ClientTimeout:     cfg.Server.ClientTimeout(),
		JWTSecret:         []byte(cfg.Auth.JWTSecret),
	}, progressEngine, gw, log)
	fanoutHub.SetSeries(series)

	// The hub receives progress events over the store's pub/sub channel, not
	// an in-process callback, so a multi-process deployment (engine and hub
	// in separate processes) needs no code change.
	go func() {
		if err := fanoutHub.RunSubscriber(ctx); err != nil {
			log.WithField("error", err).Warn("hub progress subscriber exited")
		}
	}()

	alertEngine := alerts.New(gw, series, log, alerts.Config{
		EvalInterval:        cfg.Alert.EvalInterval(),
		EscalationInterval:  cfg.Alert.EscalationInterval(),
		MaintenanceInterval: cfg.Alert.MaintenanceInterval(),
	})
	registerNotificationChannels(alertEngine, cfg, log)
	alertEngine.OnAlert(func(a alerts.Alert, escalated bool) {
		fanoutHub.BroadcastAlert(a.ID, string(a.Severity), a.Metric, a.Metadata["reason"])
	})
	if err := alertEngine.LoadRules(ctx); err != nil {
		log.WithField("error", err).Warn("failed to load persisted alert rules, using built-ins")
	}

	opt := optimizer.New(gw, log, optimizer.Config{
		CycleInterval:    cfg.Optimizer.Interval(),
		AnalysisInterval: cfg.Optimizer.AnalysisInterval(),
		DryRun:           cfg.Optimizer.DryRun,
	})
	if err := opt.EstablishBaseline(ctx); err != nil {
		log.WithField("error", err).Warn("failed to establish optimizer baseline")
	}

	taskOutcomes := newOutcomeCounter()
	progressEngine.Subscribe("", func(ev progress.Event) {
		switch ev.EventKind {
		case progress.EventTaskCompleted:
			taskOutcomes.recordSuccess()
		case progress.EventTaskFailed:
			taskOutcomes.recordFailure()
		}
	})

	sup := supervisor.New(10 * time.Second)
	registerLoops(sup, cfg, progressEngine, series, fanoutHub, alertEngine, opt, gw, log, taskOutcomes)
	sup.Start(ctx)

	// The alert maintenance sweep runs on a fixed wall-clock cadence rather
	// than a simple ticker, since stale-alert and suppression cleanup is
	// naturally an hourly housekeeping job, not a latency-sensitive loop.
	c := cron.New()
	if _, err := c.AddFunc("@hourly", func() {
		if err := alertEngine.Maintain(ctx); err != nil {
			log.WithField("error", err).Warn("alert maintenance sweep failed")
		}
	}); err != nil {
		log.WithField("error", err).Warn("failed to schedule alert maintenance cron job")
	}
	c.Start()

	apiServer := httpapi.NewServer(httpapi.Deps{
		Store: gw, Progress: progressEngine, Series: series,
		Hub: fanoutHub, Alerts: alertEngine, Optimizer: opt, Log: log,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler: apiServer.Router(),
	}

	go func() {
		log.WithField("addr", httpServer.Addr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	// Graceful shutdown order: stop accepting new connections, close
	// all live connections, cancel background loops, drain notifications,
	// close the store gateway last.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err).Warn("http server shutdown error")
	}
	fanoutHub.Close()
	sup.Stop()
	// Drain the alert-maintenance cron's in-flight run, bounded by the
	// shutdown deadline.
	select {
	case <-c.Stop().Done():
	case <-shutdownCtx.Done():
	}
	if err := gw.Close(); err != nil {
		log.WithField("error", err).Warn("store gateway close error")
	}

	log.Info("shutdown complete")
}

func registerNotificationChannels(e *alerts.Engine, cfg *config.Config, log *logger.Logger) {
	if cfg.Alert.WebhookURL != "" {
		e.RegisterChannel(channels.NewWebhookChannel(cfg.Alert.WebhookURL))
	}
	if cfg.Alert.SlackWebhookURL != "" {
		e.RegisterChannel(channels.NewSlackChannel(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.SMTPAddr != "" && cfg.Alert.SMTPFrom != "" && len(cfg.Alert.SMTPTo) > 0 {
		e.RegisterChannel(channels.NewEmailChannel(channels.EmailConfig{
			SMTPAddr: cfg.Alert.SMTPAddr, From: cfg.Alert.SMTPFrom, To: cfg.Alert.SMTPTo,
		}))
	}
}

func registerLoops(
	sup *supervisor.Supervisor,
	cfg *config.Config,
	progressEngine *progress.Engine,
	series *metricsseries.Store,
	fanoutHub *hub.Hub,
	alertEngine *alerts.Engine,
	opt *optimizer.Optimizer,
	gw *store.Gateway,
	log *logger.Logger,
	outcomes *outcomeCounter,
) {
	sup.Register(supervisor.Loop{
		Name: "hub-heartbeat", Interval: 15 * time.Second,
		Run: func(ctx context.Context) error { return fanoutHub.Heartbeat(ctx) },
	})
	sup.Register(supervisor.Loop{
		Name: "progress-cleanup", Interval: progressEngine.CleanupInterval(),
		Run: func(ctx context.Context) error {
			removed, err := progressEngine.Cleanup(ctx)
			if err == nil && removed > 0 {
				log.WithField("removed", removed).Info("cleanup sweep removed terminal tasks")
			}
			return err
		},
	})
	sup.Register(supervisor.Loop{
		Name: "alert-evaluate", Interval: cfg.Alert.EvalInterval(),
		Run: func(ctx context.Context) error { return alertEngine.Evaluate(ctx) },
	})
	sup.Register(supervisor.Loop{
		Name: "alert-escalate", Interval: cfg.Alert.EscalationInterval(),
		Run: func(ctx context.Context) error { return alertEngine.Escalate(ctx) },
	})
	sup.Register(supervisor.Loop{
		Name: "optimizer-cycle", Interval: cfg.Optimizer.Interval(),
		Run: func(ctx context.Context) error { return opt.Cycle(ctx) },
	})
	sup.Register(supervisor.Loop{
		Name: "optimizer-analyze", Interval: cfg.Optimizer.AnalysisInterval(),
		Run: func(ctx context.Context) error { return opt.Analyze(ctx) },
	})
	sup.Register(supervisor.Loop{
		Name: "metrics-snapshot", Interval: 5 * time.Minute,
		Run:  func(ctx context.Context) error { return series.Snapshot(ctx) },
	})
	sup.Register(supervisor.Loop{
		Name: "metric-sample", Interval: 10 * time.Second,
		Run: func(ctx context.Context) error {
			now := time.Now().UTC()
			if info, err := gw.Info(ctx); err == nil {
				series.Record(ctx, "store-ops-per-sec", infoFloat(info, "instantaneous_ops_per_sec"), nil, now)
			}
			health := gw.Health(ctx)
			series.Record(ctx, "websocket-latency", float64(health.RTT.Milliseconds()), nil, now)
			series.Record(ctx, "active-connections", float64(fanoutHub.Stats().ActiveConnections), nil, now)

			if ids, err := progressEngine.GetActiveTaskIDs(ctx); err == nil {
				series.Record(ctx, "active-tasks", float64(len(ids)), nil, now)
			}
			series.Record(ctx, "error-rate", outcomes.rateAndReset(), nil, now)

			if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
				series.Record(ctx, "cpu-usage", pct[0], nil, now)
			}
			if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
				series.Record(ctx, "memory-usage", vm.UsedPercent, nil, now)
			}
			return nil
		},
	})
}

// outcomeCounter tallies task completions and failures between metric-sample
// ticks to derive the "error-rate" built-in series — the percentage
// of tasks that finished as failed since the last sample.
type outcomeCounter struct {
	success int64
	failure int64
}

func newOutcomeCounter() *outcomeCounter { return &outcomeCounter{} }

func (c *outcomeCounter) recordSuccess() { atomic.AddInt64(&c.success, 1) }
func (c *outcomeCounter) recordFailure() { atomic.AddInt64(&c.failure, 1) }

// rateAndReset returns the failure percentage over the window since the
// previous call, then resets both counters for the next window.
func (c *outcomeCounter) rateAndReset() float64 {
	s := atomic.SwapInt64(&c.success, 0)
	f := atomic.SwapInt64(&c.failure, 0)
	total := s + f
	if total == 0 {
		return 0
	}
	return float64(f) / float64(total) * 100
}

// infoFloat extracts one numeric field from a Redis INFO reply, matching
// the "key:value\r\n" line format the Performance Optimizer's sampler
// already parses. Returns 0 if the field is absent or
// unparsable.
func infoFloat(info, key string) float64 {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 || parts[0] != key {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return 0
		}
		return v
	}
	return 0
}
