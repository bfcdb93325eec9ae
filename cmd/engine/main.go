package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/signalops/truthengine/internal/config"
	"github.com/signalops/truthengine/internal/consensus"
	"github.com/signalops/truthengine/internal/gate"
	"github.com/signalops/truthengine/internal/health"
	"github.com/signalops/truthengine/internal/observ"
	"github.com/signalops/truthengine/internal/poller"
	"github.com/signalops/truthengine/internal/tracker"
	"github.com/signalops/truthengine/internal/transport"
	"github.com/signalops/truthengine/internal/truthlog"
)

func main() {
	var (
		configPath      string
		durationSeconds int
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "path to config file")
	flag.IntVar(&durationSeconds, "duration-seconds", 0, "stop after duration (for CI)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, durationSeconds); err != nil {
		observ.Critical("engine_fatal", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg config.Root, durationSeconds int) error {
	// Truth log backend
	var recorder truthlog.Recorder
	var err error
	switch cfg.Tracker.TruthLogBackend {
	case "sqlite":
		recorder, err = truthlog.NewSQLite(cfg.Tracker.SQLitePath)
	default:
		recorder, err = truthlog.NewJSONL(cfg.Tracker.TruthLogPath)
	}
	if err != nil {
		return fmt.Errorf("open truth log: %w", err)
	}
	defer recorder.Close()

	// Health manager with the static dependency map
	healthMgr := health.NewManager(cfg.Health, health.DefaultDependents())

	// Validation gate with its rejection audit trail
	audit, err := gate.NewAuditTrail(cfg.Validation.AuditPath)
	if err != nil {
		return fmt.Errorf("open audit trail: %w", err)
	}
	g := gate.New(cfg.Validation, audit)

	// Consensus over configured broker sources, gated on its own health
	sources := make([]consensus.Source, 0, len(cfg.Consensus.Sources))
	for _, sc := range cfg.Consensus.Sources {
		sources = append(sources, consensus.NewHTTPSource(
			sc.Name, sc.BaseURL, cfg.Consensus.SourceTimeout(), cfg.Consensus.SourceRatePerSecond))
	}
	eng := consensus.New(cfg.Consensus, sources, func() bool {
		return healthMgr.Online(health.PriceConsensus)
	})

	// Tracker, resuming any pre-crash active set before loops start
	track := tracker.New(cfg.Tracker, recorder)
	if n, err := track.LoadSnapshot(cfg.Tracker.SnapshotPath); err != nil {
		observ.Critical("snapshot_load_failed", map[string]any{"error": err.Error()})
	} else if n > 0 {
		observ.Log("resumed_active_signals", map[string]any{"count": n})
	}

	// Recovery probes: a component comes back only when it can prove it
	// can serve.
	healthMgr.SetProbe(health.MarketData, func() error {
		symbols := track.ActiveSymbols()
		if len(symbols) == 0 {
			return nil // nothing to verify against, allow recovery
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Consensus.SourceTimeout())
		defer cancel()
		_, err := eng.GetConsensus(ctx, symbols[0])
		return err
	})
	healthMgr.SetProbe(health.SignalTracker, func() error {
		return track.SaveSnapshot(cfg.Tracker.SnapshotPath)
	})
	healthMgr.Start()
	defer healthMgr.Stop()

	// Confirmation transport
	wire, err := transport.New(transport.Config{
		Transport:    cfg.Wire.Transport,
		BaseURL:      cfg.Wire.BaseURL,
		PollInterval: time.Duration(cfg.Wire.PollIntervalMs) * time.Millisecond,
		Timeout:      time.Duration(cfg.Wire.TimeoutMs) * time.Millisecond,
		BufferSize:   cfg.Wire.BufferSize,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan struct{})
	var wg sync.WaitGroup

	// Market price poller
	p := poller.New(time.Duration(cfg.Poller.IntervalMs)*time.Millisecond, eng, track, healthMgr)
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(ctx, stop)
	}()

	// Completion sweep + periodic snapshot
	wg.Add(1)
	go func() {
		defer wg.Done()
		track.RunSweeper(stop, func() bool { return healthMgr.Online(health.SignalTracker) })
	}()

	// Confirmation consumer
	events, err := wire.Start(ctx)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer wire.Close()
	wg.Add(1)
	go func() {
		defer wg.Done()
		runConsumer(events, g, track, healthMgr, stop)
	}()

	// Scheduled daily statistics report
	sched := cron.New(cron.WithSeconds())
	if _, err := sched.AddFunc(cfg.DailyReportCron, func() {
		reportStatistics(track, healthMgr)
		if err := track.SaveSnapshot(cfg.Tracker.SnapshotPath); err != nil {
			observ.Critical("snapshot_save_failed", map[string]any{"error": err.Error()})
		}
	}); err != nil {
		return fmt.Errorf("register daily report: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	// Metrics and health endpoints
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.HealthHandler(func() (string, map[string]any) {
		status := healthMgr.GetSystemStatus()
		comps := make(map[string]any, len(status.Components))
		for name, c := range status.Components {
			comps[name] = c
		}
		return status.State, comps
	}))
	observ.Log("metrics_listen", map[string]any{"addr": cfg.MetricsAddr})
	go func() { _ = http.ListenAndServe(cfg.MetricsAddr, mux) }()

	observ.Log("engine_started", map[string]any{
		"sources": len(sources),
		"backend": cfg.Tracker.TruthLogBackend,
		"wire":    cfg.Wire.Transport,
	})

	// Wait for a stop condition
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	if durationSeconds > 0 {
		select {
		case <-sigCh:
		case <-time.After(time.Duration(durationSeconds) * time.Second):
		}
	} else {
		<-sigCh
	}

	observ.Log("engine_stopping", nil)
	close(stop)
	cancel()
	wg.Wait()

	// Final snapshot so a restart resumes without re-deriving from the log
	if err := track.SaveSnapshot(cfg.Tracker.SnapshotPath); err != nil {
		observ.Critical("final_snapshot_failed", map[string]any{"error": err.Error()})
		return err
	}
	observ.Log("engine_stopped", map[string]any{"active_signals": track.ActiveCount()})
	return nil
}

// runConsumer drains validated confirmations into the tracker. It blocks
// on the transport channel but observes stop within two seconds.
func runConsumer(events <-chan transport.Confirmation, g *gate.Gate, track *tracker.Tracker, healthMgr *health.Manager, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case conf, ok := <-events:
			if !ok {
				return
			}
			if !healthMgr.Online(health.ConfirmationListener) {
				observ.IncCounter("confirmations_dropped_offline_total", nil)
				continue
			}
			ev, rej := g.Validate(conf.Payload)
			if rej != nil {
				continue // already logged, counted, audited by the gate
			}
			if err := track.ApplyValidatedEvent(ev); err != nil {
				observ.Log("event_apply_failed", map[string]any{
					"ticket": ev.Ticket, "error": err.Error(),
				})
			}
		case <-time.After(2 * time.Second):
			// periodic wake so a stuck transport cannot delay shutdown
		}
	}
}

func reportStatistics(track *tracker.Tracker, healthMgr *health.Manager) {
	stats := track.GetStatistics()
	status := healthMgr.GetSystemStatus()
	observ.Log("daily_truth_report", map[string]any{
		"generated":  stats.TotalGenerated,
		"active":     stats.Active,
		"completed":  stats.Completed,
		"wins":       stats.Wins,
		"losses":     stats.Losses,
		"expired":    stats.Expired,
		"whipsawed":  stats.Whipsawed,
		"trapped":    stats.Trapped,
		"win_rate":   stats.WinRate,
		"system":     status.State,
		"health_pct": status.HealthPct,
	})
	observ.SetGauge("system_health_pct", status.HealthPct, nil)
}
