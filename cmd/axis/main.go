package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/axismesh/axis/internal/alert"
	"github.com/axismesh/axis/internal/anomaly"
	"github.com/axismesh/axis/internal/balance"
	"github.com/axismesh/axis/internal/buildinfo"
	"github.com/axismesh/axis/internal/bus"
	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/efficiency"
	"github.com/axismesh/axis/internal/geo"
	"github.com/axismesh/axis/internal/health"
	"github.com/axismesh/axis/internal/message"
	"github.com/axismesh/axis/internal/pool"
	"github.com/axismesh/axis/internal/protocol"
	"github.com/axismesh/axis/internal/recovery"
	"github.com/axismesh/axis/internal/route"
	"github.com/axismesh/axis/internal/sched"
	"github.com/axismesh/axis/internal/store"
)

func main() {
	log.Printf("axis %s (%s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	runtimeCfg := config.NewDefaultRuntimeConfig()
	if envCfg.ConfigFile != "" {
		runtimeCfg, err = config.LoadRuntimeConfigFile(envCfg.ConfigFile)
		if err != nil {
			return err
		}
		log.Printf("runtime config loaded from %s", envCfg.ConfigFile)
	}
	runtimeCfg.Bus.Workers = envCfg.BusWorkers
	runtimeCfg.Pool.ValidationConcurrency = envCfg.ProbeConcurrency

	if err := os.MkdirAll(envCfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	repo, err := store.NewRepo(filepath.Join(envCfg.StateDir, "axis.db"))
	if err != nil {
		return err
	}
	log.Println("persistence bootstrap complete")

	app, err := newAxisApp(envCfg, runtimeCfg, store.NewEngine(repo))
	if err != nil {
		repo.Close() //nolint:errcheck
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), envCfg.ShutdownTimeout)
	defer cancel()
	app.shutdown(ctx)

	if err := repo.Close(); err != nil {
		log.Printf("store close error: %v", err)
	}
	return nil
}

// logNotifier is the default notification sink.
type logNotifier struct{}

func (logNotifier) Name() string { return "log" }

func (logNotifier) Notify(a alert.Alert, level int) error {
	log.Printf("[alert] %s agent=%s severity=%s escalation=%d: %s", a.ID, a.AgentID, a.Severity, level, a.Message)
	return nil
}

// axisApp owns every long-lived component of the communication core.
type axisApp struct {
	engine    *store.Engine
	geoSvc    *geo.Service
	balancer  *balance.Balancer
	router    *route.Router
	selector  *protocol.Selector
	sampler   *protocol.Sampler
	pools     *pool.Manager
	healthMon *health.Monitor
	anomalies *anomaly.Engine
	alerts    *alert.Manager
	orch      *recovery.Orchestrator
	eff       *efficiency.Monitor
	bus       *bus.Bus
	scheduler *sched.Scheduler
	sweeper   *store.RetentionSweeper
}

func newAxisApp(envCfg *config.EnvConfig, cfg *config.RuntimeConfig, engine *store.Engine) (*axisApp, error) {
	app := &axisApp{engine: engine}

	app.geoSvc = geo.NewService(geo.ServiceConfig{DBPath: cfg.Balancer.RegionDatabasePath})
	if err := app.geoSvc.Start(); err != nil {
		return nil, err
	}

	app.balancer = balance.NewBalancer(cfg.Balancer, balance.NewRegistry(), app.geoSvc.Region, balance.BreakerSettings{
		FailureThreshold: cfg.Pool.BreakerFailureThreshold,
		Timeout:          cfg.Pool.BreakerTimeout.Std(),
	})

	app.pools = pool.NewManager(pool.ManagerOptions{
		Config:  cfg.Pool,
		Factory: dialTransport,
		OnAlert: func(poolID, reason string) {
			app.alerts.Create(alert.CreateRequest{
				AgentID:  poolID,
				Type:     "pool_remediation",
				Metric:   "connections",
				Severity: alert.SeverityWarning,
				Message:  reason,
			})
		},
		OnConfigChange: engine.MarkPoolConfig,
	})

	app.router = route.NewRouter(route.RouterConfig{
		Runtime:    cfg.Router,
		Candidates: app.candidateRoutes,
		Breaker:    app.pools.Allow,
	})

	app.selector = protocol.NewSelector(cfg.Protocol, protocol.NewDefaultRegistry())
	app.sampler = protocol.NewSampler(app.sampleNetwork, cfg.Protocol.NetworkSampleInterval.Std(), cfg.Protocol.NetworkHistorySize)

	app.eff = efficiency.NewMonitor(cfg.Efficiency, app.onAdaptation)
	app.alerts = alert.NewManager(cfg.Alerting, []alert.Notifier{logNotifier{}}, engine.MarkAlert)

	app.anomalies = anomaly.NewEngine(anomaly.Options{
		Config:      cfg.Anomaly,
		Sink:        engine.InsertAnomalies,
		OnDetection: app.onDetection,
	})

	app.healthMon = health.NewMonitor(health.MonitorOptions{
		Config:          cfg.Health,
		Sink:            engine.WriteMetricBatch,
		OnSample:        app.onSample,
		OnHealthChanged: app.onHealthChanged,
		AlertsFor:       app.alerts.ActiveFor,
	})

	app.orch = recovery.NewOrchestrator(recovery.Options{
		Config:     cfg.Recovery,
		HealthOf:   app.healthOf,
		SystemLoad: app.systemLoad,
		Mark:       engine.MarkRecovery,
	})
	app.registerProcedures()

	app.bus = bus.New(bus.Options{
		Config:     cfg.Bus,
		Router:     app.router,
		Selector:   app.selector,
		Sampler:    app.sampler,
		Pools:      app.pools,
		Balancer:   app.balancer,
		Alerts:     app.alerts,
		Efficiency: app.eff,
	})

	app.restore()

	app.sweeper = store.NewRetentionSweeper(engine.Repo, cfg.Store.RetentionWindow.Std(), cfg.Store.RecoveryRetention.Std())
	if err := app.sweeper.Start(envCfg.RetentionSchedule); err != nil {
		return nil, err
	}

	app.scheduler = sched.NewScheduler(nil)
	app.registerTasks(cfg)
	app.scheduler.Start()

	app.sampler.Start()
	app.eff.Start()
	app.healthMon.Start()
	log.Println("communication core started")
	return app, nil
}

// candidateRoutes derives router candidates from the balancer's target
// registry: one route per destination, scored from the target's measured
// performance. Unknown destinations get a neutral route so explicitly
// addressed messages still flow.
func (app *axisApp) candidateRoutes(source, destination string) []route.Route {
	r := route.Route{
		RouteID:     source + ">" + destination,
		Destination: destination,
	}
	for _, t := range app.balancer.Registry().All() {
		if t.Endpoint != destination {
			continue
		}
		trust := t.Governance.Trust
		r.EstLatency = t.ResponseTimeEMA()
		r.Reliability = t.SuccessRate()
		r.LoadFactor = t.LoadFactor()
		r.Trust = &trust
		break
	}
	return []route.Route{r}
}

// sampleNetwork derives passive network conditions from the latest
// efficiency snapshot. Before the first snapshot the sampler's neutral
// baseline applies.
func (app *axisApp) sampleNetwork() protocol.NetworkConditions {
	recent := app.eff.Recent(1)
	if len(recent) == 0 {
		return protocol.NetworkConditions{Quality: 1, Stability: 1}
	}
	s := recent[0]
	return protocol.NetworkConditions{
		Timestamp:  s.TakenAt,
		LatencyMs:  float64(s.Latency.P95.Milliseconds()),
		Stability:  s.Reliability,
		Congestion: s.Utilization,
		Quality:    s.Overall,
	}
}

func (app *axisApp) healthOf(agentID string) health.Level {
	snap, ok := app.healthMon.GetAgentHealth(agentID)
	if !ok {
		return health.Unknown
	}
	return snap.Overall
}

func (app *axisApp) systemLoad() float64 {
	recent := app.eff.Recent(1)
	if len(recent) == 0 {
		return 0
	}
	return recent[0].Utilization
}

func (app *axisApp) onSample(agentID, metric string, value float64, ts time.Time) {
	app.anomalies.Observe(agentID, metric, value, ts)
}

func (app *axisApp) onDetection(det anomaly.Detection) {
	app.alerts.OnDetection(det)
	app.publish("anomaly.detected", det.AgentID, message.PriorityHigh, det)
}

// onHealthChanged fans a committed health transition out to alerting, the
// balancer's target health flags, the event bus, and, past unhealthy, an
// automatic recovery decision.
func (app *axisApp) onHealthChanged(agentID string, from, to health.Level) {
	app.alerts.OnHealthChanged(agentID, from, to)
	if to != health.Unknown {
		for _, t := range app.balancer.Registry().All() {
			if t.ID == agentID || t.Endpoint == agentID {
				t.SetHealthy(to <= health.Degraded)
			}
		}
	}
	app.publish("health.changed", agentID, message.PriorityHigh, map[string]string{
		"from": from.String(),
		"to":   to.String(),
	})

	if to < health.Unhealthy || to == health.Unknown {
		return
	}
	decision, err := app.orch.Decide(agentID, to, "health")
	if err != nil {
		log.Printf("[recovery] no procedure for %s at %s: %v", agentID, to, err)
		return
	}
	go func() {
		if _, err := app.orch.Trigger(context.Background(), agentID, decision.ProcedureID, "health-monitor"); err != nil {
			log.Printf("[recovery] trigger %s for %s: %v", decision.ProcedureID, agentID, err)
		}
	}()
}

func (app *axisApp) onAdaptation(e efficiency.AdaptationEvent) {
	app.publish("efficiency.adaptation", "efficiency-monitor", message.PriorityNormal, e)
}

// publish emits an internal event on the bus. Drops are logged, never fatal.
func (app *axisApp) publish(eventType, source string, pri message.Priority, payload any) {
	if app.bus == nil {
		return
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[app] encode %s event: %v", eventType, err)
		return
	}
	if _, err := app.bus.PublishEvent(bus.Event{
		Type:     eventType,
		Source:   source,
		Priority: pri,
		Payload:  message.Envelope{Type: "json", Bytes: blob},
	}); err != nil {
		log.Printf("[app] publish %s event: %v", eventType, err)
	}
}

// registerProcedures installs the built-in system remediation procedures.
func (app *axisApp) registerProcedures() {
	app.orch.RegisterProcedure(&recovery.Procedure{
		ID:                "pool-remediation",
		Name:              "Connection pool remediation",
		Description:       "Reclaims expired leases and recycles failed connections.",
		Risk:              recovery.RiskLow,
		BaseSuccessRate:   0.9,
		EstimatedDuration: 5 * time.Second,
		AutoApprove:       true,
		AppliesTo: func(level health.Level, _ string) bool {
			return level >= health.Unhealthy && level != health.Unknown
		},
		Steps: []recovery.Step{
			{Name: "sweep-leases", Action: func(context.Context) error { app.pools.Sweep(); return nil }},
			{Name: "evaluate-pool-health", Action: func(ctx context.Context) error { app.pools.EvaluateHealth(ctx); return nil }},
		},
	})
	app.orch.RegisterProcedure(&recovery.Procedure{
		ID:                "capacity-rebalance",
		Name:              "Capacity rebalance",
		Description:       "Re-runs pool scaling across all endpoints.",
		Risk:              recovery.RiskMedium,
		BaseSuccessRate:   0.8,
		EstimatedDuration: 10 * time.Second,
		AppliesTo: func(level health.Level, _ string) bool {
			return level == health.Critical
		},
		Steps: []recovery.Step{
			{Name: "evaluate-scaling", Action: func(ctx context.Context) error { app.pools.EvaluateScaling(ctx); return nil }},
		},
	})
}

// restore rehydrates weakly persisted state: route cache entries and pool
// configurations survive a restart.
func (app *axisApp) restore() {
	now := time.Now()
	if records, err := app.engine.LoadRouteSnapshots(); err != nil {
		log.Printf("[app] route snapshot load: %v", err)
	} else if n := app.router.Cache().Restore(records, now); n > 0 {
		log.Printf("[app] restored %d cached routes", n)
	}
	if records, err := app.engine.LoadPoolConfigs(); err != nil {
		log.Printf("[app] pool config load: %v", err)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		app.pools.Restore(ctx, records)
	}
}

func (app *axisApp) registerTasks(cfg *config.RuntimeConfig) {
	app.scheduler.Register(sched.Task{
		Name:     "store-flush",
		Interval: cfg.Store.FlushInterval.Std(),
		Run:      app.flushDirty,
	})
	app.scheduler.Register(sched.Task{
		Name:     "health-batch-flush",
		Interval: cfg.Health.BatchFlushInterval.Std(),
		Run:      app.healthMon.FlushBatch,
	})
	app.scheduler.Register(sched.Task{
		Name:     "pool-sweep",
		Interval: sched.DefaultScanInterval,
		Jitter:   sched.DefaultScanJitter,
		Run:      app.pools.Sweep,
	})
	app.scheduler.Register(sched.Task{
		Name:     "pool-scaling",
		Interval: cfg.Pool.ScalingCheckInterval.Std(),
		Run: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			app.pools.EvaluateScaling(ctx)
			app.pools.EvaluateHealth(ctx)
		},
	})
	app.scheduler.Register(sched.Task{
		Name:     "alert-escalations",
		Interval: time.Minute,
		Run:      app.alerts.CheckEscalations,
	})
	app.scheduler.Register(sched.Task{
		Name:     "recovery-approvals",
		Interval: time.Minute,
		Run:      app.orch.CheckApprovals,
	})
	app.scheduler.Register(sched.Task{
		Name:     "route-snapshot",
		Interval: 5 * time.Minute,
		Jitter:   time.Minute,
		Run:      app.snapshotRoutes,
	})
}

func (app *axisApp) flushDirty() {
	err := app.engine.FlushDirty(store.Readers{
		ReadAlert:      app.alerts.Record,
		ReadRecovery:   app.orch.Record,
		ReadPoolConfig: app.pools.ConfigRecord,
	})
	if err != nil {
		log.Printf("[app] dirty flush: %v", err)
	}
}

func (app *axisApp) snapshotRoutes() {
	records := app.router.Cache().Snapshot(time.Now())
	if err := app.engine.ReplaceRouteSnapshots(records); err != nil {
		log.Printf("[app] route snapshot persist: %v", err)
	}
}

func (app *axisApp) shutdown(context.Context) {
	app.bus.Close()
	app.scheduler.Stop()
	app.sweeper.Stop()
	app.sampler.Stop()
	app.healthMon.Stop()
	app.eff.Stop()

	// Final weak-persist pass before the store closes.
	app.healthMon.FlushBatch()
	app.snapshotRoutes()
	app.flushDirty()

	app.selector.Close()
	app.router.Close()
	app.pools.Close()
	app.geoSvc.Stop()
	log.Println("communication core stopped")
}
