package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"trading-core/internal/api"
	"trading-core/internal/connection"
	"trading-core/internal/events"
	"trading-core/internal/journal"
	"trading-core/internal/lifecycle"
	"trading-core/internal/monitor"
	"trading-core/internal/orchestrator"
	"trading-core/internal/ratelimit"
	"trading-core/internal/reconcile"
	"trading-core/internal/runner"
	"trading-core/pkg/config"
	"trading-core/pkg/store"
)

// brokerID names the single broker every connection/runner in this process
// talks to; the core is wired to one venue at a time (spec.md §3).
const brokerID = "deribit"

// reconcilerSupervisor keeps one reconcile.Reconciler running per connected
// account, starting it the first time ConnectedUsers reports the account
// and tearing it down once the account disconnects (spec.md §4.7, C7).
type reconcilerSupervisor struct {
	connections  *connection.Manager
	lifecycleMgr *lifecycle.Manager
	bus          *events.Bus
	log          *zap.Logger
	opts         reconcile.Options

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func newReconcilerSupervisor(connections *connection.Manager, lifecycleMgr *lifecycle.Manager, bus *events.Bus, log *zap.Logger, opts reconcile.Options) *reconcilerSupervisor {
	return &reconcilerSupervisor{
		connections: connections, lifecycleMgr: lifecycleMgr, bus: bus, log: log, opts: opts,
		running: make(map[string]context.CancelFunc),
	}
}

// Run polls the connection registry every 5s and reconciles the set of
// live reconcilers against the set of connected accounts until ctx is
// cancelled, at which point every reconciler it started is stopped too.
func (s *reconcilerSupervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	s.reconcileRunningSet(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
			s.reconcileRunningSet(ctx)
		}
	}
}

func (s *reconcilerSupervisor) reconcileRunningSet(ctx context.Context) {
	connected := make(map[string]bool)
	for _, userID := range s.connections.ConnectedUsers() {
		connected[userID] = true
		s.ensureStarted(ctx, userID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, cancel := range s.running {
		if !connected[userID] {
			cancel()
			delete(s.running, userID)
		}
	}
}

func (s *reconcilerSupervisor) ensureStarted(ctx context.Context, userID string) {
	s.mu.Lock()
	_, alreadyRunning := s.running[userID]
	s.mu.Unlock()
	if alreadyRunning {
		return
	}
	adapter, ok := s.connections.Get(userID)
	if !ok {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	rec := reconcile.New(userID, adapter, s.lifecycleMgr, s.bus, s.log, s.opts)

	s.mu.Lock()
	s.running[userID] = cancel
	s.mu.Unlock()

	go rec.Run(runCtx)
}

func (s *reconcilerSupervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, cancel := range s.running {
		cancel()
		delete(s.running, userID)
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zlog.Sync()
	if cfg.LogLevel == "debug" {
		zlog, err = zap.NewDevelopment()
		if err != nil {
			log.Fatalf("init logger: %v", err)
		}
	}

	zlog.Info("starting trading core",
		zap.String("port", cfg.Port),
		zap.String("brokerEndpoint", cfg.BrokerEndpoint),
		zap.Bool("dryRun", cfg.DryRun),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		zlog.Fatal("open store", zap.Error(err))
	}
	defer s.Close()

	bus := events.NewBus()

	limits := ratelimit.Limits{
		ReadRPS: cfg.RateLimitReadRPS, ReadBurst: float64(cfg.RateLimitReadBurst),
		WriteRPS: cfg.RateLimitWriteRPS, WriteBurst: float64(cfg.RateLimitWriteBurst),
		SubscribeRPS: cfg.RateLimitSubscribeRPS, SubscribeBurst: float64(cfg.RateLimitSubscribeBurst),
	}

	provider := connection.StaticProvider{Creds: connection.Credentials{
		APIKey: cfg.BrokerAPIKey, APISecret: cfg.BrokerAPISecret,
	}}
	connections := connection.New(cfg.BrokerEndpoint, provider, limits, s, bus, zlog)

	lifecycleMgr := lifecycle.New(s, bus, zlog)
	journalInst := journal.New(s)

	factory := runner.NewFactory(connections, lifecycleMgr, journalInst, bus, zlog, runner.ExternalStrategyOptions{
		Enabled: cfg.EnableExternalStrategy,
		Addr:    cfg.ExternalStrategyAddr,
	})
	orch := orchestrator.New(orchestrator.NewMemoryQueue(), s, factory, bus, zlog, orchestrator.Options{})
	go orch.Run(ctx)

	reconcilerOpts := reconcile.Options{
		Interval:         cfg.ReconcileInterval,
		AutoCloseUnknown: cfg.AutoCloseUnknown,
	}
	supervisor := newReconcilerSupervisor(connections, lifecycleMgr, bus, zlog, reconcilerOpts)
	go supervisor.Run(ctx)

	alertMonitor := monitor.NewMonitor(bus, monitor.LogAlertSink{Log: zlog})
	alertMonitor.Start(ctx)

	metrics := monitor.NewSystemMetrics()
	health := monitor.NewHealthChecker(buildVersion(), metrics)
	health.Websocket = func() (bool, time.Time) {
		for _, userID := range connections.ConnectedUsers() {
			if connections.IsConnected(userID) {
				if hb, ok := connections.LastHeartbeat(userID); ok {
					return true, hb
				}
			}
		}
		return false, time.Time{}
	}
	health.Strategies = func() (active, total int) {
		status := orch.GetStatus("")
		return len(status.Workers), status.QueueStats.Total
	}
	health.StateManagerOK = func() bool { return s.DB.Ping() == nil }
	health.CredentialsManager = func() bool { return true }

	srv := api.NewServer(bus, connections, orch, lifecycleMgr, journalInst, health, metrics, cfg.JWTSecret, brokerID, buildVersion())

	go func() {
		addr := cfg.Host + ":" + cfg.Port
		zlog.Info("http server listening", zap.String("addr", addr))
		if err := srv.Start(addr); err != nil {
			zlog.Fatal("http server exited", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	zlog.Info("shutdown signal received, draining")

	// Ordered shutdown (spec.md §5): stop admitting new work, then every
	// running runner is asked to stop with positions left open (an operator
	// restart is not an implicit killswitch), capped so a wedged broker
	// session can't block process exit indefinitely.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, userID := range connections.ConnectedUsers() {
		for _, w := range orch.GetStatus(userID).Workers {
			if err := orch.StopRunner(shutdownCtx, orchestrator.StopRequest{
				UserID: userID, JobID: w.Job.JobID, FlattenPositions: false,
			}); err != nil {
				zlog.Warn("shutdown: stop runner failed", zap.String("jobId", w.Job.JobID), zap.Error(err))
			}
		}
	}

	zlog.Info("shutdown complete")
}

func buildVersion() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "v2.0-dev"
}
