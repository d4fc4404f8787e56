// Command controlplaned wires components A-P into a single long-running
// process: the resource-aware scheduler, the budget/threshold engine, and
// the session integration bridge, behind the singleton guard spec.md §4.P
// calls for. It is the process-boundary entry point — the one place a
// package-level REDIS_URL/config path is read, per spec.md §9's guidance
// against module-level singletons everywhere else. Grounded on the
// teacher's cmd/cliaimonitor/main.go: flag parsing, instance-manager guard
// acquisition, then constructing and wiring every collaborator before
// blocking on an OS signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/agentfleet/controlplane/internal/blockregistry"
	"github.com/agentfleet/controlplane/internal/budget"
	"github.com/agentfleet/controlplane/internal/config"
	"github.com/agentfleet/controlplane/internal/decisionlog"
	"github.com/agentfleet/controlplane/internal/events"
	"github.com/agentfleet/controlplane/internal/nats"
	"github.com/agentfleet/controlplane/internal/natsbridge"
	"github.com/agentfleet/controlplane/internal/notifications"
	"github.com/agentfleet/controlplane/internal/notifications/external"
	"github.com/agentfleet/controlplane/internal/persistence"
	"github.com/agentfleet/controlplane/internal/preemption"
	"github.com/agentfleet/controlplane/internal/redisstore"
	"github.com/agentfleet/controlplane/internal/resourceindex"
	"github.com/agentfleet/controlplane/internal/rpc"
	"github.com/agentfleet/controlplane/internal/scheduler"
	"github.com/agentfleet/controlplane/internal/sessionbridge"
	"github.com/agentfleet/controlplane/internal/singleton"
	"github.com/agentfleet/controlplane/internal/types"
)

func main() {
	configPath := flag.String("config", "", "Path to controlplane.yaml (optional; defaults apply if absent)")
	home, _ := os.UserHomeDir()
	defaultStateDir := filepath.Join(home, ".config", "agentfleet-controlplane")
	stateDir := flag.String("state-dir", defaultStateDir, "Directory for the budgets.json document, decision log, and process lock")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, *stateDir, logger); err != nil {
		logger.Error("control plane exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath, stateDir string, logger *slog.Logger) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	guard, err := singleton.Acquire(filepath.Join(stateDir, "controlplaned.lock"))
	if err != nil {
		return fmt.Errorf("acquire singleton guard: %w", err)
	}
	defer guard.Release()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.BudgetsPath == "" {
		cfg.BudgetsPath = filepath.Join(stateDir, "budgets.json")
	}
	if cfg.DecisionLogPath == "" {
		cfg.DecisionLogPath = filepath.Join(stateDir, "decisions.db")
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = os.Getenv("REDIS_URL")
	}

	bus := events.NewBus(logger)
	clock := types.RealClock{}

	// Component E: Redis-backed when REDIS_URL is set, in-process otherwise
	// (spec.md §6's "optional external key-value service").
	var backend resourceindex.Backend
	if cfg.RedisURL != "" {
		store, err := redisstore.New(cfg.RedisURL, "agentfleet")
		if err != nil {
			return fmt.Errorf("connect resource store: %w", err)
		}
		backend = store
		logger.Info("resource index backed by redis", slog.String("url", cfg.RedisURL))
	} else {
		backend = resourceindex.NewInMemoryBackend()
		logger.Info("resource index using in-process fallback")
	}
	index := resourceindex.New(backend, logger)

	// Component M: decision log.
	decLog, err := decisionlog.Open(cfg.DecisionLogPath, 100_000)
	if err != nil {
		return fmt.Errorf("open decision log: %w", err)
	}
	defer decLog.Close()

	strategy := types.BinPackBestFit
	sched := scheduler.New(index, bus, strategy, decLog, clock, logger, preemption.Config{
		MinPriorityDifference: cfg.Preemption.MinPriorityDifference,
		MaxVictims:            cfg.Preemption.MaxVictims,
		Enabled:               cfg.Preemption.Enabled,
	})

	// Component N: budget persistence.
	budgetStore := persistence.New(cfg.BudgetsPath, logger)

	// Component C: block registry.
	blocks := blockregistry.New(clock)

	// Component O: notification router with webhook and sms channels. No
	// email channel is registered, and the sms channel has no sender, so
	// its sends fail and are logged.
	router := notifications.NewRouter(logger,
		external.NewWebhookChannel(),
		external.NewSMSChannel(nil),
	)

	budgetEngine := budget.New(budget.Deps{
		Store:  budgetStore,
		Blocks: blocks,
		Router: router,
		Bus:    bus,
		Clock:  clock,
		Logger: logger,
	})
	cancelTokenUsage := budgetEngine.SubscribeTokenUsage(bus)
	defer cancelTokenUsage()

	// Component I: session bridge. The concrete session gateway is an
	// external collaborator (spec.md §1); noopGateway stands in until one
	// is wired from the session-gateway process this binary talks to.
	bridge := sessionbridge.New(sessionbridge.Deps{
		Gateway: noopGateway{},
		Bus:     bus,
		Logger:  logger,
	})

	// The RPC surface (H and I's only external entrypoint, spec.md §1) always
	// needs a live NATS connection, so an external broker is preferred and an
	// embedded one is spun up as a fallback rather than leaving the control
	// plane undriveable when NatsURL is unset.
	natsURL := cfg.NatsURL
	var embedded *nats.EmbeddedServer
	if natsURL == "" {
		embedded, err = nats.NewEmbeddedServer(nats.EmbeddedServerConfig{Port: 0})
		if err != nil {
			return fmt.Errorf("start embedded nats server: %w", err)
		}
		if err := embedded.Start(); err != nil {
			return fmt.Errorf("start embedded nats server: %w", err)
		}
		defer embedded.Shutdown()
		natsURL = embedded.URL()
		logger.Info("nats: no broker configured, using embedded fallback", slog.String("url", natsURL))
	}

	natsClient, err := nats.NewClient(natsURL, logger)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsClient.Close()

	rpcServer := rpc.New(natsClient, sched, bridge, logger)
	if err := rpcServer.Start(); err != nil {
		return fmt.Errorf("start rpc server: %w", err)
	}
	defer rpcServer.Stop()
	logger.Info("rpc server listening",
		slog.String("scheduleSubject", rpc.SubjectScheduleRequest),
		slog.String("unscheduleSubject", rpc.SubjectUnscheduleRequest),
		slog.String("spawnSubject", rpc.SubjectSessionSpawn))

	// Component K: scheduling/agent event mirror, only when a real external
	// broker is configured — the embedded fallback above exists solely to
	// give the RPC surface a transport, not to publish events nowhere.
	var mirror *natsbridge.Mirror
	if cfg.NatsURL != "" {
		mirror = natsbridge.New(natsClient, bus, logger)
		mirror.Start()
		defer mirror.Stop()
		logger.Info("nats mirror active", slog.String("url", cfg.NatsURL))
	}

	logger.Info("control plane started",
		slog.String("stateDir", stateDir),
		slog.Int("preemptionMinPriorityDiff", cfg.Preemption.MinPriorityDifference),
		slog.Bool("preemptionEnabled", cfg.Preemption.Enabled))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutdown signal received, draining")
	return nil
}

// noopGateway is a placeholder sessionbridge.Gateway until the real
// session-gateway process is wired in; every call fails loudly rather than
// silently pretending to spawn a session.
type noopGateway struct{}

func (noopGateway) Spawn(opts types.SpawnOptions) (string, error) {
	return "", fmt.Errorf("no session gateway configured for agent %s", opts.AgentID)
}
func (noopGateway) Pause(string) error { return fmt.Errorf("no session gateway configured") }
func (noopGateway) Resume(string) error { return fmt.Errorf("no session gateway configured") }
func (noopGateway) Kill(string, bool) error { return fmt.Errorf("no session gateway configured") }
func (noopGateway) Status(string) (types.SessionState, error) {
	return "", fmt.Errorf("no session gateway configured")
}
