// Warden runtime core — hosts the chat agent, the gateway, the planner loop,
// the queue poller, and the sub-agent supervisor. All credentials live in the
// secrets broker child process; this process scrubs its own environment after
// the broker handshake.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sentience-labs/warden/pkg/approval"
	"github.com/sentience-labs/warden/pkg/broker"
	"github.com/sentience-labs/warden/pkg/bus"
	"github.com/sentience-labs/warden/pkg/chat"
	"github.com/sentience-labs/warden/pkg/config"
	"github.com/sentience-labs/warden/pkg/dispatch"
	"github.com/sentience-labs/warden/pkg/gateway"
	"github.com/sentience-labs/warden/pkg/kvstore"
	"github.com/sentience-labs/warden/pkg/loop"
	"github.com/sentience-labs/warden/pkg/netsafe"
	"github.com/sentience-labs/warden/pkg/notify"
	"github.com/sentience-labs/warden/pkg/queue"
	"github.com/sentience-labs/warden/pkg/services"
	"github.com/sentience-labs/warden/pkg/signer"
	"github.com/sentience-labs/warden/pkg/skills"
	"github.com/sentience-labs/warden/pkg/subagent"
	"github.com/sentience-labs/warden/pkg/thinking"
	"github.com/sentience-labs/warden/pkg/version"
	"github.com/sentience-labs/warden/pkg/workspace"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting warden", "version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Key/value store
	var store kvstore.Store
	if cfg.KVStore.Path != "" {
		store, err = kvstore.OpenSQLite(cfg.KVStore.Path)
		if err != nil {
			slog.Error("Failed to open key/value store", "path", cfg.KVStore.Path, "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("No kvstore path configured, using in-memory store")
		store = kvstore.NewMemory()
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing key/value store", "error", err)
		}
	}()

	// 3. Workspace jail
	jail, err := workspace.New(cfg.Workspace.Root, cfg.Workspace.MaxFileBytes)
	if err != nil {
		slog.Error("Failed to create workspace", "root", cfg.Workspace.Root, "error", err)
		os.Exit(1)
	}
	slog.Info("Workspace ready", "root", jail.Root())

	// 4. Event bus
	events := bus.New()

	// 5. Secrets broker. Secrets that this process must hand to collaborators
	// are read before the scrub; after it, the runtime environment carries
	// none of the scrub-listed names.
	localKey := ""
	if cfg.Broker.AllowLocalSigner {
		localKey = os.Getenv("WALLET_PRIVATE_KEY")
	}
	slackToken := ""
	if cfg.Slack.Enabled {
		slackToken = os.Getenv(cfg.Slack.TokenEnv)
	}

	brokerClient := broker.NewClient(broker.Config{
		Command:     cfg.Broker.Command,
		Args:        cfg.Broker.Args,
		CallTimeout: cfg.Broker.LLMTimeout,
	})
	if err := brokerClient.Start(ctx); err != nil {
		slog.Error("Failed to start broker client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := brokerClient.Close(); err != nil {
			slog.Error("Error closing broker client", "error", err)
		}
	}()

	if err := broker.ScrubEnv(cfg.Broker.ScrubEnv); err != nil {
		slog.Error("Failed to scrub environment", "error", err)
		os.Exit(1)
	}
	slog.Info("Environment scrubbed", "names", len(cfg.Broker.ScrubEnv))

	// 6. Signer selection: broker-backed when the broker signs, otherwise an
	// explicitly-allowed local key.
	var sign signer.Signer
	switch {
	case brokerClient.HasCapability(broker.CapabilitySign):
		sign = signer.NewBrokerSigner(brokerClient)
		slog.Info("Using broker signer")
	case localKey != "":
		sign, err = signer.NewLocal(localKey)
		if err != nil {
			slog.Error("Failed to initialize local signer", "error", err)
			os.Exit(1)
		}
		slog.Warn("Using process-local signer; the broker is the recommended key holder")
	default:
		slog.Warn("No signer available, on-chain operations are disabled")
	}

	// 7. Network safety
	fetcher, err := netsafe.New(netsafe.Config{
		Denylist:     cfg.NetSafe.Denylist,
		MaxBodyBytes: cfg.NetSafe.MaxBodyBytes,
		FetchTimeout: cfg.NetSafe.FetchTimeout,
		RatePerHost:  cfg.NetSafe.PerHostRPS,
		BurstPerHost: cfg.NetSafe.PerHostBurst,
	})
	if err != nil {
		slog.Error("Failed to initialize network safety", "error", err)
		os.Exit(1)
	}

	// Background tasks (approval sweep, queue poller, loop) run until shutdown.
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	if sqliteStore, ok := store.(*kvstore.SQLiteStore); ok {
		go sqliteStore.RunPurge(runCtx, cfg.KVStore.SweepInterval)
	}

	// 8. Approval manager and its notification sink
	var sink notify.Sink
	if cfg.Slack.Enabled && slackToken != "" {
		slackSink := notify.NewSlackSink(slackToken, cfg.Slack.Channel)
		defer slackSink.Close()
		sink = slackSink
		slog.Info("Slack approval channel configured", "channel", cfg.Slack.Channel)
	} else {
		slog.Warn("No approval channel configured; over-cap intents will be refused")
	}
	approvals := approval.NewManager(store, sink, events, approval.Config{
		Whitelist:     cfg.Approval.Whitelist,
		PerTxCapWei:   cfg.Approval.AutoApproveCap,
		DailyCapWei:   cfg.Approval.DailyCap,
		TTL:           cfg.Approval.TTL,
		SweepInterval: cfg.Approval.SweepInterval,
	})
	go approvals.Run(runCtx)

	// 9. Skill registry; semantic search needs the broker's embed capability
	var embed skills.EmbedFunc
	if brokerClient.HasCapability(broker.CapabilityEmbed) {
		embed = brokerClient.Embed
	}
	skillRegistry, err := skills.NewRegistry(store, fetcher, nil, nil, events, embed, skills.Config{
		MinSimilarity:  cfg.Skills.SimilarityThreshold,
		OnChainLimit:   cfg.Skills.OnChainLimit,
		RemoteEndpoint: cfg.Skills.RemoteEndpoint,
		PersistPath:    filepath.Join(jail.Root(), ".warden", "skills"),
	})
	if err != nil {
		slog.Error("Failed to initialize skill registry", "error", err)
		os.Exit(1)
	}

	// 10. Sub-agent supervisor
	supervisor := subagent.New(subagent.Config{
		Command:        cfg.SubAgents.Command,
		MaxAgents:      cfg.SubAgents.MaxConcurrent,
		StartupTimeout: cfg.SubAgents.StartupTimeout,
		TaskTimeout:    cfg.SubAgents.TaskTimeout,
		StopGrace:      cfg.SubAgents.GracePeriod,
	}, jail, brokerClient, events)
	defer supervisor.Close()

	// 11. Service layer and chat session. External collaborators (social,
	// chain, browser) are deployment adapters; unset ones refuse typed.
	identity := getEnv("WARDEN_IDENTITY", "You are warden, an autonomous on-chain agent.")
	svc := services.New(services.Config{
		Identity: identity,
		OwnerID:  cfg.Chat.OwnerID,
	}, services.Deps{
		LLM:       brokerClient,
		Signer:    sign,
		Approvals: approvals,
		Validator: fetcher,
		Skills:    skillRegistry,
		Agents:    supervisor,
		Events:    events,
	})

	session := chat.NewSession(chat.Config{
		Identity:         identity,
		CommandPrefix:    cfg.Thinking.CommandPrefix,
		HistoryExchanges: cfg.Chat.HistoryExchanges,
		OwnerOnly:        cfg.Chat.OwnerOnly,
		OwnerID:          cfg.Chat.OwnerID,
	}, brokerClient, svc, jail, events)
	if level := thinking.Level(cfg.Thinking.DefaultLevel); level.IsValid() {
		session.SetLevel(level)
	}
	svc.SetSession(session)

	// 12. Dispatcher: register the full method surface, then seal
	dispatcher := dispatch.New()
	if err := svc.RegisterAll(dispatcher); err != nil {
		slog.Error("Failed to register dispatcher methods", "error", err)
		os.Exit(1)
	}
	dispatcher.Seal()
	slog.Info("Dispatcher sealed", "methods", dispatcher.Methods())

	// 13. Queue poller
	poller := queue.NewPoller(store, queue.Config{
		Interval:     cfg.Queue.PollInterval,
		Batch:        cfg.Queue.BatchSize,
		TaskDeadline: cfg.Queue.TaskTimeout,
		Retention:    cfg.Queue.RetentionTTL,
	})
	svc.BindQueue(poller, dispatcher)
	go poller.Run(runCtx)

	// 14. Planner loop
	var planner *loop.Loop
	if cfg.Loop.Enabled {
		planner = loop.New(loop.Config{
			Interval:     cfg.Loop.Interval,
			SnapshotSize: cfg.Loop.SnapshotSize,
			Identity:     identity,
		}, brokerClient, dispatcher, session, events)
		planner.Start()
	}

	// 15. Gateway
	server := gateway.New(gateway.Config{
		Addr:         cfg.Gateway.ListenAddr,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}, dispatcher)
	if err := server.Start(); err != nil {
		slog.Error("Failed to start gateway", "addr", cfg.Gateway.ListenAddr, "error", err)
		os.Exit(1)
	}
	slog.Info("Warden started", "gateway", server.Addr(), "degraded_broker", brokerClient.Degraded())

	// 16. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	// 17. Graceful shutdown: stop intake first, then in-flight work, then
	// workers and the broker (via the deferred closes).
	if planner != nil {
		planner.Stop()
	}
	runCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Gateway shutdown error", "error", err)
	}
	dispatcher.Shutdown()

	slog.Info("Shutdown complete")
}
