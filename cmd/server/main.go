// Package main is the entry point for the Meridian advisory platform.
// It wires the stores, the compliance evaluator, the broker client, the
// agent supervisor and the HTTP server, then runs until a shutdown
// signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/advisor/internal/agents"
	"github.com/meridianhq/advisor/internal/audit"
	"github.com/meridianhq/advisor/internal/clientdata"
	"github.com/meridianhq/advisor/internal/clients/alpaca"
	"github.com/meridianhq/advisor/internal/clients/llm"
	"github.com/meridianhq/advisor/internal/compliance"
	"github.com/meridianhq/advisor/internal/config"
	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/domain"
	"github.com/meridianhq/advisor/internal/events"
	"github.com/meridianhq/advisor/internal/modules/advisor"
	"github.com/meridianhq/advisor/internal/modules/execution"
	"github.com/meridianhq/advisor/internal/modules/market_hours"
	"github.com/meridianhq/advisor/internal/modules/portfolio"
	"github.com/meridianhq/advisor/internal/modules/sessions"
	"github.com/meridianhq/advisor/internal/modules/settings"
	"github.com/meridianhq/advisor/internal/policy"
	"github.com/meridianhq/advisor/internal/reliability"
	"github.com/meridianhq/advisor/internal/server"
	syncer "github.com/meridianhq/advisor/internal/sync"
	"github.com/meridianhq/advisor/pkg/logger"
)

const (
	exitFatal  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Error().Err(err).Msg("configuration error")
		return exitConfig
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)

	databases, err := openDatabases(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to open databases")
		return exitFatal
	}
	defer func() {
		for name, db := range databases {
			if err := db.Close(); err != nil {
				log.Warn().Err(err).Str("database", name).Msg("close failed")
			}
		}
	}()
	coreDB := databases["core"]
	agentsDB := databases["agents"]
	auditDB := databases["audit"]

	// Settings may override credentials loaded from the environment.
	settingsRepo := settings.NewRepository(coreDB, log)
	if err := cfg.UpdateFromSettings(settingsRepo); err != nil {
		log.Warn().Err(err).Msg("failed to read settings overrides")
	}

	auditor, err := audit.New(auditDB, filepath.Join(cfg.DataDir, "audit", "compliance.jsonl"), log)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize audit logger")
		return exitFatal
	}
	defer auditor.Close()

	bus := events.NewBus(log)

	policyStore := policy.NewStore(auditor, log)
	if err := policyStore.LoadFromSource(cfg.PolicyPath); err != nil {
		log.Warn().Err(err).Str("path", cfg.PolicyPath).
			Msg("policy document unavailable; using built-in defaults")
		if err := policyStore.Update(policy.DefaultDocument()); err != nil {
			log.Error().Err(err).Msg("failed to load default policy")
			return exitFatal
		}
	}
	policyStore.Subscribe(func(snapshot *policy.Snapshot) {
		bus.Emit(events.PolicyReloaded, "policy", &events.PolicyReloadedData{
			Version:   snapshot.Version,
			Checksum:  snapshot.Checksum,
			RuleCount: len(snapshot.Rules),
		})
	})
	if cfg.PolicyWatchInterval > 0 {
		policyStore.StartWatcher(cfg.PolicyPath, time.Duration(cfg.PolicyWatchInterval)*time.Second)
		defer policyStore.StopWatcher()
	}

	var broker domain.BrokerClient
	if cfg.BrokerMockMode() {
		log.Info().Msg("broker credentials missing; running with the mock broker")
		broker = alpaca.NewMockClient(log)
	} else {
		broker = alpaca.NewClient(cfg.AlpacaAPIKey, cfg.AlpacaAPISecret, cfg.AlpacaPaper, log)
	}

	store := portfolio.NewStore(coreDB, auditor, log)
	cache := clientdata.NewCache(coreDB, log)
	evaluator := compliance.NewEvaluator(policyStore, broker, store.Holdings(), auditor, log)
	executor := execution.NewService(store, broker, evaluator, bus, log)
	sessionRepo := sessions.NewRepository(agentsDB, log)
	sessionSvc := sessions.NewService(sessionRepo, bus, log)
	analytics := advisor.NewService(store, cache, log)
	hours := market_hours.NewService(log)

	provider := llm.NewOpenAIClient(cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMBaseURL, log)
	supervisor := agents.NewSupervisor(
		provider,
		agents.NewRouter(provider, log),
		agents.NewExtractor(provider, log),
		executor,
		store,
		sessionSvc,
		analytics,
		broker,
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	synchronizer := syncer.New(store, broker, executor, cache, hours, bus, log)
	go synchronizer.Run(ctx)

	// With a live broker, order state changes arrive over the websocket
	// stream; a terminal event triggers an immediate sync pass instead of
	// waiting out the cadence. RunPass is single-flight, so bursts of
	// updates collapse into one pass.
	if !cfg.BrokerMockMode() {
		stream := alpaca.NewTradeStream(cfg.AlpacaAPIKey, cfg.AlpacaAPISecret, cfg.AlpacaPaper,
			func(update alpaca.TradeUpdate) {
				switch update.Event {
				case "fill", "canceled", "rejected", "expired":
					go synchronizer.RunPass(ctx)
				}
			}, bus, log)
		stream.Start(ctx)
		defer stream.Stop()
	}

	var backup *reliability.BackupService
	if cfg.BackupBucket != "" {
		s3Client, err := reliability.NewS3Client(ctx, reliability.S3Config{
			Endpoint:        cfg.BackupEndpoint,
			Region:          cfg.BackupRegion,
			AccessKeyID:     cfg.BackupAccessKey,
			SecretAccessKey: cfg.BackupSecretKey,
			Bucket:          cfg.BackupBucket,
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("backup store unavailable; continuing without offsite backups")
		} else {
			backup = reliability.NewBackupService(databases, s3Client, cfg.DataDir, log)
		}
	}
	maintenance := reliability.NewMaintenance(databases, backup, sessionRepo, cache, log)
	if err := maintenance.Start(); err != nil {
		log.Error().Err(err).Msg("failed to start maintenance scheduler")
		return exitFatal
	}
	defer maintenance.Stop()

	srv := server.New(server.Config{
		Log:        log,
		Port:       cfg.Port,
		Databases:  databases,
		Bus:        bus,
		Store:      store,
		Sessions:   sessionSvc,
		Executor:   executor,
		Analytics:  analytics,
		Broker:     broker,
		Cache:      cache,
		Hours:      hours,
		Supervisor: supervisor,
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("server failed")
			return exitFatal
		}
		return 0
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown incomplete")
	}
	return 0
}

// openDatabases creates and migrates the three stores: core state,
// agent sessions, and the append-only audit ledger.
func openDatabases(cfg *config.Config, log zerolog.Logger) (map[string]*database.DB, error) {
	specs := []struct {
		name    string
		profile database.Profile
	}{
		{"core", database.ProfileStandard},
		{"agents", database.ProfileStandard},
		{"audit", database.ProfileLedger},
	}

	databases := make(map[string]*database.DB, len(specs))
	for _, spec := range specs {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, spec.name+".db"),
			Profile: spec.profile,
			Name:    spec.name,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", spec.name, err)
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate %s: %w", spec.name, err)
		}
		databases[spec.name] = db
		log.Debug().Str("database", spec.name).Str("profile", string(spec.profile)).Msg("database ready")
	}
	return databases, nil
}
