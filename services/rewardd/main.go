package rewardd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"help2earn/observability/logging"
	telemetry "help2earn/observability/otel"
	"help2earn/services/rewardd/chain"
	"help2earn/services/rewardd/dedup"
	"help2earn/services/rewardd/ledger"
	"help2earn/services/rewardd/policy"
	"help2earn/services/rewardd/recon"
	"help2earn/services/rewardd/store"
)

// PassphraseFunc resolves a keystore passphrase, consulting envVar first.
type PassphraseFunc func(envVar string) (string, error)

// Main initialises and runs the reward daemon.
func Main(passphrase PassphraseFunc) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/rewardd/config.yaml", "path to rewardd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("REWARDD_ENV"))
	logger := logging.SetupWithFile("rewardd", env, logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("rewardd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	signer, err := loadSigner(cfg.Chain, passphrase)
	if err != nil {
		return fmt.Errorf("load signer: %w", err)
	}
	logger.Info("signer loaded", logging.Address("address", signer.Address().Hex()))

	logger.Info("dialing chain", logging.URL("rpc", cfg.Chain.RPC))
	evmClient, err := chain.DialEVMClient(cfg.Chain.RPC)
	if err != nil {
		return fmt.Errorf("dial evm %s: %s", logging.RedactURL(cfg.Chain.RPC), logging.ScrubText(err.Error()))
	}
	defer evmClient.Close()

	journal, err := chain.OpenJournal(cfg.Chain.Journal, nil)
	if err != nil {
		return fmt.Errorf("open broadcast journal: %w", err)
	}
	defer func() { _ = journal.Close() }()
	if pending, err := journal.Len(); err == nil && pending > 0 {
		logger.Warn("resuming journaled broadcasts", slog.Int("pending", pending))
	}

	evmCfg := chain.EVMConfig{
		Distributor:    common.HexToAddress(cfg.Chain.Distributor),
		ChainID:        cfg.Chain.ChainIDBig(),
		GasLimit:       cfg.Chain.GasLimit,
		ReceiptTimeout: cfg.Chain.ReceiptTimeout.Duration,
		PollInterval:   cfg.Chain.PollInterval.Duration,
	}
	if common.IsHexAddress(cfg.Chain.Token) {
		evmCfg.Token = common.HexToAddress(cfg.Chain.Token)
	}
	contract, err := chain.NewEVMContract(evmClient, signer, journal, evmCfg, logger)
	if err != nil {
		return fmt.Errorf("bind contracts: %w", err)
	}

	decimals, err := tokenDecimals(cfg.Chain, contract)
	if err != nil {
		return fmt.Errorf("token decimals: %w", err)
	}
	pol, err := policy.New(policy.Config{
		NewReward:     cfg.Rewards.New,
		UpdateReward:  cfg.Rewards.Update,
		Accepted:      cfg.Rewards.Accepted,
		TokenDecimals: decimals,
	})
	if err != nil {
		return fmt.Errorf("reward policy: %w", err)
	}
	detector, err := dedup.NewDetector(cfg.Dedup.RadiusMeters, cfg.Dedup.Cooldown.Duration)
	if err != nil {
		return fmt.Errorf("duplicate detector: %w", err)
	}

	metrics := NewMetrics()
	distributor, err := chain.NewDistributor(contract, chain.Config{
		MaxAttempts:    cfg.Chain.MaxAttempts,
		InitialBackoff: cfg.Chain.InitialBackoff.Duration,
		MaxBackoff:     cfg.Chain.MaxBackoff.Duration,
		MaxElapsed:     cfg.Chain.MaxElapsed.Duration,
		RatePerSecond:  cfg.Chain.RatePerSecond,
		Burst:          cfg.Chain.Burst,
		FallbackMint:   cfg.Chain.FallbackMint,
	},
		chain.WithLogger(logger),
		chain.WithAttemptObserver(func(o chain.Outcome) { metrics.RecordChainAttempt(string(o)) }),
	)
	if err != nil {
		return fmt.Errorf("distributor: %w", err)
	}

	rewards := ledger.New(db)
	processor, err := NewProcessor(rewards, detector, pol, distributor,
		WithLogger(logger),
		WithMetrics(metrics),
		WithQuota(Quota{Hourly: cfg.Quota.Hourly, Daily: cfg.Quota.Daily}),
		WithMinConfidence(cfg.Rewards.MinConfidence),
		WithChainDeadline(cfg.Chain.Deadline.Duration),
		WithAlert(func(_ context.Context, a Alert) error {
			logger.Error("operator alert",
				slog.String("reason", a.Reason),
				slog.String("record", a.RecordID.String()),
				slog.String("message", a.Message))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("processor: %w", err)
	}
	if cfg.PauseOnStart {
		processor.Pause()
	}

	sweeper, err := recon.NewSweeper(recon.Config{
		Ledger:      rewards,
		Redriver:    processor,
		StaleAfter:  cfg.Reconcile.StaleAfter.Duration,
		MaxAttempts: cfg.Reconcile.MaxAttempts,
		BatchSize:   cfg.Reconcile.BatchSize,
		OutputDir:   cfg.Reconcile.ReportDir,
		Logger:      logger,
		Metrics:     metrics,
		Alert: func(_ context.Context, a recon.Anomaly) error {
			logger.Error("reconciliation anomaly",
				slog.String("type", a.Type),
				slog.String("record", a.RecordID.String()),
				slog.String("details", a.Details))
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("reconciliation: %w", err)
	}

	auth, err := NewAuthenticator(AuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		JWTSecret:   cfg.Admin.JWTSecret,
		JWTIssuer:   cfg.Admin.JWTIssuer,
	}, logger)
	if err != nil {
		return fmt.Errorf("admin auth: %w", err)
	}
	adminServer := NewAdminServer(processor, sweeper, auth, logger)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(adminServer, "rewardd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go recon.NewScheduler(recon.SchedulerConfig{
		Sweeper:  sweeper,
		Interval: cfg.Reconcile.Interval.Duration,
		Logger:   logger,
	}).Start(stopCtx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("rewardd listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		if err := processor.Close(shutdownCtx); err != nil {
			logger.Warn("in-flight submissions did not drain", slog.Any("error", err))
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func loadSigner(cfg ChainConfig, passphrase PassphraseFunc) (*chain.Signer, error) {
	if cfg.SignerKey != "" {
		return chain.ParseSignerKey(cfg.SignerKey)
	}
	if passphrase == nil {
		return nil, errors.New("keystore configured but no passphrase source available")
	}
	secret, err := passphrase(cfg.KeystorePassphraseEnv)
	if err != nil {
		return nil, err
	}
	return chain.LoadKeystoreSigner(cfg.Keystore, secret)
}

func tokenDecimals(cfg ChainConfig, contract *chain.EVMContract) (uint8, error) {
	if cfg.TokenDecimals != nil {
		return *cfg.TokenDecimals, nil
	}
	if !common.IsHexAddress(cfg.Token) {
		return policy.DefaultTokenDecimals, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return contract.Decimals(ctx)
}
