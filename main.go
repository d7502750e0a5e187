package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	cfg        *Config
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "negotiator",
	Short: "Negotiate and keep alive authenticated sessions behind bot defenses",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = LoadConfig(configPath)
		if err != nil {
			return err
		}
		logger = InitializeLogger(cfg.Logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./negotiator.yaml)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(identitiesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// buildChain assembles the automated strategies in configured priority
// order, skipping any without an API key, then the manual fallback.
func buildChain(cfg *Config, logger *zap.Logger) (*ResolverChain, *ManualStrategy) {
	chain := NewResolverChain(logger, cfg.Challenge.AdaptiveOrder)
	for _, name := range cfg.Challenge.Priority {
		var s Strategy
		switch name {
		case "capsolver":
			if key := GetCapSolverAPIKey(); key != "" {
				s = NewCapSolverStrategy(key)
			}
		case "2captcha":
			if key := GetCaptchaAPIKey(); key != "" {
				s = NewTwoCaptchaStrategy(key)
			}
		case "hyper":
			if key := GetHyperAPIKey(); key != "" {
				s = NewHyperStrategy(key, cfg.Challenge.HyperLimit, logger)
			}
		default:
			logger.Warn("Unknown challenge strategy", zap.String("strategy", name))
			continue
		}
		if s == nil {
			logger.Warn("Challenge strategy has no API key, skipping", zap.String("strategy", name))
			continue
		}
		chain.Add(s, cfg.Challenge.AttemptsPerStep, cfg.Challenge.AttemptDelay)
	}

	var manual *ManualStrategy
	if cfg.Challenge.ManualFallback {
		manual = NewManualStrategy(logger)
		chain.SetManual(manual, cfg.Challenge.ManualTimeout)
	}
	logger.Info("Challenge chain ready", zap.Strings("strategies", chain.Strategies()))
	return chain, manual
}

func buildStore(ctx context.Context, cfg *Config, logger *zap.Logger) (RecordStore, func(), error) {
	if cfg.Database.URL == "" {
		return NopStore{}, func() {}, nil
	}
	store, err := OpenPostgres(ctx, cfg.Database.URL, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}

// buildEngine wires an Engine from configuration. The returned cleanup
// shuts the engine down and closes the store.
func buildEngine(ctx context.Context, cfg *Config, logger *zap.Logger) (*Engine, func(), error) {
	pool := NewIdentityPool(logger, cfg.Identity)
	if err := LoadIdentities(pool, cfg.Identity); err != nil {
		return nil, nil, err
	}

	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	var launcher BrowserLauncher = StaticLauncher{}
	if cfg.Browser.Enabled {
		launcher = ChromeLauncher{Headless: cfg.Browser.Headless, ExecPath: cfg.Browser.ExecPath, Logger: logger}
	}

	chain, manual := buildChain(cfg, logger)
	engine := NewEngine(cfg, EngineDeps{
		Pool:       pool,
		Chain:      chain,
		Manual:     manual,
		Supervisor: NewSupervisor(cfg.Supervisor, launcher, store, logger),
		Store:      store,
		Logger:     logger,
	})

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Engine shutdown incomplete", zap.Error(err))
		}
		closeStore()
		_ = logger.Sync()
	}
	return engine, cleanup, nil
}
