// Package commands holds the promptlab CLI subcommands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/keyur7523/promptLab/pkg/apiserver"
	"github.com/keyur7523/promptLab/pkg/config"
	"github.com/keyur7523/promptLab/pkg/experiments"
	"github.com/keyur7523/promptLab/pkg/feedback"
	"github.com/keyur7523/promptLab/pkg/modelprovider"
	"github.com/keyur7523/promptLab/pkg/observability/logging"
	"github.com/keyur7523/promptLab/pkg/orchestrator"
	"github.com/keyur7523/promptLab/pkg/persistence"
	"github.com/keyur7523/promptLab/pkg/ratelimit"
	"github.com/keyur7523/promptLab/pkg/tokenest"
)

// NewServeCmd returns the serve command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the PromptLab API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return runServe(configPath)
		},
	}
}

func runServe(configPath string) error {
	// Local development convenience; absent .env files are fine.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load config: %w", err)
		}
		logging.Warnf("Config file %s not found, using defaults", configPath)
		cfg = config.Default()
		config.Replace(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// The limiter fails open and the registry serves control; chat
		// stays up with degraded guarantees.
		logging.Warnf("Redis at %s unreachable at startup: %v", cfg.Redis.Addr, err)
	}

	store, err := newStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	writer := persistence.NewWriter(store, cfg.Persistence.QueueSize)
	defer writer.Close()

	registry := experiments.NewRegistry(
		experiments.NewRedisStore(redisClient, cfg.Experiments.InvalidationChannel),
		experiments.Options{
			ControlVariant:  cfg.Experiments.ControlVariant,
			ControlPrompt:   cfg.Experiments.ControlPrompt,
			ActiveKey:       cfg.Experiments.ActiveKey,
			RefreshInterval: cfg.Experiments.RefreshInterval(),
		})
	if err := registry.Start(ctx); err != nil {
		logging.Warnf("Experiment registry start failed, serving control only until the store recovers: %v", err)
	}

	limiter := ratelimit.NewResolver(
		ratelimit.NewRedisProvider(redisClient, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration()),
		ratelimit.NewLocalProvider(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration()),
		cfg.RateLimit.FailOpen,
	)
	streams := ratelimit.NewStreamLimiter(redisClient, cfg.RateLimit.MaxConcurrentStreams)

	var local tokenest.Estimator
	if cfg.Estimator.UseTiktoken {
		local = tokenest.NewTiktoken()
	} else {
		local = tokenest.NewHeuristic()
	}
	var remote *tokenest.Remote
	if cfg.Estimator.RemoteURL != "" {
		remote = tokenest.NewRemote(cfg.Estimator.RemoteURL, cfg.Estimator.Timeout())
	}
	estimator := tokenest.NewChain(remote, local)

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}
	logging.Infof("Model provider %q serving model %s", provider.Name(), cfg.Provider.Model)

	agg := feedback.NewAggregator(feedback.NewRedisBackend(redisClient), writer, feedback.Options{
		ControlVariant:    cfg.Experiments.ControlVariant,
		DegradedThreshold: cfg.Feedback.DegradedThreshold,
		MinSamples:        cfg.Feedback.MinSamples,
	})

	orch := orchestrator.New(limiter, streams, registry, provider, estimator, store, writer, agg,
		orchestrator.Options{
			Model:         cfg.Provider.Model,
			Temperature:   cfg.Provider.Temperature,
			StreamTimeout: cfg.Stream.Timeout(),
			IdleTimeout:   cfg.Stream.IdleTimeout(),
			HistoryLimit:  cfg.Stream.HistoryLimit,
		})

	srv := apiserver.New(orch, registry, agg, remote, cfg)
	err = srv.Run(ctx)
	logging.Infof("API server stopped, flushing pending writes")
	_ = logging.Sync()
	return err
}

// newStore picks the durable store: Postgres when DATABASE_URL is set,
// in-memory otherwise (single replica, development only).
func newStore(ctx context.Context) (persistence.Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logging.Warnf("DATABASE_URL not set, using in-memory exchange store")
		return persistence.NewMemoryStore(), nil
	}
	store, err := persistence.NewPostgresStore(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return store, nil
}

func newProvider(cfg *config.Config) (modelprovider.Provider, error) {
	switch cfg.Provider.Name {
	case "openai":
		return modelprovider.NewOpenAIProvider(modelprovider.OpenAIOptions{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: cfg.Provider.BaseURL,
		}), nil
	case "mock":
		return modelprovider.NewScriptedProvider(
			"This ", "is ", "a ", "scripted ", "development ", "response.",
		), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}
