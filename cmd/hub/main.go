package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xaenox/assistant-hub/internal/assistants"
	"github.com/xaenox/assistant-hub/internal/bot"
	"github.com/xaenox/assistant-hub/internal/gateway"
	"github.com/xaenox/assistant-hub/internal/lock"
	"github.com/xaenox/assistant-hub/internal/orchestrator"
	"github.com/xaenox/assistant-hub/internal/registry"
	"github.com/xaenox/assistant-hub/internal/repository"
	"github.com/xaenox/assistant-hub/internal/storage"
	"github.com/xaenox/assistant-hub/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// Initialize logger
	var logger *zap.Logger
	if cfg.Log.Development {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err), zap.String("driver", cfg.Storage.Driver))
	}
	defer store.Close()

	var redisClient redis.UniversalClient
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer client.Close()
		redisClient = client
	}

	repo := repository.New(store, logger)
	gw := gateway.NewOpenAIGateway(gateway.OpenAIConfig{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
	}, logger)

	var cache registry.Cache
	switch cfg.Registry.Cache {
	case "redis":
		cache = registry.NewRedisCache(redisClient, "", cfg.Registry.CacheTTL)
	default:
		cache = registry.NewLRUCache(cfg.Registry.CacheSize, cfg.Registry.CacheTTL)
	}
	threads := registry.New(repo, gw, cache, registry.Config{
		VerifyUsers:   cfg.Orchestrator.VerifyUsers,
		CreateTimeout: cfg.Registry.CreateTimeout,
	}, logger)

	policy, err := lock.ParsePolicy(cfg.Orchestrator.BusyPolicy)
	if err != nil {
		logger.Fatal("Invalid busy policy", zap.Error(err))
	}
	var locker lock.Locker
	switch cfg.Lock.Backend {
	case "redis":
		locker = lock.NewRedisLocker(redisClient, policy, lock.RedisConfig{Expiry: cfg.Lock.Expiry}, logger)
	default:
		locker = lock.NewLocalLocker(policy)
	}

	orch := orchestrator.New(repo, threads, gw, locker, orchestrator.Config{
		PollInterval: cfg.Orchestrator.PollInterval,
		RunTimeout:   cfg.Orchestrator.RunTimeout,
		PollRetries:  cfg.Orchestrator.PollRetries,
	}, logger)
	admin := assistants.NewService(repo, gw, logger)

	b, err := bot.New(cfg.Telegram.Token, orch, orch, admin, bot.Config{
		Admins:             cfg.Telegram.Admins,
		DefaultAssistantID: cfg.Telegram.DefaultAssistantID,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	logger.Info("Assistant hub started",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("cache", cfg.Registry.Cache),
		zap.String("lock", cfg.Lock.Backend),
		zap.String("busy_policy", string(policy)))

	if err := b.Start(ctx); err != nil {
		logger.Fatal("Bot error", zap.Error(err))
	}
	logger.Info("Assistant hub stopped")
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		logger.Info("Using PostgreSQL storage")
		return storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
	case "sqlite":
		logger.Info("Using SQLite storage", zap.String("path", cfg.SQLite.Path))
		return storage.NewSQLiteStorage(cfg.SQLite.Path, logger)
	case "dynamodb":
		logger.Info("Using DynamoDB storage", zap.String("region", cfg.DynamoDB.Region))
		return storage.NewDynamoStorage(ctx, storage.DynamoConfig{
			Region:          cfg.DynamoDB.Region,
			Endpoint:        cfg.DynamoDB.Endpoint,
			TablePrefix:     cfg.DynamoDB.TablePrefix,
			AccessKeyID:     cfg.DynamoDB.AccessKeyID,
			SecretAccessKey: cfg.DynamoDB.SecretAccessKey,
		}, logger)
	default:
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	}
}
