package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/Pushparaj13811/flowforge-ai-sub003/internal/adapter/cache"
	oauthadapter "github.com/Pushparaj13811/flowforge-ai-sub003/internal/adapter/oauth"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/config"
	httptransport "github.com/Pushparaj13811/flowforge-ai-sub003/internal/http"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/http/handler"
	apimiddleware "github.com/Pushparaj13811/flowforge-ai-sub003/internal/middleware"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/provider"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/repository"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/server"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/service/connect"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/service/lifecycle"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/telemetry"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/vault"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newIntegrationRepository,
			newStateStore,
			newRefreshLocker,
			newProviderRegistry,
			newProviderClient,
			newVault,
			newConnectService,
			newLifecycleManager,
			newOAuthHandler,
			newRateLimiter,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newIntegrationRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.IntegrationRepository {
	return repository.NewPostgresIntegrationRepo(pool, node)
}

func newStateStore(client redis.UniversalClient) repository.StateStore {
	return cacheadapter.NewRedisStateStore(client)
}

func newRefreshLocker(client redis.UniversalClient) lifecycle.Locker {
	return cacheadapter.NewRedisLocker(client)
}

func newProviderRegistry(cfg config.Config, logger *zap.Logger) (*provider.Registry, error) {
	registry, err := provider.LoadFile(cfg.ProvidersFile)
	if err != nil {
		return nil, fmt.Errorf("load provider catalogue: %w", err)
	}
	logger.Info("provider catalogue loaded", zap.Strings("providers", registry.IDs()))
	return registry, nil
}

func newProviderClient(cfg config.Config) oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(&http.Client{Timeout: cfg.ProviderTimeout})
}

func newVault(cfg config.Config) (*vault.Vault, error) {
	key, err := vault.ParseKey(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("parse encryption key: %w", err)
	}
	return vault.New(key)
}

func newConnectService(
	registry *provider.Registry,
	states repository.StateStore,
	client oauthadapter.ProviderClient,
	integrations repository.IntegrationRepository,
	v *vault.Vault,
	cfg config.Config,
	logger *zap.Logger,
) *connect.Service {
	return connect.NewService(registry, states, client, integrations, v, cfg.BaseURL, cfg.StateTTL, logger)
}

func newLifecycleManager(
	integrations repository.IntegrationRepository,
	registry *provider.Registry,
	client oauthadapter.ProviderClient,
	v *vault.Vault,
	locker lifecycle.Locker,
	cfg config.Config,
	logger *zap.Logger,
) *lifecycle.Manager {
	return lifecycle.NewManager(integrations, registry, client, v, locker, cfg.RefreshThreshold, cfg.RefreshLockTTL, logger)
}

func newOAuthHandler(
	connectSvc *connect.Service,
	integrations repository.IntegrationRepository,
	cfg config.Config,
	logger *zap.Logger,
) *handler.OAuthHandler {
	return handler.NewOAuthHandler(connectSvc, integrations, cfg.SettingsURL, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
