package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	httptransport "github.com/spec-kit/identity-service/internal/api/http"
	"github.com/spec-kit/identity-service/internal/api/http/handlers"
	"github.com/spec-kit/identity-service/internal/auth"
	"github.com/spec-kit/identity-service/internal/config"
	"github.com/spec-kit/identity-service/internal/events"
	"github.com/spec-kit/identity-service/internal/observability"
	"github.com/spec-kit/identity-service/internal/persistence"
	"github.com/spec-kit/identity-service/internal/repository"
	"github.com/spec-kit/identity-service/internal/service"
	"github.com/spec-kit/identity-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger, cfg.App)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roles, err := loadRoles(cfg.Auth, logger)
	if err != nil {
		logger.Fatal("failed to load role table", zap.Error(err))
	}

	dependencies := map[string]handlers.Pinger{}

	var accounts repository.AccountStore
	switch cfg.Store.AccountBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory account store; data is lost on restart")
		accounts = repository.NewMemoryAccountStore()
	default:
		pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			logger.Fatal("failed to connect postgres", zap.Error(err))
		}
		defer pg.Close()

		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
		}
		accounts = repository.NewPostgresAccountStore(pg.PoolHandle())
		dependencies["postgres"] = pg
	}
	defer accounts.Close() //nolint:errcheck

	var tokens repository.TokenStore
	switch cfg.Store.TokenBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory token store; sessions are lost on restart")
		tokens = repository.NewMemoryTokenStore()
	default:
		redis := persistence.NewRedis(cfg.Redis, logger)
		defer redis.Close()
		tokens = repository.NewRedisTokenStore(redis.Client, cfg.Redis.KeyPrefix)
		dependencies["redis"] = redis
	}
	defer tokens.Close() //nolint:errcheck

	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher()
	worker.StartNotificationWorker(service.NewNotificationService(dispatcher, logger, cfg.Notification), logger)

	sessionService := service.NewSessionService(cfg.Auth, service.SessionDependencies{
		Accounts: accounts,
		Tokens:   tokens,
		Logger:   logger,
	})
	accountService := service.NewAccountService(service.AccountDependencies{
		Accounts:   accounts,
		Sessions:   sessionService,
		Authorizer: auth.NewAuthorizer(roles),
		Hasher:     auth.NewPasswordHasher(cfg.Auth.BcryptCost),
		Policy:     passwordPolicy(cfg.Auth.Policy),
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     logger,
	})

	if cfg.Bootstrap.AdminID != "" {
		created, err := accountService.EnsureAdmin(ctx, service.BootstrapAdmin{
			ID:       cfg.Bootstrap.AdminID,
			Email:    cfg.Bootstrap.AdminEmail,
			Password: cfg.Bootstrap.AdminPassword,
		})
		if err != nil {
			logger.Fatal("failed to bootstrap administrator", zap.Error(err))
		}
		if !created {
			logger.Info("bootstrap administrator already present", zap.String("account_id", cfg.Bootstrap.AdminID))
		}
	}

	app := httptransport.NewApp(cfg.App)
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, dependencies),
		Auth:           handlers.NewAuthHandler(accountService, sessionService),
		Accounts:       handlers.NewAccountsHandler(accountService),
		AuthMiddleware: auth.NewAuthMiddleware(sessionService),
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	if err := app.ShutdownWithTimeout(cfg.App.RequestTimeout()); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

func loadRoles(cfg config.AuthConfig, logger *zap.Logger) (*auth.RoleHierarchy, error) {
	table := auth.DefaultRoleTable()
	if cfg.RolesFile != "" {
		loaded, err := auth.LoadRoleTable(cfg.RolesFile)
		if err != nil {
			return nil, err
		}
		table = loaded
		logger.Info("role table loaded", zap.String("file", cfg.RolesFile))
	}
	return auth.NewRoleHierarchy(table)
}

func passwordPolicy(cfg config.PasswordPolicyConfig) auth.PasswordPolicy {
	return auth.PasswordPolicy{
		MinLength:     cfg.MinLength,
		RequireDigit:  cfg.RequireDigit,
		RequireUpper:  cfg.RequireUpper,
		RequireLower:  cfg.RequireLower,
		RequireSymbol: cfg.RequireSymbol,
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
