package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"school-portal/internal/auth"
	"school-portal/internal/config"
	"school-portal/internal/db"
	"school-portal/internal/maintenance"
	"school-portal/internal/observability"
	"school-portal/internal/state"
	"school-portal/internal/throttle"
	"school-portal/internal/token"
)

const (
	tokenIssuer    = "school-portal"
	redisKeyPrefix = "school-portal:"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Port    string
	Logger  *observability.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(config.Options{LoadDotEnv: options.LoadDotEnv})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(cfg.Environment, config.IsProductionLike(cfg.Environment))

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	var closers []func() error
	closeAll := func() error {
		observability.FlushSentry()
		logger.Sync()
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	var database *sql.DB
	if cfg.NeedsDatabase() {
		database, err = openDatabase(cfg, options.RunMigrations || cfg.RunMigrations)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, database.Close)
	}

	backend, closeBackend, err := stateBackend(cfg, database)
	if err != nil {
		return fail(err)
	}
	if closeBackend != nil {
		closers = append(closers, closeBackend)
	}
	store := state.NewStore(backend)

	ipThrottle := throttle.New(auth.IPAttemptsBucket, throttle.Limit{
		Window: cfg.LoginRateLimitWindow,
		Max:    cfg.LoginRateLimitMax,
	}, store, logger)
	accountThrottle := throttle.New(auth.AccountAttemptsBucket, throttle.Limit{
		Window: cfg.LockoutDuration,
		Max:    cfg.MaxFailedAttempts,
	}, store, logger)

	tokens, err := token.NewService(token.Options{
		AccessSecret:  cfg.JWTSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		ClockSkew:     cfg.TokenClockSkew,
		Issuer:        tokenIssuer,
	})
	if err != nil {
		return fail(fmt.Errorf("init token service: %w", err))
	}
	if cfg.JWTSecret == config.DevelopmentSecret {
		logger.Warn("jwt_secret_development_fallback", map[string]any{"environment": cfg.Environment})
	}

	users, err := userStore(context.Background(), cfg, database, logger)
	if err != nil {
		return fail(err)
	}

	authService := auth.NewService(users, tokens, ipThrottle, accountThrottle, logger)
	authHandler := auth.NewHandler(authService)
	cleanupHandler := maintenance.NewCleanupHandler(authService, logger, cfg.CronSecret)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", authHandler.Login)
	mux.HandleFunc("POST /refresh", authHandler.Refresh)
	mux.Handle("GET /me", auth.Middleware(authService, http.HandlerFunc(authHandler.Me)))
	mux.HandleFunc("POST /internal/maintenance/prune", cleanupHandler.Prune)
	mux.HandleFunc("POST /internal/maintenance/reset-login-throttling", cleanupHandler.ResetLoginThrottling)
	mux.HandleFunc("GET /health", healthHandler(store, database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	logger.Info("app_ready", map[string]any{
		"state_backend": cfg.StateBackend,
		"user_store":    cfg.UserStore,
	})

	return &Runtime{
		Handler: handler,
		Port:    cfg.Port,
		Logger:  logger,
		Close:   closeAll,
	}, nil
}

func openDatabase(cfg config.Config, runMigrations bool) (*sql.DB, error) {
	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if runMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return database, nil
}

func stateBackend(cfg config.Config, database *sql.DB) (state.Backend, func() error, error) {
	switch cfg.StateBackend {
	case "postgres":
		return state.NewPostgresBackend(database), nil, nil
	case "redis":
		client, err := state.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pingRedis(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return state.NewRedisBackend(client, redisKeyPrefix), client.Close, nil
	default:
		return state.NewMemoryBackend(), nil, nil
	}
}

func pingRedis(client *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func userStore(ctx context.Context, cfg config.Config, database *sql.DB, logger *observability.Logger) (auth.UserStore, error) {
	bootstrapAdmin := cfg.AdminEmail != "" && cfg.AdminPassword != ""

	if cfg.UserStore == "postgres" {
		repo := auth.NewRepository(database)
		if bootstrapAdmin {
			if err := repo.UpsertUser(ctx, cfg.AdminEmail, cfg.AdminName, auth.RoleSuperAdmin, cfg.AdminPassword); err != nil {
				return nil, fmt.Errorf("bootstrap admin: %w", err)
			}
			logger.Info("admin_bootstrapped", map[string]any{"email": cfg.AdminEmail})
		}
		return repo, nil
	}

	users := auth.NewMemoryUserStore(bcrypt.DefaultCost)
	if cfg.DemoPassword != "" {
		if config.IsProductionLike(cfg.Environment) {
			logger.Warn("demo_accounts_skipped", map[string]any{"environment": cfg.Environment})
		} else {
			if err := auth.SeedDemoAccounts(users, cfg.DemoPassword); err != nil {
				return nil, fmt.Errorf("seed demo accounts: %w", err)
			}
			logger.Info("demo_accounts_seeded", map[string]any{"count": len(auth.DemoAccounts)})
		}
	}
	if bootstrapAdmin {
		if _, err := users.Upsert(cfg.AdminEmail, cfg.AdminName, auth.RoleSuperAdmin, cfg.AdminPassword); err != nil {
			return nil, fmt.Errorf("bootstrap admin: %w", err)
		}
		logger.Info("admin_bootstrapped", map[string]any{"email": cfg.AdminEmail})
	}
	return users, nil
}

func healthHandler(store *state.Store, database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}

		err := store.Ping(ctx)
		if err == nil && database != nil {
			err = database.PingContext(ctx)
		}
		if err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
