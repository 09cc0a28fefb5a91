package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"store-gateway/internal/customer"
	"store-gateway/internal/db"
	"store-gateway/internal/fieldcrypt"
	"store-gateway/internal/gateway"
	"store-gateway/internal/maintenance"
	"store-gateway/internal/observability"
	"store-gateway/internal/ratelimit"
	"store-gateway/internal/session"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	var redisClient *redis.Client
	var rateStore ratelimit.Store
	if redisURL := strings.TrimSpace(os.Getenv("REDIS_URL")); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		rateStore = ratelimit.NewRedisStore(redisClient)
	} else {
		logger.Info("rate_limit_store_memory", map[string]any{
			"detail": "REDIS_URL not set, counters are per-instance",
		})
		rateStore = ratelimit.NewMemoryStore()
	}

	limiter := ratelimit.NewController(rateStore, logger)
	limiter.WithLimits(
		envIntOrDefault("RATE_LIMIT_PER_MINUTE", 100),
		envIntOrDefault("RATE_LIMIT_PER_HOUR", 2000),
		envMinutesOrDefault("RATE_LIMIT_BLOCK_MINUTES", 60),
	)

	cipher := fieldcrypt.New(
		os.Getenv("FIELD_ENCRYPTION_KEY"),
		os.Getenv("LEGACY_ENCRYPTION_SECRET"),
		logger,
	)

	tokens := session.NewTokenManager(jwtSecret)
	tokens.WithTTLs(
		envHoursOrDefault("ACCESS_TOKEN_TTL_HOURS", 24),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
	)

	sessionRepo := session.NewRepository(database)
	sessionService := session.NewService(sessionRepo, tokens, logger)
	sessionService.WithSecurityConfig(
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
		envIntOrDefault("PASSWORD_HISTORY_SIZE", 5),
	)
	secureCookies := envOrDefault("APP_ENV", "development") == "production"
	sessionHandler := session.NewHandler(sessionService, secureCookies)

	if err := sessionService.BootstrapAdmin(context.Background(), os.Getenv("ADMIN_EMAIL"), os.Getenv("ADMIN_PASSWORD")); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	customerRepo := customer.NewRepository(database, cipher)
	customerHandler := customer.NewHandler(customerRepo)

	cleanupHandler := maintenance.NewCleanupHandler(
		sessionRepo,
		rateStore,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("AUTH_REFRESH_TOKEN_RETENTION_DAYS", 14),
		envDaysOrDefault("AUTH_LOGIN_ATTEMPT_RETENTION_DAYS", 30),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	edge := gateway.New(limiter, tokens, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", sessionHandler.Login)
	mux.HandleFunc("POST /auth/refresh", sessionHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", sessionHandler.Logout)
	mux.HandleFunc("POST /auth/password", sessionHandler.ChangePassword)
	mux.HandleFunc("GET /customers", customerHandler.List)
	mux.HandleFunc("POST /customers", customerHandler.Create)
	mux.HandleFunc("GET /customers/{id}", customerHandler.Get)
	mux.HandleFunc("PUT /customers/{id}", customerHandler.Update)
	mux.HandleFunc("DELETE /customers/{id}", customerHandler.Delete)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger,
			edge.Middleware(mux)))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			if redisClient != nil {
				_ = redisClient.Close()
			}
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
