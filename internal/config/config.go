package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Store        StoreConfig
	Bootstrap    BootstrapConfig
	Notification NotificationConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
	// ProxyHeader names the header carrying the client address, e.g.
	// X-Forwarded-For. It is honored only for peers in TrustedProxies.
	ProxyHeader    string
	TrustedProxies []string
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	TokenTTLMinutes int
	BcryptCost      int
	// RolesFile points at a YAML role table. Empty means the built-in table.
	RolesFile string
	Policy    PasswordPolicyConfig
}

// PasswordPolicyConfig is the complexity rule for new passwords.
type PasswordPolicyConfig struct {
	MinLength     int
	RequireDigit  bool
	RequireUpper  bool
	RequireLower  bool
	RequireSymbol bool
}

// StoreConfig selects persistence backends.
type StoreConfig struct {
	AccountBackend string
	TokenBackend   string
}

// BootstrapConfig seeds a top-role administrator at startup when AdminID is
// set.
type BootstrapConfig struct {
	AdminID       string
	AdminEmail    string
	AdminPassword string
}

// NotificationConfig holds stub notification endpoints.
type NotificationConfig struct {
	EmailFrom  string
	WebhookURL string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "identity-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
			ProxyHeader:           os.Getenv("HTTP_PROXY_HEADER"),
			TrustedProxies:        getEnvAsList("HTTP_TRUSTED_PROXIES"),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			DB:        redisDB,
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "identity:"),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			TokenTTLMinutes: getEnvAsInt("AUTH_TOKEN_TTL_MINUTES", 120),
			BcryptCost:      getEnvAsInt("AUTH_BCRYPT_COST", 12),
			RolesFile:       os.Getenv("AUTH_ROLES_FILE"),
			Policy: PasswordPolicyConfig{
				MinLength:     getEnvAsInt("AUTH_PASSWORD_MIN_LENGTH", 8),
				RequireDigit:  getEnvAsBool("AUTH_PASSWORD_REQUIRE_DIGIT", true),
				RequireUpper:  getEnvAsBool("AUTH_PASSWORD_REQUIRE_UPPER", true),
				RequireLower:  getEnvAsBool("AUTH_PASSWORD_REQUIRE_LOWER", true),
				RequireSymbol: getEnvAsBool("AUTH_PASSWORD_REQUIRE_SYMBOL", false),
			},
		},
		Store: StoreConfig{
			AccountBackend: getEnv("ACCOUNT_STORE_BACKEND", BackendPostgres),
			TokenBackend:   getEnv("TOKEN_STORE_BACKEND", BackendRedis),
		},
		Bootstrap: BootstrapConfig{
			AdminID:       os.Getenv("BOOTSTRAP_ADMIN_ID"),
			AdminEmail:    os.Getenv("BOOTSTRAP_ADMIN_EMAIL"),
			AdminPassword: os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
		},
		Notification: NotificationConfig{
			EmailFrom:  getEnv("NOTIFY_EMAIL_FROM", "noreply@example.com"),
			WebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Store,
		validation.Field(&c.Store.AccountBackend, validation.Required, validation.In(BackendPostgres, BackendMemory)),
		validation.Field(&c.Store.TokenBackend, validation.Required, validation.In(BackendRedis, BackendMemory)),
	); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.Auth,
		validation.Field(&c.Auth.TokenTTLMinutes, validation.Required, validation.Min(1)),
	); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.Auth.Policy,
		validation.Field(&c.Auth.Policy.MinLength, validation.Min(1)),
	); err != nil {
		return err
	}
	if c.Store.AccountBackend == BackendPostgres {
		if err := validation.ValidateStruct(&c.Postgres,
			validation.Field(&c.Postgres.DSN, validation.Required),
		); err != nil {
			return err
		}
	}
	if c.Bootstrap.AdminID != "" {
		return validation.ValidateStruct(&c.Bootstrap,
			validation.Field(&c.Bootstrap.AdminEmail, validation.Required),
			validation.Field(&c.Bootstrap.AdminPassword, validation.Required),
		)
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// TokenTTL is the lifetime of an issued session token.
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLMinutes) * time.Minute
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
