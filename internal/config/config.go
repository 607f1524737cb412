package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/mpesa-checkout/internal/apperrors"
	"github.com/mpesa-checkout/internal/mpesa"
)

// Store backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

const (
	DefaultBaseURL      = "https://sandbox.safaricom.co.ke"
	CallbackPath        = "/api/mpesa/callback"
	defaultAccountRef   = "Checkout Purchase"
	defaultTxDesc       = "Payment for items"
	defaultCORSOrigin   = "http://localhost:8080"
	defaultServerPort   = "8081"
	defaultMaxBodyBytes = 1 << 20 // 1MB
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort     string
	RequestTimeout time.Duration
	CORSOrigins    []string

	// Storage
	Store       string
	DatabaseURL string
	DBMaxConns  int
	DBMinConns  int

	// Redis / queued callbacks
	RedisURL          string
	WorkerConcurrency int
	EmbeddedWorker    bool

	// Safaricom API credentials
	SafaricomBaseURL        string
	SafaricomConsumerKey    string
	SafaricomConsumerSecret string
	SafaricomPasskey        string
	SafaricomShortCode      string
	SafaricomCallbackURL    string
	AccountReference        string
	TransactionDesc         string
	TokenTimeout            time.Duration
	GatewayTimeout          time.Duration

	// Status resolution
	StatusQueryEnabled bool

	// Security settings
	InternalSecret string
	SafaricomIPs   []string
	TrustProxy     bool
	MaxRequestSize int64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment, after loading .env if present
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := &Config{
		ServerPort:     getEnv("MPESA_SERVER_PORT", getEnv("PORT", defaultServerPort)),
		RequestTimeout: getEnvDuration("MPESA_REQUEST_TIMEOUT", 2*time.Minute),
		CORSOrigins:    getEnvList("MPESA_CORS_ORIGINS", []string{defaultCORSOrigin}),

		Store:       strings.ToLower(getEnv("MPESA_STORE", StorePostgres)),
		DatabaseURL: getEnv("MPESA_DATABASE_URL", ""),
		DBMaxConns:  getEnvInt("MPESA_DB_MAX_CONNS", 25),
		DBMinConns:  getEnvInt("MPESA_DB_MIN_CONNS", 2),

		RedisURL:          getEnv("MPESA_REDIS_URL", ""),
		WorkerConcurrency: getEnvInt("MPESA_WORKER_CONCURRENCY", 10),
		EmbeddedWorker:    getEnvBool("MPESA_EMBEDDED_WORKER", true),

		SafaricomBaseURL:        strings.TrimRight(getEnv("MPESA_BASE_URL", DefaultBaseURL), "/"),
		SafaricomConsumerKey:    getEnv("MPESA_CONSUMER_KEY", ""),
		SafaricomConsumerSecret: getEnv("MPESA_CONSUMER_SECRET", ""),
		SafaricomPasskey:        getEnv("MPESA_PASSKEY", ""),
		SafaricomShortCode:      getEnv("MPESA_BUSINESS_SHORTCODE", ""),
		SafaricomCallbackURL:    getEnv("MPESA_CALLBACK_URL", ""),
		AccountReference:        getEnv("MPESA_ACCOUNT_REFERENCE", defaultAccountRef),
		TransactionDesc:         getEnv("MPESA_TRANSACTION_DESC", defaultTxDesc),
		TokenTimeout:            getEnvDuration("MPESA_TOKEN_TIMEOUT", 90*time.Second),
		GatewayTimeout:          getEnvDuration("MPESA_GATEWAY_TIMEOUT", 30*time.Second),

		StatusQueryEnabled: getEnvBool("MPESA_STATUS_QUERY", false),

		InternalSecret: getEnv("MPESA_INTERNAL_SECRET", ""),
		SafaricomIPs:   getEnvList("MPESA_SAFARICOM_IPS", nil),
		TrustProxy:     getEnvBool("MPESA_TRUST_PROXY", false),
		MaxRequestSize: getEnvInt64("MPESA_MAX_REQUEST_SIZE", defaultMaxBodyBytes),

		LogLevel:  getEnv("MPESA_LOG_LEVEL", "info"),
		LogFormat: getEnv("MPESA_LOG_FORMAT", "json"),
	}

	if cfg.SafaricomCallbackURL == "" {
		if base := getEnv("MPESA_PUBLIC_BASE_URL", ""); base != "" {
			cfg.SafaricomCallbackURL = strings.TrimRight(base, "/") + CallbackPath
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures all required configuration is present. Every missing
// variable is reported at once.
func (c *Config) Validate() error {
	var missing []string

	required := []struct {
		name  string
		value string
	}{
		{"MPESA_CONSUMER_KEY", c.SafaricomConsumerKey},
		{"MPESA_CONSUMER_SECRET", c.SafaricomConsumerSecret},
		{"MPESA_BUSINESS_SHORTCODE", c.SafaricomShortCode},
		{"MPESA_PASSKEY", c.SafaricomPasskey},
		{"MPESA_CALLBACK_URL (or MPESA_PUBLIC_BASE_URL)", c.SafaricomCallbackURL},
	}
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}

	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "MPESA_DATABASE_URL")
		}
	case StoreMemory:
	default:
		return apperrors.Config("Invalid configuration",
			apperrors.WithDetails("MPESA_STORE must be one of postgres, memory"))
	}

	if len(missing) > 0 {
		return apperrors.Config("Missing required environment variables",
			apperrors.WithDetails(strings.Join(missing, ", ")))
	}

	return nil
}

// ValidateWorker checks the extra requirements of the standalone worker
func (c *Config) ValidateWorker() error {
	if c.RedisURL == "" {
		return apperrors.Config("Missing required environment variables", apperrors.WithDetails("MPESA_REDIS_URL"))
	}
	if c.Store != StorePostgres {
		return apperrors.Config("Invalid configuration",
			apperrors.WithDetails("the standalone worker needs MPESA_STORE=postgres to share state with the API"))
	}
	return nil
}

// QueuedCallbacks reports whether callbacks go through Redis
func (c *Config) QueuedCallbacks() bool {
	return c.RedisURL != ""
}

// AuthURL is the OAuth token endpoint for the configured environment
func (c *Config) AuthURL() string {
	return mpesa.AuthURL(c.SafaricomBaseURL)
}

// ClientConfig builds the gateway client settings
func (c *Config) ClientConfig() mpesa.ClientConfig {
	return mpesa.ClientConfig{
		BaseURL:          c.SafaricomBaseURL,
		ShortCode:        c.SafaricomShortCode,
		Passkey:          c.SafaricomPasskey,
		CallbackURL:      c.SafaricomCallbackURL,
		AccountReference: c.AccountReference,
		TransactionDesc:  c.TransactionDesc,
		Timeout:          c.GatewayTimeout,
	}
}

// LogSafeConfig logs configuration without secrets
func (c *Config) LogSafeConfig() {
	log.Info().
		Str("server_port", c.ServerPort).
		Str("store", c.Store).
		Str("database_url", maskConnectionString(c.DatabaseURL)).
		Str("redis_url", maskConnectionString(c.RedisURL)).
		Int("db_min_conns", c.DBMinConns).
		Int("db_max_conns", c.DBMaxConns).
		Bool("queued_callbacks", c.QueuedCallbacks()).
		Int("worker_concurrency", c.WorkerConcurrency).
		Str("safaricom_base_url", c.SafaricomBaseURL).
		Str("safaricom_short_code", c.SafaricomShortCode).
		Str("callback_url", c.SafaricomCallbackURL).
		Strs("safaricom_ips", c.SafaricomIPs).
		Bool("trust_proxy", c.TrustProxy).
		Strs("cors_origins", c.CORSOrigins).
		Bool("status_query", c.StatusQueryEnabled).
		Int64("max_request_size", c.MaxRequestSize).
		Msg("Configuration loaded")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := getEnv(key, ""); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := getEnv(key, ""); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

func maskConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	if i := strings.LastIndex(connStr, "@"); i >= 0 {
		return "***@" + connStr[i+1:]
	}
	return "***"
}
