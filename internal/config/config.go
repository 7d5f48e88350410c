package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	LogLevel    string
	// AuthPassword gates the dashboard API when set.
	AuthPassword string
	// PublicBaseURL is the externally reachable origin used for provider callbacks.
	PublicBaseURL string

	CallProvider      string
	VapiAPIKey        string
	VapiBaseURL       string
	VapiPhoneNumberID string
	WebhookSecret     string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	CerebrasKey     string
	CerebrasModelID string

	AssistantConfigPath string

	HistoryBackend         string
	SQLitePath             string
	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string
	SupabaseTable          string
	RedisURL               string

	PollInitialDelay    time.Duration
	PollInterval        time.Duration
	PollMaxInterval     time.Duration
	PollMaxErrors       int
	PollFinalCheckDelay time.Duration
}

// Load reads environment variables (and .env when present) and returns Config with sane defaults.
// Missing credentials are reported through logger.
func Load(logger *logrus.Logger) Config {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded")
	}

	cfg := Config{
		HTTPAddress:   getEnv("HTTP_ADDRESS", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		AuthPassword:  os.Getenv("AUTH_PASSWORD"),
		PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),

		CallProvider:      getEnv("CALL_PROVIDER", "vapi"),
		VapiAPIKey:        os.Getenv("VAPI_API_KEY"),
		VapiBaseURL:       getEnv("VAPI_BASE_URL", "https://api.vapi.ai"),
		VapiPhoneNumberID: os.Getenv("VAPI_PHONE_NUMBER_ID"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),

		CerebrasKey:     os.Getenv("CEREBRAS_API_KEY"),
		CerebrasModelID: getEnv("CEREBRAS_MODEL_ID", "gpt-oss-120b"),

		AssistantConfigPath: os.Getenv("ASSISTANT_CONFIG_PATH"),

		HistoryBackend:         getEnv("HISTORY_BACKEND", "sqlite"),
		SQLitePath:             getEnv("SQLITE_PATH", "call-history.db"),
		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         getEnv("SUPABASE_BUCKET", "call-transcripts"),
		SupabaseTable:          getEnv("SUPABASE_TABLE", "calls"),
		RedisURL:               getEnv("REDIS_URL", "redis://localhost:6379"),

		PollInitialDelay:    getEnvMillis(logger, "POLL_INITIAL_DELAY_MS", 2000),
		PollInterval:        getEnvMillis(logger, "POLL_INTERVAL_MS", 2000),
		PollMaxInterval:     getEnvMillis(logger, "POLL_MAX_INTERVAL_MS", 30000),
		PollMaxErrors:       getEnvInt(logger, "POLL_MAX_ERRORS", 5),
		PollFinalCheckDelay: getEnvMillis(logger, "POLL_FINAL_CHECK_DELAY_MS", 10000),
	}

	switch cfg.CallProvider {
	case "twilio":
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
			logger.Warn("TWILIO_ACCOUNT_SID / TWILIO_AUTH_TOKEN not set - calls will fail")
		}
		if cfg.TwilioFromNumber == "" {
			logger.Warn("TWILIO_FROM_NUMBER not set - calls will fail")
		}
	default:
		if cfg.VapiAPIKey == "" {
			logger.Warn("VAPI_API_KEY not set - calls will fail")
		}
		if cfg.VapiPhoneNumberID == "" {
			logger.Warn("VAPI_PHONE_NUMBER_ID not set - provider has no caller line")
		}
	}
	if cfg.CerebrasKey == "" {
		logger.Warn("CEREBRAS_API_KEY not set - turns fall back to keypad detection only, calls are not summarized")
	}

	logger.WithFields(logrus.Fields{
		"http_address": cfg.HTTPAddress,
		"provider":     cfg.CallProvider,
		"history":      cfg.HistoryBackend,
	}).Info("config loaded")
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(logger *logrus.Logger, key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		logger.WithField("key", key).Warn("ignoring non-integer value")
	}
	return defaultValue
}

func getEnvMillis(logger *logrus.Logger, key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(logger, key, defaultMs)) * time.Millisecond
}
