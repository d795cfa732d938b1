package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds application configuration.
type Config struct {
	Port            string
	Env             string
	CORSAllowOrigin []string
	DatabaseURL     string

	StepStore  string
	SQLitePath string

	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	SQSQueueURL     string

	OpenAIAPIKey       string
	TranscribeProvider string
	TranscribeModel    string
	TranscribeLanguage string
	LLMProvider        string
	LLMModel           string
	// OpenAITimeout overrides the per-request timeout of both OpenAI clients.
	OpenAITimeout time.Duration
	// LLMNoTemperatureModels only accept the default sampling temperature.
	LLMNoTemperatureModels []string

	MailProvider      string
	MailFrom          string
	ResendAPIKey      string
	GmailClientID     string
	GmailClientSecret string
	GmailRefreshToken string
	DefaultLabName    string

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryClassify    bool
	BulkBatchSize    int
	BulkPause        time.Duration
	StaleStepAfter   time.Duration

	RateLimitDefault       int
	RateLimitPolling       int
	RateLimitRun           int
	RateLimitWindow        time.Duration
	RateLimitSweepInterval time.Duration
}

// fileConfig is the optional TOML overlay for pipeline tunables.
type fileConfig struct {
	Pipeline struct {
		RetryMaxAttempts *int    `toml:"retry_max_attempts"`
		RetryBaseDelayMs *int    `toml:"retry_base_delay_ms"`
		RetryClassify    *bool   `toml:"retry_classify"`
		BulkBatchSize    *int    `toml:"bulk_batch_size"`
		BulkPauseMs      *int    `toml:"bulk_pause_ms"`
		StaleStepAfter   *string `toml:"stale_step_after"`
		DefaultLabName   *string `toml:"default_lab_name"`
	} `toml:"pipeline"`
	RateLimit struct {
		Default *int    `toml:"default"`
		Polling *int    `toml:"polling"`
		Run     *int    `toml:"run"`
		Window  *string `toml:"window"`
		Sweep   *string `toml:"sweep_interval"`
	} `toml:"rate_limit"`
	Providers struct {
		Transcribe *string `toml:"transcribe"`
		LLM        *string `toml:"llm"`
		LLMModel   *string `toml:"llm_model"`
		Mail       *string `toml:"mail"`
		MailFrom   *string `toml:"mail_from"`
	} `toml:"providers"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port:                   "8080",
		Env:                    "dev",
		CORSAllowOrigin:        []string{"http://localhost:5173"},
		StepStore:              "memory",
		SQLitePath:             "./data/workflow.db",
		ObjectStoreType:        "local",
		LocalStoreDir:          "./data",
		TranscribeProvider:     "passthrough",
		TranscribeModel:        "whisper-1",
		LLMProvider:            "heuristic",
		MailProvider:           "log",
		MailFrom:               "Lab Assistant <no-reply@localhost>",
		DefaultLabName:         "Your lab",
		RetryMaxAttempts:       3,
		RetryBaseDelay:         time.Second,
		BulkBatchSize:          10,
		BulkPause:              200 * time.Millisecond,
		StaleStepAfter:         15 * time.Minute,
		RateLimitDefault:       60,
		RateLimitPolling:       300,
		RateLimitRun:           10,
		RateLimitWindow:        time.Minute,
		RateLimitSweepInterval: time.Minute,
	}
}

// Load reads configuration from defaults, the optional CONFIG_FILE overlay and
// environment variables, in that order of precedence (env wins).
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			log.Printf("config: ignoring %s: %v", path, err)
		}
	}
	applyEnv(&cfg)

	if cfg.Env == "production" && cfg.DatabaseURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}
	return cfg
}

// LoadFile overlays the TOML file at path onto cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	p := fc.Pipeline
	setInt(&cfg.RetryMaxAttempts, p.RetryMaxAttempts)
	setMillis(&cfg.RetryBaseDelay, p.RetryBaseDelayMs)
	if p.RetryClassify != nil {
		cfg.RetryClassify = *p.RetryClassify
	}
	setInt(&cfg.BulkBatchSize, p.BulkBatchSize)
	setMillis(&cfg.BulkPause, p.BulkPauseMs)
	if err := setDuration(&cfg.StaleStepAfter, p.StaleStepAfter); err != nil {
		return fmt.Errorf("pipeline.stale_step_after: %w", err)
	}
	setString(&cfg.DefaultLabName, p.DefaultLabName)

	rl := fc.RateLimit
	setInt(&cfg.RateLimitDefault, rl.Default)
	setInt(&cfg.RateLimitPolling, rl.Polling)
	setInt(&cfg.RateLimitRun, rl.Run)
	if err := setDuration(&cfg.RateLimitWindow, rl.Window); err != nil {
		return fmt.Errorf("rate_limit.window: %w", err)
	}
	if err := setDuration(&cfg.RateLimitSweepInterval, rl.Sweep); err != nil {
		return fmt.Errorf("rate_limit.sweep_interval: %w", err)
	}

	pr := fc.Providers
	setString(&cfg.TranscribeProvider, pr.Transcribe)
	setString(&cfg.LLMProvider, pr.LLM)
	setString(&cfg.LLMModel, pr.LLMModel)
	setString(&cfg.MailProvider, pr.Mail)
	setString(&cfg.MailFrom, pr.MailFrom)
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Env = normalizeEnv(getEnv("ENV", cfg.Env))
	if raw := os.Getenv("CORS_ALLOW_ORIGINS"); raw != "" {
		cfg.CORSAllowOrigin = splitAndTrim(raw)
	}
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)

	cfg.StepStore = normalizeStepStore(getEnv("STEP_STORE", cfg.StepStore))
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)

	cfg.ObjectStoreType = normalizeStoreType(getEnv("OBJECT_STORE", cfg.ObjectStoreType))
	cfg.LocalStoreDir = getEnv("LOCAL_STORE_DIR", cfg.LocalStoreDir)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.S3Bucket = getEnv("S3_BUCKET", cfg.S3Bucket)
	cfg.S3Prefix = getEnv("S3_PREFIX", cfg.S3Prefix)
	cfg.SSEKMSKeyID = getEnv("SSE_KMS_KEY_ID", cfg.SSEKMSKeyID)
	cfg.S3Endpoint = getEnv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3AccessKey = getEnv("S3_ACCESS_KEY_ID", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("S3_SECRET_ACCESS_KEY", cfg.S3SecretKey)
	cfg.SQSQueueURL = getEnv("SQS_QUEUE_URL", cfg.SQSQueueURL)

	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.TranscribeProvider = strings.ToLower(getEnv("TRANSCRIBE_PROVIDER", cfg.TranscribeProvider))
	cfg.TranscribeModel = getEnv("TRANSCRIBE_MODEL", cfg.TranscribeModel)
	cfg.TranscribeLanguage = getEnv("TRANSCRIBE_LANGUAGE", cfg.TranscribeLanguage)
	cfg.LLMProvider = strings.ToLower(getEnv("LLM_PROVIDER", cfg.LLMProvider))
	cfg.LLMModel = getEnv("LLM_MODEL", cfg.LLMModel)
	cfg.OpenAITimeout = time.Duration(getEnvInt("OPENAI_TIMEOUT_SECONDS", int(cfg.OpenAITimeout/time.Second))) * time.Second
	if raw := os.Getenv("LLM_NO_TEMP0_MODELS"); raw != "" {
		cfg.LLMNoTemperatureModels = splitAndTrim(raw)
	}

	cfg.MailProvider = strings.ToLower(getEnv("MAIL_PROVIDER", cfg.MailProvider))
	cfg.MailFrom = getEnv("MAIL_FROM", cfg.MailFrom)
	cfg.ResendAPIKey = getEnv("RESEND_API_KEY", cfg.ResendAPIKey)
	cfg.GmailClientID = getEnv("GMAIL_CLIENT_ID", cfg.GmailClientID)
	cfg.GmailClientSecret = getEnv("GMAIL_CLIENT_SECRET", cfg.GmailClientSecret)
	cfg.GmailRefreshToken = getEnv("GMAIL_REFRESH_TOKEN", cfg.GmailRefreshToken)
	cfg.DefaultLabName = getEnv("DEFAULT_LAB_NAME", cfg.DefaultLabName)

	cfg.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts)
	cfg.RetryBaseDelay = time.Duration(getEnvInt("RETRY_BASE_DELAY_MS", int(cfg.RetryBaseDelay/time.Millisecond))) * time.Millisecond
	cfg.RetryClassify = getEnvBool("RETRY_CLASSIFY", cfg.RetryClassify)
	cfg.BulkBatchSize = getEnvInt("BULK_BATCH_SIZE", cfg.BulkBatchSize)
	cfg.BulkPause = time.Duration(getEnvInt("BULK_PAUSE_MS", int(cfg.BulkPause/time.Millisecond))) * time.Millisecond
	cfg.StaleStepAfter = getEnvDuration("STALE_STEP_AFTER", cfg.StaleStepAfter)

	cfg.RateLimitDefault = getEnvInt("RATE_LIMIT_DEFAULT", cfg.RateLimitDefault)
	cfg.RateLimitPolling = getEnvInt("RATE_LIMIT_POLLING", cfg.RateLimitPolling)
	cfg.RateLimitRun = getEnvInt("RATE_LIMIT_RUN", cfg.RateLimitRun)
	cfg.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.RateLimitSweepInterval = getEnvDuration("RATE_LIMIT_SWEEP_INTERVAL", cfg.RateLimitSweepInterval)
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %d", key, raw, def)
		return def
	}
	return v
}

func getEnvBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %t", key, raw, def)
		return def
	}
	return v
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %s", key, raw, def)
		return def
	}
	return v
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setMillis(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Millisecond
	}
}

func setString(dst *string, v *string) {
	if v != nil && strings.TrimSpace(*v) != "" {
		*dst = strings.TrimSpace(*v)
	}
}

func setDuration(dst *time.Duration, v *string) error {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(*v))
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	case "development", "dev":
		return "dev"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}

func normalizeStepStore(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "postgres", "pg":
		return "postgres"
	case "sqlite":
		return "sqlite"
	default:
		return "memory"
	}
}
