package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/anidub/pkg/icron"
	"github.com/MimeLyc/anidub/pkg/log"
	"github.com/joho/godotenv"
	"golang.org/x/text/language"
)

// Config holds all application configuration. It is built once at startup
// and handed to every component explicitly.
//
// Environment Variables:
// System:
// - DATA_DIR: root for the database and defaults below (default: /app/data)
// - OUTPUT_DIR, WORK_DIR, LOG_DIR: artifact, scratch and job log roots
// - LOG_LEVEL: debug|info|warn|error (default: info)
//
// Queue:
// - QUEUE_CONCURRENCY (1), QUEUE_PAUSE_POLL_MS (1000), SHUTDOWN_TIMEOUT_S (30)
// - IDEMPOTENCY_TTL_S (86400), MAINTENANCE_CRON ("0 */6 * * *")
//
// Pipeline:
// - DEVICE: auto|cpu|cuda, DEFAULT_SRC_LANG (ja), DEFAULT_TGT_LANG (en)
// - TWO_PASS_ON_HIGH (true), STRICT_TRANSLATION (false), ALLOW_EGRESS (true)
// - WATCHDOG_POLL_MS (250), LIMITS_FILE (optional YAML, see LoadLimitsFile)
//
// Collaborators:
// - FFMPEG_PATH (ffmpeg), STAGE_<NAME>_CMD for external stage tools
// - REDIS_ADDR, REDIS_PASSWORD, REDIS_DB, REDIS_PREFIX, REDIS_LOCK_TTL_S
// - NOTIFY_WEBHOOK_URL, BREAKER_FAILURES (3), BREAKER_COOLDOWN_S (60)
//
// LLM translation (used for the translate stage when LLM_API_KEY is set):
// - LLM_API_KEY, LLM_API_URL (https://openrouter.ai/api/v1), LLM_MODEL (openai/gpt-4o-mini)
// - LLM_MAX_TOKENS (8000), LLM_TEMPERATURE (0.3), LLM_TIMEOUT (60), LLM_BATCH_SIZE (40)
// - LLM_SITE_URL, LLM_APP_NAME: optional attribution headers
type Config struct {
	System   SystemConfig   `json:"system"`
	Queue    QueueConfig    `json:"queue"`
	Pipeline PipelineConfig `json:"pipeline"`
	Limits   Limits         `json:"limits"`
	Media    MediaConfig    `json:"media"`
	Tools    ToolsConfig    `json:"tools"`
	Redis    RedisConfig    `json:"redis"`
	Notify   NotifyConfig   `json:"notify"`
	Breaker  BreakerConfig  `json:"breaker"`
	LLM      LLMConfig      `json:"llm"`
}

type SystemConfig struct {
	DataDir   string `json:"data_dir"`
	OutputDir string `json:"output_dir"`
	WorkDir   string `json:"work_dir"`
	LogDir    string `json:"log_dir"`
	LogLevel  string `json:"log_level"`
}

type QueueConfig struct {
	Concurrency     int           `json:"concurrency"`
	PausePoll       time.Duration `json:"pause_poll"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	IdempotencyTTL  time.Duration `json:"idempotency_ttl"`
	MaintenanceCron string        `json:"maintenance_cron"`
}

type PipelineConfig struct {
	Device            string        `json:"device"`
	DefaultSrcLang    string        `json:"default_src_lang"`
	DefaultTgtLang    string        `json:"default_tgt_lang"`
	TwoPassOnHigh     bool          `json:"two_pass_on_high"`
	StrictTranslation bool          `json:"strict_translation"`
	AllowEgress       bool          `json:"allow_egress"`
	WatchdogPoll      time.Duration `json:"watchdog_poll"`
	LimitsFile        string        `json:"limits_file"`
}

type MediaConfig struct {
	FFmpegPath string `json:"ffmpeg_path"`
}

// ToolsConfig maps stage tool names (diarize, transcribe, tts_clone, ...) to executables.
type ToolsConfig struct {
	Commands map[string]string `json:"commands"`
	Retries  int               `json:"retries"`
}

type RedisConfig struct {
	Addr     string        `json:"addr"`
	Password string        `json:"-"`
	DB       int           `json:"db"`
	Prefix   string        `json:"prefix"`
	LockTTL  time.Duration `json:"lock_ttl"`
}

// Enabled reports whether the external queue backend is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type NotifyConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// LLMConfig configures an OpenAI-compatible chat API used for translation.
type LLMConfig struct {
	APIKey      string  `json:"-"`
	APIURL      string  `json:"api_url"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Timeout     int     `json:"timeout"`
	BatchSize   int     `json:"batch_size"`
	SiteURL     string  `json:"site_url"`
	AppName     string  `json:"app_name"`
}

// Enabled reports whether LLM translation is configured.
func (c LLMConfig) Enabled() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

type BreakerConfig struct {
	Failures int           `json:"failures"`
	Cooldown time.Duration `json:"cooldown"`
}

// ToolNames lists the external stage tools read from STAGE_<NAME>_CMD.
var ToolNames = []string{
	"diarize", "transcribe", "translate",
	"tts_clone", "tts_preset", "tts_basic", "tts_espeak",
	"mix", "music_detect", "separate", "voice_refs",
	"mobile_export", "lipsync", "qa",
}

// Option is a function type for configuring Config
type Option func(*Config)

// WithLimits replaces the stage timeouts and scheduler limits.
func WithLimits(l Limits) Option {
	return func(c *Config) {
		for stage, d := range l.StageTimeouts {
			c.Limits.StageTimeouts[stage] = d
		}
		c.Limits.Scheduler = l.Scheduler
	}
}

// WithDataDir roots every derived directory under dir.
func WithDataDir(dir string) Option {
	return func(c *Config) {
		c.System.DataDir = dir
		c.System.OutputDir = filepath.Join(dir, "output")
		c.System.WorkDir = filepath.Join(dir, "work")
		c.System.LogDir = filepath.Join(dir, "logs")
	}
}

// NewFromEnv creates a new Config instance with values from environment variables and options.
// A .env file in the working directory (or ENV_FILE) is loaded first without
// overriding variables that are already set.
func NewFromEnv(opts ...Option) (*Config, error) {
	if err := loadDotEnv(getEnvString("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	dataDir := getEnvString("DATA_DIR", "/app/data")
	cfg := &Config{
		System: SystemConfig{
			DataDir:   dataDir,
			OutputDir: getEnvString("OUTPUT_DIR", filepath.Join(dataDir, "output")),
			WorkDir:   getEnvString("WORK_DIR", filepath.Join(dataDir, "work")),
			LogDir:    getEnvString("LOG_DIR", filepath.Join(dataDir, "logs")),
			LogLevel:  getEnvString("LOG_LEVEL", "info"),
		},
		Queue: QueueConfig{
			Concurrency:     getEnvInt("QUEUE_CONCURRENCY", 1),
			PausePoll:       time.Duration(getEnvInt("QUEUE_PAUSE_POLL_MS", 1000)) * time.Millisecond,
			ShutdownTimeout: time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_S", 30)) * time.Second,
			IdempotencyTTL:  time.Duration(getEnvInt("IDEMPOTENCY_TTL_S", 86400)) * time.Second,
			MaintenanceCron: getEnvString("MAINTENANCE_CRON", "0 */6 * * *"),
		},
		Pipeline: PipelineConfig{
			Device:            strings.ToLower(getEnvString("DEVICE", "auto")),
			DefaultSrcLang:    getEnvString("DEFAULT_SRC_LANG", "ja"),
			DefaultTgtLang:    getEnvString("DEFAULT_TGT_LANG", "en"),
			TwoPassOnHigh:     getEnvBool("TWO_PASS_ON_HIGH", true),
			StrictTranslation: getEnvBool("STRICT_TRANSLATION", false),
			AllowEgress:       getEnvBool("ALLOW_EGRESS", true),
			WatchdogPoll:      time.Duration(getEnvInt("WATCHDOG_POLL_MS", 250)) * time.Millisecond,
			LimitsFile:        getEnvString("LIMITS_FILE", ""),
		},
		Limits: DefaultLimits(),
		Media: MediaConfig{
			FFmpegPath: getEnvString("FFMPEG_PATH", "ffmpeg"),
		},
		Tools: ToolsConfig{
			Commands: make(map[string]string),
			Retries:  getEnvInt("TOOL_RETRIES", 2),
		},
		Redis: RedisConfig{
			Addr:     getEnvString("REDIS_ADDR", ""),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Prefix:   getEnvString("REDIS_PREFIX", "anidub"),
			LockTTL:  time.Duration(getEnvInt("REDIS_LOCK_TTL_S", 21600)) * time.Second,
		},
		Notify: NotifyConfig{
			WebhookURL: getEnvString("NOTIFY_WEBHOOK_URL", ""),
		},
		Breaker: BreakerConfig{
			Failures: getEnvInt("BREAKER_FAILURES", 3),
			Cooldown: time.Duration(getEnvInt("BREAKER_COOLDOWN_S", 60)) * time.Second,
		},
		LLM: LLMConfig{
			APIKey:      getEnvString("LLM_API_KEY", ""),
			APIURL:      getEnvString("LLM_API_URL", "https://openrouter.ai/api/v1"),
			Model:       getEnvString("LLM_MODEL", "openai/gpt-4o-mini"),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 8000),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.3),
			Timeout:     getEnvInt("LLM_TIMEOUT", 60),
			BatchSize:   getEnvInt("LLM_BATCH_SIZE", 40),
			SiteURL:     getEnvString("LLM_SITE_URL", ""),
			AppName:     getEnvString("LLM_APP_NAME", ""),
		},
	}
	for _, name := range ToolNames {
		key := "STAGE_" + strings.ToUpper(name) + "_CMD"
		if v := getEnvString(key, ""); v != "" {
			cfg.Tools.Commands[name] = v
		}
	}

	if cfg.Pipeline.LimitsFile != "" {
		limits, err := LoadLimitsFile(cfg.Pipeline.LimitsFile)
		if err != nil {
			return nil, err
		}
		WithLimits(limits)(cfg)
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Debug("Config: %+v", *cfg)
	return cfg, nil
}

// DBPath is the SQLite ledger location.
func (c *Config) DBPath() string {
	return filepath.Join(c.System.DataDir, "anidub.db")
}

// StageTimeout returns the configured timeout of stage, or 0 for none.
func (c *Config) StageTimeout(stage string) time.Duration {
	return c.Limits.StageTimeouts[stage]
}

func (c *Config) validate() error {
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be at least 1, got %d", c.Queue.Concurrency)
	}
	switch c.Pipeline.Device {
	case "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("DEVICE must be auto, cpu or cuda, got %q", c.Pipeline.Device)
	}
	if c.Pipeline.DefaultSrcLang != "auto" {
		if _, err := language.Parse(c.Pipeline.DefaultSrcLang); err != nil {
			return fmt.Errorf("invalid DEFAULT_SRC_LANG: %w", err)
		}
	}
	if _, err := language.Parse(c.Pipeline.DefaultTgtLang); err != nil {
		return fmt.Errorf("invalid DEFAULT_TGT_LANG: %w", err)
	}
	if err := icron.Validate(c.Queue.MaintenanceCron); err != nil {
		return fmt.Errorf("invalid MAINTENANCE_CRON: %w", err)
	}
	if c.Breaker.Failures < 1 {
		return fmt.Errorf("BREAKER_FAILURES must be at least 1")
	}
	if c.LLM.Enabled() {
		if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
			return fmt.Errorf("LLM_TEMPERATURE must be between 0 and 2")
		}
		if c.LLM.BatchSize < 1 {
			return fmt.Errorf("LLM_BATCH_SIZE must be at least 1")
		}
	}
	return nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
