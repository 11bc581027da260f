package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Empty DATABASE_URL / REDIS_URL select the in-process stores.
	DatabaseURL      string        `env:"DATABASE_URL"`
	DatabaseMaxConns int32         `env:"DATABASE_MAX_CONNS" envDefault:"20"`
	RedisURL         string        `env:"REDIS_URL"`
	PointerTTL       time.Duration `env:"POINTER_TTL" envDefault:"24h"`

	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"listen-engine"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"listen"`

	ProfileDir string `env:"PROFILE_DIR" envDefault:"./profiles"`
	S3         S3Config

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	STT       STTConfig
	Processor ProcessorConfig
	Session   SessionConfig
	VAD       VADConfig
}

// S3Config configures the optional object store for enrollment samples.
type S3Config struct {
	Bucket         string        `env:"S3_BUCKET"`
	Endpoint       string        `env:"S3_ENDPOINT"`
	Region         string        `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey      string        `env:"S3_ACCESS_KEY"`
	SecretKey      string        `env:"S3_SECRET_KEY"`
	Prefix         string        `env:"S3_PREFIX"`
	LocalCache     bool          `env:"S3_LOCAL_CACHE" envDefault:"true"`
	StartupTimeout time.Duration `env:"S3_STARTUP_TIMEOUT" envDefault:"10s"`
}

// Enabled reports whether an S3 bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

type STTConfig struct {
	NativeProvider  string `env:"STT_NATIVE_PROVIDER" envDefault:"soniox"`
	GeneralProvider string `env:"STT_GENERAL_PROVIDER" envDefault:"deepgram"`

	DeepgramURL    string `env:"DEEPGRAM_URL" envDefault:"wss://api.deepgram.com/v1/listen"`
	DeepgramAPIKey string `env:"DEEPGRAM_API_KEY"`
	DeepgramModel  string `env:"DEEPGRAM_MODEL" envDefault:"nova-2-general"`

	SonioxURL    string `env:"SONIOX_URL" envDefault:"wss://stt-rt.soniox.com/transcribe-websocket"`
	SonioxAPIKey string `env:"SONIOX_API_KEY"`
	SonioxModel  string `env:"SONIOX_MODEL" envDefault:"stt-rt-preview"`

	DialTimeout time.Duration `env:"STT_DIAL_TIMEOUT" envDefault:"10s"`
}

type ProcessorConfig struct {
	URL     string        `env:"PROCESSOR_URL"`
	Token   string        `env:"PROCESSOR_TOKEN"`
	Timeout time.Duration `env:"PROCESSOR_TIMEOUT" envDefault:"120s"`
}

type SessionConfig struct {
	QuietPeriod       time.Duration `env:"QUIET_PERIOD" envDefault:"120s"`
	Lifetime          time.Duration `env:"SESSION_LIFETIME" envDefault:"420s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	EnrollmentPadding time.Duration `env:"ENROLLMENT_PADDING" envDefault:"5s"`
}

type VADConfig struct {
	Mode        int      `env:"VAD_MODE" envDefault:"1"`
	BypassUsers []string `env:"VAD_BYPASS_USERS" envSeparator:","`
	BypassFile  string   `env:"VAD_BYPASS_FILE"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	ProfileDir  string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.RedisURL != "" {
		cfg.RedisURL = overrides.RedisURL
	}
	if overrides.ProfileDir != "" {
		cfg.ProfileDir = overrides.ProfileDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects timing and provider settings the session loop cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Session.QuietPeriod <= 0 {
		problems = append(problems, "QUIET_PERIOD must be positive")
	}
	if c.Session.HeartbeatInterval <= 0 {
		problems = append(problems, "HEARTBEAT_INTERVAL must be positive")
	}
	if c.Session.Lifetime < c.Session.HeartbeatInterval {
		problems = append(problems, "SESSION_LIFETIME must not be shorter than HEARTBEAT_INTERVAL")
	}
	if c.VAD.Mode < 0 || c.VAD.Mode > 3 {
		problems = append(problems, fmt.Sprintf("VAD_MODE %d out of range 0-3", c.VAD.Mode))
	}
	if c.STT.NativeProvider == "" || c.STT.GeneralProvider == "" {
		problems = append(problems, "STT_NATIVE_PROVIDER and STT_GENERAL_PROVIDER must be set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
