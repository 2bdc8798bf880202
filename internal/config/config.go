package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Consent       ConsentConfig       `yaml:"consent"`
	Capture       CaptureConfig       `yaml:"capture"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Session       SessionConfig       `yaml:"session"`
	Lease         LeaseConfig         `yaml:"lease"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ConsentConfig bounds the ages accepted by the consent gate.
type ConsentConfig struct {
	MinAge        int  `yaml:"min_age"`
	MaxAge        int  `yaml:"max_age"`
	MajorityAge   int  `yaml:"majority_age"`
	ValidateEmail bool `yaml:"validate_email"`
}

type CaptureConfig struct {
	Mode                string `yaml:"mode" validate:"oneof=mock exec bus"`
	Command             string `yaml:"command"`
	SampleRate          int    `yaml:"sample_rate" validate:"min=1"`
	Channels            int    `yaml:"channels" validate:"min=1,max=2"`
	SegmentMS           int    `yaml:"segment_ms" validate:"min=10"`
	PermissionTimeoutMS int    `yaml:"permission_timeout_ms" validate:"min=0"`
}

type AudioConfig struct {
	Format string `yaml:"format"`
}

type TranscriptionConfig struct {
	Mode           string `yaml:"mode" validate:"oneof=mock http"`
	Endpoint       string `yaml:"endpoint" validate:"omitempty,url"`
	Token          string `yaml:"token"`
	Language       string `yaml:"language"`
	PromptHint     string `yaml:"prompt_hint"`
	TimeoutMS      int    `yaml:"timeout_ms" validate:"min=1"`
	MaxRetries     int    `yaml:"max_retries" validate:"min=0,max=1"`
	RetryBackoffMS int    `yaml:"retry_backoff_ms" validate:"min=0"`
}

type SessionConfig struct {
	TickMS           int `yaml:"tick_ms"`
	MaxDurationS     int `yaml:"max_duration_s"`
	MailboxSize      int `yaml:"mailbox_size"`
	SegmentQueueSize int `yaml:"segment_queue_size"`
	EventBuffer      int `yaml:"event_buffer"`
}

type LeaseConfig struct {
	Mode          string `yaml:"mode"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
	TTLSeconds    int    `yaml:"ttl_s"`
}

// Timeout returns the per-attempt submission bound.
func (c TranscriptionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c TranscriptionConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

func (c CaptureConfig) SegmentDuration() time.Duration {
	return time.Duration(c.SegmentMS) * time.Millisecond
}

func (c CaptureConfig) PermissionTimeout() time.Duration {
	return time.Duration(c.PermissionTimeoutMS) * time.Millisecond
}

func (c SessionConfig) Tick() time.Duration {
	return time.Duration(c.TickMS) * time.Millisecond
}

func (c SessionConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationS) * time.Second
}

func (c LeaseConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-capture",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-capture.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Consent: ConsentConfig{
			MinAge:        5,
			MaxAge:        120,
			MajorityAge:   18,
			ValidateEmail: true,
		},
		Capture: CaptureConfig{
			Mode:                "mock",
			Command:             "arecord -q -f S16_LE -r 16000 -c 1 -t raw",
			SampleRate:          16000,
			Channels:            1,
			SegmentMS:           250,
			PermissionTimeoutMS: 30000,
		},
		Audio: AudioConfig{
			Format: "wav",
		},
		Transcription: TranscriptionConfig{
			Mode:           "mock",
			Endpoint:       "http://localhost:8090",
			Language:       "en-US",
			PromptHint:     "reasoning narration for an assessment item",
			TimeoutMS:      30000,
			MaxRetries:     1,
			RetryBackoffMS: 500,
		},
		Session: SessionConfig{
			TickMS:           1000,
			MaxDurationS:     300,
			MailboxSize:      32,
			SegmentQueueSize: 256,
			EventBuffer:      64,
		},
		Lease: LeaseConfig{
			Mode:       "local",
			RedisAddr:  "localhost:6379",
			KeyPrefix:  "loqa:capture:lease:",
			TTLSeconds: 30,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_CAPTURE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_CAPTURE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_CAPTURE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_CAPTURE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_CAPTURE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_CAPTURE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_CAPTURE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_CAPTURE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_CAPTURE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_CAPTURE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_CAPTURE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_CAPTURE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_CAPTURE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_CAPTURE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_CAPTURE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_CAPTURE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_CAPTURE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_CAPTURE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_CAPTURE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_CAPTURE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_CAPTURE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_CAPTURE_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Consent.MinAge, "LOQA_CAPTURE_CONSENT_MIN_AGE")
	overrideInt(&cfg.Consent.MaxAge, "LOQA_CAPTURE_CONSENT_MAX_AGE")
	overrideInt(&cfg.Consent.MajorityAge, "LOQA_CAPTURE_CONSENT_MAJORITY_AGE")
	overrideBool(&cfg.Consent.ValidateEmail, "LOQA_CAPTURE_CONSENT_VALIDATE_EMAIL")
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.SegmentMS, "LOQA_CAPTURE_CAPTURE_SEGMENT_MS")
	overrideInt(&cfg.Capture.PermissionTimeoutMS, "LOQA_CAPTURE_CAPTURE_PERMISSION_TIMEOUT_MS")
	overrideString(&cfg.Audio.Format, "LOQA_CAPTURE_AUDIO_FORMAT")
	overrideString(&cfg.Transcription.Mode, "LOQA_CAPTURE_TRANSCRIPTION_MODE")
	overrideString(&cfg.Transcription.Endpoint, "LOQA_CAPTURE_TRANSCRIPTION_ENDPOINT")
	overrideString(&cfg.Transcription.Token, "LOQA_CAPTURE_TRANSCRIPTION_TOKEN")
	overrideString(&cfg.Transcription.Language, "LOQA_CAPTURE_TRANSCRIPTION_LANGUAGE")
	overrideString(&cfg.Transcription.PromptHint, "LOQA_CAPTURE_TRANSCRIPTION_PROMPT_HINT")
	overrideInt(&cfg.Transcription.TimeoutMS, "LOQA_CAPTURE_TRANSCRIPTION_TIMEOUT_MS")
	overrideInt(&cfg.Transcription.MaxRetries, "LOQA_CAPTURE_TRANSCRIPTION_MAX_RETRIES")
	overrideInt(&cfg.Transcription.RetryBackoffMS, "LOQA_CAPTURE_TRANSCRIPTION_RETRY_BACKOFF_MS")
	overrideInt(&cfg.Session.TickMS, "LOQA_CAPTURE_SESSION_TICK_MS")
	overrideInt(&cfg.Session.MaxDurationS, "LOQA_CAPTURE_SESSION_MAX_DURATION_S")
	overrideInt(&cfg.Session.MailboxSize, "LOQA_CAPTURE_SESSION_MAILBOX_SIZE")
	overrideInt(&cfg.Session.SegmentQueueSize, "LOQA_CAPTURE_SESSION_SEGMENT_QUEUE_SIZE")
	overrideInt(&cfg.Session.EventBuffer, "LOQA_CAPTURE_SESSION_EVENT_BUFFER")
	overrideString(&cfg.Lease.Mode, "LOQA_CAPTURE_LEASE_MODE")
	overrideString(&cfg.Lease.RedisAddr, "LOQA_CAPTURE_LEASE_REDIS_ADDR")
	overrideString(&cfg.Lease.RedisPassword, "LOQA_CAPTURE_LEASE_REDIS_PASSWORD")
	overrideInt(&cfg.Lease.RedisDB, "LOQA_CAPTURE_LEASE_REDIS_DB")
	overrideString(&cfg.Lease.KeyPrefix, "LOQA_CAPTURE_LEASE_KEY_PREFIX")
	overrideInt(&cfg.Lease.TTLSeconds, "LOQA_CAPTURE_LEASE_TTL_S")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

var structValidator = validator.New()

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port == 0 || cfg.Bus.Port < -1 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 (or -1 for a random port) when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Consent.MinAge <= 0 || cfg.Consent.MaxAge < cfg.Consent.MinAge {
		return errors.New("consent.min_age must be positive and not above consent.max_age")
	}
	if cfg.Consent.MajorityAge < cfg.Consent.MinAge || cfg.Consent.MajorityAge > cfg.Consent.MaxAge {
		return errors.New("consent.majority_age must lie within [min_age, max_age]")
	}
	if err := structValidator.Struct(cfg.Capture); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if cfg.Capture.Mode == "exec" && strings.TrimSpace(cfg.Capture.Command) == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	switch cfg.Audio.Format {
	case "raw", "wav":
	default:
		return errors.New("audio.format must be one of raw|wav")
	}
	if err := structValidator.Struct(cfg.Transcription); err != nil {
		return fmt.Errorf("transcription: %w", err)
	}
	if cfg.Transcription.Mode == "http" && cfg.Transcription.Endpoint == "" {
		return errors.New("transcription.endpoint must be set when mode=http")
	}
	if cfg.Session.TickMS <= 0 {
		return errors.New("session.tick_ms must be positive")
	}
	if cfg.Session.MaxDurationS < 0 {
		return errors.New("session.max_duration_s must be >= 0")
	}
	if cfg.Session.MailboxSize <= 0 || cfg.Session.SegmentQueueSize <= 0 || cfg.Session.EventBuffer <= 0 {
		return errors.New("session mailbox, segment queue and event buffer sizes must be positive")
	}
	switch cfg.Lease.Mode {
	case "local":
	case "redis":
		if cfg.Lease.RedisAddr == "" {
			return errors.New("lease.redis_addr must be set when mode=redis")
		}
	default:
		return errors.New("lease.mode must be one of local|redis")
	}
	if cfg.Lease.TTLSeconds <= 0 {
		return errors.New("lease.ttl_s must be positive")
	}
	return nil
}
