package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Journal     JournalConfig   `yaml:"journal"`
	Narration   NarrationConfig `yaml:"narration"`
	Listener    ListenerConfig  `yaml:"listener"`
	Generator   GeneratorConfig `yaml:"generator"`
	Artifacts   ArtifactsConfig `yaml:"artifacts"`
	Sessions    SessionsConfig  `yaml:"sessions"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// NarrationConfig tunes the request/chunk lifecycle.
type NarrationConfig struct {
	PendingTimeoutSec    int `yaml:"pending_timeout_sec"`
	GeneratingTimeoutSec int `yaml:"generating_timeout_sec"`
	SweepIntervalSec     int `yaml:"sweep_interval_sec"`
	RetentionDays        int `yaml:"retention_days"`
	MaxSpanChars         int `yaml:"max_span_chars"`
	SpanTimeoutSec       int `yaml:"span_timeout_sec"`
}

type ListenerConfig struct {
	HeartbeatTimeoutSec  int `yaml:"heartbeat_timeout_sec"`
	LivenessSweepSec     int `yaml:"liveness_sweep_sec"`
	SendQueueSize        int `yaml:"send_queue_size"`
	WriteTimeoutSec      int `yaml:"write_timeout_sec"`
	ReadLimitBytes       int `yaml:"read_limit_bytes"`
	MaxConnsPerSession   int `yaml:"max_conns_per_session"`
}

type GeneratorConfig struct {
	Mode     string `yaml:"mode"` // mock, exec
	Command  string `yaml:"command"`
	Voice    string `yaml:"voice"`
	MimeType string `yaml:"mime_type"`
}

type ArtifactsConfig struct {
	Dir     string `yaml:"dir"`
	BaseURL string `yaml:"base_url"`
}

type SessionsConfig struct {
	Mode       string   `yaml:"mode"` // open, static, http
	Endpoint   string   `yaml:"endpoint"`
	AllowedIDs []string `yaml:"allowed_ids"`
}

func Default() Config {
	return Config{
		RuntimeName: "gaia-narration",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Journal: JournalConfig{
			Path:          "./data/narration-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
		},
		Narration: NarrationConfig{
			PendingTimeoutSec:    300,
			GeneratingTimeoutSec: 180,
			SweepIntervalSec:     60,
			RetentionDays:        7,
			MaxSpanChars:         240,
			SpanTimeoutSec:       45,
		},
		Listener: ListenerConfig{
			HeartbeatTimeoutSec: 90,
			LivenessSweepSec:    5,
			SendQueueSize:       64,
			WriteTimeoutSec:     10,
			ReadLimitBytes:      64 * 1024,
			MaxConnsPerSession:  0,
		},
		Generator: GeneratorConfig{
			Mode:     "mock",
			Voice:    "en-US",
			MimeType: "audio/wav",
		},
		Artifacts: ArtifactsConfig{
			Dir:     "./data/artifacts",
			BaseURL: "",
		},
		Sessions: SessionsConfig{
			Mode: "open",
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
	overrideString(&cfg.RuntimeName, "GAIA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "GAIA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "GAIA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "GAIA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "GAIA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "GAIA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "GAIA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "GAIA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "GAIA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "GAIA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "GAIA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "GAIA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "GAIA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "GAIA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "GAIA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "GAIA_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "GAIA_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "GAIA_JOURNAL_RETENTION_DAYS")
	overrideBool(&cfg.Journal.VacuumOnStart, "GAIA_JOURNAL_VACUUM_ON_START")
	overrideInt(&cfg.Narration.PendingTimeoutSec, "GAIA_NARRATION_PENDING_TIMEOUT_SEC")
	overrideInt(&cfg.Narration.GeneratingTimeoutSec, "GAIA_NARRATION_GENERATING_TIMEOUT_SEC")
	overrideInt(&cfg.Narration.SweepIntervalSec, "GAIA_NARRATION_SWEEP_INTERVAL_SEC")
	overrideInt(&cfg.Narration.RetentionDays, "GAIA_NARRATION_RETENTION_DAYS")
	overrideInt(&cfg.Narration.MaxSpanChars, "GAIA_NARRATION_MAX_SPAN_CHARS")
	overrideInt(&cfg.Narration.SpanTimeoutSec, "GAIA_NARRATION_SPAN_TIMEOUT_SEC")
	overrideInt(&cfg.Listener.HeartbeatTimeoutSec, "GAIA_LISTENER_HEARTBEAT_TIMEOUT_SEC")
	overrideInt(&cfg.Listener.LivenessSweepSec, "GAIA_LISTENER_LIVENESS_SWEEP_SEC")
	overrideInt(&cfg.Listener.SendQueueSize, "GAIA_LISTENER_SEND_QUEUE_SIZE")
	overrideInt(&cfg.Listener.WriteTimeoutSec, "GAIA_LISTENER_WRITE_TIMEOUT_SEC")
	overrideInt(&cfg.Listener.ReadLimitBytes, "GAIA_LISTENER_READ_LIMIT_BYTES")
	overrideInt(&cfg.Listener.MaxConnsPerSession, "GAIA_LISTENER_MAX_CONNS_PER_SESSION")
	overrideString(&cfg.Generator.Mode, "GAIA_GENERATOR_MODE")
	overrideString(&cfg.Generator.Command, "GAIA_GENERATOR_COMMAND")
	overrideString(&cfg.Generator.Voice, "GAIA_GENERATOR_VOICE")
	overrideString(&cfg.Generator.MimeType, "GAIA_GENERATOR_MIME_TYPE")
	overrideString(&cfg.Artifacts.Dir, "GAIA_ARTIFACTS_DIR")
	overrideString(&cfg.Artifacts.BaseURL, "GAIA_ARTIFACTS_BASE_URL")
	overrideString(&cfg.Sessions.Mode, "GAIA_SESSIONS_MODE")
	overrideString(&cfg.Sessions.Endpoint, "GAIA_SESSIONS_ENDPOINT")
	overrideStringSlice(&cfg.Sessions.AllowedIDs, "GAIA_SESSIONS_ALLOWED_IDS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Narration.PendingTimeoutSec <= 0 {
		return errors.New("narration.pending_timeout_sec must be positive")
	}
	if cfg.Narration.GeneratingTimeoutSec <= 0 {
		return errors.New("narration.generating_timeout_sec must be positive")
	}
	if cfg.Narration.SweepIntervalSec <= 0 {
		return errors.New("narration.sweep_interval_sec must be positive")
	}
	if cfg.Narration.RetentionDays < 0 {
		return errors.New("narration.retention_days must be >= 0")
	}
	if cfg.Narration.MaxSpanChars <= 0 {
		return errors.New("narration.max_span_chars must be positive")
	}
	if cfg.Narration.SpanTimeoutSec <= 0 {
		return errors.New("narration.span_timeout_sec must be positive")
	}
	if cfg.Listener.HeartbeatTimeoutSec <= 0 {
		return errors.New("listener.heartbeat_timeout_sec must be positive")
	}
	if cfg.Listener.LivenessSweepSec <= 0 {
		return errors.New("listener.liveness_sweep_sec must be positive")
	}
	if cfg.Listener.SendQueueSize <= 0 {
		return errors.New("listener.send_queue_size must be positive")
	}
	switch cfg.Generator.Mode {
	case "mock", "exec":
	default:
		return errors.New("generator.mode must be one of mock|exec")
	}
	if cfg.Generator.Mode == "exec" && cfg.Generator.Command == "" {
		return errors.New("generator.command must be set when mode=exec")
	}
	if cfg.Artifacts.Dir == "" {
		return errors.New("artifacts.dir must not be empty")
	}
	switch cfg.Sessions.Mode {
	case "open", "static", "http":
	default:
		return errors.New("sessions.mode must be one of open|static|http")
	}
	if cfg.Sessions.Mode == "http" && cfg.Sessions.Endpoint == "" {
		return errors.New("sessions.endpoint must be set when mode=http")
	}
	return nil
}
