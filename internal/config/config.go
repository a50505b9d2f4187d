package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Backend     BackendConfig    `yaml:"backend"`
	Audio       AudioConfig      `yaml:"audio"`
	Cache       CacheConfig      `yaml:"cache"`
	Scheduler   SchedulerConfig  `yaml:"scheduler"`
	Intake      IntakeConfig     `yaml:"intake"`
	Policy      PolicyConfig     `yaml:"policy"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                  string `yaml:"id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	PruneSchedule string `yaml:"prune_schedule"`
}

// BackendConfig selects the speech recognizer driven for every tier.
type BackendConfig struct {
	Mode     string `yaml:"mode"` // mock, exec
	Command  string `yaml:"command"`
	Language string `yaml:"language"`
}

type AudioConfig struct {
	FrameDurationMS int `yaml:"frame_duration_ms"`
}

type CacheConfig struct {
	Mode       string `yaml:"mode"` // memory, nats
	MaxEntries int    `yaml:"max_entries"`
	TTLSeconds int    `yaml:"ttl_seconds"`
	Bucket     string `yaml:"bucket"`
}

type SchedulerConfig struct {
	Concurrency int `yaml:"max_concurrency"`
}

type IntakeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	QueueGroup string `yaml:"queue_group"`
}

type PolicyConfig struct {
	PresetPath string `yaml:"preset_path"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                  "scribe-node-1",
			HeartbeatIntervalMS: 5000,
			HeartbeatTimeoutMS:  15000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-jobs.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxJobs:       100000,
			PruneSchedule: "0 * * * *",
		},
		Backend: BackendConfig{
			Mode: "mock",
		},
		Audio: AudioConfig{
			FrameDurationMS: 20,
		},
		Cache: CacheConfig{
			Mode:       "memory",
			MaxEntries: 4096,
			TTLSeconds: 3600,
			Bucket:     "scribe_cache",
		},
		Scheduler: SchedulerConfig{
			Concurrency: 4,
		},
		Intake: IntakeConfig{
			Enabled:    true,
			QueueGroup: "scribe-workers",
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
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "SCRIBE_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "SCRIBE_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SCRIBE_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "SCRIBE_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.EventStore.PruneSchedule, "SCRIBE_EVENT_STORE_PRUNE_SCHEDULE")
	overrideString(&cfg.Backend.Mode, "SCRIBE_BACKEND_MODE")
	overrideString(&cfg.Backend.Command, "SCRIBE_BACKEND_COMMAND")
	overrideString(&cfg.Backend.Language, "SCRIBE_BACKEND_LANGUAGE")
	overrideInt(&cfg.Audio.FrameDurationMS, "SCRIBE_AUDIO_FRAME_DURATION_MS")
	overrideString(&cfg.Cache.Mode, "SCRIBE_CACHE_MODE")
	overrideInt(&cfg.Cache.MaxEntries, "SCRIBE_CACHE_MAX_ENTRIES")
	overrideInt(&cfg.Cache.TTLSeconds, "SCRIBE_CACHE_TTL_SECONDS")
	overrideString(&cfg.Cache.Bucket, "SCRIBE_CACHE_BUCKET")
	overrideInt(&cfg.Scheduler.Concurrency, "SCRIBE_SCHEDULER_MAX_CONCURRENCY")
	overrideBool(&cfg.Intake.Enabled, "SCRIBE_INTAKE_ENABLED")
	overrideString(&cfg.Intake.QueueGroup, "SCRIBE_INTAKE_QUEUE_GROUP")
	overrideString(&cfg.Policy.PresetPath, "SCRIBE_POLICY_PRESET_PATH")
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
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
			if cfg.Bus.StoreDir == "" {
				return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatIntervalMS <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeoutMS <= cfg.Node.HeartbeatIntervalMS {
		return errors.New("node.heartbeat_timeout_ms must exceed node.heartbeat_interval_ms")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.EventStore.MaxJobs < 0 {
		return errors.New("event_store.max_jobs must be >= 0")
	}
	if cfg.EventStore.PruneSchedule != "" {
		if _, err := cron.ParseStandard(cfg.EventStore.PruneSchedule); err != nil {
			return fmt.Errorf("event_store.prune_schedule: %w", err)
		}
	}
	switch cfg.Backend.Mode {
	case "mock":
	case "exec":
		if cfg.Backend.Command == "" {
			return errors.New("backend.command must be set when mode=exec")
		}
	default:
		return errors.New("backend.mode must be one of mock|exec")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	switch cfg.Cache.Mode {
	case "memory":
		if cfg.Cache.MaxEntries <= 0 {
			return errors.New("cache.max_entries must be >= 1")
		}
	case "nats":
		if !cfg.Bus.Enabled {
			return errors.New("cache.mode=nats requires bus.enabled")
		}
		if cfg.Cache.Bucket == "" {
			return errors.New("cache.bucket must be set when mode=nats")
		}
	default:
		return errors.New("cache.mode must be one of memory|nats")
	}
	if cfg.Cache.TTLSeconds < 0 {
		return errors.New("cache.ttl_seconds must be >= 0")
	}
	if cfg.Scheduler.Concurrency <= 0 {
		return errors.New("scheduler.max_concurrency must be >= 1")
	}
	if cfg.Intake.Enabled && !cfg.Bus.Enabled {
		return errors.New("intake.enabled requires bus.enabled")
	}
	return nil
}
