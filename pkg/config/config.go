package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the CRS pipeline configuration. Every worker process
// loads the same structure; sections it does not use are ignored.
type Config struct {
	Framework FrameworkConfig `yaml:"framework"`
	Broker    BrokerConfig    `yaml:"broker"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Build     BuildConfig     `yaml:"build"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// FrameworkConfig contains general settings shared by all workers
type FrameworkConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Instance  string `yaml:"instance"`
}

// BrokerConfig contains AMQP connection settings
type BrokerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	PoolSize      int    `yaml:"pool_size"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// URL renders the broker connection string.
func (b BrokerConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", b.User, b.Password, b.Host, b.Port)
}

// RedisConfig contains coordination store connectivity
type RedisConfig struct {
	SentinelHosts []string `yaml:"sentinel_hosts"`
	MasterName    string   `yaml:"master_name"`
	Password      string   `yaml:"password"`
	DB            int      `yaml:"db"`
}

// DatabaseConfig contains the relational store DSN
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// StorageConfig contains the shared artifact store settings
type StorageConfig struct {
	Dir                string `yaml:"dir"`
	EnableSeedArchive  bool   `yaml:"enable_seed_archive"`
	EnableSharedCRS    bool   `yaml:"enable_shared_crs"`
	EnableCopyArtifact bool   `yaml:"enable_copy_artifact"`
}

// BuildConfig contains build/reproduction substrate settings
type BuildConfig struct {
	HelperPath    string        `yaml:"helper_path"`
	RunnerImage   string        `yaml:"runner_image"`
	MaxLoad       float64       `yaml:"max_load"`
	BuildLockTTL  time.Duration `yaml:"build_lock_ttl"`
	ReplayTimeout time.Duration `yaml:"replay_timeout"`
}

// WorkerConfig contains stage worker settings
type WorkerConfig struct {
	RetryLimit      int    `yaml:"retry_limit"`
	AFLSlaves       int    `yaml:"afl_slaves"`
	TimeoutOOMRole  string `yaml:"timeout_oom_role"` // sender, processor or none
	DirectedMode    bool   `yaml:"directed_mode"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	DedupMethod     string `yaml:"dedup_method"` // clusterfuzz, codex or none
	Models          []string `yaml:"models"`

	// External LLM agent binaries, invoked as subprocesses. Empty
	// disables the corresponding strategy.
	SeedgenAgent string `yaml:"seedgen_agent"`
	PatchAgent   string `yaml:"patch_agent"`
	DedupAgent   string `yaml:"dedup_agent"`
	SliceAgent   string `yaml:"slice_agent"`
}

// ScoringConfig contains the scoring API endpoint and credentials
type ScoringConfig struct {
	BaseURL  string `yaml:"base_url"`
	KeyID    string `yaml:"key_id"`
	KeyToken string `yaml:"key_token"`
}

// TelemetryConfig contains the OTLP trace exporter destination
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"`
	Headers  string `yaml:"headers"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Framework: FrameworkConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Instance:  hostname,
		},
		Broker: BrokerConfig{
			Host:          "localhost",
			Port:          5672,
			User:          "guest",
			Password:      "guest",
			PoolSize:      10,
			PrefetchCount: 8,
		},
		Redis: RedisConfig{
			MasterName: "mymaster",
		},
		Storage: StorageConfig{
			Dir:                "/crs",
			EnableSeedArchive:  true,
			EnableCopyArtifact: true,
		},
		Build: BuildConfig{
			HelperPath:    "infra/helper.py",
			RunnerImage:   "ghcr.io/aixcc-finals/base-runner:v1.3.0",
			MaxLoad:       300,
			BuildLockTTL:  10 * time.Minute,
			ReplayTimeout: 60 * time.Second,
		},
		Worker: WorkerConfig{
			RetryLimit:      3,
			AFLSlaves:       3,
			TimeoutOOMRole:  "none",
			MonitorInterval: 60 * time.Second,
			DedupMethod:     "none",
		},
	}
}

// Load loads configuration from a YAML file, then applies environment
// variable overrides. A missing file is not an error; the environment is
// the primary configuration surface in deployment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := []byte(os.ExpandEnv(string(data)))
		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays the recognized environment variables onto the config.
func (c *Config) applyEnv() {
	setString(&c.Broker.Host, "RABBITMQ_HOST")
	setInt(&c.Broker.Port, "RABBITMQ_PORT")
	setString(&c.Broker.User, "RABBITMQ_USER")
	setString(&c.Broker.Password, "RABBITMQ_PASSWORD")
	setInt(&c.Broker.PrefetchCount, "PREFETCH_COUNT")

	setString(&c.Database.URL, "DATABASE_URL")

	if v := os.Getenv("REDIS_SENTINEL_HOSTS"); v != "" {
		c.Redis.SentinelHosts = strings.Split(v, ",")
	}
	setString(&c.Redis.MasterName, "REDIS_MASTER")
	setString(&c.Redis.Password, "REDIS_PASSWORD")

	setString(&c.Storage.Dir, "STORAGE_DIR")
	setBool(&c.Storage.EnableSeedArchive, "ENABLE_SEED_ARCHIVE")
	setBool(&c.Storage.EnableSharedCRS, "ENABLE_SHARED_CRS")
	setBool(&c.Storage.EnableCopyArtifact, "ENABLE_COPY_ARTIFACT")

	setInt(&c.Worker.RetryLimit, "TASK_RETRY_LIMIT")
	setInt(&c.Worker.AFLSlaves, "AIXCC_AFL_SLAVE_NUM")
	setString(&c.Worker.TimeoutOOMRole, "TIMEOUT_OOM_TRIAGE")
	setBool(&c.Worker.DirectedMode, "DIRECTED_MODE")
	setString(&c.Worker.DedupMethod, "DEDUP_METHOD")
	setString(&c.Worker.SeedgenAgent, "SEEDGEN_AGENT")
	setString(&c.Worker.PatchAgent, "PATCH_AGENT")
	setString(&c.Worker.DedupAgent, "DEDUP_AGENT")
	setString(&c.Worker.SliceAgent, "SLICE_AGENT")
	if v := os.Getenv("SEEDGEN_MODELS"); v != "" {
		c.Worker.Models = strings.Split(v, ",")
	}

	setFloat(&c.Build.MaxLoad, "MAX_LOAD")

	setString(&c.Scoring.BaseURL, "COMPETITION_API_URL")
	setString(&c.Scoring.KeyID, "COMPETITION_API_KEY_ID")
	setString(&c.Scoring.KeyToken, "COMPETITION_API_KEY_TOKEN")

	setString(&c.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&c.Telemetry.Protocol, "OTEL_EXPORTER_OTLP_PROTOCOL")
	setString(&c.Telemetry.Headers, "OTEL_EXPORTER_OTLP_HEADERS")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host is required")
	}

	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}

	if c.Worker.RetryLimit < 1 {
		return fmt.Errorf("worker.retry_limit must be at least 1")
	}

	switch c.Worker.TimeoutOOMRole {
	case "sender", "processor", "none":
	default:
		return fmt.Errorf("worker.timeout_oom_role must be sender, processor or none")
	}

	return nil
}

// Save writes configuration to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
