package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Dispatch modes
const (
	DispatchInline   = "inline"
	DispatchRabbitMQ = "rabbitmq"
)

// Provider vendors
const (
	VendorHTTP      = "http"
	VendorGemini    = "gemini"
	VendorSynthetic = "synthetic"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Worker     WorkerConfig     `yaml:"worker"`
	Credits    CreditsConfig    `yaml:"credits"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Compositor CompositorConfig `yaml:"compositor"`
	Assets     AssetsConfig     `yaml:"assets"`
	Presets    PresetsConfig    `yaml:"presets"`
	Auth       AuthConfig       `yaml:"auth"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins restricts CORS. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
// Driver "memory" keeps jobs and credits in process.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	ApplicationName string        `yaml:"application_name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`

	ConnectAttempts int           `yaml:"connect_attempts"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
	DeadLetter string `yaml:"dead_letter"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds the status cache connection. Disabled when Addr is empty.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Enabled reports whether a redis address is configured
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	Dispatch          string        `yaml:"dispatch"`
	QueueSize         int           `yaml:"queue_size"`
	EnqueueTimeout    time.Duration `yaml:"enqueue_timeout"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// CreditsConfig holds pricing and limits. Costs keys are the billable actions,
// one per job kind.
type CreditsConfig struct {
	StarterGrant int64            `yaml:"starter_grant"`
	DailyCap     int64            `yaml:"daily_cap"`
	Costs        map[string]int64 `yaml:"costs"`
}

// JobsConfig holds per-kind polling bounds and submission defaults
type JobsConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	SingleImageCeiling  time.Duration `yaml:"single_image_ceiling"`
	VideoToVideoCeiling time.Duration `yaml:"video_to_video_ceiling"`
	StoryShotCeiling    time.Duration `yaml:"story_shot_ceiling"`
	MaxShots            int           `yaml:"max_shots"`
	DefaultShots        int           `yaml:"default_shots"`
	DefaultWidth        int           `yaml:"default_width"`
	DefaultHeight       int           `yaml:"default_height"`
	DefaultFPS          int           `yaml:"default_fps"`
}

// ProvidersConfig lists the fallback strategies in priority order
type ProvidersConfig struct {
	Strategies []StrategyConfig `yaml:"strategies"`
}

// StrategyConfig is one tier of the provider chain
type StrategyConfig struct {
	Name          string        `yaml:"name"`
	Vendor        string        `yaml:"vendor"`
	BaseURL       string        `yaml:"base_url"`
	APIKeyEnv     string        `yaml:"api_key_env"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	GuidanceScale float64       `yaml:"guidance_scale"`
	Steps         int           `yaml:"steps"`
	Strength      float64       `yaml:"strength"`

	// SimulatedPolls is how many polls a synthetic tier takes to finish
	SimulatedPolls int `yaml:"simulated_polls"`
}

// APIKey resolves the key from the environment
func (s StrategyConfig) APIKey() string {
	if s.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(s.APIKeyEnv)
}

// CompositorConfig holds ffmpeg settings for story videos
type CompositorConfig struct {
	FFmpegPath         string        `yaml:"ffmpeg_path"`
	TempRoot           string        `yaml:"temp_root"`
	ShotDuration       time.Duration `yaml:"shot_duration"`
	TransitionDuration time.Duration `yaml:"transition_duration"`
	ZoomPerFrame       float64       `yaml:"zoom_per_frame"`
	MaxZoom            float64       `yaml:"max_zoom"`
	CRF                int           `yaml:"crf"`
	Preset             string        `yaml:"preset"`
}

// AssetsConfig holds the public asset store
type AssetsConfig struct {
	BasePath         string        `yaml:"base_path"`
	PublicBaseURL    string        `yaml:"public_base_url"`
	MaxDownloadBytes int64         `yaml:"max_download_bytes"`
	DownloadTimeout  time.Duration `yaml:"download_timeout"`
}

// PresetsConfig points at the preset catalog
type PresetsConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds bearer token verification. Disabled when no secret resolves.
type AuthConfig struct {
	Secret    string `yaml:"secret"`
	SecretEnv string `yaml:"secret_env"`
	Issuer    string `yaml:"issuer"`
}

// SigningSecret returns Secret, falling back to the SecretEnv variable
func (a AuthConfig) SigningSecret() string {
	if a.Secret != "" || a.SecretEnv == "" {
		return a.Secret
	}
	return os.Getenv(a.SecretEnv)
}

// Enabled reports whether requests must carry a signed token
func (a AuthConfig) Enabled() bool {
	return a.SigningSecret() != ""
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	return &config, nil
}

// ApplyDefaults fills zero values with working defaults
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Worker.Dispatch == "" {
		c.Worker.Dispatch = DispatchInline
	}
	if c.Worker.QueueSize <= 0 {
		c.Worker.QueueSize = 100
	}
	if c.Worker.EnqueueTimeout <= 0 {
		c.Worker.EnqueueTimeout = 2 * time.Second
	}
	if c.Worker.StaleAfter <= 0 {
		c.Worker.StaleAfter = 2 * time.Minute
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = 10 * time.Minute
	}

	j := &c.Jobs
	if j.PollInterval <= 0 {
		j.PollInterval = 2500 * time.Millisecond
	}
	if j.SingleImageCeiling <= 0 {
		j.SingleImageCeiling = 90 * time.Second
	}
	if j.VideoToVideoCeiling <= 0 {
		j.VideoToVideoCeiling = 420 * time.Second
	}
	if j.StoryShotCeiling <= 0 {
		j.StoryShotCeiling = 90 * time.Second
	}
	if j.MaxShots <= 0 {
		j.MaxShots = 8
	}
	if j.DefaultShots <= 0 {
		j.DefaultShots = 4
	}
	if j.DefaultWidth <= 0 {
		j.DefaultWidth = 1080
	}
	if j.DefaultHeight <= 0 {
		j.DefaultHeight = 1920
	}
	if j.DefaultFPS <= 0 {
		j.DefaultFPS = 30
	}

	comp := &c.Compositor
	if comp.FFmpegPath == "" {
		comp.FFmpegPath = "ffmpeg"
	}
	if comp.ShotDuration <= 0 {
		comp.ShotDuration = 3 * time.Second
	}
	if comp.TransitionDuration <= 0 {
		comp.TransitionDuration = 500 * time.Millisecond
	}
	if comp.ZoomPerFrame <= 0 {
		comp.ZoomPerFrame = 0.0015
	}
	if comp.MaxZoom <= 0 {
		comp.MaxZoom = 1.3
	}
	if comp.CRF <= 0 {
		comp.CRF = 20
	}
	if comp.Preset == "" {
		comp.Preset = "veryfast"
	}

	if c.Assets.MaxDownloadBytes <= 0 {
		c.Assets.MaxDownloadBytes = 200 << 20
	}
	if c.Assets.DownloadTimeout <= 0 {
		c.Assets.DownloadTimeout = 60 * time.Second
	}
}

// Validate checks the settings shared by every binary
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres, "":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("unknown database driver: %q", c.Database.Driver)
	}

	switch c.Worker.Dispatch {
	case DispatchInline, "":
	case DispatchRabbitMQ:
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown worker dispatch mode: %q", c.Worker.Dispatch)
	}

	if c.Credits.StarterGrant < 0 {
		return fmt.Errorf("credits starter_grant must not be negative")
	}
	if c.Credits.DailyCap < 0 {
		return fmt.Errorf("credits daily_cap must not be negative")
	}
	if len(c.Credits.Costs) == 0 {
		return fmt.Errorf("credits costs must list at least one action")
	}
	for action, cost := range c.Credits.Costs {
		if cost <= 0 {
			return fmt.Errorf("credits cost for %q must be greater than 0", action)
		}
	}

	if len(c.Providers.Strategies) == 0 {
		return fmt.Errorf("at least one provider strategy is required")
	}
	seen := make(map[string]bool, len(c.Providers.Strategies))
	for i, s := range c.Providers.Strategies {
		if s.Name == "" {
			return fmt.Errorf("provider strategy %d: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("provider strategy %q is declared twice", s.Name)
		}
		seen[s.Name] = true
		switch s.Vendor {
		case VendorHTTP:
			if s.BaseURL == "" {
				return fmt.Errorf("provider strategy %q: base_url is required", s.Name)
			}
		case VendorGemini:
			if s.Model == "" {
				return fmt.Errorf("provider strategy %q: model is required", s.Name)
			}
		case VendorSynthetic:
		default:
			return fmt.Errorf("provider strategy %q: unknown vendor %q", s.Name, s.Vendor)
		}
	}

	if c.Compositor.TransitionDuration >= c.Compositor.ShotDuration {
		return fmt.Errorf("compositor transition_duration must be shorter than shot_duration")
	}

	if c.Assets.BasePath == "" {
		return fmt.Errorf("assets base_path is required")
	}

	return nil
}

// ValidateAPIConfig checks the api-service settings
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Dispatch == DispatchInline || c.Worker.Dispatch == "" {
		return c.validateWorker()
	}

	return nil
}

// ValidateWorkerConfig checks the worker-service settings
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Dispatch != DispatchRabbitMQ {
		return fmt.Errorf("worker-service requires worker dispatch %q", DispatchRabbitMQ)
	}

	if c.Database.Driver == DriverMemory {
		return fmt.Errorf("worker-service cannot share a memory database with the api-service")
	}

	return c.validateWorker()
}

func (c *Config) validateWorker() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.StaleAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker stale_after must be longer than heartbeat_interval")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.RabbitMQ.Queue.DeadLetter == c.RabbitMQ.Queue.Name {
		return fmt.Errorf("rabbitmq dead letter queue must differ from %q", c.RabbitMQ.Queue.Name)
	}

	return nil
}

// PollCeiling returns the polling ceiling for one provider call of kind
func (j JobsConfig) PollCeiling(kind string) time.Duration {
	switch kind {
	case "video-to-video":
		return j.VideoToVideoCeiling
	case "story-multi-shot":
		return j.StoryShotCeiling
	default:
		return j.SingleImageCeiling
	}
}
