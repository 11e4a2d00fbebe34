package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "restyle_db", cfg.Database.Database)
				assert.Equal(t, "generation_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "generation_jobs", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "restyle-api-service", cfg.App.Name)
				assert.Equal(t, int64(4), cfg.Credits.Costs["story-multi-shot"])
				assert.Equal(t, 2500*time.Millisecond, cfg.Jobs.PollInterval)
				require.Len(t, cfg.Providers.Strategies, 3)
				assert.Equal(t, "premium", cfg.Providers.Strategies[0].Name)
				assert.Equal(t, 40, cfg.Providers.Strategies[0].Steps)
				assert.NoError(t, cfg.ValidateAPIConfig())
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, DispatchInline, cfg.Worker.Dispatch)
	assert.Equal(t, 2*time.Second, cfg.Worker.EnqueueTimeout)
	assert.Equal(t, 90*time.Second, cfg.Jobs.SingleImageCeiling)
	assert.Equal(t, 420*time.Second, cfg.Jobs.VideoToVideoCeiling)
	assert.Equal(t, "ffmpeg", cfg.Compositor.FFmpegPath)
	assert.Less(t, cfg.Compositor.TransitionDuration, cfg.Compositor.ShotDuration)
}

func validConfig() *Config {
	cfg := &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Driver: DriverMemory},
		Worker: WorkerConfig{
			Concurrency:       2,
			Dispatch:          DispatchInline,
			JobTimeout:        time.Minute,
			HeartbeatInterval: time.Second,
			StaleAfter:        time.Minute,
			ShutdownTimeout:   time.Second,
		},
		Credits: CreditsConfig{
			StarterGrant: 5,
			Costs:        map[string]int64{"single-image": 1},
		},
		Providers: ProvidersConfig{Strategies: []StrategyConfig{
			{Name: "dev", Vendor: VendorSynthetic},
		}},
		Assets: AssetsConfig{BasePath: "/tmp/assets"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "postgres without host",
			mutate: func(c *Config) {
				c.Database = DatabaseConfig{Driver: DriverPostgres, Port: 5432, Database: "db"}
			},
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "unknown driver",
			mutate:    func(c *Config) { c.Database.Driver = "oracle" },
			wantErr:   true,
			errString: "unknown database driver",
		},
		{
			name:      "rabbitmq dispatch without host",
			mutate:    func(c *Config) { c.Worker.Dispatch = DispatchRabbitMQ },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "no costs",
			mutate:    func(c *Config) { c.Credits.Costs = nil },
			wantErr:   true,
			errString: "credits costs must list at least one action",
		},
		{
			name:      "zero cost",
			mutate:    func(c *Config) { c.Credits.Costs["single-image"] = 0 },
			wantErr:   true,
			errString: "must be greater than 0",
		},
		{
			name:      "no strategies",
			mutate:    func(c *Config) { c.Providers.Strategies = nil },
			wantErr:   true,
			errString: "at least one provider strategy is required",
		},
		{
			name: "duplicate strategy",
			mutate: func(c *Config) {
				c.Providers.Strategies = append(c.Providers.Strategies, StrategyConfig{Name: "dev", Vendor: VendorSynthetic})
			},
			wantErr:   true,
			errString: "declared twice",
		},
		{
			name: "http strategy without base url",
			mutate: func(c *Config) {
				c.Providers.Strategies = []StrategyConfig{{Name: "p", Vendor: VendorHTTP}}
			},
			wantErr:   true,
			errString: "base_url is required",
		},
		{
			name: "transition longer than shot",
			mutate: func(c *Config) {
				c.Compositor.TransitionDuration = 5 * time.Second
			},
			wantErr:   true,
			errString: "transition_duration must be shorter",
		},
		{
			name:      "missing asset path",
			mutate:    func(c *Config) { c.Assets.BasePath = "" },
			wantErr:   true,
			errString: "assets base_path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	assert.ErrorContains(t, cfg.ValidateAPIConfig(), "invalid server port")

	cfg = validConfig()
	cfg.Worker.StaleAfter = cfg.Worker.HeartbeatInterval
	assert.ErrorContains(t, cfg.ValidateAPIConfig(), "stale_after must be longer")
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	cfg := validConfig()
	assert.ErrorContains(t, cfg.ValidateWorkerConfig(), "requires worker dispatch")

	cfg.Worker.Dispatch = DispatchRabbitMQ
	cfg.RabbitMQ = RabbitMQConfig{
		Host:     "localhost",
		Port:     5672,
		Exchange: ExchangeConfig{Name: "ex"},
		Queue:    QueueConfig{Name: "q"},
	}
	assert.ErrorContains(t, cfg.ValidateWorkerConfig(), "cannot share a memory database")

	cfg.Database = DatabaseConfig{Driver: DriverPostgres, Host: "db", Port: 5432, Database: "restyle"}
	assert.NoError(t, cfg.ValidateWorkerConfig())

	cfg.RabbitMQ.Queue.DeadLetter = "q"
	assert.ErrorContains(t, cfg.ValidateWorkerConfig(), "dead letter queue must differ")
}

func TestJobsConfig_PollCeiling(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, 90*time.Second, cfg.Jobs.PollCeiling("single-image"))
	assert.Equal(t, 420*time.Second, cfg.Jobs.PollCeiling("video-to-video"))
	assert.Equal(t, cfg.Jobs.StoryShotCeiling, cfg.Jobs.PollCeiling("story-multi-shot"))
}

func TestAuthConfig_SigningSecret(t *testing.T) {
	t.Setenv("RESTYLE_TEST_JWT_SECRET", "from-env")

	assert.False(t, AuthConfig{}.Enabled())
	assert.Equal(t, "inline", AuthConfig{Secret: "inline", SecretEnv: "RESTYLE_TEST_JWT_SECRET"}.SigningSecret())
	assert.Equal(t, "from-env", AuthConfig{SecretEnv: "RESTYLE_TEST_JWT_SECRET"}.SigningSecret())
	assert.False(t, AuthConfig{SecretEnv: "RESTYLE_TEST_UNSET_SECRET"}.Enabled())
}
