package gateway

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// TokenEnvironmentKey overrides the token in the configuration file.
const TokenEnvironmentKey = "SANDWICH_TOKEN"

type Configuration struct {
	Token    string                `yaml:"token"`
	Intents  discord.GatewayIntent `yaml:"intents"`
	Presence *discord.UpdateStatus `yaml:"presence"`

	Sharding ShardingConfiguration `yaml:"sharding"`
	Gateway  GatewayConfiguration  `yaml:"gateway"`
	Identify IdentifyConfiguration `yaml:"identify"`
	Producer ProducerConfiguration `yaml:"producer"`
	Status   StatusConfiguration   `yaml:"status"`
	Logging  LoggingConfiguration  `yaml:"logging"`

	// HandlerConcurrency bounds concurrent event handlers. Zero is unbounded.
	HandlerConcurrency int `yaml:"handler_concurrency"`
}

type ShardingConfiguration struct {
	AutoSharded bool  `yaml:"auto_sharded"`
	ShardCount  int32 `yaml:"shard_count"`

	// ShardIDs uses the 0-3,4-7 range syntax. The ids must be contiguous.
	// Empty runs every shard.
	ShardIDs string `yaml:"shard_ids"`

	MaxConcurrency  int32         `yaml:"max_concurrency"`
	IdentifyWindow  time.Duration `yaml:"identify_window"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type GatewayConfiguration struct {
	URL            string `yaml:"url"`
	LargeThreshold int32  `yaml:"large_threshold"`
	Compress       bool   `yaml:"compress"`
}

type IdentifyConfiguration struct {
	// URL enables IdentifyViaURL when set.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

type ProducerConfiguration struct {
	// Type is one of the messaging clients, such as kafka, nats or redis.
	// Empty disables forwarding.
	Type string `yaml:"type"`

	Channel    string `yaml:"channel"`
	Identifier string `yaml:"identifier"`

	ClientName          string `yaml:"client_name"`
	IncludeRandomSuffix bool   `yaml:"client_name_uses_random_suffix"`

	Blacklist []string       `yaml:"blacklist"`
	Arguments map[string]any `yaml:"arguments"`
}

type StatusConfiguration struct {
	// Host enables the status server when set, such as :8080.
	Host string `yaml:"host"`
}

type LoggingConfiguration struct {
	Level string `yaml:"level"`

	ConsoleLoggingEnabled bool `yaml:"console_logging_enabled"`
	FileLoggingEnabled    bool `yaml:"file_logging_enabled"`

	Filename   string `yaml:"filename"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

type ConfigProvider interface {
	GetConfig(ctx context.Context) (*Configuration, error)
	SaveConfig(ctx context.Context, config *Configuration) error
}

// ConfigProviderFromPath reads and writes a YAML file.
type ConfigProviderFromPath struct {
	path string
}

func NewConfigProviderFromPath(path string) ConfigProviderFromPath {
	return ConfigProviderFromPath{path}
}

func (c ConfigProviderFromPath) GetConfig(_ context.Context) (*Configuration, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Configuration
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	config.ApplyEnvironment()

	return &config, nil
}

func (c ConfigProviderFromPath) SaveConfig(_ context.Context, config *Configuration) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(c.path, data, 0o600)
}

// ApplyEnvironment lets the environment override secrets from the file.
func (config *Configuration) ApplyEnvironment() {
	if token := os.Getenv(TokenEnvironmentKey); token != "" {
		config.Token = token
	}
}

// ClientName is the name passed to the producer.
func (config *Configuration) ClientName() string {
	clientName := config.Producer.ClientName
	if clientName == "" {
		clientName = "sandwich"
	}

	if config.Producer.IncludeRandomSuffix {
		clientName = clientName + "-" + randomHex(4)
	}

	return clientName
}

// ManagerOptions builds the options a Manager is created with. When the
// configuration is auto sharded, the shard count comes from client.
func (config *Configuration) ManagerOptions(ctx context.Context, logger zerolog.Logger, client *RESTClient) (ManagerOptions, error) {
	if config.Token == "" {
		return ManagerOptions{}, ErrManagerMissingToken
	}

	options := ManagerOptions{
		Logger: logger,

		Presence: config.Presence,

		Token:      config.Token,
		GatewayURL: config.Gateway.URL,
		Intents:    config.Intents,

		ShardTotal:     config.Sharding.ShardCount,
		MaxConcurrency: config.Sharding.MaxConcurrency,
		LargeThreshold: config.Gateway.LargeThreshold,

		IdentifyWindow:  config.Sharding.IdentifyWindow,
		ShutdownTimeout: config.Sharding.ShutdownTimeout,

		HandlerConcurrency: config.HandlerConcurrency,

		Compress: config.Gateway.Compress,
	}

	if config.Identify.URL != "" {
		options.IdentifyProvider = NewIdentifyViaURL(config.Identify.URL, config.Identify.Headers)
	}

	if config.Sharding.AutoSharded {
		if client == nil {
			return ManagerOptions{}, fmt.Errorf("auto sharding needs a rest client: %w", ErrMissingConfig)
		}

		if err := options.Autoshard(ctx, client); err != nil {
			return ManagerOptions{}, err
		}
	}

	if options.ShardTotal < 1 {
		return ManagerOptions{}, ErrManagerMissingShards
	}

	if config.Sharding.ShardIDs == "" {
		options.ShardIndex = 0
		options.ShardInit = options.ShardTotal

		return options, nil
	}

	shardIDs, err := returnRangeInt32(config.Sharding.ShardIDs, options.ShardTotal)
	if err != nil {
		return ManagerOptions{}, err
	}

	options.ShardIndex, options.ShardInit, err = contiguousRange(shardIDs)
	if err != nil {
		return ManagerOptions{}, err
	}

	return options, nil
}
