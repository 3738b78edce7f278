package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfiguration = `
token: file-token
intents: 513
presence:
  status: idle
sharding:
  shard_count: 8
  shard_ids: "2-3"
  identify_window: 6s
gateway:
  large_threshold: 250
  compress: true
identify:
  url: http://identify.test/{shard_id}
producer:
  type: kafka
  channel: sandwich
  blacklist: [TYPING_START]
  arguments:
    Address: localhost:9092
status:
  host: ":8080"
`

func writeConfiguration(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sandwich.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	return path
}

func TestConfigProviderFromPath(t *testing.T) {
	t.Setenv(TokenEnvironmentKey, "")

	provider := NewConfigProviderFromPath(writeConfiguration(t, testConfiguration))

	config, err := provider.GetConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "file-token", config.Token)
	assert.Equal(t, discord.GatewayIntent(513), config.Intents)
	assert.EqualValues(t, discord.PresenceStatusIdle, config.Presence.Status)
	assert.Equal(t, int32(8), config.Sharding.ShardCount)
	assert.Equal(t, 6*time.Second, config.Sharding.IdentifyWindow)
	assert.True(t, config.Gateway.Compress)
	assert.Equal(t, []string{"TYPING_START"}, config.Producer.Blacklist)
	assert.Equal(t, "localhost:9092", config.Producer.Arguments["Address"])
	assert.Equal(t, ":8080", config.Status.Host)

	config.Token = "saved-token"
	require.NoError(t, provider.SaveConfig(context.Background(), config))

	saved, err := provider.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "saved-token", saved.Token)
	assert.Equal(t, config.Sharding, saved.Sharding)
}

func TestConfigEnvironmentOverridesToken(t *testing.T) {
	t.Setenv(TokenEnvironmentKey, "env-token")

	config, err := NewConfigProviderFromPath(writeConfiguration(t, testConfiguration)).GetConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "env-token", config.Token)
}

func TestConfigProviderMissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewConfigProviderFromPath(filepath.Join(t.TempDir(), "missing.yaml")).GetConfig(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigurationManagerOptions(t *testing.T) {
	t.Parallel()

	config := &Configuration{
		Token:   "token",
		Intents: discord.IntentGuilds,
		Sharding: ShardingConfiguration{
			ShardCount:     8,
			ShardIDs:       "2-3",
			MaxConcurrency: 2,
		},
		Identify:           IdentifyConfiguration{URL: "http://identify.test/"},
		HandlerConcurrency: 4,
	}

	options, err := config.ManagerOptions(context.Background(), zerolog.Nop(), nil)
	require.NoError(t, err)

	assert.Equal(t, int32(2), options.ShardIndex)
	assert.Equal(t, int32(2), options.ShardInit)
	assert.Equal(t, int32(8), options.ShardTotal)
	assert.Equal(t, int32(2), options.MaxConcurrency)
	assert.Equal(t, 4, options.HandlerConcurrency)
	assert.IsType(t, &IdentifyViaURL{}, options.IdentifyProvider)

	config.Sharding.ShardIDs = ""

	options, err = config.ManagerOptions(context.Background(), zerolog.Nop(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(0), options.ShardIndex)
	assert.Equal(t, int32(8), options.ShardInit)
}

func TestConfigurationManagerOptionsErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		config   Configuration
		expected error
	}{
		{name: "missing token", config: Configuration{}, expected: ErrManagerMissingToken},
		{name: "missing shards", config: Configuration{Token: "token"}, expected: ErrManagerMissingShards},
		{
			name:     "gaps",
			config:   Configuration{Token: "token", Sharding: ShardingConfiguration{ShardCount: 8, ShardIDs: "0,2"}},
			expected: ErrShardRangeInvalid,
		},
		{
			name:     "out of range",
			config:   Configuration{Token: "token", Sharding: ShardingConfiguration{ShardCount: 2, ShardIDs: "4-5"}},
			expected: ErrManagerMissingShards,
		},
		{
			name:     "autoshard without client",
			config:   Configuration{Token: "token", Sharding: ShardingConfiguration{AutoSharded: true}},
			expected: ErrMissingConfig,
		},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := test.config.ManagerOptions(context.Background(), zerolog.Nop(), nil)
			assert.ErrorIs(t, err, test.expected)
		})
	}
}

func TestConfigurationAutoSharded(t *testing.T) {
	t.Parallel()

	config := &Configuration{Token: "token", Sharding: ShardingConfiguration{AutoSharded: true}}

	options, err := config.ManagerOptions(context.Background(), zerolog.Nop(), newTestRESTClient(t, gatewayBotHandler(3, 1)))
	require.NoError(t, err)

	assert.Equal(t, "wss://gateway.test", options.GatewayURL)
	assert.Equal(t, int32(3), options.ShardTotal)
	assert.Equal(t, int32(3), options.ShardInit)
}

func TestConfigurationClientName(t *testing.T) {
	t.Parallel()

	config := &Configuration{}
	assert.Equal(t, "sandwich", config.ClientName())

	config.Producer.ClientName = "welcomer"
	config.Producer.IncludeRandomSuffix = true

	clientName := config.ClientName()
	assert.True(t, strings.HasPrefix(clientName, "welcomer-"))
	assert.Len(t, clientName, len("welcomer-")+8)
}
