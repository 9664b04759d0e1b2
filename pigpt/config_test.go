package pigpt

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

// DefaultTestConfig returns a valid config using a SQLite database in
// a temp dir, with Discord and the relay disabled
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Store.Database = filepath.Join(t.TempDir(), "pigpt.sqlite3")
	cfg.OpenAI.Token = "test-openai-token"
	cfg.OpenAI.SystemPrompt = testSystemPrompt
	cfg.Discord.Enabled = false
	cfg.Relay.Enabled = false
	cfg.Relay.Listen = "127.0.0.1:0"
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.Dispatcher.BusyRetryInterval = 10 * time.Millisecond

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Store.LogLevel.Set(logLevel)
	cfg.OpenAI.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.Relay.LogLevel.Set(logLevel)
	return cfg
}

func TestDefaultConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate(), "tokens should be required")

	cfg.OpenAI.Token = "openai-token"
	cfg.Discord.Token = "discord-token"
	require.NoError(t, cfg.Validate())

	assert.NoError(t, DefaultTestConfig(t).Validate())
}

func TestConfig_ValidateInvalid(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{
			name:   "missing openai token",
			modify: func(cfg *Config) { cfg.OpenAI.Token = "" },
		},
		{
			name: "discord enabled without token",
			modify: func(cfg *Config) {
				cfg.Discord.Enabled = true
				cfg.Discord.Token = ""
			},
		},
		{
			name:   "unknown store type",
			modify: func(cfg *Config) { cfg.Store.Type = "mongodb" },
		},
		{
			name:   "sqlite without database",
			modify: func(cfg *Config) { cfg.Store.Database = "" },
		},
		{
			name: "redis without address",
			modify: func(cfg *Config) {
				cfg.Store.Type = StoreTypeRedis
				cfg.Store.RedisAddr = ""
			},
		},
		{
			name:   "short lease",
			modify: func(cfg *Config) { cfg.Store.LeaseDuration = time.Millisecond },
		},
		{
			name:   "zero window",
			modify: func(cfg *Config) { cfg.OpenAI.Window = 0 },
		},
		{
			name:   "zero max tokens",
			modify: func(cfg *Config) { cfg.OpenAI.MaxTokens = 0 },
		},
		{
			name:   "zero rate limit",
			modify: func(cfg *Config) { cfg.RateLimit.MaxRequestsPerSecond = 0 },
		},
		{
			name:   "negative queue size",
			modify: func(cfg *Config) { cfg.Dispatcher.QueueSize = -1 },
		},
		{
			name:   "bad relay url",
			modify: func(cfg *Config) { cfg.Discord.RelayURL = "not a url" },
		},
		{
			name: "relay enabled without listen address",
			modify: func(cfg *Config) {
				cfg.Relay.Enabled = true
				cfg.Relay.Listen = ""
			},
		},
		{
			name:   "bad listen network",
			modify: func(cfg *Config) { cfg.Relay.ListenNetwork = "udp" },
		},
		{
			name:   "missing section",
			modify: func(cfg *Config) { cfg.Dispatcher = nil },
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)
				assert.Error(t, cfg.Validate())
			},
		)
	}
}

func TestConfig_ValidateOptional(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Store.Type = StoreTypeMemory
	cfg.Store.Database = ""
	cfg.Discord.RelayURL = "http://127.0.0.1:5000/process"
	cfg.Relay.ListenNetwork = ""
	cfg.Dispatcher.BusyMaxWait = 0
	cfg.RateLimit.SweepInterval = 0
	assert.NoError(t, cfg.Validate())
}

func TestConfig_LogValue(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Store.RedisPassword = "hunter2"

	v := cfg.LogValue()
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "WARN", attrs["log_level"].String())

	openaiAttrs := map[string]string{}
	for _, a := range attrs["openai"].Group() {
		openaiAttrs[a.Key] = a.Value.String()
	}
	assert.Equal(t, "[redacted]", openaiAttrs["token"])
	assert.Equal(t, DefaultOpenAIModel, openaiAttrs["model"])

	storeAttrs := map[string]string{}
	for _, a := range attrs["store"].Group() {
		storeAttrs[a.Key] = a.Value.String()
	}
	assert.Equal(t, "[redacted]", storeAttrs["redis_password"])
	assert.Equal(t, "[redacted]", storeAttrs["database"])
	assert.NotContains(t, v.String(), "hunter2")
	assert.NotContains(t, v.String(), "test-openai-token")
}
