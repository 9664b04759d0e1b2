package cmd

import (
	"context"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/pigpt/pigpt/pigpt"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = pigpt.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "pigpt [flags]",
	Short: "πGPT: a Discord chat bot backed by OpenAI, with per-user memory",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

// unmarshalConfig decodes the current viper settings into config
func unmarshalConfig(config *pigpt.Config) error {
	return viper.Unmarshal(
		config,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

var levelVarType = reflect.TypeOf((*slog.LevelVar)(nil)).Elem()

// LevelToStringHookFunc decodes log level names ("DEBUG", "INFO", ...)
// into slog.LevelVar fields. mapstructure hands a non-nil pointer field
// to the hook as its element type, so both *slog.LevelVar and
// slog.LevelVar targets are matched.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		if t != levelVarType {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setDefaults(defaults *pigpt.Config) {
	viper.SetDefault("log_level", defaults.LogLevel.Level().String())
	viper.SetDefault("shutdown_timeout", defaults.ShutdownTimeout)

	// Store config
	viper.SetDefault("store.type", defaults.Store.Type)
	viper.SetDefault("store.database", defaults.Store.Database)
	viper.SetDefault("store.redis_addr", defaults.Store.RedisAddr)
	viper.SetDefault("store.redis_password", "")
	viper.SetDefault("store.redis_db", defaults.Store.RedisDB)
	viper.SetDefault("store.lease_duration", defaults.Store.LeaseDuration)
	viper.SetDefault("store.log_level", defaults.Store.LogLevel.Level().String())
	viper.SetDefault("store.slow_threshold", defaults.Store.SlowThreshold)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.model", defaults.OpenAI.Model)
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.system_prompt", defaults.OpenAI.SystemPrompt)
	viper.SetDefault("openai.window", defaults.OpenAI.Window)
	viper.SetDefault("openai.max_tokens", defaults.OpenAI.MaxTokens)
	viper.SetDefault("openai.request_timeout", defaults.OpenAI.RequestTimeout)
	viper.SetDefault(
		"openai.max_requests_per_second",
		defaults.OpenAI.MaxRequestsPerSecond,
	)
	viper.SetDefault("openai.log_level", defaults.OpenAI.LogLevel.Level().String())

	// Per-user rate limit config
	viper.SetDefault(
		"rate_limit.max_requests_per_second",
		defaults.RateLimit.MaxRequestsPerSecond,
	)
	viper.SetDefault("rate_limit.idle_ttl", defaults.RateLimit.IdleTTL)
	viper.SetDefault("rate_limit.sweep_interval", defaults.RateLimit.SweepInterval)

	// Dispatcher config
	viper.SetDefault("dispatcher.idle_timeout", defaults.Dispatcher.IdleTimeout)
	viper.SetDefault(
		"dispatcher.busy_retry_interval",
		defaults.Dispatcher.BusyRetryInterval,
	)
	viper.SetDefault("dispatcher.busy_max_wait", defaults.Dispatcher.BusyMaxWait)
	viper.SetDefault("dispatcher.queue_size", defaults.Dispatcher.QueueSize)

	// Discord config
	viper.SetDefault("discord.enabled", defaults.Discord.Enabled)
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.relay_url", "")
	viper.SetDefault("discord.private_prefix", defaults.Discord.PrivatePrefix)
	viper.SetDefault("discord.error_message", defaults.Discord.ErrorMessage)
	viper.SetDefault("discord.busy_message", defaults.Discord.BusyMessage)
	viper.SetDefault("discord.response_timeout", defaults.Discord.ResponseTimeout)
	viper.SetDefault("discord.gateway_intents", int(defaults.Discord.GatewayIntents))
	viper.SetDefault("discord.log_level", defaults.Discord.LogLevel.Level().String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		defaults.Discord.DiscordGoLogLevel.Level().String(),
	)

	// Relay config
	viper.SetDefault("relay.enabled", defaults.Relay.Enabled)
	viper.SetDefault("relay.listen", defaults.Relay.Listen)
	viper.SetDefault("relay.listen_network", defaults.Relay.ListenNetwork)
	viper.SetDefault("relay.request_timeout", defaults.Relay.RequestTimeout)
	viper.SetDefault("relay.log_level", defaults.Relay.LogLevel.Level().String())
	viper.SetDefault("relay.read_timeout", defaults.Relay.ReadTimeout)
	viper.SetDefault("relay.read_header_timeout", defaults.Relay.ReadHeaderTimeout)
	viper.SetDefault("relay.write_timeout", defaults.Relay.WriteTimeout)
	viper.SetDefault("relay.idle_timeout", defaults.Relay.IdleTimeout)
	viper.SetDefault("relay.ssl.cert", "")
	viper.SetDefault("relay.ssl.key", "")
	viper.SetDefault("relay.ssl.tls_min_version", defaults.Relay.SSL.TLSMinVersion)

	// Relay: CORS config
	viper.SetDefault("relay.cors.allow_origins", defaults.Relay.CORS.AllowOrigins)
	viper.SetDefault("relay.cors.allow_methods", defaults.Relay.CORS.AllowMethods)
	viper.SetDefault("relay.cors.allow_headers", defaults.Relay.CORS.AllowHeaders)
	viper.SetDefault("relay.cors.expose_headers", defaults.Relay.CORS.ExposeHeaders)
	viper.SetDefault(
		"relay.cors.allow_credentials",
		defaults.Relay.CORS.AllowCredentials,
	)
	viper.SetDefault("relay.cors.max_age", defaults.Relay.CORS.MaxAge)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading env file %s: %v", configFile, err)
		}
	}

	setDefaults(pigpt.DefaultConfig())

	envPrefix := os.Getenv(pigpt.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = pigpt.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from",
	)
}
