//nolint:lll // struct tags can't be split
package pigpt

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix = "PIGPT_ENV_PREFIX"
	DefaultEnvPrefix   = "PIGPT"
	DefaultLogLevel    = slog.LevelInfo

	DefaultShutdownTimeout = 30 * time.Second

	DefaultStoreType          = StoreTypeSQLite
	DefaultDatabase           = "pigpt.sqlite3"
	DefaultRedisAddr          = "127.0.0.1:6379"
	DefaultLeaseDuration      = 60 * time.Second
	DefaultDatabaseLogLevel   = slog.LevelWarn
	DefaultDatabaseSlowThresh = 200 * time.Millisecond

	DefaultOpenAIModel                = openai.GPT3Dot5Turbo
	DefaultOpenAIWindow               = 8
	DefaultOpenAIMaxTokens            = 1999
	DefaultOpenAIRequestTimeout       = 45 * time.Second
	DefaultOpenAIMaxRequestsPerSecond = 3
	DefaultOpenAILogLevel             = slog.LevelInfo
	DefaultSystemPrompt               = "You are πGPT. You will make sure you always think through your responses step-by-step and reiterate till you are certain you did not make any mistakes. Do not make any assumptions."

	DefaultRateLimitMaxRequestsPerSecond = 1.0
	DefaultRateLimitIdleTTL              = time.Hour
	DefaultRateLimitSweepInterval        = 10 * time.Minute

	DefaultDispatcherIdleTimeout       = 2 * time.Minute
	DefaultDispatcherBusyRetryInterval = time.Second
	DefaultDispatcherBusyMaxWait       = 90 * time.Second
	DefaultDispatcherQueueSize         = 10

	DefaultDiscordLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel      = slog.LevelWarn
	DefaultDiscordGatewayIntent   = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	DefaultDiscordErrorMessage    = "Sorry, I couldn't process that right now."
	DefaultDiscordBusyMessage     = "I'm still working on your last message!"
	DefaultDiscordNoReplyMessage  = "I'm sorry, but I couldn't generate a response."
	DefaultDiscordPrivatePrefix   = "?"
	DefaultDiscordClearCommand    = "!clear"
	DefaultDiscordResponseTimeout = 5 * time.Minute
	discordMaxMessageLength       = 2000

	DefaultRelayListen            = "127.0.0.1:5000"
	DefaultRelayLogLevel          = slog.LevelInfo
	DefaultRelayRequestTimeout    = 5 * time.Minute
	DefaultReadTimeout            = 5 * time.Second
	DefaultReadHeaderTimeout      = 5 * time.Second
	DefaultWriteTimeout           = 6 * time.Minute
	DefaultIdleTimeout            = 30 * time.Second
	DefaultRelayTLSMinVersion     = tls.VersionTLS12
	defaultListenNetwork          = "tcp"
	DefaultCORSMaxAge             = 12 * time.Hour
	DefaultRelayAllowCredentials  = false
	DefaultRelayClientHTTPTimeout = 6 * time.Minute
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodPost,
		http.MethodOptions,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
)

var configValidator = newConfigValidator()

// newConfigValidator returns a validator reading the same `binding` tags
// gin uses for request structs
func newConfigValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

type Config struct {
	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// ShutdownTimeout is the time to allow for a graceful shutdown of the
	// relay server and Discord session.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Store configures where conversation history and leases are persisted
	Store *StoreConfig `yaml:"store" mapstructure:"store" json:"store" binding:"required"`

	// OpenAI configures the completion backend
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`

	// RateLimit configures the per-user request spacing
	RateLimit *RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit" json:"rate_limit" binding:"required"`

	// Dispatcher configures the per-user message workers
	Dispatcher *DispatcherConfig `yaml:"dispatcher" mapstructure:"dispatcher" json:"dispatcher" binding:"required"`

	// Discord configures the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// Relay configures the HTTP relay endpoint
	Relay *RelayConfig `yaml:"relay" mapstructure:"relay" json:"relay" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]" binding:"-"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks the `binding` tags of the config and its sections
func (c *Config) Validate() error {
	return configValidator.Struct(c)
}

// StoreConfig selects and configures the conversation Store
type StoreConfig struct {
	// Type of store: 'memory', 'sqlite', 'postgres' or 'redis'
	Type string `yaml:"type" mapstructure:"type" json:"type" binding:"oneof=memory sqlite postgres redis"`

	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]" binding:"required_if=Type sqlite,required_if=Type postgres"`

	// Redis server address, used when Type is 'redis'
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr" json:"redis_addr" binding:"required_if=Type redis"`

	// Redis password, used when Type is 'redis'
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password" json:"redis_password" log:"[redacted]"`

	// Redis database number, used when Type is 'redis'
	RedisDB int `yaml:"redis_db" mapstructure:"redis_db" json:"redis_db" binding:"min=0"`

	// LeaseDuration is how long a per-user lock is held before another
	// request may take it over
	LeaseDuration time.Duration `yaml:"lease_duration" mapstructure:"lease_duration" json:"lease_duration" binding:"min=1s"`

	// LogLevel sets the log level for database operations
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// SlowThreshold is the duration threshold for identifying slow queries
	SlowThreshold time.Duration `yaml:"slow_threshold" mapstructure:"slow_threshold" json:"slow_threshold"`
}

// OpenAIConfig configures OpenAI API integration
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Chat completion model
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// Custom API base URL (ex: for a proxy). Empty uses the default.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// SystemPrompt seeds every new conversation
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt" binding:"required"`

	// Window is the number of most recent messages sent to the backend
	Window int `yaml:"window" mapstructure:"window" json:"window" binding:"min=1"`

	// MaxTokens is both the completion token limit and the budget at
	// which a user's history is reset
	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=1"`

	// RequestTimeout limits a single completion call
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// MaxRequestsPerSecond limits calls to the API across all users
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	// OpenAI log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// RateLimitConfig configures the per-user RateLimiter
type RateLimitConfig struct {
	// MaxRequestsPerSecond is a minimum spacing rule per user: with 1,
	// each user may send one message per second.
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	// IdleTTL is how long an idle user's entry is kept before being swept
	IdleTTL time.Duration `yaml:"idle_ttl" mapstructure:"idle_ttl" json:"idle_ttl"`

	// SweepInterval is how often idle entries are swept. 0 disables sweeping.
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval"`
}

// DispatcherConfig configures the per-user message workers
type DispatcherConfig struct {
	// IdleTimeout is how long a user's worker waits for another message
	// before stopping
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// BusyRetryInterval is how long to wait before retrying a message
	// whose user lease is held elsewhere
	BusyRetryInterval time.Duration `yaml:"busy_retry_interval" mapstructure:"busy_retry_interval" json:"busy_retry_interval"`

	// BusyMaxWait bounds how long a message is retried while the user is
	// busy. 0=until the caller gives up.
	BusyMaxWait time.Duration `yaml:"busy_max_wait" mapstructure:"busy_max_wait" json:"busy_max_wait"`

	// QueueSize is the number of messages buffered per user worker
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" json:"queue_size" binding:"min=0"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Enabled determines whether the Discord gateway session is started
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required_if=Enabled true"`

	// RelayURL, if set, sends messages to a relay endpoint rather than
	// handling them in-process (ex: http://127.0.0.1:5000/process)
	RelayURL string `yaml:"relay_url" mapstructure:"relay_url" json:"relay_url" binding:"omitempty,url"`

	// PrivatePrefix marks messages which should be answered by direct message
	PrivatePrefix string `yaml:"private_prefix" mapstructure:"private_prefix" json:"private_prefix"`

	// ErrorMessage is sent when a message couldn't be processed
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message"`

	// BusyMessage is sent when the user's previous message is still in progress
	BusyMessage string `yaml:"busy_message" mapstructure:"busy_message" json:"busy_message"`

	// ResponseTimeout limits the time spent answering a single message
	ResponseTimeout time.Duration `yaml:"response_timeout" mapstructure:"response_timeout" json:"response_timeout"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`
}

// RelayConfig configures the HTTP relay endpoint
type RelayConfig struct {
	// Determines if the relay server should be active.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS. Plain HTTP is served when no cert is set.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// Cross-origin configuration. CORS is disabled without allowed origins.
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// RequestTimeout limits the time spent answering a single request
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout"`

	// The logging level for the relay server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultRelayAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lvl := &slog.LevelVar{}
	lvl.Set(level)
	return lvl
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        newLevelVar(DefaultLogLevel),
		ShutdownTimeout: DefaultShutdownTimeout,
		Store: &StoreConfig{
			Type:          DefaultStoreType,
			Database:      DefaultDatabase,
			RedisAddr:     DefaultRedisAddr,
			LeaseDuration: DefaultLeaseDuration,
			LogLevel:      newLevelVar(DefaultDatabaseLogLevel),
			SlowThreshold: DefaultDatabaseSlowThresh,
		},
		OpenAI: &OpenAIConfig{
			Model:                DefaultOpenAIModel,
			SystemPrompt:         DefaultSystemPrompt,
			Window:               DefaultOpenAIWindow,
			MaxTokens:            DefaultOpenAIMaxTokens,
			RequestTimeout:       DefaultOpenAIRequestTimeout,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			LogLevel:             newLevelVar(DefaultOpenAILogLevel),
		},
		RateLimit: &RateLimitConfig{
			MaxRequestsPerSecond: DefaultRateLimitMaxRequestsPerSecond,
			IdleTTL:              DefaultRateLimitIdleTTL,
			SweepInterval:        DefaultRateLimitSweepInterval,
		},
		Dispatcher: &DispatcherConfig{
			IdleTimeout:       DefaultDispatcherIdleTimeout,
			BusyRetryInterval: DefaultDispatcherBusyRetryInterval,
			BusyMaxWait:       DefaultDispatcherBusyMaxWait,
			QueueSize:         DefaultDispatcherQueueSize,
		},
		Discord: &DiscordConfig{
			Enabled:           true,
			PrivatePrefix:     DefaultDiscordPrivatePrefix,
			ErrorMessage:      DefaultDiscordErrorMessage,
			BusyMessage:       DefaultDiscordBusyMessage,
			ResponseTimeout:   DefaultDiscordResponseTimeout,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
		},
		Relay: &RelayConfig{
			Enabled:       true,
			Listen:        DefaultRelayListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultRelayTLSMinVersion,
			},
			CORS:              DefaultCORSConfig(),
			RequestTimeout:    DefaultRelayRequestTimeout,
			LogLevel:          newLevelVar(DefaultRelayLogLevel),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
