package pigpt

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// Version, CommitSHA and BuildTime are set at build time, ex:
	// -ldflags "-X github.com/pigpt/pigpt/pigpt.Version=$$(date +'%Y%m%d')"
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// PiGPT ties the bot's components together: the conversation Store, the
// per-user RateLimiter, the OpenAI completion client, the Dispatcher and
// the Discord and relay front-ends.
type PiGPT struct {
	config *Config
	logger *slog.Logger

	store         Store
	limiter       *RateLimiter
	conversations *ConversationManager
	dispatcher    *Dispatcher
	metrics       *Metrics
	discord       *Discord
	relay         *Relay

	runMu     sync.Mutex
	closeOnce sync.Once
}

// New validates the config and creates every component it enables,
// connecting to the configured Store.
func New(ctx context.Context, config *Config) (*PiGPT, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := newComponentLogger("pigpt", config.LogLevel)
	slog.SetDefault(logger)

	store, err := NewStore(
		ctx,
		config.Store,
		config.OpenAI.SystemPrompt,
		newComponentLogger("database", config.Store.LogLevel),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating %s store: %w", config.Store.Type, err)
	}
	p, err := newPiGPT(config, store, newOpenAI(config.OpenAI, config.HTTPClient), logger)
	if err != nil {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("error closing store", tint.Err(closeErr))
		}
		return nil, err
	}
	return p, nil
}

// newPiGPT wires the components around an existing Store and Completer
func newPiGPT(
	config *Config,
	store Store,
	completer Completer,
	logger *slog.Logger,
) (*PiGPT, error) {
	p := &PiGPT{
		config:  config,
		logger:  logger,
		store:   store,
		limiter: NewRateLimiter(config.RateLimit.MaxRequestsPerSecond),
		metrics: NewMetrics(),
	}

	p.conversations = NewConversationManager(
		store,
		completer,
		config.OpenAI.Window,
		config.OpenAI.MaxTokens,
		logger,
	)
	p.conversations.metrics = p.metrics

	p.dispatcher = NewDispatcher(p.conversations, p.limiter, *config.Dispatcher, logger)
	p.dispatcher.metrics = p.metrics

	var errs []error

	if config.Relay.Enabled {
		relay, err := newRelay(
			config.Relay,
			p.dispatcher,
			p.metrics,
			newComponentLogger("relay", config.Relay.LogLevel),
		)
		if err != nil {
			errs = append(errs, err)
		} else {
			relay.workers = p.dispatcher.Workers
			p.relay = relay
		}
	}

	if config.Discord.Enabled {
		discordgo.Logger = discordgoLoggerFunc(
			context.Background(),
			newComponentLogger("discordgo", config.Discord.DiscordGoLogLevel).Handler(),
		)

		var responder Responder = p.dispatcher
		if config.Discord.RelayURL != "" {
			responder = NewRelayClient(
				config.Discord.RelayURL,
				config.HTTPClient,
				newComponentLogger("relay_client", config.Discord.LogLevel),
			)
		}
		disc := newDiscord(
			config.Discord,
			responder,
			newComponentLogger("discord", config.Discord.LogLevel),
		)
		disc.metrics = p.metrics
		session, err := disc.newSession(config.HTTPClient)
		if err != nil {
			errs = append(errs, err)
		} else {
			disc.session = session
			p.discord = disc
		}
	}

	if len(errs) > 0 {
		p.dispatcher.Stop()
		return nil, errors.Join(errs...)
	}
	return p, nil
}

// Respond gets a reply to the user's message, via the Dispatcher
func (p *PiGPT) Respond(ctx context.Context, user string, text string) (string, error) {
	return p.dispatcher.Dispatch(ctx, user, text)
}

// Store returns the conversation Store
func (p *PiGPT) Store() Store {
	return p.store
}

// Run starts the relay server, the Discord session and the rate limit
// sweeper, and blocks until ctx is canceled or one of them fails. The
// relay is given ShutdownTimeout to finish in-flight requests.
func (p *PiGPT) Run(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	logger := p.logger
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", p.config))

	g, ctx := errgroup.WithContext(ctx)

	if p.relay != nil {
		g.Go(
			func() error {
				err := p.relay.Serve(ctx)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.ErrorContext(ctx, "error serving relay", tint.Err(err))
					return err
				}
				return nil
			},
		)
		g.Go(
			func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(
					context.WithoutCancel(ctx),
					p.shutdownTimeout(),
				)
				defer cancel()
				if err := p.relay.Shutdown(shutdownCtx); err != nil {
					logger.Error("error shutting down relay", tint.Err(err))
					return err
				}
				logger.Info("relay stopped")
				return nil
			},
		)
	}

	if p.discord != nil {
		g.Go(
			func() error {
				return p.discord.Run(ctx)
			},
		)
	} else {
		logger.WarnContext(ctx, "discord disabled")
	}

	g.Go(
		func() error {
			p.sweepRateLimits(ctx, p.config.RateLimit.SweepInterval, p.config.RateLimit.IdleTTL)
			return nil
		},
	)

	err := g.Wait()
	logger.Info("stopped", "error", err)
	return err
}

func (p *PiGPT) shutdownTimeout() time.Duration {
	if p.config.ShutdownTimeout > 0 {
		return p.config.ShutdownTimeout
	}
	return DefaultShutdownTimeout
}

// sweepRateLimits evicts idle RateLimiter entries every interval, until
// ctx ends
func (p *PiGPT) sweepRateLimits(ctx context.Context, interval time.Duration, idle time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := p.limiter.Sweep(idle); removed > 0 {
				p.logger.DebugContext(
					ctx,
					"swept idle rate limit entries",
					"removed", removed,
					"remaining", p.limiter.Len(),
				)
			}
		}
	}
}

// Close stops the Dispatcher's workers and closes the Store
func (p *PiGPT) Close() error {
	var err error
	p.closeOnce.Do(
		func() {
			p.dispatcher.Stop()
			err = p.store.Close()
		},
	)
	return err
}
