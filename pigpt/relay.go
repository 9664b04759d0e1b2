package pigpt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	relayPathProcess     = "/process"
	relayPathHealthCheck = "/healthz"
	relayPathMetrics     = "/metrics"

	xRequestIDHeader = "X-Request-ID"

	// InputTypeText is the only supported ProcessRequest.InputType
	InputTypeText = "text"

	relayErrBadRequest = "Bad request"
	relayErrUserBusy   = "User busy"
	relayErrServer     = "Server error"
)

// ProcessRequest is the body of a relay POST /process request
type ProcessRequest struct {
	Username     string `json:"username" binding:"required"`
	MessageInput string `json:"message_input" binding:"required"`
	InputType    string `json:"input_type" binding:"required,oneof=text"`
}

type httpError struct {
	Error string `json:"error"`
}

type healthCheckResponse struct {
	Status  string `json:"status"`
	Workers int    `json:"workers"`
}

// Relay is an HTTP server exposing the Responder at POST /process, so
// other front-ends can use the bot's conversation pipeline.
type Relay struct {
	config     *RelayConfig
	engine     *gin.Engine
	httpServer *http.Server
	responder  Responder
	logger     *slog.Logger
	metrics    *Metrics

	// workers reports the number of active user workers for the health check
	workers func() int

	listener   net.Listener
	listenerMu sync.Mutex
}

func newRelay(
	config *RelayConfig,
	responder Responder,
	metrics *Metrics,
	logger *slog.Logger,
) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	relay := &Relay{
		config:    config,
		engine:    r,
		responder: responder,
		logger:    logger,
		metrics:   metrics,
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	relay.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		relay.metricMiddleware(),
	)
	if len(config.CORS.AllowOrigins) > 0 {
		r.Use(cors.New(config.CORS.GINConfig()))
	}

	r.POST(relayPathProcess, relay.process)
	r.GET(relayPathHealthCheck, relay.healthCheck)
	if metrics != nil {
		r.GET(
			relayPathMetrics,
			gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})),
		)
	}

	return relay, nil
}

// Handler returns the relay's http.Handler
func (r *Relay) Handler() http.Handler {
	return r.engine
}

// Addr returns the address the relay is listening on, or nil if it
// isn't listening yet
func (r *Relay) Addr() net.Addr {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Serve listens on the configured address and serves requests until
// Shutdown is called. http.ErrServerClosed is returned after a shutdown.
func (r *Relay) Serve(ctx context.Context) error {
	listenCfg := &net.ListenConfig{}
	network := r.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	ln, err := listenCfg.Listen(ctx, network, r.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", r.config.Listen, err)
	}
	if r.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, r.httpServer.TLSConfig)
	}

	r.listenerMu.Lock()
	r.listener = ln
	r.listenerMu.Unlock()

	r.logger.InfoContext(ctx, "relay listening", "addr", ln.Addr().String())
	return r.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// until ctx ends
func (r *Relay) Shutdown(ctx context.Context) error {
	return r.httpServer.Shutdown(ctx)
}

// process handles POST /process, getting a reply from the Responder
func (r *Relay) process(c *gin.Context) {
	started := time.Now()
	logger := ginContextLogger(c)

	if c.ContentType() != binding.MIMEJSON {
		logger.Warn("unsupported content type", "content_type", c.ContentType())
		c.JSON(http.StatusBadRequest, httpError{Error: relayErrBadRequest})
		return
	}

	var req ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: relayErrBadRequest})
		return
	}

	ctx := c.Request.Context()
	if r.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.RequestTimeout)
		defer cancel()
	}
	logger = logger.With("user_id", req.Username)
	ctx = WithLogger(ctx, logger)

	reply, err := r.responder.Respond(ctx, req.Username, req.MessageInput)
	processingTime := time.Since(started).Milliseconds()
	if err != nil {
		if errors.Is(err, ErrUserBusy) {
			logger.WarnContext(ctx, "user busy", "processing_time_ms", processingTime)
			c.JSON(http.StatusConflict, httpError{Error: relayErrUserBusy})
			return
		}
		_ = c.Error(err)
		logger.ErrorContext(
			ctx,
			"error processing message",
			tint.Err(err),
			"processing_time_ms", processingTime,
		)
		c.JSON(http.StatusInternalServerError, httpError{Error: relayErrServer})
		return
	}

	logger.InfoContext(ctx, "processed message", "processing_time_ms", processingTime)
	// the reply is sent as a bare JSON string
	c.JSON(http.StatusOK, reply)
}

// healthCheck handles GET /healthz
func (r *Relay) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{Status: "ok"}
	if r.workers != nil {
		resp.Workers = r.workers()
	}
	c.JSON(http.StatusOK, resp)
}

// metricMiddleware counts requests by response status code
func (r *Relay) metricMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if r.metrics != nil {
			r.metrics.relayRequests.WithLabelValues(strconv.Itoa(c.Writer.Status())).Inc()
		}
	}
}

// requestIDMiddleware assigns a ULID request ID to each incoming request,
// returned in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := newID()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request on completion, with its duration
// and response status
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := setGinContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		errs := c.Errors.ByType(gin.ErrorTypePrivate)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// tlsConfig loads the given cert/key pair
func tlsConfig(certfile string, keyfile string, minVersion uint16) (
	*tls.Config,
	error,
) {
	cert, err := tls.LoadX509KeyPair(certfile, keyfile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}
