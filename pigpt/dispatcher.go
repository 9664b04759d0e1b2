package pigpt

import (
	"context"
	"errors"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// clearCommandResponse is the reply sent after a user's history is
// cleared with the clear command
const clearCommandResponse = "I've forgotten our conversation!"

// ErrDispatcherStopped is returned by Dispatch after the dispatcher's
// context has ended
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Responder returns a reply to a user's message
type Responder interface {
	Respond(ctx context.Context, user string, text string) (string, error)
}

// conversationHandler is implemented by ConversationManager
type conversationHandler interface {
	HandleTurn(ctx context.Context, user string, text string) (string, error)
	Clear(ctx context.Context, user string) error
}

type dispatchResult struct {
	reply string
	err   error
}

// dispatchRequest is a single inbound message waiting on a user worker
type dispatchRequest struct {
	ctx        context.Context
	id         string
	text       string
	receivedAt time.Time
	replyCh    chan dispatchResult
}

// Dispatcher sends inbound messages through the RateLimiter and the
// conversation manager. Each active user has a worker goroutine, so a
// user's messages are handled one at a time, in the order received,
// while different users proceed independently.
type Dispatcher struct {
	conversations conversationHandler
	limiter       *RateLimiter
	config        DispatcherConfig
	clearCommand  string
	logger        *slog.Logger
	metrics       *Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	workers map[string]*userWorker
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Stop must be called to stop its
// workers.
func NewDispatcher(
	conversations conversationHandler,
	limiter *RateLimiter,
	config DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultDispatcherIdleTimeout
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		conversations: conversations,
		limiter:       limiter,
		config:        config,
		clearCommand:  DefaultDiscordClearCommand,
		logger:        logger.With(loggerNameKey, "dispatcher"),
		ctx:           ctx,
		cancel:        cancel,
		workers:       map[string]*userWorker{},
	}
}

// Respond implements Responder
func (d *Dispatcher) Respond(ctx context.Context, user string, text string) (string, error) {
	return d.Dispatch(ctx, user, text)
}

// Dispatch queues the message on the user's worker and waits for the
// reply. The message is abandoned if ctx ends before the worker gets to it.
func (d *Dispatcher) Dispatch(ctx context.Context, user string, text string) (string, error) {
	if err := d.ctx.Err(); err != nil {
		return "", ErrDispatcherStopped
	}
	req := &dispatchRequest{
		ctx:        ctx,
		id:         newID(),
		text:       text,
		receivedAt: time.Now(),
		replyCh:    make(chan dispatchResult, 1),
	}

	w, err := d.reserveWorker(user)
	if err != nil {
		return "", err
	}
	select {
	case w.queue <- req:
	case <-ctx.Done():
		d.unreserve(w)
		return "", ctx.Err()
	case <-w.done:
		d.unreserve(w)
		return "", ErrDispatcherStopped
	}

	select {
	case res := <-req.replyCh:
		return res.reply, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-w.done:
		select {
		case res := <-req.replyCh:
			return res.reply, res.err
		default:
			return "", ErrDispatcherStopped
		}
	}
}

// Workers returns the number of running user workers
func (d *Dispatcher) Workers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Stop stops all user workers, waiting for them to finish. Messages not
// yet being processed get ErrDispatcherStopped, and Dispatch returns
// ErrDispatcherStopped from then on.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
}

// reserveWorker returns the user's worker, starting one if needed, and
// marks a message as pending on it so it won't stop for being idle
// until the message is received. ErrDispatcherStopped is returned once
// Stop has been called.
func (d *Dispatcher) reserveWorker(user string) (*userWorker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx.Err() != nil {
		return nil, ErrDispatcherStopped
	}

	w, ok := d.workers[user]
	if !ok {
		w = &userWorker{
			user:  user,
			queue: make(chan *dispatchRequest, d.config.QueueSize),
			done:  make(chan struct{}),
			d:     d,
		}
		d.workers[user] = w
		if d.metrics != nil {
			d.metrics.activeWorkers.Inc()
		}
		d.wg.Add(1)
		go w.run(d.ctx)
	}
	w.pending++
	return w, nil
}

func (d *Dispatcher) unreserve(w *userWorker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w.pending--
}

// removeIdle removes the worker from the worker map if no messages are
// pending on it, returning true if it was removed
func (d *Dispatcher) removeIdle(w *userWorker) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w.pending > 0 {
		return false
	}
	d.removeLocked(w)
	return true
}

func (d *Dispatcher) removeLocked(w *userWorker) {
	if current, ok := d.workers[w.user]; ok && current == w {
		delete(d.workers, w.user)
		if d.metrics != nil {
			d.metrics.activeWorkers.Dec()
		}
	}
}

// admit blocks until the RateLimiter admits the user. When refused, it
// waits one limiter interval before asking again.
func (d *Dispatcher) admit(ctx context.Context, user string) error {
	started := time.Now()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for !d.limiter.Admit(user) {
		if timer == nil {
			timer = time.NewTimer(d.limiter.Interval())
		} else {
			timer.Reset(d.limiter.Interval())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if d.metrics != nil {
		d.metrics.admissionWait.Observe(time.Since(started).Seconds())
	}
	return nil
}

// retryBusy calls fn until it returns something other than ErrUserBusy,
// waiting BusyRetryInterval between attempts. It gives up after
// BusyMaxWait (if set), returning ErrUserBusy.
func (d *Dispatcher) retryBusy(
	ctx context.Context,
	logger *slog.Logger,
	fn func(ctx context.Context) error,
) error {
	var giveUp <-chan time.Time
	if d.config.BusyMaxWait > 0 {
		t := time.NewTimer(d.config.BusyMaxWait)
		defer t.Stop()
		giveUp = t.C
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if !errors.Is(err, ErrUserBusy) || d.config.BusyRetryInterval <= 0 {
			return err
		}
		logger.InfoContext(
			ctx,
			"user busy, retrying",
			"attempt", attempt,
			"retry_in", d.config.BusyRetryInterval,
		)
		retry := time.NewTimer(d.config.BusyRetryInterval)
		select {
		case <-ctx.Done():
			retry.Stop()
			return ctx.Err()
		case <-giveUp:
			retry.Stop()
			return err
		case <-retry.C:
		}
	}
}

// userWorker handles messages for a single user, in order
type userWorker struct {
	user  string
	queue chan *dispatchRequest

	// pending is the number of Dispatch calls which have reserved this
	// worker but whose message hasn't been received yet. Guarded by the
	// Dispatcher's mutex.
	pending int

	// done is closed when the worker stops
	done chan struct{}
	d    *Dispatcher
}

// run receives messages until ctx ends, or until no messages arrive for
// the dispatcher's idle timeout
func (w *userWorker) run(ctx context.Context) {
	d := w.d
	log := d.logger.With("user_id", w.user)
	startedAt := time.Now()
	log.DebugContext(ctx, "starting user worker")

	idle := time.NewTimer(d.config.IdleTimeout)
	defer func() {
		idle.Stop()
		d.mu.Lock()
		d.removeLocked(w)
		close(w.done)
		d.mu.Unlock()
		log.DebugContext(
			ctx,
			"stopped user worker",
			"runtime", time.Since(startedAt),
		)
		d.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case <-idle.C:
			if d.removeIdle(w) {
				log.DebugContext(
					ctx,
					"no messages received, stopping worker",
					"idle_timeout", d.config.IdleTimeout,
				)
				return
			}
			idle.Reset(d.config.IdleTimeout)
		case req := <-w.queue:
			d.unreserve(w)
			if ctx.Err() != nil {
				req.replyCh <- dispatchResult{err: ErrDispatcherStopped}
				w.drain()
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			w.handle(ctx, log, req)
			idle.Reset(d.config.IdleTimeout)
		}
	}
}

// drain answers messages still buffered when the worker stops
func (w *userWorker) drain() {
	for {
		select {
		case req := <-w.queue:
			w.d.unreserve(w)
			req.replyCh <- dispatchResult{err: ErrDispatcherStopped}
		default:
			return
		}
	}
}

func (w *userWorker) handle(workerCtx context.Context, log *slog.Logger, req *dispatchRequest) {
	d := w.d
	if req.ctx.Err() != nil {
		log.WarnContext(workerCtx, "message abandoned before processing", "request_id", req.id)
		req.replyCh <- dispatchResult{err: req.ctx.Err()}
		return
	}

	// the message stops being processed if either the caller or the
	// dispatcher gives up
	ctx, cancel := context.WithCancel(req.ctx)
	stop := context.AfterFunc(workerCtx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	logger := log.With("request_id", req.id)
	ctx = WithLogger(ctx, logger)

	var res dispatchResult
	switch {
	case d.isClearCommand(req.text):
		logger.InfoContext(ctx, "got clear command")
		res.err = d.retryBusy(ctx, logger, func(ctx context.Context) error {
			return d.conversations.Clear(ctx, w.user)
		})
		if res.err == nil {
			res.reply = clearCommandResponse
		}
	default:
		if err := d.admit(ctx, w.user); err != nil {
			res.err = err
			break
		}
		res.err = d.retryBusy(ctx, logger, func(ctx context.Context) error {
			reply, err := d.conversations.HandleTurn(ctx, w.user, req.text)
			res.reply = reply
			return err
		})
	}

	if res.err != nil {
		logger.ErrorContext(ctx, "error handling message", tint.Err(res.err))
	} else {
		logger.InfoContext(
			ctx,
			"handled message",
			"duration", time.Since(req.receivedAt),
		)
	}
	req.replyCh <- res
}

func (d *Dispatcher) isClearCommand(text string) bool {
	return d.clearCommand != "" &&
		strings.EqualFold(strings.TrimSpace(text), d.clearCommand)
}
