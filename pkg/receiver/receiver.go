package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-subreceiver/pkg/dedup"
	"github.com/illmade-knight/go-subreceiver/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Stats are running counters for a receiver. They are not reset by Stop.
type Stats struct {
	Received        int64 `json:"received"`
	Duplicates      int64 `json:"duplicates"`
	HandlerFailures int64 `json:"handlerFailures"`
}

// Option configures optional collaborators of a SubscriptionReceiver.
type Option func(*SubscriptionReceiver)

// WithDuplicateFilter drops messages whose identity was already seen inside
// the filter's window. The filter is not closed by the receiver.
func WithDuplicateFilter(f dedup.Filter) Option {
	return func(r *SubscriptionReceiver) {
		r.filter = f
	}
}

type handlerEntry struct {
	id      int
	handler Handler
}

// SubscriptionReceiver owns one subscription and runs a background polling
// loop that notifies registered handlers of every message it pulls.
//
// It has two states, Stopped (initial) and Running. Start and Stop move
// between them and fail when called in the wrong state. A Stop whose ctx
// ends before the loop exits leaves the receiver stopping: Start refuses with
// ErrStopping until the old loop is gone.
type SubscriptionReceiver struct {
	cfg    *Config
	poller Poller
	filter dedup.Filter
	logger zerolog.Logger

	// lifecycle serializes Start, Stop and Close. It is held while Stop
	// waits for the loop, so the loop itself only ever takes stateMu.
	lifecycle sync.Mutex

	stateMu  sync.Mutex
	running  bool
	closed   bool
	cancel   context.CancelFunc
	doneChan chan struct{}
	lastErr  error

	handlersMu    sync.RWMutex
	handlers      []handlerEntry
	nextHandlerID int

	closeOnce sync.Once
	closeErr  error

	received        atomic.Int64
	duplicates      atomic.Int64
	handlerFailures atomic.Int64
}

// NewSubscriptionReceiver provisions the topic and subscription named in cfg
// and returns a stopped receiver. Entities that already exist are accepted.
// The receiver takes ownership of poller and closes it on Close, or right
// away if construction fails.
func NewSubscriptionReceiver(
	ctx context.Context,
	cfg *Config,
	provisioner Provisioner,
	poller Poller,
	logger zerolog.Logger,
	opts ...Option,
) (*SubscriptionReceiver, error) {
	if poller == nil {
		return nil, fmt.Errorf("poller cannot be nil")
	}
	if cfg == nil {
		_ = poller.Close()
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		_ = poller.Close()
		return nil, fmt.Errorf("invalid receiver config: %w", err)
	}
	if provisioner == nil {
		_ = poller.Close()
		return nil, fmt.Errorf("provisioner cannot be nil")
	}

	r := &SubscriptionReceiver{
		cfg:    cfg,
		poller: poller,
		logger: logger.With().
			Str("component", "SubscriptionReceiver").
			Str("receiver_id", uuid.NewString()).
			Str("topic_id", cfg.TopicID).
			Str("subscription_id", cfg.SubscriptionID).
			Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.provision(ctx, provisioner); err != nil {
		_ = poller.Close()
		return nil, err
	}
	r.logger.Info().Bool("dedup_enabled", r.filter != nil).Msg("Subscription receiver ready.")
	return r, nil
}

func (r *SubscriptionReceiver) provision(ctx context.Context, p Provisioner) error {
	timeout := r.cfg.ProvisionTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	provisionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.EnsureTopic(provisionCtx, r.cfg.TopicID, r.cfg.Topic)
	switch {
	case err == nil:
		r.logger.Info().Msg("Created topic.")
	case isAlreadyExists(err):
		r.logger.Debug().Msg("Topic already exists.")
	default:
		return fmt.Errorf("failed to create topic %s: %w", r.cfg.TopicID, err)
	}

	err = p.EnsureSubscription(provisionCtx, r.cfg.TopicID, r.cfg.SubscriptionID, r.cfg.Subscription)
	switch {
	case err == nil:
		r.logger.Info().Msg("Created subscription.")
	case isAlreadyExists(err):
		r.logger.Debug().Msg("Subscription already exists.")
	default:
		return fmt.Errorf("failed to create subscription %s: %w", r.cfg.SubscriptionID, err)
	}
	return nil
}

func isAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists) || status.Code(err) == codes.AlreadyExists
}

// Subscribe registers a handler and returns a function that removes it.
// Handlers are called in registration order. Calling the returned function
// more than once is harmless.
func (r *SubscriptionReceiver) Subscribe(h Handler) (unsubscribe func()) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	id := r.nextHandlerID
	r.nextHandlerID++
	r.handlers = append(r.handlers, handlerEntry{id: id, handler: h})

	return func() {
		r.handlersMu.Lock()
		defer r.handlersMu.Unlock()
		for i, e := range r.handlers {
			if e.id == id {
				r.handlers = append(r.handlers[:i:i], r.handlers[i+1:]...)
				return
			}
		}
	}
}

// Start launches the receive loop and returns immediately. The loop runs
// until Stop or Close is called, ctx is cancelled, or a poll fails. While a
// previous loop is still winding down Start returns ErrStopping.
func (r *SubscriptionReceiver) Start(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.running {
		return ErrAlreadyRunning
	}
	if r.loopAliveLocked() {
		return ErrStopping
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.running = true
	r.cancel = cancel
	r.doneChan = done
	r.lastErr = nil

	r.logger.Info().Msg("Starting receive loop...")
	go r.receiveLoop(loopCtx, done)
	return nil
}

// Stop cancels the receive loop and waits for it to exit, bounded by ctx.
// Once Stop returns nil no handler is invoked until the next Start. If ctx
// ends first the receiver stays stopping; calling Stop again resumes the wait.
func (r *SubscriptionReceiver) Stop(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.stop(ctx)
}

func (r *SubscriptionReceiver) stop(ctx context.Context) error {
	r.stateMu.Lock()
	if !r.running && !r.loopAliveLocked() {
		r.stateMu.Unlock()
		return ErrNotRunning
	}
	r.running = false
	cancel, done := r.cancel, r.doneChan
	r.stateMu.Unlock()

	r.logger.Info().Msg("Stopping receive loop...")
	cancel()
	return r.awaitLoop(ctx, done)
}

func (r *SubscriptionReceiver) awaitLoop(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		r.logger.Info().Msg("Receive loop confirmed stopped.")
		return nil
	case <-ctx.Done():
		r.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for receive loop to stop.")
		return fmt.Errorf("waiting for receive loop to stop: %w", ctx.Err())
	}
}

// loopAliveLocked reports whether the last started loop has not exited yet.
// Callers hold stateMu.
func (r *SubscriptionReceiver) loopAliveLocked() bool {
	if r.doneChan == nil {
		return false
	}
	select {
	case <-r.doneChan:
		return false
	default:
		return true
	}
}

// Close stops the receiver if it is running and releases the poller once the
// loop has exited. It is safe to call more than once; if ctx ends before the
// loop exits the poller is left open and a later Close retries. A closed
// receiver cannot be started again.
func (r *SubscriptionReceiver) Close(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.stateMu.Lock()
	r.closed = true
	alive := r.running || r.loopAliveLocked()
	r.stateMu.Unlock()

	if alive {
		if err := r.stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
			return err
		}
	}

	r.closeOnce.Do(func() {
		r.logger.Info().Msg("Closing poller.")
		if err := r.poller.Close(); err != nil {
			r.closeErr = fmt.Errorf("failed to close poller: %w", err)
		}
	})
	return r.closeErr
}

// Running reports whether the receive loop is active.
func (r *SubscriptionReceiver) Running() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.running
}

// Done returns a channel that is closed when the most recently started loop
// exits. Before the first Start the returned channel is already closed.
func (r *SubscriptionReceiver) Done() <-chan struct{} {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.doneChan == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return r.doneChan
}

// Err returns the poll error that ended the most recent loop, if any.
func (r *SubscriptionReceiver) Err() error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.lastErr
}

// Stats returns a snapshot of the receiver's counters.
func (r *SubscriptionReceiver) Stats() Stats {
	return Stats{
		Received:        r.received.Load(),
		Duplicates:      r.duplicates.Load(),
		HandlerFailures: r.handlerFailures.Load(),
	}
}

// receiveLoop checks for cancellation before every poll, so a cancelled loop
// never starts another broker round-trip or handler call.
func (r *SubscriptionReceiver) receiveLoop(ctx context.Context, done chan struct{}) {
	var loopErr error
	defer func() {
		r.loopExited(done, loopErr)
		close(done)
	}()
	r.logger.Info().Msg("Receive loop started.")

	for {
		if ctx.Err() != nil {
			r.logger.Info().Msg("Receive loop shutting down due to context cancellation.")
			return
		}

		msg, err := r.poller.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				r.logger.Info().Msg("Receive loop shutting down due to context cancellation.")
				return
			}
			r.logger.Error().Err(err).Msg("Poll failed, receive loop exiting.")
			loopErr = err
			return
		}

		if msg == nil {
			if !r.pause(ctx) {
				return
			}
			continue
		}

		if ctx.Err() != nil {
			// Pulled while stopping: hand it straight back to the broker.
			// The filter has not seen it, so there is nothing to forget.
			r.settle(ctx, msg, false)
			return
		}
		r.dispatch(ctx, msg)
	}
}

func (r *SubscriptionReceiver) loopExited(done chan struct{}, err error) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if err != nil {
		r.lastErr = err
	}
	if r.running && r.doneChan == done {
		r.running = false
		r.cancel()
	}
}

// pause sleeps for EmptyPollDelay and reports false if ctx ended first.
func (r *SubscriptionReceiver) pause(ctx context.Context) bool {
	if r.cfg.EmptyPollDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(r.cfg.EmptyPollDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *SubscriptionReceiver) dispatch(ctx context.Context, msg *types.ReceivedMessage) {
	r.received.Add(1)
	if r.isDuplicate(ctx, msg) {
		r.duplicates.Add(1)
		r.logger.Debug().Str("msg_id", msg.ID).Msg("Duplicate message inside window, Acking without notification.")
		r.settle(ctx, msg, true)
		return
	}

	r.handlersMu.RLock()
	handlers := make([]Handler, len(r.handlers))
	for i, e := range r.handlers {
		handlers[i] = e.handler
	}
	r.handlersMu.RUnlock()

	ok := true
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			r.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Handler failed to process message.")
			ok = false
		}
	}
	if !ok {
		r.handlerFailures.Add(1)
		r.forget(ctx, msg)
	}
	r.settle(ctx, msg, ok)
}

// forget releases the identity of a nacked message so its redelivery is
// dispatched rather than dropped as a duplicate.
func (r *SubscriptionReceiver) forget(ctx context.Context, msg *types.ReceivedMessage) {
	if r.filter == nil {
		return
	}
	if err := r.filter.Forget(context.WithoutCancel(ctx), msg.DedupKey(r.cfg.DedupAttribute)); err != nil {
		r.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Failed to release message identity, redelivery may be dropped.")
	}
}

// isDuplicate fails open: a filter error delivers the message.
func (r *SubscriptionReceiver) isDuplicate(ctx context.Context, msg *types.ReceivedMessage) bool {
	if r.filter == nil {
		return false
	}
	dup, err := r.filter.MarkSeen(ctx, msg.DedupKey(r.cfg.DedupAttribute))
	if err != nil {
		r.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Duplicate filter failed, delivering message.")
		return false
	}
	return dup
}

// settle acks or nacks msg. It detaches from ctx so that a message handled
// just before Stop is still acknowledged.
func (r *SubscriptionReceiver) settle(ctx context.Context, msg *types.ReceivedMessage, ack bool) {
	timeout := r.cfg.AckTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if ack {
		if err := msg.Ack(settleCtx); err != nil {
			r.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to Ack message.")
		}
		return
	}
	if err := msg.Nack(settleCtx); err != nil {
		r.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to Nack message.")
	}
}
