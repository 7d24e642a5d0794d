// Package publisher delivers payloads to a durable queue with broker
// confirmation, reconnecting and retrying a bounded number of times.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

var (
	// ErrConnectionLost marks transient transport failures; the session is
	// dropped and re-established on the next attempt.
	ErrConnectionLost = errors.New("queue connection lost")
	// ErrUnroutable means the broker accepted the message but could not route
	// it. It is never retried.
	ErrUnroutable = errors.New("message unroutable")
	// ErrNacked means the broker refused to confirm the message.
	ErrNacked = errors.New("message not acknowledged by broker")
	// ErrClosed is returned by a Publisher after Close.
	ErrClosed = errors.New("publisher closed")
)

const (
	DefaultMaxRetries    = 3
	DefaultRetryInterval = 2 * time.Second
)

// State is the delivery lifecycle of a Publisher.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StatePublishing
	StateConfirmed
	StateConnectionLost
	StateUnrecoverable
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePublishing:
		return "publishing"
	case StateConfirmed:
		return "confirmed"
	case StateConnectionLost:
		return "connection_lost"
	case StateUnrecoverable:
		return "unrecoverable"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Message is one outbound delivery.
type Message struct {
	ID          string
	ContentType string
	Body        []byte
	Timestamp   time.Time
}

// Session is an open, confirm-enabled channel to the broker.
type Session interface {
	// Publish blocks until the broker confirms the message. It returns
	// ErrUnroutable, ErrNacked or an error wrapping ErrConnectionLost.
	Publish(ctx context.Context, msg Message) error
	IsClosed() bool
	Close() error
}

// Transport opens sessions against one broker and destination.
type Transport interface {
	Name() string
	Dial(ctx context.Context) (Session, error)
}

// Metrics receives publish attempts and outcomes.
type Metrics interface {
	PublishAttempt()
	PublishResult(outcome string)
	SetQueueConnected(connected bool)
}

// Options configures a Publisher.
type Options struct {
	MaxRetries    int
	RetryInterval time.Duration
	Logger        *slog.Logger
	Metrics       Metrics
}

// Publisher exclusively owns its session. It is not safe for concurrent use.
type Publisher struct {
	transport Transport
	opts      Options
	logger    *slog.Logger

	session Session
	state   State
	closed  bool
	once    sync.Once
}

// New returns a disconnected Publisher; no I/O happens until Connect or Publish.
func New(transport Transport, opts Options) *Publisher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		transport: transport,
		opts:      opts,
		logger:    logger.With("transport", transport.Name()),
		state:     StateDisconnected,
	}
}

// State reports the current lifecycle state.
func (p *Publisher) State() State {
	return p.state
}

func (p *Publisher) setState(s State) {
	if p.state == s {
		return
	}
	p.logger.Debug("publisher state", "from", p.state.String(), "to", s.String())
	p.state = s
	if p.opts.Metrics != nil {
		switch s {
		case StateConnected:
			p.opts.Metrics.SetQueueConnected(true)
		case StateConnectionLost, StateDisconnected:
			p.opts.Metrics.SetQueueConnected(false)
		}
	}
}

// Connect opens a session if none is open. Calling it on a connected
// Publisher is a no-op.
func (p *Publisher) Connect(ctx context.Context) error {
	if p.closed {
		return ErrClosed
	}
	if p.session != nil && !p.session.IsClosed() {
		return nil
	}
	p.dropSession()

	p.setState(StateConnecting)
	p.logger.Info("connecting to queue")
	s, err := p.transport.Dial(ctx)
	if err != nil {
		p.setState(StateConnectionLost)
		return err
	}
	p.session = s
	p.setState(StateConnected)
	p.logger.Info("queue connection established, confirms enabled")
	return nil
}

func (p *Publisher) dropSession() {
	if p.session == nil {
		return
	}
	if err := p.session.Close(); err != nil {
		p.logger.Debug("closing stale session", "error", err)
	}
	p.session = nil
}

// Publish serializes payload as UTF-8 JSON and delivers it, making at most
// maxRetries attempts (the configured default when maxRetries <= 0).
//
// It returns true once the broker confirms. Connection loss and nacks are
// retried on a fresh session; an unroutable message or any other failure is
// returned as an error without retrying. When every attempt fails with a
// retryable problem Publish returns false and a nil error.
func (p *Publisher) Publish(ctx context.Context, payload any, maxRetries int) (bool, error) {
	if p.closed {
		return false, ErrClosed
	}
	if maxRetries <= 0 {
		maxRetries = p.opts.MaxRetries
	}

	body, err := encodeJSON(payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}
	msg := Message{
		ID:          uuid.NewString(),
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now().UTC(),
	}

	attempt := 0
	op := func() error {
		attempt++
		if p.opts.Metrics != nil {
			p.opts.Metrics.PublishAttempt()
		}
		if err := p.Connect(ctx); err != nil {
			if retryable(err) {
				return err
			}
			p.setState(StateUnrecoverable)
			return backoff.Permanent(err)
		}

		p.setState(StatePublishing)
		err := p.session.Publish(ctx, msg)
		switch {
		case err == nil:
			p.setState(StateConfirmed)
			return nil
		case retryable(err):
			p.setState(StateConnectionLost)
			p.dropSession()
			return err
		default:
			p.setState(StateUnrecoverable)
			return backoff.Permanent(err)
		}
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.opts.RetryInterval), uint64(maxRetries-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("publish attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", maxRetries,
			"wait", wait,
			"error", err,
		)
	}

	err = backoff.RetryNotify(op, b, notify)
	switch {
	case err == nil:
		p.logger.Info("message published and confirmed", "message_id", msg.ID, "bytes", len(body))
		p.result("confirmed")
		return true, nil
	case errors.Is(err, ErrUnroutable):
		p.logger.Error("unrecoverable publish error", "error", err)
		p.result("unroutable")
		return false, err
	case ctx.Err() != nil:
		p.result("canceled")
		return false, ctx.Err()
	case !retryable(err):
		p.logger.Error("unrecoverable publish error", "error", err)
		p.result("failed")
		return false, err
	default:
		p.logger.Error("publish failed after all retries", "attempts", attempt, "error", err)
		p.result("exhausted")
		return false, nil
	}
}

// retryable reports failures that a fresh session may cure.
func retryable(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrNacked)
}

func (p *Publisher) result(outcome string) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.PublishResult(outcome)
	}
}

// Close releases the session. Errors are logged, never returned; repeated
// calls are no-ops.
func (p *Publisher) Close() {
	p.once.Do(func() {
		p.closed = true
		if p.session != nil {
			if err := p.session.Close(); err != nil {
				p.logger.Warn("queue connection was already closed or failed to close", "error", err)
			} else {
				p.logger.Info("queue connection closed")
			}
			p.session = nil
		}
		p.setState(StateDisconnected)
	})
}

// WithPublisher connects p, runs fn, and closes p on every exit path.
func WithPublisher(ctx context.Context, p *Publisher, fn func(ctx context.Context, p *Publisher) error) error {
	defer p.Close()
	if err := p.Connect(ctx); err != nil {
		return fmt.Errorf("connect publisher: %w", err)
	}
	return fn(ctx, p)
}

// encodeJSON keeps non-ASCII text and HTML characters unescaped.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
