// Package streamclient consumes a topic event stream and reconnects with
// exponential backoff, resuming from the last event id it saw.
package streamclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kamilpajak/wardwatch/internal/stream"
)

// ErrGaveUp is returned once the reconnect attempts are exhausted.
var ErrGaveUp = errors.New("stream client gave up reconnecting")

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the stream URL and reconnect parameters.
type Config struct {
	URL string

	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// MaxRetries is the number of consecutive failed reconnects tolerated
	// before Run returns ErrGaveUp.
	MaxRetries int
	// IdleTimeout drops a connection that delivered nothing, heartbeats
	// included, for this long.
	IdleTimeout time.Duration
}

// DefaultConfig returns 1s initial delay doubling to 30s with 50% jitter,
// ten retries and a 90s idle timeout.
func DefaultConfig(streamURL string) Config {
	return Config{
		URL:                 streamURL,
		InitialInterval:     time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		MaxRetries:          10,
		IdleTimeout:         90 * time.Second,
	}
}

// StatusError is a non-200 response to the stream request.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream request failed with status %d", e.StatusCode)
}

// ServerError is a non-recoverable error event sent by the publisher.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stream ended by server (%s): %s", e.Code, e.Message)
	}
	return "stream ended by server: " + e.Message
}

var (
	errComplete = errors.New("stream complete")
	errIdle     = errors.New("stream idle timeout")
)

// Handler receives every frame that carries an event. Returning an error
// stops the client.
type Handler func(stream.Frame) error

// Client is a reconnecting event-stream consumer. A Client runs one stream
// at a time.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
	onState    func(from, to State)

	mu          sync.Mutex
	state       State
	lastEventID string
	retryHint   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. It must not have a total timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// WithStateHook registers fn to be called on every state transition.
func WithStateHook(fn func(from, to State)) Option {
	return func(cl *Client) { cl.onState = fn }
}

// WithBackOff replaces the reconnect delay policy.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(cl *Client) { cl.newBackOff = fn }
}

// WithLastEventID resumes from a known event id.
func WithLastEventID(id string) Option {
	return func(cl *Client) { cl.lastEventID = id }
}

// New creates a Client for cfg.URL.
func New(cfg Config, opts ...Option) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid stream url %q", cfg.URL)
	}
	def := DefaultConfig(cfg.URL)
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.RandomizationFactor < 0 || cfg.RandomizationFactor > 1 {
		cfg.RandomizationFactor = def.RandomizationFactor
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	c.newBackOff = c.exponential
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) exponential() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval
	b.Multiplier = c.cfg.Multiplier
	b.RandomizationFactor = c.cfg.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastEventID returns the id of the last sequenced event received.
func (c *Client) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

func (c *Client) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	c.logger.Debug("stream state changed",
		zap.String("from", from.String()),
		zap.String("state", to.String()),
	)
	if c.onState != nil {
		c.onState(from, to)
	}
}

// Run streams events to handle until the publisher completes the stream,
// sends a non-recoverable error, handle fails, ctx is cancelled, or the
// reconnect attempts run out. A completed stream returns nil.
func (c *Client) Run(ctx context.Context, handle Handler) error {
	b := c.newBackOff()
	b.Reset()
	failures := 0

	c.transition(Connecting)
	defer c.transition(Disconnected)

	for {
		connected, err := c.connect(ctx, handle)
		switch {
		case errors.Is(err, errComplete):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}

		if connected {
			b.Reset()
			failures = 0
		}
		failures++
		if failures > c.cfg.MaxRetries {
			c.logger.Warn("stream reconnect attempts exhausted",
				zap.String("url", c.cfg.URL),
				zap.Int("attempts", failures),
				zap.Error(err),
			)
			return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, failures, err)
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("%w: %v", ErrGaveUp, err)
		}
		c.mu.Lock()
		if c.retryHint > wait {
			wait = c.retryHint
		}
		c.mu.Unlock()

		c.transition(Reconnecting)
		c.logger.Info("stream reconnecting",
			zap.String("url", c.cfg.URL),
			zap.Int("attempt", failures),
			zap.Duration("wait", wait),
			zap.String("last_event_id", c.LastEventID()),
			zap.Error(err),
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		c.transition(Connecting)
	}
}

// connect runs a single connection. connected reports whether the server
// accepted the stream before it failed.
func (c *Client) connect(ctx context.Context, handle Handler) (connected bool, err error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return false, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id := c.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		serr := &StatusError{StatusCode: resp.StatusCode}
		if permanentStatus(resp.StatusCode) {
			return false, backoff.Permanent(serr)
		}
		return false, serr
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		return false, backoff.Permanent(fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type")))
	}

	c.transition(Connected)

	var idle bool
	var idleMu sync.Mutex
	watchdog := time.AfterFunc(c.cfg.IdleTimeout, func() {
		idleMu.Lock()
		idle = true
		idleMu.Unlock()
		cancel()
	})
	defer watchdog.Stop()

	dec := stream.NewDecoder(resp.Body)
	for {
		f, err := dec.Next()
		if err != nil {
			idleMu.Lock()
			timedOut := idle
			idleMu.Unlock()
			if timedOut {
				return true, errIdle
			}
			if errors.Is(err, io.EOF) {
				return true, errors.New("stream closed by server")
			}
			return true, err
		}
		watchdog.Reset(c.cfg.IdleTimeout)

		c.mu.Lock()
		if f.Retry > 0 {
			c.retryHint = f.Retry
		}
		if f.ID != "" {
			c.lastEventID = f.ID
		}
		c.mu.Unlock()

		if f.Event == "" {
			continue
		}
		if err := handle(f); err != nil {
			return true, backoff.Permanent(err)
		}

		switch stream.EventType(f.Event) {
		case stream.EventComplete:
			return true, errComplete
		case stream.EventError:
			var p stream.ErrorPayload
			if err := json.Unmarshal([]byte(f.Data), &p); err != nil {
				return true, backoff.Permanent(fmt.Errorf("failed to decode error event: %w", err))
			}
			if !p.Recoverable {
				return true, backoff.Permanent(&ServerError{Code: p.Code, Message: p.Message})
			}
		}
	}
}

func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
