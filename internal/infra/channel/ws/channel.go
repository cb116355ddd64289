// Package ws implements a session channel over a websocket connection.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/sessionrouter/errs"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
)

const (
	defaultWriteQueue     = 1024
	defaultPingInterval   = 20 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 20 * time.Second
	defaultReadLimit      = 2 * 1024 * 1024
)

// Config configures one websocket channel.
type Config struct {
	URL string
	// RateLimit caps outbound frames per second; zero disables throttling.
	RateLimit      float64
	Burst          int
	WriteQueue     int
	PingInterval   time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts is the number of consecutive failed dials after which the
	// channel closes for good; zero retries forever.
	MaxAttempts int
	ReadLimit   int64
}

func (c Config) normalize() Config {
	c.URL = strings.TrimSpace(c.URL)
	if c.WriteQueue <= 0 {
		c.WriteQueue = defaultWriteQueue
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.RateLimit > 0 && c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Option customises a Channel.
type Option func(*Channel)

// WithLogger overrides the channel logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type outbound struct {
	data []byte
	kind schema.Kind
	gen  uint64
}

// Channel is a channel.Handle that dials a websocket URL and keeps
// reconnecting until closed.
type Channel struct {
	name    string
	cfg     Config
	logger  *log.Logger
	limiter *rate.Limiter
	queue   chan outbound

	mu       sync.Mutex
	listener channel.Listener
	state    channel.State
	gen      uint64
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
}

var _ channel.Handle = (*Channel)(nil)

// New constructs a websocket channel. Nothing is dialled until Connect.
func New(name string, cfg Config, opts ...Option) (*Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.New("channel/ws", errs.CodeInvalid, errs.WithMessage("channel name required"))
	}
	cfg = cfg.normalize()
	u, err := url.Parse(cfg.URL)
	if err != nil || cfg.URL == "" {
		return nil, errs.New("channel/ws", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("%s: invalid url %q", name, cfg.URL)), errs.WithCause(err))
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, errs.New("channel/ws", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("%s: unsupported url scheme %q", name, u.Scheme)))
	}

	c := &Channel{
		name:   name,
		cfg:    cfg,
		logger: log.New(os.Stdout, "ws-channel ", log.LstdFlags|log.Lmicroseconds),
		queue:  make(chan outbound, cfg.WriteQueue),
		state:  channel.StateInitializing,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Name implements channel.Handle.
func (c *Channel) Name() string { return c.name }

// State returns the current connection state.
func (c *Channel) State() channel.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect implements channel.Handle. It starts the connection loop and
// returns immediately; the loop outlives ctx and stops on Close.
func (c *Channel) Connect(ctx context.Context, listener channel.Listener) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("connect context: %w", err)
		}
	}
	if listener == nil {
		return errs.New("channel/ws", errs.CodeInvalid, errs.WithMessage("listener required"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.New("channel/ws", errs.CodeChannel, errs.WithMessage(c.name+": channel closed"))
	}
	if c.cancel != nil {
		return errs.New("channel/ws", errs.CodeChannel, errs.WithMessage(c.name+": already connected"))
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.listener = listener
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(loopCtx, c.done)
	return nil
}

// Submit implements channel.Handle. The frame is queued for the current
// connection and dropped if that connection is lost before it is written.
func (c *Channel) Submit(_ context.Context, streamID int32, msg schema.Message) error {
	if msg == nil {
		return errs.New("channel/ws", errs.CodeInvalid, errs.WithMessage("message required"))
	}
	out := schema.Clone(msg)
	out.Head().StreamID = streamID
	data, err := Encode(out)
	if err != nil {
		return errs.New("channel/ws", errs.CodeInvalid, errs.WithMessage(c.name+": encode failed"), errs.WithCause(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.New("channel/ws", errs.CodeChannel, errs.WithMessage(c.name+": channel closed"))
	}
	if c.state != channel.StateUp {
		return errs.New("channel/ws", errs.CodeChannel,
			errs.WithMessage(c.name+": not connected"), errs.WithDetail("state", c.state.String()))
	}
	select {
	case c.queue <- outbound{data: data, kind: out.Kind(), gen: c.gen}:
		return nil
	default:
		return errs.New("channel/ws", errs.CodeChannel,
			errs.WithMessage(c.name+": write queue full"),
			errs.WithRemediation("raise writeQueue or the channel rate limit"))
	}
}

// Close implements channel.Handle. The listener is not notified.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = channel.StateClosed
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Done is closed once the connection loop has exited.
func (c *Channel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.done
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.logger.Printf("ws/%s: dial %s (attempt %d): %v", c.name, c.cfg.URL, failures, err)
			if c.cfg.MaxAttempts > 0 && failures >= c.cfg.MaxAttempts {
				c.transition(ctx, channel.StateClosed,
					fmt.Sprintf("giving up after %d connection attempts: %v", failures, err))
				return
			}
			c.transition(ctx, channel.StateDown, err.Error())
			if !c.sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		failures = 0
		bo.Reset()
		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Printf("ws/%s: connection lost: %v", c.name, err)
		text := "connection lost"
		if err != nil {
			text = err.Error()
		}
		c.transition(ctx, channel.StateDown, text)
		if !c.sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		d = c.cfg.MaxBackoff
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serve runs one connection until it fails. Reads and state changes happen on
// the calling goroutine so the listener sees them in order.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() {
		if err := c.writeLoop(connCtx, conn, gen); err != nil {
			errCh <- err
			cancel()
		}
	})
	wg.Go(func() {
		if err := c.pingLoop(connCtx, conn); err != nil {
			errCh <- err
			cancel()
		}
	})

	c.transition(ctx, channel.StateUp, "")
	readErr := c.readLoop(connCtx, conn)
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return readErr
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := Decode(data)
		if err != nil {
			c.logger.Printf("ws/%s: %v", c.name, err)
			continue
		}
		c.mu.Lock()
		listener, closed := c.listener, c.closed
		c.mu.Unlock()
		if closed {
			return context.Canceled
		}
		listener.OnMessage(msg)
	}
}

func (c *Channel) writeLoop(ctx context.Context, conn *websocket.Conn, gen uint64) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-c.queue:
			if out.gen != gen {
				continue
			}
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return nil
				}
			}
			writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, out.data)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("write %s: %w", out.kind, err)
			}
		}
	}
}

func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// transition records and reports a state change. Repeated states and
// changes after Close are not reported.
func (c *Channel) transition(ctx context.Context, state channel.State, text string) {
	c.mu.Lock()
	if c.closed || ctx.Err() != nil || c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	if state == channel.StateClosed {
		c.closed = true
	}
	listener := c.listener
	c.mu.Unlock()
	c.logger.Printf("ws/%s: %s %s", c.name, state, text)
	listener.OnChannelState(state, text)
}
