// Package session multiplexes one logical consumer session over several
// provider channels. It merges the channels' directories, routes every item to
// one channel, recovers items when channels or services fail and coordinates
// login and warm-standby roles.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/sessionrouter/errs"
	"github.com/coachpo/sessionrouter/internal/app/directory"
	"github.com/coachpo/sessionrouter/internal/app/login"
	"github.com/coachpo/sessionrouter/internal/app/routing"
	"github.com/coachpo/sessionrouter/internal/app/warmstandby"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/bus/eventbus"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
	"github.com/coachpo/sessionrouter/lib/async"
)

var (
	// ErrSessionClosed is the cause of every error returned after Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrHandleNotFound is the cause of errors for handles that are not registered.
	ErrHandleNotFound = errors.New("handle not found")
)

const (
	noChannel       channel.ID = -1
	shutdownTimeout            = 5 * time.Second
)

// Handle identifies an application stream: an item, a directory stream or the login stream.
type Handle int32

// ChannelInfo describes a session channel.
type ChannelInfo struct {
	Ordinal    channel.ID
	Name       string
	Connection string
	State      channel.State
	Role       string
	LoggedIn   bool
}

// Event is one message delivered to a client with application-visible ids.
type Event struct {
	Handle  Handle
	Closure any
	Channel ChannelInfo
	Msg     schema.Message
}

// Client receives events for the handles it registered.
type Client interface {
	OnEvent(Event)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(Event)

// OnEvent implements Client.
func (f ClientFunc) OnEvent(ev Event) { f(ev) }

type regKind uint8

const (
	regItem regKind = iota + 1
	regLogin
	regDirectory
)

type registration struct {
	handle  Handle
	kind    regKind
	client  Client
	closure any

	filter  schema.Filter
	service schema.ServiceRef

	// removed is set when the handle leaves c.regs; unregistered when the
	// application closed it. Both are read by dispatch outside the lock.
	removed      atomic.Bool
	unregistered atomic.Bool
}

type sessionChannel struct {
	id     channel.ID
	cfg    ChannelConfig
	handle channel.Handle
	state  channel.State
	text   string
	timer  *time.Timer

	dirParts []schema.ServiceEntry
}

type delivery struct {
	reg   *registration
	event Event
	final bool
}

// Consumer is the application-facing session.
type Consumer struct {
	cfg        Config
	logger     *log.Logger
	instanceID string
	bus        eventbus.Bus
	pool       *async.Pool
	metrics    *metrics

	channels  []*sessionChannel
	directory *directory.Aggregator
	standby   *warmstandby.Controller
	login     *login.Coordinator

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the routing table, registrations, channel state and the outbox.
	mu       sync.Mutex
	table    *routing.Table
	regs     map[Handle]*registration
	outbox   []delivery
	notices  []eventbus.Notice
	draining bool
	started  bool
	closed   bool

	upCount atomic.Int64
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the session logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEventBus publishes session notices to bus.
func WithEventBus(bus eventbus.Bus) Option {
	return func(c *Consumer) {
		c.bus = bus
	}
}

// WithInstanceID overrides the generated consumer instance id.
func WithInstanceID(id string) Option {
	return func(c *Consumer) {
		if id != "" {
			c.instanceID = id
		}
	}
}

// New constructs a session over handles. handles[i] serves cfg.Channels[i].
func New(cfg Config, handles []channel.Handle, opts ...Option) (*Consumer, error) {
	cfg = cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, errs.New("session", errs.CodeInvalid, errs.WithMessage(err.Error()), errs.WithCause(err))
	}
	if len(handles) != len(cfg.Channels) {
		return nil, errs.New("session", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("%d channel handles for %d configured channels", len(handles), len(cfg.Channels))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		cfg:        cfg,
		logger:     log.New(os.Stdout, "session ", log.LstdFlags|log.Lmicroseconds),
		instanceID: uuid.NewString(),
		ctx:        ctx,
		cancel:     cancel,
		table:      routing.NewTable(1),
		regs:       make(map[Handle]*registration),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	dirOpts := []directory.Option{directory.WithLogger(c.logger)}
	if cfg.ServiceIDBase > 0 {
		dirOpts = append(dirOpts, directory.WithIDBase(cfg.ServiceIDBase))
	}
	c.directory = directory.NewAggregator(dirOpts...)

	byName := make(map[string]channel.ID, len(cfg.Channels))
	loginReq := cfg.loginRequest()
	if loginReq.Login.InstanceID == "" {
		loginReq.Login.InstanceID = c.instanceID
	}
	c.login = login.New(loginReq)
	for i, chCfg := range cfg.Channels {
		if handles[i] == nil {
			cancel()
			return nil, errs.New("session", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("channel %s has no handle", chCfg.Name)))
		}
		id := channel.ID(i)
		byName[chCfg.Name] = id
		c.channels = append(c.channels, &sessionChannel{
			id:     id,
			cfg:    chCfg,
			handle: handles[i],
			state:  channel.StateInitializing,
		})
		c.directory.RegisterChannel(id, chCfg.Name)
		c.login.Add(id, chCfg.Connection, chCfg.Name)
	}

	for _, l := range cfg.ServiceLists {
		if _, err := c.directory.DeclareServiceList(l.Name, l.Services); err != nil {
			cancel()
			return nil, err
		}
	}

	groups := make([]warmstandby.Group, 0, len(cfg.WarmStandby))
	for _, g := range cfg.WarmStandby {
		members := make([]channel.ID, 0, len(g.Channels))
		for _, name := range g.Channels {
			members = append(members, byName[name])
		}
		starting := members[0]
		if g.Starting != "" {
			starting = byName[g.Starting]
		}
		groups = append(groups, warmstandby.Group{Name: g.Name, Members: members, Starting: starting})
	}
	standby, err := warmstandby.New(groups...)
	if err != nil {
		cancel()
		return nil, err
	}
	c.standby = standby

	pool, err := async.NewPool(cfg.RecoveryWorkers, cfg.RecoveryQueue, async.WithLogger("session/recovery", c.logger))
	if err != nil {
		cancel()
		return nil, err
	}
	c.pool = pool
	c.metrics = newMetrics(c)
	return c, nil
}

// InstanceID returns the consumer instance id presented at login.
func (c *Consumer) InstanceID() string {
	return c.instanceID
}

// Start connects every channel and blocks until one channel logged in or
// every channel failed to.
func (c *Consumer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return closedError("session/start")
	}
	if c.started {
		c.mu.Unlock()
		return errs.New("session/start", errs.CodeInvalid, errs.WithMessage("session already started"))
	}
	c.started = true
	c.mu.Unlock()

	for _, sc := range c.channels {
		sc := sc
		if err := sc.handle.Connect(ctx, &listener{c: c, id: sc.id}); err != nil {
			c.logger.Printf("session/%s: connect failed: %v", sc.cfg.Name, err)
			c.mu.Lock()
			sc.state = channel.StateClosed
			sc.text = err.Error()
			if msg, ok := c.login.Fail(sc.id, err.Error()); ok {
				c.deliverLoginLocked(sc, msg)
			}
			c.unrouteLocked(sc, true)
			c.mu.Unlock()
			continue
		}
		c.mu.Lock()
		sc.timer = time.AfterFunc(sc.cfg.LoginTimeout, func() { c.onLoginTimeout(sc.id) })
		c.mu.Unlock()
	}
	c.flush()

	if err := c.login.Wait(ctx); err != nil {
		c.logger.Printf("session: start failed: %v", err)
		return err
	}
	c.logger.Printf("session: started instance=%s channels=%v", c.instanceID, c.login.Established())
	return nil
}

// Close tears down every channel and stops deferred recovery.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, sc := range c.channels {
		if sc.timer != nil {
			sc.timer.Stop()
		}
	}
	c.outbox = nil
	c.mu.Unlock()
	c.cancel()

	var (
		wg     conc.WaitGroup
		errMu  sync.Mutex
		closeE []error
	)
	for _, sc := range c.channels {
		sc := sc
		wg.Go(func() {
			if err := sc.handle.Close(); err != nil {
				errMu.Lock()
				closeE = append(closeE, fmt.Errorf("close channel %s: %w", sc.cfg.Name, err))
				errMu.Unlock()
			}
		})
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.pool.Shutdown(ctx); err != nil {
		closeE = append(closeE, fmt.Errorf("recovery pool: %w", err))
	}
	c.metrics.close()
	c.logger.Printf("session: closed instance=%s", c.instanceID)
	return errors.Join(closeE...)
}

func closedError(component string) error {
	return errs.New(component, errs.CodeUnavailable, errs.WithMessage("session closed"), errs.WithCause(ErrSessionClosed))
}

// emitLocked queues an event for reg. Final events survive the removal of
// their handle; others are dropped if the handle is gone at delivery time.
func (c *Consumer) emitLocked(reg *registration, sc *sessionChannel, msg schema.Message, final bool) {
	if reg == nil || msg == nil {
		return
	}
	msg.Head().StreamID = int32(reg.handle)
	ev := Event{Handle: reg.handle, Closure: reg.closure, Msg: msg}
	if sc != nil {
		ev.Channel = c.channelInfoLocked(sc)
	}
	c.outbox = append(c.outbox, delivery{reg: reg, event: ev, final: final})
}

func (c *Consumer) removeRegLocked(handle Handle) {
	if reg, ok := c.regs[handle]; ok {
		reg.removed.Store(true)
		delete(c.regs, handle)
	}
}

func (c *Consumer) noticeLocked(n eventbus.Notice) {
	if c.bus == nil {
		return
	}
	c.notices = append(c.notices, n)
}

// flush delivers queued events outside the lock, in the order they were queued.
// Only one goroutine drains at a time; re-entrant calls from client callbacks
// leave their events to the draining goroutine.
func (c *Consumer) flush() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.outbox) > 0 || len(c.notices) > 0 {
		batch := c.outbox
		notices := c.notices
		c.outbox = nil
		c.notices = nil
		live := batch[:0]
		for _, d := range batch {
			if d.final || c.regs[d.event.Handle] == d.reg {
				live = append(live, d)
			}
		}
		c.mu.Unlock()

		for _, d := range live {
			c.dispatch(d)
		}
		for _, n := range notices {
			if err := c.bus.Publish(context.Background(), n); err != nil {
				c.logger.Printf("session: publish %s notice: %v", n.Type, err)
			}
		}

		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

func (c *Consumer) dispatch(d delivery) {
	if d.reg.unregistered.Load() || (!d.final && d.reg.removed.Load()) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("session: client panic handle=%d: %v", d.event.Handle, r)
		}
	}()
	d.reg.client.OnEvent(d.event)
}

func (c *Consumer) regsOfKindLocked(kind regKind) []*registration {
	out := make([]*registration, 0)
	for _, reg := range c.regs {
		if reg.kind == kind {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].handle < out[j].handle })
	return out
}

func (c *Consumer) channelInfoLocked(sc *sessionChannel) ChannelInfo {
	return ChannelInfo{
		Ordinal:    sc.id,
		Name:       sc.cfg.Name,
		Connection: sc.cfg.Connection,
		State:      sc.state,
		Role:       c.standby.Role(sc.id).String(),
		LoggedIn:   c.login.IsEstablished(sc.id),
	}
}

func (c *Consumer) channelLocked(id channel.ID) *sessionChannel {
	if id < 0 || int(id) >= len(c.channels) {
		return nil
	}
	return c.channels[id]
}
