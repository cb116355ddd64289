// Package login fans the logical login stream out to every session channel
// and summarises per-channel login events into one application stream.
package login

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coachpo/sessionrouter/errs"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
)

// Phase is the login phase of one channel.
type Phase uint8

const (
	PhasePending Phase = iota
	PhaseEstablished
	PhaseDown
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseEstablished:
		return "established"
	case PhaseDown:
		return "down"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// Context is the per-channel shadow of the logical login stream.
type Context struct {
	Channel    channel.ID
	Connection string
	Name       string
	StreamID   int32
	Phase      Phase
	Text       string
	everUp     bool
}

// Label names the channel as connection/channel for error details.
func (c Context) Label() string {
	if c.Connection == "" || c.Connection == c.Name {
		return c.Name
	}
	return c.Connection + "/" + c.Name
}

// Coordinator owns the LoginContext of every channel.
type Coordinator struct {
	mu        sync.Mutex
	contexts  map[channel.ID]*Context
	request   *schema.RequestMsg
	latest    *schema.RefreshMsg
	delivered bool
	settled   chan struct{}
	once      sync.Once
}

// New constructs a coordinator for the given login request.
func New(request *schema.RequestMsg) *Coordinator {
	if request == nil {
		request = &schema.RequestMsg{}
	}
	req := schema.Clone(request).(*schema.RequestMsg)
	req.Domain = schema.DomainLogin
	req.StreamID = schema.LoginStreamID
	req.Streaming = true
	return &Coordinator{
		contexts: make(map[channel.ID]*Context),
		request:  req,
		settled:  make(chan struct{}),
	}
}

// Add registers a channel.
func (c *Coordinator) Add(ch channel.ID, connection, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contexts[ch] = &Context{
		Channel:    ch,
		Connection: connection,
		Name:       name,
		StreamID:   schema.LoginStreamID,
		Phase:      PhasePending,
	}
}

// Request returns the login request to send on ch and marks its context pending.
func (c *Coordinator) Request(ch channel.ID) *schema.RequestMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx, ok := c.contexts[ch]; ok && ctx.Phase != PhaseFailed {
		ctx.Phase = PhasePending
	}
	return schema.Clone(c.request).(*schema.RequestMsg)
}

// Current returns the login request as last issued by the application.
func (c *Coordinator) Current() *schema.RequestMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return schema.Clone(c.request).(*schema.RequestMsg)
}

// Reissue replaces the login request and returns the channels it must be sent to.
func (c *Coordinator) Reissue(req *schema.RequestMsg) []channel.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := schema.Clone(req).(*schema.RequestMsg)
	next.Domain = schema.DomainLogin
	next.StreamID = schema.LoginStreamID
	if next.Login == nil {
		next.Login = c.request.Login
	}
	c.request = next
	return c.establishedLocked()
}

// OnRefresh records a login refresh from ch. It returns the message the
// application should see, if any.
func (c *Coordinator) OnRefresh(ch channel.ID, msg *schema.RefreshMsg) (schema.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.contexts[ch]
	if !ok {
		return nil, false
	}
	if msg.State.Stream == schema.StreamClosed || msg.State.Stream == schema.StreamClosedRecover {
		return c.failLocked(ctx, msg.State.Text, msg.State)
	}
	if msg.State.Data == schema.DataSuspect {
		return c.downLocked(ctx, msg.State.Text)
	}

	wasEstablished := ctx.Phase == PhaseEstablished
	ctx.Phase = PhaseEstablished
	ctx.everUp = true
	ctx.Text = msg.State.Text
	c.latest = schema.Clone(msg).(*schema.RefreshMsg)
	c.settleLocked()

	if !c.delivered {
		c.delivered = true
		out := schema.Clone(msg).(*schema.RefreshMsg)
		out.Solicited = true
		return out, true
	}
	if wasEstablished {
		return nil, false
	}
	return c.summaryLocked(schema.OpenOk(schema.TextSessionChannelUp)), true
}

// OnStatus records a login status from ch.
func (c *Coordinator) OnStatus(ch channel.ID, msg *schema.StatusMsg) (schema.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.contexts[ch]
	if !ok {
		return nil, false
	}
	switch {
	case msg.State.Stream == schema.StreamClosed || msg.State.Stream == schema.StreamClosedRecover:
		return c.failLocked(ctx, msg.State.Text, msg.State)
	case msg.State.Data == schema.DataSuspect:
		return c.downLocked(ctx, msg.State.Text)
	}
	return nil, false
}

// OnChannelDown records that ch lost its connection.
func (c *Coordinator) OnChannelDown(ch channel.ID, text string) (schema.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.contexts[ch]
	if !ok {
		return nil, false
	}
	return c.downLocked(ctx, text)
}

// Fail marks ch as unable to log in, for example on a connect error, a
// closed channel or a login timeout.
func (c *Coordinator) Fail(ch channel.ID, reason string) (schema.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.contexts[ch]
	if !ok {
		return nil, false
	}
	return c.failLocked(ctx, reason, schema.State{
		Stream: schema.StreamClosed,
		Data:   schema.DataSuspect,
		Code:   schema.CodeTimeout,
		Text:   reason,
	})
}

// Timeout fails ch only if its login is still pending.
func (c *Coordinator) Timeout(ch channel.ID) (schema.Message, bool) {
	c.mu.Lock()
	pending := false
	if ctx, ok := c.contexts[ch]; ok && !ctx.everUp && ctx.Phase != PhaseFailed {
		pending = true
	}
	c.mu.Unlock()
	if !pending {
		return nil, false
	}
	return c.Fail(ch, "login timed out")
}

func (c *Coordinator) downLocked(ctx *Context, text string) (schema.Message, bool) {
	if ctx.Phase != PhaseEstablished {
		if ctx.Phase != PhaseFailed {
			ctx.Phase = PhaseDown
			ctx.Text = text
		}
		return nil, false
	}
	ctx.Phase = PhaseDown
	ctx.Text = text
	if !c.delivered {
		return nil, false
	}
	if len(c.establishedLocked()) > 0 {
		return c.summaryLocked(schema.OpenOk(schema.TextSessionChannelDown)), true
	}
	return c.summaryLocked(schema.OpenSuspect(schema.CodeNone, schema.TextChannelDown)), true
}

func (c *Coordinator) failLocked(ctx *Context, reason string, state schema.State) (schema.Message, bool) {
	wasEstablished := ctx.Phase == PhaseEstablished
	ctx.Phase = PhaseFailed
	ctx.Text = reason
	c.settleLocked()

	if !c.delivered {
		return nil, false
	}
	if !wasEstablished {
		return nil, false
	}
	if len(c.establishedLocked()) > 0 {
		return c.summaryLocked(schema.OpenOk(schema.TextSessionChannelClose)), true
	}
	state.Stream = schema.StreamOpen
	state.Data = schema.DataSuspect
	state.Text = schema.TextChannelDown
	return c.summaryLocked(state), true
}

func (c *Coordinator) summaryLocked(state schema.State) *schema.StatusMsg {
	return &schema.StatusMsg{
		Header: schema.Header{Domain: schema.DomainLogin, StreamID: schema.LoginStreamID, Name: c.request.Name},
		State:  state,
	}
}

func (c *Coordinator) settleLocked() {
	if len(c.establishedLocked()) > 0 || c.allFailedLocked() {
		c.once.Do(func() { close(c.settled) })
	}
}

func (c *Coordinator) allFailedLocked() bool {
	if len(c.contexts) == 0 {
		return false
	}
	for _, ctx := range c.contexts {
		if ctx.Phase != PhaseFailed {
			return false
		}
	}
	return true
}

func (c *Coordinator) establishedLocked() []channel.ID {
	out := make([]channel.ID, 0, len(c.contexts))
	for id, ctx := range c.contexts {
		if ctx.Phase == PhaseEstablished {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Established returns the channels whose login completed, by ordinal.
func (c *Coordinator) Established() []channel.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.establishedLocked()
}

// IsEstablished reports whether ch is logged in.
func (c *Coordinator) IsEstablished(ch channel.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.contexts[ch]
	return ok && ctx.Phase == PhaseEstablished
}

// Latest returns the most recent login refresh, or nil before any login.
func (c *Coordinator) Latest() *schema.RefreshMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return nil
	}
	return schema.Clone(c.latest).(*schema.RefreshMsg)
}

// Contexts returns a snapshot of every login context by ordinal.
func (c *Coordinator) Contexts() []Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Context, 0, len(c.contexts))
	for _, ctx := range c.contexts {
		out = append(out, *ctx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Wait blocks until one channel logged in or every channel failed.
// It returns an error naming every failed channel when none logged in.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.settled:
	case <-ctx.Done():
		return fmt.Errorf("wait for login: %w", ctx.Err())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.establishedLocked()) > 0 {
		return nil
	}
	details := make(map[string]string, len(c.contexts))
	for _, lc := range c.contexts {
		reason := lc.Text
		if reason == "" {
			reason = lc.Phase.String()
		}
		details[lc.Label()] = reason
	}
	return errs.New("login", errs.CodeLoginFailed,
		errs.WithMessage(fmt.Sprintf("login failed on all %d channels", len(c.contexts))),
		errs.WithDetails(details),
		errs.WithRemediation("check provider endpoints and login credentials"))
}
