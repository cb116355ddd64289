// Package memory provides an in-process session channel driven by the caller.
//
// Outbound traffic is recorded; inbound provider events are injected with the
// helper methods and delivered synchronously on the caller's goroutine, which
// plays the role of the channel's delivery context.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/coachpo/sessionrouter/errs"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
)

// Sent is one recorded outbound message.
type Sent struct {
	StreamID int32
	Msg      schema.Message
}

// Channel is a caller-driven channel.Handle.
type Channel struct {
	name string

	mu         sync.Mutex
	listener   channel.Listener
	state      channel.State
	sent       []Sent
	connectErr error
	submitErr  error
	connects   int
}

// New constructs a memory channel.
func New(name string) *Channel {
	return &Channel{
		name:  strings.TrimSpace(name),
		state: channel.StateInitializing,
	}
}

var _ channel.Handle = (*Channel)(nil)

// Name implements channel.Handle.
func (c *Channel) Name() string { return c.name }

// FailConnect makes subsequent Connect calls fail with err.
func (c *Channel) FailConnect(err error) {
	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()
}

// FailSubmit makes subsequent Submit calls fail with err.
func (c *Channel) FailSubmit(err error) {
	c.mu.Lock()
	c.submitErr = err
	c.mu.Unlock()
}

// Connect implements channel.Handle.
func (c *Channel) Connect(ctx context.Context, listener channel.Listener) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("connect context: %w", err)
		}
	}
	if listener == nil {
		return errs.New("channel/memory", errs.CodeInvalid, errs.WithMessage("listener required"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.listener = listener
	c.connects++
	return nil
}

// Submit implements channel.Handle.
func (c *Channel) Submit(_ context.Context, streamID int32, msg schema.Message) error {
	if msg == nil {
		return errs.New("channel/memory", errs.CodeInvalid, errs.WithMessage("message required"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return c.submitErr
	}
	if c.state == channel.StateClosed {
		return errs.New("channel/memory", errs.CodeChannel, errs.WithMessage(c.name+": channel closed"))
	}
	cloned := schema.Clone(msg)
	cloned.Head().StreamID = streamID
	c.sent = append(c.sent, Sent{StreamID: streamID, Msg: cloned})
	return nil
}

// Close implements channel.Handle. The listener is not notified; the router owns teardown.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.state = channel.StateClosed
	c.mu.Unlock()
	return nil
}

// State returns the last state injected by the caller.
func (c *Channel) State() channel.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Up reports the channel as connected.
func (c *Channel) Up() { c.transition(channel.StateUp, "") }

// Down reports the channel as disconnected.
func (c *Channel) Down(text string) { c.transition(channel.StateDown, text) }

// Closed reports the channel as permanently closed.
func (c *Channel) Closed(text string) { c.transition(channel.StateClosed, text) }

func (c *Channel) transition(state channel.State, text string) {
	c.mu.Lock()
	c.state = state
	listener := c.listener
	c.mu.Unlock()
	if listener != nil {
		listener.OnChannelState(state, text)
	}
}

// Deliver injects an inbound message.
func (c *Channel) Deliver(msg schema.Message) {
	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()
	if listener != nil && msg != nil {
		listener.OnMessage(msg)
	}
}

// AcceptLogin answers the login stream with an open/ok refresh.
func (c *Channel) AcceptLogin() {
	c.Deliver(&schema.RefreshMsg{
		Header:    schema.Header{Domain: schema.DomainLogin, StreamID: schema.LoginStreamID, Name: c.loginName()},
		State:     schema.OpenOk("Login accepted by host " + c.name),
		Solicited: true,
		Complete:  true,
	})
}

// RejectLogin closes the login stream.
func (c *Channel) RejectLogin(text string) {
	c.Deliver(&schema.StatusMsg{
		Header: schema.Header{Domain: schema.DomainLogin, StreamID: schema.LoginStreamID, Name: c.loginName()},
		State:  schema.State{Stream: schema.StreamClosed, Data: schema.DataSuspect, Code: schema.CodeNotAuthorized, Text: text},
	})
}

// Directory delivers a full directory refresh.
func (c *Channel) Directory(entries ...schema.ServiceEntry) {
	for i := range entries {
		if entries[i].Action == 0 {
			entries[i].Action = schema.ActionAdd
		}
	}
	c.Deliver(&schema.RefreshMsg{
		Header:    schema.Header{Domain: schema.DomainSource, StreamID: schema.DirectoryStreamID},
		State:     schema.OpenOk(""),
		Solicited: true,
		Complete:  true,
		Directory: entries,
	})
}

// DirectoryUpdate delivers a directory update.
func (c *Channel) DirectoryUpdate(entries ...schema.ServiceEntry) {
	c.Deliver(&schema.UpdateMsg{
		Header:    schema.Header{Domain: schema.DomainSource, StreamID: schema.DirectoryStreamID},
		Directory: entries,
	})
}

func (c *Channel) loginName() string {
	if req := c.LastRequest(schema.LoginStreamID); req != nil {
		return req.Name
	}
	return ""
}

// Sent returns a copy of every recorded outbound message.
func (c *Channel) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Requests returns recorded item requests (domains other than login and source).
func (c *Channel) Requests() []*schema.RequestMsg {
	var out []*schema.RequestMsg
	for _, s := range c.Sent() {
		req, ok := s.Msg.(*schema.RequestMsg)
		if !ok {
			continue
		}
		if req.Domain == schema.DomainLogin || req.Domain == schema.DomainSource {
			continue
		}
		out = append(out, req)
	}
	return out
}

// Generics returns recorded generic messages.
func (c *Channel) Generics() []*schema.GenericMsg {
	var out []*schema.GenericMsg
	for _, s := range c.Sent() {
		if g, ok := s.Msg.(*schema.GenericMsg); ok {
			out = append(out, g)
		}
	}
	return out
}

// LastRequest returns the most recent request sent on streamID, or nil.
func (c *Channel) LastRequest(streamID int32) *schema.RequestMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].StreamID != streamID {
			continue
		}
		if req, ok := c.sent[i].Msg.(*schema.RequestMsg); ok {
			return req
		}
	}
	return nil
}

// Reset forgets recorded traffic.
func (c *Channel) Reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

// Connects returns how many times Connect succeeded.
func (c *Channel) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}
