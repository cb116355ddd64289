// Package channel defines the contract between the session router and a physical connection.
package channel

import (
	"context"
	"fmt"

	"github.com/coachpo/sessionrouter/internal/domain/schema"
)

// ID is the configured ordinal of a session channel. Lower ids win ties.
type ID int

// State is the lifecycle state of a session channel.
type State uint8

const (
	StateInitializing State = iota
	StateUp
	StateDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Listener receives inbound events of one channel. Events arrive in wire order
// from a single goroutine per channel.
type Listener interface {
	OnChannelState(state State, text string)
	OnMessage(msg schema.Message)
}

// Handle is one physical connection to a provider.
//
// Submit enqueues and returns without waiting for the network, and must never
// invoke the Listener synchronously.
type Handle interface {
	Name() string
	Connect(ctx context.Context, listener Listener) error
	Submit(ctx context.Context, streamID int32, msg schema.Message) error
	Close() error
}

// ListenerFuncs adapts plain functions to a Listener.
type ListenerFuncs struct {
	State   func(state State, text string)
	Message func(msg schema.Message)
}

// OnChannelState implements Listener.
func (l ListenerFuncs) OnChannelState(state State, text string) {
	if l.State != nil {
		l.State(state, text)
	}
}

// OnMessage implements Listener.
func (l ListenerFuncs) OnMessage(msg schema.Message) {
	if l.Message != nil {
		l.Message(msg)
	}
}
