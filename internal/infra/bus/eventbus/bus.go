// Package eventbus defines pub/sub interfaces for session diagnostic notices.
package eventbus

import (
	"context"
	"time"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// NoticeType classifies session notices.
type NoticeType string

const (
	NoticeChannelState   NoticeType = "channel_state"
	NoticeRoleChange     NoticeType = "role_change"
	NoticeServiceAdded   NoticeType = "service_added"
	NoticeServiceDeleted NoticeType = "service_deleted"
	NoticeLogin          NoticeType = "login"
)

// Notice is one session-level diagnostic event.
type Notice struct {
	ID         string
	Type       NoticeType
	Connection string
	Channel    string
	Service    string
	State      string
	Text       string
	At         time.Time
}

// Bus delivers notices to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, notice Notice) error
	Subscribe(ctx context.Context, types ...NoticeType) (SubscriptionID, <-chan Notice, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
