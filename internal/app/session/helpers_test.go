package session

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
	"github.com/coachpo/sessionrouter/internal/infra/channel/memory"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) forHandle(h Handle) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Handle == h {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func statusesOf(evs []Event) []*schema.StatusMsg {
	var out []*schema.StatusMsg
	for _, ev := range evs {
		if m, ok := ev.Msg.(*schema.StatusMsg); ok {
			out = append(out, m)
		}
	}
	return out
}

func refreshesOf(evs []Event) []*schema.RefreshMsg {
	var out []*schema.RefreshMsg
	for _, ev := range evs {
		if m, ok := ev.Msg.(*schema.RefreshMsg); ok {
			out = append(out, m)
		}
	}
	return out
}

func channelConfigs(n int) []ChannelConfig {
	out := make([]ChannelConfig, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, ChannelConfig{
			Name:         "Channel_" + string(rune('0'+i)),
			Connection:   "Connection_" + string(rune('0'+i)),
			LoginTimeout: 2 * time.Second,
		})
	}
	return out
}

func newTestConsumer(t *testing.T, cfg Config, opts ...Option) (*Consumer, []*memory.Channel) {
	t.Helper()
	chans := make([]*memory.Channel, 0, len(cfg.Channels))
	handles := make([]channel.Handle, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		m := memory.New(ch.Name)
		chans = append(chans, m)
		handles = append(handles, m)
	}
	opts = append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)
	c, err := New(cfg, handles, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, chans
}

// startSession runs Start while the given channels come up and log in.
func startSession(t *testing.T, c *Consumer, chans []*memory.Channel, up ...*memory.Channel) {
	t.Helper()
	if len(up) == 0 {
		up = chans
	}
	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		for _, ch := range chans {
			if ch.Connects() == 0 {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
	for _, ch := range up {
		ch.Up()
		ch.AcceptLogin()
	}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
}

func serviceEntry(nativeID int, name string) schema.ServiceEntry {
	return schema.ServiceEntry{
		Action: schema.ActionAdd,
		ID:     nativeID,
		Info: &schema.ServiceInfo{
			Name:         name,
			Vendor:       "test",
			Capabilities: []schema.Domain{schema.DomainMarketPrice, schema.DomainMarketByPrice},
		},
		State: &schema.ServiceState{Up: true, AcceptingRequests: true},
	}
}

func serviceState(nativeID int, up bool) schema.ServiceEntry {
	return schema.ServiceEntry{
		Action: schema.ActionUpdate,
		ID:     nativeID,
		State:  &schema.ServiceState{Up: up, AcceptingRequests: true},
	}
}

func itemRequest(name string, service schema.ServiceRef) *schema.RequestMsg {
	return &schema.RequestMsg{
		Header:    schema.Header{Domain: schema.DomainMarketPrice, Name: name, Service: service},
		Streaming: true,
	}
}

func providerRefresh(stream int32, name string) *schema.RefreshMsg {
	return &schema.RefreshMsg{
		Header:    schema.Header{Domain: schema.DomainMarketPrice, StreamID: stream, Name: name},
		State:     schema.OpenOk("All is well"),
		Solicited: true,
		Complete:  true,
		Fields:    map[string]decimal.Decimal{"BID": decimal.RequireFromString("101.25")},
	}
}

func lastItemRequest(t *testing.T, ch *memory.Channel) *schema.RequestMsg {
	t.Helper()
	reqs := ch.Requests()
	require.NotEmpty(t, reqs, "no item request on %s", ch.Name())
	return reqs[len(reqs)-1]
}

func closeMessages(ch *memory.Channel) []*schema.CloseMsg {
	var out []*schema.CloseMsg
	for _, s := range ch.Sent() {
		if m, ok := s.Msg.(*schema.CloseMsg); ok {
			out = append(out, m)
		}
	}
	return out
}
