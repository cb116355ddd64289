package ws

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/sessionrouter/errs"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
)

// loginProvider accepts websocket connections and answers login requests.
// The first drops connections are closed right after the handshake.
func loginProvider(drops int32) http.HandlerFunc {
	var remaining atomic.Int32
	remaining.Store(drops)
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		if remaining.Add(-1) >= 0 {
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			msg, err := Decode(data)
			if err != nil {
				return
			}
			req, ok := msg.(*schema.RequestMsg)
			if !ok || req.Domain != schema.DomainLogin {
				continue
			}
			out, err := Encode(&schema.RefreshMsg{
				Header:    schema.Header{Domain: schema.DomainLogin, StreamID: req.StreamID, Name: req.Name},
				State:     schema.OpenOk("Login accepted"),
				Solicited: true,
				Complete:  true,
			})
			if err != nil {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
		}
	}
}

type listener struct {
	states chan channel.State
	msgs   chan schema.Message
}

func newListener() *listener {
	return &listener{states: make(chan channel.State, 16), msgs: make(chan schema.Message, 16)}
}

func (l *listener) OnChannelState(state channel.State, _ string) { l.states <- state }
func (l *listener) OnMessage(msg schema.Message)                 { l.msgs <- msg }

func (l *listener) nextState(t *testing.T) channel.State {
	t.Helper()
	select {
	case s := <-l.states:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no state change")
		return 0
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestChannel(t *testing.T, cfg Config) *Channel {
	t.Helper()
	ch, err := New("Channel_1", cfg, WithLogger(log.New(io.Discard, "", 0)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestChannelLogsInOverWebsocket(t *testing.T) {
	srv := httptest.NewServer(loginProvider(0))
	defer srv.Close()

	ch := newTestChannel(t, Config{URL: wsURL(srv), RateLimit: 100, Burst: 10})
	l := newListener()
	require.NoError(t, ch.Connect(context.Background(), l))
	require.Equal(t, channel.StateUp, l.nextState(t))

	err := ch.Submit(context.Background(), schema.LoginStreamID, &schema.RequestMsg{
		Header:    schema.Header{Domain: schema.DomainLogin, Name: "trader"},
		Streaming: true,
		Login:     &schema.LoginAttributes{UserName: "trader"},
	})
	require.NoError(t, err)

	select {
	case msg := <-l.msgs:
		refresh, ok := msg.(*schema.RefreshMsg)
		require.True(t, ok)
		require.Equal(t, schema.LoginStreamID, refresh.StreamID)
		require.Equal(t, "trader", refresh.Name)
		require.Equal(t, schema.StreamOpen, refresh.State.Stream)
	case <-time.After(3 * time.Second):
		t.Fatal("no login refresh")
	}
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	srv := httptest.NewServer(loginProvider(1))
	defer srv.Close()

	ch := newTestChannel(t, Config{URL: wsURL(srv), InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	l := newListener()
	require.NoError(t, ch.Connect(context.Background(), l))

	require.Equal(t, channel.StateUp, l.nextState(t))
	require.Equal(t, channel.StateDown, l.nextState(t))
	require.Equal(t, channel.StateUp, l.nextState(t))
	require.Equal(t, channel.StateUp, ch.State())
}

func TestChannelClosesAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(loginProvider(0))
	url := wsURL(srv)
	srv.Close()

	ch := newTestChannel(t, Config{URL: url, MaxAttempts: 2, InitialBackoff: 5 * time.Millisecond, DialTimeout: time.Second})
	l := newListener()
	require.NoError(t, ch.Connect(context.Background(), l))

	require.Equal(t, channel.StateDown, l.nextState(t))
	require.Equal(t, channel.StateClosed, l.nextState(t))
	select {
	case <-ch.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection loop did not exit")
	}
}

func TestSubmitRequiresConnection(t *testing.T) {
	ch := newTestChannel(t, Config{URL: "ws://127.0.0.1:1/stream"})
	err := ch.Submit(context.Background(), 5, &schema.CloseMsg{})
	require.True(t, errs.IsCode(err, errs.CodeChannel))

	err = ch.Submit(context.Background(), 5, nil)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	require.NoError(t, ch.Close())
	err = ch.Connect(context.Background(), newListener())
	require.True(t, errs.IsCode(err, errs.CodeChannel))
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("Channel_1", Config{URL: "ftp://example.com"})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, err = New("Channel_1", Config{})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, err = New(" ", Config{URL: "ws://localhost"})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestCodecRoundTripKeepsPayload(t *testing.T) {
	in := &schema.RefreshMsg{
		Header:    schema.Header{Domain: schema.DomainSource, StreamID: schema.DirectoryStreamID},
		State:     schema.OpenOk(""),
		Complete:  true,
		ItemGroup: []byte{0, 1},
		Fields:    map[string]decimal.Decimal{"BID": decimal.RequireFromString("101.25")},
		Directory: []schema.ServiceEntry{{
			Action: schema.ActionAdd,
			ID:     10,
			Info:   &schema.ServiceInfo{Name: "DIRECT_FEED", Capabilities: []schema.Domain{schema.DomainMarketPrice}},
			State:  &schema.ServiceState{Up: true, AcceptingRequests: true},
		}},
	}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	refresh, ok := out.(*schema.RefreshMsg)
	require.True(t, ok)
	require.Equal(t, schema.DirectoryStreamID, refresh.StreamID)
	require.Equal(t, "DIRECT_FEED", refresh.Directory[0].Info.Name)
	require.True(t, refresh.Fields["BID"].Equal(decimal.RequireFromString("101.25")))
	require.Equal(t, []byte{0, 1}, refresh.ItemGroup)

	_, err = Decode([]byte(`{"kind":"Bogus","payload":{}}`))
	require.Error(t, err)
}
