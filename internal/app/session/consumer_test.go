package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/sessionrouter/errs"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/bus/eventbus"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
	"github.com/coachpo/sessionrouter/internal/infra/channel/memory"
)

func TestNewValidatesConfiguration(t *testing.T) {
	_, err := New(Config{}, nil)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	cfg := Config{Channels: channelConfigs(2)}
	_, err = New(cfg, []channel.Handle{memory.New("Channel_1")})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	cfg.WarmStandby = []WarmStandbyConfig{{Name: "ws", Channels: []string{"Channel_1"}, Starting: "Channel_2"}}
	_, err = New(cfg, []channel.Handle{memory.New("Channel_1"), memory.New("Channel_2")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "starting channel")
}

func TestStartLogsInEveryChannelAndOpensDirectories(t *testing.T) {
	cfg := Config{
		Channels: channelConfigs(2),
		Login:    schema.LoginAttributes{UserName: "trader", ApplicationID: "256", Position: "10.0.0.1/host"},
	}
	c, chans := newTestConsumer(t, cfg, WithInstanceID("instance-1"))
	startSession(t, c, chans)

	for _, ch := range chans {
		login := ch.LastRequest(schema.LoginStreamID)
		require.NotNil(t, login)
		require.Equal(t, schema.DomainLogin, login.Domain)
		require.Equal(t, "trader", login.Name)
		require.Equal(t, "trader", login.Login.UserName)
		require.Equal(t, "instance-1", login.Login.InstanceID)

		dir := ch.LastRequest(schema.DirectoryStreamID)
		require.NotNil(t, dir)
		require.Equal(t, schema.DomainSource, dir.Domain)
		require.Equal(t, schema.FilterAll, dir.Filter)
		require.True(t, dir.Streaming)
	}

	infos := c.Channels()
	require.Len(t, infos, 2)
	require.Equal(t, "Channel_1", infos[0].Name)
	require.Equal(t, "Connection_1", infos[0].Connection)
	require.Equal(t, channel.StateUp, infos[0].State)
	require.True(t, infos[1].LoggedIn)
}

func TestStartFailsWhenEveryChannelFailsLogin(t *testing.T) {
	cfg := Config{Channels: channelConfigs(2)}
	cfg.Channels[1].LoginTimeout = 50 * time.Millisecond
	c, chans := newTestConsumer(t, cfg)

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()
	require.Eventually(t, func() bool { return chans[0].Connects() == 1 && chans[1].Connects() == 1 }, time.Second, time.Millisecond)
	chans[0].Up()
	chans[0].RejectLogin("not entitled")

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not fail")
	}
	require.True(t, errs.IsCode(err, errs.CodeLoginFailed))
	var e *errs.E
	require.True(t, errors.As(err, &e))
	require.Equal(t, "not entitled", e.Details["Connection_1/Channel_1"])
	require.Equal(t, "login timed out", e.Details["Connection_2/Channel_2"])
	require.Contains(t, err.Error(), "Connection_1/Channel_1")
	require.Contains(t, err.Error(), "Connection_2/Channel_2")
}

func TestStartSucceedsWhenOneChannelLogsIn(t *testing.T) {
	c, chans := newTestConsumer(t, Config{Channels: channelConfigs(2)})

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()
	require.Eventually(t, func() bool { return chans[0].Connects() == 1 && chans[1].Connects() == 1 }, time.Second, time.Millisecond)
	chans[0].Up()
	chans[0].RejectLogin("not entitled")
	chans[1].Up()
	chans[1].AcceptLogin()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	infos := c.Channels()
	require.False(t, infos[0].LoggedIn)
	require.True(t, infos[1].LoggedIn)
}

func TestConnectFailureCountsAsLoginFailure(t *testing.T) {
	c, chans := newTestConsumer(t, Config{Channels: channelConfigs(1)})
	chans[0].FailConnect(errors.New("dial tcp: connection refused"))

	err := c.Start(context.Background())
	require.True(t, errs.IsCode(err, errs.CodeLoginFailed))
	require.Contains(t, err.Error(), "connection refused")
}

func TestLoginHandleReceivesRefreshThenSummaries(t *testing.T) {
	c, chans := newTestConsumer(t, Config{Channels: channelConfigs(2)})
	startSession(t, c, chans)

	rec := &recorder{}
	h, err := c.RegisterClient(context.Background(), &schema.RequestMsg{Header: schema.Header{Domain: schema.DomainLogin}}, rec, "login")
	require.NoError(t, err)

	evs := rec.forHandle(h)
	require.Len(t, evs, 1)
	refresh, ok := evs[0].Msg.(*schema.RefreshMsg)
	require.True(t, ok)
	require.True(t, refresh.Solicited)
	require.Equal(t, int32(h), refresh.StreamID)
	require.Equal(t, "login", evs[0].Closure)

	chans[0].Down("connection reset")
	sts := statusesOf(rec.forHandle(h))
	require.Len(t, sts, 1)
	require.Equal(t, schema.TextSessionChannelDown, sts[0].State.Text)
	require.Equal(t, schema.DataOk, sts[0].State.Data)

	chans[1].Down("connection reset")
	sts = statusesOf(rec.forHandle(h))
	require.Len(t, sts, 2)
	require.Equal(t, schema.TextChannelDown, sts[1].State.Text)
	require.Equal(t, schema.DataSuspect, sts[1].State.Data)

	chans[1].Up()
	chans[1].AcceptLogin()
	sts = statusesOf(rec.forHandle(h))
	require.Len(t, sts, 3)
	require.Equal(t, schema.TextSessionChannelUp, sts[2].State.Text)
}

func TestClosedSessionRejectsCalls(t *testing.T) {
	c, chans := newTestConsumer(t, Config{Channels: channelConfigs(1)})
	startSession(t, c, chans)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.RegisterClient(context.Background(), itemRequest("IBM.N", schema.ByName("DIRECT_FEED")), &recorder{}, nil)
	require.ErrorIs(t, err, ErrSessionClosed)
	err = c.Submit(context.Background(), 1, &schema.GenericMsg{})
	require.ErrorIs(t, err, ErrSessionClosed)
	require.Equal(t, channel.StateClosed, chans[0].State())
}

func TestRegisterValidatesRequest(t *testing.T) {
	c, chans := newTestConsumer(t, Config{Channels: channelConfigs(1)})
	startSession(t, c, chans)
	rec := &recorder{}

	tests := []struct {
		name string
		req  *schema.RequestMsg
		code errs.Code
	}{
		{name: "nil request", req: nil, code: errs.CodeInvalid},
		{name: "no service", req: itemRequest("IBM.N", schema.ServiceRef{}), code: errs.CodeInvalid},
		{name: "no item name", req: itemRequest("", schema.ByName("DIRECT_FEED")), code: errs.CodeInvalid},
		{name: "unknown id", req: itemRequest("IBM.N", schema.ByID(12)), code: errs.CodeUnknownServiceID},
		{name: "undeclared list", req: itemRequest("IBM.N", schema.ByList("SVG9")), code: errs.CodeUnknownServiceName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.RegisterClient(context.Background(), tt.req, rec, nil)
			require.True(t, errs.IsCode(err, tt.code), "got %v", err)
		})
	}
	_, err := c.RegisterClient(context.Background(), itemRequest("IBM.N", schema.ByName("DIRECT_FEED")), nil, nil)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestClientMayCallBackIntoSession(t *testing.T) {
	c, chans := newTestConsumer(t, Config{Channels: channelConfigs(1)})
	startSession(t, c, chans)

	var seen []ItemInfo
	client := ClientFunc(func(ev Event) {
		if info, ok := c.Item(ev.Handle); ok {
			seen = append(seen, info)
		}
	})
	h, err := c.RegisterClient(context.Background(), itemRequest("IBM.N", schema.ByName("DIRECT_FEED")), client, nil)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	require.Equal(t, h, seen[0].Handle)
}

func TestNoticesArePublished(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 32})
	defer bus.Close()
	_, notices, err := bus.Subscribe(context.Background(), eventbus.NoticeServiceAdded, eventbus.NoticeLogin)
	require.NoError(t, err)

	c, chans := newTestConsumer(t, Config{Channels: channelConfigs(1)}, WithEventBus(bus))
	startSession(t, c, chans)
	chans[0].Directory(serviceEntry(10, "DIRECT_FEED"))

	got := map[eventbus.NoticeType]eventbus.Notice{}
	require.Eventually(t, func() bool {
		for {
			select {
			case n := <-notices:
				got[n.Type] = n
			default:
				return len(got) == 2
			}
		}
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "established", got[eventbus.NoticeLogin].State)
	require.Equal(t, "DIRECT_FEED", got[eventbus.NoticeServiceAdded].Service)
	require.Equal(t, "Channel_1", got[eventbus.NoticeServiceAdded].Channel)
}
