package config

import (
	"fmt"
	"strings"

	"github.com/coachpo/sessionrouter/internal/app/session"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/channel/ws"
	"github.com/coachpo/sessionrouter/internal/infra/telemetry"
)

// WebsocketChannel pairs a channel name with its transport settings.
type WebsocketChannel struct {
	Name string
	WS   ws.Config
}

// Session converts the configuration into session settings. Channel ordinals
// follow declaration order across connections.
func (c AppConfig) Session() session.Config {
	out := session.Config{
		ServiceIDBase:   c.ServiceIDBase,
		RecoveryWorkers: c.Recovery.Workers,
		RecoveryQueue:   c.Recovery.Queue,
		LoginName:       c.Login.UserName,
		Login: schema.LoginAttributes{
			UserName:      c.Login.UserName,
			ApplicationID: c.Login.ApplicationID,
			Position:      c.Login.Position,
		},
	}
	for _, conn := range c.Connections {
		members := make([]string, 0, len(conn.Channels))
		for _, ch := range conn.Channels {
			out.Channels = append(out.Channels, session.ChannelConfig{
				Name:         ch.Name,
				Connection:   conn.Name,
				LoginTimeout: conn.LoginTimeout,
			})
			members = append(members, ch.Name)
		}
		if conn.WarmStandby != nil {
			out.WarmStandby = append(out.WarmStandby, session.WarmStandbyConfig{
				Name:     conn.Name,
				Channels: members,
				Starting: conn.WarmStandby.StartingChannel,
			})
		}
	}
	for _, l := range c.ServiceLists {
		out.ServiceLists = append(out.ServiceLists, session.ServiceListConfig{
			Name:     l.Name,
			Services: append([]string(nil), l.Services...),
		})
	}
	return out
}

// WebsocketChannels returns the transport settings of every channel in ordinal order.
func (c AppConfig) WebsocketChannels() []WebsocketChannel {
	var out []WebsocketChannel
	for _, conn := range c.Connections {
		for _, ch := range conn.Channels {
			out = append(out, WebsocketChannel{
				Name: ch.Name,
				WS: ws.Config{
					URL:          ch.URL,
					RateLimit:    ch.RateLimit,
					Burst:        ch.Burst,
					WriteQueue:   ch.WriteQueue,
					PingInterval: ch.PingInterval,
					MaxBackoff:   ch.MaxBackoff,
					MaxAttempts:  ch.MaxAttempts,
				},
			})
		}
	}
	return out
}

// TelemetryConfig overlays the file settings on the environment defaults.
func (c AppConfig) TelemetryConfig() telemetry.Config {
	out := telemetry.DefaultConfig()
	if c.Telemetry.OTLPEndpoint != "" {
		out.Enabled = true
		out.OTLPEndpoint = c.Telemetry.OTLPEndpoint
		out.EnableMetrics = c.Telemetry.EnableMetrics
	}
	out.OTLPInsecure = out.OTLPInsecure || c.Telemetry.OTLPInsecure
	out.MetricInterval = c.Telemetry.MetricInterval
	out.ServiceName = c.Telemetry.ServiceName
	out.Environment = string(c.Environment)
	return out
}

// Request builds the registration request of a configured item.
func (i ItemConfig) Request() (*schema.RequestMsg, error) {
	domain := schema.DomainMarketPrice
	if strings.TrimSpace(i.Domain) != "" {
		d, err := schema.ParseDomain(i.Domain)
		if err != nil {
			return nil, err
		}
		domain = d
	}
	var ref schema.ServiceRef
	switch {
	case i.ServiceList != "" && i.Service != "":
		return nil, fmt.Errorf("item %q: set service or serviceList, not both", i.Name)
	case i.ServiceList != "":
		ref = schema.ByList(i.ServiceList)
	case i.Service != "":
		ref = schema.ByName(i.Service)
	default:
		return nil, fmt.Errorf("item %q: service or serviceList required", i.Name)
	}
	name := strings.TrimSpace(i.Name)
	if name == "" && len(i.Names) == 0 {
		return nil, fmt.Errorf("item: name or names required")
	}
	return &schema.RequestMsg{
		Header:    schema.Header{Domain: domain, Name: name, Service: ref},
		Names:     append([]string(nil), i.Names...),
		Streaming: !i.Snapshot,
	}, nil
}
