package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/sessionrouter/internal/domain/schema"
)

const (
	defaultLoginTimeout    = 5 * time.Second
	defaultRecoveryWorkers = 1
	defaultRecoveryQueue   = 1024
	defaultLoginName       = "user"
)

// ChannelConfig describes one session channel. Its position in Config.Channels
// is the channel ordinal.
type ChannelConfig struct {
	Name         string
	Connection   string
	LoginTimeout time.Duration
}

// WarmStandbyConfig declares a warm-standby group by channel name.
type WarmStandbyConfig struct {
	Name     string
	Channels []string
	Starting string
}

// ServiceListConfig declares a service list alias.
type ServiceListConfig struct {
	Name     string
	Services []string
}

// Config is the consumer session configuration.
type Config struct {
	Channels      []ChannelConfig
	WarmStandby   []WarmStandbyConfig
	ServiceLists  []ServiceListConfig
	LoginName     string
	Login         schema.LoginAttributes
	ServiceIDBase int

	RecoveryWorkers int
	RecoveryQueue   int
}

func (c Config) normalise() Config {
	out := c
	out.Channels = make([]ChannelConfig, len(c.Channels))
	for i, ch := range c.Channels {
		ch.Name = strings.TrimSpace(ch.Name)
		ch.Connection = strings.TrimSpace(ch.Connection)
		if ch.Connection == "" {
			ch.Connection = ch.Name
		}
		if ch.LoginTimeout <= 0 {
			ch.LoginTimeout = defaultLoginTimeout
		}
		out.Channels[i] = ch
	}
	if strings.TrimSpace(out.LoginName) == "" {
		out.LoginName = defaultLoginName
		if out.Login.UserName != "" {
			out.LoginName = out.Login.UserName
		}
	}
	if out.RecoveryWorkers <= 0 {
		out.RecoveryWorkers = defaultRecoveryWorkers
	}
	if out.RecoveryQueue <= 0 {
		out.RecoveryQueue = defaultRecoveryQueue
	}
	return out
}

// Validate checks the configuration for structural errors.
func (c Config) Validate() error {
	if len(c.Channels) == 0 {
		return fmt.Errorf("at least one channel required")
	}
	seen := make(map[string]struct{}, len(c.Channels))
	for i, ch := range c.Channels {
		name := strings.TrimSpace(ch.Name)
		if name == "" {
			return fmt.Errorf("channels[%d]: name required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("channels[%d]: duplicate channel name %q", i, name)
		}
		seen[name] = struct{}{}
		if ch.LoginTimeout < 0 {
			return fmt.Errorf("channel %s: login timeout must be >=0", name)
		}
	}
	inGroup := make(map[string]string)
	for _, g := range c.WarmStandby {
		if len(g.Channels) == 0 {
			return fmt.Errorf("warm standby group %q: channels required", g.Name)
		}
		for _, name := range g.Channels {
			if _, ok := seen[name]; !ok {
				return fmt.Errorf("warm standby group %q: unknown channel %q", g.Name, name)
			}
			if other, dup := inGroup[name]; dup {
				return fmt.Errorf("warm standby group %q: channel %q already in group %q", g.Name, name, other)
			}
			inGroup[name] = g.Name
		}
		if g.Starting != "" && inGroup[g.Starting] != g.Name {
			return fmt.Errorf("warm standby group %q: starting channel %q is not a member", g.Name, g.Starting)
		}
	}
	lists := make(map[string]struct{}, len(c.ServiceLists))
	for _, l := range c.ServiceLists {
		if strings.TrimSpace(l.Name) == "" {
			return fmt.Errorf("service list name required")
		}
		if _, dup := lists[l.Name]; dup {
			return fmt.Errorf("service list %q declared twice", l.Name)
		}
		lists[l.Name] = struct{}{}
		if len(l.Services) == 0 {
			return fmt.Errorf("service list %q: services required", l.Name)
		}
	}
	if c.ServiceIDBase < 0 {
		return fmt.Errorf("service id base must be >=0")
	}
	return nil
}

func (c Config) loginRequest() *schema.RequestMsg {
	attrs := c.Login
	return &schema.RequestMsg{
		Header:    schema.Header{Domain: schema.DomainLogin, StreamID: schema.LoginStreamID, Name: c.LoginName},
		Streaming: true,
		Login:     &attrs,
	}
}
