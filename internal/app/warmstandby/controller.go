// Package warmstandby tracks active and standby roles inside channel groups.
package warmstandby

import (
	"fmt"
	"sort"
	"sync"

	"github.com/coachpo/sessionrouter/errs"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
)

// Role is the warm-standby role of a group member.
type Role uint8

const (
	RoleNone Role = iota
	RoleActive
	RoleStandby
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return ""
	case RoleActive:
		return schema.WarmStandbyModeActive
	case RoleStandby:
		return schema.WarmStandbyModeStandby
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// Group declares a warm-standby group.
type Group struct {
	Name     string
	Members  []channel.ID
	Starting channel.ID
}

// Announcement asks the session to tell a member its role.
type Announcement struct {
	Group   string
	Channel channel.ID
	Role    Role
}

// GroupStatus is a diagnostic snapshot of one group.
type GroupStatus struct {
	Name      string
	Members   []channel.ID
	Active    channel.ID
	HasActive bool
}

type group struct {
	name      string
	members   []channel.ID
	up        map[channel.ID]bool
	active    channel.ID
	hasActive bool
}

func (g *group) role(ch channel.ID) Role {
	if g.hasActive && g.active == ch {
		return RoleActive
	}
	return RoleStandby
}

func (g *group) index(ch channel.ID) int {
	for i, m := range g.members {
		if m == ch {
			return i
		}
	}
	return -1
}

// Controller owns every warm-standby group of a session.
type Controller struct {
	mu        sync.Mutex
	groups    []*group
	byChannel map[channel.ID]*group
}

// New validates groups and assigns the starting members as active.
func New(groups ...Group) (*Controller, error) {
	c := &Controller{byChannel: make(map[channel.ID]*group)}
	for _, cfg := range groups {
		if len(cfg.Members) == 0 {
			return nil, errs.New("warmstandby", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("group %q has no members", cfg.Name)))
		}
		g := &group{
			name:    cfg.Name,
			members: append([]channel.ID(nil), cfg.Members...),
			up:      make(map[channel.ID]bool, len(cfg.Members)),
		}
		if g.index(cfg.Starting) < 0 {
			return nil, errs.New("warmstandby", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("group %q starting channel %d is not a member", cfg.Name, cfg.Starting)))
		}
		g.active = cfg.Starting
		g.hasActive = true
		for _, m := range g.members {
			if _, dup := c.byChannel[m]; dup {
				return nil, errs.New("warmstandby", errs.CodeInvalid,
					errs.WithMessage(fmt.Sprintf("channel %d belongs to more than one group", m)))
			}
			c.byChannel[m] = g
		}
		c.groups = append(c.groups, g)
	}
	return c, nil
}

// Member reports whether ch belongs to a group.
func (c *Controller) Member(ch channel.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byChannel[ch]
	return ok
}

// Role returns the current role of ch, or RoleNone outside any group.
func (c *Controller) Role(ch channel.ID) Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.byChannel[ch]
	if !ok {
		return RoleNone
	}
	return g.role(ch)
}

// Routable reports whether items may be routed over ch given its role.
func (c *Controller) Routable(ch channel.ID) bool {
	return c.Role(ch) != RoleStandby
}

// OnChannelUp records that ch logged in. A headless group promotes ch.
// The returned announcement tells ch its role.
func (c *Controller) OnChannelUp(ch channel.ID) []Announcement {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.byChannel[ch]
	if !ok {
		return nil
	}
	g.up[ch] = true
	if !g.hasActive {
		g.active = ch
		g.hasActive = true
	}
	return []Announcement{{Group: g.name, Channel: ch, Role: g.role(ch)}}
}

// OnChannelDown records the loss of ch. Losing the active member promotes the
// next configured member that is up, wrapping around the member list.
// It returns the announcements for members whose role changed.
func (c *Controller) OnChannelDown(ch channel.ID) []Announcement {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.byChannel[ch]
	if !ok {
		return nil
	}
	g.up[ch] = false
	if !g.hasActive || g.active != ch {
		return nil
	}
	g.hasActive = false
	start := g.index(ch)
	for step := 1; step < len(g.members); step++ {
		next := g.members[(start+step)%len(g.members)]
		if g.up[next] {
			g.active = next
			g.hasActive = true
			return []Announcement{{Group: g.name, Channel: next, Role: RoleActive}}
		}
	}
	return nil
}

// Groups returns a snapshot of every group ordered by name.
func (c *Controller) Groups() []GroupStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]GroupStatus, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, GroupStatus{
			Name:      g.name,
			Members:   append([]channel.ID(nil), g.members...),
			Active:    g.active,
			HasActive: g.hasActive,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GroupOf returns the name of the group holding ch.
func (c *Controller) GroupOf(ch channel.ID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.byChannel[ch]
	if !ok {
		return "", false
	}
	return g.name, true
}
