package session

import (
	"github.com/coachpo/sessionrouter/internal/app/directory"
	"github.com/coachpo/sessionrouter/internal/app/routing"
	"github.com/coachpo/sessionrouter/internal/app/warmstandby"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
)

// ItemInfo is a diagnostic snapshot of one item.
type ItemInfo struct {
	Handle  Handle
	Name    string
	Domain  schema.Domain
	Service schema.ServiceRef
	State   routing.State

	// Set while bound.
	ServiceName string
	Channel     string
	Stream      int32
}

// ResolveServiceList returns the service a list currently resolves to.
func (c *Consumer) ResolveServiceList(name string) (directory.Service, bool) {
	return c.directory.ResolveList(name)
}

// Service returns the merged directory entry of a service.
func (c *Consumer) Service(name string) (directory.Service, bool) {
	return c.directory.Lookup(name)
}

// ServiceByID returns the merged directory entry for a synthesized id.
func (c *Consumer) ServiceByID(id int) (directory.Service, bool) {
	return c.directory.LookupID(id)
}

// Services returns every live service ordered by name.
func (c *Consumer) Services() []directory.Service {
	return c.directory.Services()
}

// Channels describes every configured channel by ordinal.
func (c *Consumer) Channels() []ChannelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChannelInfo, 0, len(c.channels))
	for _, sc := range c.channels {
		out = append(out, c.channelInfoLocked(sc))
	}
	return out
}

// WarmStandbyGroups describes every warm-standby group.
func (c *Consumer) WarmStandbyGroups() []warmstandby.GroupStatus {
	return c.standby.Groups()
}

// Item returns a snapshot of an item handle.
func (c *Consumer) Item(handle Handle) (ItemInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.table.Get(int32(handle))
	if !ok {
		return ItemInfo{}, false
	}
	info := ItemInfo{
		Handle:  handle,
		Name:    item.Request.Name,
		Domain:  item.Request.Domain,
		Service: c.appServiceRefLocked(item),
		State:   item.State,
	}
	if item.Bound() {
		info.ServiceName = item.ServiceName
		info.Channel = c.channels[item.Channel].cfg.Name
		info.Stream = item.Stream
	}
	return info, true
}

// Items returns a snapshot of every item ordered by handle.
func (c *Consumer) Items() []ItemInfo {
	c.mu.Lock()
	handles := make([]Handle, 0, c.table.Len())
	for _, item := range c.table.Items() {
		handles = append(handles, Handle(item.Handle))
	}
	c.mu.Unlock()
	out := make([]ItemInfo, 0, len(handles))
	for _, h := range handles {
		if info, ok := c.Item(h); ok {
			out = append(out, info)
		}
	}
	return out
}
