package session

import (
	"context"
	"fmt"
	"time"

	"github.com/coachpo/sessionrouter/internal/app/directory"
	"github.com/coachpo/sessionrouter/internal/app/routing"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/bus/eventbus"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
)

type routeMode uint8

const (
	// routeQuiet binds if possible and never reports.
	routeQuiet routeMode = iota
	// routeReportFailure reports only when the item has to wait.
	routeReportFailure
	// routeRecover reports exactly once: the cause on re-bind, the resolver text on failure.
	routeRecover
)

type target struct {
	service string
	facet   directory.Facet
}

// refreshRoutableLocked recomputes whether items may be routed over sc.
func (c *Consumer) refreshRoutableLocked(id channel.ID) directory.Change {
	sc := c.channelLocked(id)
	if sc == nil {
		return directory.Change{}
	}
	return c.directory.SetChannelRoutable(id, c.routableLocked(sc))
}

// unrouteLocked withdraws sc from routing after it went down, closed or lost
// its login, promotes a warm-standby peer and recovers sc's items.
func (c *Consumer) unrouteLocked(sc *sessionChannel, closed bool) {
	chg := c.refreshRoutableLocked(sc.id)
	for _, ann := range c.standby.OnChannelDown(sc.id) {
		c.announceLocked(ann.Channel, ann.Role.String())
		chg.Merge(c.refreshRoutableLocked(ann.Channel))
	}
	if closed {
		chg.Merge(c.directory.RemoveChannel(sc.id))
	}
	for _, item := range c.table.BoundTo(sc.id) {
		c.recoverLocked(item, schema.TextChannelDown, sc.id)
	}
	c.applyChangeLocked(chg, sc.id)
}

// recoverLocked releases the item's stream and re-routes it. Private streams
// are not moved; the application gets a recoverable closure instead.
func (c *Consumer) recoverLocked(item *routing.Item, cause string, origin channel.ID) {
	from, _, wasBound := c.table.Unbind(item.Handle, routing.StateRecoverPending)
	if !wasBound {
		return
	}
	fromName := ""
	if sc := c.channelLocked(from); sc != nil {
		fromName = sc.cfg.Name
	}
	if item.Private {
		c.logger.Printf("session/%s: closing private handle %d %s: %s", fromName, item.Handle, item.Request.Name, cause)
		c.statusLocked(item, nil, schema.ClosedRecover(schema.CodeNone, cause))
		c.closeItemLocked(item, false)
		return
	}
	if item.Completed {
		item.Recovered = true
	}
	c.logger.Printf("session/%s: recovering handle %d %s: %s", fromName, item.Handle, item.Request.Name, cause)
	c.metrics.recovered(item.ServiceName, fromName, cause)
	c.routeLocked(item, routeRecover, cause, origin)
}

// routeLocked resolves the item's service and binds it. Re-binding onto
// origin from origin's own callback is handed to the recovery pool.
func (c *Consumer) routeLocked(item *routing.Item, mode routeMode, cause string, origin channel.ID) {
	avoid := noChannel
	if mode == routeRecover {
		avoid = origin
	}
	tgt, failText := c.selectLocked(item, avoid)
	if failText != "" {
		c.waitLocked(item, mode, failText)
		return
	}
	if mode == routeRecover && origin != noChannel && tgt.facet.Channel == origin {
		c.table.SetState(item.Handle, routing.StateRecoverPending)
		c.statusLocked(item, nil, schema.OpenSuspect(schema.CodeNone, cause))
		c.deferLocked(item.Handle)
		return
	}
	if err := c.bindLocked(item, tgt); err != nil {
		c.logger.Printf("session: bind handle %d to %s: %v", item.Handle, tgt.service, err)
		c.waitLocked(item, mode, schema.TextNoMatchingService)
		return
	}
	if mode == routeRecover {
		c.metrics.rebound(tgt.service, c.channels[tgt.facet.Channel].cfg.Name)
		c.statusLocked(item, c.channels[tgt.facet.Channel], schema.OpenSuspect(schema.CodeNone, cause))
	}
}

func (c *Consumer) waitLocked(item *routing.Item, mode routeMode, text string) {
	if item.State != routing.StateWaiting {
		c.metrics.waiting(item.Service.String())
	}
	c.table.SetState(item.Handle, routing.StateWaiting)
	if mode != routeQuiet {
		c.statusLocked(item, nil, schema.OpenSuspect(schema.CodeNone, text))
	}
}

// selectLocked picks the facet serving the item: list members in declared
// order, facets by ordinal, facets on avoid only as a last resort.
func (c *Consumer) selectLocked(item *routing.Item, avoid channel.ID) (target, string) {
	candidates := []string{item.Service.Name}
	if item.Service.List != "" {
		candidates = c.directory.ListMembers(item.Service.List)
	}

	var (
		fallback    *target
		capableSeen bool
		usableSeen  bool
	)
	for _, name := range candidates {
		svc, ok := c.directory.Lookup(name)
		if !ok || !svc.Usable {
			continue
		}
		for _, f := range svc.UsableFacets() {
			usableSeen = true
			info := svc.Info
			if f.HasInfo {
				info = f.Info
			}
			if len(info.Capabilities) > 0 && !info.Supports(item.Request.Domain) {
				continue
			}
			capableSeen = true
			if !info.Offers(item.Request.QoS) {
				continue
			}
			if f.Channel == avoid {
				if fallback == nil {
					fallback = &target{service: name, facet: f}
				}
				continue
			}
			return target{service: name, facet: f}, ""
		}
	}
	switch {
	case fallback != nil:
		return *fallback, ""
	case !usableSeen:
		return target{}, schema.TextNoMatchingService
	case !capableSeen:
		return target{}, schema.TextCapabilityMissing
	}
	return target{}, schema.TextNoMatchingQoS
}

func (c *Consumer) bindLocked(item *routing.Item, tgt target) error {
	sc := c.channelLocked(tgt.facet.Channel)
	if sc == nil {
		return fmt.Errorf("channel %d not configured", tgt.facet.Channel)
	}
	stream, err := c.table.Bind(item.Handle, sc.id, tgt.service)
	if err != nil {
		return err
	}
	req := schema.Clone(item.Request).(*schema.RequestMsg)
	req.StreamID = stream
	req.Names = nil
	req.Service = schema.ServiceRef{Name: tgt.service, ID: tgt.facet.NativeID, HasID: true}
	if err := sc.handle.Submit(c.ctx, stream, req); err != nil {
		c.table.Unbind(item.Handle, routing.StateRecoverPending)
		return fmt.Errorf("submit request on %s: %w", sc.cfg.Name, err)
	}
	return nil
}

func (c *Consumer) deferLocked(handle int32) {
	scheduled := time.Now()
	task := func(context.Context) error {
		c.runDeferred(handle, scheduled)
		return nil
	}
	if err := c.pool.Submit(c.ctx, task); err != nil {
		c.logger.Printf("session: deferred recovery of handle %d not queued (%v); running it directly", handle, err)
		go func() { _ = task(c.ctx) }()
	}
}

func (c *Consumer) runDeferred(handle int32, scheduled time.Time) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if item, ok := c.table.Get(handle); ok && item.State == routing.StateRecoverPending {
		c.metrics.deferred(time.Since(scheduled))
		c.routeLocked(item, routeReportFailure, "", noChannel)
	}
	c.mu.Unlock()
	c.flush()
}

// applyChangeLocked reacts to a directory change reported by origin.
func (c *Consumer) applyChangeLocked(chg directory.Change, origin channel.ID) {
	if chg.Empty() {
		return
	}
	sc := c.channelLocked(origin)
	for _, name := range chg.Added {
		c.logger.Printf("session: service %s added", name)
		c.noticeLocked(c.serviceNotice(eventbus.NoticeServiceAdded, sc, name))
	}
	for _, d := range chg.Deleted {
		c.logger.Printf("session: service %s deleted", d.Name)
		c.noticeLocked(c.serviceNotice(eventbus.NoticeServiceDeleted, sc, d.Name))
	}

	for _, lost := range chg.LostFacets {
		for _, item := range c.table.BoundToService(lost.Channel, lost.Service) {
			c.recoverLocked(item, schema.TextServiceLost, lost.Channel)
		}
	}
	for _, g := range chg.Groups {
		c.applyGroupLocked(g)
	}

	if affected := chg.Affected(); len(affected) > 0 {
		for _, item := range c.table.Pending() {
			if item.State != routing.StateWaiting || !c.itemWantsLocked(item, affected) {
				continue
			}
			c.routeLocked(item, routeQuiet, "", noChannel)
		}
	}
	c.publishDirectoryLocked(chg)
}

func (c *Consumer) serviceNotice(typ eventbus.NoticeType, sc *sessionChannel, service string) eventbus.Notice {
	n := eventbus.Notice{Type: typ, Service: service}
	if sc != nil {
		n.Connection = sc.cfg.Connection
		n.Channel = sc.cfg.Name
	}
	return n
}

func (c *Consumer) itemWantsLocked(item *routing.Item, affected map[string]struct{}) bool {
	if item.Service.List == "" {
		_, ok := affected[item.Service.Name]
		return ok
	}
	for _, member := range c.directory.ListMembers(item.Service.List) {
		if _, ok := affected[member]; ok {
			return true
		}
	}
	return false
}

// applyGroupLocked applies a group status or merge to the items of that group.
func (c *Consumer) applyGroupLocked(g directory.GroupEvent) {
	if len(g.Group) == 0 {
		return
	}
	sc := c.channelLocked(g.Channel)
	for _, item := range c.table.BoundToService(g.Channel, g.Service) {
		if !schema.GroupEqual(item.Group, g.Group) {
			continue
		}
		if g.MergedTo != nil {
			item.Group = append([]byte(nil), g.MergedTo...)
		}
		if g.Status == nil {
			continue
		}
		st := *g.Status
		switch {
		case st.Recoverable():
			c.recoverLocked(item, st.Text, g.Channel)
		case st.Closed():
			c.statusLocked(item, sc, st)
			c.closeItemLocked(item, false)
		default:
			c.statusLocked(item, sc, st)
		}
	}
}

// statusLocked queues a synthesized status for the item. Closed states are final.
func (c *Consumer) statusLocked(item *routing.Item, sc *sessionChannel, state schema.State) {
	reg := c.regs[Handle(item.Handle)]
	if reg == nil {
		return
	}
	msg := &schema.StatusMsg{
		Header: schema.Header{
			Domain:  item.Request.Domain,
			Name:    item.Request.Name,
			Service: c.appServiceRefLocked(item),
		},
		State: state,
	}
	if len(item.Group) > 0 {
		msg.ItemGroup = append([]byte(nil), item.Group...)
	}
	c.metrics.synthesized(item.Request.Domain)
	c.emitLocked(reg, sc, msg, state.Closed() || state.Recoverable())
}

// closeItemLocked removes a closed item. sendClose also closes the native stream.
func (c *Consumer) closeItemLocked(item *routing.Item, sendClose bool) {
	bound := item.Bound()
	ch, stream := item.Channel, item.Stream
	c.table.Remove(item.Handle)
	c.removeRegLocked(Handle(item.Handle))
	if !sendClose || !bound {
		return
	}
	sc := c.channelLocked(ch)
	if sc == nil || sc.state != channel.StateUp {
		return
	}
	closeMsg := &schema.CloseMsg{Header: schema.Header{Domain: item.Request.Domain, StreamID: stream}}
	if err := sc.handle.Submit(c.ctx, stream, closeMsg); err != nil {
		c.logger.Printf("session/%s: close stream %d: %v", sc.cfg.Name, stream, err)
	}
}

// appServiceRefLocked is the service reference the application sees for item.
func (c *Consumer) appServiceRefLocked(item *routing.Item) schema.ServiceRef {
	if item.Service.List != "" {
		if l, ok := c.directory.List(item.Service.List); ok {
			return schema.ServiceRef{Name: l.Name, ID: l.ID, HasID: true, List: l.Name}
		}
		return item.Service
	}
	ref := schema.ServiceRef{Name: item.Service.Name}
	if id, ok := c.directory.ServiceID(item.Service.Name); ok {
		ref.ID = id
		ref.HasID = true
	}
	return ref
}

// translateInboundLocked rewrites native ids into application ids.
func (c *Consumer) translateInboundLocked(item *routing.Item, msg schema.Message) {
	head := msg.Head()
	head.StreamID = item.Handle
	head.Service = c.appServiceRefLocked(item)
	if head.Name == "" {
		head.Name = item.Request.Name
	}
	if head.Domain == 0 {
		head.Domain = item.Request.Domain
	}
}
