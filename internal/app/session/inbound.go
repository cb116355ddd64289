package session

import (
	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/bus/eventbus"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
)

type listener struct {
	c  *Consumer
	id channel.ID
}

func (l *listener) OnChannelState(state channel.State, text string) {
	l.c.onChannelState(l.id, state, text)
}

func (l *listener) OnMessage(msg schema.Message) {
	l.c.onMessage(l.id, msg)
}

func (c *Consumer) onChannelState(id channel.ID, state channel.State, text string) {
	c.mu.Lock()
	sc := c.channelLocked(id)
	if c.closed || sc == nil {
		c.mu.Unlock()
		return
	}
	prev := sc.state
	if prev == state {
		c.mu.Unlock()
		return
	}
	sc.state = state
	sc.text = text
	c.logger.Printf("session/%s: channel %s -> %s %s", sc.cfg.Name, prev, state, text)
	c.noticeLocked(eventbus.Notice{
		Type:       eventbus.NoticeChannelState,
		Connection: sc.cfg.Connection,
		Channel:    sc.cfg.Name,
		State:      state.String(),
		Text:       text,
	})

	if prev == channel.StateUp {
		c.upCount.Add(-1)
	}
	switch state {
	case channel.StateUp:
		c.upCount.Add(1)
		sc.dirParts = nil
		req := c.login.Request(id)
		if err := sc.handle.Submit(c.ctx, schema.LoginStreamID, req); err != nil {
			c.logger.Printf("session/%s: send login request: %v", sc.cfg.Name, err)
		}
	case channel.StateDown:
		if msg, ok := c.login.OnChannelDown(id, text); ok {
			c.deliverLoginLocked(sc, msg)
		}
		c.unrouteLocked(sc, false)
	case channel.StateClosed:
		if sc.timer != nil {
			sc.timer.Stop()
		}
		reason := text
		if reason == "" {
			reason = "channel closed"
		}
		if msg, ok := c.login.Fail(id, reason); ok {
			c.deliverLoginLocked(sc, msg)
		}
		c.unrouteLocked(sc, true)
	}
	c.mu.Unlock()
	c.flush()
}

func (c *Consumer) onMessage(id channel.ID, msg schema.Message) {
	if msg == nil {
		return
	}
	c.mu.Lock()
	sc := c.channelLocked(id)
	if c.closed || sc == nil {
		c.mu.Unlock()
		return
	}
	c.metrics.inbound(sc.cfg.Name, msg.Kind())
	switch msg.Head().StreamID {
	case schema.LoginStreamID:
		c.onLoginMessageLocked(sc, msg)
	case schema.DirectoryStreamID:
		c.onDirectoryMessageLocked(sc, msg)
	default:
		c.onItemMessageLocked(sc, msg)
	}
	c.mu.Unlock()
	c.flush()
}

func (c *Consumer) onLoginTimeout(id channel.ID) {
	c.mu.Lock()
	sc := c.channelLocked(id)
	if c.closed || sc == nil {
		c.mu.Unlock()
		return
	}
	if msg, ok := c.login.Timeout(id); ok {
		c.deliverLoginLocked(sc, msg)
	}
	if !c.login.IsEstablished(id) {
		c.logger.Printf("session/%s: login not established after %s", sc.cfg.Name, sc.cfg.LoginTimeout)
		c.unrouteLocked(sc, false)
	}
	c.mu.Unlock()
	c.flush()
}

func (c *Consumer) onLoginMessageLocked(sc *sessionChannel, msg schema.Message) {
	was := c.login.IsEstablished(sc.id)
	switch m := msg.(type) {
	case *schema.RefreshMsg:
		if out, ok := c.login.OnRefresh(sc.id, m); ok {
			c.deliverLoginLocked(sc, out)
		}
	case *schema.StatusMsg:
		if out, ok := c.login.OnStatus(sc.id, m); ok {
			c.deliverLoginLocked(sc, out)
		}
		if m.State.Closed() && sc.timer != nil {
			sc.timer.Stop()
		}
	case *schema.GenericMsg, *schema.UpdateMsg:
		c.deliverLoginLocked(sc, msg)
		return
	default:
		c.logger.Printf("session/%s: unexpected %s on login stream ignored", sc.cfg.Name, msg.Kind())
		return
	}

	now := c.login.IsEstablished(sc.id)
	switch {
	case !was && now:
		c.onLoginEstablishedLocked(sc)
	case was && !now:
		c.logger.Printf("session/%s: login lost", sc.cfg.Name)
		c.noticeLocked(eventbus.Notice{
			Type:       eventbus.NoticeLogin,
			Connection: sc.cfg.Connection,
			Channel:    sc.cfg.Name,
			State:      "lost",
		})
		c.unrouteLocked(sc, false)
	}
}

func (c *Consumer) onLoginEstablishedLocked(sc *sessionChannel) {
	if sc.timer != nil {
		sc.timer.Stop()
	}
	c.logger.Printf("session/%s: login established", sc.cfg.Name)
	c.noticeLocked(eventbus.Notice{
		Type:       eventbus.NoticeLogin,
		Connection: sc.cfg.Connection,
		Channel:    sc.cfg.Name,
		State:      "established",
	})

	dirReq := &schema.RequestMsg{
		Header:    schema.Header{Domain: schema.DomainSource, StreamID: schema.DirectoryStreamID},
		Filter:    schema.FilterAll,
		Streaming: true,
	}
	if err := sc.handle.Submit(c.ctx, schema.DirectoryStreamID, dirReq); err != nil {
		c.logger.Printf("session/%s: send directory request: %v", sc.cfg.Name, err)
	}

	for _, ann := range c.standby.OnChannelUp(sc.id) {
		c.announceLocked(ann.Channel, ann.Role.String())
	}
	chg := c.refreshRoutableLocked(sc.id)
	c.applyChangeLocked(chg, sc.id)
}

// deliverLoginLocked fans a login-stream message out to every login handle.
func (c *Consumer) deliverLoginLocked(sc *sessionChannel, msg schema.Message) {
	for _, reg := range c.regsOfKindLocked(regLogin) {
		c.emitLocked(reg, sc, schema.Clone(msg), false)
	}
}

// announceLocked tells a logged-in warm-standby member its role.
func (c *Consumer) announceLocked(id channel.ID, role string) {
	sc := c.channelLocked(id)
	if sc == nil || role == "" {
		return
	}
	c.noticeLocked(eventbus.Notice{
		Type:       eventbus.NoticeRoleChange,
		Connection: sc.cfg.Connection,
		Channel:    sc.cfg.Name,
		State:      role,
	})
	if sc.state != channel.StateUp || !c.login.IsEstablished(id) {
		return
	}
	c.logger.Printf("session/%s: warm standby role %s", sc.cfg.Name, role)
	if err := sc.handle.Submit(c.ctx, schema.LoginStreamID, schema.NewConsumerConnectionStatus(role)); err != nil {
		c.logger.Printf("session/%s: send consumer connection status: %v", sc.cfg.Name, err)
	}
}

func (c *Consumer) routableLocked(sc *sessionChannel) bool {
	return sc.state == channel.StateUp && c.login.IsEstablished(sc.id) && c.standby.Routable(sc.id)
}

func (c *Consumer) onDirectoryMessageLocked(sc *sessionChannel, msg schema.Message) {
	switch m := msg.(type) {
	case *schema.RefreshMsg:
		sc.dirParts = append(sc.dirParts, m.Directory...)
		if !m.Complete {
			return
		}
		entries := sc.dirParts
		sc.dirParts = nil
		c.applyChangeLocked(c.directory.ApplySnapshot(sc.id, entries), sc.id)
	case *schema.UpdateMsg:
		c.applyChangeLocked(c.directory.ApplyUpdate(sc.id, m.Directory), sc.id)
	case *schema.StatusMsg:
		c.logger.Printf("session/%s: directory stream status %s", sc.cfg.Name, m.State)
		if m.State.Closed() || m.State.Recoverable() {
			c.applyChangeLocked(c.directory.RemoveChannel(sc.id), sc.id)
			c.applyChangeLocked(c.refreshRoutableLocked(sc.id), sc.id)
		}
	default:
		c.logger.Printf("session/%s: unexpected %s on directory stream ignored", sc.cfg.Name, msg.Kind())
	}
}

func (c *Consumer) onItemMessageLocked(sc *sessionChannel, msg schema.Message) {
	item, ok := c.table.ByStream(sc.id, msg.Head().StreamID)
	if !ok {
		c.logger.Printf("session/%s: %s for unknown stream %d dropped", sc.cfg.Name, msg.Kind(), msg.Head().StreamID)
		return
	}
	reg := c.regs[Handle(item.Handle)]

	switch m := msg.(type) {
	case *schema.RefreshMsg:
		if len(m.ItemGroup) > 0 {
			item.Group = append([]byte(nil), m.ItemGroup...)
		}
		if m.State.Recoverable() {
			c.recoverLocked(item, m.State.Text, sc.id)
			return
		}
		out := schema.Clone(m).(*schema.RefreshMsg)
		if item.Recovered {
			out.Solicited = false
		}
		if m.Complete {
			item.Completed = true
			item.Recovered = false
		}
		c.translateInboundLocked(item, out)
		final := m.State.Closed() || (m.State.Stream == schema.StreamNonStreaming && m.Complete)
		c.emitLocked(reg, sc, out, final)
		if final {
			c.closeItemLocked(item, false)
		}
	case *schema.StatusMsg:
		if len(m.ItemGroup) > 0 {
			item.Group = append([]byte(nil), m.ItemGroup...)
		}
		if m.State.Recoverable() {
			c.recoverLocked(item, m.State.Text, sc.id)
			return
		}
		out := schema.Clone(m)
		c.translateInboundLocked(item, out)
		c.emitLocked(reg, sc, out, m.State.Closed())
		if m.State.Closed() {
			c.closeItemLocked(item, false)
		}
	case *schema.CloseMsg:
		out := schema.Clone(m)
		c.translateInboundLocked(item, out)
		c.emitLocked(reg, sc, out, true)
		c.closeItemLocked(item, false)
	case *schema.UpdateMsg, *schema.GenericMsg, *schema.AckMsg, *schema.PostMsg:
		out := schema.Clone(msg)
		c.translateInboundLocked(item, out)
		c.emitLocked(reg, sc, out, false)
	default:
		c.logger.Printf("session/%s: unexpected %s on item stream %d ignored", sc.cfg.Name, msg.Kind(), msg.Head().StreamID)
	}
}
