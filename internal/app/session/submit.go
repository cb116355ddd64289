package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/coachpo/sessionrouter/errs"
	"github.com/coachpo/sessionrouter/internal/app/routing"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
)

// Submit sends msg on an open handle. Requests reissue the stream, posts and
// generics are translated to the serving channel's native ids and a close
// unregisters the handle.
func (c *Consumer) Submit(ctx context.Context, handle Handle, msg schema.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	if msg == nil {
		return errs.New("session/submit", errs.CodeInvalid, errs.WithMessage("message required"))
	}
	if _, ok := msg.(*schema.CloseMsg); ok {
		c.mu.Lock()
		_, known := c.regs[handle]
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return closedError("session/submit")
		}
		if !known {
			return handleError("session/submit", handle)
		}
		c.Unregister(handle)
		return nil
	}

	c.mu.Lock()
	err := c.submitLocked(handle, msg)
	c.mu.Unlock()
	c.flush()
	if err != nil {
		c.metrics.rejected(msg.Kind().String(), errs.CodeOf(err))
	}
	return err
}

func handleError(component string, handle Handle) error {
	return errs.New(component, errs.CodeHandleClosed,
		errs.WithMessage(fmt.Sprintf("handle %d is not registered", handle)),
		errs.WithCause(ErrHandleNotFound))
}

func (c *Consumer) submitLocked(handle Handle, msg schema.Message) error {
	if c.closed {
		return closedError("session/submit")
	}
	reg, ok := c.regs[handle]
	if !ok {
		return handleError("session/submit", handle)
	}
	switch reg.kind {
	case regLogin:
		return c.submitLoginLocked(msg)
	case regDirectory:
		req, ok := msg.(*schema.RequestMsg)
		if !ok {
			return errs.New("session/submit", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("%s not supported on a directory stream", msg.Kind())))
		}
		c.refreshDirectoryLocked(reg, req)
		return nil
	}
	item, ok := c.table.Get(int32(handle))
	if !ok {
		return handleError("session/submit", handle)
	}
	return c.submitItemLocked(item, msg)
}

func (c *Consumer) submitLoginLocked(msg schema.Message) error {
	switch m := msg.(type) {
	case *schema.RequestMsg:
		var failed []error
		for _, id := range c.login.Reissue(m) {
			sc := c.channels[id]
			if err := sc.handle.Submit(c.ctx, schema.LoginStreamID, c.login.Current()); err != nil {
				failed = append(failed, fmt.Errorf("reissue login on %s: %w", sc.cfg.Name, err))
			}
		}
		return errors.Join(failed...)
	case *schema.GenericMsg, *schema.PostMsg:
		return c.fanOutLoginLocked(msg)
	}
	return errs.New("session/submit", errs.CodeInvalid,
		errs.WithMessage(fmt.Sprintf("%s not supported on the login stream", msg.Kind())))
}

// fanOutLoginLocked sends a login-stream message to every logged-in channel,
// translating its service per channel and skipping channels without it.
func (c *Consumer) fanOutLoginLocked(msg schema.Message) error {
	name := ""
	if svc := msg.Head().Service; !svc.IsZero() {
		resolved, err := c.sessionServiceLocked(svc)
		if err != nil {
			return err
		}
		name = resolved
	}
	established := c.login.Established()
	if len(established) == 0 {
		return errs.New("session/submit", errs.CodeUnavailable, errs.WithMessage("no channel is logged in"))
	}
	var (
		failed []error
		sent   int
	)
	targets := make([]channel.ID, 0, len(established))
	for _, id := range established {
		if name == "" {
			targets = append(targets, id)
			continue
		}
		if _, ok := c.directory.NativeID(id, name); ok {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return serviceNotOnChannelError(msg.Head().Service, name, "any logged-in channel")
	}
	for _, id := range targets {
		sc := c.channels[id]
		out := schema.Clone(msg)
		out.Head().StreamID = schema.LoginStreamID
		if name != "" {
			native, _ := c.directory.NativeID(id, name)
			out.Head().Service = schema.ServiceRef{Name: name, ID: native, HasID: true}
		}
		if err := sc.handle.Submit(c.ctx, schema.LoginStreamID, out); err != nil {
			failed = append(failed, fmt.Errorf("send %s on %s: %w", msg.Kind(), sc.cfg.Name, err))
			continue
		}
		sent++
	}
	if sent == 0 && len(failed) > 0 {
		return errors.Join(failed...)
	}
	return nil
}

func (c *Consumer) submitItemLocked(item *routing.Item, msg schema.Message) error {
	switch m := msg.(type) {
	case *schema.RequestMsg:
		next := schema.Clone(m).(*schema.RequestMsg)
		next.Names = nil
		next.Name = item.Request.Name
		next.Service = item.Request.Service
		if next.Domain == 0 {
			next.Domain = item.Request.Domain
		}
		item.Request = next
		item.Private = next.Private
		if !item.Bound() {
			return nil
		}
		sc := c.channels[item.Channel]
		out := schema.Clone(next).(*schema.RequestMsg)
		out.StreamID = item.Stream
		if native, ok := c.directory.NativeID(item.Channel, item.ServiceName); ok {
			out.Service = schema.ServiceRef{Name: item.ServiceName, ID: native, HasID: true}
		}
		if err := sc.handle.Submit(c.ctx, item.Stream, out); err != nil {
			return fmt.Errorf("reissue handle %d on %s: %w", item.Handle, sc.cfg.Name, err)
		}
		return nil
	case *schema.PostMsg, *schema.GenericMsg:
		if !item.Bound() {
			return errs.New("session/submit", errs.CodeNotBound,
				errs.WithMessage(fmt.Sprintf("handle %d is not bound to a channel", item.Handle)),
				errs.WithDetail("state", item.State.String()))
		}
		sc := c.channels[item.Channel]
		out := schema.Clone(msg)
		out.Head().StreamID = item.Stream
		if svc := out.Head().Service; !svc.IsZero() {
			name, err := c.sessionServiceLocked(svc)
			if err != nil {
				return err
			}
			native, ok := c.directory.NativeID(item.Channel, name)
			if !ok {
				return serviceNotOnChannelError(svc, name, "channel "+sc.cfg.Name)
			}
			out.Head().Service = schema.ServiceRef{Name: name, ID: native, HasID: true}
		}
		if err := sc.handle.Submit(c.ctx, item.Stream, out); err != nil {
			return fmt.Errorf("send %s for handle %d on %s: %w", msg.Kind(), item.Handle, sc.cfg.Name, err)
		}
		return nil
	}
	return errs.New("session/submit", errs.CodeInvalid,
		errs.WithMessage(fmt.Sprintf("%s not supported on an item stream", msg.Kind())))
}

// serviceNotOnChannelError reports a known service missing from where the
// message has to go, naming the reference the application used.
func serviceNotOnChannelError(ref schema.ServiceRef, name, where string) error {
	if ref.HasID && ref.Name == "" && ref.List == "" {
		return errs.New("session/submit", errs.CodeUnknownServiceID,
			errs.WithMessage(fmt.Sprintf("service id %d not available on %s", ref.ID, where)),
			errs.WithDetail("service", name))
	}
	return errs.New("session/submit", errs.CodeUnknownServiceName,
		errs.WithMessage(fmt.Sprintf("service %q not available on %s", name, where)))
}

// sessionServiceLocked resolves a service reference against the merged directory.
func (c *Consumer) sessionServiceLocked(ref schema.ServiceRef) (string, error) {
	switch {
	case ref.List != "":
		svc, ok := c.directory.ResolveList(ref.List)
		if !ok {
			return "", errs.New("session/submit", errs.CodeUnknownServiceName,
				errs.WithMessage(fmt.Sprintf("service list %q has no usable member", ref.List)))
		}
		return svc.Name, nil
	case ref.Name != "":
		if _, ok := c.directory.Lookup(ref.Name); !ok {
			return "", errs.New("session/submit", errs.CodeUnknownServiceName,
				errs.WithMessage(fmt.Sprintf("service %q not in directory", ref.Name)))
		}
		return ref.Name, nil
	case ref.HasID:
		if name, ok := c.directory.NameForID(ref.ID); ok {
			return name, nil
		}
		if list, ok := c.directory.ListByID(ref.ID); ok {
			return c.sessionServiceLocked(schema.ByList(list))
		}
		return "", errs.New("session/submit", errs.CodeUnknownServiceID,
			errs.WithMessage(fmt.Sprintf("service id %d not in directory", ref.ID)))
	}
	return "", nil
}

// Unregister closes a handle. It is idempotent; a bound item also closes its
// native stream and queued events for the handle are dropped.
func (c *Consumer) Unregister(handle Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.regs[handle]
	if !ok {
		return
	}
	reg.unregistered.Store(true)
	if reg.kind != regItem {
		c.removeRegLocked(handle)
		return
	}
	item, ok := c.table.Get(int32(handle))
	if !ok {
		c.removeRegLocked(handle)
		return
	}
	c.closeItemLocked(item, true)
}
