package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/coachpo/sessionrouter/errs"
	"github.com/coachpo/sessionrouter/internal/app/directory"
	"github.com/coachpo/sessionrouter/internal/app/routing"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
)

const defaultDirectoryFilter = schema.FilterInfo | schema.FilterState | schema.FilterGroup

// RegisterClient opens an application stream. A login-domain request returns
// the logical login handle, a source-domain request opens a directory stream
// and every other domain opens an item, or a batch when Names is set.
func (c *Consumer) RegisterClient(ctx context.Context, req *schema.RequestMsg, client Client, closure any) (Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("register context: %w", err)
	}
	if req == nil {
		return 0, errs.New("session/register", errs.CodeInvalid, errs.WithMessage("request required"))
	}
	if client == nil {
		return 0, errs.New("session/register", errs.CodeInvalid, errs.WithMessage("client required"))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, closedError("session/register")
	}
	var (
		handle Handle
		err    error
	)
	switch req.Domain {
	case schema.DomainLogin:
		handle = c.registerLoginLocked(client, closure)
	case schema.DomainSource:
		handle = c.registerDirectoryLocked(req, client, closure)
	default:
		handle, err = c.registerItemsLocked(req, client, closure)
	}
	c.mu.Unlock()
	if err != nil {
		c.metrics.rejected("register", errs.CodeOf(err))
		return 0, err
	}
	c.flush()
	return handle, nil
}

func (c *Consumer) registerLoginLocked(client Client, closure any) Handle {
	reg := &registration{
		handle:  Handle(c.table.AllocateHandles(1)),
		kind:    regLogin,
		client:  client,
		closure: closure,
	}
	c.regs[reg.handle] = reg
	if latest := c.login.Latest(); latest != nil {
		latest.Solicited = true
		var origin *sessionChannel
		if established := c.login.Established(); len(established) > 0 {
			origin = c.channelLocked(established[0])
		}
		c.emitLocked(reg, origin, latest, false)
	}
	return reg.handle
}

func (c *Consumer) registerDirectoryLocked(req *schema.RequestMsg, client Client, closure any) Handle {
	reg := &registration{
		handle:  Handle(c.table.AllocateHandles(1)),
		kind:    regDirectory,
		client:  client,
		closure: closure,
	}
	c.regs[reg.handle] = reg
	c.refreshDirectoryLocked(reg, req)
	return reg.handle
}

// refreshDirectoryLocked (re)applies a directory request and answers it with a refresh.
func (c *Consumer) refreshDirectoryLocked(reg *registration, req *schema.RequestMsg) {
	reg.filter = req.Filter
	if reg.filter == 0 {
		reg.filter = defaultDirectoryFilter
	}
	reg.service = req.Service

	entries := make([]schema.ServiceEntry, 0)
	for _, svc := range c.directory.Services() {
		if !c.directoryWantsLocked(reg, svc.Name) {
			continue
		}
		if view, ok := c.directory.View(svc.Name, reg.filter); ok {
			entries = append(entries, view)
		}
	}
	refresh := &schema.RefreshMsg{
		Header:    schema.Header{Domain: schema.DomainSource, Service: reg.service},
		State:     schema.OpenOk(""),
		Solicited: true,
		Complete:  true,
		Directory: entries,
	}
	if !req.Streaming {
		refresh.State = schema.State{Stream: schema.StreamNonStreaming, Data: schema.DataOk}
		c.removeRegLocked(reg.handle)
		c.emitLocked(reg, nil, refresh, true)
		return
	}
	c.emitLocked(reg, nil, refresh, false)
}

func (c *Consumer) directoryWantsLocked(reg *registration, name string) bool {
	switch {
	case reg.service.Name != "":
		return reg.service.Name == name
	case reg.service.HasID:
		id, ok := c.directory.ServiceID(name)
		return ok && id == reg.service.ID
	}
	return true
}

// publishDirectoryLocked forwards the filter sections a change touched to
// every directory stream that asked for them.
func (c *Consumer) publishDirectoryLocked(chg directory.Change) {
	if len(chg.Touched) == 0 {
		return
	}
	added := make(map[string]struct{}, len(chg.Added))
	for _, n := range chg.Added {
		added[n] = struct{}{}
	}
	deleted := make(map[string]int, len(chg.Deleted))
	for _, d := range chg.Deleted {
		deleted[d.Name] = d.ID
	}

	for _, reg := range c.regsOfKindLocked(regDirectory) {
		var entries []schema.ServiceEntry
		for _, name := range chg.TouchedNames() {
			if !c.directoryWantsLocked(reg, name) {
				continue
			}
			bits := chg.Touched[name] & reg.filter
			if bits == 0 {
				continue
			}
			if id, gone := deleted[name]; gone {
				if _, ok := c.directory.Lookup(name); !ok {
					entries = append(entries, schema.ServiceEntry{Action: schema.ActionDelete, ID: id})
					continue
				}
			}
			view, ok := c.directory.View(name, bits)
			if !ok {
				continue
			}
			view.Action = schema.ActionUpdate
			if _, ok := added[name]; ok {
				view.Action = schema.ActionAdd
			}
			if bits.Has(schema.FilterGroup) {
				view.Groups = groupsFor(chg, name)
			}
			entries = append(entries, view)
		}
		if len(entries) == 0 {
			continue
		}
		c.emitLocked(reg, nil, &schema.UpdateMsg{
			Header:    schema.Header{Domain: schema.DomainSource, Service: reg.service},
			Directory: entries,
		}, false)
	}
}

func groupsFor(chg directory.Change, service string) []schema.GroupState {
	var out []schema.GroupState
	for _, g := range chg.Groups {
		if g.Service != service {
			continue
		}
		gs := schema.GroupState{
			Group:    append([]byte(nil), g.Group...),
			MergedTo: append([]byte(nil), g.MergedTo...),
		}
		if len(g.MergedTo) == 0 {
			gs.MergedTo = nil
		}
		if g.Status != nil {
			st := *g.Status
			gs.Status = &st
		}
		out = append(out, gs)
	}
	return out
}

func (c *Consumer) registerItemsLocked(req *schema.RequestMsg, client Client, closure any) (Handle, error) {
	if req.Service.IsZero() {
		return 0, errs.New("session/register", errs.CodeInvalid, errs.WithMessage("service required"))
	}
	ref, err := c.normaliseServiceLocked(req.Service)
	if err != nil {
		return 0, err
	}

	names := make([]string, 0, len(req.Names))
	for _, n := range req.Names {
		if n = strings.TrimSpace(n); n == "" {
			return 0, errs.New("session/register", errs.CodeInvalid, errs.WithMessage("batch item name required"))
		}
		names = append(names, n)
	}
	if len(names) == 0 {
		if strings.TrimSpace(req.Name) == "" {
			return 0, errs.New("session/register", errs.CodeInvalid, errs.WithMessage("item name required"))
		}
		handle := Handle(c.table.AllocateHandles(1))
		if err := c.openItemLocked(handle, req, req.Name, ref, client, closure); err != nil {
			return 0, err
		}
		return handle, nil
	}

	parent := Handle(c.table.AllocateHandles(len(names) + 1))
	parentReg := &registration{handle: parent, kind: regItem, client: client, closure: closure}
	mark := len(c.outbox)
	c.emitLocked(parentReg, nil, &schema.StatusMsg{
		Header: schema.Header{Domain: req.Domain, Service: req.Service},
		State:  schema.ClosedOk(schema.TextBatchClosed),
	}, true)
	for i, name := range names {
		if err := c.openItemLocked(parent+1+Handle(i), req, name, ref, client, closure); err != nil {
			c.rollbackBatchLocked(parent, i, mark)
			return 0, err
		}
	}
	return parent, nil
}

// rollbackBatchLocked closes the first opened children of a failed batch and
// discards the events queued since mark.
func (c *Consumer) rollbackBatchLocked(parent Handle, opened, mark int) {
	for i := 0; i < opened; i++ {
		if item, ok := c.table.Get(int32(parent + 1 + Handle(i))); ok {
			c.closeItemLocked(item, true)
		}
	}
	for i := mark; i < len(c.outbox); i++ {
		c.outbox[i] = delivery{}
	}
	c.outbox = c.outbox[:mark]
}

func (c *Consumer) openItemLocked(handle Handle, req *schema.RequestMsg, name string, ref schema.ServiceRef, client Client, closure any) error {
	tmpl := schema.Clone(req).(*schema.RequestMsg)
	tmpl.Names = nil
	tmpl.Name = name
	tmpl.StreamID = 0
	item := &routing.Item{
		Handle:  int32(handle),
		Request: tmpl,
		Service: ref,
		Private: req.Private,
	}
	if err := c.table.Insert(item); err != nil {
		return err
	}
	c.regs[handle] = &registration{handle: handle, kind: regItem, client: client, closure: closure}
	c.routeLocked(item, routeReportFailure, "", noChannel)
	return nil
}

// normaliseServiceLocked turns an application service reference into a
// concrete service name or a list alias.
func (c *Consumer) normaliseServiceLocked(ref schema.ServiceRef) (schema.ServiceRef, error) {
	switch {
	case ref.List != "":
		if _, ok := c.directory.List(ref.List); !ok {
			return schema.ServiceRef{}, errs.New("session/register", errs.CodeUnknownServiceName,
				errs.WithMessage(fmt.Sprintf("service list %q not declared", ref.List)))
		}
		return schema.ByList(ref.List), nil
	case ref.Name != "":
		if _, known := c.directory.ServiceID(ref.Name); !known {
			if _, ok := c.directory.List(ref.Name); ok {
				return schema.ByList(ref.Name), nil
			}
		}
		return schema.ByName(ref.Name), nil
	case ref.HasID:
		if list, ok := c.directory.ListByID(ref.ID); ok {
			return schema.ByList(list), nil
		}
		if name, ok := c.directory.KnownName(ref.ID); ok {
			return schema.ByName(name), nil
		}
		return schema.ServiceRef{}, errs.New("session/register", errs.CodeUnknownServiceID,
			errs.WithMessage(fmt.Sprintf("service id %d not known", ref.ID)))
	}
	return schema.ServiceRef{}, errs.New("session/register", errs.CodeInvalid, errs.WithMessage("service required"))
}
