package directory

import (
	"fmt"
	"strings"

	"github.com/coachpo/sessionrouter/errs"
)

type serviceList struct {
	id      int
	name    string
	members []string
}

// List is a declared service list.
type List struct {
	ID      int
	Name    string
	Members []string
}

// DeclareServiceList registers an alias over an ordered set of concrete services.
func (a *Aggregator) DeclareServiceList(name string, members []string) (int, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errs.New("directory/lists", errs.CodeInvalid, errs.WithMessage("service list name required"))
	}
	cleaned := make([]string, 0, len(members))
	for _, m := range members {
		if m = strings.TrimSpace(m); m != "" {
			cleaned = append(cleaned, m)
		}
	}
	if len(cleaned) == 0 {
		return 0, errs.New("directory/lists", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("service list %q has no members", name)))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.lists[name]; dup {
		return 0, errs.New("directory/lists", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("service list %q declared twice", name)))
	}
	id, err := a.ids.List(name)
	if err != nil {
		return 0, err
	}
	a.lists[name] = &serviceList{id: id, name: name, members: cleaned}
	a.listIDs[id] = name
	return id, nil
}

// ResolveList returns the first member of the list that exists and is usable.
func (a *Aggregator) ResolveList(name string) (Service, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	l, ok := a.lists[name]
	if !ok {
		return Service{}, false
	}
	for _, member := range l.members {
		s, ok := a.services[member]
		if !ok {
			continue
		}
		if a.summarizeLocked(s).usable {
			return a.exportLocked(s), true
		}
	}
	return Service{}, false
}

// List returns a declared service list by name.
func (a *Aggregator) List(name string) (List, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	l, ok := a.lists[name]
	if !ok {
		return List{}, false
	}
	return List{ID: l.id, Name: l.name, Members: append([]string(nil), l.members...)}, true
}

// ListByID returns the name of the service list holding the synthesized id.
func (a *Aggregator) ListByID(id int) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	name, ok := a.listIDs[id]
	return name, ok
}

// ListMembers returns the configured members of list.
func (a *Aggregator) ListMembers(list string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	l, ok := a.lists[list]
	if !ok {
		return nil
	}
	return append([]string(nil), l.members...)
}
