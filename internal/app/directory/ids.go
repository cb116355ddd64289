package directory

import (
	"fmt"
	"sync"

	"github.com/coachpo/sessionrouter/errs"
)

// DefaultIDBase is the first synthesized service id handed out.
const DefaultIDBase = 32767

type idKey struct {
	list bool
	name string
}

// IDAllocator hands out synthesized service ids counting down from a base.
// An id, once assigned to a name, is never handed to another name.
type IDAllocator struct {
	mu       sync.Mutex
	next     int
	assigned map[idKey]int
	names    map[int]idKey
}

// NewIDAllocator constructs an allocator starting at base.
func NewIDAllocator(base int) *IDAllocator {
	if base <= 0 {
		base = DefaultIDBase
	}
	return &IDAllocator{
		next:     base,
		assigned: make(map[idKey]int),
		names:    make(map[int]idKey),
	}
}

func (a *IDAllocator) assign(key idKey) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.assigned[key]; ok {
		return id, nil
	}
	if a.next <= 0 {
		return 0, errs.New("directory/ids", errs.CodeExhausted,
			errs.WithMessage(fmt.Sprintf("no synthesized service id left for %q", key.name)))
	}
	id := a.next
	a.next--
	a.assigned[key] = id
	a.names[id] = key
	return id, nil
}

// Service returns the id for a concrete service name, assigning one on first sighting.
func (a *IDAllocator) Service(name string) (int, error) {
	return a.assign(idKey{name: name})
}

// List returns the id for a service list name, assigning one on first sighting.
func (a *IDAllocator) List(name string) (int, error) {
	return a.assign(idKey{list: true, name: name})
}

// Assigned reports the id previously given to a concrete service name.
func (a *IDAllocator) Assigned(name string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.assigned[idKey{name: name}]
	return id, ok
}

// ServiceName reports the concrete service name an id was ever assigned to.
func (a *IDAllocator) ServiceName(id int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key, ok := a.names[id]
	if !ok || key.list {
		return "", false
	}
	return key.name, true
}
