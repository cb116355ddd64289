// Package routing maps application handles to the channel and native stream
// currently serving them.
//
// A Table is not safe for concurrent use. The session owns one Table and
// serialises every access under its own lock so that routing decisions always
// observe a consistent directory and table.
package routing

import (
	"fmt"
	"sort"

	"github.com/coachpo/sessionrouter/errs"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
)

// State is the recovery state of an item.
type State uint8

const (
	StateBound State = iota + 1
	StateRecoverPending
	StateWaiting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateBound:
		return "bound"
	case StateRecoverPending:
		return "recover-pending"
	case StateWaiting:
		return "waiting-for-service"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Item is one outstanding application item stream.
type Item struct {
	Handle  int32
	Request *schema.RequestMsg
	Service schema.ServiceRef
	// Private items are closed rather than moved when their channel or service goes.
	Private bool
	Group   []byte

	// Concrete service the item is bound to or was last bound to.
	ServiceName string
	Channel     channel.ID
	Stream      int32
	State       State

	// Completed is set once a complete refresh has been delivered.
	Completed bool
	// Recovered marks that the next refresh follows a re-bind of a completed item.
	Recovered bool
}

// Bound reports whether the item currently owns a native stream.
func (i *Item) Bound() bool {
	return i.State == StateBound
}

type streamKey struct {
	channel channel.ID
	stream  int32
}

// Table indexes items by handle, by native stream and by channel.
type Table struct {
	nextHandle int32
	items      map[int32]*Item
	streams    map[streamKey]int32
	nextStream map[channel.ID]int32
}

// NewTable constructs an empty table. Handles start at firstHandle.
func NewTable(firstHandle int32) *Table {
	if firstHandle <= 0 {
		firstHandle = 1
	}
	return &Table{
		nextHandle: firstHandle,
		items:      make(map[int32]*Item),
		streams:    make(map[streamKey]int32),
		nextStream: make(map[channel.ID]int32),
	}
}

// AllocateHandles reserves n consecutive handles and returns the first.
func (t *Table) AllocateHandles(n int) int32 {
	if n <= 0 {
		n = 1
	}
	first := t.nextHandle
	t.nextHandle += int32(n)
	return first
}

// Insert adds an unbound item. The handle must have been allocated by the table.
func (t *Table) Insert(item *Item) error {
	if item == nil {
		return errs.New("routing/table", errs.CodeInvalid, errs.WithMessage("item required"))
	}
	if item.Handle <= 0 || item.Handle >= t.nextHandle {
		return errs.New("routing/table", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("handle %d was not allocated", item.Handle)))
	}
	if _, dup := t.items[item.Handle]; dup {
		return errs.New("routing/table", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("handle %d already registered", item.Handle)))
	}
	if item.State == 0 || item.State == StateBound {
		item.State = StateRecoverPending
	}
	item.Stream = 0
	t.items[item.Handle] = item
	return nil
}

// Get returns the item for handle.
func (t *Table) Get(handle int32) (*Item, bool) {
	item, ok := t.items[handle]
	return item, ok
}

// Bind allocates a fresh native stream on ch and binds the item to it.
func (t *Table) Bind(handle int32, ch channel.ID, service string) (int32, error) {
	item, ok := t.items[handle]
	if !ok {
		return 0, errs.New("routing/table", errs.CodeHandleClosed,
			errs.WithMessage(fmt.Sprintf("handle %d not registered", handle)))
	}
	if item.State == StateBound {
		return 0, errs.New("routing/table", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("handle %d already bound to channel %d stream %d", handle, item.Channel, item.Stream)))
	}
	stream := t.nextStream[ch]
	if stream < schema.FirstItemStreamID {
		stream = schema.FirstItemStreamID
	}
	t.nextStream[ch] = stream + 1

	item.Channel = ch
	item.Stream = stream
	item.ServiceName = service
	item.State = StateBound
	t.streams[streamKey{channel: ch, stream: stream}] = handle
	return stream, nil
}

// Unbind releases the item's native stream and moves it to next.
// It reports the previous binding.
func (t *Table) Unbind(handle int32, next State) (channel.ID, int32, bool) {
	item, ok := t.items[handle]
	if !ok || item.State != StateBound {
		if ok && next != StateBound {
			item.State = next
		}
		return 0, 0, false
	}
	ch, stream := item.Channel, item.Stream
	delete(t.streams, streamKey{channel: ch, stream: stream})
	item.Stream = 0
	item.State = next
	return ch, stream, true
}

// SetState moves an unbound item between non-bound states.
func (t *Table) SetState(handle int32, state State) bool {
	item, ok := t.items[handle]
	if !ok || item.State == StateBound || state == StateBound {
		return false
	}
	item.State = state
	return true
}

// Remove drops the item and its stream binding.
func (t *Table) Remove(handle int32) (*Item, bool) {
	item, ok := t.items[handle]
	if !ok {
		return nil, false
	}
	if item.State == StateBound {
		delete(t.streams, streamKey{channel: item.Channel, stream: item.Stream})
	}
	delete(t.items, handle)
	item.State = StateClosed
	return item, true
}

// ByStream returns the item bound to the native stream on ch.
func (t *Table) ByStream(ch channel.ID, stream int32) (*Item, bool) {
	handle, ok := t.streams[streamKey{channel: ch, stream: stream}]
	if !ok {
		return nil, false
	}
	return t.items[handle], true
}

// BoundTo returns items bound to ch ordered by handle.
func (t *Table) BoundTo(ch channel.ID) []*Item {
	return t.collect(func(i *Item) bool { return i.State == StateBound && i.Channel == ch })
}

// BoundToService returns items bound to service on ch ordered by handle.
func (t *Table) BoundToService(ch channel.ID, service string) []*Item {
	return t.collect(func(i *Item) bool {
		return i.State == StateBound && i.Channel == ch && i.ServiceName == service
	})
}

// Pending returns items waiting for a route ordered by handle.
func (t *Table) Pending() []*Item {
	return t.collect(func(i *Item) bool {
		return i.State == StateWaiting || i.State == StateRecoverPending
	})
}

// Items returns every item ordered by handle.
func (t *Table) Items() []*Item {
	return t.collect(func(*Item) bool { return true })
}

// Len returns the number of items.
func (t *Table) Len() int {
	return len(t.items)
}

// Count returns how many items are in state.
func (t *Table) Count(state State) int {
	n := 0
	for _, item := range t.items {
		if item.State == state {
			n++
		}
	}
	return n
}

func (t *Table) collect(match func(*Item) bool) []*Item {
	var out []*Item
	for _, item := range t.items {
		if match(item) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}
