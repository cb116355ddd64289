package routing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/sessionrouter/errs"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
)

func newItem(t *testing.T, table *Table) *Item {
	t.Helper()
	item := &Item{
		Handle:  table.AllocateHandles(1),
		Request: &schema.RequestMsg{Header: schema.Header{Domain: schema.DomainMarketPrice, Name: "IBM.N"}},
		Service: schema.ByName("DIRECT_FEED"),
	}
	require.NoError(t, table.Insert(item))
	return item
}

func TestAllocateHandlesIsConsecutive(t *testing.T) {
	table := NewTable(3)
	require.Equal(t, int32(3), table.AllocateHandles(1))
	first := table.AllocateHandles(4)
	require.Equal(t, int32(4), first)
	require.Equal(t, int32(8), table.AllocateHandles(1))
}

func TestInsertRejectsUnallocatedHandle(t *testing.T) {
	table := NewTable(1)
	err := table.Insert(&Item{Handle: 7})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestBindAllocatesFreshStreams(t *testing.T) {
	table := NewTable(1)
	a := newItem(t, table)
	b := newItem(t, table)

	streamA, err := table.Bind(a.Handle, 0, "DIRECT_FEED")
	require.NoError(t, err)
	require.Equal(t, schema.FirstItemStreamID, streamA)

	streamB, err := table.Bind(b.Handle, 0, "DIRECT_FEED")
	require.NoError(t, err)
	require.Equal(t, streamA+1, streamB)

	got, ok := table.ByStream(0, streamB)
	require.True(t, ok)
	require.Equal(t, b.Handle, got.Handle)

	_, err = table.Bind(a.Handle, 1, "DIRECT_FEED")
	require.Error(t, err)
}

func TestRebindUsesNewStream(t *testing.T) {
	table := NewTable(1)
	item := newItem(t, table)

	first, err := table.Bind(item.Handle, 0, "DIRECT_FEED")
	require.NoError(t, err)

	ch, stream, ok := table.Unbind(item.Handle, StateRecoverPending)
	require.True(t, ok)
	require.Equal(t, first, stream)
	require.Zero(t, ch)
	_, found := table.ByStream(0, first)
	require.False(t, found)

	second, err := table.Bind(item.Handle, 0, "DIRECT_FEED")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestUnbindIsIdempotent(t *testing.T) {
	table := NewTable(1)
	item := newItem(t, table)
	_, err := table.Bind(item.Handle, 0, "DIRECT_FEED")
	require.NoError(t, err)

	_, _, ok := table.Unbind(item.Handle, StateRecoverPending)
	require.True(t, ok)
	_, _, ok = table.Unbind(item.Handle, StateWaiting)
	require.False(t, ok)
	require.Equal(t, StateWaiting, item.State)
}

func TestRemoveDropsIndexes(t *testing.T) {
	table := NewTable(1)
	item := newItem(t, table)
	stream, err := table.Bind(item.Handle, 2, "DIRECT_FEED")
	require.NoError(t, err)

	removed, ok := table.Remove(item.Handle)
	require.True(t, ok)
	require.Equal(t, StateClosed, removed.State)
	_, ok = table.ByStream(2, stream)
	require.False(t, ok)
	_, ok = table.Remove(item.Handle)
	require.False(t, ok)

	_, err = table.Bind(item.Handle, 2, "DIRECT_FEED")
	require.True(t, errs.IsCode(err, errs.CodeHandleClosed))
}

func TestQueriesAreOrderedByHandle(t *testing.T) {
	table := NewTable(1)
	items := make([]*Item, 4)
	for i := range items {
		items[i] = newItem(t, table)
	}
	_, _ = table.Bind(items[2].Handle, 0, "A")
	_, _ = table.Bind(items[0].Handle, 0, "A")
	_, _ = table.Bind(items[1].Handle, 1, "A")
	table.SetState(items[3].Handle, StateWaiting)

	bound := table.BoundTo(0)
	require.Len(t, bound, 2)
	require.Equal(t, items[0].Handle, bound[0].Handle)
	require.Equal(t, items[2].Handle, bound[1].Handle)

	require.Len(t, table.BoundToService(1, "A"), 1)
	require.Len(t, table.Pending(), 1)
	require.Equal(t, 1, table.Count(StateWaiting))
	require.Equal(t, 4, table.Len())
}
