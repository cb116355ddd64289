package directory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
)

func add(id int, name string, caps ...schema.Domain) schema.ServiceEntry {
	if len(caps) == 0 {
		caps = []schema.Domain{schema.DomainMarketPrice}
	}
	return schema.ServiceEntry{
		Action: schema.ActionAdd,
		ID:     id,
		Info:   &schema.ServiceInfo{Name: name, Capabilities: caps},
		State:  &schema.ServiceState{Up: true, AcceptingRequests: true},
	}
}

func newAggregator(channels ...channel.ID) *Aggregator {
	a := NewAggregator()
	for _, ch := range channels {
		a.RegisterChannel(ch, "")
		a.SetChannelRoutable(ch, true)
	}
	return a
}

func TestApplySnapshotAssignsDecrementingIDs(t *testing.T) {
	a := newAggregator(0)

	chg := a.ApplySnapshot(0, []schema.ServiceEntry{add(1, "DIRECT_FEED"), add(2, "DIRECT_FEED_2")})
	require.ElementsMatch(t, []string{"DIRECT_FEED", "DIRECT_FEED_2"}, chg.Added)

	first, ok := a.Lookup("DIRECT_FEED")
	require.True(t, ok)
	second, ok := a.Lookup("DIRECT_FEED_2")
	require.True(t, ok)
	require.Equal(t, DefaultIDBase, first.ID)
	require.Equal(t, DefaultIDBase-1, second.ID)
	require.True(t, first.Usable)
}

func TestServiceExistsWhileAnyChannelReportsIt(t *testing.T) {
	a := newAggregator(0, 1)
	a.ApplySnapshot(0, []schema.ServiceEntry{add(10, "DIRECT_FEED")})
	a.ApplySnapshot(1, []schema.ServiceEntry{add(20, "DIRECT_FEED")})

	svc, ok := a.Lookup("DIRECT_FEED")
	require.True(t, ok)
	require.Len(t, svc.Facets, 2)

	chg := a.ApplyUpdate(0, []schema.ServiceEntry{{Action: schema.ActionDelete, ID: 10}})
	require.Empty(t, chg.Deleted)
	require.Equal(t, []FacetRef{{Channel: 0, Service: "DIRECT_FEED"}}, chg.LostFacets)

	_, ok = a.Lookup("DIRECT_FEED")
	require.True(t, ok)

	chg = a.ApplyUpdate(1, []schema.ServiceEntry{{Action: schema.ActionDelete, ID: 20}})
	require.Equal(t, []Deleted{{Name: "DIRECT_FEED", ID: DefaultIDBase}}, chg.Deleted)
	_, ok = a.Lookup("DIRECT_FEED")
	require.False(t, ok)
}

func TestIDStableAcrossDeleteAndReAdd(t *testing.T) {
	a := newAggregator(0)
	a.ApplySnapshot(0, []schema.ServiceEntry{add(1, "A")})
	a.ApplyUpdate(0, []schema.ServiceEntry{{Action: schema.ActionDelete, ID: 1}})
	a.ApplyUpdate(0, []schema.ServiceEntry{add(2, "B")})
	a.ApplyUpdate(0, []schema.ServiceEntry{add(3, "A")})

	svcA, ok := a.Lookup("A")
	require.True(t, ok)
	svcB, ok := a.Lookup("B")
	require.True(t, ok)
	require.Equal(t, DefaultIDBase, svcA.ID)
	require.Equal(t, DefaultIDBase-1, svcB.ID)

	name, ok := a.NameForNative(0, 3)
	require.True(t, ok)
	require.Equal(t, "A", name)
	_, ok = a.NameForNative(0, 1)
	require.False(t, ok)
}

func TestUsableIsOrOverFacets(t *testing.T) {
	a := newAggregator(0, 1)
	a.ApplySnapshot(0, []schema.ServiceEntry{add(1, "DIRECT_FEED")})
	a.ApplySnapshot(1, []schema.ServiceEntry{add(1, "DIRECT_FEED")})

	chg := a.ApplyUpdate(0, []schema.ServiceEntry{{
		Action: schema.ActionUpdate,
		ID:     1,
		State:  &schema.ServiceState{Up: true, AcceptingRequests: false},
	}})
	require.Empty(t, chg.UsabilityChanged)

	svc, _ := a.Lookup("DIRECT_FEED")
	require.True(t, svc.Usable)
	require.Len(t, svc.UsableFacets(), 1)
	require.Equal(t, channel.ID(1), svc.UsableFacets()[0].Channel)

	chg = a.SetChannelRoutable(1, false)
	require.Equal(t, []string{"DIRECT_FEED"}, chg.UsabilityChanged)
	svc, _ = a.Lookup("DIRECT_FEED")
	require.False(t, svc.Usable)
	require.True(t, svc.Up)
}

func TestServiceDownReportsLostFacet(t *testing.T) {
	a := newAggregator(0)
	a.ApplySnapshot(0, []schema.ServiceEntry{add(1, "DIRECT_FEED")})

	chg := a.ApplyUpdate(0, []schema.ServiceEntry{{
		Action: schema.ActionUpdate,
		ID:     1,
		State:  &schema.ServiceState{Up: false, AcceptingRequests: true},
	}})
	require.Equal(t, []FacetRef{{Channel: 0, Service: "DIRECT_FEED"}}, chg.LostFacets)
	require.Equal(t, []string{"DIRECT_FEED"}, chg.UsabilityChanged)
	require.Equal(t, schema.FilterState, chg.Touched["DIRECT_FEED"])
}

func TestInfoAuthorityIsLowestOrdinal(t *testing.T) {
	a := newAggregator(0, 1)
	delayed := schema.QoS{Timeliness: schema.TimelinessDelayed, Rate: schema.RateJitConflated}

	late := add(7, "DIRECT_FEED")
	late.Info.QoS = []schema.QoS{delayed}
	a.ApplySnapshot(1, []schema.ServiceEntry{late})
	svc, _ := a.Lookup("DIRECT_FEED")
	require.Equal(t, []schema.QoS{delayed}, svc.Info.QoS)

	chg := a.ApplySnapshot(0, []schema.ServiceEntry{add(3, "DIRECT_FEED")})
	require.Contains(t, chg.InfoChanged, "DIRECT_FEED")
	svc, _ = a.Lookup("DIRECT_FEED")
	require.Empty(t, svc.Info.QoS)

	nativeID, ok := a.NativeID(1, "DIRECT_FEED")
	require.True(t, ok)
	require.Equal(t, 7, nativeID)
}

func TestUnrelatedUpdateDoesNotTouchView(t *testing.T) {
	a := newAggregator(0)
	a.ApplySnapshot(0, []schema.ServiceEntry{add(1, "DIRECT_FEED")})

	chg := a.ApplyUpdate(0, []schema.ServiceEntry{{
		Action: schema.ActionUpdate,
		ID:     1,
		State:  &schema.ServiceState{Up: true, AcceptingRequests: true},
	}})
	require.True(t, chg.Empty())
}

func TestDeleteUnknownKeyIsNoop(t *testing.T) {
	a := newAggregator(0)
	chg := a.ApplyUpdate(0, []schema.ServiceEntry{{Action: schema.ActionDelete, ID: 99}})
	require.True(t, chg.Empty())
}

func TestSnapshotDropsServicesNoLongerReported(t *testing.T) {
	a := newAggregator(0)
	a.ApplySnapshot(0, []schema.ServiceEntry{add(1, "A"), add(2, "B")})

	chg := a.ApplySnapshot(0, []schema.ServiceEntry{add(1, "A")})
	require.Equal(t, []Deleted{{Name: "B", ID: DefaultIDBase - 1}}, chg.Deleted)
}

func TestRemoveChannel(t *testing.T) {
	a := newAggregator(0, 1)
	a.ApplySnapshot(0, []schema.ServiceEntry{add(1, "A"), add(2, "B")})
	a.ApplySnapshot(1, []schema.ServiceEntry{add(1, "A")})

	chg := a.RemoveChannel(0)
	require.Len(t, chg.LostFacets, 2)
	require.Equal(t, []Deleted{{Name: "B", ID: DefaultIDBase - 1}}, chg.Deleted)
	require.Equal(t, 1, a.Len())
}

func TestGroupEventsAreReported(t *testing.T) {
	a := newAggregator(0)
	a.ApplySnapshot(0, []schema.ServiceEntry{add(1, "DIRECT_FEED")})

	status := schema.State{Stream: schema.StreamClosedRecover, Data: schema.DataSuspect, Text: "group down"}
	chg := a.ApplyUpdate(0, []schema.ServiceEntry{{
		Action: schema.ActionUpdate,
		ID:     1,
		Groups: []schema.GroupState{{Group: []byte{1}, Status: &status}, {Group: []byte{2}, MergedTo: []byte{3}}},
	}})
	require.Len(t, chg.Groups, 2)
	require.Equal(t, "DIRECT_FEED", chg.Groups[0].Service)
	require.Equal(t, status, *chg.Groups[0].Status)
	require.Nil(t, chg.Groups[0].MergedTo)
	require.Equal(t, []byte{3}, chg.Groups[1].MergedTo)
}

func TestViewHonoursFilter(t *testing.T) {
	a := newAggregator(0)
	a.ApplySnapshot(0, []schema.ServiceEntry{add(1, "DIRECT_FEED")})

	entry, ok := a.View("DIRECT_FEED", schema.FilterState)
	require.True(t, ok)
	require.Nil(t, entry.Info)
	require.NotNil(t, entry.State)
	require.Equal(t, DefaultIDBase, entry.ID)

	entry, ok = a.View("DIRECT_FEED", schema.FilterInfo)
	require.True(t, ok)
	require.Nil(t, entry.State)
	require.Equal(t, "DIRECT_FEED", entry.Info.Name)
}
