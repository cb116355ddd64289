package directory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/sessionrouter/errs"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
)

func TestResolveListPicksFirstUsableMember(t *testing.T) {
	a := newAggregator(0)
	listID, err := a.DeclareServiceList("SVG1", []string{"DIRECT_FEED", "DIRECT_FEED_2"})
	require.NoError(t, err)
	require.Equal(t, DefaultIDBase, listID)

	_, ok := a.ResolveList("SVG1")
	require.False(t, ok)

	a.ApplyUpdate(0, []schema.ServiceEntry{add(2, "DIRECT_FEED_2")})
	svc, ok := a.ResolveList("SVG1")
	require.True(t, ok)
	require.Equal(t, "DIRECT_FEED_2", svc.Name)
	require.NotEqual(t, listID, svc.ID)

	a.ApplyUpdate(0, []schema.ServiceEntry{add(1, "DIRECT_FEED")})
	svc, ok = a.ResolveList("SVG1")
	require.True(t, ok)
	require.Equal(t, "DIRECT_FEED", svc.Name)

	name, ok := a.ListByID(listID)
	require.True(t, ok)
	require.Equal(t, "SVG1", name)
}

func TestResolveListSkipsUnusableMembers(t *testing.T) {
	a := newAggregator(0)
	_, err := a.DeclareServiceList("SVG1", []string{"A", "B"})
	require.NoError(t, err)

	down := add(1, "A")
	down.State.AcceptingRequests = false
	a.ApplySnapshot(0, []schema.ServiceEntry{down, add(2, "B")})

	svc, ok := a.ResolveList("SVG1")
	require.True(t, ok)
	require.Equal(t, "B", svc.Name)
}

func TestDeclareServiceListValidation(t *testing.T) {
	a := NewAggregator()

	_, err := a.DeclareServiceList("", []string{"A"})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	_, err = a.DeclareServiceList("SVG", nil)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	_, err = a.DeclareServiceList("SVG", []string{"A"})
	require.NoError(t, err)
	_, err = a.DeclareServiceList("SVG", []string{"B"})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestIDAllocatorExhaustion(t *testing.T) {
	ids := NewIDAllocator(2)
	first, err := ids.Service("A")
	require.NoError(t, err)
	second, err := ids.List("A")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	again, err := ids.Service("A")
	require.NoError(t, err)
	require.Equal(t, first, again)

	_, err = ids.Service("C")
	require.True(t, errs.IsCode(err, errs.CodeExhausted))
}
