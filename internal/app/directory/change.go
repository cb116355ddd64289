package directory

import (
	"sort"

	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
)

// Deleted names a service whose last facet went away.
type Deleted struct {
	Name string
	ID   int
}

// FacetRef identifies a per-channel facet of a service.
type FacetRef struct {
	Channel channel.ID
	Service string
}

// GroupEvent is a group status or group merge reported by one channel for one service.
type GroupEvent struct {
	Channel  channel.ID
	Service  string
	Group    []byte
	MergedTo []byte
	Status   *schema.State
}

// Change summarises the effect of one aggregator mutation.
type Change struct {
	Added            []string
	Deleted          []Deleted
	UsabilityChanged []string
	InfoChanged      []string
	LostFacets       []FacetRef
	Groups           []GroupEvent

	// Touched maps service name to the filter sections whose merged view changed.
	Touched map[string]schema.Filter
}

// Empty reports whether the mutation had no observable effect.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Deleted) == 0 && len(c.UsabilityChanged) == 0 &&
		len(c.InfoChanged) == 0 && len(c.LostFacets) == 0 && len(c.Groups) == 0 && len(c.Touched) == 0
}

// Affected returns the service names whose routing eligibility may have improved.
func (c Change) Affected() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Added)+len(c.UsabilityChanged)+len(c.InfoChanged))
	for _, n := range c.Added {
		out[n] = struct{}{}
	}
	for _, n := range c.UsabilityChanged {
		out[n] = struct{}{}
	}
	for _, n := range c.InfoChanged {
		out[n] = struct{}{}
	}
	return out
}

// TouchedNames returns touched service names in a stable order.
func (c Change) TouchedNames() []string {
	names := make([]string, 0, len(c.Touched))
	for n := range c.Touched {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Change) touch(name string, f schema.Filter) {
	if f == 0 {
		return
	}
	if c.Touched == nil {
		c.Touched = make(map[string]schema.Filter)
	}
	c.Touched[name] |= f
}

// Merge folds other into c.
func (c *Change) Merge(other Change) {
	c.Added = append(c.Added, other.Added...)
	c.Deleted = append(c.Deleted, other.Deleted...)
	c.UsabilityChanged = appendUnique(c.UsabilityChanged, other.UsabilityChanged...)
	c.InfoChanged = appendUnique(c.InfoChanged, other.InfoChanged...)
	c.LostFacets = append(c.LostFacets, other.LostFacets...)
	c.Groups = append(c.Groups, other.Groups...)
	for n, f := range other.Touched {
		c.touch(n, f)
	}
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
