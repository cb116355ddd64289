package schema

import "fmt"

// Filter selects which sections of a service entry are carried.
type Filter uint32

const (
	FilterInfo  Filter = 0x01
	FilterState Filter = 0x02
	FilterGroup Filter = 0x04
	FilterLoad  Filter = 0x08
	FilterData  Filter = 0x10
	FilterLink  Filter = 0x20

	FilterAll = FilterInfo | FilterState | FilterGroup | FilterLoad | FilterData | FilterLink
)

// Has reports whether every bit of other is set.
func (f Filter) Has(other Filter) bool { return f&other == other }

// Intersects reports whether any bit of other is set.
func (f Filter) Intersects(other Filter) bool { return f&other != 0 }

// Action classifies a directory map entry.
type Action uint8

const (
	ActionAdd Action = iota + 1
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "Add"
	case ActionUpdate:
		return "Update"
	case ActionDelete:
		return "Delete"
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// ServiceEntry is one keyed entry of a directory refresh or update.
type ServiceEntry struct {
	Action Action
	ID     int
	Info   *ServiceInfo
	State  *ServiceState
	Groups []GroupState
}

// Filter returns the sections present on the entry.
func (e ServiceEntry) Filter() Filter {
	var f Filter
	if e.Info != nil {
		f |= FilterInfo
	}
	if e.State != nil {
		f |= FilterState
	}
	if len(e.Groups) > 0 {
		f |= FilterGroup
	}
	return f
}

// ServiceInfo is the INFO filter of a service.
type ServiceInfo struct {
	Name                    string
	Vendor                  string
	Capabilities            []Domain
	QoS                     []QoS
	Dictionaries            []string
	AcceptingConsumerStatus bool
}

// Supports reports whether the service advertises the domain.
func (i ServiceInfo) Supports(domain Domain) bool {
	for _, c := range i.Capabilities {
		if c == domain {
			return true
		}
	}
	return false
}

// Offers reports whether the service offers the requested QoS.
// A service that advertises no QoS offers only the default.
func (i ServiceInfo) Offers(requested *QoS) bool {
	want := DefaultQoS
	if requested != nil {
		want = *requested
	}
	if len(i.QoS) == 0 {
		return want == DefaultQoS
	}
	for _, q := range i.QoS {
		if q == want {
			return true
		}
	}
	return false
}

// ServiceState is the STATE filter of a service.
type ServiceState struct {
	Up                bool
	AcceptingRequests bool
	Status            *State
}

// GroupState is one GROUP filter element: a status for an item group or a group merge.
type GroupState struct {
	Group    []byte
	MergedTo []byte
	Status   *State
}

// CloneEntries deep-copies a directory entry slice.
func CloneEntries(in []ServiceEntry) []ServiceEntry {
	if in == nil {
		return nil
	}
	out := make([]ServiceEntry, len(in))
	for i, e := range in {
		out[i] = e
		if e.Info != nil {
			info := CloneInfo(*e.Info)
			out[i].Info = &info
		}
		if e.State != nil {
			st := *e.State
			if e.State.Status != nil {
				s := *e.State.Status
				st.Status = &s
			}
			out[i].State = &st
		}
		if e.Groups != nil {
			out[i].Groups = make([]GroupState, len(e.Groups))
			for j, g := range e.Groups {
				out[i].Groups[j] = GroupState{Group: cloneBytes(g.Group), MergedTo: cloneBytes(g.MergedTo)}
				if g.Status != nil {
					s := *g.Status
					out[i].Groups[j].Status = &s
				}
			}
		}
	}
	return out
}

// CloneInfo deep-copies a ServiceInfo.
func CloneInfo(in ServiceInfo) ServiceInfo {
	out := in
	out.Capabilities = append([]Domain(nil), in.Capabilities...)
	out.QoS = append([]QoS(nil), in.QoS...)
	out.Dictionaries = append([]string(nil), in.Dictionaries...)
	return out
}
