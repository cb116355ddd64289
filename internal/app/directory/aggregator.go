// Package directory merges the service directories reported by every session
// channel into one application-visible directory.
package directory

import (
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
)

// Facet is one channel's view of a service.
type Facet struct {
	Channel   channel.ID
	NativeID  int
	Info      schema.ServiceInfo
	HasInfo   bool
	Up        bool
	Accepting bool
	Routable  bool
	Status    *schema.State
}

// Usable reports whether items may be routed to this facet.
func (f Facet) Usable() bool {
	return f.Routable && f.Up && f.Accepting
}

// Service is a snapshot of one merged service.
type Service struct {
	ID     int
	Name   string
	Info   schema.ServiceInfo
	Up     bool
	Usable bool
	Facets []Facet
}

// UsableFacets returns the usable facets ordered by channel ordinal.
func (s Service) UsableFacets() []Facet {
	out := make([]Facet, 0, len(s.Facets))
	for _, f := range s.Facets {
		if f.Usable() {
			out = append(out, f)
		}
	}
	return out
}

type facet struct {
	channel   channel.ID
	nativeID  int
	info      schema.ServiceInfo
	hasInfo   bool
	up        bool
	accepting bool
	status    *schema.State
}

type service struct {
	id     int
	name   string
	facets []*facet
}

func (s *service) facet(ch channel.ID) *facet {
	for _, f := range s.facets {
		if f.channel == ch {
			return f
		}
	}
	return nil
}

func (s *service) insert(f *facet) {
	idx := sort.Search(len(s.facets), func(i int) bool { return s.facets[i].channel >= f.channel })
	s.facets = append(s.facets, nil)
	copy(s.facets[idx+1:], s.facets[idx:])
	s.facets[idx] = f
}

func (s *service) remove(ch channel.ID) *facet {
	for i, f := range s.facets {
		if f.channel == ch {
			s.facets = append(s.facets[:i], s.facets[i+1:]...)
			return f
		}
	}
	return nil
}

// Aggregator owns the merged directory, the synthesized id allocator and the
// declared service lists.
type Aggregator struct {
	mu       sync.RWMutex
	logger   *log.Logger
	ids      *IDAllocator
	services map[string]*service
	byID     map[int]string
	native   map[channel.ID]map[int]string
	channels map[channel.ID]*channelEntry
	lists    map[string]*serviceList
	listIDs  map[int]string
}

type channelEntry struct {
	name     string
	routable bool
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the aggregator logger.
func WithLogger(logger *log.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithIDBase sets the first synthesized service id.
func WithIDBase(base int) Option {
	return func(a *Aggregator) {
		a.ids = NewIDAllocator(base)
	}
}

// NewAggregator constructs an empty directory.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		logger:   log.New(io.Discard, "", 0),
		ids:      NewIDAllocator(DefaultIDBase),
		services: make(map[string]*service),
		byID:     make(map[int]string),
		native:   make(map[channel.ID]map[int]string),
		channels: make(map[channel.ID]*channelEntry),
		lists:    make(map[string]*serviceList),
		listIDs:  make(map[int]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RegisterChannel records a channel. Channels start non-routable.
func (a *Aggregator) RegisterChannel(ch channel.ID, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.channels[ch]; !ok {
		a.channels[ch] = &channelEntry{name: name}
	}
	if _, ok := a.native[ch]; !ok {
		a.native[ch] = make(map[int]string)
	}
}

// ApplySnapshot replaces everything ch reported with entries. Services the
// channel no longer reports lose their facet.
func (a *Aggregator) ApplySnapshot(ch channel.ID, entries []schema.ServiceEntry) Change {
	a.mu.Lock()
	defer a.mu.Unlock()

	var chg Change
	reported := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Action == schema.ActionDelete {
			a.applyEntryLocked(ch, e, &chg)
			continue
		}
		if name := a.applyEntryLocked(ch, e, &chg); name != "" {
			reported[name] = struct{}{}
		}
	}
	for _, name := range a.channelServicesLocked(ch) {
		if _, ok := reported[name]; !ok {
			a.removeFacetLocked(ch, name, &chg)
		}
	}
	return chg
}

// ApplyUpdate merges a directory delta reported by ch.
func (a *Aggregator) ApplyUpdate(ch channel.ID, entries []schema.ServiceEntry) Change {
	a.mu.Lock()
	defer a.mu.Unlock()

	var chg Change
	for _, e := range entries {
		a.applyEntryLocked(ch, e, &chg)
	}
	return chg
}

// SetChannelRoutable marks whether items may be routed over ch.
func (a *Aggregator) SetChannelRoutable(ch channel.ID, routable bool) Change {
	a.mu.Lock()
	defer a.mu.Unlock()

	var chg Change
	entry, ok := a.channels[ch]
	if !ok {
		entry = &channelEntry{name: fmt.Sprintf("channel-%d", ch)}
		a.channels[ch] = entry
	}
	if entry.routable == routable {
		return chg
	}
	before := a.snapshotServicesLocked(ch)
	entry.routable = routable
	for name, prev := range before {
		a.compareLocked(a.services[name], prev, &chg)
	}
	return chg
}

// RemoveChannel drops every facet reported by ch.
func (a *Aggregator) RemoveChannel(ch channel.ID) Change {
	a.mu.Lock()
	defer a.mu.Unlock()

	var chg Change
	for _, name := range a.channelServicesLocked(ch) {
		a.removeFacetLocked(ch, name, &chg)
	}
	if entry, ok := a.channels[ch]; ok {
		entry.routable = false
	}
	return chg
}

type summary struct {
	usable    bool
	up        bool
	authority channel.ID
	hasAuth   bool
	info      schema.ServiceInfo
}

func (a *Aggregator) summarizeLocked(s *service) summary {
	var out summary
	for _, f := range s.facets {
		if f.up {
			out.up = true
		}
		if a.facetUsableLocked(f) {
			out.usable = true
		}
		if !out.hasAuth && f.hasInfo {
			out.hasAuth = true
			out.authority = f.channel
			out.info = f.info
		}
	}
	return out
}

func (a *Aggregator) facetUsableLocked(f *facet) bool {
	entry, ok := a.channels[f.channel]
	return ok && entry.routable && f.up && f.accepting
}

func (a *Aggregator) snapshotServicesLocked(ch channel.ID) map[string]summary {
	out := make(map[string]summary)
	for _, name := range a.channelServicesLocked(ch) {
		if s, ok := a.services[name]; ok {
			out[name] = a.summarizeLocked(s)
		}
	}
	return out
}

func (a *Aggregator) compareLocked(s *service, prev summary, chg *Change) {
	if s == nil {
		return
	}
	now := a.summarizeLocked(s)
	if now.usable != prev.usable {
		chg.UsabilityChanged = appendUnique(chg.UsabilityChanged, s.name)
		chg.touch(s.name, schema.FilterState)
	}
	if now.up != prev.up {
		chg.touch(s.name, schema.FilterState)
	}
	if now.hasAuth != prev.hasAuth || now.authority != prev.authority || !infoEqual(now.info, prev.info) {
		chg.InfoChanged = appendUnique(chg.InfoChanged, s.name)
		chg.touch(s.name, schema.FilterInfo)
	}
}

func (a *Aggregator) channelServicesLocked(ch channel.ID) []string {
	names := make([]string, 0, len(a.native[ch]))
	for _, name := range a.native[ch] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// applyEntryLocked returns the service name the entry resolved to, or "".
func (a *Aggregator) applyEntryLocked(ch channel.ID, e schema.ServiceEntry, chg *Change) string {
	natives := a.native[ch]
	if natives == nil {
		natives = make(map[int]string)
		a.native[ch] = natives
	}
	known, haveKey := natives[e.ID]

	if e.Action == schema.ActionDelete {
		if !haveKey {
			a.logger.Printf("directory/%s: delete for unknown service key %d ignored", a.channelNameLocked(ch), e.ID)
			return ""
		}
		a.removeFacetLocked(ch, known, chg)
		return ""
	}

	name := known
	if e.Info != nil && e.Info.Name != "" {
		name = e.Info.Name
		if haveKey && known != name {
			a.removeFacetLocked(ch, known, chg)
		}
	}
	if name == "" {
		a.logger.Printf("directory/%s: entry for unknown service key %d without info ignored", a.channelNameLocked(ch), e.ID)
		return ""
	}

	s, exists := a.services[name]
	if !exists {
		id, err := a.ids.Service(name)
		if err != nil {
			a.logger.Printf("directory/%s: service %q ignored: %v", a.channelNameLocked(ch), name, err)
			return ""
		}
		s = &service{id: id, name: name}
		a.services[name] = s
		a.byID[id] = name
		chg.Added = append(chg.Added, name)
		chg.touch(name, schema.FilterAll)
	}

	prev := a.summarizeLocked(s)
	f := s.facet(ch)
	if f == nil {
		f = &facet{channel: ch, nativeID: e.ID, up: true, accepting: true}
		s.insert(f)
	} else if f.nativeID != e.ID {
		delete(natives, f.nativeID)
		f.nativeID = e.ID
	}
	natives[e.ID] = name
	wasUp := f.up

	if e.Info != nil {
		f.info = schema.CloneInfo(*e.Info)
		f.info.Name = name
		f.hasInfo = true
	}
	if e.State != nil {
		f.up = e.State.Up
		f.accepting = e.State.AcceptingRequests
		if e.State.Status != nil {
			st := *e.State.Status
			f.status = &st
		}
	}
	for _, g := range e.Groups {
		ev := GroupEvent{
			Channel:  ch,
			Service:  name,
			Group:    append([]byte(nil), g.Group...),
			MergedTo: append([]byte(nil), g.MergedTo...),
		}
		if len(g.MergedTo) == 0 {
			ev.MergedTo = nil
		}
		if g.Status != nil {
			st := *g.Status
			ev.Status = &st
		}
		chg.Groups = append(chg.Groups, ev)
		chg.touch(name, schema.FilterGroup)
	}

	if exists {
		a.compareLocked(s, prev, chg)
	} else {
		now := a.summarizeLocked(s)
		if now.usable {
			chg.UsabilityChanged = appendUnique(chg.UsabilityChanged, name)
		}
	}
	if wasUp && !f.up {
		chg.LostFacets = append(chg.LostFacets, FacetRef{Channel: ch, Service: name})
	}
	return name
}

func (a *Aggregator) removeFacetLocked(ch channel.ID, name string, chg *Change) {
	s, ok := a.services[name]
	if !ok {
		return
	}
	prev := a.summarizeLocked(s)
	f := s.remove(ch)
	if f == nil {
		return
	}
	delete(a.native[ch], f.nativeID)
	chg.LostFacets = append(chg.LostFacets, FacetRef{Channel: ch, Service: name})

	if len(s.facets) == 0 {
		delete(a.services, name)
		delete(a.byID, s.id)
		chg.Deleted = append(chg.Deleted, Deleted{Name: name, ID: s.id})
		chg.touch(name, schema.FilterAll)
		if prev.usable {
			chg.UsabilityChanged = appendUnique(chg.UsabilityChanged, name)
		}
		return
	}
	a.compareLocked(s, prev, chg)
}

func (a *Aggregator) channelNameLocked(ch channel.ID) string {
	if entry, ok := a.channels[ch]; ok && entry.name != "" {
		return entry.name
	}
	return fmt.Sprintf("channel-%d", ch)
}

func (a *Aggregator) exportLocked(s *service) Service {
	sum := a.summarizeLocked(s)
	out := Service{
		ID:     s.id,
		Name:   s.name,
		Info:   schema.CloneInfo(sum.info),
		Up:     sum.up,
		Usable: sum.usable,
		Facets: make([]Facet, 0, len(s.facets)),
	}
	out.Info.Name = s.name
	for _, f := range s.facets {
		entry := a.channels[f.channel]
		fc := Facet{
			Channel:   f.channel,
			NativeID:  f.nativeID,
			Info:      schema.CloneInfo(f.info),
			HasInfo:   f.hasInfo,
			Up:        f.up,
			Accepting: f.accepting,
			Routable:  entry != nil && entry.routable,
		}
		if f.status != nil {
			st := *f.status
			fc.Status = &st
		}
		out.Facets = append(out.Facets, fc)
	}
	return out
}

// Lookup returns the merged service with the given name.
func (a *Aggregator) Lookup(name string) (Service, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.services[name]
	if !ok {
		return Service{}, false
	}
	return a.exportLocked(s), true
}

// LookupID returns the merged service with the given synthesized id.
func (a *Aggregator) LookupID(id int) (Service, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	name, ok := a.byID[id]
	if !ok {
		return Service{}, false
	}
	return a.exportLocked(a.services[name]), true
}

// Services returns every live service ordered by name.
func (a *Aggregator) Services() []Service {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.services))
	for name := range a.services {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Service, 0, len(names))
	for _, name := range names {
		out = append(out, a.exportLocked(a.services[name]))
	}
	return out
}

// Len returns the number of live services.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.services)
}

// NativeID translates a service name into the id ch uses on the wire.
func (a *Aggregator) NativeID(ch channel.ID, name string) (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.services[name]
	if !ok {
		return 0, false
	}
	f := s.facet(ch)
	if f == nil {
		return 0, false
	}
	return f.nativeID, true
}

// NameForNative translates a channel-native service id into a service name.
func (a *Aggregator) NameForNative(ch channel.ID, nativeID int) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	name, ok := a.native[ch][nativeID]
	return name, ok
}

// NameForID translates a synthesized id into a live service name.
func (a *Aggregator) NameForID(id int) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	name, ok := a.byID[id]
	return name, ok
}

// KnownName translates a synthesized id into the service name it was
// assigned to, including services that have since been deleted.
func (a *Aggregator) KnownName(id int) (string, bool) {
	return a.ids.ServiceName(id)
}

// ServiceID returns the synthesized id a service name was given, live or not.
func (a *Aggregator) ServiceID(name string) (int, bool) {
	return a.ids.Assigned(name)
}

// View renders the merged entry of a service restricted to filter.
func (a *Aggregator) View(name string, filter schema.Filter) (schema.ServiceEntry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.services[name]
	if !ok {
		return schema.ServiceEntry{}, false
	}
	sum := a.summarizeLocked(s)
	entry := schema.ServiceEntry{Action: schema.ActionAdd, ID: s.id}
	if filter.Has(schema.FilterInfo) {
		info := schema.CloneInfo(sum.info)
		info.Name = s.name
		entry.Info = &info
	}
	if filter.Has(schema.FilterState) {
		entry.State = &schema.ServiceState{Up: sum.up, AcceptingRequests: sum.usable}
	}
	return entry, true
}

func infoEqual(a, b schema.ServiceInfo) bool {
	if a.Name != b.Name || a.Vendor != b.Vendor || a.AcceptingConsumerStatus != b.AcceptingConsumerStatus {
		return false
	}
	if len(a.Capabilities) != len(b.Capabilities) || len(a.QoS) != len(b.QoS) || len(a.Dictionaries) != len(b.Dictionaries) {
		return false
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return false
		}
	}
	for i := range a.QoS {
		if a.QoS[i] != b.QoS[i] {
			return false
		}
	}
	for i := range a.Dictionaries {
		if a.Dictionaries[i] != b.Dictionaries[i] {
			return false
		}
	}
	return true
}
