// Package httpserver exposes read-only HTTP handlers over a running consumer session.
package httpserver

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/sessionrouter/internal/app/directory"
	"github.com/coachpo/sessionrouter/internal/app/session"
	"github.com/coachpo/sessionrouter/internal/app/warmstandby"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
	"github.com/coachpo/sessionrouter/internal/infra/config"
)

const (
	healthPath = "/health"

	channelsPath = "/channels"

	servicesPath        = "/services"
	serviceDetailPrefix = servicesPath + "/"

	serviceListsPrefix = "/service-lists/"

	itemsPath        = "/items"
	itemDetailPrefix = itemsPath + "/"

	warmStandbyPath = "/warm-standby"
)

// SessionView is the query surface the handlers read from.
type SessionView interface {
	InstanceID() string
	Channels() []session.ChannelInfo
	Services() []directory.Service
	Service(name string) (directory.Service, bool)
	ResolveServiceList(name string) (directory.Service, bool)
	Items() []session.ItemInfo
	Item(handle session.Handle) (session.ItemInfo, bool)
	WarmStandbyGroups() []warmstandby.GroupStatus
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	view        SessionView
}

type channelPayload struct {
	Ordinal    int    `json:"ordinal"`
	Name       string `json:"name"`
	Connection string `json:"connection,omitempty"`
	State      string `json:"state"`
	Role       string `json:"role,omitempty"`
	LoggedIn   bool   `json:"loggedIn"`
}

type facetPayload struct {
	Channel   string `json:"channel"`
	NativeID  int    `json:"nativeId"`
	Up        bool   `json:"up"`
	Accepting bool   `json:"acceptingRequests"`
	Usable    bool   `json:"usable"`
	Status    string `json:"status,omitempty"`
}

type servicePayload struct {
	ID           int            `json:"id"`
	Name         string         `json:"name"`
	Vendor       string         `json:"vendor,omitempty"`
	Capabilities []string       `json:"capabilities"`
	QoS          []string       `json:"qos,omitempty"`
	Up           bool           `json:"up"`
	Usable       bool           `json:"usable"`
	Facets       []facetPayload `json:"facets"`
}

type itemPayload struct {
	Handle  int32  `json:"handle"`
	Name    string `json:"name"`
	Domain  string `json:"domain"`
	Service string `json:"service"`
	State   string `json:"state"`

	BoundService string `json:"boundService,omitempty"`
	Channel      string `json:"channel,omitempty"`
	Stream       int32  `json:"stream,omitempty"`
}

type groupPayload struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
	Active  string   `json:"active,omitempty"`
}

// NewHandler creates the HTTP handler serving session diagnostics.
func NewHandler(environment config.Environment, view SessionView) http.Handler {
	server := &httpServer{environment: environment, view: view}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))
	mux.Handle(channelsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listChannels,
	}))
	mux.Handle(servicesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listServices,
	}))
	mux.Handle(serviceDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getService,
	}))
	mux.Handle(serviceListsPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.resolveServiceList,
	}))
	mux.Handle(itemsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listItems,
	}))
	mux.Handle(itemDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getItem,
	}))
	mux.Handle(warmStandbyPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listWarmStandby,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	channels := s.view.Channels()
	up := 0
	for _, ch := range channels {
		if ch.State == channel.StateUp && ch.LoggedIn {
			up++
		}
	}
	status := "ok"
	code := http.StatusOK
	if up == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":      status,
		"environment": string(s.environment),
		"instanceId":  s.view.InstanceID(),
		"channelsUp":  up,
		"channels":    len(channels),
	})
}

func (s *httpServer) listChannels(w http.ResponseWriter, _ *http.Request) {
	channels := s.view.Channels()
	out := make([]channelPayload, 0, len(channels))
	for _, ch := range channels {
		out = append(out, channelPayload{
			Ordinal:    int(ch.Ordinal),
			Name:       ch.Name,
			Connection: ch.Connection,
			State:      ch.State.String(),
			Role:       ch.Role,
			LoggedIn:   ch.LoggedIn,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

func (s *httpServer) listServices(w http.ResponseWriter, _ *http.Request) {
	names := s.channelNames()
	services := s.view.Services()
	out := make([]servicePayload, 0, len(services))
	for _, svc := range services {
		out = append(out, buildServicePayload(svc, names))
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

func (s *httpServer) getService(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, serviceDetailPrefix)
	if name == "" {
		writeError(w, http.StatusBadRequest, "service name required")
		return
	}
	svc, ok := s.view.Service(name)
	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	writeJSON(w, http.StatusOK, buildServicePayload(svc, s.channelNames()))
}

func (s *httpServer) resolveServiceList(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, serviceListsPrefix)
	if name == "" {
		writeError(w, http.StatusBadRequest, "service list name required")
		return
	}
	svc, ok := s.view.ResolveServiceList(name)
	if !ok {
		writeError(w, http.StatusNotFound, schema.TextNoMatchingService)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"list":    name,
		"service": buildServicePayload(svc, s.channelNames()),
	})
}

func (s *httpServer) listItems(w http.ResponseWriter, _ *http.Request) {
	items := s.view.Items()
	out := make([]itemPayload, 0, len(items))
	for _, item := range items {
		out = append(out, buildItemPayload(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *httpServer) getItem(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, itemDetailPrefix)
	handle, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item handle")
		return
	}
	item, ok := s.view.Item(session.Handle(handle))
	if !ok {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	writeJSON(w, http.StatusOK, buildItemPayload(item))
}

func (s *httpServer) listWarmStandby(w http.ResponseWriter, _ *http.Request) {
	names := s.channelNames()
	groups := s.view.WarmStandbyGroups()
	out := make([]groupPayload, 0, len(groups))
	for _, g := range groups {
		payload := groupPayload{Name: g.Name, Members: make([]string, 0, len(g.Members))}
		for _, m := range g.Members {
			payload.Members = append(payload.Members, names[m])
		}
		if g.HasActive {
			payload.Active = names[g.Active]
		}
		out = append(out, payload)
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": out})
}

func (s *httpServer) channelNames() map[channel.ID]string {
	channels := s.view.Channels()
	names := make(map[channel.ID]string, len(channels))
	for _, ch := range channels {
		names[ch.Ordinal] = ch.Name
	}
	return names
}

func buildServicePayload(svc directory.Service, names map[channel.ID]string) servicePayload {
	payload := servicePayload{
		ID:           svc.ID,
		Name:         svc.Name,
		Vendor:       svc.Info.Vendor,
		Capabilities: make([]string, 0, len(svc.Info.Capabilities)),
		Up:           svc.Up,
		Usable:       svc.Usable,
		Facets:       make([]facetPayload, 0, len(svc.Facets)),
	}
	for _, d := range svc.Info.Capabilities {
		payload.Capabilities = append(payload.Capabilities, d.String())
	}
	for _, q := range svc.Info.QoS {
		payload.QoS = append(payload.QoS, q.String())
	}
	for _, f := range svc.Facets {
		fp := facetPayload{
			Channel:   names[f.Channel],
			NativeID:  f.NativeID,
			Up:        f.Up,
			Accepting: f.Accepting,
			Usable:    f.Usable(),
		}
		if f.Status != nil {
			fp.Status = f.Status.String()
		}
		payload.Facets = append(payload.Facets, fp)
	}
	return payload
}

func buildItemPayload(item session.ItemInfo) itemPayload {
	return itemPayload{
		Handle:       int32(item.Handle),
		Name:         item.Name,
		Domain:       item.Domain.String(),
		Service:      item.Service.String(),
		State:        item.State.String(),
		BoundService: item.ServiceName,
		Channel:      item.Channel,
		Stream:       item.Stream,
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
