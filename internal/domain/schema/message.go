// Package schema defines the message variants exchanged between session channels and applications.
package schema

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Domain identifies the message model a stream belongs to.
type Domain uint8

const (
	DomainLogin         Domain = 1
	DomainSource        Domain = 4
	DomainDictionary    Domain = 5
	DomainMarketPrice   Domain = 6
	DomainMarketByOrder Domain = 7
	DomainMarketByPrice Domain = 8
	DomainSymbolList    Domain = 10
)

func (d Domain) String() string {
	switch d {
	case DomainLogin:
		return "Login"
	case DomainSource:
		return "Source"
	case DomainDictionary:
		return "Dictionary"
	case DomainMarketPrice:
		return "MarketPrice"
	case DomainMarketByOrder:
		return "MarketByOrder"
	case DomainMarketByPrice:
		return "MarketByPrice"
	case DomainSymbolList:
		return "SymbolList"
	}
	return fmt.Sprintf("Domain(%d)", uint8(d))
}

// ParseDomain resolves a domain by its name, case-insensitively.
func ParseDomain(name string) (Domain, error) {
	trimmed := strings.TrimSpace(name)
	for _, d := range []Domain{DomainLogin, DomainSource, DomainDictionary, DomainMarketPrice, DomainMarketByOrder, DomainMarketByPrice, DomainSymbolList} {
		if strings.EqualFold(trimmed, d.String()) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown domain %q", name)
}

// Kind enumerates the closed set of message variants.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindRefresh
	KindStatus
	KindUpdate
	KindPost
	KindGeneric
	KindAck
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindRefresh:
		return "Refresh"
	case KindStatus:
		return "Status"
	case KindUpdate:
		return "Update"
	case KindPost:
		return "Post"
	case KindGeneric:
		return "Generic"
	case KindAck:
		return "Ack"
	case KindClose:
		return "Close"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Well-known native stream ids on every session channel.
const (
	LoginStreamID     int32 = 1
	DirectoryStreamID int32 = 2
	FirstItemStreamID int32 = 5
)

// ServiceRef names a service by name, by id, or by service-list alias.
type ServiceRef struct {
	Name  string
	ID    int
	HasID bool
	List  string
}

// ByName references a concrete service by name.
func ByName(name string) ServiceRef { return ServiceRef{Name: strings.TrimSpace(name)} }

// ByID references a service by id.
func ByID(id int) ServiceRef { return ServiceRef{ID: id, HasID: true} }

// ByList references a service list alias.
func ByList(name string) ServiceRef { return ServiceRef{List: strings.TrimSpace(name)} }

// IsZero reports whether no service is referenced.
func (r ServiceRef) IsZero() bool {
	return r.Name == "" && !r.HasID && r.List == ""
}

func (r ServiceRef) String() string {
	switch {
	case r.List != "":
		return "list:" + r.List
	case r.Name != "":
		return r.Name
	case r.HasID:
		return fmt.Sprintf("id:%d", r.ID)
	}
	return "<none>"
}

// Header carries the fields common to every variant.
type Header struct {
	Domain   Domain
	StreamID int32
	Name     string
	Service  ServiceRef
}

// Message is the closed variant over message kinds. Consumers switch on the concrete type.
type Message interface {
	Kind() Kind
	Head() *Header
	isMessage()
}

// RequestMsg opens or reissues a stream.
type RequestMsg struct {
	Header
	Names     []string
	QoS       *QoS
	Streaming bool
	Private   bool
	Priority  int
	Filter    Filter
	Login     *LoginAttributes
}

// LoginAttributes carries the identity presented on the login stream.
type LoginAttributes struct {
	UserName      string
	ApplicationID string
	Position      string
	InstanceID    string
}

// RefreshMsg delivers a full image.
type RefreshMsg struct {
	Header
	State     State
	Solicited bool
	Complete  bool
	ItemGroup []byte
	QoS       *QoS
	Fields    map[string]decimal.Decimal
	Directory []ServiceEntry
}

// StatusMsg reports a state change without data.
type StatusMsg struct {
	Header
	State     State
	ItemGroup []byte
}

// UpdateMsg delivers incremental changes.
type UpdateMsg struct {
	Header
	Fields    map[string]decimal.Decimal
	Directory []ServiceEntry
}

// PostMsg contributes data upstream.
type PostMsg struct {
	Header
	PostID   uint32
	WantsAck bool
	Fields   map[string]decimal.Decimal
}

// GenericMsg is a bidirectional message outside the request/response model.
type GenericMsg struct {
	Header
	Attributes map[string]string
}

// AckMsg acknowledges a post.
type AckMsg struct {
	Header
	AckID    uint32
	NackCode uint8
	Text     string
}

// CloseMsg closes a stream.
type CloseMsg struct {
	Header
}

func (*RequestMsg) Kind() Kind { return KindRequest }
func (*RefreshMsg) Kind() Kind { return KindRefresh }
func (*StatusMsg) Kind() Kind  { return KindStatus }
func (*UpdateMsg) Kind() Kind  { return KindUpdate }
func (*PostMsg) Kind() Kind    { return KindPost }
func (*GenericMsg) Kind() Kind { return KindGeneric }
func (*AckMsg) Kind() Kind     { return KindAck }
func (*CloseMsg) Kind() Kind   { return KindClose }

func (m *RequestMsg) Head() *Header { return &m.Header }
func (m *RefreshMsg) Head() *Header { return &m.Header }
func (m *StatusMsg) Head() *Header  { return &m.Header }
func (m *UpdateMsg) Head() *Header  { return &m.Header }
func (m *PostMsg) Head() *Header    { return &m.Header }
func (m *GenericMsg) Head() *Header { return &m.Header }
func (m *AckMsg) Head() *Header     { return &m.Header }
func (m *CloseMsg) Head() *Header   { return &m.Header }

func (*RequestMsg) isMessage() {}
func (*RefreshMsg) isMessage() {}
func (*StatusMsg) isMessage()  {}
func (*UpdateMsg) isMessage()  {}
func (*PostMsg) isMessage()    {}
func (*GenericMsg) isMessage() {}
func (*AckMsg) isMessage()     {}
func (*CloseMsg) isMessage()   {}

// Clone returns a copy of msg that shares no mutable slices or maps with the original.
func Clone(msg Message) Message {
	switch m := msg.(type) {
	case *RequestMsg:
		c := *m
		c.Names = append([]string(nil), m.Names...)
		if m.QoS != nil {
			q := *m.QoS
			c.QoS = &q
		}
		if m.Login != nil {
			l := *m.Login
			c.Login = &l
		}
		return &c
	case *RefreshMsg:
		c := *m
		c.ItemGroup = cloneBytes(m.ItemGroup)
		if m.QoS != nil {
			q := *m.QoS
			c.QoS = &q
		}
		c.Fields = cloneFields(m.Fields)
		c.Directory = CloneEntries(m.Directory)
		return &c
	case *StatusMsg:
		c := *m
		c.ItemGroup = cloneBytes(m.ItemGroup)
		return &c
	case *UpdateMsg:
		c := *m
		c.Fields = cloneFields(m.Fields)
		c.Directory = CloneEntries(m.Directory)
		return &c
	case *PostMsg:
		c := *m
		c.Fields = cloneFields(m.Fields)
		return &c
	case *GenericMsg:
		c := *m
		if m.Attributes != nil {
			c.Attributes = make(map[string]string, len(m.Attributes))
			for k, v := range m.Attributes {
				c.Attributes[k] = v
			}
		}
		return &c
	case *AckMsg:
		c := *m
		return &c
	case *CloseMsg:
		c := *m
		return &c
	case nil:
		return nil
	}
	panic(fmt.Sprintf("schema: unhandled message type %T", msg))
}

// GroupEqual compares two opaque item group ids.
func GroupEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	return append([]byte(nil), in...)
}

func cloneFields(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	if in == nil {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Consumer connection status generic message exchanged with warm-standby members.
const (
	ConsumerConnectionStatusName = "ConsumerConnectionStatus"
	WarmStandbyModeAttribute     = "WarmStandbyMode"
	WarmStandbyModeActive        = "active"
	WarmStandbyModeStandby       = "standby"
)

// NewConsumerConnectionStatus builds the login-domain generic announcing the consumer's role.
func NewConsumerConnectionStatus(mode string) *GenericMsg {
	return &GenericMsg{
		Header: Header{
			Domain:   DomainLogin,
			StreamID: LoginStreamID,
			Name:     ConsumerConnectionStatusName,
		},
		Attributes: map[string]string{WarmStandbyModeAttribute: mode},
	}
}
