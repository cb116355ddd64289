package ws

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/sessionrouter/internal/domain/schema"
)

// frame is the text frame exchanged with the provider: the message kind and
// the JSON rendering of the matching schema variant.
type frame struct {
	Kind    string          `json:"kind"`
	Stream  int32           `json:"stream"`
	Payload json.RawMessage `json:"payload"`
}

// Encode renders msg as a websocket text frame.
func Encode(msg schema.Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	data, err := json.Marshal(frame{Kind: msg.Kind().String(), Stream: msg.Head().StreamID, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode parses a text frame produced by Encode.
func Decode(data []byte) (schema.Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	var msg schema.Message
	switch f.Kind {
	case schema.KindRequest.String():
		msg = &schema.RequestMsg{}
	case schema.KindRefresh.String():
		msg = &schema.RefreshMsg{}
	case schema.KindStatus.String():
		msg = &schema.StatusMsg{}
	case schema.KindUpdate.String():
		msg = &schema.UpdateMsg{}
	case schema.KindPost.String():
		msg = &schema.PostMsg{}
	case schema.KindGeneric.String():
		msg = &schema.GenericMsg{}
	case schema.KindAck.String():
		msg = &schema.AckMsg{}
	case schema.KindClose.String():
		msg = &schema.CloseMsg{}
	default:
		return nil, fmt.Errorf("decode frame: unknown kind %q", f.Kind)
	}
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Kind, err)
		}
	}
	if f.Stream != 0 {
		msg.Head().StreamID = f.Stream
	}
	return msg, nil
}
