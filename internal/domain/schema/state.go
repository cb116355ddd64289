package schema

import "fmt"

// Status texts reproduced verbatim for interoperability with existing clients.
const (
	TextNoMatchingService   = "No matching service present."
	TextNoMatchingQoS       = "Service does not provide a matching QoS"
	TextCapabilityMissing   = "Capability not supported"
	TextBatchClosed         = "Stream closed for batch"
	TextServiceLost         = "Service for this item was lost."
	TextChannelDown         = "channel down."
	TextSessionChannelUp    = "session channel up"
	TextSessionChannelDown  = "session channel down"
	TextSessionChannelClose = "session channel closed"
)

// StreamState describes the lifecycle of a stream as reported by a provider.
type StreamState uint8

const (
	StreamUnspecified StreamState = iota
	StreamOpen
	StreamNonStreaming
	StreamClosedRecover
	StreamClosed
	StreamRedirected
)

func (s StreamState) String() string {
	switch s {
	case StreamUnspecified:
		return "Unspecified"
	case StreamOpen:
		return "Open"
	case StreamNonStreaming:
		return "NonStreaming"
	case StreamClosedRecover:
		return "ClosedRecover"
	case StreamClosed:
		return "Closed"
	case StreamRedirected:
		return "Redirected"
	}
	return fmt.Sprintf("StreamState(%d)", uint8(s))
}

// DataState describes the health of the data carried on a stream.
type DataState uint8

const (
	DataNoChange DataState = iota
	DataOk
	DataSuspect
)

func (d DataState) String() string {
	switch d {
	case DataNoChange:
		return "NoChange"
	case DataOk:
		return "Ok"
	case DataSuspect:
		return "Suspect"
	}
	return fmt.Sprintf("DataState(%d)", uint8(d))
}

// StatusCode refines a state with a machine-readable reason.
type StatusCode uint8

const (
	CodeNone StatusCode = iota
	CodeNotFound
	CodeTimeout
	CodeNotAuthorized
	CodeInvalidArgument
	CodeUsageError
	CodeSourceUnknown
	CodeNoResources
	CodeAlreadyOpen
)

// State is the stream/data/code/text quadruple carried by refresh and status messages.
type State struct {
	Stream StreamState
	Data   DataState
	Code   StatusCode
	Text   string
}

// Recoverable reports whether the provider asked the consumer to recover the stream elsewhere.
func (s State) Recoverable() bool {
	return s.Stream == StreamClosedRecover
}

// Closed reports whether the stream is terminally closed.
func (s State) Closed() bool {
	return s.Stream == StreamClosed
}

// OpenOk returns the healthy open state.
func OpenOk(text string) State {
	return State{Stream: StreamOpen, Data: DataOk, Code: CodeNone, Text: text}
}

// OpenSuspect returns an open state whose data must be treated as stale.
func OpenSuspect(code StatusCode, text string) State {
	return State{Stream: StreamOpen, Data: DataSuspect, Code: code, Text: text}
}

// ClosedRecover returns a closure the application may recover by reopening the stream.
func ClosedRecover(code StatusCode, text string) State {
	return State{Stream: StreamClosedRecover, Data: DataSuspect, Code: code, Text: text}
}

// ClosedOk returns a terminal closure without data loss.
func ClosedOk(text string) State {
	return State{Stream: StreamClosed, Data: DataOk, Code: CodeNone, Text: text}
}

func (s State) String() string {
	return fmt.Sprintf("%s/%s %q", s.Stream, s.Data, s.Text)
}
