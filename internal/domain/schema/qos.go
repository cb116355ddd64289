package schema

import "fmt"

// Timeliness describes how current the data is.
type Timeliness uint8

const (
	TimelinessUnspecified Timeliness = iota
	TimelinessRealtime
	TimelinessDelayed
)

// Rate describes how often the data is delivered.
type Rate uint8

const (
	RateUnspecified Rate = iota
	RateTickByTick
	RateJitConflated
)

// QoS is a quality-of-service pair advertised by services and requested by items.
type QoS struct {
	Timeliness Timeliness
	Rate       Rate
}

// DefaultQoS is realtime, tick-by-tick.
var DefaultQoS = QoS{Timeliness: TimelinessRealtime, Rate: RateTickByTick}

func (q QoS) String() string {
	t := "Unspecified"
	switch q.Timeliness {
	case TimelinessRealtime:
		t = "Realtime"
	case TimelinessDelayed:
		t = "Delayed"
	}
	r := "Unspecified"
	switch q.Rate {
	case RateTickByTick:
		r = "TickByTick"
	case RateJitConflated:
		r = "JitConflated"
	}
	return fmt.Sprintf("%s/%s", t, r)
}
