package scan

import "encoding/json"

// EventKind discriminates scan telemetry events.
type EventKind int

// The kinds of event a scan emits.
const (
	KindProgress EventKind = iota
	KindPoint
	KindCompleted
	KindCancelled
	KindFailed
)

func (k EventKind) String() string {
	switch k {
	case KindProgress:
		return "progress"
	case KindPoint:
		return "point"
	case KindCompleted:
		return "completed"
	case KindCancelled:
		return "cancelled"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one step of scan telemetry.  Per measured point the engine
// emits Point then Progress, in emission order, before touching the next
// energy.  Exactly one terminal event (Completed, Cancelled or Failed)
// ends the stream; Cancelled is an outcome, not an error.
type Event struct {
	Kind      EventKind
	Completed int
	Total     int

	// RunID is stamped by the session as it fans events out; events
	// straight from an engine carry none.
	RunID string

	// Energy and Signal are set on Point events
	Energy float64
	Signal float64

	// Err is set on Failed events
	Err error
}

// MarshalJSON names the kind and flattens the error to its message so
// events survive the websocket feed.
func (e Event) MarshalJSON() ([]byte, error) {
	w := struct {
		Kind      string  `json:"kind"`
		Completed int     `json:"completed"`
		Total     int     `json:"total"`
		RunID     string  `json:"runID,omitempty"`
		Energy    float64 `json:"energy,omitempty"`
		Signal    float64 `json:"signal,omitempty"`
		Error     string  `json:"error,omitempty"`
	}{
		Kind:      e.Kind.String(),
		Completed: e.Completed,
		Total:     e.Total,
		RunID:     e.RunID,
		Energy:    e.Energy,
		Signal:    e.Signal,
	}
	if e.Err != nil {
		w.Error = e.Err.Error()
	}
	return json.Marshal(w)
}
