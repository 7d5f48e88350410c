package events

import (
	"encoding/json"
	"time"

	"github.com/chadiek/call-pilot/internal/provider"
	"github.com/chadiek/call-pilot/internal/transcript"
)

// Kind names an Event variant on the wire.
type Kind string

const (
	KindCallStarted   Kind = "call-started"
	KindSpeechStarted Kind = "speech-started"
	KindSpeechEnded   Kind = "speech-ended"
	KindTranscript    Kind = "transcript"
	KindToolInvoked   Kind = "tool-invoked"
	KindStatusChanged Kind = "status-changed"
	KindCallEnded     Kind = "call-ended"
	KindError         Kind = "error"
)

// Event is a normalized call event. The set of implementations is closed to this package.
type Event interface {
	Kind() Kind
	sealed()
}

type CallStarted struct{}

type SpeechStarted struct {
	Role string `json:"role,omitempty"`
}

type SpeechEnded struct {
	Role string `json:"role,omitempty"`
}

type Transcript struct {
	Speaker transcript.Speaker `json:"speaker"`
	Text    string             `json:"text"`
	Role    string             `json:"role,omitempty"`
}

// ToolInvoked carries the tool arguments exactly as the provider sent them.
type ToolInvoked struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type StatusChanged struct {
	Status string `json:"status"`
}

// CallEnded is the last event of every watched call.
type CallEnded struct {
	Call provider.Call `json:"call"`
	// Abandoned is set when polling gave up before the provider confirmed the end.
	Abandoned bool `json:"abandoned,omitempty"`
}

type Error struct {
	Message string `json:"message"`
}

func (CallStarted) Kind() Kind   { return KindCallStarted }
func (SpeechStarted) Kind() Kind { return KindSpeechStarted }
func (SpeechEnded) Kind() Kind   { return KindSpeechEnded }
func (Transcript) Kind() Kind    { return KindTranscript }
func (ToolInvoked) Kind() Kind   { return KindToolInvoked }
func (StatusChanged) Kind() Kind { return KindStatusChanged }
func (CallEnded) Kind() Kind     { return KindCallEnded }
func (Error) Kind() Kind         { return KindError }

func (CallStarted) sealed()   {}
func (SpeechStarted) sealed() {}
func (SpeechEnded) sealed()   {}
func (Transcript) sealed()    {}
func (ToolInvoked) sealed()   {}
func (StatusChanged) sealed() {}
func (CallEnded) sealed()     {}
func (Error) sealed()         {}

// FromLine turns a parsed transcript line into a Transcript event.
func FromLine(l transcript.Line) Transcript {
	return Transcript{Speaker: l.Speaker, Text: l.Text, Role: roleFor(l.Speaker)}
}

// Envelope is the wire form handed to subscribers.
type Envelope struct {
	CallID string    `json:"callId"`
	Seq    int       `json:"seq"`
	At     time.Time `json:"at"`
	Type   Kind      `json:"type"`
	Data   Event     `json:"data"`
}

// Wrap stamps an event for delivery.
func Wrap(callID string, seq int, at time.Time, ev Event) Envelope {
	return Envelope{CallID: callID, Seq: seq, At: at, Type: ev.Kind(), Data: ev}
}

// UnmarshalJSON restores the concrete Data type from Type.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var raw struct {
		CallID string          `json:"callId"`
		Seq    int             `json:"seq"`
		At     time.Time       `json:"at"`
		Type   Kind            `json:"type"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ev, err := decode(raw.Type, raw.Data)
	if err != nil {
		return err
	}
	*e = Envelope{CallID: raw.CallID, Seq: raw.Seq, At: raw.At, Type: raw.Type, Data: ev}
	return nil
}

func decode(kind Kind, data json.RawMessage) (Event, error) {
	var ev Event
	switch kind {
	case KindCallStarted:
		return CallStarted{}, nil
	case KindSpeechStarted:
		var v SpeechStarted
		ev = &v
	case KindSpeechEnded:
		var v SpeechEnded
		ev = &v
	case KindTranscript:
		var v Transcript
		ev = &v
	case KindToolInvoked:
		var v ToolInvoked
		ev = &v
	case KindCallEnded:
		var v CallEnded
		ev = &v
	case KindError:
		var v Error
		ev = &v
	default:
		var v StatusChanged
		ev = &v
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, err
		}
	}
	return deref(ev), nil
}

func deref(ev Event) Event {
	switch v := ev.(type) {
	case *SpeechStarted:
		return *v
	case *SpeechEnded:
		return *v
	case *Transcript:
		return *v
	case *ToolInvoked:
		return *v
	case *CallEnded:
		return *v
	case *Error:
		return *v
	case *StatusChanged:
		return *v
	}
	return ev
}
