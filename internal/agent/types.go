package agent

import (
	"context"
	"encoding/json"
)

// Action is the single effect a turn asks for.
type Action string

const (
	ActionDTMF     Action = "dtmf"
	ActionSpeak    Action = "speak"
	ActionWait     Action = "wait"
	ActionEnd      Action = "end"
	ActionTransfer Action = "transfer"
)

// Confidence is the decider's self-reported certainty.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// MaxHeardLength bounds Decision.Heard, in runes.
const MaxHeardLength = 200

// Decision is one turn's declared intent. It is consumed by Execute and then discarded.
type Decision struct {
	Heard      string     `json:"heard"`
	Action     Action     `json:"action"`
	Digit      string     `json:"digit,omitempty"`
	Speech     string     `json:"speech,omitempty"`
	Confidence Confidence `json:"confidence"`
}

// Result reports what Execute actually did.
type Result struct {
	Executed bool   `json:"executed"`
	Action   Action `json:"action"`
	Detail   string `json:"detail"`
	// Err is the effect callback failure, if any.
	Err error `json:"-"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Effects performs the side effects a decision may require on the live call.
type Effects interface {
	SendDigit(ctx context.Context, digit string) error
	EndCall(ctx context.Context) error
	Transfer(ctx context.Context, number string) error
}

// Decider produces a decision for the latest thing heard on the call.
type Decider interface {
	Decide(ctx context.Context, prompt string) (Decision, error)
}
