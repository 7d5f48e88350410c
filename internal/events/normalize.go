package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chadiek/call-pilot/internal/provider"
	"github.com/chadiek/call-pilot/internal/transcript"
)

// Message is a provider-native call notification, as delivered to the webhook
// or produced by the provider's browser SDK.
type Message struct {
	Type           string          `json:"type"`
	Status         string          `json:"status,omitempty"`
	Role           string          `json:"role,omitempty"`
	Transcript     string          `json:"transcript,omitempty"`
	TranscriptType string          `json:"transcriptType,omitempty"`
	EndedReason    string          `json:"endedReason,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	FunctionCall   *FunctionCall   `json:"functionCall,omitempty"`
	ToolCallList   []ToolCall      `json:"toolCallList,omitempty"`
	Call           *MessageCall    `json:"call,omitempty"`
	Artifact       *Artifact       `json:"artifact,omitempty"`
	Analysis       *Analysis       `json:"analysis,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
}

type FunctionCall struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type ToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	} `json:"function"`
}

type MessageCall struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

type Artifact struct {
	Transcript string `json:"transcript,omitempty"`
}

type Analysis struct {
	Summary string `json:"summary,omitempty"`
}

// ParseWebhook decodes a server message body; both the {"message": {...}} envelope
// and a bare message are accepted.
func ParseWebhook(body []byte) (Message, error) {
	var wrapped struct {
		Message *Message `json:"message"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return Message{}, fmt.Errorf("decode webhook: %w", err)
	}
	if wrapped.Message != nil {
		return *wrapped.Message, nil
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("decode webhook: %w", err)
	}
	return m, nil
}

// Normalize maps one provider message to its canonical event.
func Normalize(m Message) Event {
	return NormalizeAll(m)[0]
}

// NormalizeAll is Normalize for messages that can carry several events (tool-call
// lists). It always returns at least one event.
func NormalizeAll(m Message) []Event {
	switch strings.ToLower(m.Type) {
	case "status-update", "status":
		return one(StatusChanged{Status: m.Status})
	case "call-started", "call-start":
		return one(CallStarted{})
	case "transcript":
		return one(Transcript{Speaker: speakerFor(m.Role), Text: m.Transcript, Role: m.Role})
	case "speech-update":
		if strings.EqualFold(m.Status, "stopped") || strings.EqualFold(m.Status, "ended") {
			return one(SpeechEnded{Role: m.Role})
		}
		return one(SpeechStarted{Role: m.Role})
	case "speech-start":
		return one(SpeechStarted{Role: m.Role})
	case "speech-end":
		return one(SpeechEnded{Role: m.Role})
	case "function-call":
		if m.FunctionCall != nil {
			return one(ToolInvoked{Name: m.FunctionCall.Name, Arguments: m.FunctionCall.Parameters})
		}
	case "tool-calls":
		if len(m.ToolCallList) > 0 {
			out := make([]Event, 0, len(m.ToolCallList))
			for _, tc := range m.ToolCallList {
				out = append(out, ToolInvoked{Name: tc.Function.Name, Arguments: tc.Function.Arguments})
			}
			return out
		}
	case "end-of-call-report", "call-end", "hang":
		return one(CallEnded{Call: m.snapshot()})
	case "error":
		return one(Error{Message: errorText(m.Error)})
	}
	// unknown or incomplete shapes still reach subscribers
	return one(StatusChanged{Status: "info:" + m.Type})
}

func (m Message) snapshot() provider.Call {
	c := provider.Call{Status: provider.StatusEnded, EndedReason: m.EndedReason, Transcript: m.Transcript, Summary: m.Summary}
	if m.Call != nil {
		c.ID = m.Call.ID
	}
	if m.Artifact != nil && m.Artifact.Transcript != "" {
		c.Transcript = m.Artifact.Transcript
	}
	if m.Analysis != nil && m.Analysis.Summary != "" {
		c.Summary = m.Analysis.Summary
	}
	return c
}

func one(ev Event) []Event { return []Event{ev} }

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown provider error"
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

func speakerFor(role string) transcript.Speaker {
	switch strings.ToLower(role) {
	case "assistant", "bot", "agent", "ai":
		return transcript.SpeakerAgent
	case "system":
		return transcript.SpeakerSystem
	}
	return transcript.SpeakerOther
}

func roleFor(sp transcript.Speaker) string {
	switch sp {
	case transcript.SpeakerAgent:
		return "assistant"
	case transcript.SpeakerSystem:
		return "system"
	}
	return "user"
}
