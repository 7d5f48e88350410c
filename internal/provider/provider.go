package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// StatusEnded is the provider-neutral terminal status.
const StatusEnded = "ended"

// ErrInvalidNumber is returned before any provider request when a phone number is not E.164.
var ErrInvalidNumber = errors.New("invalid phone number")

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// Call is the call resource as fetched from the provider. Status strings are provider-native.
type Call struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Transcript  string     `json:"transcript,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	EndedReason string     `json:"endedReason,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	Cost        float64    `json:"cost,omitempty"`
}

// Terminal reports whether no further status transition is expected.
func (c Call) Terminal() bool {
	return c.EndedAt != nil || IsTerminalStatus(c.Status)
}

// IsTerminalStatus covers the voice-AI provider's "ended" plus Twilio's final call states.
func IsTerminalStatus(status string) bool {
	switch strings.ToLower(status) {
	case StatusEnded, "completed", "busy", "failed", "no-answer", "canceled":
		return true
	}
	return false
}

// Assistant is the inline assistant configuration sent with CreateCall.
type Assistant struct {
	Name               string   `json:"name,omitempty"`
	FirstMessage       string   `json:"firstMessage,omitempty"`
	SystemPrompt       string   `json:"systemPrompt,omitempty"`
	ModelProvider      string   `json:"modelProvider,omitempty"`
	Model              string   `json:"model,omitempty"`
	VoiceProvider      string   `json:"voiceProvider,omitempty"`
	VoiceID            string   `json:"voiceId,omitempty"`
	TranscriberModel   string   `json:"transcriberModel,omitempty"`
	Language           string   `json:"language,omitempty"`
	EndCallPhrases     []string `json:"endCallPhrases,omitempty"`
	MaxDurationSeconds int      `json:"maxDurationSeconds,omitempty"`
}

// CallRequest describes an outbound call to place.
type CallRequest struct {
	To        string
	Assistant Assistant
	// StatusCallbackURL is where push-capable providers report status changes.
	StatusCallbackURL string
}

// Provider is the external calling service.
type Provider interface {
	CreateCall(ctx context.Context, req CallRequest) (string, error)
	GetCall(ctx context.Context, callID string) (Call, error)
	SendDigit(ctx context.Context, callID, digit string) error
	EndCall(ctx context.Context, callID string) error
	TransferCall(ctx context.Context, callID, destination, message string) error
}

// Error is a failed provider operation.
type Error struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError classifies an HTTP status; rate limiting and server faults are retryable.
// A zero status means the request never got a response.
func NewError(op string, status int, err error) *Error {
	return &Error{
		Op:         op,
		StatusCode: status,
		Retryable:  status == 0 || status == 429 || status >= 500,
		Err:        err,
	}
}

// IsRetryable reports whether err is a provider error worth retrying.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// ValidateNumber checks that n is an E.164 phone number.
func ValidateNumber(n string) error {
	if !e164.MatchString(n) {
		return fmt.Errorf("%w: %q", ErrInvalidNumber, n)
	}
	return nil
}

// CallEffects binds a provider to one call so the action executor can act on it.
type CallEffects struct {
	Provider        Provider
	CallID          string
	TransferMessage string
}

func (c CallEffects) SendDigit(ctx context.Context, digit string) error {
	return c.Provider.SendDigit(ctx, c.CallID, digit)
}

func (c CallEffects) EndCall(ctx context.Context) error {
	return c.Provider.EndCall(ctx, c.CallID)
}

func (c CallEffects) Transfer(ctx context.Context, number string) error {
	return c.Provider.TransferCall(ctx, c.CallID, number, c.TransferMessage)
}
