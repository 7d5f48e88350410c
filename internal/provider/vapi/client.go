package vapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chadiek/call-pilot/internal/provider"
)

const DefaultBaseURL = "https://api.vapi.ai"

// Client is a provider.Provider backed by the Vapi REST API. Live control
// (keypad, hang up, transfer) goes through the per-call control URL.
type Client struct {
	HTTPClient    *http.Client
	BaseURL       string
	APIKey        string
	PhoneNumberID string

	// call id -> control URL
	controls sync.Map
}

var _ provider.Provider = (*Client)(nil)

func New(baseURL, apiKey, phoneNumberID string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		HTTPClient:    &http.Client{Timeout: 15 * time.Second},
		BaseURL:       strings.TrimRight(baseURL, "/"),
		APIKey:        apiKey,
		PhoneNumberID: phoneNumberID,
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type assistantBody struct {
	Name         string `json:"name,omitempty"`
	FirstMessage string `json:"firstMessage,omitempty"`
	Model        struct {
		Provider string    `json:"provider,omitempty"`
		Model    string    `json:"model,omitempty"`
		Messages []message `json:"messages,omitempty"`
	} `json:"model"`
	Voice *struct {
		Provider string `json:"provider"`
		VoiceID  string `json:"voiceId"`
	} `json:"voice,omitempty"`
	Transcriber *struct {
		Provider string `json:"provider"`
		Model    string `json:"model,omitempty"`
		Language string `json:"language,omitempty"`
	} `json:"transcriber,omitempty"`
	EndCallPhrases     []string `json:"endCallPhrases,omitempty"`
	MaxDurationSeconds int      `json:"maxDurationSeconds,omitempty"`
	ServerURL          string   `json:"serverUrl,omitempty"`
}

type createCallBody struct {
	PhoneNumberID string `json:"phoneNumberId,omitempty"`
	Customer      struct {
		Number string `json:"number"`
	} `json:"customer"`
	Assistant assistantBody `json:"assistant"`
}

type callResource struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	EndedReason string     `json:"endedReason"`
	StartedAt   *time.Time `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt"`
	Cost        float64    `json:"cost"`
	Transcript  string     `json:"transcript"`
	Summary     string     `json:"summary"`
	Artifact    struct {
		Transcript string `json:"transcript"`
	} `json:"artifact"`
	Analysis struct {
		Summary string `json:"summary"`
	} `json:"analysis"`
	Monitor struct {
		ControlURL string `json:"controlUrl"`
		ListenURL  string `json:"listenUrl"`
	} `json:"monitor"`
}

func (r callResource) toCall() provider.Call {
	c := provider.Call{
		ID:          r.ID,
		Status:      r.Status,
		Transcript:  r.Artifact.Transcript,
		Summary:     r.Analysis.Summary,
		EndedReason: r.EndedReason,
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
		Cost:        r.Cost,
	}
	if c.Transcript == "" {
		c.Transcript = r.Transcript
	}
	if c.Summary == "" {
		c.Summary = r.Summary
	}
	return c
}

func buildAssistant(a provider.Assistant, serverURL string) assistantBody {
	var b assistantBody
	b.Name = a.Name
	b.FirstMessage = a.FirstMessage
	b.Model.Provider = a.ModelProvider
	b.Model.Model = a.Model
	if a.SystemPrompt != "" {
		b.Model.Messages = []message{{Role: "system", Content: a.SystemPrompt}}
	}
	if a.VoiceID != "" {
		b.Voice = &struct {
			Provider string `json:"provider"`
			VoiceID  string `json:"voiceId"`
		}{Provider: a.VoiceProvider, VoiceID: a.VoiceID}
	}
	if a.TranscriberModel != "" {
		b.Transcriber = &struct {
			Provider string `json:"provider"`
			Model    string `json:"model,omitempty"`
			Language string `json:"language,omitempty"`
		}{Provider: "deepgram", Model: a.TranscriberModel, Language: a.Language}
	}
	b.EndCallPhrases = a.EndCallPhrases
	b.MaxDurationSeconds = a.MaxDurationSeconds
	b.ServerURL = serverURL
	return b
}

func (c *Client) CreateCall(ctx context.Context, req provider.CallRequest) (string, error) {
	if err := provider.ValidateNumber(req.To); err != nil {
		return "", err
	}
	var body createCallBody
	body.PhoneNumberID = c.PhoneNumberID
	body.Customer.Number = req.To
	body.Assistant = buildAssistant(req.Assistant, req.StatusCallbackURL)

	var out callResource
	if err := c.do(ctx, "create call", http.MethodPost, c.BaseURL+"/call", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", provider.NewError("create call", http.StatusOK, errors.New("response has no call id"))
	}
	c.remember(out)
	return out.ID, nil
}

func (c *Client) GetCall(ctx context.Context, callID string) (provider.Call, error) {
	var out callResource
	if err := c.do(ctx, "get call", http.MethodGet, c.BaseURL+"/call/"+callID, nil, &out); err != nil {
		return provider.Call{}, err
	}
	c.remember(out)
	call := out.toCall()
	if call.ID == "" {
		call.ID = callID
	}
	return call, nil
}

func (c *Client) SendDigit(ctx context.Context, callID, digit string) error {
	return c.control(ctx, "send digit", callID, map[string]any{"type": "dtmf", "digit": digit})
}

func (c *Client) EndCall(ctx context.Context, callID string) error {
	return c.control(ctx, "end call", callID, map[string]any{"type": "end-call"})
}

func (c *Client) TransferCall(ctx context.Context, callID, destination, msg string) error {
	if err := provider.ValidateNumber(destination); err != nil {
		return err
	}
	body := map[string]any{
		"type":        "transfer",
		"destination": map[string]string{"type": "number", "number": destination},
	}
	if msg != "" {
		body["content"] = msg
	}
	return c.control(ctx, "transfer call", callID, body)
}

func (c *Client) remember(r callResource) {
	if r.ID != "" && r.Monitor.ControlURL != "" {
		c.controls.Store(r.ID, r.Monitor.ControlURL)
	}
}

func (c *Client) controlURL(ctx context.Context, callID string) (string, error) {
	if v, ok := c.controls.Load(callID); ok {
		return v.(string), nil
	}
	if _, err := c.GetCall(ctx, callID); err != nil {
		return "", err
	}
	if v, ok := c.controls.Load(callID); ok {
		return v.(string), nil
	}
	return "", provider.NewError("control", http.StatusConflict, fmt.Errorf("call %s has no control url", callID))
}

func (c *Client) control(ctx context.Context, op, callID string, body any) error {
	u, err := c.controlURL(ctx, callID)
	if err != nil {
		return err
	}
	return c.do(ctx, op, http.MethodPost, u, body, nil)
}

func (c *Client) do(ctx context.Context, op, method, url string, in, out any) error {
	if c.APIKey == "" {
		return provider.NewError(op, http.StatusUnauthorized, errors.New("vapi api key missing"))
	}
	var rdr io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return provider.NewError(op, 0, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return provider.NewError(op, 0, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return provider.NewError(op, 0, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return provider.NewError(op, resp.StatusCode, fmt.Errorf("vapi: %s", strings.TrimSpace(string(b))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.NewError(op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
