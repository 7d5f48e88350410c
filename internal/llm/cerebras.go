package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chadiek/call-pilot/internal/agent"
)

const defaultEndpoint = "https://api.cerebras.ai/v1/chat/completions"

// CerebrasClient talks to an OpenAI-compatible chat completions endpoint.
type CerebrasClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	Endpoint   string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionsRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

func NewCerebrasClient(apiKey, model string) *CerebrasClient {
	return &CerebrasClient{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		Endpoint:   defaultEndpoint,
	}
}

// Generate returns a short free-text answer to prompt.
func (c *CerebrasClient) Generate(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, chatCompletionsRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You write brief, factual notes about phone calls. Answer clearly and briefly."},
			{Role: "user", Content: prompt},
		},
	})
}

const summaryPrompt = `Summarize this phone call in at most two sentences for the customer who asked for it.
Say whether the goal was reached and note any reference numbers, amounts or follow-ups.

Goal: %s

Transcript:
%s`

// Summarize writes a short summary of a finished call from its transcript.
func (c *CerebrasClient) Summarize(ctx context.Context, goal, transcript string) (string, error) {
	out, err := c.Generate(ctx, fmt.Sprintf(summaryPrompt, goal, transcript))
	if err != nil {
		return "", fmt.Errorf("cerebras: summarize call: %w", err)
	}
	return out, nil
}

const decidePrompt = `You control an outbound phone call on behalf of a customer.
You get the call goal and the conversation so far; [OTHER] is the party you called, [AGENT] is you.
Choose exactly one action for the last [OTHER] line and reply with a single JSON object:
{"heard": "<short paraphrase of the last line>", "action": "dtmf|speak|wait|end|transfer",
 "digit": "<0-9, * or # when action is dtmf>", "speech": "<what to say when action is speak>",
 "confidence": "high|medium|low"}
Press keys to navigate menus, wait while on hold or while a message is still playing,
transfer only when a human can help and the customer asked for it, and end once the goal is met.`

// Decide asks the model for the next call action. It implements agent.Decider.
func (c *CerebrasClient) Decide(ctx context.Context, prompt string) (agent.Decision, error) {
	temp := 0.0
	out, err := c.complete(ctx, chatCompletionsRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: decidePrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:    &temp,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return agent.Decision{}, err
	}
	return ParseDecision(out)
}

// ParseDecision extracts a decision from model output, tolerating code fences and prose
// around the JSON object. The decision is not validated; the executor does that.
func ParseDecision(s string) (agent.Decision, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return agent.Decision{}, fmt.Errorf("cerebras: no json object in response %q", s)
	}
	var d agent.Decision
	if err := json.Unmarshal([]byte(s[start:end+1]), &d); err != nil {
		return agent.Decision{}, fmt.Errorf("cerebras: decode decision: %w", err)
	}
	d.Action = agent.Action(strings.ToLower(strings.TrimSpace(string(d.Action))))
	d.Confidence = agent.Confidence(strings.ToLower(strings.TrimSpace(string(d.Confidence))))
	if d.Confidence == "" {
		d.Confidence = agent.ConfidenceLow
	}
	return d, nil
}

func (c *CerebrasClient) complete(ctx context.Context, body chatCompletionsRequest) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("cerebras api key missing")
	}
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("cerebras error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("cerebras: empty choices")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}
