package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/call-pilot/internal/agent"
)

func TestCerebras_NoKey(t *testing.T) {
	c := NewCerebrasClient("", "model")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Generate(ctx, "hi")
	assert.Error(t, err)
	_, err = c.Decide(ctx, "hi")
	assert.Error(t, err)
}

func TestCerebras_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("not-json")) }},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := NewCerebrasClient("key", "model")
			c.Endpoint = srv.URL
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := c.Generate(ctx, "hi")
			assert.Error(t, err)
		})
	}
}

func TestCerebras_Decide(t *testing.T) {
	var got chatCompletionsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(chatCompletionsResponse{Choices: []chatChoice{{
			Message: chatMessage{Role: "assistant", Content: `{"heard":"menu","action":"DTMF","digit":"2","confidence":"High"}`},
		}}})
	}))
	defer srv.Close()

	c := NewCerebrasClient("key", "model-x")
	c.Endpoint = srv.URL
	d, err := c.Decide(context.Background(), "[GOAL] billing\n[OTHER] for billing press two")
	require.NoError(t, err)
	assert.Equal(t, agent.Decision{Heard: "menu", Action: agent.ActionDTMF, Digit: "2", Confidence: agent.ConfidenceHigh}, d)

	assert.Equal(t, "model-x", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, "[OTHER] for billing press two")
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestCerebras_Summarize(t *testing.T) {
	var got chatCompletionsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(chatCompletionsResponse{Choices: []chatChoice{{
			Message: chatMessage{Role: "assistant", Content: "  Balance is $42, no follow-up needed.\n"},
		}}})
	}))
	defer srv.Close()

	c := NewCerebrasClient("key", "model")
	c.Endpoint = srv.URL
	out, err := c.Summarize(context.Background(), "check my balance", "agent: Hi.\nother: Your balance is 42 dollars.")
	require.NoError(t, err)
	assert.Equal(t, "Balance is $42, no follow-up needed.", out)

	require.Len(t, got.Messages, 2)
	assert.Contains(t, got.Messages[1].Content, "Goal: check my balance")
	assert.Contains(t, got.Messages[1].Content, "other: Your balance is 42 dollars.")
	assert.Nil(t, got.ResponseFormat)
}

func TestCerebras_SummarizeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewCerebrasClient("key", "model")
	c.Endpoint = srv.URL
	_, err := c.Summarize(context.Background(), "goal", "agent: Hi.")
	assert.ErrorContains(t, err, "summarize call")
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("```json\n{\"heard\":\"hold music\",\"action\":\"wait\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, agent.ActionWait, d.Action)
	assert.Equal(t, agent.ConfidenceLow, d.Confidence)

	_, err = ParseDecision("I think you should press 1")
	assert.Error(t, err)

	_, err = ParseDecision(`{"action": }`)
	assert.Error(t, err)
}
