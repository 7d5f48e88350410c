package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/call-pilot/internal/agent"
	"github.com/chadiek/call-pilot/internal/config"
	"github.com/chadiek/call-pilot/internal/events"
	"github.com/chadiek/call-pilot/internal/history"
	"github.com/chadiek/call-pilot/internal/metrics"
	"github.com/chadiek/call-pilot/internal/provider"
	"github.com/chadiek/call-pilot/internal/usecase"
)

type fakeProvider struct {
	mu       sync.Mutex
	digits   []string
	requests []provider.CallRequest
}

func (f *fakeProvider) CreateCall(_ context.Context, req provider.CallRequest) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return "call-1", nil
}

func (f *fakeProvider) GetCall(_ context.Context, id string) (provider.Call, error) {
	return provider.Call{ID: id}, nil
}

func (f *fakeProvider) SendDigit(_ context.Context, _, digit string) error {
	f.mu.Lock()
	f.digits = append(f.digits, digit)
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) EndCall(context.Context, string) error                       { return nil }
func (f *fakeProvider) TransferCall(context.Context, string, string, string) error { return nil }

type manualWatcher struct {
	mu   sync.Mutex
	emit func(events.Event)
}

func (w *manualWatcher) Watch(_ context.Context, _ string, onEvent func(events.Event)) func() {
	w.mu.Lock()
	w.emit = onEvent
	w.mu.Unlock()
	return func() {}
}

func (w *manualWatcher) send(ev events.Event) {
	w.mu.Lock()
	emit := w.emit
	w.mu.Unlock()
	emit(ev)
}

type fixture struct {
	srv     *Server
	prov    *fakeProvider
	watcher *manualWatcher
	calls   usecase.CallService
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	m := metrics.New()
	f := &fixture{prov: &fakeProvider{}, watcher: &manualWatcher{}}
	f.calls = usecase.NewCallService(usecase.Options{
		Provider:  f.prov,
		Watcher:   f.watcher,
		History:   history.NewMemoryStore(),
		Assistant: config.DefaultAssistant(),
		Metrics:   m,
		Logger:    l,
	})
	t.Cleanup(f.calls.Shutdown)
	f.srv = New(cfg, f.calls, m, l)
	return f
}

func (f *fixture) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, r)
	return w
}

func twilioSignature(token, fullURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	payload := fullURL
	for _, k := range keys {
		payload += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (f *fixture) startCall(t *testing.T) {
	t.Helper()
	w := f.do(http.MethodPost, "/calls", `{"to":"+15551234567","goal":"check my balance"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestServer_Healthz(t *testing.T) {
	f := newFixture(t, Config{})
	w := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, Config{})
	f.startCall(t)
	w := f.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `callpilot_calls_started_total{result="ok"} 1`)
}

func TestAuthOK(t *testing.T) {
	assert.True(t, authOK(nil, ""), "empty expected password accepts")

	r := httptest.NewRequest(http.MethodGet, "/?password=secret", nil)
	assert.True(t, authOK(r, "secret"))
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "tok")
	assert.True(t, authOK(r2, "tok"))
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "bearer abc")
	assert.True(t, authOK(r3, "abc"))

	for _, r := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/?password=wrong", nil),
		httptest.NewRequest(http.MethodGet, "/", nil),
		nil,
	} {
		assert.False(t, authOK(r, "secret"))
	}
	r4 := httptest.NewRequest(http.MethodGet, "/", nil)
	r4.Header.Set("Authorization", "Bearer nope")
	assert.False(t, authOK(r4, "secret"))
}

func TestCalls_Unauthorized(t *testing.T) {
	f := newFixture(t, Config{AuthPassword: "secret"})
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/calls", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/calls?password=wrong", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/calls", "", map[string]string{"X-Auth-Token": "secret"}).Code)
	// webhooks and health stay open
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "", nil).Code)
}

func TestStartCall(t *testing.T) {
	f := newFixture(t, Config{})
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/calls", "not-json", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/calls", `{"to":"555","goal":"x"}`, nil).Code)

	w := f.do(http.MethodPost, "/calls", `{"to":"+15551234567","goal":"check my balance"}`, map[string]string{
		"X-Forwarded-Proto": "https", "X-Forwarded-Host": "pilot.example.com",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var snap usecase.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "call-1", snap.CallID)
	assert.True(t, snap.Live)
	require.Len(t, f.prov.requests, 1)
	assert.Equal(t, "https://pilot.example.com/webhooks/vapi", f.prov.requests[0].StatusCallbackURL)
}

func TestGetAndListCalls(t *testing.T) {
	f := newFixture(t, Config{})
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/calls/nope", "", nil).Code)

	w := f.do(http.MethodGet, "/calls", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/calls?limit=-1", "", nil).Code)

	f.startCall(t)
	f.watcher.send(events.CallEnded{Call: provider.Call{ID: "call-1", Status: "ended", Transcript: "AI: Bye."}})
	w = f.do(http.MethodGet, "/calls", "", nil)
	var records []history.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "call-1", records[0].CallID)

	w = f.do(http.MethodGet, "/calls/call-1", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestActions(t *testing.T) {
	f := newFixture(t, Config{})
	f.startCall(t)

	w := f.do(http.MethodPost, "/calls/call-1/actions", `{"fragment":"For sales, press 3."}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Decision agent.Decision `json:"decision"`
		Result   struct {
			Executed bool   `json:"executed"`
			Detail   string `json:"detail"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, agent.ActionDTMF, resp.Decision.Action)
	assert.True(t, resp.Result.Executed)
	assert.Equal(t, []string{"3"}, f.prov.digits)

	w = f.do(http.MethodPost, "/calls/call-1/actions", `{"action":"dtmf","digit":"x"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Result.Executed)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/calls/nope/actions", `{"action":"end"}`, nil).Code)
}

func TestActions_FragmentWithoutPrompt(t *testing.T) {
	f := newFixture(t, Config{})
	f.startCall(t)

	w := f.do(http.MethodPost, "/calls/call-1/actions", `{"fragment":"Thanks for calling."}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"action":"wait"`)
	assert.Empty(t, f.prov.digits)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/calls/nope/actions", `{"fragment":"Thanks for calling."}`, nil).Code)

	require.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/calls/call-1", "", nil).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/calls/call-1/actions", `{"fragment":"Thanks for calling."}`, nil).Code)
}

func TestTurns(t *testing.T) {
	f := newFixture(t, Config{})
	f.startCall(t)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/calls/call-1/turns", `{"heard":"  "}`, nil).Code)

	w := f.do(http.MethodPost, "/calls/call-1/turns", `{"heard":"Please hold."}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"action":"wait"`)
}

func TestCancelThenActConflicts(t *testing.T) {
	f := newFixture(t, Config{})
	f.startCall(t)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/calls/call-1", "", nil).Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/calls/call-1", "", nil).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/calls/call-1/actions", `{"action":"end"}`, nil).Code)
}

func TestVapiWebhook(t *testing.T) {
	f := newFixture(t, Config{WebhookSecret: "hook"})
	f.startCall(t)

	body := `{"message":{"type":"transcript","role":"user","transcript":"Hello?","transcriptType":"final","call":{"id":"call-1"}}}`
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/webhooks/vapi", body, nil).Code)

	w := f.do(http.MethodPost, "/webhooks/vapi", body, map[string]string{"X-Vapi-Secret": "hook"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	unknown := `{"message":{"type":"status-update","status":"ringing","call":{"id":"other"}}}`
	w = f.do(http.MethodPost, "/webhooks/vapi", unknown, map[string]string{"X-Vapi-Secret": "hook"})
	assert.JSONEq(t, `{"status":"ignored"}`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/webhooks/vapi", "{", map[string]string{"X-Vapi-Secret": "hook"}).Code)

	snap, err := f.calls.Get(context.Background(), "call-1")
	require.NoError(t, err)
	require.Len(t, snap.Events, 2)
	assert.Equal(t, events.KindTranscript, snap.Events[1].Type)
}

func TestTwilioStatus(t *testing.T) {
	f := newFixture(t, Config{TwilioAuthToken: "tok", CallbackPath: "/twilio/status"})
	f.startCall(t)

	form := url.Values{"CallSid": {"call-1"}, "CallStatus": {"in-progress"}}
	params := map[string]string{"CallSid": "call-1", "CallStatus": "in-progress"}
	r := httptest.NewRequest(http.MethodPost, "/twilio/status", strings.NewReader(form.Encode()))
	r.Host = "localhost:8080"
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("X-Twilio-Signature", twilioSignature("tok", "http://localhost:8080/twilio/status", params))
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, r)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	snap, err := f.calls.Get(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, "in-progress", snap.Status)

	r = httptest.NewRequest(http.MethodPost, "/twilio/status", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	f.srv.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, Config{})
	f.startCall(t)
	f.watcher.send(events.StatusChanged{Status: "ringing"})

	ts := httptest.NewServer(f.srv)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/calls/call-1/events"

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/calls/nope/events", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() events.Envelope {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var env events.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		return env
	}
	assert.Equal(t, events.KindCallStarted, read().Type)
	assert.Equal(t, events.StatusChanged{Status: "ringing"}, read().Data)

	f.watcher.send(events.CallEnded{Call: provider.Call{ID: "call-1", Status: "ended"}})
	last := read()
	assert.Equal(t, 3, last.Seq)
	assert.Equal(t, events.KindCallEnded, last.Type)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
