package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/chadiek/call-pilot/internal/agent"
	"github.com/chadiek/call-pilot/internal/config"
	"github.com/chadiek/call-pilot/internal/events"
	"github.com/chadiek/call-pilot/internal/history"
	"github.com/chadiek/call-pilot/internal/metrics"
	"github.com/chadiek/call-pilot/internal/provider"
	"github.com/chadiek/call-pilot/internal/transcript"
)

var (
	// ErrNotFound means the call is neither live nor in history.
	ErrNotFound = errors.New("call not found")
	// ErrCallEnded is returned for live-control requests against a finished call.
	ErrCallEnded = errors.New("call already ended")
	// ErrInvalidRequest wraps input validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)

// CallService defines the call operations used by the HTTP layer.
type CallService interface {
	Start(ctx context.Context, req StartRequest) (Snapshot, error)
	Get(ctx context.Context, callID string) (Snapshot, error)
	List(ctx context.Context, limit int) ([]history.Record, error)
	Subscribe(callID string) (*Subscription, error)
	Ingest(callID string, evs []events.Event) error
	Act(ctx context.Context, callID string, d agent.Decision) (agent.Result, error)
	Turn(ctx context.Context, callID, heard string) (agent.Decision, agent.Result, error)
	Cancel(callID string) error
	BuildAbsoluteURL(c echo.Context, path string) string
	Shutdown()
}

// Summarizer writes a short summary of a finished call.
type Summarizer interface {
	Summarize(ctx context.Context, goal, transcript string) (string, error)
}

// Watcher starts background polling of one call.
type Watcher interface {
	Watch(ctx context.Context, callID string, onEvent func(events.Event)) (cancel func())
}

type StartRequest struct {
	To             string `json:"to"`
	Goal           string `json:"goal"`
	CustomerNumber string `json:"customerNumber,omitempty"`
	// CallbackURL is where the provider should push status updates.
	CallbackURL string `json:"-"`
}

// Snapshot is the externally visible state of a call.
type Snapshot struct {
	CallID         string            `json:"callId"`
	To             string            `json:"to"`
	Goal           string            `json:"goal"`
	CustomerNumber string            `json:"customerNumber,omitempty"`
	Status         string            `json:"status"`
	Live           bool              `json:"live"`
	StartedAt      time.Time         `json:"startedAt"`
	Events         []events.Envelope `json:"events,omitempty"`
	Record         *history.Record   `json:"record,omitempty"`
}

type Options struct {
	Provider  provider.Provider
	Watcher   Watcher
	History   history.Store
	Decider   agent.Decider
	Assistant config.Assistant
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
	// Summarizer fills in the summary of calls the provider did not summarize.
	Summarizer Summarizer
	// PublicBaseURL overrides callback URL discovery from request headers.
	PublicBaseURL string
	// Retention keeps finished sessions readable in memory for late subscribers.
	Retention time.Duration
	// TransferMessage is spoken before a transfer.
	TransferMessage string
}

type callService struct {
	opts Options
	log  *logrus.Logger

	// watchCtx parents every watch so Shutdown can stop them all.
	watchCtx  context.Context
	stopWatch context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*session
}

func NewCallService(opts Options) CallService {
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.TransferMessage == "" {
		opts.TransferMessage = "Please hold while I connect you."
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &callService{
		opts:      opts,
		log:       opts.Logger,
		watchCtx:  ctx,
		stopWatch: cancel,
		sessions:  make(map[string]*session),
	}
}

func (s *callService) Start(ctx context.Context, req StartRequest) (Snapshot, error) {
	req.To = strings.TrimSpace(req.To)
	req.Goal = strings.TrimSpace(req.Goal)
	req.CustomerNumber = strings.TrimSpace(req.CustomerNumber)
	if req.Goal == "" {
		return Snapshot{}, fmt.Errorf("%w: goal is required", ErrInvalidRequest)
	}
	if err := provider.ValidateNumber(req.To); err != nil {
		return Snapshot{}, fmt.Errorf("%w: to: %v", ErrInvalidRequest, err)
	}
	if req.CustomerNumber != "" {
		if err := provider.ValidateNumber(req.CustomerNumber); err != nil {
			return Snapshot{}, fmt.Errorf("%w: customerNumber: %v", ErrInvalidRequest, err)
		}
	}

	callID, err := s.opts.Provider.CreateCall(ctx, provider.CallRequest{
		To:                req.To,
		Assistant:         s.opts.Assistant.ForCall(req.Goal, req.CustomerNumber),
		StatusCallbackURL: req.CallbackURL,
	})
	if err != nil {
		s.opts.Metrics.CallsStarted.WithLabelValues("error").Inc()
		s.log.WithError(err).WithField("to", req.To).Error("create call failed")
		return Snapshot{}, err
	}
	s.opts.Metrics.CallsStarted.WithLabelValues("ok").Inc()
	s.opts.Metrics.ActiveCalls.Inc()

	log := s.log.WithField("call_id", callID)
	fx := provider.CallEffects{Provider: s.opts.Provider, CallID: callID, TransferMessage: s.opts.TransferMessage}
	sess := &session{
		id:             callID,
		to:             req.To,
		goal:           req.Goal,
		customerNumber: req.CustomerNumber,
		startedAt:      time.Now().UTC(),
		status:         "created",
		subs:           make(map[int]chan events.Envelope),
		effects:        fx,
		pilot:          agent.NewPilot(req.Goal, req.CustomerNumber, s.opts.Decider, fx, log),
		onEnd:          s.finish,
	}

	s.mu.Lock()
	s.sessions[callID] = sess
	s.mu.Unlock()

	sess.append(events.CallStarted{})
	cancel := s.opts.Watcher.Watch(s.watchCtx, callID, sess.append)
	sess.setCancel(cancel)

	log.WithFields(logrus.Fields{"to": req.To, "goal": req.Goal}).Info("call started")
	return sess.snapshot(), nil
}

func (s *callService) lookup(callID string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[callID]
	return sess, ok
}

func (s *callService) Get(ctx context.Context, callID string) (Snapshot, error) {
	if sess, ok := s.lookup(callID); ok {
		return sess.snapshot(), nil
	}
	r, err := s.opts.History.Get(ctx, callID)
	if errors.Is(err, history.ErrNotFound) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		CallID:         r.CallID,
		To:             r.To,
		Goal:           r.Goal,
		CustomerNumber: r.CustomerNumber,
		Status:         r.Status,
		StartedAt:      r.StartedAt,
		Record:         &r,
	}, nil
}

func (s *callService) List(ctx context.Context, limit int) ([]history.Record, error) {
	return s.opts.History.List(ctx, limit)
}

func (s *callService) Subscribe(callID string) (*Subscription, error) {
	sess, ok := s.lookup(callID)
	if !ok {
		return nil, ErrNotFound
	}
	return sess.subscribe(), nil
}

// Ingest appends pushed provider events. Only the poller decides that a call is
// over, so a pushed CallEnded is recorded as a status hint.
func (s *callService) Ingest(callID string, evs []events.Event) error {
	sess, ok := s.lookup(callID)
	if !ok {
		return ErrNotFound
	}
	for _, ev := range evs {
		if _, ended := ev.(events.CallEnded); ended {
			ev = events.StatusChanged{Status: provider.StatusEnded}
		}
		sess.append(ev)
	}
	return nil
}

func (s *callService) Act(ctx context.Context, callID string, d agent.Decision) (agent.Result, error) {
	sess, err := s.live(callID)
	if err != nil {
		return agent.Result{}, err
	}
	res := agent.Execute(ctx, d, sess.effects, sess.customerNumber)
	s.record(sess, d, res)
	return res, nil
}

func (s *callService) Turn(ctx context.Context, callID, heard string) (agent.Decision, agent.Result, error) {
	sess, err := s.live(callID)
	if err != nil {
		return agent.Decision{}, agent.Result{}, err
	}
	d, res := sess.pilot.Turn(ctx, heard)
	s.record(sess, d, res)
	return d, res, nil
}

func (s *callService) live(callID string) (*session, error) {
	sess, ok := s.lookup(callID)
	if !ok {
		return nil, ErrNotFound
	}
	if sess.isDone() {
		return nil, ErrCallEnded
	}
	return sess, nil
}

// record counts an executed action and shows it on the call's event stream.
func (s *callService) record(sess *session, d agent.Decision, res agent.Result) {
	s.opts.Metrics.ActionsExecuted.WithLabelValues(string(res.Action), fmt.Sprint(res.Executed)).Inc()
	if !res.Executed {
		return
	}
	args, err := json.Marshal(d)
	if err != nil {
		return
	}
	sess.append(events.ToolInvoked{Name: string(res.Action), Arguments: args})
}

func (s *callService) Cancel(callID string) error {
	sess, ok := s.lookup(callID)
	if !ok {
		return ErrNotFound
	}
	if sess.stop() {
		s.opts.Metrics.ActiveCalls.Dec()
		s.log.WithField("call_id", callID).Info("stopped watching call")
		s.evictLater(callID)
	}
	return nil
}

// finish runs once per session when its CallEnded was delivered.
func (s *callService) finish(sess *session, ended events.CallEnded) {
	s.opts.Metrics.ActiveCalls.Dec()
	rec := sess.record(ended)
	log := s.log.WithField("call_id", sess.id)
	s.summarize(&rec, log)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.opts.History.Save(ctx, rec); err != nil {
		s.opts.Metrics.HistoryWrites.WithLabelValues("error").Inc()
		log.WithError(err).Error("failed to persist call history")
	} else {
		s.opts.Metrics.HistoryWrites.WithLabelValues("ok").Inc()
		log.WithFields(logrus.Fields{
			"status":           rec.Status,
			"transcript_lines": len(rec.Transcript),
			"abandoned":        rec.Abandoned,
		}).Info("call history saved")
	}
	s.evictLater(sess.id)
}

func (s *callService) summarize(rec *history.Record, log *logrus.Entry) {
	if s.opts.Summarizer == nil || strings.TrimSpace(rec.Summary) != "" || len(rec.Transcript) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	summary, err := s.opts.Summarizer.Summarize(ctx, rec.Goal, transcript.Text(rec.Transcript))
	if err != nil {
		log.WithError(err).Warn("call summary failed")
		return
	}
	rec.Summary = strings.TrimSpace(summary)
}

func (s *callService) evictLater(callID string) {
	time.AfterFunc(s.opts.Retention, func() {
		s.mu.Lock()
		delete(s.sessions, callID)
		s.mu.Unlock()
	})
}

// Shutdown stops every watch. Calls in progress keep running at the provider.
func (s *callService) Shutdown() {
	s.stopWatch()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.stop() {
			s.opts.Metrics.ActiveCalls.Dec()
		}
	}
}

// BuildAbsoluteURL builds a public absolute URL for provider callbacks.
// Priority: PublicBaseURL > X-Forwarded-* headers > request Host heuristic.
func (s *callService) BuildAbsoluteURL(c echo.Context, path string) string {
	baseURL := strings.TrimRight(s.opts.PublicBaseURL, "/")
	if baseURL == "" {
		proto := c.Request().Header.Get("X-Forwarded-Proto")
		host := c.Request().Header.Get("X-Forwarded-Host")
		if proto != "" && host != "" {
			baseURL = fmt.Sprintf("%s://%s", proto, host)
		}
	}
	if baseURL == "" {
		host := c.Request().Host
		proto := "https"
		if strings.HasPrefix(host, "localhost:") || strings.HasPrefix(host, "127.0.0.1:") {
			proto = "http"
		}
		baseURL = fmt.Sprintf("%s://%s", proto, host)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return baseURL + path
}

func transcriptFromEvents(log []events.Envelope) []transcript.Line {
	var lines []transcript.Line
	for _, env := range log {
		t, ok := env.Data.(events.Transcript)
		if !ok || t.Speaker == transcript.SpeakerSystem {
			continue
		}
		lines = append(lines, transcript.Line{Index: len(lines), Speaker: t.Speaker, Text: t.Text})
	}
	return lines
}
