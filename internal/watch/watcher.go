package watch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/chadiek/call-pilot/internal/events"
	"github.com/chadiek/call-pilot/internal/metrics"
	"github.com/chadiek/call-pilot/internal/provider"
	"github.com/chadiek/call-pilot/internal/transcript"
)

// Fetcher reads the current state of a call from the provider.
type Fetcher interface {
	GetCall(ctx context.Context, callID string) (provider.Call, error)
}

type Config struct {
	// InitialDelay gives the provider time to set the call up before the first poll.
	InitialDelay time.Duration
	Interval     time.Duration
	MaxInterval  time.Duration
	// MaxConsecutiveErrors failed polls in a row stop regular polling.
	MaxConsecutiveErrors int
	// FinalCheckDelay is the wait before the single last poll after giving up.
	FinalCheckDelay time.Duration
	FetchTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialDelay:         2 * time.Second,
		Interval:             2 * time.Second,
		MaxInterval:          30 * time.Second,
		MaxConsecutiveErrors: 5,
		FinalCheckDelay:      10 * time.Second,
		FetchTimeout:         10 * time.Second,
	}
}

// Watcher polls calls until they end and turns what it sees into canonical events.
type Watcher struct {
	cfg     Config
	fetcher Fetcher
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func New(f Fetcher, cfg Config, logger *logrus.Logger, m *metrics.Metrics) *Watcher {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.MaxInterval < cfg.Interval {
		cfg.MaxInterval = cfg.Interval
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = d.FetchTimeout
	}
	return &Watcher{cfg: cfg, fetcher: f, logger: logger, metrics: m}
}

// Watch polls callID in the background and passes every event to onEvent from a single
// goroutine. Unless cancelled, the last event is always exactly one CallEnded.
// The returned cancel stops all further polling and emission; it is safe to call any
// number of times, including after the call has ended. Once cancel returns no more
// events are delivered. onEvent must not call cancel.
func (w *Watcher) Watch(ctx context.Context, callID string, onEvent func(events.Event)) (cancel func()) {
	ctx, stop := context.WithCancel(ctx)
	x := &watch{
		w:       w,
		callID:  callID,
		onEvent: onEvent,
		ctx:     ctx,
		log:     w.logger.WithField("call_id", callID),
		delay:   w.cfg.Interval,
		retry:   newBackOff(w.cfg),
		last:    provider.Call{ID: callID},
	}
	go x.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			// waits for an event being delivered right now
			x.emitMu.Lock()
			x.stopped.Store(true)
			x.emitMu.Unlock()
			stop()
		})
	}
}

// watch is the state of one Watch call. Everything except the atomics and emitMu
// is touched only by the run goroutine.
type watch struct {
	w       *Watcher
	callID  string
	onEvent func(events.Event)
	ctx     context.Context
	log     *logrus.Entry

	emitMu       sync.Mutex
	stopped      atomic.Bool
	terminalDone atomic.Bool

	lastStatus string
	errors     int
	delay      time.Duration
	retry      *backoff.ExponentialBackOff
	last       provider.Call
}

func (x *watch) run() {
	timer := time.NewTimer(x.w.cfg.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-x.ctx.Done():
			return
		case <-timer.C:
		}
		next, done := x.tick()
		if done {
			return
		}
		timer.Reset(next)
	}
}

// tick performs one poll and returns the delay before the next one.
func (x *watch) tick() (time.Duration, bool) {
	call, err := x.fetch()
	if x.stopped.Load() {
		// cancelled while the fetch was in flight; drop the result
		return 0, true
	}
	if err != nil {
		return x.fail(err)
	}
	x.recovered()
	return x.delay, x.observe(call)
}

func (x *watch) recovered() {
	x.errors = 0
	x.delay = x.w.cfg.Interval
	x.retry.Reset()
}

func (x *watch) fetch() (provider.Call, error) {
	// in-flight fetches are not aborted by cancel
	ctx, cancel := context.WithTimeout(context.WithoutCancel(x.ctx), x.w.cfg.FetchTimeout)
	defer cancel()
	start := time.Now()
	call, err := x.w.fetcher.GetCall(ctx, x.callID)
	x.w.metrics.FetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		x.w.metrics.PollsTotal.WithLabelValues("error").Inc()
	} else {
		x.w.metrics.PollsTotal.WithLabelValues("ok").Inc()
	}
	return call, err
}

func (x *watch) fail(err error) (time.Duration, bool) {
	x.errors++
	x.delay = x.retry.NextBackOff()
	x.log.WithError(err).WithFields(logrus.Fields{
		"consecutive_errors": x.errors,
		"next_poll":          x.delay,
		"retryable":          provider.IsRetryable(err),
	}).Warn("call poll failed")

	if x.errors < x.w.cfg.MaxConsecutiveErrors {
		return x.delay, false
	}

	x.emit(events.Error{Message: fmt.Sprintf("lost contact with provider after %d attempts: %v", x.errors, err)})
	return x.finalCheck()
}

// finalCheck is the one delayed poll made after regular polling gave up, so a call
// that ended during the outage still gets its transcript and CallEnded.
// If the provider answers and the call is still live, regular polling resumes
// with a fresh error budget instead of giving up on a call that is still running.
func (x *watch) finalCheck() (time.Duration, bool) {
	x.log.WithField("delay", x.w.cfg.FinalCheckDelay).Warn("polling stopped, scheduling final check")
	t := time.NewTimer(x.w.cfg.FinalCheckDelay)
	defer t.Stop()
	select {
	case <-x.ctx.Done():
		return 0, true
	case <-t.C:
	}

	call, err := x.fetch()
	if x.stopped.Load() {
		return 0, true
	}
	if err != nil {
		x.log.WithError(err).Error("final call check failed, abandoning call")
		x.emit(events.Error{Message: fmt.Sprintf("final status check failed: %v", err)})
		x.finish(x.last, true)
		return 0, true
	}

	x.log.Info("provider reachable again, resuming polling")
	x.recovered()
	return x.delay, x.observe(call)
}

// observe handles a successful poll and reports whether the call is over.
func (x *watch) observe(call provider.Call) bool {
	if call.ID == "" {
		call.ID = x.callID
	}
	x.last = call
	if call.Status != x.lastStatus {
		x.log.WithFields(logrus.Fields{"from": x.lastStatus, "to": call.Status}).Info("call status changed")
		x.lastStatus = call.Status
		x.emit(events.StatusChanged{Status: call.Status})
	}
	if !call.Terminal() {
		return false
	}
	x.finish(call, false)
	return true
}

// finish emits the terminal batch at most once: transcript lines in order, the
// summary, then CallEnded.
func (x *watch) finish(call provider.Call, abandoned bool) {
	if !x.terminalDone.CompareAndSwap(false, true) {
		return
	}
	lines := 0
	for l := range transcript.Parse(call.Transcript) {
		x.emit(events.FromLine(l))
		lines++
	}
	if s := strings.TrimSpace(call.Summary); s != "" {
		x.emit(events.Transcript{Speaker: transcript.SpeakerSystem, Text: s, Role: "system"})
	}
	x.emit(events.CallEnded{Call: call, Abandoned: abandoned})
	x.log.WithFields(logrus.Fields{
		"status":           call.Status,
		"transcript_lines": lines,
		"abandoned":        abandoned,
	}).Info("call finished")
}

func (x *watch) emit(ev events.Event) {
	x.emitMu.Lock()
	defer x.emitMu.Unlock()
	if x.stopped.Load() {
		return
	}
	x.w.metrics.EventsEmitted.WithLabelValues(string(ev.Kind())).Inc()
	x.onEvent(ev)
}

// newBackOff yields Interval*2^n after the n-th consecutive error, capped at
// MaxInterval, without jitter and without an elapsed-time limit.
func newBackOff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * cfg.Interval
	if b.InitialInterval > cfg.MaxInterval {
		b.InitialInterval = cfg.MaxInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
