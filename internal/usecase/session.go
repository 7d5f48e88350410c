package usecase

import (
	"sync"
	"time"

	"github.com/chadiek/call-pilot/internal/agent"
	"github.com/chadiek/call-pilot/internal/events"
	"github.com/chadiek/call-pilot/internal/history"
	"github.com/chadiek/call-pilot/internal/provider"
	"github.com/chadiek/call-pilot/internal/transcript"
)

const subscriberBuffer = 256

// session is one watched call. Its event log is the single source of truth for
// snapshots and subscriber backlogs.
type session struct {
	id             string
	to             string
	goal           string
	customerNumber string
	startedAt      time.Time
	effects        provider.CallEffects
	pilot          *agent.Pilot
	onEnd          func(*session, events.CallEnded)

	mu      sync.Mutex
	status  string
	log     []events.Envelope
	subs    map[int]chan events.Envelope
	nextSub int
	// done is set by CallEnded or by stop; no events are accepted afterwards.
	done    bool
	stopped bool
	cancel  func()
}

// Subscription delivers a call's events: Backlog first, then C until the call ends.
type Subscription struct {
	Backlog []events.Envelope
	C       <-chan events.Envelope
	cancel  func()
}

// Close detaches the subscriber. It is safe to call more than once.
func (s *Subscription) Close() { s.cancel() }

func (s *session) append(ev events.Event) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	env := events.Wrap(s.id, len(s.log)+1, time.Now().UTC(), ev)
	s.log = append(s.log, env)
	if sc, ok := ev.(events.StatusChanged); ok {
		s.status = sc.Status
	}
	for id, ch := range s.subs {
		select {
		case ch <- env:
		default:
			// a subscriber that cannot keep up loses its stream rather than stalling the call
			close(ch)
			delete(s.subs, id)
		}
	}
	ended, isEnd := ev.(events.CallEnded)
	if isEnd {
		s.done = true
		if ended.Call.Status != "" {
			s.status = ended.Call.Status
		}
		s.closeSubsLocked()
	}
	s.mu.Unlock()

	if isEnd && s.onEnd != nil {
		s.onEnd(s, ended)
	}
}

func (s *session) closeSubsLocked() {
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *session) subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan events.Envelope, subscriberBuffer)
	backlog := append([]events.Envelope(nil), s.log...)
	if s.done {
		close(ch)
		return &Subscription{Backlog: backlog, C: ch, cancel: func() {}}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	var once sync.Once
	return &Subscription{Backlog: backlog, C: ch, cancel: func() {
		once.Do(func() {
			s.mu.Lock()
			if c, ok := s.subs[id]; ok {
				close(c)
				delete(s.subs, id)
			}
			s.mu.Unlock()
		})
	}}
}

func (s *session) setCancel(cancel func()) {
	s.mu.Lock()
	s.cancel = cancel
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		cancel()
	}
}

// stop cancels the watch and reports whether this call stopped a live session.
func (s *session) stop() bool {
	s.mu.Lock()
	if s.stopped || s.done {
		s.stopped = true
		s.mu.Unlock()
		return false
	}
	s.stopped = true
	s.done = true
	cancel := s.cancel
	s.closeSubsLocked()
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

func (s *session) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		CallID:         s.id,
		To:             s.to,
		Goal:           s.goal,
		CustomerNumber: s.customerNumber,
		Status:         s.status,
		Live:           !s.done,
		StartedAt:      s.startedAt,
		Events:         append([]events.Envelope(nil), s.log...),
	}
}

// record builds the history entry for a finished call. The transcript is the one
// the provider reported at the end; pushed live transcript events fill in when
// it is empty.
func (s *session) record(ended events.CallEnded) history.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := ended.Call
	lines := transcript.Lines(call.Transcript)
	if len(lines) == 0 {
		lines = transcriptFromEvents(s.log)
	}
	r := history.Record{
		CallID:         s.id,
		To:             s.to,
		Goal:           s.goal,
		CustomerNumber: s.customerNumber,
		Status:         s.status,
		EndedReason:    call.EndedReason,
		Summary:        call.Summary,
		Transcript:     lines,
		Abandoned:      ended.Abandoned,
		Cost:           call.Cost,
		StartedAt:      s.startedAt,
		EndedAt:        time.Now().UTC(),
	}
	if call.StartedAt != nil {
		r.StartedAt = call.StartedAt.UTC()
	}
	if call.EndedAt != nil {
		r.EndedAt = call.EndedAt.UTC()
	}
	if r.Abandoned && r.Status == "" {
		r.Status = "unknown"
	}
	return r
}
