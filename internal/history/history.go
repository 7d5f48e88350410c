package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chadiek/call-pilot/internal/transcript"
)

// ErrNotFound is returned by Get for unknown call ids.
var ErrNotFound = errors.New("call not found")

// Record is the persisted outcome of one call.
type Record struct {
	CallID         string            `json:"callId"`
	To             string            `json:"to"`
	Goal           string            `json:"goal"`
	CustomerNumber string            `json:"customerNumber,omitempty"`
	Status         string            `json:"status"`
	EndedReason    string            `json:"endedReason,omitempty"`
	Summary        string            `json:"summary,omitempty"`
	Transcript     []transcript.Line `json:"transcript"`
	Abandoned      bool              `json:"abandoned"`
	Cost           float64           `json:"cost,omitempty"`
	StartedAt      time.Time         `json:"startedAt"`
	EndedAt        time.Time         `json:"endedAt"`
}

// Store persists finished calls. Save overwrites an existing record with the same id.
type Store interface {
	Save(ctx context.Context, r Record) error
	Get(ctx context.Context, callID string) (Record, error)
	// List returns the most recently ended calls first.
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

const DefaultListLimit = 50

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Save(_ context.Context, r Record) error {
	m.mu.Lock()
	m.records[r.CallID] = r
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, callID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[callID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sortRecent(out)
	return clip(out, limit), nil
}

func (m *MemoryStore) Close() error { return nil }

func sortRecent(rs []Record) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].EndedAt.Equal(rs[j].EndedAt) {
			return rs[i].CallID < rs[j].CallID
		}
		return rs[i].EndedAt.After(rs[j].EndedAt)
	})
}

func clip(rs []Record, limit int) []Record {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if len(rs) > limit {
		return rs[:limit]
	}
	return rs
}
