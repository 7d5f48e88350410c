package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/chadiek/call-pilot/internal/transcript"
)

type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	// Table holds one row per call; Bucket receives a plain-text transcript per call.
	Table  string
	Bucket string
}

// rowsAPI and objectsAPI are the parts of the Supabase client the store uses.
type rowsAPI interface {
	Upsert(table string, row supabaseRow) error
	Select(table, callID string, limit int) ([]supabaseRow, error)
}

type objectsAPI interface {
	Upload(bucket, key, contentType string, data []byte) error
}

// SupabaseStore writes call records to a Postgres table through PostgREST and keeps
// a readable transcript in Supabase Storage.
type SupabaseStore struct {
	rows    rowsAPI
	objects objectsAPI
	table   string
	bucket  string
}

func NewSupabaseStore(cfg SupabaseConfig) (*SupabaseStore, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, fmt.Errorf("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	sc := &supabaseClient{client: client}
	return &SupabaseStore{rows: sc, objects: sc, table: cfg.Table, bucket: cfg.Bucket}, nil
}

type supabaseRow struct {
	CallID         string          `json:"call_id"`
	To             string          `json:"to_number"`
	Goal           string          `json:"goal"`
	CustomerNumber string          `json:"customer_number"`
	Status         string          `json:"status"`
	EndedReason    string          `json:"ended_reason"`
	Summary        string          `json:"summary"`
	Transcript     json.RawMessage `json:"transcript"`
	Abandoned      bool            `json:"abandoned"`
	Cost           float64         `json:"cost"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        time.Time       `json:"ended_at"`
}

func toRow(r Record) (supabaseRow, error) {
	lines := r.Transcript
	if lines == nil {
		lines = []transcript.Line{}
	}
	b, err := json.Marshal(lines)
	if err != nil {
		return supabaseRow{}, err
	}
	return supabaseRow{
		CallID: r.CallID, To: r.To, Goal: r.Goal, CustomerNumber: r.CustomerNumber,
		Status: r.Status, EndedReason: r.EndedReason, Summary: r.Summary, Transcript: b,
		Abandoned: r.Abandoned, Cost: r.Cost, StartedAt: r.StartedAt.UTC(), EndedAt: r.EndedAt.UTC(),
	}, nil
}

func (row supabaseRow) record() (Record, error) {
	r := Record{
		CallID: row.CallID, To: row.To, Goal: row.Goal, CustomerNumber: row.CustomerNumber,
		Status: row.Status, EndedReason: row.EndedReason, Summary: row.Summary,
		Abandoned: row.Abandoned, Cost: row.Cost, StartedAt: row.StartedAt, EndedAt: row.EndedAt,
	}
	if len(row.Transcript) > 0 && string(row.Transcript) != "null" {
		if err := json.Unmarshal(row.Transcript, &r.Transcript); err != nil {
			return Record{}, fmt.Errorf("decode transcript of %s: %w", row.CallID, err)
		}
	}
	return r, nil
}

func (s *SupabaseStore) Save(_ context.Context, r Record) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}
	if err := s.rows.Upsert(s.table, row); err != nil {
		return fmt.Errorf("failed to save call to Supabase: %w", err)
	}
	if s.bucket == "" || len(r.Transcript) == 0 {
		return nil
	}
	key := fmt.Sprintf("%s/%s.txt", r.EndedAt.UTC().Format("2006-01-02"), r.CallID)
	if err := s.objects.Upload(s.bucket, key, "text/plain", []byte(transcript.Text(r.Transcript))); err != nil {
		return fmt.Errorf("failed to upload transcript to Supabase: %w", err)
	}
	return nil
}

func (s *SupabaseStore) Get(_ context.Context, callID string) (Record, error) {
	rows, err := s.rows.Select(s.table, callID, 1)
	if err != nil {
		return Record{}, err
	}
	if len(rows) == 0 {
		return Record{}, ErrNotFound
	}
	return rows[0].record()
}

func (s *SupabaseStore) List(_ context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.rows.Select(s.table, "", limit)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		r, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *SupabaseStore) Close() error { return nil }

type supabaseClient struct {
	client *supabase.Client
}

func (c *supabaseClient) Upsert(table string, row supabaseRow) error {
	_, _, err := c.client.From(table).Upsert(row, "call_id", "minimal", "").Execute()
	return err
}

// Select returns rows newest first; an empty callID selects across all calls.
func (c *supabaseClient) Select(table, callID string, limit int) ([]supabaseRow, error) {
	q := c.client.From(table).Select("*", "", false)
	if callID != "" {
		q = q.Eq("call_id", callID)
	}
	var rows []supabaseRow
	if _, err := q.Order("ended_at", nil).Limit(limit, "").ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to query Supabase: %w", err)
	}
	return rows, nil
}

func (c *supabaseClient) Upload(bucket, key, contentType string, data []byte) error {
	_, err := c.client.Storage.UploadFile(bucket, key, bytes.NewReader(data))
	return err
}
