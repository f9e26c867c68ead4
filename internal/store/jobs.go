package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/finresearch/internal/agent"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
)

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one stored request.
type Job struct {
	ID             string          `json:"job_id"`
	ChatID         string          `json:"chat_id"`
	Message        string          `json:"message"`
	Status         Status          `json:"status"`
	Category       string          `json:"category"`
	Phase          string          `json:"phase"`
	RetryCount     int             `json:"retry_count"`
	FullText       string          `json:"full_text"`
	SkepticVerdict json.RawMessage `json:"skeptic_verdict"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Completion is the final outcome written back to a job.
type Completion struct {
	Status         Status
	Category       string
	Phase          string
	RetryCount     int
	FullText       string
	SkepticVerdict any
	Error          string
	ToolCalls      []agent.ToolCallRecord
}

// JobStore records jobs. Implementations are safe for concurrent use.
type JobStore interface {
	CreateJob(ctx context.Context, id, chatID, message string) error
	CompleteJob(ctx context.Context, id string, c Completion) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListToolCalls(ctx context.Context, id string) ([]agent.ToolCallRecord, error)
}

func encodeVerdict(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal verdict: %w", err)
	}
	if string(b) == "null" {
		return nil, nil
	}
	s := string(b)
	return &s, nil
}

// CreateJob inserts a running job. An existing id yields ErrJobExists.
func (s *Store) CreateJob(ctx context.Context, id, chatID, message string) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO jobs (id, chat_id, message, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		id, chatID, message, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobExists
	}
	return nil
}

// CompleteJob writes the outcome and appends the tool-call log in one
// transaction.
func (s *Store) CompleteJob(ctx context.Context, id string, c Completion) error {
	verdict, err := encodeVerdict(c.SkepticVerdict)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, category = $3, phase = $4, retry_count = $5,
		    full_text = $6, skeptic_verdict = $7::jsonb, error = $8, updated_at = now()
		WHERE id = $1`,
		id, c.Status, c.Category, c.Phase, c.RetryCount, c.FullText, verdict, c.Error,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}

	if len(c.ToolCalls) > 0 {
		var base int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM tool_calls WHERE job_id = $1`, id,
		).Scan(&base); err != nil {
			return fmt.Errorf("next tool call seq: %w", err)
		}

		batch := &pgx.Batch{}
		for i, tc := range c.ToolCalls {
			args, err := json.Marshal(tc.Args)
			if err != nil {
				return fmt.Errorf("marshal args: %w", err)
			}
			if tc.Args == nil {
				args = []byte("{}")
			}
			batch.Queue(`
				INSERT INTO tool_calls (job_id, seq, call_id, agent, name, args, result, error, duration_ms)
				VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)`,
				id, base+i+1, tc.ID, tc.Agent, tc.Name, string(args), tc.Result, tc.Error, tc.DurationMs)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert tool calls: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	var verdict []byte
	err := s.db.QueryRow(ctx, `
		SELECT id, chat_id, message, status, category, phase, retry_count,
		       full_text, skeptic_verdict, error, created_at, updated_at
		FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.ChatID, &j.Message, &j.Status, &j.Category, &j.Phase, &j.RetryCount,
		&j.FullText, &verdict, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(verdict) > 0 {
		j.SkepticVerdict = json.RawMessage(verdict)
	}
	return &j, nil
}

// ListToolCalls returns the job's tool calls in execution order.
func (s *Store) ListToolCalls(ctx context.Context, id string) ([]agent.ToolCallRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT call_id, agent, name, args, result, error, duration_ms
		FROM tool_calls WHERE job_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()

	var out []agent.ToolCallRecord
	for rows.Next() {
		var tc agent.ToolCallRecord
		var args []byte
		if err := rows.Scan(&tc.ID, &tc.Agent, &tc.Name, &args, &tc.Result, &tc.Error, &tc.DurationMs); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &tc.Args); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// Memory is an in-process JobStore used when no database is configured.
type Memory struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	calls map[string][]agent.ToolCallRecord
	now   func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[string]*Job),
		calls: make(map[string][]agent.ToolCallRecord),
		now:   time.Now,
	}
}

func (m *Memory) CreateJob(_ context.Context, id, chatID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; ok {
		return ErrJobExists
	}
	now := m.now()
	m.jobs[id] = &Job{
		ID: id, ChatID: chatID, Message: message, Status: StatusRunning,
		CreatedAt: now, UpdatedAt: now,
	}
	return nil
}

func (m *Memory) CompleteJob(_ context.Context, id string, c Completion) error {
	verdict, err := encodeVerdict(c.SkepticVerdict)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = c.Status
	j.Category = c.Category
	j.Phase = c.Phase
	j.RetryCount = c.RetryCount
	j.FullText = c.FullText
	j.Error = c.Error
	j.SkepticVerdict = nil
	if verdict != nil {
		j.SkepticVerdict = json.RawMessage(*verdict)
	}
	j.UpdatedAt = m.now()
	m.calls[id] = append(m.calls[id], c.ToolCalls...)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) ListToolCalls(_ context.Context, id string) ([]agent.ToolCallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.jobs[id]; !ok {
		return nil, ErrJobNotFound
	}
	return append([]agent.ToolCallRecord(nil), m.calls[id]...), nil
}
