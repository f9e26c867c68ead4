// Package progress emits per-job lifecycle events. Broadcasting is
// fire-and-forget: delivery failures are logged, never returned to the
// pipeline.
package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event names a lifecycle event.
type Event string

const (
	AgentStart           Event = "agent_start"
	ToolStart            Event = "tool_start"
	ToolComplete         Event = "tool_complete"
	AgentComplete        Event = "agent_complete"
	OrchestratorStart    Event = "orchestrator_start"
	SkepticFail          Event = "skeptic_fail"
	OrchestratorComplete Event = "orchestrator_complete"
	Done                 Event = "done"
)

// Payload is the JSON body attached to an event.
type Payload map[string]any

// Broadcaster emits an event for a job.
type Broadcaster interface {
	Broadcast(ctx context.Context, jobID string, event Event, payload Payload)
}

// Record is one emitted event as stored or replayed.
type Record struct {
	JobID     string    `json:"job_id"`
	Event     Event     `json:"event"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Nop discards every event.
type Nop struct{}

func (Nop) Broadcast(context.Context, string, Event, Payload) {}

// LogBroadcaster writes events to a zap logger at debug level.
type LogBroadcaster struct {
	logger *zap.Logger
}

// NewLogBroadcaster creates a broadcaster that only logs.
func NewLogBroadcaster(logger *zap.Logger) *LogBroadcaster {
	return &LogBroadcaster{logger: logger}
}

func (b *LogBroadcaster) Broadcast(_ context.Context, jobID string, event Event, payload Payload) {
	b.logger.Debug("progress event",
		zap.String("job", jobID),
		zap.String("event", string(event)),
		zap.Any("payload", payload))
}

// Multi fans an event out to several broadcasters in order.
type Multi []Broadcaster

func (m Multi) Broadcast(ctx context.Context, jobID string, event Event, payload Payload) {
	for _, b := range m {
		if b != nil {
			b.Broadcast(ctx, jobID, event, payload)
		}
	}
}

// Recorder keeps events in memory, keyed by job. It backs event replay when
// Redis is not configured and is the broadcaster used by tests.
type Recorder struct {
	mu      sync.RWMutex
	events  map[string][]Record
	order   []string
	maxJobs int
}

// NewRecorder creates a recorder holding at most maxJobs jobs; the oldest
// job is evicted first. maxJobs <= 0 means unbounded.
func NewRecorder(maxJobs int) *Recorder {
	return &Recorder{events: make(map[string][]Record), maxJobs: maxJobs}
}

func (r *Recorder) Broadcast(_ context.Context, jobID string, event Event, payload Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[jobID]; !ok {
		r.order = append(r.order, jobID)
		if r.maxJobs > 0 && len(r.order) > r.maxJobs {
			delete(r.events, r.order[0])
			r.order = r.order[1:]
		}
	}
	r.events[jobID] = append(r.events[jobID], Record{
		JobID:     jobID,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// Events returns a copy of the events recorded for jobID, oldest first.
func (r *Recorder) Events(jobID string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Record(nil), r.events[jobID]...)
}

// Names returns just the event names recorded for jobID.
func (r *Recorder) Names(jobID string) []Event {
	recs := r.Events(jobID)
	out := make([]Event, len(recs))
	for i, rec := range recs {
		out[i] = rec.Event
	}
	return out
}

// Replay satisfies the same shape as RedisBroadcaster.Replay.
func (r *Recorder) Replay(_ context.Context, jobID string) ([]Record, error) {
	return r.Events(jobID), nil
}
