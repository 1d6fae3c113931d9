package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAbandon, wrapped by a handler error, stops retries and drops the
	// rest of the chain.
	ErrAbandon = errors.New("queue: abandon job")
	ErrClosed  = errors.New("queue: closed")
)

// Job is one unit of work. Chain holds the jobs to run, in order, after this
// one succeeds; each is enqueued only when its predecessor has completed.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Timeout     time.Duration   `json:"timeout"`
	// Delay is applied when the job is released from a chain.
	Delay     time.Duration `json:"delay"`
	NotBefore time.Time     `json:"not_before"`
	Chain     []Job         `json:"chain,omitempty"`
}

// NewJob builds a job with a fresh id and a JSON payload.
func NewJob(kind string, payload any) (Job, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}
	return Job{ID: uuid.NewString(), Kind: kind, Payload: b, MaxAttempts: 1}, nil
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error { return json.Unmarshal(j.Payload, v) }

// Queue stores jobs until they are due.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is due, the context ends or the queue closes.
	Dequeue(ctx context.Context) (Job, error)
	Close() error
}

// Chain links jobs so that each runs only after the previous one succeeds.
// The first job is returned carrying the rest as its continuation.
func Chain(jobs []Job) (Job, bool) {
	if len(jobs) == 0 {
		return Job{}, false
	}
	head := jobs[0]
	head.Chain = append([]Job(nil), jobs[1:]...)
	return head, true
}
