// Package taskqueue defines the background-job contract the run
// orchestrator fans its work out over: at-least-once delivery, bounded
// automatic retry for transient errors, and best-effort revocation.
//
// Providers implement the Queue interface; callers depend only on this
// package. The inproc subpackage is the in-process worker-pool driver.
package taskqueue

import "context"

// Message is one unit of queued work. ID identifies the message for
// revocation; Type selects the registered handler.
type Message struct {
	ID     string
	Type   string
	RunID  string
	TaskID string
}

// Handler executes one message. Returning an error classified transient
// by errs.IsTransient requests a retry; any other error is terminal.
type Handler func(ctx context.Context, msg Message) error

// FailureHandler is invoked once a message has failed terminally —
// either a non-transient error or exhausted retries.
type FailureHandler func(ctx context.Context, msg Message, err error)

// Queue is the interface all task queue providers must implement.
// Delivery is at-least-once: a revoked message may still execute if it
// raced past cancellation, so handlers must tolerate replay.
type Queue interface {
	// Handle registers the handler pair for a message type. Must be
	// called before the first Enqueue of that type.
	Handle(typ string, h Handler, fh FailureHandler)

	// Enqueue submits a message for asynchronous execution.
	Enqueue(ctx context.Context, msg Message) error

	// Revoke cancels the given message ids if they have not started.
	Revoke(ids ...string)

	// Close stops accepting work and waits for in-flight messages.
	Close()
}

// Config tunes queue concurrency and retry behaviour.
type Config struct {
	// Workers is the number of concurrent message processors.
	Workers int `yaml:"workers"`

	// MaxAttempts bounds execution attempts per message, the first
	// attempt included.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoffMillis is the base backoff between attempts; attempt
	// n waits n times this long.
	RetryBackoffMillis int `yaml:"retry_backoff_millis"`

	// Buffer is the enqueue buffer size.
	Buffer int `yaml:"buffer"`
}

// DefaultConfig returns production-ready queue settings.
func DefaultConfig() *Config {
	return &Config{
		Workers:            8,
		MaxAttempts:        3,
		RetryBackoffMillis: 500,
		Buffer:             256,
	}
}
