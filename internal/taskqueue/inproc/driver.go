// Package inproc provides the in-process worker-pool implementation of
// taskqueue.Queue. Retries happen inline in the worker with linear
// backoff, so the queue channel never has to absorb its own retries.
package inproc

import (
	"context"
	"sync"
	"time"

	"github.com/metaglass/metaglass/internal/errs"
	"github.com/metaglass/metaglass/internal/logger"
	"github.com/metaglass/metaglass/internal/taskqueue"
)

type handlerPair struct {
	run  taskqueue.Handler
	fail taskqueue.FailureHandler
}

// Driver is an in-process taskqueue.Queue backed by a fixed worker pool.
type Driver struct {
	cfg *taskqueue.Config
	log *logger.Logger

	mu       sync.Mutex
	handlers map[string]handlerPair
	revoked  map[string]bool
	closed   bool

	ch chan taskqueue.Message
	wg sync.WaitGroup
}

// New starts a worker pool with the given config. A nil cfg uses
// DefaultConfig.
func New(cfg *taskqueue.Config, log *logger.Logger) *Driver {
	if cfg == nil {
		cfg = taskqueue.DefaultConfig()
	}
	if log == nil {
		log = logger.Nop()
	}
	d := &Driver{
		cfg:      cfg,
		log:      log,
		handlers: make(map[string]handlerPair),
		revoked:  make(map[string]bool),
		ch:       make(chan taskqueue.Message, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Handle registers the handler pair for a message type.
func (d *Driver) Handle(typ string, h taskqueue.Handler, fh taskqueue.FailureHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[typ] = handlerPair{run: h, fail: fh}
}

// Enqueue submits a message for asynchronous execution.
func (d *Driver) Enqueue(ctx context.Context, msg taskqueue.Message) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errs.New(errs.ErrKindInvalidInput, "queue is closed")
	}
	if _, ok := d.handlers[msg.Type]; !ok {
		d.mu.Unlock()
		return errs.Newf(errs.ErrKindInvalidInput, "no handler registered for type %q", msg.Type)
	}
	d.mu.Unlock()

	select {
	case d.ch <- msg:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.ErrKindTimeout, "enqueue cancelled", ctx.Err())
	}
}

// Revoke cancels the given message ids if they have not started. A
// message that raced past cancellation still executes; handlers are
// expected to make that harmless.
func (d *Driver) Revoke(ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.revoked[id] = true
	}
}

// Close stops accepting work and waits for in-flight messages.
func (d *Driver) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.ch)
	d.wg.Wait()
}

func (d *Driver) worker() {
	defer d.wg.Done()
	for msg := range d.ch {
		d.process(msg)
	}
}

func (d *Driver) process(msg taskqueue.Message) {
	if d.consumeRevocation(msg.ID) {
		d.log.With().Str("message_id", msg.ID).Str("type", msg.Type).Logger().
			Debug("skipping revoked message")
		return
	}
	// a revocation landing after this point raced the handler; drop it
	// once the message is done either way so the set cannot grow
	defer d.consumeRevocation(msg.ID)

	d.mu.Lock()
	pair := d.handlers[msg.Type]
	d.mu.Unlock()

	ctx := context.Background()
	backoff := time.Duration(d.cfg.RetryBackoffMillis) * time.Millisecond

	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err = pair.run(ctx, msg)
		if err == nil {
			return
		}
		if !errs.IsTransient(err) {
			break
		}
		if attempt < d.cfg.MaxAttempts {
			d.log.With().Str("message_id", msg.ID).Int("attempt", attempt).Err(err).Logger().
				Warn("transient task failure, retrying")
			time.Sleep(backoff * time.Duration(attempt))
			if d.consumeRevocation(msg.ID) {
				return
			}
		}
	}

	if pair.fail != nil {
		pair.fail(ctx, msg, err)
	}
}

// consumeRevocation reports and clears a pending revocation for the
// message id, so the set only ever holds ids no worker has seen yet.
func (d *Driver) consumeRevocation(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.revoked[id] {
		return false
	}
	delete(d.revoked, id)
	return true
}
