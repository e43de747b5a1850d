package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"

	"kvingest/pkg/kverrors"
	"kvingest/pkg/metrics"
	"kvingest/pkg/types"
)

// Applier commits one mutation set atomically. pkg/engine satisfies it;
// tests swap in fakes.
type Applier interface {
	Apply(muts []types.Mutation, sync bool) error
}

// Config bounds a writer's batches and its retry budget.
type Config struct {
	// MaxItems flushes the pending batch before an add would push it past
	// this many mutations.
	MaxItems int
	// MaxBytes does the same for staged payload bytes. A single mutation
	// larger than MaxBytes still goes through, alone in its own batch.
	MaxBytes int
	// RetryCeiling caps total commit attempts per flush.
	RetryCeiling int
	// InitialBackoff and MaxBackoff shape the exponential retry delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Sync asks the engine to make each flush durable before returning.
	Sync bool
}

func (c Config) withDefaults() Config {
	if c.MaxItems <= 0 {
		c.MaxItems = 1000
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 32 << 20
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// Writer owns one PendingBatch and the flush cycle around it. Exactly one
// pipeline worker drives a writer; none of its methods are safe for
// concurrent use.
type Writer struct {
	cfg     Config
	applier Applier
	pending *PendingBatch
	run     *metrics.Run
	log     *slog.Logger
}

func NewWriter(applier Applier, cfg Config, run *metrics.Run, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		cfg:     cfg.withDefaults(),
		applier: applier,
		pending: NewPendingBatch(),
		run:     run,
		log:     log,
	}
}

// Pending exposes the staged batch for read-through lookups.
func (w *Writer) Pending() *PendingBatch {
	return w.pending
}

// Add stages m, flushing first if the batch would cross a threshold.
func (w *Writer) Add(ctx context.Context, m types.Mutation) error {
	if w.pending.Len() > 0 &&
		(w.pending.Len() >= w.cfg.MaxItems || w.pending.Bytes()+m.Size() > w.cfg.MaxBytes) {
		if err := w.Flush(ctx); err != nil {
			return err
		}
	}
	w.pending.Add(m)
	return nil
}

// Flush commits the staged mutations as one atomic engine batch. Failed
// commits are retried with exponential backoff, resubmitting the
// identical mutation set each time; once RetryCeiling attempts are spent
// the error surfaces as WriteFailureError. On success the shared
// committed counter advances by the batch size and the batch clears.
func (w *Writer) Flush(ctx context.Context) error {
	n := w.pending.Len()
	if n == 0 {
		return nil
	}
	muts := w.pending.Sorted()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.InitialBackoff
	bo.MaxInterval = w.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // the attempt ceiling is the only bound

	attempt := 0
	op := func() error {
		attempt++
		return w.applier.Apply(muts, w.cfg.Sync)
	}
	notify := func(err error, next time.Duration) {
		w.run.AddRetry()
		w.log.Warn("batch commit failed, retrying",
			"attempt", attempt, "mutations", n, "backoff", next, "err", err)
	}

	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(w.cfg.RetryCeiling-1)), ctx),
		notify)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &kverrors.WriteFailureError{Attempts: attempt, Err: err}
	}

	w.run.AddFlush()
	w.run.AddCommitted(uint64(n))
	w.pending.Reset()
	w.log.Debug("batch committed", "mutations", n, "attempts", attempt)
	return nil
}

// Discard drops the staged mutations without committing them.
func (w *Writer) Discard() {
	if n := w.pending.Len(); n > 0 {
		w.log.Debug("batch discarded", "mutations", n)
	}
	w.pending.Reset()
}
