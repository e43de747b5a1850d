// Package pipeline wires the record reader, key routing, batch writers
// and resolvers into one concurrent run: a producer goroutine reads and
// routes records onto bounded per-worker queues, and each worker owns its
// own pending batch end to end.
package pipeline

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"kvingest/pkg/batch"
	"kvingest/pkg/keycodec"
	"kvingest/pkg/kverrors"
	"kvingest/pkg/metrics"
	"kvingest/pkg/record"
	"kvingest/pkg/rejects"
	"kvingest/pkg/resolver"
	"kvingest/pkg/types"
)

// Mode selects what a run does with its records.
type Mode int

const (
	// ModeInsert stores each record's raw bytes under its encoded key.
	ModeInsert Mode = iota
	// ModeUpdate merges each record's change document into the stored
	// value.
	ModeUpdate
)

// MalformedPolicy decides what a malformed or schema-violating record
// does to the run.
type MalformedPolicy string

const (
	MalformedSkip  MalformedPolicy = "skip"
	MalformedAbort MalformedPolicy = "abort"
)

// ParseMalformedPolicy validates a policy name from config or flags.
func ParseMalformedPolicy(s string) (MalformedPolicy, error) {
	switch MalformedPolicy(s) {
	case MalformedSkip, MalformedAbort:
		return MalformedPolicy(s), nil
	case "":
		return MalformedAbort, nil
	default:
		return "", errors.Wrapf(kverrors.ErrInvalidArgument, "unknown malformed-input policy %q", s)
	}
}

// CancelMode decides what workers do with staged batches when the run is
// canceled.
type CancelMode string

const (
	// CancelFlush commits each worker's staged batch before exiting, so
	// a canceled run leaves a clean prefix of the input applied.
	CancelFlush CancelMode = "flush"
	// CancelDiscard drops staged batches; only batches flushed before
	// the cancel survive.
	CancelDiscard CancelMode = "discard"
)

// ParseCancelMode validates a cancel mode name from config or flags.
func ParseCancelMode(s string) (CancelMode, error) {
	switch CancelMode(s) {
	case CancelFlush, CancelDiscard:
		return CancelMode(s), nil
	case "":
		return CancelFlush, nil
	default:
		return "", errors.Wrapf(kverrors.ErrInvalidArgument, "unknown cancel mode %q", s)
	}
}

// Engine is the slice of the storage engine the pipeline needs.
type Engine interface {
	Get(key types.Key) (types.Value, bool, error)
	Apply(muts []types.Mutation, sync bool) error
}

// Config shapes one run.
type Config struct {
	Mode            Mode
	Workers         int
	QueueDepth      int
	Batch           batch.Config
	MalformedPolicy MalformedPolicy
	MissingPolicy   resolver.MissingKeyPolicy
	ChangeField     string
	CancelMode      CancelMode
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.MalformedPolicy == "" {
		c.MalformedPolicy = MalformedAbort
	}
	if c.MissingPolicy == "" {
		c.MissingPolicy = resolver.MissingSkip
	}
	if c.ChangeField == "" {
		c.ChangeField = "change"
	}
	if c.CancelMode == "" {
		c.CancelMode = CancelFlush
	}
	return c
}

// Pipeline runs records from a reader into the engine.
type Pipeline struct {
	cfg    Config
	engine Engine
	codec  *keycodec.Codec
	run    *metrics.Run
	rej    *rejects.Writer
	log    *slog.Logger

	rootCtx context.Context
}

// New builds a pipeline. rej may be nil when no dead-letter file is
// wanted.
func New(eng Engine, codec *keycodec.Codec, cfg Config, run *metrics.Run,
	rej *rejects.Writer, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:    cfg.withDefaults(),
		engine: eng,
		codec:  codec,
		run:    run,
		rej:    rej,
		log:    log,
	}
}

// task is one routed record with its key already encoded.
type task struct {
	rec record.Record
	key types.Key
}

// Run drains the reader through the worker pool. It returns nil when the
// input was consumed and every batch flushed; ctx cancellation surfaces
// as ctx.Err after workers finish their cancel-mode teardown.
func (p *Pipeline) Run(ctx context.Context, r *record.Reader) error {
	p.rootCtx = ctx
	g, gctx := errgroup.WithContext(ctx)

	router := NewRouter(p.cfg.Workers)
	queues := make([]chan task, p.cfg.Workers)
	for i := range queues {
		queues[i] = make(chan task, p.cfg.QueueDepth)
	}

	for i := 0; i < p.cfg.Workers; i++ {
		w := p.newWorker(i)
		queue := queues[i]
		g.Go(func() error {
			return w.run(gctx, queue)
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		return p.produce(gctx, r, router, queues)
	})

	return g.Wait()
}

func (p *Pipeline) produce(ctx context.Context, r *record.Reader, router Router, queues []chan task) error {
	for r.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := r.Record()
		p.run.AddRead(1)
		p.run.SetBytesRead(r.Pos())

		if rec.Err != nil {
			if err := p.reject(rec, metrics.SkipMalformed, rec.Err); err != nil {
				return err
			}
			continue
		}
		key, err := p.codec.Encode(rec.Fields)
		if err != nil {
			if err := p.reject(rec, metrics.SkipSchema, err); err != nil {
				return err
			}
			continue
		}
		select {
		case queues[router.WorkerFor(key)] <- task{rec: rec, key: key}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := r.Err(); err != nil {
		var malformed *kverrors.MalformedInputError
		if errors.As(err, &malformed) && p.cfg.MalformedPolicy == MalformedSkip {
			// The stream cannot be resynced past frame damage, so a
			// skipping run treats it as truncated input.
			p.run.AddSkip(metrics.SkipMalformed)
			p.log.Warn("input ends with a damaged frame", "offset", malformed.Offset, "err", err)
			if p.rej != nil {
				return p.rej.Append(rejects.Entry{
					Offset:   malformed.Offset,
					Category: string(metrics.SkipMalformed),
					Error:    err.Error(),
				})
			}
			return nil
		}
		return err
	}
	return nil
}

// reject applies the skip-or-abort policy to a per-record fault on the
// producer side and in workers.
func (p *Pipeline) reject(rec record.Record, cat metrics.SkipCategory, cause error) error {
	if cat != metrics.SkipMissing && p.cfg.MalformedPolicy == MalformedAbort {
		return cause
	}
	p.run.AddSkip(cat)
	p.log.Warn("record skipped",
		"seq", rec.Seq, "offset", rec.Offset, "category", string(cat), "err", cause)
	if p.rej != nil {
		return p.rej.Append(rejects.Entry{
			Seq:      rec.Seq,
			Offset:   rec.Offset,
			Category: string(cat),
			Error:    cause.Error(),
			Record:   rec.Raw,
		})
	}
	return nil
}

// skipCategory classifies per-record faults; anything unclassified is
// fatal to the run.
func skipCategory(err error) (metrics.SkipCategory, bool) {
	var (
		malformed *kverrors.MalformedInputError
		schema    *kverrors.SchemaViolationError
		decode    *kverrors.DecodeError
	)
	switch {
	case errors.As(err, &malformed):
		return metrics.SkipMalformed, true
	case errors.As(err, &schema):
		return metrics.SkipSchema, true
	case errors.As(err, &decode):
		return metrics.SkipDecode, true
	}
	return "", false
}
