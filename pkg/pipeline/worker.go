package pipeline

import (
	"context"
	"log/slog"

	"kvingest/pkg/batch"
	"kvingest/pkg/kverrors"
	"kvingest/pkg/metrics"
	"kvingest/pkg/resolver"
	"kvingest/pkg/types"
)

// worker consumes one queue and owns one batch writer, plus a resolver in
// update mode. Nothing a worker touches is shared with other workers
// except the engine itself.
type worker struct {
	id     int
	p      *Pipeline
	writer *batch.Writer
	res    *resolver.Resolver
	log    *slog.Logger
}

func (p *Pipeline) newWorker(id int) *worker {
	w := &worker{
		id:     id,
		p:      p,
		log:    p.log.With("worker", id),
		writer: batch.NewWriter(p.engine, p.cfg.Batch, p.run, p.log.With("worker", id)),
	}
	if p.cfg.Mode == ModeUpdate {
		w.res = resolver.New(p.engine, w.writer.Pending(), p.codec, p.cfg.ChangeField, p.cfg.MissingPolicy)
	}
	return w
}

func (w *worker) run(ctx context.Context, queue <-chan task) error {
	for {
		select {
		case t, ok := <-queue:
			// The producer also closes the queues on cancellation, so a
			// drained queue alone does not mean clean end of input.
			if !ok {
				if ctx.Err() != nil {
					return w.teardown()
				}
				return w.writer.Flush(ctx)
			}
			if err := w.handle(ctx, t); err != nil {
				if ctx.Err() != nil {
					return w.teardown()
				}
				return err
			}
		case <-ctx.Done():
			return w.teardown()
		}
	}
}

func (w *worker) handle(ctx context.Context, t task) error {
	if w.p.cfg.Mode == ModeInsert {
		return w.writer.Add(ctx, types.Mutation{Key: t.key, Value: t.rec.Raw})
	}

	m, outcome, err := w.res.ResolveKey(t.key, t.rec)
	if err != nil {
		if cat, ok := skipCategory(err); ok {
			return w.p.reject(t.rec, cat, err)
		}
		return err
	}
	switch outcome {
	case resolver.OutcomeSkippedMissing:
		return w.p.reject(t.rec, metrics.SkipMissing, &kverrors.RecordNotFoundError{Key: t.key})
	case resolver.OutcomeMerged:
		w.p.run.AddMerged()
	case resolver.OutcomeUpserted:
		w.p.run.AddUpsert()
	case resolver.OutcomeDeleted:
		w.p.run.AddTombstone()
	}
	return w.writer.Add(ctx, m)
}

// teardown runs when the group context dies under the worker. Only a
// user cancellation in flush mode commits the staged batch; an abort
// elsewhere in the run discards it.
func (w *worker) teardown() error {
	if w.p.rootCtx.Err() != nil && w.p.cfg.CancelMode == CancelFlush {
		return w.writer.Flush(context.Background())
	}
	w.writer.Discard()
	return nil
}
