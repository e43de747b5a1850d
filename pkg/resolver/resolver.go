// Package resolver turns change records into staged mutations. Each
// change record names a stored record by its identifying fields and
// carries a merge document; the resolver looks the record up, applies
// RFC 7386 merge semantics, and hands the result to the batch writer.
package resolver

import (
	"bytes"

	"github.com/cockroachdb/errors"
	jsonpatch "github.com/evanphx/json-patch/v5"
	json "github.com/goccy/go-json"

	"kvingest/pkg/batch"
	"kvingest/pkg/keycodec"
	"kvingest/pkg/kverrors"
	"kvingest/pkg/record"
	"kvingest/pkg/types"
)

// MissingKeyPolicy decides what happens when a change record targets a
// key with no stored record.
type MissingKeyPolicy string

const (
	// MissingUpsert synthesizes the record from the identifying fields
	// plus the change document.
	MissingUpsert MissingKeyPolicy = "upsert"
	// MissingSkip counts the record and moves on.
	MissingSkip MissingKeyPolicy = "skip"
	// MissingAbort stops the run on the first missing target.
	MissingAbort MissingKeyPolicy = "abort"
)

// ParseMissingKeyPolicy validates a policy name from config or flags.
func ParseMissingKeyPolicy(s string) (MissingKeyPolicy, error) {
	switch MissingKeyPolicy(s) {
	case MissingUpsert, MissingSkip, MissingAbort:
		return MissingKeyPolicy(s), nil
	case "":
		return MissingSkip, nil
	default:
		return "", errors.Wrapf(kverrors.ErrInvalidArgument, "unknown missing-key policy %q", s)
	}
}

// Outcome says what a resolved change record turned into.
type Outcome int

const (
	// OutcomeMerged staged a merge of the stored value and the change.
	OutcomeMerged Outcome = iota
	// OutcomeUpserted staged a record synthesized under the upsert
	// policy.
	OutcomeUpserted
	// OutcomeDeleted staged a tombstone.
	OutcomeDeleted
	// OutcomeSkippedMissing staged nothing; the target was absent under
	// the skip policy.
	OutcomeSkippedMissing
)

// Getter is the point-lookup side of the engine.
type Getter interface {
	Get(key types.Key) (types.Value, bool, error)
}

// Resolver resolves change records for one pipeline worker. The worker's
// own pending batch is consulted before the engine, so consecutive
// updates of one key inside a batch window compound instead of clobbering
// each other. Key routing guarantees no other worker touches the same
// keys, which is what makes the read-modify-write race-free.
type Resolver struct {
	engine      Getter
	pending     *batch.PendingBatch
	codec       *keycodec.Codec
	changeField string
	policy      MissingKeyPolicy
}

func New(engine Getter, pending *batch.PendingBatch, codec *keycodec.Codec,
	changeField string, policy MissingKeyPolicy) *Resolver {
	return &Resolver{
		engine:      engine,
		pending:     pending,
		codec:       codec,
		changeField: changeField,
		policy:      policy,
	}
}

// Resolve maps one change record to a staged mutation. For
// OutcomeSkippedMissing the returned mutation is empty and must not be
// staged.
func (r *Resolver) Resolve(rec record.Record) (types.Mutation, Outcome, error) {
	key, err := r.codec.Encode(rec.Fields)
	if err != nil {
		return types.Mutation{}, 0, err
	}
	return r.ResolveKey(key, rec)
}

// ResolveKey is Resolve for callers that already encoded the key, which
// the pipeline did to route the record here.
func (r *Resolver) ResolveKey(key types.Key, rec record.Record) (types.Mutation, Outcome, error) {
	changeRaw, err := r.changeDocument(key, rec.Raw)
	if err != nil {
		return types.Mutation{}, 0, err
	}

	// A null change document deletes the whole record. Deleting an
	// absent key is a no-op either way, so no lookup happens here.
	if isJSONNull(changeRaw) {
		return types.Mutation{Key: key, Tombstone: true}, OutcomeDeleted, nil
	}
	if !isJSONObject(changeRaw) {
		return types.Mutation{}, 0, &kverrors.DecodeError{
			Key: key,
			Err: errors.New("change document must be a JSON object or null"),
		}
	}

	base, found, err := r.lookup(key)
	if err != nil {
		return types.Mutation{}, 0, err
	}

	if !found {
		switch r.policy {
		case MissingUpsert:
			m, err := r.upsert(rec, key, changeRaw)
			return m, OutcomeUpserted, err
		case MissingAbort:
			return types.Mutation{}, 0, &kverrors.RecordNotFoundError{Key: key}
		default:
			return types.Mutation{}, OutcomeSkippedMissing, nil
		}
	}

	if !json.Valid(base) {
		return types.Mutation{}, 0, &kverrors.DecodeError{
			Key: key,
			Err: errors.New("stored value is not valid JSON"),
		}
	}
	merged, err := jsonpatch.MergePatch(base, changeRaw)
	if err != nil {
		return types.Mutation{}, 0, &kverrors.DecodeError{Key: key, Err: err}
	}
	return types.Mutation{Key: key, Value: merged}, OutcomeMerged, nil
}

// changeDocument pulls the raw change field out of the record without
// re-encoding it.
func (r *Resolver) changeDocument(key types.Key, raw []byte) (json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &kverrors.DecodeError{Key: key, Err: errors.Wrap(err, "parse change record")}
	}
	changeRaw, ok := envelope[r.changeField]
	if !ok {
		return nil, &kverrors.SchemaViolationError{
			Field: r.changeField,
			Err:   errors.New("change field missing"),
		}
	}
	return changeRaw, nil
}

// lookup reads through the worker's staged batch before the engine. A
// staged tombstone means the record is gone no matter what the engine
// still holds.
func (r *Resolver) lookup(key types.Key) (types.Value, bool, error) {
	if m, ok := r.pending.Get(key); ok {
		if m.Tombstone {
			return nil, false, nil
		}
		return m.Value, true, nil
	}
	return r.engine.Get(key)
}

// upsert builds the missing record: the identifying fields become the
// base document and the change document is merge-patched onto it.
func (r *Resolver) upsert(rec record.Record, key types.Key, changeRaw json.RawMessage) (types.Mutation, error) {
	base := make(map[string]any, len(r.codec.Fields()))
	for _, f := range r.codec.Fields() {
		base[f] = rec.Fields[f]
	}
	baseRaw, err := json.Marshal(base)
	if err != nil {
		return types.Mutation{}, errors.Wrap(err, "encode upsert base")
	}
	merged, err := jsonpatch.MergePatch(baseRaw, changeRaw)
	if err != nil {
		return types.Mutation{}, &kverrors.DecodeError{Key: key, Err: err}
	}
	return types.Mutation{Key: key, Value: merged}, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
