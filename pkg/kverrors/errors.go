package kverrors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrClosed          = errors.New("kvingest: closed")
	ErrInvalidArgument = errors.New("kvingest: invalid argument")
)

// MalformedInputError reports an input record that could not be framed or
// parsed. Offset is the byte position of the first byte of the offending
// record within the input stream.
type MalformedInputError struct {
	Offset int64
	Err    error
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed record at offset %d: %v", e.Offset, e.Err)
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

// SchemaViolationError reports a record whose declared key fields are
// missing or hold a value the key codec cannot encode.
type SchemaViolationError struct {
	Field string
	Err   error
}

func (e *SchemaViolationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema violation: %v", e.Err)
	}
	return fmt.Sprintf("schema violation on field %q: %v", e.Field, e.Err)
}

func (e *SchemaViolationError) Unwrap() error { return e.Err }

// DecodeError reports a document that could not be parsed while
// resolving an update: either the stored value or the record's change
// document. The wrapped error names which side. Key is the encoded
// storage key involved.
type DecodeError struct {
	Key []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode stored value for key %x: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RecordNotFoundError reports an update whose target key has no stored
// record.
type RecordNotFoundError struct {
	Key []byte
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("no stored record for key %x", e.Key)
}

// WriteFailureError reports a batch commit that still failed after the
// last retry attempt.
type WriteFailureError struct {
	Attempts int
	Err      error
}

func (e *WriteFailureError) Error() string {
	return fmt.Sprintf("batch commit failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *WriteFailureError) Unwrap() error { return e.Err }

// EngineOpenError reports a storage engine that could not be opened.
type EngineOpenError struct {
	Path string
	Err  error
}

func (e *EngineOpenError) Error() string {
	return fmt.Sprintf("open storage engine at %s: %v", e.Path, e.Err)
}

func (e *EngineOpenError) Unwrap() error { return e.Err }

// IsRecordFault reports whether err concerns a single input record rather
// than the run as a whole. Record faults are the ones the skip policies
// may swallow; anything else must stop the pipeline.
func IsRecordFault(err error) bool {
	var (
		malformed *MalformedInputError
		schema    *SchemaViolationError
		decode    *DecodeError
		notFound  *RecordNotFoundError
	)
	return errors.As(err, &malformed) || errors.As(err, &schema) ||
		errors.As(err, &decode) || errors.As(err, &notFound)
}
