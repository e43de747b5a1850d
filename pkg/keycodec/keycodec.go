// Package keycodec builds order-preserving binary keys from the identifying
// fields of JSON records. Encoded keys compare under bytes.Compare in the
// same order as the field values themselves, so an ordered storage engine
// keeps records sorted by their identifying fields without ever decoding
// them.
//
// Each field is encoded as a one-byte kind tag followed by a
// self-delimiting payload, and a composite key is the concatenation of its
// fields in configured order. Kind tags order scalars as
// false < true < integer < float < string.
package keycodec

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"

	"kvingest/pkg/kverrors"
	"kvingest/pkg/types"
)

const (
	tagFalse  byte = 0x02
	tagTrue   byte = 0x03
	tagInt    byte = 0x04
	tagFloat  byte = 0x05
	tagString byte = 0x06
)

// String payloads escape 0x00 as 0x00 0xFF and end with 0x00 0x01, so a
// proper prefix always sorts before its extensions.
const (
	escapeByte     byte = 0x00
	escapedZero    byte = 0xFF
	terminatorByte byte = 0x01
)

const signBit = uint64(1) << 63

var (
	errMissingField = errors.New("identifying field missing")
	errNullField    = errors.New("null is not a usable key value")
	errNotScalar    = errors.New("key fields must be scalar")
	errNaN          = errors.New("NaN is not a usable key value")
)

// Codec encodes and decodes keys for one fixed, ordered list of
// identifying fields. The zero value is not usable; construct with New.
type Codec struct {
	fields []string
}

// New returns a codec over the given identifying fields in composite
// order.
func New(fields []string) (*Codec, error) {
	if len(fields) == 0 {
		return nil, errors.Wrap(kverrors.ErrInvalidArgument, "no identifying fields")
	}
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f == "" {
			return nil, errors.Wrap(kverrors.ErrInvalidArgument, "empty identifying field name")
		}
		if _, dup := seen[f]; dup {
			return nil, errors.Wrapf(kverrors.ErrInvalidArgument, "duplicate identifying field %q", f)
		}
		seen[f] = struct{}{}
	}
	return &Codec{fields: append([]string(nil), fields...)}, nil
}

// Fields returns the identifying field names in composite order.
func (c *Codec) Fields() []string {
	return append([]string(nil), c.fields...)
}

// Encode builds the storage key for a decoded record. Numbers must be
// json.Number (decode the record with UseNumber); integers without a
// fraction or exponent that fit int64 take the integer encoding, all other
// numbers the float encoding. A missing field, a null, or a non-scalar
// value fails with SchemaViolationError naming the field.
func (c *Codec) Encode(fields map[string]any) (types.Key, error) {
	key := make([]byte, 0, 16*len(c.fields))
	for _, name := range c.fields {
		v, ok := fields[name]
		if !ok {
			return nil, &kverrors.SchemaViolationError{Field: name, Err: errMissingField}
		}
		var err error
		key, err = appendField(key, v)
		if err != nil {
			return nil, &kverrors.SchemaViolationError{Field: name, Err: err}
		}
	}
	return key, nil
}

// EncodeValues encodes the given scalars against the leading identifying
// fields. Fewer values than fields yields a prefix key, which is what
// range bounds want.
func (c *Codec) EncodeValues(vals ...any) (types.Key, error) {
	if len(vals) > len(c.fields) {
		return nil, errors.Wrapf(kverrors.ErrInvalidArgument,
			"%d values for %d identifying fields", len(vals), len(c.fields))
	}
	key := make([]byte, 0, 16*len(vals))
	for i, v := range vals {
		var err error
		key, err = appendField(key, v)
		if err != nil {
			return nil, &kverrors.SchemaViolationError{Field: c.fields[i], Err: err}
		}
	}
	return key, nil
}

// Decode recovers the identifying field values from an encoded key.
// Integers come back as int64, floats as float64.
func (c *Codec) Decode(key types.Key) (map[string]any, error) {
	out := make(map[string]any, len(c.fields))
	rest := key
	for _, name := range c.fields {
		v, tail, err := decodeField(rest)
		if err != nil {
			return nil, errors.Wrapf(err, "decode key field %q", name)
		}
		out[name] = v
		rest = tail
	}
	if len(rest) != 0 {
		return nil, errors.Newf("%d trailing bytes after %d key fields", len(rest), len(c.fields))
	}
	return out, nil
}

func appendField(dst []byte, v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return nil, errNullField
	case bool:
		if v {
			return append(dst, tagTrue), nil
		}
		return append(dst, tagFalse), nil
	case json.Number:
		return appendNumber(dst, v)
	case string:
		return appendString(dst, v), nil
	case int64:
		return appendInt(dst, v), nil
	case int:
		return appendInt(dst, int64(v)), nil
	case float64:
		return appendFloat(dst, v)
	default:
		return nil, errors.Wrapf(errNotScalar, "got %T", v)
	}
}

func appendNumber(dst []byte, n json.Number) ([]byte, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return appendInt(dst, i), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "number %q", s)
	}
	return appendFloat(dst, f)
}

// Integers store as big-endian uint64 with the sign bit flipped, which
// maps the full int64 range onto unsigned byte order.
func appendInt(dst []byte, v int64) []byte {
	dst = append(dst, tagInt)
	return binary.BigEndian.AppendUint64(dst, uint64(v)^signBit)
}

// Floats store their IEEE-754 bits with a sign-aware transform: negative
// values flip every bit, non-negative values set the sign bit. The result
// orders float64 values correctly as unsigned bytes.
func appendFloat(dst []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) {
		return nil, errNaN
	}
	bits := math.Float64bits(f)
	if bits&signBit != 0 {
		bits = ^bits
	} else {
		bits |= signBit
	}
	dst = append(dst, tagFloat)
	return binary.BigEndian.AppendUint64(dst, bits), nil
}

func appendString(dst []byte, s string) []byte {
	dst = append(dst, tagString)
	for i := 0; i < len(s); i++ {
		if s[i] == escapeByte {
			dst = append(dst, escapeByte, escapedZero)
			continue
		}
		dst = append(dst, s[i])
	}
	return append(dst, escapeByte, terminatorByte)
}

func decodeField(b []byte) (any, []byte, error) {
	if len(b) == 0 {
		return nil, nil, errors.New("truncated key: missing kind tag")
	}
	tag, rest := b[0], b[1:]
	switch tag {
	case tagFalse:
		return false, rest, nil
	case tagTrue:
		return true, rest, nil
	case tagInt:
		if len(rest) < 8 {
			return nil, nil, errors.New("truncated integer key field")
		}
		u := binary.BigEndian.Uint64(rest[:8])
		return int64(u ^ signBit), rest[8:], nil
	case tagFloat:
		if len(rest) < 8 {
			return nil, nil, errors.New("truncated float key field")
		}
		u := binary.BigEndian.Uint64(rest[:8])
		if u&signBit != 0 {
			u &^= signBit
		} else {
			u = ^u
		}
		return math.Float64frombits(u), rest[8:], nil
	case tagString:
		return decodeString(rest)
	default:
		return nil, nil, errors.Newf("unknown key field tag 0x%02x", tag)
	}
}

func decodeString(b []byte) (any, []byte, error) {
	var sb strings.Builder
	for i := 0; i < len(b); i++ {
		if b[i] != escapeByte {
			sb.WriteByte(b[i])
			continue
		}
		if i+1 >= len(b) {
			return nil, nil, errors.New("unterminated string key field")
		}
		switch b[i+1] {
		case terminatorByte:
			return sb.String(), b[i+2:], nil
		case escapedZero:
			sb.WriteByte(escapeByte)
			i++
		default:
			return nil, nil, errors.Newf("bad string escape 0x%02x", b[i+1])
		}
	}
	return nil, nil, errors.New("unterminated string key field")
}
