package norm

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// KeyTuple is an ordered set of key values for a (possibly composite) key.
// Order follows the declared key column order of the owning relation.
type KeyTuple []any

// Separators and the null marker used inside hash strings. The tokens are
// control characters so they cannot collide with real column values.
const (
	keyPairSep  = "\x1f" // between field segments of a composite hash
	keyValueSep = "\x1e" // between field name and value inside a segment
	nullKey     = "\x00<nil>"
)

// BuildHash flattens an ordered key tuple into the dictionary string used for
// eager-load matching. Both the gather side (parent keys) and the lookup side
// (fetched rows) must call this with the same field order, or matching
// silently yields zero results.
//
// The single-column case reduces to the bare stringified value so that
// non-composite schemas keep their scalar comparison behavior.
func BuildHash(fields []string, values KeyTuple) string {
	if len(fields) == 1 {
		return anyToKeyString(values[0])
	}

	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteString(keyPairSep)
		}
		sb.WriteString(f)
		sb.WriteString(keyValueSep)
		sb.WriteString(anyToKeyString(values[i]))
	}
	return sb.String()
}

// BuildHashArray hashes a batch of key tuples in one pass, preserving order.
func BuildHashArray(fields []string, tuples []KeyTuple) []string {
	hashes := make([]string, len(tuples))
	for i, t := range tuples {
		hashes[i] = BuildHash(fields, t)
	}
	return hashes
}

// DecodeHash reverses BuildHash into a key tuple. Values come back as strings
// (or nil for the null marker); the database coerces them on comparison.
// Used when a composite key arrives pre-flattened, e.g. Find on a
// HasManyThrough relation keyed by a hash id.
func DecodeHash(fields []string, hash string) (KeyTuple, error) {
	if len(fields) == 1 {
		if hash == nullKey {
			return KeyTuple{nil}, nil
		}
		return KeyTuple{hash}, nil
	}

	segments := strings.Split(hash, keyPairSep)
	if len(segments) != len(fields) {
		return nil, fmt.Errorf("%w: key %q has %d segments, want %d",
			ErrInvalidKeyShape, hash, len(segments), len(fields))
	}

	tuple := make(KeyTuple, len(segments))
	for i, seg := range segments {
		name, value, ok := strings.Cut(seg, keyValueSep)
		if !ok || name != fields[i] {
			return nil, fmt.Errorf("%w: segment %q does not match key column %q",
				ErrInvalidKeyShape, seg, fields[i])
		}
		if value == nullKey {
			tuple[i] = nil
		} else {
			tuple[i] = value
		}
	}
	return tuple, nil
}

// anyToKeyString renders a value as a stable dictionary key. Null (nil, or a
// nil pointer) maps to a distinct token so absent foreign keys never collide
// with zero or empty-string values.
func anyToKeyString(v any) string {
	if v == nil {
		return nullKey
	}

	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int8:
		return strconv.FormatInt(int64(val), 10)
	case int16:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint8:
		return strconv.FormatUint(uint64(val), 10)
	case uint16:
		return strconv.FormatUint(uint64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nullKey
		}
		return anyToKeyString(rv.Elem().Interface())
	}

	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", v)
}

// normalizeKeys resolves the scalar-vs-tuple argument polymorphism of
// attach/detach/sync/find once, at the API boundary. Each id may be a scalar
// key or a KeyTuple; scalars are wrapped into single-element tuples. Every
// tuple must match the declared key width.
func normalizeKeys(ids []any, width int) ([]KeyTuple, error) {
	tuples := make([]KeyTuple, 0, len(ids))
	for _, id := range ids {
		switch k := id.(type) {
		case KeyTuple:
			if len(k) != width {
				return nil, fmt.Errorf("%w: key tuple %v has %d values, want %d",
					ErrInvalidKeyShape, k, len(k), width)
			}
			tuples = append(tuples, k)
		case []any:
			if len(k) != width {
				return nil, fmt.Errorf("%w: key tuple %v has %d values, want %d",
					ErrInvalidKeyShape, k, len(k), width)
			}
			tuples = append(tuples, KeyTuple(k))
		default:
			if width != 1 {
				return nil, fmt.Errorf("%w: scalar key %v given for a %d-column key",
					ErrInvalidKeyShape, id, width)
			}
			tuples = append(tuples, KeyTuple{id})
		}
	}
	return tuples, nil
}

// reportKey is how change reports reference a key: the bare scalar for
// single-column keys (numeric values normalized to int64), the full tuple
// for composite keys.
func reportKey(t KeyTuple) any {
	if len(t) != 1 {
		return t
	}

	v := reflect.ValueOf(t[0])
	switch {
	case !v.IsValid():
		return t[0]
	case isInteger(v.Kind()):
		return v.Int()
	case isUint(v.Kind()):
		return int64(v.Uint())
	}
	return t[0]
}
