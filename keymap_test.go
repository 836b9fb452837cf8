package norm

import (
	"errors"
	"testing"
)

func TestBuildHash_SingleKey(t *testing.T) {
	if got := BuildHash([]string{"id"}, KeyTuple{42}); got != "42" {
		t.Errorf("expected bare scalar hash, got %q", got)
	}
	if got := BuildHash([]string{"id"}, KeyTuple{"abc"}); got != "abc" {
		t.Errorf("expected bare string hash, got %q", got)
	}
}

func TestBuildHash_SingleKeyTypesAgree(t *testing.T) {
	// The gather side often holds int while scanned rows hold int64; both
	// must produce the same dictionary key.
	a := BuildHash([]string{"id"}, KeyTuple{7})
	b := BuildHash([]string{"id"}, KeyTuple{int64(7)})
	if a != b {
		t.Errorf("int and int64 hashes differ: %q vs %q", a, b)
	}
}

func TestBuildHash_Composite(t *testing.T) {
	h1 := BuildHash([]string{"tenant_id", "user_id"}, KeyTuple{1, 2})
	h2 := BuildHash([]string{"tenant_id", "user_id"}, KeyTuple{1, 2})
	if h1 != h2 {
		t.Errorf("composite hash not deterministic: %q vs %q", h1, h2)
	}

	swapped := BuildHash([]string{"user_id", "tenant_id"}, KeyTuple{1, 2})
	if h1 == swapped {
		t.Error("hash should be sensitive to field order")
	}
}

func TestBuildHashArray(t *testing.T) {
	fields := []string{"tenant_id", "user_id"}
	tuples := []KeyTuple{{1, 2}, {1, 3}, {2, 2}}
	hashes := BuildHashArray(fields, tuples)
	if len(hashes) != 3 {
		t.Fatalf("expected 3 hashes, got %d", len(hashes))
	}
	for i, tuple := range tuples {
		if hashes[i] != BuildHash(fields, tuple) {
			t.Errorf("hash %d disagrees with BuildHash", i)
		}
	}
}

func TestBuildHash_NullDistinctFromZero(t *testing.T) {
	null := BuildHash([]string{"a", "b"}, KeyTuple{1, nil})
	zero := BuildHash([]string{"a", "b"}, KeyTuple{1, 0})
	empty := BuildHash([]string{"a", "b"}, KeyTuple{1, ""})
	if null == zero {
		t.Error("nil component should not collide with zero")
	}
	if null == empty {
		t.Error("nil component should not collide with empty string")
	}
}

func TestBuildHash_NilPointer(t *testing.T) {
	var p *int
	if got := BuildHash([]string{"id"}, KeyTuple{p}); got != BuildHash([]string{"id"}, KeyTuple{nil}) {
		t.Errorf("nil pointer should hash like nil, got %q", got)
	}

	v := 5
	if got := BuildHash([]string{"id"}, KeyTuple{&v}); got != "5" {
		t.Errorf("pointer should hash its pointee, got %q", got)
	}
}

func TestDecodeHash_RoundTrip(t *testing.T) {
	fields := []string{"order_id", "line_no"}
	hash := BuildHash(fields, KeyTuple{10, 3})

	tuple, err := DecodeHash(fields, hash)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(tuple) != 2 {
		t.Fatalf("expected 2 values, got %d", len(tuple))
	}
	// Values come back as strings; the database coerces on comparison.
	if tuple[0] != "10" || tuple[1] != "3" {
		t.Errorf("unexpected tuple: %v", tuple)
	}
}

func TestDecodeHash_NullComponent(t *testing.T) {
	fields := []string{"a", "b"}
	hash := BuildHash(fields, KeyTuple{"x", nil})

	tuple, err := DecodeHash(fields, hash)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if tuple[1] != nil {
		t.Errorf("expected nil component, got %v", tuple[1])
	}
}

func TestDecodeHash_WrongShape(t *testing.T) {
	fields := []string{"a", "b", "c"}
	hash := BuildHash([]string{"a", "b"}, KeyTuple{1, 2})

	if _, err := DecodeHash(fields, hash); !errors.Is(err, ErrInvalidKeyShape) {
		t.Errorf("expected ErrInvalidKeyShape, got %v", err)
	}
}

func TestDecodeHash_MismatchedFieldName(t *testing.T) {
	hash := BuildHash([]string{"a", "b"}, KeyTuple{1, 2})

	if _, err := DecodeHash([]string{"a", "x"}, hash); !errors.Is(err, ErrInvalidKeyShape) {
		t.Errorf("expected ErrInvalidKeyShape, got %v", err)
	}
}

func TestNormalizeKeys(t *testing.T) {
	tuples, err := normalizeKeys([]any{1, 2, 3}, 1)
	if err != nil {
		t.Fatalf("scalar normalize failed: %v", err)
	}
	if len(tuples) != 3 || tuples[0][0] != 1 {
		t.Errorf("unexpected tuples: %v", tuples)
	}

	tuples, err = normalizeKeys([]any{KeyTuple{1, 2}, []any{3, 4}}, 2)
	if err != nil {
		t.Fatalf("tuple normalize failed: %v", err)
	}
	if len(tuples) != 2 || tuples[1][1] != 4 {
		t.Errorf("unexpected tuples: %v", tuples)
	}
}

func TestNormalizeKeys_ShapeErrors(t *testing.T) {
	if _, err := normalizeKeys([]any{5}, 2); !errors.Is(err, ErrInvalidKeyShape) {
		t.Errorf("scalar against composite key: expected ErrInvalidKeyShape, got %v", err)
	}
	if _, err := normalizeKeys([]any{KeyTuple{1}}, 2); !errors.Is(err, ErrInvalidKeyShape) {
		t.Errorf("narrow tuple: expected ErrInvalidKeyShape, got %v", err)
	}
}

func TestReportKey(t *testing.T) {
	if got := reportKey(KeyTuple{7}); got != int64(7) {
		t.Errorf("expected int64 scalar, got %T %v", got, got)
	}
	if got := reportKey(KeyTuple{int64(8)}); got != int64(8) {
		t.Errorf("expected int64 passthrough, got %T %v", got, got)
	}
	if got := reportKey(KeyTuple{"uuid-ish"}); got != "uuid-ish" {
		t.Errorf("expected string passthrough, got %v", got)
	}

	composite := reportKey(KeyTuple{1, 2})
	if tuple, ok := composite.(KeyTuple); !ok || len(tuple) != 2 {
		t.Errorf("expected composite KeyTuple, got %T %v", composite, composite)
	}
}
