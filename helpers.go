package norm

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"time"
)

// compareIDs compares two key values, handling type conversions (int vs int64, etc.)
func compareIDs(a, b any) bool {
	// Fast path: direct equality check (handles same type comparisons)
	if a == b {
		return true
	}

	if a == nil || b == nil {
		return a == b
	}

	aVal := reflect.ValueOf(a)
	bVal := reflect.ValueOf(b)

	if aVal.Kind() == reflect.Pointer {
		if aVal.IsNil() {
			return b == nil
		}
		aVal = aVal.Elem()
	}
	if bVal.Kind() == reflect.Pointer {
		if bVal.IsNil() {
			return a == nil
		}
		bVal = bVal.Elem()
	}

	if !aVal.IsValid() || !bVal.IsValid() {
		return false
	}

	aKind := aVal.Kind()
	bKind := bVal.Kind()

	// Arrays compare byte-by-byte (UUIDs are [16]byte arrays); this is much
	// faster than string conversion.
	if aKind == reflect.Array && bKind == reflect.Array {
		if aVal.Type() == bVal.Type() && aVal.Len() == bVal.Len() {
			for i := 0; i < aVal.Len(); i++ {
				if aVal.Index(i).Interface() != bVal.Index(i).Interface() {
					return false
				}
			}
			return true
		}
	}

	if isInteger(aKind) && isInteger(bKind) {
		return aVal.Int() == bVal.Int()
	}

	if isUint(aKind) && isUint(bKind) {
		return aVal.Uint() == bVal.Uint()
	}

	// Mixed signed/unsigned
	if isInteger(aKind) && isUint(bKind) {
		aInt := aVal.Int()
		if aInt < 0 {
			return false
		}
		return uint64(aInt) == bVal.Uint()
	}
	if isUint(aKind) && isInteger(bKind) {
		bInt := bVal.Int()
		if bInt < 0 {
			return false
		}
		return aVal.Uint() == uint64(bInt)
	}

	if isFloat(aKind) && isFloat(bKind) {
		return aVal.Float() == bVal.Float()
	}

	if aKind == reflect.String && bKind == reflect.String {
		return aVal.String() == bVal.String()
	}

	// Fallback to string comparison (slower, but handles edge cases)
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func isInteger(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uint64
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

// isZeroValue reports whether v holds its type's zero value; nil is zero.
func isZeroValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		return rv.IsNil()
	}
	return rv.IsZero()
}

// setFieldValue assigns a database value to a struct field, converting
// between the driver's types and the field's type where the kinds allow it.
func setFieldValue(field reflect.Value, value any) error {
	if value == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}

	if field.Kind() == reflect.Pointer {
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		return setFieldValue(field.Elem(), value)
	}

	val := reflect.ValueOf(value)
	if val.Kind() == reflect.Pointer {
		if val.IsNil() {
			field.Set(reflect.Zero(field.Type()))
			return nil
		}
		val = val.Elem()
	}

	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}

	// Scanner support (uuid.UUID, sql.Null*, custom types)
	if field.CanAddr() {
		if scanner, ok := field.Addr().Interface().(interface{ Scan(any) error }); ok {
			return scanner.Scan(value)
		}
	}

	switch {
	case isInteger(field.Kind()) && isInteger(val.Kind()):
		field.SetInt(val.Int())
		return nil
	case isInteger(field.Kind()) && isUint(val.Kind()):
		field.SetInt(int64(val.Uint()))
		return nil
	case isUint(field.Kind()) && isInteger(val.Kind()):
		field.SetUint(uint64(val.Int()))
		return nil
	case isUint(field.Kind()) && isUint(val.Kind()):
		field.SetUint(val.Uint())
		return nil
	case isFloat(field.Kind()) && (isFloat(val.Kind()) || isInteger(val.Kind())):
		field.Set(val.Convert(field.Type()))
		return nil
	case field.Kind() == reflect.String:
		if b, ok := value.([]byte); ok {
			field.SetString(string(b))
			return nil
		}
		if val.Kind() == reflect.String {
			field.SetString(val.String())
			return nil
		}
	case field.Kind() == reflect.Bool && isInteger(val.Kind()):
		// sqlite stores booleans as integers
		field.SetBool(val.Int() != 0)
		return nil
	case field.Type() == reflect.TypeOf(time.Time{}):
		if s, ok := value.(string); ok {
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05", "2006-01-02"} {
				if t, err := time.Parse(layout, s); err == nil {
					field.Set(reflect.ValueOf(t))
					return nil
				}
			}
		}
	}

	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}

	return fmt.Errorf("%w: cannot assign %T to field of type %s", ErrInvalidModel, value, field.Type())
}

// entityKeyTuple reads the primary key values out of an entity struct,
// in the order the model declares them.
func entityKeyTuple(mi *ModelInfo, entity any) KeyTuple {
	rv := reflect.ValueOf(entity)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}

	tuple := make(KeyTuple, 0, len(mi.PrimaryKeys))
	for _, pk := range mi.PrimaryKeys {
		tuple = append(tuple, columnValue(mi, rv, pk))
	}
	return tuple
}

// columnValue reads the struct field backing a column; returns nil when the
// model has no field for it.
func columnValue(mi *ModelInfo, rv reflect.Value, column string) any {
	fi, ok := mi.Columns[column]
	if !ok {
		return nil
	}
	fv := rv.FieldByIndex(fi.Index)
	if fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			return nil
		}
		fv = fv.Elem()
	}
	return fv.Interface()
}

// setColumnValue writes a value into the struct field backing a column.
func setColumnValue(mi *ModelInfo, rv reflect.Value, column string, value any) error {
	fi, ok := mi.Columns[column]
	if !ok {
		return fmt.Errorf("%w: no field for column %q on %s", ErrInvalidModel, column, mi.Type.Name())
	}
	return setFieldValue(rv.FieldByIndex(fi.Index), value)
}

// toDriverValue unwraps driver.Valuer arguments so key hashing and change
// comparison see the stored representation.
func toDriverValue(v any) any {
	if valuer, ok := v.(driver.Valuer); ok {
		if dv, err := valuer.Value(); err == nil {
			return dv
		}
	}
	return v
}
