package norm

import (
	"database/sql"
	"database/sql/driver"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gertd/go-pluralize"
	"github.com/iancoleman/strcase"
)

// ModelInfo holds the reflection data for a model struct.
type ModelInfo struct {
	Type        reflect.Type
	TableName   string
	PrimaryKeys []string              // column names, declaration order
	Fields      map[string]*FieldInfo // StructFieldName -> FieldInfo
	Columns     map[string]*FieldInfo // DBColumnName -> FieldInfo

	// Capabilities, resolved once at parse time.
	SoftDeleteColumn string   // empty when the model is not soft-deletable
	Touches          []string // relation names whose updated-at this model bumps
	MorphClass       string   // type tag stored in morph type columns
}

// FieldInfo holds data about a single field in the model.
type FieldInfo struct {
	Name      string // Struct field name
	Column    string // DB column name
	IsPrimary bool
	FieldType reflect.Type
	Index     []int
}

// PrimaryKey returns the single primary key column.
// Composite-keyed models should use PrimaryKeys directly.
func (mi *ModelInfo) PrimaryKey() string {
	return mi.PrimaryKeys[0]
}

// IsComposite reports whether the model has a multi-column primary key.
func (mi *ModelInfo) IsComposite() bool {
	return len(mi.PrimaryKeys) > 1
}

// TableNamer lets a model override its inferred table name.
type TableNamer interface {
	TableName() string
}

// PrimaryKeyer lets a model declare its primary key columns explicitly,
// in a fixed order. Order matters for composite keys: it fixes the key
// tuple layout used by Find and the eager-load dictionaries.
type PrimaryKeyer interface {
	PrimaryKeys() []string
}

// SoftDeletable marks a model as soft-deletable and names its deleted-at
// column. Deleting such a model sets the column instead of removing the row,
// and every query against it filters deleted rows unless told otherwise.
type SoftDeletable interface {
	SoftDeleteColumn() string
}

// Toucher lists relation names that participate in timestamp touching.
// Updating the model bumps updated_at on the owners of any listed BelongsTo
// relation; mutating the pivot of a listed many-to-many relation bumps the
// model's own updated_at, and the related side is bumped when it lists the
// inverse relation.
type Toucher interface {
	Touches() []string
}

// MorphClasser lets a model override the type tag stored in morph type
// columns. Defaults to the struct type name.
type MorphClasser interface {
	MorphClass() string
}

var (
	modelCache = make(map[reflect.Type]*ModelInfo)
	cacheMu    sync.RWMutex

	plural = pluralize.NewClient()
)

// ParseModel inspects the struct T and returns its metadata.
func ParseModel[T any]() *ModelInfo {
	var t T
	return ParseModelType(reflect.TypeOf(t))
}

// ParseModelType inspects the type and returns its metadata.
func ParseModelType(typ reflect.Type) *ModelInfo {
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		panic("norm: model type must be a struct")
	}

	cacheMu.RLock()
	if info, ok := modelCache[typ]; ok {
		cacheMu.RUnlock()
		return info
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()

	// Double check locking
	if info, ok := modelCache[typ]; ok {
		return info
	}

	info := &ModelInfo{
		Type:       typ,
		Fields:     make(map[string]*FieldInfo),
		Columns:    make(map[string]*FieldInfo),
		MorphClass: typ.Name(),
	}

	ptrVal := reflect.New(typ)
	if namer, ok := ptrVal.Interface().(TableNamer); ok {
		info.TableName = namer.TableName()
	} else {
		info.TableName = plural.Plural(strcase.ToSnake(typ.Name()))
	}

	if keyer, ok := ptrVal.Interface().(PrimaryKeyer); ok {
		info.PrimaryKeys = keyer.PrimaryKeys()
	}

	if sd, ok := ptrVal.Interface().(SoftDeletable); ok {
		info.SoftDeleteColumn = sd.SoftDeleteColumn()
	}

	if toucher, ok := ptrVal.Interface().(Toucher); ok {
		info.Touches = toucher.Touches()
	}

	if mc, ok := ptrVal.Interface().(MorphClasser); ok {
		info.MorphClass = mc.MorphClass()
	}

	var taggedPrimaries []string

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)

		// Skip unexported fields
		if field.PkgPath != "" {
			continue
		}

		tag := field.Tag.Get("norm")
		if tag == "-" {
			continue
		}

		// Untagged relation fields (struct pointers, slices of related
		// models, maps) are not columns.
		if tag == "" && !isDataColumn(field.Type) {
			continue
		}

		dbCol := strcase.ToSnake(field.Name)
		isPrimary := false

		if tag != "" {
			parts := strings.Split(tag, ";")
			for _, part := range parts {
				kv := strings.Split(part, ":")
				key := strings.TrimSpace(kv[0])
				val := ""
				if len(kv) > 1 {
					val = strings.TrimSpace(kv[1])
				}

				switch key {
				case "column":
					dbCol = val
				case "primary", "primaryKey":
					isPrimary = true
				}
			}
		}

		if isPrimary {
			taggedPrimaries = append(taggedPrimaries, dbCol)
		}

		fInfo := &FieldInfo{
			Name:      field.Name,
			Column:    dbCol,
			IsPrimary: isPrimary,
			FieldType: field.Type,
			Index:     field.Index,
		}

		info.Fields[field.Name] = fInfo
		info.Columns[dbCol] = fInfo
	}

	// Key resolution order: explicit PrimaryKeys(), then tagged fields in
	// declaration order, then the conventional "id".
	if len(info.PrimaryKeys) == 0 {
		if len(taggedPrimaries) > 0 {
			info.PrimaryKeys = taggedPrimaries
		} else {
			info.PrimaryKeys = []string{"id"}
		}
	}
	for _, pk := range info.PrimaryKeys {
		if f, ok := info.Columns[pk]; ok {
			f.IsPrimary = true
		}
	}

	modelCache[typ] = info
	return info
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	valuerType  = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
)

// isDataColumn reports whether a field type maps to a database column.
func isDataColumn(t reflect.Type) bool {
	if t == timeType || t.Implements(valuerType) || reflect.PointerTo(t).Implements(scannerType) {
		return true
	}
	switch t.Kind() {
	case reflect.Pointer:
		return isDataColumn(t.Elem())
	case reflect.Slice:
		return t.Elem().Kind() == reflect.Uint8
	case reflect.Struct, reflect.Map, reflect.Interface, reflect.Chan, reflect.Func:
		return false
	}
	return true
}

// guessForeignKey derives the conventional foreign key column for a model
// type name, e.g. "User" -> "user_id".
func guessForeignKey(typeName string) string {
	return strcase.ToSnake(typeName) + "_id"
}

