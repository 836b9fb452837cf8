package norm

import (
	"context"
	"database/sql"
	"encoding/hex"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
)

// RelationType identifies the kind of relationship between two models.
type RelationType string

const (
	// RelationHasOne is a one-to-one relationship where the current model
	// owns a single related record.
	RelationHasOne RelationType = "HasOne"

	// RelationHasMany is a one-to-many relationship where the current model
	// owns multiple related records.
	RelationHasMany RelationType = "HasMany"

	// RelationBelongsTo is the inverse side: the current model holds a
	// foreign key referencing a parent record.
	RelationBelongsTo RelationType = "BelongsTo"

	// RelationBelongsToMany is a many-to-many relationship connected through
	// a pivot table.
	RelationBelongsToMany RelationType = "BelongsToMany"

	// RelationMorphTo is a polymorphic inverse relationship where the target
	// type is stored in a discriminator column next to the key.
	RelationMorphTo RelationType = "MorphTo"

	// RelationMorphOne is a polymorphic one-to-one relationship.
	RelationMorphOne RelationType = "MorphOne"

	// RelationMorphMany is a polymorphic one-to-many relationship.
	RelationMorphMany RelationType = "MorphMany"

	// RelationHasManyThrough reaches distant records via an intermediate
	// model, e.g. Country -> Users -> Posts.
	RelationHasManyThrough RelationType = "HasManyThrough"
)

// HasOne defines a one-to-one relation. Key slices are positional: the n-th
// foreign key column pairs with the n-th local key column. Leave them empty
// to fall back to convention ("<parent>_id" against the parent's primary
// key); composite keys must be spelled out.
type HasOne[T any] struct {
	ForeignKeys []string
	LocalKeys   []string
	Table       string
}

// HasMany defines a one-to-many relation. Same key conventions as HasOne.
type HasMany[T any] struct {
	ForeignKeys []string
	LocalKeys   []string
	Table       string
}

// BelongsTo defines the inverse of HasOne/HasMany: ForeignKeys live on the
// declaring model and reference OwnerKeys on the related model. OwnerKeys
// default to the related model's primary keys; a single ForeignKey defaults
// to "<relation>_id".
type BelongsTo[T any] struct {
	ForeignKeys []string
	OwnerKeys   []string
	Table       string
}

// BelongsToMany defines a many-to-many relation through a pivot table.
// ForeignKeys are the pivot columns referencing the declaring model's
// LocalKeys; RelatedKeys are the pivot columns referencing the related
// model's RelatedPKs. PivotColumns lists extra pivot columns to hydrate into
// the related struct's pivot map; PivotTimestamps maintains created_at and
// updated_at on the pivot rows. Inverse names the relation on the related
// model whose owners should have their updated_at bumped by pivot writes.
type BelongsToMany[T any] struct {
	PivotTable      string
	ForeignKeys     []string
	RelatedKeys     []string
	LocalKeys       []string
	RelatedPKs      []string
	PivotColumns    []string
	PivotTimestamps bool
	Inverse         string
	Table           string
}

// MorphTo defines a polymorphic inverse relation. TypeColumn holds the morph
// class of the target model, IDColumn its key. TypeMap maps stored class
// names to empty instances of the candidate models, e.g.
// {"Post": Post{}, "Video": Video{}}.
type MorphTo[T any] struct {
	TypeColumn string
	IDColumn   string
	TypeMap    map[string]any
}

// MorphOne defines a polymorphic one-to-one relation; the related table
// carries the discriminator columns.
type MorphOne[T any] struct {
	TypeColumn string
	IDColumn   string
	Table      string
}

// MorphMany defines a polymorphic one-to-many relation.
type MorphMany[T any] struct {
	TypeColumn string
	IDColumn   string
	Table      string
}

// HasManyThrough reaches related records via an intermediate model. Through
// is an empty instance of the intermediate, e.g. User{}. FirstKeys are the
// intermediate's columns referencing the declaring model's LocalKeys;
// SecondKeys are the related model's columns referencing the intermediate's
// ThroughKeys.
type HasManyThrough[T any] struct {
	Through     any
	FirstKeys   []string
	SecondKeys  []string
	LocalKeys   []string
	ThroughKeys []string
	Table       string
}

// Relation is implemented by every relation config so the loader can
// dispatch without knowing the generic instantiation.
type Relation interface {
	RelationType() RelationType
	NewRelated() any
}

func (HasOne[T]) RelationType() RelationType         { return RelationHasOne }
func (HasOne[T]) NewRelated() any                    { return new(T) }
func (HasMany[T]) RelationType() RelationType        { return RelationHasMany }
func (HasMany[T]) NewRelated() any                   { return new(T) }
func (BelongsTo[T]) RelationType() RelationType      { return RelationBelongsTo }
func (BelongsTo[T]) NewRelated() any                 { return new(T) }
func (BelongsToMany[T]) RelationType() RelationType  { return RelationBelongsToMany }
func (BelongsToMany[T]) NewRelated() any             { return new(T) }
func (MorphTo[T]) RelationType() RelationType        { return RelationMorphTo }
func (MorphTo[T]) NewRelated() any                   { return nil } // resolved per row via TypeMap
func (MorphOne[T]) RelationType() RelationType       { return RelationMorphOne }
func (MorphOne[T]) NewRelated() any                  { return new(T) }
func (MorphMany[T]) RelationType() RelationType      { return RelationMorphMany }
func (MorphMany[T]) NewRelated() any                 { return new(T) }
func (HasManyThrough[T]) RelationType() RelationType { return RelationHasManyThrough }
func (HasManyThrough[T]) NewRelated() any            { return new(T) }

// dbRunner is the slice of *sql.DB / *sql.Tx the relation loaders need.
type dbRunner interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Load eager loads relations on a single already-fetched entity.
func (m *Model[T]) Load(ctx context.Context, entity *T, relations ...string) error {
	if entity == nil {
		return ErrNilPointer
	}
	return loadRelationsInto(ctx, m.queryer(), m.modelInfo, []any{entity}, relations, m.morphScopes)
}

// LoadSlice eager loads relations on a slice of already-fetched entities.
func (m *Model[T]) LoadSlice(ctx context.Context, entities []*T, relations ...string) error {
	parents := make([]any, len(entities))
	for i, e := range entities {
		parents[i] = e
	}
	return loadRelationsInto(ctx, m.queryer(), m.modelInfo, parents, relations, m.morphScopes)
}

// loadRelations resolves the With() clauses after a query has produced rows.
func (m *Model[T]) loadRelations(ctx context.Context, results []*T) error {
	if len(m.relations) == 0 || len(results) == 0 {
		return nil
	}
	parents := make([]any, len(results))
	for i, r := range results {
		parents[i] = r
	}
	return loadRelationsInto(ctx, m.queryer(), m.modelInfo, parents, m.relations, m.morphScopes)
}

// relGroup collects the column selection and nested paths registered for one
// root relation name.
type relGroup struct {
	cols string
	subs []string
}

// groupRelations splits raw With() strings into per-root groups, handling
// the "Relation:col1,col2" selection syntax and "A.B.C" nesting. For a
// nested path the column list binds to the leaf.
func groupRelations(relations []string) map[string]*relGroup {
	groups := make(map[string]*relGroup)
	for _, name := range relations {
		path := name
		cols := ""
		if i := strings.IndexByte(name, ':'); i >= 0 {
			path, cols = name[:i], name[i+1:]
		}

		root := path
		rest := ""
		if i := strings.IndexByte(path, '.'); i >= 0 {
			root, rest = path[:i], path[i+1:]
		}

		g, ok := groups[root]
		if !ok {
			g = &relGroup{}
			groups[root] = g
		}
		if rest != "" {
			if cols != "" {
				rest += ":" + cols
			}
			g.subs = append(g.subs, rest)
		} else if cols != "" {
			g.cols = cols
		}
	}
	return groups
}

// relationConfig resolves a relation name to its config by calling the
// method "<Name>" (or "<Name>Relation") on the model type.
func relationConfig(typ reflect.Type, name string) (Relation, error) {
	v := reflect.New(typ)
	method := v.MethodByName(name)
	if !method.IsValid() {
		method = v.MethodByName(name + "Relation")
	}
	if !method.IsValid() {
		return nil, WrapRelationError(name, typ.Name(), ErrRelationNotFound)
	}

	ret := method.Call(nil)
	if len(ret) == 0 {
		return nil, WrapRelationError(name, typ.Name(), ErrInvalidRelation)
	}
	rel, ok := ret[0].Interface().(Relation)
	if !ok {
		return nil, WrapRelationError(name, typ.Name(), ErrInvalidRelation)
	}
	return rel, nil
}

// loadRelationsInto loads the named relations onto parents, a slice of
// pointers to parentInfo.Type structs. It is the shared engine behind both
// the typed entry points and recursive nested loading.
func loadRelationsInto(ctx context.Context, run dbRunner, parentInfo *ModelInfo, parents []any, relations []string, morphScopes map[string]map[string]MorphScope) error {
	if len(relations) == 0 || len(parents) == 0 {
		return nil
	}

	for relName, group := range groupRelations(relations) {
		cfg, err := relationConfig(parentInfo.Type, relName)
		if err != nil {
			return err
		}

		switch cfg.RelationType() {
		case RelationHasOne:
			err = loadHasManyInto(ctx, run, parentInfo, parents, relName, cfg, group, true)
		case RelationHasMany:
			err = loadHasManyInto(ctx, run, parentInfo, parents, relName, cfg, group, false)
		case RelationBelongsTo:
			err = loadBelongsToInto(ctx, run, parentInfo, parents, relName, cfg, group)
		case RelationBelongsToMany:
			err = loadBelongsToManyInto(ctx, run, parentInfo, parents, relName, cfg, group)
		case RelationMorphTo:
			var scopes map[string]MorphScope
			if morphScopes != nil {
				scopes = morphScopes[relName]
			}
			err = loadMorphToInto(ctx, run, parentInfo, parents, relName, cfg, scopes)
		case RelationMorphOne:
			err = loadMorphInto(ctx, run, parentInfo, parents, relName, cfg, group, true)
		case RelationMorphMany:
			err = loadMorphInto(ctx, run, parentInfo, parents, relName, cfg, group, false)
		case RelationHasManyThrough:
			err = loadHasManyThroughInto(ctx, run, parentInfo, parents, relName, cfg, group)
		default:
			err = WrapRelationError(relName, parentInfo.Type.Name(), ErrInvalidRelation)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// loadHasManyInto loads HasMany (and, with single set, HasOne) relations.
func loadHasManyInto(ctx context.Context, run dbRunner, parentInfo *ModelInfo, parents []any, relName string, cfg Relation, group *relGroup, single bool) error {
	relatedInfo := ParseModelType(reflect.TypeOf(cfg.NewRelated()))
	v := configValue(cfg)

	localKeys := sliceField(v, "LocalKeys")
	if len(localKeys) == 0 {
		localKeys = parentInfo.PrimaryKeys
	}
	foreignKeys := sliceField(v, "ForeignKeys")
	if len(foreignKeys) == 0 {
		if len(localKeys) > 1 {
			return WrapRelationError(relName, parentInfo.Type.Name(), ErrInvalidConfig)
		}
		foreignKeys = []string{guessForeignKey(parentInfo.Type.Name())}
	}
	if len(foreignKeys) != len(localKeys) {
		return WrapRelationError(relName, parentInfo.Type.Name(), ErrInvalidConfig)
	}

	initRelationFields(parents, relName)

	tuples, parentIdx := collectKeyTuples(parentInfo, parents, localKeys)
	if len(tuples) == 0 {
		return nil
	}

	table := strField(v, "Table")
	relatedResults, err := relationQuery(ctx, run, relatedInfo, table, foreignKeys, tuples, group.cols)
	if err != nil {
		return WrapRelationError(relName, parentInfo.Type.Name(), err)
	}

	if len(group.subs) > 0 && len(relatedResults) > 0 {
		if err := loadRelationsInto(ctx, run, relatedInfo, relatedResults, group.subs, nil); err != nil {
			return err
		}
	}

	// Bucket children on the foreign key tuple; the dictionary is keyed on
	// the local key names so both sides hash identically.
	children := make(map[string][]reflect.Value, len(tuples))
	for _, res := range relatedResults {
		rv := reflect.ValueOf(res).Elem()
		tuple := make(KeyTuple, 0, len(foreignKeys))
		for _, col := range foreignKeys {
			tuple = append(tuple, columnValue(relatedInfo, rv, col))
		}
		hash := BuildHash(localKeys, tuple)
		children[hash] = append(children[hash], reflect.ValueOf(res))
	}

	for i, tuple := range tuples {
		hash := BuildHash(localKeys, tuple)
		for _, pi := range parentIdx[i] {
			assignRelation(parents[pi], relName, children[hash], single)
		}
	}
	return nil
}

// relationQuery runs SELECT <cols> FROM <table> WHERE (keyCols) match
// tuples, with the related model's soft-delete scope applied, and scans the
// rows into pointers to info.Type.
func relationQuery(ctx context.Context, run dbRunner, info *ModelInfo, table string, keyCols []string, tuples []KeyTuple, cols string) ([]any, error) {
	if table == "" {
		table = info.TableName
	}

	sb := GetStringBuilder()
	defer PutStringBuilder(sb)

	sb.WriteString("SELECT ")
	if cols != "" {
		sb.WriteString(cols)
	} else {
		sb.WriteString("*")
	}
	sb.WriteString(" FROM ")
	sb.WriteString(table)
	sb.WriteString(" WHERE ")
	args := writeTuplePredicate(sb, keyCols, tuples)
	if info.SoftDeleteColumn != "" {
		sb.WriteString(" AND ")
		sb.WriteString(info.SoftDeleteColumn)
		sb.WriteString(" IS NULL")
	}

	query := sb.String()
	rows, err := run.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, WrapQueryError("SELECT", query, args, err)
	}
	defer rows.Close()

	return scanStructs(rows, info)
}

// scanStructs scans all rows into new pointers to info.Type, mapping columns
// through the model metadata and ignoring columns the struct doesn't carry.
func scanStructs(rows *sql.Rows, info *ModelInfo) ([]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	fields := make([]*FieldInfo, len(columns))
	for i, col := range columns {
		fields[i] = info.Columns[stripTableQualifier(col)]
	}

	results := make([]any, 0, 16)
	dest := make([]any, len(columns))

	for rows.Next() {
		val := reflect.New(info.Type)
		elem := val.Elem()
		for i, f := range fields {
			if f != nil {
				dest[i] = elem.FieldByIndex(f.Index).Addr().Interface()
			} else {
				var ignore any
				dest[i] = &ignore
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		results = append(results, val.Interface())
	}
	return results, rows.Err()
}

// collectKeyTuples reads the given key columns off every parent, returning
// the distinct tuples and, per tuple, the parent indices carrying it.
// Parents with a nil component are skipped: a null key matches nothing.
func collectKeyTuples(info *ModelInfo, parents []any, keyCols []string) ([]KeyTuple, map[int][]int) {
	tuples := make([]KeyTuple, 0, len(parents))
	byHash := make(map[string]int, len(parents))
	parentIdx := make(map[int][]int, len(parents))

	for pi, p := range parents {
		rv := reflect.ValueOf(p).Elem()
		tuple := make(KeyTuple, 0, len(keyCols))
		skip := false
		for _, col := range keyCols {
			v := columnValue(info, rv, col)
			if v == nil || isZeroValue(v) {
				skip = true
				break
			}
			tuple = append(tuple, v)
		}
		if skip {
			continue
		}

		hash := BuildHash(keyCols, tuple)
		ti, seen := byHash[hash]
		if !seen {
			ti = len(tuples)
			byHash[hash] = ti
			tuples = append(tuples, tuple)
		}
		parentIdx[ti] = append(parentIdx[ti], pi)
	}
	return tuples, parentIdx
}

// initRelationFields resets the relation field on every parent before
// matching: slices become empty non-nil slices so a loaded-but-empty
// relation is distinguishable from a never-loaded one; pointers and
// interfaces go back to nil.
func initRelationFields(parents []any, relName string) {
	for _, p := range parents {
		f := reflect.ValueOf(p).Elem().FieldByName(relName)
		if !f.IsValid() || !f.CanSet() {
			continue
		}
		if f.Kind() == reflect.Slice {
			f.Set(reflect.MakeSlice(f.Type(), 0, 0))
		} else {
			f.Set(reflect.Zero(f.Type()))
		}
	}
}

// assignRelation writes children into the parent's relation field, adapting
// between pointer and value element types.
func assignRelation(parent any, relName string, children []reflect.Value, single bool) {
	f := reflect.ValueOf(parent).Elem().FieldByName(relName)
	if !f.IsValid() || !f.CanSet() || len(children) == 0 {
		return
	}

	if single {
		child := children[0]
		switch f.Kind() {
		case reflect.Pointer, reflect.Interface:
			f.Set(child)
		default:
			f.Set(child.Elem())
		}
		return
	}

	slice := reflect.MakeSlice(f.Type(), 0, len(children))
	for _, child := range children {
		if f.Type().Elem().Kind() == reflect.Pointer {
			slice = reflect.Append(slice, child)
		} else {
			slice = reflect.Append(slice, child.Elem())
		}
	}
	f.Set(slice)
}

// configValue unwraps a relation config to its struct value for field
// extraction by name across generic instantiations.
func configValue(cfg Relation) reflect.Value {
	v := reflect.ValueOf(cfg)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	return v
}

func sliceField(v reflect.Value, name string) []string {
	f := v.FieldByName(name)
	if !f.IsValid() {
		return nil
	}
	s, _ := f.Interface().([]string)
	return s
}

func strField(v reflect.Value, name string) string {
	f := v.FieldByName(name)
	if !f.IsValid() || f.Kind() != reflect.String {
		return ""
	}
	return f.String()
}

func boolField(v reflect.Value, name string) bool {
	f := v.FieldByName(name)
	return f.IsValid() && f.Kind() == reflect.Bool && f.Bool()
}

// selfAlias derives a collision-free alias for self-referential subqueries.
func selfAlias() string {
	id := uuid.New()
	return "self_" + hex.EncodeToString(id[:4])
}

// Has filters the query to parents having at least one related record.
func (m *Model[T]) Has(relation string) *Model[T] {
	return m.addExistence(relation, nil, false)
}

// DoesntHave filters the query to parents having no related records.
func (m *Model[T]) DoesntHave(relation string) *Model[T] {
	return m.addExistence(relation, nil, true)
}

// WhereHas filters to parents having related records matching the given
// equality conditions on the related table.
func (m *Model[T]) WhereHas(relation string, conds map[string]any) *Model[T] {
	return m.addExistence(relation, conds, false)
}

// addExistence builds a correlated EXISTS subquery for the relation. When
// the related table is the model's own table the subquery gets a random
// alias so column references stay unambiguous.
func (m *Model[T]) addExistence(relation string, conds map[string]any, negate bool) *Model[T] {
	cfg, err := relationConfig(m.modelInfo.Type, relation)
	if err != nil {
		return m.setErr(err)
	}

	sub, args, err := existenceSubquery(m.modelInfo, m.TableName(), cfg, relation, conds)
	if err != nil {
		return m.setErr(err)
	}
	return m.whereExists(sub, args, negate)
}

// existenceSubquery renders the EXISTS body for one relation config.
func existenceSubquery(parentInfo *ModelInfo, parentTable string, cfg Relation, relation string, conds map[string]any) (string, []any, error) {
	v := configValue(cfg)
	var sb strings.Builder
	var args []any

	appendConds := func(table string) error {
		for col, val := range conds {
			if err := ValidateColumnName(col); err != nil {
				return err
			}
			sb.WriteString(" AND ")
			sb.WriteString(table)
			sb.WriteByte('.')
			sb.WriteString(col)
			sb.WriteString(" = ?")
			args = append(args, val)
		}
		return nil
	}

	switch cfg.RelationType() {
	case RelationHasOne, RelationHasMany, RelationMorphOne, RelationMorphMany:
		relatedInfo := ParseModelType(reflect.TypeOf(cfg.NewRelated()))
		table := strField(v, "Table")
		if table == "" {
			table = relatedInfo.TableName
		}
		ref := table
		alias := ""
		if table == parentTable {
			alias = selfAlias()
			ref = alias
		}

		var foreignKeys, localKeys []string
		if cfg.RelationType() == RelationMorphOne || cfg.RelationType() == RelationMorphMany {
			foreignKeys = []string{strField(v, "IDColumn")}
			localKeys = parentInfo.PrimaryKeys[:1]
		} else {
			localKeys = sliceField(v, "LocalKeys")
			if len(localKeys) == 0 {
				localKeys = parentInfo.PrimaryKeys
			}
			foreignKeys = sliceField(v, "ForeignKeys")
			if len(foreignKeys) == 0 {
				foreignKeys = []string{guessForeignKey(parentInfo.Type.Name())}
			}
			if len(foreignKeys) != len(localKeys) {
				return "", nil, WrapRelationError(relation, parentInfo.Type.Name(), ErrInvalidConfig)
			}
		}

		sb.WriteString("SELECT 1 FROM ")
		sb.WriteString(table)
		if alias != "" {
			sb.WriteString(" AS ")
			sb.WriteString(alias)
		}
		sb.WriteString(" WHERE ")
		for i := range foreignKeys {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			sb.WriteString(ref)
			sb.WriteByte('.')
			sb.WriteString(foreignKeys[i])
			sb.WriteString(" = ")
			sb.WriteString(parentTable)
			sb.WriteByte('.')
			sb.WriteString(localKeys[i])
		}
		if cfg.RelationType() == RelationMorphOne || cfg.RelationType() == RelationMorphMany {
			sb.WriteString(" AND ")
			sb.WriteString(ref)
			sb.WriteByte('.')
			sb.WriteString(strField(v, "TypeColumn"))
			sb.WriteString(" = ?")
			args = append(args, parentInfo.MorphClass)
		}
		if relatedInfo.SoftDeleteColumn != "" {
			sb.WriteString(" AND ")
			sb.WriteString(ref)
			sb.WriteByte('.')
			sb.WriteString(relatedInfo.SoftDeleteColumn)
			sb.WriteString(" IS NULL")
		}
		if err := appendConds(ref); err != nil {
			return "", nil, err
		}
		return sb.String(), args, nil

	case RelationBelongsTo:
		relatedInfo := ParseModelType(reflect.TypeOf(cfg.NewRelated()))
		table := strField(v, "Table")
		if table == "" {
			table = relatedInfo.TableName
		}
		ref := table
		alias := ""
		if table == parentTable {
			alias = selfAlias()
			ref = alias
		}

		ownerKeys := sliceField(v, "OwnerKeys")
		if len(ownerKeys) == 0 {
			ownerKeys = relatedInfo.PrimaryKeys
		}
		foreignKeys := sliceField(v, "ForeignKeys")
		if len(foreignKeys) == 0 {
			if len(ownerKeys) > 1 {
				return "", nil, WrapRelationError(relation, parentInfo.Type.Name(), ErrInvalidConfig)
			}
			foreignKeys = []string{strcase.ToSnake(relation) + "_id"}
		}
		if len(foreignKeys) != len(ownerKeys) {
			return "", nil, WrapRelationError(relation, parentInfo.Type.Name(), ErrInvalidConfig)
		}

		sb.WriteString("SELECT 1 FROM ")
		sb.WriteString(table)
		if alias != "" {
			sb.WriteString(" AS ")
			sb.WriteString(alias)
		}
		sb.WriteString(" WHERE ")
		for i := range ownerKeys {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			sb.WriteString(ref)
			sb.WriteByte('.')
			sb.WriteString(ownerKeys[i])
			sb.WriteString(" = ")
			sb.WriteString(parentTable)
			sb.WriteByte('.')
			sb.WriteString(foreignKeys[i])
		}
		if relatedInfo.SoftDeleteColumn != "" {
			sb.WriteString(" AND ")
			sb.WriteString(ref)
			sb.WriteByte('.')
			sb.WriteString(relatedInfo.SoftDeleteColumn)
			sb.WriteString(" IS NULL")
		}
		if err := appendConds(ref); err != nil {
			return "", nil, err
		}
		return sb.String(), args, nil

	case RelationBelongsToMany:
		pivot, err := resolvePivot(parentInfo, cfg, relation)
		if err != nil {
			return "", nil, err
		}
		relTable := pivot.relatedInfo.TableName
		if t := strField(v, "Table"); t != "" {
			relTable = t
		}
		relRef := relTable
		relAlias := ""
		if relTable == parentTable {
			relAlias = selfAlias()
			relRef = relAlias
		}

		sb.WriteString("SELECT 1 FROM ")
		sb.WriteString(pivot.table)
		sb.WriteString(" JOIN ")
		sb.WriteString(relTable)
		if relAlias != "" {
			sb.WriteString(" AS ")
			sb.WriteString(relAlias)
		}
		sb.WriteString(" ON ")
		for i := range pivot.relatedKeys {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			sb.WriteString(pivot.table)
			sb.WriteByte('.')
			sb.WriteString(pivot.relatedKeys[i])
			sb.WriteString(" = ")
			sb.WriteString(relRef)
			sb.WriteByte('.')
			sb.WriteString(pivot.relatedPKs[i])
		}
		sb.WriteString(" WHERE ")
		for i := range pivot.foreignKeys {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			sb.WriteString(pivot.table)
			sb.WriteByte('.')
			sb.WriteString(pivot.foreignKeys[i])
			sb.WriteString(" = ")
			sb.WriteString(parentTable)
			sb.WriteByte('.')
			sb.WriteString(pivot.localKeys[i])
		}
		if pivot.relatedInfo.SoftDeleteColumn != "" {
			sb.WriteString(" AND ")
			sb.WriteString(relRef)
			sb.WriteByte('.')
			sb.WriteString(pivot.relatedInfo.SoftDeleteColumn)
			sb.WriteString(" IS NULL")
		}
		if err := appendConds(relRef); err != nil {
			return "", nil, err
		}
		return sb.String(), args, nil
	}

	return "", nil, WrapRelationError(relation, parentInfo.Type.Name(), ErrInvalidRelation)
}

// touchOwners bumps updated_at on the owners of the relations this model
// declares via Touches(). Only BelongsTo relations participate; other kinds
// are skipped.
func touchOwners(ctx context.Context, run dbRunner, info *ModelInfo, entity any) error {
	for _, relName := range info.Touches {
		cfg, err := relationConfig(info.Type, relName)
		if err != nil || cfg.RelationType() != RelationBelongsTo {
			continue
		}
		v := configValue(cfg)
		ownerInfo := ParseModelType(reflect.TypeOf(cfg.NewRelated()))

		ownerKeys := sliceField(v, "OwnerKeys")
		if len(ownerKeys) == 0 {
			ownerKeys = ownerInfo.PrimaryKeys
		}
		foreignKeys := sliceField(v, "ForeignKeys")
		if len(foreignKeys) == 0 {
			foreignKeys = []string{strcase.ToSnake(relName) + "_id"}
		}
		if len(foreignKeys) != len(ownerKeys) {
			continue
		}

		rv := reflect.ValueOf(entity)
		for rv.Kind() == reflect.Pointer {
			rv = rv.Elem()
		}
		tuple := make(KeyTuple, 0, len(foreignKeys))
		miss := false
		for _, col := range foreignKeys {
			val := columnValue(info, rv, col)
			if val == nil || isZeroValue(val) {
				miss = true
				break
			}
			tuple = append(tuple, val)
		}
		if miss {
			continue
		}

		if err := touchRows(ctx, run, ownerInfo, ownerKeys, []KeyTuple{tuple}); err != nil {
			return err
		}
	}
	return nil
}

// touchRows sets updated_at = now on the rows of info's table identified by
// the key tuples. A model without an updated_at column is left alone.
func touchRows(ctx context.Context, run dbRunner, info *ModelInfo, keyCols []string, tuples []KeyTuple) error {
	if _, ok := info.Columns["updated_at"]; !ok {
		return nil
	}
	if len(tuples) == 0 {
		return nil
	}

	sb := GetStringBuilder()
	defer PutStringBuilder(sb)

	sb.WriteString("UPDATE ")
	sb.WriteString(info.TableName)
	sb.WriteString(" SET updated_at = ? WHERE ")
	args := []any{time.Now()}
	args = append(args, writeTuplePredicate(sb, keyCols, tuples)...)

	query := sb.String()
	if _, err := run.ExecContext(ctx, rebind(query), args...); err != nil {
		return WrapQueryError("UPDATE", query, args, err)
	}
	return nil
}

