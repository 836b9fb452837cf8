package norm

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
)

// PivotFieldName is the conventional struct field hydrated with extra pivot
// columns on entities loaded through a BelongsToMany relation. Declare it as
// `Pivot map[string]any `norm:"-"`` on the related model to receive them.
const PivotFieldName = "Pivot"

// SyncResult reports what a Sync changed. Each element is a scalar key for
// single-column relations (numeric keys normalized to int64) or a KeyTuple
// for composite ones.
type SyncResult struct {
	Attached []any
	Detached []any
	Updated  []any
}

// ToggleResult reports what a Toggle changed.
type ToggleResult struct {
	Attached []any
	Detached []any
}

// pivotConfig is a BelongsToMany config with every column name resolved.
type pivotConfig struct {
	table        string
	foreignKeys  []string // pivot columns referencing the parent
	relatedKeys  []string // pivot columns referencing the related model
	localKeys    []string // parent columns
	relatedPKs   []string // related model columns
	pivotColumns []string
	timestamps   bool
	inverse      string
	relatedInfo  *ModelInfo
}

// resolvePivot fills in conventional defaults: the pivot table is the two
// singular table names joined alphabetically, and key columns follow
// "<model>_<pk>". Every identifier is validated before it reaches SQL text.
func resolvePivot(parentInfo *ModelInfo, cfg Relation, relation string) (*pivotConfig, error) {
	v := configValue(cfg)
	relatedInfo := ParseModelType(reflect.TypeOf(cfg.NewRelated()))

	p := &pivotConfig{
		table:        strField(v, "PivotTable"),
		foreignKeys:  sliceField(v, "ForeignKeys"),
		relatedKeys:  sliceField(v, "RelatedKeys"),
		localKeys:    sliceField(v, "LocalKeys"),
		relatedPKs:   sliceField(v, "RelatedPKs"),
		pivotColumns: sliceField(v, "PivotColumns"),
		timestamps:   boolField(v, "PivotTimestamps"),
		inverse:      strField(v, "Inverse"),
		relatedInfo:  relatedInfo,
	}

	if len(p.localKeys) == 0 {
		p.localKeys = parentInfo.PrimaryKeys
	}
	if len(p.relatedPKs) == 0 {
		p.relatedPKs = relatedInfo.PrimaryKeys
	}
	if len(p.foreignKeys) == 0 {
		p.foreignKeys = defaultPivotKeys(parentInfo.Type.Name(), p.localKeys)
	}
	if len(p.relatedKeys) == 0 {
		p.relatedKeys = defaultPivotKeys(relatedInfo.Type.Name(), p.relatedPKs)
	}
	if p.table == "" {
		names := []string{
			plural.Singular(parentInfo.TableName),
			plural.Singular(relatedInfo.TableName),
		}
		sort.Strings(names)
		p.table = names[0] + "_" + names[1]
	}

	if len(p.foreignKeys) != len(p.localKeys) || len(p.relatedKeys) != len(p.relatedPKs) {
		return nil, WrapRelationError(relation, parentInfo.Type.Name(), ErrInvalidConfig)
	}

	for _, name := range append([]string{p.table}, p.allPivotColumns()...) {
		if err := ValidateColumnName(name); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// defaultPivotKeys derives "<model>_<key>" pivot columns, collapsing the
// conventional "<model>_id" for the common single-key "id" case.
func defaultPivotKeys(typeName string, keys []string) []string {
	stem := strcase.ToSnake(typeName)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = stem + "_" + k
	}
	return out
}

// allPivotColumns lists every pivot column the relation touches.
func (p *pivotConfig) allPivotColumns() []string {
	cols := make([]string, 0, len(p.foreignKeys)+len(p.relatedKeys)+len(p.pivotColumns)+2)
	cols = append(cols, p.foreignKeys...)
	cols = append(cols, p.relatedKeys...)
	cols = append(cols, p.pivotColumns...)
	if p.timestamps {
		cols = append(cols, "created_at", "updated_at")
	}
	return cols
}

// extraColumns lists the hydrated pivot columns beyond the keys.
func (p *pivotConfig) extraColumns() []string {
	cols := append([]string(nil), p.pivotColumns...)
	if p.timestamps {
		cols = append(cols, "created_at", "updated_at")
	}
	return cols
}

// pivotRow is one scanned pivot table row.
type pivotRow struct {
	parentKey  KeyTuple
	relatedKey KeyTuple
	extras     map[string]any
}

// queryPivotRows fetches the pivot rows joining the given parents.
func queryPivotRows(ctx context.Context, run dbRunner, p *pivotConfig, parentTuples []KeyTuple) ([]pivotRow, error) {
	sb := GetStringBuilder()
	defer PutStringBuilder(sb)

	selectCols := append(append([]string{}, p.foreignKeys...), p.relatedKeys...)
	selectCols = append(selectCols, p.extraColumns()...)

	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(selectCols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(p.table)
	sb.WriteString(" WHERE ")
	args := writeTuplePredicate(sb, p.foreignKeys, parentTuples)

	query := sb.String()
	rows, err := run.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, WrapQueryError("SELECT", query, args, err)
	}
	defer rows.Close()

	nFK := len(p.foreignKeys)
	nRK := len(p.relatedKeys)
	extras := p.extraColumns()

	var out []pivotRow
	for rows.Next() {
		raw := make([]any, len(selectCols))
		dest := make([]any, len(selectCols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		row := pivotRow{
			parentKey:  KeyTuple(raw[:nFK]),
			relatedKey: KeyTuple(raw[nFK : nFK+nRK]),
		}
		if len(extras) > 0 {
			row.extras = make(map[string]any, len(extras))
			for i, col := range extras {
				row.extras[col] = raw[nFK+nRK+i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// loadBelongsToManyInto eager loads a many-to-many relation: one pivot
// query for all parents, one query for the distinct related keys, then a
// dictionary match back. Extra pivot columns land in the related struct's
// Pivot map; because the same related row can join different parents with
// different pivot data, the struct is copied per pivot row in that case.
func loadBelongsToManyInto(ctx context.Context, run dbRunner, parentInfo *ModelInfo, parents []any, relName string, cfg Relation, group *relGroup) error {
	p, err := resolvePivot(parentInfo, cfg, relName)
	if err != nil {
		return err
	}

	initRelationFields(parents, relName)

	parentTuples, parentIdx := collectKeyTuples(parentInfo, parents, p.localKeys)
	if len(parentTuples) == 0 {
		return nil
	}

	pivotRows, err := queryPivotRows(ctx, run, p, parentTuples)
	if err != nil {
		return WrapRelationError(relName, parentInfo.Type.Name(), err)
	}
	if len(pivotRows) == 0 {
		return nil
	}

	relatedTuples := make([]KeyTuple, 0, len(pivotRows))
	seen := make(map[string]bool, len(pivotRows))
	for _, row := range pivotRows {
		hash := BuildHash(p.relatedPKs, row.relatedKey)
		if !seen[hash] {
			seen[hash] = true
			relatedTuples = append(relatedTuples, row.relatedKey)
		}
	}

	table := strField(configValue(cfg), "Table")
	relatedResults, err := relationQuery(ctx, run, p.relatedInfo, table, p.relatedPKs, relatedTuples, group.cols)
	if err != nil {
		return WrapRelationError(relName, parentInfo.Type.Name(), err)
	}

	if len(group.subs) > 0 && len(relatedResults) > 0 {
		if err := loadRelationsInto(ctx, run, p.relatedInfo, relatedResults, group.subs, nil); err != nil {
			return err
		}
	}

	relatedByHash := make(map[string]reflect.Value, len(relatedResults))
	for _, res := range relatedResults {
		rv := reflect.ValueOf(res).Elem()
		tuple := make(KeyTuple, 0, len(p.relatedPKs))
		for _, col := range p.relatedPKs {
			tuple = append(tuple, columnValue(p.relatedInfo, rv, col))
		}
		relatedByHash[BuildHash(p.relatedPKs, tuple)] = reflect.ValueOf(res)
	}

	_, hasPivotField := p.relatedInfo.Type.FieldByName(PivotFieldName)

	children := make(map[string][]reflect.Value, len(parentTuples))
	for _, row := range pivotRows {
		related, found := relatedByHash[BuildHash(p.relatedPKs, row.relatedKey)]
		if !found {
			continue
		}

		if hasPivotField && row.extras != nil {
			copied := reflect.New(p.relatedInfo.Type)
			copied.Elem().Set(related.Elem())
			copied.Elem().FieldByName(PivotFieldName).Set(reflect.ValueOf(row.extras))
			related = copied
		}

		parentHash := BuildHash(p.localKeys, row.parentKey)
		children[parentHash] = append(children[parentHash], related)
	}

	for i, tuple := range parentTuples {
		hash := BuildHash(p.localKeys, tuple)
		for _, pi := range parentIdx[i] {
			assignRelation(parents[pi], relName, children[hash], false)
		}
	}
	return nil
}

// pivotRelation resolves a named relation on T, requiring BelongsToMany.
func (m *Model[T]) pivotRelation(relation string) (Relation, *pivotConfig, error) {
	cfg, err := relationConfig(m.modelInfo.Type, relation)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RelationType() != RelationBelongsToMany {
		return nil, nil, WrapRelationError(relation, m.modelInfo.Type.Name(), ErrInvalidRelation)
	}
	p, err := resolvePivot(m.modelInfo, cfg, relation)
	if err != nil {
		return nil, nil, err
	}
	return cfg, p, nil
}

// parentTuple reads the relation's local key values off the entity.
func (m *Model[T]) parentTuple(entity *T, localKeys []string) (KeyTuple, error) {
	if entity == nil {
		return nil, ErrNilPointer
	}
	rv := reflect.ValueOf(entity).Elem()
	tuple := make(KeyTuple, 0, len(localKeys))
	for _, col := range localKeys {
		v := columnValue(m.modelInfo, rv, col)
		if v == nil || isZeroValue(v) {
			return nil, ErrInvalidModel
		}
		tuple = append(tuple, v)
	}
	return tuple, nil
}

// relatedKeyTuples normalizes a mixed id list into key tuples: each element
// may be a scalar key, a KeyTuple, or a related entity (pointer or value),
// whose primary key is read off the struct.
func relatedKeyTuples(p *pivotConfig, ids []any) ([]KeyTuple, error) {
	out := make([]KeyTuple, 0, len(ids))
	for _, id := range ids {
		rv := reflect.ValueOf(id)
		if rv.Kind() == reflect.Pointer {
			rv = rv.Elem()
		}
		if rv.IsValid() && rv.Kind() == reflect.Struct && rv.Type() == p.relatedInfo.Type {
			tuple := make(KeyTuple, 0, len(p.relatedPKs))
			for _, col := range p.relatedPKs {
				tuple = append(tuple, columnValue(p.relatedInfo, rv, col))
			}
			out = append(out, tuple)
			continue
		}

		tuples, err := normalizeKeys([]any{id}, len(p.relatedPKs))
		if err != nil {
			return nil, err
		}
		out = append(out, tuples[0])
	}
	return out, nil
}

// normalizePivotData rekeys the caller's id -> attrs map by key hash so
// lookups work for scalars and tuples alike.
func normalizePivotData(p *pivotConfig, pivotData map[any]map[string]any) (map[string]map[string]any, error) {
	if len(pivotData) == 0 {
		return nil, nil
	}
	out := make(map[string]map[string]any, len(pivotData))
	for id, attrs := range pivotData {
		tuples, err := normalizeKeys([]any{id}, len(p.relatedPKs))
		if err != nil {
			return nil, err
		}
		for col := range attrs {
			if err := ValidateColumnName(col); err != nil {
				return nil, err
			}
		}
		out[BuildHash(p.relatedPKs, tuples[0])] = attrs
	}
	return out, nil
}

// Attach inserts pivot rows joining the entity to the given related keys.
// ids accepts scalars or KeyTuples; pivotData supplies extra pivot columns
// per related key. Pivot timestamps are stamped when the relation declares
// them. Touch bookkeeping runs even for an empty id list.
func (m *Model[T]) Attach(ctx context.Context, entity *T, relation string, ids []any, pivotData map[any]map[string]any) error {
	cfg, p, err := m.pivotRelation(relation)
	if err != nil {
		return err
	}
	parentKey, err := m.parentTuple(entity, p.localKeys)
	if err != nil {
		return err
	}

	tuples, err := relatedKeyTuples(p, ids)
	if err != nil {
		return WrapRelationError(relation, m.modelInfo.Type.Name(), err)
	}
	extrasByHash, err := normalizePivotData(p, pivotData)
	if err != nil {
		return WrapRelationError(relation, m.modelInfo.Type.Name(), err)
	}

	if len(tuples) > 0 {
		if err := m.insertPivotRows(ctx, p, parentKey, tuples, extrasByHash); err != nil {
			return err
		}
	}
	return m.touchAfterPivot(ctx, cfg, p, relation, entity, parentKey)
}

// insertPivotRows bulk-inserts one pivot row per related key tuple.
func (m *Model[T]) insertPivotRows(ctx context.Context, p *pivotConfig, parentKey KeyTuple, tuples []KeyTuple, extrasByHash map[string]map[string]any) error {
	// Union of extra columns across all rows, so every row binds the same
	// column list.
	extraSet := make(map[string]bool)
	for _, attrs := range extrasByHash {
		for col := range attrs {
			extraSet[col] = true
		}
	}
	extraCols := make([]string, 0, len(extraSet))
	for col := range extraSet {
		extraCols = append(extraCols, col)
	}
	sort.Strings(extraCols)

	cols := append(append([]string{}, p.foreignKeys...), p.relatedKeys...)
	cols = append(cols, extraCols...)
	if p.timestamps {
		cols = append(cols, "created_at", "updated_at")
	}

	sb := GetStringBuilder()
	defer PutStringBuilder(sb)

	sb.WriteString("INSERT INTO ")
	sb.WriteString(p.table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(") VALUES ")

	now := time.Now()
	var args []any
	for i, tuple := range tuples {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		writePlaceholdersWithSeparator(sb, len(cols), ",")
		sb.WriteByte(')')

		args = append(args, parentKey...)
		args = append(args, tuple...)

		attrs := extrasByHash[BuildHash(p.relatedPKs, tuple)]
		for _, col := range extraCols {
			args = append(args, attrs[col])
		}
		if p.timestamps {
			args = append(args, now, now)
		}
	}

	query := sb.String()
	if _, err := m.queryerForWrite().ExecContext(ctx, rebind(query), args...); err != nil {
		return WrapQueryError("INSERT", query, args, err)
	}
	return nil
}

// Detach deletes pivot rows joining the entity to the given related keys;
// with no ids every row for the entity goes.
func (m *Model[T]) Detach(ctx context.Context, entity *T, relation string, ids ...any) error {
	cfg, p, err := m.pivotRelation(relation)
	if err != nil {
		return err
	}
	parentKey, err := m.parentTuple(entity, p.localKeys)
	if err != nil {
		return err
	}

	sb := GetStringBuilder()
	defer PutStringBuilder(sb)

	sb.WriteString("DELETE FROM ")
	sb.WriteString(p.table)
	sb.WriteString(" WHERE ")
	args := writeTuplePredicate(sb, p.foreignKeys, []KeyTuple{parentKey})

	if len(ids) > 0 {
		tuples, err := relatedKeyTuples(p, ids)
		if err != nil {
			return WrapRelationError(relation, m.modelInfo.Type.Name(), err)
		}
		sb.WriteString(" AND ")
		args = append(args, writeTuplePredicate(sb, p.relatedKeys, tuples)...)
	}

	query := sb.String()
	if _, err := m.queryerForWrite().ExecContext(ctx, rebind(query), args...); err != nil {
		return WrapQueryError("DELETE", query, args, err)
	}
	return m.touchAfterPivot(ctx, cfg, p, relation, entity, parentKey)
}

// currentRelatedKeys fetches the related key tuples currently attached to
// the parent, keyed by hash.
func (m *Model[T]) currentRelatedKeys(ctx context.Context, p *pivotConfig, parentKey KeyTuple) (map[string]KeyTuple, error) {
	sb := GetStringBuilder()
	defer PutStringBuilder(sb)

	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(p.relatedKeys, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(p.table)
	sb.WriteString(" WHERE ")
	args := writeTuplePredicate(sb, p.foreignKeys, []KeyTuple{parentKey})

	query := sb.String()
	rows, err := m.queryer().QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, WrapQueryError("SELECT", query, args, err)
	}
	defer rows.Close()

	current := make(map[string]KeyTuple)
	for rows.Next() {
		raw := make([]any, len(p.relatedKeys))
		dest := make([]any, len(p.relatedKeys))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		tuple := KeyTuple(raw)
		current[BuildHash(p.relatedPKs, tuple)] = tuple
	}
	return current, rows.Err()
}

// Sync makes the attached set exactly match ids: missing keys are attached,
// surplus keys detached, and keys present on both sides with pivotData
// attributes get those attributes applied, reported as updated only when a
// pivot value actually changed.
func (m *Model[T]) Sync(ctx context.Context, entity *T, relation string, ids []any, pivotData map[any]map[string]any) (*SyncResult, error) {
	return m.sync(ctx, entity, relation, ids, pivotData, true)
}

// SyncWithoutDetaching attaches and updates like Sync but never removes
// existing pivot rows.
func (m *Model[T]) SyncWithoutDetaching(ctx context.Context, entity *T, relation string, ids []any, pivotData map[any]map[string]any) (*SyncResult, error) {
	return m.sync(ctx, entity, relation, ids, pivotData, false)
}

func (m *Model[T]) sync(ctx context.Context, entity *T, relation string, ids []any, pivotData map[any]map[string]any, detaching bool) (*SyncResult, error) {
	cfg, p, err := m.pivotRelation(relation)
	if err != nil {
		return nil, err
	}
	parentKey, err := m.parentTuple(entity, p.localKeys)
	if err != nil {
		return nil, err
	}

	targets, err := relatedKeyTuples(p, ids)
	if err != nil {
		return nil, WrapRelationError(relation, m.modelInfo.Type.Name(), err)
	}
	extrasByHash, err := normalizePivotData(p, pivotData)
	if err != nil {
		return nil, WrapRelationError(relation, m.modelInfo.Type.Name(), err)
	}

	current, err := m.currentRelatedKeys(ctx, p, parentKey)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{}
	targetSet := make(map[string]bool, len(targets))
	var toAttach []KeyTuple

	for _, tuple := range targets {
		hash := BuildHash(p.relatedPKs, tuple)
		if targetSet[hash] {
			continue
		}
		targetSet[hash] = true

		if _, attached := current[hash]; !attached {
			toAttach = append(toAttach, tuple)
			result.Attached = append(result.Attached, reportKey(tuple))
			continue
		}
		if attrs, ok := extrasByHash[hash]; ok {
			changed, err := m.updatePivotRow(ctx, p, parentKey, tuple, attrs)
			if err != nil {
				return nil, err
			}
			if changed {
				result.Updated = append(result.Updated, reportKey(tuple))
			}
		}
	}

	var toDetach []KeyTuple
	if detaching {
		for hash, tuple := range current {
			if !targetSet[hash] {
				toDetach = append(toDetach, tuple)
				result.Detached = append(result.Detached, reportKey(tuple))
			}
		}
	}

	if len(toDetach) > 0 {
		sb := GetStringBuilder()
		sb.WriteString("DELETE FROM ")
		sb.WriteString(p.table)
		sb.WriteString(" WHERE ")
		args := writeTuplePredicate(sb, p.foreignKeys, []KeyTuple{parentKey})
		sb.WriteString(" AND ")
		args = append(args, writeTuplePredicate(sb, p.relatedKeys, toDetach)...)
		query := sb.String()
		PutStringBuilder(sb)

		if _, err := m.queryerForWrite().ExecContext(ctx, rebind(query), args...); err != nil {
			return nil, WrapQueryError("DELETE", query, args, err)
		}
	}
	if len(toAttach) > 0 {
		if err := m.insertPivotRows(ctx, p, parentKey, toAttach, extrasByHash); err != nil {
			return nil, err
		}
	}

	if err := m.touchAfterPivot(ctx, cfg, p, relation, entity, parentKey); err != nil {
		return nil, err
	}
	return result, nil
}

// Toggle flips membership: attached keys are detached and vice versa.
func (m *Model[T]) Toggle(ctx context.Context, entity *T, relation string, ids []any) (*ToggleResult, error) {
	cfg, p, err := m.pivotRelation(relation)
	if err != nil {
		return nil, err
	}
	parentKey, err := m.parentTuple(entity, p.localKeys)
	if err != nil {
		return nil, err
	}

	tuples, err := relatedKeyTuples(p, ids)
	if err != nil {
		return nil, WrapRelationError(relation, m.modelInfo.Type.Name(), err)
	}

	current, err := m.currentRelatedKeys(ctx, p, parentKey)
	if err != nil {
		return nil, err
	}

	result := &ToggleResult{}
	seen := make(map[string]bool, len(tuples))
	var toAttach, toDetach []KeyTuple
	for _, tuple := range tuples {
		hash := BuildHash(p.relatedPKs, tuple)
		if seen[hash] {
			continue
		}
		seen[hash] = true

		if _, attached := current[hash]; attached {
			toDetach = append(toDetach, tuple)
			result.Detached = append(result.Detached, reportKey(tuple))
		} else {
			toAttach = append(toAttach, tuple)
			result.Attached = append(result.Attached, reportKey(tuple))
		}
	}

	if len(toDetach) > 0 {
		sb := GetStringBuilder()
		sb.WriteString("DELETE FROM ")
		sb.WriteString(p.table)
		sb.WriteString(" WHERE ")
		args := writeTuplePredicate(sb, p.foreignKeys, []KeyTuple{parentKey})
		sb.WriteString(" AND ")
		args = append(args, writeTuplePredicate(sb, p.relatedKeys, toDetach)...)
		query := sb.String()
		PutStringBuilder(sb)

		if _, err := m.queryerForWrite().ExecContext(ctx, rebind(query), args...); err != nil {
			return nil, WrapQueryError("DELETE", query, args, err)
		}
	}
	if len(toAttach) > 0 {
		if err := m.insertPivotRows(ctx, p, parentKey, toAttach, nil); err != nil {
			return nil, err
		}
	}

	if err := m.touchAfterPivot(ctx, cfg, p, relation, entity, parentKey); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateExistingPivot applies attributes to one existing pivot row and
// reports whether any stored value actually changed. Applying the current
// values is a no-op and reports false.
func (m *Model[T]) UpdateExistingPivot(ctx context.Context, entity *T, relation string, id any, attrs map[string]any) (bool, error) {
	cfg, p, err := m.pivotRelation(relation)
	if err != nil {
		return false, err
	}
	parentKey, err := m.parentTuple(entity, p.localKeys)
	if err != nil {
		return false, err
	}
	tuples, err := normalizeKeys([]any{id}, len(p.relatedPKs))
	if err != nil {
		return false, WrapRelationError(relation, m.modelInfo.Type.Name(), err)
	}
	for col := range attrs {
		if err := ValidateColumnName(col); err != nil {
			return false, err
		}
	}

	changed, err := m.updatePivotRow(ctx, p, parentKey, tuples[0], attrs)
	if err != nil {
		return false, err
	}
	if changed {
		if err := m.touchAfterPivot(ctx, cfg, p, relation, entity, parentKey); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// updatePivotRow compares attrs against the stored pivot values and issues
// an UPDATE only when they differ. Affected-row counts are not trusted for
// change detection; drivers disagree on whether identical updates count.
func (m *Model[T]) updatePivotRow(ctx context.Context, p *pivotConfig, parentKey, relatedKey KeyTuple, attrs map[string]any) (bool, error) {
	if len(attrs) == 0 {
		return false, nil
	}

	cols := make([]string, 0, len(attrs))
	for col := range attrs {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sb := GetStringBuilder()
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(p.table)
	sb.WriteString(" WHERE ")
	args := writeTuplePredicate(sb, p.foreignKeys, []KeyTuple{parentKey})
	sb.WriteString(" AND ")
	args = append(args, writeTuplePredicate(sb, p.relatedKeys, []KeyTuple{relatedKey})...)
	query := sb.String()
	PutStringBuilder(sb)

	rows, err := m.queryer().QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return false, WrapQueryError("SELECT", query, args, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return false, err
		}
		return false, nil
	}
	raw := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return false, err
	}
	rows.Close()

	changed := false
	for i, col := range cols {
		if !compareIDs(toDriverValue(attrs[col]), raw[i]) {
			changed = true
			break
		}
	}
	if !changed {
		return false, nil
	}

	sb = GetStringBuilder()
	sb.WriteString("UPDATE ")
	sb.WriteString(p.table)
	sb.WriteString(" SET ")
	args = args[:0]
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(col)
		sb.WriteString(" = ?")
		args = append(args, attrs[col])
	}
	if p.timestamps {
		if _, given := attrs["updated_at"]; !given {
			sb.WriteString(", updated_at = ?")
			args = append(args, time.Now())
		}
	}
	sb.WriteString(" WHERE ")
	args = append(args, writeTuplePredicate(sb, p.foreignKeys, []KeyTuple{parentKey})...)
	sb.WriteString(" AND ")
	args = append(args, writeTuplePredicate(sb, p.relatedKeys, []KeyTuple{relatedKey})...)
	query = sb.String()
	PutStringBuilder(sb)

	if _, err := m.queryerForWrite().ExecContext(ctx, rebind(query), args...); err != nil {
		return false, WrapQueryError("UPDATE", query, args, err)
	}
	return true, nil
}

// touchAfterPivot runs the timestamp cascade after a pivot mutation: the
// entity's own updated_at when the model lists this relation in Touches(),
// and all currently attached related rows when the relation names an
// inverse that the related model touches.
func (m *Model[T]) touchAfterPivot(ctx context.Context, cfg Relation, p *pivotConfig, relation string, entity *T, parentKey KeyTuple) error {
	if containsString(m.modelInfo.Touches, relation) {
		if err := touchRows(ctx, m.queryerForWrite(), m.modelInfo, m.modelInfo.PrimaryKeys, []KeyTuple{entityKeyTuple(m.modelInfo, entity)}); err != nil {
			return err
		}
	}

	if p.inverse == "" || !containsString(p.relatedInfo.Touches, p.inverse) {
		return nil
	}
	current, err := m.currentRelatedKeys(ctx, p, parentKey)
	if err != nil {
		return err
	}
	tuples := make([]KeyTuple, 0, len(current))
	for _, t := range current {
		tuples = append(tuples, t)
	}
	return touchRows(ctx, m.queryerForWrite(), p.relatedInfo, p.relatedPKs, tuples)
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
