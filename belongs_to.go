package norm

import (
	"context"
	"reflect"
	"time"

	"github.com/iancoleman/strcase"
)

// belongsToKeys resolves the config's key columns against convention.
// OwnerKeys default to the related model's primary keys; a single
// ForeignKey defaults to "<relation>_id". Composite foreign keys must be
// declared explicitly.
func belongsToKeys(v reflect.Value, relatedInfo *ModelInfo, relName string) (foreignKeys, ownerKeys []string, err error) {
	ownerKeys = sliceField(v, "OwnerKeys")
	if len(ownerKeys) == 0 {
		ownerKeys = relatedInfo.PrimaryKeys
	}
	foreignKeys = sliceField(v, "ForeignKeys")
	if len(foreignKeys) == 0 {
		if len(ownerKeys) > 1 {
			return nil, nil, ErrInvalidConfig
		}
		foreignKeys = []string{strcase.ToSnake(relName) + "_id"}
	}
	if len(foreignKeys) != len(ownerKeys) {
		return nil, nil, ErrInvalidConfig
	}
	return foreignKeys, ownerKeys, nil
}

// loadBelongsToInto loads the owning side of a foreign-key reference onto
// each parent. Parents whose foreign key is null (any component, for
// composite keys) keep a nil relation and never reach the batched query.
func loadBelongsToInto(ctx context.Context, run dbRunner, parentInfo *ModelInfo, parents []any, relName string, cfg Relation, group *relGroup) error {
	relatedInfo := ParseModelType(reflect.TypeOf(cfg.NewRelated()))
	v := configValue(cfg)

	foreignKeys, ownerKeys, err := belongsToKeys(v, relatedInfo, relName)
	if err != nil {
		return WrapRelationError(relName, parentInfo.Type.Name(), err)
	}

	initRelationFields(parents, relName)

	tuples, parentIdx := collectKeyTuples(parentInfo, parents, foreignKeys)
	if len(tuples) == 0 {
		return nil
	}

	table := strField(v, "Table")
	relatedResults, err := relationQuery(ctx, run, relatedInfo, table, ownerKeys, tuples, group.cols)
	if err != nil {
		return WrapRelationError(relName, parentInfo.Type.Name(), err)
	}

	if len(group.subs) > 0 && len(relatedResults) > 0 {
		if err := loadRelationsInto(ctx, run, relatedInfo, relatedResults, group.subs, nil); err != nil {
			return err
		}
	}

	// Dictionary keyed on the owner key tuple; parent foreign keys hash
	// against the same field names so both sides agree.
	owners := make(map[string]reflect.Value, len(relatedResults))
	for _, res := range relatedResults {
		rv := reflect.ValueOf(res).Elem()
		tuple := make(KeyTuple, 0, len(ownerKeys))
		for _, col := range ownerKeys {
			tuple = append(tuple, columnValue(relatedInfo, rv, col))
		}
		owners[BuildHash(ownerKeys, tuple)] = reflect.ValueOf(res)
	}

	for i, tuple := range tuples {
		owner, found := owners[BuildHash(ownerKeys, tuple)]
		if !found {
			continue
		}
		for _, pi := range parentIdx[i] {
			assignRelation(parents[pi], relName, []reflect.Value{owner}, true)
		}
	}
	return nil
}

// Associate points a BelongsTo relation of the entity at a target: the
// owner's key values are copied into the entity's foreign-key fields. The
// target may be a pointer to the related entity (which is also cached on the
// relation field) or a bare key (scalar, or KeyTuple for composite owners).
// Only the in-memory entity changes; persist it with Update.
func (m *Model[T]) Associate(entity *T, relation string, target any) error {
	if entity == nil {
		return ErrNilPointer
	}
	if target == nil {
		return m.Dissociate(entity, relation)
	}

	cfg, err := relationConfig(m.modelInfo.Type, relation)
	if err != nil {
		return err
	}
	if cfg.RelationType() != RelationBelongsTo {
		return WrapRelationError(relation, m.modelInfo.Type.Name(), ErrInvalidRelation)
	}
	relatedInfo := ParseModelType(reflect.TypeOf(cfg.NewRelated()))
	foreignKeys, ownerKeys, err := belongsToKeys(configValue(cfg), relatedInfo, relation)
	if err != nil {
		return WrapRelationError(relation, m.modelInfo.Type.Name(), err)
	}

	parentVal := reflect.ValueOf(entity).Elem()

	tv := reflect.ValueOf(target)
	if tv.Kind() == reflect.Pointer && tv.Elem().Type() == relatedInfo.Type {
		owner := tv.Elem()
		for i, fk := range foreignKeys {
			if err := setColumnValue(m.modelInfo, parentVal, fk, columnValue(relatedInfo, owner, ownerKeys[i])); err != nil {
				return err
			}
		}
		assignRelation(entity, relation, []reflect.Value{tv}, true)
		return nil
	}

	tuples, err := normalizeKeys([]any{target}, len(ownerKeys))
	if err != nil {
		return WrapRelationError(relation, m.modelInfo.Type.Name(), err)
	}
	for i, fk := range foreignKeys {
		if err := setColumnValue(m.modelInfo, parentVal, fk, tuples[0][i]); err != nil {
			return err
		}
	}
	return nil
}

// Dissociate nulls the entity's foreign-key fields and clears the cached
// relation. In-memory only, like Associate.
func (m *Model[T]) Dissociate(entity *T, relation string) error {
	if entity == nil {
		return ErrNilPointer
	}

	cfg, err := relationConfig(m.modelInfo.Type, relation)
	if err != nil {
		return err
	}
	if cfg.RelationType() != RelationBelongsTo {
		return WrapRelationError(relation, m.modelInfo.Type.Name(), ErrInvalidRelation)
	}
	relatedInfo := ParseModelType(reflect.TypeOf(cfg.NewRelated()))
	foreignKeys, _, err := belongsToKeys(configValue(cfg), relatedInfo, relation)
	if err != nil {
		return WrapRelationError(relation, m.modelInfo.Type.Name(), err)
	}

	parentVal := reflect.ValueOf(entity).Elem()
	for _, fk := range foreignKeys {
		if fi, ok := m.modelInfo.Columns[fk]; ok {
			fv := parentVal.FieldByIndex(fi.Index)
			fv.Set(reflect.Zero(fv.Type()))
		}
	}
	initRelationFields([]any{entity}, relation)
	return nil
}

// UpdateOwner updates the record a BelongsTo relation currently points at.
// It fails with not-found semantics when the entity's foreign key is null or
// dangling, then applies the attribute map to the owning row.
func (m *Model[T]) UpdateOwner(ctx context.Context, entity *T, relation string, attrs map[string]any) error {
	if entity == nil {
		return ErrNilPointer
	}
	if len(attrs) == 0 {
		return nil
	}

	cfg, err := relationConfig(m.modelInfo.Type, relation)
	if err != nil {
		return err
	}
	if cfg.RelationType() != RelationBelongsTo {
		return WrapRelationError(relation, m.modelInfo.Type.Name(), ErrInvalidRelation)
	}
	relatedInfo := ParseModelType(reflect.TypeOf(cfg.NewRelated()))
	foreignKeys, ownerKeys, err := belongsToKeys(configValue(cfg), relatedInfo, relation)
	if err != nil {
		return WrapRelationError(relation, m.modelInfo.Type.Name(), err)
	}

	parentVal := reflect.ValueOf(entity).Elem()
	tuple := make(KeyTuple, 0, len(foreignKeys))
	for _, fk := range foreignKeys {
		val := columnValue(m.modelInfo, parentVal, fk)
		if val == nil || isZeroValue(val) {
			return &NotFoundError{Entity: relatedInfo.Type.Name()}
		}
		tuple = append(tuple, val)
	}

	rowsFound, err := relationQuery(ctx, m.queryer(), relatedInfo, "", ownerKeys, []KeyTuple{tuple}, "")
	if err != nil {
		return WrapRelationError(relation, m.modelInfo.Type.Name(), err)
	}
	if len(rowsFound) == 0 {
		return &NotFoundError{Entity: relatedInfo.Type.Name()}
	}

	sb := GetStringBuilder()
	defer PutStringBuilder(sb)

	sb.WriteString("UPDATE ")
	sb.WriteString(relatedInfo.TableName)
	sb.WriteString(" SET ")

	var args []any
	first := true
	for col, val := range attrs {
		if err := ValidateColumnName(col); err != nil {
			return err
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(col)
		sb.WriteString(" = ?")
		args = append(args, val)
	}
	if _, ok := relatedInfo.Columns["updated_at"]; ok {
		if _, given := attrs["updated_at"]; !given {
			sb.WriteString(", updated_at = ?")
			args = append(args, time.Now())
		}
	}
	sb.WriteString(" WHERE ")
	args = append(args, writeTuplePredicate(sb, ownerKeys, []KeyTuple{tuple})...)

	query := sb.String()
	if _, err := m.queryerForWrite().ExecContext(ctx, rebind(query), args...); err != nil {
		return WrapQueryError("UPDATE", query, args, err)
	}
	return nil
}
