package norm

import (
	"context"
	"reflect"
	"strings"

	"github.com/iancoleman/strcase"
)

// MorphScope holds constraints for one candidate type of a MorphTo
// relation. The target types aren't known until the discriminator column is
// read, so constraints are recorded up front and replayed against whichever
// per-type query ends up running.
type MorphScope struct {
	Columns []string     // select list; empty means *
	Wheres  []MorphWhere // extra predicates on the target table
	Orders  []string     // ORDER BY entries, e.g. "created_at DESC"
	With    []string     // nested relations to load on matched targets
}

// MorphWhere is one deferred predicate.
type MorphWhere struct {
	Column string
	Op     string
	Value  any
}

// WithMorph eager loads a MorphTo relation with per-type scopes, e.g.
//
//	m.WithMorph("Commentable", map[string]norm.MorphScope{
//	    "Post": {With: []string{"Author"}},
//	})
func (m *Model[T]) WithMorph(relation string, scopes map[string]MorphScope) *Model[T] {
	m.relations = append(m.relations, relation)
	if m.morphScopes == nil {
		m.morphScopes = make(map[string]map[string]MorphScope)
	}
	m.morphScopes[relation] = scopes
	return m
}

// LoadMorph eager loads a MorphTo relation onto already-fetched entities.
func (m *Model[T]) LoadMorph(ctx context.Context, entities []*T, relation string, scopes map[string]MorphScope) error {
	parents := make([]any, len(entities))
	for i, e := range entities {
		parents[i] = e
	}
	all := map[string]map[string]MorphScope{relation: scopes}
	return loadRelationsInto(ctx, m.queryer(), m.modelInfo, parents, []string{relation}, all)
}

// morphColumns resolves the discriminator column pair, defaulting to
// "<relation>_type" / "<relation>_id".
func morphColumns(v reflect.Value, relName string) (typeCol, idCol string) {
	typeCol = strField(v, "TypeColumn")
	idCol = strField(v, "IDColumn")
	stem := strcase.ToSnake(relName)
	if typeCol == "" {
		typeCol = stem + "_type"
	}
	if idCol == "" {
		idCol = stem + "_id"
	}
	return typeCol, idCol
}

// loadMorphToInto loads a polymorphic inverse relation. Parents are grouped
// into per-type buckets by their discriminator column; each distinct type
// costs exactly one query, with that type's deferred scope replayed on it.
func loadMorphToInto(ctx context.Context, run dbRunner, parentInfo *ModelInfo, parents []any, relName string, cfg Relation, scopes map[string]MorphScope) error {
	v := configValue(cfg)
	typeCol, idCol := morphColumns(v, relName)

	typeMap, _ := v.FieldByName("TypeMap").Interface().(map[string]any)
	if len(typeMap) == 0 {
		return WrapRelationError(relName, parentInfo.Type.Name(), ErrInvalidConfig)
	}

	initRelationFields(parents, relName)

	// type -> key hash -> parent indices
	idsByType := make(map[string][]KeyTuple)
	parentsByKey := make(map[string]map[string][]int)

	for pi, p := range parents {
		rv := reflect.ValueOf(p).Elem()
		typeVal, _ := columnValue(parentInfo, rv, typeCol).(string)
		idVal := columnValue(parentInfo, rv, idCol)
		if typeVal == "" || idVal == nil || isZeroValue(idVal) {
			continue
		}

		hash := BuildHash([]string{idCol}, KeyTuple{idVal})
		if parentsByKey[typeVal] == nil {
			parentsByKey[typeVal] = make(map[string][]int)
		}
		if _, seen := parentsByKey[typeVal][hash]; !seen {
			idsByType[typeVal] = append(idsByType[typeVal], KeyTuple{idVal})
		}
		parentsByKey[typeVal][hash] = append(parentsByKey[typeVal][hash], pi)
	}

	for typeName, tuples := range idsByType {
		instance, known := typeMap[typeName]
		if !known {
			// Discriminator value without a registered model; leave those
			// parents unloaded rather than failing the whole batch.
			continue
		}
		targetInfo := ParseModelType(reflect.TypeOf(instance))
		pk := targetInfo.PrimaryKey()

		scope := scopes[typeName]
		targets, err := morphTargetQuery(ctx, run, targetInfo, pk, tuples, scope)
		if err != nil {
			return WrapRelationError(relName, parentInfo.Type.Name(), err)
		}

		if len(scope.With) > 0 && len(targets) > 0 {
			if err := loadRelationsInto(ctx, run, targetInfo, targets, scope.With, nil); err != nil {
				return err
			}
		}

		for _, res := range targets {
			rv := reflect.ValueOf(res).Elem()
			hash := BuildHash([]string{idCol}, KeyTuple{columnValue(targetInfo, rv, pk)})
			for _, pi := range parentsByKey[typeName][hash] {
				assignRelation(parents[pi], relName, []reflect.Value{reflect.ValueOf(res)}, true)
			}
		}
	}
	return nil
}

// morphTargetQuery fetches one morph type's rows, applying the deferred
// scope and the target's soft-delete filter.
func morphTargetQuery(ctx context.Context, run dbRunner, info *ModelInfo, pk string, tuples []KeyTuple, scope MorphScope) ([]any, error) {
	sb := GetStringBuilder()
	defer PutStringBuilder(sb)

	sb.WriteString("SELECT ")
	if len(scope.Columns) > 0 {
		sb.WriteString(strings.Join(scope.Columns, ", "))
	} else {
		sb.WriteString("*")
	}
	sb.WriteString(" FROM ")
	sb.WriteString(info.TableName)
	sb.WriteString(" WHERE ")
	args := writeTuplePredicate(sb, []string{pk}, tuples)

	if info.SoftDeleteColumn != "" {
		sb.WriteString(" AND ")
		sb.WriteString(info.SoftDeleteColumn)
		sb.WriteString(" IS NULL")
	}
	for _, w := range scope.Wheres {
		if err := ValidateColumnName(w.Column); err != nil {
			return nil, err
		}
		op := w.Op
		if op == "" {
			op = "="
		}
		switch op {
		case "=", "!=", "<>", "<", "<=", ">", ">=", "LIKE", "NOT LIKE":
		default:
			return nil, ErrInvalidConfig
		}
		sb.WriteString(" AND ")
		sb.WriteString(w.Column)
		sb.WriteByte(' ')
		sb.WriteString(op)
		sb.WriteString(" ?")
		args = append(args, w.Value)
	}
	if len(scope.Orders) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(scope.Orders, ", "))
	}

	query := sb.String()
	rows, err := run.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, WrapQueryError("SELECT", query, args, err)
	}
	defer rows.Close()

	return scanStructs(rows, info)
}

// loadMorphInto loads MorphOne/MorphMany: the related table carries the
// discriminator pair and is filtered to this model's morph class.
func loadMorphInto(ctx context.Context, run dbRunner, parentInfo *ModelInfo, parents []any, relName string, cfg Relation, group *relGroup, single bool) error {
	relatedInfo := ParseModelType(reflect.TypeOf(cfg.NewRelated()))
	v := configValue(cfg)

	typeCol := strField(v, "TypeColumn")
	idCol := strField(v, "IDColumn")
	if typeCol == "" || idCol == "" {
		return WrapRelationError(relName, parentInfo.Type.Name(), ErrInvalidConfig)
	}

	initRelationFields(parents, relName)

	localKey := parentInfo.PrimaryKey()
	tuples, parentIdx := collectKeyTuples(parentInfo, parents, []string{localKey})
	if len(tuples) == 0 {
		return nil
	}

	table := strField(v, "Table")
	if table == "" {
		table = relatedInfo.TableName
	}

	sb := GetStringBuilder()
	sb.WriteString("SELECT ")
	if group.cols != "" {
		sb.WriteString(group.cols)
	} else {
		sb.WriteString("*")
	}
	sb.WriteString(" FROM ")
	sb.WriteString(table)
	sb.WriteString(" WHERE ")
	args := writeTuplePredicate(sb, []string{idCol}, tuples)
	sb.WriteString(" AND ")
	sb.WriteString(typeCol)
	sb.WriteString(" = ?")
	args = append(args, parentInfo.MorphClass)
	if relatedInfo.SoftDeleteColumn != "" {
		sb.WriteString(" AND ")
		sb.WriteString(relatedInfo.SoftDeleteColumn)
		sb.WriteString(" IS NULL")
	}
	query := sb.String()
	PutStringBuilder(sb)

	rows, err := run.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return WrapRelationError(relName, parentInfo.Type.Name(), WrapQueryError("SELECT", query, args, err))
	}
	relatedResults, err := scanStructs(rows, relatedInfo)
	rows.Close()
	if err != nil {
		return WrapRelationError(relName, parentInfo.Type.Name(), err)
	}

	if len(group.subs) > 0 && len(relatedResults) > 0 {
		if err := loadRelationsInto(ctx, run, relatedInfo, relatedResults, group.subs, nil); err != nil {
			return err
		}
	}

	children := make(map[string][]reflect.Value, len(tuples))
	for _, res := range relatedResults {
		rv := reflect.ValueOf(res).Elem()
		hash := BuildHash([]string{localKey}, KeyTuple{columnValue(relatedInfo, rv, idCol)})
		children[hash] = append(children[hash], reflect.ValueOf(res))
	}

	for i, tuple := range tuples {
		hash := BuildHash([]string{localKey}, tuple)
		for _, pi := range parentIdx[i] {
			assignRelation(parents[pi], relName, children[hash], single)
		}
	}
	return nil
}

// AssociateMorph points a MorphTo relation at a target entity: the
// discriminator column receives the target's morph class and the key column
// its primary key. In-memory only; persist with Update.
func (m *Model[T]) AssociateMorph(entity *T, relation string, target any) error {
	if entity == nil {
		return ErrNilPointer
	}
	if target == nil {
		return m.DissociateMorph(entity, relation)
	}

	cfg, err := relationConfig(m.modelInfo.Type, relation)
	if err != nil {
		return err
	}
	if cfg.RelationType() != RelationMorphTo {
		return WrapRelationError(relation, m.modelInfo.Type.Name(), ErrInvalidRelation)
	}
	typeCol, idCol := morphColumns(configValue(cfg), relation)

	targetInfo := ParseModelType(reflect.TypeOf(target))
	tv := reflect.ValueOf(target)
	for tv.Kind() == reflect.Pointer {
		tv = tv.Elem()
	}
	keyVal := columnValue(targetInfo, tv, targetInfo.PrimaryKey())

	parentVal := reflect.ValueOf(entity).Elem()
	if err := setColumnValue(m.modelInfo, parentVal, typeCol, targetInfo.MorphClass); err != nil {
		return err
	}
	if err := setColumnValue(m.modelInfo, parentVal, idCol, keyVal); err != nil {
		return err
	}
	assignRelation(entity, relation, []reflect.Value{reflect.ValueOf(target)}, true)
	return nil
}

// DissociateMorph clears both discriminator columns and the cached relation.
func (m *Model[T]) DissociateMorph(entity *T, relation string) error {
	if entity == nil {
		return ErrNilPointer
	}

	cfg, err := relationConfig(m.modelInfo.Type, relation)
	if err != nil {
		return err
	}
	if cfg.RelationType() != RelationMorphTo {
		return WrapRelationError(relation, m.modelInfo.Type.Name(), ErrInvalidRelation)
	}
	typeCol, idCol := morphColumns(configValue(cfg), relation)

	parentVal := reflect.ValueOf(entity).Elem()
	for _, col := range []string{typeCol, idCol} {
		if fi, ok := m.modelInfo.Columns[col]; ok {
			fv := parentVal.FieldByIndex(fi.Index)
			fv.Set(reflect.Zero(fv.Type()))
		}
	}
	initRelationFields([]any{entity}, relation)
	return nil
}
