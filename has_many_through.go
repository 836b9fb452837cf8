package norm

import (
	"context"
	"reflect"
	"strconv"
	"strings"
)

// throughKeyAlias prefixes the projected intermediate key columns so they
// can be told apart from the related model's own columns when scanning.
const throughKeyAlias = "through_key_"

// loadHasManyThroughInto loads distant records reachable via an
// intermediate model, e.g. Country -> Users -> Posts. One query joins the
// related table to the intermediate and projects the intermediate's
// parent-referencing keys alongside, so results map straight back to
// parents without loading the intermediate rows themselves. Soft-deleted
// intermediates cut the chain.
func loadHasManyThroughInto(ctx context.Context, run dbRunner, parentInfo *ModelInfo, parents []any, relName string, cfg Relation, group *relGroup) error {
	relatedInfo := ParseModelType(reflect.TypeOf(cfg.NewRelated()))
	v := configValue(cfg)

	through := v.FieldByName("Through")
	if !through.IsValid() || through.IsZero() {
		return WrapRelationError(relName, parentInfo.Type.Name(), ErrInvalidConfig)
	}
	throughInfo := ParseModelType(reflect.TypeOf(through.Interface()))

	localKeys := sliceField(v, "LocalKeys")
	if len(localKeys) == 0 {
		localKeys = parentInfo.PrimaryKeys
	}
	throughKeys := sliceField(v, "ThroughKeys")
	if len(throughKeys) == 0 {
		throughKeys = throughInfo.PrimaryKeys
	}
	firstKeys := sliceField(v, "FirstKeys")
	if len(firstKeys) == 0 {
		if len(localKeys) > 1 {
			return WrapRelationError(relName, parentInfo.Type.Name(), ErrInvalidConfig)
		}
		firstKeys = []string{guessForeignKey(parentInfo.Type.Name())}
	}
	secondKeys := sliceField(v, "SecondKeys")
	if len(secondKeys) == 0 {
		if len(throughKeys) > 1 {
			return WrapRelationError(relName, parentInfo.Type.Name(), ErrInvalidConfig)
		}
		secondKeys = []string{guessForeignKey(throughInfo.Type.Name())}
	}
	if len(firstKeys) != len(localKeys) || len(secondKeys) != len(throughKeys) {
		return WrapRelationError(relName, parentInfo.Type.Name(), ErrInvalidConfig)
	}

	initRelationFields(parents, relName)

	tuples, parentIdx := collectKeyTuples(parentInfo, parents, localKeys)
	if len(tuples) == 0 {
		return nil
	}

	relTable := strField(v, "Table")
	if relTable == "" {
		relTable = relatedInfo.TableName
	}
	thrTable := throughInfo.TableName

	sb := GetStringBuilder()
	sb.WriteString("SELECT ")
	if group.cols != "" {
		sb.WriteString(group.cols)
	} else {
		sb.WriteString(relTable)
		sb.WriteString(".*")
	}
	for i, fk := range firstKeys {
		sb.WriteString(", ")
		sb.WriteString(thrTable)
		sb.WriteByte('.')
		sb.WriteString(fk)
		sb.WriteString(" AS ")
		sb.WriteString(throughKeyAlias)
		sb.WriteString(strconv.Itoa(i))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(relTable)
	sb.WriteString(" JOIN ")
	sb.WriteString(thrTable)
	sb.WriteString(" ON ")
	for i := range secondKeys {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(relTable)
		sb.WriteByte('.')
		sb.WriteString(secondKeys[i])
		sb.WriteString(" = ")
		sb.WriteString(thrTable)
		sb.WriteByte('.')
		sb.WriteString(throughKeys[i])
	}
	sb.WriteString(" WHERE ")

	qualified := make([]string, len(firstKeys))
	for i, fk := range firstKeys {
		qualified[i] = thrTable + "." + fk
	}
	args := writeTuplePredicate(sb, qualified, tuples)

	if throughInfo.SoftDeleteColumn != "" {
		sb.WriteString(" AND ")
		sb.WriteString(thrTable)
		sb.WriteByte('.')
		sb.WriteString(throughInfo.SoftDeleteColumn)
		sb.WriteString(" IS NULL")
	}
	if relatedInfo.SoftDeleteColumn != "" {
		sb.WriteString(" AND ")
		sb.WriteString(relTable)
		sb.WriteByte('.')
		sb.WriteString(relatedInfo.SoftDeleteColumn)
		sb.WriteString(" IS NULL")
	}
	query := sb.String()
	PutStringBuilder(sb)

	rows, err := run.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return WrapRelationError(relName, parentInfo.Type.Name(), WrapQueryError("SELECT", query, args, err))
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return err
	}

	fields := make([]*FieldInfo, len(columns))
	throughPos := make([]int, len(firstKeys)) // column index per projected key
	for i := range throughPos {
		throughPos[i] = -1
	}
	for i, col := range columns {
		name := stripTableQualifier(col)
		if strings.HasPrefix(name, throughKeyAlias) {
			if n, err := strconv.Atoi(name[len(throughKeyAlias):]); err == nil && n < len(throughPos) {
				throughPos[n] = i
				continue
			}
		}
		fields[i] = relatedInfo.Columns[name]
	}

	type throughRow struct {
		val reflect.Value
		key KeyTuple
	}
	var loaded []throughRow
	relatedResults := make([]any, 0, 16)

	dest := make([]any, len(columns))
	for rows.Next() {
		val := reflect.New(relatedInfo.Type)
		elem := val.Elem()
		raw := make([]any, len(columns))
		for i, f := range fields {
			if f != nil {
				dest[i] = elem.FieldByIndex(f.Index).Addr().Interface()
			} else {
				dest[i] = &raw[i]
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return err
		}

		key := make(KeyTuple, len(firstKeys))
		for i, pos := range throughPos {
			if pos >= 0 {
				key[i] = raw[pos]
			}
		}
		loaded = append(loaded, throughRow{val: val, key: key})
		relatedResults = append(relatedResults, val.Interface())
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(group.subs) > 0 && len(relatedResults) > 0 {
		if err := loadRelationsInto(ctx, run, relatedInfo, relatedResults, group.subs, nil); err != nil {
			return err
		}
	}

	children := make(map[string][]reflect.Value, len(tuples))
	for _, row := range loaded {
		hash := BuildHash(localKeys, row.key)
		children[hash] = append(children[hash], row.val)
	}

	for i, tuple := range tuples {
		hash := BuildHash(localKeys, tuple)
		for _, pi := range parentIdx[i] {
			assignRelation(parents[pi], relName, children[hash], false)
		}
	}
	return nil
}
