package norm

import (
	"context"
	"database/sql"
	"reflect"
	"strings"
	"time"
)

// queryer returns the query executor for reads: the active transaction when
// one is set, a resolver-routed replica when a resolver is configured, and
// the model's (or global) connection otherwise.
func (m *Model[T]) queryer() interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
} {
	if m.tx != nil {
		return m.tx
	}

	if resolver := GetGlobalResolver(); resolver != nil {
		return m.resolveDB(resolver)
	}

	if m.db != nil {
		return m.db
	}
	return GlobalDB
}

// resolveDB picks a connection from the resolver based on routing overrides.
func (m *Model[T]) resolveDB(resolver *DBResolver) *sql.DB {
	if m.forcePrimary {
		return resolver.Primary()
	}

	if m.forceReplica >= 0 {
		if db := resolver.ReplicaAt(m.forceReplica); db != nil {
			return db
		}
	}

	return resolver.Replica()
}

// queryerForWrite returns the executor for writes, always the primary when a
// resolver is configured.
func (m *Model[T]) queryerForWrite() interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
} {
	if m.tx != nil {
		return m.tx
	}

	if resolver := GetGlobalResolver(); resolver != nil {
		return resolver.Primary()
	}

	if m.db != nil {
		return m.db
	}
	return GlobalDB
}

// Get executes the query and returns a slice of results.
func (m *Model[T]) Get(ctx context.Context) ([]*T, error) {
	if m.err != nil {
		return nil, m.err
	}
	query, args := m.buildSelectQuery()

	rows, err := m.queryer().QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, WrapQueryError("SELECT", query, args, err)
	}
	defer rows.Close()

	results, err := m.scanRows(rows)
	if err != nil {
		return nil, WrapQueryError("SCAN", query, args, err)
	}

	if err := m.loadRelations(ctx, results); err != nil {
		return nil, err
	}

	return results, nil
}

// First executes the query and returns the first result, or ErrRecordNotFound.
func (m *Model[T]) First(ctx context.Context) (*T, error) {
	q := m.Clone()
	q.limit = 1
	results, err := q.Get(ctx)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrRecordNotFound
	}
	return results[0], nil
}

// FirstOrFail is like First but fails with a NotFoundError naming the entity
// type when no row matches.
func (m *Model[T]) FirstOrFail(ctx context.Context) (*T, error) {
	result, err := m.First(ctx)
	if IsNotFound(err) {
		return nil, &NotFoundError{Entity: m.modelInfo.Type.Name()}
	}
	return result, err
}

// FirstOr returns the first result, or the value produced by fallback when
// no row matches.
func (m *Model[T]) FirstOr(ctx context.Context, fallback func() *T) (*T, error) {
	result, err := m.First(ctx)
	if IsNotFound(err) {
		return fallback(), nil
	}
	return result, err
}

// Find finds a record by primary key. For composite-keyed models the id may
// be a KeyTuple or a hash string produced by BuildHash. Returns nil (no
// error) when no row matches.
func (m *Model[T]) Find(ctx context.Context, id any) (*T, error) {
	q, err := m.wherePrimaryKey(id)
	if err != nil {
		return nil, err
	}
	result, err := q.First(ctx)
	if IsNotFound(err) {
		return nil, nil
	}
	return result, err
}

// FindMany finds all records matching the given primary keys. Missing keys
// are silently absent from the result.
func (m *Model[T]) FindMany(ctx context.Context, ids ...any) ([]*T, error) {
	if len(ids) == 0 {
		return []*T{}, nil
	}

	tuples, err := m.primaryKeyTuples(ids)
	if err != nil {
		return nil, err
	}
	return m.Clone().WhereList(m.modelInfo.PrimaryKeys, tuples).Get(ctx)
}

// FindOrFail finds a record by primary key or fails with a NotFoundError
// carrying the entity type name.
func (m *Model[T]) FindOrFail(ctx context.Context, id any) (*T, error) {
	result, err := m.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, &NotFoundError{Entity: m.modelInfo.Type.Name()}
	}
	return result, nil
}

// wherePrimaryKey scopes the query to a single primary key value, decoding
// hash-string ids for composite keys.
func (m *Model[T]) wherePrimaryKey(id any) (*Model[T], error) {
	tuples, err := m.primaryKeyTuples([]any{id})
	if err != nil {
		return nil, err
	}
	return m.Clone().WhereList(m.modelInfo.PrimaryKeys, tuples), nil
}

// primaryKeyTuples normalizes mixed id arguments (scalars, KeyTuples, hash
// strings for composite keys) into key tuples.
func (m *Model[T]) primaryKeyTuples(ids []any) ([]KeyTuple, error) {
	pks := m.modelInfo.PrimaryKeys
	if len(pks) == 1 {
		return normalizeKeys(ids, 1)
	}

	tuples := make([]KeyTuple, 0, len(ids))
	for _, id := range ids {
		if hash, ok := id.(string); ok {
			tuple, err := DecodeHash(pks, hash)
			if err != nil {
				return nil, err
			}
			tuples = append(tuples, tuple)
			continue
		}
		normalized, err := normalizeKeys([]any{id}, len(pks))
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, normalized...)
	}
	return tuples, nil
}

// Count returns the number of records matching the query.
func (m *Model[T]) Count(ctx context.Context) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	q := m.Clone()
	q.limit, q.offset = 0, 0
	q.orderBys = nil

	var sb strings.Builder
	sb.WriteString("SELECT COUNT(*) FROM ")
	sb.WriteString(q.TableName())
	for _, j := range q.joins {
		sb.WriteByte(' ')
		sb.WriteString(j)
	}
	q.buildWhereClause(&sb)

	query := sb.String()

	var count int64
	err := q.queryer().QueryRowContext(ctx, rebind(query), q.args...).Scan(&count)
	if err != nil {
		return 0, WrapQueryError("COUNT", query, q.args, err)
	}
	return count, nil
}

// Exists checks if any record matches the query conditions.
func (m *Model[T]) Exists(ctx context.Context) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	q := m.Clone()
	q.limit = 1
	q.offset = 0
	q.orderBys = nil

	var sb strings.Builder
	sb.WriteString("SELECT 1 FROM ")
	sb.WriteString(q.TableName())
	for _, j := range q.joins {
		sb.WriteByte(' ')
		sb.WriteString(j)
	}
	q.buildWhereClause(&sb)
	sb.WriteString(" LIMIT 1")

	query := sb.String()

	var exists int
	err := q.queryer().QueryRowContext(ctx, rebind(query), q.args...).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, WrapQueryError("EXISTS", query, q.args, err)
	}
	return true, nil
}

// Chunk fetches matching rows in batches of size and hands each batch to fn.
// Iteration stops when fn returns an error or a batch comes back short.
func (m *Model[T]) Chunk(ctx context.Context, size int, fn func(batch []*T) error) error {
	if size <= 0 {
		return ErrInvalidConfig
	}

	offset := 0
	for {
		q := m.Clone()
		q.limit = size
		q.offset = offset

		batch, err := q.Get(ctx)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < size {
			return nil
		}
		offset += size
	}
}

// Paginate returns the page-th page (1-based) of perPage rows plus the total
// match count.
func (m *Model[T]) Paginate(ctx context.Context, page, perPage int) ([]*T, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 15
	}

	total, err := m.Count(ctx)
	if err != nil {
		return nil, 0, err
	}

	q := m.Clone()
	q.limit = perPage
	q.offset = (page - 1) * perPage
	results, err := q.Get(ctx)
	return results, total, err
}

// SimplePaginate returns one page plus a flag telling whether more rows
// exist, without the extra COUNT query.
func (m *Model[T]) SimplePaginate(ctx context.Context, page, perPage int) ([]*T, bool, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 15
	}

	q := m.Clone()
	q.limit = perPage + 1
	q.offset = (page - 1) * perPage

	results, err := q.Get(ctx)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(results) > perPage
	if hasMore {
		results = results[:perPage]
	}
	return results, hasMore, nil
}

// scanRows scans sql.Rows into a slice of *T using pre-calculated field
// mapping and a reused destination slice.
func (m *Model[T]) scanRows(rows *sql.Rows) ([]*T, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	initialCap := m.limit
	if initialCap <= 0 {
		initialCap = 64
	}
	results := make([]*T, 0, initialCap)

	fields := make([]*FieldInfo, len(columns))
	for i, col := range columns {
		fields[i] = m.modelInfo.Columns[stripTableQualifier(col)]
	}
	dest := make([]any, len(columns))

	for rows.Next() {
		entity := new(T)
		val := reflect.ValueOf(entity).Elem()

		for i, f := range fields {
			if f != nil {
				dest[i] = val.FieldByIndex(f.Index).Addr().Interface()
			} else {
				var ignore any
				dest[i] = &ignore
			}
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		results = append(results, entity)
	}

	return results, rows.Err()
}

// stripTableQualifier reduces "users.id" to "id" for column mapping.
func stripTableQualifier(col string) string {
	if i := strings.LastIndexByte(col, '.'); i >= 0 {
		return col[i+1:]
	}
	return col
}

// Create inserts a new record, maintaining created_at/updated_at when the
// model declares them. A single auto-incrementing primary key is scanned back
// via RETURNING when its field is zero.
func (m *Model[T]) Create(ctx context.Context, entity *T) error {
	if entity == nil {
		return ErrNilPointer
	}

	val := reflect.ValueOf(entity).Elem()
	now := time.Now()
	m.stampTimestamp(val, "created_at", now)
	m.stampTimestamp(val, "updated_at", now)

	numFields := len(m.modelInfo.Fields)
	columns := make([]string, 0, numFields)
	values := make([]any, 0, numFields)

	returningPK := !m.modelInfo.IsComposite()
	var pkField *FieldInfo

	for _, field := range m.modelInfo.Fields {
		fVal := val.FieldByIndex(field.Index)
		if field.IsPrimary && returningPK {
			pkField = field
			if fVal.IsZero() {
				continue
			}
			returningPK = false
		}

		columns = append(columns, field.Column)
		values = append(values, fVal.Interface())
	}

	sb := GetStringBuilder()
	sb.WriteString("INSERT INTO ")
	sb.WriteString(m.modelInfo.TableName)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES (")
	writePlaceholdersWithSeparator(sb, len(columns), ", ")
	sb.WriteByte(')')
	if returningPK {
		sb.WriteString(" RETURNING ")
		sb.WriteString(m.modelInfo.PrimaryKey())
	}
	query := sb.String()
	PutStringBuilder(sb)

	if returningPK && pkField != nil {
		fVal := val.FieldByIndex(pkField.Index)
		err := m.queryerForWrite().QueryRowContext(ctx, rebind(query), values...).Scan(fVal.Addr().Interface())
		if err != nil {
			return WrapQueryError("INSERT", query, values, err)
		}
		return nil
	}

	if _, err := m.queryerForWrite().ExecContext(ctx, rebind(query), values...); err != nil {
		return WrapQueryError("INSERT", query, values, err)
	}
	return nil
}

// Update writes all non-key fields of the entity, matched on its primary
// key(s). Bumps updated_at when the model declares it.
func (m *Model[T]) Update(ctx context.Context, entity *T) error {
	if entity == nil {
		return ErrNilPointer
	}

	val := reflect.ValueOf(entity).Elem()
	m.stampTimestamp(val, "updated_at", time.Now())

	numFields := len(m.modelInfo.Fields)
	sets := make([]string, 0, numFields)
	values := make([]any, 0, numFields+len(m.modelInfo.PrimaryKeys))

	for _, field := range m.modelInfo.Fields {
		if field.IsPrimary {
			continue
		}
		sets = append(sets, field.Column+" = ?")
		values = append(values, val.FieldByIndex(field.Index).Interface())
	}

	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(m.modelInfo.TableName)
	sb.WriteString(" SET ")
	sb.WriteString(strings.Join(sets, ", "))
	sb.WriteString(" WHERE ")
	for i, pk := range m.modelInfo.PrimaryKeys {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(pk)
		sb.WriteString(" = ?")
		values = append(values, val.FieldByIndex(m.modelInfo.Columns[pk].Index).Interface())
	}

	query := sb.String()
	if _, err := m.queryerForWrite().ExecContext(ctx, rebind(query), values...); err != nil {
		return WrapQueryError("UPDATE", query, values, err)
	}

	if len(m.modelInfo.Touches) > 0 {
		return touchOwners(ctx, m.queryerForWrite(), m.modelInfo, entity)
	}
	return nil
}

// UpdateMany updates records matching the query with the given column values.
func (m *Model[T]) UpdateMany(ctx context.Context, values map[string]any) error {
	if m.err != nil {
		return m.err
	}
	if len(values) == 0 {
		return nil
	}

	// The caller's map is never amended; the maintained timestamp goes
	// straight into the SET list.
	sets := make([]string, 0, len(values)+1)
	setArgs := make([]any, 0, len(values)+1)
	if _, ok := m.modelInfo.Columns["updated_at"]; ok {
		if _, exists := values["updated_at"]; !exists {
			sets = append(sets, "updated_at = ?")
			setArgs = append(setArgs, time.Now())
		}
	}

	for k, v := range values {
		if err := ValidateColumnName(k); err != nil {
			return err
		}
		sets = append(sets, k+" = ?")
		setArgs = append(setArgs, v)
	}

	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(m.TableName())
	sb.WriteString(" SET ")
	sb.WriteString(strings.Join(sets, ", "))
	m.buildWhereClause(&sb)

	args := make([]any, 0, len(setArgs)+len(m.args))
	args = append(args, setArgs...)
	args = append(args, m.args...)

	query := sb.String()
	if _, err := m.queryerForWrite().ExecContext(ctx, rebind(query), args...); err != nil {
		return WrapQueryError("UPDATE", query, args, err)
	}
	return nil
}

// stampTimestamp sets a timestamp column's field when the model declares it.
func (m *Model[T]) stampTimestamp(val reflect.Value, column string, t time.Time) {
	fieldInfo, ok := m.modelInfo.Columns[column]
	if !ok {
		return
	}
	fieldVal := val.FieldByIndex(fieldInfo.Index)
	if fieldVal.CanSet() {
		_ = setFieldValue(fieldVal, t)
	}
}
