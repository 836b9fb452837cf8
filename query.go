package norm

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Where adds an equality condition.
func (m *Model[T]) Where(column string, value any) *Model[T] {
	if err := ValidateColumnName(column); err != nil {
		return m.setErr(err)
	}
	m.wheres = append(m.wheres, "AND "+column+" = ?")
	m.args = append(m.args, value)
	return m
}

// WhereOp adds a condition with an explicit operator, e.g. WhereOp("age", ">", 21).
func (m *Model[T]) WhereOp(column, op string, value any) *Model[T] {
	if err := ValidateColumnName(column); err != nil {
		return m.setErr(err)
	}
	switch op {
	case "=", "!=", "<>", "<", "<=", ">", ">=", "LIKE", "NOT LIKE":
	default:
		return m.setErr(fmt.Errorf("%w: operator %q", ErrInvalidConfig, op))
	}
	m.wheres = append(m.wheres, "AND "+column+" "+op+" ?")
	m.args = append(m.args, value)
	return m
}

// WhereIn adds a set-membership condition.
func (m *Model[T]) WhereIn(column string, values ...any) *Model[T] {
	if err := ValidateColumnName(column); err != nil {
		return m.setErr(err)
	}
	if len(values) == 0 {
		// An empty IN list matches nothing.
		m.wheres = append(m.wheres, "AND 1=0")
		return m
	}

	sb := GetStringBuilder()
	sb.WriteString("AND ")
	sb.WriteString(column)
	sb.WriteString(" IN (")
	writePlaceholdersWithSeparator(sb, len(values), ",")
	sb.WriteByte(')')
	m.wheres = append(m.wheres, sb.String())
	PutStringBuilder(sb)

	m.args = append(m.args, values...)
	return m
}

// WhereNull adds an IS NULL condition.
func (m *Model[T]) WhereNull(column string) *Model[T] {
	if err := ValidateColumnName(column); err != nil {
		return m.setErr(err)
	}
	m.wheres = append(m.wheres, "AND "+column+" IS NULL")
	return m
}

// WhereNotNull adds an IS NOT NULL condition.
func (m *Model[T]) WhereNotNull(column string) *Model[T] {
	if err := ValidateColumnName(column); err != nil {
		return m.setErr(err)
	}
	m.wheres = append(m.wheres, "AND "+column+" IS NOT NULL")
	return m
}

// WhereList adds a multi-column set-membership condition over key tuples:
// one (col1 = ? AND col2 = ?) group per tuple, OR-ed together. A nil value
// inside a tuple becomes an IS NULL predicate. The single-column case
// degenerates to a plain IN list.
func (m *Model[T]) WhereList(columns []string, tuples []KeyTuple) *Model[T] {
	for _, c := range columns {
		if err := ValidateColumnName(c); err != nil {
			return m.setErr(err)
		}
	}
	if len(tuples) == 0 {
		m.wheres = append(m.wheres, "AND 1=0")
		return m
	}

	if len(columns) == 1 {
		values := make([]any, len(tuples))
		for i, t := range tuples {
			values[i] = t[0]
		}
		return m.WhereIn(columns[0], values...)
	}

	sb := GetStringBuilder()
	sb.WriteString("AND ")
	m.args = append(m.args, writeTuplePredicate(sb, columns, tuples)...)
	m.wheres = append(m.wheres, sb.String())
	PutStringBuilder(sb)

	return m
}

// writeTuplePredicate writes a parenthesized OR-of-AND-groups predicate
// matching the given key tuples and returns the bind arguments it consumed.
// Portable replacement for row-value IN, which not every driver supports.
func writeTuplePredicate(sb *strings.Builder, columns []string, tuples []KeyTuple) []any {
	args := make([]any, 0, len(tuples)*len(columns))
	sb.WriteByte('(')
	for i, t := range tuples {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteByte('(')
		for j, col := range columns {
			if j > 0 {
				sb.WriteString(" AND ")
			}
			sb.WriteString(col)
			if t[j] == nil {
				sb.WriteString(" IS NULL")
			} else {
				sb.WriteString(" = ?")
				args = append(args, t[j])
			}
		}
		sb.WriteByte(')')
	}
	sb.WriteByte(')')
	return args
}

// whereExists adds an EXISTS condition over a pre-built subquery.
func (m *Model[T]) whereExists(subquery string, args []any, negate bool) *Model[T] {
	clause := "AND EXISTS ("
	if negate {
		clause = "AND NOT EXISTS ("
	}
	m.wheres = append(m.wheres, clause+subquery+")")
	m.args = append(m.args, args...)
	return m
}

// Join adds an INNER JOIN.
func (m *Model[T]) Join(table, left, op, right string) *Model[T] {
	m.joins = append(m.joins, "JOIN "+table+" ON "+left+" "+op+" "+right)
	return m
}

// LeftJoin adds a LEFT JOIN.
func (m *Model[T]) LeftJoin(table, left, op, right string) *Model[T] {
	m.joins = append(m.joins, "LEFT JOIN "+table+" ON "+left+" "+op+" "+right)
	return m
}

// Select sets the selected columns, replacing any previous selection.
func (m *Model[T]) Select(columns ...string) *Model[T] {
	m.columns = columns
	return m
}

// AddSelect appends columns to the current selection.
func (m *Model[T]) AddSelect(columns ...string) *Model[T] {
	m.columns = append(m.columns, columns...)
	return m
}

// OrderBy adds an ORDER BY clause. Direction must be ASC or DESC.
func (m *Model[T]) OrderBy(column, direction string) *Model[T] {
	if err := ValidateColumnName(column); err != nil {
		return m.setErr(err)
	}
	dir := strings.ToUpper(direction)
	if dir != "ASC" && dir != "DESC" {
		dir = "ASC"
	}
	m.orderBys = append(m.orderBys, column+" "+dir)
	return m
}

// Limit sets the maximum number of rows.
func (m *Model[T]) Limit(n int) *Model[T] {
	m.limit = n
	return m
}

// Offset sets the number of rows to skip.
func (m *Model[T]) Offset(n int) *Model[T] {
	m.offset = n
	return m
}

// With registers relations for eager loading, e.g. With("Roles", "Posts.Comments").
func (m *Model[T]) With(relations ...string) *Model[T] {
	m.relations = append(m.relations, relations...)
	return m
}

// WithTrashed lifts the soft-delete scope for this query only.
func (m *Model[T]) WithTrashed() *Model[T] {
	m.trashed = trashedWith
	return m
}

// WithoutTrashed re-asserts the default soft-delete filter, undoing a prior
// WithTrashed on the same builder.
func (m *Model[T]) WithoutTrashed() *Model[T] {
	m.trashed = trashedDefault
	return m
}

// OnlyTrashed inverts the soft-delete scope: only logically deleted rows.
func (m *Model[T]) OnlyTrashed() *Model[T] {
	m.trashed = trashedOnly
	return m
}

// buildSelectQuery constructs the SQL SELECT statement from the builder state.
// Returns the complete SQL query string and its corresponding arguments.
func (m *Model[T]) buildSelectQuery() (string, []any) {
	sb := GetStringBuilder()
	defer PutStringBuilder(sb)

	sb.WriteString("SELECT ")
	if len(m.columns) > 0 {
		sb.WriteString(strings.Join(m.columns, ", "))
	} else {
		sb.WriteString("*")
	}

	sb.WriteString(" FROM ")
	sb.WriteString(m.TableName())

	for _, j := range m.joins {
		sb.WriteByte(' ')
		sb.WriteString(j)
	}

	m.buildWhereClause(sb)

	if len(m.orderBys) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(m.orderBys, ", "))
	}

	if m.limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(m.limit))
	}

	if m.offset > 0 {
		sb.WriteString(" OFFSET ")
		sb.WriteString(strconv.Itoa(m.offset))
	}

	return sb.String(), append([]any(nil), m.args...)
}

// buildWhereClause appends WHERE conditions to the query builder.
// It uses "WHERE 1=1" as a base to simplify appending AND/OR conditions.
// The soft-delete scope is injected here so every read and write path built
// on the query state filters deleted rows consistently.
func (m *Model[T]) buildWhereClause(sb *strings.Builder) {
	scope := m.softDeleteClause()
	if len(m.wheres) == 0 && scope == "" {
		return
	}

	sb.WriteString(" WHERE 1=1")
	for _, w := range m.wheres {
		sb.WriteByte(' ')
		sb.WriteString(w)
	}
	if scope != "" {
		sb.WriteString(" AND ")
		sb.WriteString(scope)
	}
}

// softDeleteClause returns the deleted-at predicate for the current trashed
// mode, or "" when no filter applies. The column is table-qualified when the
// query has joins, to avoid ambiguity with joined tables that carry their own
// deleted-at column.
func (m *Model[T]) softDeleteClause() string {
	col := m.modelInfo.SoftDeleteColumn
	if col == "" {
		return ""
	}
	if len(m.joins) > 0 {
		col = m.TableName() + "." + col
	}

	switch m.trashed {
	case trashedWith:
		return ""
	case trashedOnly:
		return col + " IS NOT NULL"
	default:
		return col + " IS NULL"
	}
}

// ValidateColumnName checks that an identifier is safe to interpolate into
// SQL text. Accepts optionally table-qualified names like "users.id".
func ValidateColumnName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty column name", ErrInvalidConfig)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c == '_' || c == '.':
		case c >= '0' && c <= '9':
			if i == 0 {
				return fmt.Errorf("%w: column name %q starts with a digit", ErrInvalidConfig, name)
			}
		default:
			return fmt.Errorf("%w: column name %q contains invalid character %q", ErrInvalidConfig, name, c)
		}
	}
	return nil
}

// BindStyle selects the placeholder form queries are executed with.
type BindStyle int

const (
	// BindDollar rewrites ? to $N. Accepted by the pgx and sqlite3 drivers.
	BindDollar BindStyle = iota
	// BindQuestion leaves ? placeholders as-is, as the mysql driver requires.
	BindQuestion
)

// bindStyle is the process-wide placeholder style, set at startup by the
// Connect constructors. One style per process.
var bindStyle = BindDollar

// SetBindStyle overrides the placeholder style. Only needed when the pool is
// opened without ConnectPostgres/ConnectMySQL.
func SetBindStyle(s BindStyle) {
	bindStyle = s
}

// rebind converts ? placeholders to the form the current bind style wants,
// skipping question marks inside single-quoted literals. Queries built here
// always use ? internally.
func rebind(query string) string {
	if bindStyle == BindQuestion || !strings.ContainsRune(query, '?') {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			sb.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// writePlaceholdersWithSeparator writes n ? placeholders joined by sep.
func writePlaceholdersWithSeparator(sb *strings.Builder, n int, sep string) {
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(sep)
		}
		sb.WriteByte('?')
	}
}

var builderPool = sync.Pool{
	New: func() any { return &strings.Builder{} },
}

// GetStringBuilder returns a pooled strings.Builder.
func GetStringBuilder() *strings.Builder {
	return builderPool.Get().(*strings.Builder)
}

// PutStringBuilder resets and returns a builder to the pool.
func PutStringBuilder(sb *strings.Builder) {
	sb.Reset()
	builderPool.Put(sb)
}
