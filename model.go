package norm

import (
	"database/sql"
	"time"
)

// GlobalDB is the fallback database connection pool used when a model has no
// connection of its own. Set it once at startup, or use SetDB per model.
var GlobalDB *sql.DB

// Model[T] is the query and relation engine for the model type T.
// A Model carries builder state and is consumed by a terminal call
// (Get, First, Attach, ...). Clone before reusing across queries.
type Model[T any] struct {
	db        *sql.DB
	tx        *sql.Tx
	modelInfo *ModelInfo

	// Query builder state
	table       string // overrides modelInfo.TableName when set
	columns     []string
	wheres      []string
	args        []any
	joins       []string
	orderBys    []string
	limit       int
	offset      int
	trashed     trashedMode
	relations   []string
	morphScopes map[string]map[string]MorphScope // relation -> morph type -> deferred ops

	forcePrimary bool
	forceReplica int

	// First builder error (bad column, unknown relation, ...). Checked by
	// terminal calls so a dropped condition can never silently widen the
	// query.
	err error
}

// setErr records the first builder error for the terminal call to return.
func (m *Model[T]) setErr(err error) *Model[T] {
	if m.err == nil {
		m.err = err
	}
	return m
}

// trashedMode controls how the soft-delete scope is applied to a query.
type trashedMode int

const (
	trashedDefault trashedMode = iota // deleted rows filtered out
	trashedWith                       // scope lifted, all rows visible
	trashedOnly                       // scope inverted, only deleted rows
)

// New creates a new Model instance for type T.
func New[T any]() *Model[T] {
	return &Model[T]{
		db:           GlobalDB,
		modelInfo:    ParseModel[T](),
		forceReplica: -1,
	}
}

// SetDB sets a custom database connection for this model instance.
func (m *Model[T]) SetDB(db *sql.DB) *Model[T] {
	m.db = db
	return m
}

// TableName returns the table the query runs against.
func (m *Model[T]) TableName() string {
	if m.table != "" {
		return m.table
	}
	return m.modelInfo.TableName
}

// Table overrides the table name for this query.
func (m *Model[T]) Table(name string) *Model[T] {
	m.table = name
	return m
}

// Clone returns a copy of the model with independent builder state.
func (m *Model[T]) Clone() *Model[T] {
	c := *m
	c.columns = append([]string(nil), m.columns...)
	c.wheres = append([]string(nil), m.wheres...)
	c.args = append([]any(nil), m.args...)
	c.joins = append([]string(nil), m.joins...)
	c.orderBys = append([]string(nil), m.orderBys...)
	c.relations = append([]string(nil), m.relations...)
	if m.morphScopes != nil {
		c.morphScopes = make(map[string]map[string]MorphScope, len(m.morphScopes))
		for rel, byType := range m.morphScopes {
			inner := make(map[string]MorphScope, len(byType))
			for typ, scope := range byType {
				inner[typ] = scope
			}
			c.morphScopes[rel] = inner
		}
	}
	return &c
}

// ConfigureConnectionPoolSeconds accepts durations in seconds.
// Pass 0 to leave duration unlimited / not set.
func ConfigureConnectionPoolSeconds(db *sql.DB, maxOpen, maxIdle int, maxLifetimeSec, idleTimeoutSec int64) {
	if db == nil {
		return
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if maxLifetimeSec >= 0 {
		db.SetConnMaxLifetime(time.Duration(maxLifetimeSec) * time.Second)
	}
	if idleTimeoutSec >= 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeoutSec) * time.Second)
	}
}
