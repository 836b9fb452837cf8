package norm

import (
	"context"
	"strings"
	"time"
)

// Soft deletion. A model opting in via the SoftDeletable interface never has
// its rows removed by Delete: the deleted-at column is set instead, and the
// query scope in buildWhereClause hides those rows from every subsequent
// query unless WithTrashed or OnlyTrashed lifts it.

// Delete removes records matching the current query conditions. For
// soft-deletable models this issues an UPDATE setting the deleted-at column;
// use ForceDelete for a real DELETE.
// WARNING: without WHERE conditions this affects ALL (non-deleted) rows.
func (m *Model[T]) Delete(ctx context.Context) error {
	if col := m.modelInfo.SoftDeleteColumn; col != "" {
		return m.UpdateMany(ctx, map[string]any{col: time.Now()})
	}
	return m.hardDelete(ctx)
}

// ForceDelete permanently removes matching records, bypassing the
// soft-delete scope. Rows removed this way are gone even under WithTrashed.
func (m *Model[T]) ForceDelete(ctx context.Context) error {
	q := m.Clone()
	q.trashed = trashedWith
	return q.hardDelete(ctx)
}

// Restore nulls the deleted-at column of matching records, making them
// visible to default queries again. The scope is lifted for the write so
// trashed rows are actually reachable.
func (m *Model[T]) Restore(ctx context.Context) error {
	col := m.modelInfo.SoftDeleteColumn
	if col == "" {
		return ErrNotSoftDeletable
	}

	q := m.Clone()
	q.trashed = trashedWith
	return q.UpdateMany(ctx, map[string]any{col: nil})
}

// DeleteEntity soft-deletes (or hard-deletes, for models without a
// deleted-at column) a single entity matched on its primary key(s).
func (m *Model[T]) DeleteEntity(ctx context.Context, entity *T) error {
	if entity == nil {
		return ErrNilPointer
	}
	q := m.Clone().WhereList(m.modelInfo.PrimaryKeys, []KeyTuple{entityKeyTuple(m.modelInfo, entity)})
	return q.Delete(ctx)
}

// RestoreEntity restores a single soft-deleted entity by primary key.
func (m *Model[T]) RestoreEntity(ctx context.Context, entity *T) error {
	if entity == nil {
		return ErrNilPointer
	}
	q := m.Clone().WhereList(m.modelInfo.PrimaryKeys, []KeyTuple{entityKeyTuple(m.modelInfo, entity)})
	return q.Restore(ctx)
}

// hardDelete issues a real DELETE for the current query state.
func (m *Model[T]) hardDelete(ctx context.Context) error {
	if m.err != nil {
		return m.err
	}
	var sb strings.Builder
	sb.WriteString("DELETE FROM ")
	sb.WriteString(m.TableName())
	m.buildWhereClause(&sb)

	query := sb.String()
	if _, err := m.queryerForWrite().ExecContext(ctx, rebind(query), m.args...); err != nil {
		return WrapQueryError("DELETE", query, m.args, err)
	}
	return nil
}
