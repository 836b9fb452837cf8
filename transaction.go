package norm

import (
	"context"
	"database/sql"
)

// Tx wraps an open sql.Tx for binding models to it via WithTx.
type Tx struct {
	Tx *sql.Tx
}

// Transaction executes fn inside a transaction on the global connection,
// committing on nil return and rolling back on error or panic.
func Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	return TransactionOn(ctx, GlobalDB, fn)
}

// TransactionOn is Transaction against an explicit connection.
func TransactionOn(ctx context.Context, db *sql.DB, fn func(tx *Tx) error) error {
	if db == nil {
		return ErrNilDatabase
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	nTx := &Tx{Tx: tx}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(nTx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// WithTx binds the model to an open transaction; all reads and writes,
// including relation loads and pivot mutations, go through it.
func (m *Model[T]) WithTx(tx *Tx) *Model[T] {
	m.tx = tx.Tx
	return m
}
