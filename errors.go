package norm

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure cases
var (
	// ErrRecordNotFound is returned when a query returns no results
	ErrRecordNotFound = errors.New("norm: record not found")

	// ErrInvalidModel is returned when the model type is invalid
	ErrInvalidModel = errors.New("norm: invalid model")

	// ErrRelationNotFound is returned when a relation method is not found
	ErrRelationNotFound = errors.New("norm: relation not found")

	// ErrInvalidRelation is returned when relation type is invalid
	ErrInvalidRelation = errors.New("norm: invalid relation type")

	// ErrInvalidConfig is returned when relation config is invalid
	ErrInvalidConfig = errors.New("norm: invalid relation config")

	// ErrInvalidKeyShape is returned when a composite key argument does not
	// match the declared key columns
	ErrInvalidKeyShape = errors.New("norm: invalid key shape")

	// ErrNotSoftDeletable is returned when a trashed-scope operation is used
	// on a model without a soft-delete column
	ErrNotSoftDeletable = errors.New("norm: model is not soft-deletable")

	// ErrNilPointer is returned when a nil pointer is passed
	ErrNilPointer = errors.New("norm: nil pointer")

	// ErrNilDatabase is returned when no database connection is configured
	ErrNilDatabase = errors.New("norm: no database connection")
)

// QueryError wraps database errors with query context for better debugging
type QueryError struct {
	Query     string // The SQL query that failed
	Args      []any  // The query arguments
	Operation string // Operation type: SELECT, INSERT, UPDATE, DELETE
	Err       error  // The underlying error
}

func (e *QueryError) Error() string {
	argsStr := formatArgs(e.Args)
	return fmt.Sprintf("norm: %s failed: %v\nQuery: %s\nArgs: %s",
		e.Operation, e.Err, e.Query, argsStr)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// RelationError wraps relation loading failures with context
type RelationError struct {
	Relation  string // Name of the relation
	ModelType string // Type of the model
	Err       error  // The underlying error
}

func (e *RelationError) Error() string {
	return fmt.Sprintf("norm: relation '%s' error on model %s: %v",
		e.Relation, e.ModelType, e.Err)
}

func (e *RelationError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned by the *OrFail variants. It carries the entity
// type the caller expected so the failure is attributable without extra
// context at the call site.
type NotFoundError struct {
	Entity string // Go type name of the missing entity
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("norm: no record found for %s", e.Entity)
}

func (e *NotFoundError) Unwrap() error {
	return ErrRecordNotFound
}

// WrapQueryError wraps a database error with query context.
// Storage-layer failures (constraint violations, connection errors) keep
// their underlying error intact; nothing is retried here.
func WrapQueryError(operation, query string, args []any, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrRecordNotFound
	}

	return &QueryError{
		Query:     query,
		Args:      args,
		Operation: operation,
		Err:       err,
	}
}

// WrapRelationError wraps a relation error with context
func WrapRelationError(relation, modelType string, err error) error {
	if err == nil {
		return nil
	}
	return &RelationError{
		Relation:  relation,
		ModelType: modelType,
		Err:       err,
	}
}

// IsNotFound checks if the error is ErrRecordNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) || errors.Is(err, sql.ErrNoRows)
}

// formatArgs formats query arguments for error messages
func formatArgs(args []any) string {
	if len(args) == 0 {
		return "[]"
	}

	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = fmt.Sprintf("%v", arg)
	}

	// Limit output length
	result := "[" + strings.Join(parts, ", ") + "]"
	if len(result) > 200 {
		return result[:197] + "...]"
	}
	return result
}
