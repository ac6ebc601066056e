// Package store defines the live analytical store contract the publish engine,
// validator and untrackable registry are written against.
//
// Implementations must execute Swap as a single transaction so that concurrent
// readers observe either the old table or the new one under the live name,
// never neither and never a half-populated table.
package store

import (
	"context"
	"errors"

	"github.com/Sternrassler/stockpile/pkg/table"
)

// ErrTableNotFound is returned when an operation targets a missing table.
var ErrTableNotFound = errors.New("table not found")

// Store is the set of live store primitives.
type Store interface {
	// CreateTable creates name with the given schema if it does not exist.
	CreateTable(ctx context.Context, name string, schema table.Schema) error

	// TableExists reports whether name exists.
	TableExists(ctx context.Context, name string) (bool, error)

	// Columns returns the column names of an existing table.
	Columns(ctx context.Context, name string) ([]string, error)

	// RenameTable renames oldName to newName.
	RenameTable(ctx context.Context, oldName, newName string) error

	// DropTable drops name if it exists.
	DropTable(ctx context.Context, name string) error

	// InsertOrReplace upserts rows keyed by the schema primary key within a
	// single transaction.
	InsertOrReplace(ctx context.Context, name string, schema table.Schema, rows []table.Row) error

	// Count returns the row count of name.
	Count(ctx context.Context, name string) (int64, error)

	// CountDistinct returns the number of distinct value tuples over cols.
	CountDistinct(ctx context.Context, name string, cols []string) (int64, error)

	// Scan calls fn for every row of name, coerced against schema.
	Scan(ctx context.Context, name string, schema table.Schema, fn func(table.Row) error) error

	// Swap atomically replaces live with staging: live is dropped and staging
	// renamed to live within one transaction.
	Swap(ctx context.Context, staging, live string) error
}

// Checkpointer is implemented by stores that can snapshot themselves before a
// publish cycle writes to them.
type Checkpointer interface {
	Checkpoint(ctx context.Context) (string, error)
}

// EqualColumns reports whether got holds exactly the names in want, ignoring order.
func EqualColumns(got, want []string) (missing, extra []string) {
	have := make(map[string]bool, len(got))
	for _, c := range got {
		have[c] = true
	}
	expected := make(map[string]bool, len(want))
	for _, c := range want {
		expected[c] = true
		if !have[c] {
			missing = append(missing, c)
		}
	}
	for _, c := range got {
		if !expected[c] {
			extra = append(extra, c)
		}
	}
	return missing, extra
}
