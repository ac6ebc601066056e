package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/stockpile/pkg/staging"
	"github.com/Sternrassler/stockpile/pkg/store"
	"github.com/Sternrassler/stockpile/pkg/table"
)

// LedgerTable records which staged artifacts reached each live table.
const LedgerTable = "stockpile_publish_log"

// LedgerSchema is the layout of LedgerTable.
func LedgerSchema() table.Schema {
	return table.Schema{
		Columns: []table.Column{
			{Name: "table_name", Type: table.TypeString, Required: true},
			{Name: "artifact", Type: table.TypeString, Required: true},
			{Name: "rows", Type: table.TypeInt},
			{Name: "published_at", Type: table.TypeTimestamp, Required: true},
		},
		PrimaryKey: []string{"table_name", "artifact"},
	}
}

// Ledger lives in the same store as the tables it describes.
type Ledger struct {
	store store.Store
}

// NewLedger creates the ledger table if needed.
func NewLedger(ctx context.Context, st store.Store) (*Ledger, error) {
	if err := st.CreateTable(ctx, LedgerTable, LedgerSchema()); err != nil {
		return nil, fmt.Errorf("create %s: %w", LedgerTable, err)
	}
	return &Ledger{store: st}, nil
}

// Applied returns the artifact names already published to tableName.
func (l *Ledger) Applied(ctx context.Context, tableName string) (map[string]struct{}, error) {
	applied := make(map[string]struct{})
	err := l.store.Scan(ctx, LedgerTable, LedgerSchema(), func(r table.Row) error {
		if r["table_name"] == tableName {
			if name, ok := r["artifact"].(string); ok {
				applied[name] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", LedgerTable, err)
	}
	return applied, nil
}

// Record marks artifacts as published to tableName.
func (l *Ledger) Record(ctx context.Context, tableName string, artifacts []staging.Artifact, rows []int) error {
	if len(artifacts) == 0 {
		return nil
	}
	now := time.Now().UTC()
	entries := make([]table.Row, len(artifacts))
	for i, a := range artifacts {
		entries[i] = table.Row{
			"table_name":   tableName,
			"artifact":     a.Name,
			"rows":         int64(rows[i]),
			"published_at": now,
		}
	}
	if err := l.store.InsertOrReplace(ctx, LedgerTable, LedgerSchema(), entries); err != nil {
		return fmt.Errorf("record %s: %w", LedgerTable, err)
	}
	return nil
}

// Pending filters artifacts down to those not yet applied, keeping order.
func (l *Ledger) Pending(ctx context.Context, tableName string, artifacts []staging.Artifact) ([]staging.Artifact, error) {
	applied, err := l.Applied(ctx, tableName)
	if err != nil {
		return nil, err
	}
	var out []staging.Artifact
	for _, a := range artifacts {
		if _, done := applied[a.Name]; !done {
			out = append(out, a)
		}
	}
	return out, nil
}
