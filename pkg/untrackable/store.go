package untrackable

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/stockpile/pkg/job"
	"github.com/Sternrassler/stockpile/pkg/store"
	"github.com/Sternrassler/stockpile/pkg/table"
)

// TableName is the live-store table backing StoreRegistry.
const TableName = "untrackable_identities"

// Schema is the layout of TableName.
func Schema() table.Schema {
	return table.Schema{
		Columns: []table.Column{
			{Name: "identity", Type: table.TypeString, Required: true},
			{Name: "reason", Type: table.TypeString},
			{Name: "recorded_at", Type: table.TypeTimestamp, Required: true},
		},
		PrimaryKey: []string{"identity"},
	}
}

// StoreRegistry keeps entries in the live store next to the data they
// gate. Entries are loaded once and then served from memory; Mark writes
// through.
type StoreRegistry struct {
	store  store.Store
	ttl    time.Duration
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
}

var _ Registry = (*StoreRegistry)(nil)

// NewStoreRegistry creates the backing table if needed and loads its
// entries. A ttl of zero uses DefaultTTL.
func NewStoreRegistry(ctx context.Context, st store.Store, ttl time.Duration, logger zerolog.Logger) (*StoreRegistry, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &StoreRegistry{
		store:   st,
		ttl:     ttl,
		logger:  logger,
		entries: make(map[string]Entry),
	}
	if err := st.CreateTable(ctx, TableName, Schema()); err != nil {
		return nil, fmt.Errorf("create %s: %w", TableName, err)
	}
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *StoreRegistry) load(ctx context.Context) error {
	entries := make(map[string]Entry)
	err := r.store.Scan(ctx, TableName, Schema(), func(row table.Row) error {
		id, _ := row["identity"].(string)
		reason, _ := row["reason"].(string)
		at, _ := row["recorded_at"].(time.Time)
		e := Entry{Identity: job.NormalizeIdentity(id), Reason: reason, RecordedAt: at}
		entries[e.Identity] = e
		return nil
	})
	if err != nil {
		ErrorsTotal.WithLabelValues("list").Inc()
		return fmt.Errorf("load %s: %w", TableName, err)
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()

	r.logger.Debug().Int("entries", len(entries)).Msg("Loaded untrackable identities")
	return nil
}

// Suppressed implements Registry.
func (r *StoreRegistry) Suppressed(_ context.Context, identity string) (bool, error) {
	r.mu.RLock()
	e, ok := r.entries[job.NormalizeIdentity(identity)]
	r.mu.RUnlock()
	if !ok || e.IsExpired(r.ttl, time.Now()) {
		return false, nil
	}
	SuppressedTotal.WithLabelValues("store").Inc()
	return true, nil
}

// Mark implements Registry.
func (r *StoreRegistry) Mark(ctx context.Context, identity, reason string) error {
	e, err := newEntry(identity, reason, time.Now())
	if err != nil {
		return err
	}
	row := table.Row{"identity": e.Identity, "reason": e.Reason, "recorded_at": e.RecordedAt}
	if err := r.store.InsertOrReplace(ctx, TableName, Schema(), []table.Row{row}); err != nil {
		ErrorsTotal.WithLabelValues("set").Inc()
		return fmt.Errorf("record untrackable %s: %w", e.Identity, err)
	}

	r.mu.Lock()
	r.entries[e.Identity] = e
	r.mu.Unlock()

	MarkedTotal.WithLabelValues("store").Inc()
	r.logger.Info().
		Str("identity", e.Identity).
		Str("reason", reason).
		Msg("Identity marked untrackable")
	return nil
}

// List implements Registry.
func (r *StoreRegistry) List(_ context.Context) ([]Entry, error) {
	now := time.Now()
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.IsExpired(r.ttl, now) {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}
