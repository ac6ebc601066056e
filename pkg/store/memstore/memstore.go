// Package memstore is an in-memory store.Store used by tests and examples.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/Sternrassler/stockpile/pkg/store"
	"github.com/Sternrassler/stockpile/pkg/table"
)

type memTable struct {
	schema table.Schema
	order  []string
	rows   map[string]table.Row
}

func (t *memTable) clone() *memTable {
	c := &memTable{
		schema: t.schema,
		order:  append([]string(nil), t.order...),
		rows:   make(map[string]table.Row, len(t.rows)),
	}
	for k, r := range t.rows {
		c.rows[k] = r.Clone()
	}
	return c
}

// Store holds tables in memory. All operations are serialized by one mutex,
// which makes Swap trivially atomic.
type Store struct {
	mu     sync.Mutex
	tables map[string]*memTable
	faults map[string]error
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		tables: make(map[string]*memTable),
		faults: make(map[string]error),
	}
}

// FailOn makes the given operation on name return err until cleared with a nil err.
// Operation names match the method names, e.g. "Count".
func (s *Store) FailOn(op, name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := op + ":" + name
	if err == nil {
		delete(s.faults, key)
		return
	}
	s.faults[key] = err
}

func (s *Store) fault(op, name string) error {
	return s.faults[op+":"+name]
}

func (s *Store) CreateTable(_ context.Context, name string, schema table.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateTable", name); err != nil {
		return err
	}
	if _, ok := s.tables[name]; ok {
		return nil
	}
	s.tables[name] = &memTable{schema: schema, rows: make(map[string]table.Row)}
	return nil
}

func (s *Store) TableExists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("TableExists", name); err != nil {
		return false, err
	}
	_, ok := s.tables[name]
	return ok, nil
}

func (s *Store) Columns(_ context.Context, name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("Columns", name); err != nil {
		return nil, err
	}
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrTableNotFound, name)
	}
	return t.schema.ColumnNames(), nil
}

func (s *Store) RenameTable(_ context.Context, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("RenameTable", oldName); err != nil {
		return err
	}
	t, ok := s.tables[oldName]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrTableNotFound, oldName)
	}
	if _, exists := s.tables[newName]; exists {
		return fmt.Errorf("rename %s: table %s already exists", oldName, newName)
	}
	delete(s.tables, oldName)
	s.tables[newName] = t
	return nil
}

func (s *Store) DropTable(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("DropTable", name); err != nil {
		return err
	}
	delete(s.tables, name)
	return nil
}

func (s *Store) InsertOrReplace(_ context.Context, name string, schema table.Schema, rows []table.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("InsertOrReplace", name); err != nil {
		return err
	}
	t, ok := s.tables[name]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrTableNotFound, name)
	}
	// Stage into a copy so a bad row leaves the table untouched.
	next := t.clone()
	for _, r := range rows {
		row, err := schema.Coerce(r)
		if err != nil {
			return fmt.Errorf("insert into %s: %w", name, err)
		}
		key := table.KeyOf(row, schema.PrimaryKey)
		if _, exists := next.rows[key]; !exists {
			next.order = append(next.order, key)
		}
		next.rows[key] = row
	}
	s.tables[name] = next
	return nil
}

func (s *Store) Count(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("Count", name); err != nil {
		return 0, err
	}
	t, ok := s.tables[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", store.ErrTableNotFound, name)
	}
	return int64(len(t.rows)), nil
}

func (s *Store) CountDistinct(_ context.Context, name string, cols []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CountDistinct", name); err != nil {
		return 0, err
	}
	t, ok := s.tables[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", store.ErrTableNotFound, name)
	}
	seen := make(map[string]struct{}, len(t.rows))
	for _, r := range t.rows {
		seen[table.KeyOf(r, cols)] = struct{}{}
	}
	return int64(len(seen)), nil
}

func (s *Store) Scan(_ context.Context, name string, schema table.Schema, fn func(table.Row) error) error {
	s.mu.Lock()
	if err := s.fault("Scan", name); err != nil {
		s.mu.Unlock()
		return err
	}
	t, ok := s.tables[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", store.ErrTableNotFound, name)
	}
	snapshot := t.clone()
	s.mu.Unlock()

	for _, key := range snapshot.order {
		row, err := schema.Coerce(snapshot.rows[key])
		if err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Swap(_ context.Context, staging, live string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("Swap", live); err != nil {
		return err
	}
	t, ok := s.tables[staging]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrTableNotFound, staging)
	}
	delete(s.tables, staging)
	s.tables[live] = t
	return nil
}

// Seed replaces the content of name with rows, creating it if needed. Intended for tests.
func (s *Store) Seed(name string, schema table.Schema, rows []table.Row) error {
	s.mu.Lock()
	s.tables[name] = &memTable{schema: schema, rows: make(map[string]table.Row)}
	s.mu.Unlock()
	return s.InsertOrReplace(context.Background(), name, schema, rows)
}

// Rows returns a copy of the rows of name in insertion order. Intended for tests.
func (s *Store) Rows(name string) []table.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return nil
	}
	out := make([]table.Row, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.rows[k].Clone())
	}
	return out
}

// Tables returns the names of all tables. Intended for tests.
func (s *Store) Tables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tables))
	for n := range s.tables {
		names = append(names, n)
	}
	return names
}
