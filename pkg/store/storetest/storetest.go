// Package storetest provides a conformance suite every store.Store
// implementation runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/Sternrassler/stockpile/pkg/store"
	"github.com/Sternrassler/stockpile/pkg/table"
)

// Schema is the schema used by the suite.
func Schema() table.Schema {
	return table.Schema{
		Columns: []table.Column{
			{Name: "ticker", Type: table.TypeString, Required: true},
			{Name: "date", Type: table.TypeDate, Required: true},
			{Name: "close", Type: table.TypeFloat},
			{Name: "volume", Type: table.TypeInt},
		},
		PrimaryKey: []string{"ticker", "date"},
	}
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

// Run executes the suite against stores produced by newStore. Each subtest
// gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()
	ctx := context.Background()
	schema := Schema()

	t.Run("create_and_exists", func(t *testing.T) {
		s := newStore(t)
		if ok, err := s.TableExists(ctx, "bars"); err != nil || ok {
			t.Fatalf("TableExists before create = %v, %v; want false, nil", ok, err)
		}
		if err := s.CreateTable(ctx, "bars", schema); err != nil {
			t.Fatalf("CreateTable() error = %v", err)
		}
		if err := s.CreateTable(ctx, "bars", schema); err != nil {
			t.Fatalf("CreateTable() second call error = %v", err)
		}
		if ok, err := s.TableExists(ctx, "bars"); err != nil || !ok {
			t.Fatalf("TableExists after create = %v, %v; want true, nil", ok, err)
		}
		cols, err := s.Columns(ctx, "bars")
		if err != nil {
			t.Fatalf("Columns() error = %v", err)
		}
		if missing, extra := store.EqualColumns(cols, schema.ColumnNames()); len(missing)+len(extra) > 0 {
			t.Errorf("Columns() missing=%v extra=%v", missing, extra)
		}
	})

	t.Run("insert_or_replace", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, "bars")
		err := s.InsertOrReplace(ctx, "bars", schema, []table.Row{
			{"ticker": "A", "date": day(1), "close": 10.0, "volume": int64(100)},
			{"ticker": "B", "date": day(1), "close": 5.0, "volume": int64(50)},
		})
		if err != nil {
			t.Fatalf("InsertOrReplace() error = %v", err)
		}
		err = s.InsertOrReplace(ctx, "bars", schema, []table.Row{
			{"ticker": "A", "date": day(1), "close": 20.0, "volume": int64(200)},
		})
		if err != nil {
			t.Fatalf("InsertOrReplace() replace error = %v", err)
		}

		rows := scanAll(t, s, "bars")
		if len(rows) != 2 {
			t.Fatalf("row count = %d, want 2", len(rows))
		}
		byTicker := map[string]table.Row{}
		for _, r := range rows {
			byTicker[r["ticker"].(string)] = r
		}
		if got := byTicker["A"]["close"]; got != 20.0 {
			t.Errorf("A close = %v, want 20", got)
		}
		if got := byTicker["B"]["close"]; got != 5.0 {
			t.Errorf("B close = %v, want 5", got)
		}
		if got := byTicker["A"]["date"].(time.Time); !got.Equal(day(1)) {
			t.Errorf("A date = %v, want %v", got, day(1))
		}
	})

	t.Run("count_and_distinct", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, "bars")
		err := s.InsertOrReplace(ctx, "bars", schema, []table.Row{
			{"ticker": "A", "date": day(1)},
			{"ticker": "A", "date": day(2)},
			{"ticker": "B", "date": day(1)},
		})
		if err != nil {
			t.Fatalf("InsertOrReplace() error = %v", err)
		}
		n, err := s.Count(ctx, "bars")
		if err != nil || n != 3 {
			t.Errorf("Count() = %d, %v; want 3", n, err)
		}
		d, err := s.CountDistinct(ctx, "bars", []string{"ticker"})
		if err != nil || d != 2 {
			t.Errorf("CountDistinct() = %d, %v; want 2", d, err)
		}
	})

	t.Run("swap_replaces_live", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, "bars")
		mustCreate(t, s, "bars__staging")
		if err := s.InsertOrReplace(ctx, "bars", schema, []table.Row{{"ticker": "OLD", "date": day(1)}}); err != nil {
			t.Fatal(err)
		}
		if err := s.InsertOrReplace(ctx, "bars__staging", schema, []table.Row{
			{"ticker": "NEW", "date": day(1)},
			{"ticker": "NEW", "date": day(2)},
		}); err != nil {
			t.Fatal(err)
		}
		if err := s.Swap(ctx, "bars__staging", "bars"); err != nil {
			t.Fatalf("Swap() error = %v", err)
		}
		if ok, _ := s.TableExists(ctx, "bars__staging"); ok {
			t.Error("staging table still exists after swap")
		}
		rows := scanAll(t, s, "bars")
		if len(rows) != 2 || rows[0]["ticker"] != "NEW" {
			t.Errorf("live rows after swap = %v", rows)
		}

		// A second staging cycle must not collide with leftovers of the first.
		mustCreate(t, s, "bars__staging")
		if err := s.Swap(ctx, "bars__staging", "bars"); err != nil {
			t.Fatalf("second Swap() error = %v", err)
		}
	})

	t.Run("rename_and_drop", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, "a")
		if err := s.RenameTable(ctx, "a", "b"); err != nil {
			t.Fatalf("RenameTable() error = %v", err)
		}
		if ok, _ := s.TableExists(ctx, "b"); !ok {
			t.Error("renamed table missing")
		}
		if err := s.DropTable(ctx, "b"); err != nil {
			t.Fatalf("DropTable() error = %v", err)
		}
		if err := s.DropTable(ctx, "b"); err != nil {
			t.Fatalf("DropTable() on missing table error = %v", err)
		}
		if ok, _ := s.TableExists(ctx, "b"); ok {
			t.Error("dropped table still exists")
		}
	})

	t.Run("scan_stops_on_error", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, "bars")
		if err := s.InsertOrReplace(ctx, "bars", schema, []table.Row{
			{"ticker": "A", "date": day(1)},
			{"ticker": "B", "date": day(1)},
		}); err != nil {
			t.Fatal(err)
		}
		stop := errors.New("stop")
		calls := 0
		err := s.Scan(ctx, "bars", schema, func(table.Row) error {
			calls++
			return stop
		})
		if !errors.Is(err, stop) || calls != 1 {
			t.Errorf("Scan() = %v after %d calls; want stop after 1", err, calls)
		}
	})
}

func mustCreate(t *testing.T, s store.Store, name string) {
	t.Helper()
	if err := s.CreateTable(context.Background(), name, Schema()); err != nil {
		t.Fatalf("CreateTable(%s) error = %v", name, err)
	}
}

func scanAll(t *testing.T, s store.Store, name string) []table.Row {
	t.Helper()
	var rows []table.Row
	err := s.Scan(context.Background(), name, Schema(), func(r table.Row) error {
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan(%s) error = %v", name, err)
	}
	sort.Slice(rows, func(i, j int) bool {
		return table.KeyOf(rows[i], Schema().PrimaryKey) < table.KeyOf(rows[j], Schema().PrimaryKey)
	})
	return rows
}
