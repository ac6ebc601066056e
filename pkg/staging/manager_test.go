package staging

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/stockpile/pkg/table"
)

func testSpec() table.Spec {
	return table.Spec{
		Name:           "stock_history",
		Classification: table.Incremental,
		Schema: table.Schema{
			Columns: []table.Column{
				{Name: "ticker", Type: table.TypeString, Required: true},
				{Name: "date", Type: table.TypeDate, Required: true},
				{Name: "close", Type: table.TypeFloat},
				{Name: "volume", Type: table.TypeInt},
			},
			PrimaryKey: []string{"ticker", "date"},
		},
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func bar(ticker, date string, c float64) table.Row {
	return table.Row{"ticker": ticker, "date": date, "close": c, "volume": int64(1000), "extra": "dropped"}
}

func tempFiles(t *testing.T, m *Manager, tableName string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(m.Root(), tableName, tempDir, "*"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestStage_RoundTrip(t *testing.T) {
	m := newTestManager(t)
	spec := testSpec()

	a, err := m.Stage(spec, []table.Row{bar("AAPL", "2024-01-02", 185.64), bar("AAPL", "2024-01-03", 184.25)})
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if a.Rows != 2 || a.Size == 0 {
		t.Errorf("artifact = %+v", a)
	}

	listed, err := m.List(spec.Name)
	if err != nil || len(listed) != 1 || listed[0].Name != a.Name {
		t.Fatalf("List() = %v, %v", listed, err)
	}
	if !listed[0].CommittedAt.Equal(a.CommittedAt) {
		t.Errorf("CommittedAt = %v, want %v", listed[0].CommittedAt, a.CommittedAt)
	}

	rows, err := m.Read(listed[0], spec.Schema)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d", len(rows))
	}
	if rows[0]["close"] != 185.64 || rows[0]["volume"] != int64(1000) {
		t.Errorf("row = %v", rows[0])
	}
	if d := rows[1]["date"].(time.Time); !d.Equal(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date = %v", d)
	}
	if _, ok := rows[0]["extra"]; ok {
		t.Error("undeclared column survived staging")
	}
	if files := tempFiles(t, m, spec.Name); len(files) != 0 {
		t.Errorf("temp files left after commit: %v", files)
	}
}

func TestList_CommitOrder(t *testing.T) {
	m := newTestManager(t)
	spec := testSpec()

	first, err := m.Write(spec, []table.Row{bar("A", "2024-01-01", 1)})
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Write(spec, []table.Row{bar("B", "2024-01-01", 2)})
	if err != nil {
		t.Fatal(err)
	}

	// Commit in reverse write order; List must follow commit order.
	b, err := second.Commit()
	if err != nil {
		t.Fatal(err)
	}
	a, err := first.Commit()
	if err != nil {
		t.Fatal(err)
	}

	listed, err := m.List(spec.Name)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 || listed[0].Name != b.Name || listed[1].Name != a.Name {
		t.Errorf("List() order = %v, want [%s %s]", listed, b.Name, a.Name)
	}
}

func TestCommit_ValidationFailures(t *testing.T) {
	spec := testSpec()

	tests := []struct {
		name    string
		rows    []table.Row
		wantErr error
	}{
		{name: "empty batch", rows: nil, wantErr: ErrEmptyBatch},
		{name: "missing key", rows: []table.Row{bar("A", "2024-01-01", 1), {"ticker": "B", "close": 2.0}}, wantErr: ErrMissingKey},
		{name: "null key", rows: []table.Row{{"ticker": nil, "date": "2024-01-01"}}, wantErr: ErrMissingKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			a, err := m.Stage(spec, tt.rows)
			if a != nil {
				t.Fatalf("Stage() returned artifact %v", a)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Stage() error = %v, want *ValidationError", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Stage() error = %v, want %v", err, tt.wantErr)
			}
			if listed, _ := m.List(spec.Name); len(listed) != 0 {
				t.Errorf("invalid batch became visible: %v", listed)
			}
			if files := tempFiles(t, m, spec.Name); len(files) != 0 {
				t.Errorf("temp files left after discard: %v", files)
			}
		})
	}
}

func TestWrite_CoercionFailure(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Write(testSpec(), []table.Row{{"ticker": "A", "date": "yesterday"}})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Row != 0 {
		t.Errorf("Write() error = %v, want *ValidationError for row 0", err)
	}
}

func TestCommit_CorruptTempFile(t *testing.T) {
	m := newTestManager(t)
	spec := testSpec()
	p, err := m.Write(spec, []table.Row{bar("A", "2024-01-01", 1)})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.Path(), []byte("not zstd"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = p.Commit()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Commit() error = %v, want *ValidationError", err)
	}
	if _, statErr := os.Stat(p.Path()); !os.IsNotExist(statErr) {
		t.Error("corrupt temp file not removed")
	}
}

func TestCrashBeforeCommit_SweepRemovesOrphan(t *testing.T) {
	m := newTestManager(t)
	spec := testSpec()

	committed, err := m.Stage(spec, []table.Row{bar("A", "2024-01-01", 1)})
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash: written but never committed or rolled back.
	orphan, err := m.Write(spec, []table.Row{bar("B", "2024-01-01", 2)})
	if err != nil {
		t.Fatal(err)
	}

	listed, _ := m.List(spec.Name)
	if len(listed) != 1 || listed[0].Name != committed.Name {
		t.Fatalf("orphan visible before sweep: %v", listed)
	}

	// A young orphan survives a sweep with a long age.
	if n, err := m.Sweep(time.Hour); err != nil || n != 0 {
		t.Errorf("Sweep(1h) = %d, %v; want 0", n, err)
	}

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(orphan.Path(), old, old); err != nil {
		t.Fatal(err)
	}
	n, err := m.Sweep(24 * time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Sweep(24h) = %d, %v; want 1", n, err)
	}
	if _, err := os.Stat(orphan.Path()); !os.IsNotExist(err) {
		t.Error("orphan still on disk")
	}
	if _, err := os.Stat(committed.Path); err != nil {
		t.Errorf("committed artifact removed by sweep: %v", err)
	}
}

func TestRollback(t *testing.T) {
	m := newTestManager(t)
	p, err := m.Write(testSpec(), []table.Row{bar("A", "2024-01-01", 1)})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if _, err := os.Stat(p.Path()); !os.IsNotExist(err) {
		t.Error("temp file survived rollback")
	}
	if _, err := p.Commit(); !errors.Is(err, ErrAlreadyFinished) {
		t.Errorf("Commit() after Rollback error = %v, want ErrAlreadyFinished", err)
	}
}

func TestInvalidTableName(t *testing.T) {
	m := newTestManager(t)
	spec := testSpec()
	for _, name := range []string{"", "..", "a/b"} {
		spec.Name = name
		if _, err := m.Write(spec, []table.Row{bar("A", "2024-01-01", 1)}); err == nil {
			t.Errorf("Write(%q) expected error", name)
		}
	}
}

func TestTables(t *testing.T) {
	m := newTestManager(t)
	spec := testSpec()
	if _, err := m.Stage(spec, []table.Row{bar("A", "2024-01-01", 1)}); err != nil {
		t.Fatal(err)
	}
	spec.Name = "ticker_info"
	if _, err := m.Stage(spec, []table.Row{bar("A", "2024-01-01", 1)}); err != nil {
		t.Fatal(err)
	}
	got, err := m.Tables()
	if err != nil || len(got) != 2 || got[0] != "stock_history" || got[1] != "ticker_info" {
		t.Errorf("Tables() = %v, %v", got, err)
	}
}
