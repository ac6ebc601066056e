package untrackable

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/stockpile/pkg/store/memstore"
	"github.com/Sternrassler/stockpile/pkg/table"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestStoreRegistry_MarkAndSuppress(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	reg, err := NewStoreRegistry(ctx, st, 0, testLogger())
	if err != nil {
		t.Fatalf("NewStoreRegistry() error = %v", err)
	}

	if ok, _ := reg.Suppressed(ctx, "DELISTED"); ok {
		t.Fatal("unmarked identity reported suppressed")
	}
	if err := reg.Mark(ctx, "delisted", "ticker not found"); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}
	for _, id := range []string{"DELISTED", "delisted", " Delisted "} {
		if ok, err := reg.Suppressed(ctx, id); err != nil || !ok {
			t.Errorf("Suppressed(%q) = %v, %v; want true", id, ok, err)
		}
	}

	rows := st.Rows(TableName)
	if len(rows) != 1 || rows[0]["identity"] != "DELISTED" || rows[0]["reason"] != "ticker not found" {
		t.Errorf("stored rows = %v", rows)
	}
}

func TestStoreRegistry_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	first, err := NewStoreRegistry(ctx, st, 0, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Mark(ctx, "GONE", "404"); err != nil {
		t.Fatal(err)
	}

	second, err := NewStoreRegistry(ctx, st, 0, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := second.Suppressed(ctx, "GONE"); !ok {
		t.Error("mark not visible to a new registry on the same store")
	}
}

func TestStoreRegistry_Expiry(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	err := st.Seed(TableName, Schema(), []table.Row{
		{"identity": "OLD", "reason": "404", "recorded_at": time.Now().Add(-2 * time.Hour)},
		{"identity": "NEW", "reason": "404", "recorded_at": time.Now().Add(-10 * time.Minute)},
	})
	if err != nil {
		t.Fatal(err)
	}

	reg, err := NewStoreRegistry(ctx, st, time.Hour, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := reg.Suppressed(ctx, "OLD"); ok {
		t.Error("expired identity still suppressed")
	}
	if ok, _ := reg.Suppressed(ctx, "NEW"); !ok {
		t.Error("fresh identity not suppressed")
	}

	entries, _ := reg.List(ctx)
	if len(entries) != 1 || entries[0].Identity != "NEW" {
		t.Errorf("List() = %v, want only NEW", entries)
	}

	// Marking again restarts the expiry.
	if err := reg.Mark(ctx, "OLD", "404 again"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := reg.Suppressed(ctx, "OLD"); !ok {
		t.Error("re-marked identity not suppressed")
	}
}

func TestStoreRegistry_MarkErrors(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	reg, err := NewStoreRegistry(ctx, st, 0, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.Mark(ctx, "  ", "blank"); !errors.Is(err, ErrEmptyIdentity) {
		t.Errorf("Mark(blank) error = %v, want ErrEmptyIdentity", err)
	}

	boom := errors.New("write failed")
	st.FailOn("InsertOrReplace", TableName, boom)
	if err := reg.Mark(ctx, "X", "404"); !errors.Is(err, boom) {
		t.Errorf("Mark() error = %v, want %v", err, boom)
	}
	if ok, _ := reg.Suppressed(ctx, "X"); ok {
		t.Error("failed mark must not suppress")
	}
}

func TestEntry_IsExpired(t *testing.T) {
	now := time.Now()
	e := Entry{RecordedAt: now.Add(-DefaultTTL)}
	if !e.IsExpired(DefaultTTL, now) {
		t.Error("entry exactly ttl old should be expired")
	}
	e.RecordedAt = now.Add(-DefaultTTL + time.Minute)
	if e.IsExpired(DefaultTTL, now) {
		t.Error("entry younger than ttl should not be expired")
	}
}

func TestKey(t *testing.T) {
	if got := Key(" brk.b "); got != "stockpile:untrackable:BRK.B" {
		t.Errorf("Key() = %q", got)
	}
}
