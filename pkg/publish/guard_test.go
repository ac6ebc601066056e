package publish

import (
	"context"
	"testing"

	"github.com/Sternrassler/stockpile/pkg/store/memstore"
	"github.com/Sternrassler/stockpile/pkg/table"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		in   SwapGuardResult
		want Decision
	}{
		{name: "empty to empty", in: SwapGuardResult{}, want: DecisionProceed},
		{name: "initial load", in: SwapGuardResult{StagedRows: 10}, want: DecisionProceed},
		{name: "empty over populated", in: SwapGuardResult{ExistingRows: 10}, want: DecisionAbort},
		{name: "shrink", in: SwapGuardResult{StagedRows: 500, ExistingRows: 1000}, want: DecisionAbort},
		{name: "equal", in: SwapGuardResult{StagedRows: 1000, ExistingRows: 1000}, want: DecisionProceed},
		{name: "grow", in: SwapGuardResult{StagedRows: 1001, ExistingRows: 1000}, want: DecisionProceed},
		{
			name: "universe shrinks",
			in:   SwapGuardResult{StagedRows: 100, ExistingRows: 100, UniverseKey: []string{"ticker"}, StagedDistinct: 9, ExistingDistinct: 10},
			want: DecisionAbort,
		},
		{
			name: "universe ignored without key",
			in:   SwapGuardResult{StagedRows: 100, ExistingRows: 100, StagedDistinct: 9, ExistingDistinct: 10},
			want: DecisionProceed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.in)
			if got.Decision != tt.want {
				t.Errorf("Decide() = %s (%s), want %s", got.Decision, got.Reason, tt.want)
			}
			if got.Reason == "" {
				t.Error("Decide() left Reason empty")
			}
		})
	}
}

func TestEvaluateGuard_UniverseKey(t *testing.T) {
	st := memstore.New()
	spec := table.Spec{
		Name:           "listings",
		Classification: table.Snapshot,
		Schema: table.Schema{
			Columns: []table.Column{
				{Name: "ticker", Type: table.TypeString, Required: true},
				{Name: "exchange", Type: table.TypeString, Required: true},
			},
			PrimaryKey: []string{"ticker", "exchange"},
		},
		UniverseKey: []string{"ticker"},
	}
	live := []table.Row{
		{"ticker": "A", "exchange": "X"},
		{"ticker": "B", "exchange": "X"},
		{"ticker": "C", "exchange": "X"},
	}
	// Same row count, but only two tickers.
	staged := []table.Row{
		{"ticker": "A", "exchange": "X"},
		{"ticker": "A", "exchange": "Y"},
		{"ticker": "B", "exchange": "X"},
	}
	if err := st.Seed("listings", spec.Schema, live); err != nil {
		t.Fatal(err)
	}
	if err := st.Seed("listings__staging", spec.Schema, staged); err != nil {
		t.Fatal(err)
	}

	got, err := EvaluateGuard(context.Background(), st, spec, "listings__staging")
	if err != nil {
		t.Fatalf("EvaluateGuard() error = %v", err)
	}
	if got.StagedDistinct != 2 || got.ExistingDistinct != 3 || got.Decision != DecisionAbort {
		t.Errorf("EvaluateGuard() = %+v", got)
	}
}
