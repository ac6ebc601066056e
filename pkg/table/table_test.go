package table

import (
	"encoding/json"
	"testing"
	"time"
)

func historySchema() Schema {
	return Schema{
		Columns: []Column{
			{Name: "ticker", Type: TypeString, Required: true},
			{Name: "date", Type: TypeDate, Required: true},
			{Name: "close", Type: TypeFloat},
			{Name: "volume", Type: TypeInt},
		},
		PrimaryKey: []string{"ticker", "date"},
	}
}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		in      string
		want    Classification
		wantErr bool
	}{
		{"snapshot", Snapshot, false},
		{" Incremental ", Incremental, false},
		{"append", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClassification(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseClassification(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseClassification(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSchemaCoerce(t *testing.T) {
	s := historySchema()
	row, err := s.Coerce(Row{
		"ticker": "AAPL",
		"date":   "2024-03-01",
		"close":  json.Number("181.5"),
		"volume": float64(1200),
		"extra":  "dropped",
	})
	if err != nil {
		t.Fatalf("Coerce() error = %v", err)
	}
	if _, ok := row["extra"]; ok {
		t.Error("undeclared column should be dropped")
	}
	if got := row["volume"]; got != int64(1200) {
		t.Errorf("volume = %v (%T), want int64 1200", got, got)
	}
	if got := row["close"]; got != 181.5 {
		t.Errorf("close = %v, want 181.5", got)
	}
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := row["date"].(time.Time); !got.Equal(want) {
		t.Errorf("date = %v, want %v", got, want)
	}
}

func TestCoerceValue_Errors(t *testing.T) {
	if _, err := CoerceValue(TypeInt, 1.5); err == nil {
		t.Error("expected error converting 1.5 to int")
	}
	if _, err := CoerceValue(TypeDate, "yesterday"); err == nil {
		t.Error("expected error parsing date")
	}
}

func TestKeyOf_StableAcrossRepresentations(t *testing.T) {
	s := historySchema()
	a, _ := s.Coerce(Row{"ticker": "A", "date": "2024-01-02"})
	b, _ := s.Coerce(Row{"ticker": "A", "date": time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)})
	if KeyOf(a, s.PrimaryKey) != KeyOf(b, s.PrimaryKey) {
		t.Errorf("keys differ: %q vs %q", KeyOf(a, s.PrimaryKey), KeyOf(b, s.PrimaryKey))
	}
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"valid incremental", Spec{Name: "h", Classification: Incremental, Schema: historySchema()}, false},
		{"missing name", Spec{Classification: Incremental, Schema: historySchema()}, true},
		{"bad pk", Spec{Name: "h", Classification: Snapshot, Schema: Schema{
			Columns: []Column{{Name: "a", Type: TypeString}}, PrimaryKey: []string{"b"},
		}}, true},
		{"universe on incremental", Spec{Name: "h", Classification: Incremental, Schema: historySchema(), UniverseKey: []string{"ticker"}}, true},
		{"universe on snapshot", Spec{Name: "h", Classification: Snapshot, Schema: historySchema(), UniverseKey: []string{"ticker"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequiredColumns(t *testing.T) {
	s := historySchema()
	got := s.RequiredColumns()
	if len(got) != 2 || got[0] != "ticker" || got[1] != "date" {
		t.Errorf("RequiredColumns() = %v, want [ticker date]", got)
	}
}
