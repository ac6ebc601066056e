package job

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		identity string
		from, to time.Time
		wantErr  bool
		wantID   string
	}{
		{name: "normalizes identity", identity: " aapl ", from: date("2024-01-01"), to: date("2024-01-31"), wantID: "AAPL"},
		{name: "single day", identity: "MSFT", from: date("2024-01-01"), to: date("2024-01-01"), wantID: "MSFT"},
		{name: "empty identity", identity: "  ", from: date("2024-01-01"), to: date("2024-01-02"), wantErr: true},
		{name: "inverted range", identity: "MSFT", from: date("2024-02-01"), to: date("2024-01-01"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := New(tt.identity, tt.from, tt.to)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidJob) {
					t.Fatalf("New() error = %v, want ErrInvalidJob", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if j.Identity != tt.wantID {
				t.Errorf("Identity = %q, want %q", j.Identity, tt.wantID)
			}
		})
	}
}

func TestReadBacklog(t *testing.T) {
	input := `identity,from,to
# comment lines are skipped
aapl,2024-01-01,2024-01-31
MSFT,2024-01-01,2024-01-31
AAPL,2023-01-01,2023-12-31
`
	jobs, err := ReadBacklog(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadBacklog() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	if jobs[0].Identity != "AAPL" || jobs[1].Identity != "MSFT" {
		t.Errorf("order = %s, %s; want AAPL, MSFT", jobs[0].Identity, jobs[1].Identity)
	}
	if !jobs[0].From.Equal(date("2024-01-01")) {
		t.Errorf("duplicate did not keep first occurrence: %v", jobs[0])
	}
}

func TestReadBacklog_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "missing column", input: "identity,from\nAAPL,2024-01-01\n"},
		{name: "bad date", input: "identity,from,to\nAAPL,2024-13-01,2024-01-02\n"},
		{name: "inverted", input: "identity,from,to\nAAPL,2024-02-01,2024-01-02\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadBacklog(strings.NewReader(tt.input)); err == nil {
				t.Error("ReadBacklog() expected error")
			}
		})
	}
}

func TestReadBacklog_Empty(t *testing.T) {
	jobs, err := ReadBacklog(strings.NewReader(""))
	if err != nil || jobs != nil {
		t.Errorf("ReadBacklog(empty) = %v, %v; want nil, nil", jobs, err)
	}
}
