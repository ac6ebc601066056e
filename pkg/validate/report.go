package validate

import (
	"fmt"
	"time"
)

// Check names.
const (
	CheckTableExists      = "table_exists"
	CheckColumnsExist     = "columns_exist"
	CheckRowCount         = "row_count"
	CheckPrimaryKeyUnique = "primary_key_unique"
)

// NotNull names the not-null check of col.
func NotNull(col string) string { return fmt.Sprintf("not_null(%s)", col) }

// Range names the range check of col.
func Range(col string) string { return fmt.Sprintf("range(%s)", col) }

// Ordered names the ordering check high >= low.
func Ordered(high, low string) string { return fmt.Sprintf("ordered(%s >= %s)", high, low) }

// References names the reference check col -> parent.parentCol.
func References(col, parent, parentCol string) string {
	return fmt.Sprintf("references(%s->%s.%s)", col, parent, parentCol)
}

// Result is the outcome of one check on one table.
type Result struct {
	Check   string
	Table   string
	Passed  bool
	Message string

	// Violations counts offending rows or groups.
	Violations int64

	// Sample holds up to the configured number of offending values.
	Sample []string
}

func (r Result) String() string {
	status := "PASS"
	if !r.Passed {
		status = "FAIL"
	}
	return fmt.Sprintf("%s: %s", status, r.Message)
}

// Report collects the results of one validation run.
type Report struct {
	Results   []Result
	StartedAt time.Time
	Duration  time.Duration
}

// Passed returns the passing results.
func (r *Report) Passed() []Result {
	return r.filter(true)
}

// Failed returns the failing results.
func (r *Report) Failed() []Result {
	return r.filter(false)
}

// OK reports whether every check passed.
func (r *Report) OK() bool {
	return len(r.Failed()) == 0
}

// ForTable returns the results of one table.
func (r *Report) ForTable(name string) []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Table == name {
			out = append(out, res)
		}
	}
	return out
}

func (r *Report) filter(passed bool) []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Passed == passed {
			out = append(out, res)
		}
	}
	return out
}

// Summary tallies a report.
type Summary struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	PassRate float64 `json:"pass_rate"`
}

// Summary returns totals and the pass rate in percent. An empty report has a
// pass rate of 0.
func (r *Report) Summary() Summary {
	s := Summary{Total: len(r.Results)}
	for _, res := range r.Results {
		if res.Passed {
			s.Passed++
		}
	}
	s.Failed = s.Total - s.Passed
	if s.Total > 0 {
		s.PassRate = float64(s.Passed) / float64(s.Total) * 100
	}
	return s
}
