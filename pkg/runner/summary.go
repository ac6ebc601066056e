package runner

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/stockpile/pkg/publish"
	"github.com/Sternrassler/stockpile/pkg/ratelimit"
	"github.com/Sternrassler/stockpile/pkg/validate"
)

// Category classifies a per-job or per-table failure in the run summary.
type Category string

const (
	CategoryTransientExhausted Category = "transient_exhausted"
	CategoryRateLimited        Category = "rate_limited"
	CategoryPermanent          Category = "permanent"
	CategoryRejected           Category = "rejected"
	CategorySuppressed         Category = "suppressed"
	CategoryCancelled          Category = "cancelled"
	CategoryStagingValidation  Category = "staging_validation"
	CategoryStagingFailed      Category = "staging_failed"
	CategorySwapGuard          Category = "swap_guard"
	CategoryPublishFailed      Category = "publish_failed"
	CategorySchemaMismatch     Category = "schema_mismatch"
)

// Status is the overall result of a run.
type Status string

const (
	// StatusSuccess means every table published. Job-level failures may
	// still be present in the tally.
	StatusSuccess Status = "success"

	// StatusPartial means at least one table kept its prior data, a batch
	// was discarded, or the provider rejected requests outright.
	StatusPartial Status = "partial"

	// StatusFailed means the run was halted.
	StatusFailed Status = "failed"
)

// ExitCode maps a status to the process exit code.
func (s Status) ExitCode() int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusPartial:
		return 2
	default:
		return 1
	}
}

// Summary is the end-of-run report.
type Summary struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Jobs          int  `json:"jobs"`
	Dispatched    int  `json:"dispatched"`
	NotDispatched int  `json:"not_dispatched"`
	Succeeded     int  `json:"succeeded"`
	Empty         int  `json:"empty"`
	TimedOut      bool `json:"timed_out"`

	RowsStaged int `json:"rows_staged"`
	Artifacts  int `json:"artifacts"`

	Failures map[Category]int `json:"failures"`

	Publish    []*publish.Outcome `json:"-"`
	Retained   []string           `json:"retained,omitempty"`
	Validation *validate.Summary  `json:"validation,omitempty"`
	Limiter    ratelimit.State    `json:"limiter"`

	Status Status `json:"status"`
}

func newSummary(runID string) *Summary {
	return &Summary{
		RunID:     runID,
		StartedAt: time.Now(),
		Failures:  make(map[Category]int),
		Status:    StatusSuccess,
	}
}

func (s *Summary) count(c Category) {
	s.Failures[c]++
}

// FailureTotal returns the number of tallied failures, suppressed jobs excluded.
func (s *Summary) FailureTotal() int {
	n := 0
	for c, v := range s.Failures {
		if c != CategorySuppressed {
			n += v
		}
	}
	return n
}

// finish derives the status from the tally. fatal marks a halted run.
func (s *Summary) finish(fatal bool) {
	s.Duration = time.Since(s.StartedAt)
	switch {
	case fatal:
		s.Status = StatusFailed
	case s.Failures[CategorySwapGuard] > 0,
		s.Failures[CategoryPublishFailed] > 0,
		s.Failures[CategoryStagingValidation] > 0,
		s.Failures[CategoryStagingFailed] > 0,
		s.Failures[CategoryRejected] > 0:
		s.Status = StatusPartial
	default:
		s.Status = StatusSuccess
	}
}

// Log writes the summary as one structured event.
func (s *Summary) Log(logger zerolog.Logger) {
	cats := make([]string, 0, len(s.Failures))
	for c := range s.Failures {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)
	failures := zerolog.Dict()
	for _, c := range cats {
		failures.Int(c, s.Failures[Category(c)])
	}

	ev := logger.Info()
	if s.Status != StatusSuccess {
		ev = logger.Warn()
	}
	ev.Str("run_id", s.RunID).
		Str("status", string(s.Status)).
		Int("jobs", s.Jobs).
		Int("dispatched", s.Dispatched).
		Int("not_dispatched", s.NotDispatched).
		Int("succeeded", s.Succeeded).
		Int("empty", s.Empty).
		Int("rows_staged", s.RowsStaged).
		Int("artifacts", s.Artifacts).
		Bool("timed_out", s.TimedOut).
		Dict("failures", failures).
		Strs("retained_prior_data", s.Retained).
		Int("calls_per_minute", s.Limiter.CallsPerMinute).
		Dur("interval", s.Limiter.Interval).
		Dur("duration", s.Duration).
		Msg("Run finished")
}
