package publish

import (
	"context"
	"fmt"

	"github.com/Sternrassler/stockpile/pkg/store"
	"github.com/Sternrassler/stockpile/pkg/table"
)

// Decision is the outcome of a swap guard evaluation.
type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionAbort   Decision = "abort"
)

// SwapGuardResult holds the counts a snapshot swap is judged on. It is
// computed per attempt and never persisted.
type SwapGuardResult struct {
	Table        string
	StagedRows   int64
	ExistingRows int64

	// UniverseKey, StagedDistinct and ExistingDistinct are set only for
	// tables with a universe key.
	UniverseKey      []string
	StagedDistinct   int64
	ExistingDistinct int64

	Decision Decision
	Reason   string
}

// Decide applies the swap rules to the counts in r:
//
//   - empty to empty proceeds
//   - an empty staged table never replaces a populated one
//   - the staged table may not have fewer rows than the live one
//   - with a universe key, the staged table may not cover fewer distinct keys
func Decide(r SwapGuardResult) SwapGuardResult {
	switch {
	case r.StagedRows == 0 && r.ExistingRows == 0:
		r.Decision, r.Reason = DecisionProceed, "empty to empty"
	case r.StagedRows == 0:
		r.Decision, r.Reason = DecisionAbort, "staged table is empty"
	case r.StagedRows < r.ExistingRows:
		r.Decision, r.Reason = DecisionAbort, "staged table would shrink live table"
	case len(r.UniverseKey) > 0 && r.StagedDistinct < r.ExistingDistinct:
		r.Decision, r.Reason = DecisionAbort, "staged table covers fewer distinct keys"
	default:
		r.Decision, r.Reason = DecisionProceed, "staged table covers live table"
	}
	return r
}

// EvaluateGuard counts the staged and live tables and decides whether
// staging may replace live. A missing live table counts as empty.
func EvaluateGuard(ctx context.Context, st store.Store, spec table.Spec, staging string) (SwapGuardResult, error) {
	r := SwapGuardResult{Table: spec.Name, UniverseKey: spec.UniverseKey}

	var err error
	if r.StagedRows, err = st.Count(ctx, staging); err != nil {
		return r, fmt.Errorf("count staged %s: %w", staging, err)
	}

	exists, err := st.TableExists(ctx, spec.Name)
	if err != nil {
		return r, fmt.Errorf("check live %s: %w", spec.Name, err)
	}
	if exists {
		if r.ExistingRows, err = st.Count(ctx, spec.Name); err != nil {
			return r, fmt.Errorf("count live %s: %w", spec.Name, err)
		}
	}

	if len(spec.UniverseKey) > 0 {
		if r.StagedDistinct, err = st.CountDistinct(ctx, staging, spec.UniverseKey); err != nil {
			return r, fmt.Errorf("count distinct staged %s: %w", staging, err)
		}
		if exists {
			if r.ExistingDistinct, err = st.CountDistinct(ctx, spec.Name, spec.UniverseKey); err != nil {
				return r, fmt.Errorf("count distinct live %s: %w", spec.Name, err)
			}
		}
	}

	return Decide(r), nil
}
