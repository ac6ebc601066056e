// Package validate runs post-publish integrity checks against the live store.
//
// Validation never rolls back a publish. Failures are logged, counted and
// returned in a Report for the caller to act on.
package validate

import (
	"cmp"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/stockpile/pkg/store"
	"github.com/Sternrassler/stockpile/pkg/table"
)

// DefaultSampleSize bounds Result.Sample.
const DefaultSampleSize = 5

var validationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stockpile_validation_failures_total",
	Help: "Failed validation checks by table and check",
}, []string{"table", "check"})

// Validator checks live tables against their policy records.
type Validator struct {
	store      store.Store
	specs      map[string]table.Spec
	sampleSize int
	logger     zerolog.Logger
}

// New creates a validator for the given table specs. sampleSize <= 0 uses
// DefaultSampleSize.
func New(st store.Store, specs []table.Spec, sampleSize int, logger zerolog.Logger) *Validator {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	m := make(map[string]table.Spec, len(specs))
	for _, s := range specs {
		m[s.Name] = s
	}
	return &Validator{store: st, specs: m, sampleSize: sampleSize, logger: logger}
}

// Validate runs every check of the named tables, or of all known tables when
// names is empty. The error is non-nil only for unknown tables or a cancelled
// context; check failures are reported in the Report.
func (v *Validator) Validate(ctx context.Context, names ...string) (*Report, error) {
	if len(names) == 0 {
		for n := range v.specs {
			names = append(names, n)
		}
		sort.Strings(names)
	}

	report := &Report{StartedAt: time.Now()}
	parents := make(map[string]map[string]struct{})
	for _, name := range names {
		spec, ok := v.specs[name]
		if !ok {
			return report, fmt.Errorf("validate: unknown table %q", name)
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Results = append(report.Results, v.validateTable(ctx, spec, parents)...)
	}
	report.Duration = time.Since(report.StartedAt)

	for _, res := range report.Failed() {
		validationFailuresTotal.WithLabelValues(res.Table, res.Check).Inc()
		v.logger.Warn().
			Str("table", res.Table).
			Str("check", res.Check).
			Int64("violations", res.Violations).
			Strs("sample", res.Sample).
			Msg(res.Message)
	}
	s := report.Summary()
	v.logger.Info().
		Int("total", s.Total).
		Int("passed", s.Passed).
		Int("failed", s.Failed).
		Float64("pass_rate", s.PassRate).
		Dur("duration", report.Duration).
		Msg("Validation finished")
	return report, ctx.Err()
}

// ValidateTable runs the checks of one table.
func (v *Validator) ValidateTable(ctx context.Context, spec table.Spec) []Result {
	return v.validateTable(ctx, spec, make(map[string]map[string]struct{}))
}

func (v *Validator) validateTable(ctx context.Context, spec table.Spec, parents map[string]map[string]struct{}) []Result {
	name := spec.Name
	exists, err := v.store.TableExists(ctx, name)
	if err != nil {
		return []Result{fail(CheckTableExists, name, fmt.Sprintf("Error checking table '%s': %v", name, err))}
	}
	if !exists {
		return []Result{fail(CheckTableExists, name, fmt.Sprintf("Table '%s' does not exist", name))}
	}
	results := []Result{pass(CheckTableExists, name, fmt.Sprintf("Table '%s' exists", name))}

	results = append(results, v.checkColumns(ctx, spec))
	if spec.Checks.MinRows > 0 {
		results = append(results, v.checkRowCount(ctx, spec))
	}

	scan := v.newScan(spec)
	if err := v.store.Scan(ctx, name, spec.Schema, scan.observe); err != nil {
		for _, check := range scan.checkNames() {
			results = append(results, fail(check, name, fmt.Sprintf("Error scanning '%s': %v", name, err)))
		}
		return results
	}
	results = append(results, scan.results()...)

	for i, ref := range spec.Checks.References {
		results = append(results, v.checkReference(ctx, spec, ref, scan.refs[i], parents))
	}
	return results
}

func (v *Validator) checkColumns(ctx context.Context, spec table.Spec) Result {
	cols, err := v.store.Columns(ctx, spec.Name)
	if err != nil {
		return fail(CheckColumnsExist, spec.Name, fmt.Sprintf("Error reading columns of '%s': %v", spec.Name, err))
	}
	missing, extra := store.EqualColumns(cols, spec.Schema.ColumnNames())
	if len(missing) > 0 {
		r := fail(CheckColumnsExist, spec.Name, fmt.Sprintf("Table '%s' is missing columns %v", spec.Name, missing))
		r.Violations = int64(len(missing))
		r.Sample = v.clip(missing)
		return r
	}
	msg := fmt.Sprintf("All expected columns exist in '%s'", spec.Name)
	if len(extra) > 0 {
		msg += fmt.Sprintf(" (extra: %v)", extra)
	}
	return pass(CheckColumnsExist, spec.Name, msg)
}

func (v *Validator) checkRowCount(ctx context.Context, spec table.Spec) Result {
	n, err := v.store.Count(ctx, spec.Name)
	if err != nil {
		return fail(CheckRowCount, spec.Name, fmt.Sprintf("Error counting '%s': %v", spec.Name, err))
	}
	if n < spec.Checks.MinRows {
		return fail(CheckRowCount, spec.Name, fmt.Sprintf("Table '%s' has %d rows: below minimum %d", spec.Name, n, spec.Checks.MinRows))
	}
	return pass(CheckRowCount, spec.Name, fmt.Sprintf("Table '%s' has %d rows", spec.Name, n))
}

func (v *Validator) checkReference(ctx context.Context, spec table.Spec, ref table.Reference, values *refValues, parents map[string]map[string]struct{}) Result {
	check := References(ref.Column, ref.Parent, ref.ParentColumn)
	parentSpec, ok := v.specs[ref.Parent]
	if !ok {
		return fail(check, spec.Name, fmt.Sprintf("Unknown parent table '%s'", ref.Parent))
	}

	cacheKey := ref.Parent + "." + ref.ParentColumn
	keys, ok := parents[cacheKey]
	if !ok {
		keys = make(map[string]struct{})
		err := v.store.Scan(ctx, ref.Parent, parentSpec.Schema, func(row table.Row) error {
			if val := row[ref.ParentColumn]; val != nil {
				keys[table.FormatValue(val)] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return fail(check, spec.Name, fmt.Sprintf("Error reading parent '%s': %v", ref.Parent, err))
		}
		parents[cacheKey] = keys
	}

	var orphans int64
	var sample []string
	for _, val := range values.seen {
		if _, ok := keys[val]; ok {
			continue
		}
		orphans += values.count[val]
		if len(sample) < v.sampleSize {
			sample = append(sample, val)
		}
	}
	if !ref.AllowNull && values.nulls > 0 {
		orphans += values.nulls
		if len(sample) < v.sampleSize {
			sample = append(sample, "NULL")
		}
	}

	if orphans > 0 {
		r := fail(check, spec.Name, fmt.Sprintf("Found %d orphaned rows in %s.%s -> %s.%s", orphans, spec.Name, ref.Column, ref.Parent, ref.ParentColumn))
		r.Violations = orphans
		r.Sample = sample
		return r
	}
	return pass(check, spec.Name, fmt.Sprintf("All %s.%s values exist in %s.%s", spec.Name, ref.Column, ref.Parent, ref.ParentColumn))
}

func (v *Validator) clip(values []string) []string {
	if len(values) > v.sampleSize {
		return values[:v.sampleSize]
	}
	return values
}

// tally accumulates violations of one check while scanning.
type tally struct {
	check  string
	count  int64
	sample []string
}

func (t *tally) add(value string, limit int) {
	t.count++
	if len(t.sample) < limit {
		t.sample = append(t.sample, value)
	}
}

type refValues struct {
	seen  []string
	count map[string]int64
	nulls int64
}

// tableScan evaluates every row-level check of a table in one pass.
type tableScan struct {
	spec    table.Spec
	limit   int
	keys    map[string]int
	dupKeys []string
	nulls   []*tally
	ranges  []*tally
	orders  []*tally
	refs    []*refValues
}

func (v *Validator) newScan(spec table.Spec) *tableScan {
	s := &tableScan{spec: spec, limit: v.sampleSize, keys: make(map[string]int)}
	for _, col := range spec.Schema.RequiredColumns() {
		s.nulls = append(s.nulls, &tally{check: NotNull(col)})
	}
	for _, rc := range spec.Checks.Ranges {
		s.ranges = append(s.ranges, &tally{check: Range(rc.Column)})
	}
	for _, oc := range spec.Checks.Orders {
		s.orders = append(s.orders, &tally{check: Ordered(oc.High, oc.Low)})
	}
	for range spec.Checks.References {
		s.refs = append(s.refs, &refValues{count: make(map[string]int64)})
	}
	return s
}

func (s *tableScan) observe(row table.Row) error {
	key := table.KeyOf(row, s.spec.Schema.PrimaryKey)
	s.keys[key]++
	if s.keys[key] == 2 {
		s.dupKeys = append(s.dupKeys, key)
	}

	for i, col := range s.spec.Schema.RequiredColumns() {
		if row[col] == nil {
			s.nulls[i].add(table.KeyOf(row, s.spec.Schema.PrimaryKey), s.limit)
		}
	}

	for i, rc := range s.spec.Checks.Ranges {
		val := row[rc.Column]
		if val == nil {
			continue
		}
		f, ok := numeric(val)
		if !ok || (rc.Min != nil && f < *rc.Min) || (rc.Max != nil && f > *rc.Max) {
			s.ranges[i].add(table.FormatValue(val), s.limit)
		}
	}

	for i, oc := range s.spec.Checks.Orders {
		high, low := row[oc.High], row[oc.Low]
		if high == nil || low == nil {
			continue
		}
		if c, ok := compare(high, low); !ok || c < 0 {
			s.orders[i].add(fmt.Sprintf("%s: %s < %s", table.KeyOf(row, s.spec.Schema.PrimaryKey), table.FormatValue(high), table.FormatValue(low)), s.limit)
		}
	}

	for i, ref := range s.spec.Checks.References {
		rv := s.refs[i]
		val := row[ref.Column]
		if val == nil {
			rv.nulls++
			continue
		}
		k := table.FormatValue(val)
		if rv.count[k] == 0 {
			rv.seen = append(rv.seen, k)
		}
		rv.count[k]++
	}
	return nil
}

func (s *tableScan) checkNames() []string {
	names := []string{CheckPrimaryKeyUnique}
	for _, group := range [][]*tally{s.nulls, s.ranges, s.orders} {
		for _, t := range group {
			names = append(names, t.check)
		}
	}
	for _, ref := range s.spec.Checks.References {
		names = append(names, References(ref.Column, ref.Parent, ref.ParentColumn))
	}
	return names
}

func (s *tableScan) results() []Result {
	name := s.spec.Name
	pk := strings.Join(s.spec.Schema.PrimaryKey, ", ")

	var out []Result
	if n := len(s.dupKeys); n > 0 {
		r := fail(CheckPrimaryKeyUnique, name, fmt.Sprintf("Found %d duplicate groups in '%s' on [%s]", n, name, pk))
		r.Violations = int64(n)
		r.Sample = s.dupKeys
		if len(r.Sample) > s.limit {
			r.Sample = r.Sample[:s.limit]
		}
		out = append(out, r)
	} else {
		out = append(out, pass(CheckPrimaryKeyUnique, name, fmt.Sprintf("No duplicates in '%s' on [%s]", name, pk)))
	}

	for i, col := range s.spec.Schema.RequiredColumns() {
		out = append(out, s.nulls[i].result(name,
			fmt.Sprintf("No NULL values in '%s.%s'", name, col),
			fmt.Sprintf("Found %d NULL values in '%s.%s'", s.nulls[i].count, name, col)))
	}
	for i, rc := range s.spec.Checks.Ranges {
		out = append(out, s.ranges[i].result(name,
			fmt.Sprintf("All %s.%s values in range [%s, %s]", name, rc.Column, bound(rc.Min), bound(rc.Max)),
			fmt.Sprintf("Found %d values outside range in %s.%s", s.ranges[i].count, name, rc.Column)))
	}
	for i, oc := range s.spec.Checks.Orders {
		out = append(out, s.orders[i].result(name,
			fmt.Sprintf("All rows in '%s' satisfy %s >= %s", name, oc.High, oc.Low),
			fmt.Sprintf("Found %d rows in '%s' with %s < %s", s.orders[i].count, name, oc.High, oc.Low)))
	}
	return out
}

func (t *tally) result(tableName, passMsg, failMsg string) Result {
	if t.count == 0 {
		return pass(t.check, tableName, passMsg)
	}
	r := fail(t.check, tableName, failMsg)
	r.Violations = t.count
	r.Sample = t.sample
	return r
}

func pass(check, tableName, msg string) Result {
	return Result{Check: check, Table: tableName, Passed: true, Message: msg}
}

func fail(check, tableName, msg string) Result {
	return Result{Check: check, Table: tableName, Passed: false, Message: msg, Violations: 1}
}

func bound(b *float64) string {
	if b == nil {
		return "-"
	}
	return table.FormatValue(*b)
}

func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// compare orders two coerced values of compatible types.
func compare(a, b any) (int, bool) {
	if x, ok := numeric(a); ok {
		if y, ok := numeric(b); ok {
			return cmp.Compare(x, y), true
		}
		return 0, false
	}
	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), true
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	}
	return 0, false
}
