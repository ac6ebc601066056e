// Package staging turns fetched batches into immutable artifacts on local
// disk. A batch is written to a temp file, validated, and only then renamed
// into the table's visible directory, so an artifact is either complete
// or absent.
//
// Layout:
//
//	<root>/<table>/<nanos>_<seq>_<id>.jsonl.zst   committed artifacts
//	<root>/<table>/.tmp/<id>.jsonl.zst.tmp        in-flight batches
package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/stockpile/pkg/table"
)

const (
	artifactExt = ".jsonl.zst"
	tempExt     = ".jsonl.zst.tmp"
	tempDir     = ".tmp"
)

var artifactsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stockpile_staging_artifacts_total",
	Help: "Staged batches by table and outcome",
}, []string{"table", "outcome"}) // committed, discarded, rolled_back

// Artifact is a committed, immutable batch.
type Artifact struct {
	Table       string
	Name        string
	Path        string
	Size        int64
	CommittedAt time.Time
	// Rows is known for artifacts returned by Commit; List leaves it zero.
	Rows int
}

// Manager owns the staging root.
type Manager struct {
	root   string
	logger zerolog.Logger

	mu        sync.Mutex
	seq       int
	lastNanos int64
}

// NewManager creates the staging root if needed.
func NewManager(root string, logger zerolog.Logger) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("staging root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	return &Manager{root: root, logger: logger}, nil
}

// Root returns the staging root directory.
func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) tableDir(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return filepath.Join(m.root, name), nil
}

// Pending is a written but uncommitted batch. It is invisible to List.
type Pending struct {
	m       *Manager
	spec    table.Spec
	path    string
	rows    int
	created time.Time
	done    bool
}

// Path returns the temp file path.
func (p *Pending) Path() string {
	return p.path
}

// Write coerces rows to the table schema and writes them to a temp file.
// Rows that cannot be coerced fail the whole batch.
func (m *Manager) Write(spec table.Spec, rows []table.Row) (*Pending, error) {
	dir, err := m.tableDir(spec.Name)
	if err != nil {
		return nil, err
	}

	coerced := make([]table.Row, 0, len(rows))
	for i, r := range rows {
		c, err := spec.Schema.Coerce(r)
		if err != nil {
			artifactsTotal.WithLabelValues(spec.Name, "discarded").Inc()
			return nil, &ValidationError{Table: spec.Name, Row: i, Err: err}
		}
		coerced = append(coerced, c)
	}

	tmp := filepath.Join(dir, tempDir)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	path := filepath.Join(tmp, uuid.NewString()+tempExt)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	if err := writeRows(f, coerced); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write %s batch: %w", spec.Name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	return &Pending{m: m, spec: spec, path: path, rows: len(coerced), created: time.Now()}, nil
}

// Commit validates the written batch and publishes it into the table's
// directory. On validation failure the temp file is removed and a
// *ValidationError is returned.
func (p *Pending) Commit() (*Artifact, error) {
	if p.done {
		return nil, ErrAlreadyFinished
	}
	p.done = true

	if err := p.validate(); err != nil {
		os.Remove(p.path)
		artifactsTotal.WithLabelValues(p.spec.Name, "discarded").Inc()
		p.m.logger.Warn().
			Err(err).
			Str("table", p.spec.Name).
			Int("rows", p.rows).
			Msg("Discarded invalid batch")
		return nil, err
	}

	name, committedAt := p.m.nextName()
	dir := filepath.Dir(filepath.Dir(p.path))
	final := filepath.Join(dir, name)
	if err := os.Rename(p.path, final); err != nil {
		os.Remove(p.path)
		return nil, fmt.Errorf("commit %s: %w", p.spec.Name, err)
	}
	syncDir(dir)

	info, err := os.Stat(final)
	if err != nil {
		return nil, fmt.Errorf("stat committed artifact: %w", err)
	}

	artifactsTotal.WithLabelValues(p.spec.Name, "committed").Inc()
	p.m.logger.Debug().
		Str("table", p.spec.Name).
		Str("artifact", name).
		Int("rows", p.rows).
		Msg("Committed batch")

	return &Artifact{
		Table:       p.spec.Name,
		Name:        name,
		Path:        final,
		Size:        info.Size(),
		CommittedAt: committedAt,
		Rows:        p.rows,
	}, nil
}

// validate re-reads the temp file and checks it against the batch.
func (p *Pending) validate() error {
	if p.rows == 0 {
		return &ValidationError{Table: p.spec.Name, Row: -1, Err: ErrEmptyBatch}
	}

	required := p.spec.Schema.RequiredColumns()
	n := 0
	err := readRows(p.path, func(raw map[string]any) error {
		for _, col := range required {
			if v, ok := raw[col]; !ok || v == nil {
				return &ValidationError{Table: p.spec.Name, Row: n, Err: fmt.Errorf("%w: %s", ErrMissingKey, col)}
			}
		}
		n++
		return nil
	})
	if err != nil {
		if _, ok := err.(*ValidationError); ok {
			return err
		}
		return &ValidationError{Table: p.spec.Name, Row: -1, Err: err}
	}
	if n != p.rows {
		return &ValidationError{Table: p.spec.Name, Row: -1, Err: fmt.Errorf("%w: wrote %d, read %d", ErrCountMismatch, p.rows, n)}
	}
	return nil
}

// Rollback deletes the temp file. Committed artifacts are never touched.
func (p *Pending) Rollback() error {
	if p.done {
		return ErrAlreadyFinished
	}
	p.done = true
	artifactsTotal.WithLabelValues(p.spec.Name, "rolled_back").Inc()
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file: %w", err)
	}
	return nil
}

// Stage writes and commits a batch in one step.
func (m *Manager) Stage(spec table.Spec, rows []table.Row) (*Artifact, error) {
	p, err := m.Write(spec, rows)
	if err != nil {
		return nil, err
	}
	return p.Commit()
}

// nextName returns a name that sorts after every name this manager issued.
func (m *Manager) nextName() (string, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nanos := time.Now().UnixNano()
	if nanos <= m.lastNanos {
		nanos = m.lastNanos + 1
	}
	m.lastNanos = nanos
	m.seq = (m.seq + 1) % 1000000

	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%020d_%06d_%s%s", nanos, m.seq, id, artifactExt), time.Unix(0, nanos).UTC()
}

// List returns the committed artifacts of a table in commit order.
func (m *Manager) List(tableName string) ([]Artifact, error) {
	dir, err := m.tableDir(tableName)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", tableName, err)
	}

	var out []Artifact
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), artifactExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		a := Artifact{
			Table: tableName,
			Name:  e.Name(),
			Path:  filepath.Join(dir, e.Name()),
			Size:  info.Size(),
		}
		if nanos, err := strconv.ParseInt(strings.SplitN(e.Name(), "_", 2)[0], 10, 64); err == nil {
			a.CommittedAt = time.Unix(0, nanos).UTC()
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Tables returns the table directories present under the root.
func (m *Manager) Tables() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("list staging root: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Read decodes an artifact and coerces its rows to schema.
func (m *Manager) Read(a Artifact, schema table.Schema) ([]table.Row, error) {
	var rows []table.Row
	err := readRows(a.Path, func(raw map[string]any) error {
		r, err := schema.Coerce(table.Row(raw))
		if err != nil {
			return fmt.Errorf("artifact %s row %d: %w", a.Name, len(rows), err)
		}
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Sweep removes temp files older than age left behind by crashed writers.
// Committed artifacts are never removed.
func (m *Manager) Sweep(age time.Duration) (int, error) {
	tables, err := m.Tables()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, t := range tables {
		dir := filepath.Join(m.root, t, tempDir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), tempExt) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("remove %s: %w", path, err)
			}
			removed++
			m.logger.Info().
				Str("table", t).
				Str("file", e.Name()).
				Time("modified", info.ModTime()).
				Msg("Removed orphaned partial batch")
		}
	}
	return removed, nil
}

// syncDir flushes a directory entry after a rename. Errors are ignored
// because not every platform supports syncing directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
