// Package job defines the unit of fetch work and the CSV backlog it is read from.
package job

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/stockpile/pkg/table"
)

// ErrInvalidJob is returned for jobs with a missing identity or an inverted date range.
var ErrInvalidJob = errors.New("invalid job")

// Job requests data for one identity over an inclusive date range.
// A Job is immutable once dispatched.
type Job struct {
	Identity string
	From     time.Time
	To       time.Time
	Attempt  int
}

// New builds a validated Job. Identities are normalized to upper case.
func New(identity string, from, to time.Time) (Job, error) {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return Job{}, fmt.Errorf("%w: empty identity", ErrInvalidJob)
	}
	from, to = truncateDay(from), truncateDay(to)
	if to.Before(from) {
		return Job{}, fmt.Errorf("%w: %s range %s..%s is inverted",
			ErrInvalidJob, identity, from.Format(table.DateLayout), to.Format(table.DateLayout))
	}
	return Job{Identity: identity, From: from, To: to}, nil
}

// NormalizeIdentity trims and upper-cases an identity so lookups are case-insensitive.
func NormalizeIdentity(identity string) string {
	return strings.ToUpper(strings.TrimSpace(identity))
}

// String renders the job for logs.
func (j Job) String() string {
	return fmt.Sprintf("%s[%s..%s]", j.Identity, j.From.Format(table.DateLayout), j.To.Format(table.DateLayout))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ReadBacklog parses a CSV backlog with the header identity,from,to.
// Row order is dispatch priority. Duplicate identities keep their first
// occurrence.
func ReadBacklog(r io.Reader) ([]Job, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backlog header: %w", err)
	}

	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, want := range []string{"identity", "from", "to"} {
		if _, ok := idx[want]; !ok {
			return nil, fmt.Errorf("backlog header missing column %q", want)
		}
	}

	var jobs []Job
	seen := make(map[string]struct{})
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read backlog: %w", err)
		}
		line, _ := cr.FieldPos(0)

		from, err := time.Parse(table.DateLayout, strings.TrimSpace(rec[idx["from"]]))
		if err != nil {
			return nil, fmt.Errorf("backlog line %d: parse from: %w", line, err)
		}
		to, err := time.Parse(table.DateLayout, strings.TrimSpace(rec[idx["to"]]))
		if err != nil {
			return nil, fmt.Errorf("backlog line %d: parse to: %w", line, err)
		}
		j, err := New(rec[idx["identity"]], from, to)
		if err != nil {
			return nil, fmt.Errorf("backlog line %d: %w", line, err)
		}
		if _, dup := seen[j.Identity]; dup {
			continue
		}
		seen[j.Identity] = struct{}{}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// LoadBacklog reads a backlog file from disk.
func LoadBacklog(path string) ([]Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open backlog: %w", err)
	}
	defer f.Close()
	return ReadBacklog(f)
}
