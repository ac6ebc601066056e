// Package table defines destination table policy records, row values and the
// schema-driven coercion used by staging, publishing and validation.
package table

import (
	"errors"
	"fmt"
	"strings"
)

// Classification selects the publish strategy for a destination table.
type Classification string

const (
	// Snapshot tables are fully replaced on every publish cycle.
	Snapshot Classification = "snapshot"

	// Incremental tables only grow or update through keyed merges.
	Incremental Classification = "incremental"
)

// ParseClassification converts a config value into a Classification.
func ParseClassification(s string) (Classification, error) {
	switch Classification(strings.ToLower(strings.TrimSpace(s))) {
	case Snapshot:
		return Snapshot, nil
	case Incremental:
		return Incremental, nil
	default:
		return "", fmt.Errorf("unknown table classification %q", s)
	}
}

// ColumnType is the logical type of a column.
type ColumnType string

const (
	TypeString    ColumnType = "string"
	TypeInt       ColumnType = "int"
	TypeFloat     ColumnType = "float"
	TypeBool      ColumnType = "bool"
	TypeDate      ColumnType = "date"
	TypeTimestamp ColumnType = "timestamp"
)

// Column describes a single column.
type Column struct {
	Name     string
	Type     ColumnType
	Required bool
}

// Schema is the physical shape of a table.
type Schema struct {
	Columns    []Column
	PrimaryKey []string
}

// ColumnNames returns the column names in declaration order.
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Column looks up a column by name.
func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// RequiredColumns returns primary key columns plus columns flagged required.
func (s Schema) RequiredColumns() []string {
	seen := make(map[string]bool)
	var out []string
	for _, k := range s.PrimaryKey {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, c := range s.Columns {
		if c.Required && !seen[c.Name] {
			seen[c.Name] = true
			out = append(out, c.Name)
		}
	}
	return out
}

// Validate checks the schema is internally consistent.
func (s Schema) Validate() error {
	if len(s.Columns) == 0 {
		return errors.New("schema has no columns")
	}
	if len(s.PrimaryKey) == 0 {
		return errors.New("schema has no primary key")
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return errors.New("column name is required")
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		switch c.Type {
		case TypeString, TypeInt, TypeFloat, TypeBool, TypeDate, TypeTimestamp:
		default:
			return fmt.Errorf("column %q has unknown type %q", c.Name, c.Type)
		}
	}
	for _, k := range s.PrimaryKey {
		if !seen[k] {
			return fmt.Errorf("primary key column %q not declared", k)
		}
	}
	return nil
}

// RangeCheck bounds a numeric column. Nil bounds are open.
type RangeCheck struct {
	Column string
	Min    *float64
	Max    *float64
}

// OrderCheck asserts High >= Low on every row where both are set.
type OrderCheck struct {
	High string
	Low  string
}

// Reference declares a foreign-key style relation to a parent table.
type Reference struct {
	Column       string
	Parent       string
	ParentColumn string
	AllowNull    bool
}

// Checks is the validation battery declared for a table.
type Checks struct {
	Ranges     []RangeCheck
	Orders     []OrderCheck
	References []Reference

	// MinRows fails the row_count check when the live table holds fewer rows.
	MinRows int64
}

// Spec is the policy record for one destination table. It is resolved once at
// startup and never changes during a run.
type Spec struct {
	Name           string
	Classification Classification
	Schema         Schema

	// UniverseKey, when set, enables the distinct-key contraction guard on
	// snapshot swaps.
	UniverseKey []string

	Checks Checks
}

// Validate checks the spec.
func (s Spec) Validate() error {
	if s.Name == "" {
		return errors.New("table name is required")
	}
	if s.Classification != Snapshot && s.Classification != Incremental {
		return fmt.Errorf("table %s: unknown classification %q", s.Name, s.Classification)
	}
	if err := s.Schema.Validate(); err != nil {
		return fmt.Errorf("table %s: %w", s.Name, err)
	}
	for _, k := range s.UniverseKey {
		if _, ok := s.Schema.Column(k); !ok {
			return fmt.Errorf("table %s: universe key column %q not declared", s.Name, k)
		}
	}
	if len(s.UniverseKey) > 0 && s.Classification != Snapshot {
		return fmt.Errorf("table %s: universe key only applies to snapshot tables", s.Name)
	}
	return nil
}
