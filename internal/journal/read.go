package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/statesync/internal/model"
)

// DefaultLimit caps query results when Filter.Limit is not positive.
const DefaultLimit = 100

// Entry is one journaled sync action.
type Entry struct {
	Seq           int64                   `json:"seq"`
	ID            string                  `json:"id"`
	CycleSeq      int64                   `json:"cycleSeq"`
	Started       time.Time               `json:"started"`
	System        string                  `json:"system"`
	DataSet       string                  `json:"dataSet"`
	Kind          model.ActionKind        `json:"kind"`
	JoinValue     string                  `json:"joinValue"`
	InPermission  model.DataSetPermission `json:"inPermission"`
	OutPermission model.DataSetPermission `json:"outPermission"`
	Applied       bool                    `json:"applied"`
	Error         string                  `json:"error,omitempty"`
	Detail        json.RawMessage         `json:"detail"`
}

// CycleEntry is one journaled refresh cycle.
type CycleEntry struct {
	Seq       int64     `json:"seq"`
	System    string    `json:"system"`
	Started   time.Time `json:"started"`
	Completed time.Time `json:"completed,omitzero"` // zero if the cycle was cancelled
	DataSets  int       `json:"dataSets"`
	Failed    int       `json:"failed"`
	Actions   int       `json:"actions"`
}

// Filter selects journaled actions. Empty fields match everything.
type Filter struct {
	System  string
	DataSet string
	Kind    model.ActionKind // ActionKindUnknown matches every kind
	Since   time.Time        // cycles started at or after
	Limit   int
}

// Actions returns the most recent actions matching f, oldest first.
//
// Returns an empty slice (not nil) if nothing matches.
func (j *Journal) Actions(ctx context.Context, f Filter) ([]Entry, error) {
	var where []string
	var args []any
	if f.System != "" {
		where = append(where, "a.system = ?")
		args = append(args, f.System)
	}
	if f.DataSet != "" {
		where = append(where, "a.dataset = ?")
		args = append(args, f.DataSet)
	}
	if f.Kind != model.ActionKindUnknown {
		where = append(where, "a.kind = ?")
		args = append(args, f.Kind.String())
	}
	if !f.Since.IsZero() {
		where = append(where, "c.started_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	args = append(args, limit(f.Limit))

	query := `
		SELECT a.seq, a.id, a.cycle_seq, c.started_at, a.system, a.dataset, a.kind,
		       a.join_value, a.in_permission, a.out_permission, a.applied, a.error, a.detail
		FROM actions a
		JOIN cycles c ON a.cycle_seq = c.seq`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY a.seq DESC\n\t\tLIMIT ?"

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}

	slices.Reverse(entries)
	return entries, nil
}

// Cycles returns the most recent cycles of system (all systems when
// empty), oldest first.
func (j *Journal) Cycles(ctx context.Context, system string, n int) ([]CycleEntry, error) {
	query := `
		SELECT c.seq, c.system, c.started_at, c.completed_at, c.datasets, c.failed,
		       (SELECT COUNT(*) FROM actions a WHERE a.cycle_seq = c.seq)
		FROM cycles c`
	var args []any
	if system != "" {
		query += "\n\t\tWHERE c.system = ?"
		args = append(args, system)
	}
	query += "\n\t\tORDER BY c.seq DESC\n\t\tLIMIT ?"
	args = append(args, limit(n))

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	cycles := []CycleEntry{}
	for rows.Next() {
		var (
			c         CycleEntry
			started   string
			completed sql.NullString
		)
		if err := rows.Scan(&c.Seq, &c.System, &started, &completed, &c.DataSets, &c.Failed, &c.Actions); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		if c.Started, err = parseTime(started); err != nil {
			return nil, err
		}
		if completed.Valid {
			if c.Completed, err = parseTime(completed.String); err != nil {
				return nil, err
			}
		}
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycles: %w", err)
	}

	slices.Reverse(cycles)
	return cycles, nil
}

// scanEntry scans a single action row.
func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e               Entry
		started, kind   string
		inPerm, outPerm string
		applied         int
		detail          string
	)
	if err := rows.Scan(&e.Seq, &e.ID, &e.CycleSeq, &started, &e.System, &e.DataSet, &kind,
		&e.JoinValue, &inPerm, &outPerm, &applied, &e.Error, &detail); err != nil {
		return Entry{}, fmt.Errorf("scan action: %w", err)
	}

	var err error
	if e.Started, err = parseTime(started); err != nil {
		return Entry{}, err
	}
	if err := e.Kind.UnmarshalText([]byte(kind)); err != nil {
		return Entry{}, fmt.Errorf("action %s: %w", e.ID, err)
	}
	if err := e.InPermission.UnmarshalText([]byte(inPerm)); err != nil {
		return Entry{}, fmt.Errorf("action %s: %w", e.ID, err)
	}
	if err := e.OutPermission.UnmarshalText([]byte(outPerm)); err != nil {
		return Entry{}, fmt.Errorf("action %s: %w", e.ID, err)
	}
	e.Applied = applied != 0
	e.Detail = json.RawMessage(detail)
	return e, nil
}

func limit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return n
}
