package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/statesync/internal/engine"
	"github.com/roach88/statesync/internal/model"
	"github.com/roach88/statesync/internal/scheduler"
)

// Notable reports whether an action is journaled. A clean AlreadyInSync
// changes nothing and is skipped.
func Notable(a *engine.SyncAction) bool {
	return a.Kind != model.AlreadyInSync || a.Err != nil
}

// Record inserts a cycle and its notable actions in one transaction.
// Actions whose ID is already journaled are silently ignored.
//
// Returns the number of actions inserted.
func (j *Journal) Record(ctx context.Context, c scheduler.Cycle) (int, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("record cycle: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	failed := 0
	for _, r := range c.Results {
		if r.Err != nil {
			failed++
		}
	}

	var completed any
	if !c.Completed.IsZero() {
		completed = formatTime(c.Completed)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO cycles (system, started_at, completed_at, datasets, failed)
		VALUES (?, ?, ?, ?, ?)
	`, c.System, formatTime(c.Started), completed, len(c.Results), failed)
	if err != nil {
		return 0, fmt.Errorf("record cycle: %w", err)
	}
	cycleSeq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record cycle: get seq: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO actions
		(id, cycle_seq, system, dataset, kind, join_value, in_permission, out_permission, applied, error, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("record cycle: prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range c.Results {
		for _, a := range r.Actions {
			if !Notable(a) {
				continue
			}
			n, err := insertAction(ctx, stmt, cycleSeq, r, a)
			if err != nil {
				return 0, fmt.Errorf("record action %s: %w", a.ID, err)
			}
			inserted += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("record cycle: commit: %w", err)
	}
	return inserted, nil
}

func insertAction(ctx context.Context, stmt *sql.Stmt, cycleSeq int64, r engine.Result, a *engine.SyncAction) (int, error) {
	detail, err := json.Marshal(a)
	if err != nil {
		return 0, fmt.Errorf("marshal detail: %w", err)
	}

	var errText string
	if a.Err != nil {
		errText = a.Err.Error()
	}

	applied := 0
	if a.Applied() {
		applied = 1
	}

	res, err := stmt.ExecContext(ctx,
		a.ID,
		cycleSeq,
		r.System,
		r.DataSet,
		a.Kind.String(),
		a.JoinValue,
		a.InPermission.String(),
		a.OutPermission.String(),
		applied,
		errText,
		string(detail),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Prune deletes cycles started before the cutoff together with their
// actions. Returns the number of cycles deleted.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune journal: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	cutoff := formatTime(before)
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM actions
		WHERE cycle_seq IN (SELECT seq FROM cycles WHERE started_at < ?)
	`, cutoff); err != nil {
		return 0, fmt.Errorf("prune journal actions: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM cycles WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune journal cycles: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune journal cycles: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune journal: commit: %w", err)
	}
	return n, nil
}
