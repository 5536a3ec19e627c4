package journal

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statesync/internal/engine"
	"github.com/roach88/statesync/internal/model"
	"github.com/roach88/statesync/internal/scheduler"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func openTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func action(id string, kind model.ActionKind, in, out model.DataSetPermission) *engine.SyncAction {
	return &engine.SyncAction{ID: id, Kind: kind, JoinValue: "j-" + id, InPermission: in, OutPermission: out}
}

func cycle(system string, started time.Time, results ...engine.Result) scheduler.Cycle {
	return scheduler.Cycle{System: system, Started: started, Completed: started.Add(time.Second), Results: results}
}

func TestOpen_SchemaAndPragmas(t *testing.T) {
	j, path := openTestJournal(t)

	var version int
	require.NoError(t, j.DB().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	var mode string
	require.NoError(t, j.DB().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	require.NoError(t, j.Close())

	// Reopening is idempotent
	again, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	j, path := openTestJournal(t)
	_, err := j.DB().Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestRecord_SkipsCleanAlreadyInSync(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	inSyncWithError := action("a3", model.AlreadyInSync, model.Allowed, model.Allowed)
	inSyncWithError.Err = errors.New("mapping contactName: lookup failed")

	c := cycle("crm", t0, engine.Result{
		System:  "crm",
		DataSet: "contacts",
		Actions: []*engine.SyncAction{
			action("a1", model.CreateState, model.Allowed, model.InvalidOperation),
			action("a2", model.AlreadyInSync, model.Allowed, model.Allowed),
			inSyncWithError,
			action("a4", model.DeleteSystem, model.InvalidOperation, model.DeniedAtConnectedSystemDataSet),
		},
	})

	n, err := j.Record(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entries, err := j.Actions(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "a1", entries[0].ID)
	assert.Equal(t, model.CreateState, entries[0].Kind)
	assert.Equal(t, "crm", entries[0].System)
	assert.Equal(t, "contacts", entries[0].DataSet)
	assert.Equal(t, "j-a1", entries[0].JoinValue)
	assert.True(t, entries[0].Applied)
	assert.Equal(t, t0, entries[0].Started)

	assert.Equal(t, "a3", entries[1].ID)
	assert.Equal(t, "mapping contactName: lookup failed", entries[1].Error)

	assert.Equal(t, model.DeniedAtConnectedSystemDataSet, entries[2].OutPermission)
	assert.False(t, entries[2].Applied)

	var detail map[string]any
	require.NoError(t, json.Unmarshal(entries[2].Detail, &detail))
	assert.Equal(t, "DeleteSystem", detail["kind"])
}

func TestRecord_DuplicateActionsIgnored(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()
	c := cycle("crm", t0, engine.Result{System: "crm", DataSet: "contacts", Actions: []*engine.SyncAction{
		action("a1", model.CreateState, model.Allowed, model.InvalidOperation),
	}})

	_, err := j.Record(ctx, c)
	require.NoError(t, err)
	n, err := j.Record(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	entries, err := j.Actions(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestActions_Filter(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	_, err := j.Record(ctx, cycle("crm", t0,
		engine.Result{System: "crm", DataSet: "contacts", Actions: []*engine.SyncAction{
			action("c1", model.CreateState, model.Allowed, model.InvalidOperation),
			action("c2", model.UpdateBoth, model.Allowed, model.Allowed),
		}},
		engine.Result{System: "crm", DataSet: "companies", Actions: []*engine.SyncAction{
			action("c3", model.CreateState, model.Allowed, model.InvalidOperation),
		}},
	))
	require.NoError(t, err)
	_, err = j.Record(ctx, cycle("hr", t0.Add(time.Hour),
		engine.Result{System: "hr", DataSet: "employees", Actions: []*engine.SyncAction{
			action("h1", model.RemedyJoinValueUnavailable, model.InvalidOperation, model.InvalidOperation),
		}},
	))
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"c1", "c2", "c3", "h1"}},
		{"system", Filter{System: "crm"}, []string{"c1", "c2", "c3"}},
		{"dataset", Filter{System: "crm", DataSet: "contacts"}, []string{"c1", "c2"}},
		{"kind", Filter{Kind: model.CreateState}, []string{"c1", "c3"}},
		{"since", Filter{Since: t0.Add(time.Minute)}, []string{"h1"}},
		{"limit keeps most recent", Filter{Limit: 2}, []string{"c3", "h1"}},
		{"no match", Filter{System: "erp"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := j.Actions(ctx, tt.filter)
			require.NoError(t, err)
			ids := make([]string, len(entries))
			for i, e := range entries {
				ids[i] = e.ID
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestCycles(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	_, err := j.Record(ctx, cycle("crm", t0, engine.Result{System: "crm", DataSet: "contacts", Actions: []*engine.SyncAction{
		action("c1", model.CreateState, model.Allowed, model.InvalidOperation),
	}}))
	require.NoError(t, err)

	cancelled := cycle("crm", t0.Add(time.Minute), engine.Result{System: "crm", DataSet: "contacts", Err: context.Canceled})
	cancelled.Completed = time.Time{}
	_, err = j.Record(ctx, cancelled)
	require.NoError(t, err)

	_, err = j.Record(ctx, cycle("hr", t0.Add(2*time.Minute)))
	require.NoError(t, err)

	cycles, err := j.Cycles(ctx, "crm", 0)
	require.NoError(t, err)
	require.Len(t, cycles, 2)

	assert.Equal(t, t0, cycles[0].Started)
	assert.Equal(t, t0.Add(time.Second), cycles[0].Completed)
	assert.Equal(t, 1, cycles[0].DataSets)
	assert.Equal(t, 0, cycles[0].Failed)
	assert.Equal(t, 1, cycles[0].Actions)

	assert.True(t, cycles[1].Completed.IsZero())
	assert.Equal(t, 1, cycles[1].Failed)
	assert.Equal(t, 0, cycles[1].Actions)

	all, err := j.Cycles(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "hr", all[0].System)
}

func TestPrune(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	_, err := j.Record(ctx, cycle("crm", t0, engine.Result{System: "crm", DataSet: "contacts", Actions: []*engine.SyncAction{
		action("old", model.CreateState, model.Allowed, model.InvalidOperation),
	}}))
	require.NoError(t, err)
	_, err = j.Record(ctx, cycle("crm", t0.Add(48*time.Hour), engine.Result{System: "crm", DataSet: "contacts", Actions: []*engine.SyncAction{
		action("new", model.DeleteState, model.Allowed, model.InvalidOperation),
	}}))
	require.NoError(t, err)

	n, err := j.Prune(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := j.Actions(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].ID)
}

func TestNotable(t *testing.T) {
	assert.True(t, Notable(action("a", model.UpdateBoth, model.Allowed, model.Allowed)))
	assert.False(t, Notable(action("b", model.AlreadyInSync, model.Allowed, model.Allowed)))
}
