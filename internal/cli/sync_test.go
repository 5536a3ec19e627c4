package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statesync/internal/model"
	"github.com/roach88/statesync/internal/state"
)

func TestSync_CreatesState(t *testing.T) {
	p := writeProject(t)

	out, err := execute(NewSyncCommand(&RootOptions{Format: "text", ConfigPath: p.config}))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ crm/contacts: 2 actions")
	assert.NotContains(t, out, "archive")
	assert.Contains(t, out, "State saved to "+p.state)

	store, err := state.Load(p.state)
	require.NoError(t, err)
	list, ok := store.Lookup("contacts")
	require.True(t, ok)
	assert.Equal(t, 2, list.Len())
	assert.False(t, store.Stats("crm").LastSyncCompleted.IsZero())
}

func TestSync_SecondRunInSync(t *testing.T) {
	p := writeProject(t)

	_, err := execute(NewSyncCommand(&RootOptions{Format: "text", ConfigPath: p.config}))
	require.NoError(t, err)

	out, err := execute(NewSyncCommand(&RootOptions{Format: "text", ConfigPath: p.config}), "--actions")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ crm/contacts: 2 actions, 0 applied")
	assert.Contains(t, out, "  AlreadyInSync")
}

func TestSync_JSON(t *testing.T) {
	p := writeProject(t)

	out, err := execute(NewSyncCommand(&RootOptions{Format: "json", ConfigPath: p.config}))
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			StatePath string `json:"statePath"`
			DataSets  []struct {
				System  string `json:"system"`
				DataSet string `json:"dataSet"`
				Total   int    `json:"total"`
				Actions []struct {
					Kind string `json:"kind"`
				} `json:"actions"`
			} `json:"dataSets"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, p.state, resp.Data.StatePath)
	require.Len(t, resp.Data.DataSets, 1)

	ds := resp.Data.DataSets[0]
	assert.Equal(t, "crm", ds.System)
	assert.Equal(t, "contacts", ds.DataSet)
	assert.Equal(t, 2, ds.Total)
	require.Len(t, ds.Actions, 2)
	assert.Equal(t, model.CreateState.String(), ds.Actions[0].Kind)
}

func TestSync_NamedDisabledSystem(t *testing.T) {
	p := writeProject(t)

	out, err := execute(NewSyncCommand(&RootOptions{Format: "text", ConfigPath: p.config}), "--system", "archive")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ archive/records: 0 actions")
	assert.NotContains(t, out, "crm/contacts")
}

func TestSync_UnknownSystem(t *testing.T) {
	p := writeProject(t)

	_, err := execute(NewSyncCommand(&RootOptions{Format: "text", ConfigPath: p.config}), "--system", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `unknown connected system "nope"`)
}

func TestSync_StateOverride(t *testing.T) {
	p := writeProject(t)
	override := p.dir + "/other.json"

	_, err := execute(NewSyncCommand(&RootOptions{Format: "text", ConfigPath: p.config, StatePath: override}))
	require.NoError(t, err)
	assert.FileExists(t, override)
	assert.NoFileExists(t, p.state)
}

func TestSelectSystems(t *testing.T) {
	all := []model.ConnectedSystem{
		{Name: "a", Enabled: true},
		{Name: "b", Enabled: false},
	}

	got, err := selectSystems(all, nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = selectSystems(all, []string{"b"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Name)
	assert.True(t, got[0].Enabled)
	assert.False(t, all[1].Enabled, "input must not be modified")
}
