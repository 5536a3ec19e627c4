package state

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statesync/internal/model"
)

func TestLoad_MissingFileYieldsEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "state.json")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, s.DataSetNames())
	assert.Equal(t, path, s.Path())
}

func TestStore_ListIsLazyAndStable(t *testing.T) {
	s := New()
	a := s.List("a")
	assert.Same(t, a, s.List("a"))
	s.List("b")

	assert.Equal(t, []string{"a", "b"}, s.DataSetNames())
	_, ok := s.Lookup("c")
	assert.False(t, ok)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New()

	people := s.List("people")
	for i, name := range []string{"zoe", "adam", "mia"} {
		item := NewItem(model.FieldsOf(
			model.F{Key: "id", Value: model.Int(int64(i))},
			model.F{Key: "name", Value: model.String(name)},
			model.F{Key: "meta", Value: model.FieldsOf(model.F{Key: "vip", Value: model.Bool(i == 1)})},
		), t0.Add(time.Duration(i)*time.Hour))
		item.Set("score", model.Float(1.25), t0.Add(48*time.Hour))
		people.Append(item)
	}
	s.List("empty")
	s.RecordSyncStarted("crm", t0)
	s.RecordSyncCompleted("crm", t0.Add(time.Second))

	require.NoError(t, s.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"people", "empty"}, loaded.DataSetNames())
	assert.Equal(t, 0, loaded.List("empty").Len())

	want := people.Items()
	got := loaded.List("people").Items()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Fields().Equal(got[i].Fields()), "item %d fields", i)
		assert.Equal(t, want[i].Fields().Keys(), got[i].Fields().Keys())
		assert.True(t, want[i].Created().Equal(got[i].Created()))
		assert.True(t, want[i].LastModified().Equal(got[i].LastModified()))
	}

	stats := loaded.Stats("crm")
	assert.True(t, stats.LastSyncStarted.Equal(t0))
	assert.True(t, stats.LastSyncCompleted.Equal(t0.Add(time.Second)))
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := New()
	s.List("x").Append(NewItem(nil, t0))

	require.NoError(t, s.Save(path))
	require.NoError(t, s.Save(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestLoad_SchemaTolerant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	doc := `{
  "path": "/elsewhere/state.json",
  "dataSetNames": ["declared"],
  "itemLists": {
    "undeclared": [{"created": "2026-01-02T03:04:05Z", "lastModified": "2026-01-02T03:04:05Z", "fields": {"b": 1, "a": 2}}]
  },
  "somethingNew": true
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"declared", "undeclared"}, s.DataSetNames())
	items := s.List("undeclared").Items()
	require.Len(t, items, 1)
	assert.Equal(t, []string{"b", "a"}, items[0].Fields().Keys())
}

func TestLoad_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse state file")
}

func TestStore_ConcurrentSaveAndMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New()
	l := s.List("busy")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			item := NewItem(nil, t0)
			l.Append(item)
			item.Set("n", model.Int(int64(i)), t0)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			assert.NoError(t, s.Save(path))
		}
	}()
	wg.Wait()

	require.NoError(t, s.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 200, loaded.List("busy").Len())
}
