package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/roach88/statesync/internal/model"
)

// SyncStats records the last scheduler cycle of one connected system.
type SyncStats struct {
	LastSyncStarted   time.Time `json:"lastSyncStarted,omitzero"`
	LastSyncCompleted time.Time `json:"lastSyncCompleted,omitzero"`
}

// Store is the top-level container of item lists and sync statistics.
// Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	path  string
	names []string // dataset names in creation order
	lists map[string]*List
	stats map[string]SyncStats

	saveMu sync.Mutex // serializes Save
}

// New creates an empty store.
func New() *Store {
	return &Store{
		lists: make(map[string]*List),
		stats: make(map[string]SyncStats),
	}
}

// Path returns the file the store was loaded from or last saved to.
func (s *Store) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// List returns the item list for name, creating it on first reference.
func (s *Store) List(name string) *List {
	s.mu.RLock()
	l, ok := s.lists[name]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lists[name]; ok {
		return l
	}
	l = newList(name)
	s.lists[name] = l
	s.names = append(s.names, name)
	return l
}

// Lookup returns the item list for name without creating it.
func (s *Store) Lookup(name string) (*List, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lists[name]
	return l, ok
}

// DataSetNames returns the declared list names in creation order.
func (s *Store) DataSetNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Stats returns the sync statistics for a connected system.
func (s *Store) Stats(system string) SyncStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats[system]
}

// AllStats returns a copy of every connected system's statistics.
func (s *Store) AllStats() map[string]SyncStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]SyncStats, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out
}

// RecordSyncStarted stamps the start of a cycle for system.
func (s *Store) RecordSyncStarted(system string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[system]
	st.LastSyncStarted = at
	s.stats[system] = st
}

// RecordSyncCompleted stamps the completion of a cycle for system.
func (s *Store) RecordSyncCompleted(system string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[system]
	st.LastSyncCompleted = at
	s.stats[system] = st
}

// document is the persisted shape of a Store.
type document struct {
	Path                 string                    `json:"path"`
	DataSetNames         []string                  `json:"dataSetNames"`
	ItemLists            map[string][]itemDocument `json:"itemLists"`
	ConnectedSystemStats map[string]SyncStats      `json:"connectedSystemStats,omitempty"`
}

type itemDocument struct {
	Created      time.Time     `json:"created"`
	LastModified time.Time     `json:"lastModified"`
	Fields       *model.Fields `json:"fields"`
}

// Load reads a store from path. A missing file yields an empty store whose
// Path is path.
//
// Loading is schema-tolerant: unknown keys are ignored, lists named in
// dataSetNames without items load empty, and lists present in itemLists but
// not declared are appended in name order.
func Load(path string) (*Store, error) {
	s := New()
	s.path = path

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}

	names := append([]string(nil), doc.DataSetNames...)
	declared := make(map[string]bool, len(names))
	for _, n := range names {
		declared[n] = true
	}
	var extra []string
	for n := range doc.ItemLists {
		if !declared[n] {
			extra = append(extra, n)
		}
	}
	sort.Strings(extra)
	names = append(names, extra...)

	for _, name := range names {
		l := s.List(name)
		for _, d := range doc.ItemLists[name] {
			item := NewItem(d.Fields, d.Created)
			item.lastModified = d.LastModified
			l.items = append(l.items, item)
		}
	}
	for system, st := range doc.ConnectedSystemStats {
		s.stats[system] = st
	}

	return s, nil
}

// Save serializes the full store to path atomically: the document is
// written to a temporary file in the same directory, synced, then renamed.
func (s *Store) Save(path string) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	doc := s.snapshot(path)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
	return nil
}

// snapshot copies the store into its persisted shape. Each list is copied
// under its slice lock and each item under its item lock; a running pass is
// not waited for.
func (s *Store) snapshot(path string) document {
	s.mu.RLock()
	names := make([]string, len(s.names))
	copy(names, s.names)
	lists := make(map[string]*List, len(s.lists))
	for k, v := range s.lists {
		lists[k] = v
	}
	stats := make(map[string]SyncStats, len(s.stats))
	for k, v := range s.stats {
		stats[k] = v
	}
	s.mu.RUnlock()

	doc := document{
		Path:                 path,
		DataSetNames:         names,
		ItemLists:            make(map[string][]itemDocument, len(names)),
		ConnectedSystemStats: stats,
	}
	for _, name := range names {
		items := lists[name].Items()
		docs := make([]itemDocument, 0, len(items))
		for _, it := range items {
			it.mu.RLock()
			docs = append(docs, itemDocument{
				Created:      it.created,
				LastModified: it.lastModified,
				Fields:       it.fields.Clone(),
			})
			it.mu.RUnlock()
		}
		doc.ItemLists[name] = docs
	}
	return doc
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
