package state

import (
	"sync"
	"time"

	"github.com/roach88/statesync/internal/model"
)

// Item is one state record: an ordered field map plus timestamps.
type Item struct {
	mu           sync.RWMutex
	fields       *model.Fields
	created      time.Time
	lastModified time.Time
}

// NewItem creates an item owning fields, created and modified at now.
// A nil fields starts empty.
func NewItem(fields *model.Fields, now time.Time) *Item {
	if fields == nil {
		fields = model.NewFields()
	}
	return &Item{
		fields:       fields,
		created:      now,
		lastModified: now,
	}
}

// Get returns one field value.
func (i *Item) Get(key string) (model.Value, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.fields.Get(key)
}

// Set writes one field and reports whether the rendered value changed.
// LastModified moves to at only when something changed.
func (i *Item) Set(key string, v model.Value, at time.Time) bool {
	return i.SetAll([]model.F{{Key: key, Value: v}}, at)
}

// SetAll writes every change under one lock, so readers see all of them or
// none. It reports whether any rendered value changed.
func (i *Item) SetAll(changes []model.F, at time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	changed := false
	for _, c := range changes {
		if old, ok := i.fields.Get(c.Key); ok && model.Equal(old, c.Value) && isNull(old) == isNull(c.Value) {
			continue
		}
		i.fields.Set(c.Key, c.Value)
		changed = true
	}
	if changed {
		i.lastModified = at
	}
	return changed
}

func isNull(v model.Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(model.Null)
	return ok
}

// Fields returns a deep copy of the item's fields.
func (i *Item) Fields() *model.Fields {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.fields.Clone()
}

// Created returns the creation time.
func (i *Item) Created() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.created
}

// LastModified returns the time of the last field change.
func (i *Item) LastModified() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastModified
}

// String renders the item's fields as JSON.
func (i *Item) String() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.fields.String()
}
