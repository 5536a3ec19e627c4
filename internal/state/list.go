package state

import (
	"context"
	"slices"
	"sync"
)

// List is the ordered item list for one dataset name.
type List struct {
	name string
	pass chan struct{} // binary semaphore held for a whole pass

	mu    sync.RWMutex
	items []*Item
}

func newList(name string) *List {
	return &List{
		name: name,
		pass: make(chan struct{}, 1),
	}
}

// Name returns the dataset name the list is keyed by.
func (l *List) Name() string {
	return l.name
}

// Hold acquires the pass lock, blocking until it is free or ctx is done.
// The returned release function must be called exactly once.
func (l *List) Hold(ctx context.Context) (release func(), err error) {
	select {
	case l.pass <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-l.pass })
	}, nil
}

// Items returns a snapshot of the items in list order.
func (l *List) Items() []*Item {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.items)
}

// Len returns the number of items.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Append adds items at the end of the list.
func (l *List) Append(items ...*Item) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, items...)
}

// Remove deletes item from the list, preserving the order of the rest.
// Returns false if the item was not in the list.
func (l *List) Remove(item *Item) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := slices.Index(l.items, item)
	if idx < 0 {
		return false
	}
	l.items = slices.Delete(l.items, idx, idx+1)
	return true
}
