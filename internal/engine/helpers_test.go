package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roach88/statesync/internal/expr"
	"github.com/roach88/statesync/internal/model"
	"github.com/roach88/statesync/internal/state"
	"github.com/roach88/statesync/internal/testutil"
)

var (
	testStart = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	errBoom   = errors.New("boom")

	joinID   = model.Mapping{SystemExpression: "id", StateExpression: "contactId", Direction: model.DirectionJoin}
	nameIn   = model.Mapping{SystemExpression: "name", StateExpression: "name", Direction: model.DirectionIn}
	emailOut = model.Mapping{SystemExpression: "email", StateExpression: "email", Direction: model.DirectionOut}
)

func newTestEngine() (*Engine, *testutil.Clock) {
	clock := testutil.NewClock(testStart)
	return New(WithIDGenerator(testutil.NewSequentialIDs("")), WithClock(clock.Now)), clock
}

func crm() *model.ConnectedSystem {
	return &model.ConnectedSystem{Name: "crm", Type: "memory", Enabled: true, Permissions: model.FullPermissions()}
}

func dataSet(dir model.CreateDeleteDirection, mappings ...model.Mapping) *model.DataSet {
	return &model.DataSet{
		Name:                  "contacts",
		CreateDeleteDirection: dir,
		Permissions:           model.FullPermissions(),
		Mappings:              mappings,
	}
}

func ext(id int64, name string) *model.Fields {
	return model.FieldsOf(
		model.F{Key: "id", Value: model.Int(id)},
		model.F{Key: "name", Value: model.String(name)},
	)
}

func contact(id int64, name, email string) *model.Fields {
	return model.FieldsOf(
		model.F{Key: "id", Value: model.Int(id)},
		model.F{Key: "name", Value: model.String(name)},
		model.F{Key: "email", Value: model.String(email)},
	)
}

func seed(list *state.List, records ...*model.Fields) []*state.Item {
	items := make([]*state.Item, len(records))
	for i, r := range records {
		items[i] = state.NewItem(r, testStart)
	}
	list.Append(items...)
	return items
}

func stateContact(id int64, name, email string) *model.Fields {
	f := model.FieldsOf(
		model.F{Key: "contactId", Value: model.Int(id)},
		model.F{Key: "name", Value: model.String(name)},
	)
	if email != "" {
		f.Set("email", model.String(email))
	}
	return f
}

func newList() *state.List {
	return state.New().List("contacts")
}

func kinds(actions []*SyncAction) []model.ActionKind {
	out := make([]model.ActionKind, len(actions))
	for i, a := range actions {
		out[i] = a.Kind
	}
	return out
}

func get(f *model.Fields, key string) model.Value {
	v, _ := f.Get(key)
	return v
}

// fakeOutward records outward calls and applies updates to the passed
// external item.
type fakeOutward struct {
	mu       sync.Mutex
	created  []*model.Fields
	updated  []*SyncAction
	deleted  []*model.Fields
	failOn   string
	onDelete func()
}

func (f *fakeOutward) CreateOutward(_ context.Context, _ *model.DataSet, fields *model.Fields) (*model.Fields, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "create" {
		return nil, errBoom
	}
	created := fields.Clone()
	created.Set("origin", model.String("fake"))
	f.created = append(f.created, created)
	return created, nil
}

func (f *fakeOutward) UpdateOutward(_ context.Context, _ *model.DataSet, a *SyncAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "update" {
		return errBoom
	}
	for _, c := range a.SystemChanges {
		a.SystemItem.Set(c.Field, c.New)
	}
	f.updated = append(f.updated, a)
	return nil
}

func (f *fakeOutward) DeleteOutward(_ context.Context, _ *model.DataSet, fields *model.Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onDelete != nil {
		f.onDelete()
	}
	if f.failOn == "delete" {
		return errBoom
	}
	f.deleted = append(f.deleted, fields)
	return nil
}

// fakeConnector serves fixed items per dataset.
type fakeConnector struct {
	fakeOutward
	items    map[string][]*model.Fields
	fetchErr error
	lookups  []string
	cleared  int
	closeErr error
	closed   bool
}

func (c *fakeConnector) Fetch(_ context.Context, ds *model.DataSet) ([]*model.Fields, error) {
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return c.items[ds.Name], nil
}

func (c *fakeConnector) QueryLookup(_ context.Context, query, field string, zero, multi expr.MatchPolicy) (model.Value, error) {
	c.lookups = append(c.lookups, query)
	_, v, err := expr.Pick(c.items[query], field, zero, multi)
	return v, err
}

func (c *fakeConnector) ClearCache() {
	c.cleared++
}

func (c *fakeConnector) Close() error {
	c.closed = true
	return c.closeErr
}
