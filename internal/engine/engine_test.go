package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statesync/internal/expr"
	"github.com/roach88/statesync/internal/model"
	"github.com/roach88/statesync/internal/state"
)

func fiveContacts() []*model.Fields {
	items := make([]*model.Fields, 5)
	for i := range items {
		items[i] = ext(int64(i+1), "contact-"+strconv.Itoa(i+1))
	}
	return items
}

func TestReconcile_CreatesThenInSync(t *testing.T) {
	e, _ := newTestEngine()
	ds := dataSet(model.CreateDeleteIn, joinID, nameIn)
	list := newList()
	ctx := context.Background()

	actions, err := e.Reconcile(ctx, crm(), ds, fiveContacts(), list, nil)
	require.NoError(t, err)
	require.Len(t, actions, 5)

	for i, a := range actions {
		assert.Equal(t, model.CreateState, a.Kind)
		assert.Equal(t, model.Allowed, a.InPermission)
		assert.Equal(t, model.InvalidOperation, a.OutPermission)
		assert.Equal(t, strconv.Itoa(i+1), a.JoinValue)
		assert.NotNil(t, a.StateItem)
		assert.NoError(t, a.Err)
	}
	require.Equal(t, 5, list.Len())

	first := list.Items()[0].Fields()
	assert.Equal(t, []string{"contactId", "name"}, first.Keys())
	assert.Equal(t, model.Int(1), get(first, "contactId"))
	assert.Equal(t, model.String("contact-1"), get(first, "name"))

	actions, err = e.Reconcile(ctx, crm(), ds, fiveContacts(), list, nil)
	require.NoError(t, err)
	require.Len(t, actions, 5)
	for _, a := range actions {
		assert.Equal(t, model.AlreadyInSync, a.Kind)
		assert.Equal(t, model.Allowed, a.InPermission)
		assert.Equal(t, model.Allowed, a.OutPermission)
	}
	assert.Equal(t, 5, list.Len())
}

func TestReconcile_ActionIDs(t *testing.T) {
	e, _ := newTestEngine()

	actions, err := e.Reconcile(context.Background(), crm(), dataSet(model.CreateDeleteIn, joinID), fiveContacts()[:2], newList(), nil)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "action-1", actions[0].ID)
	assert.Equal(t, "action-2", actions[1].ID)
}

func TestReconcile_UpdateBothIsIdempotent(t *testing.T) {
	e, clock := newTestEngine()
	ds := dataSet(model.CreateDeleteNone, joinID, nameIn, emailOut)
	list := newList()
	items := seed(list, stateContact(1, "Old Name", "ada@new.example"))
	external := []*model.Fields{contact(1, "Ada", "ada@old.example")}
	out := &fakeOutward{}
	ctx := context.Background()

	clock.Advance(time.Hour)
	actions, err := e.Reconcile(ctx, crm(), ds, external, list, out)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	a := actions[0]
	assert.Equal(t, model.UpdateBoth, a.Kind)
	assert.Same(t, items[0], a.StateItem)
	assert.Equal(t, []FieldChange{{Field: "name", Old: model.String("Old Name"), New: model.String("Ada")}}, a.StateChanges)
	assert.Equal(t, []FieldChange{{Field: "email", Old: model.String("ada@old.example"), New: model.String("ada@new.example")}}, a.SystemChanges)
	require.Len(t, out.updated, 1)

	v, _ := items[0].Get("name")
	assert.Equal(t, model.String("Ada"), v)
	assert.Equal(t, clock.Now(), items[0].LastModified())
	assert.Equal(t, model.String("ada@new.example"), get(external[0], "email"))

	actions, err = e.Reconcile(ctx, crm(), ds, external, list, out)
	require.NoError(t, err)
	assert.Equal(t, []model.ActionKind{model.AlreadyInSync}, kinds(actions))
	assert.Len(t, out.updated, 1)
}

func TestReconcile_OutComputedFromUpdatedState(t *testing.T) {
	e, _ := newTestEngine()
	labelOut := model.Mapping{SystemExpression: "label", StateExpression: "strings.ToUpper(name)", Direction: model.DirectionOut}
	ds := dataSet(model.CreateDeleteNone, joinID, nameIn, labelOut)
	list := newList()
	seed(list, stateContact(1, "stale", ""))

	external := []*model.Fields{ext(1, "ada")}
	external[0].Set("label", model.String("STALE"))
	out := &fakeOutward{}

	actions, err := e.Reconcile(context.Background(), crm(), ds, external, list, out)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, []FieldChange{{Field: "label", Old: model.String("STALE"), New: model.String("ADA")}}, actions[0].SystemChanges)
}

func TestReconcile_DeletesUnseenState(t *testing.T) {
	e, _ := newTestEngine()
	ds := dataSet(model.CreateDeleteIn, joinID, nameIn)
	list := newList()
	items := seed(list, stateContact(1, "A", ""), stateContact(2, "B", ""))

	actions, err := e.Reconcile(context.Background(), crm(), ds, []*model.Fields{ext(1, "A")}, list, nil)
	require.NoError(t, err)
	assert.Equal(t, []model.ActionKind{model.AlreadyInSync, model.DeleteState}, kinds(actions))
	assert.Same(t, items[1], actions[1].StateItem)
	assert.Equal(t, "2", actions[1].JoinValue)
	assert.Equal(t, model.Allowed, actions[1].InPermission)
	assert.Equal(t, model.InvalidOperation, actions[1].OutPermission)

	require.Equal(t, 1, list.Len())
	assert.Same(t, items[0], list.Items()[0])
}

func TestReconcile_OutDirection(t *testing.T) {
	e, _ := newTestEngine()
	ds := dataSet(model.CreateDeleteOut, joinID, emailOut)
	list := newList()
	seed(list, stateContact(3, "Cleo", "cleo@example.com"))
	orphan := contact(9, "Zed", "zed@example.com")
	out := &fakeOutward{}

	actions, err := e.Reconcile(context.Background(), crm(), ds, []*model.Fields{orphan}, list, out)
	require.NoError(t, err)
	assert.Equal(t, []model.ActionKind{model.DeleteSystem, model.CreateSystem}, kinds(actions))

	del := actions[0]
	assert.Equal(t, model.InvalidOperation, del.InPermission)
	assert.Equal(t, model.Allowed, del.OutPermission)
	require.Len(t, out.deleted, 1)
	assert.Same(t, orphan, out.deleted[0])

	create := actions[1]
	require.Len(t, out.created, 1)
	assert.Same(t, out.created[0], create.SystemItem)
	assert.Equal(t, []string{"id", "email", "origin"}, create.SystemItem.Keys())
	assert.Equal(t, model.Int(3), get(create.SystemItem, "id"))
	assert.Equal(t, model.String("cleo@example.com"), get(create.SystemItem, "email"))

	assert.Equal(t, 1, list.Len(), "outward creation leaves state alone")
}

func TestReconcile_DuplicateExternalJoinValues(t *testing.T) {
	e, _ := newTestEngine()
	ds := dataSet(model.CreateDeleteIn, joinID, nameIn)
	list := newList()
	items := seed(list, stateContact(1, "Original", ""))

	external := []*model.Fields{ext(1, "First"), ext(1, "Second"), ext(2, "Other")}
	actions, err := e.Reconcile(context.Background(), crm(), ds, external, list, nil)
	require.NoError(t, err)

	assert.Equal(t, []model.ActionKind{
		model.RemedyMultipleConnectedSystemItemsWithSameJoinValue,
		model.RemedyMultipleConnectedSystemItemsWithSameJoinValue,
		model.CreateState,
	}, kinds(actions))
	assert.Equal(t, model.InvalidOperation, actions[0].InPermission)
	assert.Equal(t, model.InvalidOperation, actions[0].OutPermission)

	require.Equal(t, 2, list.Len(), "matched state item is not swept")
	v, _ := items[0].Get("name")
	assert.Equal(t, model.String("Original"), v)
}

func TestReconcile_MultipleStateMatches(t *testing.T) {
	e, _ := newTestEngine()
	ds := dataSet(model.CreateDeleteIn, joinID, nameIn)
	list := newList()
	items := seed(list, stateContact(1, "A", ""), stateContact(1, "B", ""))

	actions, err := e.Reconcile(context.Background(), crm(), ds, []*model.Fields{ext(1, "C")}, list, nil)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, model.RemedyMultipleStateItemsMatchedAConnectedSystemItem, actions[0].Kind)
	assert.Equal(t, "1", actions[0].JoinValue)

	require.Equal(t, 2, list.Len())
	for i, want := range []string{"A", "B"} {
		v, _ := items[i].Get("name")
		assert.Equal(t, model.String(want), v)
	}
}

func TestReconcile_UnseenDuplicateStateItems(t *testing.T) {
	tests := []struct {
		name string
		dir  model.CreateDeleteDirection
	}{
		{name: "out", dir: model.CreateDeleteOut},
		{name: "in", dir: model.CreateDeleteIn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine()
			ds := dataSet(tt.dir, joinID, nameIn)
			list := newList()
			items := seed(list, stateContact(7, "A", ""), stateContact(7, "B", ""), stateContact(8, "C", ""))
			out := &fakeOutward{}

			actions, err := e.Reconcile(context.Background(), crm(), ds, nil, list, out)
			require.NoError(t, err)
			require.Len(t, actions, 2)

			a := actions[0]
			assert.Equal(t, model.RemedyMultipleStateItemsMatchedAConnectedSystemItem, a.Kind)
			assert.Equal(t, "7", a.JoinValue)
			assert.Same(t, items[0], a.StateItem)
			assert.Equal(t, model.InvalidOperation, a.InPermission)
			assert.Equal(t, model.InvalidOperation, a.OutPermission)

			switch tt.dir {
			case model.CreateDeleteOut:
				assert.Equal(t, model.CreateSystem, actions[1].Kind)
				require.Len(t, out.created, 1, "only the unambiguous item is created outward")
				assert.Equal(t, model.Int(8), get(out.created[0], "id"))
				assert.Equal(t, 3, list.Len())
			case model.CreateDeleteIn:
				assert.Equal(t, model.DeleteState, actions[1].Kind)
				assert.Same(t, items[2], actions[1].StateItem)
				require.Equal(t, 2, list.Len())
				assert.Same(t, items[0], list.Items()[0])
				assert.Same(t, items[1], list.Items()[1])
			}
		})
	}
}

func TestReconcile_DeniedActionsDoNotMutate(t *testing.T) {
	ctx := context.Background()

	t.Run("create state with writes disabled at system", func(t *testing.T) {
		e, _ := newTestEngine()
		sys := crm()
		sys.Permissions.CanWrite = false
		list := newList()

		actions, err := e.Reconcile(ctx, sys, dataSet(model.CreateDeleteIn, joinID, nameIn), []*model.Fields{ext(1, "A")}, list, nil)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, model.CreateState, actions[0].Kind)
		assert.Equal(t, model.WriteDisabledAtConnectedSystem, actions[0].InPermission)
		assert.Nil(t, actions[0].StateItem)
		assert.Len(t, actions[0].StateChanges, 2, "changes are still reported")
		assert.Equal(t, 0, list.Len())
	})

	t.Run("delete state denied at dataset", func(t *testing.T) {
		e, _ := newTestEngine()
		ds := dataSet(model.CreateDeleteIn, joinID, nameIn)
		ds.Permissions.CanDeleteIn = model.Flag(false)
		list := newList()
		seed(list, stateContact(1, "A", ""))

		actions, err := e.Reconcile(ctx, crm(), ds, nil, list, nil)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, model.DeleteState, actions[0].Kind)
		assert.Equal(t, model.DeniedAtConnectedSystemDataSet, actions[0].InPermission)
		assert.Equal(t, 1, list.Len())
	})

	t.Run("create system denied at system", func(t *testing.T) {
		e, _ := newTestEngine()
		sys := crm()
		sys.Permissions.CanCreateOut = model.Flag(false)
		list := newList()
		seed(list, stateContact(1, "A", "a@example.com"))
		out := &fakeOutward{}

		actions, err := e.Reconcile(ctx, sys, dataSet(model.CreateDeleteOut, joinID, emailOut), nil, list, out)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, model.CreateSystem, actions[0].Kind)
		assert.Equal(t, model.DeniedAtConnectedSystem, actions[0].OutPermission)
		assert.Nil(t, actions[0].SystemItem)
		assert.Empty(t, out.created)
	})

	t.Run("delete system with writes disabled at dataset", func(t *testing.T) {
		e, _ := newTestEngine()
		ds := dataSet(model.CreateDeleteOut, joinID)
		ds.Permissions.CanWrite = false
		out := &fakeOutward{}

		actions, err := e.Reconcile(ctx, crm(), ds, []*model.Fields{ext(1, "A")}, newList(), out)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, model.WriteDisabledAtConnectedSystemDataSet, actions[0].OutPermission)
		assert.Empty(t, out.deleted)
	})
}

func TestReconcile_UpdateDirectionsGatedIndependently(t *testing.T) {
	ctx := context.Background()

	t.Run("in denied, out allowed", func(t *testing.T) {
		e, _ := newTestEngine()
		ds := dataSet(model.CreateDeleteNone, joinID, nameIn, emailOut)
		ds.Permissions.CanUpdateIn = model.Flag(false)
		list := newList()
		items := seed(list, stateContact(1, "Old", "new@example.com"))
		external := []*model.Fields{contact(1, "Ada", "old@example.com")}
		out := &fakeOutward{}

		actions, err := e.Reconcile(ctx, crm(), ds, external, list, out)
		require.NoError(t, err)
		require.Len(t, actions, 1)

		a := actions[0]
		assert.Equal(t, model.UpdateBoth, a.Kind)
		assert.Equal(t, model.DeniedAtConnectedSystemDataSet, a.InPermission)
		assert.Equal(t, model.Allowed, a.OutPermission)

		v, _ := items[0].Get("name")
		assert.Equal(t, model.String("Old"), v)
		assert.Equal(t, testStart, items[0].LastModified())
		require.Len(t, out.updated, 1)
		assert.Equal(t, model.String("new@example.com"), get(external[0], "email"))
	})

	t.Run("out denied, in allowed", func(t *testing.T) {
		e, _ := newTestEngine()
		sys := crm()
		sys.Permissions.CanUpdateOut = model.Flag(false)
		ds := dataSet(model.CreateDeleteNone, joinID, nameIn, emailOut)
		list := newList()
		items := seed(list, stateContact(1, "Old", "new@example.com"))
		external := []*model.Fields{contact(1, "Ada", "old@example.com")}
		out := &fakeOutward{}

		actions, err := e.Reconcile(ctx, sys, ds, external, list, out)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, model.Allowed, actions[0].InPermission)
		assert.Equal(t, model.DeniedAtConnectedSystem, actions[0].OutPermission)

		v, _ := items[0].Get("name")
		assert.Equal(t, model.String("Ada"), v)
		assert.Empty(t, out.updated)
		assert.Equal(t, model.String("old@example.com"), get(external[0], "email"))
	})
}

func TestReconcile_CancellationKeepsPartialWork(t *testing.T) {
	e, _ := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &fakeOutward{onDelete: cancel}
	external := []*model.Fields{ext(1, "A"), ext(2, "B"), ext(3, "C")}

	actions, err := e.Reconcile(ctx, crm(), dataSet(model.CreateDeleteOut, joinID), external, newList(), out)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []model.ActionKind{model.DeleteSystem}, kinds(actions))
	assert.Len(t, out.deleted, 1)
}

func TestReconcile_CancelledBeforeStart(t *testing.T) {
	e, _ := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	list := newList()

	actions, err := e.Reconcile(ctx, crm(), dataSet(model.CreateDeleteIn, joinID), fiveContacts(), list, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, actions)
	assert.Equal(t, 0, list.Len())
}

func TestReconcile_ConnectorFailureStopsPass(t *testing.T) {
	e, _ := newTestEngine()
	out := &fakeOutward{failOn: "delete"}

	actions, err := e.Reconcile(context.Background(), crm(), dataSet(model.CreateDeleteOut, joinID),
		[]*model.Fields{ext(1, "A"), ext(2, "B")}, newList(), out)
	require.Error(t, err)
	assert.True(t, IsConnectorError(err))
	assert.ErrorIs(t, err, errBoom)

	require.Len(t, actions, 1)
	assert.ErrorIs(t, actions[0].Err, errBoom)
}

func TestReconcile_ReadOnlyPassFailsOutwardActions(t *testing.T) {
	e, _ := newTestEngine()

	_, err := e.Reconcile(context.Background(), crm(), dataSet(model.CreateDeleteOut, joinID),
		[]*model.Fields{ext(1, "A")}, newList(), nil)
	require.Error(t, err)
	assert.True(t, IsConnectorError(err))
}

func TestReconcile_MissingJoinMapping(t *testing.T) {
	e, _ := newTestEngine()

	actions, err := e.Reconcile(context.Background(), crm(), dataSet(model.CreateDeleteIn, nameIn),
		fiveContacts(), newList(), nil)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.True(t, model.IsValidationError(err))
	assert.Nil(t, actions)
}

func TestReconcile_JoinValueUnavailableSkipsSweep(t *testing.T) {
	e, _ := newTestEngine()
	ds := dataSet(model.CreateDeleteIn, joinID, nameIn)
	list := newList()
	seed(list, stateContact(1, "A", ""), stateContact(2, "B", ""))

	noID := model.FieldsOf(model.F{Key: "name", Value: model.String("nameless")})
	blankID := model.FieldsOf(model.F{Key: "id", Value: model.String("")})

	actions, err := e.Reconcile(context.Background(), crm(), ds, []*model.Fields{noID, blankID, ext(1, "A")}, list, nil)
	require.NoError(t, err)
	assert.Equal(t, []model.ActionKind{
		model.RemedyJoinValueUnavailable,
		model.RemedyJoinValueUnavailable,
		model.AlreadyInSync,
	}, kinds(actions))
	assert.Error(t, actions[0].Err)
	assert.Same(t, noID, actions[0].SystemItem)
	assert.Equal(t, 2, list.Len(), "unseen item 2 survives")
}

func TestReconcile_StateItemWithoutJoinValue(t *testing.T) {
	e, _ := newTestEngine()
	list := newList()
	orphan := seed(list, model.FieldsOf(model.F{Key: "name", Value: model.String("orphan")}))[0]

	actions, err := e.Reconcile(context.Background(), crm(), dataSet(model.CreateDeleteIn, joinID, nameIn), nil, list, nil)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, model.RemedyJoinValueUnavailable, actions[0].Kind)
	assert.Same(t, orphan, actions[0].StateItem)
	assert.Equal(t, 1, list.Len())
}

func TestReconcile_MappingErrorRecordedOnAction(t *testing.T) {
	e, _ := newTestEngine()
	list := newList()
	idOnly := model.FieldsOf(model.F{Key: "id", Value: model.Int(7)})

	actions, err := e.Reconcile(context.Background(), crm(), dataSet(model.CreateDeleteIn, joinID, nameIn),
		[]*model.Fields{idOnly}, list, nil)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	a := actions[0]
	assert.Equal(t, model.CreateState, a.Kind)
	require.Error(t, a.Err)
	assert.True(t, expr.IsEvalError(a.Err))
	require.Equal(t, 1, list.Len())
	assert.Equal(t, []string{"contactId"}, list.Items()[0].Fields().Keys())
}

func TestReconcile_ConcurrentPassesSerialize(t *testing.T) {
	e, _ := newTestEngine()
	ds := dataSet(model.CreateDeleteIn, joinID, nameIn)
	list := newList()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		counts  = make(map[model.ActionKind]int)
		passErr error
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			actions, err := e.Reconcile(context.Background(), crm(), ds, fiveContacts(), list, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				passErr = errors.Join(passErr, err)
			}
			for _, a := range actions {
				counts[a.Kind]++
			}
		}()
	}
	wg.Wait()

	require.NoError(t, passErr)
	assert.Equal(t, 5, counts[model.CreateState])
	assert.Equal(t, 5, counts[model.AlreadyInSync])
	assert.Equal(t, 5, list.Len())
}

func TestReconcile_PassLockBlocksUntilReleased(t *testing.T) {
	e, _ := newTestEngine()
	list := newList()

	release, err := list.Hold(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.Reconcile(ctx, crm(), dataSet(model.CreateDeleteIn, joinID), fiveContacts(), list, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, list.Len())

	release()
	_, err = e.Reconcile(context.Background(), crm(), dataSet(model.CreateDeleteIn, joinID), fiveContacts(), list, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, list.Len())
}

func TestReconcile_DirectionNoneNeverCreatesOrDeletes(t *testing.T) {
	e, _ := newTestEngine()
	list := newList()
	seed(list, stateContact(1, "A", ""))
	out := &fakeOutward{}

	actions, err := e.Reconcile(context.Background(), crm(), dataSet(model.CreateDeleteNone, joinID, nameIn),
		[]*model.Fields{ext(2, "B")}, list, out)
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Equal(t, 1, list.Len())
	assert.Empty(t, out.deleted)
	assert.Empty(t, out.created)
}

func TestReconcile_SharedListAcrossSystems(t *testing.T) {
	e, _ := newTestEngine()
	store := state.New()

	crmSet := dataSet(model.CreateDeleteIn, joinID, nameIn)
	crmSet.Name = "crm-contacts"
	crmSet.StateDataSetName = "people"
	hrSet := dataSet(model.CreateDeleteNone, joinID, nameIn)
	hrSet.Name = "hr-staff"
	hrSet.StateDataSetName = "people"

	people := store.List(crmSet.StateListName())
	_, err := e.Reconcile(context.Background(), crm(), crmSet, []*model.Fields{ext(1, "From CRM")}, people, nil)
	require.NoError(t, err)

	hr := &model.ConnectedSystem{Name: "hr", Permissions: model.FullPermissions()}
	actions, err := e.Reconcile(context.Background(), hr, hrSet, []*model.Fields{ext(1, "From HR")}, store.List(hrSet.StateListName()), nil)
	require.NoError(t, err)
	assert.Equal(t, []model.ActionKind{model.UpdateBoth}, kinds(actions))

	v, _ := people.Items()[0].Get("name")
	assert.Equal(t, model.String("From HR"), v, "last writer wins")
}
