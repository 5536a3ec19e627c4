package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/statesync/internal/expr"
	"github.com/roach88/statesync/internal/model"
	"github.com/roach88/statesync/internal/permission"
	"github.com/roach88/statesync/internal/state"
)

var (
	errEmptyJoinValue = errors.New("join value is empty")
	errReadOnly       = errors.New("no outward connector for this pass")
)

// Engine runs reconciliation passes.
// Safe for concurrent use.
type Engine struct {
	eval expr.Evaluator
	ids  IDGenerator
	now  func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvaluator sets the mapping expression evaluator.
// Default: expr.NewCUE() with no tokens or lookups.
func WithEvaluator(ev expr.Evaluator) Option {
	return func(e *Engine) {
		e.eval = ev
	}
}

// WithIDGenerator sets the sync action ID generator.
// Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithClock sets the source of item timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		eval: expr.NewCUE(),
		ids:  UUIDv7Generator{},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile runs one pass of ds over external against list.
//
// Permitted actions are applied before Reconcile returns: state changes to
// list and its items, external changes through out. Denied actions are
// returned unapplied. A nil out makes any permitted outward action fail the
// pass.
//
// The pass holds list's pass lock throughout. On cancellation or an outward
// failure the actions produced so far are returned with the error.
func (e *Engine) Reconcile(
	ctx context.Context,
	sys *model.ConnectedSystem,
	ds *model.DataSet,
	external []*model.Fields,
	list *state.List,
	out Outward,
) ([]*SyncAction, error) {
	join, err := ds.JoinMapping()
	if err != nil {
		return nil, &Error{Code: ErrCodeConfig, Op: "reconcile", System: sys.Name, DataSet: ds.Name, Err: err}
	}
	if out == nil {
		out = readOnly{}
	}

	release, err := list.Hold(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	p := &pass{
		Engine: e,
		ctx:    ctx,
		sys:    sys,
		ds:     ds,
		join:   join,
		ins:    ds.MappingsFor(model.DirectionIn),
		outs:   ds.MappingsFor(model.DirectionOut),
		list:   list,
		out:    out,
	}
	return p.run(external)
}

// pass is the working state of one Reconcile call.
type pass struct {
	*Engine
	ctx     context.Context
	sys     *model.ConnectedSystem
	ds      *model.DataSet
	join    model.Mapping
	ins     []model.Mapping
	outs    []model.Mapping
	list    *state.List
	out     Outward
	actions []*SyncAction
}

// joinKey is an evaluated join expression. key is the rendered value.
type joinKey struct {
	key   string
	value model.Value
	err   error
}

func (p *pass) run(external []*model.Fields) ([]*SyncAction, error) {
	snapshot := p.list.Items()
	stateKeys := make([]joinKey, len(snapshot))
	index := make(map[string][]*state.Item)
	for i, item := range snapshot {
		stateKeys[i] = p.joinKeyOf(p.join.StateExpression, item.Fields())
		if stateKeys[i].err == nil {
			index[stateKeys[i].key] = append(index[stateKeys[i].key], item)
		}
	}

	// External duplicates are counted up front so no state item is
	// processed twice.
	extKeys := make([]joinKey, len(external))
	counts := make(map[string]int)
	for i, ext := range external {
		extKeys[i] = p.joinKeyOf(p.join.SystemExpression, ext)
		if extKeys[i].err == nil {
			counts[extKeys[i].key]++
		}
	}

	seen := make(map[*state.Item]bool)
	sweep := true

	for i, ext := range external {
		if err := p.ctx.Err(); err != nil {
			return p.actions, err
		}

		k := extKeys[i]
		if k.err != nil {
			// Without this item's key the unseen set is unreliable.
			sweep = false
			a := p.newAction(model.RemedyJoinValueUnavailable, "")
			a.SystemItem = ext
			a.Err = k.err
			p.record(a)
			continue
		}

		if counts[k.key] > 1 {
			for _, item := range index[k.key] {
				seen[item] = true
			}
			a := p.newAction(model.RemedyMultipleConnectedSystemItemsWithSameJoinValue, k.key)
			a.SystemItem = ext
			p.record(a)
			continue
		}

		var err error
		switch matches := index[k.key]; len(matches) {
		case 0:
			err = p.unmatchedExternal(ext, k)
		case 1:
			seen[matches[0]] = true
			err = p.update(ext, matches[0], k)
		default:
			for _, item := range matches {
				seen[item] = true
			}
			a := p.newAction(model.RemedyMultipleStateItemsMatchedAConnectedSystemItem, k.key)
			a.SystemItem = ext
			p.record(a)
		}
		if err != nil {
			return p.actions, err
		}
	}

	if !sweep || p.ds.CreateDeleteDirection == model.CreateDeleteNone {
		return p.actions, nil
	}

	ambiguous := make(map[string]bool)
	for i, item := range snapshot {
		if seen[item] {
			continue
		}
		if err := p.ctx.Err(); err != nil {
			return p.actions, err
		}

		k := stateKeys[i]
		if k.err != nil {
			a := p.newAction(model.RemedyJoinValueUnavailable, "")
			a.StateItem = item
			a.Err = k.err
			p.record(a)
			continue
		}
		// Unseen state items sharing a key are reported once and left alone.
		if len(index[k.key]) > 1 {
			if !ambiguous[k.key] {
				ambiguous[k.key] = true
				a := p.newAction(model.RemedyMultipleStateItemsMatchedAConnectedSystemItem, k.key)
				a.StateItem = item
				p.record(a)
			}
			continue
		}
		if err := p.unseenState(item, k); err != nil {
			return p.actions, err
		}
	}

	return p.actions, nil
}

func (p *pass) joinKeyOf(expression string, fields *model.Fields) joinKey {
	v, err := p.eval.Evaluate(p.ctx, expression, fields)
	if err != nil {
		return joinKey{err: fmt.Errorf("join: %w", err)}
	}
	key := model.Render(v)
	if key == "" {
		return joinKey{value: v, err: errEmptyJoinValue}
	}
	return joinKey{key: key, value: v}
}

func (p *pass) unmatchedExternal(ext *model.Fields, k joinKey) error {
	switch p.ds.CreateDeleteDirection {
	case model.CreateDeleteIn:
		p.createState(ext, k)
	case model.CreateDeleteOut:
		return p.deleteSystem(ext, k)
	}
	return nil
}

func (p *pass) unseenState(item *state.Item, k joinKey) error {
	switch p.ds.CreateDeleteDirection {
	case model.CreateDeleteIn:
		p.deleteState(item, k)
	case model.CreateDeleteOut:
		return p.createSystem(item, k)
	}
	return nil
}

func (p *pass) createState(ext *model.Fields, k joinKey) {
	a := p.newAction(model.CreateState, k.key)
	a.SystemItem = ext

	fields := model.NewFields()
	fields.Set(p.join.StateExpression, model.CloneValue(k.value))
	a.StateChanges = append(a.StateChanges, FieldChange{Field: p.join.StateExpression, New: k.value})

	var errs []error
	for _, m := range p.ins {
		v, err := p.eval.Evaluate(p.ctx, m.SystemExpression, ext)
		if err != nil {
			errs = append(errs, mappingError(m, err))
			continue
		}
		fields.Set(m.StateExpression, v)
		a.StateChanges = append(a.StateChanges, FieldChange{Field: m.StateExpression, New: v})
	}
	a.Err = errors.Join(errs...)

	if a.InPermission.IsAllowed() {
		item := state.NewItem(fields, p.now())
		p.list.Append(item)
		a.StateItem = item
	}
	p.record(a)
}

func (p *pass) deleteState(item *state.Item, k joinKey) {
	a := p.newAction(model.DeleteState, k.key)
	a.StateItem = item
	if a.InPermission.IsAllowed() {
		p.list.Remove(item)
	}
	p.record(a)
}

func (p *pass) createSystem(item *state.Item, k joinKey) error {
	a := p.newAction(model.CreateSystem, k.key)
	a.StateItem = item

	current := item.Fields()
	fields := model.NewFields()
	fields.Set(p.join.SystemExpression, model.CloneValue(k.value))
	a.SystemChanges = append(a.SystemChanges, FieldChange{Field: p.join.SystemExpression, New: k.value})

	var errs []error
	for _, m := range p.outs {
		v, err := p.eval.Evaluate(p.ctx, m.StateExpression, current)
		if err != nil {
			errs = append(errs, mappingError(m, err))
			continue
		}
		fields.Set(m.SystemExpression, v)
		a.SystemChanges = append(a.SystemChanges, FieldChange{Field: m.SystemExpression, New: v})
	}
	a.Err = errors.Join(errs...)

	if a.OutPermission.IsAllowed() {
		created, err := p.out.CreateOutward(p.ctx, p.ds, fields)
		if err != nil {
			return p.fail(a, "create outward", err)
		}
		if created == nil {
			created = fields
		}
		a.SystemItem = created
	}
	p.record(a)
	return nil
}

func (p *pass) deleteSystem(ext *model.Fields, k joinKey) error {
	a := p.newAction(model.DeleteSystem, k.key)
	a.SystemItem = ext
	if a.OutPermission.IsAllowed() {
		if err := p.out.DeleteOutward(p.ctx, p.ds, ext); err != nil {
			return p.fail(a, "delete outward", err)
		}
	}
	p.record(a)
	return nil
}

// update handles an external item matched by exactly one state item.
// Out changes are computed from the state as it will be after the In
// changes, or as it is when In is denied.
func (p *pass) update(ext *model.Fields, item *state.Item, k joinKey) error {
	current := item.Fields()

	inChanges, inErrs := p.inChanges(ext, current)
	projected := current.Clone()
	for _, c := range inChanges {
		projected.Set(c.Field, c.New)
	}
	outChanges, outErrs := p.outChanges(ext, projected)

	kind := model.AlreadyInSync
	if len(inChanges) > 0 || len(outChanges) > 0 {
		kind = model.UpdateBoth
	}

	a := p.newAction(kind, k.key)
	a.StateItem = item
	a.SystemItem = ext
	a.StateChanges = inChanges
	a.SystemChanges = outChanges

	if len(inChanges) > 0 {
		if a.InPermission.IsAllowed() {
			changes := make([]model.F, len(inChanges))
			for i, c := range inChanges {
				changes[i] = model.F{Key: c.Field, Value: c.New}
			}
			item.SetAll(changes, p.now())
		} else {
			a.SystemChanges, outErrs = p.outChanges(ext, current)
		}
	}
	a.Err = errors.Join(append(inErrs, outErrs...)...)

	if len(a.SystemChanges) > 0 && a.OutPermission.IsAllowed() {
		if err := p.out.UpdateOutward(p.ctx, p.ds, a); err != nil {
			return p.fail(a, "update outward", err)
		}
	}
	p.record(a)
	return nil
}

func (p *pass) inChanges(ext, current *model.Fields) ([]FieldChange, []error) {
	var (
		changes []FieldChange
		errs    []error
	)
	for _, m := range p.ins {
		v, err := p.eval.Evaluate(p.ctx, m.SystemExpression, ext)
		if err != nil {
			errs = append(errs, mappingError(m, err))
			continue
		}
		old, ok := current.Get(m.StateExpression)
		if ok && sameValue(old, v) {
			continue
		}
		changes = append(changes, FieldChange{Field: m.StateExpression, Old: old, New: v})
	}
	return changes, errs
}

func (p *pass) outChanges(ext, current *model.Fields) ([]FieldChange, []error) {
	var (
		changes []FieldChange
		errs    []error
	)
	for _, m := range p.outs {
		v, err := p.eval.Evaluate(p.ctx, m.StateExpression, current)
		if err != nil {
			errs = append(errs, mappingError(m, err))
			continue
		}
		old, ok := ext.Get(m.SystemExpression)
		if ok && sameValue(old, v) {
			continue
		}
		changes = append(changes, FieldChange{Field: m.SystemExpression, Old: old, New: v})
	}
	return changes, errs
}

func (p *pass) newAction(kind model.ActionKind, joinValue string) *SyncAction {
	in, out := permission.Determine(p.sys.Permissions, p.ds.Permissions, kind)
	return &SyncAction{
		ID:            p.ids.Generate(),
		Kind:          kind,
		JoinValue:     joinValue,
		InPermission:  in,
		OutPermission: out,
	}
}

func (p *pass) record(a *SyncAction) {
	p.actions = append(p.actions, a)
	slog.Debug("sync action",
		"system", p.sys.Name,
		"dataset", p.ds.Name,
		"kind", a.Kind,
		"join", a.JoinValue,
		"in", a.InPermission,
		"out", a.OutPermission,
		"error", a.Err,
	)
}

// fail records a, which carries the connector error, and stops the pass.
func (p *pass) fail(a *SyncAction, op string, err error) error {
	a.Err = errors.Join(a.Err, err)
	p.record(a)
	return &Error{Code: ErrCodeConnector, Op: op, System: p.sys.Name, DataSet: p.ds.Name, Err: err}
}

func mappingError(m model.Mapping, err error) error {
	return fmt.Errorf("%s mapping system=%q state=%q: %w", m.Direction, m.SystemExpression, m.StateExpression, err)
}

// sameValue compares rendered forms; null and a present empty string differ.
func sameValue(a, b model.Value) bool {
	return model.Equal(a, b) && isNull(a) == isNull(b)
}

func isNull(v model.Value) bool {
	switch v.(type) {
	case nil, model.Null:
		return true
	}
	return false
}

type readOnly struct{}

func (readOnly) CreateOutward(context.Context, *model.DataSet, *model.Fields) (*model.Fields, error) {
	return nil, errReadOnly
}

func (readOnly) UpdateOutward(context.Context, *model.DataSet, *SyncAction) error {
	return errReadOnly
}

func (readOnly) DeleteOutward(context.Context, *model.DataSet, *model.Fields) error {
	return errReadOnly
}
