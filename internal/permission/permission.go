// Package permission resolves whether a sync action may mutate each side.
//
// Determine is pure and total: every (permissions, permissions, kind) input
// yields exactly one outcome per direction.
package permission

import "github.com/roach88/statesync/internal/model"

// gate says which coarse action guards each direction of an action kind.
// A zero Action means the direction does not apply (InvalidOperation).
type gate struct {
	in  model.Action
	out model.Action
}

var gates = map[model.ActionKind]gate{
	model.CreateState:   {in: model.ActionCreate},
	model.DeleteState:   {in: model.ActionDelete},
	model.CreateSystem:  {out: model.ActionCreate},
	model.DeleteSystem:  {out: model.ActionDelete},
	model.UpdateBoth:    {in: model.ActionUpdate, out: model.ActionUpdate},
	model.AlreadyInSync: {in: model.ActionUpdate, out: model.ActionUpdate},
}

// Determine resolves the In and Out outcome of kind under the system-level
// and dataset-level permissions.
//
// Per applicable direction the first failing rule wins:
//  1. system CanWrite false -> WriteDisabledAtConnectedSystem
//  2. dataset CanWrite false -> WriteDisabledAtConnectedSystemDataSet
//  3. system action flag false -> DeniedAtConnectedSystem
//  4. dataset action flag false -> DeniedAtConnectedSystemDataSet
//  5. otherwise Allowed
//
// Directions an action kind never touches resolve InvalidOperation, as do
// Remedy kinds and unknown kinds on both sides.
func Determine(system, dataSet model.Permissions, kind model.ActionKind) (in, out model.DataSetPermission) {
	g, ok := gates[kind]
	if !ok {
		return model.InvalidOperation, model.InvalidOperation
	}
	return resolve(system, dataSet, g.in, model.DirectionIn),
		resolve(system, dataSet, g.out, model.DirectionOut)
}

func resolve(system, dataSet model.Permissions, action model.Action, dir model.Direction) model.DataSetPermission {
	if action == 0 {
		return model.InvalidOperation
	}
	switch {
	case !system.CanWrite:
		return model.WriteDisabledAtConnectedSystem
	case !dataSet.CanWrite:
		return model.WriteDisabledAtConnectedSystemDataSet
	case !system.Allows(action, dir):
		return model.DeniedAtConnectedSystem
	case !dataSet.Allows(action, dir):
		return model.DeniedAtConnectedSystemDataSet
	default:
		return model.Allowed
	}
}
