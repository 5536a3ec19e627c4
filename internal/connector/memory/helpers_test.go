package memory

import (
	"time"

	"github.com/roach88/statesync/internal/model"
	"github.com/roach88/statesync/internal/state"
)

func newStateList(records ...*model.Fields) *state.List {
	list := state.New().List("contacts")
	for _, r := range records {
		list.Append(state.NewItem(r, time.Now()))
	}
	return list
}
