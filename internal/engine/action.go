package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/roach88/statesync/internal/model"
	"github.com/roach88/statesync/internal/state"
)

// FieldChange is one field a sync action sets.
// Old is nil when the field did not exist.
type FieldChange struct {
	Field string
	Old   model.Value
	New   model.Value
}

// MarshalJSON implements json.Marshaler.
func (c FieldChange) MarshalJSON() ([]byte, error) {
	type out struct {
		Field string          `json:"field"`
		Old   json.RawMessage `json:"old,omitempty"`
		New   json.RawMessage `json:"new"`
	}
	o := out{Field: c.Field}
	if c.Old != nil {
		b, err := model.MarshalValue(c.Old)
		if err != nil {
			return nil, err
		}
		o.Old = b
	}
	b, err := model.MarshalValue(c.New)
	if err != nil {
		return nil, err
	}
	o.New = b
	return json.Marshal(o)
}

// SyncAction is one reconciliation decision for one item pair.
//
// StateChanges lists state fields set from the external item, SystemChanges
// the external fields set from the state item. Both are filled even when the
// corresponding direction is denied, so reports show what would have changed.
type SyncAction struct {
	ID        string
	Kind      model.ActionKind
	JoinValue string

	// StateItem is the matched, created or deleted state item.
	// Nil for a denied CreateState and for external-only actions.
	StateItem *state.Item

	// SystemItem is the external item. For CreateSystem it is the
	// connector's returned representation, nil when denied.
	SystemItem *model.Fields

	StateChanges  []FieldChange
	SystemChanges []FieldChange

	InPermission  model.DataSetPermission
	OutPermission model.DataSetPermission

	// Err collects mapping evaluation failures and, for the action that
	// stopped a pass, the connector failure.
	Err error
}

// Applied reports whether any permitted direction of the action changed
// something.
func (a *SyncAction) Applied() bool {
	switch a.Kind {
	case model.CreateState, model.DeleteState:
		return a.InPermission.IsAllowed()
	case model.CreateSystem, model.DeleteSystem:
		return a.OutPermission.IsAllowed()
	case model.UpdateBoth:
		return (a.InPermission.IsAllowed() && len(a.StateChanges) > 0) ||
			(a.OutPermission.IsAllowed() && len(a.SystemChanges) > 0)
	default:
		return false
	}
}

// Denied reports whether a gated direction with pending changes was denied.
func (a *SyncAction) Denied() bool {
	switch a.Kind {
	case model.CreateState, model.DeleteState:
		return denied(a.InPermission)
	case model.CreateSystem, model.DeleteSystem:
		return denied(a.OutPermission)
	case model.UpdateBoth:
		return (denied(a.InPermission) && len(a.StateChanges) > 0) ||
			(denied(a.OutPermission) && len(a.SystemChanges) > 0)
	default:
		return false
	}
}

func denied(p model.DataSetPermission) bool {
	return !p.IsAllowed() && p != model.InvalidOperation && p != model.PermissionUnknown
}

// MarshalJSON implements json.Marshaler for reports.
func (a *SyncAction) MarshalJSON() ([]byte, error) {
	type out struct {
		ID            string                  `json:"id"`
		Kind          model.ActionKind        `json:"kind"`
		JoinValue     string                  `json:"joinValue"`
		InPermission  model.DataSetPermission `json:"inPermission"`
		OutPermission model.DataSetPermission `json:"outPermission"`
		StateChanges  []FieldChange           `json:"stateChanges,omitempty"`
		SystemChanges []FieldChange           `json:"systemChanges,omitempty"`
		Error         string                  `json:"error,omitempty"`
	}
	o := out{
		ID:            a.ID,
		Kind:          a.Kind,
		JoinValue:     a.JoinValue,
		InPermission:  a.InPermission,
		OutPermission: a.OutPermission,
		StateChanges:  a.StateChanges,
		SystemChanges: a.SystemChanges,
	}
	if a.Err != nil {
		o.Error = a.Err.Error()
	}
	return json.Marshal(o)
}

// Summary counts the outcome of a set of actions.
type Summary struct {
	Total    int
	ByKind   map[model.ActionKind]int
	Applied  int
	Denied   int
	Remedies int
	Errors   int
}

// Summarize counts actions by kind and outcome.
func Summarize(actions []*SyncAction) Summary {
	s := Summary{ByKind: make(map[model.ActionKind]int)}
	for _, a := range actions {
		s.Total++
		s.ByKind[a.Kind]++
		if a.Applied() {
			s.Applied++
		}
		if a.Denied() {
			s.Denied++
		}
		if a.Kind.IsRemedy() {
			s.Remedies++
		}
		if a.Err != nil {
			s.Errors++
		}
	}
	return s
}

// LogAttrs returns the summary as slog key/value pairs.
func (s Summary) LogAttrs() []any {
	return []any{
		"total", s.Total,
		"applied", s.Applied,
		"denied", s.Denied,
		"remedies", s.Remedies,
		"errors", s.Errors,
	}
}

// WriteReport writes one line per action in a stable text form:
//
//	CreateState join=42 in=Allowed out=InvalidOperation state[name=Ada]
func WriteReport(w io.Writer, actions []*SyncAction) error {
	for _, a := range actions {
		var b strings.Builder
		fmt.Fprintf(&b, "%s join=%s in=%s out=%s", a.Kind, a.JoinValue, a.InPermission, a.OutPermission)
		writeChanges(&b, "state", a.StateChanges)
		writeChanges(&b, "system", a.SystemChanges)
		if a.Err != nil {
			fmt.Fprintf(&b, " error=%q", a.Err.Error())
		}
		b.WriteByte('\n')
		if _, err := io.WriteString(w, b.String()); err != nil {
			return err
		}
	}
	return nil
}

func writeChanges(b *strings.Builder, label string, changes []FieldChange) {
	if len(changes) == 0 {
		return
	}
	parts := make([]string, len(changes))
	for i, c := range changes {
		parts[i] = c.Field + "=" + model.Render(c.New)
	}
	fmt.Fprintf(b, " %s[%s]", label, strings.Join(parts, " "))
}
