package model

import "fmt"

// ActionKind classifies one reconciliation decision.
type ActionKind int

const (
	ActionKindUnknown ActionKind = iota
	CreateState
	CreateSystem
	DeleteState
	DeleteSystem
	UpdateBoth
	AlreadyInSync

	// Remedy kinds flag data-quality anomalies that need an operator.
	// They never mutate anything.
	RemedyMultipleStateItemsMatchedAConnectedSystemItem
	RemedyMultipleConnectedSystemItemsWithSameJoinValue
	RemedyJoinValueUnavailable
)

var actionKindNames = map[ActionKind]string{
	ActionKindUnknown: "Unknown",
	CreateState:       "CreateState",
	CreateSystem:      "CreateSystem",
	DeleteState:       "DeleteState",
	DeleteSystem:      "DeleteSystem",
	UpdateBoth:        "UpdateBoth",
	AlreadyInSync:     "AlreadyInSync",
	RemedyMultipleStateItemsMatchedAConnectedSystemItem: "RemedyMultipleStateItemsMatchedAConnectedSystemItem",
	RemedyMultipleConnectedSystemItemsWithSameJoinValue: "RemedyMultipleConnectedSystemItemsWithSameJoinValue",
	RemedyJoinValueUnavailable:                          "RemedyJoinValueUnavailable",
}

func (k ActionKind) String() string {
	if name, ok := actionKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k ActionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ActionKind) UnmarshalText(text []byte) error {
	for kind, name := range actionKindNames {
		if name == string(text) && kind != ActionKindUnknown {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown action kind %q", string(text))
}

// IsRemedy reports whether k is one of the Remedy kinds.
func (k ActionKind) IsRemedy() bool {
	switch k {
	case RemedyMultipleStateItemsMatchedAConnectedSystemItem,
		RemedyMultipleConnectedSystemItemsWithSameJoinValue,
		RemedyJoinValueUnavailable:
		return true
	}
	return false
}

// DataSetPermission is the outcome of resolving one direction of an action.
type DataSetPermission int

const (
	PermissionUnknown DataSetPermission = iota
	Allowed
	DeniedAtConnectedSystem
	DeniedAtConnectedSystemDataSet
	DeniedAllConnectedSystemsNotYetLoaded
	WriteDisabledAtConnectedSystemDataSet
	WriteDisabledAtConnectedSystem
	InvalidOperation
)

var permissionNames = map[DataSetPermission]string{
	PermissionUnknown:                     "Unknown",
	Allowed:                               "Allowed",
	DeniedAtConnectedSystem:               "DeniedAtConnectedSystem",
	DeniedAtConnectedSystemDataSet:        "DeniedAtConnectedSystemDataSet",
	DeniedAllConnectedSystemsNotYetLoaded: "DeniedAllConnectedSystemsNotYetLoaded",
	WriteDisabledAtConnectedSystemDataSet: "WriteDisabledAtConnectedSystemDataSet",
	WriteDisabledAtConnectedSystem:        "WriteDisabledAtConnectedSystem",
	InvalidOperation:                      "InvalidOperation",
}

func (p DataSetPermission) String() string {
	if name, ok := permissionNames[p]; ok {
		return name
	}
	return fmt.Sprintf("DataSetPermission(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p DataSetPermission) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *DataSetPermission) UnmarshalText(text []byte) error {
	for perm, name := range permissionNames {
		if name == string(text) {
			*p = perm
			return nil
		}
	}
	return fmt.Errorf("unknown permission outcome %q", string(text))
}

// IsAllowed reports whether p permits the mutation.
func (p DataSetPermission) IsAllowed() bool {
	return p == Allowed
}
