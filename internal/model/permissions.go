package model

import "gopkg.in/yaml.v3"

// Action is the coarse operation a permission flag guards.
type Action int

const (
	ActionCreate Action = iota + 1
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Permissions authorizes writes at system or dataset granularity.
//
// The per-direction flags are optional. When unset they inherit the coarse
// flag for the same action (CanCreateIn falls back to CanCreate, and so on).
type Permissions struct {
	CanWrite  bool `yaml:"canWrite" json:"canWrite"`
	CanCreate bool `yaml:"canCreate" json:"canCreate"`
	CanUpdate bool `yaml:"canUpdate" json:"canUpdate"`
	CanDelete bool `yaml:"canDelete" json:"canDelete"`

	CanCreateIn  *bool `yaml:"canCreateIn,omitempty" json:"canCreateIn,omitempty"`
	CanCreateOut *bool `yaml:"canCreateOut,omitempty" json:"canCreateOut,omitempty"`
	CanUpdateIn  *bool `yaml:"canUpdateIn,omitempty" json:"canUpdateIn,omitempty"`
	CanUpdateOut *bool `yaml:"canUpdateOut,omitempty" json:"canUpdateOut,omitempty"`
	CanDeleteIn  *bool `yaml:"canDeleteIn,omitempty" json:"canDeleteIn,omitempty"`
	CanDeleteOut *bool `yaml:"canDeleteOut,omitempty" json:"canDeleteOut,omitempty"`
}

// DefaultPermissions is applied to permission blocks omitted from
// configuration: writes disabled, every action otherwise allowed.
func DefaultPermissions() Permissions {
	return Permissions{
		CanWrite:  false,
		CanCreate: true,
		CanUpdate: true,
		CanDelete: true,
	}
}

// FullPermissions allows everything. Mostly useful in tests.
func FullPermissions() Permissions {
	p := DefaultPermissions()
	p.CanWrite = true
	return p
}

// Allows reports the effective action-specific flag for one direction.
// Only DirectionIn and DirectionOut are meaningful; other directions deny.
func (p Permissions) Allows(action Action, dir Direction) bool {
	var specific *bool
	var coarse bool

	switch action {
	case ActionCreate:
		coarse = p.CanCreate
		specific = pick(dir, p.CanCreateIn, p.CanCreateOut)
	case ActionUpdate:
		coarse = p.CanUpdate
		specific = pick(dir, p.CanUpdateIn, p.CanUpdateOut)
	case ActionDelete:
		coarse = p.CanDelete
		specific = pick(dir, p.CanDeleteIn, p.CanDeleteOut)
	default:
		return false
	}

	if dir != DirectionIn && dir != DirectionOut {
		return false
	}
	if specific != nil {
		return *specific
	}
	return coarse
}

func pick(dir Direction, in, out *bool) *bool {
	if dir == DirectionIn {
		return in
	}
	if dir == DirectionOut {
		return out
	}
	return nil
}

// UnmarshalYAML applies DefaultPermissions before decoding so omitted keys
// keep their defaults.
func (p *Permissions) UnmarshalYAML(node *yaml.Node) error {
	type plain Permissions
	decoded := plain(DefaultPermissions())
	if err := node.Decode(&decoded); err != nil {
		return err
	}
	*p = Permissions(decoded)
	return nil
}

// Flag returns a pointer to b, for the optional per-direction flags.
func Flag(b bool) *bool {
	return &b
}
