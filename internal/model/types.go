package model

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultLoopPeriodicitySeconds is used when a connected system omits its period.
const DefaultLoopPeriodicitySeconds = 60

// Direction tells which way a mapping applies.
type Direction int

const (
	// DirectionJoin marks the mapping that produces the match key.
	DirectionJoin Direction = iota + 1
	// DirectionIn copies external values into state.
	DirectionIn
	// DirectionOut computes desired external values from state.
	DirectionOut
)

var directionNames = map[Direction]string{
	DirectionJoin: "join",
	DirectionIn:   "in",
	DirectionOut:  "out",
}

func (d Direction) String() string {
	if name, ok := directionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	if _, ok := directionNames[d]; !ok {
		return nil, fmt.Errorf("invalid direction %d", int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Matching is case-insensitive.
func (d *Direction) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for dir, name := range directionNames {
		if name == s {
			*d = dir
			return nil
		}
	}
	return fmt.Errorf("invalid direction %q: must be join, in or out", string(text))
}

// CreateDeleteDirection decides which side is authoritative for the
// existence of items.
type CreateDeleteDirection int

const (
	// CreateDeleteNone never creates or deletes on either side.
	CreateDeleteNone CreateDeleteDirection = iota
	// CreateDeleteIn mirrors external existence into state.
	CreateDeleteIn
	// CreateDeleteOut mirrors state existence into the external system.
	CreateDeleteOut
)

var createDeleteNames = map[CreateDeleteDirection]string{
	CreateDeleteNone: "none",
	CreateDeleteIn:   "in",
	CreateDeleteOut:  "out",
}

func (c CreateDeleteDirection) String() string {
	if name, ok := createDeleteNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CreateDeleteDirection(%d)", int(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c CreateDeleteDirection) MarshalText() ([]byte, error) {
	if _, ok := createDeleteNames[c]; !ok {
		return nil, fmt.Errorf("invalid create/delete direction %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Matching is case-insensitive.
func (c *CreateDeleteDirection) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	if s == "" {
		*c = CreateDeleteNone
		return nil
	}
	for dir, name := range createDeleteNames {
		if name == s {
			*c = dir
			return nil
		}
	}
	return fmt.Errorf("invalid create/delete direction %q: must be none, in or out", string(text))
}

// Mapping pairs a system-side and a state-side expression.
//
// For Join and In mappings StateExpression names the state field written on
// create/update; for Out mappings SystemExpression names the external field.
type Mapping struct {
	SystemExpression string    `yaml:"system" json:"system"`
	StateExpression  string    `yaml:"state" json:"state"`
	Direction        Direction `yaml:"direction" json:"direction"`
}

// DataSet is one synchronized collection within a connected system.
type DataSet struct {
	Name                  string                `yaml:"name" json:"name"`
	StateDataSetName      string                `yaml:"stateDataSetName,omitempty" json:"stateDataSetName,omitempty"`
	QueryConfig           string                `yaml:"queryConfig,omitempty" json:"queryConfig,omitempty"` // Connector-specific
	CreateDeleteDirection CreateDeleteDirection `yaml:"createDeleteDirection" json:"createDeleteDirection"`
	Permissions           Permissions           `yaml:"permissions" json:"permissions"`
	Mappings              []Mapping             `yaml:"mappings" json:"mappings"`
}

// StateListName returns the item list this dataset reconciles against.
// Defaults to the dataset name.
func (d *DataSet) StateListName() string {
	if d.StateDataSetName != "" {
		return d.StateDataSetName
	}
	return d.Name
}

// JoinMapping returns the single Join mapping.
// Returns a ValidationError if there is none or more than one.
func (d *DataSet) JoinMapping() (Mapping, error) {
	var (
		join  Mapping
		count int
	)
	for _, m := range d.Mappings {
		if m.Direction == DirectionJoin {
			join = m
			count++
		}
	}
	switch count {
	case 1:
		return join, nil
	case 0:
		return Mapping{}, &ValidationError{
			Code:    ErrCodeMissingJoin,
			DataSet: d.Name,
			Message: "no join mapping defined",
		}
	default:
		return Mapping{}, &ValidationError{
			Code:    ErrCodeMultipleJoins,
			DataSet: d.Name,
			Message: fmt.Sprintf("%d join mappings defined, exactly one is required", count),
		}
	}
}

// MappingsFor returns mappings with the given direction in declaration order.
func (d *DataSet) MappingsFor(dir Direction) []Mapping {
	var out []Mapping
	for _, m := range d.Mappings {
		if m.Direction == dir {
			out = append(out, m)
		}
	}
	return out
}

// ConnectedSystem is one external system and its datasets.
type ConnectedSystem struct {
	Name                   string      `yaml:"name" json:"name"`
	Type                   string      `yaml:"type" json:"type"`
	Enabled                bool        `yaml:"enabled" json:"enabled"`
	LoopPeriodicitySeconds int         `yaml:"loopPeriodicitySeconds" json:"loopPeriodicitySeconds"`
	Connection             string      `yaml:"connection,omitempty" json:"connection,omitempty"` // Connector-specific
	Permissions            Permissions `yaml:"permissions" json:"permissions"`
	DataSets               []DataSet   `yaml:"dataSets" json:"dataSets"`
}

// UnmarshalYAML applies DefaultPermissions when the permissions block is omitted.
func (d *DataSet) UnmarshalYAML(node *yaml.Node) error {
	type plain DataSet
	decoded := plain{Permissions: DefaultPermissions()}
	if err := node.Decode(&decoded); err != nil {
		return err
	}
	*d = DataSet(decoded)
	return nil
}

// UnmarshalYAML applies defaults: enabled, DefaultLoopPeriodicitySeconds and
// DefaultPermissions.
func (c *ConnectedSystem) UnmarshalYAML(node *yaml.Node) error {
	type plain ConnectedSystem
	decoded := plain{
		Enabled:                true,
		LoopPeriodicitySeconds: DefaultLoopPeriodicitySeconds,
		Permissions:            DefaultPermissions(),
	}
	if err := node.Decode(&decoded); err != nil {
		return err
	}
	*c = ConnectedSystem(decoded)
	return nil
}

// DataSet returns the dataset with the given name.
func (c *ConnectedSystem) DataSet(name string) (*DataSet, bool) {
	for i := range c.DataSets {
		if c.DataSets[i].Name == name {
			return &c.DataSets[i], true
		}
	}
	return nil, false
}
