package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ValueFromYAML converts a YAML node to a Value, keeping mapping order.
// Timestamps and binary scalars stay strings.
func ValueFromYAML(node *yaml.Node) (Value, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return Null{}, nil
		}
		return ValueFromYAML(node.Content[0])
	case yaml.AliasNode:
		return ValueFromYAML(node.Alias)
	case yaml.MappingNode:
		f := NewFields()
		for i := 0; i+1 < len(node.Content); i += 2 {
			v, err := ValueFromYAML(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			f.Set(node.Content[i].Value, v)
		}
		return f, nil
	case yaml.SequenceNode:
		arr := make(Array, 0, len(node.Content))
		for _, child := range node.Content {
			v, err := ValueFromYAML(child)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	}

	switch node.ShortTag() {
	case "!!str", "!!timestamp", "!!binary":
		return String(node.Value), nil
	default:
		var raw any
		if err := node.Decode(&raw); err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return FromAny(raw)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler, keeping key order.
func (f *Fields) UnmarshalYAML(node *yaml.Node) error {
	v, err := ValueFromYAML(node)
	if err != nil {
		return err
	}
	src, ok := v.(*Fields)
	if !ok {
		return fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	*f = *src
	return nil
}
