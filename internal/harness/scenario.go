package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/statesync/internal/model"
)

// Scenario defines one reconciliation scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// System is the connected system under test, served by a memory connector.
	System model.ConnectedSystem `yaml:"system"`

	// State seeds state item lists by list name.
	State map[string][]*model.Fields `yaml:"state,omitempty"`

	// External seeds the connector's items by dataset name.
	External map[string][]*model.Fields `yaml:"external,omitempty"`

	// Passes run in order. Each pass refreshes every dataset of System.
	Passes []Pass `yaml:"passes"`

	// Assertions validate the actions and the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Pass is one refresh cycle over the system.
type Pass struct {
	// External replaces the connector's items of the named datasets before
	// the pass. Datasets not named keep their items, including outward
	// changes from earlier passes.
	External map[string][]*model.Fields `yaml:"external,omitempty"`
}

// Assertion validates actions or final state.
type Assertion struct {
	// Type is one of action_count, action_order, final_state, external_state.
	Type string `yaml:"type"`

	// Pass is the 1-based pass number (action_count, action_order).
	Pass int `yaml:"pass,omitempty"`

	// DataSet restricts action assertions to one dataset and names the
	// dataset for external_state.
	DataSet string `yaml:"dataSet,omitempty"`

	// Kind is the action kind name (action_count).
	Kind string `yaml:"kind,omitempty"`

	// Permission, when set, counts only actions whose In or Out permission
	// has this name (action_count).
	Permission string `yaml:"permission,omitempty"`

	// Actions is the expected kind sequence (action_order).
	Actions []string `yaml:"actions,omitempty"`

	// List is the state list name (final_state).
	List string `yaml:"list,omitempty"`

	// Where selects items by rendered field value (final_state, external_state).
	Where map[string]string `yaml:"where,omitempty"`

	// Expect contains expected rendered field values. Subset match.
	Expect map[string]string `yaml:"expect,omitempty"`

	// Count is the expected number of matches (action_count; final_state
	// and external_state when Expect is empty).
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertActionCount   = "action_count"
	AssertActionOrder   = "action_order"
	AssertFinalState    = "final_state"
	AssertExternalState = "external_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}

	if s.Description == "" {
		return errors.New("description is required")
	}

	if err := s.System.Validate(); err != nil {
		return fmt.Errorf("system: %w", err)
	}

	if len(s.Passes) == 0 {
		return errors.New("passes list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return errors.New("assertions list is required and must be non-empty")
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, len(s.Passes)); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, passes int) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertActionCount, AssertActionOrder:
		if a.Pass < 1 || a.Pass > passes {
			return fmt.Errorf("assertions[%d]: pass must be between 1 and %d", index, passes)
		}
		if a.Type == AssertActionCount && (a.Kind == "" || a.Count == nil) {
			return fmt.Errorf("assertions[%d]: kind and count are required for action_count", index)
		}
	case AssertFinalState:
		if a.List == "" {
			return fmt.Errorf("assertions[%d]: list is required for final_state", index)
		}
		if len(a.Expect) == 0 && a.Count == nil {
			return fmt.Errorf("assertions[%d]: expect or count is required for final_state", index)
		}
	case AssertExternalState:
		if a.DataSet == "" {
			return fmt.Errorf("assertions[%d]: dataSet is required for external_state", index)
		}
		if len(a.Expect) == 0 && a.Count == nil {
			return fmt.Errorf("assertions[%d]: expect or count is required for external_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
