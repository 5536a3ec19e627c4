package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/statesync/internal/engine"
	"github.com/roach88/statesync/internal/model"
)

// AssertionError is returned when an assertion fails.
// It includes the offending pass's actions to help debug the failure.
type AssertionError struct {
	Type     string               // Assertion type for categorization
	Expected string               // Human-readable expected outcome
	Actual   string               // Human-readable actual outcome
	Actions  []*engine.SyncAction // Actions of the pass, if any
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Actions) > 0 {
		fmt.Fprintf(&buf, "\nActions:\n")
		for i, a := range e.Actions {
			fmt.Fprintf(&buf, "  [%d] %s join=%s in=%s out=%s\n", i+1, a.Kind, a.JoinValue, a.InPermission, a.OutPermission)
		}
	}

	return buf.String()
}

// EvaluateAssertions checks every assertion against result.
// Returns one message per failed assertion; empty means all passed.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertActionCount:
		return assertActionCount(result, a)
	case AssertActionOrder:
		return assertActionOrder(result, a)
	case AssertFinalState:
		return assertFinalState(result, a)
	case AssertExternalState:
		return assertExternalState(result, a)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

// assertActionCount checks that a pass produced exactly Count actions of
// Kind, optionally restricted to actions with the given permission on
// either side.
func assertActionCount(result *Result, a Assertion) error {
	pass, ok := result.Pass(a.Pass)
	if !ok {
		return fmt.Errorf("pass %d did not run", a.Pass)
	}
	actions := pass.Actions(a.DataSet)

	count := 0
	for _, action := range actions {
		if action.Kind.String() != a.Kind {
			continue
		}
		if a.Permission != "" &&
			action.InPermission.String() != a.Permission &&
			action.OutPermission.String() != a.Permission {
			continue
		}
		count++
	}

	if count != *a.Count {
		what := a.Kind
		if a.Permission != "" {
			what += " " + a.Permission
		}
		return &AssertionError{
			Type:     AssertActionCount,
			Expected: fmt.Sprintf("%d %s actions in pass %d", *a.Count, what, a.Pass),
			Actual:   fmt.Sprintf("%d actions", count),
			Actions:  actions,
		}
	}
	return nil
}

// assertActionOrder checks the exact kind sequence of a pass.
func assertActionOrder(result *Result, a Assertion) error {
	pass, ok := result.Pass(a.Pass)
	if !ok {
		return fmt.Errorf("pass %d did not run", a.Pass)
	}
	actions := pass.Actions(a.DataSet)

	got := make([]string, len(actions))
	for i, action := range actions {
		got[i] = action.Kind.String()
	}

	if strings.Join(got, ",") != strings.Join(a.Actions, ",") {
		return &AssertionError{
			Type:     AssertActionOrder,
			Expected: fmt.Sprintf("actions %v in pass %d", a.Actions, a.Pass),
			Actual:   fmt.Sprintf("actions %v", got),
			Actions:  actions,
		}
	}
	return nil
}

// assertFinalState checks the items of a state list.
func assertFinalState(result *Result, a Assertion) error {
	list, ok := result.Store.Lookup(a.List)
	var items []*model.Fields
	if ok {
		for _, item := range list.Items() {
			items = append(items, item.Fields())
		}
	}
	return assertItems(AssertFinalState, "state list "+a.List, items, a)
}

// assertExternalState checks the memory connector's items of a dataset.
func assertExternalState(result *Result, a Assertion) error {
	return assertItems(AssertExternalState, "dataset "+a.DataSet, result.Connector.Items(a.DataSet), a)
}

// assertItems applies Where, then checks Count and Expect. With Expect set,
// at least one selected item must carry every expected field value.
func assertItems(kind, where string, items []*model.Fields, a Assertion) error {
	var selected []*model.Fields
	for _, item := range items {
		if matchFields(item, a.Where) {
			selected = append(selected, item)
		}
	}

	if len(a.Where) > 0 {
		where += " where " + formatFields(a.Where)
	}

	if a.Count != nil && len(selected) != *a.Count {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%d items in %s", *a.Count, where),
			Actual:   fmt.Sprintf("%d items", len(selected)),
		}
	}

	if len(a.Expect) == 0 {
		return nil
	}
	if len(selected) == 0 {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("item in %s", where),
			Actual:   "item not found",
		}
	}
	for _, item := range selected {
		if matchFields(item, a.Expect) {
			return nil
		}
	}
	return &AssertionError{
		Type:     kind,
		Expected: fmt.Sprintf("item in %s with %s", where, formatFields(a.Expect)),
		Actual:   selected[0].String(),
	}
}

// matchFields reports whether every want entry equals the item's rendered
// field value. A missing field matches only an empty expectation.
func matchFields(item *model.Fields, want map[string]string) bool {
	for k, v := range want {
		got, ok := item.Get(k)
		if !ok {
			if v != "" {
				return false
			}
			continue
		}
		if model.Render(got) != v {
			return false
		}
	}
	return true
}

// formatFields formats a field map deterministically.
func formatFields(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, m[k])
	}
	return strings.Join(parts, " ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
