package harness

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/statesync/internal/engine"
)

// Report renders a result as a stable text report: one section per pass and
// dataset, one line per action.
//
//	# pass 1 crm/contacts
//	CreateState join=1 in=Allowed out=InvalidOperation state[contactId=1]
func Report(result *Result) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "scenario: %s\n", result.Scenario.Name)
	for _, pass := range result.Passes {
		for _, r := range pass.Results {
			fmt.Fprintf(&buf, "# pass %d %s/%s\n", pass.Number, r.System, r.DataSet)
			if err := engine.WriteReport(&buf, r.Actions); err != nil {
				return nil, err
			}
			if r.Err != nil {
				fmt.Fprintf(&buf, "error: %v\n", r.Err)
			}
		}
	}
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares its report against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return result, err
	}
	return result, nil
}

// AssertGolden compares an already computed result's report against the
// golden file named scenarioName.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	report, err := Report(result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, report)
	return nil
}
