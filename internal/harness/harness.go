package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/statesync/internal/connector/memory"
	"github.com/roach88/statesync/internal/engine"
	"github.com/roach88/statesync/internal/expr"
	"github.com/roach88/statesync/internal/state"
	"github.com/roach88/statesync/internal/testutil"
)

// Start is the fixed clock time of the first pass.
var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// PassInterval is how far the clock advances between passes.
const PassInterval = time.Minute

// PassResult holds the outcome of one pass.
type PassResult struct {
	// Number is the 1-based pass number.
	Number int

	// Results holds one entry per dataset, in configured order.
	Results []engine.Result
}

// Actions returns the pass's actions across datasets, optionally
// restricted to one dataset.
func (p PassResult) Actions(dataSet string) []*engine.SyncAction {
	var out []*engine.SyncAction
	for _, r := range p.Results {
		if dataSet != "" && r.DataSet != dataSet {
			continue
		}
		out = append(out, r.Actions...)
	}
	return out
}

// Result holds the outcome of running a scenario.
type Result struct {
	// Scenario is the scenario that ran.
	Scenario *Scenario

	// Passes holds one entry per pass, in order.
	Passes []PassResult

	// Errors collects assertion failures. Empty means the scenario passed.
	Errors []string

	// Store is the final state.
	Store *state.Store

	// Connector is the memory connector holding the final external items.
	Connector *memory.Connector
}

// Pass returns the numbered pass, or false if it did not run.
func (r *Result) Pass(n int) (PassResult, bool) {
	if n < 1 || n > len(r.Passes) {
		return PassResult{}, false
	}
	return r.Passes[n-1], true
}

// Run executes a scenario and evaluates its assertions.
// Run returns an error only when the scenario cannot be set up or a pass
// is interrupted; assertion failures are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	if scenario.System.Type != memory.Type {
		return nil, fmt.Errorf("scenario %s: system type must be %q, got %q", scenario.Name, memory.Type, scenario.System.Type)
	}

	clock := testutil.NewClock(Start)

	conn := memory.New(memory.WithClock(clock.Now))
	for _, name := range sortedKeys(scenario.External) {
		conn.Set(name, scenario.External[name]...)
	}

	store := state.New()
	for _, name := range sortedKeys(scenario.State) {
		list := store.List(name)
		for _, fields := range scenario.State[name] {
			list.Append(state.NewItem(fields.Clone(), clock.Now()))
		}
	}

	registry := engine.NewRegistry()
	if err := registry.Register(scenario.System.Name, conn); err != nil {
		return nil, err
	}
	defer registry.Close()

	eval := expr.NewCUE(expr.WithLookuper(registry))
	eng := engine.New(
		engine.WithEvaluator(eval),
		engine.WithIDGenerator(testutil.NewSequentialIDs("action")),
		engine.WithClock(clock.Now),
	)
	syncer := engine.NewSyncer(eng, registry, store)

	result := &Result{
		Scenario:  scenario,
		Store:     store,
		Connector: conn,
	}

	for i, pass := range scenario.Passes {
		if i > 0 {
			clock.Advance(PassInterval)
		}
		for _, name := range sortedKeys(pass.External) {
			conn.Set(name, pass.External[name]...)
		}
		registry.ClearCaches()

		results := syncer.RefreshSystem(ctx, &scenario.System)
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("pass %d: %w", i+1, err)
		}
		result.Passes = append(result.Passes, PassResult{Number: i + 1, Results: results})
	}

	result.Errors = EvaluateAssertions(result, scenario.Assertions)
	return result, nil
}

// RunFile loads and runs a scenario file.
func RunFile(ctx context.Context, path string) (*Result, error) {
	scenario, err := LoadScenario(path)
	if err != nil {
		return nil, err
	}
	return Run(ctx, scenario)
}
