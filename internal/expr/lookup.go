package expr

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/statesync/internal/model"
)

// Lookup cardinality errors. They abort the expression being evaluated,
// not the reconciliation pass.
var (
	ErrLookupZeroMatches     = errors.New("lookup matched no items")
	ErrLookupMultipleMatches = errors.New("lookup matched more than one item")
)

// MatchPolicy says what a lookup returns when the query does not match
// exactly one item: either raise a lookup error or return Default.
type MatchPolicy struct {
	Raise   bool
	Default model.Value
}

// Raise returns a policy that fails the lookup.
func Raise() MatchPolicy {
	return MatchPolicy{Raise: true}
}

// UseDefault returns a policy that yields v.
func UseDefault(v model.Value) MatchPolicy {
	return MatchPolicy{Default: v}
}

// Lookuper resolves a single field of the item a query selects in a
// connected system.
type Lookuper interface {
	Lookup(ctx context.Context, system, query, field string, zero, multi MatchPolicy) (model.Value, error)
}

// LookupError wraps a failed lookup with its coordinates.
type LookupError struct {
	System string
	Query  string
	Field  string
	Err    error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup %s[%s].%s: %v", e.System, e.Query, e.Field, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// Pick applies the match policies to the items a query returned.
//
// Exactly one match returns that item and its field value (Null when the
// field is absent). Zero or many matches follow the corresponding policy;
// the returned item is nil in that case.
func Pick(matches []*model.Fields, field string, zero, multi MatchPolicy) (*model.Fields, model.Value, error) {
	switch len(matches) {
	case 1:
		v, ok := matches[0].Get(field)
		if !ok {
			v = model.Null{}
		}
		return matches[0], v, nil
	case 0:
		v, err := zero.apply(ErrLookupZeroMatches)
		return nil, v, err
	default:
		v, err := multi.apply(fmt.Errorf("%w (%d items)", ErrLookupMultipleMatches, len(matches)))
		return nil, v, err
	}
}

// FieldOf returns field from a single cached item, Null when absent.
func FieldOf(item *model.Fields, field string) model.Value {
	v, ok := item.Get(field)
	if !ok {
		return model.Null{}
	}
	return v
}

func (p MatchPolicy) apply(cause error) (model.Value, error) {
	if p.Raise {
		return nil, cause
	}
	if p.Default == nil {
		return model.Null{}, nil
	}
	return p.Default, nil
}
