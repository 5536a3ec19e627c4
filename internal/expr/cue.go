package expr

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/parser"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/statesync/internal/model"
)

// Evaluator evaluates one expression against one item's fields.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, fields *model.Fields) (model.Value, error)
}

// recycleAfter bounds how many evaluations share one cue.Context. Contexts
// retain every value built in them.
const recycleAfter = 10000

// compiled is an expression with its static tokens resolved.
type compiled struct {
	source  string
	dynamic bool
}

// CUE evaluates expressions with the CUE runtime.
// Safe for concurrent use; CUE evaluation itself is serialized.
type CUE struct {
	subst    *Substituter
	lookuper Lookuper

	cacheMu sync.RWMutex
	cache   map[string]compiled

	mu     sync.Mutex
	cuectx *cue.Context
	evals  int
}

// Option configures a CUE evaluator.
type Option func(*CUE)

// WithSubstituter resolves static tokens with s.
func WithSubstituter(s *Substituter) Option {
	return func(e *CUE) {
		e.subst = s
	}
}

// WithLookuper routes {{lookup:...}} tokens to l.
func WithLookuper(l Lookuper) Option {
	return func(e *CUE) {
		e.lookuper = l
	}
}

// NewCUE creates an evaluator.
func NewCUE(opts ...Option) *CUE {
	e := &CUE{
		cache:  make(map[string]compiled),
		cuectx: cuecontext.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetLookuper replaces the lookup target. The registry that owns the
// connectors is usually built after the evaluator.
func (e *CUE) SetLookuper(l Lookuper) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.lookuper = l
}

// Compile resolves static tokens and checks syntax.
// Expressions carrying dynamic tokens are syntax-checked at evaluation.
func (e *CUE) Compile(expression string) error {
	_, err := e.compile(expression)
	return err
}

// Evaluate implements Evaluator.
func (e *CUE) Evaluate(ctx context.Context, expression string, fields *model.Fields) (model.Value, error) {
	if v, ok := fields.Get(expression); ok {
		return model.CloneValue(v), nil
	}

	c, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	src := c.source
	if c.dynamic {
		src, err = e.expand(ctx, src, fields)
		if err != nil {
			return nil, &EvalError{Expression: e.mask(expression), Message: err.Error(), Err: err}
		}
	}

	v, err := e.eval(src, fields)
	if err != nil {
		return nil, evalError(e.mask(expression), err)
	}
	return v, nil
}

func (e *CUE) compile(expression string) (compiled, error) {
	e.cacheMu.RLock()
	c, ok := e.cache[expression]
	e.cacheMu.RUnlock()
	if ok {
		return c, nil
	}

	if strings.TrimSpace(expression) == "" {
		return compiled{}, &EvalError{Expression: expression, Message: "empty expression"}
	}

	src, err := e.subst.Substitute(expression)
	if err != nil {
		return compiled{}, &EvalError{Expression: e.mask(expression), Message: err.Error(), Err: err}
	}

	c = compiled{
		source:  src,
		dynamic: HasTokens(src, ScopeItem) || HasTokens(src, ScopeLookup),
	}
	if !c.dynamic {
		if _, err := parser.ParseExpr("expression", src); err != nil {
			return compiled{}, evalError(e.mask(expression), err)
		}
	}

	e.cacheMu.Lock()
	e.cache[expression] = c
	e.cacheMu.Unlock()
	return c, nil
}

// expand resolves item tokens, then lookup tokens, so a lookup query may
// embed item values.
func (e *CUE) expand(ctx context.Context, src string, fields *model.Fields) (string, error) {
	var firstErr error

	src = tokenPattern.ReplaceAllStringFunc(src, func(tok string) string {
		m := tokenPattern.FindStringSubmatch(tok)
		if m[1] != ScopeItem || firstErr != nil {
			return tok
		}
		v, ok := fields.Get(m[2])
		if !ok {
			firstErr = fmt.Errorf("item has no field %q", m[2])
			return tok
		}
		return model.Render(v)
	})
	if firstErr != nil {
		return "", firstErr
	}

	e.cacheMu.RLock()
	lookuper := e.lookuper
	e.cacheMu.RUnlock()

	src = tokenPattern.ReplaceAllStringFunc(src, func(tok string) string {
		m := tokenPattern.FindStringSubmatch(tok)
		if m[1] != ScopeLookup || firstErr != nil {
			return tok
		}
		if lookuper == nil {
			firstErr = fmt.Errorf("lookup %q: no lookup target configured", m[2])
			return tok
		}
		system, query, field, zero, multi, err := parseLookup(m[2])
		if err != nil {
			firstErr = err
			return tok
		}
		v, err := lookuper.Lookup(ctx, system, query, field, zero, multi)
		if err != nil {
			firstErr = &LookupError{System: system, Query: query, Field: field, Err: err}
			return tok
		}
		lit, err := model.MarshalValue(v)
		if err != nil {
			firstErr = fmt.Errorf("lookup %s: encode result: %w", system, err)
			return tok
		}
		return string(lit)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return src, nil
}

// parseLookup splits "system|query|field" or "system|query|field|default".
// A default applies to both the zero and the multiple match case.
func parseLookup(body string) (system, query, field string, zero, multi MatchPolicy, err error) {
	parts := strings.Split(body, "|")
	switch len(parts) {
	case 3:
		zero, multi = Raise(), Raise()
	case 4:
		d := UseDefault(model.String(parts[3]))
		zero, multi = d, d
	default:
		return "", "", "", zero, multi, fmt.Errorf("lookup %q: want system|query|field[|default]", body)
	}
	system, query, field = strings.TrimSpace(parts[0]), parts[1], strings.TrimSpace(parts[2])
	if system == "" || field == "" {
		return "", "", "", zero, multi, fmt.Errorf("lookup %q: system and field are required", body)
	}
	return system, query, field, zero, multi, nil
}

func (e *CUE) eval(src string, fields *model.Fields) (model.Value, error) {
	x, err := parser.ParseExpr("expression", src)
	if err != nil {
		return nil, err
	}

	scopeFields := model.ToAny(fields)
	if scopeFields == nil {
		scopeFields = map[string]any{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.evals++
	if e.evals > recycleAfter {
		e.cuectx = cuecontext.New()
		e.evals = 1
	}

	scope := e.cuectx.Encode(scopeFields)
	if err := scope.Err(); err != nil {
		return nil, err
	}

	v := e.cuectx.BuildExpr(x, cue.Scope(scope), cue.InferBuiltins(true))
	return fromCUE(v)
}

func (e *CUE) mask(expression string) string {
	return e.subst.Mask(expression)
}

// fromCUE converts a concrete CUE value into a model.Value.
func fromCUE(v cue.Value) (model.Value, error) {
	if err := v.Err(); err != nil {
		return nil, err
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, err
	}

	switch v.Kind() {
	case cue.NullKind:
		return model.Null{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, err
		}
		return model.Bool(b), nil
	case cue.IntKind:
		if i, err := v.Int64(); err == nil {
			return model.Int(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return model.Float(f), nil
	case cue.FloatKind:
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return model.Float(f), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, err
		}
		return model.String(norm.NFC.String(s)), nil
	case cue.BytesKind:
		b, err := v.Bytes()
		if err != nil {
			return nil, err
		}
		return model.String(norm.NFC.String(string(b))), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, err
		}
		arr := model.Array{}
		for iter.Next() {
			elem, err := fromCUE(iter.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, err
		}
		out := model.NewFields()
		for iter.Next() {
			elem, err := fromCUE(iter.Value())
			if err != nil {
				return nil, err
			}
			out.Set(iter.Selector().Unquoted(), elem)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported result kind %v", v.Kind())
	}
}
