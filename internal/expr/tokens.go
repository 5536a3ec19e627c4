package expr

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
)

// Dynamic token scopes, resolved per evaluation rather than at compile time.
const (
	ScopeItem   = "item"
	ScopeLookup = "lookup"
)

// Mask replaces masked token values in Mask output.
const Mask = "***"

// tokenPattern matches {{scope:name}} where name contains no braces, so
// nested tokens resolve innermost first.
var tokenPattern = regexp.MustCompile(`\{\{([A-Za-z][A-Za-z0-9_-]*):([^{}]*)\}\}`)

// Resolver returns the value for a token name within one scope.
type Resolver func(name string) (string, error)

type scope struct {
	resolve Resolver
	masked  bool
}

// Substituter rewrites {{scope:name}} placeholders using registered resolvers.
// Tokens of unregistered scopes are left untouched.
// Safe for concurrent use.
type Substituter struct {
	mu     sync.RWMutex
	scopes map[string]scope
}

// NewSubstituter creates a Substituter with no scopes registered.
func NewSubstituter() *Substituter {
	return &Substituter{scopes: make(map[string]scope)}
}

// Register installs r for scope. When masked is true, Mask renders the
// scope's tokens as "***" instead of resolving them.
func (s *Substituter) Register(name string, r Resolver, masked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[name] = scope{resolve: r, masked: masked}
}

// Substitute resolves every token of a registered scope in text.
func (s *Substituter) Substitute(text string) (string, error) {
	return s.rewrite(text, false)
}

// Mask resolves unmasked tokens and replaces masked tokens with Mask.
// Resolution failures leave the token as written. Use for logging.
func (s *Substituter) Mask(text string) string {
	out, _ := s.rewrite(text, true)
	return out
}

func (s *Substituter) rewrite(text string, masking bool) (string, error) {
	if s == nil || !strings.Contains(text, "{{") {
		return text, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var firstErr error
	out := tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		m := tokenPattern.FindStringSubmatch(tok)
		sc, ok := s.scopes[m[1]]
		if !ok {
			return tok
		}
		if masking && sc.masked {
			return Mask
		}
		v, err := sc.resolve(m[2])
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("resolve token %s: %w", tok, err)
			}
			return tok
		}
		return v
	})
	if masking {
		return out, nil
	}
	return out, firstErr
}

// HasTokens reports whether text contains a token of the given scope.
func HasTokens(text, scopeName string) bool {
	for _, m := range tokenPattern.FindAllStringSubmatch(text, -1) {
		if m[1] == scopeName {
			return true
		}
	}
	return false
}

// EnvResolver resolves names from the process environment.
// A variable that is not set is an error.
func EnvResolver() Resolver {
	return func(name string) (string, error) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %q is not set", name)
		}
		return v, nil
	}
}

// MapResolver resolves names from a fixed map. A missing name is an error.
func MapResolver(values map[string]string) Resolver {
	return func(name string) (string, error) {
		v, ok := values[name]
		if !ok {
			return "", fmt.Errorf("%q is not defined", name)
		}
		return v, nil
	}
}

// LookupSystems returns the system names targeted by lookup tokens in text,
// in order of appearance. Item tokens nested in a lookup are ignored.
func LookupSystems(text string) []string {
	text = tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		if tokenPattern.FindStringSubmatch(tok)[1] == ScopeItem {
			return ""
		}
		return tok
	})

	var systems []string
	for _, m := range tokenPattern.FindAllStringSubmatch(text, -1) {
		if m[1] != ScopeLookup {
			continue
		}
		system, _, _ := strings.Cut(m[2], "|")
		systems = append(systems, strings.TrimSpace(system))
	}
	return systems
}
