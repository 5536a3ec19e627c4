// Package expr evaluates mapping expressions against items.
//
// Expressions are CUE expressions whose free identifiers resolve to the
// item's fields, with builtin packages inferred:
//
//	name                         // field value
//	strings.ToUpper(name)        // builtin call
//	"\(first) \(last)"           // interpolation
//	priority * 10
//
// An expression equal to an existing field name returns that field as is,
// which also covers field names that are not valid CUE identifiers.
//
// # Tokens
//
// Before compilation {{scope:name}} tokens are rewritten by a Substituter.
// Static scopes (env, secret) are resolved once when an expression is first
// compiled. Two dynamic scopes are resolved on every evaluation, innermost
// first:
//
//	{{item:field}}                     // rendered field value, spliced raw
//	{{lookup:system|query|field}}      // value of field on the single item query matches
//	{{lookup:system|query|field|dflt}} // as above, dflt when zero or many match
//
// Lookup results are spliced as JSON literals, which CUE accepts. Lookups go
// through a Lookuper, normally the engine's connector registry, which routes
// to the named connector's cached QueryLookup.
package expr
