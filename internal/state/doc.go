// Package state holds the canonical item lists that every connected system is
// reconciled against, and persists them to a single JSON document.
//
// # Locking
//
// Three levels of locking apply:
//   - List pass lock (Hold): held by the engine for a whole reconciliation
//     pass, so two connected systems mapping to the same list cannot interleave
//     between the unseen snapshot and the unseen sweep
//   - List slice lock: short critical sections for Items/Append/Remove, so the
//     store can be saved while a pass is running
//   - Item lock: guards one item's fields so concurrent readers see a
//     consistent field set
//
// # Persistence
//
// Save writes a temporary file next to the target, syncs it and renames it
// over the target. Load of a missing file yields an empty store.
package state
