// Package model provides the canonical data model for statesync.
//
// This package contains value and configuration types only. All other internal
// packages import model; model imports nothing internal.
//
// Key design constraints:
//   - Field values are a closed variant (Value): Null, String, Int, Float, Bool,
//     Array, or a nested *Fields map
//   - Fields preserve insertion order, including through JSON round trips
//   - Render is the single string form used for join keys and change detection
package model
