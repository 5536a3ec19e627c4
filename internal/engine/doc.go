// Package engine reconciles external connected-system items against the
// state store.
//
// A pass compares one dataset's freshly fetched external items with its
// state item list. Items are matched by the dataset's single Join mapping;
// each external item and each unmatched state item yields one SyncAction.
// Every action is gated by the permission resolver before it is applied,
// and denied actions are still returned so callers can report them.
//
// Passes over the same item list are serialized by the list's pass lock.
// Within a pass external items are processed in fetch order and unseen
// state items in list order. Cancellation stops the pass before the next
// item; mutations already applied are kept.
package engine
