// Package collector holds the messages the coordinator's listener receives,
// shared between connection handlers and the phases that read them back.
//
// # Overview
//
// The listener appends every accepted join and result to a Store; the
// coordinator reads the join requests after the join window closes and the
// result reports after collection ends. The store is append-only during a
// phase and cleared between phases:
//
//	┌──────────────┐   Add    ┌─────────────┐   Joins / Results   ┌─────────────┐
//	│ conn handler │─────────▶│ MemoryStore │────────────────────▶│ coordinator │
//	└──────────────┘          └─────────────┘                     └─────────────┘
//
// # Thread Safety
//
// MemoryStore guards its slice with a sync.RWMutex. Readers get fresh slices
// of value types, never a view of the internal storage.
//
// # Limitations
//
// Nothing is persisted; a restarted coordinator starts empty.
package collector
