// Package ir holds the shared domain types of htmlgraph: nodes, events,
// sessions, edges, the typed error taxonomy, and the canonical JSON and
// hashing used for deterministic identity.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key constraints:
//   - Ids are derived, never allocated centrally (NewID).
//   - Event order within a session is the append sequence (Seq), never the
//     wall-clock Timestamp.
//   - All JSON tags use snake_case.
package ir
