// Package eventlog is the append-only record of agent activity.
//
// Each session has one newline-delimited JSON journal at
// <dir>/<session_id>.jsonl. Records are ordered by a per-session sequence
// number assigned under the journal lock, never by timestamp. A sidecar
// <session_id>.state.json caches the last sequence so appends do not rescan
// the journal; it is rebuilt from the journal whenever it disagrees.
//
// Every session has a synthetic root event, seq 0, derived from the session
// id (ir.RootEventID). It is never written to the journal. Events without a
// resolvable parent attribute to it.
package eventlog
