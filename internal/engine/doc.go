// Package engine is the write path that ties the stores together.
//
// Node documents, event journals and session records are the sources of
// truth. The analytics index is derived from them and may lag or fail
// without losing data.
//
// ARCHITECTURE:
//
// Single-Writer Ingestion Loop:
// Writers append to the sources synchronously and hand index work to the
// Recorder's FIFO queue. Recorder.Run applies jobs one at a time so the
// index sees changes in submission order:
//  1. Emit/Record append the event to its session journal
//  2. The stored event is queued as a job
//  3. Run dequeues it and ingests it into the index, retrying BUSY
//  4. A job that still fails marks the index stale; a rebuild resyncs it
//
// Short-lived processes use WithSyncIngest and skip the loop entirely.
//
// Workspace opens every store of a project root and rebuilds the index
// when it is missing or was written by an incompatible version.
package engine
