// Package store defines checkpoint persistence for conversation threads.
//
// A thread's history is a singly linked chain of Checkpoints per namespace.
// Checkpoint ids come from NewCheckpointID and sort by creation time, so the
// largest id of a chain is its head. Every backend enforces the same rules:
//
//   - Put upserts by (thread, namespace, id) and rejects a checkpoint whose
//     parent is missing or already has another child (ChainIntegrityError).
//   - PutWrites upserts by (thread, namespace, id, task, idx).
//   - List returns newest first and honours Filter, Before and Limit.
//   - RemoveAll deletes a thread and reports how many rows went away.
//
// Backends live in the memory, sqlite, postgres and redis subpackages. The
// storetest package holds the shared contract suite.
package store
