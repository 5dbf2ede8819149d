// Package sqlite provides SQLite-backed checkpoint storage.
//
// Checkpoints live in one table keyed by (thread_id, checkpoint_ns, checkpoint_id)
// and pending writes in a sibling "<table>_writes" table keyed additionally by
// (task_id, idx). Put runs its parent and fork checks in the same transaction as
// the upsert.
//
// # Basic Usage
//
//	s, err := sqlite.NewSqliteCheckpointStore(sqlite.SqliteOptions{
//		Path: "./checkpoints.db",
//	})
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	runnable := graph.NewCheckpointableRunnable(compiled, s)
//
// Use Path ":memory:" for a volatile database in tests.
package sqlite
