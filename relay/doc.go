// Package relay holds the relay catalogue and the selection algorithm run on
// every connection attempt.
//
// # Catalogue
//
// A Catalogue is an immutable snapshot of every relay, bridge and port the
// relay API advertises. Pool hands snapshots to readers and lets the Updater
// swap in a fresh list without locking them out. Cache keeps the last list in
// SQLite so the daemon can connect before its first refresh.
//
// # Selection
//
// Selector.Select filters the catalogue with a Query, narrowed by the
// RelaxationStep of the current retry attempt, and draws a relay at random
// with probability proportional to its weight. Failures are always a
// *RejectError whose kind tells the caller whether retrying can help:
//
//	candidate, err := selector.Select(query, pool.Snapshot(), step)
//	if errors.Is(err, relay.ErrNoRelay) {
//	    // nothing matched; a later step may relax the query
//	}
package relay
