// Package collection implements the log-backed Collection: a replayable
// state machine whose authoritative history is a chainlog.Log. State
// is rebuilt by replaying ActionEntry values through a caller-supplied
// Apply function; callers never mutate State directly.
//
// A single latch (mu) serializes Sync and Update against each other so
// that a local proposal always starts from a state that reflects every
// log entry known at the moment it is made, and so two local updates
// can never race each other's view of the log. A Syncer holds the same
// latch while it publishes everything staged since the last publish as
// one transactor pend+commit, so locally-appended actions replicate to
// the collection's cohort as a single atomic action.
package collection
