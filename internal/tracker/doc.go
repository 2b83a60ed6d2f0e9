// Package tracker implements the per-action staging area: a
// Tracker overlays pending inserts, updates and deletes on top of a
// read-only block Source, so that a sequence of Insert/Update/Delete
// calls against the same actionId sees its own writes, while nothing is
// published to the network until Reset hands the accumulated
// block.Transforms to a caller (normally a Collection, see
// internal/collection) for submission through the Transactor.
package tracker
