// Package chainlog implements the Chain and Log types: a
// hash-linked, doubly-navigable sequence of blocks anchored by a
// collection's log-header block, and a typed Log of LogEntry values
// built on top of it.
//
// # Chain layout
//
// The header block (block.TypeLogHeader, ID == CollectionId) never
// carries entries itself; it only tracks the chain's current tail and
// its own forward pointer to the first data node. Every other node
// (block.TypeLogData) carries:
//
//   - PriorID / PriorHash: the previous node's id and the SHA-256
//     digest of its canonical encoding (nil on the first node), giving
//     backward, integrity-checked navigation.
//   - NextID: set once the following node is allocated, giving forward
//     navigation without a second pass over PriorID links.
//   - Entries: the canonically encoded LogEntry values stored at this
//     position (one per Add call in the current implementation).
//
// # Allocate-then-finalize
//
// A naive "compute blockIds, then append
// the entry" ordering is backwards: the blockIds a LogEntry must
// reference include the very chain block the entry is about to live
// in, which does not exist until it is allocated. Chain.Add resolves
// this with a two-step builder: it allocates the node (and link
// pointers) first, handing the caller back the allocated path, and
// only then asks the caller (via a callback) for the entry bytes to
// store at that path. The half-allocated node is never exposed to
// other readers mid-build because the allocate and finalize steps
// execute back to back under the mutator's own synchronization
// (ultimately a Tracker, whose Insert/Update calls are not published
// until the owning Collection commits them).
package chainlog
