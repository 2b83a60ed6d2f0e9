// Package repo implements the per-peer local store facade: a Repo
// sits in front of a RawStorage backend and tracks, per
// collection, which revisions have been materialized, which actions
// are still pending (staged but not yet committed by consensus) and
// which have committed.
//
// RawStorage is the narrow contract a real block store (file-backed,
// remote, whatever) must satisfy; MemoryStorage is the in-process
// reference implementation used by tests and the single-process demo
// peer.
package repo
