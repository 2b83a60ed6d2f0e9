// Package routing implements the key-to-peer routing fabric:
// resolving a key (content address or collection id) to a coordinator
// peer and to the full cohort backing it, an LRU+TTL cache over that
// resolution, an additive-penalty/exponential-forgiveness blacklist
// for misbehaving peers, and a self-coordination guard that refuses to
// act as coordinator for a key when the local peer's view of the
// network looks too stale or too small to trust.
package routing
