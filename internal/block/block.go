// Package block defines the core content-addressed data model shared by every
// other package in this module: block identifiers, block bodies, and the
// per-action transform records that describe how a commit changes a block.
// See doc.go for the full package overview.
package block

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/exp/slices"
)

// ID is an opaque, totally ordered, content-addressable block identifier.
// It is stable for the lifetime of the block and unique within a
// collection. Internally it is the string form of a CIDv1 over the
// block's content, which gives us a stable ordering (lexicographic on
// the string form) without requiring callers to reason about multihash
// internals.
type ID string

// String satisfies fmt.Stringer so IDs print cleanly in logs and errors.
func (id ID) String() string { return string(id) }

// Empty reports whether id is the zero value.
func (id ID) Empty() bool { return id == "" }

// NewID derives a content-addressed ID from raw bytes using a SHA-256
// multihash wrapped in a CIDv1 (codec 0x55, "raw"). Two equal inputs
// always produce the same ID; this is the only way new block IDs for
// freshly inserted blocks are meant to be constructed outside of tests.
func NewID(content []byte) (ID, error) {
	digest, err := mh.Sum(content, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("block: hashing content: %w", err)
	}
	c := cid.NewCidV1(cid.Raw, digest)
	return ID(c.String()), nil
}

// Type distinguishes the handful of block roles the core cares about.
// Collections built on top of the store are free to store arbitrary
// payloads in "data" blocks; log-header and log-data are reserved for
// the chain/log machinery in package chainlog.
type Type string

const (
	// TypeLogHeader marks a collection's entry-point block: its ID is
	// the CollectionId and it anchors the hash-linked chain.
	TypeLogHeader Type = "log-header"
	// TypeLogData marks a chain node holding one or more log entries.
	TypeLogData Type = "log-data"
	// TypeData marks an ordinary collection-owned payload block.
	TypeData Type = "data"
)

// Block is the atomic unit of storage: a small header plus an open
// payload. The payload's interpretation is owned by whichever layer
// created the block (chainlog encodes LogEntry values into log-data
// blocks; collections encode their own domain objects into data blocks).
type Block struct {
	ID           ID     `json:"id"`
	Type         Type   `json:"type"`
	CollectionID ID     `json:"collectionId"`
	Payload      []byte `json:"payload"`
}

// Clone returns a deep copy so callers can safely mutate the result
// without racing a concurrent reader of the original.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	cp := *b
	if b.Payload != nil {
		cp.Payload = append([]byte(nil), b.Payload...)
	}
	return &cp
}

// Op is a single ordered mutation within a block's update list. Kind is
// left to the collection layer to interpret (e.g. "set-field",
// "append-entry"); Data carries the opaque, already-encoded operand.
type Op struct {
	Kind string `json:"kind"`
	Data []byte `json:"data"`
}

// Transform is the per-block mutation slice produced by a single action.
// Application order within a block is always insert -> update -> delete,
// and the three fields are mutually exclusive for any one action/block
// pair: a block is inserted xor updated xor deleted.
type Transform struct {
	Insert  *Block `json:"insert,omitempty"`
	Updates []Op   `json:"updates,omitempty"`
	Delete  bool   `json:"delete,omitempty"`
}

// IsEmpty reports whether the transform carries no mutation at all,
// which lets callers skip emitting no-op entries for untouched blocks.
func (t Transform) IsEmpty() bool {
	return t.Insert == nil && len(t.Updates) == 0 && !t.Delete
}

// Transforms is the complete per-action mutation set across all blocks
// that action touches.
type Transforms struct {
	Inserts map[ID]*Block   `json:"inserts,omitempty"`
	Updates map[ID][]Op     `json:"updates,omitempty"`
	Deletes []ID            `json:"deletes,omitempty"`
}

// NewTransforms returns an empty, ready-to-use Transforms value.
func NewTransforms() Transforms {
	return Transforms{
		Inserts: make(map[ID]*Block),
		Updates: make(map[ID][]Op),
	}
}

// BlockIDs returns the distinct set of block ids this Transforms touches,
// across inserts, updates and deletes, in no particular order.
func (t Transforms) BlockIDs() []ID {
	seen := make(map[ID]struct{}, len(t.Inserts)+len(t.Updates)+len(t.Deletes))
	for id := range t.Inserts {
		seen[id] = struct{}{}
	}
	for id := range t.Updates {
		seen[id] = struct{}{}
	}
	for _, id := range t.Deletes {
		seen[id] = struct{}{}
	}
	ids := make([]ID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

// ForBlock projects the slice of this Transforms that applies to a
// single block id into a Transform value. Returns the zero Transform
// (IsEmpty() == true) if the block is untouched.
func (t Transforms) ForBlock(id ID) Transform {
	var out Transform
	if b, ok := t.Inserts[id]; ok {
		out.Insert = b
	}
	if ops, ok := t.Updates[id]; ok {
		out.Updates = append([]Op(nil), ops...)
	}
	for _, d := range t.Deletes {
		if d == id {
			out.Delete = true
			break
		}
	}
	return out
}

// Concat merges a single block's Transform into an accumulator
// Transforms value, enforcing the insert/update/delete disjointness
// invariant: a block already present via one of the three mutation
// kinds cannot be touched by another kind within the same Transforms.
func Concat(acc Transforms, id ID, t Transform) (Transforms, error) {
	if t.IsEmpty() {
		return acc, nil
	}
	if acc.Inserts == nil {
		acc.Inserts = make(map[ID]*Block)
	}
	if acc.Updates == nil {
		acc.Updates = make(map[ID][]Op)
	}

	touchedElsewhere := func(kind string) error {
		return fmt.Errorf("block: %s already has a %s transform recorded for block %s", id, kind, id)
	}

	if t.Insert != nil {
		if _, ok := acc.Updates[id]; ok {
			return acc, touchedElsewhere("update")
		}
		if containsID(acc.Deletes, id) {
			return acc, touchedElsewhere("delete")
		}
		acc.Inserts[id] = t.Insert
	}
	if len(t.Updates) > 0 {
		if _, ok := acc.Inserts[id]; ok {
			return acc, touchedElsewhere("insert")
		}
		if containsID(acc.Deletes, id) {
			return acc, touchedElsewhere("delete")
		}
		acc.Updates[id] = append(acc.Updates[id], t.Updates...)
	}
	if t.Delete {
		if _, ok := acc.Inserts[id]; ok {
			return acc, touchedElsewhere("insert")
		}
		if _, ok := acc.Updates[id]; ok {
			return acc, touchedElsewhere("update")
		}
		if !containsID(acc.Deletes, id) {
			acc.Deletes = append(acc.Deletes, id)
		}
	}
	return acc, nil
}

func containsID(ids []ID, id ID) bool {
	return slices.Contains(ids, id)
}

// ActionID is the client-generated identifier for a single mutation; it
// is the idempotency key from pend through commit or cancel.
type ActionID string

// Rev is a collection's monotonically increasing revision counter,
// starting at 1; 0 means "no committed revision yet".
type Rev uint64

// ActionRev names a committed action: the action id plus the revision
// it was committed at.
type ActionRev struct {
	ActionID ActionID `json:"actionId"`
	Rev      Rev      `json:"rev"`
}

// ActionContext is the frontier a reader is pinned to: the set of
// actions known-pending at Rev, plus Rev itself.
type ActionContext struct {
	Committed []ActionRev `json:"committed,omitempty"`
	Rev       Rev         `json:"rev"`
}

// BlockState is the bookkeeping half of a read response: the
// collection revision the answering peer's materialized state
// reflects, and the ids of actions currently pending against the
// block at that peer.
type BlockState struct {
	Latest   Rev        `json:"latest,omitempty"`
	Pendings []ActionID `json:"pendings,omitempty"`
}

// GetResult is one block's read response. A nil Block with a nil
// error is an affirmative "this block does not exist here", distinct
// from a peer that failed to answer at all; State is populated either
// way, so a reader can observe pending actions on a block that has no
// materialized copy yet.
type GetResult struct {
	Block *Block     `json:"block,omitempty"`
	State BlockState `json:"state"`
}

// Policy controls what Pend does when an affected block already has
// another action's transform pending against it.
type Policy int

const (
	// PolicyFail refuses the pend outright, returning a StaleFailure
	// naming the conflicting action(s).
	PolicyFail Policy = iota
	// PolicyContinue stages the transform anyway, alongside whatever
	// else is already pending for the affected blocks.
	PolicyContinue
	// PolicyReturn refuses the pend like PolicyFail, but additionally
	// populates the conflicting actions' own Transforms in the
	// returned StaleFailure so the caller can inspect them.
	PolicyReturn
)

func (p Policy) String() string {
	switch p {
	case PolicyContinue:
		return "continue"
	case PolicyReturn:
		return "return"
	default:
		return "fail"
	}
}

// ActionPending names an action that was already pending against a
// block a later Pend call also touched. Transforms is populated only
// when the conflict was detected under PolicyReturn.
type ActionPending struct {
	ActionID   ActionID   `json:"actionId"`
	Transforms Transforms `json:"transforms,omitempty"`
}

// ActionTransforms bundles an action id (and, once committed, its rev)
// with the Transforms it produced. This is the unit exchanged between
// the Tracker/Collection layer and the Transactor.
type ActionTransforms struct {
	ActionID   ActionID   `json:"actionId"`
	Rev        *Rev       `json:"rev,omitempty"`
	Transforms Transforms `json:"transforms"`
}

// DistinctByAction groups a slice of ActionTransforms by ActionID,
// concatenating the Transforms of entries that share an id. Input order
// is preserved for the first occurrence of each id.
func DistinctByAction(in []ActionTransforms) ([]ActionTransforms, error) {
	order := make([]ActionID, 0, len(in))
	byID := make(map[ActionID]*ActionTransforms, len(in))
	for _, at := range in {
		existing, ok := byID[at.ActionID]
		if !ok {
			cp := at
			cp.Transforms = NewTransforms()
			byID[at.ActionID] = &cp
			existing = byID[at.ActionID]
			order = append(order, at.ActionID)
		}
		if at.Rev != nil {
			existing.Rev = at.Rev
		}
		merged := existing.Transforms
		for id, b := range at.Transforms.Inserts {
			var err error
			merged, err = Concat(merged, id, Transform{Insert: b})
			if err != nil {
				return nil, err
			}
		}
		for id, ops := range at.Transforms.Updates {
			var err error
			merged, err = Concat(merged, id, Transform{Updates: ops})
			if err != nil {
				return nil, err
			}
		}
		for _, id := range at.Transforms.Deletes {
			var err error
			merged, err = Concat(merged, id, Transform{Delete: true})
			if err != nil {
				return nil, err
			}
		}
		existing.Transforms = merged
	}

	out := make([]ActionTransforms, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// DigestBase64URL renders a raw digest for presentation: base64url
// without padding, the wire convention for priorHash and
// messageHash display. Encoded via go-multibase (already pulled in for
// CID/multihash) rather than stdlib base64; the multibase code prefix
// is stripped since callers want bare base64url, not a
// self-describing multibase string.
func DigestBase64URL(digest []byte) string {
	encoded, err := multibase.Encode(multibase.Base64url, digest)
	if err != nil {
		// multibase.Base64url is always a valid encoding target; this
		// can only fail on an unknown base constant.
		panic(fmt.Sprintf("block: encoding digest: %v", err))
	}
	// multibase prefixes exactly one ASCII identifier byte ('u' for
	// base64url-nopad) ahead of the encoded payload.
	return encoded[1:]
}

// canonicalUpdate and canonicalTransforms restate Transforms without
// any map field, sorted by block id, so canon.Encode (RLP) can hash
// them: RLP has no map type, only ordered sequences of fields.
type canonicalUpdate struct {
	ID  ID
	Ops []Op
}

type canonicalTransforms struct {
	Inserts []*Block
	Updates []canonicalUpdate
	Deletes []ID
}

// Canonical returns a map-free, deterministically ordered restatement
// of t, suitable for canon.Encode/canon.Hash.
func (t Transforms) Canonical() any {
	inserts := make([]*Block, 0, len(t.Inserts))
	ids := make([]ID, 0, len(t.Inserts))
	for id := range t.Inserts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		inserts = append(inserts, t.Inserts[id])
	}

	updateIDs := make([]ID, 0, len(t.Updates))
	for id := range t.Updates {
		updateIDs = append(updateIDs, id)
	}
	slices.Sort(updateIDs)
	updates := make([]canonicalUpdate, 0, len(updateIDs))
	for _, id := range updateIDs {
		updates = append(updates, canonicalUpdate{ID: id, Ops: t.Updates[id]})
	}

	deletes := append([]ID(nil), t.Deletes...)
	slices.Sort(deletes)

	return canonicalTransforms{Inserts: inserts, Updates: updates, Deletes: deletes}
}

// canonicalActionTransforms is ActionTransforms with its Transforms
// field replaced by the map-free canonical form.
type canonicalActionTransforms struct {
	ActionID   ActionID
	Rev        *Rev
	Transforms any
}

// Canonical returns a map-free, deterministically ordered restatement
// of at, suitable for canon.Encode/canon.Hash. The Transforms field is
// typed any (it holds canonicalTransforms), which go-ethereum's rlp
// package encodes fine via reflection; it cannot be decoded back,
// since rlp.DecodeBytes needs a concrete type to decode an interface
// value into. Treat the result of this method as hash/wire-only,
// never round-tripped through canon.DecodeInto.
func (at ActionTransforms) Canonical() any {
	return canonicalActionTransforms{ActionID: at.ActionID, Rev: at.Rev, Transforms: at.Transforms.Canonical()}
}
