package chainlog

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gotchoices/optimystic/internal/block"
	"github.com/gotchoices/optimystic/internal/canon"
)

// ErrNotFound is returned when a chain node or header cannot be
// resolved through the Mutator's read side.
var ErrNotFound = errors.New("chainlog: block not found")

// Mutator is the narrow surface Chain needs from its backing store: the
// read-overlay side of tracker.Source plus staged Insert/Update. A
// *tracker.Tracker satisfies this directly; it is spelled out as its
// own interface here so chainlog does not import tracker and the two
// packages stay decoupled.
type Mutator interface {
	TryGet(id block.ID) (*block.Block, bool)
	Insert(b *block.Block)
	Update(id block.ID, op block.Op) error
}

// headerPayload is the canonical (RLP) encoding stored in a log-header
// block's Payload.
type headerPayload struct {
	TailID block.ID
	NextID block.ID
}

// nodePayload is the canonical encoding stored in a log-data block's
// Payload.
type nodePayload struct {
	PriorID   block.ID
	PriorHash []byte
	NextID    block.ID
	Entries   [][]byte
}

const (
	opSetTail    = "chain:set-tail"
	opSetNext    = "chain:set-next"
	opSetEntries = "chain:set-entries"
)

// ApplyOp is the tracker.Apply implementation for chain-owned blocks.
// Collections that embed a Chain in a larger Tracker must route Update
// calls for chain-owned block ids through this function (directly, or
// by composing it into their own Apply dispatcher).
func ApplyOp(b *block.Block, op block.Op) (*block.Block, error) {
	cp := b.Clone()
	switch b.Type {
	case block.TypeLogHeader:
		var hp headerPayload
		if len(b.Payload) > 0 {
			if err := canon.DecodeInto(b.Payload, &hp); err != nil {
				return nil, fmt.Errorf("chainlog: decode header: %w", err)
			}
		}
		switch op.Kind {
		case opSetTail:
			hp.TailID = block.ID(op.Data)
		case opSetNext:
			hp.NextID = block.ID(op.Data)
		default:
			return nil, fmt.Errorf("chainlog: unsupported header op %q", op.Kind)
		}
		enc, err := canon.Encode(hp)
		if err != nil {
			return nil, err
		}
		cp.Payload = enc
		return cp, nil
	case block.TypeLogData:
		var np nodePayload
		if len(b.Payload) > 0 {
			if err := canon.DecodeInto(b.Payload, &np); err != nil {
				return nil, fmt.Errorf("chainlog: decode node: %w", err)
			}
		}
		switch op.Kind {
		case opSetNext:
			np.NextID = block.ID(op.Data)
		case opSetEntries:
			np.Entries = append(np.Entries, op.Data)
		default:
			return nil, fmt.Errorf("chainlog: unsupported node op %q", op.Kind)
		}
		enc, err := canon.Encode(np)
		if err != nil {
			return nil, err
		}
		cp.Payload = enc
		return cp, nil
	default:
		return nil, fmt.Errorf("chainlog: ApplyOp called on non-chain block type %q", b.Type)
	}
}

// Chain is a hash-linked sequence of blocks anchored by a header block.
type Chain struct {
	mutator      Mutator
	collectionID block.ID
	headerID     block.ID
	tailID       block.ID
}

func newBlockID() block.ID {
	return block.ID(uuid.NewString())
}

// Create allocates a brand-new header block and returns a Chain
// anchored on it. The header's own ID is the CollectionId.
func Create(mutator Mutator) (*Chain, error) {
	id := newBlockID()
	hp := headerPayload{}
	enc, err := canon.Encode(hp)
	if err != nil {
		return nil, err
	}
	mutator.Insert(&block.Block{ID: id, Type: block.TypeLogHeader, CollectionID: id, Payload: enc})
	return &Chain{mutator: mutator, collectionID: id, headerID: id, tailID: id}, nil
}

// Open resolves an existing chain by its header (collection) id.
func Open(mutator Mutator, collectionID block.ID) (*Chain, error) {
	hdr, ok := mutator.TryGet(collectionID)
	if !ok {
		return nil, fmt.Errorf("chainlog: open %s: %w", collectionID, ErrNotFound)
	}
	var hp headerPayload
	if len(hdr.Payload) > 0 {
		if err := canon.DecodeInto(hdr.Payload, &hp); err != nil {
			return nil, fmt.Errorf("chainlog: decode header %s: %w", collectionID, err)
		}
	}
	tail := hp.TailID
	if tail == "" {
		tail = collectionID
	}
	return &Chain{mutator: mutator, collectionID: collectionID, headerID: collectionID, tailID: tail}, nil
}

// HeaderID returns the chain's anchor block id (== CollectionId).
func (c *Chain) HeaderID() block.ID { return c.headerID }

// TailID returns the id of the current tail node (the header's own id
// if the chain is still empty).
func (c *Chain) TailID() block.ID { return c.tailID }

// Add allocates a new tail node, links it to the current tail, invokes
// build with the newly allocated path so the caller can produce entry
// bytes that reference their own location, then finalizes the node
// with those bytes. Returns the allocated path.
func (c *Chain) Add(build func(path block.ID) ([]byte, error)) (block.ID, error) {
	prevTail, priorHash, err := c.tailDigest()
	if err != nil {
		return "", err
	}

	newID := newBlockID()
	np := nodePayload{PriorID: prevTail, PriorHash: priorHash}
	enc, err := canon.Encode(np)
	if err != nil {
		return "", err
	}
	c.mutator.Insert(&block.Block{ID: newID, Type: block.TypeLogData, CollectionID: c.collectionID, Payload: enc})

	// Link the previous tail (node or header) forward to the new node.
	if prevTail == c.headerID {
		if err := c.mutator.Update(c.headerID, block.Op{Kind: opSetNext, Data: []byte(newID)}); err != nil {
			return "", err
		}
	} else {
		if err := c.mutator.Update(prevTail, block.Op{Kind: opSetNext, Data: []byte(newID)}); err != nil {
			return "", err
		}
	}

	entryBytes, err := build(newID)
	if err != nil {
		return "", err
	}
	if err := c.mutator.Update(newID, block.Op{Kind: opSetEntries, Data: entryBytes}); err != nil {
		return "", err
	}
	if err := c.mutator.Update(c.headerID, block.Op{Kind: opSetTail, Data: []byte(newID)}); err != nil {
		return "", err
	}
	c.tailID = newID
	return newID, nil
}

// UpdateAt appends an additional entry to an already-allocated node,
// for callers that need to revise a node after the fact (e.g.
// checkpoint rewrites). Most callers want Add instead.
func (c *Chain) UpdateAt(path block.ID, build func(path block.ID) ([]byte, error)) error {
	entryBytes, err := build(path)
	if err != nil {
		return err
	}
	return c.mutator.Update(path, block.Op{Kind: opSetEntries, Data: entryBytes})
}

// GetTail returns the raw entry byte slices the current tail node
// carries, or nil if the chain has no data nodes yet.
func (c *Chain) GetTail() ([][]byte, error) {
	if c.tailID == c.headerID {
		return nil, nil
	}
	np, _, err := c.node(c.tailID)
	if err != nil {
		return nil, err
	}
	return np.Entries, nil
}

// Select walks the chain from startingPath (or the tail, if nil) and
// yields node ids in either backward (toward the header, forward=false)
// or forward (toward the tail, forward=true) order. The header id
// itself is never yielded.
func (c *Chain) Select(startingPath *block.ID, forward bool) ([]block.ID, error) {
	start := c.tailID
	if startingPath != nil {
		start = *startingPath
	}
	var ids []block.ID
	if !forward {
		cur := start
		for cur != c.headerID && cur != "" {
			ids = append(ids, cur)
			np, _, err := c.node(cur)
			if err != nil {
				return nil, err
			}
			cur = np.PriorID
			if cur == "" {
				break
			}
		}
		return ids, nil
	}

	// Forward: find the node right after the header unless a specific
	// start was given.
	cur := start
	if startingPath == nil {
		hdr, ok := c.mutator.TryGet(c.headerID)
		if !ok {
			return nil, fmt.Errorf("chainlog: select: %w", ErrNotFound)
		}
		var hp headerPayload
		if len(hdr.Payload) > 0 {
			if err := canon.DecodeInto(hdr.Payload, &hp); err != nil {
				return nil, err
			}
		}
		cur = hp.NextID
	}
	for cur != "" {
		ids = append(ids, cur)
		np, _, err := c.node(cur)
		if err != nil {
			return nil, err
		}
		cur = np.NextID
	}
	return ids, nil
}

// EntriesAt returns the raw entry byte slices stored at path.
func (c *Chain) EntriesAt(path block.ID) ([][]byte, error) {
	np, _, err := c.node(path)
	if err != nil {
		return nil, err
	}
	return np.Entries, nil
}

func (c *Chain) node(id block.ID) (nodePayload, *block.Block, error) {
	b, ok := c.mutator.TryGet(id)
	if !ok {
		return nodePayload{}, nil, fmt.Errorf("chainlog: node %s: %w", id, ErrNotFound)
	}
	var np nodePayload
	if len(b.Payload) > 0 {
		if err := canon.DecodeInto(b.Payload, &np); err != nil {
			return nodePayload{}, nil, fmt.Errorf("chainlog: decode node %s: %w", id, err)
		}
	}
	return np, b, nil
}

// tailDigest returns the current tail's id and the canonical-encoding
// digest of its stored content (nil if the tail is still the empty
// header), for the next Add call's PriorID/PriorHash.
func (c *Chain) tailDigest() (block.ID, []byte, error) {
	b, ok := c.mutator.TryGet(c.tailID)
	if !ok {
		return "", nil, fmt.Errorf("chainlog: tail %s: %w", c.tailID, ErrNotFound)
	}
	if c.tailID == c.headerID {
		return c.tailID, nil, nil
	}
	digest, err := canon.HashBytes(b.Payload)
	if err != nil {
		return "", nil, err
	}
	return c.tailID, digest, nil
}
