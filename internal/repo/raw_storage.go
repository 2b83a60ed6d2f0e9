package repo

import (
	"context"
	"errors"

	"github.com/gotchoices/optimystic/internal/block"
)

// ErrBlockNotFound is returned by RawStorage implementations (and
// surfaced by Repo) when a block id has no stored content.
var ErrBlockNotFound = errors.New("repo: block not found")

// RawStorage is the external contract left to the deployment:
// durable storage of materialized blocks, keyed by collection and
// block id. Implementations must be safe for concurrent use: Repo has
// one repo-wide lock, held only around Pend's block-existence check;
// Get, Commit's writes and RestoreBlock call into RawStorage without it.
type RawStorage interface {
	// Get returns the stored block, or ErrBlockNotFound if none exists
	// for collectionID/blockID.
	Get(ctx context.Context, collectionID, blockID block.ID) (*block.Block, error)

	// Put durably stores b, keyed by b.CollectionID and b.ID.
	Put(ctx context.Context, b *block.Block) error

	// Delete removes a stored block. Idempotent: no error if absent.
	Delete(ctx context.Context, collectionID, blockID block.ID) error
}
