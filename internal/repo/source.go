package repo

import (
	"context"

	"github.com/gotchoices/optimystic/internal/block"
)

// CollectionSource adapts a Repo's materialized view of a single
// collection into tracker.Source, so a *tracker.Tracker can stage
// writes on top of a peer's local Repo without tracker importing repo
// (or vice versa). Background context is used for the read; Repo's
// in-memory MemoryStorage never blocks on it, and RawStorage
// implementations that do should treat a long-blocked TryGet as their
// own bug per tracker.Source's contract.
type CollectionSource struct {
	repo         *Repo
	collectionID block.ID
}

// NewCollectionSource returns a tracker.Source reading collectionID
// out of repo's committed state. collectionID may be left empty when
// the collection doesn't exist yet (a fresh chainlog.Create never
// consults the source before SetCollectionID is called, since every
// read up to that point is satisfied out of the tracker's own staged
// inserts); call SetCollectionID once the real id is known.
func NewCollectionSource(repo *Repo, collectionID block.ID) *CollectionSource {
	return &CollectionSource{repo: repo, collectionID: collectionID}
}

// SetCollectionID retargets s at collectionID, for the
// create-then-learn-the-id sequence CreateOrOpen produces.
func (s *CollectionSource) SetCollectionID(collectionID block.ID) {
	s.collectionID = collectionID
}

// TryGet implements tracker.Source.
func (s *CollectionSource) TryGet(id block.ID) (*block.Block, bool) {
	res, err := s.repo.Get(context.Background(), s.collectionID, id, nil)
	if err != nil || res.Block == nil {
		return nil, false
	}
	return res.Block, true
}
