package repo

import (
	"context"
	"sync"

	"github.com/gotchoices/optimystic/internal/block"
)

// MemoryStorage implements RawStorage with an in-process map: no
// persistence across restarts, a copy returned on every Get so callers
// can't mutate shared state, a single RWMutex guarding the whole map.
//
// Suitable for tests and the single-process demo peer. Not suitable
// for anything that needs to survive a restart or scale past one
// process's memory.
type MemoryStorage struct {
	mu     sync.RWMutex
	blocks map[block.ID]map[block.ID]*block.Block // collectionID -> blockID -> block
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{blocks: make(map[block.ID]map[block.ID]*block.Block)}
}

func (m *MemoryStorage) Get(_ context.Context, collectionID, blockID block.ID) (*block.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col, ok := m.blocks[collectionID]
	if !ok {
		return nil, ErrBlockNotFound
	}
	b, ok := col[blockID]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryStorage) Put(_ context.Context, b *block.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.blocks[b.CollectionID]
	if !ok {
		col = make(map[block.ID]*block.Block)
		m.blocks[b.CollectionID] = col
	}
	col[b.ID] = b.Clone()
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, collectionID, blockID block.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if col, ok := m.blocks[collectionID]; ok {
		delete(col, blockID)
	}
	return nil
}
