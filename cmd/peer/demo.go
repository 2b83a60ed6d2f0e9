package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gotchoices/optimystic/internal/block"
	"github.com/gotchoices/optimystic/internal/chainlog"
	"github.com/gotchoices/optimystic/internal/collection"
	"github.com/gotchoices/optimystic/internal/repo"
	"github.com/gotchoices/optimystic/internal/tracker"
	"github.com/gotchoices/optimystic/internal/transactor"
)

// heartbeatApply folds every action's "+N" payload into a running
// counter, standing in for whatever domain state a real
// log-structured collection would maintain (a document revision
// count, a balance, a membership set).
func heartbeatApply(state any, entry chainlog.ActionEntry) (any, error) {
	n := state.(int)
	var delta int
	if _, err := fmt.Sscanf(string(entry.Actions), "+%d", &delta); err != nil {
		return nil, fmt.Errorf("demo: decode heartbeat action: %w", err)
	}
	return n + delta, nil
}

func heartbeat() collection.Propose {
	return func(any) ([]byte, func(block.ID) []block.ID, []block.ID, error) {
		return []byte("+1"), func(path block.ID) []block.ID { return []block.ID{path} }, nil, nil
	}
}

// runLocalCollectionDemo exercises the tracker/chainlog/collection
// stack against a single peer's own Repo: creating a fresh
// log-structured collection, appending a few actions, and logging the
// resulting state and rev; it does not reopen the collection. This is
// the single-replica view
// of the log/collection stack, independent of the cohort-wide commit path
// exercised by runDistributedCommitDemo.
func runLocalCollectionDemo(r *repo.Repo, logger zerolog.Logger) error {
	source := repo.NewCollectionSource(r, "")
	t := tracker.New(source, chainlog.ApplyOp)

	col, err := collection.CreateOrOpen(t, nil, 0, heartbeatApply)
	if err != nil {
		return fmt.Errorf("demo: create collection: %w", err)
	}
	source.SetCollectionID(col.CollectionID())

	for i, actionID := range []block.ActionID{"beat-1", "beat-2", "beat-3"} {
		if err := col.Act(actionID, int64(i), heartbeat()); err != nil {
			return fmt.Errorf("demo: act %s: %w", actionID, err)
		}
	}

	logger.Info().
		Str("collection", string(col.CollectionID())).
		Int("state", col.State().(int)).
		Uint64("rev", uint64(col.Rev())).
		Msg("local collection demo: actions replayed")
	return nil
}

// runReplicatedCollectionDemo bridges the two stacks: one member
// builds a log-structured collection through its Tracker, publishes the
// staged chain mutations across the cohort via a collection.Syncer
// (transactor pend + consensus commit), and a second member then opens
// the same collection through its own transactor and replays it to the
// same state.
func runReplicatedCollectionDemo(ctx context.Context, c *cohort, logger zerolog.Logger) error {
	if len(c.members) < 2 {
		return fmt.Errorf("demo: replicated collection needs at least 2 members, have %d", len(c.members))
	}
	writer, reader := c.members[0], c.members[1]

	source := transactor.NewNetworkSource(writer.transactor, "")
	staging := tracker.New(source, chainlog.ApplyOp)
	col, err := collection.CreateOrOpen(staging, nil, 0, heartbeatApply)
	if err != nil {
		return fmt.Errorf("demo: create replicated collection: %w", err)
	}
	source.SetCollectionID(col.CollectionID())

	for i, actionID := range []block.ActionID{"sync-beat-1", "sync-beat-2"} {
		if err := col.Act(actionID, int64(i), heartbeat()); err != nil {
			return fmt.Errorf("demo: act %s: %w", actionID, err)
		}
	}

	syncer := collection.NewSyncer(col, staging, writer.transactor, 0)
	if err := syncer.Sync(ctx); err != nil {
		return fmt.Errorf("demo: sync: %w", err)
	}

	readerSource := transactor.NewNetworkSource(reader.transactor, col.CollectionID())
	readerStaging := tracker.New(readerSource, chainlog.ApplyOp)
	id := col.CollectionID()
	replica, err := collection.CreateOrOpen(readerStaging, &id, 0, heartbeatApply)
	if err != nil {
		return fmt.Errorf("demo: open replica: %w", err)
	}
	if replica.State().(int) != col.State().(int) {
		return fmt.Errorf("demo: replica state %d != writer state %d", replica.State().(int), col.State().(int))
	}

	logger.Info().
		Str("collection", string(id)).
		Int("state", replica.State().(int)).
		Uint64("published_rev", uint64(syncer.Published())).
		Msg("replicated collection demo: replica replayed to the writer's state")
	return nil
}

// runDistributedCommitDemo drives a single transaction through the
// full batch/consensus/transactor stack across the cohort: staging an
// insert with every touched block's coordinator, then promising and
// committing across the whole cohort before materializing it on every
// member's Repo.
func runDistributedCommitDemo(ctx context.Context, c *cohort, m *metrics, logger zerolog.Logger) error {
	if len(c.members) == 0 {
		return fmt.Errorf("demo: empty cohort")
	}
	client := c.members[0]

	collectionID, err := block.NewID([]byte("optimystic-demo-collection"))
	if err != nil {
		return fmt.Errorf("demo: derive collection id: %w", err)
	}
	payload := []byte("hello, optimystic")
	blockID, err := block.NewID(payload)
	if err != nil {
		return fmt.Errorf("demo: derive block id: %w", err)
	}

	at := block.ActionTransforms{
		ActionID: "demo-commit-1",
		Transforms: block.Transforms{
			Inserts: map[block.ID]*block.Block{
				blockID: {ID: blockID, Type: block.TypeData, CollectionID: collectionID, Payload: payload},
			},
		},
	}

	if err := client.transactor.Pend(ctx, collectionID, at, block.PolicyFail); err != nil {
		m.actionsFailed.Inc()
		return fmt.Errorf("demo: pend: %w", err)
	}
	if err := client.transactor.Commit(ctx, collectionID, at.ActionID, at.Transforms.BlockIDs(), nil, blockID, 1); err != nil {
		m.actionsFailed.Inc()
		return fmt.Errorf("demo: commit: %w", err)
	}
	m.actionsCommitted.Inc()

	logger.Info().
		Str("collection", string(collectionID)).
		Str("action", string(at.ActionID)).
		Int("cohort_size", len(c.members)).
		Msg("distributed commit demo: reached commit majority")
	return nil
}
