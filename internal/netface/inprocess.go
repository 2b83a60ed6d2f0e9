package netface

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/exp/slices"

	"github.com/gotchoices/optimystic/internal/block"
	"github.com/gotchoices/optimystic/internal/consensus"
	"github.com/gotchoices/optimystic/internal/repo"
)

// peerHandle is everything InProcess knows about one registered peer.
type peerHandle struct {
	id     peer.ID
	repo   *repo.Repo
	pub    *btcec.PublicKey
	signer consensus.Signer

	mu            sync.Mutex
	records       map[block.ActionID]*consensus.ClusterRecord
	tracker       *consensus.ExecutionTracker
	lastConnected time.Time
}

// InProcess wires every netface interface together for a single
// process hosting several simulated peers, standing in for the
// out-of-scope libp2p transport. It implements KeyNetwork,
// PeerNetwork, RepoTransport, ConsensusTransport and
// consensus.KeyResolver.
type InProcess struct {
	mu         sync.RWMutex
	peers      map[peer.ID]*peerHandle
	cohortSize int

	verifier consensus.Verifier
}

// NewInProcess returns a network with no peers registered yet.
// cohortSize bounds how many peers FindCluster returns for a key.
func NewInProcess(cohortSize int) *InProcess {
	n := &InProcess{peers: make(map[peer.ID]*peerHandle), cohortSize: cohortSize}
	n.verifier = consensus.NewSecp256k1Verifier(n)
	return n
}

// Register adds a peer with its local Repo, public key and signer.
func (n *InProcess) Register(id peer.ID, r *repo.Repo, pub *btcec.PublicKey, signer consensus.Signer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[id] = &peerHandle{
		id:            id,
		repo:          r,
		pub:           pub,
		signer:        signer,
		records:       make(map[block.ActionID]*consensus.ClusterRecord),
		tracker:       consensus.NewExecutionTracker(),
		lastConnected: time.Now(),
	}
}

func (n *InProcess) sortedPeerIDs() []peer.ID {
	ids := make([]peer.ID, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// PublicKey implements consensus.KeyResolver.
func (n *InProcess) PublicKey(p peer.ID) (*btcec.PublicKey, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.peers[p]
	if !ok {
		return nil, fmt.Errorf("netface: unknown peer %s", p)
	}
	return h.pub, nil
}

// Peers implements PeerNetwork.
func (n *InProcess) Peers(context.Context) ([]peer.ID, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sortedPeerIDs(), nil
}

// Addrs implements PeerNetwork; InProcess has no real addresses.
func (n *InProcess) Addrs(context.Context, peer.ID) ([]multiaddr.Multiaddr, error) {
	return nil, nil
}

// LastConnected implements PeerNetwork; registration counts as the
// peer's first (and, in this simulation, only) contact.
func (n *InProcess) LastConnected(_ context.Context, p peer.ID) (time.Time, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.peers[p]
	if !ok {
		return time.Time{}, fmt.Errorf("netface: unknown peer %s", p)
	}
	return h.lastConnected, nil
}

// FindCoordinator implements KeyNetwork with a deterministic
// rendezvous pick over the sorted peer set: hash(key) mod len(peers),
// walking forward past any peer named in excluded.
func (n *InProcess) FindCoordinator(_ context.Context, key block.ID, excluded []peer.ID) (peer.ID, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := n.sortedPeerIDs()
	if len(ids) == 0 {
		return "", fmt.Errorf("netface: no peers registered")
	}
	start := keyIndex(key, len(ids))
	for i := 0; i < len(ids); i++ {
		candidate := ids[(start+i)%len(ids)]
		if !containsPeer(excluded, candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("netface: no coordinator available for %s excluding %d peer(s)", key, len(excluded))
}

func containsPeer(ids []peer.ID, id peer.ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// FindCluster implements KeyNetwork, returning up to cohortSize peers
// starting at the coordinator and wrapping around the sorted peer
// list, so the cohort for a key is stable as long as membership is.
func (n *InProcess) FindCluster(_ context.Context, key block.ID) ([]peer.ID, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := n.sortedPeerIDs()
	if len(ids) == 0 {
		return nil, fmt.Errorf("netface: no peers registered")
	}
	size := n.cohortSize
	if size <= 0 || size > len(ids) {
		size = len(ids)
	}
	start := keyIndex(key, len(ids))
	cohort := make([]peer.ID, 0, size)
	for i := 0; i < size; i++ {
		cohort = append(cohort, ids[(start+i)%len(ids)])
	}
	return cohort, nil
}

func keyIndex(key block.ID, n int) int {
	h := fnv32a(string(key))
	return int(h % uint32(n))
}

func fnv32a(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

func (n *InProcess) handle(p peer.ID) (*peerHandle, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.peers[p]
	if !ok {
		return nil, fmt.Errorf("netface: unknown peer %s", p)
	}
	return h, nil
}

// Get implements RepoTransport.
func (n *InProcess) Get(ctx context.Context, to peer.ID, collectionID, blockID block.ID, actionCtx *block.ActionContext) (block.GetResult, error) {
	h, err := n.handle(to)
	if err != nil {
		return block.GetResult{}, err
	}
	return h.repo.Get(ctx, collectionID, blockID, actionCtx)
}

// Pend implements RepoTransport. The receiving coordinator stages the
// action locally and then replicates it to the rest of collectionID's
// cohort, since any cohort member may be asked to execute the commit
// that follows (a committed record's operations map straight to repo
// calls on every member). The coordinator's own verdict is
// authoritative; a replica that refuses is left behind on purpose and
// healed by read-time repair if the action commits.
func (n *InProcess) Pend(ctx context.Context, to peer.ID, collectionID block.ID, at block.ActionTransforms, policy block.Policy) error {
	h, err := n.handle(to)
	if err != nil {
		return err
	}
	if err := h.repo.Pend(ctx, collectionID, at, policy); err != nil {
		return err
	}
	cohort, err := n.FindCluster(ctx, collectionID)
	if err != nil {
		return nil
	}
	for _, p := range cohort {
		if p == to {
			continue
		}
		if member, err := n.handle(p); err == nil {
			_ = member.repo.Pend(ctx, collectionID, at, policy)
		}
	}
	return nil
}

// Commit implements RepoTransport: it materializes actionID's already
// pended transforms on peer to directly, independent of the consensus
// round (used by tests and by CommitPhase's own execution step below,
// which call it on the same repo it wraps).
func (n *InProcess) Commit(ctx context.Context, to peer.ID, collectionID block.ID, actionID block.ActionID, rev block.Rev) error {
	h, err := n.handle(to)
	if err != nil {
		return err
	}
	return h.repo.Commit(ctx, collectionID, actionID, rev)
}

// Cancel implements RepoTransport.
func (n *InProcess) Cancel(ctx context.Context, to peer.ID, collectionID block.ID, actionID block.ActionID) error {
	h, err := n.handle(to)
	if err != nil {
		return err
	}
	return h.repo.Cancel(ctx, collectionID, actionID)
}

// Repair implements RepoTransport.
func (n *InProcess) Repair(ctx context.Context, to peer.ID, b *block.Block) error {
	h, err := n.handle(to)
	if err != nil {
		return err
	}
	return h.repo.RestoreBlock(ctx, b)
}

// Propose implements ConsensusTransport: to merges record's promises
// into its own copy, keyed by ActionID, verifying every signature and
// checking for a conflicting in-flight action before adding its own.
func (n *InProcess) Propose(ctx context.Context, to peer.ID, record *consensus.ClusterRecord) (*consensus.ClusterRecord, error) {
	return n.applyAndSign(to, record, stepPromise)
}

// Promise implements ConsensusTransport (alias of Propose's merge step
// for peers that already hold a record and are told about a newer
// promise set).
func (n *InProcess) Promise(ctx context.Context, to peer.ID, record *consensus.ClusterRecord) (*consensus.ClusterRecord, error) {
	return n.applyAndSign(to, record, stepPromise)
}

// CommitPhase implements ConsensusTransport.
func (n *InProcess) CommitPhase(ctx context.Context, to peer.ID, record *consensus.ClusterRecord) (*consensus.ClusterRecord, error) {
	return n.applyAndSign(to, record, stepCommit)
}

type consensusStep int

const (
	stepPromise consensusStep = iota
	stepCommit
)

// applyAndSign is the member-side consensus step: merge
// incoming signatures (after verifying each one), detect a conflict
// against another in-flight action touching an overlapping block,
// countersign the local peer's own promise/commit, and — once the
// record reaches PhaseCommitted for the first time — execute it.
func (n *InProcess) applyAndSign(to peer.ID, incoming *consensus.ClusterRecord, step consensusStep) (*consensus.ClusterRecord, error) {
	h, err := n.handle(to)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	local, ok := h.records[incoming.ActionID]
	if !ok {
		if other := conflictingRecord(h, incoming); other != nil && consensus.Resolve(incoming, other) != incoming {
			return nil, fmt.Errorf("netface: action %s at %s lost a block-ownership race to %s", incoming.ActionID, to, other.ActionID)
		} else if other != nil {
			delete(h.records, other.ActionID)
		}
		local = consensus.NewClusterRecord(incoming.MessageHash, incoming.ActionID, incoming.Peers)
		local.CollectionID = incoming.CollectionID
		local.Op = incoming.Op
		local.BlockIDs = append([]block.ID(nil), incoming.BlockIDs...)
		local.Rev = incoming.Rev
		h.records[incoming.ActionID] = local
	}

	for _, s := range incoming.Promises {
		if n.verifySignature(s, consensus.PromiseSigningPayload(local)) {
			mergeSignature(local, s, true)
		}
	}
	for _, s := range incoming.Commits {
		if n.verifySignature(s, consensus.CommitSigningPayload(local)) {
			mergeSignature(local, s, false)
		}
	}

	if err := n.signStep(h, local, step); err != nil {
		return nil, err
	}

	switch local.Phase() {
	case consensus.PhaseCommitted:
		if h.tracker.MarkIfNew(local.ActionID) {
			n.execute(h, local)
		}
	case consensus.PhaseRejected:
		delete(h.records, local.ActionID)
	}

	return local, nil
}

// conflictingRecord returns an in-flight record for a different action
// that touches one of incoming's blocks, if any. Caller holds h.mu.
func conflictingRecord(h *peerHandle, incoming *consensus.ClusterRecord) *consensus.ClusterRecord {
	for actionID, other := range h.records {
		if actionID == incoming.ActionID || other.Phase() == consensus.PhaseCommitted {
			continue
		}
		if blockIDsOverlap(other.BlockIDs, incoming.BlockIDs) {
			return other
		}
	}
	return nil
}

func blockIDsOverlap(a, b []block.ID) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[block.ID]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// verifySignature checks s against payload, resolving s.Peer's public
// key through n. A signature that fails to verify is dropped by the
// caller rather than propagated: one forged or corrupted signature in
// a merged batch must not poison the signatures that did verify.
func (n *InProcess) verifySignature(s consensus.Signature, payload []byte) bool {
	ok, err := n.verifier.Verify(s.Peer, payload, s.Sig)
	return err == nil && ok
}

func mergeSignature(local *consensus.ClusterRecord, s consensus.Signature, isPromise bool) {
	if isPromise {
		if s.Type == consensus.Reject {
			local.RejectPromise(s.Peer, s.Sig, s.RejectReason)
		} else {
			local.AddPromise(s.Peer, s.Sig)
		}
		return
	}
	if s.Type == consensus.Reject {
		_ = local.RejectCommit(s.Peer, s.Sig, s.RejectReason)
	} else {
		_ = local.AddCommit(s.Peer, s.Sig)
	}
}

func hasOwnSignature(sigs []consensus.Signature, id peer.ID) bool {
	for _, s := range sigs {
		if s.Peer == id {
			return true
		}
	}
	return false
}

// signStep adds the local peer's own signature for step, unless it
// has already signed or the record is already rejected.
func (n *InProcess) signStep(h *peerHandle, local *consensus.ClusterRecord, step consensusStep) error {
	switch step {
	case stepPromise:
		if hasOwnSignature(local.Promises, h.id) {
			return nil
		}
		sig, err := h.signer.Sign(consensus.PromiseSigningPayload(local))
		if err != nil {
			return err
		}
		local.AddPromise(h.id, sig)
	case stepCommit:
		if local.Phase() == consensus.PhaseRejected || hasOwnSignature(local.Commits, h.id) {
			return nil
		}
		sig, err := h.signer.Sign(consensus.CommitSigningPayload(local))
		if err != nil {
			return err
		}
		return local.AddCommit(h.id, sig)
	}
	return nil
}

// execute applies local's effect to h's repo exactly once, gated by
// the caller's ExecutionTracker.MarkIfNew check. A failure here is
// not surfaced to the
// consensus round's caller, which has already received its
// ClusterRecord: the next read that touches these blocks finds this
// peer behind and repairs it via Transactor.Get's restoration path.
func (n *InProcess) execute(h *peerHandle, local *consensus.ClusterRecord) {
	ctx := context.Background()
	switch local.Op {
	case consensus.OpCommit:
		_ = h.repo.Commit(ctx, local.CollectionID, local.ActionID, local.Rev)
	case consensus.OpCancel:
		_ = h.repo.Cancel(ctx, local.CollectionID, local.ActionID)
	}
}
