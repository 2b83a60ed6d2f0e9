package consensus

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/gotchoices/optimystic/internal/block"
)

// Phase is derived purely from a ClusterRecord's contents: never stored
// as a separate field, so any two peers holding the same record bytes
// agree on its phase without a round trip.
type Phase int

const (
	PhasePending Phase = iota
	PhasePromised
	PhaseCommitted
	// PhaseRejected is terminal: either a cohort member refused to
	// promise (typically because the action lost a block-ownership race
	// to another in-flight action), or a majority of commit signatures
	// came back as rejections.
	PhaseRejected
)

func (p Phase) String() string {
	switch p {
	case PhasePromised:
		return "promised"
	case PhaseCommitted:
		return "committed"
	case PhaseRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// SignatureType distinguishes an approving signature from a refusal.
// A reject still carries the peer's signature (over the same payload
// an approval would cover) so the refusal itself is attributable and
// can't be forged by a third party.
type SignatureType int

const (
	Approve SignatureType = iota
	Reject
)

func (t SignatureType) String() string {
	if t == Reject {
		return "reject"
	}
	return "approve"
}

// Signature pairs a cohort member with its signature over a
// ClusterRecord's signing payload at a given phase transition, and
// whether that member approved or rejected.
type Signature struct {
	Peer         peer.ID
	Type         SignatureType
	Sig          []byte
	RejectReason string
}

// Op names the repo-level operation a ClusterRecord drives to
// execution once it reaches consensus. The transactor builds only
// OpCommit records; a member executes OpCommit and OpCancel records on
// consensus. Cancels issued by the transactor, OpPend and OpGet travel
// as direct, non-consensus RPCs; OpPend and OpGet are listed here for
// completeness of the tagged operation set.
type Op int

const (
	OpPend Op = iota
	OpCommit
	OpCancel
	OpGet
)

func (o Op) String() string {
	switch o {
	case OpPend:
		return "pend"
	case OpCommit:
		return "commit"
	case OpCancel:
		return "cancel"
	default:
		return "get"
	}
}

// ClusterRecord is the consensus object a coordinator accumulates
// promises and commits onto. Peers is frozen at construction (cohort
// membership does not change for the life of a messageHash); Promises
// and Commits grow as signatures arrive.
//
// CollectionID, Op, BlockIDs and Rev carry just enough of the pended
// action for a cohort member to execute it, unaided, the moment its
// own copy of the record reaches PhaseCommitted.
//
// Promises/Commits are ordered slices rather than maps: canon.Encode
// uses RLP, which cannot encode a Go map, so the wire/hash form of a
// ClusterRecord must already be map-free.
type ClusterRecord struct {
	MessageHash  []byte
	CollectionID block.ID
	ActionID     block.ActionID
	Op           Op
	BlockIDs     []block.ID
	Rev          block.Rev

	Peers    []peer.ID
	Promises []Signature
	Commits  []Signature
}

// NewClusterRecord freezes peers as the cohort for messageHash/actionID.
func NewClusterRecord(messageHash []byte, actionID block.ActionID, peers []peer.ID) *ClusterRecord {
	frozen := make([]peer.ID, len(peers))
	copy(frozen, peers)
	return &ClusterRecord{MessageHash: messageHash, ActionID: actionID, Peers: frozen}
}

// PromiseSuperMajority is the default promise quorum fraction:
// reaching promise consensus takes broader agreement than
// committing it, since promising is the point past which a
// conflicting transaction is refused.
const PromiseSuperMajority = 0.75

func (r *ClusterRecord) commitThreshold() int { return len(r.Peers)/2 + 1 }

func (r *ClusterRecord) promiseThreshold() int {
	super := ceilFraction(len(r.Peers), PromiseSuperMajority)
	if simple := r.commitThreshold(); super < simple {
		return simple
	}
	return super
}

func ceilFraction(total int, fraction float64) int {
	n := float64(total) * fraction
	i := int(n)
	if float64(i) < n {
		i++
	}
	return i
}

func countApprovals(sigs []Signature) int {
	n := 0
	for _, s := range sigs {
		if s.Type == Approve {
			n++
		}
	}
	return n
}

func countRejections(sigs []Signature) int { return len(sigs) - countApprovals(sigs) }

func hasRejection(sigs []Signature) bool {
	for _, s := range sigs {
		if s.Type == Reject {
			return true
		}
	}
	return false
}

// Phase reports the record's current phase. A rejection is terminal
// and takes priority over any approval count: once any cohort member
// refuses to promise, or a majority of commit signatures are
// rejections, the action cannot reach consensus regardless of how
// many approvals arrive afterward.
func (r *ClusterRecord) Phase() Phase {
	if hasRejection(r.Promises) {
		return PhaseRejected
	}
	if len(r.Commits) > 0 && countRejections(r.Commits) > len(r.Commits)/2 {
		return PhaseRejected
	}
	if countApprovals(r.Commits) >= r.commitThreshold() {
		return PhaseCommitted
	}
	if countApprovals(r.Promises) >= r.promiseThreshold() {
		return PhasePromised
	}
	return PhasePending
}

// WasExecuted reports whether r has reached consensus to commit.
// Execution (applying the transaction's effects) is idempotent by
// construction: a peer that already executed actionID can always
// re-derive WasExecuted(r) == true from the record alone and skip
// re-applying it.
func (r *ClusterRecord) WasExecuted() bool { return r.Phase() == PhaseCommitted }

func hasSignature(sigs []Signature, p peer.ID) bool {
	for _, s := range sigs {
		if s.Peer == p {
			return true
		}
	}
	return false
}

// AddPromise records p's approving promise signature, ignoring a
// duplicate from the same peer.
func (r *ClusterRecord) AddPromise(p peer.ID, sig []byte) {
	r.addPromise(Signature{Peer: p, Type: Approve, Sig: sig})
}

// RejectPromise records p's refusal to promise, with reason explaining
// why (typically a lost block-ownership race against another action).
func (r *ClusterRecord) RejectPromise(p peer.ID, sig []byte, reason string) {
	r.addPromise(Signature{Peer: p, Type: Reject, Sig: sig, RejectReason: reason})
}

func (r *ClusterRecord) addPromise(s Signature) {
	if hasSignature(r.Promises, s.Peer) {
		return
	}
	r.Promises = append(r.Promises, s)
}

// AddCommit records p's approving commit signature, ignoring a
// duplicate from the same peer. Returns an error if p never promised
// (commits must follow a promise).
func (r *ClusterRecord) AddCommit(p peer.ID, sig []byte) error {
	return r.addCommit(Signature{Peer: p, Type: Approve, Sig: sig})
}

// RejectCommit records p's refusal to commit (e.g. its promise expired
// before the commit round reached it).
func (r *ClusterRecord) RejectCommit(p peer.ID, sig []byte, reason string) error {
	return r.addCommit(Signature{Peer: p, Type: Reject, Sig: sig, RejectReason: reason})
}

func (r *ClusterRecord) addCommit(s Signature) error {
	if !hasSignature(r.Promises, s.Peer) {
		return fmt.Errorf("consensus: peer %s committed without a prior promise", s.Peer)
	}
	if hasSignature(r.Commits, s.Peer) {
		return nil
	}
	r.Commits = append(r.Commits, s)
	return nil
}

// PromiseSigningPayload is what a peer's promise signature covers.
func PromiseSigningPayload(r *ClusterRecord) []byte {
	return r.MessageHash
}

// CommitSigningPayload is what a peer's commit signature covers: the
// message hash plus a peer-sorted restatement of the promise
// signatures gathered so far, so a commit signature also attests to
// the promise set it was issued against.
func CommitSigningPayload(r *ClusterRecord) []byte {
	sorted := append([]Signature(nil), r.Promises...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Peer < sorted[j].Peer })
	h := sha256.New()
	h.Write(r.MessageHash)
	for _, s := range sorted {
		h.Write([]byte(s.Peer))
		h.Write(s.Sig)
	}
	return h.Sum(nil)
}

// Resolve picks the winner between two competing ClusterRecords for
// the same slot: more approving promises wins; a tie is broken by the
// larger MessageHash, so every member picks the same winner.
func Resolve(a, b *ClusterRecord) *ClusterRecord {
	ap, bp := countApprovals(a.Promises), countApprovals(b.Promises)
	if ap != bp {
		if ap > bp {
			return a
		}
		return b
	}
	if bytes.Compare(a.MessageHash, b.MessageHash) >= 0 {
		return a
	}
	return b
}

// ExecutionTracker records which actions a peer has already applied,
// so a peer that observes the same committed ClusterRecord more than
// once (e.g. via a retried batch, or redundant commit-phase RPCs from
// other cohort members) never double-executes it.
type ExecutionTracker struct {
	mu       sync.Mutex
	executed map[block.ActionID]struct{}
}

// NewExecutionTracker returns an empty tracker.
func NewExecutionTracker() *ExecutionTracker {
	return &ExecutionTracker{executed: make(map[block.ActionID]struct{})}
}

// MarkIfNew records actionID as executed and reports true if it was
// not already marked (i.e. the caller should actually execute it).
func (t *ExecutionTracker) MarkIfNew(actionID block.ActionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.executed[actionID]; ok {
		return false
	}
	t.executed[actionID] = struct{}{}
	return true
}
