package routing

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/gotchoices/optimystic/internal/block"
	"github.com/gotchoices/optimystic/internal/netface"
)

// cacheTTL is how long a cached coordinator/cluster resolution is
// trusted before Router asks the underlying KeyNetwork again.
const cacheTTL = 30 * time.Minute

// cacheEntry is what Router's LRU holds per key.
type cacheEntry struct {
	coordinator peer.ID
	cluster     []peer.ID
	at          time.Time
}

// blacklistEntry tracks a peer's accumulated penalty and when it was
// last incurred, for the additive-penalty/exponential-forgiveness
// scheme below.
type blacklistEntry struct {
	penalty float64
	lastHit time.Time
}

// Router layers caching, a misbehaving-peer blacklist and a
// self-coordination guard over a raw netface.KeyNetwork.
type Router struct {
	underlying netface.KeyNetwork
	peers      netface.PeerNetwork
	logger     zerolog.Logger

	cache        *lru.Cache[block.ID, cacheEntry]
	resolveGroup singleflight.Group

	mu        sync.Mutex
	blacklist map[peer.ID]*blacklistEntry

	selfID               peer.ID
	networkHighWaterMark int
	shrinkageThreshold   float64
	gracePeriod          time.Duration
	selfCoordDisabled    bool
	partitioned          bool

	onGuardTrip func()
}

// Guard refusal and allowance reason codes. A refusal's code travels
// in the RoutingError it produces; an allowance's code is logged when
// it is anything other than the ordinary healthy-network case.
const (
	GuardReasonDisabled          = "guard-disabled"
	GuardReasonPartitionDetected = "partition-detected"
	GuardReasonNetworkShrunk     = "network-shrunk"
	GuardReasonIsolatedInGrace   = "isolated-within-grace"
	GuardReasonBootstrapNode     = "bootstrap-node"
	GuardReasonExtendedIsolation = "extended-isolation"
)

// RoutingError reports that no coordinator could be accepted for a
// key. Reason carries the self-coordination guard's refusal code when
// the refused candidate was the local peer.
type RoutingError struct {
	Key    block.ID
	Peer   peer.ID
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing: refusing coordinator %s for %s: %s", e.Peer, e.Key, e.Reason)
}

// SetSelfCoordinationDisabled forbids (true) or re-permits (false) the
// local peer taking the coordinator role at all, the deployment-level
// switch for peers that should only ever follow.
func (r *Router) SetSelfCoordinationDisabled(disabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfCoordDisabled = disabled
}

// SetPartitionIndicator is flipped by the routing layer when it
// believes the local peer is on the wrong side of a network partition;
// while set, the guard refuses the coordinator role.
func (r *Router) SetPartitionIndicator(partitioned bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partitioned = partitioned
}

// OnGuardTrip registers fn to be called every time the self-coordination
// guard refuses the coordinator role, so a caller can expose it as a
// metric without Router taking a dependency on any particular metrics
// library.
func (r *Router) OnGuardTrip(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onGuardTrip = fn
}

// blacklistThreshold is the accumulated penalty at or above which a
// peer is excluded from cohort selection.
const blacklistThreshold = 3.0

// blacklistHalfLife is how long it takes an unpenalized peer's
// blacklist penalty to decay by half (exponential forgiveness).
const blacklistHalfLife = 10 * time.Minute

// New constructs a Router. selfID is the local peer's own id, used by
// the self-coordination guard to recognize when the local peer would
// be asked to coordinate for itself.
func New(underlying netface.KeyNetwork, peers netface.PeerNetwork, selfID peer.ID, logger zerolog.Logger) (*Router, error) {
	cache, err := lru.New[block.ID, cacheEntry](4096)
	if err != nil {
		return nil, fmt.Errorf("routing: new cache: %w", err)
	}
	return &Router{
		underlying:         underlying,
		peers:              peers,
		logger:             logger,
		cache:              cache,
		blacklist:          make(map[peer.ID]*blacklistEntry),
		selfID:             selfID,
		shrinkageThreshold: 0.5,
		gracePeriod:        time.Minute,
	}, nil
}

// FindCoordinator resolves key's coordinator, preferring a fresh cache
// hit, falling back to the underlying KeyNetwork and applying the
// self-coordination guard to the result. A non-empty excluded set (a
// retry routing around peers already tried) always bypasses the cache: a
// cached coordinator is, by definition, one of the peers the caller
// is now trying to route around.
func (r *Router) FindCoordinator(ctx context.Context, key block.ID, excluded []peer.ID) (peer.ID, error) {
	if len(excluded) > 0 {
		coordinator, err := r.underlying.FindCoordinator(ctx, key, excluded)
		if err != nil {
			return "", fmt.Errorf("routing: find coordinator for %s excluding %d peer(s): %w", key, len(excluded), err)
		}
		return r.guard(ctx, key, coordinator)
	}
	if entry, ok := r.cache.Get(key); ok && time.Since(entry.at) < cacheTTL {
		return r.guard(ctx, key, entry.coordinator)
	}
	coordinator, cluster, err := r.resolve(ctx, key)
	if err != nil {
		return "", err
	}
	r.cache.Add(key, cacheEntry{coordinator: coordinator, cluster: cluster, at: time.Now()})
	return r.guard(ctx, key, coordinator)
}

// RecordCoordinator write-through-caches p as key's coordinator: the
// transactor calls this after a successful pend so the peer that just
// accepted an action's transforms also coordinates the commit that
// follows. The cached cluster, if any, is left alone.
func (r *Router) RecordCoordinator(key block.ID, p peer.ID) {
	entry, ok := r.cache.Get(key)
	if !ok || time.Since(entry.at) >= cacheTTL {
		entry = cacheEntry{}
	}
	entry.coordinator = p
	entry.at = time.Now()
	r.cache.Add(key, entry)
}

// FindCluster resolves key's full cohort, filtering out blacklisted
// peers. A cache entry written by RecordCoordinator alone (no cluster)
// does not satisfy a cluster lookup.
func (r *Router) FindCluster(ctx context.Context, key block.ID) ([]peer.ID, error) {
	var cluster []peer.ID
	if entry, ok := r.cache.Get(key); ok && time.Since(entry.at) < cacheTTL && len(entry.cluster) > 0 {
		cluster = entry.cluster
	} else {
		var coordinator peer.ID
		var err error
		coordinator, cluster, err = r.resolve(ctx, key)
		if err != nil {
			return nil, err
		}
		r.cache.Add(key, cacheEntry{coordinator: coordinator, cluster: cluster, at: time.Now()})
	}
	return r.filterBlacklisted(cluster), nil
}

// resolve looks up both the coordinator and cohort for key from the
// underlying KeyNetwork. Concurrent cache misses for the same key (the
// common case when a batch of blocks routed to the same key arrive
// together) collapse into a single underlying round-trip via
// resolveGroup; every waiter gets the same result.
func (r *Router) resolve(ctx context.Context, key block.ID) (peer.ID, []peer.ID, error) {
	type resolved struct {
		coordinator peer.ID
		cluster     []peer.ID
	}
	v, err, _ := r.resolveGroup.Do(string(key), func() (any, error) {
		coordinator, err := r.underlying.FindCoordinator(ctx, key, nil)
		if err != nil {
			return nil, fmt.Errorf("routing: find coordinator for %s: %w", key, err)
		}
		cluster, err := r.underlying.FindCluster(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("routing: find cluster for %s: %w", key, err)
		}
		return resolved{coordinator: coordinator, cluster: cluster}, nil
	})
	if err != nil {
		return "", nil, err
	}
	res := v.(resolved)
	return res.coordinator, res.cluster, nil
}

func (r *Router) filterBlacklisted(cluster []peer.ID) []peer.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]peer.ID, 0, len(cluster))
	for _, p := range cluster {
		if r.penaltyLocked(p) < blacklistThreshold {
			out = append(out, p)
		}
	}
	return out
}

// Penalize adds to p's blacklist penalty, e.g. after observing a
// protocol violation or a failed batch against it.
func (r *Router) Penalize(p peer.ID, amount float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.blacklist[p]
	if !ok {
		e = &blacklistEntry{}
		r.blacklist[p] = e
	}
	e.penalty = r.decayedPenalty(e) + amount
	e.lastHit = time.Now()
}

// IsBlacklisted reports whether p's current (decayed) penalty has
// reached the blacklist threshold.
func (r *Router) IsBlacklisted(p peer.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.penaltyLocked(p) >= blacklistThreshold
}

func (r *Router) penaltyLocked(p peer.ID) float64 {
	e, ok := r.blacklist[p]
	if !ok {
		return 0
	}
	return r.decayedPenalty(e)
}

// decayedPenalty applies exponential forgiveness since e.lastHit.
func (r *Router) decayedPenalty(e *blacklistEntry) float64 {
	if e.penalty == 0 {
		return 0
	}
	elapsed := time.Since(e.lastHit)
	halfLives := float64(elapsed) / float64(blacklistHalfLife)
	return e.penalty * math.Pow(0.5, halfLives)
}

// guard applies the self-coordination guard to a resolved coordinator:
// any other peer passes through untouched (while still feeding the
// network-size high-water mark), but the local peer only gets the role
// when decideSelfCoordination allows it. A refusal fires the
// OnGuardTrip hook and comes back as a *RoutingError carrying the
// refusal reason.
func (r *Router) guard(ctx context.Context, key block.ID, coordinator peer.ID) (peer.ID, error) {
	peers, err := r.peers.Peers(ctx)
	if err != nil {
		return "", fmt.Errorf("routing: guard: list peers: %w", err)
	}
	seen := len(peers)
	r.mu.Lock()
	if seen > r.networkHighWaterMark {
		r.networkHighWaterMark = seen
	}
	r.mu.Unlock()

	if coordinator != r.selfID {
		return coordinator, nil
	}

	allow, reason := r.decideSelfCoordination(ctx, seen)
	if allow {
		if reason == GuardReasonExtendedIsolation {
			r.logger.Warn().Str("reason", reason).
				Msg("self-coordinating despite isolation: no connections since before the grace period")
		}
		return coordinator, nil
	}

	r.mu.Lock()
	hook := r.onGuardTrip
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	r.logger.Warn().Str("reason", reason).Int("seen", seen).
		Int("high_water_mark", r.highWaterMark()).
		Msg("self-coordination guard tripped")
	return "", &RoutingError{Key: key, Peer: r.selfID, Reason: reason}
}

func (r *Router) highWaterMark() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.networkHighWaterMark
}

// decideSelfCoordination is the guard's allow/refuse policy, in order:
// the config switch and the partition indicator refuse outright; a
// bootstrap node (high-water mark of at most one peer, i.e. nobody
// else was ever seen) is always allowed; a peer with zero current
// connections is refused until its last successful connection (per
// PeerNetwork.LastConnected) is older than the grace period, after
// which extended isolation is allowed with a warning; and a network
// view that shrank past shrinkageThreshold relative to the high-water
// mark is refused.
func (r *Router) decideSelfCoordination(ctx context.Context, seen int) (bool, string) {
	r.mu.Lock()
	disabled, partitioned, hwm := r.selfCoordDisabled, r.partitioned, r.networkHighWaterMark
	r.mu.Unlock()

	if disabled {
		return false, GuardReasonDisabled
	}
	if partitioned {
		return false, GuardReasonPartitionDetected
	}
	if hwm <= 1 {
		return true, GuardReasonBootstrapNode
	}
	if seen == 0 {
		last, err := r.peers.LastConnected(ctx, r.selfID)
		if err != nil || time.Since(last) < r.gracePeriod {
			return false, GuardReasonIsolatedInGrace
		}
		return true, GuardReasonExtendedIsolation
	}
	if float64(seen)/float64(hwm) < 1-r.shrinkageThreshold {
		return false, GuardReasonNetworkShrunk
	}
	return true, ""
}
