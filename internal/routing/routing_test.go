package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gotchoices/optimystic/internal/block"
)

type fakeKeyNetwork struct {
	coordinator peer.ID
	cluster     []peer.ID
	calls       int
}

func (f *fakeKeyNetwork) FindCoordinator(_ context.Context, _ block.ID, _ []peer.ID) (peer.ID, error) {
	f.calls++
	return f.coordinator, nil
}

func (f *fakeKeyNetwork) FindCluster(context.Context, block.ID) ([]peer.ID, error) {
	return f.cluster, nil
}

type fakePeerNetwork struct {
	peers         []peer.ID
	lastConnected time.Time
}

func (f *fakePeerNetwork) Peers(context.Context) ([]peer.ID, error) { return f.peers, nil }
func (f *fakePeerNetwork) Addrs(context.Context, peer.ID) ([]multiaddr.Multiaddr, error) {
	return nil, nil
}
func (f *fakePeerNetwork) LastConnected(context.Context, peer.ID) (time.Time, error) {
	return f.lastConnected, nil
}

func TestFindCoordinatorCachesResolution(t *testing.T) {
	kn := &fakeKeyNetwork{coordinator: "p2", cluster: []peer.ID{"p1", "p2", "p3"}}
	pn := &fakePeerNetwork{peers: []peer.ID{"p1", "p2", "p3"}}
	r, err := New(kn, pn, "p1", zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := r.FindCoordinator(context.Background(), "key-a", nil)
		require.NoError(t, err)
		require.Equal(t, peer.ID("p2"), got)
	}
	require.Equal(t, 1, kn.calls, "expected underlying resolution to be cached after first call")
}

func TestBlacklistFiltersClusterMembers(t *testing.T) {
	kn := &fakeKeyNetwork{coordinator: "p1", cluster: []peer.ID{"p1", "p2", "p3"}}
	pn := &fakePeerNetwork{peers: []peer.ID{"p1", "p2", "p3"}}
	r, err := New(kn, pn, "p1", zerolog.Nop())
	require.NoError(t, err)

	r.Penalize("p2", blacklistThreshold+1)
	cluster, err := r.FindCluster(context.Background(), "key-a")
	require.NoError(t, err)
	require.NotContains(t, cluster, peer.ID("p2"), "expected p2 to be filtered out as blacklisted")
}

func TestRecordCoordinatorOverridesCachedResolution(t *testing.T) {
	kn := &fakeKeyNetwork{coordinator: "p2", cluster: []peer.ID{"p1", "p2", "p3"}}
	pn := &fakePeerNetwork{peers: []peer.ID{"p1", "p2", "p3"}}
	r, err := New(kn, pn, "p1", zerolog.Nop())
	require.NoError(t, err)

	r.RecordCoordinator("key-a", "p3")
	got, err := r.FindCoordinator(context.Background(), "key-a", nil)
	require.NoError(t, err)
	require.Equal(t, peer.ID("p3"), got, "expected the recorded hint to win")
	require.Equal(t, 0, kn.calls, "expected no underlying resolution for a hinted key")

	// A hint alone must not satisfy a cluster lookup.
	cluster, err := r.FindCluster(context.Background(), "key-a")
	require.NoError(t, err)
	require.Len(t, cluster, 3, "expected the cluster to come from the underlying network")
}

func TestSelfCoordinationGuardTripsOnNetworkShrinkage(t *testing.T) {
	kn := &fakeKeyNetwork{coordinator: "self", cluster: []peer.ID{"self", "p2", "p3", "p4"}}
	pn := &fakePeerNetwork{peers: []peer.ID{"self", "p2", "p3", "p4"}, lastConnected: time.Now()}
	r, err := New(kn, pn, "self", zerolog.Nop())
	require.NoError(t, err)

	_, err = r.FindCoordinator(context.Background(), "key-a", nil)
	require.NoError(t, err, "expected no error while network is full size")

	pn.peers = []peer.ID{"self"}
	r.cache.Purge()
	_, err = r.FindCoordinator(context.Background(), "key-a", nil)
	require.Error(t, err, "expected self-coordination guard to trip after network shrank")
	var re *RoutingError
	require.True(t, errors.As(err, &re))
	require.Equal(t, GuardReasonNetworkShrunk, re.Reason)
}

func TestSelfCoordinationDisabledByConfigRefuses(t *testing.T) {
	kn := &fakeKeyNetwork{coordinator: "self", cluster: []peer.ID{"self", "p2"}}
	pn := &fakePeerNetwork{peers: []peer.ID{"self", "p2"}, lastConnected: time.Now()}
	r, err := New(kn, pn, "self", zerolog.Nop())
	require.NoError(t, err)

	r.SetSelfCoordinationDisabled(true)
	_, err = r.FindCoordinator(context.Background(), "key-a", nil)
	var re *RoutingError
	require.True(t, errors.As(err, &re), "expected the config switch to refuse self-coordination")
	require.Equal(t, GuardReasonDisabled, re.Reason)

	r.SetSelfCoordinationDisabled(false)
	_, err = r.FindCoordinator(context.Background(), "key-a", nil)
	require.NoError(t, err, "expected re-enabling to restore the role")
}

func TestPartitionIndicatorRefusesSelfCoordination(t *testing.T) {
	kn := &fakeKeyNetwork{coordinator: "self", cluster: []peer.ID{"self", "p2"}}
	pn := &fakePeerNetwork{peers: []peer.ID{"self", "p2"}, lastConnected: time.Now()}
	r, err := New(kn, pn, "self", zerolog.Nop())
	require.NoError(t, err)

	r.SetPartitionIndicator(true)
	_, err = r.FindCoordinator(context.Background(), "key-a", nil)
	var re *RoutingError
	require.True(t, errors.As(err, &re))
	require.Equal(t, GuardReasonPartitionDetected, re.Reason)
}

func TestBootstrapNodeMayAlwaysSelfCoordinate(t *testing.T) {
	// A peer that has only ever seen itself (high-water mark 1) is the
	// bootstrap node and keeps the coordinator role unconditionally.
	kn := &fakeKeyNetwork{coordinator: "self", cluster: []peer.ID{"self"}}
	pn := &fakePeerNetwork{peers: []peer.ID{"self"}}
	r, err := New(kn, pn, "self", zerolog.Nop())
	require.NoError(t, err)

	got, err := r.FindCoordinator(context.Background(), "key-a", nil)
	require.NoError(t, err)
	require.Equal(t, peer.ID("self"), got)
}

func TestIsolatedPeerRefusedWithinGraceThenAllowed(t *testing.T) {
	kn := &fakeKeyNetwork{coordinator: "self", cluster: []peer.ID{"self", "p2", "p3"}}
	pn := &fakePeerNetwork{peers: []peer.ID{"self", "p2", "p3"}, lastConnected: time.Now()}
	r, err := New(kn, pn, "self", zerolog.Nop())
	require.NoError(t, err)

	// Establish a high-water mark above 1, then drop every connection.
	_, err = r.FindCoordinator(context.Background(), "key-a", nil)
	require.NoError(t, err)
	pn.peers = nil
	r.cache.Purge()

	_, err = r.FindCoordinator(context.Background(), "key-a", nil)
	var re *RoutingError
	require.True(t, errors.As(err, &re), "expected refusal while the grace period has not elapsed")
	require.Equal(t, GuardReasonIsolatedInGrace, re.Reason)

	// Once the last successful connection is older than the grace
	// period, extended isolation is allowed.
	pn.lastConnected = time.Now().Add(-2 * time.Minute)
	got, err := r.FindCoordinator(context.Background(), "key-a", nil)
	require.NoError(t, err, "expected extended isolation to be allowed after the grace period")
	require.Equal(t, peer.ID("self"), got)
}
