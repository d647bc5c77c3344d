package supplement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"falcon-cm/internal/metrics"
	"falcon-cm/internal/storetest"
	"falcon-cm/internal/topology"
)

const root = "/falcon"

func newReactor(fake *storetest.Fake) *Reactor {
	return New(fake, zap.NewNop(), metrics.New(), root, 600*time.Second, 2, []GroupRef{
		{Name: "cn", IsCN: true},
		{Name: "dn0", IsCN: false},
	})
}

func TestRequestSupplement_CapsAtTwoPerGroup(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	r := newReactor(fake)

	require.NoError(t, r.requestSupplement(ctx, "dn0"))
	require.NoError(t, r.requestSupplement(ctx, "dn0"))
	require.ErrorIs(t, r.requestSupplement(ctx, "dn0"), ErrSupplementCapReached)

	_, ok0, _ := fake.Get(ctx, topology.NeedSupplement(root, "dn0", 0))
	_, ok1, _ := fake.Get(ctx, topology.NeedSupplement(root, "dn0", 1))
	require.True(t, ok0)
	require.True(t, ok1)
}

func TestDeclareDead_RemovesRosterEntriesAndRequestsSupplement(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	r := newReactor(fake)

	require.NoError(t, fake.Create(ctx, topology.HostNode(root, "dn0", "node-x"), "", false))
	require.NoError(t, fake.Create(ctx, topology.MembershipNode(root, "dn0", "node-x"), "", false))

	r.declareDead(ctx, "dn0", "node-x")

	_, ok, _ := fake.Get(ctx, topology.HostNode(root, "dn0", "node-x"))
	require.False(t, ok)
	_, ok, _ = fake.Get(ctx, topology.MembershipNode(root, "dn0", "node-x"))
	require.False(t, ok)
	_, ok, _ = fake.Get(ctx, topology.NeedSupplement(root, "dn0", 0))
	require.True(t, ok)
}

func TestFulfillOne_MovesSpareIntoHostNodesWithNewFlag(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	r := newReactor(fake)

	require.NoError(t, fake.Create(ctx, topology.SupplementNode(root, false, "spare-1"), "10.0.9.9:5432", true))
	require.NoError(t, fake.Create(ctx, root+"/need_supplement/dn0-0", "", false))

	require.NoError(t, r.fulfillOne(ctx, "dn0", false, "dn0-0"))

	val, ok, _ := fake.Get(ctx, topology.HostNode(root, "dn0", "spare-1"))
	require.True(t, ok)
	require.Equal(t, "new", val)

	_, ok, _ = fake.Get(ctx, topology.SupplementNode(root, false, "spare-1"))
	require.False(t, ok, "spare must be removed from the pool")

	_, ok, _ = fake.Get(ctx, root+"/need_supplement/dn0-0")
	require.False(t, ok, "request must be cleared after fulfillment")
}

func TestFulfillOne_ErrorsWhenPoolEmpty(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	r := newReactor(fake)

	require.Error(t, r.fulfillOne(ctx, "dn0", false, "dn0-0"))
}

func TestDrainOnce_ReportsPendingWhenPoolEmpty(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	r := newReactor(fake)
	require.NoError(t, fake.Create(ctx, root+"/need_supplement/dn0-0", "", false))

	require.True(t, r.drainOnce(ctx))

	_, ok, _ := fake.Get(ctx, root+"/need_supplement/dn0-0")
	require.True(t, ok, "unfulfilled request stays queued for retry")
}

func TestDrainSupplementRequests_ArmsRetryWhenPoolEmpty(t *testing.T) {
	fake := storetest.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newReactor(fake)
	require.NoError(t, fake.Create(ctx, root+"/need_supplement/dn0-0", "", false))

	r.drainSupplementRequests(ctx)

	r.mu.Lock()
	pending := r.supplyRetryPending
	r.mu.Unlock()
	require.True(t, pending, "a retry timer must be armed when the pool stays empty")
}

func TestSplitRequestKey(t *testing.T) {
	g, k, ok := splitRequestKey("dn0-1")
	require.True(t, ok)
	require.Equal(t, "dn0", g)
	require.Equal(t, 1, k)

	_, _, ok = splitRequestKey("malformed")
	require.False(t, ok)
}
