package membership_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"falcon-cm/internal/membership"
	"falcon-cm/internal/metrics"
	"falcon-cm/internal/storetest"
	"falcon-cm/internal/topology"
)

type fakeDriver struct {
	mu       sync.Mutex
	standby  bool
	lsn      uint64
	promoted int
	demoted  int
}

func newFakeDriver(standby bool, lsn uint64) *fakeDriver {
	return &fakeDriver{standby: standby, lsn: lsn}
}

func (f *fakeDriver) IsStandby() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.standby }
func (f *fakeDriver) GetLSN(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lsn, nil
}
func (f *fakeDriver) Promote(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.standby = false
	f.promoted++
	return nil
}
func (f *fakeDriver) Demote(ctx context.Context, newLeader string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.standby = true
	f.demoted++
	return nil
}
func (f *fakeDriver) DemoteByBaseBackup(ctx context.Context, newLeader string) error {
	return f.Demote(ctx, newLeader)
}
func (f *fakeDriver) ChangeFollowingLeader(ctx context.Context, newLeader string) error { return nil }
func (f *fakeDriver) StopReplication(ctx context.Context) error                        { return nil }
func (f *fakeDriver) StopInstance(ctx context.Context) error                           { return nil }
func (f *fakeDriver) UpdateForeignServer(ctx context.Context, serverName, leaderEndpoint string) error {
	return nil
}
func (f *fakeDriver) StartBackgroundService(ctx context.Context) error             { return nil }
func (f *fakeDriver) CreateLocalReplicationSlot(ctx context.Context, n string) error { return nil }
func (f *fakeDriver) MarkReady() error                                             { return nil }
func (f *fakeDriver) MarkNotReady() error                                          { return nil }

const root = "/falcon"

func TestEngine_FirstToRaceBecomesPrimary(t *testing.T) {
	fake := storetest.New()
	logger := zap.NewNop()
	mx := metrics.New()
	drv := newFakeDriver(true, 0)

	e := membership.New(fake, drv, logger, mx, root, "dn0", 1, "10.0.0.1:5432", "node-a", false, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return e.State() == membership.Primary
	}, time.Second, 5*time.Millisecond)

	val, ok, err := fake.Get(ctx, topology.Leader(root, "dn0"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:5432", val)

	cancel()
	<-done
}

func TestEngine_SecondNodeBecomesFollowerWhenLeaderExists(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	require.NoError(t, fake.Create(ctx, topology.Leader(root, "dn0"), "10.0.0.1:5432", true))

	logger := zap.NewNop()
	mx := metrics.New()
	drv := newFakeDriver(true, 0)

	e := membership.New(fake, drv, logger, mx, root, "dn0", 1, "10.0.0.2:5432", "node-b", false, 2)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return e.State() == membership.Follower
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestEngine_ElectionPicksHighestLSN(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()

	// Start with an existing leader so this engine takes the follower
	// path, then simulate a crash (leader deleted) and two lower-LSN
	// rivals racing against this node's higher LSN.
	require.NoError(t, fake.Create(ctx, topology.Leader(root, "dn0"), "10.0.0.9:5432", true))
	require.NoError(t, fake.Create(ctx, topology.MembershipNode(root, "dn0", "node-a"), "", false))

	logger := zap.NewNop()
	mx := metrics.New()
	drv := newFakeDriver(true, 200)

	e := membership.New(fake, drv, logger, mx, root, "dn0", 1, "10.0.0.1:5432", "node-a", false, 2)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return e.State() == membership.Follower
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, fake.Delete(ctx, topology.Leader(root, "dn0")))
	require.NoError(t, fake.Create(ctx, topology.Candidate(root, "dn0", "10.0.0.2:5432"), strconv.FormatUint(100, 10), false))
	require.NoError(t, fake.Create(ctx, topology.Candidate(root, "dn0", "10.0.0.3:5432"), strconv.FormatUint(50, 10), false))

	require.Eventually(t, func() bool {
		return e.State() == membership.Primary
	}, time.Second, 5*time.Millisecond)

	val, ok, err := fake.Get(ctx, topology.Leader(root, "dn0"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:5432", val)

	cancel()
	<-done
}
