package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"falcon-cm/internal/dbdriver"
	"falcon-cm/internal/metrics"
	"falcon-cm/internal/storetest"
	"falcon-cm/internal/topology"
)

type fakeDriver struct {
	mu                 sync.Mutex
	servers            []dbdriver.ForeignServer
	statusesByEndpoint map[string][]dbdriver.ReplicationStatus
}

func (f *fakeDriver) ListForeignServers(ctx context.Context) ([]dbdriver.ForeignServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servers, nil
}

func (f *fakeDriver) StatReplicationOn(ctx context.Context, endpoint string) ([]dbdriver.ReplicationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusesByEndpoint[endpoint], nil
}

type recordingSink struct {
	mu       sync.Mutex
	messages []string
}

func (s *recordingSink) Send(ctx context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

const root = "/falcon"

// seedConsistentCluster populates a store plus matching driver state
// for a cn group and one dn group, both with 2 streaming standbys and
// a matching falcon_foreign_server row for dn0.
func seedConsistentCluster(t *testing.T, fake *storetest.Fake) *fakeDriver {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fake.Create(ctx, topology.Leader(root, "cn"), "10.0.0.1:5432", true))
	require.NoError(t, fake.Create(ctx, topology.Leader(root, "dn0"), "10.0.1.1:5432", true))
	require.NoError(t, fake.Create(ctx, topology.Replica(root, "cn", "10.0.0.2:5432"), "", true))
	require.NoError(t, fake.Create(ctx, topology.Replica(root, "cn", "10.0.0.3:5432"), "", true))
	require.NoError(t, fake.Create(ctx, topology.Replica(root, "dn0", "10.0.1.2:5432"), "", true))
	require.NoError(t, fake.Create(ctx, topology.Replica(root, "dn0", "10.0.1.3:5432"), "", true))

	return &fakeDriver{
		servers: []dbdriver.ForeignServer{{Name: "dn0", Host: "10.0.1.1"}},
		statusesByEndpoint: map[string][]dbdriver.ReplicationStatus{
			"10.0.0.1:5432": {{ClientAddr: "10.0.0.2", State: "streaming"}, {ClientAddr: "10.0.0.3", State: "streaming"}},
			"10.0.1.1:5432": {{ClientAddr: "10.0.1.2", State: "streaming"}, {ClientAddr: "10.0.1.3", State: "streaming"}},
		},
	}
}

func TestCheck_NoLeadersTriggersAlertAfterHysteresis(t *testing.T) {
	fake := storetest.New()
	drv := &fakeDriver{}
	sink := &recordingSink{}
	r := New(fake, drv, sink, zap.NewNop(), metrics.New(), root, time.Minute, 2, []string{"cn", "dn0"})

	ctx := context.Background()
	r.check(ctx) // starts hysteresis window, does not fire yet
	require.Equal(t, 0, sink.count())

	r.mu.Lock()
	r.states["cluster:no_leaders"].firingAt = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	r.check(ctx)
	require.Equal(t, 1, sink.count())
}

func TestCheck_NoCNLeaderTriggersAlertAfterHysteresis(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	require.NoError(t, fake.Create(ctx, topology.Leader(root, "dn0"), "10.0.1.1:5432", true))

	drv := &fakeDriver{}
	sink := &recordingSink{}
	r := New(fake, drv, sink, zap.NewNop(), metrics.New(), root, time.Minute, 2, []string{"cn", "dn0"})

	r.check(ctx)
	require.Equal(t, 0, sink.count())

	r.mu.Lock()
	r.states["cluster:no_cn"].firingAt = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	r.check(ctx)
	require.Equal(t, 1, sink.count())
}

func TestCheck_NoAlertWhenConsistent(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	drv := seedConsistentCluster(t, fake)
	sink := &recordingSink{}
	r := New(fake, drv, sink, zap.NewNop(), metrics.New(), root, time.Minute, 2, []string{"cn", "dn0"})

	r.check(ctx)
	require.Equal(t, 0, sink.count())
}

func TestCheck_CatalogMismatchTriggersAlertAfterHysteresis(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	drv := seedConsistentCluster(t, fake)
	drv.servers = []dbdriver.ForeignServer{{Name: "dn0", Host: "10.0.9.9"}} // stale catalog row
	sink := &recordingSink{}
	r := New(fake, drv, sink, zap.NewNop(), metrics.New(), root, time.Minute, 2, []string{"cn", "dn0"})

	r.check(ctx)
	require.Equal(t, 0, sink.count())

	r.mu.Lock()
	r.states["cluster:catalog_mismatch"].firingAt = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	r.check(ctx)
	require.Equal(t, 1, sink.count())
}

func TestCheck_StuckStandbyOnGroupLeaderTriggersAlert(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	drv := seedConsistentCluster(t, fake)
	// dn0's own leader reports only one streaming standby, even though
	// the CN-local view (not queried here) would show nothing wrong.
	drv.statusesByEndpoint["10.0.1.1:5432"] = []dbdriver.ReplicationStatus{
		{ClientAddr: "10.0.1.2", State: "streaming"},
	}
	sink := &recordingSink{}
	r := New(fake, drv, sink, zap.NewNop(), metrics.New(), root, time.Minute, 2, []string{"cn", "dn0"})

	r.check(ctx)
	require.Equal(t, 0, sink.count())

	r.mu.Lock()
	r.states["dn0:wal_receiver_not_streaming"].firingAt = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	r.check(ctx)
	require.Equal(t, 1, sink.count())
}

func TestMaybeAlert_CooldownSuppressesRepeat(t *testing.T) {
	fake := storetest.New()
	drv := &fakeDriver{}
	sink := &recordingSink{}
	r := New(fake, drv, sink, zap.NewNop(), metrics.New(), root, time.Minute, 2, nil)

	r.maybeAlert("dn0", "no_leader", "test")
	r.mu.Lock()
	r.states["dn0:no_leader"].firingAt = time.Now().Add(-time.Hour)
	r.mu.Unlock()
	r.maybeAlert("dn0", "no_leader", "test")
	require.Equal(t, 1, sink.count())

	r.maybeAlert("dn0", "no_leader", "test") // within cooldown, suppressed
	require.Equal(t, 1, sink.count())
}
