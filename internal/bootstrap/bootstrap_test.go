package bootstrap_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"falcon-cm/internal/bootstrap"
	"falcon-cm/internal/storetest"
	"falcon-cm/internal/topology"
)

type fakeDriver struct {
	inserted    map[string]bool
	shardBuilt  map[string]bool
	shardCounts map[string]int
	distTable   bool
	bgStarted   bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{inserted: map[string]bool{}, shardBuilt: map[string]bool{}, shardCounts: map[string]int{}}
}

func (f *fakeDriver) InsertForeignServer(ctx context.Context, serverName, host, port string) error {
	f.inserted[serverName] = true
	return nil
}
func (f *fakeDriver) BuildShardTable(ctx context.Context, serverName string, shardCount int) error {
	f.shardBuilt[serverName] = true
	f.shardCounts[serverName] = shardCount
	return nil
}
func (f *fakeDriver) CreateDistributedDataTable(ctx context.Context) error {
	f.distTable = true
	return nil
}
func (f *fakeDriver) StartBackgroundService(ctx context.Context) error {
	f.bgStarted = true
	return nil
}

const root = "/falcon"

func TestController_Run_FreshCluster(t *testing.T) {
	fake := storetest.New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Register 3 CNs and 3 DNs.
	for i, ep := range []string{"10.0.0.1:5432", "10.0.0.2:5432", "10.0.0.3:5432"} {
		require.NoError(t, fake.Create(ctx, topology.Presence(root, true, nodeName(i)), ep, true))
	}
	for i, ep := range []string{"10.0.1.1:5432", "10.0.1.2:5432", "10.0.1.3:5432"} {
		require.NoError(t, fake.Create(ctx, topology.Presence(root, false, nodeName(i+10)), ep, true))
	}

	// Pre-populate leaders/replicas so the readiness wait inside Run
	// resolves on its first poll instead of depending on timing against
	// a concurrent writer.
	require.NoError(t, fake.Create(ctx, topology.Leader(root, "cn"), "10.0.0.1:5432", true))
	require.NoError(t, fake.Create(ctx, topology.Leader(root, "dn0"), "10.0.1.1:5432", true))
	require.NoError(t, fake.Create(ctx, topology.Replica(root, "cn", "10.0.0.2:5432"), "", true))
	require.NoError(t, fake.Create(ctx, topology.Replica(root, "cn", "10.0.0.3:5432"), "", true))
	require.NoError(t, fake.Create(ctx, topology.Replica(root, "dn0", "10.0.1.2:5432"), "", true))
	require.NoError(t, fake.Create(ctx, topology.Replica(root, "dn0", "10.0.1.3:5432"), "", true))

	drv := newFakeDriver()
	spec := bootstrap.Spec{Root: root, CNNum: 3, DNNum: 3, DNSupplementNum: 0, ReplicaServerNum: 2}
	ctrl := bootstrap.New(fake, drv, zap.NewNop(), spec)

	require.NoError(t, ctrl.Run(ctx))

	ready, ok, err := fake.Get(ctx, topology.Ready(root))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "", ready)

	require.True(t, drv.inserted["dn0"])
	require.True(t, drv.shardBuilt["dn0"])
	require.Equal(t, 100, drv.shardCounts["dn0"], "shard_count = 100 * number of DN groups, and this cluster has exactly one")
	require.True(t, drv.distTable)
	require.True(t, drv.bgStarted)
	require.False(t, drv.inserted["cn"], "cn group itself is not a foreign server")
}

func TestController_Run_SkipsIfAlreadyReady(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	require.NoError(t, fake.Create(ctx, topology.Ready(root), "", false))

	drv := newFakeDriver()
	spec := bootstrap.Spec{Root: root, CNNum: 3, DNNum: 3, ReplicaServerNum: 2}
	ctrl := bootstrap.New(fake, drv, zap.NewNop(), spec)

	require.NoError(t, ctrl.Run(ctx))
	require.False(t, drv.bgStarted, "must not re-run seeding when ready already exists")
}

func nodeName(i int) string {
	return "node-" + string(rune('a'+i))
}
