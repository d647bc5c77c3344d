package groupjoin

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"falcon-cm/internal/storetest"
	"falcon-cm/internal/topology"
)

const root = "/falcon"

type fakeDriver struct {
	stopCalls int32
}

func (f *fakeDriver) StopReplication(ctx context.Context) error {
	atomic.AddInt32(&f.stopCalls, 1)
	return nil
}

func TestJoin_FreshClusterCNDefaultsToCNGroup(t *testing.T) {
	fake := storetest.New()
	drv := &fakeDriver{}
	res, err := Join(context.Background(), fake, drv, zap.NewNop(), root, "cn-0", "10.0.0.1:5432", true)
	require.NoError(t, err)
	require.Equal(t, topology.CNGroup, res.Group)
	require.Equal(t, 0, res.GroupID)
}

func TestJoin_FreshClusterDNWaitsForBootstrapAssignment(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	drv := &fakeDriver{}

	done := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := Join(ctx, fake, drv, zap.NewNop(), root, "dn-0", "10.0.1.1:5432", false)
		if err != nil {
			errCh <- err
			return
		}
		done <- res
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, fake.Create(ctx, topology.HostNode(root, "dn0", "dn-0"), "", false))

	select {
	case res := <-done:
		require.Equal(t, "dn0", res.Group)
		require.Equal(t, 1, res.GroupID)
	case err := <-errCh:
		t.Fatalf("Join failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Join did not return after assignment appeared")
	}
	require.Equal(t, int32(0), drv.stopCalls)
}

func TestJoin_ReadyClusterExistingMemberReturnsImmediately(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	require.NoError(t, fake.Create(ctx, topology.Ready(root), "", false))
	require.NoError(t, fake.Create(ctx, topology.HostNode(root, "dn0", "dn-0"), "", false))
	drv := &fakeDriver{}

	res, err := Join(ctx, fake, drv, zap.NewNop(), root, "dn-0", "10.0.1.1:5432", false)
	require.NoError(t, err)
	require.Equal(t, "dn0", res.Group)
	require.Equal(t, int32(0), drv.stopCalls)
}

func TestJoin_ReadyClusterUnassignedEntersSupplementPool(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	require.NoError(t, fake.Create(ctx, topology.Ready(root), "", false))
	drv := &fakeDriver{}

	done := make(chan Result, 1)
	go func() {
		res, err := Join(ctx, fake, drv, zap.NewNop(), root, "dn-9", "10.0.9.9:5432", false)
		if err == nil {
			done <- res
		}
	}()

	time.Sleep(50 * time.Millisecond)
	_, ok, err := fake.Get(ctx, topology.SupplementNode(root, false, "dn-9"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(1), drv.stopCalls)

	require.NoError(t, fake.Delete(ctx, topology.SupplementNode(root, false, "dn-9")))
	require.NoError(t, fake.Create(ctx, topology.HostNode(root, "dn1", "dn-9"), "new", false))

	select {
	case res := <-done:
		require.Equal(t, "dn1", res.Group)
	case <-time.After(5 * time.Second):
		t.Fatal("Join did not return after supplement placement")
	}
}
