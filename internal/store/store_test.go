package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"falcon-cm/internal/store"
	"falcon-cm/internal/storetest"
)

func TestCreate_AtMostOneLeader(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()

	err1 := fake.Create(ctx, "/falcon/leaders/cn", "10.0.0.1:5432", true)
	err2 := fake.Create(ctx, "/falcon/leaders/cn", "10.0.0.2:5432", true)

	require.NoError(t, err1)
	require.ErrorIs(t, err2, store.ErrAlreadyExists)

	val, ok, err := fake.Get(ctx, "/falcon/leaders/cn")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:5432", val)
}

func TestSessionLoss_RemovesEphemeralNodesAndFiresOnce(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()

	require.NoError(t, fake.Create(ctx, "/falcon/leaders/cn", "10.0.0.1:5432", true))
	require.NoError(t, fake.Create(ctx, "/falcon/ready", "", false))

	fired := 0
	fake.OnSessionLost(func() { fired++ })

	fake.SimulateSessionLoss()
	fake.SimulateSessionLoss() // idempotent: must not double-fire

	require.Equal(t, 1, fired)

	_, ok, _ := fake.Get(ctx, "/falcon/leaders/cn")
	require.False(t, ok, "ephemeral leader node must disappear on session loss")

	_, ok, _ = fake.Get(ctx, "/falcon/ready")
	require.True(t, ok, "persistent node must survive session loss")
}

func TestWatchChildren_DeliversFullChildList(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()

	var deliveries [][]string
	_, err := fake.WatchChildren(ctx, "/falcon/falcon_clusters/dn0/replicas", func(ev store.Event) {
		deliveries = append(deliveries, ev.Children)
	})
	require.NoError(t, err)
	require.Len(t, deliveries, 1) // initial empty list delivered immediately

	require.NoError(t, fake.Create(ctx, "/falcon/falcon_clusters/dn0/replicas/10.0.0.1:5432", "", true))

	require.Len(t, deliveries, 2)
	require.Equal(t, []string{"10.0.0.1:5432"}, deliveries[len(deliveries)-1])

	// Each delivery carries the full current child list rather than a
	// delta, which is what makes a reconnect redelivery a safe no-op for
	// any caller that reduces the list to a set. Redelivery itself is
	// not exercised here.
	last := deliveries[len(deliveries)-1]
	require.ElementsMatch(t, []string{"10.0.0.1:5432"}, last)
}

func TestOnSessionLost_LateRegistrationFiresImmediately(t *testing.T) {
	fake := storetest.New()
	fake.SimulateSessionLoss()

	fired := false
	fake.OnSessionLost(func() { fired = true })
	require.True(t, fired)
}
