// Package bootstrap runs the one-time cluster initialization sequence
// on the first-elected CN leader: waiting for node registration,
// partitioning nodes into groups, creating the cluster directory
// layout, waiting for replication to catch up, seeding the
// foreign-server catalog, and publishing the `ready` sentinel.
// Grounded on the teacher's reconciler.Run shape — desired vs. actual —
// generalized from "kernel state vs. DB rows" to "store state vs.
// configured cluster shape". Unlike that shape, the first failing step
// aborts Run and its error is returned to the caller.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"falcon-cm/internal/store"
	"falcon-cm/internal/topology"
)

// pollInterval paces every wait-until-condition loop in this package.
const pollInterval = 2 * time.Second

// dbDriver is the subset of *dbdriver.Driver bootstrap needs on the
// CN primary's own connection.
type dbDriver interface {
	InsertForeignServer(ctx context.Context, serverName, host, port string) error
	BuildShardTable(ctx context.Context, serverName string, shardCount int) error
	CreateDistributedDataTable(ctx context.Context) error
	StartBackgroundService(ctx context.Context) error
}

// Spec carries the cluster-shape configuration bootstrap needs: node
// counts and the replication factor per group.
type Spec struct {
	Root             string
	CNNum            int
	DNNum            int
	DNSupplementNum  int
	ReplicaServerNum int
}

// Controller runs the bootstrap sequence.
type Controller struct {
	gw     store.Gateway
	driver dbDriver
	logger *zap.Logger
	spec   Spec
}

// New constructs a Controller.
func New(gw store.Gateway, driver dbDriver, logger *zap.Logger, spec Spec) *Controller {
	return &Controller{gw: gw, driver: driver, logger: logger, spec: spec}
}

// Run executes the full bootstrap sequence described in spec.md §4.3.
// It is idempotent: if `ready` already exists it returns immediately
// without touching the store.
func (c *Controller) Run(ctx context.Context) error {
	ready, err := c.gw.Exists(ctx, topology.Ready(c.spec.Root))
	if err != nil {
		return err
	}
	if ready {
		c.logger.Info("ready sentinel already present, skipping bootstrap")
		return nil
	}

	cns, err := c.waitForRegistration(ctx, true, c.spec.CNNum)
	if err != nil {
		return fmt.Errorf("wait for CN registration: %w", err)
	}
	dns, err := c.waitForRegistration(ctx, false, c.spec.DNNum)
	if err != nil {
		return fmt.Errorf("wait for DN registration: %w", err)
	}

	groups, err := c.partition(ctx, cns, dns)
	if err != nil {
		return fmt.Errorf("partition nodes into groups: %w", err)
	}

	if err := c.waitUntilReplicasNodesReady(ctx, groups); err != nil {
		return fmt.Errorf("wait for replicas ready: %w", err)
	}

	if err := c.seedCatalog(ctx, groups); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}

	if err := c.gw.Create(ctx, topology.Ready(c.spec.Root), "", false); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return fmt.Errorf("publish ready sentinel: %w", err)
	}
	c.logger.Info("bootstrap complete")
	return nil
}

// waitForRegistration blocks until the presence roster for the given
// role reaches the configured count, polling the store rather than
// relying on a watch so this runs correctly even if invoked after
// some agents already registered.
func (c *Controller) waitForRegistration(ctx context.Context, isCN bool, want int) ([]string, error) {
	root := topology.PresenceRoot(c.spec.Root, isCN)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		names, err := c.gw.Children(ctx, root)
		if err != nil {
			return nil, err
		}
		if len(names) >= want {
			return names[:want], nil
		}
		c.logger.Debug("waiting for node registration", zap.Bool("isCN", isCN), zap.Int("have", len(names)), zap.Int("want", want))
		time.Sleep(pollInterval)
	}
}

// group describes one partitioned replication group awaiting creation.
type group struct {
	name    string
	id      int
	members []string
}

// partition assigns registered nodes to groups per §4.3 step 2: three
// CNs (including self) into cn/hostNodes, and DN nodes split into
// dn_cluster_num groups of replica_server_num+1 consecutive members,
// with any remainder left for the supplement pool.
func (c *Controller) partition(ctx context.Context, cns, dns []string) ([]group, error) {
	var groups []group

	cnGroup := group{name: topology.CNGroup, id: 0, members: cns}
	if err := c.createGroup(ctx, cnGroup); err != nil {
		return nil, err
	}
	groups = append(groups, cnGroup)

	groupSize := topology.GroupSize(c.spec.ReplicaServerNum)
	usable := c.spec.DNNum - c.spec.DNSupplementNum
	dnClusterNum := usable / groupSize

	for i := 0; i < dnClusterNum; i++ {
		start := i * groupSize
		end := start + groupSize
		if end > len(dns) {
			break
		}
		g := group{name: topology.GroupName(i + 1), id: i + 1, members: dns[start:end]}
		if err := c.createGroup(ctx, g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// createGroup creates a group's subtree and populates its hostNodes
// roster. Re-running against an already-created group is a safe
// no-op: every create below tolerates AlreadyExists.
func (c *Controller) createGroup(ctx context.Context, g group) error {
	for _, path := range []string{
		topology.ClusterDir(c.spec.Root, g.name),
		topology.HostNodes(c.spec.Root, g.name),
		topology.Replicas(c.spec.Root, g.name),
		topology.Membership(c.spec.Root, g.name),
		topology.Candidates(c.spec.Root, g.name),
	} {
		if err := c.gw.Create(ctx, path, "", false); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return err
		}
	}
	if err := c.gw.Create(ctx, topology.LastLeader(c.spec.Root, g.name), "", false); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return err
	}
	for _, m := range g.members {
		if err := c.gw.Create(ctx, topology.HostNode(c.spec.Root, g.name, m), "", false); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return err
		}
	}
	return nil
}

// waitUntilReplicasNodesReady blocks until every group has a leader
// and at least replica_server_num entries under replicas/. Readiness is
// judged from the store alone: pg_stat_replication is not queried on
// any primary. Implemented as a standalone, idempotent function that
// always runs as part of Run.
func (c *Controller) waitUntilReplicasNodesReady(ctx context.Context, groups []group) error {
	for _, g := range groups {
		if err := c.waitGroupReady(ctx, g); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) waitGroupReady(ctx context.Context, g group) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, hasLeader, err := c.gw.Get(ctx, topology.Leader(c.spec.Root, g.name))
		if err != nil {
			return err
		}
		replicas, err := c.gw.Children(ctx, topology.Replicas(c.spec.Root, g.name))
		if err != nil {
			return err
		}
		if hasLeader && len(replicas) >= c.spec.ReplicaServerNum {
			return nil
		}
		c.logger.Debug("waiting for group readiness", zap.String("group", g.name), zap.Bool("hasLeader", hasLeader), zap.Int("replicas", len(replicas)))
		time.Sleep(pollInterval)
	}
}

// seedCatalog implements §4.3 steps 4-5: seeds the foreign-server
// catalog with one row per group, builds the shard map, and starts
// the background service. Runs only against this node's own local
// connection, which the caller guarantees is the CN primary (bootstrap
// only runs on the winning CN leader).
func (c *Controller) seedCatalog(ctx context.Context, groups []group) error {
	dnGroupCount := 0
	for _, g := range groups {
		if g.name != topology.CNGroup {
			dnGroupCount++
		}
	}
	shardCount := 100 * dnGroupCount

	for _, g := range groups {
		if g.name == topology.CNGroup {
			continue
		}

		leaderEndpoint, ok, err := c.gw.Get(ctx, topology.Leader(c.spec.Root, g.name))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("group %s has no leader at seed time", g.name)
		}
		host, port, valid := topology.SplitEndpoint(leaderEndpoint)
		if !valid {
			return fmt.Errorf("malformed leader endpoint %q for group %s", leaderEndpoint, g.name)
		}
		if err := c.driver.InsertForeignServer(ctx, g.name, host, port); err != nil {
			return err
		}
		if err := c.driver.BuildShardTable(ctx, g.name, shardCount); err != nil {
			return err
		}
	}

	if err := c.driver.CreateDistributedDataTable(ctx); err != nil {
		return err
	}
	return c.driver.StartBackgroundService(ctx)
}

// This package has no watchReplicasAndUpdateCNTable counterpart to
// waitUntilReplicasNodesReady: keeping the CN catalog's per-group
// primary row in sync as groups fail over is left to
// membership.Engine.publishCatalogUpdate, and bootstrap's job ends at
// `ready`.
