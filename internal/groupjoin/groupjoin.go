// Package groupjoin implements the group-selection step every agent
// runs once at startup, before its membership engine can start:
// decide which replication group this node belongs to, or — if none
// yet — register as a spare and wait for the supplement reactor (or
// the bootstrap controller, on a fresh cluster) to place it into one.
// Grounded on the teacher's ha.Manager join sequence: register
// presence, then loop reading cluster state until this node's role is
// settled.
package groupjoin

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"falcon-cm/internal/store"
	"falcon-cm/internal/topology"
)

// pollInterval paces the wait-for-assignment loop.
const pollInterval = 2 * time.Second

// dbDriver is the subset of *dbdriver.Driver groupjoin needs: severing
// a stale replication link before a node drops into the spare pool.
type dbDriver interface {
	StopReplication(ctx context.Context) error
}

// Result carries the settled group identity.
type Result struct {
	Group   string
	GroupID int
}

// Join resolves this node's group per spec: if `ready` exists, find an
// existing hostNodes entry for hostNodeName; failing that, register as
// a spare and block until a later supplement decision assigns one. If
// `ready` does not yet exist, CNs default to the cn group; DNs block
// until the bootstrap controller creates their hostNodes entry.
func Join(ctx context.Context, gw store.Gateway, driver dbDriver, logger *zap.Logger, root, hostNodeName, selfEndpoint string, isCN bool) (Result, error) {
	ready, err := gw.Exists(ctx, topology.Ready(root))
	if err != nil {
		return Result{}, err
	}

	if !ready && isCN {
		return Result{Group: topology.CNGroup, GroupID: 0}, nil
	}

	if group, found, err := findGroup(ctx, gw, root, hostNodeName); err != nil {
		return Result{}, err
	} else if found {
		id, _ := topology.GroupID(group)
		return Result{Group: group, GroupID: id}, nil
	}

	if ready {
		logger.Info("no group assignment found, entering supplement pool", zap.String("node", hostNodeName))
		if err := gw.Create(ctx, topology.SupplementNode(root, isCN, hostNodeName), selfEndpoint, true); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return Result{}, err
		}
		if err := driver.StopReplication(ctx); err != nil {
			logger.Warn("stop replication before entering supplement pool failed", zap.Error(err))
		}
	} else {
		logger.Info("waiting for bootstrap controller to assign a group", zap.String("node", hostNodeName))
	}

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
		group, found, err := findGroup(ctx, gw, root, hostNodeName)
		if err != nil {
			return Result{}, err
		}
		if found {
			id, _ := topology.GroupID(group)
			return Result{Group: group, GroupID: id}, nil
		}
		time.Sleep(pollInterval)
	}
}

// findGroup scans every currently-existing group's hostNodes roster
// for hostNodeName. Groups are discovered dynamically since a joining
// DN has no way to know the cluster shape ahead of time.
func findGroup(ctx context.Context, gw store.Gateway, root, hostNodeName string) (string, bool, error) {
	groups, err := gw.Children(ctx, topology.ClustersRoot(root))
	if err != nil {
		return "", false, err
	}
	for _, g := range groups {
		ok, err := gw.Exists(ctx, topology.HostNode(root, g, hostNodeName))
		if err != nil {
			return "", false, err
		}
		if ok {
			return g, true, nil
		}
	}
	return "", false, nil
}
