package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"falcon-cm/internal/store"
	"falcon-cm/internal/topology"
)

// attemptLeaderRace implements the leader race rules of §4.4: if this
// node was the last leader, give the stale ephemeral node time to
// expire before trying to reclaim, otherwise race immediately.
func (e *Engine) attemptLeaderRace(ctx context.Context) error {
	e.setState(Electing)

	lastLeader, ok, err := e.gw.Get(ctx, topology.LastLeader(e.root, e.group))
	if err != nil {
		return err
	}
	if ok && lastLeader == e.hostNodeName {
		if err := e.waitForLeaderAbsent(ctx, leaderReclaimWait); err != nil {
			e.logger.Debug("stale leader node did not expire within wait window, racing anyway", zap.Error(err))
		}
	}

	won, err := e.raceForLeader(ctx)
	if err != nil {
		return err
	}
	if won {
		return e.becomePrimary(ctx)
	}
	return e.becomeFollower(ctx)
}

// waitForLeaderAbsent polls the leader path until it disappears or the
// timeout elapses, replacing a flat sleep with an explicit bounded wait.
func (e *Engine) waitForLeaderAbsent(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	leaderPath := topology.Leader(e.root, e.group)
	for time.Now().Before(deadline) {
		_, ok, err := e.gw.Get(ctx, leaderPath)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("leader node still present after %s", timeout)
}

// raceForLeader attempts to create the ephemeral leader node.
func (e *Engine) raceForLeader(ctx context.Context) (bool, error) {
	leaderPath := topology.Leader(e.root, e.group)
	err := e.gw.Create(ctx, leaderPath, e.selfEndpoint, true)
	if err == nil {
		return true, nil
	}
	if isAlreadyExists(err) {
		return false, nil
	}
	return false, err
}

func isAlreadyExists(err error) bool {
	return errors.Is(err, store.ErrAlreadyExists)
}

// becomePrimary runs the new-primary side of §4.4's "leaders/<group>
// created" reaction: clear candidates, record lastLeader, promote if
// still standby, start the background service, and push the catalog
// update to the CN primary.
func (e *Engine) becomePrimary(ctx context.Context) error {
	if err := e.gw.Set(ctx, topology.LastLeader(e.root, e.group), e.hostNodeName); err != nil {
		return err
	}
	_ = e.gw.Delete(ctx, topology.Replica(e.root, e.group, e.selfEndpoint))
	if err := e.clearCandidates(ctx); err != nil {
		e.logger.Warn("clearing candidates failed", zap.Error(err))
	}

	if e.driver.IsStandby() {
		if err := e.driver.Promote(ctx); err != nil {
			return fmt.Errorf("promote: %w", err)
		}
	}
	if err := e.driver.CreateLocalReplicationSlot(ctx, e.hostNodeName); err != nil {
		e.logger.Debug("local replication slot create skipped", zap.Error(err))
	}
	if err := e.driver.StartBackgroundService(ctx); err != nil {
		e.logger.Warn("start background service failed", zap.Error(err))
	}
	if err := e.driver.MarkReady(); err != nil {
		e.logger.Warn("mark liveness ready failed", zap.Error(err))
	}

	e.setState(Primary)
	e.mx.ElectionsWon.WithLabelValues(e.group).Inc()

	go e.publishCatalogUpdate(ctx)
	if e.onPrimary != nil {
		go e.onPrimary(ctx)
	}
	return nil
}

// publishCatalogUpdate retries the foreign-server catalog update
// against whichever node currently holds leaders/cn, since that node
// can itself fail over mid-update.
func (e *Engine) publishCatalogUpdate(ctx context.Context) {
	for i := 0; i < 30; i++ {
		cnLeader, ok, err := e.gw.Get(ctx, topology.Leader(e.root, topology.CNGroup))
		if err != nil || !ok {
			time.Sleep(time.Second)
			continue
		}
		if err := e.driver.UpdateForeignServer(ctx, topology.GroupName(e.groupID), e.selfEndpoint); err == nil {
			return
		}
		_ = cnLeader
		time.Sleep(time.Second)
	}
	e.logger.Error("giving up on catalog update after repeated CN failovers")
}

// becomeFollower runs the write_replica sequence of §4.4.
func (e *Engine) becomeFollower(ctx context.Context) error {
	e.setState(Follower)

	if e.isCN {
		_, ok, err := e.gw.Get(ctx, topology.HostNode(e.root, e.group, e.hostNodeName))
		if err != nil {
			return err
		}
		if !ok {
			children, err := e.gw.Children(ctx, topology.HostNodes(e.root, e.group))
			if err != nil {
				return err
			}
			if len(children) >= e.replicaNum+1 {
				if _, ok, _ := e.gw.Get(ctx, topology.SupplementNode(e.root, e.isCN, e.hostNodeName)); !ok {
					if err := e.gw.Create(ctx, topology.SupplementNode(e.root, e.isCN, e.hostNodeName), e.selfEndpoint, true); err != nil && !isAlreadyExists(err) {
						return err
					}
					return e.driver.StopReplication(ctx)
				}
			}
		}
	}

	leaderEndpoint, ok, err := e.gw.Get(ctx, topology.Leader(e.root, e.group))
	if err != nil {
		return err
	}
	if !ok {
		return nil // leader not yet elected; next leaderChanged event re-enters this path
	}

	hostNodeVal, hasHostNode, err := e.gw.Get(ctx, topology.HostNode(e.root, e.group, e.hostNodeName))
	if err != nil {
		return err
	}

	switch {
	case hasHostNode && hostNodeVal == "new":
		if err := e.driver.MarkNotReady(); err != nil {
			e.logger.Warn("suppress liveness probe before basebackup failed", zap.Error(err))
		}
		if err := e.driver.DemoteByBaseBackup(ctx, leaderEndpoint); err != nil {
			return err
		}
		if err := e.gw.Set(ctx, topology.HostNode(e.root, e.group, e.hostNodeName), ""); err != nil {
			return err
		}
		if err := e.gw.Create(ctx, topology.MembershipNode(e.root, e.group, e.hostNodeName), "", false); err != nil && !isAlreadyExists(err) {
			return err
		}
	case !e.driver.IsStandby():
		_ = e.gw.Delete(ctx, topology.MembershipNode(e.root, e.group, e.hostNodeName))
		if err := e.driver.MarkNotReady(); err != nil {
			e.logger.Warn("suppress liveness probe before demote failed", zap.Error(err))
		}
		if err := e.driver.Demote(ctx, leaderEndpoint); err != nil {
			return err
		}
		if err := e.gw.Create(ctx, topology.MembershipNode(e.root, e.group, e.hostNodeName), "", false); err != nil && !isAlreadyExists(err) {
			return err
		}
	default:
		if err := e.driver.ChangeFollowingLeader(ctx, leaderEndpoint); err != nil {
			return err
		}
	}

	if err := e.gw.Create(ctx, topology.Replica(e.root, e.group, e.selfEndpoint), "", true); err != nil && !isAlreadyExists(err) {
		return err
	}
	if err := e.driver.MarkReady(); err != nil {
		e.logger.Warn("mark liveness ready failed", zap.Error(err))
	}
	return nil
}

// handleEvent reacts to a queued wakeup per §4.4's failure-driven
// election protocol.
func (e *Engine) handleEvent(ctx context.Context, ev kind) error {
	switch ev {
	case leaderChanged:
		return e.onLeaderChanged(ctx)
	case candidatesChanged:
		return e.onCandidatesChanged(ctx)
	}
	return nil
}

// onLeaderChanged fires on both leader-deleted and leader-created
// transitions; re-reading current store state makes the handler
// idempotent regardless of which transition produced the wakeup.
func (e *Engine) onLeaderChanged(ctx context.Context) error {
	_, ok, err := e.gw.Get(ctx, topology.Leader(e.root, e.group))
	if err != nil {
		return err
	}
	if !ok {
		return e.onLeaderLost(ctx)
	}
	return e.onLeaderPresent(ctx)
}

// onLeaderLost implements "leaders/<group> deleted" from §4.4.
func (e *Engine) onLeaderLost(ctx context.Context) error {
	if e.State() == Primary {
		return nil // our own leader node disappearing is session loss, handled separately
	}
	if e.driver.IsStandby() {
		if _, ok, _ := e.gw.Get(ctx, topology.MembershipNode(e.root, e.group, e.hostNodeName)); ok {
			if err := e.driver.StopReplication(ctx); err != nil {
				e.logger.Warn("stop replication before candidacy failed", zap.Error(err))
			}
			lsn, err := e.driver.GetLSN(ctx)
			if err != nil {
				return err
			}
			candPath := topology.Candidate(e.root, e.group, e.selfEndpoint)
			val := strconv.FormatUint(lsn, 10)
			if err := e.gw.Set(ctx, candPath, val); err != nil {
				if err := e.gw.Create(ctx, candPath, val, false); err != nil && !isAlreadyExists(err) {
					return err
				}
			}
			e.setState(Electing)
		}
	}
	return nil
}

// onCandidatesChanged implements the candidates-children-changed
// branch of §4.4: once enough candidates have reported, the
// highest-LSN one (ties by endpoint) attempts to claim leadership.
func (e *Engine) onCandidatesChanged(ctx context.Context) error {
	names, err := e.gw.Children(ctx, topology.Candidates(e.root, e.group))
	if err != nil {
		return err
	}
	if len(names) < e.replicaNum {
		return nil
	}

	type candidate struct {
		endpoint string
		lsn      uint64
	}
	cands := make([]candidate, 0, len(names))
	for _, n := range names {
		val, ok, err := e.gw.Get(ctx, topology.Candidate(e.root, e.group, n))
		if err != nil || !ok {
			continue
		}
		lsn, _ := strconv.ParseUint(val, 10, 64)
		cands = append(cands, candidate{endpoint: n, lsn: lsn})
	}
	if len(cands) == 0 {
		return nil
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].lsn != cands[j].lsn {
			return cands[i].lsn > cands[j].lsn
		}
		return cands[i].endpoint < cands[j].endpoint
	})
	winner := cands[0]
	if winner.endpoint != e.selfEndpoint {
		return nil
	}

	won, err := e.raceForLeader(ctx)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	if err := e.clearCandidates(ctx); err != nil {
		e.logger.Warn("clear candidates after winning election failed", zap.Error(err))
	}
	return e.becomePrimary(ctx)
}

func (e *Engine) clearCandidates(ctx context.Context) error {
	names, err := e.gw.Children(ctx, topology.Candidates(e.root, e.group))
	if err != nil {
		return err
	}
	for _, n := range names {
		if err := e.gw.Delete(ctx, topology.Candidate(e.root, e.group, n)); err != nil {
			e.logger.Debug("delete candidate failed, continuing", zap.String("candidate", n), zap.Error(err))
		}
	}
	return nil
}

// onLeaderPresent implements the "leaders/<group> created" reaction
// for everyone who is not the newly-elected primary themselves
// (becomePrimary handles that side directly at election time).
func (e *Engine) onLeaderPresent(ctx context.Context) error {
	if e.State() == Primary {
		return nil
	}
	if err := e.clearCandidates(ctx); err != nil {
		e.logger.Debug("clear candidates on leader-present failed", zap.Error(err))
	}
	return e.becomeFollower(ctx)
}
