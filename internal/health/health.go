// Package health implements the periodic end-to-end consistency check
// that runs on the CN primary: coordination-store leader state versus
// the foreign-server catalog versus physical replication state.
// Grounded on the teacher's monitoring.BackgroundMonitor — the same
// debounce/hysteresis alertState machinery, generalized from
// inotify-pressure checks to cluster-consistency checks.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"falcon-cm/internal/alerts"
	"falcon-cm/internal/dbdriver"
	"falcon-cm/internal/metrics"
	"falcon-cm/internal/store"
	"falcon-cm/internal/topology"
)

// Debounce configuration, unchanged in shape from the teacher's
// monitor: a condition must persist for hysteresisWindow before the
// first alert, and repeats are suppressed for alertCooldown after.
const (
	hysteresisWindow = 30 * time.Second
	alertCooldown    = 5 * time.Minute
)

// pollFloor is the minimum check period: New raises any shorter period
// to it. A failed or mismatching check is not retried early; the next
// attempt is the next regular tick.
const pollFloor = 60 * time.Second

type alertState struct {
	firingAt  time.Time
	isFiring  bool
	lastFired time.Time
}

// dbDriver is the subset of *dbdriver.Driver the reporter needs. Both
// methods dial out from the CN primary this reporter runs on:
// ListForeignServers reads the local catalog, StatReplicationOn reads
// pg_stat_replication on each group's own leader in turn.
type dbDriver interface {
	ListForeignServers(ctx context.Context) ([]dbdriver.ForeignServer, error)
	StatReplicationOn(ctx context.Context, endpoint string) ([]dbdriver.ReplicationStatus, error)
}

// Reporter runs the periodic consistency check.
type Reporter struct {
	gw     store.Gateway
	driver dbDriver
	sink   alerts.Sink
	logger *zap.Logger
	mx     *metrics.Registry

	root       string
	period     time.Duration
	replicaNum int
	groups     []string

	mu     sync.Mutex
	states map[string]*alertState
}

// New constructs a Reporter.
func New(gw store.Gateway, driver dbDriver, sink alerts.Sink, logger *zap.Logger, mx *metrics.Registry, root string, period time.Duration, replicaNum int, groups []string) *Reporter {
	if period < pollFloor {
		period = pollFloor
	}
	return &Reporter{
		gw: gw, driver: driver, sink: sink, logger: logger, mx: mx,
		root: root, period: period, replicaNum: replicaNum, groups: groups,
		states: make(map[string]*alertState),
	}
}

// Run loops the check on the configured period until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.check(ctx)
		}
	}
}

// check implements §4.6's three-way comparison, grounded on
// original_source's check_replication.py: store leaders vs.
// falcon_foreign_server vs. each group's own pg_stat_replication.
func (r *Reporter) check(ctx context.Context) {
	leaders := make(map[string]string)
	for _, g := range r.groups {
		ep, ok, err := r.gw.Get(ctx, topology.Leader(r.root, g))
		if err != nil {
			r.logger.Warn("read leader failed", zap.String("group", g), zap.Error(err))
			continue
		}
		if ok {
			leaders[g] = ep
		}
	}

	if len(leaders) == 0 {
		r.maybeAlert("cluster", "no_leaders", "no group has a current leader in the store")
		return
	}
	r.clear("cluster", "no_leaders")

	if _, ok := leaders[topology.CNGroup]; !ok {
		r.maybeAlert("cluster", "no_cn", "no current cn leader in the store")
		return
	}
	r.clear("cluster", "no_cn")

	servers, err := r.driver.ListForeignServers(ctx)
	if err != nil {
		r.logger.Warn("read falcon_foreign_server failed", zap.Error(err))
		return
	}
	dbGroups := make(map[string]string, len(servers))
	for _, s := range servers {
		dbGroups[s.Name] = s.Host
	}

	storeGroups := make(map[string]string, len(leaders))
	for g, ep := range leaders {
		if g == topology.CNGroup {
			continue
		}
		if host, _, ok := topology.SplitEndpoint(ep); ok {
			storeGroups[g] = host
		}
	}

	if !sameHostByGroup(storeGroups, dbGroups) {
		r.maybeAlert("cluster", "catalog_mismatch", fmt.Sprintf("store leaders %v do not match falcon_foreign_server rows %v", storeGroups, dbGroups))
		return
	}
	r.clear("cluster", "catalog_mismatch")

	for g, leaderEndpoint := range leaders {
		r.checkGroupReplication(ctx, g, leaderEndpoint)
	}
}

// checkGroupReplication dials group's own leader and confirms its
// pg_stat_replication view has exactly replicaNum streaming standbys
// whose addresses match the store's replicas/<group> roster, catching
// a stuck DN standby that the CN-local view alone would never see.
func (r *Reporter) checkGroupReplication(ctx context.Context, group, leaderEndpoint string) {
	statuses, err := r.driver.StatReplicationOn(ctx, leaderEndpoint)
	if err != nil {
		r.logger.Warn("pg_stat_replication read failed", zap.String("group", group), zap.Error(err))
		return
	}

	streaming := 0
	dbHosts := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		dbHosts[s.ClientAddr] = true
		if s.State == "streaming" {
			streaming++
		}
	}
	if len(statuses) != r.replicaNum || streaming != len(statuses) {
		r.maybeAlert(group, "wal_receiver_not_streaming", fmt.Sprintf("group %s: %d/%d standbys streaming", group, streaming, r.replicaNum))
		return
	}
	r.clear(group, "wal_receiver_not_streaming")

	replicaEndpoints, err := r.gw.Children(ctx, topology.Replicas(r.root, group))
	if err != nil {
		r.logger.Warn("read replicas failed", zap.String("group", group), zap.Error(err))
		return
	}
	storeHosts := make(map[string]bool, len(replicaEndpoints))
	for _, ep := range replicaEndpoints {
		if host, _, ok := topology.SplitEndpoint(ep); ok {
			storeHosts[host] = true
		}
	}
	if !sameHostSet(dbHosts, storeHosts) {
		r.maybeAlert(group, "replica_roster_mismatch", fmt.Sprintf("group %s: db standbys %v do not match store replicas %v", group, dbHosts, storeHosts))
		return
	}
	r.clear(group, "replica_roster_mismatch")
}

func sameHostByGroup(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func sameHostSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// maybeAlert applies the hysteresis/cooldown debounce before calling
// into the alert sink, matching the teacher's maybeAlert shape.
func (r *Reporter) maybeAlert(group, kind, message string) {
	key := group + ":" + kind
	now := time.Now()

	r.mu.Lock()
	state, ok := r.states[key]
	if !ok {
		state = &alertState{}
		r.states[key] = state
	}
	if !state.isFiring {
		state.isFiring = true
		state.firingAt = now
	}
	firingAt := state.firingAt
	lastFired := state.lastFired
	r.mu.Unlock()

	if now.Sub(firingAt) < hysteresisWindow {
		return
	}
	if !lastFired.IsZero() && now.Sub(lastFired) < alertCooldown {
		return
	}

	r.mu.Lock()
	state.lastFired = now
	r.mu.Unlock()

	r.mx.HealthMismatches.WithLabelValues(kind).Inc()
	r.logger.Error("health mismatch", zap.String("group", group), zap.String("kind", kind), zap.String("detail", message))
	if err := r.sink.Send(context.Background(), fmt.Sprintf("[%s] %s: %s", kind, group, message)); err != nil {
		r.logger.Warn("alert sink send failed", zap.Error(err))
	}
}

// clear resets a debounce state once the underlying condition
// resolves, so a later recurrence re-enters the hysteresis window
// rather than firing immediately.
func (r *Reporter) clear(group, kind string) {
	key := group + ":" + kind
	r.mu.Lock()
	delete(r.states, key)
	r.mu.Unlock()
}
