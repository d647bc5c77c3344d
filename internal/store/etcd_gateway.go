// Package store's etcd realization of the Coordination-Store Gateway.
//
// etcd's lease mechanism stands in for the ZooKeeper-like store's
// session: one lease is granted per gateway instance and kept alive in
// the background; every ephemeral Create attaches that lease. When the
// keep-alive channel closes — because etcd revoked the lease after
// missed heartbeats, or the connection is partitioned long enough for
// the lease to expire — every ephemeral key this agent held
// disappears atomically, exactly like a ZooKeeper session timing out,
// and OnSessionLost fires.
//
// etcd's watch is already a long-lived stream (unlike the one-shot
// watch spec.md describes), so "re-arming" here means reopening the
// stream after it is closed by a compaction error or a transient
// disconnect — the caller-visible behavior (automatic re-arm,
// idempotent redelivery) is identical either way.
package store

import (
	"context"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	sessionTTLSeconds = 15
	childSep          = "/"
)

// EtcdGateway is the production Gateway backed by an etcd v3 cluster.
type EtcdGateway struct {
	cli     *clientv3.Client
	logger  *zap.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	leaseID        clientv3.LeaseID
	sessionLostCbs []func()
	sessionLost    bool
}

// NewEtcdGateway dials endpoints, grants this session's lease, and
// starts the keep-alive loop. timeout bounds every individual RPC
// issued through the returned Gateway (spec.md's "timeout" config
// knob).
func NewEtcdGateway(endpoints []string, timeout time.Duration, logger *zap.Logger) (*EtcdGateway, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	grantCtx, grantCancel := context.WithTimeout(context.Background(), timeout)
	defer grantCancel()
	lease, err := cli.Grant(grantCtx, sessionTTLSeconds)
	if err != nil {
		cli.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &EtcdGateway{
		cli:     cli,
		logger:  logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		leaseID: lease.ID,
	}

	keepAliveCh, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cli.Close()
		cancel()
		return nil, err
	}

	g.wg.Add(1)
	go g.runKeepAlive(keepAliveCh)

	return g, nil
}

func (g *EtcdGateway) runKeepAlive(ch <-chan *clientv3.LeaseKeepAliveResponse) {
	defer g.wg.Done()
	for range ch {
		// drain; we only care that the channel stays open
	}
	// channel closed: lease expired, was revoked, or ctx was cancelled
	// on our own Close(). Only the former is a genuine session loss.
	g.mu.Lock()
	alreadyLost := g.sessionLost
	closedLocally := g.ctx.Err() != nil
	if !closedLocally {
		g.sessionLost = true
	}
	cbs := append([]func(){}, g.sessionLostCbs...)
	g.mu.Unlock()

	if alreadyLost || closedLocally {
		return
	}
	if g.logger != nil {
		g.logger.Error("store: session lost, lease keepalive channel closed")
	}
	for _, cb := range cbs {
		cb()
	}
}

// OnSessionLost registers cb. If the session is already lost, cb is
// invoked inline so a late registration never misses the signal.
func (g *EtcdGateway) OnSessionLost(cb func()) {
	g.mu.Lock()
	if g.sessionLost {
		g.mu.Unlock()
		cb()
		return
	}
	g.sessionLostCbs = append(g.sessionLostCbs, cb)
	g.mu.Unlock()
}

func (g *EtcdGateway) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

// Create implements Gateway.
func (g *EtcdGateway) Create(ctx context.Context, path, value string, ephemeral bool) error {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()

	var putOpts []clientv3.OpOption
	if ephemeral {
		g.mu.Lock()
		lease := g.leaseID
		g.mu.Unlock()
		putOpts = append(putOpts, clientv3.WithLease(lease))
	}

	txn := g.cli.Txn(cctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, value, putOpts...))
	resp, err := txn.Commit()
	if err != nil {
		return wrapStoreErr(err)
	}
	if !resp.Succeeded {
		return ErrAlreadyExists
	}
	return nil
}

// Set implements Gateway.
func (g *EtcdGateway) Set(ctx context.Context, path, value string) error {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	_, err := g.cli.Put(cctx, path, value)
	if err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// Get implements Gateway.
func (g *EtcdGateway) Get(ctx context.Context, path string) (string, bool, error) {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	resp, err := g.cli.Get(cctx, path)
	if err != nil {
		return "", false, wrapStoreErr(err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// Delete implements Gateway.
func (g *EtcdGateway) Delete(ctx context.Context, path string) error {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	resp, err := g.cli.Delete(cctx, path)
	if err != nil {
		return wrapStoreErr(err)
	}
	if resp.Deleted == 0 {
		return ErrNoNode
	}
	return nil
}

// Exists implements Gateway.
func (g *EtcdGateway) Exists(ctx context.Context, path string) (bool, error) {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	resp, err := g.cli.Get(cctx, path, clientv3.WithCountOnly())
	if err != nil {
		return false, wrapStoreErr(err)
	}
	return resp.Count > 0, nil
}

// Children implements Gateway, listing immediate child names under path.
func (g *EtcdGateway) Children(ctx context.Context, path string) ([]string, error) {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	prefix := strings.TrimSuffix(path, childSep) + childSep
	resp, err := g.cli.Get(cctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	seen := make(map[string]bool)
	var names []string
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		if rest == "" {
			continue
		}
		name := rest
		if idx := strings.Index(rest, childSep); idx >= 0 {
			name = rest[:idx]
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}

func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	return &wrappedStoreError{err: err}
}

type wrappedStoreError struct{ err error }

func (e *wrappedStoreError) Error() string { return "store: " + e.err.Error() }
func (e *wrappedStoreError) Unwrap() error { return ErrStoreError }
func (e *wrappedStoreError) cause() error  { return e.err }

var _ Gateway = (*EtcdGateway)(nil)
