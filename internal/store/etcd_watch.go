package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

func fieldError(err error) zap.Field { return zap.Error(err) }
func fieldPath(path string) zap.Field { return zap.String("path", path) }
func fieldWatchID(id string) zap.Field { return zap.String("watch_id", id) }

const watchRetryDelay = time.Second

// subscription tracks one armed watch. id is a process-local
// identifier (not persisted) so re-arm log lines for the same
// subscription can be correlated across the watch's retry loop.
type subscription struct {
	id     string
	cancel context.CancelFunc
	once   sync.Once
}

func (s *subscription) Cancel() {
	s.once.Do(s.cancel)
}

// WatchData implements Gateway. The callback receives Created the
// first time a value shows up, DataChanged on every subsequent write,
// and Deleted when the key disappears (including when its lease
// expires).
func (g *EtcdGateway) WatchData(ctx context.Context, path string, cb func(Event)) (Subscription, error) {
	watchCtx, cancel := context.WithCancel(g.ctx)
	sub := &subscription{id: uuid.NewString(), cancel: cancel}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.runDataWatch(watchCtx, sub.id, path, cb)
	}()

	return sub, nil
}

func (g *EtcdGateway) runDataWatch(ctx context.Context, watchID, path string, cb func(Event)) {
	for {
		if ctx.Err() != nil {
			return
		}
		ch := g.cli.Watch(ctx, path)
		for resp := range ch {
			if resp.Err() != nil {
				if g.logger != nil {
					g.logger.Warn("store: data watch error, re-arming", fieldError(resp.Err()), fieldPath(path), fieldWatchID(watchID))
				}
				break
			}
			for _, ev := range resp.Events {
				cb(dataEventFrom(path, ev))
			}
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-time.After(watchRetryDelay):
		case <-ctx.Done():
			return
		}
	}
}

func dataEventFrom(path string, ev *clientv3.Event) Event {
	switch ev.Type {
	case clientv3.EventTypeDelete:
		return Event{Type: Deleted, Path: path}
	default:
		if ev.IsCreate() {
			return Event{Type: Created, Path: path, Value: string(ev.Kv.Value)}
		}
		return Event{Type: DataChanged, Path: path, Value: string(ev.Kv.Value)}
	}
}

// WatchChildren implements Gateway. On any change under the prefix,
// the gateway re-lists the full child set and delivers it as a single
// ChildrenChanged event — callers never see incremental deltas, which
// makes redelivery after a reconnect trivially idempotent: acting on
// the same full list twice is a no-op.
func (g *EtcdGateway) WatchChildren(ctx context.Context, path string, cb func(Event)) (Subscription, error) {
	watchCtx, cancel := context.WithCancel(g.ctx)
	sub := &subscription{id: uuid.NewString(), cancel: cancel}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.runChildrenWatch(watchCtx, sub.id, path, cb)
	}()

	return sub, nil
}

func (g *EtcdGateway) runChildrenWatch(ctx context.Context, watchID, path string, cb func(Event)) {
	prefix := strings.TrimSuffix(path, childSep) + childSep

	emit := func() {
		children, err := g.Children(ctx, path)
		if err != nil {
			if g.logger != nil {
				g.logger.Warn("store: children watch: list failed", fieldError(err), fieldPath(path), fieldWatchID(watchID))
			}
			return
		}
		cb(Event{Type: ChildrenChanged, Path: path, Children: children})
	}

	// Deliver the initial state immediately so a freshly-armed watch
	// behaves the same as one that has already seen a ChildrenChanged.
	emit()

	for {
		if ctx.Err() != nil {
			return
		}
		ch := g.cli.Watch(ctx, prefix, clientv3.WithPrefix())
		for resp := range ch {
			if resp.Err() != nil {
				if g.logger != nil {
					g.logger.Warn("store: children watch error, re-arming", fieldError(resp.Err()), fieldPath(path), fieldWatchID(watchID))
				}
				break
			}
			if len(resp.Events) > 0 {
				emit()
			}
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-time.After(watchRetryDelay):
		case <-ctx.Done():
			return
		}
		emit()
	}
}

// Close implements Gateway.
func (g *EtcdGateway) Close() error {
	g.cancel()
	g.wg.Wait()
	return g.cli.Close()
}
