// Package storetest provides an in-memory fake of store.Gateway so the
// election/membership/bootstrap logic can be driven deterministically
// in tests without a live etcd server. Shaped after the teacher's
// ha.Manager: a mutex-guarded map standing in for durable state, with
// explicit methods simulating the failure modes a real session can
// hit (SimulateSessionLoss, node deletion from "outside").
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"falcon-cm/internal/store"
)

type node struct {
	value     string
	ephemeral bool
}

// Fake is an in-memory store.Gateway.
type Fake struct {
	mu    sync.Mutex
	nodes map[string]node

	dataWatches     map[string][]func(store.Event)
	childrenWatches map[string][]func(store.Event)

	sessionLostCbs []func()
	sessionLost    bool
}

// New constructs an empty Fake.
func New() *Fake {
	return &Fake{
		nodes:           make(map[string]node),
		dataWatches:     make(map[string][]func(store.Event)),
		childrenWatches: make(map[string][]func(store.Event)),
	}
}

var _ store.Gateway = (*Fake)(nil)

func (f *Fake) Create(_ context.Context, path, value string, ephemeral bool) error {
	f.mu.Lock()
	if _, exists := f.nodes[path]; exists {
		f.mu.Unlock()
		return store.ErrAlreadyExists
	}
	f.nodes[path] = node{value: value, ephemeral: ephemeral}
	f.mu.Unlock()

	f.fireData(path, store.Event{Type: store.Created, Path: path, Value: value})
	f.fireChildrenOfParent(path)
	return nil
}

func (f *Fake) Set(_ context.Context, path, value string) error {
	f.mu.Lock()
	n, existed := f.nodes[path]
	n.value = value
	f.nodes[path] = n
	f.mu.Unlock()

	evType := store.DataChanged
	if !existed {
		evType = store.Created
	}
	f.fireData(path, store.Event{Type: evType, Path: path, Value: value})
	if !existed {
		f.fireChildrenOfParent(path)
	}
	return nil
}

func (f *Fake) Get(_ context.Context, path string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return "", false, nil
	}
	return n.value, true, nil
}

func (f *Fake) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	if _, ok := f.nodes[path]; !ok {
		f.mu.Unlock()
		return store.ErrNoNode
	}
	delete(f.nodes, path)
	f.mu.Unlock()

	f.fireData(path, store.Event{Type: store.Deleted, Path: path})
	f.fireChildrenOfParent(path)
	return nil
}

func (f *Fake) Exists(_ context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[path]
	return ok, nil
}

func (f *Fake) Children(_ context.Context, path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.childrenLocked(path), nil
}

func (f *Fake) childrenLocked(path string) []string {
	prefix := strings.TrimSuffix(path, "/") + "/"
	seen := make(map[string]bool)
	var names []string
	for p := range f.nodes {
		rest := strings.TrimPrefix(p, prefix)
		if rest == p || rest == "" {
			continue
		}
		name := rest
		if idx := strings.Index(rest, "/"); idx >= 0 {
			name = rest[:idx]
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (f *Fake) WatchData(_ context.Context, path string, cb func(store.Event)) (store.Subscription, error) {
	f.mu.Lock()
	f.dataWatches[path] = append(f.dataWatches[path], cb)
	f.mu.Unlock()
	return noopSubscription{}, nil
}

func (f *Fake) WatchChildren(_ context.Context, path string, cb func(store.Event)) (store.Subscription, error) {
	f.mu.Lock()
	f.childrenWatches[path] = append(f.childrenWatches[path], cb)
	children := f.childrenLocked(path)
	f.mu.Unlock()
	cb(store.Event{Type: store.ChildrenChanged, Path: path, Children: children})
	return noopSubscription{}, nil
}

func (f *Fake) OnSessionLost(cb func()) {
	f.mu.Lock()
	if f.sessionLost {
		f.mu.Unlock()
		cb()
		return
	}
	f.sessionLostCbs = append(f.sessionLostCbs, cb)
	f.mu.Unlock()
}

func (f *Fake) Close() error { return nil }

// SimulateSessionLoss removes every ephemeral node (as a real session
// timeout would) and fires every registered OnSessionLost callback
// exactly once.
func (f *Fake) SimulateSessionLoss() {
	f.mu.Lock()
	var toDelete []string
	for p, n := range f.nodes {
		if n.ephemeral {
			toDelete = append(toDelete, p)
		}
	}
	for _, p := range toDelete {
		delete(f.nodes, p)
	}
	alreadyLost := f.sessionLost
	f.sessionLost = true
	cbs := append([]func(){}, f.sessionLostCbs...)
	f.mu.Unlock()

	for _, p := range toDelete {
		f.fireData(p, store.Event{Type: store.Deleted, Path: p})
		f.fireChildrenOfParent(p)
	}
	if !alreadyLost {
		for _, cb := range cbs {
			cb()
		}
	}
}

func (f *Fake) fireData(path string, ev store.Event) {
	f.mu.Lock()
	cbs := append([]func(store.Event){}, f.dataWatches[path]...)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func (f *Fake) fireChildrenOfParent(path string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return
	}
	parent := path[:idx]
	f.mu.Lock()
	cbs := append([]func(store.Event){}, f.childrenWatches[parent]...)
	children := f.childrenLocked(parent)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(store.Event{Type: store.ChildrenChanged, Path: parent, Children: children})
	}
}

type noopSubscription struct{}

func (noopSubscription) Cancel() {}
