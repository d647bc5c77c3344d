package store

import "context"

// Gateway is the typed coordination-store interface every other
// component depends on. spec.md §4.1: "thin wrapper over the external
// store: typed reads/writes, watch registration with callbacks,
// session-loss signal."
type Gateway interface {
	// Create creates path with value, ephemeral or persistent.
	// Returns ErrAlreadyExists if path already exists.
	Create(ctx context.Context, path, value string, ephemeral bool) error

	// Set writes value to path, creating a persistent node if absent.
	Set(ctx context.Context, path, value string) error

	// Get returns the value at path. ok is false if path does not exist.
	Get(ctx context.Context, path string) (value string, ok bool, err error)

	// Delete removes path. Returns ErrNoNode if it did not exist.
	Delete(ctx context.Context, path string) error

	// Exists reports whether path currently exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Children lists the immediate child names under path.
	Children(ctx context.Context, path string) ([]string, error)

	// WatchData arms a watch on a single path's existence/value.
	WatchData(ctx context.Context, path string, cb func(Event)) (Subscription, error)

	// WatchChildren arms a watch on path's child set.
	WatchChildren(ctx context.Context, path string, cb func(Event)) (Subscription, error)

	// OnSessionLost registers a handler invoked exactly once when this
	// gateway's session (and therefore every ephemeral node it holds)
	// is lost. Per spec.md §4.1, this is fatal: the handler must hard
	// stop the local database before returning.
	OnSessionLost(cb func())

	// Close releases the gateway's session and background goroutines.
	Close() error
}
