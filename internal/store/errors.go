package store

import "errors"

// Error taxonomy per spec.md §7. StoreError is transient (retry);
// SessionLost is fatal (the gateway's registered hard-stop handler
// runs, then the process exits); AlreadyExists/NoNode are expected
// during races between agents and are meant to be swallowed by
// callers, not escalated.
var (
	ErrAlreadyExists = errors.New("store: node already exists")
	ErrNoNode        = errors.New("store: no such node")
	ErrSessionLost   = errors.New("store: session lost")
	ErrStoreError    = errors.New("store: transient store error")
)
