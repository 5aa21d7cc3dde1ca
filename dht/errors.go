package dht

import "errors"

// Sentinel errors returned by Client operations.
var (
	// ErrTimeout is returned when a query's deadline elapses before a
	// response arrives.
	ErrTimeout = errors.New("dht: query timeout")

	// ErrNoReachableBootstrap is returned by Bootstrap when none of the
	// configured seed nodes responded.
	ErrNoReachableBootstrap = errors.New("dht: no bootstrap node responded")

	// ErrShutdown is returned by in-flight operations when Shutdown is
	// called.
	ErrShutdown = errors.New("dht: client shut down")

	// ErrNoNodes is returned by operations that need at least one known
	// node and find the routing table empty.
	ErrNoNodes = errors.New("dht: no nodes in routing table")
)
