package dht

import (
	"log/slog"
	"time"
)

// Config configures a Client.
type Config struct {
	// Bootstrap is the ordered list of "host:port" seed nodes used by
	// Bootstrap. An empty list means no bootstrap is attempted.
	Bootstrap []string

	// BindPort is the UDP port to listen on; 0 means OS-assigned.
	BindPort uint16

	// QueryTimeout bounds every outgoing KRPC query.
	QueryTimeout time.Duration

	// BucketSize is the per-bucket node capacity of the routing table.
	BucketSize int

	// LookupWidth is the number of closest known nodes queried in
	// parallel by Announce and Lookup.
	LookupWidth int

	// Logger receives structured operational logs. Defaults to
	// slog.Default() if nil.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for a Client.
func DefaultConfig() Config {
	return Config{
		QueryTimeout: 2 * time.Second,
		BucketSize:   DefaultBucketSize,
		LookupWidth:  8,
	}
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
