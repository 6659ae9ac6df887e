package server

// Config holds the external interface surface named in spec.md §6: the
// listening port, the optional replicaof upstream, and the snapshot
// location. This is the narrowed, spec-scoped counterpart of the
// teacher's far larger Config struct (AOF/cluster/pipeline tuning etc.
// have no component in this spec and are not carried).
type Config struct {
	Port int

	ReplicaOfHost string
	ReplicaOfPort int

	Dir        string
	DBFilename string

	// MaxAcceptPerSecond paces the accept loop via golang.org/x/time/rate,
	// generalising the teacher's bare connection-count cap with real
	// token-bucket pacing. Zero disables pacing.
	MaxAcceptPerSecond float64
}

// IsReplica reports whether --replicaof was supplied.
func (c *Config) IsReplica() bool {
	return c.ReplicaOfHost != ""
}

// DefaultConfig mirrors the teacher's DefaultConfig helper, trimmed to
// this spec's surface.
func DefaultConfig() *Config {
	return &Config{
		Port:               6379,
		DBFilename:         "dump.rdb",
		MaxAcceptPerSecond: 500,
	}
}
