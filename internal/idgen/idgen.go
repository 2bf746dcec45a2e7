// Package idgen mints challenge ids that stay unique across nodes without
// coordination: a per-server prefix plus a monotonically increasing
// base36 counter. The counter is sequential and therefore predictable —
// callers must never derive randomness from the id itself.
package idgen

import (
	"strconv"
	"sync/atomic"
)

// Generator mints ids of the form c_<serverPrefix>_<monotonicBase36>.
type Generator struct {
	prefix  string
	counter uint64
}

// New constructs a Generator scoped to serverPrefix (typically the
// SERVER_INSTANCE_ID).
func New(serverPrefix string) *Generator {
	return &Generator{prefix: serverPrefix}
}

// Next returns the next id. Safe for concurrent use.
func (g *Generator) Next() string {
	n := atomic.AddUint64(&g.counter, 1)
	return "c_" + g.prefix + "_" + strconv.FormatUint(n, 36)
}
