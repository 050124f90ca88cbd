// Package seq assigns monotonically increasing sequence numbers to WAL
// events, scoped per (sessionID, revision) pair.
package seq

import (
	"fmt"
	"strings"
	"sync"
)

// Generator hands out strictly increasing, gapless sequence numbers starting
// at 1 for each (sessionID, revision) pair. Purely in-memory; callers seed it
// from the WAL high-water mark on restart via Initialize.
type Generator struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewGenerator creates an empty generator.
func NewGenerator() *Generator {
	return &Generator{counters: make(map[string]int64)}
}

func key(sessionID string, revision int64) string {
	return fmt.Sprintf("%s:%d", sessionID, revision)
}

// Next returns the next sequence number for the pair, starting at 1.
func (g *Generator) Next(sessionID string, revision int64) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := key(sessionID, revision)
	g.counters[k]++
	return g.counters[k]
}

// Initialize seeds the counter from a persisted high-water mark so a
// restarted CLI never reuses sequence numbers. A lower lastSeq than the
// current counter is ignored.
func (g *Generator) Initialize(sessionID string, revision, lastSeq int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := key(sessionID, revision)
	if lastSeq > g.counters[k] {
		g.counters[k] = lastSeq
	}
}

// Reset zeroes the counter for a pair; the next Next returns 1. Used when a
// new revision begins.
func (g *Generator) Reset(sessionID string, revision int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.counters, key(sessionID, revision))
}

// ClearSession purges all revision counters for a closed session.
func (g *Generator) ClearSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prefix := sessionID + ":"
	for k := range g.counters {
		if strings.HasPrefix(k, prefix) {
			delete(g.counters, k)
		}
	}
}
