package orchestrator

import (
	"time"

	"github.com/ramiqadoumi/go-task-orchestrator/pkg/telemetry"
)

// Sweep removes completed tasks that settled longer ago than the retention
// TTL and returns how many were removed. Query tallies of keys that have been
// idle as long, and have no active task, are dropped too.
func (m *Manager) Sweep() int {
	if m.retentionTTL <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.retentionTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	// Keys are oldest first and completed tasks are only ever added, so the
	// first young entry ends the scan.
	for _, id := range m.completed.Keys() {
		t, ok := m.completed.Peek(id)
		if !ok {
			continue
		}
		if t.CompletedAt().After(cutoff) {
			break
		}
		m.completed.Remove(id)
		removed++
	}
	telemetry.TasksRetained.Set(float64(m.completed.Len()))
	m.sweepQueriesLocked(cutoff)
	return removed
}

func (m *Manager) sweepQueriesLocked(cutoff time.Time) {
	if len(m.queries) == 0 {
		return
	}
	busy := make(map[string]struct{}, len(m.active))
	for _, t := range m.active {
		busy[t.CorrelationKey()] = struct{}{}
	}
	for key, q := range m.queries {
		if _, ok := busy[key]; ok || q.last.After(cutoff) {
			continue
		}
		delete(m.queries, key)
	}
}
