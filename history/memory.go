/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package history records completed and missed calls. Memory is the
// built-in bounded in-memory sink; deployments wanting durable history
// supply their own session.HistorySink.
package history

import (
	"sync"

	"github.com/meshtalk/callkit-go/session"
)

// DefaultLimit bounds the in-memory record count.
const DefaultLimit = 200

// Memory is a bounded, newest-first call log. Safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	limit   int
	entries []session.Summary
}

// NewMemory creates a sink holding at most limit entries. A non-positive
// limit falls back to DefaultLimit.
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Memory{limit: limit}
}

// Append implements session.HistorySink. The oldest entry is evicted when
// the sink is full.
func (m *Memory) Append(summary session.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append([]session.Summary{summary}, m.entries...)
	if len(m.entries) > m.limit {
		m.entries = m.entries[:m.limit]
	}
	return nil
}

// All returns every recorded call, newest first.
func (m *Memory) All() []session.Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]session.Summary, len(m.entries))
	copy(out, m.entries)
	return out
}

// Missed returns the missed incoming calls, newest first.
func (m *Memory) Missed() []session.Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []session.Summary
	for _, e := range m.entries {
		if e.Missed {
			out = append(out, e)
		}
	}
	return out
}

// Len reports the number of recorded calls.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
