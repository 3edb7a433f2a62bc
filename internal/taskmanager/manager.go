// Package taskmanager holds the in-memory Task Manager: a cache over the
// Store plus the volatile, never-persisted runtime handles a running
// transfer needs — its cancel func, its pause signal, and its live
// byte/speed counters. Grounded on gonzb's internal/engine/manager.go
// QueueManager, generalized from a single-active-item slice to a concurrent
// map keyed by task id since the Worker Pool runs C transfers at once.
package taskmanager

import (
	"context"
	"sync"
	"time"

	"github.com/flasharr/flasharr/internal/domain"
)

// entry is one task's live runtime state: the authoritative in-memory copy
// of its domain.Task plus whatever handles only exist while a worker holds
// the task.
type entry struct {
	task       *domain.Task
	cancelFunc context.CancelFunc
	pauseChan  chan struct{}

	liveBytes  int64
	liveSpeed  float64
	lastSeenAt time.Time
	live       bool // true while a worker is actively transferring this task
}

// Manager is the Task Manager: safe for concurrent use by the Worker Pool,
// the Orchestrator, and the HTTP API's read path.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func New() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

// Insert adds or replaces a task's cached copy, clearing any stale runtime
// handles — used both for brand-new submissions and for recover()
// rehydrating the cache from the Store at startup.
func (m *Manager) Insert(t *domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[t.ID] = &entry{task: t.Clone()}
}

// Get returns a point-in-time snapshot merging the cached task with live
// progress counters, if any worker is actively transferring it.
func (m *Manager) Get(id string) (*domain.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return snapshotOf(e), true
}

// List returns snapshots for every cached task matching filter on
// state/batch/category, in no particular order. Matching happens here rather
// than in the Store since this path serves the hot, frequently-polled list()
// call.
func (m *Manager) List(filter domain.Filter) []*domain.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Snapshot, 0, len(m.entries))
	for _, e := range m.entries {
		if !matches(e.task, filter) {
			continue
		}
		out = append(out, snapshotOf(e))
	}
	return out
}

func matches(t *domain.Task, filter domain.Filter) bool {
	if len(filter.States) > 0 {
		found := false
		for _, st := range filter.States {
			if t.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.BatchID != "" && t.BatchID != filter.BatchID {
		return false
	}
	if filter.Category != "" && t.Category != filter.Category {
		return false
	}
	return true
}

func snapshotOf(e *entry) *domain.Snapshot {
	snap := &domain.Snapshot{Task: *e.task.Clone()}
	if e.live {
		snap.Live = true
		snap.LiveBytes = e.liveBytes
		snap.LiveSpeed = e.liveSpeed
		if e.liveSpeed > 0 && e.task.SizeTotal != nil {
			remaining := *e.task.SizeTotal - e.liveBytes
			if remaining > 0 {
				snap.LiveETA = time.Duration(float64(remaining)/e.liveSpeed) * time.Second
			}
		}
	}
	return snap
}

// UpdateState overwrites the cached task's mutable lifecycle fields to
// mirror a durable write the Orchestrator just committed to the Store.
func (m *Manager) UpdateState(t *domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[t.ID]
	if !ok {
		m.entries[t.ID] = &entry{task: t.Clone()}
		return
	}
	e.task = t.Clone()
}

// UpdateProgress records a rate-limited live counter update from the
// fetcher's progress callback. It never touches the Store.
func (m *Manager) UpdateProgress(id string, bytesDownloaded int64, speedBps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return
	}
	e.live = true
	e.liveBytes = bytesDownloaded
	e.liveSpeed = speedBps
	e.lastSeenAt = time.Now()
	e.task.BytesDownloaded = bytesDownloaded
}

// ClearLive marks a task no longer actively transferring once its worker
// finishes, pauses, or fails it, so list() falls back to the durable
// bytes_downloaded snapshot instead of a stale live counter.
func (m *Manager) ClearLive(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.live = false
	}
}

// BindRuntime attaches the cancel func and pause channel a worker creates
// when it claims a task. Both are nil'd out again once the worker returns.
func (m *Manager) BindRuntime(id string, cancel context.CancelFunc, pauseChan chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return
	}
	e.cancelFunc = cancel
	e.pauseChan = pauseChan
}

func (m *Manager) UnbindRuntime(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.cancelFunc = nil
		e.pauseChan = nil
		e.live = false
	}
}

// Cancel invokes the running transfer's cancel func, if one is bound.
// Returns false when the task isn't cached or isn't currently running —
// the Orchestrator still performs the durable state transition either way.
func (m *Manager) Cancel(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok || e.cancelFunc == nil {
		return false
	}
	e.cancelFunc()
	return true
}

// Pause signals the running transfer's pause channel, if bound. The fetcher
// checks this channel cooperatively between reads.
func (m *Manager) Pause(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok || e.pauseChan == nil {
		return false
	}
	select {
	case e.pauseChan <- struct{}{}:
	default:
	}
	return true
}

// Remove evicts a task from the cache entirely, used after a terminal task
// is deleted from the Store.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// All returns a defensive copy of every cached task, in no particular order.
func (m *Manager) All() []*domain.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Task, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.task.Clone())
	}
	return out
}
