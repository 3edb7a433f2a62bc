// Package domain holds the types shared by every layer of the download
// orchestrator: the durable Task record, its state machine, and the
// sentinel errors workers classify failures into.
package domain

import "time"

// State is one node in the task lifecycle state machine.
type State string

const (
	StateQueued      State = "QUEUED"
	StateStarting    State = "STARTING"
	StateDownloading State = "DOWNLOADING"
	StatePaused      State = "PAUSED"
	StateWaiting     State = "WAITING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
	StateCancelled   State = "CANCELLED"
)

// Terminal reports whether a state is sticky: no transition ever leaves it,
// except FAILED which may re-enter QUEUED via an explicit retry.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// transitions enumerates every legal (from, to) edge in the task state
// machine. Anything not listed here is a bug and Orchestrator.transition
// rejects it.
var transitions = map[State]map[State]bool{
	StateQueued: {
		StateStarting:  true,
		StatePaused:    true,
		StateCancelled: true,
	},
	StateStarting: {
		StateDownloading: true,
		StateWaiting:     true,
		StateFailed:      true,
		StatePaused:      true,
		StateCancelled:   true,
	},
	StateDownloading: {
		StateCompleted: true,
		StateWaiting:   true,
		StateFailed:    true,
		StatePaused:    true,
		StateCancelled: true,
	},
	StatePaused: {
		StateQueued:    true,
		StateCancelled: true,
	},
	StateWaiting: {
		StateQueued:    true,
		StateCancelled: true,
	},
	StateFailed: {
		StateQueued: true,
	},
}

// ValidTransition reports whether moving from `from` to `to` is allowed by
// the state transition table.
func ValidTransition(from, to State) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// ErrorEntry is one row of a task's bounded error history.
type ErrorEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message"`
	RetryCount int       `json:"retry_count"`
}

// MaxErrorHistory is the fixed capacity of Task.ErrorHistory: a ring that
// keeps only the most recent entries rather than growing unbounded.
const MaxErrorHistory = 3

// Task is the durable record driving one requested file transfer. Static
// fields are immutable after creation; mutable lifecycle fields are written
// exclusively by the Orchestrator. Volatile fields never round-trip through
// the Store — they are rebuilt by the Task Manager on recovery.
type Task struct {
	// Identity
	ID string

	// Static
	OriginalURL    string
	Filename       string
	DestinationDir string
	SizeTotal      *int64 // nil until first HEAD/GET response discovers it
	Category       string
	BatchID        string
	BatchName      string
	CatalogTitle   string
	CatalogSeason  string
	CatalogEpisode string
	Priority       int
	CreatedAt      time.Time

	// Mutable lifecycle
	State           State
	BytesDownloaded int64
	RetryCount      int
	WaitUntil       time.Time
	LastError       string
	ErrorHistory    []ErrorEntry
}

// AppendError pushes an entry onto the bounded error history ring,
// discarding the oldest entry on overflow.
func (t *Task) AppendError(entry ErrorEntry) {
	t.ErrorHistory = append(t.ErrorHistory, entry)
	if len(t.ErrorHistory) > MaxErrorHistory {
		t.ErrorHistory = t.ErrorHistory[len(t.ErrorHistory)-MaxErrorHistory:]
	}
}

// Clone returns a deep-enough copy safe to hand to a caller without letting
// them mutate the Task Manager's or Store's internal state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.SizeTotal != nil {
		size := *t.SizeTotal
		cp.SizeTotal = &size
	}
	cp.ErrorHistory = append([]ErrorEntry(nil), t.ErrorHistory...)
	return &cp
}

// Snapshot is the projection returned by list()/get_unified(): a Task's
// durable fields merged with the Task Manager's live counters when present.
type Snapshot struct {
	Task
	LiveBytes int64
	LiveSpeed float64
	LiveETA   time.Duration
	Live      bool // true if this snapshot was merged from the Task Manager
}

// Filter narrows list() and list_by_states() queries.
type Filter struct {
	States   []State
	BatchID  string
	Category string
}

// SortField selects the ordering column for list().
type SortField string

const (
	SortByCreatedAt SortField = "created_at"
	SortByState     SortField = "state"
	SortByPriority  SortField = "priority"
)

// Page requests a bounded, offset slice of a list() result.
type Page struct {
	Limit  int
	Offset int
}
