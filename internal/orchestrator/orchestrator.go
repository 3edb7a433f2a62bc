// Package orchestrator is the sole mutator of task state. It coordinates
// the Store, the Task Manager, the Event Bus, and wakes the Worker Pool;
// every transition the system makes runs through one of its methods, is
// persisted, and is published. Grounded on gonzb's internal/engine
// QueueManager: Add/UpdateStatus/finalizeJob generalized from one active
// item to many concurrent claims, and its state machine driven by
// domain.ValidTransition instead of an unchecked status field.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/flasharr/flasharr/internal/domain"
	"github.com/flasharr/flasharr/internal/eventbus"
	"github.com/flasharr/flasharr/internal/obs/logger"
)

// Store is the subset of store.Store the Orchestrator depends on.
type Store interface {
	Upsert(ctx context.Context, t *domain.Task) error
	Load(ctx context.Context, id string) (*domain.Task, error)
	FindActiveByURL(ctx context.Context, originalURL, category string) (*domain.Task, error)
	List(ctx context.Context, filter domain.Filter, page domain.Page, sort domain.SortField) ([]*domain.Task, error)
	ListByStates(ctx context.Context, states ...domain.State) ([]*domain.Task, error)
	Delete(ctx context.Context, id string) error
	AppendError(ctx context.Context, id string, entry domain.ErrorEntry) error
	ResetInFlight(ctx context.Context) (int64, error)
}

// TaskManager is the subset of taskmanager.Manager the Orchestrator
// depends on.
type TaskManager interface {
	Insert(t *domain.Task)
	Get(id string) (*domain.Snapshot, bool)
	List(filter domain.Filter) []*domain.Snapshot
	UpdateState(t *domain.Task)
	Remove(id string)
	Cancel(id string) bool
	Pause(id string) bool
	All() []*domain.Task
}

// Notifier wakes the Worker Pool when new or newly-eligible work appears.
// Satisfied by *workerpool.Pool; kept as its own tiny interface so this
// package never needs to import workerpool (which itself imports this
// package's Orchestrator interface — importing it back would cycle).
type Notifier interface {
	Notify()
}

// Request is everything a caller supplies to submit a new download.
type Request struct {
	OriginalURL    string
	Filename       string
	DestinationDir string
	SizeTotal      *int64
	Category       string
	BatchID        string
	BatchName      string
	CatalogTitle   string
	CatalogSeason  string
	CatalogEpisode string
	Priority       int
}

// Orchestrator is the single writer of task state.
type Orchestrator struct {
	mu sync.Mutex // serializes claim-and-transition and submit-dedup check

	store    Store
	tasks    TaskManager
	events   *eventbus.Bus
	notifier Notifier
	logger   *logger.Logger

	dedupSubmissions      bool
	defaultDestinationDir string
}

// New builds an Orchestrator. defaultDestinationDir is used for any
// submission that doesn't specify its own destination directory.
func New(store Store, tasks TaskManager, events *eventbus.Bus, notifier Notifier, log *logger.Logger, dedupSubmissions bool, defaultDestinationDir string) *Orchestrator {
	return &Orchestrator{
		store:                 store,
		tasks:                 tasks,
		events:                events,
		notifier:              notifier,
		logger:                log,
		dedupSubmissions:      dedupSubmissions,
		defaultDestinationDir: defaultDestinationDir,
	}
}

// Submit creates a new task, or returns the id of an existing non-terminal
// task for the same original_url + category when dedup_submissions is
// enabled.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.dedupSubmissions {
		existing, err := o.store.FindActiveByURL(ctx, req.OriginalURL, req.Category)
		if err != nil {
			return "", fmt.Errorf("dedup lookup: %w", err)
		}
		if existing != nil {
			return existing.ID, nil
		}
	}

	destinationDir := req.DestinationDir
	if destinationDir == "" {
		destinationDir = o.defaultDestinationDir
	}

	task := &domain.Task{
		ID:             ksuid.New().String(),
		OriginalURL:    req.OriginalURL,
		Filename:       deriveFilename(req),
		DestinationDir: destinationDir,
		SizeTotal:      req.SizeTotal,
		Category:       req.Category,
		BatchID:        req.BatchID,
		BatchName:      req.BatchName,
		CatalogTitle:   req.CatalogTitle,
		CatalogSeason:  req.CatalogSeason,
		CatalogEpisode: req.CatalogEpisode,
		Priority:       req.Priority,
		CreatedAt:      time.Now(),
		State:          domain.StateQueued,
	}

	if err := o.store.Upsert(ctx, task); err != nil {
		return "", fmt.Errorf("persist new task: %w", err)
	}
	o.tasks.Insert(task)
	o.publishStateChange(task.ID, "", domain.StateQueued)
	o.events.Publish(domain.Event{Kind: domain.EventCreated, TaskID: task.ID, Timestamp: time.Now()})
	o.notifier.Notify()

	return task.ID, nil
}

// ClaimNext atomically selects the highest-priority eligible QUEUED task
// (priority desc, created_at asc, now >= wait_until) and transitions it to
// STARTING so no other worker can claim it too.
func (o *Orchestrator) ClaimNext(ctx context.Context) (*domain.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	var best *domain.Task
	for _, snap := range o.tasks.List(domain.Filter{States: []domain.State{domain.StateQueued}}) {
		if snap.State != domain.StateQueued {
			continue
		}
		if snap.WaitUntil.After(now) {
			continue
		}
		if best == nil || higherPriority(&snap.Task, best) {
			t := snap.Task
			best = &t
		}
	}
	if best == nil {
		return nil, false
	}

	claimed := best.Clone()
	if err := o.transition(ctx, claimed, domain.StateStarting); err != nil {
		o.logger.Error("orchestrator: claim transition failed for %s: %v", claimed.ID, err)
		return nil, false
	}
	return claimed, true
}

func higherPriority(a, b *domain.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// MarkDownloading transitions STARTING -> DOWNLOADING, persisting whatever
// size is already known at claim time (nil on a first attempt). A size the
// Fetcher's probe discovers mid-transfer arrives later via
// SetDiscoveredSize.
func (o *Orchestrator) MarkDownloading(ctx context.Context, id string, sizeTotal *int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, err := o.loadLive(ctx, id)
	if err != nil {
		return err
	}
	task.SizeTotal = sizeTotal
	return o.transition(ctx, task, domain.StateDownloading)
}

// SetDiscoveredSize persists a size_total the Fetcher's probe discovered
// mid-transfer, without changing state. Called as soon as the probe
// completes so a crash during the transfer still recovers the true size.
func (o *Orchestrator) SetDiscoveredSize(ctx context.Context, id string, sizeTotal int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, err := o.loadLive(ctx, id)
	if err != nil {
		return err
	}
	task.SizeTotal = &sizeTotal
	if err := o.store.Upsert(ctx, task); err != nil {
		return fmt.Errorf("persist discovered size for %s: %w", id, err)
	}
	o.tasks.UpdateState(task)
	return nil
}

// MarkCompleted transitions DOWNLOADING -> COMPLETED.
func (o *Orchestrator) MarkCompleted(ctx context.Context, id string, bytesDownloaded int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, err := o.loadLive(ctx, id)
	if err != nil {
		return err
	}
	task.BytesDownloaded = bytesDownloaded
	if err := o.transition(ctx, task, domain.StateCompleted); err != nil {
		return err
	}
	o.tasks.Remove(id)
	o.events.Publish(domain.Event{Kind: domain.EventCompleted, TaskID: id, Timestamp: time.Now()})
	return nil
}

// MarkWaiting records a transient failure, bumps retry_count, persists
// wait_until, and transitions to WAITING.
func (o *Orchestrator) MarkWaiting(ctx context.Context, id string, bytesDownloaded int64, cause error, waitUntil time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, err := o.loadLive(ctx, id)
	if err != nil {
		return err
	}
	task.BytesDownloaded = bytesDownloaded
	task.RetryCount++
	task.WaitUntil = waitUntil
	task.LastError = cause.Error()

	entry := domain.ErrorEntry{Timestamp: time.Now(), Message: cause.Error(), RetryCount: task.RetryCount}
	task.AppendError(entry)
	if err := o.store.AppendError(ctx, id, entry); err != nil {
		o.logger.Warn("orchestrator: append error history failed for %s: %v", id, err)
	}

	if err := o.transition(ctx, task, domain.StateWaiting); err != nil {
		return err
	}
	o.events.Publish(domain.Event{Kind: domain.EventErrorRecorded, TaskID: id, Timestamp: time.Now(), Error: &entry})
	return nil
}

// MarkFailed records a permanent failure (or a retry-ceiling failure) and
// transitions to FAILED.
func (o *Orchestrator) MarkFailed(ctx context.Context, id string, bytesDownloaded int64, cause error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, err := o.loadLive(ctx, id)
	if err != nil {
		return err
	}
	task.BytesDownloaded = bytesDownloaded
	task.LastError = cause.Error()

	entry := domain.ErrorEntry{Timestamp: time.Now(), Message: cause.Error(), RetryCount: task.RetryCount}
	task.AppendError(entry)
	if err := o.store.AppendError(ctx, id, entry); err != nil {
		o.logger.Warn("orchestrator: append error history failed for %s: %v", id, err)
	}

	if err := o.transition(ctx, task, domain.StateFailed); err != nil {
		return err
	}
	o.tasks.Remove(id)
	o.events.Publish(domain.Event{Kind: domain.EventErrorRecorded, TaskID: id, Timestamp: time.Now(), Error: &entry})
	return nil
}

// SyncProgress persists bytesDownloaded without changing state; used after
// a Paused/Cancelled fetch returns its final byte count, since the state
// transition itself already happened inside Pause/Cancel.
func (o *Orchestrator) SyncProgress(ctx context.Context, id string, bytesDownloaded int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, err := o.loadLive(ctx, id)
	if err != nil {
		return err
	}
	task.BytesDownloaded = bytesDownloaded
	if _, cached := o.tasks.Get(id); cached {
		o.tasks.UpdateState(task)
	}
	return o.store.Upsert(ctx, task)
}

// Pause moves a task to PAUSED and signals its runtime pause channel if
// the task was in flight.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, err := o.loadLive(ctx, id)
	if err != nil {
		return err
	}
	if err := o.transition(ctx, task, domain.StatePaused); err != nil {
		return err
	}
	o.tasks.Pause(id)
	return nil
}

// Resume moves a PAUSED task back to QUEUED and wakes the Worker Pool.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, err := o.loadLive(ctx, id)
	if err != nil {
		return err
	}
	task.WaitUntil = time.Time{}
	if err := o.transition(ctx, task, domain.StateQueued); err != nil {
		return err
	}
	o.notifier.Notify()
	return nil
}

// Cancel moves a task to CANCELLED, cancelling its runtime context if in
// flight.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, err := o.loadLive(ctx, id)
	if err != nil {
		return err
	}
	if err := o.transition(ctx, task, domain.StateCancelled); err != nil {
		return err
	}
	o.tasks.Cancel(id)
	o.tasks.Remove(id)
	return nil
}

// Retry moves a FAILED task back to QUEUED, resetting its retry_count.
func (o *Orchestrator) Retry(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, err := o.loadLive(ctx, id)
	if err != nil {
		return err
	}
	task.RetryCount = 0
	task.WaitUntil = time.Time{}
	if err := o.transition(ctx, task, domain.StateQueued); err != nil {
		return err
	}
	o.notifier.Notify()
	return nil
}

// Delete removes a task from both the Task Manager and the Store.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}
	o.tasks.Remove(id)
	o.events.Publish(domain.Event{Kind: domain.EventRemoved, TaskID: id, Timestamp: time.Now()})
	return nil
}

// BatchAction is one of the user-triggered transitions batch() can apply.
type BatchAction string

const (
	BatchPause  BatchAction = "pause"
	BatchResume BatchAction = "resume"
	BatchCancel BatchAction = "cancel"
	BatchRetry  BatchAction = "retry"
	BatchDelete BatchAction = "delete"
)

// Batch applies action to every task matching filter, collecting
// per-task errors (an invalid transition for one task never aborts the
// rest of the batch). Ids are gathered from the Store rather than the
// Task Manager so a batch retry/delete still reaches terminal tasks
// already evicted from memory.
func (o *Orchestrator) Batch(ctx context.Context, action BatchAction, filter domain.Filter) map[string]error {
	matched, err := o.store.List(ctx, filter, domain.Page{}, domain.SortByCreatedAt)
	if err != nil {
		return map[string]error{"": fmt.Errorf("list tasks for batch: %w", err)}
	}
	ids := make([]string, 0, len(matched))
	for _, task := range matched {
		ids = append(ids, task.ID)
	}

	results := make(map[string]error, len(ids))
	for _, id := range ids {
		var err error
		switch action {
		case BatchPause:
			err = o.Pause(ctx, id)
		case BatchResume:
			err = o.Resume(ctx, id)
		case BatchCancel:
			err = o.Cancel(ctx, id)
		case BatchRetry:
			err = o.Retry(ctx, id)
		case BatchDelete:
			err = o.Delete(ctx, id)
		default:
			err = fmt.Errorf("unknown batch action %q", action)
		}
		results[id] = err
	}
	return results
}

// GetUnified returns the merged snapshot for id, preferring the Task
// Manager's live view and falling back to the Store for tasks no longer
// held in memory (terminal tasks).
func (o *Orchestrator) GetUnified(ctx context.Context, id string) (*domain.Snapshot, error) {
	if snap, ok := o.tasks.Get(id); ok {
		return snap, nil
	}
	task, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, domain.ErrTaskNotFound
	}
	return &domain.Snapshot{Task: *task}, nil
}

// List returns every in-memory task matching filter, merged with live
// counters; terminal tasks that have already been evicted from the Task
// Manager are not included (callers list history via the Store directly
// if they need it).
func (o *Orchestrator) List(filter domain.Filter) []*domain.Snapshot {
	return o.tasks.List(filter)
}

// Recover runs exactly once at process start, before the Worker Pool
// begins claiming: in-flight tasks are reset to QUEUED (their
// bytes_downloaded is the resume point), non-terminal tasks are loaded
// into the Task Manager, and past-due WAITING tasks move to QUEUED. No
// events are published — subscribers reconcile via a full list query.
func (o *Orchestrator) Recover(ctx context.Context) error {
	if _, err := o.store.ResetInFlight(ctx); err != nil {
		return fmt.Errorf("reset in-flight tasks: %w", err)
	}

	tasks, err := o.store.ListByStates(ctx, domain.StateQueued, domain.StatePaused, domain.StateWaiting)
	if err != nil {
		return fmt.Errorf("load non-terminal tasks: %w", err)
	}

	now := time.Now()
	for _, task := range tasks {
		if task.State == domain.StateWaiting && !task.WaitUntil.After(now) {
			task.State = domain.StateQueued
			if err := o.store.Upsert(ctx, task); err != nil {
				o.logger.Error("orchestrator: recover requeue failed for %s: %v", task.ID, err)
				continue
			}
		}
		o.tasks.Insert(task)
	}

	o.notifier.Notify()
	return nil
}

// RequeueExpiredWaits moves every WAITING task whose wait_until has
// elapsed back to QUEUED; intended to be driven by a periodic ticker
// owned by the caller (app wiring), since the transition table's "timer
// elapsed" trigger has no other source of truth.
func (o *Orchestrator) RequeueExpiredWaits(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	woke := false
	for _, snap := range o.tasks.List(domain.Filter{States: []domain.State{domain.StateWaiting}}) {
		if snap.WaitUntil.After(now) {
			continue
		}
		task := snap.Task.Clone()
		if err := o.transition(ctx, task, domain.StateQueued); err != nil {
			o.logger.Error("orchestrator: requeue expired wait failed for %s: %v", task.ID, err)
			continue
		}
		woke = true
	}
	if woke {
		o.notifier.Notify()
	}
}

// loadLive resolves the current in-memory snapshot for id, used by every
// mutating call so two concurrent callers always observe (and persist)
// the same starting point under o.mu.
func (o *Orchestrator) loadLive(ctx context.Context, id string) (*domain.Task, error) {
	snap, ok := o.tasks.Get(id)
	if ok {
		t := snap.Task
		return &t, nil
	}
	task, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	if task == nil {
		return nil, domain.ErrTaskNotFound
	}
	return task, nil
}

// transition validates, applies, persists, and publishes one state
// change. Callers must hold o.mu.
func (o *Orchestrator) transition(ctx context.Context, task *domain.Task, to domain.State) error {
	from := task.State
	if !domain.ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	task.State = to

	if err := o.store.Upsert(ctx, task); err != nil {
		return fmt.Errorf("persist transition %s -> %s: %w", from, to, err)
	}
	o.tasks.UpdateState(task)
	o.publishStateChange(task.ID, from, to)
	return nil
}

func (o *Orchestrator) publishStateChange(id string, from, to domain.State) {
	o.events.Publish(domain.Event{
		Kind:      domain.EventStateChanged,
		TaskID:    id,
		Timestamp: time.Now(),
		From:      from,
		To:        to,
	})
}
