package workerpool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flasharr/flasharr/internal/domain"
	"github.com/flasharr/flasharr/internal/fetcher"
	"github.com/flasharr/flasharr/internal/obs/logger"
	"github.com/flasharr/flasharr/internal/resolver"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(t.TempDir()+"/w.log", logger.LevelDebug, false)
	require.NoError(t, err)
	return log
}

// fakeOrchestrator hands out a queued set of tasks one at a time and records
// every call made back into it, so tests can assert on the sequence of
// transitions a worker drives without a real Store behind it.
type fakeOrchestrator struct {
	mu    sync.Mutex
	queue []*domain.Task

	downloading     []string
	completed       []string
	waiting         []string
	failed          []string
	synced          []string
	discoveredSizes map[string]int64

	lastCause error
	lastWait  time.Time
	lastBytes int64
}

func (f *fakeOrchestrator) ClaimNext(ctx context.Context) (*domain.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, false
	}
	t := f.queue[0]
	f.queue = f.queue[1:]
	return t, true
}

func (f *fakeOrchestrator) MarkDownloading(ctx context.Context, id string, sizeTotal *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloading = append(f.downloading, id)
	return nil
}

func (f *fakeOrchestrator) SetDiscoveredSize(ctx context.Context, id string, sizeTotal int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discoveredSizes == nil {
		f.discoveredSizes = make(map[string]int64)
	}
	f.discoveredSizes[id] = sizeTotal
	return nil
}

func (f *fakeOrchestrator) MarkCompleted(ctx context.Context, id string, bytesDownloaded int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	f.lastBytes = bytesDownloaded
	return nil
}

func (f *fakeOrchestrator) MarkWaiting(ctx context.Context, id string, bytesDownloaded int64, cause error, waitUntil time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiting = append(f.waiting, id)
	f.lastCause = cause
	f.lastWait = waitUntil
	return nil
}

func (f *fakeOrchestrator) MarkFailed(ctx context.Context, id string, bytesDownloaded int64, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	f.lastCause = cause
	return nil
}

func (f *fakeOrchestrator) SyncProgress(ctx context.Context, id string, bytesDownloaded int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, id)
	f.lastBytes = bytesDownloaded
	return nil
}

func (f *fakeOrchestrator) snapshot() fakeOrchestrator {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make(map[string]int64, len(f.discoveredSizes))
	for k, v := range f.discoveredSizes {
		sizes[k] = v
	}
	return fakeOrchestrator{
		downloading:     append([]string(nil), f.downloading...),
		completed:       append([]string(nil), f.completed...),
		waiting:         append([]string(nil), f.waiting...),
		failed:          append([]string(nil), f.failed...),
		synced:          append([]string(nil), f.synced...),
		discoveredSizes: sizes,
		lastCause:       f.lastCause,
		lastBytes:       f.lastBytes,
		lastWait:        f.lastWait,
	}
}

type fakeResolver struct {
	result resolver.Result
	err    error
}

func (f *fakeResolver) Resolve(ctx context.Context, task *domain.Task) (resolver.Result, error) {
	return f.result, f.err
}

type fakeFetcher struct {
	bytes          int64
	err            error
	discoveredSize int64
}

func (f *fakeFetcher) Fetch(ctx context.Context, pauseSignal <-chan struct{}, in fetcher.Input) (int64, error) {
	if in.OnProgress != nil {
		in.OnProgress(f.bytes, 1024, 0)
	}
	if f.discoveredSize > 0 && in.OnSizeDiscovered != nil {
		in.OnSizeDiscovered(f.discoveredSize)
	}
	return f.bytes, f.err
}

type fakeTaskManager struct {
	mu     sync.Mutex
	bound  map[string]bool
	lastID string
}

func newFakeTaskManager() *fakeTaskManager { return &fakeTaskManager{bound: map[string]bool{}} }

func (f *fakeTaskManager) BindRuntime(id string, cancel context.CancelFunc, pauseChan chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound[id] = true
	f.lastID = id
}
func (f *fakeTaskManager) UnbindRuntime(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound[id] = false
}
func (f *fakeTaskManager) UpdateProgress(id string, bytesDownloaded int64, speedBps float64) {}
func (f *fakeTaskManager) ClearLive(id string)                                               {}

type fakeEventPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakeEventPublisher) Publish(evt domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func (f *fakeEventPublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func sampleTask(t *testing.T, id string) *domain.Task {
	t.Helper()
	return &domain.Task{
		ID:             id,
		OriginalURL:    "https://host.example/" + id,
		Filename:       id + ".bin",
		DestinationDir: t.TempDir(),
		Category:       "misc",
		Priority:       1,
		State:          domain.StateStarting,
		CreatedAt:      time.Now(),
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPoolCompletesTaskOnSuccessfulFetch(t *testing.T) {
	task := sampleTask(t, "task-1")
	orch := &fakeOrchestrator{queue: []*domain.Task{task}}
	res := &fakeResolver{result: resolver.Result{DirectURL: "https://direct.example/task-1"}}
	fet := &fakeFetcher{bytes: 4096}
	tm := newFakeTaskManager()
	events := &fakeEventPublisher{}

	pool := New(Config{
		Concurrency:        1,
		MinSegments:        1,
		MaxSegments:        4,
		TargetSegments:     2,
		LinkResolveTimeout: time.Second,
		RetryBaseSeconds:   1,
		RetryMaxAttempts:   3,
	}, orch, res, fet, tm, events, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	waitUntil(t, time.Second, func() bool {
		return len(orch.snapshot().completed) == 1
	})

	snap := orch.snapshot()
	assert.Equal(t, []string{"task-1"}, snap.downloading)
	assert.Equal(t, []string{"task-1"}, snap.completed)
	assert.Equal(t, int64(4096), snap.lastBytes)
	assert.True(t, events.count() >= 1)
}

func TestPoolSurfacesSizeDiscoveredByFetcherToOrchestrator(t *testing.T) {
	task := sampleTask(t, "task-discover")
	orch := &fakeOrchestrator{queue: []*domain.Task{task}}
	res := &fakeResolver{result: resolver.Result{DirectURL: "https://direct.example/task-discover"}}
	fet := &fakeFetcher{bytes: 1048576, discoveredSize: 1048576}
	tm := newFakeTaskManager()
	events := &fakeEventPublisher{}

	pool := New(Config{
		Concurrency:        1,
		MinSegments:        1,
		MaxSegments:        4,
		TargetSegments:     2,
		LinkResolveTimeout: time.Second,
		RetryBaseSeconds:   1,
		RetryMaxAttempts:   3,
	}, orch, res, fet, tm, events, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	waitUntil(t, time.Second, func() bool {
		return len(orch.snapshot().completed) == 1
	})

	snap := orch.snapshot()
	require.Contains(t, snap.discoveredSizes, "task-discover")
	assert.Equal(t, int64(1048576), snap.discoveredSizes["task-discover"])
}

func TestPoolMarksWaitingOnTransientFetchError(t *testing.T) {
	task := sampleTask(t, "task-2")
	orch := &fakeOrchestrator{queue: []*domain.Task{task}}
	res := &fakeResolver{result: resolver.Result{DirectURL: "https://direct.example/task-2"}}
	fet := &fakeFetcher{bytes: 100, err: domain.ErrNetworkTransient}
	tm := newFakeTaskManager()
	events := &fakeEventPublisher{}

	pool := New(Config{
		Concurrency:        1,
		LinkResolveTimeout: time.Second,
		RetryBaseSeconds:   1,
		RetryMaxAttempts:   5,
	}, orch, res, fet, tm, events, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	waitUntil(t, time.Second, func() bool {
		return len(orch.snapshot().waiting) == 1
	})

	snap := orch.snapshot()
	assert.ErrorIs(t, snap.lastCause, domain.ErrNetworkTransient)
	assert.True(t, snap.lastWait.After(time.Now()))
}

func TestPoolMarksFailedOnPermanentFetchError(t *testing.T) {
	task := sampleTask(t, "task-3")
	orch := &fakeOrchestrator{queue: []*domain.Task{task}}
	res := &fakeResolver{result: resolver.Result{DirectURL: "https://direct.example/task-3"}}
	fet := &fakeFetcher{bytes: 0, err: domain.ErrSizeMismatch}
	tm := newFakeTaskManager()
	events := &fakeEventPublisher{}

	pool := New(Config{Concurrency: 1, LinkResolveTimeout: time.Second, RetryBaseSeconds: 1, RetryMaxAttempts: 5},
		orch, res, fet, tm, events, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	waitUntil(t, time.Second, func() bool {
		return len(orch.snapshot().failed) == 1
	})
	assert.ErrorIs(t, orch.snapshot().lastCause, domain.ErrSizeMismatch)
}

func TestPoolMarksFailedOnceRetryCeilingExceeded(t *testing.T) {
	task := sampleTask(t, "task-4")
	task.RetryCount = 5
	orch := &fakeOrchestrator{queue: []*domain.Task{task}}
	res := &fakeResolver{result: resolver.Result{DirectURL: "https://direct.example/task-4"}}
	fet := &fakeFetcher{bytes: 0, err: domain.ErrNetworkTransient}
	tm := newFakeTaskManager()
	events := &fakeEventPublisher{}

	pool := New(Config{Concurrency: 1, LinkResolveTimeout: time.Second, RetryBaseSeconds: 1, RetryMaxAttempts: 5},
		orch, res, fet, tm, events, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	waitUntil(t, time.Second, func() bool {
		return len(orch.snapshot().failed) == 1
	})
	assert.Empty(t, orch.snapshot().waiting)
}

func TestPoolSyncsProgressOnCancelledFetch(t *testing.T) {
	task := sampleTask(t, "task-5")
	orch := &fakeOrchestrator{queue: []*domain.Task{task}}
	res := &fakeResolver{result: resolver.Result{DirectURL: "https://direct.example/task-5"}}
	fet := &fakeFetcher{bytes: 2048, err: domain.ErrCancelled}
	tm := newFakeTaskManager()
	events := &fakeEventPublisher{}

	pool := New(Config{Concurrency: 1, LinkResolveTimeout: time.Second, RetryBaseSeconds: 1, RetryMaxAttempts: 5},
		orch, res, fet, tm, events, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	waitUntil(t, time.Second, func() bool {
		return len(orch.snapshot().synced) == 1
	})
	snap := orch.snapshot()
	assert.Empty(t, snap.failed)
	assert.Empty(t, snap.waiting)
	assert.Equal(t, int64(2048), snap.lastBytes)
}

func TestPoolTreatsResolveErrorAsFailureNotReachingFetch(t *testing.T) {
	task := sampleTask(t, "task-6")
	orch := &fakeOrchestrator{queue: []*domain.Task{task}}
	res := &fakeResolver{err: domain.ErrNotFound}
	fet := &fakeFetcher{bytes: 0, err: fmt.Errorf("must not be called")}
	tm := newFakeTaskManager()
	events := &fakeEventPublisher{}

	pool := New(Config{Concurrency: 1, LinkResolveTimeout: time.Second, RetryBaseSeconds: 1, RetryMaxAttempts: 5},
		orch, res, fet, tm, events, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	waitUntil(t, time.Second, func() bool {
		return len(orch.snapshot().failed) == 1
	})
	assert.Empty(t, orch.snapshot().downloading)
	assert.ErrorIs(t, orch.snapshot().lastCause, domain.ErrNotFound)
}

func TestNotifyDoesNotBlockWhenAlreadyPending(t *testing.T) {
	pool := New(Config{Concurrency: 1}, &fakeOrchestrator{}, &fakeResolver{}, &fakeFetcher{}, newFakeTaskManager(), &fakeEventPublisher{}, testLogger(t))
	pool.Notify()
	pool.Notify() // must not block even though the buffered slot is full
}
