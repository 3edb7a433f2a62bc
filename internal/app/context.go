// Package app wires every component into one running service: config,
// logger, store, resolver, fetcher, task manager, event bus, worker pool,
// and orchestrator. Grounded on gonzb's internal/app/context.go: a single
// Context struct acting as the "single source of truth", built once by
// NewContext and torn down once by Close.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/flasharr/flasharr/internal/config"
	"github.com/flasharr/flasharr/internal/eventbus"
	"github.com/flasharr/flasharr/internal/fetcher"
	"github.com/flasharr/flasharr/internal/obs/logger"
	"github.com/flasharr/flasharr/internal/orchestrator"
	"github.com/flasharr/flasharr/internal/resolver"
	"github.com/flasharr/flasharr/internal/store"
	"github.com/flasharr/flasharr/internal/taskmanager"
	"github.com/flasharr/flasharr/internal/workerpool"
)

// requeueInterval is how often the background ticker re-checks WAITING
// tasks whose wait_until may have elapsed since the last wake.
const requeueInterval = 15 * time.Second

// Context holds the core environment and every shared resource Flasharr
// needs, mirroring gonzb's app.Context.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	Store        *store.Store
	TaskManager  *taskmanager.Manager
	Events       *eventbus.Bus
	Resolver     *resolver.HTTPResolver
	Fetcher      *fetcher.Fetcher
	WorkerPool   *workerpool.Pool
	Orchestrator *orchestrator.Orchestrator

	cancelBackground context.CancelFunc
}

// NewContext initializes every component and recovers in-flight state from
// the Store, but does not start the Worker Pool — callers decide when work
// begins by calling Start.
func NewContext(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Context, error) {
	st, err := store.New(cfg.DataDir + "/flasharr.db")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	tasks := taskmanager.New()
	events := eventbus.New()

	res, err := resolver.New(ctx, cfg.Credentials, time.Duration(cfg.LinkResolveTimeoutMs)*time.Millisecond, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize link resolver: %w", err)
	}

	limiter := fetcher.NewSpeedLimiter(cfg.GlobalSpeedLimitBps)
	fetch := fetcher.New(&http.Client{Timeout: time.Duration(cfg.SegmentTimeoutMs) * time.Millisecond}, limiter, log)

	notifierSlot := &poolNotifier{}
	orch := orchestrator.New(st, tasks, events, notifierSlot, log, cfg.DedupSubmissions, cfg.DownloadDir)

	pool := workerpool.New(workerpool.Config{
		Concurrency:          cfg.Concurrency,
		MinSegments:          cfg.MinSegments,
		MaxSegments:          cfg.MaxSegments,
		TargetSegments:       cfg.SegmentsPerDownload,
		SegmentThresholdByte: cfg.SegmentThresholdByte,
		ProgressHz:           cfg.ProgressHz,
		RetryBaseSeconds:     cfg.RetryBaseSeconds,
		RetryMaxAttempts:     cfg.RetryMaxAttempts,
		LinkResolveTimeout:   time.Duration(cfg.LinkResolveTimeoutMs) * time.Millisecond,
	}, orch, res, fetch, tasks, events, log)
	notifierSlot.pool = pool

	if err := orch.Recover(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover task state: %w", err)
	}

	return &Context{
		Config:       cfg,
		Logger:       log,
		Store:        st,
		TaskManager:  tasks,
		Events:       events,
		Resolver:     res,
		Fetcher:      fetch,
		WorkerPool:   pool,
		Orchestrator: orch,
	}, nil
}

// Start launches the Worker Pool and the background WAITING requeue
// ticker. Both stop when ctx is cancelled.
func (a *Context) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	a.cancelBackground = cancel

	a.WorkerPool.Start(bgCtx)
	go a.runRequeueTicker(bgCtx)
}

// runRequeueTicker periodically moves WAITING tasks whose wait_until has
// elapsed back to QUEUED, independent of the Worker Pool's own idle-poll
// fallback — this is what drives that transition during steady-state
// operation rather than only at process startup.
func (a *Context) runRequeueTicker(ctx context.Context) {
	ticker := time.NewTicker(requeueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Orchestrator.RequeueExpiredWaits(ctx)
		}
	}
}

// Close shuts down every component that owns a resource.
func (a *Context) Close() {
	if a.cancelBackground != nil {
		a.cancelBackground()
	}
	a.Logger.Info("shutting down store...")
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("error closing store: %v", err)
	}
}

// poolNotifier breaks the construction-order cycle between Orchestrator
// (which needs a Notifier at New time) and Pool (which needs the
// Orchestrator at its own New time): it is handed to the Orchestrator
// before pool exists, then pool is filled in immediately after.
type poolNotifier struct {
	pool *workerpool.Pool
}

func (n *poolNotifier) Notify() {
	if n.pool != nil {
		n.pool.Notify()
	}
}
