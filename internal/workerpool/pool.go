// Package workerpool is the fixed-size set of cooperative workers that turn
// claimed tasks into completed transfers. Each worker repeatedly claims one
// eligible task, resolves a direct URL for it, runs the segmented fetch, and
// reports the outcome back to whatever owns task state. Grounded on gonzb's
// internal/engine QueueManager/worker loop, generalized from gonzb's single
// active item to N concurrent workers pulling from a shared claim function
// instead of a job channel, since claiming here must also pick the highest
// priority eligible task rather than simply draining a FIFO.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/flasharr/flasharr/internal/domain"
	"github.com/flasharr/flasharr/internal/fetcher"
	"github.com/flasharr/flasharr/internal/obs/logger"
	"github.com/flasharr/flasharr/internal/resolver"
)

// Resolver obtains a direct, fetchable URL for a task. Satisfied by
// *resolver.HTTPResolver.
type Resolver interface {
	Resolve(ctx context.Context, task *domain.Task) (resolver.Result, error)
}

// Fetcher runs one segmented or single-stream transfer. Satisfied by
// *fetcher.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, pauseSignal <-chan struct{}, in fetcher.Input) (int64, error)
}

// TaskManager is the subset of taskmanager.Manager a worker touches
// directly: binding the runtime signals it owns for the lifetime of one
// claim, and reporting the high-frequency progress counters that never
// round-trip through the Orchestrator.
type TaskManager interface {
	BindRuntime(id string, cancel context.CancelFunc, pauseChan chan struct{})
	UnbindRuntime(id string)
	UpdateProgress(id string, bytesDownloaded int64, speedBps float64)
	ClearLive(id string)
}

// EventPublisher is the subset of eventbus.Bus a worker needs to announce
// progress directly, bypassing the Orchestrator for this one high-frequency
// event kind.
type EventPublisher interface {
	Publish(evt domain.Event)
}

// Orchestrator is every state-mutating call a worker makes. The
// Orchestrator remains the only writer of task state and the Store; the
// worker only ever asks it to perform a transition on its behalf.
type Orchestrator interface {
	ClaimNext(ctx context.Context) (*domain.Task, bool)
	MarkDownloading(ctx context.Context, id string, sizeTotal *int64) error
	SetDiscoveredSize(ctx context.Context, id string, sizeTotal int64) error
	MarkCompleted(ctx context.Context, id string, bytesDownloaded int64) error
	MarkWaiting(ctx context.Context, id string, bytesDownloaded int64, cause error, waitUntil time.Time) error
	MarkFailed(ctx context.Context, id string, bytesDownloaded int64, cause error) error
	SyncProgress(ctx context.Context, id string, bytesDownloaded int64) error
}

// maxBackoff bounds the exponential retry delay; the backoff policy grows
// unboundedly otherwise once retry_count climbs past a handful of attempts.
const maxBackoff = 30 * time.Minute

// idlePollInterval is how often an idle worker re-checks for eligible work
// even without an explicit wake, catching WAITING tasks whose wait_until
// just elapsed between wake signals.
const idlePollInterval = 3 * time.Second

// Config is the subset of runtime options a Pool needs, set once at
// construction from the loaded application configuration.
type Config struct {
	Concurrency int

	MinSegments          int
	MaxSegments          int
	TargetSegments       int
	SegmentThresholdByte int64
	ProgressHz           float64

	RetryBaseSeconds int
	RetryMaxAttempts int

	LinkResolveTimeout time.Duration
}

// Pool runs Config.Concurrency workers until its Start context is
// cancelled.
type Pool struct {
	cfg          Config
	orchestrator Orchestrator
	resolver     Resolver
	fetcher      Fetcher
	tasks        TaskManager
	events       EventPublisher
	logger       *logger.Logger

	notify chan struct{}
	done   chan struct{}
}

func New(cfg Config, orch Orchestrator, res Resolver, fetch Fetcher, tasks TaskManager, events EventPublisher, log *logger.Logger) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Pool{
		cfg:          cfg,
		orchestrator: orch,
		resolver:     res,
		fetcher:      fetch,
		tasks:        tasks,
		events:       events,
		logger:       log,
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Notify wakes idle workers to re-check for claimable work. Repeated calls
// before any worker wakes coalesce into a single wake, same as gonzb's
// newJobChan.
func (p *Pool) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Start launches Concurrency worker goroutines; they exit once ctx is
// cancelled. Start does not block, and Pool has no call that waits for the
// workers to finish draining.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		go p.runWorker(ctx, i)
	}
	go func() {
		<-ctx.Done()
	}()
}

func (p *Pool) runWorker(ctx context.Context, index int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, ok := p.orchestrator.ClaimNext(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.notify:
			case <-time.After(idlePollInterval):
			}
			continue
		}

		p.process(ctx, task)
	}
}

// process drives one claimed task from resolution through to a terminal or
// suspended outcome. The runtime signals (cancel, pause) it binds are torn
// down unconditionally on return.
func (p *Pool) process(ctx context.Context, task *domain.Task) {
	jobCtx, cancel := context.WithCancel(ctx)
	pauseCh := make(chan struct{}, 1)
	p.tasks.BindRuntime(task.ID, cancel, pauseCh)
	defer func() {
		p.tasks.UnbindRuntime(task.ID)
		cancel()
	}()

	resolveCtx, resolveCancel := context.WithTimeout(jobCtx, p.cfg.LinkResolveTimeout)
	direct, err := p.resolver.Resolve(resolveCtx, task)
	resolveCancel()
	if err != nil {
		p.handleFailure(task, task.BytesDownloaded, err)
		return
	}

	if err := p.orchestrator.MarkDownloading(jobCtx, task.ID, task.SizeTotal); err != nil {
		p.logger.Error("worker: mark downloading failed for %s: %v", task.ID, err)
		return
	}

	if err := os.MkdirAll(task.DestinationDir, 0o755); err != nil {
		p.handleFailure(task, task.BytesDownloaded, fmt.Errorf("create destination dir: %w", err))
		return
	}
	dest := filepath.Join(task.DestinationDir, task.Filename)

	onProgress := func(bytesDownloaded int64, speedBps float64, etaSeconds float64) {
		p.tasks.UpdateProgress(task.ID, bytesDownloaded, speedBps)
		p.events.Publish(domain.Event{
			Kind:      domain.EventProgressUpdated,
			TaskID:    task.ID,
			Timestamp: time.Now(),
			LiveBytes: bytesDownloaded,
			LiveSpeed: speedBps,
			LiveETA:   time.Duration(etaSeconds * float64(time.Second)),
		})
	}

	onSizeDiscovered := func(sizeTotal int64) {
		if err := p.orchestrator.SetDiscoveredSize(context.Background(), task.ID, sizeTotal); err != nil {
			p.logger.Error("worker: persist discovered size failed for %s: %v", task.ID, err)
		}
	}

	bytesDownloaded, fetchErr := p.fetcher.Fetch(jobCtx, pauseCh, fetcher.Input{
		DirectURL:            direct.DirectURL,
		DestinationPath:      dest,
		SizeTotal:            task.SizeTotal,
		ResumeFrom:           task.BytesDownloaded,
		MinSegments:          p.cfg.MinSegments,
		MaxSegments:          p.cfg.MaxSegments,
		TargetSegments:       p.cfg.TargetSegments,
		SegmentThresholdByte: p.cfg.SegmentThresholdByte,
		ProgressHz:           p.cfg.ProgressHz,
		OnProgress:           onProgress,
		OnSizeDiscovered:     onSizeDiscovered,
	})
	p.tasks.ClearLive(task.ID)

	switch {
	case fetchErr == nil:
		if err := p.orchestrator.MarkCompleted(context.Background(), task.ID, bytesDownloaded); err != nil {
			p.logger.Error("worker: mark completed failed for %s: %v", task.ID, err)
		}
		p.logger.Info("worker: %s completed (%s)", task.ID, humanize.Bytes(uint64(bytesDownloaded)))
	case errors.Is(fetchErr, domain.ErrPaused), errors.Is(fetchErr, domain.ErrCancelled):
		// State already moved to PAUSED/CANCELLED by whichever Orchestrator
		// call signalled pauseCh or cancelled jobCtx; only the byte counter
		// still needs to catch up to what the Fetcher actually wrote.
		if err := p.orchestrator.SyncProgress(context.Background(), task.ID, bytesDownloaded); err != nil {
			p.logger.Error("worker: sync progress failed for %s: %v", task.ID, err)
		}
	default:
		p.handleFailure(task, bytesDownloaded, fetchErr)
	}
}

func (p *Pool) handleFailure(task *domain.Task, bytesDownloaded int64, cause error) {
	ctx := context.Background()

	if domain.IsPermanent(cause) {
		if err := p.orchestrator.MarkFailed(ctx, task.ID, bytesDownloaded, cause); err != nil {
			p.logger.Error("worker: mark failed failed for %s: %v", task.ID, err)
		}
		return
	}

	retryCount := task.RetryCount + 1
	if retryCount > p.cfg.RetryMaxAttempts {
		if err := p.orchestrator.MarkFailed(ctx, task.ID, bytesDownloaded, cause); err != nil {
			p.logger.Error("worker: mark failed (retry ceiling) failed for %s: %v", task.ID, err)
		}
		return
	}

	base := time.Duration(p.cfg.RetryBaseSeconds) * time.Second
	backoff := time.Duration(float64(base) * math.Pow(2, float64(retryCount)))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	if err := p.orchestrator.MarkWaiting(ctx, task.ID, bytesDownloaded, cause, time.Now().Add(backoff)); err != nil {
		p.logger.Error("worker: mark waiting failed for %s: %v", task.ID, err)
	}
}
