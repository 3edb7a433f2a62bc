// Package fetcher is the Segmented Fetcher: it probes a direct URL with a
// ranged bytes=0-0 request, then either streams a single GET or partitions
// the remaining range into N parallel segments each writing its own
// disjoint byte range into a pre-sized destination file. Grounded on
// teal33t-Surge's internal/engine/probe.go for the probe step and
// internal/downloader/concurrent.go for the segmented-write shape,
// generalized from Surge's work-stealing TUI downloader to a fixed,
// policy-sized partition. Segment fan-out/fan-in uses
// golang.org/x/sync/errgroup, same as gonzb's indirect dependency on it.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flasharr/flasharr/internal/domain"
	"github.com/flasharr/flasharr/internal/obs/logger"
)

// Input describes one fetch invocation.
type Input struct {
	DirectURL       string
	DestinationPath string
	SizeTotal       *int64 // known from a prior attempt; nil on first try
	ResumeFrom      int64

	MinSegments          int
	MaxSegments          int
	TargetSegments       int
	SegmentThresholdByte int64

	ProgressHz float64
	OnProgress func(bytesDownloaded int64, speedBps float64, etaSeconds float64)

	// OnSizeDiscovered, if set, is called once with the probed size when
	// the caller didn't already know it (SizeTotal was nil going in).
	OnSizeDiscovered func(sizeTotal int64)
}

// Fetcher drives one Segmented Fetcher invocation at a time; it is safe to
// share across concurrent calls since all mutable state is per-call.
type Fetcher struct {
	client  *http.Client
	limiter *SpeedLimiter
	logger  *logger.Logger
}

func New(client *http.Client, limiter *SpeedLimiter, log *logger.Logger) *Fetcher {
	return &Fetcher{client: client, limiter: limiter, logger: log}
}

// Fetch runs to completion, to a cooperative cancel via ctx, or to a
// cooperative pause via pauseSignal. Returns the final size once every byte
// is durable on disk; otherwise a classified error (Auth/Quota/NotFound
// never originate here — those are Resolver failures — but
// NetworkTransient, DiskFull, SizeMismatch, Cancelled, and Paused all do).
func (f *Fetcher) Fetch(ctx context.Context, pauseSignal <-chan struct{}, in Input) (int64, error) {
	probed, err := probe(ctx, f.client, in.DirectURL)
	if err != nil {
		return in.ResumeFrom, domain.ErrNetworkTransient
	}

	if in.SizeTotal != nil && probed.SizeTotal != 0 && probed.SizeTotal != *in.SizeTotal {
		return in.ResumeFrom, domain.ErrSizeMismatch
	}

	total := probed.SizeTotal
	if total == 0 && in.SizeTotal != nil {
		total = *in.SizeTotal
	}
	if in.SizeTotal == nil && total > 0 && in.OnSizeDiscovered != nil {
		in.OnSizeDiscovered(total)
	}

	// Every byte lands in a .part sibling first; only a fully successful
	// fetch renames it to the real destination, so anything scanning
	// DestinationDir can tell a finished file from an interrupted one at a
	// glance.
	partPath := in.DestinationPath + ".part"
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return in.ResumeFrom, classifyFileError(err)
	}
	defer file.Close()

	useSingleStream := !probed.SupportsRange || total == 0 || (total-in.ResumeFrom) < in.SegmentThresholdByte

	progress := newProgressReporter(in.ResumeFrom, total, in.ProgressHz, in.OnProgress)
	defer progress.stop()

	// A single pause signal must reach every concurrent segment goroutine,
	// not just whichever one happens to receive off pauseSignal first, so
	// it is rebroadcast as a channel close the instant it fires.
	pauseBroadcast := make(chan struct{})
	go func() {
		select {
		case <-pauseSignal:
			close(pauseBroadcast)
		case <-ctx.Done():
		}
	}()

	if useSingleStream {
		if total > 0 {
			if err := file.Truncate(total); err != nil {
				return in.ResumeFrom, classifyFileError(err)
			}
		}
		final, err := f.fetchSingleStream(ctx, pauseBroadcast, file, in, progress)
		return f.finalize(file, partPath, in.DestinationPath, final, err)
	}

	if err := file.Truncate(total); err != nil {
		return in.ResumeFrom, classifyFileError(err)
	}

	segments := planSegments(in.ResumeFrom, total, in.MinSegments, in.MaxSegments, in.TargetSegments)
	final, err := f.fetchSegments(ctx, pauseBroadcast, file, in.DirectURL, segments, progress)
	return f.finalize(file, partPath, in.DestinationPath, final, err)
}

// finalize renames the .part staging file to its real destination once a
// fetch completes every byte; a paused, cancelled, or failed fetch leaves
// the .part file in place so a later attempt can resume from it.
func (f *Fetcher) finalize(file *os.File, partPath, destPath string, final int64, fetchErr error) (int64, error) {
	if fetchErr != nil {
		return final, fetchErr
	}
	if err := file.Close(); err != nil {
		return final, classifyFileError(err)
	}
	if err := os.Rename(partPath, destPath); err != nil {
		return final, classifyFileError(err)
	}
	return final, nil
}

type segmentRange struct {
	start int64
	end   int64 // inclusive
}

// planSegments partitions [resumeFrom, total) into a policy-sized number of
// segments, clamped to [minSegments, maxSegments]. A degenerate or tiny
// remainder collapses to a single segment.
func planSegments(resumeFrom, total int64, minSegments, maxSegments, target int) []segmentRange {
	remaining := total - resumeFrom
	if remaining <= 0 {
		return nil
	}

	n := target
	if n < minSegments {
		n = minSegments
	}
	if n > maxSegments {
		n = maxSegments
	}
	if int64(n) > remaining {
		n = int(remaining)
	}
	if n < 1 {
		n = 1
	}

	chunk := remaining / int64(n)
	segments := make([]segmentRange, 0, n)
	start := resumeFrom
	for i := 0; i < n; i++ {
		end := start + chunk - 1
		if i == n-1 {
			end = total - 1
		}
		segments = append(segments, segmentRange{start: start, end: end})
		start = end + 1
	}
	return segments
}

func (f *Fetcher) fetchSegments(ctx context.Context, pauseSignal <-chan struct{}, file *os.File, url string, segments []segmentRange, progress *progressReporter) (int64, error) {
	group, gctx := errgroup.WithContext(ctx)

	for _, seg := range segments {
		seg := seg
		group.Go(func() error {
			return f.fetchRange(gctx, pauseSignal, file, url, seg, progress)
		})
	}

	if err := group.Wait(); err != nil {
		return progress.currentBytes(), err
	}
	return progress.currentBytes(), nil
}

func (f *Fetcher) fetchSingleStream(ctx context.Context, pauseSignal <-chan struct{}, file *os.File, in Input, progress *progressReporter) (int64, error) {
	seg := segmentRange{start: in.ResumeFrom, end: -1} // open-ended
	if err := f.fetchRange(ctx, pauseSignal, file, in.DirectURL, seg, progress); err != nil {
		return progress.currentBytes(), err
	}
	return progress.currentBytes(), nil
}

func (f *Fetcher) fetchRange(ctx context.Context, pauseSignal <-chan struct{}, file *os.File, url string, seg segmentRange, progress *progressReporter) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.ErrNetworkTransient
	}
	if seg.end >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", seg.start, seg.end))
	} else if seg.start > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", seg.start))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return domain.ErrNetworkTransient
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return domain.ErrNetworkTransient
	}

	buf := make([]byte, 32*1024)
	offset := seg.start

	for {
		select {
		case <-ctx.Done():
			return domain.ErrCancelled
		case <-pauseSignal:
			return domain.ErrPaused
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := f.limiter.WaitN(ctx, n); err != nil {
				return domain.ErrCancelled
			}
			if _, werr := file.WriteAt(buf[:n], offset); werr != nil {
				return classifyFileError(werr)
			}
			offset += int64(n)
			progress.add(int64(n))
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return domain.ErrNetworkTransient
		}
	}
}

func classifyFileError(err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("destination directory missing: %w", err)
	}
	if isDiskFullError(err) {
		return domain.ErrDiskFull
	}
	return domain.ErrNetworkTransient
}

// progressReporter rate-limits OnProgress callbacks to at most ProgressHz
// per second and computes a smoothed speed/ETA estimate.
type progressReporter struct {
	bytes     atomic.Int64
	total     int64
	startedAt time.Time

	tickMu    sync.Mutex
	lastTick  time.Time
	lastBytes int64
	minPeriod time.Duration

	onProgress func(int64, float64, float64)
}

func newProgressReporter(initial, total int64, hz float64, onProgress func(int64, float64, float64)) *progressReporter {
	if hz <= 0 || hz > 2 {
		hz = 2
	}
	p := &progressReporter{
		total:      total,
		startedAt:  time.Now(),
		lastTick:   time.Now(),
		lastBytes:  initial,
		minPeriod:  time.Duration(float64(time.Second) / hz),
		onProgress: onProgress,
	}
	p.bytes.Store(initial)
	return p
}

func (p *progressReporter) add(n int64) {
	current := p.bytes.Add(n)
	if p.onProgress == nil {
		return
	}

	p.tickMu.Lock()
	now := time.Now()
	if now.Sub(p.lastTick) < p.minPeriod {
		p.tickMu.Unlock()
		return
	}
	elapsed := now.Sub(p.lastTick).Seconds()
	delta := current - p.lastBytes
	p.lastTick = now
	p.lastBytes = current
	p.tickMu.Unlock()

	speed := 0.0
	if elapsed > 0 {
		speed = float64(delta) / elapsed
	}
	var eta float64
	if speed > 0 && p.total > 0 {
		eta = float64(p.total-current) / speed
	}
	p.onProgress(current, speed, eta)
}

func (p *progressReporter) currentBytes() int64 { return p.bytes.Load() }
func (p *progressReporter) stop()               {}
