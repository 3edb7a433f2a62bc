package fetcher

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flasharr/flasharr/internal/domain"
	"github.com/flasharr/flasharr/internal/obs/logger"
	"github.com/flasharr/flasharr/internal/testsupport"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(t.TempDir()+"/f.log", logger.LevelDebug, false)
	require.NoError(t, err)
	return log
}

func newFetcher(t *testing.T) *Fetcher {
	return New(&http.Client{Timeout: 5 * time.Second}, NewSpeedLimiter(0), testLogger(t))
}

func TestFetchSegmentedDownloadProducesCompleteFile(t *testing.T) {
	up := testsupport.New(testsupport.WithFileSize(256*1024), testsupport.WithRangeSupport(true))
	defer up.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	f := newFetcher(t)

	n, err := f.Fetch(context.Background(), make(chan struct{}), Input{
		DirectURL:            up.URL(),
		DestinationPath:      dest,
		MinSegments:          2,
		MaxSegments:          8,
		TargetSegments:       4,
		SegmentThresholdByte: 1024,
		ProgressHz:           2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(256*1024), n)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, int64(256*1024), info.Size())
}

func TestFetchCallsOnSizeDiscoveredWhenSizeTotalWasUnknown(t *testing.T) {
	up := testsupport.New(testsupport.WithFileSize(64*1024), testsupport.WithRangeSupport(true))
	defer up.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	f := newFetcher(t)

	var discovered int64
	calls := 0
	n, err := f.Fetch(context.Background(), make(chan struct{}), Input{
		DirectURL:            up.URL(),
		DestinationPath:      dest,
		MinSegments:          1,
		MaxSegments:          4,
		TargetSegments:       2,
		SegmentThresholdByte: 1024,
		ProgressHz:           2,
		OnSizeDiscovered: func(sizeTotal int64) {
			calls++
			discovered = sizeTotal
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(64*1024), discovered)
	assert.Equal(t, int64(64*1024), n)
}

func TestFetchDoesNotCallOnSizeDiscoveredWhenSizeTotalAlreadyKnown(t *testing.T) {
	up := testsupport.New(testsupport.WithFileSize(64*1024), testsupport.WithRangeSupport(true))
	defer up.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	f := newFetcher(t)
	knownSize := int64(64 * 1024)

	calls := 0
	_, err := f.Fetch(context.Background(), make(chan struct{}), Input{
		DirectURL:            up.URL(),
		DestinationPath:      dest,
		SizeTotal:            &knownSize,
		MinSegments:          1,
		MaxSegments:          4,
		TargetSegments:       2,
		SegmentThresholdByte: 1024,
		ProgressHz:           2,
		OnSizeDiscovered:     func(int64) { calls++ },
	})
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
}

func TestFetchLeavesPartFileInPlaceOnPause(t *testing.T) {
	up := testsupport.New(testsupport.WithFileSize(2*1024*1024), testsupport.WithRangeSupport(true))
	defer up.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	f := New(&http.Client{Timeout: 30 * time.Second}, NewSpeedLimiter(50*1024), testLogger(t))

	pauseCh := make(chan struct{}, 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		pauseCh <- struct{}{}
	}()

	_, err := f.Fetch(context.Background(), pauseCh, Input{
		DirectURL:            up.URL(),
		DestinationPath:      dest,
		MinSegments:          1,
		MaxSegments:          2,
		TargetSegments:       1,
		SegmentThresholdByte: 1024 * 1024 * 1024,
	})
	require.ErrorIs(t, err, domain.ErrPaused)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	_, partErr := os.Stat(dest + ".part")
	require.NoError(t, partErr)
}

func TestFetchFallsBackToSingleStreamWhenRangesUnsupported(t *testing.T) {
	up := testsupport.New(testsupport.WithFileSize(64*1024), testsupport.WithRangeSupport(false))
	defer up.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	f := newFetcher(t)

	n, err := f.Fetch(context.Background(), make(chan struct{}), Input{
		DirectURL:            up.URL(),
		DestinationPath:      dest,
		MinSegments:          2,
		MaxSegments:          8,
		TargetSegments:       4,
		SegmentThresholdByte: 1024 * 1024,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024), n)
}

func TestFetchBelowThresholdUsesSingleStream(t *testing.T) {
	up := testsupport.New(testsupport.WithFileSize(10*1024), testsupport.WithRangeSupport(true))
	defer up.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	f := newFetcher(t)

	n, err := f.Fetch(context.Background(), make(chan struct{}), Input{
		DirectURL:            up.URL(),
		DestinationPath:      dest,
		MinSegments:          2,
		MaxSegments:          8,
		TargetSegments:       4,
		SegmentThresholdByte: 1024 * 1024, // file is well below this
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10*1024), n)
	assert.Equal(t, int64(2), up.RequestCount.Load()) // one probe request, one single-stream fetch request
}

func TestFetchDetectsSizeMismatchOnResume(t *testing.T) {
	up := testsupport.New(testsupport.WithFileSize(50*1024), testsupport.WithRangeSupport(true))
	defer up.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	f := newFetcher(t)

	staleSize := int64(99 * 1024)
	_, err := f.Fetch(context.Background(), make(chan struct{}), Input{
		DirectURL:            up.URL(),
		DestinationPath:      dest,
		SizeTotal:            &staleSize,
		ResumeFrom:           1024,
		MinSegments:          1,
		MaxSegments:          4,
		TargetSegments:       2,
		SegmentThresholdByte: 1024,
	})
	assert.ErrorIs(t, err, domain.ErrSizeMismatch)
}

func TestFetchCancelReturnsPartialBytesAndCancelledError(t *testing.T) {
	up := testsupport.New(testsupport.WithFileSize(2*1024*1024), testsupport.WithRangeSupport(true))
	defer up.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	// Throttled to 50KB/s so a 2MB transfer takes ~40s — cancel at 10ms is
	// guaranteed to land mid-transfer rather than racing completion.
	f := New(&http.Client{Timeout: 30 * time.Second}, NewSpeedLimiter(50*1024), testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	n, err := f.Fetch(ctx, make(chan struct{}), Input{
		DirectURL:            up.URL(),
		DestinationPath:      dest,
		MinSegments:          1,
		MaxSegments:          2,
		TargetSegments:       1,
		SegmentThresholdByte: 1024 * 1024 * 1024, // force single stream so cancel hits one goroutine deterministically
	})
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Less(t, n, int64(2*1024*1024))
}

func TestFetchPauseSignalReturnsPausedError(t *testing.T) {
	up := testsupport.New(testsupport.WithFileSize(2*1024*1024), testsupport.WithRangeSupport(true))
	defer up.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	f := New(&http.Client{Timeout: 30 * time.Second}, NewSpeedLimiter(50*1024), testLogger(t))

	pauseCh := make(chan struct{}, 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		pauseCh <- struct{}{}
	}()

	_, err := f.Fetch(context.Background(), pauseCh, Input{
		DirectURL:            up.URL(),
		DestinationPath:      dest,
		MinSegments:          1,
		MaxSegments:          2,
		TargetSegments:       1,
		SegmentThresholdByte: 1024 * 1024 * 1024,
	})
	assert.ErrorIs(t, err, domain.ErrPaused)
}

func TestPlanSegmentsClampsToMaxAndMin(t *testing.T) {
	segs := planSegments(0, 1000, 2, 4, 10)
	assert.Len(t, segs, 4)

	segs = planSegments(0, 1000, 3, 8, 1)
	assert.Len(t, segs, 3)

	segs = planSegments(0, 2, 1, 8, 4)
	assert.Len(t, segs, 2) // remaining bytes cap the count below target
}
