package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flasharr/flasharr/internal/domain"
	"github.com/flasharr/flasharr/internal/eventbus"
	"github.com/flasharr/flasharr/internal/obs/logger"
	"github.com/flasharr/flasharr/internal/orchestrator"
)

type fakeOrchestrator struct {
	submitID    string
	submitErr   error
	actErr      error
	unified     *domain.Snapshot
	unifiedErr  error
	listResult  []*domain.Snapshot
	batchResult map[string]error

	lastSubmitReq orchestrator.Request
	lastActID     string
	lastBatch     orchestrator.BatchAction
	lastFilter    domain.Filter
}

func (f *fakeOrchestrator) Submit(ctx context.Context, req orchestrator.Request) (string, error) {
	f.lastSubmitReq = req
	return f.submitID, f.submitErr
}
func (f *fakeOrchestrator) Pause(ctx context.Context, id string) error  { f.lastActID = id; return f.actErr }
func (f *fakeOrchestrator) Resume(ctx context.Context, id string) error { f.lastActID = id; return f.actErr }
func (f *fakeOrchestrator) Cancel(ctx context.Context, id string) error { f.lastActID = id; return f.actErr }
func (f *fakeOrchestrator) Retry(ctx context.Context, id string) error  { f.lastActID = id; return f.actErr }
func (f *fakeOrchestrator) Delete(ctx context.Context, id string) error { f.lastActID = id; return f.actErr }
func (f *fakeOrchestrator) Batch(ctx context.Context, action orchestrator.BatchAction, filter domain.Filter) map[string]error {
	f.lastBatch = action
	f.lastFilter = filter
	return f.batchResult
}
func (f *fakeOrchestrator) GetUnified(ctx context.Context, id string) (*domain.Snapshot, error) {
	return f.unified, f.unifiedErr
}
func (f *fakeOrchestrator) List(filter domain.Filter) []*domain.Snapshot {
	f.lastFilter = filter
	return f.listResult
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(t.TempDir()+"/h.log", logger.LevelDebug, false)
	require.NoError(t, err)
	return log
}

func newEchoContext(method, path string, body []byte) (*echo.Echo, *echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return e, c, rec
}

func TestSubmitReturnsAcceptedWithTaskID(t *testing.T) {
	fake := &fakeOrchestrator{submitID: "task-123"}
	tc := &TaskController{Orchestrator: fake, Events: eventbus.New(), Logger: testLogger(t)}

	body, _ := json.Marshal(submitRequest{OriginalURL: "https://host/file", Category: "movies"})
	_, c, rec := newEchoContext(http.MethodPost, "/api/tasks", body)

	require.NoError(t, tc.Submit(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "task-123", resp.TaskID)
	assert.Equal(t, "https://host/file", fake.lastSubmitReq.OriginalURL)
}

func TestSubmitRejectsMissingOriginalURL(t *testing.T) {
	fake := &fakeOrchestrator{}
	tc := &TaskController{Orchestrator: fake, Events: eventbus.New(), Logger: testLogger(t)}

	body, _ := json.Marshal(submitRequest{Category: "movies"})
	_, c, rec := newEchoContext(http.MethodPost, "/api/tasks", body)

	require.NoError(t, tc.Submit(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetReturnsNotFoundWhenOrchestratorErrors(t *testing.T) {
	fake := &fakeOrchestrator{unifiedErr: domain.ErrTaskNotFound}
	tc := &TaskController{Orchestrator: fake, Events: eventbus.New(), Logger: testLogger(t)}

	_, c, rec := newEchoContext(http.MethodGet, "/api/tasks/missing", nil)
	c.SetParamNames("id")
	c.SetParamValues("missing")

	require.NoError(t, tc.Get(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetReturnsSnapshotJSON(t *testing.T) {
	snap := &domain.Snapshot{Task: domain.Task{ID: "task-1", State: domain.StateDownloading, CreatedAt: time.Now()}, Live: true, LiveBytes: 2048}
	fake := &fakeOrchestrator{unified: snap}
	tc := &TaskController{Orchestrator: fake, Events: eventbus.New(), Logger: testLogger(t)}

	_, c, rec := newEchoContext(http.MethodGet, "/api/tasks/task-1", nil)
	c.SetParamNames("id")
	c.SetParamValues("task-1")

	require.NoError(t, tc.Get(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp taskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "task-1", resp.ID)
	assert.Equal(t, int64(2048), resp.LiveBytes)
}

func TestPauseReturnsConflictOnInvalidTransition(t *testing.T) {
	fake := &fakeOrchestrator{actErr: domain.ErrInvalidTransition}
	tc := &TaskController{Orchestrator: fake, Events: eventbus.New(), Logger: testLogger(t)}

	_, c, rec := newEchoContext(http.MethodPost, "/api/tasks/task-1/pause", nil)
	c.SetParamNames("id")
	c.SetParamValues("task-1")

	require.NoError(t, tc.Pause(c))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelReturnsNoContentOnSuccess(t *testing.T) {
	fake := &fakeOrchestrator{}
	tc := &TaskController{Orchestrator: fake, Events: eventbus.New(), Logger: testLogger(t)}

	_, c, rec := newEchoContext(http.MethodPost, "/api/tasks/task-9/cancel", nil)
	c.SetParamNames("id")
	c.SetParamValues("task-9")

	require.NoError(t, tc.Cancel(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "task-9", fake.lastActID)
}

func TestBatchReturnsPerTaskResults(t *testing.T) {
	fake := &fakeOrchestrator{batchResult: map[string]error{"t1": nil, "t2": domain.ErrInvalidTransition}}
	tc := &TaskController{Orchestrator: fake, Events: eventbus.New(), Logger: testLogger(t)}

	body, _ := json.Marshal(batchRequest{Action: "cancel", Category: "movies"})
	_, c, rec := newEchoContext(http.MethodPost, "/api/tasks/batch", body)

	require.NoError(t, tc.Batch(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orchestrator.BatchCancel, fake.lastBatch)
	assert.Equal(t, "movies", fake.lastFilter.Category)

	var resp batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "", resp.Results["t1"])
	assert.NotEmpty(t, resp.Results["t2"])
}

func TestListAppliesQueryFilter(t *testing.T) {
	fake := &fakeOrchestrator{listResult: []*domain.Snapshot{
		{Task: domain.Task{ID: "a", State: domain.StateQueued}},
	}}
	tc := &TaskController{Orchestrator: fake, Events: eventbus.New(), Logger: testLogger(t)}

	_, c, rec := newEchoContext(http.MethodGet, "/api/tasks?state=QUEUED&category=tv", nil)
	c.QueryParams().Set("state", "QUEUED")
	c.QueryParams().Set("category", "tv")

	require.NoError(t, tc.List(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tv", fake.lastFilter.Category)
	assert.Equal(t, []domain.State{domain.StateQueued}, fake.lastFilter.States)

	var resp []taskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp, 1)
}
