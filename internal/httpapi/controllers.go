// Package httpapi is the internal HTTP surface the Orchestrator exposes:
// submit/list/pause/resume/cancel/retry/delete/batch, unified lookup, and
// an SSE event stream. Grounded on gonzb's internal/api router +
// controllers pattern, generalized from gonzb's single Newznab/XML
// controller to a small JSON CRUD surface plus a streaming endpoint.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/flasharr/flasharr/internal/domain"
	"github.com/flasharr/flasharr/internal/eventbus"
	"github.com/flasharr/flasharr/internal/obs/logger"
	"github.com/flasharr/flasharr/internal/orchestrator"
)

// Orchestrator is every Orchestrator method the HTTP surface calls.
type Orchestrator interface {
	Submit(ctx context.Context, req orchestrator.Request) (string, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Batch(ctx context.Context, action orchestrator.BatchAction, filter domain.Filter) map[string]error
	GetUnified(ctx context.Context, id string) (*domain.Snapshot, error)
	List(filter domain.Filter) []*domain.Snapshot
}

// TaskController handles every task lifecycle endpoint.
type TaskController struct {
	Orchestrator Orchestrator
	Events       *eventbus.Bus
	Logger       *logger.Logger
}

func (tc *TaskController) Submit(c *echo.Context) error {
	var body submitRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}
	if body.OriginalURL == "" {
		return c.JSON(http.StatusBadRequest, errorBody(fmt.Errorf("original_url is required")))
	}

	id, err := tc.Orchestrator.Submit(c.Request().Context(), orchestrator.Request{
		OriginalURL:    body.OriginalURL,
		Filename:       body.Filename,
		DestinationDir: body.DestinationDir,
		SizeTotal:      body.SizeTotal,
		Category:       body.Category,
		BatchID:        body.BatchID,
		BatchName:      body.BatchName,
		CatalogTitle:   body.CatalogTitle,
		CatalogSeason:  body.CatalogSeason,
		CatalogEpisode: body.CatalogEpisode,
		Priority:       body.Priority,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err))
	}
	return c.JSON(http.StatusAccepted, submitResponse{TaskID: id})
}

func (tc *TaskController) Get(c *echo.Context) error {
	id := c.Param("id")
	snap, err := tc.Orchestrator.GetUnified(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusNotFound, errorBody(err))
	}
	return c.JSON(http.StatusOK, toTaskResponse(snap))
}

func (tc *TaskController) List(c *echo.Context) error {
	filter := filterFromQuery(c)
	snaps := tc.Orchestrator.List(filter)
	out := make([]taskResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, toTaskResponse(snap))
	}
	return c.JSON(http.StatusOK, out)
}

func (tc *TaskController) Pause(c *echo.Context) error  { return tc.act(c, tc.Orchestrator.Pause) }
func (tc *TaskController) Resume(c *echo.Context) error { return tc.act(c, tc.Orchestrator.Resume) }
func (tc *TaskController) Cancel(c *echo.Context) error { return tc.act(c, tc.Orchestrator.Cancel) }
func (tc *TaskController) Retry(c *echo.Context) error  { return tc.act(c, tc.Orchestrator.Retry) }
func (tc *TaskController) Delete(c *echo.Context) error { return tc.act(c, tc.Orchestrator.Delete) }

func (tc *TaskController) act(c *echo.Context, fn func(ctx context.Context, id string) error) error {
	id := c.Param("id")
	if err := fn(c.Request().Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrTaskNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, domain.ErrInvalidTransition) {
			status = http.StatusConflict
		}
		return c.JSON(status, errorBody(err))
	}
	return c.NoContent(http.StatusNoContent)
}

func (tc *TaskController) Batch(c *echo.Context) error {
	var body batchRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}

	filter := domain.Filter{BatchID: body.BatchID, Category: body.Category}
	for _, s := range body.States {
		filter.States = append(filter.States, domain.State(s))
	}

	results := tc.Orchestrator.Batch(c.Request().Context(), orchestrator.BatchAction(body.Action), filter)
	out := make(map[string]string, len(results))
	for id, err := range results {
		if err != nil {
			out[id] = err.Error()
		} else {
			out[id] = ""
		}
	}
	return c.JSON(http.StatusOK, batchResponse{Results: out})
}

// Subscribe streams the Event Bus as Server-Sent Events, one JSON-encoded
// domain.Event per `data:` line.
func (tc *TaskController) Subscribe(c *echo.Context) error {
	sub := tc.Events.Subscribe()
	defer sub.Close()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := writeSSEEvent(w, delivery); err != nil {
				return err
			}
			w.Flush()
		}
	}
}

func filterFromQuery(c *echo.Context) domain.Filter {
	filter := domain.Filter{
		BatchID:  c.QueryParam("batch_id"),
		Category: c.QueryParam("category"),
	}
	if raw := c.QueryParam("state"); raw != "" {
		filter.States = append(filter.States, domain.State(raw))
	}
	return filter
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
