package httpapi

import "github.com/flasharr/flasharr/internal/domain"

// submitRequest is the JSON body accepted by POST /api/tasks.
type submitRequest struct {
	OriginalURL    string `json:"original_url"`
	Filename       string `json:"filename"`
	DestinationDir string `json:"destination_dir"`
	SizeTotal      *int64 `json:"size_total,omitempty"`
	Category       string `json:"category"`
	BatchID        string `json:"batch_id,omitempty"`
	BatchName      string `json:"batch_name,omitempty"`
	CatalogTitle   string `json:"catalog_title,omitempty"`
	CatalogSeason  string `json:"catalog_season,omitempty"`
	CatalogEpisode string `json:"catalog_episode,omitempty"`
	Priority       int    `json:"priority"`
}

// batchRequest is the JSON body accepted by POST /api/tasks/batch.
type batchRequest struct {
	Action   string   `json:"action"`
	States   []string `json:"states,omitempty"`
	BatchID  string   `json:"batch_id,omitempty"`
	Category string   `json:"category,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type batchResponse struct {
	Results map[string]string `json:"results"` // task id -> "" on success, error message otherwise
}

// taskResponse is the wire shape of a Snapshot: every durable field plus
// the live counters when the task is in flight.
type taskResponse struct {
	ID             string              `json:"id"`
	OriginalURL    string              `json:"original_url"`
	Filename       string              `json:"filename"`
	DestinationDir string              `json:"destination_dir"`
	SizeTotal      *int64              `json:"size_total,omitempty"`
	Category       string              `json:"category"`
	BatchID        string              `json:"batch_id,omitempty"`
	BatchName      string              `json:"batch_name,omitempty"`
	CatalogTitle   string              `json:"catalog_title,omitempty"`
	CatalogSeason  string              `json:"catalog_season,omitempty"`
	CatalogEpisode string              `json:"catalog_episode,omitempty"`
	Priority       int                 `json:"priority"`
	CreatedAt      string              `json:"created_at"`
	State          string              `json:"state"`
	BytesDownloaded int64              `json:"bytes_downloaded"`
	RetryCount     int                 `json:"retry_count"`
	LastError      string              `json:"last_error,omitempty"`
	ErrorHistory   []domain.ErrorEntry `json:"error_history,omitempty"`
	Live           bool                `json:"live"`
	LiveBytes      int64               `json:"live_bytes,omitempty"`
	LiveSpeed      float64             `json:"live_speed_bps,omitempty"`
	LiveETASeconds float64             `json:"live_eta_seconds,omitempty"`
}

func toTaskResponse(snap *domain.Snapshot) taskResponse {
	resp := taskResponse{
		ID:              snap.ID,
		OriginalURL:     snap.OriginalURL,
		Filename:        snap.Filename,
		DestinationDir:  snap.DestinationDir,
		SizeTotal:       snap.SizeTotal,
		Category:        snap.Category,
		BatchID:         snap.BatchID,
		BatchName:       snap.BatchName,
		CatalogTitle:    snap.CatalogTitle,
		CatalogSeason:   snap.CatalogSeason,
		CatalogEpisode:  snap.CatalogEpisode,
		Priority:        snap.Priority,
		CreatedAt:       snap.CreatedAt.Format(timeFormat),
		State:           string(snap.State),
		BytesDownloaded: snap.BytesDownloaded,
		RetryCount:      snap.RetryCount,
		LastError:       snap.LastError,
		ErrorHistory:    snap.ErrorHistory,
		Live:            snap.Live,
	}
	if snap.Live {
		resp.LiveBytes = snap.LiveBytes
		resp.LiveSpeed = snap.LiveSpeed
		resp.LiveETASeconds = snap.LiveETA.Seconds()
	}
	return resp
}

const timeFormat = "2006-01-02T15:04:05Z07:00"
