package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/flasharr/flasharr/internal/domain"
)

// taskDBO maps one row of the tasks table. Grounded on gonzb's
// internal/store/dbo.go releaseDBO/queueItemDBO pattern: a dedicated
// nullable-aware struct between domain.Task and database/sql scanning.
type taskDBO struct {
	ID              string
	OriginalURL     string
	Filename        string
	DestinationDir  string
	SizeTotal       sql.NullInt64
	Category        string
	BatchID         string
	BatchName       string
	CatalogTitle    string
	CatalogSeason   string
	CatalogEpisode  string
	Priority        int
	CreatedAt       time.Time
	State           string
	BytesDownloaded int64
	RetryCount      int
	WaitUntil       sql.NullTime
	LastError       string
	ErrorHistory    string
}

func fromDomain(t *domain.Task) taskDBO {
	dbo := taskDBO{
		ID:              t.ID,
		OriginalURL:     t.OriginalURL,
		Filename:        t.Filename,
		DestinationDir:  t.DestinationDir,
		Category:        t.Category,
		BatchID:         t.BatchID,
		BatchName:       t.BatchName,
		CatalogTitle:    t.CatalogTitle,
		CatalogSeason:   t.CatalogSeason,
		CatalogEpisode:  t.CatalogEpisode,
		Priority:        t.Priority,
		CreatedAt:       t.CreatedAt,
		State:           string(t.State),
		BytesDownloaded: t.BytesDownloaded,
		LastError:       t.LastError,
		RetryCount:      t.RetryCount,
	}
	if t.SizeTotal != nil {
		dbo.SizeTotal = sql.NullInt64{Int64: *t.SizeTotal, Valid: true}
	}
	if !t.WaitUntil.IsZero() {
		dbo.WaitUntil = sql.NullTime{Time: t.WaitUntil, Valid: true}
	}
	history := t.ErrorHistory
	if history == nil {
		history = []domain.ErrorEntry{}
	}
	raw, _ := json.Marshal(history)
	dbo.ErrorHistory = string(raw)
	return dbo
}

func (dbo *taskDBO) toDomain() *domain.Task {
	t := &domain.Task{
		ID:             dbo.ID,
		OriginalURL:    dbo.OriginalURL,
		Filename:       dbo.Filename,
		DestinationDir: dbo.DestinationDir,
		Category:       dbo.Category,
		BatchID:        dbo.BatchID,
		BatchName:      dbo.BatchName,
		CatalogTitle:   dbo.CatalogTitle,
		CatalogSeason:  dbo.CatalogSeason,
		CatalogEpisode: dbo.CatalogEpisode,
		Priority:       dbo.Priority,
		CreatedAt:      dbo.CreatedAt,

		State:           domain.State(dbo.State),
		BytesDownloaded: dbo.BytesDownloaded,
		RetryCount:      dbo.RetryCount,
		LastError:       dbo.LastError,
	}
	if dbo.SizeTotal.Valid {
		size := dbo.SizeTotal.Int64
		t.SizeTotal = &size
	}
	if dbo.WaitUntil.Valid {
		t.WaitUntil = dbo.WaitUntil.Time
	}
	var history []domain.ErrorEntry
	if dbo.ErrorHistory != "" {
		_ = json.Unmarshal([]byte(dbo.ErrorHistory), &history)
	}
	t.ErrorHistory = history
	return t
}

const taskColumns = `
	id, original_url, filename, destination_dir, size_total, category,
	batch_id, batch_name, catalog_title, catalog_season, catalog_episode,
	priority, created_at, state, bytes_downloaded, retry_count, wait_until,
	last_error, error_history`

func scanTask(row interface{ Scan(...any) error }) (*domain.Task, error) {
	var dbo taskDBO
	err := row.Scan(
		&dbo.ID, &dbo.OriginalURL, &dbo.Filename, &dbo.DestinationDir, &dbo.SizeTotal, &dbo.Category,
		&dbo.BatchID, &dbo.BatchName, &dbo.CatalogTitle, &dbo.CatalogSeason, &dbo.CatalogEpisode,
		&dbo.Priority, &dbo.CreatedAt, &dbo.State, &dbo.BytesDownloaded, &dbo.RetryCount, &dbo.WaitUntil,
		&dbo.LastError, &dbo.ErrorHistory,
	)
	if err != nil {
		return nil, err
	}
	return dbo.toDomain(), nil
}
