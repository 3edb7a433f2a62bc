package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flasharr/flasharr/internal/domain"
)

// Upsert is a whole-record, atomic write. A successful return implies the
// write survives a process crash.
func (s *Store) Upsert(ctx context.Context, t *domain.Task) error {
	dbo := fromDomain(t)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, original_url, filename, destination_dir, size_total, category,
			batch_id, batch_name, catalog_title, catalog_season, catalog_episode,
			priority, created_at, state, bytes_downloaded, retry_count, wait_until,
			last_error, error_history
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename,
			destination_dir = excluded.destination_dir,
			size_total = excluded.size_total,
			category = excluded.category,
			batch_id = excluded.batch_id,
			batch_name = excluded.batch_name,
			catalog_title = excluded.catalog_title,
			catalog_season = excluded.catalog_season,
			catalog_episode = excluded.catalog_episode,
			priority = excluded.priority,
			state = excluded.state,
			bytes_downloaded = excluded.bytes_downloaded,
			retry_count = excluded.retry_count,
			wait_until = excluded.wait_until,
			last_error = excluded.last_error,
			error_history = excluded.error_history`,
		dbo.ID, dbo.OriginalURL, dbo.Filename, dbo.DestinationDir, dbo.SizeTotal, dbo.Category,
		dbo.BatchID, dbo.BatchName, dbo.CatalogTitle, dbo.CatalogSeason, dbo.CatalogEpisode,
		dbo.Priority, dbo.CreatedAt, dbo.State, dbo.BytesDownloaded, dbo.RetryCount, dbo.WaitUntil,
		dbo.LastError, dbo.ErrorHistory,
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

// Load fetches a single task by id, returning (nil, nil) on a miss.
func (s *Store) Load(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return t, nil
}

// FindActiveByURL looks up a non-terminal task sharing original_url and
// category, backing the Orchestrator's submit() dedup check.
func (s *Store) FindActiveByURL(ctx context.Context, originalURL, category string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE original_url = ? AND category = ?
		  AND state NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
		LIMIT 1`, originalURL, category)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active task by url: %w", err)
	}
	return t, nil
}

// List returns tasks matching filter, paginated and sorted.
func (s *Store) List(ctx context.Context, filter domain.Filter, page domain.Page, sort domain.SortField) ([]*domain.Task, error) {
	var where []string
	var args []any

	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}

	query := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	switch sort {
	case domain.SortByState:
		query += " ORDER BY state ASC, created_at ASC"
	case domain.SortByPriority:
		query += " ORDER BY priority DESC, created_at ASC"
	default:
		query += " ORDER BY created_at ASC"
	}

	if page.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, page.Limit, page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListByStates is the startup query Recover uses.
func (s *Store) ListByStates(ctx context.Context, states ...domain.State) ([]*domain.Task, error) {
	return s.List(ctx, domain.Filter{States: states}, domain.Page{}, domain.SortByCreatedAt)
}

// Delete removes a terminal task's persisted row.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// AppendError atomically appends an error-history entry: it reads, trims
// to the bounded-history cap and rewrites the history inside one
// transaction so concurrent writers can't race past the cap.
func (s *Store) AppendError(ctx context.Context, id string, entry domain.ErrorEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, "SELECT error_history FROM tasks WHERE id = ?", id).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("append error: task %s not found", id)
		}
		return err
	}

	var history []domain.ErrorEntry
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &history)
	}
	history = append(history, entry)
	if len(history) > domain.MaxErrorHistory {
		history = history[len(history)-domain.MaxErrorHistory:]
	}

	encoded, err := json.Marshal(history)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "UPDATE tasks SET error_history = ?, last_error = ? WHERE id = ?",
		string(encoded), entry.Message, id); err != nil {
		return err
	}

	return tx.Commit()
}

// ResetInFlight resets tasks stuck in STARTING/DOWNLOADING back to QUEUED.
// Their bytes_downloaded snapshot is left untouched as the resume point —
// used by Recover on startup.
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET state = ? WHERE state IN (?, ?)",
		string(domain.StateQueued), string(domain.StateStarting), string(domain.StateDownloading))
	if err != nil {
		return 0, fmt.Errorf("reset in-flight tasks: %w", err)
	}
	return res.RowsAffected()
}
