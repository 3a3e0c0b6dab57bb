package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rawgraph/asset-engine/pkg/models"
)

// runTable maps each ingest kind to its child sync-run table.
func runTable(kind models.IngestKind) (string, error) {
	switch kind {
	case models.IngestUserFollowers:
		return "follower_sync_runs", nil
	case models.IngestUserFollowings:
		return "following_sync_runs", nil
	case models.IngestUsersPosts:
		return "posts_sync_runs", nil
	case models.IngestUsersByIDs, models.IngestPostsByIDs, models.IngestWebhookFollow:
		return "batch_sync_runs", nil
	default:
		return "", fmt.Errorf("unknown ingest kind %q", kind)
	}
}

// CreateIngestRun inserts the ingest_events parent row plus the kind's child
// row with status=in_progress, atomically. Returns the ingest event id,
// which doubles as the run id everywhere else.
func (s *Postgres) CreateIngestRun(ctx context.Context, kind models.IngestKind, targetUserID int64, mode models.SyncMode, requestedBy *int64) (int64, error) {
	table, err := runTable(kind)
	if err != nil {
		return 0, err
	}

	var runID int64
	err = s.WithTx(ctx, func(txs Store) error {
		tx := txs.(*Postgres)
		if err := tx.q.QueryRow(ctx, `
			INSERT INTO ingest_events (ingest_kind) VALUES ($1) RETURNING id`,
			string(kind)).Scan(&runID); err != nil {
			return fmt.Errorf("insert ingest event: %w", err)
		}

		if table == "posts_sync_runs" {
			_, err := tx.q.Exec(ctx, `
				INSERT INTO posts_sync_runs (ingest_event_id, target_user_id, sync_mode, requested_by_materialization_id)
				VALUES ($1, $2, $3, $4)`, runID, targetUserID, string(mode), requestedBy)
			return err
		}
		_, err := tx.q.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (ingest_event_id, target_user_id, sync_mode)
			VALUES ($1, $2, $3)`, table), runID, targetUserID, string(mode))
		return err
	})
	if err != nil {
		return 0, err
	}
	return runID, nil
}

// RecordIngestSnapshot stores the last request/response snapshot for the run.
// Blobs arrive already capped by the caller.
func (s *Postgres) RecordIngestSnapshot(ctx context.Context, runID int64, reqSnapshot, respSnapshot []byte, apiStatus int) error {
	table, err := s.runTableByID(ctx, runID)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET request_snapshot = $2, response_snapshot = $3, last_api_status = $4
		WHERE ingest_event_id = $1`, table),
		runID, reqSnapshot, respSnapshot, apiStatus)
	return err
}

// CompleteIngestRun flips the run to success. syncedSince applies to posts
// runs only and is ignored for other kinds.
func (s *Postgres) CompleteIngestRun(ctx context.Context, runID int64, cursorExhausted bool, syncedSince *time.Time) error {
	table, err := s.runTableByID(ctx, runID)
	if err != nil {
		return err
	}
	if table == "posts_sync_runs" {
		_, err = s.q.Exec(ctx, `
			UPDATE posts_sync_runs
			SET status = 'success', completed_at = NOW(), cursor_exhausted = $2, synced_since = $3
			WHERE ingest_event_id = $1`, runID, cursorExhausted, syncedSince)
		return err
	}
	_, err = s.q.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'success', completed_at = NOW(), cursor_exhausted = $2
		WHERE ingest_event_id = $1`, table), runID, cursorExhausted)
	return err
}

// FailIngestRun flips the run to error, keeping the last snapshots in place.
func (s *Postgres) FailIngestRun(ctx context.Context, runID int64, apiErr string) error {
	table, err := s.runTableByID(ctx, runID)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'error', completed_at = NOW(), last_api_error = $2
		WHERE ingest_event_id = $1`, table), runID, apiErr)
	return err
}

func (s *Postgres) runTableByID(ctx context.Context, runID int64) (string, error) {
	var kind string
	if err := s.q.QueryRow(ctx, `SELECT ingest_kind FROM ingest_events WHERE id = $1`, runID).Scan(&kind); err != nil {
		return "", mapNoRows(err)
	}
	return runTable(models.IngestKind(kind))
}

func (s *Postgres) GetIngestRun(ctx context.Context, kind models.IngestKind, id int64) (*models.IngestRun, error) {
	table, err := runTable(kind)
	if err != nil {
		return nil, err
	}
	return s.scanRun(ctx, kind, table, `r.ingest_event_id = $1`, id)
}

func (s *Postgres) LatestSuccessfulRun(ctx context.Context, kind models.IngestKind, targetUserID int64, fullOnly bool) (*models.IngestRun, error) {
	table, err := runTable(kind)
	if err != nil {
		return nil, err
	}
	cond := `r.target_user_id = $1 AND r.status = 'success'`
	if fullOnly {
		cond += ` AND r.sync_mode = 'full_refresh'`
	}
	return s.scanRun(ctx, kind, table, cond+` ORDER BY r.ingest_event_id DESC LIMIT 1`, targetUserID)
}

func (s *Postgres) scanRun(ctx context.Context, kind models.IngestKind, table, cond string, args ...any) (*models.IngestRun, error) {
	syncedSince := "NULL::timestamptz"
	requestedBy := "NULL::bigint"
	if table == "posts_sync_runs" {
		syncedSince = "r.synced_since"
		requestedBy = "r.requested_by_materialization_id"
	}
	sql := fmt.Sprintf(`
		SELECT r.ingest_event_id, r.target_user_id, r.status, r.sync_mode,
		       r.cursor_exhausted, %s, r.last_api_status, r.last_api_error,
		       r.request_snapshot, r.response_snapshot, %s,
		       r.started_at, r.completed_at
		FROM %s r
		WHERE %s`, syncedSince, requestedBy, table, cond)

	var run models.IngestRun
	run.Kind = kind
	var status, mode string
	err := s.q.QueryRow(ctx, sql, args...).Scan(
		&run.ID, &run.TargetUserID, &status, &mode,
		&run.CursorExhausted, &run.SyncedSince, &run.LastAPIStatus, &run.LastAPIError,
		&run.RequestSnapshot, &run.ResponseSnapshot, &run.RequestedByID,
		&run.StartedAt, &run.CompletedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	run.Status = models.RunStatus(status)
	run.SyncMode = models.SyncMode(mode)
	return &run, nil
}
