package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rawgraph/asset-engine/pkg/models"
)

// UpsertUser writes one user with handle-theft semantics. All steps run in
// one transaction: the current holder of the incoming normalized handle (if
// different) loses it with a history row (old -> ""), the receiving user
// gets a history row when its handle actually changes, then the row is
// upserted with the caller's is_deleted flag. Ingest paths pass false, so
// re-observation revives tombstoned users.
func (s *Postgres) UpsertUser(ctx context.Context, u UserUpsert) error {
	return s.WithTx(ctx, func(txs Store) error {
		tx := txs.(*Postgres)

		if u.Handle != nil && *u.Handle != "" {
			norm := strings.ToLower(*u.Handle)

			// Steal the handle from any other holder.
			rows, err := tx.q.Query(ctx, `
				UPDATE users
				SET handle = NULL, updated_at = NOW()
				WHERE handle_norm = $1 AND id <> $2
				RETURNING id, handle`, norm, u.ID)
			if err != nil {
				return fmt.Errorf("clear stolen handle: %w", err)
			}
			type stolen struct {
				id     int64
				handle string
			}
			var victims []stolen
			for rows.Next() {
				var v stolen
				if err := rows.Scan(&v.id, &v.handle); err != nil {
					rows.Close()
					return err
				}
				victims = append(victims, v)
			}
			rows.Close()
			if rows.Err() != nil {
				return rows.Err()
			}
			for _, v := range victims {
				if _, err := tx.q.Exec(ctx, `
					INSERT INTO user_handle_history (user_id, old_handle, new_handle)
					VALUES ($1, $2, '')`, v.id, v.handle); err != nil {
					return fmt.Errorf("handle theft history: %w", err)
				}
			}

			// History row for the receiving user when its handle changes.
			var prev *string
			err = tx.q.QueryRow(ctx, `SELECT handle FROM users WHERE id = $1`, u.ID).Scan(&prev)
			if err == nil {
				prevVal := ""
				if prev != nil {
					prevVal = *prev
				}
				if prevVal != *u.Handle {
					if _, err := tx.q.Exec(ctx, `
						INSERT INTO user_handle_history (user_id, old_handle, new_handle)
						VALUES ($1, $2, $3)`, u.ID, prevVal, *u.Handle); err != nil {
						return fmt.Errorf("handle change history: %w", err)
					}
				}
			}
		}

		_, err := tx.q.Exec(ctx, `
			INSERT INTO users (id, handle, is_deleted, last_ingest_id, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (id) DO UPDATE SET
				handle = COALESCE(EXCLUDED.handle, users.handle),
				is_deleted = EXCLUDED.is_deleted,
				last_ingest_id = COALESCE(EXCLUDED.last_ingest_id, users.last_ingest_id),
				updated_at = NOW()`,
			u.ID, u.Handle, u.IsDeleted, u.IngestID)
		if err != nil {
			return fmt.Errorf("upsert user %d: %w", u.ID, err)
		}
		return nil
	})
}

func (s *Postgres) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.q.QueryRow(ctx, `
		SELECT id, handle, handle_norm, is_deleted, last_ingest_id, updated_at
		FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Handle, &u.HandleNorm, &u.IsDeleted, &u.LastIngestID, &u.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &u, nil
}

// ReplaceFollowers reconciles the complete follower set of a target: edges
// not in the supplied set are soft-deleted, supplied ones upserted/revived.
func (s *Postgres) ReplaceFollowers(ctx context.Context, targetID int64, followerIDs []int64) (int, int, error) {
	return s.reconcileEdges(ctx, "target_id", "follower_id", targetID, followerIDs)
}

// ReplaceFollowings reconciles the complete followed set of a follower.
func (s *Postgres) ReplaceFollowings(ctx context.Context, followerID int64, targetIDs []int64) (int, int, error) {
	return s.reconcileEdges(ctx, "follower_id", "target_id", followerID, targetIDs)
}

func (s *Postgres) reconcileEdges(ctx context.Context, fixedCol, varCol string, fixedID int64, varIDs []int64) (int, int, error) {
	var added, removed int
	err := s.WithTx(ctx, func(txs Store) error {
		tx := txs.(*Postgres)

		// Soft-delete active edges missing from the new set.
		tag, err := tx.q.Exec(ctx, fmt.Sprintf(`
			UPDATE follow_edges
			SET is_deleted = TRUE, updated_at = NOW()
			WHERE %s = $1 AND NOT is_deleted AND %s <> ALL($2)`, fixedCol, varCol),
			fixedID, varIDs)
		if err != nil {
			return fmt.Errorf("reconcile soft-delete: %w", err)
		}
		removed = int(tag.RowsAffected())

		for _, id := range varIDs {
			tag, err := tx.q.Exec(ctx, fmt.Sprintf(`
				INSERT INTO follow_edges (%s, %s, is_deleted, updated_at)
				VALUES ($1, $2, FALSE, NOW())
				ON CONFLICT (target_id, follower_id) DO UPDATE SET
					is_deleted = FALSE,
					updated_at = NOW()
				WHERE follow_edges.is_deleted`, fixedCol, varCol),
				fixedID, id)
			if err != nil {
				return fmt.Errorf("reconcile upsert: %w", err)
			}
			if tag.RowsAffected() > 0 {
				added++
			}
		}
		return nil
	})
	return added, removed, err
}

// UpsertFollowEdges upserts one page of edges and reports how many were
// previously missing or soft-deleted. Incremental sync stops on zero.
func (s *Postgres) UpsertFollowEdges(ctx context.Context, edges []models.FollowEdge) (int, error) {
	newlyActive := 0
	err := s.WithTx(ctx, func(txs Store) error {
		tx := txs.(*Postgres)
		for _, e := range edges {
			tag, err := tx.q.Exec(ctx, `
				INSERT INTO follow_edges (target_id, follower_id, is_deleted, updated_at)
				VALUES ($1, $2, FALSE, NOW())
				ON CONFLICT (target_id, follower_id) DO UPDATE SET
					is_deleted = FALSE,
					updated_at = NOW()
				WHERE follow_edges.is_deleted`,
				e.TargetID, e.FollowerID)
			if err != nil {
				return fmt.Errorf("upsert follow edge: %w", err)
			}
			if tag.RowsAffected() > 0 {
				newlyActive++
			}
		}
		return nil
	})
	return newlyActive, err
}

// UpsertPosts writes posts keeping author and posted_at immutable on
// conflict; text, lang and the raw payload refresh.
func (s *Postgres) UpsertPosts(ctx context.Context, posts []models.Post) error {
	return s.WithTx(ctx, func(txs Store) error {
		tx := txs.(*Postgres)
		for _, p := range posts {
			if _, err := tx.q.Exec(ctx, `
				INSERT INTO posts (id, author_id, posted_at, text, lang, raw_payload, is_deleted)
				VALUES ($1, $2, $3, $4, $5, $6, FALSE)
				ON CONFLICT (id) DO UPDATE SET
					text = EXCLUDED.text,
					lang = EXCLUDED.lang,
					raw_payload = EXCLUDED.raw_payload,
					is_deleted = FALSE`,
				p.ID, p.AuthorID, p.PostedAt, p.Text, p.Lang, p.Raw); err != nil {
				return fmt.Errorf("upsert post %d: %w", p.ID, err)
			}
		}
		return nil
	})
}

func (s *Postgres) ActiveFollowerIDs(ctx context.Context, targetID int64) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT follower_id FROM follow_edges
		WHERE target_id = $1 AND NOT is_deleted
		ORDER BY follower_id`, targetID)
}

func (s *Postgres) ActiveFollowedIDs(ctx context.Context, followerID int64) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT target_id FROM follow_edges
		WHERE follower_id = $1 AND NOT is_deleted
		ORDER BY target_id`, followerID)
}

func (s *Postgres) ActivePostIDsByAuthors(ctx context.Context, authorIDs []int64) ([]int64, error) {
	if len(authorIDs) == 0 {
		return []int64{}, nil
	}
	return s.queryIDs(ctx, `
		SELECT id FROM posts
		WHERE author_id = ANY($1) AND NOT is_deleted
		ORDER BY id`, authorIDs)
}

func (s *Postgres) ReplaceSpecifiedUserIDs(ctx context.Context, stableKey string, userIDs []int64) error {
	return s.WithTx(ctx, func(txs Store) error {
		tx := txs.(*Postgres)
		if _, err := tx.q.Exec(ctx, `DELETE FROM segment_specified_inputs WHERE stable_key = $1`, stableKey); err != nil {
			return err
		}
		for _, id := range userIDs {
			if _, err := tx.q.Exec(ctx, `
				INSERT INTO segment_specified_inputs (stable_key, user_external_id)
				VALUES ($1, $2) ON CONFLICT DO NOTHING`, stableKey, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Postgres) SpecifiedUserIDs(ctx context.Context, stableKey string) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT user_external_id FROM segment_specified_inputs
		WHERE stable_key = $1 ORDER BY user_external_id`, stableKey)
}

func (s *Postgres) queryIDs(ctx context.Context, sql string, args ...any) ([]int64, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
