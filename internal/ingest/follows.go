package ingest

import (
	"context"
	"fmt"
	"log"

	"github.com/rawgraph/asset-engine/pkg/models"
)

// SyncFollowers refreshes the follower set of targetUserID. Full mode
// reconciles the whole set (soft-deleting vanished edges); incremental mode
// pages until a page adds no previously-inactive edges.
func (s *Service) SyncFollowers(ctx context.Context, targetUserID int64, mode models.SyncMode) (int64, error) {
	return s.syncFollows(ctx, models.IngestUserFollowers, targetUserID, mode)
}

// SyncFollowings is the symmetric refresh over the accounts targetUserID
// follows.
func (s *Service) SyncFollowings(ctx context.Context, targetUserID int64, mode models.SyncMode) (int64, error) {
	return s.syncFollows(ctx, models.IngestUserFollowings, targetUserID, mode)
}

func (s *Service) syncFollows(ctx context.Context, kind models.IngestKind, targetUserID int64, mode models.SyncMode) (int64, error) {
	release, err := s.lock(ctx, kind, targetUserID)
	if err != nil {
		return 0, err
	}
	defer release()

	runID, err := s.store.CreateIngestRun(ctx, kind, targetUserID, mode, nil)
	if err != nil {
		return 0, fmt.Errorf("create %s run: %w", kind, err)
	}
	log.Printf("[Ingest] %s run %d: target=%d mode=%s", kind, runID, targetUserID, mode)

	handle, err := s.resolveHandle(ctx, runID, targetUserID)
	if err != nil {
		return runID, s.fail(ctx, runID, err)
	}

	fetch := s.client.FetchFollowersPage
	if kind == models.IngestUserFollowings {
		fetch = s.client.FetchFollowingsPage
	}

	var (
		cursor    string
		all       []int64
		exhausted bool
	)
	for {
		page, err := fetch(ctx, handle, cursor)
		s.recordSnapshot(ctx, runID)
		if err != nil {
			return runID, s.fail(ctx, runID, err)
		}
		if err := s.upsertProfiles(ctx, runID, page.Users); err != nil {
			return runID, s.fail(ctx, runID, err)
		}

		edges := make([]models.FollowEdge, 0, len(page.Users))
		for _, u := range page.Users {
			all = append(all, u.ID)
			if kind == models.IngestUserFollowers {
				edges = append(edges, models.FollowEdge{TargetID: targetUserID, FollowerID: u.ID})
			} else {
				edges = append(edges, models.FollowEdge{TargetID: u.ID, FollowerID: targetUserID})
			}
		}

		if mode == models.SyncIncremental {
			newlyActive, err := s.store.UpsertFollowEdges(ctx, edges)
			if err != nil {
				return runID, s.fail(ctx, runID, err)
			}
			if !page.HasNext {
				exhausted = true
				break
			}
			if newlyActive == 0 {
				// Caught up to already-known edges; deeper pages are old news.
				break
			}
		} else if !page.HasNext {
			exhausted = true
			break
		}
		cursor = page.NextCursor
	}

	if mode == models.SyncFullRefresh {
		var added, removed int
		if kind == models.IngestUserFollowers {
			added, removed, err = s.store.ReplaceFollowers(ctx, targetUserID, all)
		} else {
			added, removed, err = s.store.ReplaceFollowings(ctx, targetUserID, all)
		}
		if err != nil {
			return runID, s.fail(ctx, runID, err)
		}
		log.Printf("[Ingest] %s run %d: reconciled %d edges (+%d -%d)", kind, runID, len(all), added, removed)
	}

	if err := s.store.CompleteIngestRun(ctx, runID, exhausted, nil); err != nil {
		return runID, fmt.Errorf("complete run %d: %w", runID, err)
	}
	return runID, nil
}
