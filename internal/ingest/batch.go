package ingest

import (
	"context"
	"fmt"
	"log"

	"github.com/rawgraph/asset-engine/internal/upstream"
	"github.com/rawgraph/asset-engine/pkg/models"
)

// SyncUsersByIDs refreshes a batch of user profiles by id. Used by the CLI
// to seed specified-users segments and internally to resolve handles.
func (s *Service) SyncUsersByIDs(ctx context.Context, ids []int64) (int64, error) {
	release, err := s.lock(ctx, models.IngestUsersByIDs, 0)
	if err != nil {
		return 0, err
	}
	defer release()

	runID, err := s.store.CreateIngestRun(ctx, models.IngestUsersByIDs, 0, models.SyncFullRefresh, nil)
	if err != nil {
		return 0, fmt.Errorf("create users-by-ids run: %w", err)
	}
	log.Printf("[Ingest] users-by-ids run %d: %d ids", runID, len(ids))

	for start := 0; start < len(ids); start += s.cfg.UsersByIDsMax {
		end := start + s.cfg.UsersByIDsMax
		if end > len(ids) {
			end = len(ids)
		}
		profiles, err := s.client.FetchUsersByIDs(ctx, ids[start:end])
		s.recordSnapshot(ctx, runID)
		if err != nil {
			return runID, s.fail(ctx, runID, err)
		}
		if err := s.upsertProfiles(ctx, runID, profiles); err != nil {
			return runID, s.fail(ctx, runID, err)
		}
	}

	if err := s.store.CompleteIngestRun(ctx, runID, true, nil); err != nil {
		return runID, fmt.Errorf("complete run %d: %w", runID, err)
	}
	return runID, nil
}

// SyncPostsByIDs fetches specific posts by id, upserting posts and authors.
func (s *Service) SyncPostsByIDs(ctx context.Context, ids []int64) (int64, error) {
	release, err := s.lock(ctx, models.IngestPostsByIDs, 0)
	if err != nil {
		return 0, err
	}
	defer release()

	runID, err := s.store.CreateIngestRun(ctx, models.IngestPostsByIDs, 0, models.SyncFullRefresh, nil)
	if err != nil {
		return 0, fmt.Errorf("create posts-by-ids run: %w", err)
	}
	log.Printf("[Ingest] posts-by-ids run %d: %d ids", runID, len(ids))

	for start := 0; start < len(ids); start += s.cfg.PostsByIDsMax {
		end := start + s.cfg.PostsByIDsMax
		if end > len(ids) {
			end = len(ids)
		}
		items, err := s.client.FetchPostsByIDs(ctx, ids[start:end])
		s.recordSnapshot(ctx, runID)
		if err != nil {
			return runID, s.fail(ctx, runID, err)
		}
		if err := s.upsertPostItems(ctx, runID, items); err != nil {
			return runID, s.fail(ctx, runID, err)
		}
	}

	if err := s.store.CompleteIngestRun(ctx, runID, true, nil); err != nil {
		return runID, fmt.Errorf("complete run %d: %w", runID, err)
	}
	return runID, nil
}

// RecordWebhookFollow persists a new-follow webhook delivery: resolve the
// follower's profile by handle, upsert the user, and record the follow edge
// against the configured self account.
func (s *Service) RecordWebhookFollow(ctx context.Context, followerHandle string) (int64, error) {
	if s.cfg.SelfUserID == 0 {
		return 0, fmt.Errorf("webhook follow: self user id is not configured")
	}

	runID, err := s.store.CreateIngestRun(ctx, models.IngestWebhookFollow, s.cfg.SelfUserID, models.SyncIncremental, nil)
	if err != nil {
		return 0, fmt.Errorf("create webhook run: %w", err)
	}

	profile, err := s.client.FetchUserProfileByHandle(ctx, followerHandle)
	s.recordSnapshot(ctx, runID)
	if err != nil {
		return runID, s.fail(ctx, runID, err)
	}
	if err := s.upsertProfiles(ctx, runID, []upstream.UserProfile{*profile}); err != nil {
		return runID, s.fail(ctx, runID, err)
	}

	if _, err := s.store.UpsertFollowEdges(ctx, []models.FollowEdge{
		{TargetID: s.cfg.SelfUserID, FollowerID: profile.ID},
	}); err != nil {
		return runID, s.fail(ctx, runID, err)
	}

	if err := s.store.CompleteIngestRun(ctx, runID, true, nil); err != nil {
		return runID, fmt.Errorf("complete run %d: %w", runID, err)
	}
	log.Printf("[Ingest] webhook follow run %d: @%s -> self", runID, followerHandle)
	return runID, nil
}
