// Package ingest runs the provider sync services: followers/followings
// reconciliation, windowed posts search, batch lookups, and the webhook
// follow record. Every run is serialized per (kind, target) with a Postgres
// advisory lock and leaves request/response snapshots on its run row.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rawgraph/asset-engine/internal/store"
	"github.com/rawgraph/asset-engine/internal/upstream"
	"github.com/rawgraph/asset-engine/pkg/models"
)

// ErrConflict reports that another worker holds the ingest lock for the
// requested (kind, target). Callers treat it as "deferred", not a failure.
var ErrConflict = errors.New("ingest: target locked by another run")

type Config struct {
	// MaxQueryLength bounds the posts advanced-search query string.
	MaxQueryLength int
	// MaxSearchWindows caps how many times a posts sync shifts its `until`
	// window before giving up with cursor_exhausted=false.
	MaxSearchWindows int
	// UsersByIDsMax / PostsByIDsMax chunk batch lookups.
	UsersByIDsMax int
	PostsByIDsMax int
	// SelfUserID is the account the webhook records follows against.
	SelfUserID int64
}

func (c Config) withDefaults() Config {
	if c.MaxQueryLength <= 0 {
		c.MaxQueryLength = 512
	}
	if c.MaxSearchWindows <= 0 {
		c.MaxSearchWindows = 10
	}
	if c.UsersByIDsMax <= 0 {
		c.UsersByIDsMax = 100
	}
	if c.PostsByIDsMax <= 0 {
		c.PostsByIDsMax = 100
	}
	return c
}

type Service struct {
	store  store.Store
	client upstream.Client
	cfg    Config
}

func New(st store.Store, client upstream.Client, cfg Config) *Service {
	return &Service{store: st, client: client, cfg: cfg.withDefaults()}
}

// lock takes the per-(kind, target) advisory lock or reports ErrConflict.
func (s *Service) lock(ctx context.Context, kind models.IngestKind, targetUserID int64) (func(), error) {
	release, ok, err := s.store.TryAdvisoryLock(ctx, store.LockKeyIngest(kind, targetUserID))
	if err != nil {
		return nil, fmt.Errorf("acquire ingest lock: %w", err)
	}
	if !ok {
		return nil, ErrConflict
	}
	return release, nil
}

// recordSnapshot copies the client's last exchange onto the run row. Best
// effort: a snapshot write failure must not abort the sync.
func (s *Service) recordSnapshot(ctx context.Context, runID int64) {
	snap := s.client.LastSnapshot()
	if snap.Status == 0 && len(snap.Request) == 0 {
		return
	}
	if err := s.store.RecordIngestSnapshot(ctx, runID, snap.Request, snap.Response, snap.Status); err != nil {
		log.Printf("[Ingest] run %d: snapshot record failed: %v", runID, err)
	}
}

// fail marks the run error, keeping the last snapshots, and passes the
// original error through.
func (s *Service) fail(ctx context.Context, runID int64, err error) error {
	s.recordSnapshot(ctx, runID)
	if ferr := s.store.FailIngestRun(ctx, runID, err.Error()); ferr != nil {
		log.Printf("[Ingest] run %d: could not mark error: %v", runID, ferr)
	}
	return err
}

// resolveHandle returns the current handle for a user, fetching the profile
// from the provider when the store does not know it.
func (s *Service) resolveHandle(ctx context.Context, runID int64, userID int64) (string, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if u != nil && u.Handle != nil && *u.Handle != "" {
		return *u.Handle, nil
	}

	profiles, err := s.client.FetchUsersByIDs(ctx, []int64{userID})
	s.recordSnapshot(ctx, runID)
	if err != nil {
		return "", err
	}
	for _, p := range profiles {
		if p.ID == userID && p.Handle != "" {
			handle := p.Handle
			if err := s.store.UpsertUser(ctx, store.UserUpsert{ID: p.ID, Handle: &handle, IngestID: &runID}); err != nil {
				return "", err
			}
			return handle, nil
		}
	}
	return "", fmt.Errorf("user %d has no known handle", userID)
}

// upsertProfiles writes a page of counterpart users under the run.
func (s *Service) upsertProfiles(ctx context.Context, runID int64, profiles []upstream.UserProfile) error {
	for _, p := range profiles {
		up := store.UserUpsert{ID: p.ID, IngestID: &runID}
		if p.Handle != "" {
			handle := p.Handle
			up.Handle = &handle
		}
		if err := s.store.UpsertUser(ctx, up); err != nil {
			return fmt.Errorf("upsert user %d: %w", p.ID, err)
		}
	}
	return nil
}

// upsertPostItems writes a page of posts plus their authors.
func (s *Service) upsertPostItems(ctx context.Context, runID int64, items []upstream.PostItem) error {
	seen := map[int64]bool{}
	for _, it := range items {
		if seen[it.AuthorID] {
			continue
		}
		seen[it.AuthorID] = true
		if err := s.upsertProfiles(ctx, runID, []upstream.UserProfile{{ID: it.AuthorID, Handle: it.AuthorHandle}}); err != nil {
			return err
		}
	}

	posts := make([]models.Post, 0, len(items))
	for _, it := range items {
		posts = append(posts, models.Post{
			ID:       it.ID,
			AuthorID: it.AuthorID,
			PostedAt: it.PostedAt,
			Text:     it.Text,
			Lang:     it.Lang,
			Raw:      it.Raw,
		})
	}
	return s.store.UpsertPosts(ctx, posts)
}

// oldestOf tracks the earliest post timestamp across pages.
func oldestOf(current *time.Time, items []upstream.PostItem) *time.Time {
	for _, it := range items {
		if current == nil || it.PostedAt.Before(*current) {
			ts := it.PostedAt
			current = &ts
		}
	}
	return current
}
