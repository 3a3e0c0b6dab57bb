package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rawgraph/asset-engine/internal/store"
	"github.com/rawgraph/asset-engine/pkg/models"
)

// PostsResult reports the outcome of a posts sync over a set of authors.
type PostsResult struct {
	// RunIDs maps each attempted author to its sync run.
	RunIDs map[int64]int64
	// Deferred lists authors whose ingest lock was held elsewhere.
	Deferred []int64
	// Failed lists authors whose run ended in error.
	Failed []int64
}

// SyncPosts fetches recent posts authored by the given users. Authors are
// packed into shared search queries bounded by max_query_length; the
// provider's 1000-result window limit is handled by shifting `until`
// backwards until the window drains or MaxSearchWindows is spent.
// requestedBy tags every run with the materialization that asked for it.
func (s *Service) SyncPosts(ctx context.Context, userIDs []int64, requestedBy *int64) (*PostsResult, error) {
	res := &PostsResult{RunIDs: map[int64]int64{}}

	// Serialize per author; authors locked elsewhere are deferred, not failed.
	var locked []int64
	for _, id := range userIDs {
		release, err := s.lock(ctx, models.IngestUsersPosts, id)
		if errors.Is(err, ErrConflict) {
			res.Deferred = append(res.Deferred, id)
			continue
		}
		if err != nil {
			return res, err
		}
		defer release()
		locked = append(locked, id)
	}
	if len(locked) == 0 {
		return res, nil
	}

	authors, err := s.resolveAuthors(ctx, res, locked)
	if err != nil {
		return res, err
	}

	chunks, oversized := buildPostQueries(authors, s.cfg.MaxQueryLength)
	for _, a := range oversized {
		runID, err := s.store.CreateIngestRun(ctx, models.IngestUsersPosts, a.ID, models.SyncIncremental, requestedBy)
		if err != nil {
			return res, err
		}
		res.RunIDs[a.ID] = runID
		res.Failed = append(res.Failed, a.ID)
		_ = s.fail(ctx, runID, fmt.Errorf("handle %q exceeds max query length %d", a.Handle, s.cfg.MaxQueryLength))
	}

	for _, chunk := range chunks {
		if err := s.syncPostsChunk(ctx, res, chunk, requestedBy); err != nil {
			return res, err
		}
	}
	return res, nil
}

// resolveAuthors loads handles for the locked authors, fetching unknown
// profiles from the provider in batches.
func (s *Service) resolveAuthors(ctx context.Context, res *PostsResult, userIDs []int64) ([]Author, error) {
	var (
		authors []Author
		missing []int64
	)
	for _, id := range userIDs {
		u, err := s.store.GetUser(ctx, id)
		if err == nil && u.Handle != nil && *u.Handle != "" {
			authors = append(authors, Author{ID: id, Handle: *u.Handle})
			continue
		}
		missing = append(missing, id)
	}

	for start := 0; start < len(missing); start += s.cfg.UsersByIDsMax {
		end := start + s.cfg.UsersByIDsMax
		if end > len(missing) {
			end = len(missing)
		}
		profiles, err := s.client.FetchUsersByIDs(ctx, missing[start:end])
		if err != nil {
			return nil, err
		}
		byID := map[int64]string{}
		for _, p := range profiles {
			byID[p.ID] = p.Handle
			handle := p.Handle
			if err := s.store.UpsertUser(ctx, store.UserUpsert{ID: p.ID, Handle: &handle}); err != nil {
				return nil, err
			}
		}
		for _, id := range missing[start:end] {
			if h := byID[id]; h != "" {
				authors = append(authors, Author{ID: id, Handle: h})
			} else {
				log.Printf("[Ingest] posts sync: author %d has no resolvable handle, skipping", id)
			}
		}
	}
	return authors, nil
}

// syncPostsChunk runs one windowed search and settles every run it covers.
func (s *Service) syncPostsChunk(ctx context.Context, res *PostsResult, chunk QueryChunk, requestedBy *int64) error {
	runIDs := make([]int64, 0, len(chunk.Authors))
	for _, a := range chunk.Authors {
		runID, err := s.store.CreateIngestRun(ctx, models.IngestUsersPosts, a.ID, models.SyncIncremental, requestedBy)
		if err != nil {
			return err
		}
		res.RunIDs[a.ID] = runID
		runIDs = append(runIDs, runID)
	}
	log.Printf("[Ingest] posts sync: %d authors, query %q", len(chunk.Authors), chunk.Query)

	failAll := func(err error) {
		for i, runID := range runIDs {
			_ = s.fail(ctx, runID, err)
			res.Failed = append(res.Failed, chunk.Authors[i].ID)
		}
	}

	var (
		oldest    *time.Time
		exhausted bool
		windows   int
	)
	query := chunk.Query
	for {
		windows++
		cursor := ""
		windowLimited := false
		for {
			page, err := s.client.FetchPostsPage(ctx, query, cursor)
			for _, runID := range runIDs {
				s.recordSnapshot(ctx, runID)
			}
			if err != nil {
				failAll(err)
				return nil
			}
			if err := s.upsertPostItems(ctx, runIDs[0], page.Posts); err != nil {
				failAll(err)
				return nil
			}
			oldest = oldestOf(oldest, page.Posts)
			windowLimited = page.WindowLimited
			if !page.HasNext {
				break
			}
			cursor = page.NextCursor
		}

		if !windowLimited {
			exhausted = true
			break
		}
		if windows >= s.cfg.MaxSearchWindows || oldest == nil {
			// Window budget spent while the provider still reports more;
			// the run ends bounded, not exhausted.
			break
		}
		query = chunk.Query + untilClause(*oldest)
	}

	for _, runID := range runIDs {
		if err := s.store.CompleteIngestRun(ctx, runID, exhausted, oldest); err != nil {
			return fmt.Errorf("complete posts run %d: %w", runID, err)
		}
	}
	return nil
}
