package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rawgraph/asset-engine/internal/assets"
	"github.com/rawgraph/asset-engine/internal/ingest"
	"github.com/rawgraph/asset-engine/internal/store"
	"github.com/rawgraph/asset-engine/pkg/models"
)

// ErrDeferred signals that an ingest prerequisite could not be satisfied this
// tick (lock held elsewhere). The instance is retried on a later tick.
var ErrDeferred = errors.New("engine: ingest prerequisite deferred")

// PrereqResolver decides which ingest runs an instance still needs and runs
// them under the per-target advisory locks.
type PrereqResolver struct {
	store  store.Store
	ingest *ingest.Service

	// LockTimeout bounds how long a requirement may wait for a held ingest
	// lock before the instance defers; PollInterval is the retry cadence.
	LockTimeout  time.Duration
	PollInterval time.Duration
}

func NewPrereqResolver(st store.Store, ing *ingest.Service) *PrereqResolver {
	return &PrereqResolver{
		store:        st,
		ingest:       ing,
		LockTimeout:  10 * time.Second,
		PollInterval: 250 * time.Millisecond,
	}
}

// Satisfy runs every stale requirement. Posts requirements are batched into
// one windowed sync so authors share search queries.
func (r *PrereqResolver) Satisfy(ctx context.Context, reqs []assets.IngestRequirement) error {
	var (
		postAuthors []int64
		requestedBy *int64
	)
	for _, req := range reqs {
		fresh, err := r.isFresh(ctx, req)
		if err != nil {
			return err
		}
		if fresh {
			continue
		}
		switch req.Kind {
		case models.IngestUserFollowers, models.IngestUserFollowings:
			if err := r.satisfyFollows(ctx, req); err != nil {
				return err
			}
		case models.IngestUsersPosts:
			postAuthors = append(postAuthors, req.TargetUserID)
			if req.RequestedBy != nil {
				requestedBy = req.RequestedBy
			}
		default:
			return fmt.Errorf("unsupported ingest requirement kind %s", req.Kind)
		}
	}

	if len(postAuthors) > 0 {
		res, err := r.ingest.SyncPosts(ctx, postAuthors, requestedBy)
		if err != nil {
			return err
		}
		if len(res.Deferred) > 0 {
			return ErrDeferred
		}
		if len(res.Failed) > 0 {
			return fmt.Errorf("posts sync failed for authors %v", res.Failed)
		}
	}
	return nil
}

func (r *PrereqResolver) isFresh(ctx context.Context, req assets.IngestRequirement) (bool, error) {
	latest, err := r.store.LatestSuccessfulRun(ctx, req.Kind, req.TargetUserID, false)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if latest.CompletedAt == nil {
		return false, nil
	}
	return time.Since(*latest.CompletedAt) < req.Freshness, nil
}

// satisfyFollows picks the sync mode and runs the ingest, polling while the
// target's lock is held elsewhere.
func (r *PrereqResolver) satisfyFollows(ctx context.Context, req assets.IngestRequirement) error {
	mode := models.SyncIncremental
	if _, err := r.store.LatestSuccessfulRun(ctx, req.Kind, req.TargetUserID, true); errors.Is(err, store.ErrNotFound) {
		// Without one prior full reconciliation the incremental "no new
		// edges" stop condition has no baseline.
		mode = models.SyncFullRefresh
	} else if err != nil {
		return err
	}

	run := func(ctx context.Context) (int64, error) {
		if req.Kind == models.IngestUserFollowers {
			return r.ingest.SyncFollowers(ctx, req.TargetUserID, mode)
		}
		return r.ingest.SyncFollowings(ctx, req.TargetUserID, mode)
	}

	deadline := time.Now().Add(r.LockTimeout)
	for {
		runID, err := run(ctx)
		if err == nil {
			log.Printf("[Engine] prerequisite %s target=%d satisfied by run %d (%s)", req.Kind, req.TargetUserID, runID, mode)
			return nil
		}
		if !errors.Is(err, ingest.ErrConflict) {
			return err
		}
		if time.Now().After(deadline) {
			return ErrDeferred
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.PollInterval):
		}
	}
}
