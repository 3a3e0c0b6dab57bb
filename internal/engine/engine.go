// Package engine is the pull-based planner: every tick it enumerates enabled
// roots and fanout roots, resolves each target's dependency DAG bottom-up,
// satisfies ingest prerequisites, and materializes instances whose inputs or
// dependency revisions changed.
package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rawgraph/asset-engine/internal/assets"
	"github.com/rawgraph/asset-engine/internal/identity"
	"github.com/rawgraph/asset-engine/internal/store"
	"github.com/rawgraph/asset-engine/pkg/models"
)

// maxDepth bounds dependency recursion; the registry is acyclic so this only
// trips on store corruption.
const maxDepth = 16

type Engine struct {
	store    store.Store
	registry *assets.Registry
	prereq   *PrereqResolver

	statsMu   sync.Mutex
	lastStats *TickStats

	// Parallelism bounds concurrent top-level targets per tick. Instance
	// advisory locks make values above 1 safe.
	Parallelism int

	// OnMembershipChange, when set, observes enter/exit diffs of successful
	// materializations (the API event stream hooks in here).
	OnMembershipChange func(change MembershipChange)
}

// MembershipChange describes one successful materialization's diff.
type MembershipChange struct {
	InstanceID        int64
	MaterializationID int64
	Slug              string
	OutputRevision    int64
	Entered           []int64
	Exited            []int64
}

func New(st store.Store, registry *assets.Registry, prereq *PrereqResolver) *Engine {
	return &Engine{store: st, registry: registry, prereq: prereq, Parallelism: 1}
}

// TickStats counts top-level target outcomes of one tick.
type TickStats struct {
	TickID       string
	Targets      int
	Materialized int
	Unchanged    int
	Deferred     int
	Skipped      int
	Failed       int
}

// matResult is the cached outcome of materializing one instance in a tick.
type matResult struct {
	Decision   models.PlannerDecision
	Slug       identity.Slug
	ParamsHash string
	InstanceID int64
	// Set when Decision is materialized or unchanged.
	MaterializationID int64
	OutputRevision    int64
	FreshThisTick     bool
}

type cacheKey struct {
	slug identity.Slug
	hash string
}

// tickCache deduplicates per-instance work within a tick; concurrent callers
// of the same key wait for the first to finish.
type tickCache struct {
	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
}

type cacheEntry struct {
	done chan struct{}
	res  *matResult
	err  error
}

func newTickCache() *tickCache {
	return &tickCache{entries: map[cacheKey]*cacheEntry{}}
}

func (c *tickCache) do(key cacheKey, fn func() (*matResult, error)) (*matResult, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		<-e.done
		return e.res, e.err
	}
	e := &cacheEntry{done: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	e.res, e.err = fn()
	close(e.done)
	return e.res, e.err
}

// target is one unit of tick work.
type target struct {
	params identity.Params
	hash   string
}

// Tick runs one full planner pass.
func (e *Engine) Tick(ctx context.Context) (*TickStats, error) {
	stats := &TickStats{TickID: uuid.NewString()}
	cache := newTickCache()

	targets, err := e.enumerateTargets(ctx, stats.TickID)
	if err != nil {
		return stats, err
	}
	stats.Targets = len(targets)

	// Deterministic order: slug, then params hash.
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].params.Slug != targets[j].params.Slug {
			return targets[i].params.Slug < targets[j].params.Slug
		}
		return targets[i].hash < targets[j].hash
	})

	parallelism := e.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	var mu sync.Mutex
	for _, t := range targets {
		t := t
		g.Go(func() error {
			res, err := e.materialize(gctx, stats.TickID, cache, t.params, 0)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				log.Printf("[Engine] tick %s: %s %s failed: %v", stats.TickID, t.params.Slug, shortHash(t.hash), err)
				// Instance failures are isolated; the tick continues.
				return nil
			}
			switch res.Decision {
			case models.DecisionMaterialized:
				stats.Materialized++
			case models.DecisionUnchanged:
				stats.Unchanged++
			case models.DecisionDeferred:
				stats.Deferred++
			case models.DecisionSkipped:
				stats.Skipped++
			case models.DecisionFailed:
				stats.Failed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	log.Printf("[Engine] tick %s: targets=%d materialized=%d unchanged=%d deferred=%d skipped=%d failed=%d",
		stats.TickID, stats.Targets, stats.Materialized, stats.Unchanged, stats.Deferred, stats.Skipped, stats.Failed)

	e.statsMu.Lock()
	e.lastStats = stats
	e.statsMu.Unlock()
	return stats, nil
}

// LastTickStats returns the most recent completed tick's counters, or nil
// before the first tick. Used by the health endpoint.
func (e *Engine) LastTickStats() *TickStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	if e.lastStats == nil {
		return nil
	}
	cp := *e.lastStats
	return &cp
}

// enumerateTargets collects enabled roots plus the instances derived from
// enabled fanout roots.
func (e *Engine) enumerateTargets(ctx context.Context, tickID string) ([]target, error) {
	var out []target

	roots, err := e.store.ListEnabledRoots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list roots: %w", err)
	}
	for _, r := range roots {
		p, err := e.paramsFromRow(ctx, r.Params)
		if err != nil {
			return nil, err
		}
		out = append(out, target{params: p, hash: r.Params.ParamsHash})
	}

	fanouts, err := e.store.ListEnabledFanoutRoots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list fanout roots: %w", err)
	}
	for _, f := range fanouts {
		derived, err := e.expandFanout(ctx, tickID, f)
		if err != nil {
			return nil, err
		}
		out = append(out, derived...)
	}
	return out, nil
}

// expandFanout maps the source instance's checkpoint membership into derived
// target params.
func (e *Engine) expandFanout(ctx context.Context, tickID string, f store.FanoutTarget) ([]target, error) {
	sourceDef, err := e.registry.Get(identity.Slug(f.SourceParams.Slug))
	if err != nil {
		return nil, err
	}
	targetDef, err := e.registry.Get(identity.Slug(f.Root.TargetSlug))
	if err != nil {
		return nil, err
	}

	inst, err := e.store.GetInstance(ctx, f.Root.SourceInstanceID)
	if err != nil {
		return nil, fmt.Errorf("fanout source instance %d: %w", f.Root.SourceInstanceID, err)
	}
	if inst.CheckpointID == nil {
		// Source has never materialized; nothing to expand yet.
		e.plannerEvent(ctx, tickID, nil, f.Root.TargetSlug, f.SourceParams.ParamsHash,
			models.DecisionSkipped, "fanout source has no checkpoint")
		return nil, nil
	}

	members, err := e.store.MembershipAsOf(ctx, inst.ID, *inst.CheckpointID)
	if err != nil {
		return nil, err
	}

	out := make([]target, 0, len(members))
	for _, item := range members {
		p, ok := targetDef.ParamsFromFanoutItem(sourceDef.OutputItemKind(), item, f.SourceParams.ParamsHash, f.Root.Mode)
		if !ok {
			log.Printf("[Engine] fanout root %d: slug %s rejects item %d, skipping", f.Root.ID, f.Root.TargetSlug, item)
			continue
		}
		hash, err := identity.ParamsHash(p)
		if err != nil {
			return nil, err
		}
		out = append(out, target{params: p, hash: hash})
	}
	return out, nil
}

// paramsFromRow reconstructs identity params from a stored row. The fanout
// scoping flag is recovered by matching the stored hash.
func (e *Engine) paramsFromRow(ctx context.Context, row models.AssetParamsRow) (identity.Params, error) {
	p := identity.Params{Slug: identity.Slug(row.Slug)}
	if row.StableKey != nil {
		p.StableKey = *row.StableKey
	}
	if row.SubjectExternalID != nil {
		p.SubjectExternalID = *row.SubjectExternalID
	}
	if row.SourceSegmentParamsID != nil {
		// Hash-addressed reference to the source segment's params row.
		src, err := e.store.GetParamsByID(ctx, *row.SourceSegmentParamsID)
		if err != nil {
			return identity.Params{}, err
		}
		p.SourceSegmentSlug = identity.Slug(src.Slug)
		p.SourceSegmentParamsHash = src.ParamsHash
	}
	if row.FanoutSourceParamsHash != nil {
		p.FanoutSourceParamsHash = *row.FanoutSourceParamsHash
		if h, err := identity.ParamsHash(p); err == nil && h != row.ParamsHash {
			p.ScopedToSource = true
		}
	}
	return p, nil
}

func (e *Engine) plannerEvent(ctx context.Context, tickID string, instanceID *int64, slug, paramsHash string, decision models.PlannerDecision, reason string) {
	ev := models.PlannerEvent{
		ID:         uuid.NewString(),
		TickID:     tickID,
		InstanceID: instanceID,
		Slug:       slug,
		ParamsHash: paramsHash,
		Decision:   decision,
		Reason:     reason,
	}
	if err := e.store.InsertPlannerEvent(ctx, ev); err != nil {
		log.Printf("[Engine] planner event write failed: %v", err)
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
