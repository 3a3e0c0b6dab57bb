package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/rawgraph/asset-engine/internal/assets"
	"github.com/rawgraph/asset-engine/internal/identity"
	"github.com/rawgraph/asset-engine/internal/store"
	"github.com/rawgraph/asset-engine/pkg/models"
)

// materialize resolves and, if needed, materializes one instance. Results
// are cached per (slug, params hash) for the tick, so shared dependencies
// compute once.
func (e *Engine) materialize(ctx context.Context, tickID string, cache *tickCache, p identity.Params, depth int) (*matResult, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("dependency recursion exceeded %d levels at %s", maxDepth, p.Slug)
	}
	hash, err := identity.ParamsHash(p)
	if err != nil {
		return nil, err
	}
	return cache.do(cacheKey{p.Slug, hash}, func() (*matResult, error) {
		return e.materializeUncached(ctx, tickID, cache, p, hash, depth)
	})
}

func (e *Engine) materializeUncached(ctx context.Context, tickID string, cache *tickCache, p identity.Params, hash string, depth int) (*matResult, error) {
	def, err := e.registry.Get(p.Slug)
	if err != nil {
		return nil, err
	}

	row, err := e.store.GetOrCreateParams(ctx, p, hash, identity.ParamsHashVersion)
	if err != nil {
		return nil, fmt.Errorf("params %s %s: %w", p.Slug, shortHash(hash), err)
	}
	inst, err := e.store.GetOrCreateInstance(ctx, row.ID)
	if err != nil {
		return nil, fmt.Errorf("instance for params %d: %w", row.ID, err)
	}

	res := &matResult{Slug: p.Slug, ParamsHash: hash, InstanceID: inst.ID}
	settle := func(decision models.PlannerDecision, reason string) (*matResult, error) {
		res.Decision = decision
		e.plannerEvent(ctx, tickID, &inst.ID, string(p.Slug), hash, decision, reason)
		return res, nil
	}

	// Dependencies first, leaves up.
	resolved, blocked, err := e.resolveDeps(ctx, tickID, cache, def, p, depth)
	if err != nil {
		return nil, err
	}
	if blocked != "" {
		return settle(models.DecisionDeferred, blocked)
	}

	issues, err := def.ValidateInputs(ctx, p, e.store)
	if err != nil {
		return nil, err
	}
	for _, issue := range issues {
		if issue.Severity == assets.SeverityError {
			return settle(models.DecisionSkipped, issue.Message)
		}
		log.Printf("[Engine] %s %s: %s", p.Slug, shortHash(hash), issue.Message)
	}

	reqs, err := def.IngestRequirements(ctx, p, resolved, e.store)
	if err != nil {
		return nil, err
	}
	if err := e.prereq.Satisfy(ctx, reqs); err != nil {
		if errors.Is(err, ErrDeferred) {
			return settle(models.DecisionDeferred, "ingest prerequisite locked elsewhere")
		}
		return nil, err
	}

	inputParts, err := def.InputsHashParts(ctx, p, e.store)
	if err != nil {
		return nil, err
	}
	inputsHash := identity.InputsHash(p.Slug, inputParts)

	depRevs := make([]identity.DepRevision, 0, len(resolved))
	depMatIDs := make([]int64, 0, len(resolved))
	for _, d := range resolved {
		depRevs = append(depRevs, identity.DepRevision{
			Name:           d.Name,
			Slug:           d.Slug,
			ParamsHash:     d.ParamsHash,
			OutputRevision: d.OutputRevision,
		})
		depMatIDs = append(depMatIDs, d.MaterializationID)
	}
	depRevHash := identity.DepRevisionsHash(depRevs)

	latest, err := e.store.LatestSuccessfulMaterialization(ctx, inst.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if latest != nil &&
		latest.InputsHashVersion == identity.InputsHashVersion &&
		latest.DepRevHashVersion == identity.DepRevHashVersion &&
		latest.InputsHash == inputsHash &&
		latest.DepRevHash == depRevHash {
		res.MaterializationID = latest.ID
		res.OutputRevision = latest.OutputRevision
		return settle(models.DecisionUnchanged, "materialization key unchanged")
	}

	change, matID, revision, err := e.runMaterialization(ctx, def, p, inst, resolved, depMatIDs, inputsHash, depRevHash, latest)
	if err != nil {
		// The transaction rolled back; keep an error row for lineage.
		e.recordFailedMaterialization(ctx, p, inst.ID, inputsHash, depRevHash, err)
		res.Decision = models.DecisionFailed
		e.plannerEvent(ctx, tickID, &inst.ID, string(p.Slug), hash, models.DecisionFailed, err.Error())
		return res, err
	}

	res.MaterializationID = matID
	res.OutputRevision = revision
	res.FreshThisTick = true
	if e.OnMembershipChange != nil && (len(change.Entered) > 0 || len(change.Exited) > 0) {
		e.OnMembershipChange(*change)
	}
	return settle(models.DecisionMaterialized, "materialization key changed")
}

// resolveDeps materializes each declared dependency and pins it to its
// latest successful materialization plus the membership as of that point.
// A non-empty blocked reason means a dependency deferred or skipped.
func (e *Engine) resolveDeps(ctx context.Context, tickID string, cache *tickCache, def assets.Definition, p identity.Params, depth int) ([]assets.ResolvedDep, string, error) {
	specs, err := def.Dependencies(p)
	if err != nil {
		return nil, "", err
	}

	resolved := make([]assets.ResolvedDep, 0, len(specs))
	for _, spec := range specs {
		depParams := spec.Params
		if spec.ParamsHash != "" {
			row, err := e.store.GetParamsByHash(ctx, string(spec.Params.Slug), spec.ParamsHash, identity.ParamsHashVersion)
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Sprintf("dependency %s references unknown params %s", spec.Name, shortHash(spec.ParamsHash)), nil
			}
			if err != nil {
				return nil, "", err
			}
			depParams, err = e.paramsFromRow(ctx, *row)
			if err != nil {
				return nil, "", err
			}
		}

		depRes, err := e.materialize(ctx, tickID, cache, depParams, depth+1)
		if err != nil {
			return nil, "", fmt.Errorf("dependency %s: %w", spec.Name, err)
		}
		switch depRes.Decision {
		case models.DecisionDeferred:
			return nil, fmt.Sprintf("dependency %s deferred", spec.Name), nil
		case models.DecisionSkipped, models.DecisionFailed:
			return nil, fmt.Sprintf("dependency %s unavailable (%s)", spec.Name, depRes.Decision), nil
		}
		if depRes.MaterializationID == 0 {
			return nil, fmt.Sprintf("dependency %s has no successful materialization", spec.Name), nil
		}

		membership, err := e.store.MembershipAsOf(ctx, depRes.InstanceID, depRes.MaterializationID)
		if err != nil {
			return nil, "", err
		}
		resolved = append(resolved, assets.ResolvedDep{
			Name:              spec.Name,
			Slug:              depRes.Slug,
			ParamsHash:        depRes.ParamsHash,
			InstanceID:        depRes.InstanceID,
			MaterializationID: depRes.MaterializationID,
			OutputRevision:    depRes.OutputRevision,
			Membership:        membership,
		})
	}
	return resolved, "", nil
}

// runMaterialization executes the materialization transaction: new row,
// edges, membership diff, events, snapshot swap, revision bump, checkpoint.
func (e *Engine) runMaterialization(ctx context.Context, def assets.Definition, p identity.Params, inst *models.AssetInstance, resolved []assets.ResolvedDep, depMatIDs []int64, inputsHash, depRevHash string, latest *models.Materialization) (*MembershipChange, int64, int64, error) {
	var (
		change MembershipChange
		matID  int64
	)
	prevRevision := int64(0)
	if latest != nil {
		prevRevision = latest.OutputRevision
	}
	revision := prevRevision

	err := e.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.AdvisoryXactLock(ctx, store.LockKeyMaterialize(inst.ID)); err != nil {
			return err
		}

		var err error
		matID, err = tx.CreateMaterialization(ctx, &models.Materialization{
			InstanceID:        inst.ID,
			Slug:              string(p.Slug),
			InputsHashVersion: identity.InputsHashVersion,
			InputsHash:        inputsHash,
			DepRevHashVersion: identity.DepRevHashVersion,
			DepRevHash:        depRevHash,
			TriggerReason:     "materialization key changed",
		})
		if err != nil {
			return err
		}
		if err := tx.InsertMaterializationDependencies(ctx, matID, depMatIDs); err != nil {
			return err
		}

		// Each pinned dependency records this materialization as a
		// requester so lineage queries can walk both directions.
		for _, d := range resolved {
			if err := tx.InsertMaterializationRequesters(ctx, d.MaterializationID, []int64{matID}); err != nil {
				return err
			}
		}

		membership, err := def.ComputeMembership(ctx, p, resolved, tx)
		if err != nil {
			return fmt.Errorf("compute membership: %w", err)
		}

		prev, err := tx.MembershipAtCheckpoint(ctx, inst.ID)
		if err != nil {
			return err
		}
		entered := diff(membership, prev)
		exited := diff(prev, membership)

		if len(entered) > 0 {
			ever, err := tx.EverEnteredItems(ctx, inst.ID, entered)
			if err != nil {
				return err
			}
			first := make(map[int64]bool, len(entered))
			for _, item := range entered {
				first[item] = !ever[item]
			}
			if err := tx.InsertEnterEvents(ctx, matID, entered, first); err != nil {
				return err
			}
		}
		if len(exited) > 0 {
			if err := tx.InsertExitEvents(ctx, matID, exited); err != nil {
				return err
			}
		}
		if err := tx.ReplaceMembership(ctx, inst.ID, matID, def.OutputItemKind(), membership); err != nil {
			return err
		}

		if len(entered)+len(exited) > 0 {
			revision = prevRevision + 1
		}
		if err := tx.CompleteMaterialization(ctx, matID, revision); err != nil {
			return err
		}
		if err := tx.SetInstanceCheckpoint(ctx, inst.ID, matID); err != nil {
			return err
		}

		change = MembershipChange{
			InstanceID:        inst.ID,
			MaterializationID: matID,
			Slug:              string(p.Slug),
			OutputRevision:    revision,
			Entered:           entered,
			Exited:            exited,
		}
		return nil
	})
	if err != nil {
		return nil, 0, 0, err
	}
	return &change, matID, revision, nil
}

// recordFailedMaterialization writes an error row outside the rolled-back
// transaction so operators can see what broke.
func (e *Engine) recordFailedMaterialization(ctx context.Context, p identity.Params, instanceID int64, inputsHash, depRevHash string, cause error) {
	matID, err := e.store.CreateMaterialization(ctx, &models.Materialization{
		InstanceID:        instanceID,
		Slug:              string(p.Slug),
		InputsHashVersion: identity.InputsHashVersion,
		InputsHash:        inputsHash,
		DepRevHashVersion: identity.DepRevHashVersion,
		DepRevHash:        depRevHash,
		TriggerReason:     "materialization key changed",
	})
	if err != nil {
		log.Printf("[Engine] could not record failed materialization for instance %d: %v", instanceID, err)
		return
	}
	if err := e.store.FailMaterialization(ctx, matID, cause.Error()); err != nil {
		log.Printf("[Engine] could not mark materialization %d failed: %v", matID, err)
	}
}

// diff returns the members of a that are not in b, preserving a's order.
func diff(a, b []int64) []int64 {
	inB := make(map[int64]struct{}, len(b))
	for _, id := range b {
		inB[id] = struct{}{}
	}
	var out []int64
	for _, id := range a {
		if _, ok := inB[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
