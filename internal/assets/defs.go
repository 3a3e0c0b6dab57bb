package assets

import (
	"context"
	"fmt"

	"github.com/rawgraph/asset-engine/internal/identity"
	"github.com/rawgraph/asset-engine/pkg/models"
)

// baseDef supplies the neutral defaults; each slug overrides what it needs.
type baseDef struct {
	slug identity.Slug
	kind models.ItemKind
}

func (d baseDef) Slug() identity.Slug             { return d.slug }
func (d baseDef) OutputItemKind() models.ItemKind { return d.kind }

func (d baseDef) Dependencies(identity.Params) ([]DependencySpec, error) { return nil, nil }

func (d baseDef) IngestRequirements(context.Context, identity.Params, []ResolvedDep, GraphReader) ([]IngestRequirement, error) {
	return nil, nil
}

func (d baseDef) InputsHashParts(context.Context, identity.Params, GraphReader) ([]string, error) {
	return nil, nil
}

func (d baseDef) ValidateInputs(context.Context, identity.Params, GraphReader) ([]ValidationIssue, error) {
	return nil, nil
}

func (d baseDef) ParamsFromFanoutItem(models.ItemKind, int64, string, models.FanoutMode) (identity.Params, bool) {
	return identity.Params{}, false
}

// subjectSegmentDef covers the four user segments keyed by a subject id.
// Only followers/followed own an ingest requirement; the derived segments
// (mutuals, unreciprocated) lean on their dependencies' runs.
type subjectSegmentDef struct {
	baseDef
}

// ParamsFromFanoutItem maps a user member to this segment's params. The
// source hash is always recorded for lineage; scoped_by_source additionally
// folds it into the identity.
func (d subjectSegmentDef) ParamsFromFanoutItem(itemKind models.ItemKind, itemID int64, sourceParamsHash string, mode models.FanoutMode) (identity.Params, bool) {
	if itemKind != models.ItemUser {
		return identity.Params{}, false
	}
	return identity.Params{
		Slug:                   d.slug,
		SubjectExternalID:      itemID,
		FanoutSourceParamsHash: sourceParamsHash,
		ScopedToSource:         mode == models.FanoutScopedBySource,
	}, true
}

// ---- segment_specified_users ------------------------------------------

type specifiedUsersDef struct {
	baseDef
}

func newSpecifiedUsersDef() specifiedUsersDef {
	return specifiedUsersDef{baseDef{slug: identity.SlugSegmentSpecifiedUsers, kind: models.ItemUser}}
}

func (d specifiedUsersDef) InputsHashParts(ctx context.Context, p identity.Params, g GraphReader) ([]string, error) {
	ids, err := g.SpecifiedUserIDs(ctx, p.StableKey)
	if err != nil {
		return nil, err
	}
	parts := make([]string, 0, len(ids))
	for _, id := range sortDedup(ids) {
		parts = append(parts, fmt.Sprintf("user_external_id=%d", id))
	}
	return parts, nil
}

func (d specifiedUsersDef) ComputeMembership(ctx context.Context, p identity.Params, _ []ResolvedDep, g GraphReader) ([]int64, error) {
	ids, err := g.SpecifiedUserIDs(ctx, p.StableKey)
	if err != nil {
		return nil, err
	}
	return sortDedup(ids), nil
}

func (d specifiedUsersDef) ValidateInputs(ctx context.Context, p identity.Params, g GraphReader) ([]ValidationIssue, error) {
	ids, err := g.SpecifiedUserIDs(ctx, p.StableKey)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []ValidationIssue{{
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("specified-users segment %q has no inputs", p.StableKey),
		}}, nil
	}
	return nil, nil
}

// ---- segment_followers / segment_followed ------------------------------

type followersDef struct {
	subjectSegmentDef
}

func newFollowersDef() followersDef {
	return followersDef{subjectSegmentDef{baseDef{slug: identity.SlugSegmentFollowers, kind: models.ItemUser}}}
}

func (d followersDef) IngestRequirements(_ context.Context, p identity.Params, _ []ResolvedDep, _ GraphReader) ([]IngestRequirement, error) {
	return []IngestRequirement{{
		Kind:         models.IngestUserFollowers,
		TargetUserID: p.SubjectExternalID,
		Freshness:    DefaultFreshness,
	}}, nil
}

func (d followersDef) ComputeMembership(ctx context.Context, p identity.Params, _ []ResolvedDep, g GraphReader) ([]int64, error) {
	ids, err := g.ActiveFollowerIDs(ctx, p.SubjectExternalID)
	if err != nil {
		return nil, err
	}
	return sortDedup(ids), nil
}

type followedDef struct {
	subjectSegmentDef
}

func newFollowedDef() followedDef {
	return followedDef{subjectSegmentDef{baseDef{slug: identity.SlugSegmentFollowed, kind: models.ItemUser}}}
}

func (d followedDef) IngestRequirements(_ context.Context, p identity.Params, _ []ResolvedDep, _ GraphReader) ([]IngestRequirement, error) {
	return []IngestRequirement{{
		Kind:         models.IngestUserFollowings,
		TargetUserID: p.SubjectExternalID,
		Freshness:    DefaultFreshness,
	}}, nil
}

func (d followedDef) ComputeMembership(ctx context.Context, p identity.Params, _ []ResolvedDep, g GraphReader) ([]int64, error) {
	ids, err := g.ActiveFollowedIDs(ctx, p.SubjectExternalID)
	if err != nil {
		return nil, err
	}
	return sortDedup(ids), nil
}

// ---- segment_mutuals / segment_unreciprocated_followed -----------------

// combinedSegmentDef derives its membership from the as-of memberships of
// the followers and followed segments of the same subject.
type combinedSegmentDef struct {
	subjectSegmentDef
	combine func(followed, followers []int64) []int64
}

func newMutualsDef() combinedSegmentDef {
	return combinedSegmentDef{
		subjectSegmentDef: subjectSegmentDef{baseDef{slug: identity.SlugSegmentMutuals, kind: models.ItemUser}},
		combine:           intersect,
	}
}

func newUnreciprocatedFollowedDef() combinedSegmentDef {
	return combinedSegmentDef{
		subjectSegmentDef: subjectSegmentDef{baseDef{slug: identity.SlugSegmentUnreciprocatedFollowed, kind: models.ItemUser}},
		combine:           subtract,
	}
}

func (d combinedSegmentDef) Dependencies(p identity.Params) ([]DependencySpec, error) {
	return []DependencySpec{
		{Name: "followed", Params: identity.Params{Slug: identity.SlugSegmentFollowed, SubjectExternalID: p.SubjectExternalID}},
		{Name: "followers", Params: identity.Params{Slug: identity.SlugSegmentFollowers, SubjectExternalID: p.SubjectExternalID}},
	}, nil
}

func (d combinedSegmentDef) ComputeMembership(_ context.Context, _ identity.Params, deps []ResolvedDep, _ GraphReader) ([]int64, error) {
	followed, ok := depByName(deps, "followed")
	if !ok {
		return nil, fmt.Errorf("%s: dependency %q not resolved", d.slug, "followed")
	}
	followers, ok := depByName(deps, "followers")
	if !ok {
		return nil, fmt.Errorf("%s: dependency %q not resolved", d.slug, "followers")
	}
	return d.combine(followed.Membership, followers.Membership), nil
}

// ---- post_corpus_for_segment -------------------------------------------

type postCorpusDef struct {
	baseDef
}

func newPostCorpusDef() postCorpusDef {
	return postCorpusDef{baseDef{slug: identity.SlugPostCorpusForSegment, kind: models.ItemPost}}
}

func (d postCorpusDef) Dependencies(p identity.Params) ([]DependencySpec, error) {
	if p.SourceSegmentSlug == identity.SlugPostCorpusForSegment {
		return nil, fmt.Errorf("%s cannot source another post corpus", d.slug)
	}
	// The source segment is addressed by its precomputed hash; the engine
	// resolves the concrete params through the store.
	return []DependencySpec{{
		Name:       "source",
		Params:     identity.Params{Slug: p.SourceSegmentSlug},
		ParamsHash: p.SourceSegmentParamsHash,
	}}, nil
}

func (d postCorpusDef) IngestRequirements(_ context.Context, _ identity.Params, deps []ResolvedDep, _ GraphReader) ([]IngestRequirement, error) {
	source, ok := depByName(deps, "source")
	if !ok {
		return nil, fmt.Errorf("%s: dependency %q not resolved", d.slug, "source")
	}
	reqs := make([]IngestRequirement, 0, len(source.Membership))
	for _, userID := range source.Membership {
		matID := source.MaterializationID
		reqs = append(reqs, IngestRequirement{
			Kind:         models.IngestUsersPosts,
			TargetUserID: userID,
			Freshness:    DefaultFreshness,
			RequestedBy:  &matID,
		})
	}
	return reqs, nil
}

func (d postCorpusDef) ComputeMembership(ctx context.Context, _ identity.Params, deps []ResolvedDep, g GraphReader) ([]int64, error) {
	source, ok := depByName(deps, "source")
	if !ok {
		return nil, fmt.Errorf("%s: dependency %q not resolved", d.slug, "source")
	}
	if len(source.Membership) == 0 {
		return []int64{}, nil
	}
	ids, err := g.ActivePostIDsByAuthors(ctx, source.Membership)
	if err != nil {
		return nil, err
	}
	return sortDedup(ids), nil
}
