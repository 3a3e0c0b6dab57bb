package assets

import (
	"context"
	"testing"

	"github.com/rawgraph/asset-engine/internal/identity"
	"github.com/rawgraph/asset-engine/pkg/models"
)

// fakeGraph is a canned GraphReader for compute tests.
type fakeGraph struct {
	followers map[int64][]int64
	followed  map[int64][]int64
	posts     map[int64][]int64 // author -> post ids
	specified map[string][]int64
}

func (f *fakeGraph) ActiveFollowerIDs(_ context.Context, targetID int64) ([]int64, error) {
	return f.followers[targetID], nil
}

func (f *fakeGraph) ActiveFollowedIDs(_ context.Context, followerID int64) ([]int64, error) {
	return f.followed[followerID], nil
}

func (f *fakeGraph) ActivePostIDsByAuthors(_ context.Context, authorIDs []int64) ([]int64, error) {
	var out []int64
	for _, a := range authorIDs {
		out = append(out, f.posts[a]...)
	}
	return out, nil
}

func (f *fakeGraph) SpecifiedUserIDs(_ context.Context, stableKey string) ([]int64, error) {
	return f.specified[stableKey], nil
}

func mustRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestRegistry_KnownAndUnknownSlugs(t *testing.T) {
	r := mustRegistry(t)
	for _, slug := range []identity.Slug{
		identity.SlugSegmentSpecifiedUsers,
		identity.SlugSegmentFollowers,
		identity.SlugSegmentFollowed,
		identity.SlugSegmentMutuals,
		identity.SlugSegmentUnreciprocatedFollowed,
		identity.SlugPostCorpusForSegment,
	} {
		if _, err := r.Get(slug); err != nil {
			t.Errorf("Get(%s): %v", slug, err)
		}
	}
	if _, err := r.Get("segment_bogus"); err == nil {
		t.Errorf("expected error for unknown slug")
	}
}

func TestSpecifiedUsers_MembershipAndInputs(t *testing.T) {
	r := mustRegistry(t)
	def, _ := r.Get(identity.SlugSegmentSpecifiedUsers)
	g := &fakeGraph{specified: map[string][]int64{"x": {102, 101, 102}}}
	p := identity.Params{Slug: identity.SlugSegmentSpecifiedUsers, StableKey: "x"}

	members, err := def.ComputeMembership(context.Background(), p, nil, g)
	if err != nil {
		t.Fatalf("ComputeMembership: %v", err)
	}
	if len(members) != 2 || members[0] != 101 || members[1] != 102 {
		t.Errorf("membership = %v, want sorted deduped [101 102]", members)
	}

	parts, err := def.InputsHashParts(context.Background(), p, g)
	if err != nil {
		t.Fatalf("InputsHashParts: %v", err)
	}
	if len(parts) != 2 || parts[0] != "user_external_id=101" {
		t.Errorf("inputs parts = %v", parts)
	}

	// Empty inputs are a warning, not an error.
	empty := identity.Params{Slug: identity.SlugSegmentSpecifiedUsers, StableKey: "nobody"}
	issues, err := def.ValidateInputs(context.Background(), empty, g)
	if err != nil {
		t.Fatalf("ValidateInputs: %v", err)
	}
	if len(issues) != 1 || issues[0].Severity != SeverityWarning {
		t.Errorf("issues = %+v, want one warning", issues)
	}
}

func TestFollowers_IngestRequirementAndCompute(t *testing.T) {
	r := mustRegistry(t)
	def, _ := r.Get(identity.SlugSegmentFollowers)
	p := identity.Params{Slug: identity.SlugSegmentFollowers, SubjectExternalID: 7}

	reqs, err := def.IngestRequirements(context.Background(), p, nil, nil)
	if err != nil {
		t.Fatalf("IngestRequirements: %v", err)
	}
	if len(reqs) != 1 || reqs[0].Kind != models.IngestUserFollowers || reqs[0].TargetUserID != 7 {
		t.Errorf("reqs = %+v", reqs)
	}
	if reqs[0].Freshness != DefaultFreshness {
		t.Errorf("freshness = %v", reqs[0].Freshness)
	}

	g := &fakeGraph{followers: map[int64][]int64{7: {3, 1, 3, 2}}}
	members, err := def.ComputeMembership(context.Background(), p, nil, g)
	if err != nil {
		t.Fatalf("ComputeMembership: %v", err)
	}
	if len(members) != 3 || members[0] != 1 || members[2] != 3 {
		t.Errorf("membership = %v", members)
	}
}

func TestMutualsAndUnreciprocated_CombineDepMemberships(t *testing.T) {
	r := mustRegistry(t)
	p := identity.Params{Slug: identity.SlugSegmentMutuals, SubjectExternalID: 7}

	deps := []ResolvedDep{
		{Name: "followed", Slug: identity.SlugSegmentFollowed, Membership: []int64{1, 2, 3}},
		{Name: "followers", Slug: identity.SlugSegmentFollowers, Membership: []int64{2, 3, 4}},
	}

	mutuals, _ := r.Get(identity.SlugSegmentMutuals)
	got, err := mutuals.ComputeMembership(context.Background(), p, deps, nil)
	if err != nil {
		t.Fatalf("mutuals: %v", err)
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("mutuals = %v, want [2 3]", got)
	}

	unrec, _ := r.Get(identity.SlugSegmentUnreciprocatedFollowed)
	got, err = unrec.ComputeMembership(context.Background(), p, deps, nil)
	if err != nil {
		t.Fatalf("unreciprocated: %v", err)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("unreciprocated = %v, want [1]", got)
	}

	// Both declare followed+followers deps on the same subject.
	specs, err := mutuals.Dependencies(p)
	if err != nil {
		t.Fatalf("Dependencies: %v", err)
	}
	if len(specs) != 2 || specs[0].Params.SubjectExternalID != 7 || specs[1].Params.SubjectExternalID != 7 {
		t.Errorf("dep specs = %+v", specs)
	}

	// A missing dependency is an error, not a panic.
	if _, err := mutuals.ComputeMembership(context.Background(), p, nil, nil); err == nil {
		t.Errorf("expected error with no resolved deps")
	}
}

func TestPostCorpus_RequirementsPerMemberAndCompute(t *testing.T) {
	r := mustRegistry(t)
	def, _ := r.Get(identity.SlugPostCorpusForSegment)
	p := identity.Params{
		Slug:                    identity.SlugPostCorpusForSegment,
		SourceSegmentSlug:       identity.SlugSegmentFollowers,
		SourceSegmentParamsHash: "deadbeef",
	}

	specs, err := def.Dependencies(p)
	if err != nil {
		t.Fatalf("Dependencies: %v", err)
	}
	if len(specs) != 1 || specs[0].ParamsHash != "deadbeef" || specs[0].Params.Slug != identity.SlugSegmentFollowers {
		t.Errorf("dep specs = %+v", specs)
	}

	source := ResolvedDep{
		Name:              "source",
		Slug:              identity.SlugSegmentFollowers,
		MaterializationID: 99,
		Membership:        []int64{10, 20},
	}
	reqs, err := def.IngestRequirements(context.Background(), p, []ResolvedDep{source}, nil)
	if err != nil {
		t.Fatalf("IngestRequirements: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("want one posts requirement per member, got %d", len(reqs))
	}
	for _, req := range reqs {
		if req.Kind != models.IngestUsersPosts {
			t.Errorf("kind = %s", req.Kind)
		}
		if req.RequestedBy == nil || *req.RequestedBy != 99 {
			t.Errorf("requested_by = %v, want 99", req.RequestedBy)
		}
	}

	g := &fakeGraph{posts: map[int64][]int64{10: {1001, 1000}, 20: {1002}}}
	members, err := def.ComputeMembership(context.Background(), p, []ResolvedDep{source}, g)
	if err != nil {
		t.Fatalf("ComputeMembership: %v", err)
	}
	if len(members) != 3 || members[0] != 1000 || members[2] != 1002 {
		t.Errorf("membership = %v", members)
	}

	// A corpus over another corpus is rejected.
	bad := p
	bad.SourceSegmentSlug = identity.SlugPostCorpusForSegment
	if _, err := def.Dependencies(bad); err == nil {
		t.Errorf("expected error for corpus-of-corpus")
	}
}

func TestParamsFromFanoutItem_Modes(t *testing.T) {
	r := mustRegistry(t)
	def, _ := r.Get(identity.SlugSegmentFollowers)

	global, ok := def.ParamsFromFanoutItem(models.ItemUser, 55, "cafe", models.FanoutGlobalPerItem)
	if !ok {
		t.Fatalf("followers must accept user fanout items")
	}
	if global.SubjectExternalID != 55 || global.FanoutSourceParamsHash != "cafe" || global.ScopedToSource {
		t.Errorf("global params = %+v", global)
	}

	scoped, _ := def.ParamsFromFanoutItem(models.ItemUser, 55, "cafe", models.FanoutScopedBySource)
	if !scoped.ScopedToSource {
		t.Errorf("scoped_by_source must scope the identity to the source")
	}

	// Scoping changes the derived identity; lineage alone does not.
	hBase, _ := identity.ParamsHash(identity.Params{Slug: identity.SlugSegmentFollowers, SubjectExternalID: 55})
	hGlobal, _ := identity.ParamsHash(global)
	hScoped, _ := identity.ParamsHash(scoped)
	if hGlobal != hBase {
		t.Errorf("global_per_item derived a distinct identity")
	}
	if hScoped == hBase {
		t.Errorf("scoped_by_source did not derive a distinct identity")
	}

	if _, ok := def.ParamsFromFanoutItem(models.ItemPost, 55, "cafe", models.FanoutGlobalPerItem); ok {
		t.Errorf("post items must not fan out into a user segment")
	}

	corpus, _ := r.Get(identity.SlugPostCorpusForSegment)
	if _, ok := corpus.ParamsFromFanoutItem(models.ItemUser, 55, "cafe", models.FanoutGlobalPerItem); ok {
		t.Errorf("post corpus cannot be a fanout target")
	}
}
