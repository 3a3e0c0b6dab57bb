package identity

import (
	"strings"
	"testing"
)

func TestParamsHash_StableAndIdentityOnly(t *testing.T) {
	// Two params that agree on identity fields but differ in everything
	// else must hash identically.
	a := Params{Slug: SlugSegmentFollowers, SubjectExternalID: 42}
	b := Params{Slug: SlugSegmentFollowers, SubjectExternalID: 42, StableKey: "noise", SourceSegmentParamsHash: "noise"}

	ha, err := ParamsHash(a)
	if err != nil {
		t.Fatalf("ParamsHash(a): %v", err)
	}
	hb, err := ParamsHash(b)
	if err != nil {
		t.Fatalf("ParamsHash(b): %v", err)
	}
	if ha != hb {
		t.Errorf("non-identity fields changed the hash: %s vs %s", ha, hb)
	}

	// Changing an identity field must change the hash.
	c := Params{Slug: SlugSegmentFollowers, SubjectExternalID: 43}
	hc, _ := ParamsHash(c)
	if hc == ha {
		t.Errorf("changing subject_external_id did not change the hash")
	}

	// Hashes are lowercase hex SHA-256.
	if len(ha) != 64 || ha != strings.ToLower(ha) {
		t.Errorf("unexpected hash shape: %q", ha)
	}
}

func TestParamsHash_FanoutSourceSuffix(t *testing.T) {
	base := Params{Slug: SlugSegmentFollowers, SubjectExternalID: 7}

	// In global_per_item mode the source hash is lineage only.
	global := base
	global.FanoutSourceParamsHash = "aabbcc"
	hBase, _ := ParamsHash(base)
	hGlobal, _ := ParamsHash(global)
	if hBase != hGlobal {
		t.Errorf("unscoped fanout source hash changed the identity")
	}

	// scoped_by_source folds the source hash into the identity.
	scoped := global
	scoped.ScopedToSource = true
	hScoped, _ := ParamsHash(scoped)
	if hBase == hScoped {
		t.Errorf("scoped fanout source hash must contribute to the identity")
	}
}

func TestParamsHash_MissingIdentityField(t *testing.T) {
	if _, err := ParamsHash(Params{Slug: SlugSegmentSpecifiedUsers}); err == nil {
		t.Errorf("expected error for missing stable_key")
	}
	if _, err := ParamsHash(Params{Slug: "bogus"}); err == nil {
		t.Errorf("expected error for unknown slug")
	}
}

func TestInputsHash_OrderIndependent(t *testing.T) {
	h1 := InputsHash(SlugSegmentSpecifiedUsers, []string{"user_external_id=101", "user_external_id=102"})
	h2 := InputsHash(SlugSegmentSpecifiedUsers, []string{"user_external_id=102", "user_external_id=101"})
	if h1 != h2 {
		t.Errorf("inputs hash depends on part order")
	}

	h3 := InputsHash(SlugSegmentSpecifiedUsers, []string{"user_external_id=101"})
	if h3 == h1 {
		t.Errorf("dropping an input did not change the hash")
	}
}

func TestDepRevisionsHash(t *testing.T) {
	empty1 := DepRevisionsHash(nil)
	empty2 := DepRevisionsHash([]DepRevision{})
	if empty1 != empty2 {
		t.Errorf("empty dependency set must hash to a fixed value")
	}

	deps := []DepRevision{
		{Name: "followers", Slug: SlugSegmentFollowers, ParamsHash: "aa", OutputRevision: 3},
		{Name: "followed", Slug: SlugSegmentFollowed, ParamsHash: "bb", OutputRevision: 1},
	}
	h1 := DepRevisionsHash(deps)
	if h1 == empty1 {
		t.Errorf("non-empty dependency set collided with the empty hash")
	}

	// Bumping a dependency revision must change the hash.
	deps[1].OutputRevision = 2
	if DepRevisionsHash(deps) == h1 {
		t.Errorf("dependency revision bump did not change the hash")
	}
}
