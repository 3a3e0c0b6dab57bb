package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// ParamsHashVersion is the current params hashing scheme. Bump only with a
// migration plan: the version is part of the params uniqueness key.
const ParamsHashVersion = 1

// InputsHashVersion and DepRevHashVersion version the other two hashes of
// the materialization key.
const (
	InputsHashVersion = 1
	DepRevHashVersion = 1
)

func digest(parts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// ParamsHash computes the v1 content address of an asset identity: a SHA-256
// over a canonical newline-joined part sequence. Stable across processes and
// platforms; identity fields only.
func ParamsHash(p Params) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	parts := []string{
		"kind=params_hash:v1",
		"asset_slug=" + string(p.Slug),
	}

	switch p.Slug {
	case SlugSegmentSpecifiedUsers:
		parts = append(parts, "stable_key="+p.StableKey)
	case SlugSegmentFollowers, SlugSegmentFollowed, SlugSegmentMutuals, SlugSegmentUnreciprocatedFollowed:
		parts = append(parts, fmt.Sprintf("subject_external_id=%d", p.SubjectExternalID))
	case SlugPostCorpusForSegment:
		parts = append(parts,
			"source_segment.asset_slug="+string(p.SourceSegmentSlug),
			"source_segment.params_hash="+p.SourceSegmentParamsHash,
		)
	}

	if p.ScopedToSource && p.FanoutSourceParamsHash != "" {
		parts = append(parts, "fanout_source_params_hash="+p.FanoutSourceParamsHash)
	}

	return digest(parts), nil
}

// InputsHash hashes the slug-specific input parts. The caller supplies the
// parts from the asset definition; they are sorted here so that storage
// order never leaks into the hash.
func InputsHash(slug Slug, inputParts []string) string {
	sorted := make([]string, len(inputParts))
	copy(sorted, inputParts)
	sort.Strings(sorted)

	parts := append([]string{
		"kind=inputs_hash:v1",
		"asset_slug=" + string(slug),
	}, sorted...)
	return digest(parts)
}

// DepRevision is one dependency's pinned revision contribution.
type DepRevision struct {
	Name           string
	Slug           Slug
	ParamsHash     string
	OutputRevision int64
}

// DepRevisionsHash hashes the dependency revisions in declaration order. An
// empty dependency set hashes to a fixed value.
func DepRevisionsHash(deps []DepRevision) string {
	parts := []string{"kind=dep_rev_hash:v1"}
	for _, d := range deps {
		parts = append(parts,
			fmt.Sprintf("dep.%s.asset_slug=%s", d.Name, d.Slug),
			fmt.Sprintf("dep.%s.params_hash=%s", d.Name, d.ParamsHash),
			fmt.Sprintf("dep.%s.output_revision=%d", d.Name, d.OutputRevision),
		)
	}
	return digest(parts)
}
