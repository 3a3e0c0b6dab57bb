package assets

import (
	"fmt"

	"github.com/rawgraph/asset-engine/internal/identity"
)

// Registry maps asset slugs to their definitions. Construction verifies the
// slug-level dependency graph is acyclic so the planner's topological walk
// always terminates.
type Registry struct {
	defs map[identity.Slug]Definition
}

// NewRegistry builds the registry with every known definition.
func NewRegistry() (*Registry, error) {
	r := &Registry{defs: map[identity.Slug]Definition{}}
	for _, d := range []Definition{
		newSpecifiedUsersDef(),
		newFollowersDef(),
		newFollowedDef(),
		newMutualsDef(),
		newUnreciprocatedFollowedDef(),
		newPostCorpusDef(),
	} {
		if _, dup := r.defs[d.Slug()]; dup {
			return nil, fmt.Errorf("registry: duplicate definition for %s", d.Slug())
		}
		r.defs[d.Slug()] = d
	}
	if err := r.checkAcyclic(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the definition for slug.
func (r *Registry) Get(slug identity.Slug) (Definition, error) {
	d, ok := r.defs[slug]
	if !ok {
		return nil, fmt.Errorf("registry: unknown asset slug %q", slug)
	}
	return d, nil
}

// Slugs lists every registered slug.
func (r *Registry) Slugs() []identity.Slug {
	out := make([]identity.Slug, 0, len(r.defs))
	for s := range r.defs {
		out = append(out, s)
	}
	return out
}

// slugEdges approximates each definition's dependency slugs using
// representative params. post_corpus_for_segment may source any segment
// slug, so it is treated as depending on all of them.
func (r *Registry) slugEdges(slug identity.Slug) []identity.Slug {
	if slug == identity.SlugPostCorpusForSegment {
		var out []identity.Slug
		for s := range r.defs {
			if s != slug {
				out = append(out, s)
			}
		}
		return out
	}
	specs, err := r.defs[slug].Dependencies(representativeParams(slug))
	if err != nil {
		return nil
	}
	out := make([]identity.Slug, 0, len(specs))
	for _, spec := range specs {
		out = append(out, spec.Params.Slug)
	}
	return out
}

func representativeParams(slug identity.Slug) identity.Params {
	return identity.Params{
		Slug:              slug,
		StableKey:         "probe",
		SubjectExternalID: 1,
		SourceSegmentSlug: identity.SlugSegmentSpecifiedUsers,
	}
}

func (r *Registry) checkAcyclic() error {
	const (
		visiting = 1
		done     = 2
	)
	state := map[identity.Slug]int{}

	var visit func(slug identity.Slug, path []identity.Slug) error
	visit = func(slug identity.Slug, path []identity.Slug) error {
		switch state[slug] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("registry: dependency cycle through %s (path %v)", slug, path)
		}
		state[slug] = visiting
		for _, dep := range r.slugEdges(slug) {
			if _, ok := r.defs[dep]; !ok {
				return fmt.Errorf("registry: %s depends on unknown slug %s", slug, dep)
			}
			if err := visit(dep, append(path, slug)); err != nil {
				return err
			}
		}
		state[slug] = done
		return nil
	}

	for slug := range r.defs {
		if err := visit(slug, nil); err != nil {
			return err
		}
	}
	return nil
}
