// Package assets holds the registry of derived-collection definitions. Each
// definition declares its dependencies, its ingest prerequisites, and a pure
// membership compute over resolved dependency memberships and graph reads.
package assets

import (
	"context"
	"time"

	"github.com/rawgraph/asset-engine/internal/identity"
	"github.com/rawgraph/asset-engine/pkg/models"
)

// DefaultFreshness is how stale an ingest run may be before a definition
// demands a new one.
const DefaultFreshness = 6 * time.Hour

// GraphReader is the read surface a membership compute may touch. The
// persistence store satisfies it.
type GraphReader interface {
	ActiveFollowerIDs(ctx context.Context, targetID int64) ([]int64, error)
	ActiveFollowedIDs(ctx context.Context, followerID int64) ([]int64, error)
	ActivePostIDsByAuthors(ctx context.Context, authorIDs []int64) ([]int64, error)
	SpecifiedUserIDs(ctx context.Context, stableKey string) ([]int64, error)
}

// DependencySpec names one dependency of an instance. Name is the key the
// compute uses to find the resolved dependency; it also feeds the
// dependency-revisions hash in declaration order. When ParamsHash is set the
// dependency is addressed by (Params.Slug, ParamsHash) through the params
// store instead of being hashed from Params.
type DependencySpec struct {
	Name       string
	Params     identity.Params
	ParamsHash string
}

// ResolvedDep is a dependency pinned to its latest successful
// materialization. Membership is the as-of membership at that
// materialization, not the live snapshot.
type ResolvedDep struct {
	Name              string
	Slug              identity.Slug
	ParamsHash        string
	InstanceID        int64
	MaterializationID int64
	OutputRevision    int64
	Membership        []int64
}

// IngestRequirement asks the prerequisite resolver for a sufficiently fresh
// ingest run before the instance may materialize. RequestedBy carries the
// dependency materialization that motivated the run, when one exists.
type IngestRequirement struct {
	Kind         models.IngestKind
	TargetUserID int64
	Freshness    time.Duration
	RequestedBy  *int64
}

// Severity grades a validation issue. Errors skip the instance for the tick;
// warnings are logged and recorded but do not block.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type ValidationIssue struct {
	Severity Severity
	Message  string
}

// Definition is the per-slug contract the planner drives.
type Definition interface {
	Slug() identity.Slug
	OutputItemKind() models.ItemKind

	// Dependencies is static per params.
	Dependencies(p identity.Params) ([]DependencySpec, error)

	// IngestRequirements may expand dynamically over resolved dependencies,
	// e.g. one posts run per member of the source segment.
	IngestRequirements(ctx context.Context, p identity.Params, deps []ResolvedDep, g GraphReader) ([]IngestRequirement, error)

	// InputsHashParts returns the slug-specific parts of the inputs hash.
	InputsHashParts(ctx context.Context, p identity.Params, g GraphReader) ([]string, error)

	// ComputeMembership returns item ids sorted ascending and deduplicated.
	ComputeMembership(ctx context.Context, p identity.Params, deps []ResolvedDep, g GraphReader) ([]int64, error)

	// ValidateInputs reports issues with the params or their referenced
	// inputs. A nil slice means clean.
	ValidateInputs(ctx context.Context, p identity.Params, g GraphReader) ([]ValidationIssue, error)

	// ParamsFromFanoutItem maps one member of a fanout source to derived
	// params. ok is false when the slug cannot be a fanout target for the
	// item kind.
	ParamsFromFanoutItem(itemKind models.ItemKind, itemID int64, sourceParamsHash string, mode models.FanoutMode) (identity.Params, bool)
}

// depByName finds a resolved dependency by its spec name.
func depByName(deps []ResolvedDep, name string) (ResolvedDep, bool) {
	for _, d := range deps {
		if d.Name == name {
			return d, true
		}
	}
	return ResolvedDep{}, false
}
