package identity

import "fmt"

// Slug identifies a family of derived collections.
type Slug string

const (
	SlugSegmentSpecifiedUsers         Slug = "segment_specified_users"
	SlugSegmentFollowers              Slug = "segment_followers"
	SlugSegmentFollowed               Slug = "segment_followed"
	SlugSegmentMutuals                Slug = "segment_mutuals"
	SlugSegmentUnreciprocatedFollowed Slug = "segment_unreciprocated_followed"
	SlugPostCorpusForSegment          Slug = "post_corpus_for_segment"
)

// Params is the tagged identity of an asset instance. Only the fields that
// belong to the slug participate in the params hash; everything else is
// ignored, so rearranging or zeroing non-identity fields cannot change the
// hash.
type Params struct {
	Slug Slug

	// segment_specified_users
	StableKey string

	// segment_followers / segment_followed / segment_mutuals /
	// segment_unreciprocated_followed
	SubjectExternalID int64

	// post_corpus_for_segment
	SourceSegmentSlug       Slug
	SourceSegmentParamsHash string

	// Set when the instance was derived by a fanout root. The hash of the
	// originating source instance is recorded for lineage in both fanout
	// modes but participates in the identity only when ScopedToSource is
	// set (scoped_by_source mode). global_per_item instances stay shared
	// across sources precisely because the hash is left out.
	FanoutSourceParamsHash string
	ScopedToSource         bool
}

// Validate checks that the identity fields required by the slug are present.
func (p Params) Validate() error {
	switch p.Slug {
	case SlugSegmentSpecifiedUsers:
		if p.StableKey == "" {
			return fmt.Errorf("params %s: stable_key is required", p.Slug)
		}
	case SlugSegmentFollowers, SlugSegmentFollowed, SlugSegmentMutuals, SlugSegmentUnreciprocatedFollowed:
		if p.SubjectExternalID == 0 {
			return fmt.Errorf("params %s: subject_external_id is required", p.Slug)
		}
	case SlugPostCorpusForSegment:
		if p.SourceSegmentSlug == "" || p.SourceSegmentParamsHash == "" {
			return fmt.Errorf("params %s: source_segment reference is required", p.Slug)
		}
	default:
		return fmt.Errorf("unknown asset slug %q", p.Slug)
	}
	return nil
}
