package models

import "time"

// IngestKind enumerates every sync-run family the engine records.
// The values are persisted and must never be renamed.
type IngestKind string

const (
	IngestUserFollowers  IngestKind = "twitterio_api_user_followers"
	IngestUserFollowings IngestKind = "twitterio_api_user_followings"
	IngestUsersPosts     IngestKind = "twitterio_api_users_posts"
	IngestUsersByIDs     IngestKind = "twitterio_api_users_by_ids"
	IngestPostsByIDs     IngestKind = "twitterio_api_posts_by_ids"
	IngestWebhookFollow  IngestKind = "ifttt_webhook_new_follow"
)

// SyncMode selects how a follower/following run reconciles edges.
type SyncMode string

const (
	SyncFullRefresh SyncMode = "full_refresh"
	SyncIncremental SyncMode = "incremental"
)

// RunStatus is shared by sync runs and materializations.
// Invariant: status == in_progress exactly when completed_at is null.
type RunStatus string

const (
	StatusInProgress RunStatus = "in_progress"
	StatusSuccess    RunStatus = "success"
	StatusError      RunStatus = "error"
)

// ItemKind tags what a membership item id refers to.
type ItemKind string

const (
	ItemUser ItemKind = "user"
	ItemPost ItemKind = "post"
)

// FanoutMode controls how a fanout root derives target instances.
type FanoutMode string

const (
	// FanoutGlobalPerItem derives one target instance per item across all
	// sources; two fanout roots producing the same item share the instance.
	FanoutGlobalPerItem FanoutMode = "global_per_item"
	// FanoutScopedBySource scopes derived instances to the source instance
	// by stamping fanout_source_params_hash into the derived params.
	FanoutScopedBySource FanoutMode = "scoped_by_source"
)

// User is a social-graph account as last seen by ingest.
// HandleNorm is the lowercase handle; at most one non-deleted user holds a
// given normalized handle at a time (handle theft clears the prior holder).
type User struct {
	ID           int64
	Handle       *string
	HandleNorm   *string
	IsDeleted    bool
	LastIngestID *int64
	UpdatedAt    time.Time
}

// HandleHistory records every handle transition, including thefts where the
// stolen-from user transitions to the empty handle.
type HandleHistory struct {
	UserID    int64
	OldHandle string
	NewHandle string
	ChangedAt time.Time
}

// FollowEdge is a directed follow: FollowerID follows TargetID.
// Soft-deleted edges are kept and revived on re-observation.
type FollowEdge struct {
	TargetID   int64
	FollowerID int64
	IsDeleted  bool
	UpdatedAt  time.Time
}

// Post is an upstream post. Author and time are immutable on conflict.
type Post struct {
	ID        int64
	AuthorID  int64
	PostedAt  time.Time
	Text      string
	Lang      string
	Raw       []byte
	IsDeleted bool
}

// IngestRun is the flattened view of an ingest event plus its kind-specific
// child row. Snapshot blobs are capped at the configured retention limit.
type IngestRun struct {
	ID               int64
	Kind             IngestKind
	TargetUserID     int64
	Status           RunStatus
	SyncMode         SyncMode
	CursorExhausted  bool
	SyncedSince      *time.Time
	LastAPIStatus    *int
	LastAPIError     *string
	RequestSnapshot  []byte
	ResponseSnapshot []byte
	RequestedByID    *int64 // materialization that requested this run, if any
	StartedAt        time.Time
	CompletedAt      *time.Time
}

// AssetParamsRow is the persisted identity of an asset instance, unique by
// (asset_slug, params_hash, params_hash_version).
type AssetParamsRow struct {
	ID                     int64
	Slug                   string
	ParamsHash             string
	ParamsHashVersion      int
	StableKey              *string
	SubjectExternalID      *int64
	SourceSegmentParamsID  *int64
	FanoutSourceParamsHash *string
	CreatedAt              time.Time
}

// AssetInstance is an asset with concrete params. CheckpointID points at the
// latest successful materialization whose membership defines "current".
type AssetInstance struct {
	ID           int64
	ParamsID     int64
	CheckpointID *int64
	CreatedAt    time.Time
}

// AssetInstanceRoot marks an instance for periodic materialization.
type AssetInstanceRoot struct {
	ID         int64
	InstanceID int64
	DisabledAt *time.Time
	CreatedAt  time.Time
}

// AssetInstanceFanoutRoot expands a source instance's membership into
// derived target instances every tick.
type AssetInstanceFanoutRoot struct {
	ID               int64
	SourceInstanceID int64
	TargetSlug       string
	Mode             FanoutMode
	DisabledAt       *time.Time
	CreatedAt        time.Time
}

// Materialization is one execution of an instance's compute. OutputRevision
// is nondecreasing per instance and bumps by exactly one when membership
// changed versus the previous successful materialization.
type Materialization struct {
	ID                int64
	InstanceID        int64
	Slug              string
	InputsHashVersion int
	InputsHash        string
	DepRevHashVersion int
	DepRevHash        string
	OutputRevision    int64
	Status            RunStatus
	StartedAt         time.Time
	CompletedAt       *time.Time
	TriggerReason     string
	ErrorPayload      *string
}

// MembershipEvent is a row of the unified enter/exit event table. At most one
// event exists per (materialization, item). IsFirstAppearance is non-nil
// exactly for enter events.
type MembershipEvent struct {
	MaterializationID int64
	ItemID            int64
	EventType         string // "enter" or "exit"
	IsFirstAppearance *bool
	CreatedAt         time.Time
}

// PlannerDecision classifies a planner event.
type PlannerDecision string

const (
	DecisionMaterialized PlannerDecision = "materialized"
	DecisionUnchanged    PlannerDecision = "unchanged"
	DecisionDeferred     PlannerDecision = "deferred"
	DecisionSkipped      PlannerDecision = "skipped"
	DecisionFailed       PlannerDecision = "failed"
)

// PlannerEvent records why the planner did or did not act on an instance
// during a tick. These are diagnostics, not part of the revision history.
type PlannerEvent struct {
	ID         string // uuid
	TickID     string // uuid shared by all events of one tick
	InstanceID *int64
	Slug       string
	ParamsHash string
	Decision   PlannerDecision
	Reason     string
	CreatedAt  time.Time
}
