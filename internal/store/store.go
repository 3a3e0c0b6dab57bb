package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rawgraph/asset-engine/internal/identity"
	"github.com/rawgraph/asset-engine/pkg/models"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// UserUpsert is the inbound shape for user writes. Handle is nil when the
// provider omitted it; the empty string is a valid "handle cleared" value.
// IsDeleted tombstones the user; the false zero value means ingest
// re-observation revives a previously tombstoned row.
type UserUpsert struct {
	ID        int64
	Handle    *string
	IsDeleted bool
	IngestID  *int64
}

// RootTarget pairs an enabled root with the identity of its instance.
type RootTarget struct {
	RootID     int64
	InstanceID int64
	Params     models.AssetParamsRow
}

// FanoutTarget pairs an enabled fanout root with its source instance params.
type FanoutTarget struct {
	Root         models.AssetInstanceFanoutRoot
	SourceParams models.AssetParamsRow
}

// Store is the persistence facade. Every method is safe to call on a
// transactional store obtained through WithTx; mutations made inside the
// callback are atomic.
type Store interface {
	// WithTx runs fn against a store bound to a transaction. If the
	// receiver is already transactional the callback reuses its
	// transaction, so nested calls compose.
	WithTx(ctx context.Context, fn func(Store) error) error

	// ---- social graph -------------------------------------------------

	// UpsertUser writes a user with handle-theft semantics: any other user
	// holding the same normalized handle loses it, and history rows are
	// written for both sides, all in one transaction.
	UpsertUser(ctx context.Context, u UserUpsert) error
	GetUser(ctx context.Context, id int64) (*models.User, error)

	// ReplaceFollowers reconciles the full follower set of target:
	// edges absent from followerIDs are soft-deleted, present ones are
	// upserted or revived. Returns (added, removed).
	ReplaceFollowers(ctx context.Context, targetID int64, followerIDs []int64) (int, int, error)
	// ReplaceFollowings is the symmetric reconciliation over the accounts
	// that followerID follows.
	ReplaceFollowings(ctx context.Context, followerID int64, targetIDs []int64) (int, int, error)
	// UpsertFollowEdges upserts/revives one page of edges and reports how
	// many were previously missing or inactive. Incremental sync stops
	// when a page yields zero.
	UpsertFollowEdges(ctx context.Context, edges []models.FollowEdge) (int, error)

	UpsertPosts(ctx context.Context, posts []models.Post) error

	ActiveFollowerIDs(ctx context.Context, targetID int64) ([]int64, error)
	ActiveFollowedIDs(ctx context.Context, followerID int64) ([]int64, error)
	ActivePostIDsByAuthors(ctx context.Context, authorIDs []int64) ([]int64, error)

	// Specified-users segment inputs, keyed by the segment's stable key.
	ReplaceSpecifiedUserIDs(ctx context.Context, stableKey string, userIDs []int64) error
	SpecifiedUserIDs(ctx context.Context, stableKey string) ([]int64, error)

	// ---- ingest runs --------------------------------------------------

	CreateIngestRun(ctx context.Context, kind models.IngestKind, targetUserID int64, mode models.SyncMode, requestedBy *int64) (int64, error)
	RecordIngestSnapshot(ctx context.Context, runID int64, reqSnapshot, respSnapshot []byte, apiStatus int) error
	CompleteIngestRun(ctx context.Context, runID int64, cursorExhausted bool, syncedSince *time.Time) error
	FailIngestRun(ctx context.Context, runID int64, apiErr string) error
	GetIngestRun(ctx context.Context, kind models.IngestKind, id int64) (*models.IngestRun, error)
	// LatestSuccessfulRun returns the newest successful run for the kind
	// and target; fullOnly restricts to full_refresh runs.
	LatestSuccessfulRun(ctx context.Context, kind models.IngestKind, targetUserID int64, fullOnly bool) (*models.IngestRun, error)

	// ---- params / instances / roots -----------------------------------

	GetOrCreateParams(ctx context.Context, p identity.Params, hash string, version int) (*models.AssetParamsRow, error)
	GetParamsByHash(ctx context.Context, slug string, hash string, version int) (*models.AssetParamsRow, error)
	GetParamsByID(ctx context.Context, id int64) (*models.AssetParamsRow, error)
	GetOrCreateInstance(ctx context.Context, paramsID int64) (*models.AssetInstance, error)
	GetInstance(ctx context.Context, id int64) (*models.AssetInstance, error)
	GetInstanceParams(ctx context.Context, instanceID int64) (*models.AssetParamsRow, error)

	EnableRoot(ctx context.Context, instanceID int64) (*models.AssetInstanceRoot, error)
	DisableRoot(ctx context.Context, instanceID int64) (bool, error)
	ListEnabledRoots(ctx context.Context) ([]RootTarget, error)
	ListRoots(ctx context.Context) ([]RootTarget, error)

	EnableFanoutRoot(ctx context.Context, sourceInstanceID int64, targetSlug string, mode models.FanoutMode) (*models.AssetInstanceFanoutRoot, error)
	DisableFanoutRoot(ctx context.Context, sourceInstanceID int64, targetSlug string, mode models.FanoutMode) (bool, error)
	ListEnabledFanoutRoots(ctx context.Context) ([]FanoutTarget, error)

	// ---- materializations ---------------------------------------------

	CreateMaterialization(ctx context.Context, m *models.Materialization) (int64, error)
	CompleteMaterialization(ctx context.Context, matID int64, outputRevision int64) error
	FailMaterialization(ctx context.Context, matID int64, errPayload string) error
	GetMaterialization(ctx context.Context, id int64) (*models.Materialization, error)
	LatestSuccessfulMaterialization(ctx context.Context, instanceID int64) (*models.Materialization, error)
	InsertMaterializationDependencies(ctx context.Context, matID int64, depMatIDs []int64) error
	InsertMaterializationRequesters(ctx context.Context, matID int64, requesterMatIDs []int64) error

	// ReplaceMembership swaps the instance's snapshot to items under matID
	// as the checkpoint.
	ReplaceMembership(ctx context.Context, instanceID int64, matID int64, kind models.ItemKind, items []int64) error
	MembershipAtCheckpoint(ctx context.Context, instanceID int64) ([]int64, error)
	// MembershipAsOf reconstructs the membership that was current at the
	// target materialization by replaying enter/exit events.
	MembershipAsOf(ctx context.Context, instanceID int64, matID int64) ([]int64, error)
	InsertEnterEvents(ctx context.Context, matID int64, items []int64, firstAppearance map[int64]bool) error
	InsertExitEvents(ctx context.Context, matID int64, items []int64) error
	// EverEnteredItems reports which candidates already appear in an enter
	// event of any successful materialization of the instance.
	EverEnteredItems(ctx context.Context, instanceID int64, candidates []int64) (map[int64]bool, error)
	SetInstanceCheckpoint(ctx context.Context, instanceID int64, matID int64) error

	InsertPlannerEvent(ctx context.Context, ev models.PlannerEvent) error

	// ---- advisory locks ------------------------------------------------

	// TryAdvisoryLock attempts a session-level advisory lock on the key.
	// On success the returned func releases it; callers must release on
	// every exit path.
	TryAdvisoryLock(ctx context.Context, key string) (func(), bool, error)
	// AdvisoryXactLock takes a transaction-scoped lock; it requires a
	// transactional store and releases at commit or rollback.
	AdvisoryXactLock(ctx context.Context, key string) error
}

// LockKeyIngest builds the advisory-lock key serializing ingest runs per
// (kind, target).
func LockKeyIngest(kind models.IngestKind, targetUserID int64) string {
	return "ingest:" + string(kind) + ":" + itoa(targetUserID)
}

// LockKeyMaterialize serializes materializations per instance.
func LockKeyMaterialize(instanceID int64) string {
	return "materialize:" + itoa(instanceID)
}

// LockKeyMigrations guards schema initialization.
const LockKeyMigrations = "bdx:migrations"

// LockKeyRetention guards the retention collaborator's cleanup pass.
const LockKeyRetention = "retention:cleanup"

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
