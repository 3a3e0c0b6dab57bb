package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rawgraph/asset-engine/internal/store"
	"github.com/rawgraph/asset-engine/internal/store/memstore"
	"github.com/rawgraph/asset-engine/internal/upstream"
	"github.com/rawgraph/asset-engine/pkg/models"
)

// scriptedClient plays back canned pages; cursors are page indexes.
type scriptedClient struct {
	users         map[int64]upstream.UserProfile
	followerPages map[string][]upstream.FollowPage
	postPages     func(query, cursor string) (*upstream.PostsPage, error)
	postCalls     []string
}

func (c *scriptedClient) FetchUserProfileByHandle(_ context.Context, handle string) (*upstream.UserProfile, error) {
	for _, u := range c.users {
		if u.Handle == handle {
			cp := u
			return &cp, nil
		}
	}
	return nil, &upstream.RequestError{Status: 404, Body: "unknown"}
}

func (c *scriptedClient) FetchUsersByIDs(_ context.Context, ids []int64) ([]upstream.UserProfile, error) {
	var out []upstream.UserProfile
	for _, id := range ids {
		if u, ok := c.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (c *scriptedClient) FetchFollowersPage(_ context.Context, handle string, cursor string) (*upstream.FollowPage, error) {
	pages := c.followerPages[handle]
	idx := 0
	if cursor != "" {
		idx = int(cursor[0] - '0')
	}
	if idx >= len(pages) {
		return &upstream.FollowPage{}, nil
	}
	return &pages[idx], nil
}

func (c *scriptedClient) FetchFollowingsPage(ctx context.Context, handle string, cursor string) (*upstream.FollowPage, error) {
	return c.FetchFollowersPage(ctx, handle, cursor)
}

func (c *scriptedClient) FetchPostsPage(_ context.Context, query string, cursor string) (*upstream.PostsPage, error) {
	c.postCalls = append(c.postCalls, query)
	return c.postPages(query, cursor)
}

func (c *scriptedClient) FetchPostsByIDs(context.Context, []int64) ([]upstream.PostItem, error) {
	return nil, nil
}

func (c *scriptedClient) LastSnapshot() upstream.Snapshot {
	return upstream.Snapshot{Request: []byte("GET /scripted"), Status: 200}
}

func seedUser(t *testing.T, mem *memstore.Mem, id int64, handle string) {
	t.Helper()
	if err := mem.UpsertUser(context.Background(), store.UserUpsert{ID: id, Handle: &handle}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestSyncFollowers_FullRefreshReconciles(t *testing.T) {
	mem := memstore.New()
	ctx := context.Background()
	seedUser(t, mem, 10, "target")

	// A stale edge that the provider no longer reports.
	if _, err := mem.UpsertFollowEdges(ctx, []models.FollowEdge{{TargetID: 10, FollowerID: 98}}); err != nil {
		t.Fatal(err)
	}

	client := &scriptedClient{
		followerPages: map[string][]upstream.FollowPage{
			"target": {
				{Users: []upstream.UserProfile{{ID: 20, Handle: "a"}}, HasNext: true, NextCursor: "1"},
				{Users: []upstream.UserProfile{{ID: 21, Handle: "b"}}},
			},
		},
	}
	svc := New(mem, client, Config{})

	runID, err := svc.SyncFollowers(ctx, 10, models.SyncFullRefresh)
	if err != nil {
		t.Fatalf("SyncFollowers: %v", err)
	}

	run, err := mem.GetIngestRun(ctx, models.IngestUserFollowers, runID)
	if err != nil {
		t.Fatalf("GetIngestRun: %v", err)
	}
	if run.Status != models.StatusSuccess || !run.CursorExhausted {
		t.Errorf("run = status %s exhausted %v", run.Status, run.CursorExhausted)
	}

	followers, _ := mem.ActiveFollowerIDs(ctx, 10)
	if len(followers) != 2 || followers[0] != 20 || followers[1] != 21 {
		t.Errorf("followers = %v, want [20 21] (98 soft-deleted)", followers)
	}
}

func TestSyncFollowers_IncrementalStopsOnKnownPage(t *testing.T) {
	mem := memstore.New()
	ctx := context.Background()
	seedUser(t, mem, 10, "target")

	// Page 0 is new; page 1 repeats known edges, so paging stops there even
	// though the provider reports more.
	if _, err := mem.UpsertFollowEdges(ctx, []models.FollowEdge{{TargetID: 10, FollowerID: 30}}); err != nil {
		t.Fatal(err)
	}
	client := &scriptedClient{
		followerPages: map[string][]upstream.FollowPage{
			"target": {
				{Users: []upstream.UserProfile{{ID: 31, Handle: "new"}}, HasNext: true, NextCursor: "1"},
				{Users: []upstream.UserProfile{{ID: 30, Handle: "old"}}, HasNext: true, NextCursor: "2"},
				{Users: []upstream.UserProfile{{ID: 32, Handle: "deep"}}},
			},
		},
	}
	svc := New(mem, client, Config{})

	runID, err := svc.SyncFollowers(ctx, 10, models.SyncIncremental)
	if err != nil {
		t.Fatalf("SyncFollowers: %v", err)
	}
	run, _ := mem.GetIngestRun(ctx, models.IngestUserFollowers, runID)
	if run.CursorExhausted {
		t.Errorf("incremental stop must leave cursor_exhausted=false")
	}

	followers, _ := mem.ActiveFollowerIDs(ctx, 10)
	if len(followers) != 2 {
		t.Errorf("followers = %v, deep page should not have been fetched", followers)
	}
}

func TestSyncFollowers_LockedTargetConflicts(t *testing.T) {
	mem := memstore.New()
	ctx := context.Background()
	release, ok, _ := mem.TryAdvisoryLock(ctx, store.LockKeyIngest(models.IngestUserFollowers, 10))
	if !ok {
		t.Fatal("pre-acquire failed")
	}
	defer release()

	svc := New(mem, &scriptedClient{}, Config{})
	if _, err := svc.SyncFollowers(ctx, 10, models.SyncFullRefresh); !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestSyncPosts_WindowShiftAndSyncedSince(t *testing.T) {
	mem := memstore.New()
	ctx := context.Background()
	seedUser(t, mem, 40, "writer")

	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	client := &scriptedClient{}
	client.postPages = func(query, cursor string) (*upstream.PostsPage, error) {
		if !strings.Contains(query, "until:") {
			// First window: truncated by the provider's result cap.
			return &upstream.PostsPage{
				Posts: []upstream.PostItem{
					{ID: 1001, AuthorID: 40, AuthorHandle: "writer", PostedAt: base},
				},
				WindowLimited: true,
			}, nil
		}
		return &upstream.PostsPage{
			Posts: []upstream.PostItem{
				{ID: 1000, AuthorID: 40, AuthorHandle: "writer", PostedAt: base.Add(-time.Hour)},
			},
		}, nil
	}
	svc := New(mem, client, Config{})

	res, err := svc.SyncPosts(ctx, []int64{40}, nil)
	if err != nil {
		t.Fatalf("SyncPosts: %v", err)
	}
	runID := res.RunIDs[40]
	run, err := mem.GetIngestRun(ctx, models.IngestUsersPosts, runID)
	if err != nil {
		t.Fatalf("GetIngestRun: %v", err)
	}
	if run.Status != models.StatusSuccess || !run.CursorExhausted {
		t.Errorf("run = status %s exhausted %v, want success exhausted", run.Status, run.CursorExhausted)
	}
	if run.SyncedSince == nil || !run.SyncedSince.Equal(base.Add(-time.Hour)) {
		t.Errorf("synced_since = %v, want oldest post time", run.SyncedSince)
	}

	// The second window carried the shifted until bound.
	if len(client.postCalls) != 2 || !strings.Contains(client.postCalls[1], "until:2024-06-01_09:59:59_UTC") {
		t.Errorf("post calls = %v", client.postCalls)
	}

	posts, _ := mem.ActivePostIDsByAuthors(ctx, []int64{40})
	if len(posts) != 2 {
		t.Errorf("posts = %v, want both windows persisted", posts)
	}
}

func TestSyncPosts_WindowBudgetLeavesCursorUnexhausted(t *testing.T) {
	mem := memstore.New()
	ctx := context.Background()
	seedUser(t, mem, 40, "writer")

	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	calls := 0
	client := &scriptedClient{}
	client.postPages = func(query, cursor string) (*upstream.PostsPage, error) {
		calls++
		return &upstream.PostsPage{
			Posts: []upstream.PostItem{
				{ID: int64(2000 + calls), AuthorID: 40, AuthorHandle: "writer", PostedAt: ts.Add(-time.Duration(calls) * time.Hour)},
			},
			WindowLimited: true,
		}, nil
	}
	svc := New(mem, client, Config{MaxSearchWindows: 2})

	res, err := svc.SyncPosts(ctx, []int64{40}, nil)
	if err != nil {
		t.Fatalf("SyncPosts: %v", err)
	}
	run, _ := mem.GetIngestRun(ctx, models.IngestUsersPosts, res.RunIDs[40])
	if run.Status != models.StatusSuccess {
		t.Fatalf("run status = %s", run.Status)
	}
	if run.CursorExhausted {
		t.Errorf("spent window budget must leave cursor_exhausted=false")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want window budget of 2", calls)
	}
}

func TestSyncPosts_OversizedHandleFailsItsRun(t *testing.T) {
	mem := memstore.New()
	ctx := context.Background()
	seedUser(t, mem, 50, strings.Repeat("verylonghandle", 40))

	svc := New(mem, &scriptedClient{postPages: func(string, string) (*upstream.PostsPage, error) {
		return &upstream.PostsPage{}, nil
	}}, Config{MaxQueryLength: 64})

	res, err := svc.SyncPosts(ctx, []int64{50}, nil)
	if err != nil {
		t.Fatalf("SyncPosts: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0] != 50 {
		t.Fatalf("failed = %v, want [50]", res.Failed)
	}
	run, _ := mem.GetIngestRun(ctx, models.IngestUsersPosts, res.RunIDs[50])
	if run.Status != models.StatusError || run.LastAPIError == nil {
		t.Errorf("run = %+v, want error with message", run)
	}
}

func TestSyncPosts_RequestedByTagsRuns(t *testing.T) {
	mem := memstore.New()
	ctx := context.Background()
	seedUser(t, mem, 60, "author")

	client := &scriptedClient{postPages: func(string, string) (*upstream.PostsPage, error) {
		return &upstream.PostsPage{}, nil
	}}
	svc := New(mem, client, Config{})

	requester := int64(77)
	res, err := svc.SyncPosts(ctx, []int64{60}, &requester)
	if err != nil {
		t.Fatalf("SyncPosts: %v", err)
	}
	run, _ := mem.GetIngestRun(ctx, models.IngestUsersPosts, res.RunIDs[60])
	if run.RequestedByID == nil || *run.RequestedByID != 77 {
		t.Errorf("requested_by = %v, want 77", run.RequestedByID)
	}
}

func TestRecordWebhookFollow(t *testing.T) {
	mem := memstore.New()
	ctx := context.Background()

	client := &scriptedClient{users: map[int64]upstream.UserProfile{
		900: {ID: 900, Handle: "newfan"},
	}}
	svc := New(mem, client, Config{SelfUserID: 1})

	runID, err := svc.RecordWebhookFollow(ctx, "newfan")
	if err != nil {
		t.Fatalf("RecordWebhookFollow: %v", err)
	}
	run, err := mem.GetIngestRun(ctx, models.IngestWebhookFollow, runID)
	if err != nil {
		t.Fatalf("GetIngestRun: %v", err)
	}
	if run.Status != models.StatusSuccess {
		t.Errorf("run status = %s", run.Status)
	}

	followers, _ := mem.ActiveFollowerIDs(ctx, 1)
	if len(followers) != 1 || followers[0] != 900 {
		t.Errorf("followers of self = %v, want [900]", followers)
	}
}

func TestUpsertUser_TombstoneAndRevive(t *testing.T) {
	mem := memstore.New()
	ctx := context.Background()

	handle := "gone"
	if err := mem.UpsertUser(ctx, store.UserUpsert{ID: 5, Handle: &handle}); err != nil {
		t.Fatal(err)
	}
	if err := mem.UpsertUser(ctx, store.UserUpsert{ID: 5, IsDeleted: true}); err != nil {
		t.Fatal(err)
	}
	u, err := mem.GetUser(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !u.IsDeleted {
		t.Errorf("user should be tombstoned")
	}

	// An ingest re-observation (zero-value flag) revives the row.
	if err := mem.UpsertUser(ctx, store.UserUpsert{ID: 5, Handle: &handle}); err != nil {
		t.Fatal(err)
	}
	u, _ = mem.GetUser(ctx, 5)
	if u.IsDeleted {
		t.Errorf("re-observed user should be revived")
	}
}

func TestUpsertUser_HandleTheft(t *testing.T) {
	mem := memstore.New()
	ctx := context.Background()

	alice := "alice"
	if err := mem.UpsertUser(ctx, store.UserUpsert{ID: 1, Handle: &alice}); err != nil {
		t.Fatal(err)
	}
	// User 2 takes the handle.
	if err := mem.UpsertUser(ctx, store.UserUpsert{ID: 2, Handle: &alice}); err != nil {
		t.Fatal(err)
	}

	u1, _ := mem.GetUser(ctx, 1)
	if u1.Handle != nil {
		t.Errorf("user 1 should have lost the handle, has %q", *u1.Handle)
	}
	u2, _ := mem.GetUser(ctx, 2)
	if u2.Handle == nil || *u2.Handle != "alice" {
		t.Errorf("user 2 should hold the handle")
	}

	var theft, gain bool
	for _, h := range mem.HandleHistory() {
		if h.UserID == 1 && h.OldHandle == "alice" && h.NewHandle == "" {
			theft = true
		}
		if h.UserID == 2 && h.NewHandle == "alice" {
			gain = true
		}
	}
	if !theft || !gain {
		t.Errorf("history rows missing: theft=%v gain=%v (%+v)", theft, gain, mem.HandleHistory())
	}
}
