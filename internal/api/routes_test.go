package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/rawgraph/asset-engine/internal/ingest"
	"github.com/rawgraph/asset-engine/internal/store/memstore"
	"github.com/rawgraph/asset-engine/internal/upstream"
	"github.com/rawgraph/asset-engine/pkg/models"
)

type stubClient struct {
	profiles map[string]upstream.UserProfile
}

func (c *stubClient) FetchUserProfileByHandle(_ context.Context, handle string) (*upstream.UserProfile, error) {
	if p, ok := c.profiles[handle]; ok {
		cp := p
		return &cp, nil
	}
	return nil, &upstream.RequestError{Status: 404, Body: "no such user"}
}

func (c *stubClient) FetchUsersByIDs(context.Context, []int64) ([]upstream.UserProfile, error) {
	return nil, nil
}

func (c *stubClient) FetchFollowersPage(context.Context, string, string) (*upstream.FollowPage, error) {
	return &upstream.FollowPage{}, nil
}

func (c *stubClient) FetchFollowingsPage(context.Context, string, string) (*upstream.FollowPage, error) {
	return &upstream.FollowPage{}, nil
}

func (c *stubClient) FetchPostsPage(context.Context, string, string) (*upstream.PostsPage, error) {
	return &upstream.PostsPage{}, nil
}

func (c *stubClient) FetchPostsByIDs(context.Context, []int64) ([]upstream.PostItem, error) {
	return nil, nil
}

func (c *stubClient) LastSnapshot() upstream.Snapshot { return upstream.Snapshot{} }

func newTestRouter(t *testing.T, cfg Config) (*gin.Engine, *memstore.Mem) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mem := memstore.New()
	client := &stubClient{profiles: map[string]upstream.UserProfile{
		"newfan": {ID: 900, Handle: "newfan"},
	}}
	ing := ingest.New(mem, client, ingest.Config{SelfUserID: 1})
	return SetupRouter(mem, ing, nil, NewHub(), cfg), mem
}

func doRequest(r *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetIngestRun(t *testing.T) {
	r, mem := newTestRouter(t, Config{})
	ctx := context.Background()

	runID, err := mem.CreateIngestRun(ctx, models.IngestUserFollowers, 42, models.SyncFullRefresh, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.CompleteIngestRun(ctx, runID, true, nil); err != nil {
		t.Fatal(err)
	}

	w := doRequest(r, "GET", "/v1/ingest/followers/1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	// 64-bit ids travel as decimal strings.
	if body["id"] != "1" || body["targetUserId"] != "42" {
		t.Errorf("ids = %v / %v, want strings", body["id"], body["targetUserId"])
	}
	if body["status"] != "success" || body["cursorExhausted"] != true {
		t.Errorf("unexpected run view: %v", body)
	}

	if w := doRequest(r, "GET", "/v1/ingest/followers/99", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", w.Code)
	}
	if w := doRequest(r, "GET", "/v1/ingest/bogus/1", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown kind status = %d, want 404", w.Code)
	}
	if w := doRequest(r, "GET", "/v1/ingest/followers/abc", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", w.Code)
	}
}

func TestGetMaterializationNotFound(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	if w := doRequest(r, "GET", "/v1/materializations/5", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAuthProtectsReads(t *testing.T) {
	r, _ := newTestRouter(t, Config{AuthToken: "sekrit"})

	if w := doRequest(r, "GET", "/v1/roots", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no auth status = %d, want 401", w.Code)
	}
	if w := doRequest(r, "GET", "/v1/roots", "", map[string]string{"Authorization": "Bearer wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", w.Code)
	}
	if w := doRequest(r, "GET", "/v1/roots", "", map[string]string{"Authorization": "Bearer sekrit"}); w.Code != http.StatusOK {
		t.Errorf("good token status = %d, want 200", w.Code)
	}

	// Health stays public.
	if w := doRequest(r, "GET", "/v1/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}

func TestWebhookFollow(t *testing.T) {
	r, mem := newTestRouter(t, Config{WebhookToken: "hook"})
	headers := map[string]string{"Content-Type": "application/json"}

	if w := doRequest(r, "POST", "/v1/webhooks/ifttt/new-follow?token=wrong",
		`{"LinkToProfile":"https://twitter.com/newfan"}`, headers); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", w.Code)
	}
	if w := doRequest(r, "POST", "/v1/webhooks/ifttt/new-follow?token=hook",
		`{not json`, headers); w.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", w.Code)
	}
	if w := doRequest(r, "POST", "/v1/webhooks/ifttt/new-follow?token=hook",
		`{"LinkToProfile":""}`, headers); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty link status = %d, want 422", w.Code)
	}
	if w := doRequest(r, "POST", "/v1/webhooks/ifttt/new-follow?token=hook",
		`{"LinkToProfile":"https://twitter.com/ghost"}`, headers); w.Code != http.StatusNotFound {
		t.Errorf("unknown profile status = %d, want 404", w.Code)
	}

	w := doRequest(r, "POST", "/v1/webhooks/ifttt/new-follow?token=hook",
		`{"LinkToProfile":"https://twitter.com/newfan"}`, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	followers, _ := mem.ActiveFollowerIDs(context.Background(), 1)
	if len(followers) != 1 || followers[0] != 900 {
		t.Errorf("followers of self = %v, want [900]", followers)
	}
}

func TestPublicRateLimit(t *testing.T) {
	r, _ := newTestRouter(t, Config{WebhookToken: "hook", PublicRatePerMin: 1, PublicRateBurst: 1})
	headers := map[string]string{"Content-Type": "application/json"}

	// The budget is spent before the token check, so even rejected calls
	// count against it.
	if w := doRequest(r, "POST", "/v1/webhooks/ifttt/new-follow?token=wrong",
		`{"LinkToProfile":"@x"}`, headers); w.Code != http.StatusUnauthorized {
		t.Fatalf("first call status = %d, want 401", w.Code)
	}
	w := doRequest(r, "POST", "/v1/webhooks/ifttt/new-follow?token=wrong",
		`{"LinkToProfile":"@x"}`, headers)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second call status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Errorf("429 response should carry Retry-After")
	}

	// Authenticated reads stay outside the public budget.
	if w := doRequest(r, "GET", "/v1/roots", "", nil); w.Code != http.StatusOK {
		t.Errorf("read status = %d, want 200", w.Code)
	}
}

func TestHandleFromProfileLink(t *testing.T) {
	cases := []struct {
		link string
		want string
		ok   bool
	}{
		{"https://twitter.com/somebody", "somebody", true},
		{"https://x.com/a/b/c", "c", true},
		{"@handle", "handle", true},
		{"https://twitter.com/@handle", "handle", true},
		{"", "", false},
		{"https://twitter.com/", "", false},
		{"@", "", false},
	}
	for _, tc := range cases {
		got, err := handleFromProfileLink(tc.link)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("handleFromProfileLink(%q) = %q, %v; want %q", tc.link, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("handleFromProfileLink(%q) should fail", tc.link)
		}
	}
}
