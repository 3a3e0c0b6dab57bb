package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rawgraph/asset-engine/internal/ratelimit"
)

// Config holds the provider connection settings.
type Config struct {
	BaseURL        string
	APIKey         string
	BodyMaxBytes   int // snapshot cap; 0 means 64 KiB
	RequestTimeout time.Duration
	UsersByIDsMax  int
	PostsByIDsMax  int
}

const defaultBodyMaxBytes = 64 * 1024

// HTTPClient talks JSON over GET to the provider. All calls are gated by
// the process-global rate limiter and record a redacted snapshot of the
// last exchange.
type HTTPClient struct {
	cfg    Config
	client *http.Client

	mu   sync.Mutex
	last Snapshot
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.BodyMaxBytes <= 0 {
		cfg.BodyMaxBytes = defaultBodyMaxBytes
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) LastSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// get performs one rate-gated GET and decodes the JSON body into out.
func (c *HTTPClient) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := ratelimit.Wait(ctx); err != nil {
		return &TransportError{Err: err}
	}

	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &TransportError{Err: err}
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.record(req, nil, 0)
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.cfg.BodyMaxBytes)+1))
	if err != nil {
		c.record(req, nil, resp.StatusCode)
		return &TransportError{Err: err}
	}
	c.record(req, body, resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 0
		if v := resp.Header.Get("Retry-After"); v != "" {
			retryAfter, _ = strconv.Atoi(v)
		}
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	case resp.StatusCode >= 500:
		return &UnexpectedResponseError{Status: resp.StatusCode, Detail: snippet(body)}
	case resp.StatusCode >= 400:
		return &RequestError{Status: resp.StatusCode, Body: snippet(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &UnexpectedResponseError{Status: resp.StatusCode, Detail: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}

// record captures a redacted request line plus capped response body.
func (c *HTTPClient) record(req *http.Request, body []byte, status int) {
	redacted := req.Clone(context.Background())
	redacted.Header.Set("X-API-Key", "[REDACTED]")

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", redacted.Method, redacted.URL.String())
	for k, vals := range redacted.Header {
		for _, v := range vals {
			fmt.Fprintf(&sb, "%s: %s\n", k, v)
		}
	}

	if len(body) > c.cfg.BodyMaxBytes {
		body = body[:c.cfg.BodyMaxBytes]
	}

	c.mu.Lock()
	c.last = Snapshot{Request: []byte(sb.String()), Response: body, Status: status}
	c.mu.Unlock()
}

func snippet(body []byte) string {
	const max = 256
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}

// Provider wire DTOs. IDs arrive as decimal strings.

type wireUser struct {
	ID     string `json:"id"`
	Handle string `json:"userName"`
}

func (w wireUser) profile() (UserProfile, error) {
	id, err := strconv.ParseInt(w.ID, 10, 64)
	if err != nil {
		return UserProfile{}, fmt.Errorf("bad user id %q: %w", w.ID, err)
	}
	return UserProfile{ID: id, Handle: w.Handle}, nil
}

type wirePost struct {
	ID        string          `json:"id"`
	CreatedAt string          `json:"createdAt"`
	Text      string          `json:"text"`
	Lang      string          `json:"lang"`
	Author    wireUser        `json:"author"`
	Raw       json.RawMessage `json:"-"`
}

func (c *HTTPClient) FetchUserProfileByHandle(ctx context.Context, handle string) (*UserProfile, error) {
	var payload struct {
		Data wireUser `json:"data"`
	}
	params := url.Values{"userName": {handle}}
	if err := c.get(ctx, "/twitter/user/info", params, &payload); err != nil {
		return nil, err
	}
	p, err := payload.Data.profile()
	if err != nil {
		return nil, &UnexpectedResponseError{Status: 200, Detail: err.Error()}
	}
	return &p, nil
}

func (c *HTTPClient) FetchUsersByIDs(ctx context.Context, ids []int64) ([]UserProfile, error) {
	if max := c.cfg.UsersByIDsMax; max > 0 && len(ids) > max {
		return nil, &RequestError{Status: 0, Body: fmt.Sprintf("users batch of %d exceeds limit %d", len(ids), max)}
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = strconv.FormatInt(id, 10)
	}
	var payload struct {
		Users []wireUser `json:"users"`
	}
	params := url.Values{"userIds": {strings.Join(strIDs, ",")}}
	if err := c.get(ctx, "/twitter/user/batch_info_by_ids", params, &payload); err != nil {
		return nil, err
	}
	out := make([]UserProfile, 0, len(payload.Users))
	for _, w := range payload.Users {
		p, err := w.profile()
		if err != nil {
			return nil, &UnexpectedResponseError{Status: 200, Detail: err.Error()}
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *HTTPClient) FetchFollowersPage(ctx context.Context, handle string, cursor string) (*FollowPage, error) {
	return c.fetchFollowPage(ctx, "/twitter/user/followers", handle, cursor)
}

func (c *HTTPClient) FetchFollowingsPage(ctx context.Context, handle string, cursor string) (*FollowPage, error) {
	return c.fetchFollowPage(ctx, "/twitter/user/followings", handle, cursor)
}

func (c *HTTPClient) fetchFollowPage(ctx context.Context, path, handle, cursor string) (*FollowPage, error) {
	var payload struct {
		Users      []wireUser `json:"users"`
		NextCursor string     `json:"next_cursor"`
		HasNext    bool       `json:"has_next_page"`
	}
	params := url.Values{"userName": {handle}}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if err := c.get(ctx, path, params, &payload); err != nil {
		return nil, err
	}
	page := &FollowPage{NextCursor: payload.NextCursor, HasNext: payload.HasNext}
	for _, w := range payload.Users {
		p, err := w.profile()
		if err != nil {
			return nil, &UnexpectedResponseError{Status: 200, Detail: err.Error()}
		}
		page.Users = append(page.Users, p)
	}
	return page, nil
}

func (c *HTTPClient) FetchPostsPage(ctx context.Context, query string, cursor string) (*PostsPage, error) {
	var payload struct {
		Tweets        []json.RawMessage `json:"tweets"`
		NextCursor    string            `json:"next_cursor"`
		HasNext       bool              `json:"has_next_page"`
		WindowLimited bool              `json:"window_limited"`
	}
	params := url.Values{"query": {query}, "queryType": {"Latest"}}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if err := c.get(ctx, "/twitter/tweet/advanced_search", params, &payload); err != nil {
		return nil, err
	}

	// The provider caps advanced search at 1000 results per window and
	// flags truncation; the sync service shifts `until` and continues.
	page := &PostsPage{
		NextCursor:    payload.NextCursor,
		HasNext:       payload.HasNext,
		WindowLimited: payload.WindowLimited,
	}
	for _, raw := range payload.Tweets {
		item, err := decodePost(raw)
		if err != nil {
			return nil, &UnexpectedResponseError{Status: 200, Detail: err.Error()}
		}
		page.Posts = append(page.Posts, item)
	}
	return page, nil
}

func (c *HTTPClient) FetchPostsByIDs(ctx context.Context, ids []int64) ([]PostItem, error) {
	if max := c.cfg.PostsByIDsMax; max > 0 && len(ids) > max {
		return nil, &RequestError{Status: 0, Body: fmt.Sprintf("posts batch of %d exceeds limit %d", len(ids), max)}
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = strconv.FormatInt(id, 10)
	}
	var payload struct {
		Tweets []json.RawMessage `json:"tweets"`
	}
	params := url.Values{"tweet_ids": {strings.Join(strIDs, ",")}}
	if err := c.get(ctx, "/twitter/tweets", params, &payload); err != nil {
		return nil, err
	}
	out := make([]PostItem, 0, len(payload.Tweets))
	for _, raw := range payload.Tweets {
		item, err := decodePost(raw)
		if err != nil {
			return nil, &UnexpectedResponseError{Status: 200, Detail: err.Error()}
		}
		out = append(out, item)
	}
	return out, nil
}

func decodePost(raw json.RawMessage) (PostItem, error) {
	var w wirePost
	if err := json.Unmarshal(raw, &w); err != nil {
		return PostItem{}, fmt.Errorf("bad tweet payload: %w", err)
	}
	id, err := strconv.ParseInt(w.ID, 10, 64)
	if err != nil {
		return PostItem{}, fmt.Errorf("bad tweet id %q: %w", w.ID, err)
	}
	author, err := w.Author.profile()
	if err != nil {
		return PostItem{}, err
	}
	postedAt, err := time.Parse(time.RubyDate, w.CreatedAt)
	if err != nil {
		// Some endpoints emit RFC3339 instead of the legacy format.
		postedAt, err = time.Parse(time.RFC3339, w.CreatedAt)
		if err != nil {
			return PostItem{}, fmt.Errorf("bad tweet createdAt %q", w.CreatedAt)
		}
	}
	return PostItem{
		ID:           id,
		AuthorID:     author.ID,
		AuthorHandle: author.Handle,
		PostedAt:     postedAt,
		Text:         w.Text,
		Lang:         w.Lang,
		Raw:          raw,
	}, nil
}
