// Package upstream is the capability interface to the social-graph
// provider. The engine never touches the wire format directly; ingest
// services consume these typed pages and the recorded snapshots.
package upstream

import (
	"context"
	"encoding/json"
	"time"
)

// UserProfile is one provider account.
type UserProfile struct {
	ID     int64
	Handle string
}

// FollowPage is one page of a followers or followings listing.
type FollowPage struct {
	Users      []UserProfile
	NextCursor string
	HasNext    bool
}

// PostItem is one provider post with its raw payload retained.
type PostItem struct {
	ID           int64
	AuthorID     int64
	AuthorHandle string
	PostedAt     time.Time
	Text         string
	Lang         string
	Raw          json.RawMessage
}

// PostsPage is one page of a post search. WindowLimited reports that the
// provider truncated the result window (at 1000 results) rather than
// exhausting the query; the caller must shift the window and continue.
type PostsPage struct {
	Posts         []PostItem
	NextCursor    string
	HasNext       bool
	WindowLimited bool
}

// Snapshot captures the last HTTP exchange for ingest-run metadata.
// Auth material is redacted before capture; bodies are capped by the
// configured retention limit.
type Snapshot struct {
	Request  []byte
	Response []byte
	Status   int
}

// Client is the provider capability surface. Every call waits on the
// process-global rate gate before touching the network.
type Client interface {
	FetchUserProfileByHandle(ctx context.Context, handle string) (*UserProfile, error)
	FetchUsersByIDs(ctx context.Context, ids []int64) ([]UserProfile, error)
	FetchFollowersPage(ctx context.Context, handle string, cursor string) (*FollowPage, error)
	FetchFollowingsPage(ctx context.Context, handle string, cursor string) (*FollowPage, error)
	// FetchPostsPage runs an advanced search query, optionally bounded
	// with an `until` timestamp baked into the query string.
	FetchPostsPage(ctx context.Context, query string, cursor string) (*PostsPage, error)
	FetchPostsByIDs(ctx context.Context, ids []int64) ([]PostItem, error)
	// LastSnapshot returns the most recent request/response capture.
	LastSnapshot() Snapshot
}
