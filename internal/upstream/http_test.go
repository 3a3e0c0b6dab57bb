package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(Config{BaseURL: srv.URL, APIKey: "secret-key", BodyMaxBytes: 1024}), srv
}

func TestHTTPClient_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		header http.Header
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "429 maps to RateLimitError with Retry-After",
			status: http.StatusTooManyRequests,
			header: http.Header{"Retry-After": {"17"}},
			check: func(t *testing.T, err error) {
				var rl *RateLimitError
				if !errors.As(err, &rl) {
					t.Fatalf("want RateLimitError, got %v", err)
				}
				if rl.RetryAfterSeconds != 17 {
					t.Errorf("retry after = %d, want 17", rl.RetryAfterSeconds)
				}
			},
		},
		{
			name:   "500 maps to UnexpectedResponseError",
			status: http.StatusInternalServerError,
			body:   "boom",
			check: func(t *testing.T, err error) {
				var ue *UnexpectedResponseError
				if !errors.As(err, &ue) {
					t.Fatalf("want UnexpectedResponseError, got %v", err)
				}
			},
		},
		{
			name:   "404 maps to RequestError",
			status: http.StatusNotFound,
			body:   "no such user",
			check: func(t *testing.T, err error) {
				var re *RequestError
				if !errors.As(err, &re) {
					t.Fatalf("want RequestError, got %v", err)
				}
				if re.Status != 404 {
					t.Errorf("status = %d, want 404", re.Status)
				}
			},
		},
		{
			name:   "invalid JSON maps to UnexpectedResponseError",
			status: http.StatusOK,
			body:   "<html>not json</html>",
			check: func(t *testing.T, err error) {
				var ue *UnexpectedResponseError
				if !errors.As(err, &ue) {
					t.Fatalf("want UnexpectedResponseError, got %v", err)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, vals := range tc.header {
					for _, v := range vals {
						w.Header().Set(k, v)
					}
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := client.FetchUserProfileByHandle(context.Background(), "alice")
			if err == nil {
				t.Fatalf("expected error")
			}
			tc.check(t, err)
		})
	}
}

func TestHTTPClient_TransportError(t *testing.T) {
	client := NewHTTPClient(Config{BaseURL: "http://127.0.0.1:1", APIKey: "k"})
	_, err := client.FetchUserProfileByHandle(context.Background(), "alice")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("want TransportError, got %v", err)
	}
}

func TestHTTPClient_SnapshotRedactsAuth(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret-key" {
			t.Errorf("auth header missing from actual request")
		}
		_, _ = w.Write([]byte(`{"data":{"id":"7","userName":"alice"}}`))
	})

	profile, err := client.FetchUserProfileByHandle(context.Background(), "alice")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if profile.ID != 7 || profile.Handle != "alice" {
		t.Errorf("profile = %+v", profile)
	}

	snap := client.LastSnapshot()
	if strings.Contains(string(snap.Request), "secret-key") {
		t.Errorf("snapshot leaked the API key: %s", snap.Request)
	}
	if !strings.Contains(string(snap.Request), "[REDACTED]") {
		t.Errorf("snapshot missing redaction marker: %s", snap.Request)
	}
	if snap.Status != 200 {
		t.Errorf("snapshot status = %d", snap.Status)
	}
}

func TestHTTPClient_SnapshotBodyCapped(t *testing.T) {
	big := strings.Repeat("x", 4096)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(big))
	})

	_, err := client.FetchUserProfileByHandle(context.Background(), "alice")
	if err == nil {
		t.Fatalf("expected error")
	}
	if snap := client.LastSnapshot(); len(snap.Response) > 1024 {
		t.Errorf("snapshot body %d bytes, want <= 1024", len(snap.Response))
	}
}

func TestHTTPClient_BatchLimits(t *testing.T) {
	client := NewHTTPClient(Config{BaseURL: "http://unused", UsersByIDsMax: 2})
	ids := []int64{1, 2, 3}
	_, err := client.FetchUsersByIDs(context.Background(), ids)
	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("want RequestError for oversized batch, got %v", err)
	}
}
