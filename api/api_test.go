package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/civicsite/commentview/api/validator"
	"github.com/civicsite/commentview/comment"
	"github.com/google/uuid"
	"github.com/neilotoole/slogt"
)

const visitor = "0b5c1d4e-9a3f-4c55-8e0b-0f1e2d3c4b5a"

var (
	day1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	day4 = time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
)

func newTestAPI(t *testing.T, src *testsource) *API {
	t.Helper()
	if src == nil {
		src = &testsource{}
	}
	src.T = t
	return &API{
		Logger:   slogt.New(t),
		Source:   src,
		Profiles: comment.NewMemoryProfiles(),
		Val:      validator.New(),
		Metrics:  NewMetrics(),
		Now:      func() time.Time { return day4 },
	}
}

func do(t *testing.T, srv *httptest.Server, method, path, body string, headers ...string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	req.Header.Set(HeaderVisitorID, visitor)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAPI_listComments(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		list       func(t *testing.T, k comment.Key) ([]comment.Comment, error)
		wantStatus int
		wantBody   string
	}{
		{
			name: "Empty",
			path: "/news/7/comments",
			list: func(t *testing.T, k comment.Key) ([]comment.Comment, error) {
				if k != (comment.Key{Type: comment.News, ItemID: 7}) {
					t.Errorf("Got key %v", k)
				}
				return nil, nil
			},
			wantStatus: 200,
			wantBody: `{
				"type": "news",
				"item_id": 7,
				"sort": "newest",
				"comments": []
			}`,
		},
		{
			name: "ApprovedOnly",
			path: "/projects/7/comments?sort=top",
			list: func(t *testing.T, k comment.Key) ([]comment.Comment, error) {
				return []comment.Comment{
					{ID: 1, Content: "Hello", IsApproved: true, CreatedAt: day1, Author: &comment.Author{ID: 2, Name: "Ann"}},
					{ID: 2, Content: "Spam", IsApproved: false, CreatedAt: day2},
					{ID: 3, Content: "Hi", IsApproved: true, CreatedAt: day2, GuestName: "Bob", Likes: 99},
				}, nil
			},
			wantStatus: 200,
			wantBody: `{
				"type": "projects",
				"item_id": 7,
				"sort": "top",
				"comments": [
					{
						"id": 1,
						"content": "Hello",
						"author": "Ann",
						"created_at": "2024-01-01T00:00:00Z",
						"likes": 0,
						"dislikes": 0,
						"reaction": null,
						"replies": []
					},
					{
						"id": 3,
						"content": "Hi",
						"author": "Bob",
						"created_at": "2024-01-02T00:00:00Z",
						"likes": 0,
						"dislikes": 0,
						"reaction": null,
						"replies": []
					}
				]
			}`,
		},
		{
			name: "SourceError",
			path: "/news/7/comments",
			list: func(t *testing.T, k comment.Key) ([]comment.Comment, error) {
				return nil, errors.New("connection refused")
			},
			wantStatus: 502,
			wantBody: `{
				"error": "Failed to load comments. Please try again later."
			}`,
		},
		{
			name: "NotAvailable",
			path: "/news/7/comments",
			list: func(t *testing.T, k comment.Key) ([]comment.Comment, error) {
				return nil, &comment.RemoteError{Status: 404, Message: "Not Found"}
			},
			wantStatus: 404,
			wantBody: `{
				"error": "Comments are not available for this content."
			}`,
		},
		{
			name: "Unauthorized",
			path: "/resources/7/comments",
			list: func(t *testing.T, k comment.Key) ([]comment.Comment, error) {
				return nil, &comment.RemoteError{Status: 401, Message: "Unauthenticated."}
			},
			wantStatus: 200,
			wantBody: `{
				"type": "resources",
				"item_id": 7,
				"sort": "newest",
				"comments": []
			}`,
		},
		{
			name:       "InvalidItem",
			path:       "/news/abc/comments",
			wantStatus: 400,
			wantBody: `{
				"error": "Invalid content ID"
			}`,
		},
		{
			name:       "UnknownType",
			path:       "/blog/7/comments",
			wantStatus: 400,
			wantBody: `{
				"error": "Invalid content type \"blog\""
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &testsource{list: tt.list}
			srv := httptest.NewServer(newTestAPI(t, src))
			defer srv.Close()

			resp := do(t, srv, "GET", tt.path, "")
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
			src.mu.Lock()
			defer src.mu.Unlock()
			if tt.list == nil && src.listed != 0 {
				t.Errorf("Source was called %d times", src.listed)
			}
		})
	}
}

func TestAPI_createComment(t *testing.T) {
	tests := []struct {
		name        string
		req         string
		headers     []string
		create      func(t *testing.T, k comment.Key, c comment.NewComment) (comment.Comment, error)
		wantStatus  int
		wantBody    string
		containsLog string
	}{
		{
			name:       "InvalidJSON",
			req:        `not json`,
			wantStatus: 400,
			wantBody: `{
				"error": "Could not decode request body"
			}`,
		},
		{
			name:       "GuestWithoutName",
			req:        `{"content": "Great work", "guest_name": ""}`,
			wantStatus: 400,
			wantBody: `{
				"error": "Name field is required"
			}`,
		},
		{
			name:       "TooLong",
			req:        `{"content": "hi", "guest_name": "` + strings.Repeat("a", 101) + `"}`,
			wantStatus: 400,
			wantBody: `{
				"errors": [
					{"field": "guest_name", "message": "The guest_name field may not be greater than 100 characters."}
				]
			}`,
		},
		{
			name: "RemoteValidation",
			req:  `{"content": "x", "guest_name": "Ann"}`,
			create: func(t *testing.T, k comment.Key, c comment.NewComment) (comment.Comment, error) {
				return comment.Comment{}, &comment.RemoteError{
					Status:  422,
					Message: "The given data was invalid.",
					Fields: map[string][]string{
						"content":    {"The content must be at least 3 characters."},
						"guest_name": {"Bad name."},
					},
				}
			},
			wantStatus: 422,
			wantBody: `{
				"error": "The content must be at least 3 characters."
			}`,
			containsLog: "Could not post comment",
		},
		{
			name: "Guest",
			req:  `{"content": "Great work", "guest_name": "Ann"}`,
			create: func(t *testing.T, k comment.Key, c comment.NewComment) (comment.Comment, error) {
				if c.Content != "Great work" || c.GuestName != "Ann" {
					t.Errorf("Got %+v", c)
				}
				return comment.Comment{ID: 5, Content: c.Content}, nil
			},
			wantStatus: 201,
			wantBody: `{
				"type": "news",
				"item_id": 7,
				"sort": "newest",
				"comments": []
			}`,
			containsLog: "Posted comment",
		},
		{
			name:    "Authenticated",
			req:     `{"content": "Great work"}`,
			headers: []string{HeaderUserID, "3", HeaderUserName, "Editor", "Authorization", "Bearer abc"},
			create: func(t *testing.T, k comment.Key, c comment.NewComment) (comment.Comment, error) {
				if c.GuestName != "" {
					t.Errorf("Got guest name %q", c.GuestName)
				}
				return comment.Comment{ID: 5}, nil
			},
			wantStatus: 201,
			wantBody: `{
				"type": "news",
				"item_id": 7,
				"sort": "newest",
				"comments": []
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			src := &testsource{
				list:   func(*testing.T, comment.Key) ([]comment.Comment, error) { return nil, nil },
				create: tt.create,
			}
			api := newTestAPI(t, src)
			api.Logger = slog.New(slog.NewTextHandler(buf, nil))

			srv := httptest.NewServer(api)
			defer srv.Close()

			resp := do(t, srv, "POST", "/news/7/comments", tt.req, tt.headers...)
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
			checkLog(t, buf, tt.containsLog)
		})
	}
}

func TestAPI_createReply(t *testing.T) {
	src := &testsource{list: func(*testing.T, comment.Key) ([]comment.Comment, error) {
		return []comment.Comment{{ID: 42, Content: "Hello", IsApproved: true, CreatedAt: day1, GuestName: "Ann"}}, nil
	}}
	srv := httptest.NewServer(newTestAPI(t, src))
	defer srv.Close()

	resp := do(t, srv, "POST", "/news/7/comments/99/replies", `{"content": "Thanks!"}`)
	checkStatus(t, resp.StatusCode, 404)
	checkBody(t, resp, `{"error": "Comment not found"}`)

	resp = do(t, srv, "POST", "/news/7/comments/42/replies", `{"content": "Thanks!"}`)
	checkStatus(t, resp.StatusCode, 201)
	checkBody(t, resp, `{
		"reply": {
			"id": 1704326400000,
			"content": "Thanks!",
			"author": "Anonymous",
			"created_at": "2024-01-04T00:00:00Z",
			"likes": 0,
			"dislikes": 0,
			"reaction": null,
			"replies": []
		},
		"thread": {
			"type": "news",
			"item_id": 7,
			"sort": "newest",
			"comments": [
				{
					"id": 42,
					"content": "Hello",
					"author": "Ann",
					"created_at": "2024-01-01T00:00:00Z",
					"likes": 0,
					"dislikes": 0,
					"reaction": null,
					"replies": [
						{
							"id": 1704326400000,
							"content": "Thanks!",
							"author": "Anonymous",
							"created_at": "2024-01-04T00:00:00Z",
							"likes": 0,
							"dislikes": 0,
							"reaction": null,
							"replies": []
						}
					]
				}
			]
		}
	}`)

	// The reply lives in the visitor's profile and survives a reload.
	resp = do(t, srv, "GET", "/news/7/comments", "")
	checkStatus(t, resp.StatusCode, 200)
	var th Thread
	if err := json.NewDecoder(resp.Body).Decode(&th); err != nil {
		t.Fatal(err)
	}
	if len(th.Comments) != 1 || len(th.Comments[0].Replies) != 1 {
		t.Errorf("Got %+v, want one reply", th)
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.created != 0 {
		t.Errorf("Reply was posted to the source %d times", src.created)
	}
}

func TestAPI_createReaction(t *testing.T) {
	src := &testsource{list: func(*testing.T, comment.Key) ([]comment.Comment, error) {
		return []comment.Comment{{ID: 42, Content: "Hello", IsApproved: true, CreatedAt: day1, GuestName: "Ann"}}, nil
	}}
	srv := httptest.NewServer(newTestAPI(t, src))
	defer srv.Close()

	steps := []struct {
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			body:       `{"type": "love"}`,
			wantStatus: 400,
			wantBody: `{
				"errors": [
					{"field": "type", "message": "The type field must be one of: like dislike."}
				]
			}`,
		},
		{
			body:       `{"type": "like"}`,
			wantStatus: 200,
			wantBody: `{
				"id": 42, "content": "Hello", "author": "Ann", "created_at": "2024-01-01T00:00:00Z",
				"likes": 1, "dislikes": 0, "reaction": "like", "replies": []
			}`,
		},
		{
			body:       `{"type": "dislike"}`,
			wantStatus: 200,
			wantBody: `{
				"id": 42, "content": "Hello", "author": "Ann", "created_at": "2024-01-01T00:00:00Z",
				"likes": 0, "dislikes": 1, "reaction": "dislike", "replies": []
			}`,
		},
		{
			body:       `{"type": "dislike"}`,
			wantStatus: 200,
			wantBody: `{
				"id": 42, "content": "Hello", "author": "Ann", "created_at": "2024-01-01T00:00:00Z",
				"likes": 0, "dislikes": 0, "reaction": null, "replies": []
			}`,
		},
	}
	for _, s := range steps {
		resp := do(t, srv, "POST", "/news/7/comments/42/reactions", s.body)
		checkStatus(t, resp.StatusCode, s.wantStatus)
		checkBody(t, resp, s.wantBody)
	}

	resp := do(t, srv, "POST", "/news/7/comments/7/reactions", `{"type": "like"}`)
	checkStatus(t, resp.StatusCode, 404)

	resp = do(t, srv, "POST", "/news/7/comments/abc/reactions", `{"type": "like"}`)
	checkStatus(t, resp.StatusCode, 400)

	resp = do(t, srv, "POST", "/news/7/comments/0/reactions", `{"type": "like"}`)
	checkStatus(t, resp.StatusCode, 400)
	checkBody(t, resp, `{"error": "Invalid comment ID"}`)
}

func TestAPI_visitorID(t *testing.T) {
	src := &testsource{list: func(*testing.T, comment.Key) ([]comment.Comment, error) { return nil, nil }}
	srv := httptest.NewServer(newTestAPI(t, src))
	defer srv.Close()

	resp := do(t, srv, "GET", "/news/7/comments", "")
	if got := resp.Header.Get(HeaderVisitorID); got != visitor {
		t.Errorf("Got visitor %q, want %q", got, visitor)
	}

	resp = do(t, srv, "GET", "/news/7/comments", "", HeaderVisitorID, "not-a-uuid")
	issued := resp.Header.Get(HeaderVisitorID)
	if _, err := uuid.Parse(issued); err != nil || issued == visitor {
		t.Errorf("Got issued visitor %q", issued)
	}
}

func TestAPI_visitorIDOnBadRequest(t *testing.T) {
	srv := httptest.NewServer(newTestAPI(t, nil))
	defer srv.Close()

	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "CommentBody", path: "/news/7/comments", body: `{"content": `},
		{name: "ReplyBody", path: "/news/7/comments/42/replies", body: `[]`},
		{name: "ReactionBody", path: "/news/7/comments/42/reactions", body: `{"type": "love"}`},
		{name: "CommentID", path: "/news/7/comments/-1/reactions", body: `{"type": "like"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, srv, "POST", tt.path, tt.body, HeaderVisitorID, "")
			checkStatus(t, resp.StatusCode, 400)
			if _, err := uuid.Parse(resp.Header.Get(HeaderVisitorID)); err != nil {
				t.Errorf("Got visitor header %q", resp.Header.Get(HeaderVisitorID))
			}
		})
	}
}

func TestAPI_metrics(t *testing.T) {
	srv := httptest.NewServer(newTestAPI(t, nil))
	defer srv.Close()

	checkStatus(t, do(t, srv, "GET", "/healthz", "").StatusCode, 200)

	resp := do(t, srv, "GET", "/metrics", "")
	checkStatus(t, resp.StatusCode, 200)
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), `commentview_http_requests_total{code="200",route="GET /healthz"} 1`) {
		t.Errorf("metrics do not count the health check:\n%s", b)
	}
}

type testsource struct {
	T       *testing.T
	list    func(t *testing.T, k comment.Key) ([]comment.Comment, error)
	create  func(t *testing.T, k comment.Key, c comment.NewComment) (comment.Comment, error)

	mu      sync.Mutex
	listed  int
	created int
}

func (s *testsource) List(_ context.Context, k comment.Key) ([]comment.Comment, error) {
	s.mu.Lock()
	s.listed++
	s.mu.Unlock()
	return s.list(s.T, k)
}

func (s *testsource) Create(_ context.Context, k comment.Key, c comment.NewComment) (comment.Comment, error) {
	s.mu.Lock()
	s.created++
	s.mu.Unlock()
	return s.create(s.T, k, c)
}

func checkStatus(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("Got HTTP status %d, want %d", got, want)
	}
}

func checkBody(t *testing.T, resp *http.Response, want string) {
	t.Helper()
	gotBody := normalizeJSON(t, resp.Body)
	wantBody := normalizeJSON(t, bytes.NewReader([]byte(want)))
	if gotBody != wantBody {
		t.Errorf("Body does not match\nGot\n  %s\n\nWant\n  %s", gotBody, wantBody)
	}
}

func checkLog(t *testing.T, buffer *bytes.Buffer, want string) {
	t.Helper()

	if s := buffer.String(); want != "" && !strings.Contains(s, want) {
		t.Errorf("Log does not contain  %s\n", want)
	}
}

// normalizeJSON re-encodes the document so that formatting differences do
// not matter.
func normalizeJSON(t *testing.T, r io.Reader) string {
	t.Helper()
	var v any
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		t.Fatalf("Could not read JSON: %v", err)
	}
	b, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		t.Fatalf("Could not indent JSON: %v", err)
	}
	return string(b)
}
