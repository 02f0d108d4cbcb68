package gmail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/gmail/v1"

	"github.com/vipul43/subtrack/internal/parser"
)

func TestBuildSearchQuery(t *testing.T) {
	since := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	q := BuildSearchQuery(since)

	if !strings.HasPrefix(q, "(subject:(subscription OR receipt OR payment OR invoice OR billing OR renew OR membership OR monthly OR annual OR yearly) OR from:(") {
		t.Errorf("unexpected query prefix: %s", q)
	}
	if !strings.Contains(q, "netflix.com OR spotify.com") {
		t.Errorf("expected domain allowlist in query: %s", q)
	}
	if !strings.HasSuffix(q, ") after:2025/03/14") {
		t.Errorf("expected after filter, got %s", q)
	}
}

func TestConvertMessage(t *testing.T) {
	msg := &gmail.Message{
		Id:           "abc",
		ThreadId:     "t1",
		InternalDate: 1717322400000,
		Payload: &gmail.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: "billing@netflix.com"},
				{Name: "Subject", Value: "Your receipt"},
				{Name: "Subject", Value: "ignored duplicate"},
			},
			Body: &gmail.MessagePartBody{},
			Parts: []*gmail.MessagePart{
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: "VG90YWw6ICQxNS45OQ=="}},
				{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: "PGI-dG90YWw8L2I-"}},
			},
		},
	}

	raw := convertMessage(msg)
	if raw.ID != "abc" || raw.ThreadID != "t1" {
		t.Errorf("unexpected ids: %s/%s", raw.ID, raw.ThreadID)
	}
	if raw.Headers["Subject"] != "Your receipt" {
		t.Errorf("expected first subject header, got %q", raw.Headers["Subject"])
	}
	if !raw.InternalDate.Equal(time.UnixMilli(1717322400000)) {
		t.Errorf("unexpected internal date %s", raw.InternalDate)
	}

	h, body, err := parser.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if h.From != "billing@netflix.com" {
		t.Errorf("unexpected from %q", h.From)
	}
	if body != "Total: $15.99" {
		t.Errorf("unexpected body %q", body)
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		CallTimeout:  5 * time.Second,
		Endpoint:     srv.URL + "/",
		TokenURL:     srv.URL + "/token",
	}, zap.NewNop())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_SearchCandidates(t *testing.T) {
	var gotQuery, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotAuth = r.Header.Get("Authorization")
		writeJSON(w, map[string]any{
			"messages":      []map[string]string{{"id": "m1"}, {"id": "m2"}},
			"nextPageToken": "more",
		})
	})

	ids, err := c.SearchCandidates(context.Background(), "tok", time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), 100)
	if err != nil {
		t.Fatalf("SearchCandidates failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Errorf("unexpected ids: %v", ids)
	}
	if !strings.HasSuffix(gotQuery, "after:2025/01/02") {
		t.Errorf("unexpected query %q", gotQuery)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
}

func TestClient_FetchBatch_KeepsAlignment(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		if id == "bad" {
			http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"id": id,
			"payload": map[string]any{
				"mimeType": "text/plain",
				"headers":  []map[string]string{{"name": "Subject", "value": "receipt " + id}},
				"body":     map[string]string{"data": "aGk"},
			},
		})
	})

	ids := []string{"a", "bad", "c", "d", "e"}
	msgs := c.FetchBatch(context.Background(), "tok", ids, 2, time.Millisecond)

	if len(msgs) != len(ids) {
		t.Fatalf("expected %d slots, got %d", len(ids), len(msgs))
	}
	for i, id := range ids {
		if id == "bad" {
			if msgs[i] != nil {
				t.Errorf("expected nil for failed fetch, got %+v", msgs[i])
			}
			continue
		}
		if msgs[i] == nil || msgs[i].ID != id {
			t.Errorf("slot %d: expected message %s, got %+v", i, id, msgs[i])
		}
	}
	if calls.Load() != int32(len(ids)) {
		t.Errorf("expected %d calls, got %d", len(ids), calls.Load())
	}
}

func TestClient_FetchBatch_Cancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"id": "x"})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msgs := c.FetchBatch(ctx, "tok", []string{"a", "b"}, 1, time.Hour)
	for i, m := range msgs {
		if m != nil {
			t.Errorf("slot %d should be empty after cancellation", i)
		}
	}
}

func TestClient_Profile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/users/me/profile") {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{"emailAddress": "user@gmail.com"})
	})

	email, err := c.Profile(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Profile failed: %v", err)
	}
	if email != "user@gmail.com" {
		t.Errorf("unexpected email %q", email)
	}
}

func TestClient_RefreshAccessToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		if r.Form.Get("refresh_token") != "refresh-1" {
			http.Error(w, "bad refresh token", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{
			"access_token": "access-2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})

	res, err := c.RefreshAccessToken(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("RefreshAccessToken failed: %v", err)
	}
	if res.AccessToken != "access-2" {
		t.Errorf("unexpected access token %q", res.AccessToken)
	}
	if res.RefreshToken != "refresh-1" {
		t.Errorf("expected refresh token to be kept, got %q", res.RefreshToken)
	}
	if time.Until(res.ExpiresAt) < 50*time.Minute {
		t.Errorf("unexpected expiry %s", res.ExpiresAt)
	}
}

func TestClient_AuthCodeURL(t *testing.T) {
	c := NewClient(Config{ClientID: "cid", RedirectURL: "http://localhost/cb"}, zap.NewNop())
	u := c.AuthCodeURL("state-1")

	for _, want := range []string{"client_id=cid", "state=state-1", "access_type=offline", "gmail.readonly"} {
		if !strings.Contains(u, want) {
			t.Errorf("expected %q in %s", want, u)
		}
	}
}
