package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"portal/internal/models"
	"portal/internal/thread"
)

func TestClientFetchThreadNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/threads/usr_a/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		w.Write([]byte(`{"messages":[{"_id":"m1","sender_id":"usr_s","recipient_id":"usr_a","text":"hi","created_at":1772443800000}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", srv.Client())
	msgs, err := c.FetchThread(context.Background(), "usr_s", "usr_a")
	if err != nil {
		t.Fatalf("FetchThread() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].CreatedAt.IsZero() {
		t.Fatalf("FetchThread() = %+v", msgs)
	}
}

func TestClientSendPostsNonce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		if body["nonce"] != "n-1" {
			t.Errorf("nonce = %v, want n-1", body["nonce"])
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"m9","senderId":"usr_s","recipientId":"usr_a","text":"hi","createdAt":"2026-03-02T09:30:00Z","nonce":"n-1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", srv.Client())
	m, err := c.SendMessage(context.Background(), models.SendRequest{SenderID: "usr_s", RecipientID: "usr_a", Text: "hi", Nonce: "n-1"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if m.ID != "m9" || m.Nonce != "n-1" {
		t.Fatalf("SendMessage() = %+v", m)
	}
}

func TestClientErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   thread.ErrorKind
	}{
		{name: "server_error", status: http.StatusServiceUnavailable, want: thread.KindTransient},
		{name: "rate_limited", status: http.StatusTooManyRequests, want: thread.KindTransient},
		{name: "forbidden", status: http.StatusForbidden, want: thread.KindRejected},
		{name: "bad_request", status: http.StatusBadRequest, want: thread.KindRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"code":"X","message":"nope"}}`))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "", srv.Client())
			err := c.EditMessage(context.Background(), "m1", "usr_s", "text")
			if err == nil {
				t.Fatal("EditMessage() error = nil, want error")
			}
			if got := thread.KindOf(err); got != tt.want {
				t.Fatalf("KindOf() = %v, want %v (%v)", got, tt.want, err)
			}
		})
	}
}

func TestClientUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "", nil).UnreadCounts(context.Background(), "usr_a")
	if thread.KindOf(err) != thread.KindTransient {
		t.Fatalf("KindOf() = %v, want transient (%v)", thread.KindOf(err), err)
	}
}

func TestClientNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"Message not found"}}`))
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "", srv.Client()).DeleteMessage(context.Background(), "m1", "usr_s")
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound(%v) = false, want true", err)
	}
}
