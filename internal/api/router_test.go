package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"portal/internal/attachment"
	"portal/internal/auth"
	"portal/internal/config"
	"portal/internal/db"
	"portal/internal/models"
	"portal/internal/portal"
	"portal/internal/relay"
	"portal/internal/thread"
	"portal/internal/view"
	"portal/internal/ws"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testServer struct {
	srv     *httptest.Server
	bus     *relay.Relay
	jwt     *auth.JWTService
	admin   *models.User
	student *models.User
	other   *models.User
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Parse([]byte("auth:\n  jwt_secret: " + testSecret + "\n"))
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}
	database, err := db.Open(ctx, filepath.Join(t.TempDir(), "portal.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	codec, err := attachment.NewCodec(1<<20, 10)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	bus := relay.New(16)
	t.Cleanup(bus.Close)

	repos := portal.NewRepositories(database)
	svc := portal.NewService(repos, codec, bus)
	jwtService := auth.NewJWTService(testSecret, time.Hour)

	mount := func(ctx context.Context, user *models.User, _ string) (*view.View, error) {
		return view.Mount(context.Background(), thread.Viewer{ID: user.ID, Name: user.DisplayName()}, svc, bus, codec, view.Config{})
	}
	hub := ws.NewHub(jwtService, svc, mount, ws.HubConfig{})
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	ts := &testServer{bus: bus, jwt: jwtService}
	ts.srv = httptest.NewServer(NewServer(cfg, database, jwtService, svc, bus, hub))
	t.Cleanup(ts.srv.Close)

	if ts.admin, err = repos.Users.Create(ctx, "Maria", "Reyes", "reyes@school.test", models.RoleAdmin); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ts.student, err = repos.Users.Create(ctx, "Juan", "Cruz", "cruz@school.test", models.RoleStudent); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ts.other, err = repos.Users.Create(ctx, "Ana", "Lim", "lim@school.test", models.RoleStudent); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return ts
}

func (ts *testServer) token(t *testing.T, u *models.User) string {
	t.Helper()
	token, _, err := ts.jwt.GenerateAccessToken(u)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	return token
}

func (ts *testServer) do(t *testing.T, u *models.User, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if u != nil {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, u))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body bytes.Buffer
		body.ReadFrom(resp.Body)
		t.Fatalf("%s %s status = %d, want %d, body=%s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body.String())
	}
}

func TestRequiresAuthentication(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, nil, http.MethodGet, "/api/v1/peers", nil)
	expectStatus(t, resp, http.StatusUnauthorized)

	var e ErrorResponse
	decodeBody(t, resp, &e)
	if e.Error.Code != ErrCodeUnauthorized {
		t.Fatalf("error.code = %q, want %q", e.Error.Code, ErrCodeUnauthorized)
	}
}

func TestSendPublishesAndThreadReturnsMessage(t *testing.T) {
	ts := newTestServer(t)
	sub, err := ts.bus.Subscribe(func(e relay.Event) bool { return e.Involves(ts.admin.ID) })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	resp := ts.do(t, ts.student, http.MethodPost, "/api/v1/threads/"+ts.admin.ID+"/messages", SendMessageRequest{Text: "Good morning po", Nonce: "n-1"})
	expectStatus(t, resp, http.StatusCreated)
	var sent models.Message
	decodeBody(t, resp, &sent)
	if sent.Nonce != "n-1" {
		t.Fatalf("nonce = %q, want n-1", sent.Nonce)
	}

	select {
	case e := <-sub.C:
		if e.Entity != relay.EntityMessage || e.Kind != relay.KindCreated || e.EntityID != sent.ID {
			t.Fatalf("event = %+v, want message created %s", e, sent.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no relay event after send")
	}

	resp = ts.do(t, ts.admin, http.MethodGet, "/api/v1/threads/"+ts.student.ID+"/messages", nil)
	expectStatus(t, resp, http.StatusOK)
	var got struct {
		Messages []models.Message `json:"messages"`
	}
	decodeBody(t, resp, &got)
	if len(got.Messages) != 1 || got.Messages[0].Text != "Good morning po" {
		t.Fatalf("thread = %+v, want the sent message", got.Messages)
	}
}

func TestServiceErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(t)
	long := string(bytes.Repeat([]byte("a"), 4001))

	tests := []struct {
		name   string
		user   func() *models.User
		method string
		path   func() string
		body   any
		status int
		code   string
	}{
		{
			name:   "student_to_student",
			user:   func() *models.User { return ts.student },
			method: http.MethodPost,
			path:   func() string { return "/api/v1/threads/" + ts.other.ID + "/messages" },
			body:   SendMessageRequest{Text: "psst"},
			status: http.StatusForbidden,
			code:   ErrCodeForbidden,
		},
		{
			name:   "too_long",
			user:   func() *models.User { return ts.student },
			method: http.MethodPost,
			path:   func() string { return "/api/v1/threads/" + ts.admin.ID + "/messages" },
			body:   SendMessageRequest{Text: long},
			status: http.StatusBadRequest,
			code:   ErrCodeMessageTooLong,
		},
		{
			name:   "unknown_field",
			user:   func() *models.User { return ts.student },
			method: http.MethodPost,
			path:   func() string { return "/api/v1/threads/" + ts.admin.ID + "/messages" },
			body:   map[string]string{"content": "hi"},
			status: http.StatusBadRequest,
			code:   ErrCodeInvalidRequest,
		},
		{
			name:   "missing_message",
			user:   func() *models.User { return ts.student },
			method: http.MethodPut,
			path:   func() string { return "/api/v1/messages/msg_missing" },
			body:   EditMessageRequest{Text: "x"},
			status: http.StatusNotFound,
			code:   ErrCodeNotFound,
		},
		{
			name:   "bad_violation_status",
			user:   func() *models.User { return ts.admin },
			method: http.MethodPatch,
			path:   func() string { return "/api/v1/violations/v1/status" },
			body:   UpdateViolationStatusRequest{Status: "closed"},
			status: http.StatusBadRequest,
			code:   ErrCodeInvalidRequest,
		},
		{
			name:   "student_announcement",
			user:   func() *models.User { return ts.student },
			method: http.MethodPost,
			path:   func() string { return "/api/v1/announcements" },
			body:   AnnouncementRequest{Title: "Party"},
			status: http.StatusForbidden,
			code:   ErrCodeForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, tt.user(), tt.method, tt.path(), tt.body)
			expectStatus(t, resp, tt.status)
			var e ErrorResponse
			decodeBody(t, resp, &e)
			if e.Error.Code != tt.code {
				t.Fatalf("error.code = %q, want %q", e.Error.Code, tt.code)
			}
		})
	}
}

func TestMarkReadClearsCountAndPublishes(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, ts.student, http.MethodPost, "/api/v1/threads/"+ts.admin.ID+"/messages", SendMessageRequest{Text: "hello"})
	expectStatus(t, resp, http.StatusCreated)

	resp = ts.do(t, ts.admin, http.MethodGet, "/api/v1/unread-counts", nil)
	expectStatus(t, resp, http.StatusOK)
	var counts struct {
		Counts map[string]int `json:"counts"`
	}
	decodeBody(t, resp, &counts)
	if counts.Counts[ts.student.ID] != 1 {
		t.Fatalf("counts = %v, want 1 for student", counts.Counts)
	}

	sub, err := ts.bus.Subscribe(func(e relay.Event) bool { return e.Entity == relay.EntityReadState })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	resp = ts.do(t, ts.admin, http.MethodPatch, "/api/v1/threads/"+ts.student.ID+"/read", nil)
	expectStatus(t, resp, http.StatusNoContent)

	select {
	case e := <-sub.C:
		if e.UserID != ts.admin.ID || !e.ThreadOf(ts.admin.ID, ts.student.ID) {
			t.Fatalf("event = %+v, want read-state for admin/student", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no read-state event")
	}

	resp = ts.do(t, ts.admin, http.MethodGet, "/api/v1/unread-counts", nil)
	decodeBody(t, resp, &counts)
	if counts.Counts[ts.student.ID] != 0 {
		t.Fatalf("counts after read = %v, want 0", counts.Counts)
	}
}

func TestNotificationsIncludeUnreadBadge(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, ts.student, http.MethodPost, "/api/v1/threads/"+ts.admin.ID+"/messages", SendMessageRequest{Text: "hello"})
	expectStatus(t, resp, http.StatusCreated)

	resp = ts.do(t, ts.admin, http.MethodGet, "/api/v1/notifications?limit=1", nil)
	expectStatus(t, resp, http.StatusOK)
	var body struct {
		Notifications []models.Notification `json:"notifications"`
		Unread        int                   `json:"unread"`
	}
	decodeBody(t, resp, &body)
	if body.Unread != 1 || len(body.Notifications) != 1 {
		t.Fatalf("notifications = %d unread %d, want 1 and 1", len(body.Notifications), body.Unread)
	}
}

func TestPortalClientRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	student := portal.NewClient(ts.srv.URL, ts.token(t, ts.student), nil)
	admin := student.WithToken(ts.token(t, ts.admin))

	sent, err := student.SendMessage(ctx, models.SendRequest{SenderID: ts.student.ID, RecipientID: ts.admin.ID, Text: "May tanong po", Nonce: "abc"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if _, err := admin.React(ctx, sent.ID, ts.admin.ID, "👍"); err != nil {
		t.Fatalf("React() error = %v", err)
	}

	msgs, err := admin.FetchThread(ctx, ts.admin.ID, ts.student.ID)
	if err != nil {
		t.Fatalf("FetchThread() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != sent.ID || len(msgs[0].Reactions) != 1 {
		t.Fatalf("FetchThread() = %+v, want the sent message with one reaction", msgs)
	}

	badge, err := admin.NotificationBadge(ctx, ts.admin.ID)
	if err != nil {
		t.Fatalf("NotificationBadge() error = %v", err)
	}
	if badge != 1 {
		t.Fatalf("NotificationBadge() = %d, want 1", badge)
	}

	peers, err := student.ListPeers(ctx, ts.student.ID)
	if err != nil {
		t.Fatalf("ListPeers() error = %v", err)
	}
	if len(peers) != 1 || peers[0].PeerID != ts.admin.ID {
		t.Fatalf("ListPeers() = %+v, want only the admin", peers)
	}

	err = student.EditMessage(ctx, "msg_missing", ts.student.ID, "x")
	if !portal.IsNotFound(err) || thread.KindOf(err) != thread.KindRejected {
		t.Fatalf("EditMessage(missing) error = %v, want rejected 404", err)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, nil, http.MethodGet, "/health", nil)
	expectStatus(t, resp, http.StatusOK)

	var body struct {
		Status string `json:"status"`
	}
	decodeBody(t, resp, &body)
	if body.Status != "ok" {
		t.Fatalf("status = %q, want ok", body.Status)
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantCalled bool
		wantHeader string
	}{
		{name: "configured", method: http.MethodGet, origin: "https://portal.school.test", wantStatus: http.StatusOK, wantCalled: true, wantHeader: "https://portal.school.test"},
		{name: "loopback", method: http.MethodGet, origin: "http://127.0.0.1:5173", wantStatus: http.StatusOK, wantCalled: true, wantHeader: "http://127.0.0.1:5173"},
		{name: "no_origin", method: http.MethodGet, wantStatus: http.StatusOK, wantCalled: true},
		{name: "disallowed", method: http.MethodGet, origin: "https://evil.test", wantStatus: http.StatusForbidden},
		{name: "preflight", method: http.MethodOptions, origin: "https://portal.school.test", wantStatus: http.StatusNoContent, wantHeader: "https://portal.school.test"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := corsMiddleware([]string{"https://portal.school.test"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/api/v1/peers", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if called != tt.wantCalled {
				t.Fatalf("next called = %v, want %v", called, tt.wantCalled)
			}
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantHeader {
				t.Fatalf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantHeader)
			}
		})
	}
}
