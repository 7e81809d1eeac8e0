package view

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"portal/internal/attachment"
	"portal/internal/db"
	"portal/internal/models"
	"portal/internal/portal"
	"portal/internal/relay"
	"portal/internal/thread"
)

type env struct {
	svc     *portal.Service
	bus     *relay.Relay
	codec   *attachment.Codec
	admin   *models.User
	student *models.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	d, err := db.Open(ctx, filepath.Join(t.TempDir(), "portal.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })

	codec, err := attachment.NewCodec(1<<20, 10)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	bus := relay.New(16)
	t.Cleanup(bus.Close)

	repos := portal.NewRepositories(d)
	e := &env{svc: portal.NewService(repos, codec, bus), bus: bus, codec: codec}
	if e.admin, err = repos.Users.Create(ctx, "Maria", "Reyes", "reyes@school.test", models.RoleAdmin); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if e.student, err = repos.Users.Create(ctx, "Juan", "Cruz", "cruz@school.test", models.RoleStudent); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return e
}

// Timers are effectively disabled so only relay events drive refreshes.
var quiet = Config{
	ThreadPollInterval:    time.Hour,
	UnreadPollInterval:    time.Hour,
	DashboardPollInterval: time.Hour,
	RequestTimeout:        time.Second,
}

func (e *env) mount(t *testing.T, u *models.User) *View {
	t.Helper()
	viewer := thread.Viewer{ID: u.ID, Name: u.DisplayName(), Moderator: u.Role == models.RoleAdmin}
	v, err := Mount(context.Background(), viewer, e.svc, e.bus, e.codec, quiet)
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	t.Cleanup(v.Unmount)
	return v
}

func waitUpdate(t *testing.T, v *View, cond func(Update) bool) Update {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case u := <-v.Updates():
			if cond(u) {
				return u
			}
		case <-timeout:
			t.Fatalf("view %s: no matching update", v.ID())
			return Update{}
		}
	}
}

func unreadFor(peerID string, want int) func(Update) bool {
	return func(u Update) bool {
		if u.Kind != UpdatePeers {
			return false
		}
		for _, p := range u.Peers.Peers {
			if p.PeerID == peerID {
				return p.UnreadCount == want
			}
		}
		return false
	}
}

func TestReadInOneViewClearsCountInAnother(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tabA := e.mount(t, e.admin)
	tabB := e.mount(t, e.admin)
	student := e.mount(t, e.student)

	student.OpenThread(e.admin.ID)
	waitUpdate(t, student, func(u Update) bool { return u.Kind == UpdateThread && u.Thread.Loaded })

	if _, err := student.Session().Send(ctx, thread.Draft{Text: "Good morning po"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	waitUpdate(t, tabA, unreadFor(e.student.ID, 1))
	waitUpdate(t, tabB, unreadFor(e.student.ID, 1))

	tabA.OpenThread(e.student.ID)
	snap := waitUpdate(t, tabA, func(u Update) bool {
		return u.Kind == UpdateThread && u.Thread.Loaded && len(u.Thread.Messages) == 1
	})
	if got := snap.Thread.Messages[0].Text; got != "Good morning po" {
		t.Fatalf("message text = %q, want %q", got, "Good morning po")
	}

	waitUpdate(t, tabB, unreadFor(e.student.ID, 0))
}

func TestPeerMessageRefreshesOpenThread(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	admin := e.mount(t, e.admin)
	student := e.mount(t, e.student)

	admin.OpenThread(e.student.ID)
	waitUpdate(t, admin, func(u Update) bool { return u.Kind == UpdateThread && u.Thread.Loaded })
	student.OpenThread(e.admin.ID)
	waitUpdate(t, student, func(u Update) bool { return u.Kind == UpdateThread && u.Thread.Loaded })

	if _, err := student.Session().Send(ctx, thread.Draft{Text: "May tanong po ako"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	u := waitUpdate(t, admin, func(u Update) bool {
		return u.Kind == UpdateThread && len(u.Thread.Messages) == 1
	})
	if !u.Thread.AutoFollow {
		t.Fatal("peer message at bottom did not auto-follow")
	}
}

func TestAnnouncementRefreshesBadge(t *testing.T) {
	e := newEnv(t)
	student := e.mount(t, e.student)

	waitUpdate(t, student, func(u Update) bool { return u.Kind == UpdateBadge && u.Badge == 0 })

	if _, err := e.svc.CreateAnnouncement(context.Background(), e.admin.ID, "No classes Friday", "Typhoon signal no. 2"); err != nil {
		t.Fatalf("CreateAnnouncement() error = %v", err)
	}

	notice := waitUpdate(t, student, func(u Update) bool { return u.Kind == UpdateNotice })
	if notice.Event.Entity != relay.EntityAnnouncement {
		t.Fatalf("notice entity = %q, want %q", notice.Event.Entity, relay.EntityAnnouncement)
	}
	waitUpdate(t, student, func(u Update) bool { return u.Kind == UpdateBadge && u.Badge == 1 })
}

func TestUnmountReleasesSubscription(t *testing.T) {
	e := newEnv(t)
	v := e.mount(t, e.student)

	if got := e.bus.Len(); got != 1 {
		t.Fatalf("bus.Len() = %d, want 1", got)
	}

	v.Unmount()
	v.Unmount()

	if got := e.bus.Len(); got != 0 {
		t.Fatalf("bus.Len() after Unmount = %d, want 0", got)
	}
	if v.sched.Running(TaskDashboard) {
		t.Fatal("dashboard task still running after Unmount")
	}
}
