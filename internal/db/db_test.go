package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"portal/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(context.Background(), filepath.Join(t.TempDir(), "portal.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func seedUsers(t *testing.T, d *DB) (admin, student *models.User) {
	t.Helper()
	users := NewUserRepository(d)
	ctx := context.Background()
	admin, err := users.Create(ctx, "Maria", "Reyes", "reyes@school.test", models.RoleAdmin)
	if err != nil {
		t.Fatalf("Create(admin) error = %v", err)
	}
	student, err = users.Create(ctx, "Juan", "Cruz", "cruz@school.test", models.RoleStudent)
	if err != nil {
		t.Fatalf("Create(student) error = %v", err)
	}
	return admin, student
}

func TestMessageLifecycle(t *testing.T) {
	d := openTestDB(t)
	admin, student := seedUsers(t, d)
	messages := NewMessageRepository(d)
	ctx := context.Background()

	first, err := messages.Create(ctx, models.SendRequest{
		SenderID:    student.ID,
		RecipientID: admin.ID,
		Text:        "Good morning",
		Attachments: []models.Attachment{{FileName: "form.pdf", MimeType: "application/pdf", SizeBytes: 4, EncodedPayload: "JVBERg=="}},
		Nonce:       "n-1",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	reply, err := messages.Create(ctx, models.SendRequest{SenderID: admin.ID, RecipientID: student.ID, Text: "Hello", RepliedTo: first.ID})
	if err != nil {
		t.Fatalf("Create(reply) error = %v", err)
	}

	again, err := messages.Create(ctx, models.SendRequest{SenderID: student.ID, RecipientID: admin.ID, Text: "Good morning", Nonce: "n-1"})
	if err != nil {
		t.Fatalf("Create(repeat nonce) error = %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("repeat nonce created %s, want existing %s", again.ID, first.ID)
	}

	thread, err := messages.Thread(ctx, admin.ID, student.ID)
	if err != nil {
		t.Fatalf("Thread() error = %v", err)
	}
	if len(thread) != 2 || thread[0].ID != first.ID || thread[1].ID != reply.ID {
		t.Fatalf("Thread() = %+v, want [first reply]", thread)
	}
	if len(thread[0].Attachments) != 1 || thread[0].Attachments[0].FileName != "form.pdf" {
		t.Fatalf("Attachments = %+v, want form.pdf", thread[0].Attachments)
	}

	if _, err := messages.UpdateText(ctx, first.ID, admin.ID, "hijack"); !errors.Is(err, ErrNotSender) {
		t.Fatalf("UpdateText(other) error = %v, want ErrNotSender", err)
	}
	if _, err := messages.UpdateText(ctx, first.ID, student.ID, "Good morning, Ma'am"); err != nil {
		t.Fatalf("UpdateText() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		reactions, err := messages.AddReaction(ctx, first.ID, admin.ID, "👍")
		if err != nil {
			t.Fatalf("AddReaction() error = %v", err)
		}
		if len(reactions) != 1 {
			t.Fatalf("AddReaction() = %v, want one pair", reactions)
		}
	}

	if _, err := messages.SoftDelete(ctx, first.ID, admin.ID, admin.DisplayName()); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	thread, err = messages.Thread(ctx, admin.ID, student.ID)
	if err != nil {
		t.Fatalf("Thread() error = %v", err)
	}
	tomb := thread[0]
	if len(thread) != 2 || !tomb.Deleted || tomb.Text != "" || len(tomb.Attachments) != 0 {
		t.Fatalf("tombstone = %+v, want hidden row kept", tomb)
	}
	if tomb.DeletedBy != admin.ID || len(tomb.Reactions) != 1 {
		t.Fatalf("tombstone = %+v, want deletedBy admin and reactions kept", tomb)
	}
	if thread[1].RepliedTo != first.ID {
		t.Fatalf("reply RepliedTo = %q, want %q", thread[1].RepliedTo, first.ID)
	}
	if _, err := messages.UpdateText(ctx, first.ID, student.ID, "undo"); !errors.Is(err, ErrTombstoned) {
		t.Fatalf("UpdateText(tombstone) error = %v, want ErrTombstoned", err)
	}
}

func TestReplyMustBeInThread(t *testing.T) {
	d := openTestDB(t)
	admin, student := seedUsers(t, d)
	other, err := NewUserRepository(d).Create(context.Background(), "Ana", "Lim", "lim@school.test", models.RoleStudent)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	messages := NewMessageRepository(d)
	ctx := context.Background()

	m, err := messages.Create(ctx, models.SendRequest{SenderID: student.ID, RecipientID: admin.ID, Text: "hi"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_, err = messages.Create(ctx, models.SendRequest{SenderID: admin.ID, RecipientID: other.ID, Text: "re", RepliedTo: m.ID})
	if !errors.Is(err, ErrReplyMissing) {
		t.Fatalf("Create(cross-thread reply) error = %v, want ErrReplyMissing", err)
	}
}

func TestUnreadCountsAndMarkRead(t *testing.T) {
	d := openTestDB(t)
	admin, student := seedUsers(t, d)
	messages := NewMessageRepository(d)
	reads := NewReadStateRepository(d)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		if _, err := messages.Create(ctx, models.SendRequest{SenderID: student.ID, RecipientID: admin.ID, Text: text}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	counts, err := reads.UnreadCounts(ctx, admin.ID)
	if err != nil {
		t.Fatalf("UnreadCounts() error = %v", err)
	}
	if counts[student.ID] != 3 {
		t.Fatalf("UnreadCounts()[student] = %d, want 3", counts[student.ID])
	}

	if err := reads.MarkRead(ctx, admin.ID, student.ID); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	counts, err = reads.UnreadCounts(ctx, admin.ID)
	if err != nil {
		t.Fatalf("UnreadCounts() error = %v", err)
	}
	if counts[student.ID] != 0 {
		t.Fatalf("UnreadCounts()[student] = %d after read, want 0", counts[student.ID])
	}

	latest, err := reads.LatestTimestamps(ctx, admin.ID)
	if err != nil {
		t.Fatalf("LatestTimestamps() error = %v", err)
	}
	if latest[student.ID].IsZero() {
		t.Fatalf("LatestTimestamps() = %v, want entry for student", latest)
	}
}

func TestListPeersByRole(t *testing.T) {
	d := openTestDB(t)
	admin, student := seedUsers(t, d)
	users := NewUserRepository(d)
	ctx := context.Background()
	if _, err := users.Create(ctx, "Ana", "Lim", "lim@school.test", models.RoleStudent); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	adminPeers, err := users.ListPeers(ctx, admin.ID, models.RoleAdmin)
	if err != nil {
		t.Fatalf("ListPeers(admin) error = %v", err)
	}
	if len(adminPeers) != 2 {
		t.Fatalf("ListPeers(admin) = %d users, want 2", len(adminPeers))
	}

	studentPeers, err := users.ListPeers(ctx, student.ID, models.RoleStudent)
	if err != nil {
		t.Fatalf("ListPeers(student) error = %v", err)
	}
	if len(studentPeers) != 1 || studentPeers[0].ID != admin.ID {
		t.Fatalf("ListPeers(student) = %+v, want only the admin", studentPeers)
	}
}

func TestViolationStatus(t *testing.T) {
	d := openTestDB(t)
	_, student := seedUsers(t, d)
	violations := NewViolationRepository(d)
	ctx := context.Background()

	v, err := violations.Create(ctx, student.ID, "Late submission")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	updated, err := violations.UpdateStatus(ctx, v.ID, models.ViolationResolved)
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if updated.Status != models.ViolationResolved {
		t.Fatalf("Status = %s, want resolved", updated.Status)
	}
	if _, err := violations.UpdateStatus(ctx, "vio_missing", models.ViolationResolved); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateStatus(missing) error = %v, want ErrNotFound", err)
	}
}
