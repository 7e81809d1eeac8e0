package relay

import (
	"errors"
	"testing"
)

func recv(t *testing.T, sub *Subscription) (Event, bool) {
	t.Helper()

	select {
	case e, ok := <-sub.C:
		return e, ok
	default:
		return Event{}, false
	}
}

func TestPublishDeliversToInterestedSubscribers(t *testing.T) {
	r := New(4)
	defer r.Close()

	alice, err := r.Subscribe(func(e Event) bool { return e.Involves("usr_alice") })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	bob, err := r.Subscribe(func(e Event) bool { return e.Involves("usr_bob") })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	n, err := r.Publish(ViolationStatusEvent("vio_1", "resolved", "usr_alice"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Publish() delivered = %d, want 1", n)
	}

	e, ok := recv(t, alice)
	if !ok {
		t.Fatal("alice did not receive the violation event")
	}
	if e.NewStatus != "resolved" || e.At.IsZero() {
		t.Fatalf("event = %+v, want resolved status with timestamp", e)
	}
	if _, ok := recv(t, bob); ok {
		t.Fatal("bob received an event that does not involve him")
	}
}

func TestPublishSkipsOrigin(t *testing.T) {
	r := New(4)
	defer r.Close()

	self, _ := r.Subscribe(nil)
	other, _ := r.Subscribe(nil)

	if _, err := r.Publish(ReadStateEvent("usr_admin", "usr_student", self.ID)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if _, ok := recv(t, self); ok {
		t.Fatal("origin subscription received its own event")
	}
	if _, ok := recv(t, other); !ok {
		t.Fatal("sibling subscription did not receive the event")
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	r := New(1)
	defer r.Close()

	sub, _ := r.Subscribe(nil)
	event := MessageEvent(KindUpdated, "msg_1", "usr_a", "usr_b", "")

	for i := 0; i < 3; i++ {
		if _, err := r.Publish(event); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	if got := sub.Dropped.Load(); got != 2 {
		t.Fatalf("Dropped = %d, want 2", got)
	}
}

func TestCloseSubscriptionClosesChannel(t *testing.T) {
	r := New(1)
	defer r.Close()

	sub, _ := r.Subscribe(nil)
	sub.Close()
	sub.Close()

	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("channel still open after Close")
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	r := New(1)
	r.Close()

	if _, err := r.Subscribe(nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe() error = %v, want ErrClosed", err)
	}
	if _, err := r.Publish(MessageEvent(KindCreated, "msg_1", "a", "b", "")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish() error = %v, want ErrClosed", err)
	}
}

func TestValidateClosedEventSet(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		ok    bool
	}{
		{name: "announcement_created", event: Event{Kind: KindCreated, Entity: EntityAnnouncement, EntityID: "ann_1"}, ok: true},
		{name: "violation_status", event: ViolationStatusEvent("vio_1", "reviewed", "usr_1"), ok: true},
		{name: "violation_created_invalid", event: Event{Kind: KindCreated, Entity: EntityViolation}, ok: false},
		{name: "status_on_announcement_invalid", event: Event{Kind: KindStatusUpdated, Entity: EntityAnnouncement}, ok: false},
		{name: "message_without_participants", event: Event{Kind: KindUpdated, Entity: EntityMessage}, ok: false},
		{name: "unknown_kind", event: Event{Kind: "moved", Entity: EntityProfile}, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() error = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("Validate() error = %v, want ErrInvalidEvent", err)
			}
		})
	}
}
