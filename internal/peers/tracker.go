package peers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"portal/internal/constants"
	"portal/internal/metrics"
	"portal/internal/models"
	"portal/internal/relay"
)

// TaskName is the scheduler task that polls unread counts.
const TaskName = "unread"

// Service is the authoritative source of peer lists and read state.
type Service interface {
	ListPeers(ctx context.Context, viewerID string) ([]models.Peer, error)
	UnreadCounts(ctx context.Context, viewerID string) (map[string]int, error)
	LatestTimestamps(ctx context.Context, viewerID string) (map[string]time.Time, error)
	MarkRead(ctx context.Context, viewerID, peerID string) error
}

type Publisher interface {
	Publish(e relay.Event) (int, error)
}

// List is the ranked peer list together with the total unread badge.
type List struct {
	Peers []models.Peer `json:"peers"`
	Badge int           `json:"badge"`
}

// Tracker keeps one viewer's peer list, unread counts and recency boosts.
type Tracker struct {
	viewerID string
	svc      Service
	pub      Publisher
	origin   string
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	peers  []models.Peer
	counts map[string]int
	opened map[string]time.Time
	// marks records the sequence number of the latest local mark-read per
	// peer so a fetch that started earlier cannot bring the count back.
	marks   map[string]uint64
	seq     uint64
	loaded  bool
	updates chan List
}

type TrackerOption func(*Tracker)

func WithPublisher(p Publisher, origin string) TrackerOption {
	return func(t *Tracker) {
		t.pub = p
		t.origin = origin
	}
}

func WithTimeout(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.timeout = d }
}

func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(viewerID string, svc Service, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		viewerID: viewerID,
		svc:      svc,
		timeout:  constants.DefaultRequestTimeout,
		now:      time.Now,
		logger:   slog.Default().With("component", "peers", "viewer_id", viewerID),
		counts:   make(map[string]int),
		opened:   make(map[string]time.Time),
		marks:    make(map[string]uint64),
		updates:  make(chan List, 1),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) Updates() <-chan List {
	return t.updates
}

// Poll runs one tracker tick. Failures are logged and left for the next tick.
func (t *Tracker) Poll(ctx context.Context) {
	if err := t.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			metrics.StaleResponses.WithLabelValues(TaskName).Inc()
			return
		}
		metrics.PollTicks.WithLabelValues(TaskName, "error").Inc()
		t.logger.Warn("unread poll failed", "error", err)
		return
	}
	metrics.PollTicks.WithLabelValues(TaskName, "ok").Inc()
}

// Refresh fetches the peer list, unread counts and latest timestamps together
// and merges them.
func (t *Tracker) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	t.mu.Lock()
	start := t.seq
	t.mu.Unlock()

	var (
		list   []models.Peer
		counts map[string]int
		latest map[string]time.Time
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		list, err = t.svc.ListPeers(gctx, t.viewerID)
		if err != nil {
			return fmt.Errorf("listing peers: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		counts, err = t.svc.UnreadCounts(gctx, t.viewerID)
		if err != nil {
			return fmt.Errorf("fetching unread counts: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		latest, err = t.svc.LatestTimestamps(gctx, t.viewerID)
		if err != nil {
			return fmt.Errorf("fetching latest timestamps: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.merge(start, list, counts, latest)
	return nil
}

func (t *Tracker) merge(start uint64, list []models.Peer, counts map[string]int, latest map[string]time.Time) {
	now := t.now()
	merged := make([]models.Peer, 0, len(list))
	// Counts are rebuilt so peers missing from the list leave the badge.
	next := make(map[string]int, len(list))
	for _, p := range list {
		if p.PeerID == "" || p.PeerID == t.viewerID {
			continue
		}
		count := counts[p.PeerID]
		if t.marks[p.PeerID] > start {
			count = 0
		}
		if prev, known := t.counts[p.PeerID]; known && count > prev {
			t.opened[p.PeerID] = now
		}
		next[p.PeerID] = count

		p.UnreadCount = count
		p.LastOpenedAt = t.opened[p.PeerID]
		if ts, ok := latest[p.PeerID]; ok {
			ts := ts
			p.LastMessageAt = &ts
		}
		merged = append(merged, p)
	}
	t.counts = next
	t.peers = merged
	t.loaded = true
	t.emitLocked()
}

// MarkRead clears the unread count of peerID locally, then on the server, and
// tells the viewer's other views. The recency boost is kept.
func (t *Tracker) MarkRead(ctx context.Context, peerID string) error {
	t.mu.Lock()
	t.seq++
	t.marks[peerID] = t.seq
	changed := t.counts[peerID] != 0
	t.counts[peerID] = 0
	for i := range t.peers {
		if t.peers[i].PeerID == peerID {
			t.peers[i].UnreadCount = 0
		}
	}
	if changed {
		t.emitLocked()
	}
	t.mu.Unlock()

	if err := t.svc.MarkRead(ctx, t.viewerID, peerID); err != nil {
		metrics.Mutations.WithLabelValues("mark-read", "failed").Inc()
		return fmt.Errorf("marking thread with %s read: %w", peerID, err)
	}
	metrics.Mutations.WithLabelValues("mark-read", "ok").Inc()

	if t.pub != nil {
		if _, err := t.pub.Publish(relay.ReadStateEvent(t.viewerID, peerID, t.origin)); err != nil {
			t.logger.Warn("relay publish failed", "peer_id", peerID, "error", err)
		}
	}
	return nil
}

// Snapshot returns the ranked list.
func (t *Tracker) Snapshot() List {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listLocked()
}

func (t *Tracker) Badge() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.badgeLocked()
}

func (t *Tracker) Unread(peerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[peerID]
}

func (t *Tracker) badgeLocked() int {
	total := 0
	for _, c := range t.counts {
		total += c
	}
	return total
}

func (t *Tracker) listLocked() List {
	return List{Peers: Rank(t.peers), Badge: t.badgeLocked()}
}

func (t *Tracker) emitLocked() {
	l := t.listLocked()
	select {
	case t.updates <- l:
		return
	default:
	}
	select {
	case <-t.updates:
	default:
	}
	select {
	case t.updates <- l:
	default:
	}
}
