package thread

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"portal/internal/attachment"
	"portal/internal/constants"
	"portal/internal/metrics"
	"portal/internal/models"
	"portal/internal/relay"
	"portal/internal/scheduler"
)

// TaskName is the scheduler task that polls the open thread.
const TaskName = "thread"

// MessageService is the authoritative message backend seen by a session.
type MessageService interface {
	FetchThread(ctx context.Context, viewerID, peerID string) ([]models.Message, error)
	SendMessage(ctx context.Context, req models.SendRequest) (*models.Message, error)
	EditMessage(ctx context.Context, messageID, editorID, text string) error
	DeleteMessage(ctx context.Context, messageID, actorID string) error
	React(ctx context.Context, messageID, reactorID, emoji string) ([]models.Reaction, error)
}

// ReadMarker clears the unread count of a thread once the viewer has seen it.
type ReadMarker interface {
	MarkRead(ctx context.Context, peerID string) error
}

// Publisher announces completed mutations to other views.
type Publisher interface {
	Publish(e relay.Event) (int, error)
}

// Viewer identifies the user a session renders for.
type Viewer struct {
	ID        string
	Name      string
	Moderator bool
}

type Options struct {
	PollInterval        time.Duration
	NearBottomThreshold float64
	RequestTimeout      time.Duration
	// Origin is stamped on published events so the owning view skips its own echoes.
	Origin string
}

// Snapshot is the render state of the open thread.
type Snapshot struct {
	PeerID     string           `json:"peerId"`
	Generation uint64           `json:"generation"`
	Messages   []models.Message `json:"messages"`
	Loaded     bool             `json:"loaded"`
	AutoFollow bool             `json:"autoFollow"`
	NewCount   int              `json:"newCount"`
}

// Session owns the message store and scroll anchor of one view's open thread.
type Session struct {
	viewer Viewer
	svc    MessageService
	sched  *scheduler.Scheduler
	codec  *attachment.Codec
	reads  ReadMarker
	pub    Publisher
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	peerID     string
	generation uint64
	store      *Store
	anchor     *Anchor
	loaded     bool
	updates    chan Snapshot
}

type SessionOption func(*Session)

func WithReadMarker(r ReadMarker) SessionOption {
	return func(s *Session) { s.reads = r }
}

func WithPublisher(p Publisher) SessionOption {
	return func(s *Session) { s.pub = p }
}

func WithCodec(c *attachment.Codec) SessionOption {
	return func(s *Session) { s.codec = c }
}

func NewSession(viewer Viewer, svc MessageService, sched *scheduler.Scheduler, opts Options, options ...SessionOption) *Session {
	if opts.PollInterval <= 0 {
		opts.PollInterval = constants.DefaultThreadPollInterval
	}
	if opts.NearBottomThreshold <= 0 {
		opts.NearBottomThreshold = constants.DefaultNearBottomThreshold
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = constants.DefaultRequestTimeout
	}

	s := &Session{
		viewer:  viewer,
		svc:     svc,
		sched:   sched,
		opts:    opts,
		logger:  slog.Default().With("component", "thread", "viewer_id", viewer.ID),
		store:   NewStore(),
		anchor:  NewAnchor(opts.NearBottomThreshold),
		updates: make(chan Snapshot, 1),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Updates delivers the latest snapshot after every change. Only the newest
// undelivered snapshot is kept.
func (s *Session) Updates() <-chan Snapshot {
	return s.updates
}

// Open switches the session to the thread with peerID. Results still in flight
// for the previous thread are discarded when they arrive.
func (s *Session) Open(peerID string) {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.peerID = peerID
	s.store = NewStore()
	s.anchor.Reset()
	s.loaded = false
	s.emitLocked(0, true)
	s.mu.Unlock()

	s.logger.Debug("thread opened", "peer_id", peerID, "generation", gen)
	s.sched.Start(TaskName, s.opts.PollInterval, func(ctx context.Context) {
		s.poll(ctx, gen)
	})
}

// Close ends the open thread and stops its poll.
func (s *Session) Close() {
	s.mu.Lock()
	s.generation++
	s.peerID = ""
	s.store = NewStore()
	s.loaded = false
	s.emitLocked(0, false)
	s.mu.Unlock()

	s.sched.Stop(TaskName)
}

// Refresh requests an immediate poll of the open thread.
func (s *Session) Refresh() bool {
	return s.sched.Trigger(TaskName)
}

func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// OnScroll feeds a viewport change to the anchor. Returning to the bottom
// counts as reading the thread.
func (s *Session) OnScroll(ctx context.Context, pos ScrollPosition) {
	s.mu.Lock()
	peerID := s.peerID
	s.mu.Unlock()
	if peerID == "" {
		return
	}

	if s.anchor.OnScroll(pos) {
		s.markRead(ctx, peerID)
	}
}

func (s *Session) NearBottom() bool {
	return s.anchor.NearBottom()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(0, s.anchor.Following())
}

func (s *Session) poll(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	peerID := s.peerID
	s.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	msgs, err := s.svc.FetchThread(fetchCtx, s.viewer.ID, peerID)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			metrics.StaleResponses.WithLabelValues(TaskName).Inc()
			return
		}
		metrics.PollTicks.WithLabelValues(TaskName, "error").Inc()
		s.logger.Warn("thread fetch failed", "peer_id", peerID, "error", classify("fetch", err))
		return
	}

	if seen := s.apply(ctx, gen, msgs); seen {
		s.markRead(ctx, peerID)
	}
}

// apply merges a fetch result and reports whether the viewer has now seen the
// newest messages of the thread.
func (s *Session) apply(ctx context.Context, gen uint64, msgs []models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || ctx.Err() != nil {
		metrics.StaleResponses.WithLabelValues(TaskName).Inc()
		s.logger.Debug("discarding stale thread fetch", "generation", gen, "current", s.generation)
		return false
	}

	firstLoad := !s.loaded
	res := Reconcile(ReconcileInput{
		Current:       s.store.Messages(),
		Authoritative: msgs,
		ViewerID:      s.viewer.ID,
		NearBottom:    s.anchor.NearBottom(),
		FirstLoad:     firstLoad,
	})
	s.store.Reset(res.Messages)
	s.loaded = true
	follow := s.anchor.Apply(res)
	metrics.PollTicks.WithLabelValues(TaskName, "ok").Inc()

	if firstLoad || res.NewCount > 0 {
		s.emitLocked(res.NewCount, follow)
	}
	return firstLoad || (follow && res.NewFromPeer)
}

func (s *Session) markRead(ctx context.Context, peerID string) {
	if s.reads == nil {
		return
	}
	if err := s.reads.MarkRead(ctx, peerID); err != nil {
		s.logger.Warn("marking thread read failed", "peer_id", peerID, "error", err)
	}
}

func (s *Session) snapshotLocked(newCount int, follow bool) Snapshot {
	return Snapshot{
		PeerID:     s.peerID,
		Generation: s.generation,
		Messages:   s.store.Messages(),
		Loaded:     s.loaded,
		AutoFollow: follow,
		NewCount:   newCount,
	}
}

// emitLocked replaces any undelivered snapshot with the current one.
func (s *Session) emitLocked(newCount int, follow bool) {
	snap := s.snapshotLocked(newCount, follow)
	select {
	case s.updates <- snap:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}

func (s *Session) publish(e relay.Event) {
	if s.pub == nil {
		return
	}
	if _, err := s.pub.Publish(e); err != nil {
		s.logger.Warn("relay publish failed", "entity", e.Entity, "kind", e.Kind, "error", err)
	}
}
