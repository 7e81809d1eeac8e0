// Package view mounts the conversation engine for one open tab or device: the
// open thread, the ranked peer list, the dashboard badge and the relay
// subscription that keeps them in step with the viewer's other views.
package view

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"portal/internal/attachment"
	"portal/internal/constants"
	"portal/internal/metrics"
	"portal/internal/peers"
	"portal/internal/relay"
	"portal/internal/scheduler"
	"portal/internal/thread"
)

// TaskDashboard is the scheduler task that polls the notification badge.
const TaskDashboard = "dashboard"

const updateBuffer = 16

// Backend is everything a view reads and mutates.
type Backend interface {
	thread.MessageService
	peers.Service
	NotificationBadge(ctx context.Context, userID string) (int, error)
}

type Config struct {
	ThreadPollInterval    time.Duration
	UnreadPollInterval    time.Duration
	DashboardPollInterval time.Duration
	NearBottomThreshold   float64
	RequestTimeout        time.Duration
}

type UpdateKind string

const (
	UpdateThread UpdateKind = "thread"
	UpdatePeers  UpdateKind = "peers"
	UpdateBadge  UpdateKind = "badge"
	UpdateNotice UpdateKind = "notice"
)

// Update is one change the hosting surface should render.
type Update struct {
	Kind   UpdateKind       `json:"kind"`
	Thread *thread.Snapshot `json:"thread,omitempty"`
	Peers  *peers.List      `json:"peers,omitempty"`
	Badge  int              `json:"badge,omitempty"`
	Event  *relay.Event     `json:"event,omitempty"`
}

type View struct {
	viewer  thread.Viewer
	backend Backend
	cfg     Config
	logger  *slog.Logger

	sched   *scheduler.Scheduler
	sub     *relay.Subscription
	session *thread.Session
	tracker *peers.Tracker

	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	updates chan Update
	badges  chan int

	mu        sync.Mutex
	lastBadge int
}

// Mount starts a view's timers and subscribes it to the relay. Unmount must
// be called to release them.
func Mount(ctx context.Context, viewer thread.Viewer, backend Backend, bus *relay.Relay, codec *attachment.Codec, cfg Config) (*View, error) {
	cfg.setDefaults()

	sub, err := bus.Subscribe(func(e relay.Event) bool {
		switch e.Entity {
		case relay.EntityAnnouncement, relay.EntityProfile:
			return true
		default:
			return e.Involves(viewer.ID)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to relay: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	v := &View{
		viewer:    viewer,
		backend:   backend,
		cfg:       cfg,
		logger:    slog.Default().With("component", "view", "view_id", sub.ID, "viewer_id", viewer.ID),
		sched:     scheduler.New(ctx),
		sub:       sub,
		cancel:    cancel,
		done:      make(chan struct{}),
		updates:   make(chan Update, updateBuffer),
		badges:    make(chan int, 1),
		lastBadge: -1,
	}

	v.tracker = peers.NewTracker(viewer.ID, backend,
		peers.WithPublisher(bus, sub.ID),
		peers.WithTimeout(cfg.RequestTimeout),
	)
	v.session = thread.NewSession(viewer, backend, v.sched, thread.Options{
		PollInterval:        cfg.ThreadPollInterval,
		NearBottomThreshold: cfg.NearBottomThreshold,
		RequestTimeout:      cfg.RequestTimeout,
		Origin:              sub.ID,
	}, thread.WithReadMarker(v.tracker), thread.WithPublisher(bus), thread.WithCodec(codec))

	v.sched.Start(peers.TaskName, cfg.UnreadPollInterval, v.tracker.Poll)
	v.sched.Start(TaskDashboard, cfg.DashboardPollInterval, v.pollDashboard)

	go v.run(ctx)

	metrics.MountedViews.Inc()
	v.logger.Info("view mounted")
	return v, nil
}

func (c *Config) setDefaults() {
	if c.ThreadPollInterval <= 0 {
		c.ThreadPollInterval = constants.DefaultThreadPollInterval
	}
	if c.UnreadPollInterval <= 0 {
		c.UnreadPollInterval = constants.DefaultUnreadPollInterval
	}
	if c.DashboardPollInterval <= 0 {
		c.DashboardPollInterval = constants.DefaultDashboardPollInterval
	}
	if c.NearBottomThreshold <= 0 {
		c.NearBottomThreshold = constants.DefaultNearBottomThreshold
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = constants.DefaultRequestTimeout
	}
}

func (v *View) ID() string {
	return v.sub.ID
}

func (v *View) Viewer() thread.Viewer {
	return v.viewer
}

func (v *View) Session() *thread.Session {
	return v.session
}

func (v *View) Tracker() *peers.Tracker {
	return v.tracker
}

// Updates delivers render changes until the view is unmounted.
func (v *View) Updates() <-chan Update {
	return v.updates
}

// OpenThread switches the view to the thread with peerID.
func (v *View) OpenThread(peerID string) {
	v.session.Open(peerID)
}

func (v *View) CloseThread() {
	v.session.Close()
}

// Refresh forces every task to run now.
func (v *View) Refresh() {
	v.session.Refresh()
	v.sched.Trigger(peers.TaskName)
	v.sched.Trigger(TaskDashboard)
}

// Unmount stops the timers, drops the relay subscription and discards any
// result still in flight.
func (v *View) Unmount() {
	v.once.Do(func() {
		v.cancel()
		v.sched.StopAll()
		v.sub.Close()
		<-v.done
		metrics.MountedViews.Dec()
		v.logger.Info("view unmounted")
	})
}

func (v *View) run(ctx context.Context) {
	defer close(v.done)

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-v.session.Updates():
			v.send(ctx, Update{Kind: UpdateThread, Thread: &snap})
		case list := <-v.tracker.Updates():
			v.send(ctx, Update{Kind: UpdatePeers, Peers: &list})
		case n := <-v.badges:
			v.send(ctx, Update{Kind: UpdateBadge, Badge: n})
		case e, ok := <-v.sub.C:
			if !ok {
				return
			}
			v.handleEvent(ctx, e)
		}
	}
}

// handleEvent turns a relay event into refreshes. Local state is never
// patched from the payload.
func (v *View) handleEvent(ctx context.Context, e relay.Event) {
	v.logger.Debug("relay event", "entity", e.Entity, "kind", e.Kind, "entity_id", e.EntityID)

	switch e.Entity {
	case relay.EntityMessage:
		if peerID := v.session.PeerID(); peerID != "" && e.ThreadOf(v.viewer.ID, peerID) {
			v.session.Refresh()
		}
		v.sched.Trigger(peers.TaskName)
	case relay.EntityReadState:
		v.sched.Trigger(peers.TaskName)
	case relay.EntityProfile:
		v.sched.Trigger(peers.TaskName)
		v.send(ctx, Update{Kind: UpdateNotice, Event: &e})
	case relay.EntityViolation, relay.EntityAnnouncement:
		v.sched.Trigger(TaskDashboard)
		v.send(ctx, Update{Kind: UpdateNotice, Event: &e})
	}
}

func (v *View) pollDashboard(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, v.cfg.RequestTimeout)
	n, err := v.backend.NotificationBadge(reqCtx, v.viewer.ID)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			metrics.StaleResponses.WithLabelValues(TaskDashboard).Inc()
			return
		}
		metrics.PollTicks.WithLabelValues(TaskDashboard, "error").Inc()
		v.logger.Warn("dashboard poll failed", "error", err)
		return
	}
	metrics.PollTicks.WithLabelValues(TaskDashboard, "ok").Inc()

	v.mu.Lock()
	changed := n != v.lastBadge
	v.lastBadge = n
	v.mu.Unlock()
	if !changed {
		return
	}

	select {
	case v.badges <- n:
	default:
		select {
		case <-v.badges:
		default:
		}
		v.badges <- n
	}
}

func (v *View) send(ctx context.Context, u Update) {
	select {
	case v.updates <- u:
	case <-ctx.Done():
	}
}
