package thread

import "sync"

// ScrollPosition is the viewport geometry reported by a rendering surface.
type ScrollPosition struct {
	ScrollTop    float64 `json:"scrollTop"`
	ScrollHeight float64 `json:"scrollHeight"`
	ClientHeight float64 `json:"clientHeight"`
}

// DistanceFromBottom is how far the viewport's lower edge is above the end of the list.
func (p ScrollPosition) DistanceFromBottom() float64 {
	d := p.ScrollHeight - p.ScrollTop - p.ClientHeight
	if d < 0 {
		return 0
	}
	return d
}

// Anchor decides whether the view follows the newest message. It latches
// "scrolled away" once the viewer moves more than threshold from the bottom
// and releases it when they come back within threshold.
type Anchor struct {
	mu           sync.Mutex
	threshold    float64
	scrolledAway bool
	follow       bool
}

func NewAnchor(threshold float64) *Anchor {
	return &Anchor{threshold: threshold, follow: true}
}

// OnScroll records a viewport change and reports whether the viewer just
// returned to the bottom.
func (a *Anchor) OnScroll(pos ScrollPosition) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	wasAway := a.scrolledAway
	a.scrolledAway = pos.DistanceFromBottom() > a.threshold
	if a.scrolledAway {
		a.follow = false
	}
	return wasAway && !a.scrolledAway
}

func (a *Anchor) NearBottom() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.scrolledAway
}

// Apply takes the follow decision of a reconcile step. When it follows, the
// surface scrolls to the bottom so the latch is released.
func (a *Anchor) Apply(res ReconcileResult) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.follow = res.AutoFollow
	if a.follow {
		a.scrolledAway = false
	}
	return a.follow
}

// ForceFollow overrides the latch; the viewer's own send always scrolls to the end.
func (a *Anchor) ForceFollow() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.follow = true
	a.scrolledAway = false
}

// Reset returns the anchor to its first-load state.
func (a *Anchor) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.follow = true
	a.scrolledAway = false
}

func (a *Anchor) Following() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.follow
}
