package checkout

import "sync"

// Settings are the store-wide checkout switches a cart may need to override.
type Settings struct {
	GuestCheckout        bool
	RegistrationRequired bool
}

// subscriptionSettings apply while a cart containing subscriptions is checked out.
var subscriptionSettings = Settings{GuestCheckout: false, RegistrationRequired: true}

// Toggles holds the settings in effect for one checkout run.
type Toggles struct {
	mu      sync.Mutex
	current Settings
}

// NewToggles starts from defaults.
func NewToggles(defaults Settings) *Toggles {
	return &Toggles{current: defaults}
}

// Current returns the settings in effect.
func (t *Toggles) Current() Settings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Push applies override until the returned Guard is popped.
func (t *Toggles) Push(override Settings) *Guard {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := &Guard{t: t, prev: t.current}
	t.current = override
	return g
}

// Guard restores the settings replaced by Push.
type Guard struct {
	t      *Toggles
	prev   Settings
	popped bool
}

// Pop restores the previous settings. Calling it more than once is a no-op.
func (g *Guard) Pop() {
	if g == nil || g.t == nil {
		return
	}
	g.t.mu.Lock()
	defer g.t.mu.Unlock()
	if g.popped {
		return
	}
	g.t.current = g.prev
	g.popped = true
}
