// Package connectivity derives a stable online/offline signal from raw
// platform events, with a short "just reconnected" pulse after each
// offline-to-online transition.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Clock abstracts time to enable deterministic testing of the pulse window.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// State is the derived connectivity state. Recomputed from events,
// never persisted.
type State struct {
	IsOnline             bool      `json:"isOnline"`
	LastTransitionAt     time.Time `json:"lastTransitionAt"`
	JustReconnectedUntil time.Time `json:"justReconnectedUntil"`
}

// Config configures a Monitor.
type Config struct {
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Clock for pulse computation. Wall clock if nil.
	Clock Clock
	// How long the reconnected pulse stays up. Defaults to 5 seconds.
	PulseWindow time.Duration
}

// Monitor tracks connectivity. It starts online: absence of any signal
// degrades to "assume online", since failing closed would block all
// user actions unnecessarily.
type Monitor struct {
	log         zerolog.Logger
	clock       Clock
	pulseWindow time.Duration

	mu             sync.Mutex
	online         bool
	lastTransition time.Time
	pulseUntil     time.Time
	nextID         int
	changeSubs     map[int]func(bool)
	reconnectSubs  map[int]func()
}

func NewMonitor(config Config) *Monitor {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	clock := config.Clock
	if clock == nil {
		clock = systemClock{}
	}
	window := config.PulseWindow
	if window == 0 {
		window = 5 * time.Second
	}
	return &Monitor{
		log:           logger.With().Str("component", "connectivity").Logger(),
		clock:         clock,
		pulseWindow:   window,
		online:        true,
		changeSubs:    map[int]func(bool){},
		reconnectSubs: map[int]func(){},
	}
}

// IsOnline returns the current connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// JustReconnected reports whether the monitor is inside the pulse window
// following an offline-to-online transition. A fresh offline event
// clears the pulse immediately.
func (m *Monitor) JustReconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online && m.clock.Now().Before(m.pulseUntil)
}

// Snapshot returns the full derived state.
func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	until := m.pulseUntil
	if !m.online {
		until = time.Time{}
	}
	return State{
		IsOnline:             m.online,
		LastTransitionAt:     m.lastTransition,
		JustReconnectedUntil: until,
	}
}

// OnChange subscribes to connectivity transitions. The returned function
// unsubscribes; callers must use it to avoid leaks.
func (m *Monitor) OnChange(cb func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.changeSubs[id] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.changeSubs, id)
	}
}

// OnReconnect subscribes to offline-to-online transitions specifically.
// This is the trigger the offline action queue replays on.
func (m *Monitor) OnReconnect(cb func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.reconnectSubs[id] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.reconnectSubs, id)
	}
}

// SetOnline feeds a platform online/offline event into the monitor.
// Rapid toggling restarts the pulse window rather than stacking timers:
// every new online transition overwrites the pulse deadline, and every
// offline event cancels it.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if online == m.online {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	m.online = online
	m.lastTransition = now
	reconnected := false
	if online {
		m.pulseUntil = now.Add(m.pulseWindow)
		reconnected = true
	} else {
		m.pulseUntil = time.Time{}
	}
	changeSubs := make([]func(bool), 0, len(m.changeSubs))
	for _, cb := range m.changeSubs {
		changeSubs = append(changeSubs, cb)
	}
	var reconnectSubs []func()
	if reconnected {
		reconnectSubs = make([]func(), 0, len(m.reconnectSubs))
		for _, cb := range m.reconnectSubs {
			reconnectSubs = append(reconnectSubs, cb)
		}
	}
	m.mu.Unlock()

	m.log.Debug().Bool("online", online).Msg("Connectivity transition")
	for _, cb := range changeSubs {
		cb(online)
	}
	for _, cb := range reconnectSubs {
		cb()
	}
}

// Probe actively checks connectivity by issuing HEAD requests against
// the given URL at the given interval, feeding results into the monitor.
// It blocks until the context is cancelled. Optional: without a probe
// the monitor relies solely on SetOnline events.
func (m *Monitor) Probe(ctx context.Context, probeURL string, interval time.Duration) {
	client := &http.Client{Timeout: 3 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
			if err != nil {
				return
			}
			res, err := client.Do(req)
			if err != nil {
				m.SetOnline(false)
				continue
			}
			res.Body.Close()
			m.SetOnline(true)
		}
	}
}
