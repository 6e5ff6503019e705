// Package lifecycle manages background worker registration, versioned
// updates and the typed message channel between page and worker.
package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrUnsupported marks a platform without background worker support.
// Registration captures it rather than returning it, so the rest of the
// application keeps functioning without offline support.
var ErrUnsupported = errors.New("lifecycle: background workers unsupported on this platform")

// VersionSource reports the latest available deploy version.
type VersionSource interface {
	Latest(ctx context.Context) (string, error)
}

// StaticVersion is a VersionSource pinned to one version. Useful when
// the deploy tag is baked into the binary.
type StaticVersion string

func (v StaticVersion) Latest(ctx context.Context) (string, error) {
	return string(v), nil
}

// WorkerFactory builds a worker for a deploy version. A nil factory
// models an unsupported platform.
type WorkerFactory func(version string) (*Worker, error)

// Registration is the page-visible handle to a registered worker.
type Registration struct {
	Version string
}

// Config configures a Manager.
type Config struct {
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Source of deploy versions, polled for updates.
	Source VersionSource
	// Factory for workers. Nil means the platform is unsupported.
	Factory WorkerFactory
	// How often to poll Source for a newer worker. Defaults to hourly.
	UpdateInterval time.Duration
	// How long SendMessage waits for a worker response before giving
	// up and resolving to nil. Defaults to 1 second.
	MessageTimeout time.Duration
}

// Manager owns the worker lifecycle: registration, update detection,
// activation handoff, and the request/response message channel.
// Exactly one worker controls request interception at a time.
type Manager struct {
	log            zerolog.Logger
	source         VersionSource
	factory        WorkerFactory
	updateInterval time.Duration
	messageTimeout time.Duration

	mu         sync.Mutex
	registered bool
	regErr     error
	current    *Worker
	waiting    *Worker
	installing *Worker
	checkGen   int
	nextID     int
	updateSubs map[int]func()
	ctrlSubs   map[int]func()

	activated     chan struct{}
	activatedOnce sync.Once
	stop          chan struct{}
	stopOnce      sync.Once
}

func NewManager(config Config) *Manager {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	if config.UpdateInterval == 0 {
		config.UpdateInterval = time.Hour
	}
	if config.MessageTimeout == 0 {
		config.MessageTimeout = time.Second
	}
	return &Manager{
		log:            logger.With().Str("component", "lifecycle").Logger(),
		source:         config.Source,
		factory:        config.Factory,
		updateInterval: config.UpdateInterval,
		messageTimeout: config.MessageTimeout,
		updateSubs:     map[int]func(){},
		ctrlSubs:       map[int]func(){},
		activated:      make(chan struct{}),
		stop:           make(chan struct{}),
	}
}

// Register registers and activates the first worker. Idempotent.
// On unsupported platforms it returns (nil, nil); the failure is
// captured and readable via RegistrationError.
func (m *Manager) Register(ctx context.Context) (*Registration, error) {
	m.mu.Lock()
	if m.registered {
		reg := m.registrationLocked()
		m.mu.Unlock()
		return reg, nil
	}
	m.registered = true
	m.mu.Unlock()

	if m.factory == nil {
		m.setRegErr(ErrUnsupported)
		return nil, nil
	}
	version, err := m.source.Latest(ctx)
	if err != nil {
		m.setRegErr(err)
		return nil, nil
	}
	worker, err := m.factory(version)
	if err != nil {
		m.setRegErr(err)
		return nil, nil
	}
	if err := worker.Install(ctx); err != nil {
		m.setRegErr(err)
		return nil, nil
	}
	// the first registration has no controller to displace, so it
	// activates immediately
	if err := worker.Activate(ctx); err != nil {
		m.setRegErr(err)
		return nil, nil
	}
	m.mu.Lock()
	m.current = worker
	m.mu.Unlock()
	m.activatedOnce.Do(func() { close(m.activated) })

	go m.updateLoop()

	m.log.Info().Str("workerVersion", version).Msg("Worker registered and controlling")
	return &Registration{Version: version}, nil
}

// RegistrationError returns the captured registration failure, if any.
func (m *Manager) RegistrationError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regErr
}

// CheckForUpdate polls the version source once. On finding a newer
// version it installs a worker for it and surfaces update-available to
// collaborators instead of forcing activation. A concurrent check
// supersedes this one; a superseded in-flight install goes redundant.
func (m *Manager) CheckForUpdate(ctx context.Context) error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return m.regErr
	}
	m.checkGen++
	gen := m.checkGen
	currentVersion := m.current.Version()
	waitingVersion := ""
	if m.waiting != nil {
		waitingVersion = m.waiting.Version()
	}
	m.mu.Unlock()

	latest, err := m.source.Latest(ctx)
	if err != nil {
		return err
	}
	if latest == currentVersion || latest == waitingVersion {
		return nil
	}

	m.log.Info().Str("workerVersion", latest).Msg("Update available, installing worker")
	worker, err := m.factory(latest)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.installing != nil {
		m.installing.MarkRedundant()
	}
	m.installing = worker
	m.mu.Unlock()

	if err := worker.Install(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if gen != m.checkGen {
		// a later check superseded this one mid-install
		m.mu.Unlock()
		worker.MarkRedundant()
		return nil
	}
	if m.waiting != nil {
		m.waiting.MarkRedundant()
	}
	m.installing = nil
	m.waiting = worker
	subs := make([]func(), 0, len(m.updateSubs))
	for _, cb := range m.updateSubs {
		subs = append(subs, cb)
	}
	m.mu.Unlock()

	for _, cb := range subs {
		cb()
	}
	return nil
}

// ActivateNow sends skip-waiting to the pending worker and hands over
// control once it activates. This is the only operation allowed to
// displace a controlling worker, and it never fires without a
// deliberate call.
func (m *Manager) ActivateNow(ctx context.Context) error {
	m.mu.Lock()
	waiting := m.waiting
	m.mu.Unlock()
	if waiting == nil {
		return nil
	}

	if _, err := m.sendTo(ctx, waiting, Message{Type: MessageSkipWaiting}); err != nil {
		return err
	}
	if err := waiting.Activate(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	old := m.current
	m.current = waiting
	if m.waiting == waiting {
		m.waiting = nil
	}
	subs := make([]func(), 0, len(m.ctrlSubs))
	for _, cb := range m.ctrlSubs {
		subs = append(subs, cb)
	}
	m.mu.Unlock()

	if old != nil {
		old.MarkRedundant()
	}
	for _, cb := range subs {
		cb()
	}
	return nil
}

// SendMessage sends a request to the controlling worker and waits for
// the correlated response. It resolves to (nil, nil) on timeout or
// missing worker rather than hanging the caller.
func (m *Manager) SendMessage(ctx context.Context, msg Message) (*Message, error) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil {
		return nil, nil
	}
	return m.sendTo(ctx, current, msg)
}

func (m *Manager) sendTo(ctx context.Context, w *Worker, msg Message) (*Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg, err := roundTrip(msg)
	if err != nil {
		return nil, err
	}
	env := envelope{msg: msg, reply: make(chan Message, 1)}
	timeout := time.NewTimer(m.messageTimeout)
	defer timeout.Stop()

	select {
	case w.inbox <- env:
	case <-timeout.C:
		m.log.Warn().Str("type", string(msg.Type)).Msg("Worker did not accept message")
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-env.reply:
		reply, err := roundTrip(reply)
		if err != nil {
			return nil, err
		}
		if reply.ID != msg.ID {
			m.log.Error().Str("want", msg.ID).Str("got", reply.ID).Msg("Correlation id mismatch")
			return nil, nil
		}
		return &reply, nil
	case <-timeout.C:
		m.log.Warn().Str("type", string(msg.Type)).Msg("Worker did not respond in time")
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnUpdateAvailable subscribes to new-worker-installed signals.
// The returned function unsubscribes.
func (m *Manager) OnUpdateAvailable(cb func()) func() {
	return m.subscribe(m.updateSubs, cb)
}

// OnControllerChanged subscribes to control handoffs (the point where a
// page would reload). The returned function unsubscribes.
func (m *Manager) OnControllerChanged(cb func()) func() {
	return m.subscribe(m.ctrlSubs, cb)
}

func (m *Manager) subscribe(subs map[int]func(), cb func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	subs[id] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(subs, id)
	}
}

// WhenActivated blocks until a worker controls interception, or the
// context ends. Push subscription setup waits on this.
func (m *Manager) WhenActivated(ctx context.Context) error {
	select {
	case <-m.activated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ControllingState returns the controlling worker's lifecycle state.
func (m *Manager) ControllingState() WorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return StateUninstalled
	}
	return m.current.State()
}

// ServeHTTP routes requests through the controlling worker. Without one
// (unsupported platform) requests are not intercepted and the caller
// should route directly to the origin.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil {
		http.Error(w, "no controlling worker", http.StatusServiceUnavailable)
		return
	}
	current.ServeHTTP(w, r)
}

func (m *Manager) updateLoop() {
	ticker := time.NewTicker(m.updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.CheckForUpdate(context.Background()); err != nil {
				m.log.Warn().Err(err).Msg("Periodic update check failed")
			}
		}
	}
}

// Close stops update polling and all workers.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range []*Worker{m.current, m.waiting, m.installing} {
		if w != nil {
			w.Close()
		}
	}
}

func (m *Manager) setRegErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regErr = err
	m.log.Warn().Err(err).Msg("Registration failed, continuing without offline support")
}

func (m *Manager) registrationLocked() *Registration {
	if m.current == nil {
		return nil
	}
	return &Registration{Version: m.current.Version()}
}
