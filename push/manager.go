// Package push manages push-notification subscriptions: permission
// flow, the platform subscription itself, and server-side persistence
// of subscription records.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrPermissionDenied is the typed denial result of Subscribe. It is a
// value to branch on, never a panic.
var ErrPermissionDenied = errors.New("push: notification permission denied")

// PermissionState mirrors the platform notification permission.
type PermissionState string

const (
	PermissionDefault PermissionState = "default"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

// State is the subscription state machine position.
type State string

const (
	StateUnsubscribed        State = "unsubscribed"
	StatePermissionRequested State = "permission-requested"
	StateDenied              State = "denied"
	StateSubscribed          State = "subscribed"
)

// Keys are the encryption keys of a push endpoint.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// SubscriptionRecord is a push endpoint registration. The server copy
// is the system of record; this engine only ever asserts it.
type SubscriptionRecord struct {
	Endpoint  string    `json:"endpoint"`
	Keys      Keys      `json:"keys"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Prompter requests notification permission from the user.
type Prompter interface {
	RequestPermission(ctx context.Context) (PermissionState, error)
}

// Platform is the push service half: creates and removes the actual
// platform subscription.
type Platform interface {
	Subscribe(ctx context.Context, serverPublicKey string) (Keys, string, error)
	Unsubscribe(ctx context.Context) error
}

// Activator gates subscription on an activated worker.
// Satisfied by the lifecycle Manager.
type Activator interface {
	WhenActivated(ctx context.Context) error
}

// Client persists subscription records server-side.
// Persistence is idempotent per (endpoint, userId).
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Save asserts the record at the persistence endpoint.
func (c *Client) Save(ctx context.Context, rec SubscriptionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/push/subscriptions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("push: persistence endpoint returned %d", res.StatusCode)
	}
	return nil
}

// Delete removes the server-side record.
func (c *Client) Delete(ctx context.Context, endpoint, userID string) error {
	body, err := json.Marshal(map[string]string{"endpoint": endpoint, "userId": userID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/push/subscriptions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("push: persistence endpoint returned %d", res.StatusCode)
	}
	return nil
}

// Config configures a Manager.
type Config struct {
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Lifecycle gate: a worker registration must exist before a push
	// subscription can be created.
	Lifecycle Activator
	Prompter  Prompter
	Platform  Platform
	Client    *Client
	UserID    string
}

// Manager owns the client half of push subscriptions.
// At most one active subscription per (user, device).
type Manager struct {
	log       zerolog.Logger
	lifecycle Activator
	prompter  Prompter
	platform  Platform
	client    *Client
	userID    string

	mu             sync.Mutex
	state          State
	record         *SubscriptionRecord
	pendingPersist bool
}

func NewManager(config Config) *Manager {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	return &Manager{
		log:       logger.With().Str("component", "push").Logger(),
		lifecycle: config.Lifecycle,
		prompter:  config.Prompter,
		platform:  config.Platform,
		client:    config.Client,
		userID:    config.UserID,
		state:     StateUnsubscribed,
	}
}

// State returns the current subscription state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Record returns the active subscription record, if any.
func (m *Manager) Record() *SubscriptionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record == nil {
		return nil
	}
	rec := *m.record
	return &rec
}

// Subscribe creates a push subscription. It waits for an activated
// worker, requests permission if undecided, and persists the record
// server-side. Permission denial resolves to ErrPermissionDenied, a
// typed result, and leaves no record behind.
func (m *Manager) Subscribe(ctx context.Context, serverPublicKey string) (*SubscriptionRecord, error) {
	m.mu.Lock()
	if m.state == StateSubscribed && m.record != nil {
		rec := *m.record
		m.mu.Unlock()
		return &rec, nil
	}
	m.mu.Unlock()

	if m.prompter == nil || m.platform == nil {
		return nil, errors.New("push: no platform configured")
	}
	if err := m.lifecycle.WhenActivated(ctx); err != nil {
		return nil, err
	}

	m.setState(StatePermissionRequested)
	perm, err := m.prompter.RequestPermission(ctx)
	if err != nil {
		m.setState(StateUnsubscribed)
		return nil, err
	}
	if perm != PermissionGranted {
		m.setState(StateDenied)
		m.log.Debug().Msg("Notification permission denied")
		return nil, ErrPermissionDenied
	}

	keys, endpoint, err := m.platform.Subscribe(ctx, serverPublicKey)
	if err != nil {
		m.setState(StateUnsubscribed)
		return nil, err
	}
	rec := SubscriptionRecord{
		Endpoint:  endpoint,
		Keys:      keys,
		UserID:    m.userID,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.state = StateSubscribed
	m.record = &rec
	m.mu.Unlock()

	if err := m.client.Save(ctx, rec); err != nil {
		// persisted lazily on next foreground, never blocked on
		m.log.Warn().Err(err).Msg("Server-side persist failed, will retry on foreground")
		m.mu.Lock()
		m.pendingPersist = true
		m.mu.Unlock()
	}
	m.log.Info().Str("endpoint", rec.Endpoint).Msg("Push subscription created")
	return &rec, nil
}

// Unsubscribe removes the subscription. The local half always clears,
// even when the server-side delete fails: the user asked to opt out.
func (m *Manager) Unsubscribe(ctx context.Context) error {
	m.mu.Lock()
	rec := m.record
	m.record = nil
	m.state = StateUnsubscribed
	m.pendingPersist = false
	m.mu.Unlock()

	if m.platform != nil {
		if err := m.platform.Unsubscribe(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Platform unsubscribe failed, local state cleared anyway")
		}
	}
	if rec == nil {
		return nil
	}
	if err := m.client.Delete(ctx, rec.Endpoint, rec.UserID); err != nil {
		m.log.Warn().Err(err).Msg("Server-side delete failed, best effort only")
	}
	return nil
}

// Foreground retries a failed server-side persist. Call on app
// foreground transitions.
func (m *Manager) Foreground(ctx context.Context) {
	m.mu.Lock()
	pending := m.pendingPersist
	var rec SubscriptionRecord
	if m.record != nil {
		rec = *m.record
	} else {
		pending = false
	}
	m.mu.Unlock()
	if !pending {
		return
	}
	if err := m.client.Save(ctx, rec); err != nil {
		m.log.Warn().Err(err).Msg("Deferred persist failed again")
		return
	}
	m.mu.Lock()
	m.pendingPersist = false
	m.mu.Unlock()
	m.log.Debug().Msg("Deferred subscription persist succeeded")
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
