// Package offline is the offline and caching engine: it intercepts
// requests, serves or refreshes content from a versioned local cache,
// detects connectivity transitions, queues and replays mutating
// requests performed while offline, and manages push subscriptions.
package offline

import (
	"context"
	"net/url"
	"time"

	"github.com/hireflux/offline-engine/cache"
	"github.com/hireflux/offline-engine/connectivity"
	"github.com/hireflux/offline-engine/lifecycle"
	"github.com/hireflux/offline-engine/push"
	"github.com/hireflux/offline-engine/queue"

	"github.com/rs/zerolog"
)

// ContextConfig assembles everything the engine context needs.
// There is no ambient global state: every component receives its
// dependencies from here.
type ContextConfig struct {
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Storage for cache entries.
	Cache cache.Provider
	// Durable store for queued offline actions.
	QueueStore *queue.Store
	// URL of the origin server.
	OriginURL url.URL
	// Current deploy version tag.
	Version string
	// Source of deploy versions for update polling.
	// Defaults to a static source pinned to Version.
	VersionSource lifecycle.VersionSource
	// Bucket definitions and identity exclusions, defaulted as in
	// EngineConfig.
	Buckets          []Bucket
	IdentityPatterns []string
	NetworkTimeout   time.Duration
	FallbackPath     string
	UpdateInterval   time.Duration

	// Push wiring.
	PushPrompter push.Prompter
	PushPlatform push.Platform
	PushEndpoint string
	UserID       string

	// UI collaborator callbacks. This is the only surface exposed
	// outward to page components.
	OnOfflineChanged  func(isOnline bool)
	OnUpdateAvailable func()
	OnReplayCompleted func(actionID string, status queue.Status)
}

// EngineContext wires the engine components together in dependency
// order: connectivity, lifecycle (which owns the workers and their
// strategy engines), queue, push.
type EngineContext struct {
	Connectivity *connectivity.Monitor
	Lifecycle    *lifecycle.Manager
	Queue        *queue.Queue
	Push         *push.Manager

	log        zerolog.Logger
	cache      cache.Provider
	queueStore *queue.Store
	config     ContextConfig
	engine     *Engine
}

// NewEngineContext constructs the full engine. Construction order
// follows the dependency graph: monitor first (leaf), then the
// lifecycle manager with its worker factory, then the queue (replay is
// wired to the monitor's reconnect pulse), then push (gated on the
// lifecycle manager).
func NewEngineContext(config ContextConfig) *EngineContext {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	ec := &EngineContext{
		log:        logger,
		cache:      config.Cache,
		queueStore: config.QueueStore,
		config:     config,
	}

	ec.Connectivity = connectivity.NewMonitor(connectivity.Config{Logger: &logger})
	if config.OnOfflineChanged != nil {
		ec.Connectivity.OnChange(config.OnOfflineChanged)
	}

	source := config.VersionSource
	if source == nil {
		source = lifecycle.StaticVersion(config.Version)
	}
	ec.Lifecycle = lifecycle.NewManager(lifecycle.Config{
		Logger:         &logger,
		Source:         source,
		UpdateInterval: config.UpdateInterval,
		Factory: func(version string) (*lifecycle.Worker, error) {
			engine := NewEngine(EngineConfig{
				Cache:            config.Cache,
				OriginURL:        config.OriginURL,
				Version:          version,
				Logger:           &logger,
				Buckets:          config.Buckets,
				IdentityPatterns: config.IdentityPatterns,
				NetworkTimeout:   config.NetworkTimeout,
				FallbackPath:     config.FallbackPath,
			})
			ec.engine = engine
			return lifecycle.NewWorker(engine, logger), nil
		},
	})
	if config.OnUpdateAvailable != nil {
		ec.Lifecycle.OnUpdateAvailable(config.OnUpdateAvailable)
	}

	ec.Queue = queue.New(queue.Config{
		Store:    config.QueueStore,
		Logger:   &logger,
		Origin:   config.OriginURL,
		OnReplay: config.OnReplayCompleted,
	})
	// replay is triggered by the reconnect pulse, not platform
	// background sync
	ec.Connectivity.OnReconnect(func() {
		go func() {
			if err := ec.Queue.ReplayAll(context.Background()); err != nil {
				logger.Error().Err(err).Msg("Replay after reconnect failed")
			}
		}()
	})

	ec.Push = push.NewManager(push.Config{
		Logger:    &logger,
		Lifecycle: ec.Lifecycle,
		Prompter:  config.PushPrompter,
		Platform:  config.PushPlatform,
		Client:    &push.Client{BaseURL: config.PushEndpoint},
		UserID:    config.UserID,
	})

	return ec
}

// Register starts the worker lifecycle. The page calls this once at
// startup.
func (ec *EngineContext) Register(ctx context.Context) (*lifecycle.Registration, error) {
	return ec.Lifecycle.Register(ctx)
}

// IsOnline answers the one question page components ask most.
func (ec *EngineContext) IsOnline() bool {
	return ec.Connectivity.IsOnline()
}

// Diagnostics exports the diagnostic JSON document.
func (ec *EngineContext) Diagnostics() (Report, error) {
	if ec.engine == nil {
		return Report{}, nil
	}
	return ec.engine.Diagnostics()
}

// ClearAllOnLogout tears down every store the engine owns on behalf of
// a user: cached identity entries, the action queue, and any active
// push subscription.
func (ec *EngineContext) ClearAllOnLogout(ctx context.Context) error {
	if ec.engine != nil {
		if err := ec.engine.PurgeIdentity(); err != nil {
			return err
		}
	}
	if err := ec.queueStore.Clear(); err != nil {
		return err
	}
	if err := ec.Push.Unsubscribe(ctx); err != nil {
		return err
	}
	ec.log.Info().Msg("Engine stores cleared on logout")
	return nil
}

// Close releases the lifecycle manager and the durable stores.
func (ec *EngineContext) Close() error {
	ec.Lifecycle.Close()
	if err := ec.queueStore.Close(); err != nil {
		return err
	}
	return ec.cache.Close()
}
