package lifecycle

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// WorkerState is the lifecycle state of a background worker.
type WorkerState int32

const (
	StateUninstalled WorkerState = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s WorkerState) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

type envelope struct {
	msg   Message
	reply chan Message
}

// Engine is the part of the strategy engine the lifecycle drives.
// Satisfied by the root package's Engine.
type Engine interface {
	http.Handler
	Version() string
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	ClearAll() error
}

// Worker is one background worker instance: a strategy engine plus a
// lifecycle state and a message inbox. No state beyond the engine's
// durable stores is assumed to survive between messages.
type Worker struct {
	engine Engine
	log    zerolog.Logger

	mu    sync.Mutex
	state WorkerState

	inbox     chan envelope
	done      chan struct{}
	closeOnce sync.Once
}

func NewWorker(engine Engine, logger zerolog.Logger) *Worker {
	w := &Worker{
		engine: engine,
		log:    logger.With().Str("component", "worker").Str("workerVersion", engine.Version()).Logger(),
		state:  StateUninstalled,
		inbox:  make(chan envelope),
		done:   make(chan struct{}),
	}
	go w.messageLoop()
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Version returns the worker's deploy version.
func (w *Worker) Version() string {
	return w.engine.Version()
}

// ServeHTTP delegates to the engine's fetch interception point.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.engine.ServeHTTP(rw, r)
}

// Install moves the worker through installing to installed, precaching
// along the way. A redundant worker's install is abandoned silently.
func (w *Worker) Install(ctx context.Context) error {
	if !w.transition(StateUninstalled, StateInstalling) {
		return nil
	}
	if err := w.engine.Install(ctx); err != nil {
		// precache failure does not block installation; the fallback
		// document is simply unavailable until next visit
		w.log.Warn().Err(err).Msg("Precache failed during install")
	}
	w.transition(StateInstalling, StateInstalled)
	return nil
}

// Activate garbage collects old-version buckets and then marks the
// worker activated. GC is sequenced strictly before the worker begins
// serving: callers must not route requests to it until this returns.
func (w *Worker) Activate(ctx context.Context) error {
	if !w.transition(StateInstalled, StateActivating) {
		return nil
	}
	if err := w.engine.Activate(ctx); err != nil {
		return err
	}
	w.transition(StateActivating, StateActivated)
	w.log.Debug().Msg("Worker activated")
	return nil
}

// MarkRedundant retires a worker superseded by a newer registration.
// Not an error: its install is simply abandoned.
func (w *Worker) MarkRedundant() {
	w.mu.Lock()
	w.state = StateRedundant
	w.mu.Unlock()
	w.Close()
	w.log.Debug().Msg("Worker superseded, now redundant")
}

// Close stops the message loop. Safe to call more than once.
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}

func (w *Worker) transition(from, to WorkerState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return false
	}
	w.state = to
	return true
}

func (w *Worker) messageLoop() {
	for {
		select {
		case <-w.done:
			return
		case env := <-w.inbox:
			env.reply <- w.handle(env.msg)
		}
	}
}

func (w *Worker) handle(msg Message) Message {
	w.log.Trace().Str("type", string(msg.Type)).Str("id", msg.ID).Msg("Worker handling message")
	reply := Message{Type: msg.Type, ID: msg.ID}
	switch msg.Type {
	case MessageGetVersion:
		reply.Payload = mustJSON(VersionPayload{Version: w.engine.Version()})
	case MessageClearCache:
		cleared := true
		if err := w.engine.ClearAll(); err != nil {
			w.log.Error().Err(err).Msg("Could not clear cache")
			cleared = false
		}
		reply.Payload = mustJSON(ClearedPayload{Cleared: cleared})
	case MessageSkipWaiting:
		// the ack itself is the whole response; the manager performs
		// the actual activation once it arrives
	}
	return reply
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
