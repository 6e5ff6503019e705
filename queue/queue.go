// Package queue persists mutating requests that failed for lack of
// connectivity and replays them in order once the network returns.
package queue

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Doer executes one replay delivery. Usually *http.Client.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Config configures a Queue.
type Config struct {
	// Durable action store. Required.
	Store *Store
	// HTTP client for replays. http.DefaultClient if nil.
	Client Doer
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Origin resolves relative action URLs.
	Origin url.URL
	// OnReplay is the UI collaborator callback, invoked with the final
	// status of each replayed action.
	OnReplay func(actionID string, status Status)
	// Delivery attempts per action before dead-lettering. Defaults to 5.
	MaxAttempts int
	// Backoff base and cap. Default 2s base, 60s cap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Sleep is the backoff wait, injectable so retry behavior is
	// testable without real timers.
	Sleep func(ctx context.Context, d time.Duration) error
	// Cooperative lock tuning for cross-tab single-flight.
	LockName string
	LockTTL  time.Duration
}

// Queue is the offline action queue. One instance per tab; instances
// sharing a store coordinate through the named lock so only one replays.
type Queue struct {
	store       *Store
	client      Doer
	log         zerolog.Logger
	origin      url.URL
	onReplay    func(string, Status)
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	lockName    string
	lockTTL     time.Duration
	owner       string
}

func New(config Config) *Queue {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	if config.Client == nil {
		config.Client = http.DefaultClient
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 5
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = 2 * time.Second
	}
	if config.BackoffCap == 0 {
		config.BackoffCap = 60 * time.Second
	}
	if config.Sleep == nil {
		config.Sleep = defaultSleep
	}
	if config.LockName == "" {
		config.LockName = "offline-replay"
	}
	if config.LockTTL == 0 {
		config.LockTTL = time.Minute
	}
	return &Queue{
		store:       config.Store,
		client:      config.Client,
		log:         logger.With().Str("component", "queue").Logger(),
		origin:      config.Origin,
		onReplay:    config.OnReplay,
		maxAttempts: config.MaxAttempts,
		backoffBase: config.BackoffBase,
		backoffCap:  config.BackoffCap,
		sleep:       config.Sleep,
		lockName:    config.LockName,
		lockTTL:     config.LockTTL,
		owner:       uuid.NewString(),
	}
}

// Enqueue persists a mutating request that failed for lack of
// connectivity. The action is durable before Enqueue returns.
// A missing id gets a fresh one; enqueueing an existing id is a no-op.
func (q *Queue) Enqueue(ctx context.Context, a Action) (Action, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.Status = StatusPending
	if err := q.store.Add(a); err != nil {
		return a, err
	}
	q.log.Debug().Str("id", a.ID).Str("method", a.Method).Str("url", a.URL).Msg("Queued offline action")
	return a, nil
}

// Pending lists actions still awaiting replay, oldest first. Pages use
// this to surface a queued-changes indicator.
func (q *Queue) Pending() ([]Action, error) {
	return q.store.Pending()
}

// ReplayAll replays every pending action. Within one resource, actions
// apply strictly in creation order; across resources they replay
// concurrently. If another tab holds the replay lock this call is a
// no-op.
func (q *Queue) ReplayAll(ctx context.Context) error {
	acquired, err := q.store.TryLock(q.lockName, q.owner, q.lockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		q.log.Debug().Msg("Replay lock held elsewhere, skipping")
		return nil
	}
	defer q.store.Unlock(q.lockName, q.owner)

	actions, err := q.store.Pending()
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return nil
	}
	q.log.Info().Int("count", len(actions)).Msg("Replaying queued actions")

	groups := make(map[string][]Action)
	var order []string
	for _, a := range actions {
		key := resourceKey(a.URL)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], a)
	}

	var wg sync.WaitGroup
	for _, key := range order {
		group := groups[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, a := range group {
				if ctx.Err() != nil {
					return
				}
				q.replayAction(ctx, a)
			}
		}()
	}
	wg.Wait()
	return nil
}

// replayAction drives one action through its state machine until it is
// completed or dead-lettered.
func (q *Queue) replayAction(ctx context.Context, a Action) {
	log := q.log.With().Str("id", a.ID).Str("method", a.Method).Str("url", a.URL).Logger()
	for {
		if err := q.store.SetStatus(a.ID, StatusSyncing, a.RetryCount); err != nil {
			log.Error().Err(err).Msg("Could not mark action syncing")
			return
		}
		status, err := q.deliver(ctx, a)
		switch {
		case err == nil && status >= 200 && status < 300:
			if err := q.store.Complete(a.ID); err != nil {
				log.Error().Err(err).Msg("Could not complete action")
				return
			}
			log.Debug().Int("attempts", a.RetryCount+1).Msg("Action replayed")
			q.notify(a.ID, StatusCompleted)
			return
		case err == nil && status >= 400 && status < 500:
			// definitive rejection: the business operation was refused,
			// retrying will not succeed
			q.deadLetter(a, log.With().Int("status", status).Logger())
			return
		}
		// transient: network error or 5xx
		a.RetryCount++
		if a.RetryCount >= q.maxAttempts {
			q.deadLetter(a, log)
			return
		}
		if err := q.store.SetStatus(a.ID, StatusPending, a.RetryCount); err != nil {
			log.Error().Err(err).Msg("Could not reschedule action")
			return
		}
		delay := q.backoff(a.RetryCount)
		log.Debug().Err(err).Dur("backoff", delay).Int("retryCount", a.RetryCount).Msg("Transient failure, backing off")
		if err := q.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (q *Queue) deadLetter(a Action, log zerolog.Logger) {
	if err := q.store.SetStatus(a.ID, StatusFailed, a.RetryCount); err != nil {
		log.Error().Err(err).Msg("Could not dead-letter action")
		return
	}
	log.Warn().Msg("Action dead-lettered for manual resolution")
	q.notify(a.ID, StatusFailed)
}

// deliver sends one delivery attempt with the action's original method,
// url, headers and body.
func (q *Queue) deliver(ctx context.Context, a Action) (int, error) {
	target, err := q.resolve(a.URL)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, a.Method, target, bytes.NewReader(a.Body))
	if err != nil {
		return 0, err
	}
	for name, values := range a.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	res, err := q.client.Do(req)
	if err != nil {
		return 0, err
	}
	res.Body.Close()
	return res.StatusCode, nil
}

func (q *Queue) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return raw, nil
	}
	if q.origin.Host == "" {
		return "", fmt.Errorf("relative action url %q with no origin configured", raw)
	}
	return q.origin.ResolveReference(u).String(), nil
}

func (q *Queue) notify(id string, status Status) {
	if q.onReplay != nil {
		q.onReplay(id, status)
	}
}

// backoff is exponential in the retry count, capped.
func (q *Queue) backoff(retryCount int) time.Duration {
	d := q.backoffBase << (retryCount - 1)
	if d > q.backoffCap || d <= 0 {
		return q.backoffCap
	}
	return d
}

// resourceKey groups actions that must replay in order: two edits to the
// same record apply in the order the user made them.
func resourceKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
