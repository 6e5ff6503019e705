package queue

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newTestQueue(t *testing.T, store *Store, origin string, onReplay func(string, Status)) *Queue {
	t.Helper()
	originURL, err := url.Parse(origin)
	if err != nil {
		t.Fatal(err)
	}
	return New(Config{
		Store:    store,
		Origin:   *originURL,
		OnReplay: onReplay,
		Sleep:    noSleep,
	})
}

func fileStore(t *testing.T) (*Store, string) {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "queue.db")
	store, err := NewStore(filename)
	if err != nil {
		t.Fatal(err)
	}
	return store, filename
}

func TestEnqueueSurvivesRestart(t *testing.T) {
	store, filename := fileStore(t)
	q := newTestQueue(t, store, "http://origin", nil)

	base := time.Now()
	ids := []string{"a-1", "a-2", "a-3"}
	for i, id := range ids {
		_, err := q.Enqueue(context.Background(), Action{
			ID:        id,
			Method:    "PATCH",
			URL:       "/applications/42",
			Headers:   http.Header{"Content-Type": {"application/json"}},
			Body:      []byte(`{"status":"applied"}`),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	store.Close()

	// simulate a process restart by reopening the durable store
	reopened, err := NewStore(filename)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	actions, err := reopened.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 3 {
		t.Fatalf("Got %d actions after restart", len(actions))
	}
	for i, a := range actions {
		if a.ID != ids[i] {
			t.Fatalf("Action %d is %s, expected %s", i, a.ID, ids[i])
		}
		if a.Headers.Get("Content-Type") != "application/json" {
			t.Fatalf("Headers lost: %+v", a.Headers)
		}
	}
}

func TestReplayCompletesAfterTransientFailures(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store, _ := fileStore(t)
	defer store.Close()
	var results []Status
	q := newTestQueue(t, store, server.URL, func(id string, status Status) {
		results = append(results, status)
	})

	_, err := q.Enqueue(context.Background(), Action{
		Method: "PATCH",
		URL:    "/applications/42",
		Body:   []byte(`{"status":"applied"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.ReplayAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	if attempts != 3 {
		t.Fatalf("Delivered %d times, expected exactly 3", attempts)
	}
	if len(results) != 1 || results[0] != StatusCompleted {
		t.Fatalf("Replay results: %v", results)
	}
	pending, _ := store.Pending()
	if len(pending) != 0 {
		t.Fatalf("Completed action still in store: %+v", pending)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	var deliveries int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deliveries++
	}))
	defer server.Close()

	store, _ := fileStore(t)
	defer store.Close()
	q := newTestQueue(t, store, server.URL, nil)

	q.Enqueue(context.Background(), Action{Method: "POST", URL: "/jobs/7/apply"})
	if err := q.ReplayAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := q.ReplayAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if deliveries != 1 {
		t.Fatalf("Completed action re-sent: %d deliveries", deliveries)
	}
}

func TestDefinitiveRejectionDeadLetters(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	store, _ := fileStore(t)
	defer store.Close()
	var results []Status
	q := newTestQueue(t, store, server.URL, func(id string, status Status) {
		results = append(results, status)
	})

	q.Enqueue(context.Background(), Action{Method: "POST", URL: "/applications"})
	if err := q.ReplayAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	if attempts != 1 {
		t.Fatalf("Rejected action retried: %d attempts", attempts)
	}
	if len(results) != 1 || results[0] != StatusFailed {
		t.Fatalf("Replay results: %v", results)
	}
	failed, _ := store.Failed()
	if len(failed) != 1 {
		t.Fatalf("Dead-lettered action missing from store: %+v", failed)
	}
}

func TestTransientFailureExhaustsAttempts(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	store, _ := fileStore(t)
	defer store.Close()
	q := newTestQueue(t, store, server.URL, nil)

	q.Enqueue(context.Background(), Action{Method: "PATCH", URL: "/applications/42"})
	if err := q.ReplayAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	if attempts != 5 {
		t.Fatalf("Made %d attempts, expected 5", attempts)
	}
	failed, _ := store.Failed()
	if len(failed) != 1 || failed[0].RetryCount != 5 {
		t.Fatalf("Dead letter state: %+v", failed)
	}
}

func TestSameResourceReplaysInOrder(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		if r.URL.Path == "/applications/42" {
			bodies = append(bodies, string(body))
		}
		mu.Unlock()
	}))
	defer server.Close()

	store, _ := fileStore(t)
	defer store.Close()
	q := newTestQueue(t, store, server.URL, nil)

	base := time.Now()
	q.Enqueue(context.Background(), Action{
		Method: "PATCH", URL: "/applications/42", Body: []byte("A"), CreatedAt: base,
	})
	q.Enqueue(context.Background(), Action{
		Method: "PATCH", URL: "/applications/42", Body: []byte("B"), CreatedAt: base.Add(time.Millisecond),
	})
	q.Enqueue(context.Background(), Action{
		Method: "PATCH", URL: "/jobs/7", Body: []byte("other"), CreatedAt: base.Add(2 * time.Millisecond),
	})
	if err := q.ReplayAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(bodies) != 2 || bodies[0] != "A" || bodies[1] != "B" {
		t.Fatalf("Same-resource order was %v", bodies)
	}
}

func TestSingleFlightAcrossTabs(t *testing.T) {
	var mu sync.Mutex
	var deliveries int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		deliveries++
		mu.Unlock()
	}))
	defer server.Close()

	store, filename := fileStore(t)
	defer store.Close()
	secondStore, err := NewStore(filename)
	if err != nil {
		t.Fatal(err)
	}
	defer secondStore.Close()

	tab1 := newTestQueue(t, store, server.URL, nil)
	tab2 := newTestQueue(t, secondStore, server.URL, nil)

	tab1.Enqueue(context.Background(), Action{Method: "POST", URL: "/applications"})

	// both tabs observe the same reconnection event
	var wg sync.WaitGroup
	for _, tab := range []*Queue{tab1, tab2} {
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			if err := q.ReplayAll(context.Background()); err != nil {
				t.Error(err)
			}
		}(tab)
	}
	wg.Wait()

	if deliveries != 1 {
		t.Fatalf("Queue ended with %d submissions, expected 1", deliveries)
	}
}

func TestEnqueueDuplicateIDIsNoop(t *testing.T) {
	store, _ := fileStore(t)
	defer store.Close()
	q := newTestQueue(t, store, "http://origin", nil)

	q.Enqueue(context.Background(), Action{ID: "dup", Method: "POST", URL: "/a", Body: []byte("first")})
	q.Enqueue(context.Background(), Action{ID: "dup", Method: "POST", URL: "/a", Body: []byte("second")})

	pending, _ := store.Pending()
	if len(pending) != 1 || string(pending[0].Body) != "first" {
		t.Fatalf("Pending after duplicate enqueue: %+v", pending)
	}
}

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	q := New(Config{Store: nil, Sleep: noSleep})
	expected := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, want := range expected {
		if got := q.backoff(i + 1); got != want {
			t.Fatalf("backoff(%d) = %s, expected %s", i+1, got, want)
		}
	}
}
