package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type alwaysActivated struct{}

func (alwaysActivated) WhenActivated(ctx context.Context) error { return nil }

type fixedPrompter struct {
	state PermissionState
	asked int
}

func (p *fixedPrompter) RequestPermission(ctx context.Context) (PermissionState, error) {
	p.asked++
	return p.state, nil
}

type fakePlatform struct {
	mu           sync.Mutex
	subscribed   bool
	unsubscribes int
}

func (p *fakePlatform) Subscribe(ctx context.Context, serverPublicKey string) (Keys, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed = true
	return Keys{P256dh: "p256dh-key", Auth: "auth-secret"}, "https://push.example/ep-1", nil
}

func (p *fakePlatform) Unsubscribe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed = false
	p.unsubscribes++
	return nil
}

type recordingServer struct {
	*httptest.Server
	mu      sync.Mutex
	saves   []SubscriptionRecord
	deletes int
	fail    bool
}

func newRecordingServer() *recordingServer {
	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		if rs.fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		switch r.Method {
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			var rec SubscriptionRecord
			json.Unmarshal(body, &rec)
			rs.saves = append(rs.saves, rec)
		case http.MethodDelete:
			rs.deletes++
		}
	}))
	return rs
}

func newTestManager(server *recordingServer, prompter Prompter, platform Platform) *Manager {
	return NewManager(Config{
		Lifecycle: alwaysActivated{},
		Prompter:  prompter,
		Platform:  platform,
		Client:    &Client{BaseURL: server.URL},
		UserID:    "user-1",
	})
}

func TestSubscribePersistsRecord(t *testing.T) {
	server := newRecordingServer()
	defer server.Close()
	m := newTestManager(server, &fixedPrompter{state: PermissionGranted}, &fakePlatform{})

	rec, err := m.Subscribe(context.Background(), "vapid-public-key")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Endpoint != "https://push.example/ep-1" || rec.UserID != "user-1" {
		t.Fatalf("Record is %+v", rec)
	}
	if m.State() != StateSubscribed {
		t.Fatalf("State is %s", m.State())
	}
	if len(server.saves) != 1 || server.saves[0].Keys.Auth != "auth-secret" {
		t.Fatalf("Server saves: %+v", server.saves)
	}
}

func TestSubscribeDeniedIsTypedResult(t *testing.T) {
	server := newRecordingServer()
	defer server.Close()
	m := newTestManager(server, &fixedPrompter{state: PermissionDenied}, &fakePlatform{})

	rec, err := m.Subscribe(context.Background(), "vapid-public-key")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Error is %v", err)
	}
	if rec != nil {
		t.Fatalf("Denied subscribe left a record: %+v", rec)
	}
	if m.State() != StateDenied {
		t.Fatalf("State is %s", m.State())
	}
	if len(server.saves) != 0 {
		t.Fatal("Denied subscribe reached the server")
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	server := newRecordingServer()
	defer server.Close()
	prompter := &fixedPrompter{state: PermissionGranted}
	m := newTestManager(server, prompter, &fakePlatform{})

	first, err := m.Subscribe(context.Background(), "key")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Subscribe(context.Background(), "key")
	if err != nil {
		t.Fatal(err)
	}
	if first.Endpoint != second.Endpoint {
		t.Fatal("Second subscribe produced a different record")
	}
	if prompter.asked != 1 {
		t.Fatalf("Permission asked %d times", prompter.asked)
	}
}

func TestUnsubscribeClearsLocalEvenWhenServerFails(t *testing.T) {
	server := newRecordingServer()
	defer server.Close()
	platform := &fakePlatform{}
	m := newTestManager(server, &fixedPrompter{state: PermissionGranted}, platform)

	if _, err := m.Subscribe(context.Background(), "key"); err != nil {
		t.Fatal(err)
	}
	server.mu.Lock()
	server.fail = true
	server.mu.Unlock()

	if err := m.Unsubscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateUnsubscribed {
		t.Fatalf("State is %s", m.State())
	}
	if m.Record() != nil {
		t.Fatal("Local record survived unsubscribe")
	}
	if platform.unsubscribes != 1 {
		t.Fatalf("Platform unsubscribed %d times", platform.unsubscribes)
	}
}

func TestFailedPersistRetriedOnForeground(t *testing.T) {
	server := newRecordingServer()
	defer server.Close()
	server.fail = true
	m := newTestManager(server, &fixedPrompter{state: PermissionGranted}, &fakePlatform{})

	rec, err := m.Subscribe(context.Background(), "key")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("Subscribe failed outright on persist error")
	}
	if len(server.saves) != 0 {
		t.Fatal("Save should have failed")
	}

	server.mu.Lock()
	server.fail = false
	server.mu.Unlock()
	m.Foreground(context.Background())

	if len(server.saves) != 1 {
		t.Fatalf("Deferred persist made %d saves", len(server.saves))
	}
	// a second foreground must not re-persist
	m.Foreground(context.Background())
	if len(server.saves) != 1 {
		t.Fatal("Foreground re-persisted an already saved record")
	}
}
