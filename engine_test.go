package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/hireflux/offline-engine/cache"
	"github.com/hireflux/offline-engine/pkg/entrykey"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

func testEngine(t *testing.T, handler http.Handler, config EngineConfig) (*Engine, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	originURL, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if config.Cache == nil {
		config.Cache = cache.NewMemCache()
	}
	config.OriginURL = *originURL
	if config.Version == "" {
		config.Version = "v1"
	}
	logger := zerolog.Nop()
	config.Logger = &logger
	return NewEngine(config), server
}

func getRequest(target string) *http.Request {
	req, _ := http.NewRequest(http.MethodGet, target, nil)
	return req
}

func TestCacheFirstServesSecondRequestFromCache(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("Hello world"))
	})
	e, _ := testEngine(t, handler, EngineConfig{})

	e.ServeHTTP(httptest.NewRecorder(), getRequest("/page"))
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, getRequest("/page"))

	if handleCount != 1 {
		t.Fatalf("Origin called %d times", handleCount)
	}
	if body, _ := io.ReadAll(rr.Result().Body); string(body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
	if cs := rr.Result().Header.Get("Cache-Status"); cs != "offline-engine; hit" {
		t.Fatalf("Cache-Status is %q", cs)
	}
}

func TestCacheFirstServesWhileOffline(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("cached page"))
	})
	e, server := testEngine(t, handler, EngineConfig{})

	e.ServeHTTP(httptest.NewRecorder(), getRequest("/page"))
	server.Close()

	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, getRequest("/page"))
	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	if body, _ := io.ReadAll(rr.Result().Body); string(body) != "cached page" {
		t.Fatalf("Body is %s", body)
	}
}

func TestNavigationFallbackWhenOffline(t *testing.T) {
	router := chi.NewRouter()
	router.Get("/offline.html", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("you are offline"))
	})
	e, server := testEngine(t, router, EngineConfig{})

	if err := e.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	server.Close()

	req := getRequest("/never-visited")
	req.Header.Set("Accept", "text/html")
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)
	if body, _ := io.ReadAll(rr.Result().Body); string(body) != "you are offline" {
		t.Fatalf("Body is %s", body)
	}
}

func TestNonNavigationMissGetsSyntheticOfflineResponse(t *testing.T) {
	e, server := testEngine(t, http.NotFoundHandler(), EngineConfig{})
	server.Close()

	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, getRequest("/data"))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", rr.Code)
	}
	if rr.Result().Header.Get("X-Offline") != "true" {
		t.Fatal("X-Offline header missing")
	}
	var payload map[string]any
	if err := json.NewDecoder(rr.Result().Body).Decode(&payload); err != nil {
		t.Fatalf("Body is not JSON: %v", err)
	}
	if payload["offline"] != true {
		t.Fatalf("Payload is %v", payload)
	}
}

func TestNetworkFirstPrefersOriginAndFallsBackToCache(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		fmt.Fprintf(w, "response %d", handleCount)
	})
	e, server := testEngine(t, handler, EngineConfig{})

	e.ServeHTTP(httptest.NewRecorder(), getRequest("/api/items"))
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, getRequest("/api/items"))
	if handleCount != 2 {
		t.Fatalf("Origin called %d times, network-first must not short-circuit", handleCount)
	}
	if body, _ := io.ReadAll(rr.Result().Body); string(body) != "response 2" {
		t.Fatalf("Body is %s", body)
	}

	server.Close()
	rr = httptest.NewRecorder()
	e.ServeHTTP(rr, getRequest("/api/items"))
	if body, _ := io.ReadAll(rr.Result().Body); string(body) != "response 2" {
		t.Fatalf("Offline fallback body is %s", body)
	}
	if cs := rr.Result().Header.Get("Cache-Status"); cs != "offline-engine; hit" {
		t.Fatalf("Cache-Status is %q", cs)
	}
}

func TestMutationOfflineIsNeverServedFromCache(t *testing.T) {
	e, server := testEngine(t, http.NotFoundHandler(), EngineConfig{})
	server.Close()

	req, _ := http.NewRequest(http.MethodPost, "/api/items", nil)
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", rr.Code)
	}
	if rr.Result().Header.Get("X-Offline") != "true" {
		t.Fatal("X-Offline header missing")
	}
}

func TestIdentityEndpointsBypassCache(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("user data"))
	})
	provider := cache.NewMemCache()
	e, server := testEngine(t, handler, EngineConfig{Cache: provider})

	e.ServeHTTP(httptest.NewRecorder(), getRequest("/api/me"))
	e.ServeHTTP(httptest.NewRecorder(), getRequest("/api/me"))
	if handleCount != 2 {
		t.Fatalf("Origin called %d times, identity requests must not be cached", handleCount)
	}
	if count, err := provider.Count(""); err != nil || count != 0 {
		t.Fatalf("Cache holds %d entries (err %v)", count, err)
	}

	server.Close()
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, getRequest("/api/me"))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Offline identity request got %d", rr.Code)
	}
}

func TestStaleWhileRevalidateRefreshesInBackground(t *testing.T) {
	body := "body {color: red}"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
	e, _ := testEngine(t, handler, EngineConfig{})

	e.ServeHTTP(httptest.NewRecorder(), getRequest("/app.css"))
	body = "body {color: blue}"

	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, getRequest("/app.css"))
	if got, _ := io.ReadAll(rr.Result().Body); string(got) != "body {color: red}" {
		t.Fatalf("Second response is %s, expected the stale copy", got)
	}

	// the refresh runs in the background, give it a moment
	deadline := time.Now().Add(2 * time.Second)
	for {
		rr = httptest.NewRecorder()
		e.ServeHTTP(rr, getRequest("/app.css"))
		got, _ := io.ReadAll(rr.Result().Body)
		if string(got) == "body {color: blue}" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Refreshed response never appeared, last body %s", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMaxAgeExpiresEntriesLazily(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("fresh"))
	})
	buckets := DefaultBuckets()
	for i := range buckets {
		if buckets[i].Name == BucketRuntime {
			buckets[i].MaxAge = 20 * time.Millisecond
		}
	}
	e, _ := testEngine(t, handler, EngineConfig{Buckets: buckets})

	e.ServeHTTP(httptest.NewRecorder(), getRequest("/page"))
	e.ServeHTTP(httptest.NewRecorder(), getRequest("/page"))
	if handleCount != 1 {
		t.Fatalf("Origin called %d times before expiry", handleCount)
	}

	time.Sleep(30 * time.Millisecond)
	e.ServeHTTP(httptest.NewRecorder(), getRequest("/page"))
	if handleCount != 2 {
		t.Fatalf("Origin called %d times, expired entry should refetch", handleCount)
	}
}

func TestEvictionRemovesOldestFirst(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pixels"))
	})
	buckets := DefaultBuckets()
	for i := range buckets {
		if buckets[i].Name == BucketImages {
			buckets[i].MaxEntries = 2
		}
	}
	provider := cache.NewMemCache()
	e, _ := testEngine(t, handler, EngineConfig{Cache: provider, Buckets: buckets})

	for _, p := range []string{"/a.png", "/b.png", "/c.png"} {
		e.ServeHTTP(httptest.NewRecorder(), getRequest(p))
		time.Sleep(5 * time.Millisecond)
	}

	prefix := entrykey.NewKeyer("v1").BucketPrefix(BucketImages)
	if count, err := provider.Count(prefix); err != nil || count != 2 {
		t.Fatalf("Bucket holds %d entries (err %v)", count, err)
	}
	var keys []string
	if err := provider.AllKeys(prefix, func(key string) { keys = append(keys, key) }); err != nil {
		t.Fatal(err)
	}
	for _, key := range keys {
		if _, _, _, uri, _ := entrykey.Parse(key); uri == "/a.png" {
			t.Fatal("Oldest entry survived eviction")
		}
	}
	if e.diag.Evictions.Load() != 1 {
		t.Fatalf("Eviction counter is %d", e.diag.Evictions.Load())
	}
}

func TestActivateCollectsOldVersionEntries(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset"))
	})
	provider := cache.NewMemCache()
	old, _ := testEngine(t, handler, EngineConfig{Cache: provider, Version: "v1"})
	old.ServeHTTP(httptest.NewRecorder(), getRequest("/page"))
	old.ServeHTTP(httptest.NewRecorder(), getRequest("/logo.png"))

	next, _ := testEngine(t, handler, EngineConfig{Cache: provider, Version: "v2"})
	next.ServeHTTP(httptest.NewRecorder(), getRequest("/page"))
	if err := next.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := provider.AllKeys("", func(key string) {
		if version, err := entrykey.VersionOf(key); err != nil || version != "v2" {
			t.Fatalf("Stale key survived activation: %s", key)
		}
	}); err != nil {
		t.Fatal(err)
	}
	if count, err := provider.Count(""); err != nil || count != 1 {
		t.Fatalf("Cache holds %d entries after activation (err %v)", count, err)
	}
}

func TestPurgeIdentityRemovesStaleIdentityEntries(t *testing.T) {
	provider := cache.NewMemCache()
	e, _ := testEngine(t, http.NotFoundHandler(), EngineConfig{Cache: provider})

	// a leftover from a previous build that classified these as cacheable
	keyer := entrykey.NewKeyer("v1")
	stale := keyer.ForRequest(BucketAPI, getRequest("/api/profile"))
	fine := keyer.ForRequest(BucketAPI, getRequest("/api/items"))
	for _, key := range []string{stale, fine} {
		if err := provider.Put(cache.Entry{Key: key, StoredAt: time.Now(), Bytes: []byte("x")}); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.PurgeIdentity(); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := provider.Get(stale); ok {
		t.Fatal("Identity entry survived purge")
	}
	if _, ok, _ := provider.Get(fine); !ok {
		t.Fatal("Non-identity entry was purged")
	}
}

func TestDiagnosticsReportsPerBucketCounts(t *testing.T) {
	router := chi.NewRouter()
	router.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	e, _ := testEngine(t, router, EngineConfig{})

	e.ServeHTTP(httptest.NewRecorder(), getRequest("/page"))
	e.ServeHTTP(httptest.NewRecorder(), getRequest("/logo.png"))
	e.ServeHTTP(httptest.NewRecorder(), getRequest("/icon.png"))

	report, err := e.Diagnostics()
	if err != nil {
		t.Fatal(err)
	}
	if report.Version != "v1" {
		t.Fatalf("Report version is %s", report.Version)
	}
	counts := map[string]int{}
	for _, b := range report.Buckets {
		counts[b.Name] = b.Entries
	}
	if counts[BucketImages] != 2 || counts[BucketRuntime] != 1 {
		t.Fatalf("Bucket counts are %v", counts)
	}
}

func TestClearAllEmptiesEveryBucket(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	provider := cache.NewMemCache()
	e, _ := testEngine(t, handler, EngineConfig{Cache: provider})

	e.ServeHTTP(httptest.NewRecorder(), getRequest("/page"))
	e.ServeHTTP(httptest.NewRecorder(), getRequest("/logo.png"))
	if err := e.ClearAll(); err != nil {
		t.Fatal(err)
	}
	if count, err := provider.Count(""); err != nil || count != 0 {
		t.Fatalf("Cache holds %d entries after clear (err %v)", count, err)
	}
}
