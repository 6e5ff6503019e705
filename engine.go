package offline

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/hireflux/offline-engine/cache"
	"github.com/hireflux/offline-engine/pkg/entrykey"
	"github.com/hireflux/offline-engine/pkg/serializer"
	"github.com/hireflux/offline-engine/pkg/tee"

	"github.com/rs/zerolog"
)

// EngineConfig configures a strategy engine instance.
type EngineConfig struct {
	// Storage for cache entries.
	Cache cache.Provider
	// URL of the origin server.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Deploy version tag. Entries stored under a different tag are
	// garbage collected on activation.
	Version string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Bucket definitions. DefaultBuckets() if empty.
	Buckets []Bucket
	// Path prefixes excluded from caching entirely.
	// DefaultIdentityPatterns() if nil.
	IdentityPatterns []string
	// Bound on a single origin fetch. Defaults to 5 seconds.
	NetworkTimeout time.Duration
	// Path of the offline fallback document served for navigations
	// that miss both network and cache. Defaults to "/offline.html".
	FallbackPath string
}

// Engine intercepts every outgoing request, classifies it, and applies
// the matching cache strategy. It owns the cache buckets exclusively.
type Engine struct {
	cache        cache.Provider
	keyer        entrykey.Keyer
	classifier   *Classifier
	log          zerolog.Logger
	reverseproxy httputil.ReverseProxy
	netTimeout   time.Duration
	version      string
	fallbackPath string
	diag         *Counters
}

// NewEngine initializes the strategy engine.
func NewEngine(config EngineConfig) *Engine {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Str("version", config.Version).
		Logger()

	if config.NetworkTimeout == 0 {
		config.NetworkTimeout = 5 * time.Second
	}
	if config.FallbackPath == "" {
		config.FallbackPath = "/offline.html"
	}

	e := &Engine{
		cache:        config.Cache,
		keyer:        entrykey.NewKeyer(config.Version),
		classifier:   NewClassifier(config.Buckets, config.IdentityPatterns),
		log:          logger,
		netTimeout:   config.NetworkTimeout,
		version:      config.Version,
		fallbackPath: config.FallbackPath,
		diag:         &Counters{},
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: config.OriginHost,
			},
		}
	}
	e.reverseproxy = httputil.ReverseProxy{
		Director:  createDirector(config.OriginURL.Scheme, host, hostHeader),
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if saver, ok := w.(*tee.ResponseSaver); ok {
				saver.SetError(err)
				return
			}
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	return e
}

// Version returns the engine's deploy version tag.
func (e *Engine) Version() string {
	return e.version
}

// ServeHTTP implements the http.Handler interface.
// This is the fetch interception point: every request from the page
// passes through here.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, strategy := e.classifier.Classify(r)
	log := e.log.With().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("bucket", bucket.Name).
		Str("strategy", string(strategy)).
		Logger()

	switch strategy {
	case StrategyCacheFirst:
		e.cacheFirst(w, r, bucket, log)
	case StrategyNetworkFirst:
		e.networkFirst(w, r, bucket, log)
	case StrategyStaleWhileRevalidate:
		e.staleWhileRevalidate(w, r, bucket, log)
	default:
		e.networkOnly(w, r, log)
	}
}

func (e *Engine) cacheFirst(w http.ResponseWriter, r *http.Request, bucket Bucket, log zerolog.Logger) {
	key := e.keyer.ForRequest(bucket.Name, r)
	if e.serveStored(w, key, bucket, log) {
		return
	}
	saver := e.fetch(r)
	if saver.Err() == nil {
		e.writeRecorded(w, saver, "miss")
		e.store(bucket, key, saver, log)
		return
	}
	log.Debug().Err(saver.Err()).Msg("Network failed with no cache entry")
	if IsNavigation(r) && e.serveFallback(w, log) {
		return
	}
	e.writeOfflineResponse(w)
}

func (e *Engine) networkFirst(w http.ResponseWriter, r *http.Request, bucket Bucket, log zerolog.Logger) {
	key := e.keyer.ForRequest(bucket.Name, r)
	saver := e.fetch(r)
	if saver.Err() == nil {
		e.writeRecorded(w, saver, "fwd")
		// store idempotent reads only, never responses for mutations
		if r.Method == http.MethodGet {
			e.store(bucket, key, saver, log)
		}
		return
	}
	log.Debug().Err(saver.Err()).Msg("Network failed, trying cache fallback")
	if r.Method == http.MethodGet && e.serveStored(w, key, bucket, log) {
		return
	}
	e.writeOfflineResponse(w)
}

func (e *Engine) staleWhileRevalidate(w http.ResponseWriter, r *http.Request, bucket Bucket, log zerolog.Logger) {
	key := e.keyer.ForRequest(bucket.Name, r)
	if e.serveStored(w, key, bucket, log) {
		// refresh in the background for next time
		refreshReq := r.Clone(context.Background())
		go func() {
			saver := e.fetch(refreshReq)
			if saver.Err() == nil {
				e.store(bucket, key, saver, log)
			}
		}()
		return
	}
	saver := e.fetch(r)
	if saver.Err() == nil {
		e.writeRecorded(w, saver, "miss")
		e.store(bucket, key, saver, log)
		return
	}
	e.writeOfflineResponse(w)
}

func (e *Engine) networkOnly(w http.ResponseWriter, r *http.Request, log zerolog.Logger) {
	saver := e.fetch(r)
	if saver.Err() != nil {
		log.Debug().Err(saver.Err()).Msg("Network-only request failed")
		e.writeOfflineResponse(w)
		return
	}
	e.writeRecorded(w, saver, "bypass")
}

// fetch proxies the request to the origin into a detached recorder,
// bounded by the engine's network timeout.
func (e *Engine) fetch(r *http.Request) *tee.ResponseSaver {
	ctx, cancel := context.WithTimeout(r.Context(), e.netTimeout)
	defer cancel()
	saver := tee.NewResponseSaver(nil)
	e.reverseproxy.ServeHTTP(saver, r.WithContext(ctx))
	return saver
}

// serveStored writes the cached entry for key to the client, if one
// exists and has not outlived the bucket's max age. Expired entries are
// purged lazily here rather than by a background sweep.
func (e *Engine) serveStored(w http.ResponseWriter, key string, bucket Bucket, log zerolog.Logger) bool {
	entry, ok, err := e.cache.Get(key)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		return false
	}
	if !ok {
		return false
	}
	if bucket.MaxAge > 0 && time.Since(entry.StoredAt) > bucket.MaxAge {
		log.Trace().Str("key", key).Msg("Entry outlived max age, purging")
		if err := e.cache.Purge(key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Could not purge expired entry")
		}
		return false
	}
	stored, err := serializer.FromBytes(entry.Bytes)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Could not deserialize stored response")
		return false
	}
	res := stored.Response
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.Header().Set("Cache-Status", "offline-engine; hit")
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		log.Error().Err(err).Msg("Could not write response body to client")
	}
	log.Trace().Str("key", key).Msg("Served stored response")
	return true
}

// store writes a successful recorded response into the bucket and then
// enforces the bucket's entry bound. A write failure never fails the
// user-visible fetch; it only bumps a diagnostic counter.
func (e *Engine) store(bucket Bucket, key string, saver *tee.ResponseSaver, log zerolog.Logger) {
	if saver.StatusCode() < 200 || saver.StatusCode() >= 300 {
		return
	}
	bts, err := serializer.ToBytes(serializer.StoredResponse{
		Response: saver.Response(),
		StoredAt: time.Now(),
	})
	if err != nil {
		e.diag.WriteFailures.Add(1)
		log.Error().Err(err).Str("key", key).Msg("Could not serialize response")
		return
	}
	err = e.cache.Put(cache.Entry{Key: key, StoredAt: time.Now(), Bytes: bts})
	if err != nil {
		e.diag.WriteFailures.Add(1)
		log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return
	}
	log.Trace().Str("key", key).Msg("Stored response")
	e.evict(bucket, log)
}

// evict removes oldest-first entries beyond the bucket's maxEntries.
func (e *Engine) evict(bucket Bucket, log zerolog.Logger) {
	if bucket.MaxEntries <= 0 {
		return
	}
	prefix := e.keyer.BucketPrefix(bucket.Name)
	for {
		count, err := e.cache.Count(prefix)
		if err != nil || count <= bucket.MaxEntries {
			return
		}
		key, _, err := e.cache.Oldest(prefix)
		if err != nil {
			return
		}
		if err := e.cache.Purge(key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Could not evict entry")
			return
		}
		e.diag.Evictions.Add(1)
		log.Trace().Str("key", key).Msg("Evicted oldest entry")
	}
}

func (e *Engine) serveFallback(w http.ResponseWriter, log zerolog.Logger) bool {
	req, err := http.NewRequest(http.MethodGet, e.fallbackPath, nil)
	if err != nil {
		return false
	}
	key := e.keyer.ForRequest(BucketPrecache, req)
	return e.serveStored(w, key, e.classifier.bucket(BucketPrecache), log)
}

// writeOfflineResponse surfaces a synthetic response upstream instead of
// hanging or erroring when neither network nor cache can serve.
func (e *Engine) writeOfflineResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Offline", "true")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte(`{"offline":true,"error":"network unavailable"}`))
}

// Install precaches the offline fallback document. Called while the
// worker is in its installing state.
func (e *Engine) Install(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.fallbackPath, nil)
	if err != nil {
		return err
	}
	saver := e.fetch(req)
	if saver.Err() != nil {
		return saver.Err()
	}
	key := e.keyer.ForRequest(BucketPrecache, req)
	e.store(e.classifier.bucket(BucketPrecache), key, saver, e.log)
	return nil
}

// Activate garbage collects every entry stored under a deploy version
// other than the current one. It runs to completion before the worker
// starts serving, so readers never observe a mix of two deploys' assets.
func (e *Engine) Activate(ctx context.Context) error {
	var stale []string
	err := e.cache.AllKeys("", func(key string) {
		version, err := entrykey.VersionOf(key)
		if err != nil || version != e.version {
			stale = append(stale, key)
		}
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.cache.Purge(key); err != nil {
			return err
		}
	}
	e.log.Debug().Int("purged", len(stale)).Msg("Activated: old version buckets collected")
	return nil
}

// ClearAll removes every entry in every bucket.
func (e *Engine) ClearAll() error {
	var keys []string
	if err := e.cache.AllKeys("", func(key string) { keys = append(keys, key) }); err != nil {
		return err
	}
	for _, key := range keys {
		if err := e.cache.Purge(key); err != nil {
			return err
		}
	}
	e.log.Debug().Int("cleared", len(keys)).Msg("Cleared all cache buckets")
	return nil
}

// PurgeIdentity removes any already-cached entries for identity-bearing
// endpoints. Called on logout.
func (e *Engine) PurgeIdentity() error {
	var stale []string
	err := e.cache.AllKeys("", func(key string) {
		if _, _, _, uri, err := entrykey.Parse(key); err == nil && e.classifier.IsIdentity(uri) {
			stale = append(stale, key)
		}
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := e.cache.Purge(key); err != nil {
			return err
		}
	}
	return nil
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// writeRecorded copies a recorded origin response to the client.
func (e *Engine) writeRecorded(w http.ResponseWriter, saver *tee.ResponseSaver, fwdReason string) {
	copyHeader(w.Header(), saver.Header())
	w.Header().Set("Cache-Status", "offline-engine; fwd="+fwdReason)
	status := saver.StatusCode()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(saver.Body())
}
