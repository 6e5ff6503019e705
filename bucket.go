package offline

import (
	"net/http"
	"path"
	"strings"
	"time"
)

// Strategy selects how a request is resolved against cache and network.
type Strategy string

const (
	// Serve from cache when present, fetch network only on miss.
	StrategyCacheFirst Strategy = "cache-first"
	// Attempt network first, fall back to cache on network failure.
	StrategyNetworkFirst Strategy = "network-first"
	// Serve cached value immediately, refresh in the background.
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	// Never touch the cache. Used for identity-bearing endpoints.
	StrategyNetworkOnly Strategy = "network-only"
)

// Bucket is a named, versioned partition of cached responses with its
// own strategy and eviction bounds.
type Bucket struct {
	Name       string
	Strategy   Strategy
	MaxEntries int
	MaxAge     time.Duration
}

const (
	BucketPrecache = "precache"
	BucketRuntime  = "runtime"
	BucketImages   = "images"
	BucketAPI      = "api"
)

// DefaultBuckets returns the standard bucket set.
// Images get a dedicated bucket with a stricter entry bound so binary
// media cannot crowd out documents.
func DefaultBuckets() []Bucket {
	return []Bucket{
		{Name: BucketPrecache, Strategy: StrategyCacheFirst, MaxEntries: 32},
		{Name: BucketRuntime, Strategy: StrategyCacheFirst, MaxEntries: 128, MaxAge: 7 * 24 * time.Hour},
		{Name: BucketImages, Strategy: StrategyCacheFirst, MaxEntries: 50, MaxAge: 30 * 24 * time.Hour},
		{Name: BucketAPI, Strategy: StrategyNetworkFirst, MaxEntries: 256, MaxAge: 24 * time.Hour},
	}
}

// DefaultIdentityPatterns are path prefixes of endpoints carrying session
// or per-user identity data. These are never cached.
func DefaultIdentityPatterns() []string {
	return []string{"/api/auth", "/api/session", "/api/profile", "/api/me"}
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".svg": true, ".ico": true, ".avif": true,
}

var assetExtensions = map[string]bool{
	".js": true, ".css": true, ".woff": true, ".woff2": true,
	".ttf": true, ".otf": true, ".map": true,
}

// Classifier maps an incoming request to its bucket and effective strategy.
type Classifier struct {
	buckets          map[string]Bucket
	identityPatterns []string
	apiPrefix        string
}

func NewClassifier(buckets []Bucket, identityPatterns []string) *Classifier {
	if len(buckets) == 0 {
		buckets = DefaultBuckets()
	}
	if identityPatterns == nil {
		identityPatterns = DefaultIdentityPatterns()
	}
	byName := make(map[string]Bucket, len(buckets))
	for _, b := range buckets {
		byName[b.Name] = b
	}
	return &Classifier{
		buckets:          byName,
		identityPatterns: identityPatterns,
		apiPrefix:        "/api/",
	}
}

// Classify returns the bucket and strategy for the given request.
// Identity-bearing endpoints and mutating requests resolve to
// network-only; mutating requests additionally never store responses.
func (c *Classifier) Classify(r *http.Request) (Bucket, Strategy) {
	p := r.URL.Path
	if c.isIdentity(p) {
		return Bucket{}, StrategyNetworkOnly
	}
	if strings.HasPrefix(p, c.apiPrefix) || p == strings.TrimSuffix(c.apiPrefix, "/") {
		// api bucket covers mutations too, but only idempotent reads
		// are ever stored (see Engine.store)
		return c.bucket(BucketAPI), StrategyNetworkFirst
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return Bucket{}, StrategyNetworkOnly
	}
	ext := strings.ToLower(path.Ext(p))
	if imageExtensions[ext] {
		return c.bucket(BucketImages), StrategyCacheFirst
	}
	if assetExtensions[ext] {
		return c.bucket(BucketRuntime), StrategyStaleWhileRevalidate
	}
	// navigations and anything else document-like
	return c.bucket(BucketRuntime), StrategyCacheFirst
}

// IsIdentity reports whether the uri matches an identity exclusion pattern.
func (c *Classifier) IsIdentity(uri string) bool {
	p, _, _ := strings.Cut(uri, "?")
	return c.isIdentity(p)
}

func (c *Classifier) isIdentity(p string) bool {
	for _, pattern := range c.identityPatterns {
		if strings.HasPrefix(p, pattern) {
			return true
		}
	}
	return false
}

func (c *Classifier) bucket(name string) Bucket {
	if b, ok := c.buckets[name]; ok {
		return b
	}
	return Bucket{Name: name, Strategy: StrategyCacheFirst}
}

// Buckets returns all configured buckets.
func (c *Classifier) Buckets() []Bucket {
	out := make([]Bucket, 0, len(c.buckets))
	for _, b := range c.buckets {
		out = append(out, b)
	}
	return out
}

// IsNavigation reports whether the request is a document navigation.
func IsNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
