package entrykey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed cache key")

const (
	versionSeparator = "@"
	bucketSeparator  = ":"
	methodSeparator  = ":"
)

// Keyer generates cache keys scoped to a deploy version.
// Keys have the form `bucket@version:METHOD:uri`, which makes the
// version tag of any stored entry recoverable from its key alone.
type Keyer struct {
	// Current deploy version tag. Bumped on every deploy.
	Version string
}

func NewKeyer(version string) Keyer {
	return Keyer{Version: version}
}

// BucketPrefix gets the key prefix for all entries of the given bucket
// under the current version.
func (k Keyer) BucketPrefix(bucket string) string {
	return bucket + versionSeparator + k.Version + bucketSeparator
}

// ForRequest returns the cache key for a request within the given bucket.
// The request URL is normalized: the fragment is dropped and the
// path defaults to "/" when empty.
func (k Keyer) ForRequest(bucket string, r *http.Request) string {
	return k.BucketPrefix(bucket) + r.Method + methodSeparator + normalizeURI(r.URL)
}

// Parse splits a key into its bucket, version, method and uri parts.
func Parse(key string) (bucket, version, method, uri string, err error) {
	bucketAndVersion, rest, found := strings.Cut(key, bucketSeparator)
	if !found {
		err = ErrorMalformedKey
		return
	}
	bucket, version, found = strings.Cut(bucketAndVersion, versionSeparator)
	if !found {
		err = ErrorMalformedKey
		return
	}
	method, uri, found = strings.Cut(rest, methodSeparator)
	if !found {
		err = ErrorMalformedKey
	}
	return
}

// VersionOf extracts the deploy version tag embedded in a key.
func VersionOf(key string) (string, error) {
	_, version, _, _, err := Parse(key)
	return version, err
}

// RequestFromKey reconstructs a request that is caching-wise equal to the
// request that produced the key. Used for background revalidation.
func RequestFromKey(key string) (*http.Request, error) {
	_, _, method, uri, err := Parse(key)
	if err != nil {
		return nil, err
	}
	return http.NewRequest(method, uri, nil)
}

func normalizeURI(u *url.URL) string {
	c := *u
	c.Fragment = ""
	if c.Path == "" {
		c.Path = "/"
	}
	return c.RequestURI()
}
