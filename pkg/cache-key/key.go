package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const methodSeparator = " "

// GetKey returns the cache key for a request: the method and the normalized request URL.
// The URL is normalized by dropping the fragment, lower-casing scheme and host
// and sorting the query parameters, so that equivalent requests share a key.
func GetKey(r *http.Request) string {
	return r.Method + methodSeparator + Normalize(r.URL)
}

// Normalize returns the canonical string form of a request URL used in cache keys.
func Normalize(u *url.URL) string {
	n := *u
	n.Fragment = ""
	n.RawFragment = ""
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	if n.Path == "" {
		n.Path = "/"
	}
	// Encode sorts by key. A query that does not parse is kept as sent,
	// otherwise the unparsable pairs would be dropped and distinct requests share a key.
	if q, err := url.ParseQuery(n.RawQuery); err == nil {
		n.RawQuery = q.Encode()
	}
	if n.Host == "" {
		return n.RequestURI()
	}
	return n.String()
}

// GetRequestFromKey creates a request equal (cache-wise) to the one that resulted in the key.
func GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method == "" || uri == "" {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	return http.NewRequest(method, uri, nil)
}
