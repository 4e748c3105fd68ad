package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/always-cache/offline/cache"
	cachekey "github.com/always-cache/offline/pkg/cache-key"
	cachestatus "github.com/always-cache/offline/pkg/cache-status"
	classifier "github.com/always-cache/offline/pkg/request-classifier"

	"github.com/goccy/go-json"
)

const (
	outcomeHit      = "hit"
	outcomeNetwork  = "network"
	outcomeFallback = "fallback"
	outcomeOffline  = "offline"
)

// OfflineError is the body of synthetic API errors.
type OfflineError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var offlineErrorBody, _ = json.Marshal(OfflineError{
	Error:   "Offline",
	Message: "No cached data available",
})

const builtinOfflinePage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
</head>
<body>
<h1>You are offline</h1>
<p>This page is not available without a network connection. It will load again once you are back online.</p>
</body>
</html>
`

// cacheFirst answers from the static bucket and only goes to the network on a miss.
func (wk *Worker) cacheFirst(r *http.Request) (*http.Response, cachestatus.CacheStatus, string) {
	ctx := r.Context()
	key := cachekey.GetKey(r)
	cs := cachestatus.CacheStatus{}
	cs.SetDetail(string(classifier.CacheFirst))

	if snap, ok := wk.match(ctx, cache.RoleStatic, key); ok {
		cs.Hit()
		return snap.Response(r), cs, outcomeHit
	}
	cs.Forward(cachestatus.FwdUriMiss)
	res, err := wk.fetchAndStore(ctx, r, cache.RoleStatic, key, &cs)
	if err != nil {
		wk.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Fetch failed")
		return wk.fallback(r, classifier.CacheFirst), offlineStatus(classifier.CacheFirst), outcomeOffline
	}
	return res, cs, outcomeNetwork
}

// networkFirst goes to the network and falls back to the role's bucket.
// Without a stored response, APIs get a JSON error and documents get the offline page.
func (wk *Worker) networkFirst(r *http.Request, role cache.Role, policy classifier.Policy) (*http.Response, cachestatus.CacheStatus, string) {
	ctx := r.Context()
	key := cachekey.GetKey(r)
	cs := cachestatus.CacheStatus{}
	cs.SetDetail(string(policy))
	cs.Forward(cachestatus.FwdRequest)

	res, err := wk.fetchAndStore(ctx, r, role, key, &cs)
	if err == nil {
		return res, cs, outcomeNetwork
	}
	wk.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Fetch failed, trying bucket")

	if snap, ok := wk.match(ctx, role, key); ok {
		cs = cachestatus.CacheStatus{}
		cs.Hit()
		cs.SetDetail(string(policy))
		return snap.Response(r), cs, outcomeFallback
	}
	return wk.fallback(r, policy), offlineStatus(policy), outcomeOffline
}

// staleWhileRevalidate answers from the static bucket immediately and refreshes
// the entry in the background. On local development hosts stylesheets and scripts
// are always fetched fresh and the bucket is only a fallback.
func (wk *Worker) staleWhileRevalidate(r *http.Request) (*http.Response, cachestatus.CacheStatus, string) {
	if wk.isLoopback(r) && classifier.IsStyleOrScript(r) {
		return wk.devFresh(r)
	}
	ctx := r.Context()
	key := cachekey.GetKey(r)
	cs := cachestatus.CacheStatus{}
	cs.SetDetail(string(classifier.StaleWhileRevalidate))

	if snap, ok := wk.match(ctx, cache.RoleStatic, key); ok {
		cs.Hit()
		wk.revalidate(r, key)
		return snap.Response(r), cs, outcomeHit
	}
	cs.Forward(cachestatus.FwdUriMiss)
	res, err := wk.fetchAndStore(ctx, r, cache.RoleStatic, key, &cs)
	if err != nil {
		wk.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Fetch failed")
		return wk.fallback(r, classifier.StaleWhileRevalidate), offlineStatus(classifier.StaleWhileRevalidate), outcomeOffline
	}
	return res, cs, outcomeNetwork
}

// devFresh serves local development stylesheets and scripts straight from the
// network. The bucket is only read, as a fallback when the fetch fails.
func (wk *Worker) devFresh(r *http.Request) (*http.Response, cachestatus.CacheStatus, string) {
	ctx := r.Context()
	key := cachekey.GetKey(r)
	cs := cachestatus.CacheStatus{}
	cs.SetDetail("dev")
	cs.Forward(cachestatus.FwdRequest)

	// fresh responses are never written to the bucket
	res, err := wk.fetcher.Fetch(ctx, r)
	if err == nil {
		snap, readErr := cache.SnapshotFromResponse(res)
		if readErr == nil {
			return snap.Response(r), cs, outcomeNetwork
		}
		err = fmt.Errorf("%w: read body: %v", ErrNetworkFailure, readErr)
	}
	wk.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Dev fetch failed")
	if snap, ok := wk.match(ctx, cache.RoleStatic, key); ok {
		cs = cachestatus.CacheStatus{}
		cs.Hit()
		cs.SetDetail("dev")
		return snap.Response(r), cs, outcomeFallback
	}
	return wk.fallback(r, classifier.StaleWhileRevalidate), offlineStatus(classifier.StaleWhileRevalidate), outcomeOffline
}

// bypass forwards the request untouched. No bucket is read or written.
func (wk *Worker) bypass(r *http.Request) (*http.Response, cachestatus.CacheStatus, string) {
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdMethod)
	cs.SetDetail(string(classifier.Bypass))
	res, err := wk.fetcher.Fetch(r.Context(), r)
	if err != nil {
		wk.log.Debug().Err(err).Str("method", r.Method).Str("url", r.URL.String()).Msg("Fetch failed")
		return wk.fallback(r, classifier.Bypass), offlineStatus(classifier.Bypass), outcomeOffline
	}
	return res, cs, outcomeNetwork
}

// revalidate refreshes the entry in the background.
// Concurrent revalidations of the same key share one fetch.
func (wk *Worker) revalidate(r *http.Request, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), wk.revalidateTimeout)
	req := r.Clone(ctx)
	wk.background.Add(1)
	go func() {
		defer wk.background.Done()
		defer cancel()
		_, err, shared := wk.revalidations.Do(key, func() (any, error) {
			cs := cachestatus.CacheStatus{}
			res, err := wk.fetchAndStore(ctx, req, cache.RoleStatic, key, &cs)
			if err != nil {
				return nil, err
			}
			res.Body.Close()
			return cs.Stored, nil
		})
		if err != nil {
			RevalidationsTotal.WithLabelValues("failure").Inc()
			wk.log.Debug().Err(err).Str("key", key).Msg("Revalidation failed, keeping stored response")
			return
		}
		if !shared {
			RevalidationsTotal.WithLabelValues("success").Inc()
		}
		wk.log.Trace().Str("key", key).Bool("shared", shared).Msg("Revalidated")
	}()
}

// fetchAndStore fetches the request, buffers the response and stores it in
// the role's bucket when it is successful. A body that cannot be read counts
// as a network failure.
func (wk *Worker) fetchAndStore(ctx context.Context, r *http.Request, role cache.Role, key string, cs *cachestatus.CacheStatus) (*http.Response, error) {
	res, err := wk.fetcher.Fetch(ctx, r)
	if err != nil {
		return nil, err
	}
	snap, err := cache.SnapshotFromResponse(res)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetworkFailure, err)
	}
	stored, err := wk.registry.Store(ctx, role, key, snap)
	if err != nil {
		wk.log.Error().Err(err).Str("key", key).Msg("Could not write to bucket")
	}
	cs.Stored = stored
	return snap.Response(r), nil
}

// match looks the key up in the role's bucket. Storage errors count as a miss.
func (wk *Worker) match(ctx context.Context, role cache.Role, key string) (*cache.Snapshot, bool) {
	snap, ok, err := wk.registry.Match(ctx, role, key)
	if err != nil {
		wk.log.Error().Err(err).Str("key", key).Msg("Could not read from bucket")
		return nil, false
	}
	return snap, ok
}

// fallback builds the last-resort response for the policy.
// It only reads the bucket for the offline page, and never panics on storage errors.
func (wk *Worker) fallback(r *http.Request, policy classifier.Policy) *http.Response {
	switch policy {
	case classifier.NetworkFirstAPI, classifier.Bypass:
		return syntheticResponse(r, http.StatusServiceUnavailable, "application/json", offlineErrorBody)
	case classifier.NetworkFirstDocument:
		return wk.offlineDocument(r)
	default:
		return syntheticResponse(r, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("Offline"))
	}
}

func (wk *Worker) offlineDocument(r *http.Request) (res *http.Response) {
	defer func() {
		if v := recover(); v != nil {
			res = syntheticResponse(r, http.StatusServiceUnavailable, "text/html; charset=utf-8", []byte(builtinOfflinePage))
		}
	}()
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, wk.offlinePage, nil)
	if err == nil {
		if snap, ok := wk.match(r.Context(), cache.RoleStatic, cachekey.GetKey(req)); ok {
			return snap.Response(r)
		}
	}
	return syntheticResponse(r, http.StatusServiceUnavailable, "text/html; charset=utf-8", []byte(builtinOfflinePage))
}

func offlineStatus(policy classifier.Policy) cachestatus.CacheStatus {
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdUriMiss)
	cs.SetDetail(string(policy) + "-offline")
	return cs
}

func syntheticResponse(r *http.Request, status int, contentType string, body []byte) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", contentType)
	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}
