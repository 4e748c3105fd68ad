// Package offline is an offline-resilience layer for web applications.
//
// A Worker sits between pages and the network. Every GET request is classified
// into a caching policy and answered from the network, from a versioned cache
// bucket, or from a synthetic fallback, so that the page keeps working while offline.
// Lifecycle events (install, activate, push, notification clicks and background sync)
// are dispatched to the same Worker.
package offline

import (
	"context"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/offline/cache"
	cachekey "github.com/always-cache/offline/pkg/cache-key"
	cachestatus "github.com/always-cache/offline/pkg/cache-status"
	classifier "github.com/always-cache/offline/pkg/request-classifier"
	"github.com/always-cache/offline/store"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultOfflinePage is the document served to navigations when neither
// the network nor the bucket can answer.
const DefaultOfflinePage = "/offline.html"

// DefaultPrecache is the manifest of critical assets cached on install.
var DefaultPrecache = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
	DefaultOfflinePage,
}

type Config struct {
	// Buckets for cached responses.
	Registry *cache.Registry
	// Network leg of every request.
	Fetcher Fetcher
	// Classifier to use. The default rules are used if nil.
	Classifier *classifier.Classifier
	// Hosts treated as local development hosts in addition to localhost, 127.0.0.1 and ::1.
	// Stylesheets and scripts requested from them are always fetched fresh.
	DevHosts []string
	// Path of the offline document. DefaultOfflinePage if empty.
	OfflinePage string
	// Assets cached on install. DefaultPrecache if nil.
	Precache []string
	// Timeout of background revalidations.
	RevalidateTimeout time.Duration
	// Record store drained by background sync. Optional.
	Store *store.Manager
	// Replays unsynced records to the remote service. Optional.
	Replayer Replayer
	// Open pages. Optional.
	Clients Clients
	// Title of push notifications.
	AppName string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Worker intercepts requests and handles lifecycle events.
type Worker struct {
	registry          *cache.Registry
	fetcher           Fetcher
	classifier        classifier.Classifier
	loopback          map[string]struct{}
	offlinePage       string
	precache          []string
	revalidateTimeout time.Duration
	store             *store.Manager
	replayer          Replayer
	clients           Clients
	appName           string
	log               zerolog.Logger

	revalidations singleflight.Group
	background    sync.WaitGroup

	handlers map[EventKind]Handler
	stateMu  sync.RWMutex
	state    State
}

// New creates a worker. Registry and Fetcher are required.
func New(config Config) *Worker {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	wk := &Worker{
		registry:          config.Registry,
		fetcher:           config.Fetcher,
		offlinePage:       config.OfflinePage,
		precache:          config.Precache,
		revalidateTimeout: config.RevalidateTimeout,
		store:             config.Store,
		replayer:          config.Replayer,
		clients:           config.Clients,
		appName:           config.AppName,
		log:               logger.With().Str("component", "worker").Str("generation", cache.Version).Logger(),
		state:             StateParsed,
	}
	if config.Classifier != nil {
		wk.classifier = *config.Classifier
	} else {
		wk.classifier = classifier.New(nil, nil)
	}
	if wk.offlinePage == "" {
		wk.offlinePage = DefaultOfflinePage
	}
	if wk.precache == nil {
		wk.precache = DefaultPrecache
	}
	if wk.revalidateTimeout == 0 {
		wk.revalidateTimeout = 30 * time.Second
	}
	if wk.appName == "" {
		wk.appName = "Offline"
	}
	wk.loopback = map[string]struct{}{
		"localhost": {},
		"127.0.0.1": {},
		"::1":       {},
	}
	for _, host := range config.DevHosts {
		wk.loopback[strings.ToLower(host)] = struct{}{}
	}
	wk.handlers = map[EventKind]Handler{
		EventInstall:           wk.install,
		EventActivate:          wk.activate,
		EventPush:              wk.push,
		EventNotificationClick: wk.notificationClick,
		EventSync:              wk.sync,
	}
	return wk
}

// Middleware returns a worker in front of the next handler.
// The wrapped handler takes the place of the network.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		config.Fetcher = HandlerFetcher{Handler: next}
		return New(config)
	}
}

// ServeHTTP implements the http.Handler interface.
func (wk *Worker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	policy := wk.classifier.Classify(r)
	res, cs, outcome := wk.respond(r, policy)
	RequestsTotal.WithLabelValues(string(policy), outcome).Inc()
	wk.send(w, r, res, cs)
}

// respond applies the policy. It never fails: panics and errors end in a fallback response.
func (wk *Worker) respond(r *http.Request, policy classifier.Policy) (res *http.Response, cs cachestatus.CacheStatus, outcome string) {
	defer func() {
		if v := recover(); v != nil {
			wk.log.Error().Interface("panic", v).Str("url", r.URL.String()).Msg("Recovered from panic while handling request")
			res, cs, outcome = wk.fallback(r, policy), offlineStatus(policy), outcomeOffline
		}
	}()
	switch policy {
	case classifier.Bypass:
		return wk.bypass(r)
	case classifier.StaleWhileRevalidate:
		return wk.staleWhileRevalidate(r)
	case classifier.NetworkFirstAPI:
		return wk.networkFirst(r, cache.RoleAPI, policy)
	case classifier.NetworkFirstDocument:
		return wk.networkFirst(r, cache.RoleStatic, policy)
	default:
		return wk.cacheFirst(r)
	}
}

func (wk *Worker) send(w http.ResponseWriter, r *http.Request, res *http.Response, cs cachestatus.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Set(cachestatus.HeaderName, cs.String())
	w.WriteHeader(res.StatusCode)
	var bytesWritten int64
	if res.Body != nil {
		var err error
		if bytesWritten, err = io.Copy(w, res.Body); err != nil {
			wk.log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
	wk.logRequest(r, res.StatusCode, cs)
	wk.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// Wait blocks until every background revalidation has finished.
func (wk *Worker) Wait() {
	wk.background.Wait()
}

// isLoopback reports whether the request targets a local development host.
func (wk *Worker) isLoopback(r *http.Request) bool {
	host := r.URL.Hostname()
	if host == "" {
		host = r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	_, ok := wk.loopback[host]
	return ok
}

func (wk *Worker) logRequest(r *http.Request, status int, cs cachestatus.CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	wk.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("code", status).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Str("detail", cs.Detail).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// upstream proxy headers are not passed back to the page
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

// Cached lists the URLs stored in each live bucket, keyed by bucket name.
func (wk *Worker) Cached(ctx context.Context) (map[string][]string, error) {
	cached := make(map[string][]string, len(cache.Roles))
	for _, role := range cache.Roles {
		keys, err := wk.registry.Keys(ctx, role)
		if err != nil {
			return nil, err
		}
		urls := make([]string, 0, len(keys))
		for _, key := range keys {
			req, err := cachekey.GetRequestFromKey(key)
			if err != nil {
				wk.log.Warn().Err(err).Str("key", key).Msg("Skipping malformed key")
				continue
			}
			urls = append(urls, req.URL.String())
		}
		sort.Strings(urls)
		cached[cache.BucketName(role)] = urls
	}
	return cached, nil
}
