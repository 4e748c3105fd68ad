package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/always-cache/offline/cache"
)

func TestMiddlewareReturnsResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello world"))
	})
	req, err := http.NewRequest("GET", "/", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	registry := cache.NewRegistry(cache.NewMemProvider(0), &testLogger)

	Middleware(Config{Registry: registry, Logger: &testLogger})(handler).ServeHTTP(rr, req)

	if body, err := io.ReadAll(rr.Result().Body); err != nil || fmt.Sprintf("%s", body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
}

func TestMiddlewareReturnsSecondRequestFromCache(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Header().Add("content-type", "text/test")
		w.Write([]byte("Hello world"))
	})
	req, err := http.NewRequest("GET", "/data", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	registry := cache.NewRegistry(cache.NewMemProvider(0), &testLogger)
	mw := Middleware(Config{Registry: registry, Logger: &testLogger})(handler)

	mw.ServeHTTP(httptest.NewRecorder(), req)
	mw.ServeHTTP(rr, req)

	if handleCount != 1 {
		t.Fatalf("Next handler called %d times", handleCount)
	}
	if body, err := io.ReadAll(rr.Result().Body); err != nil || fmt.Sprintf("%s", body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
	if ct := rr.Result().Header.Get("content-type"); ct != "text/test" {
		t.Fatalf("Content-Type header is %s", ct)
	}
}

func originFetcher(t *testing.T, srv *httptest.Server, config OriginConfig) *OriginFetcher {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	config.URL = *u
	config.Logger = &testLogger
	return NewOriginFetcher(config)
}

func TestOriginFetcherRewritesTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Host + " " + r.URL.RequestURI()))
	}))
	defer srv.Close()
	f := originFetcher(t, srv, OriginConfig{Host: "app.example.com"})

	req := httptest.NewRequest("GET", "/api/items?a=1", nil)
	res, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if b, _ := io.ReadAll(res.Body); string(b) != "app.example.com /api/items?a=1" {
		t.Fatalf("Body is %s", b)
	}
}

func TestOriginFetcherDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()
	f := originFetcher(t, srv, OriginConfig{})

	res, err := f.Fetch(context.Background(), httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusFound {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

func TestOriginFetcherNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	f := originFetcher(t, srv, OriginConfig{Timeout: time.Second, MaxFailures: 2, OpenTimeout: time.Minute})
	srv.Close()

	for i := 0; i < 3; i++ {
		if _, err := f.Fetch(context.Background(), httptest.NewRequest("GET", "/", nil)); !errors.Is(err, ErrNetworkFailure) {
			t.Fatalf("Attempt %d error is %v", i, err)
		}
	}
	if s := f.breaker.State().String(); s != "open" {
		t.Fatalf("Breaker is %s", s)
	}
}

func TestOriginFetcherServerErrorIsNotNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	f := originFetcher(t, srv, OriginConfig{})

	res, err := f.Fetch(context.Background(), httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

func TestWorkerOverOriginServer(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	f := originFetcher(t, srv, OriginConfig{Timeout: time.Second})
	wk, _ := newTestWorker(t, f)

	if b := body(t, get(wk, "example.com", "/api/status", nil)); b != `{"ok":true}` {
		t.Fatalf("Body is %s", b)
	}
	srv.Close()
	res := get(wk, "example.com", "/api/status", nil)
	if b := body(t, res); b != `{"ok":true}` || res.StatusCode != http.StatusOK {
		t.Fatalf("Offline response is %d %s", res.StatusCode, b)
	}
	if hits != 1 {
		t.Fatalf("Origin hit %d times", hits)
	}
}
