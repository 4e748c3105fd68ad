package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	offline "github.com/always-cache/offline"
	"github.com/always-cache/offline/cache"
	"github.com/always-cache/offline/store"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

var testLogger = zerolog.Nop()

func newTestRouter(t *testing.T) (http.Handler, *store.Manager) {
	return newTestRouterWithRate(t, 0)
}

func newTestRouterWithRate(t *testing.T, rate int) (http.Handler, *store.Manager) {
	t.Helper()
	origin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("origin " + r.URL.Path))
	})
	records := store.New(store.Config{Path: filepath.Join(t.TempDir(), "records.db"), Logger: &testLogger})
	t.Cleanup(func() { records.Close() })
	registry := cache.NewRegistry(cache.NewMemProvider(0), &testLogger)
	wk := offline.New(offline.Config{
		Registry: registry,
		Fetcher:  offline.HandlerFetcher{Handler: origin},
		Store:    records,
		Logger:   &testLogger,
	})
	t.Cleanup(wk.Wait)
	return NewRouter(Config{
		Worker:         wk,
		Store:          records,
		AllowedOrigins: []string{"https://app.example.com"},
		EventRate:      rate,
		Logger:         &testLogger,
	}), records
}

func TestWorkerHandlesOtherRoutes(t *testing.T) {
	router, _ := newTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/some/page", nil))

	if rr.Body.String() != "origin /some/page" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	if rr.Header().Get("Cache-Status") == "" {
		t.Fatalf("Cache-Status header missing")
	}
}

func TestDispatchEvents(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, kind := range []string{"install", "activate"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("POST", "/.worker/events/"+kind, nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("%s status is %d: %s", kind, rr.Code, rr.Body.String())
		}
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/.worker/state", nil))
	var state map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}
	if state["state"] != string(offline.StateActivated) || state["version"] != cache.Version {
		t.Fatalf("State is %v", state)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/.worker/events/push", strings.NewReader("hello")))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("push status is %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/.worker/events/fetch", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown event status is %d", rr.Code)
	}
}

func TestStoreRoutes(t *testing.T) {
	router, records := newTestRouter(t)
	ctx := context.Background()
	if _, err := records.SaveChatMessage(ctx, store.ChatMessage{ID: "m1", SessionID: "s"}); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/.store/unsynced", nil))
	var unsynced map[string][]store.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &unsynced); err != nil {
		t.Fatalf("Body %s: %v", rr.Body.String(), err)
	}
	if len(unsynced["chatMessages"]) != 1 {
		t.Fatalf("Unsynced is %v", unsynced)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/.store/chatMessages/m1/synced", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("mark status is %d", rr.Code)
	}
	rec, _ := records.Get(ctx, store.ChatMessages, "m1")
	if rec == nil || !rec.Synced {
		t.Fatalf("Record not synced: %+v", rec)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/.store/nope/m1/synced", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown collection status is %d", rr.Code)
	}
}

func TestBucketsAndCounts(t *testing.T) {
	router, records := newTestRouter(t)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/app.css", nil))
	if _, err := records.SaveProfile(context.Background(), store.Profile{ID: "u1"}); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/.worker/buckets", nil))
	var cached map[string][]string
	if err := json.Unmarshal(rr.Body.Bytes(), &cached); err != nil {
		t.Fatalf("Body %s: %v", rr.Body.String(), err)
	}
	static := cached[cache.BucketName(cache.RoleStatic)]
	if len(static) != 1 || !strings.HasSuffix(static[0], "/app.css") {
		t.Fatalf("Cached is %v", cached)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/.store/counts", nil))
	var counts map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &counts); err != nil {
		t.Fatalf("Body %s: %v", rr.Body.String(), err)
	}
	if counts["userProfile"] != 1 || counts["chatMessages"] != 0 {
		t.Fatalf("Counts are %v", counts)
	}
}

func TestMetrics(t *testing.T) {
	router, _ := newTestRouter(t)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/data", nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	b, _ := io.ReadAll(rr.Result().Body)
	if !strings.Contains(string(b), "offline_worker_requests_total") {
		t.Fatalf("Metrics do not include request counter")
	}
}

func TestEventRateLimit(t *testing.T) {
	router, _ := newTestRouterWithRate(t, 2)

	codes := []int{}
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("POST", "/.worker/events/push", nil))
		codes = append(codes, rr.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent {
		t.Fatalf("Codes are %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("Third dispatch was not limited: %v", codes)
	}
}

func TestControlRoutesCORS(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/.worker/state", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("Allowed origin not echoed: %v", rr.Header())
	}

	req = httptest.NewRequest("GET", "/.worker/state", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("Foreign origin allowed")
	}
}
