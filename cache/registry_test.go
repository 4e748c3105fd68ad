package cache

import (
	"context"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

var testLogger = zerolog.Nop()

func providers(t *testing.T) map[string]Provider {
	t.Helper()
	sqlite, err := NewSQLiteProvider("")
	if err != nil {
		t.Fatal(err)
	}
	badger, err := NewBadgerProvider("")
	if err != nil {
		t.Fatal(err)
	}
	ps := map[string]Provider{
		"memory": NewMemProvider(0),
		"sqlite": sqlite,
		"badger": badger,
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		ps["redis"] = NewRedisProvider(addr, os.Getenv("REDIS_PASSWORD"), 0)
	}
	t.Cleanup(func() {
		for _, p := range ps {
			p.Close()
		}
	})
	return ps
}

func okSnapshot(body string) *Snapshot {
	return &Snapshot{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       []byte(body),
	}
}

func TestBucketNamesEmbedVersion(t *testing.T) {
	if name := BucketName(RoleStatic); name != "static-"+Version {
		t.Fatalf("Bucket name is %s", name)
	}
	live := LiveNames()
	if len(live) != len(Roles) {
		t.Fatalf("Live names %v", live)
	}
	for _, name := range live {
		if !strings.HasSuffix(name, "-"+Version) {
			t.Fatalf("Live name %s does not carry version", name)
		}
	}
}

func TestRegistry(t *testing.T) {
	for name, provider := range providers(t) {
		provider := provider
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := NewRegistry(provider, &testLogger)
			if rp, ok := provider.(*RedisProvider); ok {
				for _, b := range append(LiveNames(), "static-v4") {
					rp.Drop(ctx, b)
				}
			}

			t.Run("miss", func(t *testing.T) {
				if _, ok, err := reg.Match(ctx, RoleStatic, "GET /missing"); err != nil || ok {
					t.Fatalf("ok: %v, err: %v", ok, err)
				}
			})

			t.Run("store and match", func(t *testing.T) {
				stored, err := reg.Store(ctx, RoleStatic, "GET /app.css", okSnapshot("a"))
				if err != nil || !stored {
					t.Fatalf("stored: %v, err: %v", stored, err)
				}
				snap, ok, err := reg.Match(ctx, RoleStatic, "GET /app.css")
				if err != nil || !ok {
					t.Fatalf("ok: %v, err: %v", ok, err)
				}
				if string(snap.Body) != "a" {
					t.Fatalf("Body is %s", snap.Body)
				}
				if ct := snap.Header.Get("Content-Type"); ct != "text/plain" {
					t.Fatalf("Content-Type is %s", ct)
				}
				if snap.StoredAt.IsZero() {
					t.Fatal("StoredAt not set")
				}
			})

			t.Run("only success stored", func(t *testing.T) {
				snap := okSnapshot("nope")
				snap.StatusCode = http.StatusNotFound
				stored, err := reg.Store(ctx, RoleAPI, "GET /api/missing", snap)
				if err != nil || stored {
					t.Fatalf("stored: %v, err: %v", stored, err)
				}
				if _, ok, _ := reg.Match(ctx, RoleAPI, "GET /api/missing"); ok {
					t.Fatal("Unsuccessful response was stored")
				}
			})

			t.Run("overwrite keeps one entry", func(t *testing.T) {
				reg.Store(ctx, RoleAPI, "GET /api/voices", okSnapshot("first"))
				reg.Store(ctx, RoleAPI, "GET /api/voices", okSnapshot("second"))
				keys, err := reg.Keys(ctx, RoleAPI)
				if err != nil {
					t.Fatal(err)
				}
				count := 0
				for _, k := range keys {
					if k == "GET /api/voices" {
						count++
					}
				}
				if count != 1 {
					t.Fatalf("Found %d entries for key", count)
				}
				snap, _, _ := reg.Match(ctx, RoleAPI, "GET /api/voices")
				if string(snap.Body) != "second" {
					t.Fatalf("Body is %s", snap.Body)
				}
			})

			t.Run("evict stale", func(t *testing.T) {
				provider.Put(ctx, "static-v4", "GET /old.css", []byte("old"))
				if _, err := reg.Open(ctx, RoleAPI); err != nil {
					t.Fatal(err)
				}
				evicted, err := reg.EvictStale(ctx, LiveNames())
				if err != nil {
					t.Fatal(err)
				}
				if len(evicted) != 1 || evicted[0] != "static-v4" {
					t.Fatalf("Evicted %v", evicted)
				}
				buckets, _ := reg.Buckets(ctx)
				for _, b := range buckets {
					if b == "static-v4" {
						t.Fatal("Stale bucket still present")
					}
				}
				if _, ok, _ := provider.Get(ctx, "static-v4", "GET /old.css"); ok {
					t.Fatal("Stale entry still retrievable")
				}
				if _, ok, _ := reg.Match(ctx, RoleStatic, "GET /app.css"); !ok {
					t.Fatal("Live entry was evicted")
				}
			})

			t.Run("corrupted entry is purged", func(t *testing.T) {
				provider.Put(ctx, BucketName(RoleStatic), "GET /broken", []byte("not a response"))
				if _, ok, err := reg.Match(ctx, RoleStatic, "GET /broken"); ok || err != nil {
					t.Fatalf("ok: %v, err: %v", ok, err)
				}
				if _, ok, _ := provider.Get(ctx, BucketName(RoleStatic), "GET /broken"); ok {
					t.Fatal("Corrupted entry not purged")
				}
			})
		})
	}
}

func TestMemProviderBounded(t *testing.T) {
	ctx := context.Background()
	p := NewMemProvider(2)
	p.Put(ctx, "b", "1", []byte("1"))
	p.Put(ctx, "b", "2", []byte("2"))
	p.Put(ctx, "b", "3", []byte("3"))
	keys, _ := p.Keys(ctx, "b")
	if len(keys) != 2 {
		t.Fatalf("Keys %v", keys)
	}
	if _, ok, _ := p.Get(ctx, "b", "1"); ok {
		t.Fatal("Oldest entry not evicted")
	}
}

func TestPrecachedEntriesSurviveEviction(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemProvider(2), &testLogger)

	if ok, err := r.Precache(ctx, RoleStatic, "GET /offline.html", okSnapshot("offline")); !ok || err != nil {
		t.Fatalf("Precache: %v %v", ok, err)
	}
	for _, key := range []string{"GET /a.css", "GET /b.css", "GET /c.css"} {
		if _, err := r.Store(ctx, RoleStatic, key, okSnapshot(key)); err != nil {
			t.Fatal(err)
		}
	}
	snap, ok, err := r.Match(ctx, RoleStatic, "GET /offline.html")
	if err != nil || !ok || string(snap.Body) != "offline" {
		t.Fatalf("Precached entry was evicted: %v %v", ok, err)
	}
	if _, ok, _ := r.Match(ctx, RoleStatic, "GET /a.css"); ok {
		t.Fatal("Oldest unpinned entry not evicted")
	}

	// a later write to a pinned key stays pinned
	r.Store(ctx, RoleStatic, "GET /offline.html", okSnapshot("offline v2"))
	r.Store(ctx, RoleStatic, "GET /d.css", okSnapshot("d"))
	r.Store(ctx, RoleStatic, "GET /e.css", okSnapshot("e"))
	snap, ok, _ = r.Match(ctx, RoleStatic, "GET /offline.html")
	if !ok || string(snap.Body) != "offline v2" {
		t.Fatalf("Pinned entry lost after update")
	}
	keys, _ := r.Keys(ctx, RoleStatic)
	if len(keys) != 3 {
		t.Fatalf("Keys %v", keys)
	}

	// pinned entries still go with their bucket
	evicted, err := r.EvictStale(ctx, nil)
	if err != nil || len(evicted) != 1 {
		t.Fatalf("Evicted %v: %v", evicted, err)
	}
	if _, ok, _ := r.Match(ctx, RoleStatic, "GET /offline.html"); ok {
		t.Fatal("Pinned entry survived its bucket")
	}
}

func TestPrecacheOnUnboundedProviders(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		p := p
		t.Run(name, func(t *testing.T) {
			r := NewRegistry(p, &testLogger)
			if ok, err := r.Precache(ctx, RoleStatic, "GET /pre", okSnapshot("pre")); !ok || err != nil {
				t.Fatalf("Precache: %v %v", ok, err)
			}
			snap, ok, err := r.Match(ctx, RoleStatic, "GET /pre")
			if err != nil || !ok || string(snap.Body) != "pre" {
				t.Fatalf("Match: %v %v", ok, err)
			}
		})
	}
}
