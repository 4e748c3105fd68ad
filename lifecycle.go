package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/always-cache/offline/cache"
	"github.com/always-cache/offline/pkg/clients"
	cachekey "github.com/always-cache/offline/pkg/cache-key"
	"github.com/always-cache/offline/store"

	"golang.org/x/sync/errgroup"
)

// EventKind names a lifecycle event.
type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
	EventSync              EventKind = "sync"
)

// SyncTag is the background sync tag that drains unsynced records.
const SyncTag = "sync-data"

var ErrUnknownEvent = errors.New("unknown event")

// Event is a lifecycle signal delivered by the host.
type Event struct {
	Kind EventKind `json:"kind"`
	// Push payload, text or JSON.
	Data []byte `json:"data,omitempty"`
	// Background sync tag.
	Tag string `json:"tag,omitempty"`
	// Clicked notification and the chosen action.
	NotificationID string `json:"notificationId,omitempty"`
	Action         string `json:"action,omitempty"`
}

// Handler handles one kind of event. Dispatch waits for it to return.
type Handler func(ctx context.Context, ev Event) error

// State is the lifecycle state of this worker generation.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Clients are the open pages the worker talks to.
type Clients interface {
	Claim(ctx context.Context) error
	FocusOrOpen(ctx context.Context, url string) error
	ShowNotification(ctx context.Context, n clients.Notification) error
	CloseNotification(ctx context.Context, id string) error
}

// Replayer sends an unsynced record to the remote service.
// A nil error means the remote service acknowledged the record.
type Replayer interface {
	Replay(ctx context.Context, c store.Collection, rec store.Record) error
}

// ReplayerFunc adapts a function to the Replayer interface.
type ReplayerFunc func(ctx context.Context, c store.Collection, rec store.Record) error

func (f ReplayerFunc) Replay(ctx context.Context, c store.Collection, rec store.Record) error {
	return f(ctx, c, rec)
}

// Dispatch runs the handler registered for the event kind and waits for it.
func (wk *Worker) Dispatch(ctx context.Context, ev Event) error {
	h, ok := wk.handlers[ev.Kind]
	if !ok {
		LifecycleEventsTotal.WithLabelValues("unknown", "error").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind)
	}
	err := h(ctx, ev)
	result := "ok"
	if err != nil {
		result = "error"
		wk.log.Error().Err(err).Str("event", string(ev.Kind)).Msg("Event handler failed")
	}
	LifecycleEventsTotal.WithLabelValues(string(ev.Kind), result).Inc()
	return err
}

// Start installs and activates this generation.
func (wk *Worker) Start(ctx context.Context) error {
	if err := wk.Dispatch(ctx, Event{Kind: EventInstall}); err != nil {
		return err
	}
	return wk.Dispatch(ctx, Event{Kind: EventActivate})
}

// State returns the lifecycle state of this generation.
func (wk *Worker) State() State {
	wk.stateMu.RLock()
	defer wk.stateMu.RUnlock()
	return wk.state
}

func (wk *Worker) setState(s State) {
	wk.stateMu.Lock()
	from := wk.state
	wk.state = s
	wk.stateMu.Unlock()
	wk.log.Debug().Str("from", string(from)).Str("to", string(s)).Msg("Lifecycle state change")
}

// install precaches the critical assets into the static bucket.
// An asset that cannot be cached is logged and skipped; install still succeeds.
func (wk *Worker) install(ctx context.Context, ev Event) error {
	wk.setState(StateInstalling)
	if _, err := wk.registry.Open(ctx, cache.RoleStatic); err != nil {
		wk.setState(StateRedundant)
		return err
	}

	var cached atomic.Int32
	var g errgroup.Group
	g.SetLimit(4)
	for _, path := range wk.precache {
		path := path
		g.Go(func() error {
			if err := wk.precacheAsset(ctx, path); err != nil {
				wk.log.Warn().Err(err).Str("asset", path).Msg("Could not precache asset")
				return nil
			}
			cached.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	wk.log.Info().Int32("cached", cached.Load()).Int("assets", len(wk.precache)).Msg("Installed")

	wk.setState(StateWaiting)
	// skip waiting: old pages are not waited for
	wk.setState(StateActivating)
	return nil
}

func (wk *Worker) precacheAsset(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	res, err := wk.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	snap, err := cache.SnapshotFromResponse(res)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if !snap.OK() {
		return fmt.Errorf("unexpected status %d", snap.StatusCode)
	}
	_, err = wk.registry.Precache(ctx, cache.RoleStatic, cachekey.GetKey(req), snap)
	return err
}

// activate deletes the buckets of other generations and claims the open pages.
func (wk *Worker) activate(ctx context.Context, ev Event) error {
	evicted, err := wk.registry.EvictStale(ctx, cache.LiveNames())
	BucketsEvictedTotal.Add(float64(len(evicted)))
	if err != nil {
		return err
	}
	if wk.clients != nil {
		if err := wk.clients.Claim(ctx); err != nil {
			return fmt.Errorf("claim clients: %w", err)
		}
	}
	wk.setState(StateActivated)
	wk.log.Info().Strs("evicted", evicted).Msg("Activated")
	return nil
}

// sync replays unsynced records and marks the acknowledged ones.
// Without a replayer it only reports what is pending.
func (wk *Worker) sync(ctx context.Context, ev Event) error {
	if ev.Tag != SyncTag {
		wk.log.Debug().Str("tag", ev.Tag).Msg("Ignoring sync tag")
		return nil
	}
	if wk.store == nil {
		wk.log.Debug().Msg("No record store, nothing to sync")
		return nil
	}
	pending, err := wk.store.GetUnsyncedData(ctx)
	if err != nil {
		return fmt.Errorf("read unsynced records: %w", err)
	}
	var total, synced, failed int
	for _, c := range store.Collections() {
		for _, rec := range pending[c] {
			total++
			if wk.replayer == nil {
				continue
			}
			if err := wk.replayer.Replay(ctx, c, rec); err != nil {
				failed++
				wk.log.Warn().Err(err).Str("collection", string(c)).Str("key", rec.Key).Msg("Could not replay record")
				continue
			}
			if err := wk.store.MarkAsSynced(ctx, c, rec.Key); err != nil {
				failed++
				wk.log.Warn().Err(err).Str("collection", string(c)).Str("key", rec.Key).Msg("Could not mark record as synced")
				continue
			}
			synced++
		}
	}
	wk.log.Info().Int("pending", total).Int("synced", synced).Int("failed", failed).Msg("Background sync")
	if failed > 0 {
		return fmt.Errorf("sync: %d of %d records failed", failed, total)
	}
	return nil
}
