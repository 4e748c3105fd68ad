package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Version is the cache generation of this build.
// Bumping it is the only way to make clients discard previously cached content:
// every bucket name embeds it, and activation evicts buckets of any other version.
const Version = "v5"

// Role is the logical purpose of a bucket.
type Role string

const (
	RoleStatic Role = "static"
	RoleAPI    Role = "api"
)

// Roles lists every role that has a live bucket.
var Roles = []Role{RoleStatic, RoleAPI}

// BucketName returns the concrete bucket name for the role in the current generation.
func BucketName(role Role) string {
	return string(role) + "-" + Version
}

// LiveNames returns the allow-list of bucket names for the current generation.
func LiveNames() []string {
	names := make([]string, 0, len(Roles))
	for _, role := range Roles {
		names = append(names, BucketName(role))
	}
	return names
}

// Registry maps roles to versioned buckets and stores response snapshots in them.
type Registry struct {
	provider Provider
	log      zerolog.Logger
}

// NewRegistry creates a registry on top of the given provider.
// The global zerolog logger is used if logger is nil.
func NewRegistry(provider Provider, logger *zerolog.Logger) *Registry {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		l = *logger
	}
	return &Registry{
		provider: provider,
		log:      l.With().Str("component", "registry").Logger(),
	}
}

// Open returns the name of the bucket for the role, creating the bucket if necessary.
func (r *Registry) Open(ctx context.Context, role Role) (string, error) {
	name := BucketName(role)
	if err := r.provider.Create(ctx, name); err != nil {
		return name, fmt.Errorf("open bucket %s: %w", name, err)
	}
	return name, nil
}

// Match returns the stored snapshot for the key.
// The boolean is false on a miss.
func (r *Registry) Match(ctx context.Context, role Role, key string) (*Snapshot, bool, error) {
	name := BucketName(role)
	bytes, ok, err := r.provider.Get(ctx, name, key)
	if err != nil {
		return nil, false, fmt.Errorf("match %s in %s: %w", key, name, err)
	}
	if !ok {
		return nil, false, nil
	}
	snap, err := SnapshotFromBytes(bytes)
	if err != nil {
		// in case we have a corrupted entry, we delete it and report a miss
		r.log.Error().Err(err).Str("bucket", name).Str("key", key).Msg("Could not read from bucket")
		if err := r.provider.Delete(ctx, name, key); err != nil {
			r.log.Error().Err(err).Str("bucket", name).Str("key", key).Msg("Could not purge corrupted entry")
		}
		return nil, false, nil
	}
	return snap, true, nil
}

// Store writes the snapshot under the key, superseding any previous snapshot.
// Unsuccessful responses are not stored; the boolean reports whether a write happened.
func (r *Registry) Store(ctx context.Context, role Role, key string, snap *Snapshot) (bool, error) {
	if !snap.OK() {
		return false, nil
	}
	name := BucketName(role)
	stored := *snap
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now()
	}
	bytes, err := stored.Bytes()
	if err != nil {
		return false, fmt.Errorf("serialize %s: %w", key, err)
	}
	if err := r.provider.Put(ctx, name, key, bytes); err != nil {
		return false, fmt.Errorf("store %s in %s: %w", key, name, err)
	}
	r.log.Trace().Str("bucket", name).Str("key", key).Msg("Stored response")
	return true, nil
}

// Precache stores the snapshot like Store and pins it, so a size-bounded
// provider never evicts it. Version bumps still remove it with its bucket.
func (r *Registry) Precache(ctx context.Context, role Role, key string, snap *Snapshot) (bool, error) {
	stored, err := r.Store(ctx, role, key, snap)
	if err != nil || !stored {
		return stored, err
	}
	if p, ok := r.provider.(Pinner); ok {
		if err := p.Pin(ctx, BucketName(role), key); err != nil {
			return true, fmt.Errorf("pin %s: %w", key, err)
		}
	}
	return true, nil
}

// Keys lists the keys stored in the role's bucket.
func (r *Registry) Keys(ctx context.Context, role Role) ([]string, error) {
	return r.provider.Keys(ctx, BucketName(role))
}

// Buckets lists every existing bucket, live or stale.
func (r *Registry) Buckets(ctx context.Context) ([]string, error) {
	return r.provider.Buckets(ctx)
}

// EvictStale deletes every bucket whose name is not in liveNames.
// It returns the names of the deleted buckets.
func (r *Registry) EvictStale(ctx context.Context, liveNames []string) ([]string, error) {
	live := make(map[string]struct{}, len(liveNames))
	for _, name := range liveNames {
		live[name] = struct{}{}
	}
	names, err := r.provider.Buckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	evicted := make([]string, 0)
	for _, name := range names {
		if _, ok := live[name]; ok {
			continue
		}
		if err := r.provider.Drop(ctx, name); err != nil {
			return evicted, fmt.Errorf("drop bucket %s: %w", name, err)
		}
		r.log.Info().Str("bucket", name).Msg("Deleted stale bucket")
		evicted = append(evicted, name)
	}
	return evicted, nil
}
