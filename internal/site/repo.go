package site

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mvaldes/sitewatch/internal/kv"
	"go.uber.org/zap"
)

// ErrNotFound signals that an operation targeted an unknown site id. It
// is distinct from validation failures so callers can map it to a
// "not found" response.
var ErrNotFound = errors.New("site not found")

// CorruptRecordError wraps a stored record that no longer decodes or
// validates. Listings log and skip these; single-record reads surface
// them so the caller can decide.
type CorruptRecordError struct {
	Key string
	Err error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record at %s: %v", e.Key, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

var indexKey = kv.Key("sites", "all")

func siteKey(id string) string   { return kv.Key("site", id) }
func statusKey(id string) string { return kv.Key("site", id, "status") }

// WithStatus pairs a site with its last reported status, which may be
// absent.
type WithStatus struct {
	Site   Config  `json:"site"`
	Status *Status `json:"status"`
}

// Repository provides the domain operations over site configs and
// statuses. It owns the storage key layout and the identifier index set;
// physical storage is delegated to the kv adapter.
type Repository struct {
	store  kv.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewRepository builds a repository over the given store.
func NewRepository(store kv.Store, logger *zap.Logger) *Repository {
	return &Repository{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

func (r *Repository) nowMillis() int64 {
	return r.now().UnixMilli()
}

// ListIDs returns every indexed site id, sorted ascending.
func (r *Repository) ListIDs(ctx context.Context) ([]string, error) {
	ids, err := r.store.SMembers(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("list site ids: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Get returns the site for id. Returns ErrNotFound for an unknown id and
// a CorruptRecordError when the stored record fails validation.
func (r *Repository) Get(ctx context.Context, id string) (*Config, error) {
	id, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}
	return r.getByKey(ctx, siteKey(id), id)
}

func (r *Repository) getByKey(ctx context.Context, key, id string) (*Config, error) {
	raw, found, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get site %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("site %s: %w", id, ErrNotFound)
	}
	cfg, err := decodeConfig(key, raw)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeConfig(key, raw string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, &CorruptRecordError{Key: key, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &CorruptRecordError{Key: key, Err: err}
	}
	return &cfg, nil
}

// List returns all sites sorted ascending by id. A record that fails to
// decode or validate is logged and skipped so one bad entry cannot take
// down the whole listing.
func (r *Repository) List(ctx context.Context) ([]Config, error) {
	ids, err := r.ListIDs(ctx)
	if err != nil {
		return nil, err
	}
	sites := make([]Config, 0, len(ids))
	for _, id := range ids {
		cfg, err := r.getByKey(ctx, siteKey(id), id)
		if err != nil {
			var corrupt *CorruptRecordError
			switch {
			case errors.Is(err, ErrNotFound):
				// Index entry with no record; stale but harmless.
				continue
			case errors.As(err, &corrupt):
				r.logger.Warn("skipping corrupt site record",
					zap.String("id", id),
					zap.Error(corrupt.Err),
				)
				continue
			default:
				return nil, err
			}
		}
		sites = append(sites, *cfg)
	}
	return sites, nil
}

// Upsert validates and normalizes the input and writes the record,
// preserving an existing created_at and stamping a strictly increasing
// updated_at. The id is added to the identifier index.
func (r *Repository) Upsert(ctx context.Context, in Input) (*Config, error) {
	cfg, err := in.normalize()
	if err != nil {
		return nil, err
	}

	existing, err := r.Get(ctx, cfg.ID)
	if err != nil {
		var corrupt *CorruptRecordError
		switch {
		case errors.Is(err, ErrNotFound):
			existing = nil
		case errors.As(err, &corrupt):
			// The write below repairs the record.
			r.logger.Warn("overwriting corrupt site record",
				zap.String("id", cfg.ID),
				zap.Error(corrupt.Err),
			)
			existing = nil
		default:
			return nil, err
		}
	}

	now := r.nowMillis()
	if existing != nil {
		cfg.CreatedAt = existing.CreatedAt
		if now <= existing.UpdatedAt {
			now = existing.UpdatedAt + 1
		}
	} else {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	if in.Paused != nil {
		cfg.Paused = *in.Paused
	} else if existing != nil {
		cfg.Paused = existing.Paused
	}

	if err := r.save(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *Repository) save(ctx context.Context, cfg *Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode site %s: %w", cfg.ID, err)
	}
	if err := r.store.Set(ctx, siteKey(cfg.ID), string(raw)); err != nil {
		return fmt.Errorf("store site %s: %w", cfg.ID, err)
	}
	if _, err := r.store.SAdd(ctx, indexKey, cfg.ID); err != nil {
		return fmt.Errorf("index site %s: %w", cfg.ID, err)
	}
	return nil
}

// Delete removes the site, its status and its index entry. Deleting an
// unknown id is not an error.
func (r *Repository) Delete(ctx context.Context, id string) error {
	id, err := NormalizeID(id)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, siteKey(id)); err != nil {
		return fmt.Errorf("delete site %s: %w", id, err)
	}
	if err := r.store.Delete(ctx, statusKey(id)); err != nil {
		return fmt.Errorf("delete status %s: %w", id, err)
	}
	if _, err := r.store.SRem(ctx, indexKey, id); err != nil {
		return fmt.Errorf("unindex site %s: %w", id, err)
	}
	return nil
}

// Pause marks the site paused. Already-paused sites are returned
// unchanged without a write.
func (r *Repository) Pause(ctx context.Context, id string) (*Config, error) {
	return r.setPaused(ctx, id, true)
}

// Resume clears the paused flag. Already-running sites are returned
// unchanged without a write.
func (r *Repository) Resume(ctx context.Context, id string) (*Config, error) {
	return r.setPaused(ctx, id, false)
}

func (r *Repository) setPaused(ctx context.Context, id string, paused bool) (*Config, error) {
	cfg, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cfg.Paused == paused {
		return cfg, nil
	}
	cfg.Paused = paused
	now := r.nowMillis()
	if now <= cfg.UpdatedAt {
		now = cfg.UpdatedAt + 1
	}
	cfg.UpdatedAt = now
	if err := r.save(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetStatus returns the last reported status for id, or nil when none
// has been reported or the stored one is corrupt (logged and skipped).
func (r *Repository) GetStatus(ctx context.Context, id string) (*Status, error) {
	id, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}
	raw, found, err := r.store.Get(ctx, statusKey(id))
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	var st Status
	if err := json.Unmarshal([]byte(raw), &st); err == nil {
		err = st.Validate()
	}
	if err != nil {
		r.logger.Warn("skipping corrupt status record",
			zap.String("id", id),
			zap.Error(err),
		)
		return nil, nil
	}
	return &st, nil
}

// ListWithStatus returns all sites with their statuses, sorted ascending
// by id.
func (r *Repository) ListWithStatus(ctx context.Context) ([]WithStatus, error) {
	sites, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]WithStatus, 0, len(sites))
	for _, s := range sites {
		st, err := r.GetStatus(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, WithStatus{Site: s, Status: st})
	}
	return out, nil
}

// UpdateStatus persists a status report, defaulting updated_at to now,
// and (re)applies the status TTL on every write.
func (r *Repository) UpdateStatus(ctx context.Context, st Status) (*Status, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	if st.UpdatedAt == 0 {
		st.UpdatedAt = r.nowMillis()
	}
	raw, err := json.Marshal(&st)
	if err != nil {
		return nil, fmt.Errorf("encode status %s: %w", st.ID, err)
	}
	key := statusKey(st.ID)
	if err := r.store.Set(ctx, key, string(raw)); err != nil {
		return nil, fmt.Errorf("store status %s: %w", st.ID, err)
	}
	if err := r.store.Expire(ctx, key, StatusTTL); err != nil {
		return nil, fmt.Errorf("expire status %s: %w", st.ID, err)
	}
	return &st, nil
}

// Reindex rebuilds the identifier index from a prefix scan of the stored
// site records, repairing drift after manual store edits or partial
// deletes. It returns how many ids were added to and removed from the
// index.
func (r *Repository) Reindex(ctx context.Context) (added, removed int, err error) {
	found := make(map[string]bool)
	err = r.store.Scan(ctx, kv.Prefix("site"), func(e kv.Entry) error {
		// Status records share the prefix, and ids may themselves contain
		// the separator, so the key shape alone cannot tell the two apart.
		// A config record decodes and names its own key; a status record
		// does the same under the status layout. Anything else is corrupt.
		rest := strings.TrimPrefix(e.Key, kv.Prefix("site"))
		if cfg, err := decodeConfig(e.Key, e.Value); err == nil && cfg.ID == rest {
			found[rest] = true
			return nil
		}
		if isStatusRecord(e.Key, e.Value) {
			return nil
		}
		r.logger.Warn("reindex skipping unrecognized record", zap.String("key", e.Key))
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("reindex scan: %w", err)
	}

	indexed, err := r.store.SMembers(ctx, indexKey)
	if err != nil {
		return 0, 0, fmt.Errorf("reindex members: %w", err)
	}

	var toAdd, toRemove []string
	indexedSet := make(map[string]bool, len(indexed))
	for _, id := range indexed {
		indexedSet[id] = true
		if !found[id] {
			toRemove = append(toRemove, id)
		}
	}
	for id := range found {
		if !indexedSet[id] {
			toAdd = append(toAdd, id)
		}
	}

	if added, err = r.store.SAdd(ctx, indexKey, toAdd...); err != nil {
		return 0, 0, fmt.Errorf("reindex add: %w", err)
	}
	if removed, err = r.store.SRem(ctx, indexKey, toRemove...); err != nil {
		return added, 0, fmt.Errorf("reindex remove: %w", err)
	}
	return added, removed, nil
}

// isStatusRecord reports whether key holds a status report stored under
// the status layout for its own id.
func isStatusRecord(key, raw string) bool {
	var st Status
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return false
	}
	if err := st.Validate(); err != nil {
		return false
	}
	return statusKey(st.ID) == key
}
