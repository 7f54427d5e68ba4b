package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/parimutuel-engine/internal/address"
	"github.com/atmx/parimutuel-engine/internal/model"
)

// CachedBackend wraps a primary Backend (PostgreSQL) with a Redis
// read-through cache. Writes go to the primary and then overwrite the
// cached entries with the committed revision; deletes leave a tombstone.
// Read fills only land when the cache holds nothing newer, so a slow read
// racing a commit cannot pin a stale revision. Listings always go to the
// primary.
type CachedBackend struct {
	primary Backend
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedBackend creates a cached wrapper around a primary backend.
func NewCachedBackend(primary Backend, rdb *redis.Client, ttl time.Duration) *CachedBackend {
	return &CachedBackend{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// fillScript sets KEYS[1] to ARGV[1] unless the entry already cached there
// carries a revision at or above ARGV[2].
var fillScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local ok, rec = pcall(cjson.decode, cur)
	if ok and type(rec) == 'table' and tonumber(rec.revision) and tonumber(rec.revision) >= tonumber(ARGV[2]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// cachedRecord is the JSON form of a Record in Redis.
type cachedRecord struct {
	Kind     address.Kind    `json:"kind"`
	Parent   address.Address `json:"parent"`
	LocalID  uint64          `json:"local_id"`
	Revision int64           `json:"revision"`
	Deleted  bool            `json:"deleted,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (s *CachedBackend) Load(ctx context.Context, addr address.Address) (*Record, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, recordKey(addr)).Bytes()
	if err == nil {
		if rec, hit := decodeCached(addr, data); hit {
			if rec == nil {
				return nil, fmt.Errorf("%w: %s", model.ErrNotFound, addr)
			}
			return rec, nil
		}
	}

	// Cache miss: read from primary.
	rec, err := s.primary.Load(ctx, addr)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, rec)
	return rec, nil
}

func (s *CachedBackend) List(ctx context.Context, kind address.Kind, parent address.Address) ([]Record, error) {
	return s.primary.List(ctx, kind, parent)
}

func (s *CachedBackend) Apply(ctx context.Context, writes []Write) error {
	if err := s.primary.Apply(ctx, writes); err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	for _, w := range writes {
		committed := w.Record
		committed.Revision = w.Revision + 1
		data, err := encodeCached(&committed, w.Delete)
		if err != nil {
			pipe.Del(ctx, recordKey(w.Address))
			continue
		}
		pipe.Set(ctx, recordKey(w.Address), data, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// A stale revision left behind would fail every later commit on
		// these records with a conflict until it expires.
		keys := make([]string, len(writes))
		for i, w := range writes {
			keys[i] = recordKey(w.Address)
		}
		if delErr := s.rdb.Del(context.WithoutCancel(ctx), keys...).Err(); delErr != nil {
			slog.Error("cache write-through and invalidation failed", "keys", len(keys), "err", err, "del_err", delErr)
		} else {
			slog.Warn("cache write-through failed, entries invalidated", "keys", len(keys), "err", err)
		}
	}
	return nil
}

// fill caches a record read from the primary unless a newer revision is
// already cached.
func (s *CachedBackend) fill(ctx context.Context, rec *Record) {
	data, err := encodeCached(rec, false)
	if err != nil {
		return
	}
	err = fillScript.Run(ctx, s.rdb, []string{recordKey(rec.Address)}, data, rec.Revision, s.ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Debug("cache fill failed", "address", rec.Address.String(), "err", err)
	}
}

func encodeCached(rec *Record, deleted bool) ([]byte, error) {
	c := cachedRecord{
		Kind:     rec.Kind,
		Parent:   rec.Parent,
		LocalID:  rec.LocalID,
		Revision: rec.Revision,
		Deleted:  deleted,
	}
	if !deleted {
		c.Data = rec.Data
	}
	return json.Marshal(c)
}

// decodeCached reports whether data is a usable cache entry. A tombstone is
// a hit with a nil record.
func decodeCached(addr address.Address, data []byte) (*Record, bool) {
	var c cachedRecord
	if json.Unmarshal(data, &c) != nil {
		return nil, false
	}
	if c.Deleted {
		return nil, true
	}
	if len(c.Data) == 0 {
		return nil, false
	}
	return &Record{
		Address:  addr,
		Kind:     c.Kind,
		Parent:   c.Parent,
		LocalID:  c.LocalID,
		Revision: c.Revision,
		Data:     []byte(c.Data),
	}, true
}

func recordKey(addr address.Address) string { return fmt.Sprintf("record:%s", addr) }
