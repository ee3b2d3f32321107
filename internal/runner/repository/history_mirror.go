package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Frohrer/codux/internal/common/cache"
	appErr "github.com/Frohrer/codux/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const historyKeyPrefix = "codux:history:"

// RedisMirror stores zstd-compressed history entries in redis with a recency index.
type RedisMirror struct {
	cache      cache.Cache
	scope      string
	ttl        time.Duration
	maxEntries int64
	encoder    *zstd.Encoder
	decoder    *zstd.Decoder
}

// NewRedisMirror creates a mirror for one history scope ("executions", "processes").
func NewRedisMirror(cacheClient cache.Cache, scope string, ttl time.Duration, maxEntries int) (*RedisMirror, error) {
	if cacheClient == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if maxEntries <= 0 {
		maxEntries = defaultHistoryCapacity
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &RedisMirror{
		cache:      cacheClient,
		scope:      scope,
		ttl:        ttl,
		maxEntries: int64(maxEntries),
		encoder:    encoder,
		decoder:    decoder,
	}, nil
}

// Save writes the entry and moves its id to the head of the index.
func (m *RedisMirror) Save(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry failed: %w", err)
	}
	compressed := m.encoder.EncodeAll(data, nil)
	err = m.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		if err := pipe.Set(m.entryKey(entry.ID), string(compressed), m.ttl); err != nil {
			return err
		}
		if err := pipe.LRem(m.indexKey(), 0, entry.ID); err != nil {
			return err
		}
		if err := pipe.LPush(m.indexKey(), entry.ID); err != nil {
			return err
		}
		return pipe.LTrim(m.indexKey(), 0, m.maxEntries-1)
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store history entry failed")
	}
	return nil
}

// Load reads one entry. A missing key reports found=false.
func (m *RedisMirror) Load(ctx context.Context, id string) (Entry, bool, error) {
	val, err := m.cache.Get(ctx, m.entryKey(id))
	if err != nil {
		return Entry{}, false, appErr.Wrapf(err, appErr.CacheError, "load history entry failed")
	}
	if val == "" {
		return Entry{}, false, nil
	}
	data, err := m.decoder.DecodeAll([]byte(val), nil)
	if err != nil {
		return Entry{}, false, appErr.Wrapf(err, appErr.CacheError, "decompress history entry failed")
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, appErr.Wrapf(err, appErr.CacheError, "decode history entry failed")
	}
	return entry, true, nil
}

// Recent returns up to limit entries from the index, newest first. Expired entries are skipped.
func (m *RedisMirror) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	ids, err := m.cache.LRange(ctx, m.indexKey(), 0, int64(limit)-1)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "read history index failed")
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entry, ok, err := m.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *RedisMirror) entryKey(id string) string {
	return historyKeyPrefix + m.scope + ":" + id
}

func (m *RedisMirror) indexKey() string {
	return historyKeyPrefix + m.scope + ":index"
}
