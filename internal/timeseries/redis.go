package timeseries

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisStore persists series as sorted sets scored by timestamp. One key per
// (class, segment, symbol); writes prune past the retention horizon and
// refresh the series TTL.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore connects to Redis. The connection is verified lazily; boot
// treats a dead Redis as best-effort (writes fail and are logged).
func NewRedisStore(addr, password string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return &RedisStore{client: client, now: time.Now}
}

func (r *RedisStore) appendMember(ctx context.Context, key string, score int64, data []byte) error {
	now := r.now()
	cutoff := now.Add(-RetentionPeriod).UnixMilli()

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: string(data)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff))
	pipe.Expire(ctx, key, SeriesTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("timeseries: redis append %s: %w", key, err)
	}
	return nil
}

func scoreBound(ms int64, unboundedValue string) string {
	if ms <= 0 {
		return unboundedValue
	}
	return strconv.FormatInt(ms, 10)
}

func (r *RedisStore) rangeMembers(ctx context.Context, key string, startMs, endMs int64, limit int) ([]string, error) {
	by := &redis.ZRangeBy{
		Min: scoreBound(startMs, "-inf"),
		Max: scoreBound(endMs, "+inf"),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	members, err := r.client.ZRangeByScore(ctx, key, by).Result()
	if err != nil {
		return nil, fmt.Errorf("timeseries: redis range %s: %w", key, err)
	}
	return members, nil
}

func (r *RedisStore) tailMembers(ctx context.Context, key string, count int) ([]string, error) {
	members, err := r.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "+inf",
		Count: int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("timeseries: redis recent %s: %w", key, err)
	}
	// ZRevRange returns newest first; callers expect oldest first.
	for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
		members[i], members[j] = members[j], members[i]
	}
	return members, nil
}

// AppendCore stores one core record.
func (r *RedisStore) AppendCore(ctx context.Context, key SeriesKey, rec *CoreRecord) error {
	data, err := encodeCore(rec)
	if err != nil {
		return err
	}
	return r.appendMember(ctx, key.storageKey(ClassCore), rec.TimestampMs, data)
}

// AppendAdvanced stores one advanced record.
func (r *RedisStore) AppendAdvanced(ctx context.Context, key SeriesKey, rec *AdvancedRecord) error {
	data, err := encodeAdvanced(rec)
	if err != nil {
		return err
	}
	return r.appendMember(ctx, key.storageKey(ClassAdvanced), rec.TimestampMs, data)
}

// RangeCore returns core records in [startMs, endMs], time ascending.
func (r *RedisStore) RangeCore(ctx context.Context, key SeriesKey, startMs, endMs int64, limit int) ([]CoreRecord, error) {
	members, err := r.rangeMembers(ctx, key.storageKey(ClassCore), startMs, endMs, limit)
	if err != nil {
		return nil, err
	}
	out := make([]CoreRecord, 0, len(members))
	for _, m := range members {
		rec, err := decodeCore([]byte(m))
		if err != nil {
			log.Warn().Err(err).Str("series", key.Symbol).Msg("skipping unreadable core record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// RangeAdvanced returns advanced records in [startMs, endMs], time ascending.
func (r *RedisStore) RangeAdvanced(ctx context.Context, key SeriesKey, startMs, endMs int64, limit int) ([]AdvancedRecord, error) {
	members, err := r.rangeMembers(ctx, key.storageKey(ClassAdvanced), startMs, endMs, limit)
	if err != nil {
		return nil, err
	}
	out := make([]AdvancedRecord, 0, len(members))
	for _, m := range members {
		rec, err := decodeAdvanced([]byte(m))
		if err != nil {
			log.Warn().Err(err).Str("series", key.Symbol).Msg("skipping unreadable advanced record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Recent returns the newest count records, oldest first.
func (r *RedisStore) Recent(ctx context.Context, key SeriesKey, count int, includeAdvanced bool) (*RecentResult, error) {
	res := &RecentResult{}

	members, err := r.tailMembers(ctx, key.storageKey(ClassCore), count)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		rec, err := decodeCore([]byte(m))
		if err != nil {
			continue
		}
		res.Core = append(res.Core, rec)
	}

	if includeAdvanced {
		members, err := r.tailMembers(ctx, key.storageKey(ClassAdvanced), count)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			rec, err := decodeAdvanced([]byte(m))
			if err != nil {
				continue
			}
			res.Advanced = append(res.Advanced, rec)
		}
	}
	return res, nil
}

// Stats reports counts and the combined time range for a pair.
func (r *RedisStore) Stats(ctx context.Context, key SeriesKey) (*Stats, error) {
	stats := &Stats{}

	coreKey := key.storageKey(ClassCore)
	advKey := key.storageKey(ClassAdvanced)

	var err error
	if stats.CoreCount, err = r.client.ZCard(ctx, coreKey).Result(); err != nil {
		return nil, fmt.Errorf("timeseries: redis stats %s: %w", coreKey, err)
	}
	if stats.AdvancedCount, err = r.client.ZCard(ctx, advKey).Result(); err != nil {
		return nil, fmt.Errorf("timeseries: redis stats %s: %w", advKey, err)
	}

	for _, k := range []string{coreKey, advKey} {
		first, err := r.client.ZRangeWithScores(ctx, k, 0, 0).Result()
		if err != nil || len(first) == 0 {
			continue
		}
		last, err := r.client.ZRangeWithScores(ctx, k, -1, -1).Result()
		if err != nil || len(last) == 0 {
			continue
		}
		start, end := int64(first[0].Score), int64(last[0].Score)
		if stats.TimeRange.Start == 0 || start < stats.TimeRange.Start {
			stats.TimeRange.Start = start
		}
		if end > stats.TimeRange.End {
			stats.TimeRange.End = end
		}
	}
	return stats, nil
}

// Ping verifies connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
