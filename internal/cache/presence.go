package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Recorder persists "last viewed" bookkeeping. Callers coalesce; every call
// here results in writes.
type Recorder interface {
	RecordView(ctx context.Context, docID string, userID uint64, at time.Time) error
	LastViewed(ctx context.Context, docID string, userID uint64) (time.Time, bool, error)
}

type redisRecorder struct {
	rdb redis.UniversalClient
}

func NewRedisRecorder(rdb redis.UniversalClient) Recorder {
	return &redisRecorder{rdb: rdb}
}

func (r *redisRecorder) RecordView(ctx context.Context, docID string, userID uint64, at time.Time) error {
	tx := r.rdb.TxPipeline()
	tx.HSet(ctx, viewsKey(docID), userField(userID), unixValue(at.Unix()))
	tx.Set(ctx, lastActiveKey(userID), unixValue(at.Unix()), 0)
	_, err := tx.Exec(ctx)
	return err
}

func (r *redisRecorder) LastViewed(ctx context.Context, docID string, userID uint64) (time.Time, bool, error) {
	raw, err := r.rdb.HGet(ctx, viewsKey(docID), userField(userID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(secs, 0), true, nil
}
