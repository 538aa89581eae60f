package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// transitionScript applies a status write only when the stored status is
// one of ARGV[5..]. Returns 1 when applied, 0 when the guard failed and -1
// when the record does not exist.
//
// A record leaving for a terminal status is removed from the active set.
//
// KEYS[1] record hash, KEYS[2] active set
// ARGV[1] new status, ARGV[2] message, ARGV[3] updated_at, ARGV[4] result ("" keeps it)
const transitionScript = `
	local cur = redis.call("HGET", KEYS[1], "status")
	if not cur then
		return -1
	end
	local allowed = false
	for i = 5, #ARGV do
		if cur == ARGV[i] then
			allowed = true
		end
	end
	if not allowed then
		return 0
	end
	redis.call("HSET", KEYS[1], "status", ARGV[1], "message", ARGV[2], "updated_at", ARGV[3])
	if ARGV[4] ~= "" then
		redis.call("HSET", KEYS[1], "result", ARGV[4])
	end
	if ARGV[1] == "completed" or ARGV[1] == "failed" then
		redis.call("SREM", KEYS[2], redis.call("HGET", KEYS[1], "id"))
	end
	return 1
`

// RedisStore persists capture records as Redis hashes, with a sorted set
// per user for listing and a set of unfinished record ids. Status
// transitions run as a Lua script so the guard and the write are atomic
// across processes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store on client. The store owns the client and
// closes it on Close.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) recordKey(id string) string {
	return fmt.Sprintf("flowcanvas:capture:%s", id)
}

func (s *RedisStore) userKey(userID string) string {
	return fmt.Sprintf("flowcanvas:captures:user:%s", userID)
}

const activeKey = "flowcanvas:captures:active"

// CreatePending implements Store.
func (s *RedisStore) CreatePending(ctx context.Context, userID string, p Params) (string, error) {
	rec := newRecord(userID, p, time.Now().UTC())
	ts := rec.CreatedAt.Format(timeLayout)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.recordKey(rec.ID),
			"id", rec.ID,
			"user_id", rec.UserID,
			"url", rec.URL,
			"selector", rec.Selector,
			"duration", strconv.FormatFloat(rec.Duration, 'f', -1, 64),
			"status", string(rec.Status),
			"message", "",
			"created_at", ts,
			"updated_at", ts,
		)
		pipe.ZAdd(ctx, s.userKey(userID), redis.Z{
			Score:  float64(rec.CreatedAt.UnixNano()),
			Member: rec.ID,
		})
		pipe.SAdd(ctx, activeKey, rec.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to create capture: %w", err)
	}
	return rec.ID, nil
}

// UpdateStatus implements Store.
func (s *RedisStore) UpdateStatus(ctx context.Context, id string, status Status, message string, expectedPrior Status) (bool, error) {
	return s.transition(ctx, id, status, sanitizeMessage(message), "", allowedPriors(status, expectedPrior))
}

// UpdateWithResult implements Store.
func (s *RedisStore) UpdateWithResult(ctx context.Context, id string, r Result) (bool, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("encode capture result: %w", err)
	}
	return s.transition(ctx, id, StatusCompleted, "", string(data), []Status{StatusProcessing})
}

func (s *RedisStore) transition(ctx context.Context, id string, to Status, message, result string, priors []Status) (bool, error) {
	args := []any{string(to), message, now(), result}
	for _, p := range priors {
		args = append(args, string(p))
	}

	res, err := s.client.Eval(ctx, transitionScript, []string{s.recordKey(id), activeKey}, args...).Result()
	if err != nil {
		return false, fmt.Errorf("failed to execute transition script: %w", err)
	}
	code, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected return type from transition script")
	}

	switch code {
	case 1:
		return true, nil
	case -1:
		return false, ErrNotFound
	default:
		return false, nil
	}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get capture: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(fields)
}

// ListByUser implements Store.
func (s *RedisStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.userKey(userID), 0, stop).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}

	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListUnfinished implements Store.
func (s *RedisStore) ListUnfinished(ctx context.Context, before time.Time) ([]*Record, error) {
	ids, err := s.client.SMembers(ctx, activeKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list active captures: %w", err)
	}

	var out []*Record
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.client.SRem(ctx, activeKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !rec.Status.Terminal() && rec.UpdatedAt.Before(before) {
			out = append(out, rec)
		}
	}
	sortOldestUpdateFirst(out)
	return out, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeHash(f map[string]string) (*Record, error) {
	rec := &Record{
		ID:       f["id"],
		UserID:   f["user_id"],
		URL:      f["url"],
		Selector: f["selector"],
		Status:   Status(f["status"]),
		Message:  f["message"],
	}

	var err error
	if d := f["duration"]; d != "" {
		if rec.Duration, err = strconv.ParseFloat(d, 64); err != nil {
			return nil, fmt.Errorf("parse duration: %w", err)
		}
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, f["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, f["updated_at"]); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if raw := f["result"]; raw != "" {
		var r Result
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		rec.Result = &r
	}
	return rec, nil
}
