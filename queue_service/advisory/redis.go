package advisory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// countCacheTTL bounds how stale an approximate Count may be.
const countCacheTTL = 20 * time.Second

// Lua script for ATOMIC receive: requeue timed-out in-flight messages,
// then move up to max due messages into the in-flight set and return
// (id, body) pairs. Single instruction from Redis' perspective.
const receiveScript = `
-- KEYS[1] = ready zset (score = visibleAt ms)
-- KEYS[2] = inflight zset (score = visibleUntil ms)
-- KEYS[3] = body hash
-- ARGV[1] = now ms
-- ARGV[2] = max messages
-- ARGV[3] = visibleUntil ms

local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(expired) do
    redis.call("ZREM", KEYS[2], id)
    redis.call("ZADD", KEYS[1], ARGV[1], id)
end

local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(due) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("ZADD", KEYS[2], ARGV[3], id)
    out[#out+1] = id
    out[#out+1] = redis.call("HGET", KEYS[3], id)
end
return out
`

// Lua script for ATOMIC delete from either set plus the body hash.
const deleteScript = `
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
return 1
`

// RedisQueue implements Queue on Redis sorted sets. The ready set is
// scored by visibleAt, the in-flight set by visibleUntil; receive and
// delete run as preloaded Lua scripts so there is no GET/SET race.
type RedisQueue struct {
	client *redis.Client
	prefix string

	receiveSHA string
	deleteSHA  string

	countMu    sync.Mutex
	countCache map[string]cachedCount
}

type cachedCount struct {
	value   int
	fetched time.Time
}

// NewRedisQueue connects and preloads the Lua scripts.
func NewRedisQueue(addr, password string, db int, prefix string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	q := &RedisQueue{client: client, prefix: prefix, countCache: make(map[string]cachedCount)}
	var err error
	if q.receiveSHA, err = client.ScriptLoad(ctx, receiveScript).Result(); err != nil {
		return nil, fmt.Errorf("preloading receive script: %w", err)
	}
	if q.deleteSHA, err = client.ScriptLoad(ctx, deleteScript).Result(); err != nil {
		return nil, fmt.Errorf("preloading delete script: %w", err)
	}
	return q, nil
}

// NewRedisQueueFromClient wraps an existing client (used by tests).
func NewRedisQueueFromClient(ctx context.Context, client *redis.Client, prefix string) (*RedisQueue, error) {
	q := &RedisQueue{client: client, prefix: prefix, countCache: make(map[string]cachedCount)}
	var err error
	if q.receiveSHA, err = client.ScriptLoad(ctx, receiveScript).Result(); err != nil {
		return nil, err
	}
	if q.deleteSHA, err = client.ScriptLoad(ctx, deleteScript).Result(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RedisQueue) keys(queue string) (ready, inflight, body string) {
	base := fmt.Sprintf("%s:q:%s", q.prefix, queue)
	return base + ":ready", base + ":inflight", base + ":body"
}

func (q *RedisQueue) Put(ctx context.Context, queue string, payload []byte, visibleAt time.Time) error {
	ready, _, body := q.keys(queue)
	id := uuid.NewString()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, body, id, payload)
	pipe.ZAdd(ctx, ready, redis.Z{Score: float64(visibleAt.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Receive(ctx context.Context, queue string, maxMessages int, visibility time.Duration) ([]Message, error) {
	ready, inflight, body := q.keys(queue)
	now := time.Now()
	visibleUntil := now.Add(visibility)

	result, err := q.client.EvalSha(ctx, q.receiveSHA,
		[]string{ready, inflight, body},
		now.UnixMilli(), maxMessages, visibleUntil.UnixMilli(),
	).Result()
	if err != nil && err.Error() == "NOSCRIPT No matching script. Please use EVAL." {
		// Redis restarted and lost the script cache; reload and retry.
		q.receiveSHA, _ = q.client.ScriptLoad(ctx, receiveScript).Result()
		result, err = q.client.EvalSha(ctx, q.receiveSHA,
			[]string{ready, inflight, body},
			now.UnixMilli(), maxMessages, visibleUntil.UnixMilli(),
		).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", queue, err)
	}

	pairs, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected receive result type: %T", result)
	}

	var out []Message
	for i := 0; i+1 < len(pairs); i += 2 {
		id, _ := pairs[i].(string)
		bodyStr, ok := pairs[i+1].(string)
		if !ok {
			// Body was deleted between ZADD and HGET; skip the ghost.
			continue
		}
		out = append(out, Message{
			Payload:      []byte(bodyStr),
			Receipt:      id,
			VisibleUntil: visibleUntil,
		})
	}
	return out, nil
}

func (q *RedisQueue) Delete(ctx context.Context, queue string, receipt string) error {
	ready, inflight, body := q.keys(queue)
	_, err := q.client.EvalSha(ctx, q.deleteSHA, []string{ready, inflight, body}, receipt).Result()
	if err != nil && err.Error() == "NOSCRIPT No matching script. Please use EVAL." {
		q.deleteSHA, _ = q.client.ScriptLoad(ctx, deleteScript).Result()
		_, err = q.client.EvalSha(ctx, q.deleteSHA, []string{ready, inflight, body}, receipt).Result()
	}
	return err
}

// Count returns the approximate pending count, cached for up to 20 s.
func (q *RedisQueue) Count(ctx context.Context, queue string) (int, error) {
	q.countMu.Lock()
	if c, ok := q.countCache[queue]; ok && time.Since(c.fetched) < countCacheTTL {
		q.countMu.Unlock()
		return c.value, nil
	}
	q.countMu.Unlock()

	ready, _, _ := q.keys(queue)
	n, err := q.client.ZCard(ctx, ready).Result()
	if err != nil {
		return 0, err
	}

	q.countMu.Lock()
	q.countCache[queue] = cachedCount{value: int(n), fetched: time.Now()}
	q.countMu.Unlock()
	return int(n), nil
}

// Close releases the client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
