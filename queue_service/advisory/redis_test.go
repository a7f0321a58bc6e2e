package advisory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q, err := NewRedisQueueFromClient(context.Background(), client, "test")
	if err != nil {
		t.Fatalf("NewRedisQueueFromClient: %v", err)
	}
	return q
}

func TestRedisQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	if err := q.Put(ctx, "resolved", []byte(`{"taskId":"x"}`), time.Now()); err != nil {
		t.Fatalf("Put: %v", err)
	}

	msgs, err := q.Receive(ctx, "resolved", 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Payload) != `{"taskId":"x"}` {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	// In flight until visibility expires.
	again, err := q.Receive(ctx, "resolved", 10, time.Minute)
	if err != nil {
		t.Fatalf("second Receive: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("in-flight message redelivered")
	}

	if err := q.Delete(ctx, "resolved", msgs[0].Receipt); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	msgs, _ = q.Receive(ctx, "resolved", 10, time.Minute)
	if len(msgs) != 0 {
		t.Fatalf("deleted message came back")
	}
}

func TestRedisQueueRedelivery(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	q.Put(ctx, "claim-expiration", []byte("m"), time.Now())
	first, err := q.Receive(ctx, "claim-expiration", 10, 30*time.Millisecond)
	if err != nil || len(first) != 1 {
		t.Fatalf("first receive: %v %d", err, len(first))
	}

	time.Sleep(50 * time.Millisecond)
	second, err := q.Receive(ctx, "claim-expiration", 10, time.Minute)
	if err != nil {
		t.Fatalf("receive after timeout: %v", err)
	}
	if len(second) != 1 || second[0].Receipt != first[0].Receipt {
		t.Fatalf("message not requeued from inflight: %+v", second)
	}
}

func TestRedisQueueDeferred(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	q.Put(ctx, "deadline", []byte("later"), time.Now().Add(40*time.Millisecond))
	msgs, err := q.Receive(ctx, "deadline", 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("deferred message delivered early")
	}

	time.Sleep(60 * time.Millisecond)
	msgs, _ = q.Receive(ctx, "deadline", 10, time.Minute)
	if len(msgs) != 1 {
		t.Fatalf("deferred message never became visible")
	}
}

func TestRedisQueueCountCaching(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	q.Put(ctx, "pending/p/w/lowest", []byte("a"), time.Now())
	n, err := q.Count(ctx, "pending/p/w/lowest")
	if err != nil || n != 1 {
		t.Fatalf("Count = %d, %v; want 1", n, err)
	}

	// The cache absorbs the next read even though the queue changed.
	q.Put(ctx, "pending/p/w/lowest", []byte("b"), time.Now())
	n, _ = q.Count(ctx, "pending/p/w/lowest")
	if n != 1 {
		t.Fatalf("cached Count = %d, want stale value 1", n)
	}
}
