package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, cfg RedisQueueConfig) *RedisJobQueue {
	t.Helper()
	srv := miniredis.RunT(t)
	cfg.Addr = srv.Addr()
	if cfg.Stream == "" {
		cfg.Stream = "test:outbox"
	}
	q, err := NewRedisJobQueue(cfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func waitForStatus(t *testing.T, q *RedisJobQueue, jobID, status string) Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, ok, err := q.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && got.Status == status {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, status)
	return Job{}
}

func TestRequeueMovesMessageToStreamTail(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	if err := q.requeue(ctx, msgID, job); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := jobFromMessage(streams[0].Messages[0])
	if got.ID != job.ID || got.Kind != KindSeal || got.DocumentID != "doc-1" {
		t.Fatalf("unexpected requeued payload: %+v", got)
	}
}

func TestRequeueFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeue(canceled, msgID, job); err == nil {
		t.Fatalf("expected requeue to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
	if n, _ := q.client.XLen(ctx, q.stream).Result(); n != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", n)
	}
}

func TestEnqueueValidates(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{})
	if _, err := q.Enqueue(context.Background(), "", "doc-1", ""); err == nil {
		t.Fatalf("expected error for missing kind")
	}
	if _, err := q.Enqueue(context.Background(), KindSeal, " ", ""); err == nil {
		t.Fatalf("expected error for missing document")
	}
}

func TestEnqueueReturnsInFlightJob(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, KindSeal, "doc-1", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, KindSeal, "doc-1", "")
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate seal queued: %s vs %s", second.ID, first.ID)
	}
	if n, _ := q.client.XLen(ctx, q.stream).Result(); n != 1 {
		t.Fatalf("stream len = %d, want 1", n)
	}

	other, err := q.Enqueue(ctx, KindNotifySigner, "doc-1", "signer-2")
	if err != nil {
		t.Fatalf("enqueue signer: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("different targets must not collapse")
	}
}

func TestInFlightMarkerReleasedWhenDone(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{Block: 20 * time.Millisecond, RetryDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx, 1, func(context.Context, Job) error { return nil })
	first, err := q.Enqueue(ctx, KindNotifyCompleted, "doc-7", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitForStatus(t, q, first.ID, StatusDone)

	again, err := q.Enqueue(ctx, KindNotifyCompleted, "doc-7", "")
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if again.ID == first.ID {
		t.Fatalf("finished job must not absorb a new enqueue")
	}
}

func TestRetriesUntilHandlerSucceeds(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{
		Stream:     "test:retry",
		Group:      "test-group",
		Consumer:   "worker",
		RetryDelay: time.Millisecond,
		Block:      20 * time.Millisecond,
		MaxRetries: 3,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	q.Start(ctx, 1, func(_ context.Context, job Job) error {
		if job.Kind != KindSeal || job.DocumentID != "doc-9" {
			t.Errorf("unexpected job: %+v", job)
		}
		if calls.Add(1) == 1 {
			return errors.New("storage unavailable")
		}
		return nil
	})

	job, err := q.Enqueue(ctx, KindSeal, "doc-9", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got := waitForStatus(t, q, job.ID, StatusDone)
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", got.Attempts)
	}
}

func TestNotificationFailsAfterBudget(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{
		RetryDelay:     time.Millisecond,
		Block:          20 * time.Millisecond,
		MaxRetries:     2,
		SealMaxRetries: 5,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx, 1, func(context.Context, Job) error { return errors.New("smtp down") })
	job, err := q.Enqueue(ctx, KindNotifySigners, "doc-3", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got := waitForStatus(t, q, job.ID, StatusFailed)
	if got.Attempts != 2 || got.ErrorMessage != "smtp down" {
		t.Fatalf("unexpected failed job: %+v", got)
	}
	if exists, _ := q.client.Exists(ctx, q.inflightKey(got)).Result(); exists != 0 {
		t.Fatalf("in-flight marker kept after permanent failure")
	}
}

func TestRetryBudgetAndBackoff(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{MaxRetries: 3, RetryDelay: 10 * time.Second})
	if got := q.retryBudget(KindSeal); got != defaultSealMaxRetries {
		t.Fatalf("seal budget = %d", got)
	}
	if got := q.retryBudget(KindNotifySigner); got != 3 {
		t.Fatalf("notify budget = %d", got)
	}
	cases := map[int]time.Duration{1: 10 * time.Second, 2: 20 * time.Second, 3: 40 * time.Second, 4: time.Minute, 9: time.Minute}
	for attempt, want := range cases {
		if got := q.backoff(attempt); got != want {
			t.Fatalf("backoff(%d) = %s, want %s", attempt, got, want)
		}
	}
}

func TestClaimIdleOutlastsBackoff(t *testing.T) {
	for _, configured := range []time.Duration{0, 30 * time.Second, time.Minute, 10 * time.Minute} {
		q := newTestQueue(t, RedisQueueConfig{ClaimIdle: configured, RetryDelay: 10 * time.Second})
		if q.claimIdle <= q.backoff(20) {
			t.Fatalf("claim idle %s must exceed the longest backoff %s (configured %s)", q.claimIdle, q.backoff(20), configured)
		}
		if configured > minClaimIdle && q.claimIdle != configured {
			t.Fatalf("claim idle = %s, want %s", q.claimIdle, configured)
		}
	}
}

func TestTouchResetsPendingIdle(t *testing.T) {
	q, ctx, msgID, _ := newPendingQueueMessage(t)
	q.touch(ctx, "consumer-1", msgID)
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != msgID || pending[0].Consumer != "consumer-1" {
		t.Fatalf("pending after touch = %+v", pending)
	}
	if pending[0].Idle >= minClaimIdle {
		t.Fatalf("touch must reset idle time, got %s", pending[0].Idle)
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, Job) {
	t.Helper()
	q := newTestQueue(t, RedisQueueConfig{
		Stream:     "test:queue",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})

	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, KindSeal, "doc-1", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return q, ctx, streams[0].Messages[0].ID, job
}
