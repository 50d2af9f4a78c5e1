package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"signflow/internal/util"
	"signflow/pkg/metrics"
)

const (
	defaultMaxRetries     = 5
	defaultSealMaxRetries = 10
	maxBackoff            = time.Minute
	// minClaimIdle keeps a retry sleeping out its backoff from being
	// reclaimed by another consumer.
	minClaimIdle = 2 * maxBackoff
)

// RedisQueueConfig configures the outbox stream.
type RedisQueueConfig struct {
	Addr     string
	Password string
	Stream   string
	Group    string
	Consumer string
	// MaxRetries bounds notification jobs; SealMaxRetries bounds sealing,
	// which the reseal sweep picks up again once exhausted.
	MaxRetries     int
	SealMaxRetries int
	// RetryDelay is the first backoff step; it doubles per attempt.
	RetryDelay time.Duration
	JobTTL     time.Duration
	Block      time.Duration
	// ClaimIdle is how long a pending message may sit before another
	// consumer takes it over. Values below two minutes are raised.
	ClaimIdle time.Duration
	MaxLen    int64
	ReadCount int64
}

// RedisJobQueue is an at-least-once outbox on a Redis stream with a
// consumer group. Job state lives in a hash next to the stream so callers
// can inspect it; an in-flight marker per target suppresses duplicates.
type RedisJobQueue struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	retries    map[string]int
	maxRetries int
	retryDelay time.Duration
	jobTTL     time.Duration
	block      time.Duration
	claimIdle  time.Duration
	maxLen     int64
	readCount  int64
	groupOnce  sync.Once
}

// NewRedisJobQueue validates cfg and connects lazily.
func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	q := &RedisJobQueue{
		client:     redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:     stream,
		group:      firstNonEmpty(cfg.Group, "signflow"),
		consumer:   firstNonEmpty(cfg.Consumer, util.NewID()),
		maxRetries: positive(cfg.MaxRetries, defaultMaxRetries),
		retryDelay: positiveDuration(cfg.RetryDelay, 2*time.Second),
		jobTTL:     positiveDuration(cfg.JobTTL, 72*time.Hour),
		block:      positiveDuration(cfg.Block, 5*time.Second),
		claimIdle:  max(positiveDuration(cfg.ClaimIdle, 5*time.Minute), minClaimIdle),
		maxLen:     int64(positive(int(cfg.MaxLen), 10000)),
		readCount:  int64(positive(int(cfg.ReadCount), 10)),
	}
	q.retries = map[string]int{KindSeal: positive(cfg.SealMaxRetries, defaultSealMaxRetries)}
	return q, nil
}

// Ping checks the redis connection.
func (q *RedisJobQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the redis client.
func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

// Enqueue schedules a job. When a job for the same kind, document and ref is
// still queued or running, that job is returned instead of a new one.
func (q *RedisJobQueue) Enqueue(ctx context.Context, kind, documentID, ref string) (Job, error) {
	kind, documentID = strings.TrimSpace(kind), strings.TrimSpace(documentID)
	if kind == "" || documentID == "" {
		return Job{}, errors.New("job kind and documentId required")
	}
	now := time.Now().UTC()
	job := Job{
		ID:         util.NewID(),
		Kind:       kind,
		DocumentID: documentID,
		Ref:        strings.TrimSpace(ref),
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	claimed, err := q.client.SetNX(ctx, q.inflightKey(job), job.ID, q.jobTTL).Result()
	if err != nil {
		return Job{}, fmt.Errorf("mark job in flight: %w", err)
	}
	if !claimed {
		if existing, ok := q.inflight(ctx, job); ok {
			return existing, nil
		}
		// stale marker without a job hash; take it over
		if err := q.client.Set(ctx, q.inflightKey(job), job.ID, q.jobTTL).Err(); err != nil {
			return Job{}, fmt.Errorf("mark job in flight: %w", err)
		}
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), job.hash())
	pipe.Expire(ctx, q.jobKey(job.ID), q.jobTTL)
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, MaxLen: q.maxLen, Approx: true, Values: job.streamValues()})
	if _, err := pipe.Exec(ctx); err != nil {
		_ = q.client.Del(context.WithoutCancel(ctx), q.inflightKey(job)).Err()
		return Job{}, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return job, nil
}

func (q *RedisJobQueue) inflight(ctx context.Context, probe Job) (Job, bool) {
	id, err := q.client.Get(ctx, q.inflightKey(probe)).Result()
	if err != nil || id == "" {
		return Job{}, false
	}
	job, ok, err := q.GetJob(ctx, id)
	if err != nil || !ok || job.Status == StatusDone || job.Status == StatusFailed {
		return Job{}, false
	}
	return job, true
}

// GetJob reads the status hash of a job.
func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	h, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(h) == 0 {
		return Job{}, false, nil
	}
	return jobFromHash(jobID, h), true, nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	q.ensureGroup(ctx)
	for i := 0; i < positive(concurrency, 1); i++ {
		go q.consume(ctx, fmt.Sprintf("%s-%d", q.consumer, i), handler)
	}
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			util.LoggerFromContext(ctx).Warn("queue group create failed", "stream", q.stream, "err", err)
		}
	})
}

func (q *RedisJobQueue) consume(ctx context.Context, consumer string, handler Handler) {
	logger := util.LoggerFromContext(ctx).With("stream", q.stream, "consumer", consumer)
	for ctx.Err() == nil {
		// messages abandoned by a crashed consumer come first
		claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: consumer,
			MinIdle:  q.claimIdle,
			Start:    "0-0",
			Count:    q.readCount,
		}).Result()
		if err == nil {
			for _, msg := range claimed {
				q.process(ctx, consumer, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				logger.Warn("queue read failed", "err", err)
				sleep(ctx, q.retryDelay)
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				q.process(ctx, consumer, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) process(ctx context.Context, consumer string, msg redis.XMessage, handler Handler) {
	ref := jobFromMessage(msg)
	if ref.ID == "" || ref.Kind == "" || ref.DocumentID == "" {
		q.drop(ctx, msg.ID)
		return
	}
	job, err := q.begin(ctx, ref)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("job state unavailable", "job_id", ref.ID, "err", err)
		return
	}
	logger := util.LoggerFromContext(ctx).With("job_id", job.ID, "kind", job.Kind, "document_id", job.DocumentID, "attempt", job.Attempts)
	err = handler(util.ContextWithLogger(ctx, logger), job)
	switch {
	case err == nil:
		metrics.Jobs.WithLabelValues(job.Kind, "done").Inc()
		q.finish(ctx, msg.ID, job, StatusDone, "")
	case job.Attempts >= q.retryBudget(job.Kind):
		metrics.Jobs.WithLabelValues(job.Kind, "failed").Inc()
		logger.Error("job failed permanently", "err", err)
		q.finish(ctx, msg.ID, job, StatusFailed, err.Error())
	default:
		metrics.Jobs.WithLabelValues(job.Kind, "retry").Inc()
		delay := q.backoff(job.Attempts)
		logger.Warn("job failed, retrying", "err", err, "backoff", delay.String())
		job.Status, job.ErrorMessage = StatusQueued, err.Error()
		_ = q.writeStatus(ctx, job)
		q.touch(ctx, consumer, msg.ID)
		if !sleep(ctx, delay) {
			return
		}
		if err := q.requeue(ctx, msg.ID, job); err != nil {
			logger.Warn("requeue failed; message stays pending", "err", err)
		}
	}
}

// touch resets the idle time of a pending message so XAUTOCLAIM leaves it
// alone while this consumer waits out the backoff.
func (q *RedisJobQueue) touch(ctx context.Context, consumer, msgID string) {
	err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		Messages: []string{msgID},
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		util.LoggerFromContext(ctx).Warn("pending message touch failed", "msg_id", msgID, "err", err)
	}
}

// begin bumps the attempt counter and marks the job running.
func (q *RedisJobQueue) begin(ctx context.Context, ref Job) (Job, error) {
	job, found, err := q.GetJob(ctx, ref.ID)
	if err != nil {
		return Job{}, err
	}
	if !found {
		job = ref
		job.CreatedAt = time.Now().UTC()
	}
	job.Kind, job.DocumentID, job.Ref = ref.Kind, ref.DocumentID, ref.Ref
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	return job, q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) finish(ctx context.Context, msgID string, job Job, status, errMsg string) {
	job.Status, job.ErrorMessage = status, errMsg
	job.UpdatedAt = time.Now().UTC()
	_ = q.writeStatus(ctx, job)
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	pipe.Del(ctx, q.inflightKey(job))
	_, _ = pipe.Exec(ctx)
}

func (q *RedisJobQueue) drop(ctx context.Context, msgID string) {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, _ = pipe.Exec(ctx)
}

// requeue appends the job again and acks the old message in one MULTI, so a
// failure leaves the original pending for XAUTOCLAIM.
func (q *RedisJobQueue) requeue(ctx context.Context, msgID string, job Job) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, MaxLen: q.maxLen, Approx: true, Values: job.streamValues()})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job Job) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), job.hash())
	pipe.Expire(ctx, q.jobKey(job.ID), q.jobTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) retryBudget(kind string) int {
	if n, ok := q.retries[kind]; ok {
		return n
	}
	return q.maxRetries
}

// backoff doubles the base delay per attempt, capped at maxBackoff.
func (q *RedisJobQueue) backoff(attempt int) time.Duration {
	delay := q.retryDelay
	for i := 1; i < attempt && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return q.stream + ":job:" + jobID
}

func (q *RedisJobQueue) inflightKey(job Job) string {
	return q.stream + ":inflight:" + job.target()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func firstNonEmpty(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}

func positive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func positiveDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
