package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*RedisJobQueue, context.Context) {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:analyze",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()
	q.ensureGroup(ctx)
	return q, ctx
}

func TestEnqueueRecordsJobAndStreamEntry(t *testing.T) {
	q, ctx := newTestQueue(t)

	job, err := q.Enqueue(ctx, "photo-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != StatusQueued || job.PhotoID != "photo-1" {
		t.Fatalf("unexpected job: %+v", job)
	}

	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.PhotoID != "photo-1" || got.Status != StatusQueued {
		t.Fatalf("unexpected stored job: %+v", got)
	}

	length, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if length != 1 {
		t.Fatalf("expected one stream entry, got %d", length)
	}
}

func TestEnqueueRejectsEmptyPhotoID(t *testing.T) {
	q, ctx := newTestQueue(t)
	if _, err := q.Enqueue(ctx, "  "); err == nil {
		t.Fatalf("expected error for empty photo id")
	}
}

func TestHandleMessageSuccessAcksAndMarksDone(t *testing.T) {
	q, ctx := newTestQueue(t)
	job, err := q.Enqueue(ctx, "photo-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg := readOneMessage(t, q, ctx)

	q.handleMessage(ctx, msg, func(_ context.Context, j JobStatus) error {
		if j.PhotoID != "photo-1" {
			t.Fatalf("handler got wrong photo: %+v", j)
		}
		return nil
	})

	got, _, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusDone {
		t.Fatalf("status = %s, want done", got.Status)
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}
}

func TestHandleMessageFailureRequeuesUntilMaxRetries(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:analyze",
		Group:      "test-group",
		Consumer:   "consumer-1",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()
	q.ensureGroup(ctx)
	job, err := q.Enqueue(ctx, "photo-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	fail := func(_ context.Context, _ JobStatus) error { return context.DeadlineExceeded }

	// First attempt fails and requeues.
	q.handleMessage(ctx, readOneMessage(t, q, ctx), fail)
	got, _, _ := q.GetJob(ctx, job.ID)
	if got.Status != StatusQueued || got.Attempts != 1 {
		t.Fatalf("after first failure: %+v", got)
	}

	// Second attempt exhausts retries and marks failed.
	q.handleMessage(ctx, readOneMessage(t, q, ctx), fail)
	got, _, _ = q.GetJob(ctx, job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("after exhausting retries: %+v", got)
	}
	if got.ErrorMessage == "" {
		t.Fatalf("expected failure message on job")
	}
}

func readOneMessage(t *testing.T, q *RedisJobQueue, ctx context.Context) redis.XMessage {
	t.Helper()
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one message, got %+v", streams)
	}
	return streams[0].Messages[0]
}
