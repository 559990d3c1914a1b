package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestEnqueueWritesStatusAndStreamEntry(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisReceiptQueue(ReceiptQueueConfig{
		Addr:   redisSrv.Addr(),
		Stream: "test:receipts",
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "sale-1", "user-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != StatusQueued || job.SaleID != "sale-1" || job.UserID != "user-1" {
		t.Fatalf("unexpected job: %+v", job)
	}

	stored, found, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !found {
		t.Fatalf("expected job status hash")
	}
	if stored.SaleID != "sale-1" || stored.Status != StatusQueued {
		t.Fatalf("unexpected stored job: %+v", stored)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected one stream entry, got %d", streamLen)
	}
}

func TestRequeueAndAckMovesMessageOutOfPending(t *testing.T) {
	q, ctx, msgID, jobID := newPendingReceiptMessage(t)

	if err := q.requeueAndAck(ctx, msgID, jobID, "sale-1", "user-1"); err != nil {
		t.Fatalf("requeue and ack: %v", err)
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
	got := streams[0].Messages[0]
	if got.Values["job_id"] != jobID || got.Values["sale_id"] != "sale-1" {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, jobID := newPendingReceiptMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, jobID, "sale-1", "user-1"); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
}

func newPendingReceiptMessage(t *testing.T) (*RedisReceiptQueue, context.Context, string, string) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewRedisReceiptQueue(ReceiptQueueConfig{
		Addr:     redisSrv.Addr(),
		Stream:   "test:receipts",
		Group:    "test-group",
		Consumer: "consumer-1",
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "sale-1", "user-1")
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
		t.Fatalf("read message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return q, ctx, streams[0].Messages[0].ID, job.ID
}
