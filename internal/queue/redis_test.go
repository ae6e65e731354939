package queue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testQueueNames() QueueNames {
	return QueueNames{
		Capture:  "capture-jobs",
		Slack:    "slack-jobs",
		Analysis: "analysis-jobs",
	}
}

func TestRedisProducerEnqueuesTypedEnvelopes(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	names := testQueueNames()

	producer, err := NewRedisProducer(mr.Addr(), names)
	if err != nil {
		t.Fatalf("new producer failed: %v", err)
	}
	t.Cleanup(func() {
		_ = producer.Close()
	})

	if err := producer.EnqueueCapture(ctx, CaptureJob{
		QueryID:         "query-1",
		RawQuery:        "SELECT * FROM users WHERE id = $1",
		ExecutionTimeMs: 6200,
		Environment:     "production",
	}); err != nil {
		t.Fatalf("enqueue capture failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	queueType, err := client.Type(ctx, names.Capture).Result()
	if err != nil {
		t.Fatalf("type lookup failed: %v", err)
	}
	if queueType != "stream" {
		t.Fatalf("expected stream key type, got %s", queueType)
	}

	rows, err := client.XRange(ctx, names.Capture, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 stream row, got %d", len(rows))
	}

	rawPayload, ok := rows[0].Values["payload"].(string)
	if !ok {
		t.Fatalf("expected string payload, got %T", rows[0].Values["payload"])
	}

	envelope := Envelope{}
	if err := json.Unmarshal([]byte(rawPayload), &envelope); err != nil {
		t.Fatalf("envelope decode failed: %v", err)
	}
	if envelope.Kind != KindCaptureEvent {
		t.Fatalf("expected kind %s, got %s", KindCaptureEvent, envelope.Kind)
	}
	if envelope.Attempt != 0 {
		t.Fatalf("expected attempt 0, got %d", envelope.Attempt)
	}

	job := CaptureJob{}
	if err := json.Unmarshal(envelope.Payload, &job); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if job.QueryID != "query-1" || job.ExecutionTimeMs != 6200 {
		t.Fatalf("unexpected job payload: %+v", job)
	}
}

func TestRedisProducerQueueStatsSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	names := testQueueNames()

	producer, err := NewRedisProducer(mr.Addr(), names)
	if err != nil {
		t.Fatalf("new producer failed: %v", err)
	}
	t.Cleanup(func() {
		_ = producer.Close()
	})

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	for index := 0; index < 3; index += 1 {
		if err := client.XAdd(ctx, &redis.XAddArgs{
			Stream: names.Capture,
			Values: map[string]any{"payload": `{"kind":"capture_event"}`},
		}).Err(); err != nil {
			t.Fatalf("seed capture xadd failed: %v", err)
		}
	}
	if err := client.XGroupCreateMkStream(ctx, names.Capture, names.Capture+":group", "0").Err(); err != nil &&
		!strings.Contains(err.Error(), "BUSYGROUP") {
		t.Fatalf("seed capture group failed: %v", err)
	}
	read, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    names.Capture + ":group",
		Consumer: "test-consumer",
		Streams:  []string{names.Capture, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("seed pending read failed: %v", err)
	}
	if len(read) == 0 {
		t.Fatalf("expected pending read result")
	}
	if err := client.ZAdd(ctx, names.Capture+":retry", redis.Z{Score: 1000, Member: "{}"}).Err(); err != nil {
		t.Fatalf("seed retry failed: %v", err)
	}
	if err := client.LPush(ctx, names.Capture+":failed", "failed-capture").Err(); err != nil {
		t.Fatalf("seed failed list failed: %v", err)
	}

	stats, err := producer.QueueStats(ctx)
	if err != nil {
		t.Fatalf("queue stats failed: %v", err)
	}

	if stats.Capture.StreamDepth != 3 ||
		stats.Capture.Pending != 1 ||
		stats.Capture.RetryDepth != 1 ||
		stats.Capture.FailedDepth != 1 {
		t.Fatalf("unexpected capture stats: %+v", stats.Capture)
	}
	if stats.Slack.StreamDepth != 0 || stats.Analysis.StreamDepth != 0 {
		t.Fatalf("expected empty slack/analysis stats: %+v", stats)
	}
}

func TestConsumerProcessesJob(t *testing.T) {
	mr := miniredis.RunT(t)
	names := testQueueNames()

	producer, err := NewRedisProducer(mr.Addr(), names)
	if err != nil {
		t.Fatalf("new producer failed: %v", err)
	}
	t.Cleanup(func() {
		_ = producer.Close()
	})

	received := make(chan Envelope, 1)
	consumer, err := NewConsumer(mr.Addr(), names.Capture, func(_ context.Context, envelope Envelope) error {
		received <- envelope
		return nil
	}, ConsumerOptions{BlockTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new consumer failed: %v", err)
	}
	t.Cleanup(func() {
		_ = consumer.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = consumer.Run(ctx)
	}()

	if err := producer.EnqueueCapture(context.Background(), CaptureJob{QueryID: "query-9"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	select {
	case envelope := <-received:
		if envelope.Kind != KindCaptureEvent {
			t.Fatalf("expected capture envelope, got %s", envelope.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("handler was not invoked")
	}

	cancel()
	wg.Wait()
}

func TestConsumerDeadLettersAfterMaxAttempts(t *testing.T) {
	mr := miniredis.RunT(t)
	names := testQueueNames()
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	consumer, err := NewConsumer(mr.Addr(), names.Capture, func(_ context.Context, _ Envelope) error {
		return context.DeadlineExceeded
	}, ConsumerOptions{
		MaxAttempts:  2,
		BaseBackoff:  time.Millisecond,
		BlockTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new consumer failed: %v", err)
	}
	t.Cleanup(func() {
		_ = consumer.Close()
	})

	producer, err := NewRedisProducer(mr.Addr(), names)
	if err != nil {
		t.Fatalf("new producer failed: %v", err)
	}
	t.Cleanup(func() {
		_ = producer.Close()
	})
	if err := producer.EnqueueCapture(ctx, CaptureJob{QueryID: "doomed"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = consumer.Run(runCtx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		depth, err := client.LLen(ctx, names.Capture+":failed").Result()
		if err != nil {
			t.Fatalf("llen failed: %v", err)
		}
		if depth == 1 {
			cancel()
			wg.Wait()

			raw, err := client.RPop(ctx, names.Capture+":failed").Result()
			if err != nil {
				t.Fatalf("rpop failed: %v", err)
			}
			envelope := Envelope{}
			if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
				t.Fatalf("dead letter decode failed: %v", err)
			}
			if envelope.Attempt != 2 {
				t.Fatalf("expected 2 attempts recorded, got %d", envelope.Attempt)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job was never dead-lettered")
}

func TestRedriveDeadLetters(t *testing.T) {
	mr := miniredis.RunT(t)
	names := testQueueNames()
	ctx := context.Background()

	producer, err := NewRedisProducer(mr.Addr(), names)
	if err != nil {
		t.Fatalf("new producer failed: %v", err)
	}
	t.Cleanup(func() {
		_ = producer.Close()
	})

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	if err := client.LPush(ctx, names.Slack+":failed", `{"kind":"send_slack_message","attempt":5}`).Err(); err != nil {
		t.Fatalf("seed dead letter failed: %v", err)
	}

	redriven, err := producer.RedriveDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("redrive failed: %v", err)
	}
	if redriven != 1 {
		t.Fatalf("expected 1 redriven entry, got %d", redriven)
	}

	rows, err := client.XRange(ctx, names.Slack, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 redriven stream row, got %d", len(rows))
	}
}

func TestConsumerBackoffSchedule(t *testing.T) {
	consumer := &Consumer{opts: ConsumerOptions{
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  5 * time.Minute,
	}}

	cases := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{10, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := consumer.backoff(tc.attempt); got != tc.expected {
			t.Fatalf("backoff(%d) = %s, expected %s", tc.attempt, got, tc.expected)
		}
	}
}
