package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueNames holds the three stream names. Derived keys follow the
// queue conventions: `<name>` stream, `<name>:group` consumer group,
// `<name>:retry` backoff zset, `<name>:failed` dead-letter list.
type QueueNames struct {
	Capture  string
	Slack    string
	Analysis string
}

type RedisProducer struct {
	client        *redis.Client
	names         QueueNames
	ensureMu      sync.Mutex
	queuesEnsured bool
}

func NewRedisProducer(addr string, names QueueNames) (*RedisProducer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisProducer{client: client, names: names}, nil
}

func (p *RedisProducer) EnqueueCapture(ctx context.Context, job CaptureJob) error {
	return p.enqueue(ctx, p.names.Capture, KindCaptureEvent, job)
}

func (p *RedisProducer) EnqueueSlackMessage(ctx context.Context, job SlackMessageJob) error {
	return p.enqueue(ctx, p.names.Slack, KindSendSlackMessage, job)
}

func (p *RedisProducer) EnqueueAnalysisTrigger(ctx context.Context, job AnalysisTriggerJob) error {
	return p.enqueue(ctx, p.names.Analysis, KindTriggerAnalysis, job)
}

func (p *RedisProducer) enqueue(ctx context.Context, queueName string, kind Kind, payload any) error {
	if err := p.ensureStreamQueues(ctx); err != nil {
		return err
	}

	encoded, err := marshalEnvelope(kind, payload)
	if err != nil {
		return err
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queueName,
		Values: map[string]any{
			"payload": encoded,
		},
	}).Err(); err != nil {
		return fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return nil
}

func (p *RedisProducer) Close() error {
	return p.client.Close()
}

// QueueStats snapshots queue depths for the metrics endpoint.
func (p *RedisProducer) QueueStats(ctx context.Context) (Stats, error) {
	capture, err := p.queueDepths(ctx, p.names.Capture)
	if err != nil {
		return Stats{}, err
	}
	slack, err := p.queueDepths(ctx, p.names.Slack)
	if err != nil {
		return Stats{}, err
	}
	analysis, err := p.queueDepths(ctx, p.names.Analysis)
	if err != nil {
		return Stats{}, err
	}

	return Stats{Capture: capture, Slack: slack, Analysis: analysis}, nil
}

func (p *RedisProducer) queueDepths(ctx context.Context, queueName string) (QueueDepths, error) {
	depths := QueueDepths{}

	streamDepth, err := p.client.XLen(ctx, queueName).Result()
	if err != nil && err != redis.Nil {
		return QueueDepths{}, fmt.Errorf("stream depth %s: %w", queueName, err)
	}
	depths.StreamDepth = streamDepth

	pending, err := p.client.XPending(ctx, queueName, groupName(queueName)).Result()
	if err == nil {
		depths.Pending = pending.Count
	} else if !isMissingGroupError(err) {
		return QueueDepths{}, fmt.Errorf("pending depth %s: %w", queueName, err)
	}

	retryDepth, err := p.client.ZCard(ctx, retryKey(queueName)).Result()
	if err != nil && err != redis.Nil {
		return QueueDepths{}, fmt.Errorf("retry depth %s: %w", queueName, err)
	}
	depths.RetryDepth = retryDepth

	failedDepth, err := p.client.LLen(ctx, failedKey(queueName)).Result()
	if err != nil && err != redis.Nil {
		return QueueDepths{}, fmt.Errorf("failed depth %s: %w", queueName, err)
	}
	depths.FailedDepth = failedDepth

	return depths, nil
}

// RedriveDeadLetters moves dead-lettered payloads back onto their
// streams, oldest first. Returns the number of redriven entries.
func (p *RedisProducer) RedriveDeadLetters(ctx context.Context, limit int) (int, error) {
	if limit < 1 {
		limit = 100
	}

	redriven := 0
	for _, queueName := range []string{p.names.Capture, p.names.Slack, p.names.Analysis} {
		for redriven < limit {
			payload, err := p.client.RPop(ctx, failedKey(queueName)).Result()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return redriven, fmt.Errorf("pop dead letter %s: %w", queueName, err)
			}

			if err := p.client.XAdd(ctx, &redis.XAddArgs{
				Stream: queueName,
				Values: map[string]any{"payload": payload},
			}).Err(); err != nil {
				// Push back so the entry is not lost.
				_ = p.client.RPush(ctx, failedKey(queueName), payload).Err()
				return redriven, fmt.Errorf("redrive %s: %w", queueName, err)
			}
			redriven++
		}
	}
	return redriven, nil
}

func (p *RedisProducer) ensureStreamQueues(ctx context.Context) error {
	p.ensureMu.Lock()
	if p.queuesEnsured {
		p.ensureMu.Unlock()
		return nil
	}
	p.ensureMu.Unlock()

	for _, queueName := range []string{p.names.Capture, p.names.Slack, p.names.Analysis} {
		if err := p.ensureStreamQueue(ctx, queueName); err != nil {
			return fmt.Errorf("ensure stream queue %s: %w", queueName, err)
		}
	}

	p.ensureMu.Lock()
	p.queuesEnsured = true
	p.ensureMu.Unlock()
	return nil
}

func (p *RedisProducer) ensureStreamQueue(ctx context.Context, queueName string) error {
	queueType, err := p.client.Type(ctx, queueName).Result()
	if err != nil {
		return err
	}

	switch queueType {
	case "none", "stream":
		return nil
	default:
		return fmt.Errorf("unsupported redis key type=%s for queue=%s", queueType, queueName)
	}
}

func groupName(queueName string) string {
	return queueName + ":group"
}

func retryKey(queueName string) string {
	return queueName + ":retry"
}

func failedKey(queueName string) string {
	return queueName + ":failed"
}
