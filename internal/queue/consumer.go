package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes one decoded envelope. A returned error schedules a
// retry with exponential backoff until the attempt ceiling, after which
// the envelope is dead-lettered.
type Handler func(ctx context.Context, envelope Envelope) error

type ConsumerOptions struct {
	ConsumerName string
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	BatchSize    int64
	BlockTimeout time.Duration
}

type Consumer struct {
	client    *redis.Client
	queueName string
	handler   Handler
	opts      ConsumerOptions
}

func NewConsumer(addr, queueName string, handler Handler, opts ConsumerOptions) (*Consumer, error) {
	if opts.ConsumerName == "" {
		opts.ConsumerName = "worker"
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 16
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
		// Block timeout must fit inside the read timeout.
		ReadTimeout:  opts.BlockTimeout + 5*time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Consumer{
		client:    client,
		queueName: queueName,
		handler:   handler,
		opts:      opts,
	}, nil
}

func (c *Consumer) Close() error {
	return c.client.Close()
}

// Run consumes until ctx is cancelled. Delivery is at-least-once: a
// crash between handling and acking redelivers the entry.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := c.promoteDueRetries(ctx); err != nil && ctx.Err() == nil {
			log.Printf("queue=%s retry promotion failed err=%v", c.queueName, err)
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupName(c.queueName),
			Consumer: c.opts.ConsumerName,
			Streams:  []string{c.queueName, ">"},
			Count:    c.opts.BatchSize,
			Block:    c.opts.BlockTimeout,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("queue=%s read failed err=%v", c.queueName, err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				c.processMessage(ctx, message)
			}
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, message redis.XMessage) {
	defer func() {
		_ = c.client.XAck(ctx, c.queueName, groupName(c.queueName), message.ID).Err()
		_ = c.client.XDel(ctx, c.queueName, message.ID).Err()
	}()

	rawPayload, ok := message.Values["payload"].(string)
	if !ok {
		log.Printf("queue=%s message=%s missing payload, dead-lettering", c.queueName, message.ID)
		_ = c.client.LPush(ctx, failedKey(c.queueName), fmt.Sprintf("%v", message.Values)).Err()
		return
	}

	envelope := Envelope{}
	if err := json.Unmarshal([]byte(rawPayload), &envelope); err != nil {
		log.Printf("queue=%s message=%s undecodable envelope err=%v, dead-lettering", c.queueName, message.ID, err)
		_ = c.client.LPush(ctx, failedKey(c.queueName), rawPayload).Err()
		return
	}

	if err := c.handler(ctx, envelope); err != nil {
		c.scheduleRetry(ctx, envelope, err)
	}
}

func (c *Consumer) scheduleRetry(ctx context.Context, envelope Envelope, cause error) {
	envelope.Attempt++
	if envelope.Attempt >= c.opts.MaxAttempts {
		log.Printf(
			"queue=%s kind=%s attempts=%d exhausted, dead-lettering err=%v",
			c.queueName, envelope.Kind, envelope.Attempt, cause,
		)
		encoded, err := json.Marshal(envelope)
		if err != nil {
			log.Printf("queue=%s dead-letter marshal failed err=%v", c.queueName, err)
			return
		}
		_ = c.client.LPush(ctx, failedKey(c.queueName), string(encoded)).Err()
		return
	}

	delay := c.backoff(envelope.Attempt)
	log.Printf(
		"queue=%s kind=%s attempt=%d retrying in %s err=%v",
		c.queueName, envelope.Kind, envelope.Attempt, delay, cause,
	)

	encoded, err := json.Marshal(envelope)
	if err != nil {
		log.Printf("queue=%s retry marshal failed err=%v", c.queueName, err)
		return
	}

	dueAt := time.Now().Add(delay).UnixMilli()
	_ = c.client.ZAdd(ctx, retryKey(c.queueName), redis.Z{
		Score:  float64(dueAt),
		Member: string(encoded),
	}).Err()
}

func (c *Consumer) backoff(attempt int) time.Duration {
	delay := c.opts.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.opts.MaxBackoff {
			return c.opts.MaxBackoff
		}
	}
	if delay > c.opts.MaxBackoff {
		return c.opts.MaxBackoff
	}
	return delay
}

// promoteDueRetries moves retry entries whose backoff has elapsed back
// onto the stream.
func (c *Consumer) promoteDueRetries(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := c.client.ZRangeByScore(ctx, retryKey(c.queueName), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil && err != redis.Nil {
		return err
	}

	for _, payload := range due {
		if err := c.client.XAdd(ctx, &redis.XAddArgs{
			Stream: c.queueName,
			Values: map[string]any{"payload": payload},
		}).Err(); err != nil {
			return fmt.Errorf("promote retry entry: %w", err)
		}
		if err := c.client.ZRem(ctx, retryKey(c.queueName), payload).Err(); err != nil {
			return fmt.Errorf("remove promoted retry entry: %w", err)
		}
	}
	return nil
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.queueName, groupName(c.queueName), "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group for %s: %w", c.queueName, err)
	}
	return nil
}

func isMissingGroupError(err error) bool {
	if err == nil {
		return false
	}
	if err == redis.Nil {
		return true
	}
	return strings.Contains(err.Error(), "NOGROUP")
}
