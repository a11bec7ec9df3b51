package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"cliparr/internal/config"
	"cliparr/internal/logging"
)

// reserveScript pops the next ready payload and records it in-flight with a
// redelivery deadline in one atomic step.
var reserveScript = redis.NewScript(`
local payload = redis.call('LPOP', KEYS[1])
if not payload then
    return false
end
redis.call('ZADD', KEYS[2], ARGV[1], payload)
return payload
`)

// reapScript moves every in-flight payload whose deadline has passed back to
// the front of the ready list.
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, payload in ipairs(expired) do
    redis.call('ZREM', KEYS[1], payload)
    redis.call('LPUSH', KEYS[2], payload)
end
return #expired
`)

// Broker dispatches stage work through Redis lists with at-least-once
// delivery semantics.
type Broker struct {
	client     *redis.Client
	prefix     string
	visibility time.Duration
	logger     *slog.Logger
}

// Depth reports queue occupancy for one stage.
type Depth struct {
	Ready    int64 `json:"ready"`
	InFlight int64 `json:"in_flight"`
}

// New connects to Redis using the daemon configuration and verifies the
// connection with a ping.
func New(cfg *config.Config, logger *slog.Logger) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	visibility := time.Duration(cfg.Workers.VisibilityTimeoutSeconds) * time.Second
	return NewWithClient(client, cfg.Redis.KeyPrefix, visibility, logger), nil
}

// NewWithClient wraps an existing Redis client. Tests use this with
// miniredis.
func NewWithClient(client *redis.Client, prefix string, visibility time.Duration, logger *slog.Logger) *Broker {
	if prefix == "" {
		prefix = "cliparr"
	}
	if visibility <= 0 {
		visibility = time.Hour
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Broker{
		client:     client,
		prefix:     prefix,
		visibility: visibility,
		logger:     logger.With(logging.String(logging.FieldComponent, "broker")),
	}
}

// Close releases the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Ping verifies the Redis connection.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broker) queueKey(stage Stage) string {
	return b.prefix + ":queue:" + string(stage)
}

func (b *Broker) inflightKey(stage Stage) string {
	return b.prefix + ":inflight:" + string(stage)
}

func (b *Broker) pauseKey(stage Stage) string {
	return b.prefix + ":paused:" + string(stage)
}

// Enqueue appends a message to the back of a stage queue.
func (b *Broker) Enqueue(ctx context.Context, msg *Message) error {
	payload, err := msg.encode()
	if err != nil {
		return err
	}
	if err := b.client.RPush(ctx, b.queueKey(msg.Stage), payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.Stage, err)
	}
	b.logger.Debug("enqueued message",
		logging.String("stage", string(msg.Stage)),
		logging.Int64(logging.FieldJobID, msg.JobID),
		logging.Int("attempt", msg.Attempt),
	)
	return nil
}

// EnqueueFront pushes a message to the front of a stage queue, used for
// retries so a failing job does not wait behind the whole backlog.
func (b *Broker) EnqueueFront(ctx context.Context, msg *Message) error {
	payload, err := msg.encode()
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.queueKey(msg.Stage), payload).Err(); err != nil {
		return fmt.Errorf("enqueue front %s: %w", msg.Stage, err)
	}
	return nil
}

// Reserve claims the next message from a stage queue. It returns nil when
// the queue is empty or the stage is paused. The claim expires after the
// visibility timeout unless acked or released.
func (b *Broker) Reserve(ctx context.Context, stage Stage) (*Message, error) {
	paused, err := b.Paused(ctx, stage)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	deadline := time.Now().Add(b.visibility).UnixMilli()
	result, err := reserveScript.Run(
		ctx,
		b.client,
		[]string{b.queueKey(stage), b.inflightKey(stage)},
		deadline,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %w", stage, err)
	}
	raw, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("reserve %s: unexpected payload type %T", stage, result)
	}
	return decodeMessage(raw)
}

// Ack removes a reserved message permanently.
func (b *Broker) Ack(ctx context.Context, msg *Message) error {
	if msg.raw == "" {
		return fmt.Errorf("ack %s: message was never reserved", msg.Stage)
	}
	if err := b.client.ZRem(ctx, b.inflightKey(msg.Stage), msg.raw).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", msg.Stage, err)
	}
	return nil
}

// Release returns a reserved message to its queue. The attempt counter is
// bumped and the payload lands at the front so retries run promptly.
func (b *Broker) Release(ctx context.Context, msg *Message) error {
	if msg.raw != "" {
		if err := b.client.ZRem(ctx, b.inflightKey(msg.Stage), msg.raw).Err(); err != nil {
			return fmt.Errorf("release %s: %w", msg.Stage, err)
		}
	}
	retry := *msg
	retry.Attempt++
	retry.raw = ""
	return b.EnqueueFront(ctx, &retry)
}

// Reap redelivers in-flight messages whose visibility deadline has passed.
// It returns the number of messages moved back to the ready list.
func (b *Broker) Reap(ctx context.Context, stage Stage) (int, error) {
	moved, err := reapScript.Run(
		ctx,
		b.client,
		[]string{b.inflightKey(stage), b.queueKey(stage)},
		time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reap %s: %w", stage, err)
	}
	if moved > 0 {
		b.logger.Warn("redelivered expired messages",
			logging.String("stage", string(stage)),
			logging.Int("count", moved),
		)
	}
	return moved, nil
}

// ReapAll runs the reaper across every stage queue.
func (b *Broker) ReapAll(ctx context.Context) (int, error) {
	total := 0
	for _, stage := range allStages {
		moved, err := b.Reap(ctx, stage)
		if err != nil {
			return total, err
		}
		total += moved
	}
	return total, nil
}

// Pause stops Reserve from handing out messages for a stage. Queued
// messages stay put.
func (b *Broker) Pause(ctx context.Context, stage Stage) error {
	if err := b.client.Set(ctx, b.pauseKey(stage), "1", 0).Err(); err != nil {
		return fmt.Errorf("pause %s: %w", stage, err)
	}
	return nil
}

// Resume clears a stage pause flag.
func (b *Broker) Resume(ctx context.Context, stage Stage) error {
	if err := b.client.Del(ctx, b.pauseKey(stage)).Err(); err != nil {
		return fmt.Errorf("resume %s: %w", stage, err)
	}
	return nil
}

// PauseAll pauses every stage queue.
func (b *Broker) PauseAll(ctx context.Context) error {
	for _, stage := range allStages {
		if err := b.Pause(ctx, stage); err != nil {
			return err
		}
	}
	return nil
}

// ResumeAll clears every stage pause flag.
func (b *Broker) ResumeAll(ctx context.Context) error {
	for _, stage := range allStages {
		if err := b.Resume(ctx, stage); err != nil {
			return err
		}
	}
	return nil
}

// Paused reports whether a stage is paused.
func (b *Broker) Paused(ctx context.Context, stage Stage) (bool, error) {
	count, err := b.client.Exists(ctx, b.pauseKey(stage)).Result()
	if err != nil {
		return false, fmt.Errorf("paused %s: %w", stage, err)
	}
	return count > 0, nil
}

// DepthFor reports ready and in-flight counts for one stage.
func (b *Broker) DepthFor(ctx context.Context, stage Stage) (Depth, error) {
	ready, err := b.client.LLen(ctx, b.queueKey(stage)).Result()
	if err != nil {
		return Depth{}, fmt.Errorf("depth %s: %w", stage, err)
	}
	inflight, err := b.client.ZCard(ctx, b.inflightKey(stage)).Result()
	if err != nil {
		return Depth{}, fmt.Errorf("depth %s: %w", stage, err)
	}
	return Depth{Ready: ready, InFlight: inflight}, nil
}

// Depths reports queue occupancy for every stage.
func (b *Broker) Depths(ctx context.Context) (map[Stage]Depth, error) {
	out := make(map[Stage]Depth, len(allStages))
	for _, stage := range allStages {
		depth, err := b.DepthFor(ctx, stage)
		if err != nil {
			return nil, err
		}
		out[stage] = depth
	}
	return out, nil
}

// Purge drops every queued and in-flight message for a stage.
func (b *Broker) Purge(ctx context.Context, stage Stage) error {
	if err := b.client.Del(ctx, b.queueKey(stage), b.inflightKey(stage)).Err(); err != nil {
		return fmt.Errorf("purge %s: %w", stage, err)
	}
	return nil
}
