// Package queue adapts Redis Streams + consumer groups into the five
// stage queues of spec.md §4.2, generalizing the teacher's single-stream
// RedisQueue (stream/group/delayed-ZSET/DLQ/idempotency) into one queue
// per pipeline stage sharing a single Redis connection.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/planpipeline/internal/jobmodel"
)

// StageQueue is one stage's Redis Streams queue: a stream, its consumer
// group, a ZSET of delayed retries, and a dead-letter stream.
type StageQueue struct {
	client *redis.Client
	stream string
	group  string

	delayedKey  string
	dlqStream   string
	idemDoneKey string

	pollInterval time.Duration
	stop         chan struct{}
}

func newStageQueue(client *redis.Client, stage jobmodel.Stage, group string, poll time.Duration) (*StageQueue, error) {
	stream := "stage:" + string(stage)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("queue: create group for %s: %w", stream, err)
	}
	q := &StageQueue{
		client:       client,
		stream:       stream,
		group:        group,
		delayedKey:   stream + ":delayed",
		dlqStream:    stream + ":dlq",
		idemDoneKey:  "idem:" + string(stage) + ":",
		pollInterval: poll,
		stop:         make(chan struct{}),
	}
	go q.mover()
	return q, nil
}

func isBusyGroupErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrBusyGroup) {
		return true
	}
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

// Enqueue adds a job to the stage's stream as a single "data" field,
// matching the teacher's opaque-payload convention.
func (q *StageQueue) Enqueue(ctx context.Context, payload []byte) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"data": string(payload)},
	}).Err()
}

// EnqueueDelayed schedules a job for later delivery via the retry ZSET.
func (q *StageQueue) EnqueueDelayed(ctx context.Context, payload []byte, executeAt time.Time) error {
	return q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(executeAt.Unix()), Member: string(payload)}).Err()
}

// Message is one delivery read from a stage's stream.
type Message struct {
	ID      string
	Payload []byte
}

// Consume blocks up to timeout for up to count messages.
func (q *StageQueue) Consume(ctx context.Context, consumer string, count int64, timeout time.Duration) ([]Message, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    timeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	out := make([]Message, 0, len(res[0].Messages))
	for _, msg := range res[0].Messages {
		if v, ok := msg.Values["data"]; ok {
			switch t := v.(type) {
			case string:
				out = append(out, Message{ID: msg.ID, Payload: []byte(t)})
			case []byte:
				out = append(out, Message{ID: msg.ID, Payload: t})
			}
		}
	}
	return out, nil
}

// Ack marks a delivery as processed.
func (q *StageQueue) Ack(ctx context.Context, msgID string) error {
	if msgID == "" {
		return nil
	}
	return q.client.XAck(ctx, q.stream, q.group, msgID).Err()
}

// Retry schedules a transient failure for redelivery after backoff.
func (q *StageQueue) Retry(ctx context.Context, msgID string, payload []byte, backoff time.Duration) error {
	if err := q.EnqueueDelayed(ctx, payload, time.Now().Add(backoff)); err != nil {
		return err
	}
	return q.Ack(ctx, msgID)
}

// DeadLetter moves an unrecoverable job to the DLQ stream with a reason,
// acknowledging the original delivery so it isn't redelivered.
func (q *StageQueue) DeadLetter(ctx context.Context, msgID string, payload []byte, reason string) error {
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.dlqStream,
		Values: map[string]any{"data": string(payload), "reason": reason},
	}).Err(); err != nil {
		return err
	}
	return q.Ack(ctx, msgID)
}

// IsIdemDone reports whether key has already been processed.
func (q *StageQueue) IsIdemDone(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	exists, err := q.client.Exists(ctx, q.idemDoneKey+key).Result()
	return exists == 1, err
}

// MarkIdemDone records key as processed for ttl.
func (q *StageQueue) MarkIdemDone(ctx context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return nil
	}
	return q.client.Set(ctx, q.idemDoneKey+key, 1, ttl).Err()
}

// Depths reports approximate stream/delayed/DLQ lengths for metrics.
func (q *StageQueue) Depths(ctx context.Context) (stream, delayed, dlq int64, err error) {
	pipe := q.client.Pipeline()
	xlen := pipe.XLen(ctx, q.stream)
	zcard := pipe.ZCard(ctx, q.delayedKey)
	dxlen := pipe.XLen(ctx, q.dlqStream)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return xlen.Val(), zcard.Val(), dxlen.Val(), nil
}

func (q *StageQueue) mover() {
	poll := q.pollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.moveOnce()
		}
	}
}

func (q *StageQueue) moveOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := time.Now().Unix()
	vals, err := q.client.ZRangeByScoreWithScores(ctx, q.delayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: 100,
	}).Result()
	if err != nil || len(vals) == 0 {
		return
	}
	pipe := q.client.TxPipeline()
	for _, z := range vals {
		s, _ := z.Member.(string)
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: map[string]any{"data": s}})
		pipe.ZRem(ctx, q.delayedKey, s)
	}
	_, _ = pipe.Exec(ctx)
}

func (q *StageQueue) close() {
	close(q.stop)
}

// Queues owns one StageQueue per pipeline stage over a shared Redis
// connection, and implements coordinator.Dispatcher.
type Queues struct {
	client *redis.Client

	ImageGen *StageQueue
	Metadata *StageQueue
	Callout  *StageQueue
	Layout   *StageQueue
	Tiles    *StageQueue
}

// New connects to redisURL and provisions all five stage queues.
func New(redisURL, consumerGroup string, pollInterval time.Duration) (*Queues, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: redis ping: %w", err)
	}

	qs := &Queues{client: client}
	stages := []struct {
		stage Stage
		dst   **StageQueue
	}{
		{StageImageGen, &qs.ImageGen},
		{StageMetadata, &qs.Metadata},
		{StageCallout, &qs.Callout},
		{StageLayout, &qs.Layout},
		{StageTiles, &qs.Tiles},
	}
	for _, s := range stages {
		sq, err := newStageQueue(client, s.stage, consumerGroup, pollInterval)
		if err != nil {
			return nil, err
		}
		*s.dst = sq
	}
	return qs, nil
}

// Envelope wraps a job with its retry attempt count, generalizing the
// teacher's inline payload["attempt"] bookkeeping into a typed wrapper
// shared by every stage.
type Envelope struct {
	Attempt int             `json:"attempt"`
	Job     json.RawMessage `json:"job"`
}

// WrapFirstAttempt marshals job as attempt 1 of an Envelope.
func WrapFirstAttempt(job any) ([]byte, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Attempt: 1, Job: raw})
}

// Stage re-exports jobmodel.Stage so callers don't need both imports.
type Stage = jobmodel.Stage

const (
	StageImageGen = jobmodel.StageImageGen
	StageMetadata = jobmodel.StageMetadata
	StageCallout  = jobmodel.StageCallout
	StageLayout   = jobmodel.StageLayout
	StageTiles    = jobmodel.StageTiles
)

// Ping checks connectivity to the shared Redis connection; satisfies
// statuscheck.RedisPinger.
func (qs *Queues) Ping(ctx context.Context) error {
	return qs.client.Ping(ctx).Err()
}

func (qs *Queues) Close() error {
	qs.ImageGen.close()
	qs.Metadata.close()
	qs.Callout.close()
	qs.Layout.close()
	qs.Tiles.close()
	return qs.client.Close()
}

// EnqueueImageGen enqueues the single stage-1 job produced by the
// orchestrator on upload.
func (qs *Queues) EnqueueImageGen(ctx context.Context, job jobmodel.ImageGenJob) error {
	payload, err := WrapFirstAttempt(job)
	if err != nil {
		return fmt.Errorf("queue: marshal image-gen job: %w", err)
	}
	return qs.ImageGen.Enqueue(ctx, payload)
}

// EnqueueMetadata implements coordinator.Dispatcher.
func (qs *Queues) EnqueueMetadata(ctx context.Context, job jobmodel.MetadataJob) error {
	payload, err := WrapFirstAttempt(job)
	if err != nil {
		return fmt.Errorf("queue: marshal metadata job: %w", err)
	}
	return qs.Metadata.Enqueue(ctx, payload)
}

// EnqueueCallout implements coordinator.Dispatcher.
func (qs *Queues) EnqueueCallout(ctx context.Context, job jobmodel.CalloutJob) error {
	payload, err := WrapFirstAttempt(job)
	if err != nil {
		return fmt.Errorf("queue: marshal callout job: %w", err)
	}
	return qs.Callout.Enqueue(ctx, payload)
}

// EnqueueLayout implements coordinator.Dispatcher.
func (qs *Queues) EnqueueLayout(ctx context.Context, job jobmodel.LayoutJob) error {
	payload, err := WrapFirstAttempt(job)
	if err != nil {
		return fmt.Errorf("queue: marshal layout job: %w", err)
	}
	return qs.Layout.Enqueue(ctx, payload)
}

// EnqueueTiles implements coordinator.Dispatcher.
func (qs *Queues) EnqueueTiles(ctx context.Context, job jobmodel.TilesJob) error {
	payload, err := WrapFirstAttempt(job)
	if err != nil {
		return fmt.Errorf("queue: marshal tiles job: %w", err)
	}
	return qs.Tiles.Enqueue(ctx, payload)
}
