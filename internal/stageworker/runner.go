// Package stageworker implements the five idempotent stage handlers of
// spec.md §4.2, consuming each stage's queue independently and applying
// the per-stage error policy table: blob/container transient failures are
// retried with backoff; permanent failures in metadata and callout still
// ack and report the sheet's slot, while in image-gen and tiles they mark
// the plan failed and dead-letter the job; layout failures are always
// absorbed.
package stageworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/planpipeline/internal/errkind"
	"github.com/local/planpipeline/internal/metrics"
	"github.com/local/planpipeline/internal/queue"
)

// Handler processes one job payload. Whether a PermanentExternal (and, for
// layout, any) error still counts as a handled slot rather than a hard
// failure is decided by Handle itself: it returns a nil error even when
// the upstream call failed, so Runner only needs to branch on error-kind
// for retry/DLQ.
type Handler interface {
	Stage() queue.Stage
	Handle(ctx context.Context, payload []byte) error
}

// RunnerConfig tunes one stage's consumer loop.
type RunnerConfig struct {
	Concurrency  int
	ConsumeBatch int64
	BlockFor     time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.ConsumeBatch <= 0 {
		// One message per read: messages of a batch run one after another
		// on the same goroutine, so a larger batch lets one stuck job hold
		// up the others.
		c.ConsumeBatch = 1
	}
	if c.BlockFor <= 0 {
		c.BlockFor = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	return c
}

// Runner drives one Handler's consumer loop over its stage queue.
type Runner struct {
	queue   *queue.StageQueue
	handler Handler
	cfg     RunnerConfig
	log     *zerolog.Logger
	stop    chan struct{}
}

// NewRunner builds a Runner for handler, consuming from q.
func NewRunner(q *queue.StageQueue, handler Handler, cfg RunnerConfig, log *zerolog.Logger) *Runner {
	return &Runner{queue: q, handler: handler, cfg: cfg.withDefaults(), log: log, stop: make(chan struct{})}
}

// Start launches cfg.Concurrency consumer goroutines.
func (r *Runner) Start() {
	for i := 0; i < r.cfg.Concurrency; i++ {
		go r.loop(i)
	}
}

// Stop signals every consumer goroutine to exit after its current batch.
func (r *Runner) Stop() {
	close(r.stop)
}

func (r *Runner) loop(id int) {
	consumer := fmt.Sprintf("%s-%d", r.handler.Stage(), id)
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		msgs, err := r.queue.Consume(context.Background(), consumer, r.cfg.ConsumeBatch, r.cfg.BlockFor)
		if err != nil {
			if r.log != nil {
				r.log.Error().Err(err).Str("stage", string(r.handler.Stage())).Msg("consume failed")
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, msg := range msgs {
			r.process(msg)
		}
	}
}

func (r *Runner) process(msg queue.Message) {
	ctx := context.Background()
	stage := string(r.handler.Stage())

	var env queue.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		// Malformed envelope is an invariant: nothing to retry toward.
		if r.log != nil {
			r.log.Error().Err(err).Str("stage", stage).Msg("malformed job envelope; dead-lettering")
		}
		_ = r.queue.DeadLetter(ctx, msg.ID, msg.Payload, "malformed envelope")
		metrics.IncStageOutcome(stage, "dlq")
		return
	}

	start := time.Now()
	err := r.handler.Handle(ctx, env.Job)
	metrics.ObserveStageLatency(stage, time.Since(start))

	if err == nil {
		_ = r.queue.Ack(ctx, msg.ID)
		metrics.IncStageOutcome(stage, "ack")
		return
	}

	kind := errkind.Classify(err, false)
	if !errkind.Retryable(kind) {
		// PermanentExternal/Invariant/Deadline from a Handler means the
		// handler itself decided this attempt cannot succeed even after
		// its own absorption logic; dead-letter for operator visibility.
		if r.log != nil {
			r.log.Error().Err(err).Str("stage", stage).Str("kind", kind.String()).Msg("job failed, dead-lettering")
		}
		_ = r.queue.DeadLetter(ctx, msg.ID, msg.Payload, kind.String())
		metrics.IncStageOutcome(stage, "dlq")
		return
	}

	if env.Attempt >= r.cfg.MaxAttempts {
		if r.log != nil {
			r.log.Error().Err(err).Str("stage", stage).Int("attempt", env.Attempt).Msg("max attempts exceeded, dead-lettering")
		}
		_ = r.queue.DeadLetter(ctx, msg.ID, msg.Payload, "max_attempts")
		metrics.IncStageOutcome(stage, "dlq")
		return
	}

	env.Attempt++
	retryPayload, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		_ = r.queue.DeadLetter(ctx, msg.ID, msg.Payload, "re-marshal failed")
		metrics.IncStageOutcome(stage, "dlq")
		return
	}
	backoff := backoffDelay(r.cfg.BaseBackoff, r.cfg.MaxBackoff, env.Attempt)
	if retryErr := r.queue.Retry(ctx, msg.ID, retryPayload, backoff); retryErr != nil && r.log != nil {
		r.log.Error().Err(retryErr).Str("stage", stage).Msg("requeue failed")
	}
	metrics.IncStageOutcome(stage, "retry")
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > max {
			return max
		}
	}
	return d
}
