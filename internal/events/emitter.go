package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/rs/zerolog"
)

// EmitterOptions configures the batched Axiom-backed event log. Dataset
// partitioning is per-organization: each tenant's events land in their own
// dataset so a viewer never scans across tenants.
type EmitterOptions struct {
	APIKey        string
	OrgID         string
	DatasetPrefix string // dataset becomes DatasetPrefix + organizationID
	FlushEvery    time.Duration
	FlushBatch    int
	Log           *zerolog.Logger
}

// Emitter commits validated events to the per-tenant append-only log. It
// batches commits the same way the teacher's logger batches Axiom log
// forwarding, but here the batched payload IS the product, not a log
// sink: Commit returns once the event is queued in memory for the next
// flush, and Close drains every pending event before returning.
type Emitter struct {
	client  *axiom.Client
	prefix  string
	log     *zerolog.Logger
	mu      sync.Mutex
	batches map[string][]axiom.Event // dataset -> pending events
	ch      chan taggedEvent
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type taggedEvent struct {
	dataset string
	event   axiom.Event
}

// NewEmitter builds an Emitter and starts its background flush loop.
func NewEmitter(opts EmitterOptions) (*Emitter, error) {
	axOpts := []axiom.Option{axiom.SetToken(opts.APIKey)}
	if opts.OrgID != "" {
		axOpts = append(axOpts, axiom.SetOrganizationID(opts.OrgID))
	}
	client, err := axiom.NewClient(axOpts...)
	if err != nil {
		return nil, fmt.Errorf("events: new axiom client: %w", err)
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 5 * time.Second
	}
	batchSize := opts.FlushBatch
	if batchSize <= 0 {
		batchSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		client:  client,
		prefix:  opts.DatasetPrefix,
		log:     opts.Log,
		batches: make(map[string][]axiom.Event),
		ch:      make(chan taggedEvent, 2000),
		ctx:     ctx,
		cancel:  cancel,
	}
	e.wg.Add(1)
	go e.loop(flushEvery, batchSize)
	return e, nil
}

// Commit validates ev and enqueues it for durable append. It returns once
// the event is accepted into the in-memory batch, not once it has been
// flushed to Axiom; callers needing a durability guarantee should call
// Close (e.g. at shutdown) or rely on the periodic flush.
func (e *Emitter) Commit(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("events: refusing to commit: %w", err)
	}
	dataset := e.prefix + ev.OrganizationID
	payload := map[string]any{
		ingest.TimestampField: time.Now(),
		"name":                string(ev.Name),
	}
	for k, v := range ev.Data {
		payload[k] = v
	}

	select {
	case e.ch <- taggedEvent{dataset: dataset, event: axiom.Event(payload)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return fmt.Errorf("events: emitter closed")
	}
}

func (e *Emitter) loop(flushEvery time.Duration, batchSize int) {
	defer e.wg.Done()
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			// Move events already accepted by Commit out of the channel
			// buffer so the final flush includes them.
			for drained := false; !drained; {
				select {
				case te := <-e.ch:
					e.mu.Lock()
					e.batches[te.dataset] = append(e.batches[te.dataset], te.event)
					e.mu.Unlock()
				default:
					drained = true
				}
			}
			e.flushAll()
			return
		case <-ticker.C:
			e.flushAll()
		case te := <-e.ch:
			e.mu.Lock()
			e.batches[te.dataset] = append(e.batches[te.dataset], te.event)
			full := len(e.batches[te.dataset]) >= batchSize
			e.mu.Unlock()
			if full {
				e.flushDataset(te.dataset)
			}
		}
	}
}

func (e *Emitter) flushAll() {
	e.mu.Lock()
	datasets := make([]string, 0, len(e.batches))
	for d := range e.batches {
		datasets = append(datasets, d)
	}
	e.mu.Unlock()
	for _, d := range datasets {
		e.flushDataset(d)
	}
}

func (e *Emitter) flushDataset(dataset string) {
	e.mu.Lock()
	batch := e.batches[dataset]
	e.batches[dataset] = nil
	e.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := e.client.IngestEvents(ctx, dataset, batch); err != nil && e.log != nil {
		e.log.Error().Err(err).Str("dataset", dataset).Int("count", len(batch)).Msg("event flush failed")
	}
}

// Close stops the flush loop after draining every pending batch.
func (e *Emitter) Close() error {
	e.cancel()
	e.wg.Wait()
	return nil
}
