// Package enricher implements the flow enricher process and its annotators.
// The enricher reads raw NetFlow v5, v9 and IPFIX export payloads from a
// consumer, decodes every flow record they carry, annotates each record with
// the country and AS of both endpoints and its traffic direction, and writes
// the encoded records as a batch to every configured writer.
//
// Annotators are added via the Engine's AddAnnotator method and
// must implement the Annotator interface.
package enricher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultWorkerCount          = 8
	defaultWriteRetryMaxElapsed = 30 * time.Second
)

// FlowConsumer defines the minimal interface for consuming export payloads.
type FlowConsumer interface {
	ConsumePayloads(ctx context.Context) ([]Payload, error)
	CommitOffsets(ctx context.Context) error
	Close() error
}

// FlowWriter defines the minimal interface the Enricher needs to hand a batch
// of enriched flows to a sink.
type FlowWriter interface {
	BatchInsert(context.Context, []EnrichedFlow) error
	String() string
}

type EnricherOption func(*Enricher)

// WithFlowWriters injects the sinks every enriched batch is written to.
func WithFlowWriters(writers ...FlowWriter) EnricherOption {
	return func(e *Enricher) {
		e.writers = append(e.writers, writers...)
	}
}

// WithFlowConsumer injects a FlowConsumer implementation into the Enricher.
func WithFlowConsumer(consumer FlowConsumer) EnricherOption {
	return func(e *Enricher) {
		e.flowConsumer = consumer
	}
}

func WithEngine(engine *Engine) EnricherOption {
	return func(e *Enricher) {
		e.engine = engine
	}
}

func WithLogger(logger *slog.Logger) EnricherOption {
	return func(e *Enricher) {
		e.logger = logger
	}
}

// WithEnricherMetrics injects prometheus metrics into the Enricher.
func WithEnricherMetrics(metrics *EnricherMetrics) EnricherOption {
	return func(e *Enricher) {
		e.metrics = metrics
	}
}

// WithWorkerCount sets how many payloads of a batch are enriched concurrently.
func WithWorkerCount(n int) EnricherOption {
	return func(e *Enricher) {
		e.workers = n
	}
}

// WithWriteRetryMaxElapsed bounds how long a failing writer is retried before
// the enricher gives up on the batch and stops.
func WithWriteRetryMaxElapsed(d time.Duration) EnricherOption {
	return func(e *Enricher) {
		e.writeRetryMaxElapsed = d
	}
}

type Enricher struct {
	flowConsumer         FlowConsumer
	writers              []FlowWriter
	engine               *Engine
	logger               *slog.Logger
	metrics              *EnricherMetrics
	workers              int
	writeRetryMaxElapsed time.Duration
}

func NewEnricher(opts ...EnricherOption) *Enricher {
	e := &Enricher{
		workers:              defaultWorkerCount,
		writeRetryMaxElapsed: defaultWriteRetryMaxElapsed,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if e.metrics == nil {
		e.metrics = NewEnricherMetrics(prometheus.NewRegistry())
	}
	if e.engine == nil {
		e.engine = NewEngine(WithEngineLogger(e.logger))
	}
	if e.workers <= 0 {
		e.workers = 1
	}
	return e
}

// Run starts the enricher instance and processes payloads until ctx is done or
// the consumer is exhausted. Offsets are committed only after every writer
// accepted a batch; a writer that keeps failing stops Run with an error so the
// batch is redelivered on restart.
func (e *Enricher) Run(ctx context.Context) error {
	if e.flowConsumer == nil {
		return fmt.Errorf("flow consumer is not initialized")
	}
	if len(e.writers) == 0 {
		return fmt.Errorf("no flow writers configured")
	}
	defer e.flowConsumer.Close()

	if err := e.engine.Init(ctx); err != nil {
		return fmt.Errorf("error while initializing annotators: %w", err)
	}

	pool := pond.NewResultPool[[]EnrichedFlow](e.workers)
	defer pool.StopAndWait()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			payloads, err := e.flowConsumer.ConsumePayloads(ctx)
			if err != nil {
				// EOF signals the consumer has no more data (e.g., pcap exhausted)
				if errors.Is(err, io.EOF) {
					e.logger.Info("no more payloads to consume")
					return nil
				}
				if ctx.Err() != nil {
					return nil
				}
				e.logger.Error("error consuming payloads", "error", err)
				e.metrics.KafkaConsumeErrors.Inc()
				continue
			}
			if len(payloads) == 0 {
				e.logger.Debug("no payloads to enrich")
				continue
			}

			flows, err := e.enrichBatch(ctx, pool, payloads)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("error enriching batch: %w", err)
			}

			if len(flows) > 0 {
				if err := e.writeAll(ctx, flows); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}

			if err := e.flowConsumer.CommitOffsets(ctx); err != nil {
				e.logger.Error("commit offsets failed", "error", err)
				e.metrics.KafkaCommitErrors.Inc()
				continue
			}
			e.metrics.PayloadsProcessedTotal.Add(float64(len(payloads)))
			e.metrics.FlowsProcessedTotal.Add(float64(len(flows)))
		}
	}
}

// enrichBatch enriches payloads concurrently and concatenates the results in
// payload order.
func (e *Enricher) enrichBatch(ctx context.Context, pool pond.ResultPool[[]EnrichedFlow], payloads []Payload) ([]EnrichedFlow, error) {
	timer := prometheus.NewTimer(e.metrics.FlowsEnrichmentDuration)
	defer timer.ObserveDuration()

	group := pool.NewGroupContext(ctx)
	for _, p := range payloads {
		group.Submit(func() []EnrichedFlow {
			return e.engine.Enrich(ctx, p)
		})
	}
	results, err := group.Wait()
	if err != nil {
		return nil, err
	}

	var n int
	for _, r := range results {
		n += len(r)
	}
	flows := make([]EnrichedFlow, 0, n)
	for _, r := range results {
		flows = append(flows, r...)
	}
	return flows, nil
}

func (e *Enricher) writeAll(ctx context.Context, flows []EnrichedFlow) error {
	for _, w := range e.writers {
		attempt := 0
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			if attempt > 0 {
				e.logger.Warn("retrying batch write", "writer", w.String(), "attempt", attempt)
			}
			attempt++
			if err := w.BatchInsert(ctx, flows); err != nil {
				e.metrics.WriterErrors.WithLabelValues(w.String()).Inc()
				return struct{}{}, err
			}
			return struct{}{}, nil
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(e.writeRetryMaxElapsed))
		if err != nil {
			return fmt.Errorf("error writing batch to %s: %w", w.String(), err)
		}
	}
	return nil
}
