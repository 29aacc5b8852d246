package enricher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

type EngineOption func(*Engine)

func WithDecoder(decoder *Decoder) EngineOption {
	return func(e *Engine) {
		e.decoder = decoder
	}
}

func WithEncoder(encoder Encoder) EngineOption {
	return func(e *Engine) {
		e.encoder = encoder
	}
}

func WithAnnotators(annotators ...Annotator) EngineOption {
	return func(e *Engine) {
		e.annotators = append(e.annotators, annotators...)
	}
}

func WithEngineClock(clock clockwork.Clock) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithEngineMetrics(metrics *EngineMetrics) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// Engine turns one export payload into its enriched flows. It is safe for
// concurrent use once Init has returned.
type Engine struct {
	decoder    *Decoder
	encoder    Encoder
	annotators []Annotator
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *EngineMetrics
}

// NewEngine builds an engine from opts. Without WithAnnotators the engine only
// classifies direction with the default classifier; country and AS stay
// Unknown until a geo annotator is given.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if len(e.annotators) == 0 {
		e.annotators = []Annotator{NewDirectionAnnotator(NewClassifier())}
	}
	if e.decoder == nil {
		e.decoder = NewDecoder()
	}
	if e.encoder == nil {
		e.encoder = JSONEncoder{}
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if e.metrics == nil {
		e.metrics = NewEngineMetrics(prometheus.NewRegistry())
	}
	return e
}

// AddAnnotator adds an annotator to the engine after construction. Annotators
// run in the order they were added.
func (e *Engine) AddAnnotator(a Annotator) {
	e.annotators = append(e.annotators, a)
}

// Init initializes all registered annotators.
func (e *Engine) Init(ctx context.Context) error {
	for _, a := range e.annotators {
		if err := a.Init(ctx); err != nil {
			return fmt.Errorf("error initializing annotator %s: %w", a.String(), err)
		}
	}
	return nil
}

// Enrich decodes p and returns one enriched flow per record, in the order the
// records appear in the payload. Payloads that cannot be decoded yield nothing.
// A record failing to encode is dropped without affecting its siblings, and
// once ctx is done no further records are started.
func (e *Engine) Enrich(ctx context.Context, p Payload) []EnrichedFlow {
	pkt, err := e.decoder.Decode(p)
	if err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			e.metrics.PayloadsUnsupported.Inc()
			e.logger.Warn("skipping payload", "exporter", p.ExporterAddress, "error", err)
		} else {
			e.metrics.PayloadDecodeErrors.Inc()
			e.logger.Debug("error decoding payload", "exporter", p.ExporterAddress, "error", err)
		}
		return nil
	}

	version := pkt.version()
	records := normalizePacket(pkt)
	flows := make([]EnrichedFlow, 0, len(records))
	for i := range records {
		if ctx.Err() != nil {
			break
		}
		for _, anomaly := range records[i].anomalies {
			e.metrics.FieldAnomalies.WithLabelValues(version.String()).Inc()
			e.logger.Debug("field anomaly", "exporter", p.ExporterAddress, "error", anomaly)
		}

		record := records[i].record
		record.ExporterAddress = p.ExporterAddress
		record.TimeReceived = p.TimeReceived
		record.TimeEnriched = e.clock.Now().UTC()
		for _, a := range e.annotators {
			if err := a.Annotate(&record); err != nil {
				e.logger.Debug("error annotating flow record", "error", err, "annotator", a.String())
				e.metrics.AnnotationErrors.WithLabelValues(a.String()).Inc()
			}
		}

		encoded, err := e.encoder.Encode(&record)
		if err != nil {
			e.logger.Error("error encoding flow record", "error", err)
			e.metrics.EncodeErrors.Inc()
			continue
		}
		flows = append(flows, EnrichedFlow{Record: record, Encoded: encoded})
	}
	e.metrics.RecordsEnrichedTotal.WithLabelValues(version.String()).Add(float64(len(flows)))
	return flows
}
