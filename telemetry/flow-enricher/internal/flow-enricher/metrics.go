package enricher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type EnricherMetrics struct {
	PayloadsProcessedTotal  prometheus.Counter
	FlowsProcessedTotal     prometheus.Counter
	FlowsEnrichmentDuration prometheus.Histogram
	WriterErrors            *prometheus.CounterVec
	KafkaConsumeErrors      prometheus.Counter
	KafkaCommitErrors       prometheus.Counter
}

func NewEnricherMetrics(reg prometheus.Registerer) *EnricherMetrics {
	factory := promauto.With(reg)

	return &EnricherMetrics{
		PayloadsProcessedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "flow_enricher_payloads_processed_total",
			Help: "Total number of export payloads processed",
		}),
		FlowsProcessedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "flow_enricher_flows_processed_total",
			Help: "Total number of enriched flows accepted by every writer",
		}),
		FlowsEnrichmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "flow_enricher_batch_enrichment_duration_seconds",
			Help: "Duration of enriching one consumed batch in seconds",
		}),
		WriterErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_enricher_writer_errors_total",
			Help: "Total number of failed batch writes, per writer",
		}, []string{"writer"}),
		KafkaConsumeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "flow_enricher_consume_errors_total",
			Help: "Total number of errors consuming payloads",
		}),
		KafkaCommitErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "flow_enricher_commit_errors_total",
			Help: "Total number of errors committing consumed offsets",
		}),
	}
}

type EngineMetrics struct {
	PayloadDecodeErrors  prometheus.Counter
	PayloadsUnsupported  prometheus.Counter
	FieldAnomalies       *prometheus.CounterVec
	AnnotationErrors     *prometheus.CounterVec
	EncodeErrors         prometheus.Counter
	RecordsEnrichedTotal *prometheus.CounterVec
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	factory := promauto.With(reg)

	return &EngineMetrics{
		PayloadDecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "flow_enricher_payload_decode_errors_total",
			Help: "Total number of payloads that failed to decode",
		}),
		PayloadsUnsupported: factory.NewCounter(prometheus.CounterOpts{
			Name: "flow_enricher_payloads_unsupported_total",
			Help: "Total number of payloads with an unsupported export version",
		}),
		FieldAnomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_enricher_field_anomalies_total",
			Help: "Total number of recognized fields replaced by their default value",
		}, []string{"version"}),
		AnnotationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_enricher_annotation_errors_total",
			Help: "Total number of annotator errors, per annotator",
		}, []string{"annotator"}),
		EncodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "flow_enricher_encode_errors_total",
			Help: "Total number of records dropped because they could not be encoded",
		}),
		RecordsEnrichedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_enricher_records_enriched_total",
			Help: "Total number of flow records enriched, per export version",
		}, []string{"version"}),
	}
}

type ClickhouseMetrics struct {
	InsertDuration prometheus.Histogram
}

func NewClickhouseMetrics(reg prometheus.Registerer) *ClickhouseMetrics {
	factory := promauto.With(reg)

	return &ClickhouseMetrics{
		InsertDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "flow_enricher_clickhouse_insert_duration_seconds",
			Help: "Duration of Clickhouse insert operations in seconds",
		}),
	}
}

type FlowConsumerMetrics struct {
	PayloadsConsumedTotal prometheus.Counter
	EnvelopeErrors        prometheus.Counter
}

func NewFlowConsumerMetrics(reg prometheus.Registerer) *FlowConsumerMetrics {
	factory := promauto.With(reg)

	return &FlowConsumerMetrics{
		PayloadsConsumedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "flow_enricher_payloads_consumed_total",
			Help: "Total number of payloads consumed",
		}),
		EnvelopeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "flow_enricher_envelope_unmarshal_errors_total",
			Help: "Total number of records whose envelope could not be unmarshaled",
		}),
	}
}
