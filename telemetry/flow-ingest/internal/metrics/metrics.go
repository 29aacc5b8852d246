package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flow_ingest_build_info",
		Help: "Build information of the flow ingest service",
	}, []string{"version", "commit", "date"})

	// Listener.
	DatagramsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_ingest_udp_packets_total", Help: "Datagrams read from the flow listener.",
	})
	DatagramBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_ingest_udp_bytes_total", Help: "Bytes read from the flow listener.",
	})
	ReadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_ingest_udp_read_errors_total", Help: "Flow listener read errors by kind (timeout, closed, other).",
	}, []string{"kind"})
	DeadlineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_ingest_udp_set_deadline_errors_total", Help: "Flow listener SetReadDeadline errors by kind.",
	}, []string{"kind"})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flow_ingest_udp_queue_depth", Help: "Datagrams waiting in worker queues.",
	})
	Workers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flow_ingest_workers_running", Help: "Ingest workers currently running.",
	})

	// Export headers.
	HeaderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_ingest_decode_errors_total", Help: "Export packets with a malformed header.",
	}, []string{"version"})
	DroppedVersions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_ingest_unsupported_version_total", Help: "Datagrams dropped for an unsupported or filtered export version.",
	})
	ExportsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_ingest_packets_total", Help: "Accepted export packets by protocol version.",
	}, []string{"version"})
	EmptyExports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_ingest_packets_without_records_total", Help: "NetFlow v5 packets that carried no flow records.",
	})

	SequenceGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_ingest_sequence_gaps_total", Help: "Sequence units (v5 flows, v9 packets) missing between consecutive export packets.",
	}, []string{"version"})
	SequenceResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_ingest_sequence_resets_total", Help: "Export packets whose sequence number went backwards.",
	}, []string{"version"})
	ExportStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flow_ingest_export_streams", Help: "Export streams with a tracked sequence number.",
	})

	// Kafka.
	ProduceResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_ingest_flow_kafka_produce_outcomes_total", Help: "Flow sample produce results (ok, error).",
	}, []string{"result"})
	ProduceInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flow_ingest_flow_kafka_produce_callbacks_inflight", Help: "Flow sample produces awaiting acknowledgement.",
	})

	// Health.
	HealthChecks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_ingest_health_accept_total", Help: "Accepted health check connections.",
	})
	HealthErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_ingest_health_accept_errors_total", Help: "Health listener accept errors by kind.",
	}, []string{"kind"})
)
