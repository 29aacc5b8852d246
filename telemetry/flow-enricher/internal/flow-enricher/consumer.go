package enricher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/netflow-enricher/telemetry/proto/flow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// kafkaClient is the subset of kgo.Client the consumer polls and commits with.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	Close()
}

type KafkaConsumerConfig struct {
	KafkaConnection
	Topic string
	Group string

	// RawPayloads makes the consumer treat record values as bare export
	// payloads instead of FlowSample envelopes. The exporter address then comes
	// from the record key and the receive time from the record timestamp.
	RawPayloads bool

	// Optional.
	Logger  *slog.Logger
	Metrics *FlowConsumerMetrics

	client kafkaClient
}

func (c *KafkaConsumerConfig) Validate() error {
	if c.client == nil {
		if err := c.KafkaConnection.validate(); err != nil {
			return err
		}
	}
	if c.Topic == "" {
		return errors.New("consumer topic is required")
	}
	if c.Group == "" {
		return errors.New("consumer group is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NewFlowConsumerMetrics(prometheus.NewRegistry())
	}
	return nil
}

// KafkaFlowConsumer reads raw export payloads from a topic as part of a
// consumer group. Offsets are only committed through CommitOffsets.
type KafkaFlowConsumer struct {
	cfg    KafkaConsumerConfig
	client kafkaClient
	log    *slog.Logger
}

func NewKafkaFlowConsumer(cfg KafkaConsumerConfig) (*KafkaFlowConsumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate kafka consumer config: %w", err)
	}
	c := &KafkaFlowConsumer{cfg: cfg, client: cfg.client, log: cfg.Logger}
	if c.client != nil {
		return c, nil
	}

	opts := append(cfg.opts(),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	c.client = client
	return c, nil
}

// ConsumePayloads blocks for the next fetch and returns its records in
// partition order. Records that fail to unwrap are counted and skipped.
func (c *KafkaFlowConsumer) ConsumePayloads(ctx context.Context) ([]Payload, error) {
	fetches := c.client.PollFetches(ctx)
	if fetches.IsClientClosed() || fetches.Empty() {
		return nil, nil
	}
	fetches.EachError(func(topic string, partition int32, err error) {
		c.log.Error("fetch error", "topic", topic, "partition", partition, "error", err)
	})

	payloads := make([]Payload, 0, fetches.NumRecords())
	for it := fetches.RecordIter(); !it.Done(); {
		rec := it.Next()
		p, err := c.unwrap(rec)
		if err != nil {
			c.cfg.Metrics.EnvelopeErrors.Inc()
			c.log.Error("dropping record with malformed flow sample", "error", err, "partition", rec.Partition, "offset", rec.Offset)
			continue
		}
		payloads = append(payloads, p)
	}
	c.cfg.Metrics.PayloadsConsumedTotal.Add(float64(len(payloads)))
	c.log.Debug("consumed payloads", "count", len(payloads))
	return payloads, nil
}

func (c *KafkaFlowConsumer) unwrap(rec *kgo.Record) (Payload, error) {
	if c.cfg.RawPayloads {
		return Payload{Data: rec.Value, ExporterAddress: string(rec.Key), TimeReceived: rec.Timestamp}, nil
	}
	var sample flow.FlowSample
	if err := sample.Unmarshal(rec.Value); err != nil {
		return Payload{}, err
	}
	return Payload{
		Data:            sample.FlowPayload,
		ExporterAddress: sample.ExporterAddress,
		TimeReceived:    sample.ReceiveTimestamp,
	}, nil
}

func (c *KafkaFlowConsumer) CommitOffsets(ctx context.Context) error {
	return c.client.CommitUncommittedOffsets(ctx)
}

func (c *KafkaFlowConsumer) Close() error {
	c.client.Close()
	return nil
}
