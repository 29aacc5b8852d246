package enricher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

const defaultEnrichedTopic = "flows_enriched"

// kafkaProducer is the subset of kgo.Client the Kafka sink uses.
type kafkaProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

type KafkaWriterConfig struct {
	KafkaConnection
	// Topic defaults to flows_enriched.
	Topic  string
	Logger *slog.Logger

	client kafkaProducer
}

func (c *KafkaWriterConfig) Validate() error {
	if c.client == nil {
		if err := c.KafkaConnection.validate(); err != nil {
			return err
		}
	}
	if c.Topic == "" {
		c.Topic = defaultEnrichedTopic
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// KafkaWriter is a FlowWriter producing every encoded flow to a topic, keyed
// by exporter address.
type KafkaWriter struct {
	topic  string
	client kafkaProducer
	log    *slog.Logger
}

func NewKafkaWriter(cfg KafkaWriterConfig) (*KafkaWriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate kafka writer config: %w", err)
	}
	w := &KafkaWriter{topic: cfg.Topic, client: cfg.client, log: cfg.Logger}
	if w.client != nil {
		return w, nil
	}

	client, err := kgo.NewClient(append(cfg.opts(),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	w.client = client
	return w, nil
}

// BatchInsert produces the batch and waits until every record is acknowledged.
func (w *KafkaWriter) BatchInsert(ctx context.Context, flows []EnrichedFlow) error {
	if len(flows) == 0 {
		return nil
	}
	records := make([]*kgo.Record, len(flows))
	for i, f := range flows {
		records[i] = &kgo.Record{Topic: w.topic, Key: []byte(f.Record.ExporterAddress), Value: f.Encoded}
	}
	results := w.client.ProduceSync(ctx, records...)
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d records to %s failed: %w", len(errs), len(records), w.topic, errors.Join(errs...))
	}
	w.log.Debug("produced enriched flows", "topic", w.topic, "count", len(records))
	return nil
}

func (w *KafkaWriter) String() string {
	return "kafka"
}

func (w *KafkaWriter) Close() error {
	w.client.Close()
	return nil
}
