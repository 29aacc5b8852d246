package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kversion"
	"github.com/twmb/franz-go/pkg/sasl/aws"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

const (
	defaultLinger             = time.Second
	defaultMaxBufferedRecords = 10_000
)

type Config struct {
	Brokers []string
	AuthIAM bool

	// SCRAM-SHA-256 credentials, used when User is set and IAM is off.
	User        string
	Pass        string
	TLSDisabled bool

	// Optional with defaults. Produce blocks once MaxBufferedRecords are
	// waiting for acknowledgement, which slows the ingest workers down rather
	// than growing memory without bound.
	Linger             time.Duration
	MaxBufferedRecords int
}

func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	if c.AuthIAM && c.User != "" {
		return errors.New("iam and scram auth are mutually exclusive")
	}
	if c.Linger == 0 {
		c.Linger = defaultLinger
	}
	if c.Linger < 0 {
		return errors.New("linger must be >= 0")
	}
	if c.MaxBufferedRecords == 0 {
		c.MaxBufferedRecords = defaultMaxBufferedRecords
	}
	if c.MaxBufferedRecords < 0 {
		return errors.New("max buffered records must be > 0")
	}
	return nil
}

// TopicSpec describes the raw flow topic created on startup.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	// Retention is left to the broker default when zero.
	Retention time.Duration
}

func (t TopicSpec) configs() map[string]*string {
	if t.Retention <= 0 {
		return nil
	}
	return map[string]*string{
		"retention.ms": kadm.StringPtr(strconv.FormatInt(t.Retention.Milliseconds(), 10)),
	}
}

type Client struct {
	client *kgo.Client
}

func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	opts, err := clientOpts(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Client{client: client}, nil
}

func clientOpts(ctx context.Context, cfg *Config) ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(cfg.Linger),
		kgo.MaxBufferedRecords(cfg.MaxBufferedRecords),
		kgo.MaxVersions(kversion.V2_8_0()),
	}

	switch {
	case cfg.AuthIAM:
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		opts = append(opts, kgo.SASL(aws.ManagedStreamingIAM(func(ctx context.Context) (aws.Auth, error) {
			creds, err := awsCfg.Credentials.Retrieve(ctx)
			if err != nil {
				return aws.Auth{}, err
			}
			return aws.Auth{
				AccessKey:    creds.AccessKeyID,
				SecretKey:    creds.SecretAccessKey,
				SessionToken: creds.SessionToken,
			}, nil
		})))
	case cfg.User != "":
		opts = append(opts, kgo.SASL(scram.Auth{User: cfg.User, Pass: cfg.Pass}.AsSha256Mechanism()))
	}
	if (cfg.AuthIAM || cfg.User != "") && !cfg.TLSDisabled {
		opts = append(opts, kgo.DialTLS())
	}
	return opts, nil
}

func (k *Client) Close() {
	k.client.Close()
}

func (k *Client) Produce(
	ctx context.Context,
	record *kgo.Record,
	fn func(*kgo.Record, error),
) {
	k.client.Produce(ctx, record, fn)
}

// Flush waits until every buffered record has been acknowledged.
func (k *Client) Flush(ctx context.Context) error {
	return k.client.Flush(ctx)
}

// EnsureTopic creates the topic described by spec unless it already exists.
// An existing topic is left untouched.
func (k *Client) EnsureTopic(ctx context.Context, spec TopicSpec) error {
	adm := kadm.NewClient(k.client)
	resp, err := adm.CreateTopic(ctx, int32(spec.Partitions), int16(spec.ReplicationFactor), spec.configs(), spec.Name)
	if err == nil {
		err = resp.Err
	}
	if errors.Is(err, kerr.TopicAlreadyExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create topic %s: %w", spec.Name, err)
	}
	return nil
}
