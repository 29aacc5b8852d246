package enricher

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/aws"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

type KafkaAuth string

const (
	KafkaAuthNone  KafkaAuth = "none"
	KafkaAuthSCRAM KafkaAuth = "scram"
	KafkaAuthIAM   KafkaAuth = "iam"
)

// KafkaConnection holds the settings shared by the flow consumer and the
// Kafka sink.
type KafkaConnection struct {
	Brokers []string
	// Auth defaults to SCRAM. SCRAM without a user connects unauthenticated.
	Auth        KafkaAuth
	User        string
	Pass        string
	TLSDisabled bool
}

func (c *KafkaConnection) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	switch c.Auth {
	case "":
		c.Auth = KafkaAuthSCRAM
	case KafkaAuthNone, KafkaAuthSCRAM, KafkaAuthIAM:
	default:
		return fmt.Errorf("unknown kafka auth %q", c.Auth)
	}
	return nil
}

// opts returns the seed broker, SASL and TLS client options. IAM credentials
// are resolved through the default AWS chain on every authentication so that
// rotated session tokens are picked up.
func (c *KafkaConnection) opts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	switch {
	case c.Auth == KafkaAuthIAM:
		opts = append(opts, kgo.SASL(aws.ManagedStreamingIAM(iamAuth)))
	case c.Auth == KafkaAuthSCRAM && c.User != "":
		opts = append(opts, kgo.SASL(scram.Auth{User: c.User, Pass: c.Pass}.AsSha256Mechanism()))
	}
	if !c.TLSDisabled {
		opts = append(opts, kgo.DialTLS())
	}
	return opts
}

func iamAuth(ctx context.Context) (aws.Auth, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Auth{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return aws.Auth{}, fmt.Errorf("failed to retrieve credentials: %w", err)
	}
	return aws.Auth{
		AccessKey:    creds.AccessKeyID,
		SecretKey:    creds.SecretAccessKey,
		SessionToken: creds.SessionToken,
	}, nil
}
