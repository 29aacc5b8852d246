package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
)

const (
	defaultPort        = "2055"
	defaultMetricsAddr = ":8080"
	defaultKafkaTopic  = "flows_raw"
	defaultSequenceTTL = 10 * time.Minute
)

type Config struct {
	ShowVersion bool
	Verbose     bool
	EnablePprof bool
	MetricsAddr string

	Port       string
	HealthPort string

	KafkaBrokers           []string
	KafkaAuthIAMEnabled    bool
	KafkaUser              string
	KafkaPass              string
	KafkaTLSDisabled       bool
	KafkaTopic             string
	KafkaPartitions        int
	KafkaReplicationFactor int
	KafkaTopicRetention    time.Duration

	Versions    []uint16
	SequenceTTL time.Duration
}

// env reads environment defaults for flags. Malformed values are collected in
// errs rather than silently replaced by the default.
type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (e *env) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
		return def
	}
	return b
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
		return def
	}
	return i
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
		return def
	}
	return d
}

// loadConfig resolves the ingest configuration from args, falling back to
// environment variables and then to defaults. The Kafka password is only read
// from the environment.
func loadConfig(args []string, lookup func(string) (string, bool)) (Config, error) {
	var (
		cfg                          Config
		kafkaBrokersCSV, versionsCSV string
		e                            = &env{lookup: lookup}
	)

	fs := flag.NewFlagSet("flow-ingest", flag.ContinueOnError)
	fs.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	fs.BoolVar(&cfg.EnablePprof, "enable-pprof", false, "enable pprof server")

	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", e.str("METRICS_ADDR", defaultMetricsAddr), "address to listen on for prometheus metrics (env: METRICS_ADDR)")
	fs.StringVar(&cfg.Port, "port", e.str("PORT", defaultPort), "udp listen port for NetFlow/IPFIX exports (env: PORT)")
	fs.StringVar(&cfg.HealthPort, "health-port", e.str("HEALTH_PORT", ""), "health check port (env: HEALTH_PORT; default: port)")
	fs.StringVar(&kafkaBrokersCSV, "kafka-brokers", e.str("KAFKA_BROKERS", ""), "kafka brokers csv (env: KAFKA_BROKERS)")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", e.str("KAFKA_TOPIC", defaultKafkaTopic), "raw flow topic (env: KAFKA_TOPIC)")
	fs.IntVar(&cfg.KafkaPartitions, "kafka-topic-partitions", e.integer("KAFKA_TOPIC_PARTITIONS", 1), "partitions of the raw flow topic when it is created (env: KAFKA_TOPIC_PARTITIONS)")
	fs.IntVar(&cfg.KafkaReplicationFactor, "kafka-replication-factor", e.integer("KAFKA_REPLICATION_FACTOR", 1), "replication factor of the raw flow topic when it is created (env: KAFKA_REPLICATION_FACTOR)")
	fs.DurationVar(&cfg.KafkaTopicRetention, "kafka-topic-retention", e.duration("KAFKA_TOPIC_RETENTION", 0), "retention of the raw flow topic when it is created, 0 for the broker default (env: KAFKA_TOPIC_RETENTION)")
	fs.BoolVar(&cfg.KafkaAuthIAMEnabled, "kafka-auth-iam-enabled", e.boolean("KAFKA_AUTH_IAM_ENABLED", false), "kafka IAM auth (env: KAFKA_AUTH_IAM_ENABLED)")
	fs.StringVar(&cfg.KafkaUser, "kafka-user", e.str("KAFKA_USER", ""), "kafka SCRAM user, password from KAFKA_PASS (env: KAFKA_USER)")
	fs.BoolVar(&cfg.KafkaTLSDisabled, "kafka-tls-disabled", e.boolean("KAFKA_TLS_DISABLED", false), "disable kafka TLS (env: KAFKA_TLS_DISABLED)")
	fs.StringVar(&versionsCSV, "versions", e.str("FLOW_VERSIONS", "5,9,10"), "export versions to forward, csv (env: FLOW_VERSIONS)")
	fs.DurationVar(&cfg.SequenceTTL, "sequence-ttl", e.duration("SEQUENCE_TTL", defaultSequenceTTL), "how long idle export stream sequence numbers are tracked (env: SEQUENCE_TTL)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.ShowVersion {
		return cfg, nil
	}
	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}

	if cfg.HealthPort == "" {
		cfg.HealthPort = cfg.Port
	}
	cfg.KafkaBrokers = splitCSV(kafkaBrokersCSV)
	cfg.KafkaPass = e.str("KAFKA_PASS", "")

	for _, v := range splitCSV(versionsCSV) {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return Config{}, fmt.Errorf("invalid export version %q: %w", v, err)
		}
		cfg.Versions = append(cfg.Versions, uint16(n))
	}

	if len(cfg.KafkaBrokers) == 0 {
		return Config{}, fmt.Errorf("kafka brokers is empty (set KAFKA_BROKERS or --kafka-brokers)")
	}
	if cfg.KafkaTopic == "" {
		return Config{}, fmt.Errorf("kafka topic is empty (set KAFKA_TOPIC or --kafka-topic)")
	}
	if cfg.KafkaPartitions <= 0 || cfg.KafkaReplicationFactor <= 0 {
		return Config{}, fmt.Errorf("kafka topic partitions and replication factor must be > 0")
	}

	return cfg, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
