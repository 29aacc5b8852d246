// Package config assembles the flow-enricher configuration. Values are layered
// defaults, then an optional YAML file, then environment variables, then
// command line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	SourceKafka = "kafka"
	SourcePcap  = "pcap"

	SinkClickhouse = "clickhouse"
	SinkKafka      = "kafka"
	SinkInflux     = "influx"
	SinkStdout     = "stdout"

	AuthNone  = "none"
	AuthSCRAM = "scram"
	AuthIAM   = "iam"
)

const (
	defaultMetricsAddr          = ":8080"
	defaultWorkers              = 8
	defaultWriteRetryMaxElapsed = 30 * time.Second
	defaultRefreshInterval      = time.Minute
	defaultCacheTTL             = 5 * time.Minute
)

type Config struct {
	ConfigPath  string `yaml:"-"`
	ShowVersion bool   `yaml:"-"`

	Verbose              bool          `yaml:"verbose"`
	MetricsAddr          string        `yaml:"metrics_addr"`
	Workers              int           `yaml:"workers"`
	WriteRetryMaxElapsed time.Duration `yaml:"write_retry_max_elapsed"`
	Source               string        `yaml:"source"`
	PcapPath             string        `yaml:"pcap_path"`
	Sinks                []string      `yaml:"sinks"`

	Datasets   DatasetsConfig   `yaml:"datasets"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Clickhouse ClickhouseConfig `yaml:"clickhouse"`
	Influx     InfluxConfig     `yaml:"influx"`
}

type DatasetsConfig struct {
	CountryPath     string        `yaml:"country_path"`
	ASPath          string        `yaml:"as_path"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CacheDisabled   bool          `yaml:"cache_disabled"`
	// LegacyLoopbackPrivate treats 127.16.0.0-127.31.255.255 as private
	// instead of 172.16.0.0/12.
	LegacyLoopbackPrivate bool `yaml:"legacy_loopback_private"`
}

type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	Auth          string   `yaml:"auth"`
	User          string   `yaml:"user"`
	Pass          string   `yaml:"pass"`
	TLSDisabled   bool     `yaml:"tls_disabled"`
	Topic         string   `yaml:"topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
	RawPayloads   bool     `yaml:"raw_payloads"`
	EnrichedTopic string   `yaml:"enriched_topic"`
}

type ClickhouseConfig struct {
	Addr        string `yaml:"addr"`
	DB          string `yaml:"db"`
	Table       string `yaml:"table"`
	User        string `yaml:"user"`
	Pass        string `yaml:"pass"`
	TLSDisabled bool   `yaml:"tls_disabled"`
	CreateTable bool   `yaml:"create_table"`
}

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

func Default() Config {
	return Config{
		MetricsAddr:          defaultMetricsAddr,
		Workers:              defaultWorkers,
		WriteRetryMaxElapsed: defaultWriteRetryMaxElapsed,
		Source:               SourceKafka,
		Sinks:                []string{SinkClickhouse},
		Datasets: DatasetsConfig{
			RefreshInterval: defaultRefreshInterval,
			CacheTTL:        defaultCacheTTL,
		},
		Kafka: KafkaConfig{
			Auth:          AuthSCRAM,
			Topic:         "flows_raw",
			ConsumerGroup: "flow-enricher",
			EnrichedTopic: "flows_enriched",
		},
		Clickhouse: ClickhouseConfig{
			Addr:  "localhost:9440",
			DB:    "default",
			Table: "flows_enriched",
			User:  "default",
		},
	}
}

// Load builds the configuration from args (without the program name) and the
// environment. The returned error wraps flag.ErrHelp when help was requested.
func Load(args []string, lookup func(string) (string, bool)) (*Config, error) {
	// The config file path may be given as a flag, so flags are parsed once to
	// find it and again after the file and environment were applied.
	var pre Config
	if err := newFlagSet(&pre).Parse(args); err != nil {
		return nil, err
	}
	path := pre.ConfigPath
	if path == "" {
		path, _ = lookup("FLOW_ENRICHER_CONFIG")
	}

	cfg := Default()
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	if err := newFlagSet(&cfg).Parse(args); err != nil {
		return nil, err
	}
	cfg.ConfigPath = path
	if cfg.ShowVersion {
		return &cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile decodes the YAML file at path over cfg. Keys absent from the file
// keep their current values.
func LoadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg with the environment variables that are set.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}

	env.bool("VERBOSE", &cfg.Verbose)
	env.string("METRICS_ADDR", &cfg.MetricsAddr)
	env.int("WORKERS", &cfg.Workers)
	env.duration("WRITE_RETRY_MAX_ELAPSED", &cfg.WriteRetryMaxElapsed)
	env.string("SOURCE", &cfg.Source)
	env.string("PCAP_PATH", &cfg.PcapPath)
	env.csv("SINKS", &cfg.Sinks)

	env.string("COUNTRY_TABLE_PATH", &cfg.Datasets.CountryPath)
	env.string("AS_TABLE_PATH", &cfg.Datasets.ASPath)
	env.duration("DATASET_REFRESH_INTERVAL", &cfg.Datasets.RefreshInterval)
	env.duration("LOOKUP_CACHE_TTL", &cfg.Datasets.CacheTTL)
	env.bool("LOOKUP_CACHE_DISABLED", &cfg.Datasets.CacheDisabled)
	env.bool("LEGACY_LOOPBACK_PRIVATE", &cfg.Datasets.LegacyLoopbackPrivate)

	env.csv("KAFKA_BROKERS", &cfg.Kafka.Brokers)
	env.string("KAFKA_AUTH_TYPE", &cfg.Kafka.Auth)
	env.string("KAFKA_USER", &cfg.Kafka.User)
	env.string("KAFKA_PASS", &cfg.Kafka.Pass)
	env.bool("KAFKA_TLS_DISABLED", &cfg.Kafka.TLSDisabled)
	env.string("KAFKA_TOPIC", &cfg.Kafka.Topic)
	env.string("KAFKA_CONSUMER_GROUP", &cfg.Kafka.ConsumerGroup)
	env.bool("KAFKA_RAW_PAYLOADS", &cfg.Kafka.RawPayloads)
	env.string("KAFKA_ENRICHED_TOPIC", &cfg.Kafka.EnrichedTopic)

	env.string("CLICKHOUSE_ADDR", &cfg.Clickhouse.Addr)
	env.string("CLICKHOUSE_DB", &cfg.Clickhouse.DB)
	env.string("CLICKHOUSE_TABLE", &cfg.Clickhouse.Table)
	env.string("CLICKHOUSE_USER", &cfg.Clickhouse.User)
	env.string("CLICKHOUSE_PASS", &cfg.Clickhouse.Pass)
	env.bool("CLICKHOUSE_TLS_DISABLED", &cfg.Clickhouse.TLSDisabled)
	env.bool("CLICKHOUSE_CREATE_TABLE", &cfg.Clickhouse.CreateTable)

	env.string("INFLUX_URL", &cfg.Influx.URL)
	env.string("INFLUX_TOKEN", &cfg.Influx.Token)
	env.string("INFLUX_ORG", &cfg.Influx.Org)
	env.string("INFLUX_BUCKET", &cfg.Influx.Bucket)

	return errors.Join(env.errs...)
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("flow-enricher", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "path to a YAML config file (env: FLOW_ENRICHER_CONFIG)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "verbose mode - show debug logs (env: VERBOSE)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to listen on for prometheus metrics (env: METRICS_ADDR)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of payloads enriched concurrently (env: WORKERS)")
	fs.DurationVar(&cfg.WriteRetryMaxElapsed, "write-retry-max-elapsed", cfg.WriteRetryMaxElapsed, "how long a sink write is retried (env: WRITE_RETRY_MAX_ELAPSED)")
	fs.StringVar(&cfg.Source, "source", cfg.Source, "payload source: kafka or pcap (env: SOURCE)")
	fs.StringVar(&cfg.PcapPath, "pcap", cfg.PcapPath, "pcap file to replay when source is pcap (env: PCAP_PATH)")
	fs.StringSliceVar(&cfg.Sinks, "sinks", cfg.Sinks, "sinks to write to: clickhouse, kafka, influx, stdout (env: SINKS)")

	fs.StringVar(&cfg.Datasets.CountryPath, "country-table", cfg.Datasets.CountryPath, "country range table, TSV or .mmdb (env: COUNTRY_TABLE_PATH)")
	fs.StringVar(&cfg.Datasets.ASPath, "as-table", cfg.Datasets.ASPath, "AS range table, TSV or .mmdb (env: AS_TABLE_PATH)")
	fs.DurationVar(&cfg.Datasets.RefreshInterval, "dataset-refresh-interval", cfg.Datasets.RefreshInterval, "how often dataset files are checked for changes (env: DATASET_REFRESH_INTERVAL)")
	fs.DurationVar(&cfg.Datasets.CacheTTL, "lookup-cache-ttl", cfg.Datasets.CacheTTL, "lookup cache ttl (env: LOOKUP_CACHE_TTL)")
	fs.BoolVar(&cfg.Datasets.CacheDisabled, "lookup-cache-disabled", cfg.Datasets.CacheDisabled, "disable the lookup cache (env: LOOKUP_CACHE_DISABLED)")
	fs.BoolVar(&cfg.Datasets.LegacyLoopbackPrivate, "legacy-loopback-private", cfg.Datasets.LegacyLoopbackPrivate, "treat 127.16/12 instead of 172.16/12 as private (env: LEGACY_LOOPBACK_PRIVATE)")

	fs.StringSliceVar(&cfg.Kafka.Brokers, "kafka-brokers", cfg.Kafka.Brokers, "kafka brokers csv (env: KAFKA_BROKERS)")
	fs.StringVar(&cfg.Kafka.Auth, "kafka-auth", cfg.Kafka.Auth, "kafka auth: none, scram or iam (env: KAFKA_AUTH_TYPE)")
	fs.StringVar(&cfg.Kafka.User, "kafka-user", cfg.Kafka.User, "kafka SCRAM user (env: KAFKA_USER)")
	fs.BoolVar(&cfg.Kafka.TLSDisabled, "kafka-tls-disabled", cfg.Kafka.TLSDisabled, "disable kafka TLS (env: KAFKA_TLS_DISABLED)")
	fs.StringVar(&cfg.Kafka.Topic, "kafka-topic", cfg.Kafka.Topic, "raw payload topic (env: KAFKA_TOPIC)")
	fs.StringVar(&cfg.Kafka.ConsumerGroup, "kafka-consumer-group", cfg.Kafka.ConsumerGroup, "kafka consumer group (env: KAFKA_CONSUMER_GROUP)")
	fs.BoolVar(&cfg.Kafka.RawPayloads, "kafka-raw-payloads", cfg.Kafka.RawPayloads, "records carry bare payloads instead of FlowSample envelopes (env: KAFKA_RAW_PAYLOADS)")
	fs.StringVar(&cfg.Kafka.EnrichedTopic, "kafka-enriched-topic", cfg.Kafka.EnrichedTopic, "topic the kafka sink produces to (env: KAFKA_ENRICHED_TOPIC)")

	fs.StringVar(&cfg.Clickhouse.Addr, "clickhouse-addr", cfg.Clickhouse.Addr, "clickhouse address (env: CLICKHOUSE_ADDR)")
	fs.StringVar(&cfg.Clickhouse.DB, "clickhouse-db", cfg.Clickhouse.DB, "clickhouse database (env: CLICKHOUSE_DB)")
	fs.StringVar(&cfg.Clickhouse.Table, "clickhouse-table", cfg.Clickhouse.Table, "clickhouse table (env: CLICKHOUSE_TABLE)")
	fs.StringVar(&cfg.Clickhouse.User, "clickhouse-user", cfg.Clickhouse.User, "clickhouse user (env: CLICKHOUSE_USER)")
	fs.BoolVar(&cfg.Clickhouse.TLSDisabled, "clickhouse-tls-disabled", cfg.Clickhouse.TLSDisabled, "disable clickhouse TLS (env: CLICKHOUSE_TLS_DISABLED)")
	fs.BoolVar(&cfg.Clickhouse.CreateTable, "clickhouse-create-table", cfg.Clickhouse.CreateTable, "create the clickhouse table on startup (env: CLICKHOUSE_CREATE_TABLE)")

	fs.StringVar(&cfg.Influx.URL, "influx-url", cfg.Influx.URL, "influxdb url (env: INFLUX_URL)")
	fs.StringVar(&cfg.Influx.Org, "influx-org", cfg.Influx.Org, "influxdb organization (env: INFLUX_ORG)")
	fs.StringVar(&cfg.Influx.Bucket, "influx-bucket", cfg.Influx.Bucket, "influxdb bucket (env: INFLUX_BUCKET)")

	return fs
}

// Validate rejects incomplete or contradicting settings and fills the
// defaults of zero values.
func (c *Config) Validate() error {
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.Workers < 0 {
		return errors.New("workers must be > 0")
	}
	if c.WriteRetryMaxElapsed <= 0 {
		c.WriteRetryMaxElapsed = defaultWriteRetryMaxElapsed
	}
	if c.Datasets.RefreshInterval <= 0 {
		c.Datasets.RefreshInterval = defaultRefreshInterval
	}
	if c.Datasets.CacheTTL <= 0 {
		c.Datasets.CacheTTL = defaultCacheTTL
	}

	if c.Datasets.CountryPath == "" {
		return errors.New("country table path is empty (set COUNTRY_TABLE_PATH or --country-table)")
	}
	if c.Datasets.ASPath == "" {
		return errors.New("as table path is empty (set AS_TABLE_PATH or --as-table)")
	}

	switch c.Kafka.Auth {
	case AuthNone, AuthSCRAM, AuthIAM:
	default:
		return fmt.Errorf("unknown kafka auth type %q", c.Kafka.Auth)
	}

	switch c.Source {
	case SourceKafka:
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers is empty (set KAFKA_BROKERS or --kafka-brokers)")
		}
		if c.Kafka.Topic == "" {
			return errors.New("kafka topic is empty (set KAFKA_TOPIC or --kafka-topic)")
		}
		if c.Kafka.ConsumerGroup == "" {
			return errors.New("kafka consumer group is empty (set KAFKA_CONSUMER_GROUP or --kafka-consumer-group)")
		}
	case SourcePcap:
		if c.PcapPath == "" {
			return errors.New("pcap path is empty (set PCAP_PATH or --pcap)")
		}
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}

	if len(c.Sinks) == 0 {
		return errors.New("at least one sink is required")
	}
	for _, sink := range c.Sinks {
		switch sink {
		case SinkClickhouse:
			if c.Clickhouse.Addr == "" {
				return errors.New("clickhouse address is empty (set CLICKHOUSE_ADDR or --clickhouse-addr)")
			}
		case SinkKafka:
			if len(c.Kafka.Brokers) == 0 {
				return errors.New("kafka sink requires kafka brokers")
			}
			if c.Kafka.EnrichedTopic == "" {
				return errors.New("kafka enriched topic is empty (set KAFKA_ENRICHED_TOPIC or --kafka-enriched-topic)")
			}
		case SinkInflux:
			if c.Influx.URL == "" || c.Influx.Bucket == "" {
				return errors.New("influx sink requires url and bucket")
			}
		case SinkStdout:
		default:
			return fmt.Errorf("unknown sink %q", sink)
		}
	}
	if i := firstDuplicate(c.Sinks); i >= 0 {
		return fmt.Errorf("sink %q configured twice", c.Sinks[i])
	}
	return nil
}

func firstDuplicate(s []string) int {
	for i := range s {
		if slices.Contains(s[:i], s[i]) {
			return i
		}
	}
	return -1
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) string(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
		return
	}
	*dst = b
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
		return
	}
	*dst = i
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
		return
	}
	*dst = d
}

func (e *envReader) csv(key string, dst *[]string) {
	if v, ok := e.get(key); ok {
		*dst = splitCSV(v)
	}
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
