package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/malbeclabs/netflow-enricher/telemetry/flow-enricher/internal/config"
	enricher "github.com/malbeclabs/netflow-enricher/telemetry/flow-enricher/internal/flow-enricher"
	"github.com/malbeclabs/netflow-enricher/telemetry/flow-enricher/internal/rangeindex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var (
	// set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:], os.LookupEnv)
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Printf("version: %s\ncommit: %s\ndate: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.DefaultRegisterer
	promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Name: "flow_enricher_build_info",
		Help: "Build information of the flow enricher",
	}, []string{"version", "commit", "date"}).WithLabelValues(version, commit, date).Set(1)

	if cfg.MetricsAddr != "" {
		listener, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
		}
		log.Info("prometheus metrics server listening", "address", listener.Addr().String())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.Serve(listener, mux); err != nil {
				log.Error("prometheus metrics server stopped", "error", err)
			}
		}()
	}

	// The range index must hold both datasets before the first flow is enriched.
	rangeMetrics := rangeindex.NewMetrics(reg)
	index := rangeindex.NewIndex()
	refresher, err := rangeindex.NewRefresher(&rangeindex.RefresherConfig{
		Logger:      log,
		Index:       index,
		CountryPath: cfg.Datasets.CountryPath,
		ASPath:      cfg.Datasets.ASPath,
		Metrics:     rangeMetrics,
		Interval:    cfg.Datasets.RefreshInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create range index refresher: %w", err)
	}
	if err := refresher.Load(ctx); err != nil {
		return fmt.Errorf("failed to load range index: %w", err)
	}
	go func() {
		_ = refresher.Run(ctx)
	}()

	resolver := rangeindex.NewResolver(
		rangeindex.WithCacheTTL(cfg.Datasets.CacheTTL),
		rangeindex.WithCacheDisabled(cfg.Datasets.CacheDisabled),
		rangeindex.WithResolverMetrics(rangeMetrics),
	)
	engine := enricher.NewEngine(
		enricher.WithEngineLogger(log),
		enricher.WithEngineMetrics(enricher.NewEngineMetrics(reg)),
		enricher.WithAnnotators(
			enricher.NewGeoAnnotator(index, resolver),
			enricher.NewDirectionAnnotator(enricher.NewClassifier(
				enricher.WithLegacyLoopbackPrivate(cfg.Datasets.LegacyLoopbackPrivate),
			)),
		),
	)

	consumer, err := newConsumer(cfg, log, reg)
	if err != nil {
		return err
	}

	writers, closers, err := newWriters(ctx, cfg, log, reg)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	if err != nil {
		return err
	}

	e := enricher.NewEnricher(
		enricher.WithFlowConsumer(consumer),
		enricher.WithFlowWriters(writers...),
		enricher.WithEngine(engine),
		enricher.WithLogger(log),
		enricher.WithEnricherMetrics(enricher.NewEnricherMetrics(reg)),
		enricher.WithWorkerCount(cfg.Workers),
		enricher.WithWriteRetryMaxElapsed(cfg.WriteRetryMaxElapsed),
	)
	log.Info("starting enricher...", "source", cfg.Source, "sinks", cfg.Sinks)
	if err := e.Run(ctx); err != nil {
		return fmt.Errorf("error while running enricher: %w", err)
	}
	log.Info("enricher stopped")
	return nil
}

func newConsumer(cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) (enricher.FlowConsumer, error) {
	if cfg.Source == config.SourcePcap {
		return enricher.NewPcapFlowConsumer(cfg.PcapPath), nil
	}
	consumer, err := enricher.NewKafkaFlowConsumer(enricher.KafkaConsumerConfig{
		KafkaConnection: kafkaConnection(cfg),
		Topic:           cfg.Kafka.Topic,
		Group:           cfg.Kafka.ConsumerGroup,
		RawPayloads:     cfg.Kafka.RawPayloads,
		Logger:          log,
		Metrics:         enricher.NewFlowConsumerMetrics(reg),
	})
	if err != nil {
		return nil, fmt.Errorf("error creating kafka flow consumer: %w", err)
	}
	return consumer, nil
}

func newWriters(ctx context.Context, cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) ([]enricher.FlowWriter, []io.Closer, error) {
	var (
		writers []enricher.FlowWriter
		closers []io.Closer
	)
	for _, sink := range cfg.Sinks {
		switch sink {
		case config.SinkClickhouse:
			w, err := enricher.NewClickhouseWriter(enricher.ClickhouseWriterConfig{
				Addr:        cfg.Clickhouse.Addr,
				DB:          cfg.Clickhouse.DB,
				Table:       cfg.Clickhouse.Table,
				User:        cfg.Clickhouse.User,
				Pass:        cfg.Clickhouse.Pass,
				TLSDisabled: cfg.Clickhouse.TLSDisabled,
				Logger:      log,
				Metrics:     enricher.NewClickhouseMetrics(reg),
			})
			if err != nil {
				return nil, closers, fmt.Errorf("error creating clickhouse writer: %w", err)
			}
			closers = append(closers, w)
			if cfg.Clickhouse.CreateTable {
				if err := w.CreateTable(ctx); err != nil {
					return nil, closers, err
				}
			}
			writers = append(writers, w)
		case config.SinkKafka:
			w, err := enricher.NewKafkaWriter(enricher.KafkaWriterConfig{
				KafkaConnection: kafkaConnection(cfg),
				Topic:           cfg.Kafka.EnrichedTopic,
				Logger:          log,
			})
			if err != nil {
				return nil, closers, fmt.Errorf("error creating kafka writer: %w", err)
			}
			writers = append(writers, w)
			closers = append(closers, w)
		case config.SinkInflux:
			w := enricher.NewInfluxWriter(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket,
				enricher.WithInfluxLogger(log),
			)
			writers = append(writers, w)
			closers = append(closers, w)
		case config.SinkStdout:
			writers = append(writers, enricher.NewStdoutWriter(nil))
		}
	}
	return writers, closers, nil
}

func kafkaConnection(cfg *config.Config) enricher.KafkaConnection {
	return enricher.KafkaConnection{
		Brokers:     cfg.Kafka.Brokers,
		Auth:        enricher.KafkaAuth(cfg.Kafka.Auth),
		User:        cfg.Kafka.User,
		Pass:        cfg.Kafka.Pass,
		TLSDisabled: cfg.Kafka.TLSDisabled,
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z"))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}
