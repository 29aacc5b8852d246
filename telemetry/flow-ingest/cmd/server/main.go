package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/malbeclabs/netflow-enricher/telemetry/flow-ingest/internal/kafka"
	"github.com/malbeclabs/netflow-enricher/telemetry/flow-ingest/internal/metrics"
	"github.com/malbeclabs/netflow-enricher/telemetry/flow-ingest/internal/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	_ "net/http/pprof"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	pprofAddr            = "localhost:6060"
	shutdownFlushTimeout = 5 * time.Second
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

	cfg, err := loadConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	if cfg.EnablePprof {
		go func() {
			log.Info("starting pprof server", "address", pprofAddr)
			// net/http/pprof registers on the default mux.
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				log.Error("pprof server stopped", "error", err)
			}
		}()
	}
	if cfg.MetricsAddr != "" {
		if err := serveMetrics(log, cfg.MetricsAddr); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	flowConn, healthListener, err := listen(cfg.Port, cfg.HealthPort)
	if err != nil {
		return err
	}
	// The server closes both on shutdown; these cover early returns.
	defer flowConn.Close()
	defer healthListener.Close()
	log.Info("listening for flow exports", "address", flowConn.LocalAddr(), "health", healthListener.Addr())

	kafkaClient, err := kafka.NewClient(ctx, &kafka.Config{
		Brokers:     cfg.KafkaBrokers,
		AuthIAM:     cfg.KafkaAuthIAMEnabled,
		User:        cfg.KafkaUser,
		Pass:        cfg.KafkaPass,
		TLSDisabled: cfg.KafkaTLSDisabled,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka client: %w", err)
	}
	defer kafkaClient.Close()

	topic := kafka.TopicSpec{
		Name:              cfg.KafkaTopic,
		Partitions:        cfg.KafkaPartitions,
		ReplicationFactor: cfg.KafkaReplicationFactor,
		Retention:         cfg.KafkaTopicRetention,
	}
	if err := kafkaClient.EnsureTopic(ctx, topic); err != nil {
		return fmt.Errorf("failed to ensure topic exists: %w", err)
	}

	srv, err := server.New(&server.Config{
		Logger:         log,
		FlowListener:   flowConn,
		HealthListener: healthListener,
		KafkaClient:    kafkaClient,
		KafkaTopic:     cfg.KafkaTopic,
		Versions:       cfg.Versions,
		SequenceTTL:    cfg.SequenceTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	runErr := <-srv.Start(ctx, cancel)

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancelFlush()
	if err := kafkaClient.Flush(flushCtx); err != nil {
		log.Warn("failed to flush buffered flow samples", "error", err)
	}
	return runErr
}

func serveMetrics(log *slog.Logger, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for prometheus metrics: %w", err)
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.Serve(listener, mux); err != nil {
			log.Error("prometheus metrics server stopped", "error", err)
		}
	}()
	return nil
}

// listen opens the UDP export listener and the TCP health listener.
func listen(port, healthPort string) (*net.UDPConn, net.Listener, error) {
	addr, err := net.ResolveUDPAddr("udp", ":"+port)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve udp address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen udp: %w", err)
	}
	health, err := net.Listen("tcp", ":"+healthPort)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to listen tcp: %w", err)
	}
	return conn, health, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
