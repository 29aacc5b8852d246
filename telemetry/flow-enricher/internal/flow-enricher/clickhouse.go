package enricher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// flowColumn is one column of the enriched flows table and how a record fills it.
type flowColumn struct {
	name  string
	typ   string
	value func(*FlowRecord) any
}

var flowColumns = []flowColumn{
	{"time", "DateTime64(9, 'UTC')", func(r *FlowRecord) any { return r.TimeEnriched }},
	{"time_received", "DateTime64(9, 'UTC')", func(r *FlowRecord) any { return r.TimeReceived }},
	{"version", "LowCardinality(String)", func(r *FlowRecord) any { return r.Version.String() }},
	{"exporter_address", "String", func(r *FlowRecord) any { return r.ExporterAddress }},
	{"src_ip", "String", func(r *FlowRecord) any { return r.SrcAddr }},
	{"dst_ip", "String", func(r *FlowRecord) any { return r.DstAddr }},
	{"src_country", "LowCardinality(String)", func(r *FlowRecord) any { return r.SrcCountry }},
	{"dst_country", "LowCardinality(String)", func(r *FlowRecord) any { return r.DstCountry }},
	{"src_asn", "String", func(r *FlowRecord) any { return r.SrcAS.Number }},
	{"src_as_name", "String", func(r *FlowRecord) any { return r.SrcAS.Name }},
	{"dst_asn", "String", func(r *FlowRecord) any { return r.DstAS.Number }},
	{"dst_as_name", "String", func(r *FlowRecord) any { return r.DstAS.Name }},
	{"type", "LowCardinality(String)", func(r *FlowRecord) any { return r.Direction.String() }},
	{"packets", "UInt64", func(r *FlowRecord) any { return r.Packets }},
	{"bytes", "UInt64", func(r *FlowRecord) any { return r.Bytes }},
	{"first_switched", "UInt64", func(r *FlowRecord) any { return r.FirstSwitched }},
	{"last_switched", "UInt64", func(r *FlowRecord) any { return r.LastSwitched }},
}

func createTableStmt(db, table string) string {
	defs := make([]string, len(flowColumns))
	for i, c := range flowColumns {
		defs[i] = "\t" + c.name + " " + c.typ
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (\n%s\n) ENGINE = MergeTree\nORDER BY (time, exporter_address)",
		db, table, strings.Join(defs, ",\n"))
}

func insertStmt(db, table string) string {
	names := make([]string, len(flowColumns))
	for i, c := range flowColumns {
		names[i] = c.name
	}
	return fmt.Sprintf("INSERT INTO %s.%s (%s)", db, table, strings.Join(names, ", "))
}

func rowValues(r *FlowRecord) []any {
	values := make([]any, len(flowColumns))
	for i, c := range flowColumns {
		values[i] = c.value(r)
	}
	return values
}

type ClickhouseWriterConfig struct {
	Addr        string
	DB          string
	Table       string
	User        string
	Pass        string
	TLSDisabled bool

	// Optional.
	Logger  *slog.Logger
	Metrics *ClickhouseMetrics
}

func (c *ClickhouseWriterConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("clickhouse address is required")
	}
	if c.DB == "" {
		c.DB = "default"
	}
	if c.Table == "" {
		c.Table = "flows_enriched"
	}
	if c.User == "" {
		c.User = "default"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NewClickhouseMetrics(prometheus.NewRegistry())
	}
	return nil
}

// ClickhouseWriter is a FlowWriter inserting each batch as one native
// ClickHouse batch.
type ClickhouseWriter struct {
	cfg  ClickhouseWriterConfig
	conn clickhouse.Conn
}

func NewClickhouseWriter(cfg ClickhouseWriterConfig) (*ClickhouseWriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate clickhouse config: %w", err)
	}
	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{Database: cfg.DB, Username: cfg.User, Password: cfg.Pass},
	}
	if !cfg.TLSDisabled {
		opts.TLS = &tls.Config{}
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}
	return &ClickhouseWriter{cfg: cfg, conn: conn}, nil
}

func (cw *ClickhouseWriter) CreateTable(ctx context.Context) error {
	if err := cw.conn.Exec(ctx, createTableStmt(cw.cfg.DB, cw.cfg.Table)); err != nil {
		return fmt.Errorf("failed to create clickhouse table %s.%s: %w", cw.cfg.DB, cw.cfg.Table, err)
	}
	return nil
}

// BatchInsert sends flows as a single batch. A row that fails to append is
// logged and left out of the batch.
func (cw *ClickhouseWriter) BatchInsert(ctx context.Context, flows []EnrichedFlow) error {
	if len(flows) == 0 {
		return nil
	}
	batch, err := cw.conn.PrepareBatch(ctx, insertStmt(cw.cfg.DB, cw.cfg.Table))
	if err != nil {
		return fmt.Errorf("failed to prepare clickhouse batch: %w", err)
	}
	defer batch.Close()

	for i := range flows {
		if err := batch.Append(rowValues(&flows[i].Record)...); err != nil {
			cw.cfg.Logger.Error("dropping flow from clickhouse batch", "error", err, "exporter", flows[i].Record.ExporterAddress)
		}
	}

	timer := prometheus.NewTimer(cw.cfg.Metrics.InsertDuration)
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send clickhouse batch: %w", err)
	}
	timer.ObserveDuration()
	cw.cfg.Logger.Debug("inserted flows into clickhouse", "table", cw.cfg.Table, "count", len(flows))
	return nil
}

func (cw *ClickhouseWriter) String() string {
	return "clickhouse"
}

func (cw *ClickhouseWriter) Close() error {
	return cw.conn.Close()
}
