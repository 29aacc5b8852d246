package enricher

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// pointWriter is the subset of influxdb2api.WriteAPIBlocking the InfluxWriter uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxWriter implements FlowWriter by writing one point per flow, with the
// same measurement, tags and fields as the JSON document.
type InfluxWriter struct {
	client   influxdb2.Client
	writeAPI pointWriter
	logger   *slog.Logger
}

type InfluxOption func(*InfluxWriter)

func WithInfluxLogger(logger *slog.Logger) InfluxOption {
	return func(iw *InfluxWriter) {
		iw.logger = logger
	}
}

// withInfluxWriteAPI is used for testing to inject a fake write API.
func withInfluxWriteAPI(api pointWriter) InfluxOption {
	return func(iw *InfluxWriter) {
		iw.writeAPI = api
	}
}

func NewInfluxWriter(url, token, org, bucket string, opts ...InfluxOption) *InfluxWriter {
	iw := &InfluxWriter{}
	for _, opt := range opts {
		opt(iw)
	}
	if iw.logger == nil {
		iw.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if iw.writeAPI == nil {
		iw.client = influxdb2.NewClient(url, token)
		iw.writeAPI = iw.client.WriteAPIBlocking(org, bucket)
	}
	return iw
}

func (iw *InfluxWriter) BatchInsert(ctx context.Context, flows []EnrichedFlow) error {
	if len(flows) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(flows))
	for i := range flows {
		points = append(points, flowPoint(&flows[i].Record))
	}
	if err := iw.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("error writing points to influxdb: %w", err)
	}
	iw.logger.Debug("wrote points to influxdb", "count", len(points))
	return nil
}

func (iw *InfluxWriter) String() string {
	return "influxdb"
}

func (iw *InfluxWriter) Close() error {
	if iw.client != nil {
		iw.client.Close()
	}
	return nil
}

func flowPoint(r *FlowRecord) *write.Point {
	doc := newFlowDocument(r)
	tags := map[string]string{
		"src_ip":      doc.Tags.SrcIP,
		"dst_ip":      doc.Tags.DstIP,
		"src_country": doc.Tags.SrcCountry,
		"dst_country": doc.Tags.DstCountry,
		"src_asn":     doc.Tags.SrcASN,
		"src_as_name": doc.Tags.SrcASName,
		"dst_asn":     doc.Tags.DstASN,
		"dst_as_name": doc.Tags.DstASName,
		"type":        doc.Tags.Type.String(),
	}
	fields := map[string]any{
		"packets":        doc.Fields.Packets,
		"bytes":          doc.Fields.Bytes,
		"first_switched": doc.Fields.FirstSwitched,
		"last_switched":  doc.Fields.LastSwitched,
	}
	return write.NewPoint(doc.Measurement, tags, fields, doc.Time)
}
