package e2e_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/malbeclabs/netflow-enricher/telemetry/flow-ingest/internal/kafka"
	"github.com/malbeclabs/netflow-enricher/telemetry/flow-ingest/internal/server"
	"github.com/malbeclabs/netflow-enricher/telemetry/proto/flow"
)

// TestTelemetry_FlowIngest_E2E runs every scenario against one Redpanda
// broker; each scenario gets its own topic and server.
func TestTelemetry_FlowIngest_E2E(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	t.Parallel()

	// Subtests run after this function returns, so cancel on cleanup.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	t.Cleanup(cancel)
	brokers := startRedpanda(t, ctx)

	t.Run("produces envelope", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, ctx, brokers, 1)

		want := buildNetFlowV5(1, 1)
		h.send(t, want)

		samples := h.consume(t, ctx, 1)
		got := samples[0]
		require.False(t, got.ReceiveTimestamp.IsZero())
		require.Equal(t, "127.0.0.1", got.ExporterAddress)
		require.True(t, bytes.Equal(got.FlowPayload, want))

		h.stop(t)
	})

	t.Run("drops v5 without records", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, ctx, brokers, 1)

		h.send(t, buildNetFlowV5(1, 0))
		h.send(t, buildNetFlowV5(1, 2))

		// Datagrams of one exporter arrive in order, so the empty packet
		// would have been consumed first.
		samples := h.consume(t, ctx, 1)
		require.Equal(t, uint16(2), binary.BigEndian.Uint16(samples[0].FlowPayload[2:4]))
		h.requireNoMore(t, ctx)
	})

	t.Run("forwards v9 and ipfix, drops others", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, ctx, brokers, 2)

		h.send(t, []byte{0x01, 0x02, 0x03})
		h.send(t, []byte{0, 0, 0, 5, 0, 0, 0, 1}) // sflow v5
		h.send(t, buildExportHeader(9, 20))
		h.send(t, buildExportHeader(10, 16))
		h.send(t, buildNetFlowV5(7, 1))

		samples := h.consume(t, ctx, 3)
		versions := make([]uint16, 0, len(samples))
		for _, s := range samples {
			versions = append(versions, binary.BigEndian.Uint16(s.FlowPayload))
		}
		require.Equal(t, []uint16{9, 10, 5}, versions)
		h.requireNoMore(t, ctx)
	})

	t.Run("keeps exporter order across workers", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, ctx, brokers, 4)

		const n = 50
		for i := range n {
			h.send(t, buildNetFlowV5(uint32(i+1), 1))
		}

		samples := h.consume(t, ctx, n)
		for i, s := range samples {
			require.Equal(t, uint32(i+1), binary.BigEndian.Uint32(s.FlowPayload[16:20]), "sample %d", i)
		}
	})

	t.Run("health accepts and closes", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, ctx, brokers, 1)

		c, err := net.Dial("tcp", h.health.Addr().String())
		require.NoError(t, err)
		defer c.Close()

		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var b [1]byte
		_, rerr := c.Read(b[:])
		require.Error(t, rerr)
	})
}

type harness struct {
	topic    string
	health   net.Listener
	sender   *net.UDPConn
	consumer *kgo.Client
	cancel   context.CancelFunc
	errCh    <-chan error
}

func newHarness(t *testing.T, ctx context.Context, brokers []string, workers int) *harness {
	t.Helper()

	topic := topicName(t.Name())
	kc := newKafkaClient(t, ctx, brokers)
	requireTopic(t, ctx, kc, topic)

	flows, health := newListeners(t)
	srv, err := server.New(&server.Config{
		Logger:         newTestLogger(),
		FlowListener:   flows,
		HealthListener: health,
		KafkaClient:    kc,
		KafkaTopic:     topic,
		ReadTimeout:    100 * time.Millisecond,
		WorkerCount:    workers,
	})
	require.NoError(t, err)

	runCtx, runCancel := context.WithCancel(ctx)
	t.Cleanup(runCancel)
	errCh := srv.Start(runCtx, runCancel)

	sender, err := net.DialUDP("udp", nil, flows.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sender.Close() })

	consumer := newConsumerNoGroup(t, brokers, topic)
	t.Cleanup(consumer.Close)

	return &harness{
		topic:    topic,
		health:   health,
		sender:   sender,
		consumer: consumer,
		cancel:   runCancel,
		errCh:    errCh,
	}
}

func (h *harness) send(t *testing.T, datagram []byte) {
	t.Helper()
	_, err := h.sender.Write(datagram)
	require.NoError(t, err)
}

// consume polls until n samples arrived and returns them in partition order.
func (h *harness) consume(t *testing.T, ctx context.Context, n int) []flow.FlowSample {
	t.Helper()

	pctx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	var samples []flow.FlowSample
	for len(samples) < n {
		fetches := h.consumer.PollFetches(pctx)
		require.NoError(t, pctx.Err(), "got %d of %d samples", len(samples), n)
		require.NoError(t, fetches.Err0())
		for it := fetches.RecordIter(); !it.Done(); {
			r := it.Next()
			var s flow.FlowSample
			require.NoError(t, s.Unmarshal(r.Value))
			require.Equal(t, s.ExporterAddress, string(r.Key))
			samples = append(samples, s)
		}
	}
	require.Len(t, samples, n)
	return samples
}

// requireNoMore fails if anything else reaches the topic within a second.
func (h *harness) requireNoMore(t *testing.T, ctx context.Context) {
	t.Helper()
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	for pctx.Err() == nil {
		fetches := h.consumer.PollFetches(pctx)
		require.Zero(t, fetches.NumRecords(), "unexpected record on %s", h.topic)
	}
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

// startRedpanda starts a broker, retrying container start failures that
// come from a busy docker host.
func startRedpanda(t *testing.T, parent context.Context) []string {
	t.Helper()

	ctx, cancel := context.WithTimeout(parent, 3*time.Minute)
	defer cancel()

	broker, err := backoff.Retry(ctx, func() (string, error) {
		rp, err := redpanda.Run(ctx, "redpandadata/redpanda:v24.2.6")
		if err != nil {
			return "", containerStartErr(err)
		}
		broker, err := rp.KafkaSeedBroker(ctx)
		if err != nil {
			_ = rp.Terminate(context.Background())
			return "", containerStartErr(err)
		}
		t.Cleanup(func() { _ = rp.Terminate(context.Background()) })
		return broker, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(2*time.Second)), backoff.WithMaxTries(5))
	require.NoError(t, err, "failed to start redpanda")
	return []string{broker}
}

// containerStartErr marks errors other than transient docker failures as
// permanent.
func containerStartErr(err error) error {
	msg := err.Error()
	for _, transient := range []string{"wait until ready", "mapped port", "timeout", "deadline exceeded", "connection refused"} {
		if strings.Contains(msg, transient) {
			return err
		}
	}
	return backoff.Permanent(err)
}

func newKafkaClient(t *testing.T, ctx context.Context, brokers []string) *kafka.Client {
	t.Helper()
	kc, err := kafka.NewClient(ctx, &kafka.Config{Brokers: brokers, Linger: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(kc.Close)
	return kc
}

func requireTopic(t *testing.T, ctx context.Context, kc *kafka.Client, topic string) {
	t.Helper()
	spec := kafka.TopicSpec{Name: topic, Partitions: 1, ReplicationFactor: 1, Retention: time.Hour}
	require.NoError(t, kc.EnsureTopic(ctx, spec))
	// A second call finds the topic and succeeds.
	require.NoError(t, kc.EnsureTopic(ctx, spec))
}

func newListeners(t *testing.T) (*net.UDPConn, net.Listener) {
	t.Helper()
	flowListener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = flowListener.Close() })

	healthListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = healthListener.Close() })

	return flowListener, healthListener
}

func newConsumerNoGroup(t *testing.T, brokers []string, topic string) *kgo.Client {
	t.Helper()
	c, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	return c
}

func newTestLogger() *slog.Logger {
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	if os.Getenv("TEST_LOG") != "" {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return log
}

// buildNetFlowV5 builds a NetFlow v5 packet with the given flow sequence and
// count records. The sequence makes each packet unique.
func buildNetFlowV5(sequence uint32, count int) []byte {
	var out bytes.Buffer
	w := func(v any) { _ = binary.Write(&out, binary.BigEndian, v) }

	w(uint16(5))
	w(uint16(count))
	w(uint32(100000))
	w(uint32(1760875200))
	w(uint32(0))
	w(sequence)
	w(uint8(0))
	w(uint8(0))
	w(uint16(0))

	for i := range count {
		var rec [48]byte
		copy(rec[0:4], []byte{10, 0, 0, byte(i + 1)})
		copy(rec[4:8], []byte{8, 8, 8, 8})
		binary.BigEndian.PutUint32(rec[16:20], 1)  // packets
		binary.BigEndian.PutUint32(rec[20:24], 64) // bytes
		rec[38] = 17                               // udp
		out.Write(rec[:])
	}
	return out.Bytes()
}

// buildExportHeader builds a header-only v9 or IPFIX message of size bytes.
func buildExportHeader(version uint16, size int) []byte {
	b := make([]byte, size)
	binary.BigEndian.PutUint16(b, version)
	if version == 10 {
		binary.BigEndian.PutUint16(b[2:], uint16(size))
	}
	return b
}

// topicName derives a topic per subtest, replacing characters Kafka rejects.
func topicName(test string) string {
	return "flow-test-" + strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '-'
	}, test)
}
