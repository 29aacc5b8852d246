package server

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/malbeclabs/netflow-enricher/telemetry/flow-ingest/internal/metrics"
	"github.com/malbeclabs/netflow-enricher/telemetry/proto/flow"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	// Health accept failures are retried with these bounds; they never stop
	// ingest.
	healthBaseBackoff = 50 * time.Millisecond
	healthMaxBackoff  = 2 * time.Second

	// Pause after a read error that is neither a timeout nor a close.
	readErrBackoff = 10 * time.Millisecond
)

// KafkaClient is the asynchronous produce call of a kgo.Client.
type KafkaClient interface {
	Produce(ctx context.Context, record *kgo.Record, fn func(*kgo.Record, error))
}

// Server receives NetFlow v5, v9 and IPFIX export datagrams over UDP, wraps
// each accepted one in a FlowSample envelope and produces it to Kafka keyed by
// exporter address.
type Server struct {
	cfg       *Config
	log       *slog.Logger
	sequences *sequenceTracker
}

type packet struct {
	addr *net.UDPAddr
	data []byte
}

func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Server{cfg: cfg, log: cfg.Logger, sequences: newSequenceTracker(cfg.SequenceTTL)}, nil
}

// Start runs the server in the background. The returned channel yields the
// error Run failed with, if any, and is closed when Run returns. cancel is
// called on failure so the rest of the process shuts down too.
func (s *Server) Start(ctx context.Context, cancel context.CancelFunc) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			done <- err
			cancel()
		}
	}()
	return done
}

// Run reads datagrams until ctx is done or the flow listener is closed. Every
// exporter is pinned to one worker, so its datagrams reach Kafka in the order
// they were received.
func (s *Server) Run(parentCtx context.Context) error {
	s.log.Info("flow ingest server starting",
		"flowAddr", s.cfg.FlowListener.LocalAddr().String(),
		"healthAddr", s.cfg.HealthListener.Addr().String(),
		"topic", s.cfg.KafkaTopic,
		"versions", s.cfg.Versions,
		"workers", s.cfg.WorkerCount,
		"queuePackets", s.cfg.BufferSizePackets,
		"readBufferBytes", s.cfg.BufferSizeBytes,
		"readTimeout", s.cfg.ReadTimeout,
	)

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	go s.sequences.start()
	defer s.sequences.stop()

	// Closing the listeners unblocks Accept and ReadFromUDP.
	go func() {
		<-ctx.Done()
		_ = s.cfg.HealthListener.Close()
		_ = s.cfg.FlowListener.Close()
	}()

	queues, wait := s.startWorkers(ctx)

	results := make(chan error, 2)
	go func() { results <- s.healthLoop(ctx) }()
	go func() { results <- s.readLoop(ctx, queues) }()

	first := <-results
	cancel()
	second := <-results

	for _, q := range queues {
		close(q)
	}
	wait()

	if err := errors.Join(first, second); err != nil {
		return err
	}
	s.log.Info("flow ingest server stopped")
	return nil
}

// startWorkers starts one worker per queue. The returned function waits for
// all of them once the queues are closed.
func (s *Server) startWorkers(ctx context.Context) ([]chan packet, func()) {
	queues := make([]chan packet, s.cfg.WorkerCount)
	depth := max(1, s.cfg.BufferSizePackets/s.cfg.WorkerCount)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan packet, depth)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, i, queues[i])
		}()
	}
	return queues, wg.Wait
}

func (s *Server) readLoop(ctx context.Context, queues []chan packet) error {
	buf := make([]byte, s.cfg.BufferSizeBytes)
	for {
		metrics.QueueDepth.Set(float64(queueDepth(queues)))

		p, err := s.read(ctx, buf)
		if errors.Is(err, errStopReading) {
			return nil
		}
		if err != nil {
			return err
		}
		if p.data == nil {
			continue
		}

		select {
		case queues[workerFor(p.addr, len(queues))] <- p:
		case <-ctx.Done():
			return nil
		}
	}
}

var errStopReading = errors.New("stop reading")

// read returns the next datagram as a packet owning its bytes. A packet with
// nil data means nothing was read and the caller should try again.
// errStopReading reports a cancelled context or a closed listener.
func (s *Server) read(ctx context.Context, buf []byte) (packet, error) {
	conn := s.cfg.FlowListener

	if err := conn.SetReadDeadline(s.cfg.Clock.Now().Add(s.cfg.ReadTimeout)); err != nil {
		closed := isClosedNetErr(err)
		metrics.DeadlineErrors.WithLabelValues(errKind(closed)).Inc()
		if ctx.Err() != nil || closed {
			return packet{}, errStopReading
		}
		return packet{}, fmt.Errorf("failed to set read deadline: %w", err)
	}

	n, remote, err := conn.ReadFromUDP(buf)
	if err == nil {
		metrics.DatagramsReceived.Inc()
		metrics.DatagramBytes.Add(float64(n))
		return packet{addr: remote, data: append([]byte(nil), buf[:n]...)}, nil
	}

	var ne net.Error
	switch {
	case ctx.Err() != nil:
		return packet{}, errStopReading
	case isClosedNetErr(err):
		metrics.ReadErrors.WithLabelValues("closed").Inc()
		s.log.Debug("flow listener closed", "error", err)
		return packet{}, errStopReading
	case errors.As(err, &ne) && ne.Timeout():
		metrics.ReadErrors.WithLabelValues("timeout").Inc()
		return packet{}, nil
	}

	metrics.ReadErrors.WithLabelValues("other").Inc()
	s.log.Warn("flow listener read failed", "error", err)
	select {
	case <-s.cfg.Clock.After(readErrBackoff):
		return packet{}, nil
	case <-ctx.Done():
		return packet{}, errStopReading
	}
}

// workerFor maps an exporter address to a worker index. The port is ignored
// so that an exporter changing source ports keeps its worker.
func workerFor(addr *net.UDPAddr, workers int) int {
	if workers <= 1 || addr == nil {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(addr.IP.To16())
	return int(h.Sum32() % uint32(workers))
}

func queueDepth(queues []chan packet) int {
	var n int
	for _, q := range queues {
		n += len(q)
	}
	return n
}

// worker drains its queue until the queue is closed or ctx is done.
func (s *Server) worker(ctx context.Context, id int, queue <-chan packet) {
	metrics.Workers.Inc()
	defer metrics.Workers.Dec()

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-queue:
			if !ok {
				return
			}
			s.ingestPacket(ctx, id, p)
		}
	}
}

func (s *Server) ingestPacket(ctx context.Context, workerID int, p packet) {
	exporter := p.addr.IP.String()
	log := s.log.With("exporter", exporter, "worker", workerID)

	h, err := parseExportHeader(p.data)
	if errors.Is(err, errUnsupportedVersion) || (err == nil && !s.cfg.accepts(h.Version)) {
		metrics.DroppedVersions.Inc()
		log.Debug("dropping datagram", "version", h.Version)
		return
	}
	if err != nil {
		metrics.HeaderErrors.WithLabelValues(versionLabel(h.Version)).Inc()
		log.Error("malformed export header", "error", err)
		return
	}

	version := versionLabel(h.Version)
	metrics.ExportsAccepted.WithLabelValues(version).Inc()
	s.trackSequence(log, exporter, version, h)

	if h.Version == versionNetFlowV5 && h.Count == 0 {
		metrics.EmptyExports.Inc()
		return
	}

	value, err := (&flow.FlowSample{
		ReceiveTimestamp: s.cfg.Clock.Now().UTC(),
		FlowPayload:      p.data,
		ExporterAddress:  exporter,
	}).Marshal()
	if err != nil {
		log.Error("failed to marshal flow sample", "error", err)
		return
	}

	// Keyed by exporter so one exporter's templates and data share a partition.
	rec := &kgo.Record{Topic: s.cfg.KafkaTopic, Key: []byte(exporter), Value: value}
	metrics.ProduceInflight.Inc()
	s.cfg.KafkaClient.Produce(ctx, rec, func(r *kgo.Record, err error) {
		metrics.ProduceInflight.Dec()
		if err != nil {
			metrics.ProduceResults.WithLabelValues("error").Inc()
			log.Error("flow sample produce failed", "error", err, "topic", r.Topic, "partition", r.Partition)
			return
		}
		metrics.ProduceResults.WithLabelValues("ok").Inc()
		log.Debug("flow sample produced", "topic", r.Topic, "partition", r.Partition, "offset", r.Offset)
	})
}

func (s *Server) trackSequence(log *slog.Logger, exporter, version string, h exportHeader) {
	seq := s.sequences.observe(exporter, h)
	metrics.ExportStreams.Set(float64(s.sequences.len()))
	if seq.Missing > 0 {
		metrics.SequenceGaps.WithLabelValues(version).Add(float64(seq.Missing))
		log.Debug("export sequence gap", "version", version, "missing", seq.Missing)
	}
	if seq.Reset {
		metrics.SequenceResets.WithLabelValues(version).Inc()
		log.Debug("export sequence reset", "version", version, "sequence", h.Sequence)
	}
}

// healthLoop accepts and immediately closes health check connections until
// ctx is done. Accept errors are retried with exponential backoff.
func (s *Server) healthLoop(ctx context.Context) error {
	bo := &backoff.ExponentialBackOff{
		InitialInterval: healthBaseBackoff,
		Multiplier:      2,
		MaxInterval:     healthMaxBackoff,
	}
	bo.Reset()

	for {
		conn, err := s.cfg.HealthListener.Accept()
		if err == nil {
			metrics.HealthChecks.Inc()
			bo.Reset()
			_ = conn.Close()
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		closed := isClosedNetErr(err)
		metrics.HealthErrors.WithLabelValues(errKind(closed)).Inc()
		wait := bo.NextBackOff()
		s.log.Warn("health listener accept failed", "error", err, "closed", closed, "retryIn", wait)

		select {
		case <-s.cfg.Clock.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func errKind(closed bool) string {
	if closed {
		return "closed"
	}
	return "other"
}

func isClosedNetErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "bad file descriptor")
}
