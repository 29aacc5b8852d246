package enricher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type MockFlowConsumer struct {
	mu               sync.Mutex
	PayloadsToReturn [][]Payload
	FetchCount       int
	CommitCount      int
	CloseCalled      bool
	ConsumeError     error
	CommitError      error
	// ExhaustWithEOF returns io.EOF once every batch was handed out.
	ExhaustWithEOF bool
}

func (m *MockFlowConsumer) ConsumePayloads(ctx context.Context) ([]Payload, error) {
	m.mu.Lock()
	if m.ConsumeError != nil {
		err := m.ConsumeError
		m.mu.Unlock()
		return nil, err
	}
	if m.FetchCount >= len(m.PayloadsToReturn) {
		eof := m.ExhaustWithEOF
		m.mu.Unlock()
		if eof {
			return nil, io.EOF
		}
		// Block to simulate waiting for new messages, respecting context cancellation.
		<-ctx.Done()
		return nil, ctx.Err()
	}
	payloads := m.PayloadsToReturn[m.FetchCount]
	m.FetchCount++
	m.mu.Unlock()
	return payloads, nil
}

func (m *MockFlowConsumer) CommitOffsets(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommitCount++
	return m.CommitError
}

func (m *MockFlowConsumer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalled = true
	return nil
}

type MockFlowWriter struct {
	mu            sync.Mutex
	ReceivedFlows []EnrichedFlow
	InsertError   error
	Calls         int
}

func (m *MockFlowWriter) BatchInsert(ctx context.Context, flows []EnrichedFlow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.InsertError != nil {
		return m.InsertError
	}
	m.ReceivedFlows = append(m.ReceivedFlows, flows...)
	return nil
}

func (m *MockFlowWriter) String() string {
	return "mock"
}

func (m *MockFlowWriter) Flows() []EnrichedFlow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EnrichedFlow(nil), m.ReceivedFlows...)
}

func newTestEnricher(t *testing.T, reg prometheus.Registerer, opts ...EnricherOption) (*Enricher, *EnricherMetrics) {
	t.Helper()
	engine, _ := newTestEngine(t, reg)
	metrics := NewEnricherMetrics(reg)
	opts = append([]EnricherOption{
		WithEngine(engine),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithEnricherMetrics(metrics),
		WithWorkerCount(4),
		WithWriteRetryMaxElapsed(10 * time.Millisecond),
	}, opts...)
	return NewEnricher(opts...), metrics
}

func TestTelemetry_FlowEnricher_Enricher_Run(t *testing.T) {
	t.Parallel()

	batch := []Payload{
		{Data: buildV5(t,
			v5Flow{src: "10.0.0.5", dst: "8.8.8.8", packets: 100, bytes: 5000},
			v5Flow{src: "10.0.0.6", dst: "1.1.1.1", packets: 1, bytes: 40},
		), ExporterAddress: "192.0.2.1"},
		{Data: []byte{0x00, 0x07}, ExporterAddress: "192.0.2.2"},
		{Data: buildV5(t, v5Flow{src: "8.8.8.8", dst: "10.0.0.5", packets: 7}), ExporterAddress: "192.0.2.1"},
	}
	consumer := &MockFlowConsumer{PayloadsToReturn: [][]Payload{batch}, ExhaustWithEOF: true}
	first, second := &MockFlowWriter{}, &MockFlowWriter{}

	e, metrics := newTestEnricher(t, prometheus.NewRegistry(),
		WithFlowConsumer(consumer),
		WithFlowWriters(first, second),
	)
	require.NoError(t, e.Run(context.Background()))

	for _, w := range []*MockFlowWriter{first, second} {
		flows := w.Flows()
		require.Len(t, flows, 3)
		// Payload order is kept across the worker pool.
		require.Equal(t, uint64(100), flows[0].Record.Packets)
		require.Equal(t, uint64(1), flows[1].Record.Packets)
		require.Equal(t, uint64(7), flows[2].Record.Packets)
		require.Equal(t, DirectionIncoming, flows[2].Record.Direction)
	}

	consumer.mu.Lock()
	require.Equal(t, 1, consumer.CommitCount)
	require.True(t, consumer.CloseCalled)
	consumer.mu.Unlock()

	require.Equal(t, float64(3), testutil.ToFloat64(metrics.FlowsProcessedTotal))
	require.Equal(t, float64(3), testutil.ToFloat64(metrics.PayloadsProcessedTotal))
}

func TestTelemetry_FlowEnricher_Enricher_Metrics(t *testing.T) {
	t.Parallel()

	payloads := []Payload{{Data: buildV5(t,
		v5Flow{src: "10.0.0.1", dst: "8.8.8.8"},
		v5Flow{src: "10.0.0.2", dst: "8.8.8.8"},
	)}}

	tests := []struct {
		name                   string
		consumer               *MockFlowConsumer
		writer                 *MockFlowWriter
		wantRunErr             bool
		wantCommits            int
		expectedFlowsProcessed float64
		expectedWriterErrs     bool
		expectedCommitErrs     float64
	}{
		{
			name:                   "Successful run increments FlowsProcessedTotal",
			consumer:               &MockFlowConsumer{PayloadsToReturn: [][]Payload{payloads}, ExhaustWithEOF: true},
			writer:                 &MockFlowWriter{},
			wantCommits:            1,
			expectedFlowsProcessed: 2,
		},
		{
			name:               "Writer error stops the run without committing",
			consumer:           &MockFlowConsumer{PayloadsToReturn: [][]Payload{payloads, payloads}, ExhaustWithEOF: true},
			writer:             &MockFlowWriter{InsertError: errors.New("sink failed")},
			wantRunErr:         true,
			expectedWriterErrs: true,
		},
		{
			name: "Commit error increments KafkaCommitErrors",
			consumer: &MockFlowConsumer{
				PayloadsToReturn: [][]Payload{payloads},
				CommitError:      errors.New("kafka commit failed"),
				ExhaustWithEOF:   true,
			},
			writer:             &MockFlowWriter{},
			wantCommits:        1,
			expectedCommitErrs: 1,
		},
		{
			name:        "No payloads does not increment metrics",
			consumer:    &MockFlowConsumer{ExhaustWithEOF: true},
			writer:      &MockFlowWriter{},
			wantCommits: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, metrics := newTestEnricher(t, prometheus.NewRegistry(),
				WithFlowConsumer(tt.consumer),
				WithFlowWriters(tt.writer),
			)

			err := e.Run(context.Background())
			if tt.wantRunErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			tt.consumer.mu.Lock()
			require.Equal(t, tt.wantCommits, tt.consumer.CommitCount)
			tt.consumer.mu.Unlock()

			require.Equal(t, tt.expectedFlowsProcessed, testutil.ToFloat64(metrics.FlowsProcessedTotal), "FlowsProcessedTotal mismatch")
			require.Equal(t, tt.expectedCommitErrs, testutil.ToFloat64(metrics.KafkaCommitErrors), "KafkaCommitErrors mismatch")
			writerErrs := testutil.ToFloat64(metrics.WriterErrors.WithLabelValues("mock"))
			if tt.expectedWriterErrs {
				require.GreaterOrEqual(t, writerErrs, float64(1))
			} else {
				require.Zero(t, writerErrs)
			}
		})
	}
}

func TestTelemetry_FlowEnricher_Enricher_ConsumeErrorsAreRetried(t *testing.T) {
	t.Parallel()

	consumer := &MockFlowConsumer{ConsumeError: errors.New("broker unavailable")}
	e, metrics := newTestEnricher(t, prometheus.NewRegistry(),
		WithFlowConsumer(consumer),
		WithFlowWriters(&MockFlowWriter{}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.KafkaConsumeErrors) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestTelemetry_FlowEnricher_Enricher_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	consumer := &MockFlowConsumer{}
	e, _ := newTestEnricher(t, prometheus.NewRegistry(),
		WithFlowConsumer(consumer),
		WithFlowWriters(&MockFlowWriter{}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	require.True(t, consumer.CloseCalled)
}

func TestTelemetry_FlowEnricher_Enricher_RequiresConsumerAndWriters(t *testing.T) {
	t.Parallel()

	e := NewEnricher(WithFlowWriters(&MockFlowWriter{}))
	require.Error(t, e.Run(context.Background()))

	e = NewEnricher(WithFlowConsumer(&MockFlowConsumer{}))
	require.Error(t, e.Run(context.Background()))
}
