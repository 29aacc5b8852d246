package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultReadTimeout       = 250 * time.Millisecond
	defaultWorkerCount       = 0 // 0 => runtime.NumCPU()
	defaultBufferSizePackets = 1024

	// Largest UDP payload; export datagrams are never fragmented across reads.
	maxDatagramSize = 65535
)

// Config configures the ingest server. Listeners and the Kafka client are
// owned by the caller; the server closes the listeners when Run returns.
type Config struct {
	Logger         *slog.Logger
	Clock          clockwork.Clock
	FlowListener   *net.UDPConn
	HealthListener net.Listener
	KafkaClient    KafkaClient
	KafkaTopic     string

	// Optional with defaults.
	ReadTimeout       time.Duration
	WorkerCount       int
	BufferSizePackets int
	BufferSizeBytes   int

	// Versions lists the export versions forwarded to Kafka. Empty means
	// NetFlow v5, v9 and IPFIX.
	Versions []uint16

	// SequenceTTL is how long an idle export stream's sequence number is
	// remembered.
	SequenceTTL time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.FlowListener == nil {
		return errors.New("flow listener is required")
	}
	if c.HealthListener == nil {
		return errors.New("health listener is required")
	}
	if c.KafkaClient == nil {
		return errors.New("kafka client is required")
	}
	if c.KafkaTopic == "" {
		return errors.New("kafka topic is required")
	}

	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read timeout must be > 0")
	}

	if c.WorkerCount == defaultWorkerCount {
		c.WorkerCount = runtime.NumCPU()
	}
	if c.WorkerCount <= 0 {
		return errors.New("worker count must be > 0")
	}

	if c.BufferSizePackets == 0 {
		c.BufferSizePackets = defaultBufferSizePackets
	}
	if c.BufferSizePackets <= 0 {
		return errors.New("buffer size packets must be > 0")
	}

	if c.BufferSizeBytes == 0 {
		c.BufferSizeBytes = maxDatagramSize
	}
	if c.BufferSizeBytes <= 0 || c.BufferSizeBytes > maxDatagramSize {
		return fmt.Errorf("buffer size bytes must be in (0, %d]", maxDatagramSize)
	}

	if c.SequenceTTL == 0 {
		c.SequenceTTL = defaultSequenceTTL
	}
	if c.SequenceTTL < 0 {
		return errors.New("sequence ttl must be > 0")
	}

	if len(c.Versions) == 0 {
		c.Versions = []uint16{versionNetFlowV5, versionNetFlowV9, versionIPFIX}
	}
	for _, v := range c.Versions {
		if versionLabel(v) == "unknown" {
			return fmt.Errorf("%w: %d", errUnsupportedVersion, v)
		}
	}

	return nil
}

func (c *Config) accepts(version uint16) bool {
	return slices.Contains(c.Versions, version)
}
