package enricher

import (
	"fmt"
	"time"

	"github.com/malbeclabs/netflow-enricher/telemetry/flow-enricher/internal/rangeindex"
)

// Version is the export protocol version carried in the first two bytes of
// every NetFlow and IPFIX packet.
type Version uint16

const (
	VersionNetFlowV5 Version = 5
	VersionNetFlowV9 Version = 9
	VersionIPFIX     Version = 10
)

func (v Version) String() string {
	switch v {
	case VersionNetFlowV5:
		return "netflow_v5"
	case VersionNetFlowV9:
		return "netflow_v9"
	case VersionIPFIX:
		return "ipfix"
	default:
		return fmt.Sprintf("unknown_%d", uint16(v))
	}
}

// Direction is derived from the privacy of a flow's two endpoints.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

func (d Direction) String() string {
	if d == DirectionIncoming {
		return "Incoming"
	}
	return "Outgoing"
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Payload is one exported datagram as handed over by a consumer.
type Payload struct {
	Data            []byte
	ExporterAddress string
	TimeReceived    time.Time
}

// FlowRecord is the protocol independent form of one exported flow. Counter
// and switched fields keep the exporter's native width and units.
type FlowRecord struct {
	Version         Version
	ExporterAddress string
	TimeReceived    time.Time
	TimeEnriched    time.Time

	SrcAddr       string
	DstAddr       string
	Packets       uint64
	Bytes         uint64
	FirstSwitched uint64
	LastSwitched  uint64

	SrcCountry string
	DstCountry string
	SrcAS      rangeindex.AS
	DstAS      rangeindex.AS
	Direction  Direction
}

// EnrichedFlow pairs a fully annotated record with its encoded form.
type EnrichedFlow struct {
	Record  FlowRecord
	Encoded []byte
}
