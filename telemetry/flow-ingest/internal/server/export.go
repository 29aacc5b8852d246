package server

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/netsampler/goflow2/v2/decoders/netflowlegacy"
)

const (
	versionNetFlowV5 uint16 = 5
	versionNetFlowV9 uint16 = 9
	versionIPFIX     uint16 = 10

	headerLenNetFlowV5 = 24
	recordLenNetFlowV5 = 48
	headerLenNetFlowV9 = 20
	headerLenIPFIX     = 16
)

var (
	errShortDatagram      = errors.New("datagram shorter than its export header declares")
	errUnsupportedVersion = errors.New("unsupported export version")
)

// exportHeader is what the ingest path needs from an export packet header.
type exportHeader struct {
	Version uint16
	// Count is the number of records the header announces, or -1 when the
	// header does not carry one (IPFIX).
	Count int
	// Sequence is the v5 flow sequence, the v9 packet sequence or the IPFIX
	// data record sequence.
	Sequence uint32
	// SourceID is the v9 source ID, the IPFIX observation domain or the v5
	// engine type and ID.
	SourceID uint32
}

// parseExportHeader checks that data carries a NetFlow v5, v9 or IPFIX export
// packet. v5 packets are decoded in full; v9 and IPFIX need exporter templates,
// so only their headers are checked here and templates are left to the
// enricher.
func parseExportHeader(data []byte) (exportHeader, error) {
	if len(data) < 2 {
		return exportHeader{}, errShortDatagram
	}
	h := exportHeader{Version: binary.BigEndian.Uint16(data)}

	switch h.Version {
	case versionNetFlowV5:
		var pkt netflowlegacy.PacketNetFlowV5
		if err := netflowlegacy.DecodeMessageVersion(bytes.NewBuffer(data), &pkt); err != nil {
			return h, fmt.Errorf("netflow v5 decode: %w", err)
		}
		// The decoder zero-fills records missing from a short datagram.
		if need := headerLenNetFlowV5 + recordLenNetFlowV5*int(pkt.Count); len(data) < need {
			return h, fmt.Errorf("%w: netflow v5 with %d records needs %d bytes, got %d",
				errShortDatagram, pkt.Count, need, len(data))
		}
		h.Count = int(pkt.Count)
		h.Sequence = pkt.FlowSequence
		h.SourceID = uint32(pkt.EngineType)<<8 | uint32(pkt.EngineId)
	case versionNetFlowV9:
		if len(data) < headerLenNetFlowV9 {
			return h, errShortDatagram
		}
		h.Count = int(binary.BigEndian.Uint16(data[2:4]))
		h.Sequence = binary.BigEndian.Uint32(data[12:16])
		h.SourceID = binary.BigEndian.Uint32(data[16:20])
	case versionIPFIX:
		if len(data) < headerLenIPFIX {
			return h, errShortDatagram
		}
		if n := int(binary.BigEndian.Uint16(data[2:4])); n != len(data) {
			return h, fmt.Errorf("ipfix message length %d does not match datagram size %d", n, len(data))
		}
		h.Count = -1
		h.Sequence = binary.BigEndian.Uint32(data[8:12])
		h.SourceID = binary.BigEndian.Uint32(data[12:16])
	default:
		return h, fmt.Errorf("%w: %d", errUnsupportedVersion, h.Version)
	}
	return h, nil
}

func versionLabel(version uint16) string {
	switch version {
	case versionNetFlowV5:
		return "netflow_v5"
	case versionNetFlowV9:
		return "netflow_v9"
	case versionIPFIX:
		return "ipfix"
	default:
		return "unknown"
	}
}
