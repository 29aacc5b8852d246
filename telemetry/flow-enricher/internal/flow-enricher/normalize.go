package enricher

import (
	"encoding/binary"
	"fmt"

	"github.com/malbeclabs/netflow-enricher/telemetry/flow-enricher/internal/rangeindex"
	"github.com/netsampler/goflow2/v2/decoders/netflow"
	"github.com/netsampler/goflow2/v2/decoders/netflowlegacy"
)

// FieldError reports a recognized field whose value could not be used. The
// field takes its default and the record is still emitted.
type FieldError struct {
	Version Version
	Field   string
	Length  int
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: unusable %s field of %d bytes", e.Version, e.Field, e.Length)
}

// normalized is a record straight out of a packet, before annotation.
type normalized struct {
	record    FlowRecord
	anomalies []error
}

// normalizePacket extracts every flow record of pkt in packet order.
func normalizePacket(pkt exportPacket) []normalized {
	switch p := pkt.(type) {
	case v5Packet:
		out := make([]normalized, 0, len(p.Records))
		for _, r := range p.Records {
			out = append(out, normalized{record: normalizeV5(r)})
		}
		return out
	case v9Packet:
		return normalizeFlowSets(VersionNetFlowV9, p.FlowSets, v9Layout)
	case ipfixPacket:
		return normalizeFlowSets(VersionIPFIX, p.FlowSets, ipfixLayout)
	}
	return nil
}

// newRecord returns a record whose enrichment fields hold the Unknown
// sentinels until an annotator resolves them.
func newRecord(version Version) FlowRecord {
	return FlowRecord{
		Version:    version,
		SrcCountry: rangeindex.Unknown,
		DstCountry: rangeindex.Unknown,
		SrcAS:      rangeindex.UnknownAS,
		DstAS:      rangeindex.UnknownAS,
	}
}

func normalizeV5(r netflowlegacy.RecordsNetFlowV5) FlowRecord {
	rec := newRecord(VersionNetFlowV5)
	rec.SrcAddr = rangeindex.FormatIPv4(uint32(r.SrcAddr))
	rec.DstAddr = rangeindex.FormatIPv4(uint32(r.DstAddr))
	rec.Packets = uint64(r.DPkts)
	rec.Bytes = uint64(r.DOctets)
	rec.FirstSwitched = uint64(r.First)
	rec.LastSwitched = uint64(r.Last)
	return rec
}

// fieldLayout names the template field types carrying each canonical value.
// first[i] and last[i] form one time family, listed by preference. Both
// timestamps of a record always come from the same family.
type fieldLayout struct {
	srcAddr uint16
	dstAddr uint16
	packets uint16
	bytes   uint16
	first   []uint16
	last    []uint16
}

var v9Layout = fieldLayout{
	srcAddr: netflow.NFV9_FIELD_IPV4_SRC_ADDR,
	dstAddr: netflow.NFV9_FIELD_IPV4_DST_ADDR,
	packets: netflow.NFV9_FIELD_IN_PKTS,
	bytes:   netflow.NFV9_FIELD_IN_BYTES,
	first:   []uint16{netflow.NFV9_FIELD_FIRST_SWITCHED},
	last:    []uint16{netflow.NFV9_FIELD_LAST_SWITCHED},
}

var ipfixLayout = fieldLayout{
	srcAddr: netflow.IPFIX_FIELD_sourceIPv4Address,
	dstAddr: netflow.IPFIX_FIELD_destinationIPv4Address,
	packets: netflow.IPFIX_FIELD_packetDeltaCount,
	bytes:   netflow.IPFIX_FIELD_octetDeltaCount,
	first: []uint16{
		netflow.IPFIX_FIELD_flowStartSeconds,
		netflow.IPFIX_FIELD_flowStartMilliseconds,
		netflow.IPFIX_FIELD_flowStartSysUpTime,
	},
	last: []uint16{
		netflow.IPFIX_FIELD_flowEndSeconds,
		netflow.IPFIX_FIELD_flowEndMilliseconds,
		netflow.IPFIX_FIELD_flowEndSysUpTime,
	},
}

func normalizeFlowSets(version Version, flowSets []any, layout fieldLayout) []normalized {
	var out []normalized
	for _, fs := range flowSets {
		data, ok := fs.(netflow.DataFlowSet)
		if !ok {
			// Template and options sets carry no flows.
			continue
		}
		for _, rec := range data.Records {
			out = append(out, normalizeFields(version, rec.Values, layout))
		}
	}
	return out
}

// normalizeFields scans the fields of one data record once. Absent fields keep
// their zero value: empty addresses and zero counters.
func normalizeFields(version Version, fields []netflow.DataField, layout fieldLayout) normalized {
	n := normalized{record: newRecord(version)}
	firsts := make([][]byte, len(layout.first))
	lasts := make([][]byte, len(layout.last))

	for _, f := range fields {
		if f.PenProvided {
			continue
		}
		v, ok := f.Value.([]byte)
		if !ok {
			continue
		}

		switch f.Type {
		case layout.srcAddr:
			n.record.SrcAddr = n.address(version, "source address", v)
		case layout.dstAddr:
			n.record.DstAddr = n.address(version, "destination address", v)
		case layout.packets:
			n.record.Packets = n.counter(version, "packets", v)
		case layout.bytes:
			n.record.Bytes = n.counter(version, "bytes", v)
		}
		if i := indexOf(layout.first, f.Type); i >= 0 && firsts[i] == nil {
			firsts[i] = v
		}
		if i := indexOf(layout.last, f.Type); i >= 0 && lasts[i] == nil {
			lasts[i] = v
		}
	}

	if i := timeFamily(firsts, lasts); i >= 0 {
		if firsts[i] != nil {
			n.record.FirstSwitched = n.counter(version, "first switched", firsts[i])
		}
		if lasts[i] != nil {
			n.record.LastSwitched = n.counter(version, "last switched", lasts[i])
		}
	}
	return n
}

// timeFamily picks the preferred family carrying both timestamps, else the
// preferred family carrying either. It returns -1 when none is present.
func timeFamily(firsts, lasts [][]byte) int {
	for i := range firsts {
		if firsts[i] != nil && lasts[i] != nil {
			return i
		}
	}
	for i := range firsts {
		if firsts[i] != nil || lasts[i] != nil {
			return i
		}
	}
	return -1
}

func (n *normalized) address(version Version, field string, v []byte) string {
	if len(v) != 4 {
		n.anomalies = append(n.anomalies, &FieldError{Version: version, Field: field, Length: len(v)})
		return ""
	}
	return rangeindex.FormatIPv4(binary.BigEndian.Uint32(v))
}

func (n *normalized) counter(version Version, field string, v []byte) uint64 {
	if len(v) == 0 || len(v) > 8 {
		n.anomalies = append(n.anomalies, &FieldError{Version: version, Field: field, Length: len(v)})
		return 0
	}
	return decodeUNumber(v)
}

// decodeUNumber reads a big endian unsigned integer of 1 to 8 bytes.
func decodeUNumber(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(b))
	case 4:
		return uint64(binary.BigEndian.Uint32(b))
	case 8:
		return binary.BigEndian.Uint64(b)
	}
	var o uint64
	for _, c := range b {
		o = o<<8 | uint64(c)
	}
	return o
}

func indexOf(types []uint16, t uint16) int {
	for i, v := range types {
		if v == t {
			return i
		}
	}
	return -1
}
