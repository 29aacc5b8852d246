package enricher

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

// Builders for export datagrams as a device would send them.

type v5Flow struct {
	src     string
	dst     string
	packets uint32
	bytes   uint32
	first   uint32
	last    uint32
	srcPort uint16
	dstPort uint16
}

type nfField struct {
	typ    uint16
	length uint16
	pen    uint32
}

type packetWriter struct {
	t *testing.T
	b bytes.Buffer
}

func (w *packetWriter) put(vs ...any) {
	w.t.Helper()
	for _, v := range vs {
		require.NoError(w.t, binary.Write(&w.b, binary.BigEndian, v))
	}
}

func ip4(t *testing.T, s string) []byte {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	require.NoError(t, err)
	b := addr.As4()
	return b[:]
}

func u16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
func u32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }
func u64(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }

func buildV5(t *testing.T, flows ...v5Flow) []byte {
	t.Helper()
	w := &packetWriter{t: t}
	// version, count, sys uptime, unix secs, unix nsecs, sequence, engine type, engine id, sampling
	w.put(uint16(5), uint16(len(flows)), uint32(60000), uint32(1760875200), uint32(0), uint32(1), uint8(0), uint8(0), uint16(0))
	for _, f := range flows {
		w.put(ip4(t, f.src), ip4(t, f.dst), ip4(t, "0.0.0.0"))
		w.put(uint16(1), uint16(2)) // input, output
		w.put(f.packets, f.bytes, f.first, f.last)
		w.put(f.srcPort, f.dstPort)
		w.put(uint8(0), uint8(0), uint8(17), uint8(0)) // pad, tcp flags, proto, tos
		w.put(uint16(0), uint16(0), uint8(24), uint8(24), uint16(0))
	}
	return w.b.Bytes()
}

// templateSet builds a v9 (set ID 0) or IPFIX (set ID 2) template set.
func templateSet(t *testing.T, setID, templateID uint16, fields []nfField) []byte {
	t.Helper()
	body := &packetWriter{t: t}
	body.put(templateID, uint16(len(fields)))
	for _, f := range fields {
		if f.pen != 0 {
			body.put(f.typ|0x8000, f.length, f.pen)
			continue
		}
		body.put(f.typ, f.length)
	}
	w := &packetWriter{t: t}
	w.put(setID, uint16(4+body.b.Len()))
	w.b.Write(body.b.Bytes())
	return w.b.Bytes()
}

func dataSet(t *testing.T, templateID uint16, records ...[]byte) []byte {
	t.Helper()
	var body []byte
	for _, r := range records {
		body = append(body, r...)
	}
	w := &packetWriter{t: t}
	w.put(templateID, uint16(4+len(body)))
	w.b.Write(body)
	return w.b.Bytes()
}

func record(values ...[]byte) []byte {
	return bytes.Join(values, nil)
}

func buildV9(t *testing.T, sets ...[]byte) []byte {
	t.Helper()
	w := &packetWriter{t: t}
	// version, count, sys uptime, unix secs, sequence, source id
	w.put(uint16(9), uint16(len(sets)), uint32(60000), uint32(1760875200), uint32(1), uint32(1))
	for _, s := range sets {
		w.b.Write(s)
	}
	return w.b.Bytes()
}

func buildIPFIX(t *testing.T, sets ...[]byte) []byte {
	t.Helper()
	var body []byte
	for _, s := range sets {
		body = append(body, s...)
	}
	w := &packetWriter{t: t}
	// version, length, export time, sequence, observation domain
	w.put(uint16(10), uint16(16+len(body)), uint32(1760875200), uint32(1), uint32(1))
	w.b.Write(body)
	return w.b.Bytes()
}

var v9BasicFields = []nfField{
	{typ: 8, length: 4},  // IPV4_SRC_ADDR
	{typ: 12, length: 4}, // IPV4_DST_ADDR
	{typ: 2, length: 4},  // IN_PKTS
	{typ: 1, length: 4},  // IN_BYTES
	{typ: 22, length: 4}, // FIRST_SWITCHED
	{typ: 21, length: 4}, // LAST_SWITCHED
}

func v9BasicRecord(t *testing.T, src, dst string, packets, bytes, first, last uint32) []byte {
	return record(ip4(t, src), ip4(t, dst), u32(packets), u32(bytes), u32(first), u32(last))
}
