package enricher

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/netsampler/goflow2/v2/decoders/netflow"
	"github.com/netsampler/goflow2/v2/decoders/netflowlegacy"
)

var (
	ErrShortPayload       = errors.New("payload too short for a flow export header")
	ErrUnsupportedVersion = errors.New("unsupported flow export version")
	ErrTruncatedRecords   = errors.New("export packet shorter than its record count")
)

const (
	v5HeaderLen = 24
	v5RecordLen = 48
)

// exportPacket is one decoded packet: exactly one of v5Packet, v9Packet or
// ipfixPacket.
type exportPacket interface {
	version() Version
}

type v5Packet struct{ *netflowlegacy.PacketNetFlowV5 }
type v9Packet struct{ *netflow.NFv9Packet }
type ipfixPacket struct{ *netflow.IPFIXPacket }

func (v5Packet) version() Version    { return VersionNetFlowV5 }
func (v9Packet) version() Version    { return VersionNetFlowV9 }
func (ipfixPacket) version() Version { return VersionIPFIX }

// PeekVersion returns the version field of an export packet header.
func PeekVersion(data []byte) (Version, error) {
	if len(data) < 2 {
		return 0, ErrShortPayload
	}
	return Version(binary.BigEndian.Uint16(data[:2])), nil
}

// Decoder turns raw payloads into typed packets. Templates announced by v9 and
// IPFIX exporters are kept per exporter address, so two exporters reusing a
// template ID never see each other's layouts.
type Decoder struct {
	mu        sync.Mutex
	templates map[string]netflow.NetFlowTemplateSystem
}

func NewDecoder() *Decoder {
	return &Decoder{templates: make(map[string]netflow.NetFlowTemplateSystem)}
}

func (d *Decoder) templateSystem(exporter string) netflow.NetFlowTemplateSystem {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts, ok := d.templates[exporter]
	if !ok {
		ts = netflow.CreateTemplateSystem()
		d.templates[exporter] = ts
	}
	return ts
}

// Exporters returns the number of exporters with a template cache.
func (d *Decoder) Exporters() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.templates)
}

func (d *Decoder) Decode(p Payload) (exportPacket, error) {
	version, err := PeekVersion(p.Data)
	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(p.Data)
	switch version {
	case VersionNetFlowV5:
		var pkt netflowlegacy.PacketNetFlowV5
		if err := netflowlegacy.DecodeMessageVersion(buf, &pkt); err != nil {
			return nil, fmt.Errorf("error decoding netflow v5: %w", err)
		}
		// The v5 decoder zero-fills records missing from a short datagram.
		if need := v5HeaderLen + v5RecordLen*int(pkt.Count); len(p.Data) < need {
			return nil, fmt.Errorf("%w: netflow v5 with %d records needs %d bytes, got %d",
				ErrTruncatedRecords, pkt.Count, need, len(p.Data))
		}
		return v5Packet{&pkt}, nil
	case VersionNetFlowV9, VersionIPFIX:
		var (
			v9  netflow.NFv9Packet
			ipx netflow.IPFIXPacket
		)
		if err := netflow.DecodeMessageVersion(buf, d.templateSystem(p.ExporterAddress), &v9, &ipx); err != nil {
			return nil, fmt.Errorf("error decoding %s: %w", version, err)
		}
		if version == VersionNetFlowV9 {
			return v9Packet{&v9}, nil
		}
		return ipfixPacket{&ipx}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, uint16(version))
	}
}
