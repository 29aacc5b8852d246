package enricher

import (
	"context"
	"fmt"
	"io"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"
)

const defaultPcapBatchSize = 1024

// PcapFlowConsumer replays the UDP datagrams of a capture file as payloads,
// in capture order. It returns io.EOF once the capture is exhausted.
type PcapFlowConsumer struct {
	path      string
	batchSize int

	handle  *pcap.Handle
	packets chan gopacket.Packet
}

type PcapOption func(*PcapFlowConsumer)

// WithPcapBatchSize caps the number of payloads returned per call.
func WithPcapBatchSize(n int) PcapOption {
	return func(p *PcapFlowConsumer) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func NewPcapFlowConsumer(path string, opts ...PcapOption) *PcapFlowConsumer {
	p := &PcapFlowConsumer{path: path, batchSize: defaultPcapBatchSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ConsumePayloads opens the capture on first use. The exporter address of a
// payload is the datagram's network source and its receive time the capture
// timestamp. Non-UDP frames and empty datagrams are skipped.
func (p *PcapFlowConsumer) ConsumePayloads(ctx context.Context) ([]Payload, error) {
	if p.packets == nil {
		handle, err := pcap.OpenOffline(p.path)
		if err != nil {
			return nil, fmt.Errorf("failed to open pcap %s: %w", p.path, err)
		}
		p.handle = handle
		p.packets = gopacket.NewPacketSource(handle, handle.LinkType()).Packets()
	}

	var batch []Payload
	for len(batch) < p.batchSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case pkt, ok := <-p.packets:
			if !ok {
				if len(batch) == 0 {
					return nil, io.EOF
				}
				return batch, nil
			}
			if payload, ok := datagram(pkt); ok {
				batch = append(batch, payload)
			}
		}
	}
	return batch, nil
}

func datagram(pkt gopacket.Packet) (Payload, bool) {
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || len(udp.Payload) == 0 {
		return Payload{}, false
	}
	var exporter string
	if nl := pkt.NetworkLayer(); nl != nil {
		exporter = nl.NetworkFlow().Src().String()
	}
	return Payload{
		Data:            udp.Payload,
		ExporterAddress: exporter,
		TimeReceived:    pkt.Metadata().Timestamp,
	}, true
}

// CommitOffsets is a no-op; a capture is always replayed from the start.
func (p *PcapFlowConsumer) CommitOffsets(context.Context) error {
	return nil
}

func (p *PcapFlowConsumer) Close() error {
	if p.handle != nil {
		p.handle.Close()
	}
	return nil
}
