// Package flow encodes the FlowSample envelope described in flow.proto. The
// ingest service wraps every received datagram in one envelope before
// producing it to Kafka; the enricher unwraps it on consume.
package flow

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	fieldReceiveTimestamp protowire.Number = 1
	fieldFlowPayload      protowire.Number = 2
	fieldExporterAddress  protowire.Number = 3
)

var ErrMalformed = errors.New("malformed flow sample")

type FlowSample struct {
	ReceiveTimestamp time.Time
	FlowPayload      []byte
	ExporterAddress  string
}

// Marshal encodes the sample in protobuf wire format.
func (s *FlowSample) Marshal() ([]byte, error) {
	var b []byte
	if !s.ReceiveTimestamp.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(s.ReceiveTimestamp))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal receive timestamp: %w", err)
		}
		b = protowire.AppendTag(b, fieldReceiveTimestamp, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}
	if len(s.FlowPayload) > 0 {
		b = protowire.AppendTag(b, fieldFlowPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, s.FlowPayload)
	}
	if s.ExporterAddress != "" {
		b = protowire.AppendTag(b, fieldExporterAddress, protowire.BytesType)
		b = protowire.AppendString(b, s.ExporterAddress)
	}
	return b, nil
}

// Unmarshal decodes b into s. Unknown fields are skipped.
func (s *FlowSample) Unmarshal(b []byte) error {
	*s = FlowSample{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType || num < fieldReceiveTimestamp || num > fieldExporterAddress {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldReceiveTimestamp:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return fmt.Errorf("%w: receive timestamp: %v", ErrMalformed, err)
			}
			s.ReceiveTimestamp = ts.AsTime()
		case fieldFlowPayload:
			s.FlowPayload = append([]byte(nil), v...)
		case fieldExporterAddress:
			s.ExporterAddress = string(v)
		}
	}
	return nil
}
