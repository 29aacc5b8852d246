package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestTelemetry_Proto_FlowSample_RoundTrip(t *testing.T) {
	t.Parallel()

	in := &FlowSample{
		ReceiveTimestamp: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		FlowPayload:      []byte{0x00, 0x05, 0x00, 0x01},
		ExporterAddress:  "192.0.2.10",
	}
	b, err := in.Marshal()
	require.NoError(t, err)

	var out FlowSample
	require.NoError(t, out.Unmarshal(b))
	require.Equal(t, in.ReceiveTimestamp, out.ReceiveTimestamp)
	require.Equal(t, in.FlowPayload, out.FlowPayload)
	require.Equal(t, in.ExporterAddress, out.ExporterAddress)
}

func TestTelemetry_Proto_FlowSample_SkipsUnknownFields(t *testing.T) {
	t.Parallel()

	var b []byte
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)
	b = protowire.AppendTag(b, fieldFlowPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("payload"))

	var out FlowSample
	require.NoError(t, out.Unmarshal(b))
	require.Equal(t, []byte("payload"), out.FlowPayload)
	require.True(t, out.ReceiveTimestamp.IsZero())
}

func TestTelemetry_Proto_FlowSample_Malformed(t *testing.T) {
	t.Parallel()

	b := protowire.AppendTag(nil, fieldFlowPayload, protowire.BytesType)
	b = append(b, 0x10) // declares 16 bytes, none follow

	var out FlowSample
	require.ErrorIs(t, out.Unmarshal(b), ErrMalformed)
}
