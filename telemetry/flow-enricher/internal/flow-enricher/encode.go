package enricher

import (
	"encoding/json"
	"time"
)

const measurementNetflow = "netflow"

// Encoder serializes an enriched record for the sinks.
type Encoder interface {
	Encode(*FlowRecord) ([]byte, error)
}

type flowTags struct {
	SrcIP      string    `json:"src_ip"`
	DstIP      string    `json:"dst_ip"`
	SrcCountry string    `json:"src_country"`
	DstCountry string    `json:"dst_country"`
	SrcASN     string    `json:"src_asn"`
	SrcASName  string    `json:"src_as_name"`
	DstASN     string    `json:"dst_asn"`
	DstASName  string    `json:"dst_as_name"`
	Type       Direction `json:"type"`
}

type flowFields struct {
	Packets       uint64 `json:"packets"`
	Bytes         uint64 `json:"bytes"`
	FirstSwitched uint64 `json:"first_switched"`
	LastSwitched  uint64 `json:"last_switched"`
}

type flowDocument struct {
	Measurement string     `json:"measurement"`
	Tags        flowTags   `json:"tags"`
	Fields      flowFields `json:"fields"`
	Time        time.Time  `json:"time"`
}

// JSONEncoder writes one {measurement, tags, fields, time} document per
// record. time is the record's enrichment time in UTC.
type JSONEncoder struct{}

func (JSONEncoder) Encode(r *FlowRecord) ([]byte, error) {
	return json.Marshal(newFlowDocument(r))
}

func newFlowDocument(r *FlowRecord) flowDocument {
	return flowDocument{
		Measurement: measurementNetflow,
		Tags: flowTags{
			SrcIP:      r.SrcAddr,
			DstIP:      r.DstAddr,
			SrcCountry: r.SrcCountry,
			DstCountry: r.DstCountry,
			SrcASN:     r.SrcAS.Number,
			SrcASName:  r.SrcAS.Name,
			DstASN:     r.DstAS.Number,
			DstASName:  r.DstAS.Name,
			Type:       r.Direction,
		},
		Fields: flowFields{
			Packets:       r.Packets,
			Bytes:         r.Bytes,
			FirstSwitched: r.FirstSwitched,
			LastSwitched:  r.LastSwitched,
		},
		Time: r.TimeEnriched.UTC(),
	}
}
