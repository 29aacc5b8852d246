package enricher

import (
	"context"
	"errors"
	"fmt"

	"github.com/malbeclabs/netflow-enricher/telemetry/flow-enricher/internal/rangeindex"
)

var ErrIndexNotLoaded = errors.New("range index has no published snapshot")

// Annotator defines the interface for flow enrichment annotators.
// Dependencies should be passed via the annotator's constructor.
type Annotator interface {
	// Init initializes the annotator. Called once before any Annotate calls.
	Init(context.Context) error
	Annotate(*FlowRecord) error
	String() string
}

// GeoAnnotator sets the country and AS of both endpoints. Both endpoints are
// resolved against the same snapshot even when a refresh publishes a new one
// mid-record.
type GeoAnnotator struct {
	index    *rangeindex.Index
	resolver *rangeindex.Resolver
}

func NewGeoAnnotator(index *rangeindex.Index, resolver *rangeindex.Resolver) *GeoAnnotator {
	if resolver == nil {
		resolver = rangeindex.NewResolver(rangeindex.WithCacheDisabled(true))
	}
	return &GeoAnnotator{index: index, resolver: resolver}
}

// Init fails until the index has a snapshot loaded from the datasets.
func (g *GeoAnnotator) Init(ctx context.Context) error {
	if g.index == nil || g.index.Load().Generation() == 0 {
		return ErrIndexNotLoaded
	}
	return nil
}

func (g *GeoAnnotator) Annotate(r *FlowRecord) error {
	snap := g.index.Load()
	src := g.resolver.Resolve(snap, r.SrcAddr)
	dst := g.resolver.Resolve(snap, r.DstAddr)
	r.SrcCountry, r.SrcAS = src.Country, src.AS
	r.DstCountry, r.DstAS = dst.Country, dst.AS
	return nil
}

func (g *GeoAnnotator) String() string {
	return "geo annotator"
}

// DirectionAnnotator classifies each record as incoming or outgoing.
type DirectionAnnotator struct {
	classifier *Classifier
}

func NewDirectionAnnotator(classifier *Classifier) *DirectionAnnotator {
	if classifier == nil {
		classifier = NewClassifier()
	}
	return &DirectionAnnotator{classifier: classifier}
}

func (d *DirectionAnnotator) Init(context.Context) error {
	return nil
}

func (d *DirectionAnnotator) Annotate(r *FlowRecord) error {
	dir, err := d.classifier.Classify(r.SrcAddr, r.DstAddr)
	r.Direction = dir
	if err != nil {
		return fmt.Errorf("error classifying %s -> %s: %w", r.SrcAddr, r.DstAddr, err)
	}
	return nil
}

func (d *DirectionAnnotator) String() string {
	return "direction annotator"
}
