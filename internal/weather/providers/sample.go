package providers

import (
	"context"
	_ "embed"
)

//go:embed sample/forecast.json
var sampleForecast []byte

// SampleProvider returns the same recorded forecast payload for every coordinate.
// It stands in for a real provider in development and tests.
type SampleProvider struct {
	payload []byte
}

// NewSampleProvider creates a SampleProvider serving the embedded payload.
func NewSampleProvider() *SampleProvider {
	return &SampleProvider{payload: sampleForecast}
}

func (p *SampleProvider) Name() string {
	return "sample"
}

func (p *SampleProvider) Fetch(ctx context.Context, lat, lng float64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]byte, len(p.payload))
	copy(out, p.payload)
	return out, nil
}
