package weather

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// EnricherConfig bounds calls to the weather provider.
type EnricherConfig struct {
	// RatePerSecond <= 0 disables rate limiting.
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
}

// Enricher attaches provider weather to areas.
type Enricher struct {
	provider Provider
	limiter  *rate.Limiter
	timeout  time.Duration
	now      func() time.Time
}

// NewEnricher creates a new Enricher.
func NewEnricher(provider Provider, cfg EnricherConfig) *Enricher {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &Enricher{
		provider: provider,
		limiter:  limiter,
		timeout:  cfg.Timeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Fetch queries the provider for one coordinate and normalizes the payload.
// Provider failures come back as *FetchError, payload problems as *DecodeError.
func (e *Enricher) Fetch(ctx context.Context, lat, lng float64) (NormalizedWeatherRecord, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return NormalizedWeatherRecord{}, &FetchError{Source: e.provider.Name(), Err: err}
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	raw, err := e.provider.Fetch(callCtx, lat, lng)
	if err != nil {
		return NormalizedWeatherRecord{}, &FetchError{Source: e.provider.Name(), Err: err}
	}
	return Normalize(raw)
}

// Enrich builds the CombinedAreaWeather document for one area.
func (e *Enricher) Enrich(ctx context.Context, area Area, runID string) (CombinedAreaWeather, error) {
	rec, err := e.Fetch(ctx, area.Latitude, area.Longitude)
	if err != nil {
		return CombinedAreaWeather{}, err
	}
	return CombinedAreaWeather{
		RunID:     runID,
		FetchedAt: e.now(),
		Area:      area,
		Weather:   rec,
	}, nil
}

// failureStage classifies an enrichment error for the run summary.
func failureStage(err error) Stage {
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return StageDecode
	}
	return StageWeather
}
