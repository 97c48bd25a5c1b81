package weather

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stage names the step at which an area failed.
type Stage string

const (
	StageCache   Stage = "cache"
	StageWeather Stage = "weather"
	StageDecode  Stage = "decode"
	StagePersist Stage = "persist"
)

// AreaFailure records why one area did not produce a document.
type AreaFailure struct {
	Area  string `json:"area"`
	Stage Stage  `json:"stage"`
	Error string `json:"error"`
}

// RunSummary reports the outcome of one EnrichAndPersist call.
type RunSummary struct {
	RunID      string        `json:"runId"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Attempted  int           `json:"attempted"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"` // not scheduled because the run was cancelled
	Failures   []AreaFailure `json:"failures,omitempty"`
}

// Degraded reports whether any area failed or was skipped.
func (s RunSummary) Degraded() bool {
	return s.Failed > 0 || s.Skipped > 0
}

// RefreshResult reports the outcome of one RefreshAreas call.
type RefreshResult struct {
	Fetched      int    `json:"fetched"`
	Cached       int    `json:"cached"`
	Archived     bool   `json:"archived"`
	ArchiveError string `json:"archiveError,omitempty"`
}

// PipelineConfig holds the pipeline's tunables.
type PipelineConfig struct {
	// Workers bounds concurrent per-area enrichment.
	Workers int
	// CallTimeout applies to each single cache or store call.
	CallTimeout time.Duration
	// SourceTimeout applies to the bulk area fetch.
	SourceTimeout time.Duration
	// ArchiveAreas writes every fetched area snapshot to the document store.
	ArchiveAreas bool
}

// Pipeline orchestrates area refresh, enrichment and persistence.
type Pipeline struct {
	source   AreaSource
	cache    AreaCache
	store    DocumentStore
	enricher *Enricher
	cfg      PipelineConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewPipeline creates a new Pipeline.
func NewPipeline(
	source AreaSource,
	cache AreaCache,
	store DocumentStore,
	enricher *Enricher,
	cfg PipelineConfig,
	logger *zap.Logger,
) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		source:   source,
		cache:    cache,
		store:    store,
		enricher: enricher,
		cfg:      cfg,
		logger:   logger.Named("pipeline"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RefreshAreas fetches every area from the source and upserts each into the cache.
//
// A fetch failure leaves the cache untouched. Areas that vanished upstream are
// not purged; use ClearAreas for that. A cache write failure stops the refresh
// and may leave the cache partially updated.
func (p *Pipeline) RefreshAreas(ctx context.Context) (RefreshResult, error) {
	var result RefreshResult

	fetchCtx, cancel := p.withTimeout(ctx, p.cfg.SourceTimeout)
	areas, err := p.source.FetchAllAreas(fetchCtx)
	cancel()
	if err != nil {
		var fetchErr *FetchError
		if !errors.As(err, &fetchErr) {
			err = &FetchError{Source: "areas", Err: err}
		}
		p.logger.Error("area refresh aborted; cache left unchanged", zap.Error(err))
		return result, err
	}
	result.Fetched = len(areas)

	for _, area := range areas {
		putCtx, cancel := p.withTimeout(ctx, p.cfg.CallTimeout)
		err := p.cache.Put(putCtx, area)
		cancel()
		if err != nil {
			p.logger.Error("area refresh stopped on cache write",
				zap.String("area", area.Name),
				zap.Int("cached", result.Cached),
				zap.Error(err))
			return result, err
		}
		result.Cached++
	}

	if p.cfg.ArchiveAreas && len(areas) > 0 {
		archiveCtx, cancel := p.withTimeout(ctx, p.cfg.CallTimeout)
		err := p.store.InsertAreas(archiveCtx, areas)
		cancel()
		if err != nil {
			result.ArchiveError = err.Error()
			p.logger.Warn("area snapshot not archived", zap.Error(err))
		} else {
			result.Archived = true
		}
	}

	p.logger.Info("areas refreshed",
		zap.Int("fetched", result.Fetched),
		zap.Int("cached", result.Cached),
		zap.Bool("archived", result.Archived))
	return result, nil
}

type areaOutcome struct {
	name    string
	failure *AreaFailure
}

// EnrichAndPersist enriches every cached area and writes one document per area.
//
// Areas are independent: a failure is recorded in the summary and the batch
// continues. The returned error is non-nil only when the cache keys cannot be
// read, when every attempted area failed, or when ctx was cancelled. In the
// last case no further areas are scheduled and the rest are counted as skipped.
func (p *Pipeline) EnrichAndPersist(ctx context.Context) (RunSummary, error) {
	summary := RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: p.now(),
	}
	logger := p.logger.With(zap.String("run_id", summary.RunID))

	keysCtx, cancel := p.withTimeout(ctx, p.cfg.CallTimeout)
	names, err := p.cache.Keys(keysCtx)
	cancel()
	if err != nil {
		summary.FinishedAt = p.now()
		logger.Error("cannot enumerate cached areas", zap.Error(err))
		return summary, err
	}

	jobs := make(chan string)
	outcomes := make(chan areaOutcome)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				outcomes <- p.processArea(ctx, summary.RunID, name)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, name := range names {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case jobs <- name:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for o := range outcomes {
		summary.Attempted++
		if o.failure != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures, *o.failure)
			logger.Warn("area enrichment failed",
				zap.String("area", o.name),
				zap.String("stage", string(o.failure.Stage)),
				zap.String("error", o.failure.Error))
			continue
		}
		summary.Succeeded++
	}
	summary.Skipped = len(names) - summary.Attempted
	summary.FinishedAt = p.now()

	logger.Info("enrichment run finished",
		zap.Int("areas", len(names)),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("took", summary.FinishedAt.Sub(summary.StartedAt)))

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("enrichment run cancelled: %w", err)
	}
	if summary.Attempted > 0 && summary.Succeeded == 0 {
		return summary, ErrAllAreasFailed
	}
	return summary, nil
}

// processArea resolves, enriches and persists one area. Normalization always
// completes before the single InsertOne, so an area is written whole or not at all.
func (p *Pipeline) processArea(ctx context.Context, runID, name string) areaOutcome {
	fail := func(stage Stage, err error) areaOutcome {
		return areaOutcome{name: name, failure: &AreaFailure{Area: name, Stage: stage, Error: err.Error()}}
	}

	getCtx, cancel := p.withTimeout(ctx, p.cfg.CallTimeout)
	area, err := p.cache.Get(getCtx, name)
	cancel()
	if err != nil {
		return fail(StageCache, err)
	}

	doc, err := p.enricher.Enrich(ctx, area, runID)
	if err != nil {
		return fail(failureStage(err), err)
	}

	insertCtx, cancel := p.withTimeout(ctx, p.cfg.CallTimeout)
	err = p.store.InsertOne(insertCtx, doc)
	cancel()
	if err != nil {
		var persistErr *PersistError
		if !errors.As(err, &persistErr) {
			err = &PersistError{Op: "insert-one", Err: err}
		}
		return fail(StagePersist, err)
	}
	return areaOutcome{name: name}
}

// RunOnce refreshes the cache and then enriches it. A refresh failure leaves
// the previous cache in place and enrichment still runs over it; the refresh
// error is joined into the returned error.
func (p *Pipeline) RunOnce(ctx context.Context) (RefreshResult, RunSummary, error) {
	refresh, refreshErr := p.RefreshAreas(ctx)
	if refreshErr != nil && ctx.Err() != nil {
		return refresh, RunSummary{}, refreshErr
	}
	summary, runErr := p.EnrichAndPersist(ctx)
	return refresh, summary, errors.Join(refreshErr, runErr)
}

// ClearAreas deletes every cached area. See AreaCache.ClearAll for the
// atomicity caveat.
func (p *Pipeline) ClearAreas(ctx context.Context) (int, error) {
	deleted, err := p.cache.ClearAll(ctx)
	if err != nil {
		p.logger.Error("clearing area cache failed", zap.Int("deleted", deleted), zap.Error(err))
		return deleted, err
	}
	p.logger.Info("area cache cleared", zap.Int("deleted", deleted))
	return deleted, nil
}

// CachedAreas lists every cached area. Keys that vanish between enumeration
// and lookup are skipped.
func (p *Pipeline) CachedAreas(ctx context.Context) ([]Area, error) {
	keysCtx, cancel := p.withTimeout(ctx, p.cfg.CallTimeout)
	names, err := p.cache.Keys(keysCtx)
	cancel()
	if err != nil {
		return nil, err
	}

	areas := make([]Area, 0, len(names))
	for _, name := range names {
		getCtx, cancel := p.withTimeout(ctx, p.cfg.CallTimeout)
		area, err := p.cache.Get(getCtx, name)
		cancel()
		if errors.Is(err, ErrAreaNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		areas = append(areas, area)
	}
	return areas, nil
}

// Weather fetches and normalizes weather for one coordinate without persisting it.
func (p *Pipeline) Weather(ctx context.Context, lat, lng float64) (NormalizedWeatherRecord, error) {
	return p.enricher.Fetch(ctx, lat, lng)
}

// LatestForArea returns the newest stored document for an area.
func (p *Pipeline) LatestForArea(ctx context.Context, name string) (CombinedAreaWeather, error) {
	getCtx, cancel := p.withTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	return p.store.Latest(getCtx, name)
}

func (p *Pipeline) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
