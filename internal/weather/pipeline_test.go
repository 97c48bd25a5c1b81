package weather_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/i474232898/crag-weather/internal/cache"
	"github.com/i474232898/crag-weather/internal/resilience"
	"github.com/i474232898/crag-weather/internal/store"
	"github.com/i474232898/crag-weather/internal/weather"
	"github.com/i474232898/crag-weather/internal/weather/providers"
)

var halfDome = weather.Area{Name: "Half Dome", Latitude: 37.7459, Longitude: -119.5332}

type stubSource struct {
	areas []weather.Area
	err   error
	delay time.Duration
}

func (s *stubSource) FetchAllAreas(ctx context.Context) ([]weather.Area, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.areas, nil
}

// stubProvider serves one payload for every coordinate except those listed in fail.
type stubProvider struct {
	payload []byte
	fail    map[float64]error
	onFetch func()

	mu    sync.Mutex
	calls int
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Fetch(ctx context.Context, lat, lng float64) ([]byte, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.onFetch != nil {
		p.onFetch()
	}
	if err, ok := p.fail[lat]; ok {
		return nil, err
	}
	return p.payload, nil
}

// failingArchive rejects area snapshots and stores everything else in memory.
type failingArchive struct {
	*store.MemoryStore
}

func (failingArchive) InsertAreas(context.Context, []weather.Area) error {
	return &weather.PersistError{Op: "insert-many", Err: errors.New("archive offline")}
}

type fixture struct {
	mr       *miniredis.Miniredis
	cache    *cache.AreaCache
	store    *store.MemoryStore
	provider *stubProvider
	source   *stubSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	payload, err := os.ReadFile("testdata/forecast.json")
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	return &fixture{
		mr:       mr,
		cache:    cache.New(cache.NewRedisKV(client), time.Second, zap.NewNop()),
		store:    store.NewMemoryStore(0, 0),
		provider: &stubProvider{payload: payload},
		source:   &stubSource{},
	}
}

func (f *fixture) pipeline(cfg weather.PipelineConfig) *weather.Pipeline {
	return f.pipelineWithStore(f.store, cfg)
}

func (f *fixture) pipelineWithStore(docs weather.DocumentStore, cfg weather.PipelineConfig) *weather.Pipeline {
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = time.Second
	}
	enricher := weather.NewEnricher(f.provider, weather.EnricherConfig{Timeout: time.Second})
	return weather.NewPipeline(f.source, f.cache, docs, enricher, cfg, zap.NewNop())
}

func (f *fixture) seed(t *testing.T, areas ...weather.Area) {
	t.Helper()
	for _, a := range areas {
		require.NoError(t, f.cache.Put(context.Background(), a))
	}
}

func (f *fixture) keys(t *testing.T) []string {
	t.Helper()
	keys, err := f.cache.Keys(context.Background())
	require.NoError(t, err)
	sort.Strings(keys)
	return keys
}

func TestRefreshThenEnrichHalfDome(t *testing.T) {
	f := newFixture(t)
	f.source.areas = []weather.Area{halfDome}
	p := f.pipeline(weather.PipelineConfig{})
	ctx := context.Background()

	result, err := p.RefreshAreas(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Fetched)
	assert.Equal(t, 1, result.Cached)
	assert.Equal(t, []string{"Half Dome"}, f.keys(t))

	summary, err := p.EnrichAndPersist(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, 1, summary.Succeeded)
	assert.False(t, summary.Degraded())
	assert.NotEmpty(t, summary.RunID)

	require.Equal(t, 1, f.store.Count())
	doc, err := p.LatestForArea(ctx, "Half Dome")
	require.NoError(t, err)
	assert.Equal(t, "Half Dome", doc.Area.Name)
	assert.Equal(t, halfDome, doc.Area)
	assert.Equal(t, summary.RunID, doc.RunID)
	assert.Equal(t, time.UTC, doc.FetchedAt.Location())
	assert.Equal(t, "Edina", doc.Weather.Location.Name)
}

func TestRefreshFetchFailureLeavesCacheUnchanged(t *testing.T) {
	f := newFixture(t)
	f.seed(t, weather.Area{Name: "Smith Rock", Latitude: 44.36, Longitude: -121.14})
	before := f.keys(t)
	beforeValue, err := f.mr.Get("Smith Rock")
	require.NoError(t, err)

	f.source.areas = []weather.Area{halfDome}
	f.source.delay = time.Second
	p := f.pipeline(weather.PipelineConfig{SourceTimeout: 20 * time.Millisecond})

	_, err = p.RefreshAreas(context.Background())
	require.Error(t, err)
	var fetchErr *weather.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, before, f.keys(t))
	afterValue, err := f.mr.Get("Smith Rock")
	require.NoError(t, err)
	assert.Equal(t, beforeValue, afterValue)
}

func TestRefreshKeepsSourceFetchError(t *testing.T) {
	f := newFixture(t)
	f.source.err = &weather.FetchError{Source: "openbeta", Err: errors.New("status 503")}
	p := f.pipeline(weather.PipelineConfig{})

	_, err := p.RefreshAreas(context.Background())
	var fetchErr *weather.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, "openbeta", fetchErr.Source)
	assert.Empty(t, f.keys(t))
}

func TestRefreshStopsOnCacheWriteFailure(t *testing.T) {
	f := newFixture(t)
	f.source.areas = []weather.Area{halfDome}
	p := f.pipeline(weather.PipelineConfig{})
	f.mr.Close()

	result, err := p.RefreshAreas(context.Background())
	var cacheErr *weather.CacheError
	require.True(t, errors.As(err, &cacheErr))
	assert.Equal(t, "set", cacheErr.Op)
	assert.Equal(t, 1, result.Fetched)
	assert.Zero(t, result.Cached)
}

func TestRefreshArchivesAreaSnapshot(t *testing.T) {
	f := newFixture(t)
	elCap := weather.Area{Name: "El Capitan", Latitude: 37.734, Longitude: -119.6377}
	f.source.areas = []weather.Area{halfDome, elCap}
	p := f.pipeline(weather.PipelineConfig{ArchiveAreas: true})

	result, err := p.RefreshAreas(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Archived)

	snapshots := f.store.Snapshots()
	require.Len(t, snapshots, 1)
	assert.Equal(t, []weather.Area{halfDome, elCap}, snapshots[0])
}

func TestRefreshArchiveFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.source.areas = []weather.Area{halfDome}
	p := f.pipelineWithStore(failingArchive{f.store}, weather.PipelineConfig{ArchiveAreas: true})

	result, err := p.RefreshAreas(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Archived)
	assert.Contains(t, result.ArchiveError, "archive offline")
	assert.Equal(t, []string{"Half Dome"}, f.keys(t))
}

func TestEnrichOneSuccessOneFailure(t *testing.T) {
	f := newFixture(t)
	bad := weather.Area{Name: "Indian Creek", Latitude: 38.03, Longitude: -109.54}
	f.seed(t, halfDome, bad)
	f.provider.fail = map[float64]error{bad.Latitude: errors.New("status 500")}
	p := f.pipeline(weather.PipelineConfig{})

	summary, err := p.EnrichAndPersist(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.True(t, summary.Degraded())

	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "Indian Creek", summary.Failures[0].Area)
	assert.Equal(t, weather.StageWeather, summary.Failures[0].Stage)

	assert.Equal(t, 1, f.store.Count())
	assert.Len(t, f.store.Documents("Half Dome"), 1)
	assert.Empty(t, f.store.Documents("Indian Creek"))
}

func TestEnrichAllAreasFailed(t *testing.T) {
	f := newFixture(t)
	f.seed(t, halfDome)
	f.provider.payload = []byte(`{"location": {}}`)
	p := f.pipeline(weather.PipelineConfig{})

	summary, err := p.EnrichAndPersist(context.Background())
	assert.ErrorIs(t, err, weather.ErrAllAreasFailed)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, weather.StageDecode, summary.Failures[0].Stage)
	assert.Zero(t, f.store.Count())
}

func TestEnrichEmptyCache(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(weather.PipelineConfig{})

	summary, err := p.EnrichAndPersist(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Attempted)
	assert.False(t, summary.Degraded())
	assert.Zero(t, f.provider.calls)
}

func TestEnrichCancelledMidRunSkipsRemainingAreas(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		halfDome,
		weather.Area{Name: "El Capitan", Latitude: 37.734, Longitude: -119.6377},
		weather.Area{Name: "Sentinel Rock", Latitude: 37.7243, Longitude: -119.5897},
		weather.Area{Name: "Cathedral Peak", Latitude: 37.8479, Longitude: -119.4055},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.provider.onFetch = cancel
	p := f.pipeline(weather.PipelineConfig{Workers: 1})

	summary, err := p.EnrichAndPersist(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, summary.Skipped, 1)
	assert.Equal(t, 4, summary.Attempted+summary.Skipped)
	assert.True(t, summary.Degraded())
	assert.Zero(t, summary.Succeeded)
	assert.Zero(t, f.store.Count(), "no partial documents are written")
}

func TestEnrichPersistFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.seed(t, halfDome)
	p := f.pipelineWithStore(rejectingStore{}, weather.PipelineConfig{})

	summary, err := p.EnrichAndPersist(context.Background())
	assert.ErrorIs(t, err, weather.ErrAllAreasFailed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, weather.StagePersist, summary.Failures[0].Stage)
}

type rejectingStore struct{}

func (rejectingStore) InsertOne(context.Context, weather.CombinedAreaWeather) error {
	return errors.New("write concern failed")
}

func (rejectingStore) InsertAreas(context.Context, []weather.Area) error { return nil }

func (rejectingStore) Latest(context.Context, string) (weather.CombinedAreaWeather, error) {
	return weather.CombinedAreaWeather{}, weather.ErrNoDocuments
}

func TestRunOnceEnrichesPreviousCacheWhenRefreshFails(t *testing.T) {
	f := newFixture(t)
	f.seed(t, halfDome)
	f.source.err = errors.New("connection refused")
	p := f.pipeline(weather.PipelineConfig{})

	_, summary, err := p.RunOnce(context.Background())
	var fetchErr *weather.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, f.store.Count())
}

func TestClearAndListAreas(t *testing.T) {
	f := newFixture(t)
	f.seed(t, halfDome)
	p := f.pipeline(weather.PipelineConfig{})
	ctx := context.Background()

	areas, err := p.CachedAreas(ctx)
	require.NoError(t, err)
	assert.Equal(t, []weather.Area{halfDome}, areas)

	deleted, err := p.ClearAreas(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Empty(t, f.keys(t))

	deleted, err = p.ClearAreas(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestWeatherWrapsProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.fail = map[float64]error{1: errors.New("status 429")}
	p := f.pipeline(weather.PipelineConfig{})

	rec, err := p.Weather(context.Background(), 40.13, -92.14)
	require.NoError(t, err)
	assert.Equal(t, "Edina", rec.Location.Name)

	_, err = p.Weather(context.Background(), 1, 1)
	var fetchErr *weather.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, "stub", fetchErr.Source)
}

func TestLatestForUnknownArea(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(weather.PipelineConfig{})

	_, err := p.LatestForArea(context.Background(), "Nowhere")
	assert.ErrorIs(t, err, weather.ErrNoDocuments)
}

// TestEnrichRejectedCoordinatesDoNotBlockHealthyAreas runs the real WeatherAPI
// provider against a server that answers 400 for some coordinates. Those
// rejections must stay local to their areas.
func TestEnrichRejectedCoordinatesDoNotBlockHealthyAreas(t *testing.T) {
	f := newFixture(t)

	rejected := make(map[string]bool)
	var areas []weather.Area
	for i := 0; i < 6; i++ {
		a := weather.Area{Name: fmt.Sprintf("Unknown %d", i), Latitude: float64(10 + i), Longitude: 1}
		rejected[fmt.Sprintf("%f", a.Latitude)] = true
		areas = append(areas, a)
	}
	for i := 0; i < 4; i++ {
		areas = append(areas, weather.Area{Name: fmt.Sprintf("Crag %d", i), Latitude: float64(40 + i), Longitude: -110})
	}
	f.seed(t, areas...)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lat, _, _ := strings.Cut(r.URL.Query().Get("q"), ",")
		if rejected[lat] {
			http.Error(w, `{"error":{"code":1006,"message":"No matching location found."}}`, http.StatusBadRequest)
			return
		}
		_, _ = w.Write(f.provider.payload)
	}))
	defer srv.Close()

	provider := providers.NewWeatherAPIProvider(srv.Client(), providers.WeatherAPIConfig{APIKey: "k", BaseURL: srv.URL})
	enricher := weather.NewEnricher(provider, weather.EnricherConfig{Timeout: time.Second})
	p := weather.NewPipeline(f.source, f.cache, f.store, enricher,
		weather.PipelineConfig{Workers: 1, CallTimeout: time.Second}, zap.NewNop())

	summary, err := p.EnrichAndPersist(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Attempted)
	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 6, summary.Failed)
	for _, failure := range summary.Failures {
		assert.True(t, strings.HasPrefix(failure.Area, "Unknown"), failure.Area)
		assert.Contains(t, failure.Error, resilience.ErrUnexpected.Error())
		assert.NotContains(t, failure.Error, resilience.ErrCircuitOpen.Error())
	}
	assert.Equal(t, 4, f.store.Count())
}
