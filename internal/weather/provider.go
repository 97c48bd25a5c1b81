package weather

import (
	"context"
)

// Provider abstracts a weather data source queried by coordinate. It returns
// the raw payload; decoding is Normalize's job.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, lat, lng float64) ([]byte, error)
}

// AreaSource returns the full set of areas in a single call. Failures are
// reported as *FetchError.
type AreaSource interface {
	FetchAllAreas(ctx context.Context) ([]Area, error)
}

// AreaCache maps area names to their coordinates. Failures are reported as
// *CacheError; a missing key on Get is ErrAreaNotFound.
type AreaCache interface {
	Keys(ctx context.Context) ([]string, error)
	Get(ctx context.Context, name string) (Area, error)
	Put(ctx context.Context, area Area) error
	Delete(ctx context.Context, name string) error
	// ClearAll deletes every key and returns how many were removed.
	ClearAll(ctx context.Context) (int, error)
}

// DocumentStore is the contract the MongoDB store (and the in-memory store) must satisfy.
// Write failures are reported as *PersistError.
type DocumentStore interface {
	InsertOne(ctx context.Context, doc CombinedAreaWeather) error
	InsertAreas(ctx context.Context, areas []Area) error
	Latest(ctx context.Context, areaName string) (CombinedAreaWeather, error)
}
