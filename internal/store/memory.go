package store

import (
	"context"
	"sync"
	"time"

	"github.com/i474232898/crag-weather/internal/weather"
)

// DocumentHistory holds the documents written for one area, oldest first.
type DocumentHistory struct {
	Documents []weather.CombinedAreaWeather
}

// MemoryStore is a concurrency-safe in-memory implementation of weather.DocumentStore.
type MemoryStore struct {
	mu sync.RWMutex

	// key: area name, value: history
	data map[string]*DocumentHistory

	// archived area snapshots, one entry per InsertAreas call
	snapshots [][]weather.Area

	// retention configuration
	maxHistory int           // max number of documents per area
	maxAge     time.Duration // optional max age by FetchedAt
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]*DocumentHistory),
		maxHistory: maxHistory,
		maxAge:     maxAge,
	}
}

var _ weather.DocumentStore = (*MemoryStore)(nil)

// InsertOne appends a document for its area and enforces retention.
func (s *MemoryStore) InsertOne(ctx context.Context, doc weather.CombinedAreaWeather) error {
	if err := ctx.Err(); err != nil {
		return &weather.PersistError{Op: "insert-one", Err: err}
	}
	key := doc.Area.Name

	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.data[key]
	if !ok {
		history = &DocumentHistory{}
		s.data[key] = history
	}

	history.Documents = append(history.Documents, doc)

	// Enforce retention by count.
	if s.maxHistory > 0 && len(history.Documents) > s.maxHistory {
		over := len(history.Documents) - s.maxHistory
		history.Documents = history.Documents[over:]
	}

	// Enforce retention by age; the newest document is always kept.
	if s.maxAge > 0 {
		cutoff := time.Now().Add(-s.maxAge)
		i := 0
		for ; i < len(history.Documents)-1; i++ {
			if !history.Documents[i].FetchedAt.Before(cutoff) {
				break
			}
		}
		history.Documents = history.Documents[i:]
	}
	return nil
}

// InsertAreas records one snapshot of the area list.
func (s *MemoryStore) InsertAreas(ctx context.Context, areas []weather.Area) error {
	if err := ctx.Err(); err != nil {
		return &weather.PersistError{Op: "insert-many", Err: err}
	}
	snapshot := make([]weather.Area, len(areas))
	copy(snapshot, areas)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

// Latest returns the most recent document for an area.
func (s *MemoryStore) Latest(ctx context.Context, areaName string) (weather.CombinedAreaWeather, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[areaName]
	if !ok || len(history.Documents) == 0 {
		return weather.CombinedAreaWeather{}, weather.ErrNoDocuments
	}
	return history.Documents[len(history.Documents)-1], nil
}

// Documents returns a copy of every document stored for an area.
func (s *MemoryStore) Documents(areaName string) []weather.CombinedAreaWeather {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[areaName]
	if !ok {
		return nil
	}
	out := make([]weather.CombinedAreaWeather, len(history.Documents))
	copy(out, history.Documents)
	return out
}

// Count returns the number of documents held across all areas.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, h := range s.data {
		n += len(h.Documents)
	}
	return n
}

// Snapshots returns the archived area snapshots, oldest first.
func (s *MemoryStore) Snapshots() [][]weather.Area {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([][]weather.Area, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}
