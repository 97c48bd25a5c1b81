// Package store persists enriched area weather documents.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/i474232898/crag-weather/internal/weather"
)

const (
	WeatherCollection = "area_weather"
	AreasCollection   = "areas"
)

// MongoStore implements weather.DocumentStore on MongoDB. A *mongo.Client is
// safe for concurrent use, so one store is shared by every pipeline worker.
type MongoStore struct {
	weather *mongo.Collection
	areas   *mongo.Collection
	logger  *zap.Logger
	now     func() time.Time
}

// archivedArea is one row of an area snapshot.
type archivedArea struct {
	weather.Area `bson:",inline"`
	ArchivedAt   time.Time `bson:"archived_at"`
}

// NewMongoStore uses the weather and areas collections of db.
func NewMongoStore(db *mongo.Database, logger *zap.Logger) *MongoStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoStore{
		weather: db.Collection(WeatherCollection),
		areas:   db.Collection(AreasCollection),
		logger:  logger.Named("mongo-store"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Connect dials MongoDB, pings it and returns a store over database.
// The returned client must be disconnected by the caller.
func Connect(ctx context.Context, uri, database string, logger *zap.Logger) (*MongoStore, *mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongo ping failed: %w", err)
	}
	return NewMongoStore(client.Database(database), logger), client, nil
}

var _ weather.DocumentStore = (*MongoStore)(nil)

// InsertOne writes one area's document. A single insert is atomic, so an area
// is either fully stored or absent.
func (s *MongoStore) InsertOne(ctx context.Context, doc weather.CombinedAreaWeather) error {
	if _, err := s.weather.InsertOne(ctx, doc); err != nil {
		return &weather.PersistError{Op: "insert-one", Err: err}
	}
	return nil
}

// InsertAreas archives one snapshot of the area list with insert-many.
func (s *MongoStore) InsertAreas(ctx context.Context, areas []weather.Area) error {
	if len(areas) == 0 {
		return nil
	}
	archivedAt := s.now()
	docs := make([]interface{}, 0, len(areas))
	for _, a := range areas {
		docs = append(docs, archivedArea{Area: a, ArchivedAt: archivedAt})
	}

	res, err := s.areas.InsertMany(ctx, docs)
	if err != nil {
		return &weather.PersistError{Op: "insert-many", Err: err}
	}
	s.logger.Debug("area snapshot archived", zap.Int("inserted", len(res.InsertedIDs)))
	return nil
}

// Latest returns the newest document for an area by fetch time.
func (s *MongoStore) Latest(ctx context.Context, areaName string) (weather.CombinedAreaWeather, error) {
	var doc weather.CombinedAreaWeather
	err := s.weather.FindOne(
		ctx,
		bson.D{{Key: "area.name", Value: areaName}},
		options.FindOne().SetSort(bson.D{{Key: "fetched_at", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return weather.CombinedAreaWeather{}, weather.ErrNoDocuments
	}
	if err != nil {
		return weather.CombinedAreaWeather{}, fmt.Errorf("find latest for %q: %w", areaName, err)
	}
	return doc, nil
}
