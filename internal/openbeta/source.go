// Package openbeta fetches climbing areas from the OpenBeta GraphQL API.
package openbeta

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/crag-weather/internal/resilience"
	"github.com/i474232898/crag-weather/internal/weather"
)

const DefaultEndpoint = "https://api.openbeta.io"

const areasQuery = `query get_areas {
  areas {
    area_name
    metadata {
      lat
      lng
    }
  }
}`

var validate = validator.New()

// Config configures a Source.
type Config struct {
	Endpoint string
	Backoff  resilience.BackoffConfig
}

// Source implements weather.AreaSource with a single bulk GraphQL query.
type Source struct {
	endpoint string
	httpCfg  resilience.Config
	circuit  *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewSource creates a Source. The client's Timeout bounds each attempt.
func NewSource(client *http.Client, cfg Config, logger *zap.Logger) *Source {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		endpoint: endpoint,
		httpCfg: resilience.Config{
			Client:  client,
			Backoff: cfg.Backoff,
		},
		circuit: resilience.NewBreaker("openbeta"),
		logger:  logger.Named("openbeta"),
	}
}

var _ weather.AreaSource = (*Source)(nil)

type graphQLRequest struct {
	Query         string `json:"query"`
	OperationName string `json:"operationName,omitempty"`
}

type graphQLResponse struct {
	Data *struct {
		Areas []areaRecord `json:"areas"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type areaRecord struct {
	AreaName string `json:"area_name"`
	Metadata *struct {
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	} `json:"metadata"`
}

// FetchAllAreas issues the areas query once. Any transport failure, non-2xx
// status, GraphQL error or malformed record fails the whole fetch.
func (s *Source) FetchAllAreas(ctx context.Context) ([]weather.Area, error) {
	body, err := json.Marshal(graphQLRequest{Query: areasQuery, OperationName: "get_areas"})
	if err != nil {
		return nil, s.fetchErr(err)
	}

	buildRequest := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	resp, err := resilience.Do(ctx, s.httpCfg, s.circuit, buildRequest)
	if err != nil {
		return nil, s.fetchErr(err)
	}
	defer resp.Body.Close()

	var payload graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, s.fetchErr(fmt.Errorf("decode response: %w", err))
	}
	if len(payload.Errors) > 0 {
		msgs := make([]string, 0, len(payload.Errors))
		for _, e := range payload.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, s.fetchErr(fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; ")))
	}
	if payload.Data == nil {
		return nil, s.fetchErr(errors.New("response has no data"))
	}

	areas := make([]weather.Area, 0, len(payload.Data.Areas))
	for i, rec := range payload.Data.Areas {
		area, err := rec.toArea()
		if err != nil {
			return nil, s.fetchErr(fmt.Errorf("area %d (%q): %w", i, rec.AreaName, err))
		}
		areas = append(areas, area)
	}

	s.logger.Debug("areas fetched", zap.Int("count", len(areas)))
	return areas, nil
}

func (r areaRecord) toArea() (weather.Area, error) {
	if r.Metadata == nil || r.Metadata.Lat == nil || r.Metadata.Lng == nil {
		return weather.Area{}, errors.New("missing metadata coordinates")
	}
	area := weather.Area{
		Name:      r.AreaName,
		Latitude:  *r.Metadata.Lat,
		Longitude: *r.Metadata.Lng,
	}
	if err := validate.Struct(area); err != nil {
		return weather.Area{}, err
	}
	return area, nil
}

func (s *Source) fetchErr(err error) error {
	return &weather.FetchError{Source: "openbeta", Err: err}
}
