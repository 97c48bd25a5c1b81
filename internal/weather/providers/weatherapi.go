package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/crag-weather/internal/resilience"
)

// maxPayloadBytes bounds a single forecast response.
const maxPayloadBytes = 8 << 20

// WeatherAPIProvider implements the weather.Provider interface for WeatherAPI.com.
type WeatherAPIProvider struct {
	name    string
	apiKey  string
	baseURL string
	days    int
	httpCfg resilience.Config
	circuit *gobreaker.CircuitBreaker
}

// WeatherAPIConfig configures a WeatherAPIProvider.
type WeatherAPIConfig struct {
	APIKey  string
	BaseURL string
	Days    int
	Backoff resilience.BackoffConfig
}

func NewWeatherAPIProvider(client *http.Client, cfg WeatherAPIConfig) *WeatherAPIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.weatherapi.com/v1/forecast.json"
	}
	days := cfg.Days
	if days <= 0 {
		days = 3
	}

	return &WeatherAPIProvider{
		name:    "weatherapi",
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		days:    days,
		httpCfg: resilience.Config{
			Client:  client,
			Backoff: cfg.Backoff,
		},
		circuit: resilience.NewBreaker("weatherapi"),
	}
}

func (p *WeatherAPIProvider) Name() string {
	return p.name
}

// Fetch requests current conditions, the forecast and air quality for one coordinate
// and returns the response body untouched.
func (p *WeatherAPIProvider) Fetch(ctx context.Context, lat, lng float64) ([]byte, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("weatherapi api key is not configured")
	}

	buildRequest := func(ctx context.Context) (*http.Request, error) {
		values := url.Values{}
		values.Set("key", p.apiKey)
		values.Set("q", fmt.Sprintf("%f,%f", lat, lng))
		values.Set("days", strconv.Itoa(p.days))
		values.Set("aqi", "yes")
		values.Set("alerts", "no")

		u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}

	started := time.Now()
	resp, err := resilience.Do(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("read weatherapi response after %s: %w", time.Since(started), err)
	}
	return body, nil
}
