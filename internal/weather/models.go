package weather

import (
	"time"
)

// Area is a named climbing area with coordinates. The name is its only identity.
type Area struct {
	Name      string  `json:"name" bson:"name" validate:"required"`
	Latitude  float64 `json:"latitude" bson:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" bson:"longitude" validate:"gte=-180,lte=180"`
}

// NormalizedWeatherRecord is the provider-independent view of a weather payload.
type NormalizedWeatherRecord struct {
	Location     Location      `json:"location" bson:"location"`
	Current      Current       `json:"current" bson:"current"`
	ForecastDays []ForecastDay `json:"forecastDays" bson:"forecast_days"`
}

// Location describes the place the provider resolved the coordinates to.
type Location struct {
	Name       string  `json:"name" bson:"name"`
	Region     string  `json:"region" bson:"region"`
	Country    string  `json:"country" bson:"country"`
	Latitude   float64 `json:"latitude" bson:"latitude"`
	Longitude  float64 `json:"longitude" bson:"longitude"`
	TimezoneID string  `json:"timezoneId" bson:"timezone_id"`

	// LocalTime is the wall clock time at the location. It carries no zone
	// information of its own; TimezoneID names the zone.
	LocalTime time.Time `json:"localTime" bson:"local_time"`

	// LocalTimeEpoch is 0 when the provider did not send it.
	LocalTimeEpoch int64 `json:"localTimeEpoch,omitempty" bson:"local_time_epoch,omitempty"`
}

// Current holds the observed conditions at fetch time.
type Current struct {
	TemperatureC    float64    `json:"temperatureC" bson:"temperature_c"`
	TemperatureF    float64    `json:"temperatureF" bson:"temperature_f"`
	ConditionText   string     `json:"conditionText" bson:"condition_text"`
	WindSpeedKph    float64    `json:"windSpeedKph" bson:"wind_speed_kph"`
	PrecipitationMm float64    `json:"precipitationMm" bson:"precipitation_mm"`
	HumidityPct     float64    `json:"humidityPct" bson:"humidity_pct"`
	CloudPct        float64    `json:"cloudPct" bson:"cloud_pct"`
	UVIndex         float64    `json:"uvIndex" bson:"uv_index"`
	AirQuality      AirQuality `json:"airQuality" bson:"air_quality"`
}

// ForecastDay is one day of forecast. Days keep the provider's order.
type ForecastDay struct {
	Date          time.Time          `json:"date" bson:"date"`
	DateEpoch     int64              `json:"dateEpoch,omitempty" bson:"date_epoch,omitempty"`
	MaxTempC      float64            `json:"maxTempC" bson:"max_temp_c"`
	MinTempC      float64            `json:"minTempC" bson:"min_temp_c"`
	AvgTempC      float64            `json:"avgTempC" bson:"avg_temp_c"`
	TotalPrecipMm float64            `json:"totalPrecipMm" bson:"total_precip_mm"`
	RainChancePct float64            `json:"rainChancePct" bson:"rain_chance_pct"`
	ConditionText string             `json:"conditionText" bson:"condition_text"`
	AirQuality    AirQuality         `json:"airQuality" bson:"air_quality"`
	MoonUp        bool               `json:"moonUp" bson:"moon_up"`
	SunUp         bool               `json:"sunUp" bson:"sun_up"`
	Hourly        []HourlyAirQuality `json:"hourly" bson:"hourly"`
}

// HourlyAirQuality is one hourly entry of a forecast day.
// Time and ConditionText are nil when the provider left them out.
type HourlyAirQuality struct {
	Time          *time.Time `json:"time,omitempty" bson:"time,omitempty"`
	ConditionText *string    `json:"conditionText,omitempty" bson:"condition_text,omitempty"`
	AirQuality    AirQuality `json:"airQuality" bson:"air_quality"`
}

// AirQuality holds pollutant concentrations and the two index scales.
type AirQuality struct {
	CO           float64 `json:"co" bson:"co"`
	NO2          float64 `json:"no2" bson:"no2"`
	O3           float64 `json:"o3" bson:"o3"`
	SO2          float64 `json:"so2" bson:"so2"`
	PM25         float64 `json:"pm2_5" bson:"pm2_5"`
	PM10         float64 `json:"pm10" bson:"pm10"`
	USEPAIndex   int     `json:"usEpaIndex" bson:"us_epa_index"`
	GBDefraIndex int     `json:"gbDefraIndex" bson:"gb_defra_index"`
}

// CombinedAreaWeather is the unit written to the document store, one per area per run.
type CombinedAreaWeather struct {
	RunID     string                  `json:"runId" bson:"run_id"`
	FetchedAt time.Time               `json:"fetchedAt" bson:"fetched_at"` // always UTC
	Area      Area                    `json:"area" bson:"area"`
	Weather   NormalizedWeatherRecord `json:"weather" bson:"weather"`
}
