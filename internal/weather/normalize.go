package weather

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Provider timestamp layouts. Each field role has exactly one layout.
const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = "2006-01-02 15:04"
)

// Normalize decodes a raw provider payload into a NormalizedWeatherRecord.
//
// Decoding is staged: the payload is first split into loose JSON objects,
// required and optional fields are then pulled out one by one, and the strict
// record is only returned when every required field decoded. The first
// problem found is returned as a *DecodeError naming the field path.
//
// Normalize performs no I/O.
func Normalize(raw []byte) (NormalizedWeatherRecord, error) {
	root, err := parseObject("payload", raw)
	if err != nil {
		return NormalizedWeatherRecord{}, err
	}

	d := &decoder{}
	rec := NormalizedWeatherRecord{}

	if loc, ok := d.object(root, "", "location", true); ok {
		rec.Location = d.location(loc, "location")
	}
	if cur, ok := d.object(root, "", "current", true); ok {
		rec.Current = d.current(cur, "current")
	}
	if fc, ok := d.object(root, "", "forecast", true); ok {
		items, _ := d.array(fc, "forecast", "forecastday", true)
		rec.ForecastDays = make([]ForecastDay, 0, len(items))
		for i, item := range items {
			path := fmt.Sprintf("forecast.forecastday[%d]", i)
			obj, err := parseObject(path, item)
			if err != nil {
				d.setErr(err)
				break
			}
			rec.ForecastDays = append(rec.ForecastDays, d.forecastDay(obj, path))
		}
	}

	if d.err != nil {
		return NormalizedWeatherRecord{}, d.err
	}
	return rec, nil
}

type object map[string]json.RawMessage

// decoder keeps the first error; later lookups become no-ops returning zero values.
type decoder struct {
	err error
}

func (d *decoder) setErr(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) fail(field, reason string, err error) {
	d.setErr(&DecodeError{Field: field, Reason: reason, Err: err})
}

func (d *decoder) location(obj object, path string) Location {
	return Location{
		Name:           d.str(obj, path, "name", true),
		Region:         d.str(obj, path, "region", false),
		Country:        d.str(obj, path, "country", false),
		Latitude:       d.number(obj, path, "lat", true),
		Longitude:      d.number(obj, path, "lon", true),
		TimezoneID:     d.str(obj, path, "tz_id", true),
		LocalTime:      d.timestamp(obj, path, "localtime", DateTimeLayout),
		LocalTimeEpoch: int64(d.integer(obj, path, "localtime_epoch", false)),
	}
}

func (d *decoder) current(obj object, path string) Current {
	cur := Current{
		TemperatureC:    d.number(obj, path, "temp_c", true),
		TemperatureF:    d.number(obj, path, "temp_f", true),
		WindSpeedKph:    d.number(obj, path, "wind_kph", false),
		PrecipitationMm: d.number(obj, path, "precip_mm", false),
		HumidityPct:     d.number(obj, path, "humidity", false),
		CloudPct:        d.number(obj, path, "cloud", false),
		UVIndex:         d.number(obj, path, "uv", false),
	}
	if text := d.condition(obj, path); text != nil {
		cur.ConditionText = *text
	}
	if aq, ok := d.object(obj, path, "air_quality", true); ok {
		cur.AirQuality = d.airQuality(aq, join(path, "air_quality"))
	}
	return cur
}

func (d *decoder) forecastDay(obj object, path string) ForecastDay {
	fd := ForecastDay{
		Date:      d.timestamp(obj, path, "date", DateLayout),
		DateEpoch: int64(d.integer(obj, path, "date_epoch", false)),
	}

	if day, ok := d.object(obj, path, "day", true); ok {
		dayPath := join(path, "day")
		fd.MaxTempC = d.number(day, dayPath, "maxtemp_c", true)
		fd.MinTempC = d.number(day, dayPath, "mintemp_c", true)
		fd.AvgTempC = d.number(day, dayPath, "avgtemp_c", true)
		fd.TotalPrecipMm = d.number(day, dayPath, "totalprecip_mm", false)
		fd.RainChancePct = d.number(day, dayPath, "daily_chance_of_rain", false)
		if text := d.condition(day, dayPath); text != nil {
			fd.ConditionText = *text
		}
		if aq, ok := d.object(day, dayPath, "air_quality", true); ok {
			fd.AirQuality = d.airQuality(aq, join(dayPath, "air_quality"))
		}
	}

	if astro, ok := d.object(obj, path, "astro", true); ok {
		astroPath := join(path, "astro")
		fd.MoonUp = d.flag(astro, astroPath, "is_moon_up")
		fd.SunUp = d.flag(astro, astroPath, "is_sun_up")
	}

	hours, _ := d.array(obj, path, "hour", true)
	fd.Hourly = make([]HourlyAirQuality, 0, len(hours))
	for i, raw := range hours {
		hourPath := fmt.Sprintf("%s.hour[%d]", path, i)
		hour, err := parseObject(hourPath, raw)
		if err != nil {
			d.setErr(err)
			break
		}
		h := HourlyAirQuality{ConditionText: d.condition(hour, hourPath)}
		if _, ok := present(hour, "time"); ok {
			ts := d.timestamp(hour, hourPath, "time", DateTimeLayout)
			h.Time = &ts
		}
		if aq, ok := d.object(hour, hourPath, "air_quality", true); ok {
			h.AirQuality = d.airQuality(aq, join(hourPath, "air_quality"))
		}
		fd.Hourly = append(fd.Hourly, h)
	}

	return fd
}

func (d *decoder) airQuality(obj object, path string) AirQuality {
	return AirQuality{
		CO:           d.number(obj, path, "co", true),
		NO2:          d.number(obj, path, "no2", true),
		O3:           d.number(obj, path, "o3", true),
		SO2:          d.number(obj, path, "so2", true),
		PM25:         d.number(obj, path, "pm2_5", true),
		PM10:         d.number(obj, path, "pm10", true),
		USEPAIndex:   d.aliasedIndex(obj, path, "us_epa_index", "us-epa-index"),
		GBDefraIndex: d.aliasedIndex(obj, path, "gb_defra_index", "gb-defra-index"),
	}
}

// condition returns the condition text, or nil when the sub-object is absent,
// empty, or carries no text. Absence is never an error.
func (d *decoder) condition(obj object, path string) *string {
	cond, ok := d.object(obj, path, "condition", false)
	if !ok || len(cond) == 0 {
		return nil
	}
	if _, ok := present(cond, "text"); !ok {
		return nil
	}
	text := d.str(cond, join(path, "condition"), "text", false)
	return &text
}

// aliasedIndex reads an integer index published under either its canonical
// or its hyphenated name. Exactly one of the two must be present.
func (d *decoder) aliasedIndex(obj object, path, canonical, alias string) int {
	_, hasCanonical := present(obj, canonical)
	_, hasAlias := present(obj, alias)
	switch {
	case hasCanonical && hasAlias:
		d.fail(join(path, canonical), fmt.Sprintf("both %q and %q present", canonical, alias), nil)
		return 0
	case hasAlias:
		return d.integer(obj, path, alias, true)
	case hasCanonical:
		return d.integer(obj, path, canonical, true)
	default:
		d.fail(join(path, canonical), fmt.Sprintf("missing required field (or alias %q)", alias), nil)
		return 0
	}
}

// flag decodes the provider's 0/1 astro encoding, where 0 means up (true)
// and 1 means not up (false). Any other value is rejected.
// NOTE: the polarity looks inverted relative to the field names; it is kept
// until the provider contract confirms otherwise.
func (d *decoder) flag(obj object, path, key string) bool {
	if d.err != nil {
		return false
	}
	v := d.integer(obj, path, key, true)
	if d.err != nil {
		return false
	}
	switch v {
	case 0:
		return true
	case 1:
		return false
	default:
		d.fail(join(path, key), fmt.Sprintf("boolean encoding must be 0 or 1, got %d", v), nil)
		return false
	}
}

func (d *decoder) timestamp(obj object, path, key, layout string) time.Time {
	s := d.str(obj, path, key, true)
	if d.err != nil {
		return time.Time{}
	}
	ts, err := time.Parse(layout, s)
	if err != nil {
		d.fail(join(path, key), fmt.Sprintf("expected layout %q", layout), err)
		return time.Time{}
	}
	return ts
}

func (d *decoder) str(obj object, path, key string, required bool) string {
	raw, ok := d.lookup(obj, path, key, required)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		d.fail(join(path, key), "expected string", err)
		return ""
	}
	return s
}

// number accepts both integer and floating point JSON numbers.
func (d *decoder) number(obj object, path, key string, required bool) float64 {
	raw, ok := d.lookup(obj, path, key, required)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		d.fail(join(path, key), "expected number", err)
		return 0
	}
	return f
}

// integer accepts integral JSON numbers, including ones written as 2.0.
func (d *decoder) integer(obj object, path, key string, required bool) int {
	f := d.number(obj, path, key, required)
	if d.err != nil {
		return 0
	}
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		d.fail(join(path, key), fmt.Sprintf("expected integer, got %v", f), nil)
		return 0
	}
	return int(f)
}

func (d *decoder) object(obj object, path, key string, required bool) (object, bool) {
	raw, ok := d.lookup(obj, path, key, required)
	if !ok {
		return nil, false
	}
	child, err := parseObject(join(path, key), raw)
	if err != nil {
		d.setErr(err)
		return nil, false
	}
	return child, true
}

func (d *decoder) array(obj object, path, key string, required bool) ([]json.RawMessage, bool) {
	raw, ok := d.lookup(obj, path, key, required)
	if !ok {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		d.fail(join(path, key), "expected array", err)
		return nil, false
	}
	return items, true
}

// lookup returns the raw value for key. Missing required keys record an error.
func (d *decoder) lookup(obj object, path, key string, required bool) (json.RawMessage, bool) {
	if d.err != nil {
		return nil, false
	}
	raw, ok := present(obj, key)
	if !ok && required {
		d.fail(join(path, key), "missing required field", nil)
	}
	return raw, ok
}

// present treats JSON null the same as an absent key.
func present(obj object, key string) (json.RawMessage, bool) {
	raw, ok := obj[key]
	if !ok {
		return nil, false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	return raw, true
}

func parseObject(field string, raw []byte) (object, error) {
	var obj object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &DecodeError{Field: field, Reason: "expected object", Err: err}
	}
	if obj == nil {
		return nil, &DecodeError{Field: field, Reason: "expected object, got null"}
	}
	return obj, nil
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
