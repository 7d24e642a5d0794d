package weather

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/i474232898/transit-weather-relay/internal/civiltime"
)

var relevantKeys = []string{"ta", "hr", "vv", "prec", "fint"}

// Normalize extracts a best-effort Snapshot from one AEMET reading.
// It never fails: missing, null or unusable fields are simply left out.
func Normalize(r Reading) *Snapshot {
	s := &Snapshot{}
	if !hasRelevantKeys(r) {
		return s
	}

	s.Temperature = number(r["ta"])
	s.Humidity = number(r["hr"])
	s.WindSpeed = windSpeed(r["vv"])
	extractPrecipitation(s, r["prec"])
	extractObservedAt(s, r["fint"])
	return s
}

// Latest returns the most recent reading of a station series, which the
// provider appends last.
func Latest(readings []Reading) (Reading, bool) {
	if len(readings) == 0 {
		return nil, false
	}
	return readings[len(readings)-1], true
}

func hasRelevantKeys(r Reading) bool {
	for _, k := range relevantKeys {
		if _, ok := r[k]; ok {
			return true
		}
	}
	return false
}

// windSpeed accepts either a bare number or a {"vv": number} group; the
// nested value wins.
func windSpeed(v any) *float64 {
	if group, ok := v.(map[string]any); ok {
		return number(group["vv"])
	}
	return number(v)
}

func extractPrecipitation(s *Snapshot, raw any) {
	if raw == nil {
		return
	}
	if n := number(raw); n != nil && !isString(raw) {
		raining := *n > 0
		s.Precipitation = *n
		s.IsRaining = &raining
		return
	}
	s.Precipitation = raw
}

func extractObservedAt(s *Snapshot, raw any) {
	switch v := raw.(type) {
	case nil:
		return
	case string:
		if v == "" {
			return
		}
		if t, ok := civiltime.Parse(v); ok {
			s.ObservedAt = civiltime.Format(t)
			return
		}
		s.ObservedAt = v
	default:
		s.ObservedAt = fmt.Sprint(v)
	}
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

// number converts JSON numeric values (and numeric strings) to *float64.
func number(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}
