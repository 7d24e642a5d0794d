package transit

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RawArrival is one arrival entry exactly as the transit provider returned it,
// plus the origin_stop tag added by the client.
type RawArrival map[string]any

// OriginStopKey tags each raw entry with the stop id it was queried for.
const OriginStopKey = "origin_stop"

// FromRaw maps the provider field names onto an ArrivalBuilder and builds.
//
//	line -> line, stop -> stop, eta -> eta, bus -> vehicle_id,
//	destination -> destination, geometry.coordinates -> coords,
//	weather -> weather, DistanceBus -> distance,
//	estimateArrive -> estimate_arrive, extra -> extra, sent_at -> sent_at
//
// A zero DistanceBus or estimateArrive is treated as absent, which is what
// existing payload consumers expect.
func FromRaw(item RawArrival) (Arrival, error) {
	return fromRaw(NewArrivalBuilder(), item)
}

func fromRaw(b *ArrivalBuilder, item RawArrival) (Arrival, error) {
	if v, ok := present(item, "line"); ok {
		b.Line(stringValue(v))
	}
	if v, ok := present(item, "stop"); ok {
		b.Stop(stringValue(v))
	}
	if s, ok := item["eta"].(string); ok {
		b.ETAString(s)
	}
	if v, ok := present(item, "bus"); ok {
		b.VehicleID(stringValue(v))
	}
	if v, ok := present(item, "destination"); ok {
		b.Destination(stringValue(v))
	}
	if geometry, ok := item["geometry"].(map[string]any); ok {
		if v, ok := present(geometry, "coordinates"); ok {
			b.Coords(v)
		}
	}
	if v, ok := present(item, "weather"); ok {
		b.Weather(v)
	}
	if v := item["DistanceBus"]; truthy(v) {
		n, err := toInt(v)
		if err != nil {
			return Arrival{}, &ValidationError{Fields: []string{"distance"}, Reason: "not an integer", Err: err}
		}
		b.Distance(n)
	}
	if extra, ok := item["extra"].(map[string]any); ok {
		b.Extra(extra)
	}
	if v := item["estimateArrive"]; truthy(v) {
		n, err := toInt(v)
		if err != nil {
			return Arrival{}, &ValidationError{Fields: []string{"estimate_arrive"}, Reason: "not an integer", Err: err}
		}
		b.EstimateArrive(n)
	}
	if s, ok := item["sent_at"].(string); ok {
		b.SentAtString(s)
	}
	return b.Build()
}

// BuildAll builds every item, returning the valid records in input order
// and one error per rejected item (indexed by position).
func BuildAll(items []RawArrival) ([]Arrival, map[int]error) {
	records := make([]Arrival, 0, len(items))
	var failed map[int]error
	for i, item := range items {
		a, err := FromRaw(item)
		if err != nil {
			if failed == nil {
				failed = make(map[int]error)
			}
			failed[i] = err
			continue
		}
		records = append(records, a)
	}
	return records, failed
}

func present(m map[string]any, key string) (any, bool) {
	v, ok := m[key]
	return v, ok && v != nil
}

// truthy mirrors the provider's "empty means not provided" convention.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}

func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func toFloat(v any) (float64, bool) {
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
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toInt(v any) (int, error) {
	if s, ok := v.(string); ok {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, err
		}
		return n, nil
	}
	if b, ok := v.(bool); ok {
		if b {
			return 1, nil
		}
		return 0, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	return int(f), nil
}
