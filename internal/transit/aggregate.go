package transit

import "github.com/i474232898/transit-weather-relay/internal/weather"

// EntryCoords is a per-stop position; either side is null when the provider
// sent no geometry.
type EntryCoords struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

// StopEntry is one arrival inside a Group, in the shape consumers read.
type StopEntry struct {
	Line           string            `json:"line"`
	Destination    *string           `json:"destination"`
	Stop           any               `json:"stop"`
	EstimateArrive any               `json:"estimateArrive"`
	VehicleID      any               `json:"vehicle_id"`
	Coords         EntryCoords       `json:"coords"`
	OriginStop     string            `json:"origin_stop,omitempty"`
	Weather        *weather.Snapshot `json:"weather"`
}

// Group buckets the arrivals sharing a (line, destination) pair.
type Group struct {
	Line        string      `json:"line"`
	Destination *string     `json:"destination"`
	Stops       []StopEntry `json:"stops"`
}

// GroupedPayload is the message body delivered to the queue.
type GroupedPayload []Group

type groupKey struct {
	line        string
	destination string
	hasDest     bool
}

// Aggregate groups arrivals by (line, destination) in first-seen order,
// keeping arrival order within each group. Every entry points at the same
// snap. Arrivals without a destination share a single null-destination group.
func Aggregate(arrivals []RawArrival, snap *weather.Snapshot) GroupedPayload {
	index := make(map[groupKey]int)
	payload := GroupedPayload{}

	for _, a := range arrivals {
		entry := newStopEntry(a, snap)
		key := groupKey{line: entry.Line}
		if entry.Destination != nil {
			key.destination = *entry.Destination
			key.hasDest = true
		}

		i, ok := index[key]
		if !ok {
			i = len(payload)
			index[key] = i
			payload = append(payload, Group{
				Line:        entry.Line,
				Destination: entry.Destination,
			})
		}
		payload[i].Stops = append(payload[i].Stops, entry)
	}
	return payload
}

func newStopEntry(a RawArrival, snap *weather.Snapshot) StopEntry {
	e := StopEntry{
		Stop:           a["stop"],
		EstimateArrive: a["estimateArrive"],
		VehicleID:      a["bus"],
		Weather:        snap,
	}
	if v, ok := present(a, "line"); ok {
		e.Line = stringValue(v)
	}
	if v, ok := present(a, "destination"); ok {
		d := stringValue(v)
		e.Destination = &d
	}
	if v, ok := a[OriginStopKey].(string); ok {
		e.OriginStop = v
	}
	if geometry, ok := a["geometry"].(map[string]any); ok {
		if pair, ok := geometry["coordinates"].([]any); ok && len(pair) >= 2 {
			if lon, ok := toFloat(pair[0]); ok {
				e.Coords.Lon = &lon
			}
			if lat, ok := toFloat(pair[1]); ok {
				e.Coords.Lat = &lat
			}
		}
	}
	return e
}

// Count returns the number of stop entries across all groups.
func (p GroupedPayload) Count() int {
	n := 0
	for _, g := range p {
		n += len(g.Stops)
	}
	return n
}
