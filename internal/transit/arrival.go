// Package transit normalizes raw bus-arrival payloads into validated records
// and groups them into the outbound queue payload.
package transit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidCoords is returned for coordinates that are malformed or out of range.
var ErrInvalidCoords = errors.New("invalid coords")

// Coords is a WGS84 position.
type Coords struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// Arrival is one validated bus arrival. Values are only produced by
// ArrivalBuilder.Build and must be treated as read-only; use the With*
// methods to derive a modified copy.
type Arrival struct {
	Line           string     `json:"line" validate:"required"`
	Stop           string     `json:"stop" validate:"required"`
	ETA            *time.Time `json:"eta"`
	Distance       *int       `json:"distance" validate:"omitempty,gte=0"`
	EstimateArrive *int       `json:"estimate_arrive" validate:"omitempty,gte=0"`
	VehicleID      *string    `json:"vehicle_id"`
	Destination    *string    `json:"destination"`
	Coords         *Coords    `json:"coords"`

	// Weather is passed through untouched.
	Weather any            `json:"weather"`
	Extra   map[string]any `json:"extra"`
	SentAt  time.Time      `json:"sent_at"`
}

// WithWeather returns a copy of a with its weather replaced.
func (a Arrival) WithWeather(w any) Arrival {
	a.Extra = cloneMap(a.Extra)
	a.Weather = w
	return a
}

// ValidationError reports an arrival that cannot be built.
type ValidationError struct {
	Fields []string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid arrival")
	if len(e.Fields) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Fields, ", "))
		b.WriteString("]")
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
