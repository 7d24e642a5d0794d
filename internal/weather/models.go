package weather

import "encoding/json"

// StatusPending marks a snapshot that stands in for an unavailable reading.
const StatusPending = "PENDING"

// Reading is one raw station observation as decoded from the provider,
// keyed by the provider's own field names (ta, hr, vv, prec, fint).
type Reading map[string]any

// Snapshot is the normalized weather view shared by every arrival of one cycle.
// Absent fields are omitted from the JSON form.
type Snapshot struct {
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	WindSpeed   *float64 `json:"wind_speed,omitempty"`

	// Precipitation holds a float64 when the provider sent a number, otherwise
	// the raw value untouched. IsRaining is only set in the numeric case.
	Precipitation any   `json:"precipitation,omitempty"`
	IsRaining     *bool `json:"is_raining,omitempty"`

	// ObservedAt is ISO-8601 in Europe/Madrid, or the provider's raw string
	// when it could not be parsed.
	ObservedAt string `json:"observed_at,omitempty"`

	Status   string `json:"status,omitempty"`
	ErrorLog string `json:"error_log,omitempty"`
}

// Pending returns the placeholder attached to a cycle whose weather fetch failed.
func Pending(cause error) *Snapshot {
	s := &Snapshot{Status: StatusPending}
	if cause != nil {
		s.ErrorLog = cause.Error()
	}
	return s
}

// MarshalJSON writes the PENDING placeholder as
// {"status","temp":null,"precip":null,"error_log"}; other snapshots use
// the field tags.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s.Status == StatusPending {
		return json.Marshal(struct {
			Status   string   `json:"status"`
			Temp     *float64 `json:"temp"`
			Precip   any      `json:"precip"`
			ErrorLog string   `json:"error_log"`
		}{Status: s.Status, ErrorLog: s.ErrorLog})
	}
	type plain Snapshot
	return json.Marshal(plain(s))
}

// IsEmpty reports whether no recognized field was extracted.
func (s *Snapshot) IsEmpty() bool {
	return s == nil || (s.Temperature == nil &&
		s.Humidity == nil &&
		s.WindSpeed == nil &&
		s.Precipitation == nil &&
		s.IsRaining == nil &&
		s.ObservedAt == "" &&
		s.Status == "")
}

// IsPending reports whether s is the unavailable-weather placeholder.
func (s *Snapshot) IsPending() bool {
	return s != nil && s.Status == StatusPending
}
