package weather

import "context"

// Provider abstracts a station-scoped weather data source (e.g. AEMET).
type Provider interface {
	Name() string
	// FetchReadings returns the station's raw time series, oldest first.
	FetchReadings(ctx context.Context) ([]Reading, error)
}
