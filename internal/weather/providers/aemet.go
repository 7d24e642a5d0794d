package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/i474232898/transit-weather-relay/internal/weather"
)

const (
	DefaultAEMETBaseURL = "https://opendata.aemet.es/opendata/api/observacion/convencional/datos/estacion"
	DefaultStationID    = "3195"
)

// AEMETProvider implements weather.Provider for AEMET conventional station observations.
type AEMETProvider struct {
	name      string
	apiKey    string
	stationID string
	baseURL   string
	client    *http.Client
	logger    *slog.Logger
}

// NewAEMETProvider fails with ErrMissingAPIKey when apiKey is empty.
func NewAEMETProvider(client *http.Client, apiKey, stationID, baseURL string, logger *slog.Logger) (*AEMETProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if stationID == "" {
		stationID = DefaultStationID
	}
	if baseURL == "" {
		baseURL = DefaultAEMETBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &AEMETProvider{
		name:      "aemet",
		apiKey:    apiKey,
		stationID: stationID,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    client,
		logger:    logger.With("provider", "aemet"),
	}, nil
}

func (p *AEMETProvider) Name() string {
	return p.name
}

// FetchReadings performs the two-step AEMET fetch: the authenticated
// metadata call yields a short-lived "datos" URL which is then downloaded.
// Metadata HTTP errors are returned as *retry.HTTPError; every download
// failure is reported as ErrNoData.
func (p *AEMETProvider) FetchReadings(ctx context.Context) ([]weather.Reading, error) {
	dataURL, err := p.fetchDataURL(ctx)
	if err != nil {
		return nil, err
	}
	return p.download(ctx, dataURL)
}

func (p *AEMETProvider) fetchDataURL(ctx context.Context) (string, error) {
	p.logger.Info("requesting data url", "station", p.stationID)

	resp, err := doRequest(ctx, p.client, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, p.baseURL+"/"+p.stationID, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("accept", "application/json")
		req.Header.Set("api_key", p.apiKey)
		req.Header.Set("User-Agent", userAgent)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var payload struct {
		Datos string `json:"datos"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode metadata: %w", err)
	}
	if payload.Datos == "" {
		return "", ErrNoDataURL
	}
	return payload.Datos, nil
}

func (p *AEMETProvider) download(ctx context.Context, dataURL string) ([]weather.Reading, error) {
	p.logger.Info("downloading observations", "url", dataURL)

	resp, err := doRequest(ctx, p.client, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, dataURL, nil)
	})
	if err != nil {
		// Download failures are never retryable, so the cause is not wrapped.
		p.logger.Error("observation download failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrNoData, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.logger.Error("observation download failed", "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: http status %d", ErrNoData, resp.StatusCode)
	}

	// The payload is declared as UTF-8 but is actually Latin-1.
	body := charmap.ISO8859_1.NewDecoder().Reader(resp.Body)

	var readings []weather.Reading
	if err := json.NewDecoder(body).Decode(&readings); err != nil {
		p.logger.Error("observation payload is not valid json", "error", err)
		return nil, fmt.Errorf("%w: decode: %v", ErrNoData, err)
	}

	p.logger.Info("observations downloaded", "readings", len(readings))
	return readings, nil
}
