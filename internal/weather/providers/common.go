package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/i474232898/transit-weather-relay/internal/retry"
)

var (
	errNoHTTPClient = errors.New("http client not configured")

	// ErrMissingAPIKey means the provider cannot authenticate; it is fatal at construction.
	ErrMissingAPIKey = errors.New("weather api key is not configured")
	// ErrNoDataURL means the metadata response carried no indirection URL.
	ErrNoDataURL = errors.New("metadata response has no data url")
	// ErrNoData covers every failure of the indirection download.
	ErrNoData = errors.New("weather data unavailable")
)

// userAgent identifies the relay to upstream providers.
const userAgent = "transit-weather-relay/1.0"

// doRequest performs exactly one request. Non-2xx responses are drained into
// a *retry.HTTPError so a retry.Policy can inspect status and headers.
func doRequest(ctx context.Context, client *http.Client, buildRequest func() (*http.Request, error)) (*http.Response, error) {
	if client == nil {
		return nil, errNoHTTPClient
	}

	req, err := buildRequest()
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", req.URL.Redacted(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, retry.NewHTTPError(resp)
	}
	return resp, nil
}
