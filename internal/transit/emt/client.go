// Package emt is the EMT Madrid bus arrivals client.
package emt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/transit-weather-relay/internal/civiltime"
	"github.com/i474232898/transit-weather-relay/internal/retry"
	"github.com/i474232898/transit-weather-relay/internal/transit"
)

const (
	DefaultLoginURL         = "https://datos.emtmadrid.es/v3/mobilitylabs/user/login/"
	DefaultBaseURL          = "https://openapi.emtmadrid.es/v2/transport/busemtmad/stops"
	DefaultBreakerThreshold = 5
)

var (
	// ErrMissingCredentials is fatal at construction.
	ErrMissingCredentials = errors.New("emt credentials are not configured")
	// ErrUnexpectedFormat covers non-JSON bodies and payloads missing the expected fields.
	ErrUnexpectedFormat = errors.New("unexpected emt response format")
	// ErrAPICode is an application-level rejection (code other than 00/01).
	ErrAPICode = errors.New("emt api returned an error code")
	// ErrTokenRejected means a freshly issued token was refused again.
	ErrTokenRejected = errors.New("emt access token rejected")
)

// Config holds the EMT credentials and endpoints.
type Config struct {
	ClientID string
	Password string
	LoginURL string
	BaseURL  string

	// BreakerThreshold is the number of consecutive failed stop requests
	// after which the breaker opens and remaining stops fail fast.
	BreakerThreshold uint32
}

// envelope is the common EMT response wrapper.
type envelope struct {
	Code        string            `json:"code"`
	Description string            `json:"description"`
	Data        []json.RawMessage `json:"data"`
}

func (e envelope) ok() bool {
	return e.Code == "00" || e.Code == "01"
}

// Client holds the access token in memory. It is not safe for concurrent use.
type Client struct {
	cfg     Config
	client  *http.Client
	policy  retry.Policy
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	now     func() time.Time

	token string
}

// NewClient fails with ErrMissingCredentials when either credential is empty.
func NewClient(httpClient *http.Client, cfg Config, policy retry.Policy, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.Password) == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.LoginURL == "" {
		cfg.LoginURL = DefaultLoginURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = DefaultBreakerThreshold
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", "emt")
	if policy.Logger == nil {
		policy.Logger = logger
	}

	threshold := cfg.BreakerThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "emt",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: countsAsAvailable,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		cfg:     cfg,
		client:  httpClient,
		policy:  policy,
		breaker: cb,
		logger:  logger,
		now:     civiltime.Now,
	}, nil
}

// EnsureToken returns the cached token, logging in on first use.
func (c *Client) EnsureToken(ctx context.Context) (string, error) {
	if c.token != "" {
		return c.token, nil
	}
	token, err := retry.Do(ctx, c.policy, c.login)
	if err != nil {
		return "", fmt.Errorf("emt login: %w", err)
	}
	c.token = token
	return token, nil
}

func (c *Client) login(ctx context.Context) (string, error) {
	c.logger.Info("requesting access token")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.LoginURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("email", c.cfg.ClientID)
	req.Header.Set("password", c.cfg.Password)

	env, err := c.do(req)
	if err != nil {
		return "", err
	}

	var tokenItem struct {
		AccessToken string `json:"accessToken"`
	}
	if len(env.Data) == 0 || json.Unmarshal(env.Data[0], &tokenItem) != nil || tokenItem.AccessToken == "" {
		return "", fmt.Errorf("%w: missing accessToken", ErrUnexpectedFormat)
	}
	return tokenItem.AccessToken, nil
}

// Arrivals returns the raw arrival list for one stop, tagged with origin_stop.
// A 401/403 triggers one re-login; a second rejection is ErrTokenRejected.
func (c *Client) Arrivals(ctx context.Context, stopID string) ([]transit.RawArrival, error) {
	for relogin := false; ; relogin = true {
		token, err := c.EnsureToken(ctx)
		if err != nil {
			return nil, err
		}

		arrivals, err := retry.Do(ctx, c.policy, func(ctx context.Context) ([]transit.RawArrival, error) {
			return c.requestStop(ctx, stopID, token)
		})
		if err == nil {
			for _, a := range arrivals {
				a[transit.OriginStopKey] = stopID
			}
			return arrivals, nil
		}
		if !isAuthRejection(err) {
			return nil, err
		}
		if relogin {
			return nil, fmt.Errorf("%w: stop %s: %v", ErrTokenRejected, stopID, err)
		}
		c.logger.Warn("access token rejected, logging in again", "stop", stopID)
		c.token = ""
	}
}

func (c *Client) requestStop(ctx context.Context, stopID, token string) ([]transit.RawArrival, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		body, err := json.Marshal(c.arrivalsRequest())
		if err != nil {
			return nil, err
		}
		u := c.cfg.BaseURL + "/" + url.PathEscape(stopID) + "/arrives/"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("accessToken", token)
		req.Header.Set("Content-Type", "application/json")

		env, err := c.do(req)
		if err != nil {
			return nil, err
		}
		return decodeArrivals(env)
	})
	if err != nil {
		return nil, err
	}
	arrivals, ok := result.([]transit.RawArrival)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return arrivals, nil
}

func (c *Client) arrivalsRequest() map[string]string {
	return map[string]string{
		"cultureInfo":                              "ES",
		"Text_StopRequired_YN":                     "Y",
		"Text_EstimationsRequired_YN":              "Y",
		"Text_IncidencesRequired_YN":               "N",
		"DateTime_Referenced_Incidencies_YYYYMMDD": c.now().In(civiltime.Zone).Format("20060102"),
	}
}

// do sends req and decodes the envelope. Non-2xx responses become
// *retry.HTTPError; a bad code is ErrAPICode.
func (c *Client) do(req *http.Request) (envelope, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("request %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return envelope{}, retry.NewHTTPError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, fmt.Errorf("read body: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: non-json body (http %d)", ErrUnexpectedFormat, resp.StatusCode)
	}
	if !env.ok() {
		desc := env.Description
		if desc == "" {
			desc = "code " + env.Code
		}
		return envelope{}, fmt.Errorf("%w: %s", ErrAPICode, desc)
	}
	return env, nil
}

func decodeArrivals(env envelope) ([]transit.RawArrival, error) {
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: empty data", ErrUnexpectedFormat)
	}
	var block struct {
		Arrive *[]transit.RawArrival `json:"Arrive"`
	}
	if err := json.Unmarshal(env.Data[0], &block); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedFormat, err)
	}
	if block.Arrive == nil {
		return nil, fmt.Errorf("%w: missing Arrive", ErrUnexpectedFormat)
	}
	return *block.Arrive, nil
}

// countsAsAvailable keeps rate limiting and token rejection out of the
// breaker's failure count; the retry policy and re-login own those answers.
func countsAsAvailable(err error) bool {
	if err == nil {
		return true
	}
	var httpErr *retry.HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode == http.StatusTooManyRequests || isAuthRejection(err)
}

func isAuthRejection(err error) bool {
	var httpErr *retry.HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden
}
