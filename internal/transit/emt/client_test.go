package emt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/i474232898/transit-weather-relay/internal/retry"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeEMT struct {
	logins   atomic.Int32
	token    func(n int32) string
	arrivals func(w http.ResponseWriter, r *http.Request, stop string)
}

func (f *fakeEMT) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login/", func(w http.ResponseWriter, r *http.Request) {
		n := f.logins.Add(1)
		if r.Header.Get("email") != "id" || r.Header.Get("password") != "pw" {
			w.Write([]byte(`{"code":"80","description":"bad credentials","data":[]}`))
			return
		}
		tok := "tok"
		if f.token != nil {
			tok = f.token(n)
		}
		w.Write([]byte(`{"code":"01","data":[{"accessToken":"` + tok + `"}]}`))
	})
	mux.HandleFunc("/stops/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		stop := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/stops/"), "/arrives/")
		f.arrivals(w, r, stop)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeEMT, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	if cfg.ClientID == "" {
		cfg.ClientID, cfg.Password = "id", "pw"
	}
	cfg.LoginURL = srv.URL + "/login/"
	cfg.BaseURL = srv.URL + "/stops"

	policy := retry.NewPolicy(quietLogger)
	policy.Sleep = func(context.Context, time.Duration) error { return nil }

	c, err := NewClient(srv.Client(), cfg, policy, quietLogger)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.now = func() time.Time { return time.Date(2026, 1, 17, 8, 0, 0, 0, time.UTC) }
	return c
}

func arrivalsBody(items ...string) string {
	return `{"code":"00","data":[{"Arrive":[` + strings.Join(items, ",") + `]}]}`
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(nil, Config{ClientID: "id"}, retry.NewPolicy(quietLogger), quietLogger)
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestArrivalsSendsTokenAndBody(t *testing.T) {
	f := &fakeEMT{}
	f.arrivals = func(w http.ResponseWriter, r *http.Request, stop string) {
		if r.Header.Get("accessToken") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		if body["cultureInfo"] != "ES" || body["DateTime_Referenced_Incidencies_YYYYMMDD"] != "20260117" {
			t.Errorf("request body = %v", body)
		}
		w.Write([]byte(arrivalsBody(`{"line":"27","stop":"` + stop + `","bus":1234}`)))
	}
	c := newTestClient(t, f, Config{})

	arrivals, err := c.Arrivals(context.Background(), "5907")
	if err != nil {
		t.Fatalf("Arrivals: %v", err)
	}
	if len(arrivals) != 1 {
		t.Fatalf("expected 1 arrival, got %d", len(arrivals))
	}
	if arrivals[0]["origin_stop"] != "5907" || arrivals[0]["line"] != "27" {
		t.Errorf("arrival = %v", arrivals[0])
	}

	// The token is cached after the first login.
	if _, err := c.Arrivals(context.Background(), "66"); err != nil {
		t.Fatalf("Arrivals: %v", err)
	}
	if n := f.logins.Load(); n != 1 {
		t.Errorf("logins = %d; want 1", n)
	}
}

func TestArrivalsRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	f := &fakeEMT{}
	f.arrivals = func(w http.ResponseWriter, r *http.Request, stop string) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(arrivalsBody(`{"line":"27","stop":"1"}`)))
	}
	c := newTestClient(t, f, Config{})
	var waits []time.Duration
	c.policy.Sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	if _, err := c.Arrivals(context.Background(), "1"); err != nil {
		t.Fatalf("Arrivals: %v", err)
	}
	if len(waits) != 2 || waits[0] != 2*time.Second || waits[1] != 4*time.Second {
		t.Errorf("waits = %v; want [2s 4s]", waits)
	}
}

func TestArrivalsReloginOnce(t *testing.T) {
	f := &fakeEMT{token: func(n int32) string {
		if n == 1 {
			return "expired"
		}
		return "fresh"
	}}
	f.arrivals = func(w http.ResponseWriter, r *http.Request, stop string) {
		if r.Header.Get("accessToken") != "fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(arrivalsBody(`{"line":"27","stop":"1"}`)))
	}
	c := newTestClient(t, f, Config{})

	if _, err := c.Arrivals(context.Background(), "1"); err != nil {
		t.Fatalf("Arrivals: %v", err)
	}
	if n := f.logins.Load(); n != 2 {
		t.Errorf("logins = %d; want 2", n)
	}
}

func TestArrivalsTokenRejectedTwice(t *testing.T) {
	f := &fakeEMT{}
	f.arrivals = func(w http.ResponseWriter, r *http.Request, stop string) {
		w.WriteHeader(http.StatusForbidden)
	}
	c := newTestClient(t, f, Config{})

	_, err := c.Arrivals(context.Background(), "1")
	if !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("expected ErrTokenRejected, got %v", err)
	}
}

func TestArrivalsResponseErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"bad code", `{"code":"80","description":"stop not found"}`, ErrAPICode},
		{"not json", `<html>oops</html>`, ErrUnexpectedFormat},
		{"missing data", `{"code":"00","data":[]}`, ErrUnexpectedFormat},
		{"missing arrive", `{"code":"00","data":[{"StopInfo":[]}]}`, ErrUnexpectedFormat},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeEMT{}
			f.arrivals = func(w http.ResponseWriter, r *http.Request, stop string) {
				w.Write([]byte(tc.body))
			}
			c := newTestClient(t, f, Config{})

			_, err := c.Arrivals(context.Background(), "1")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !errors.Is(err, retry.ErrNonRetryable) {
				t.Errorf("expected non-retryable classification, got %v", err)
			}
		})
	}
}

func TestLoginAPICode(t *testing.T) {
	f := &fakeEMT{arrivals: func(w http.ResponseWriter, r *http.Request, stop string) {}}
	c := newTestClient(t, f, Config{ClientID: "someone", Password: "else"})

	_, err := c.EnsureToken(context.Background())
	if !errors.Is(err, ErrAPICode) {
		t.Fatalf("expected ErrAPICode, got %v", err)
	}
}

func TestFetchAllSkipsFailedAndEmptyStops(t *testing.T) {
	f := &fakeEMT{}
	f.arrivals = func(w http.ResponseWriter, r *http.Request, stop string) {
		switch stop {
		case "1":
			w.Write([]byte(arrivalsBody(`{"line":"27","stop":"1","bus":"B1"}`, `{"line":"27","stop":"1","bus":"B2"}`)))
		case "2":
			w.WriteHeader(http.StatusInternalServerError)
		case "3":
			w.Write([]byte(arrivalsBody()))
		case "4":
			w.Write([]byte(arrivalsBody(`{"line":"34","stop":"4","bus":"B3"}`)))
		}
	}
	c := newTestClient(t, f, Config{})

	res, err := c.FetchAll(context.Background(), []string{"1", "2", "3", "4"})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if res.Queried != 4 || res.Empty != 1 || len(res.Failed) != 1 || res.Failed[0].Stop != "2" || res.Failed[0].Err == nil {
		t.Fatalf("result = %+v", res)
	}
	if res.Skipped() != 2 {
		t.Errorf("Skipped = %d; want 2", res.Skipped())
	}
	var buses []string
	for _, a := range res.Arrivals {
		buses = append(buses, a["bus"].(string))
	}
	if strings.Join(buses, ",") != "B1,B2,B3" {
		t.Errorf("arrival order = %v", buses)
	}
	if res.Arrivals[2]["origin_stop"] != "4" {
		t.Errorf("origin_stop = %v", res.Arrivals[2]["origin_stop"])
	}
}

func TestFetchAllAbortsOnTokenRejected(t *testing.T) {
	var stopCalls atomic.Int32
	f := &fakeEMT{}
	f.arrivals = func(w http.ResponseWriter, r *http.Request, stop string) {
		stopCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}
	c := newTestClient(t, f, Config{})

	_, err := c.FetchAll(context.Background(), []string{"1", "2", "3"})
	if !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("expected ErrTokenRejected, got %v", err)
	}
	if n := stopCalls.Load(); n != 2 {
		t.Errorf("stop calls = %d; want 2 (first token + one re-login)", n)
	}
}

func TestFetchAllFailsWhenLoginFails(t *testing.T) {
	f := &fakeEMT{arrivals: func(w http.ResponseWriter, r *http.Request, stop string) {
		t.Error("no stop should be queried without a token")
	}}
	c := newTestClient(t, f, Config{ClientID: "x", Password: "y"})

	res, err := c.FetchAll(context.Background(), []string{"1"})
	if err == nil {
		t.Fatal("expected login error")
	}
	if res.Queried != 0 {
		t.Errorf("queried = %d; want 0", res.Queried)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var stopCalls atomic.Int32
	f := &fakeEMT{}
	f.arrivals = func(w http.ResponseWriter, r *http.Request, stop string) {
		stopCalls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}
	c := newTestClient(t, f, Config{BreakerThreshold: 2})

	res, err := c.FetchAll(context.Background(), []string{"1", "2", "3", "4"})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(res.Failed) != 4 {
		t.Fatalf("failed = %d; want 4", len(res.Failed))
	}
	if n := stopCalls.Load(); n != 2 {
		t.Errorf("upstream stop calls = %d; want 2 before the breaker opened", n)
	}
}

func TestRateLimitedStopDoesNotOpenBreaker(t *testing.T) {
	f := &fakeEMT{}
	f.arrivals = func(w http.ResponseWriter, r *http.Request, stop string) {
		if stop == "1" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(arrivalsBody(`{"line":"27","stop":"` + stop + `","bus":"B` + stop + `"}`)))
	}
	c := newTestClient(t, f, Config{BreakerThreshold: 2})

	res, err := c.FetchAll(context.Background(), []string{"1", "2", "3"})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0].Stop != "1" || !errors.Is(res.Failed[0].Err, retry.ErrMaxAttempts) {
		t.Fatalf("failed = %+v; want only stop 1 exhausting its retries", res.Failed)
	}
	if len(res.Arrivals) != 2 {
		t.Errorf("arrivals = %d; want 2 from the healthy stops", len(res.Arrivals))
	}
}

func TestReloginDoesNotCountTowardBreaker(t *testing.T) {
	f := &fakeEMT{token: func(n int32) string { return fmt.Sprintf("tok%d", n) }}
	f.arrivals = func(w http.ResponseWriter, r *http.Request, stop string) {
		// Only the token of the latest login is accepted.
		if r.Header.Get("accessToken") != fmt.Sprintf("tok%d", f.logins.Load()) || (stop == "1" && f.logins.Load() == 1) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(arrivalsBody(`{"line":"27","stop":"` + stop + `"}`)))
	}
	c := newTestClient(t, f, Config{BreakerThreshold: 1})

	res, err := c.FetchAll(context.Background(), []string{"1", "2"})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(res.Failed) != 0 || len(res.Arrivals) != 2 {
		t.Fatalf("result = %+v; want both stops delivered after one re-login", res)
	}
}

func TestFetchAllCountsEachFailedQuery(t *testing.T) {
	f := &fakeEMT{}
	f.arrivals = func(w http.ResponseWriter, r *http.Request, stop string) {
		if stop == "5907" {
			w.Write([]byte(`{"code":"90","description":"stop disabled","data":[]}`))
			return
		}
		w.Write([]byte(arrivalsBody(`{"line":"27","stop":"66"}`)))
	}
	c := newTestClient(t, f, Config{})

	res, err := c.FetchAll(context.Background(), []string{"5907", "66", "5907"})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if res.Queried != 3 || res.Skipped() != 2 {
		t.Fatalf("queried = %d, skipped = %d; want 3 and 2", res.Queried, res.Skipped())
	}
	for _, fail := range res.Failed {
		if fail.Stop != "5907" || !errors.Is(fail.Err, ErrAPICode) {
			t.Errorf("failure = %+v", fail)
		}
	}
}
