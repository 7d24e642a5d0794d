// Package relay runs one acquisition-and-delivery cycle: weather snapshot,
// per-stop arrivals, validation, grouping, and confirmed publication.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/transit-weather-relay/internal/metrics"
	"github.com/i474232898/transit-weather-relay/internal/publisher"
	"github.com/i474232898/transit-weather-relay/internal/transit"
	"github.com/i474232898/transit-weather-relay/internal/transit/emt"
	"github.com/i474232898/transit-weather-relay/internal/weather"
)

// ErrNotDelivered means every publish attempt failed with a retryable error.
var ErrNotDelivered = errors.New("payload was not confirmed by the queue")

// WeatherSource yields the snapshot of one cycle; it never fails.
type WeatherSource interface {
	Snapshot(ctx context.Context) *weather.Snapshot
}

// TransitSource queries the configured stops in order.
type TransitSource interface {
	FetchAll(ctx context.Context, stops []string) (emt.FetchResult, error)
}

// Service wires the sources to the publisher.
type Service struct {
	weather   WeatherSource
	transit   TransitSource
	publisher *publisher.Publisher
	stops     []string
	retries   int
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time
}

// Options configures a Service. Metrics may be nil.
type Options struct {
	Weather        WeatherSource
	Transit        TransitSource
	Publisher      *publisher.Publisher
	Stops          []string
	PublishRetries int
	Metrics        *metrics.Collector
	Logger         *slog.Logger
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		weather:   opts.Weather,
		transit:   opts.Transit,
		publisher: opts.Publisher,
		stops:     opts.Stops,
		retries:   opts.PublishRetries,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Report summarizes a finished run.
type Report struct {
	RunID     string
	Weather   *weather.Snapshot
	Payload   transit.GroupedPayload
	Fetched   int
	Invalid   int
	Skipped   int
	Published bool
}

// Run executes one cycle. Weather problems never fail the run; transit
// login failures, a rejected token, and undelivered payloads do.
func (s *Service) Run(ctx context.Context) (Report, error) {
	start := s.now()
	rep := Report{RunID: uuid.NewString()}
	logger := s.logger.With("run_id", rep.RunID)

	err := s.run(ctx, logger, &rep)

	if s.metrics != nil {
		s.metrics.ObserveRun(s.now().Sub(start), err == nil, s.now())
	}
	if err != nil {
		logger.Error("run failed", "error", err)
		return rep, err
	}
	logger.Info("run finished", "duration", s.now().Sub(start))
	return rep, nil
}

func (s *Service) run(ctx context.Context, logger *slog.Logger, rep *Report) error {
	rep.Weather = s.weather.Snapshot(ctx)
	if s.metrics != nil && rep.Weather.IsPending() {
		s.metrics.WeatherPending.Set(1)
	}

	res, err := s.transit.FetchAll(ctx, s.stops)
	rep.Fetched = len(res.Arrivals)
	rep.Skipped = res.Skipped()
	if s.metrics != nil {
		s.metrics.StopsQueried.Add(float64(res.Queried))
		s.metrics.StopsSkipped.Add(float64(res.Skipped()))
		s.metrics.ArrivalsFetched.Add(float64(len(res.Arrivals)))
	}
	if err != nil {
		return fmt.Errorf("transit acquisition: %w", err)
	}

	valid := s.validArrivals(logger, res.Arrivals)
	rep.Invalid = len(res.Arrivals) - len(valid)

	rep.Payload = transit.Aggregate(valid, rep.Weather)
	if s.metrics != nil {
		s.metrics.InvalidArrivals.Add(float64(rep.Invalid))
		s.metrics.Groups.Set(float64(len(rep.Payload)))
	}
	logSummary(logger, rep)

	return publisher.WithPublisher(ctx, s.publisher, func(ctx context.Context, p *publisher.Publisher) error {
		ok, err := p.Publish(ctx, rep.Payload, s.retries)
		if err != nil {
			return fmt.Errorf("publish payload: %w", err)
		}
		if !ok {
			return ErrNotDelivered
		}
		rep.Published = true
		logger.Info("payload delivered to queue", "groups", len(rep.Payload), "arrivals", rep.Payload.Count())
		return nil
	})
}

// validArrivals drops raw entries that cannot be built into a record.
func (s *Service) validArrivals(logger *slog.Logger, raw []transit.RawArrival) []transit.RawArrival {
	_, failed := transit.BuildAll(raw)
	if len(failed) == 0 {
		return raw
	}
	valid := make([]transit.RawArrival, 0, len(raw)-len(failed))
	for i, a := range raw {
		if err, bad := failed[i]; bad {
			logger.Debug("dropping invalid arrival", "index", i, "stop", a[transit.OriginStopKey], "error", err)
			continue
		}
		valid = append(valid, a)
	}
	logger.Warn("invalid arrivals dropped", "count", len(failed), "kept", len(valid))
	return valid
}

func logSummary(logger *slog.Logger, rep *Report) {
	w := rep.Weather
	logger.Info("cycle summary",
		"temperature", orNA(w.Temperature),
		"wind_speed", orNA(w.WindSpeed),
		"observed_at", orNAString(w.ObservedAt),
		"precipitation", orNAValue(w.Precipitation),
		"weather_status", orNAString(w.Status),
		"arrivals", rep.Fetched,
		"invalid", rep.Invalid,
		"skipped", rep.Skipped,
		"groups", len(rep.Payload),
	)
}

func orNA(v *float64) any {
	if v == nil {
		return "N/A"
	}
	return *v
}

func orNAString(v string) string {
	if v == "" {
		return "N/A"
	}
	return v
}

func orNAValue(v any) any {
	if v == nil {
		return "N/A"
	}
	return v
}
