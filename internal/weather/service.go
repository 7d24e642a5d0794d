package weather

import (
	"context"
	"errors"
	"log/slog"

	"github.com/i474232898/transit-weather-relay/internal/retry"
)

// ErrNoReadings is recorded when the provider answered with an empty series.
var ErrNoReadings = errors.New("provider returned no readings")

// Service produces the single snapshot attached to one acquisition cycle.
type Service struct {
	provider    Provider
	providerErr error
	policy      retry.Policy
	logger      *slog.Logger
}

// NewService wraps provider with the retry policy. providerErr records why
// no provider could be built (for example a missing API key); when it is
// set, or provider is nil, every snapshot is the PENDING placeholder.
func NewService(provider Provider, providerErr error, policy retry.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}
	return &Service{
		provider:    provider,
		providerErr: providerErr,
		policy:      policy,
		logger:      logger,
	}
}

// Snapshot never fails: any problem degrades to Pending(cause) and the cycle
// continues.
func (s *Service) Snapshot(ctx context.Context) *Snapshot {
	if s.provider == nil || s.providerErr != nil {
		cause := s.providerErr
		if cause == nil {
			cause = errors.New("no weather provider configured")
		}
		s.logger.Error("weather unavailable, marking as PENDING", "error", cause)
		return Pending(cause)
	}

	readings, err := retry.Do(ctx, s.policy, s.provider.FetchReadings)
	if err != nil {
		s.logger.Error("weather fetch failed, marking as PENDING", "provider", s.provider.Name(), "error", err)
		return Pending(err)
	}

	latest, ok := Latest(readings)
	if !ok {
		s.logger.Error("weather fetch returned no readings, marking as PENDING", "provider", s.provider.Name())
		return Pending(ErrNoReadings)
	}

	snap := Normalize(latest)
	s.logger.Info("weather snapshot built",
		"provider", s.provider.Name(),
		"readings", len(readings),
		"observed_at", snap.ObservedAt,
	)
	return snap
}
