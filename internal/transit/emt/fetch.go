package emt

import (
	"context"
	"errors"
	"fmt"

	"github.com/i474232898/transit-weather-relay/internal/transit"
)

// FetchResult is the outcome of querying a list of stops.
type FetchResult struct {
	Arrivals []transit.RawArrival
	Queried  int
	Empty    int
	// Failed has one entry per failed query, so a stop listed twice can
	// appear twice.
	Failed []StopFailure
}

// StopFailure records why one stop query was skipped.
type StopFailure struct {
	Stop string
	Err  error
}

// Skipped is the number of stop queries that contributed no arrivals.
func (r FetchResult) Skipped() int {
	return r.Empty + len(r.Failed)
}

// FetchAll queries stops sequentially in the order given. A failing stop is
// logged and skipped; login failures and ErrTokenRejected abort the loop and
// are returned alongside whatever was collected so far.
func (c *Client) FetchAll(ctx context.Context, stops []string) (FetchResult, error) {
	var res FetchResult

	if _, err := c.EnsureToken(ctx); err != nil {
		return res, err
	}

	for _, stop := range stops {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		c.logger.Info("querying stop", "stop", stop)
		res.Queried++

		arrivals, err := c.Arrivals(ctx, stop)
		if err != nil {
			if errors.Is(err, ErrTokenRejected) {
				c.logger.Error("access token rejected twice, aborting", "stop", stop, "error", err)
				return res, err
			}
			if c.token == "" {
				return res, fmt.Errorf("stop %s: %w", stop, err)
			}
			c.logger.Error("stop request failed, skipping", "stop", stop, "error", err)
			res.Failed = append(res.Failed, StopFailure{Stop: stop, Err: err})
			continue
		}
		if len(arrivals) == 0 {
			c.logger.Warn("stop returned no data", "stop", stop)
			res.Empty++
			continue
		}
		res.Arrivals = append(res.Arrivals, arrivals...)
	}

	c.logger.Info("transit acquisition finished",
		"queried", res.Queried,
		"arrivals", len(res.Arrivals),
		"skipped", res.Skipped(),
	)
	return res, nil
}
