// Package moex provides typed access to the MOEX ISS market-data API.
//
// The package exposes a Provider interface consumed by the MCP tools; the
// production implementation is ISSClient, which layers a token-bucket rate
// limiter, bounded retries, a TTL cache and a circuit breaker over the raw
// HTTP endpoint and normalises every failure into the shared error taxonomy.
package moex

import (
	"context"
	"time"

	"github.com/trustmycode/moex-agent/internal/domain"
)

// Provider is the market-data seam consumed by the risk tools and the
// data-access tools. Tests substitute an in-memory fixture.
type Provider interface {
	// Snapshot returns the current market view of a security.
	Snapshot(ctx context.Context, ticker, board string) (*domain.SecuritySnapshot, error)

	// OHLCV returns bars ordered strictly by date. Missing trading days are
	// dropped silently; the series never contains gaps of its own making.
	OHLCV(ctx context.Context, ticker, board string, from, to time.Time, interval domain.Interval) ([]domain.OHLCVBar, error)

	// Constituents returns index membership with weights as of a date.
	Constituents(ctx context.Context, indexTicker string, asOf time.Time) ([]domain.IndexConstituent, error)

	// Dividends returns dividend records within [from, to].
	Dividends(ctx context.Context, ticker string, from, to time.Time) ([]domain.DividendRecord, error)
}
