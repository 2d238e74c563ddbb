package risk

import (
	"context"
	"math"
	"time"

	"github.com/trustmycode/moex-agent/internal/domain"
)

// fixtureProvider is the in-memory market-data substitute used by the tool
// tests. Prices follow a deterministic per-ticker path over business days, so
// every run sees identical series without touching the network.
type fixtureProvider struct {
	err error // when set, every call fails with this error
}

func (f *fixtureProvider) Snapshot(ctx context.Context, ticker, board string) (*domain.SecuritySnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.SecuritySnapshot{
		Ticker:    ticker,
		Board:     board,
		ShortName: ticker,
		LastPrice: fixturePrice(ticker, 0),
		PrevClose: fixturePrice(ticker, 0),
		Currency:  "RUB",
		LotSize:   10,
		UpdatedAt: time.Date(2024, 12, 2, 10, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fixtureProvider) OHLCV(ctx context.Context, ticker, board string, from, to time.Time, interval domain.Interval) ([]domain.OHLCVBar, error) {
	if f.err != nil {
		return nil, f.err
	}
	var bars []domain.OHLCVBar
	day := 0
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		price := fixturePrice(ticker, day)
		bars = append(bars, domain.OHLCVBar{
			Date:   d,
			Open:   price,
			High:   price * 1.01,
			Low:    price * 0.99,
			Close:  price,
			Volume: 100000,
		})
		day++
	}
	return bars, nil
}

func (f *fixtureProvider) Constituents(ctx context.Context, indexTicker string, asOf time.Time) ([]domain.IndexConstituent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []domain.IndexConstituent{
		{Ticker: "SBER", ShortName: "Sberbank", Weight: 0.15},
		{Ticker: "GAZP", ShortName: "Gazprom", Weight: 0.12},
		{Ticker: "LKOH", ShortName: "Lukoil", Weight: 0.11},
	}, nil
}

func (f *fixtureProvider) Dividends(ctx context.Context, ticker string, from, to time.Time) ([]domain.DividendRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []domain.DividendRecord{
		{Ticker: ticker, RegistryDate: from.AddDate(0, 3, 0), Value: 12.5, Currency: "RUB"},
	}, nil
}

// fixturePrice is a deterministic, ticker-seeded price path: a slow trend
// plus a sine wobble keeps returns non-degenerate.
func fixturePrice(ticker string, day int) float64 {
	seed := 0.0
	for _, r := range ticker {
		seed += float64(r)
	}
	base := 100 + math.Mod(seed, 200)
	trend := 1 + 0.0004*float64(day)
	wobble := 1 + 0.02*math.Sin(float64(day)/7+seed)
	return base * trend * wobble
}
