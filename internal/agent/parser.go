package agent

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/trustmycode/moex-agent/internal/domain"
)

// ParsedRequest holds the entities extracted from the user query.
type ParsedRequest struct {
	Tickers   []string
	Portfolio []domain.Position
	FromDate  time.Time
	ToDate    time.Time
	Index     string
}

var (
	// SBER, GAZP, SBERP, YNDX-style codes: four to six capitals, or three
	// capitals plus up to two digits. Capitalised words that also match are
	// filtered out afterwards by tickerStopwords.
	tickerPattern = regexp.MustCompile(`\b[A-Z]{4,6}\b|\b[A-Z]{3}\d{0,2}\b`)

	// "SBER 45%", "SBER=0.45", "SBER - 45 %", "SBER: 45"
	positionPattern = regexp.MustCompile(`\b([A-Z]{3,6})\s*[:=\-]?\s*(\d+(?:[.,]\d+)?)\s*%?`)

	datePattern = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)

	indexTickers = map[string]bool{"IMOEX": true, "RTSI": true, "MOEXBC": true, "MOEX10": true}

	// English words that survive the ticker regex but are never tickers.
	tickerStopwords = map[string]bool{
		"RISK": true, "WITH": true, "FROM": true, "OVER": true, "THIS": true,
		"THAT": true, "WHAT": true, "SHOW": true, "LAST": true, "YEAR": true,
		"PORTFOLIO": true, "INDEX": true, "COMPARE": true, "VERSUS": true,
	}
)

// ParseRequest extracts tickers, an inline portfolio, a date window and an
// index reference from free text. Missing dates default to the trailing year
// ending yesterday.
func ParseRequest(query string, now time.Time) *ParsedRequest {
	parsed := &ParsedRequest{}
	upper := strings.ToUpper(query)

	// Dates first: up to two yyyy-mm-dd occurrences form the window.
	dates := datePattern.FindAllString(query, -1)
	if len(dates) >= 1 {
		if t, err := time.Parse("2006-01-02", dates[0]); err == nil {
			parsed.FromDate = t
		}
	}
	if len(dates) >= 2 {
		if t, err := time.Parse("2006-01-02", dates[1]); err == nil {
			parsed.ToDate = t
		}
	}
	if parsed.ToDate.IsZero() {
		parsed.ToDate = now.AddDate(0, 0, -1)
	}
	if parsed.FromDate.IsZero() {
		parsed.FromDate = parsed.ToDate.AddDate(-1, 0, 0)
	}

	// Inline portfolio: ticker/percent pairs.
	seen := make(map[string]bool)
	for _, m := range positionPattern.FindAllStringSubmatch(upper, -1) {
		ticker := m[1]
		if tickerStopwords[ticker] || indexTickers[ticker] || seen[ticker] {
			continue
		}
		value, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", "."), 64)
		if err != nil {
			continue
		}
		weight := value
		if weight > 1 { // percent notation
			weight /= 100
		}
		if weight <= 0 || weight > 1 {
			continue
		}
		seen[ticker] = true
		parsed.Portfolio = append(parsed.Portfolio, domain.Position{
			Ticker:     ticker,
			Weight:     weight,
			AssetClass: domain.AssetClassEquity,
		})
	}

	// A position list that does not roughly sum to 1 is ticker noise, not a
	// portfolio (e.g. "SBER 2024").
	if len(parsed.Portfolio) > 0 {
		sum := 0.0
		for _, p := range parsed.Portfolio {
			sum += p.Weight
		}
		if sum < 0.9 || sum > 1.1 {
			parsed.Portfolio = nil
		} else if sum != 1 {
			// Normalise small rounding drift so downstream validation passes.
			for i := range parsed.Portfolio {
				parsed.Portfolio[i].Weight /= sum
			}
		}
	}

	// Standalone tickers and index references.
	for _, m := range tickerPattern.FindAllString(upper, -1) {
		if tickerStopwords[m] {
			continue
		}
		if indexTickers[m] {
			if parsed.Index == "" {
				parsed.Index = m
			}
			continue
		}
		if !containsTicker(parsed.Tickers, m) {
			parsed.Tickers = append(parsed.Tickers, m)
		}
	}
	sort.Strings(parsed.Tickers)

	// The portfolio's tickers take precedence over loose mentions.
	if len(parsed.Portfolio) > 0 {
		parsed.Tickers = parsed.Tickers[:0]
		for _, p := range parsed.Portfolio {
			parsed.Tickers = append(parsed.Tickers, p.Ticker)
		}
		sort.Strings(parsed.Tickers)
	}

	return parsed
}

func containsTicker(list []string, ticker string) bool {
	for _, t := range list {
		if t == ticker {
			return true
		}
	}
	return false
}

// TruncatePortfolio keeps the top-N positions by weight (ties broken by
// ticker), renormalises them to sum to one, and returns the weight share that
// was folded into the "others" bucket.
func TruncatePortfolio(positions []domain.Position, topN int) ([]domain.Position, float64) {
	if topN <= 0 || len(positions) <= topN {
		return positions, 0
	}
	sorted := make([]domain.Position, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Weight != sorted[j].Weight {
			return sorted[i].Weight > sorted[j].Weight
		}
		return sorted[i].Ticker < sorted[j].Ticker
	})

	kept := sorted[:topN]
	others := 0.0
	for _, p := range sorted[topN:] {
		others += p.Weight
	}

	keptSum := 0.0
	for _, p := range kept {
		keptSum += p.Weight
	}
	if keptSum > 0 {
		for i := range kept {
			kept[i].Weight /= keptSum
		}
	}
	return kept, others
}
