package risk

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/trustmycode/moex-agent/internal/domain"
)

// CorrelationMatrix holds pairwise Pearson correlations of aligned daily
// returns. Tickers are sorted so the matrix layout is deterministic.
type CorrelationMatrix struct {
	Tickers []string    `json:"tickers"`
	Matrix  [][]float64 `json:"matrix"`
}

// ComputeCorrelationMatrix builds the Pearson correlation matrix from aligned
// per-ticker return series.
func ComputeCorrelationMatrix(perTicker map[string][]float64) (*CorrelationMatrix, error) {
	if len(perTicker) < 2 {
		return nil, domain.NewValidationError("tickers", "correlation requires at least two tickers")
	}

	tickers := make([]string, 0, len(perTicker))
	n := -1
	for ticker, series := range perTicker {
		tickers = append(tickers, ticker)
		if n == -1 || len(series) < n {
			n = len(series)
		}
	}
	sort.Strings(tickers)
	if n < 2 {
		return nil, domain.NewValidationError("tickers", "not enough overlapping observations for correlation")
	}

	matrix := make([][]float64, len(tickers))
	for i := range matrix {
		matrix[i] = make([]float64, len(tickers))
		matrix[i][i] = 1
	}
	for i := 0; i < len(tickers); i++ {
		for j := i + 1; j < len(tickers); j++ {
			corr := stat.Correlation(perTicker[tickers[i]][:n], perTicker[tickers[j]][:n], nil)
			matrix[i][j] = corr
			matrix[j][i] = corr
		}
	}

	return &CorrelationMatrix{Tickers: tickers, Matrix: matrix}, nil
}

// HighlyCorrelatedPairs lists ticker pairs whose correlation is at or above
// the threshold, ordered by correlation descending then lexicographically.
func (m *CorrelationMatrix) HighlyCorrelatedPairs(threshold float64) []CorrelatedPair {
	var pairs []CorrelatedPair
	for i := 0; i < len(m.Tickers); i++ {
		for j := i + 1; j < len(m.Tickers); j++ {
			if m.Matrix[i][j] >= threshold {
				pairs = append(pairs, CorrelatedPair{
					TickerA:     m.Tickers[i],
					TickerB:     m.Tickers[j],
					Correlation: m.Matrix[i][j],
				})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Correlation != pairs[j].Correlation {
			return pairs[i].Correlation > pairs[j].Correlation
		}
		if pairs[i].TickerA != pairs[j].TickerA {
			return pairs[i].TickerA < pairs[j].TickerA
		}
		return pairs[i].TickerB < pairs[j].TickerB
	})
	return pairs
}

// CorrelatedPair names two tickers and their correlation.
type CorrelatedPair struct {
	TickerA     string  `json:"ticker_a"`
	TickerB     string  `json:"ticker_b"`
	Correlation float64 `json:"correlation"`
}
