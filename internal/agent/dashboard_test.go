package agent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() *RiskDashboardSpec {
	return &RiskDashboardSpec{
		Metadata: DashboardMetadata{
			AsOf:         time.Date(2024, 12, 1, 10, 0, 0, 0, time.UTC),
			ScenarioType: "portfolio_risk",
			BaseCurrency: "RUB",
			PortfolioID:  "s-1",
		},
		Metrics: []DashboardMetric{
			{ID: "total_return", Label: "Total return", Value: 12.5, Unit: "%"},
		},
		Charts: []DashboardChart{
			{
				ID:   "weights_pie",
				Type: "pie",
				Series: []DashboardSeries{
					{Label: "Weights", DataRef: "data.positions", XField: "ticker", YField: "weight"},
				},
			},
		},
		Tables: []DashboardTable{
			{
				ID:      "positions",
				DataRef: "data.positions",
				Columns: []DashboardColumn{{ID: "ticker", Label: "Ticker", Align: "left"}},
			},
		},
		Data: map[string]any{
			"positions": []map[string]any{{"ticker": "SBER", "weight": 0.5}},
		},
		TimeSeries: map[string][]map[string]any{
			"equity_curve": {{"date": "2024-01-01", "value": 1.0}},
		},
	}
}

func TestDashboardSpec_ValidPassesValidation(t *testing.T) {
	assert.Empty(t, validSpec().Validate())
}

func TestDashboardSpec_DanglingDataRef(t *testing.T) {
	spec := validSpec()
	spec.Charts[0].Series[0].DataRef = "data.nope"
	problems := spec.Validate()
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "data.nope")
}

func TestDashboardSpec_TimeSeriesRefResolves(t *testing.T) {
	spec := validSpec()
	spec.Charts = append(spec.Charts, DashboardChart{
		ID:   "equity",
		Type: "line",
		Series: []DashboardSeries{
			{Label: "Equity", DataRef: "time_series.equity_curve", XField: "date", YField: "value"},
		},
	})
	assert.Empty(t, spec.Validate())
}

func TestDashboardSpec_UnknownChartType(t *testing.T) {
	spec := validSpec()
	spec.Charts[0].Type = "sankey"
	problems := spec.Validate()
	require.NotEmpty(t, problems)
	assert.Contains(t, problems[0], "sankey")
}

func TestDashboardSpec_TableNeedsColumns(t *testing.T) {
	spec := validSpec()
	spec.Tables[0].Columns = nil
	assert.NotEmpty(t, spec.Validate())
}

func TestDashboardSpec_RoundTrip(t *testing.T) {
	original := validSpec()
	raw, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded RiskDashboardSpec
	require.NoError(t, json.Unmarshal(raw, &decoded))

	reencoded, err := json.Marshal(&decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(reencoded))
	assert.Empty(t, decoded.Validate(), "a re-parsed spec still validates")
}
