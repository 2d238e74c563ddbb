package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classify(t *testing.T, query string) (ScenarioType, bool) {
	t.Helper()
	parsed := ParseRequest(query, time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC))
	return ClassifyScenario(query, parsed)
}

func TestClassifyScenario_Rules(t *testing.T) {
	tests := []struct {
		query    string
		expected ScenarioType
	}{
		{"Проанализируй риск портфеля SBER 50%, GAZP 50%", ScenarioPortfolioRisk},
		{"portfolio risk for SBER 50%, GAZP 50%", ScenarioPortfolioRisk},
		{"Сравни SBER и GAZP", ScenarioCompareSecurities},
		{"compare SBER versus GAZP", ScenarioCompareSecurities},
		{"Риски индекса IMOEX", ScenarioIndexRiskScan},
		{"CFO liquidity report: SBER 50%, OFZ 50%", ScenarioCFOLiquidity},
		{"отчёт по ликвидности портфеля SBER 60%, GAZP 40%", ScenarioCFOLiquidity},
		{"Подробный риск портфеля с ребалансировкой SBER 50%, GAZP 50%", ScenarioPortfolioDrill},
		{"Что происходит с акцией SBER?", ScenarioSingleSecurity},
		{"Найди аналоги SBER", ScenarioIssuerPeers},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			scenario, _ := classify(t, tt.query)
			assert.Equal(t, tt.expected, scenario)
		})
	}
}

func TestClassifyScenario_Confidence(t *testing.T) {
	_, confident := classify(t, "Что происходит с акцией SBER?")
	assert.True(t, confident, "a single recognised ticker is a confident single-security match")

	_, confident = classify(t, "Расскажи что-нибудь интересное")
	assert.False(t, confident, "no entities and no keywords leaves the classifier unsure")
}

func TestCatalogue_CoversAllScenarios(t *testing.T) {
	catalogue := Catalogue()
	for _, scenario := range []ScenarioType{
		ScenarioSingleSecurity, ScenarioCompareSecurities, ScenarioIndexRiskScan,
		ScenarioPortfolioRisk, ScenarioPortfolioDrill, ScenarioCFOLiquidity, ScenarioIssuerPeers,
	} {
		template, ok := catalogue[scenario]
		require.True(t, ok, "missing template for %s", scenario)
		assert.NotEmpty(t, template.Steps)
		assert.NotEmpty(t, template.ID)
	}
}
