package moex

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/trustmycode/moex-agent/internal/domain"
)

// issDocument is the generic ISS response shape: named blocks of
// column-oriented tables.
type issDocument map[string]issTable

// issTable holds one ISS block as parallel column names and row tuples.
type issTable struct {
	Columns []string `json:"columns"`
	Data    [][]any  `json:"data"`
}

// index builds a case-insensitive column name -> position map.
func (t issTable) index() map[string]int {
	idx := make(map[string]int, len(t.Columns))
	for i, col := range t.Columns {
		idx[strings.ToUpper(col)] = i
	}
	return idx
}

func cellString(row []any, idx map[string]int, col string) string {
	i, ok := idx[col]
	if !ok || i >= len(row) || row[i] == nil {
		return ""
	}
	if s, ok := row[i].(string); ok {
		return s
	}
	return fmt.Sprintf("%v", row[i])
}

func cellFloat(row []any, idx map[string]int, col string) float64 {
	i, ok := idx[col]
	if !ok || i >= len(row) || row[i] == nil {
		return 0
	}
	if f, ok := row[i].(float64); ok {
		return f
	}
	return 0
}

// parseSnapshot extracts a SecuritySnapshot from the securities+marketdata
// blocks. An empty securities block means ISS does not know the ticker on
// this board.
func parseSnapshot(doc *issDocument, ticker, board string) (*domain.SecuritySnapshot, error) {
	securities, ok := (*doc)["securities"]
	if !ok || len(securities.Data) == 0 {
		return nil, domain.NewError(domain.CategoryInvalidTicker,
			fmt.Sprintf("ticker %s not found on board %s", ticker, board), nil)
	}

	secIdx := securities.index()
	secRow := securities.Data[0]

	snapshot := &domain.SecuritySnapshot{
		Ticker:    strings.ToUpper(ticker),
		Board:     board,
		ShortName: cellString(secRow, secIdx, "SHORTNAME"),
		PrevClose: cellFloat(secRow, secIdx, "PREVPRICE"),
		Currency:  cellString(secRow, secIdx, "CURRENCYID"),
		LotSize:   int(cellFloat(secRow, secIdx, "LOTSIZE")),
		MarketCap: cellFloat(secRow, secIdx, "ISSUECAPITALIZATION"),
		UpdatedAt: time.Now().UTC(),
	}

	if marketdata, ok := (*doc)["marketdata"]; ok && len(marketdata.Data) > 0 {
		mdIdx := marketdata.index()
		mdRow := marketdata.Data[0]
		snapshot.LastPrice = cellFloat(mdRow, mdIdx, "LAST")
		snapshot.Volume = cellFloat(mdRow, mdIdx, "VALTODAY")
		if snapshot.PrevClose > 0 && snapshot.LastPrice > 0 {
			snapshot.ChangePct = (snapshot.LastPrice - snapshot.PrevClose) / snapshot.PrevClose * 100
		}
	}

	// Quoted but never traded today: fall back to the previous close
	if snapshot.LastPrice == 0 {
		snapshot.LastPrice = snapshot.PrevClose
	}

	return snapshot, nil
}

// parseCandles extracts OHLCV bars, sorted strictly by date.
func parseCandles(doc *issDocument, ticker string) ([]domain.OHLCVBar, error) {
	candles, ok := (*doc)["candles"]
	if !ok {
		return nil, domain.NewError(domain.CategoryInvalidTicker,
			fmt.Sprintf("no candle data for ticker %s", ticker), nil)
	}

	idx := candles.index()
	bars := make([]domain.OHLCVBar, 0, len(candles.Data))
	for _, row := range candles.Data {
		dateStr := cellString(row, idx, "BEGIN")
		date, err := parseISSTime(dateStr)
		if err != nil {
			continue // malformed rows are dropped, not fatal
		}
		closePrice := cellFloat(row, idx, "CLOSE")
		if closePrice <= 0 {
			continue
		}
		bars = append(bars, domain.OHLCVBar{
			Date:   date,
			Open:   cellFloat(row, idx, "OPEN"),
			High:   cellFloat(row, idx, "HIGH"),
			Low:    cellFloat(row, idx, "LOW"),
			Close:  closePrice,
			Volume: cellFloat(row, idx, "VOLUME"),
		})
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

// parseConstituents extracts index membership with weights normalised to
// fractions.
func parseConstituents(doc *issDocument, indexTicker string) ([]domain.IndexConstituent, error) {
	analytics, ok := (*doc)["analytics"]
	if !ok || len(analytics.Data) == 0 {
		return nil, domain.NewError(domain.CategoryInvalidTicker,
			fmt.Sprintf("index %s not found", indexTicker), nil)
	}

	idx := analytics.index()
	constituents := make([]domain.IndexConstituent, 0, len(analytics.Data))
	for _, row := range analytics.Data {
		ticker := cellString(row, idx, "TICKER")
		if ticker == "" {
			ticker = cellString(row, idx, "SECIDS")
		}
		if ticker == "" {
			continue
		}
		constituents = append(constituents, domain.IndexConstituent{
			Ticker:    ticker,
			ShortName: cellString(row, idx, "SHORTNAMES"),
			Weight:    cellFloat(row, idx, "WEIGHT") / 100, // ISS reports percent
		})
	}

	sort.Slice(constituents, func(i, j int) bool {
		return constituents[i].Weight > constituents[j].Weight
	})
	return constituents, nil
}

// parseDividends extracts dividend records within [from, to].
func parseDividends(doc *issDocument, ticker string, from, to time.Time) ([]domain.DividendRecord, error) {
	dividends, ok := (*doc)["dividends"]
	if !ok {
		return []domain.DividendRecord{}, nil
	}

	idx := dividends.index()
	records := make([]domain.DividendRecord, 0, len(dividends.Data))
	for _, row := range dividends.Data {
		dateStr := cellString(row, idx, "REGISTRYCLOSEDATE")
		date, err := parseISSTime(dateStr)
		if err != nil {
			continue
		}
		if date.Before(from) || date.After(to) {
			continue
		}
		records = append(records, domain.DividendRecord{
			Ticker:       strings.ToUpper(ticker),
			RegistryDate: date,
			Value:        cellFloat(row, idx, "VALUE"),
			Currency:     cellString(row, idx, "CURRENCYID"),
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].RegistryDate.Before(records[j].RegistryDate)
	})
	return records, nil
}

// parseISSTime accepts the two timestamp formats ISS uses.
func parseISSTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse("2006-01-02 15:04:05", value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}
