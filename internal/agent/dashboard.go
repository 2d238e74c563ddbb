package agent

import (
	"fmt"
	"strings"
	"time"
)

// RiskDashboardSpec is the validated dashboard document consumed by the web
// UI. Every chart series and table binds to rows under data or time_series
// through a dotted data_ref; Validate refuses specs with dangling references.
type RiskDashboardSpec struct {
	Metadata   DashboardMetadata           `json:"metadata"`
	Metrics    []DashboardMetric           `json:"metrics,omitempty"`
	Charts     []DashboardChart            `json:"charts,omitempty"`
	Tables     []DashboardTable            `json:"tables,omitempty"`
	Alerts     []DashboardAlert            `json:"alerts,omitempty"`
	Data       map[string]any              `json:"data,omitempty"`
	TimeSeries map[string][]map[string]any `json:"time_series,omitempty"`
}

// DashboardMetadata identifies the dashboard.
type DashboardMetadata struct {
	AsOf         time.Time `json:"as_of"`
	ScenarioType string    `json:"scenario_type"`
	BaseCurrency string    `json:"base_currency"`
	PortfolioID  string    `json:"portfolio_id,omitempty"`
}

// DashboardMetric is one headline number.
type DashboardMetric struct {
	ID       string  `json:"id"`
	Label    string  `json:"label"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit,omitempty"`
	Severity string  `json:"severity,omitempty"`
	Change   float64 `json:"change,omitempty"`
}

// DashboardChart describes one chart.
type DashboardChart struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"` // line, bar or pie
	XAxis  string            `json:"x_axis,omitempty"`
	YAxis  string            `json:"y_axis,omitempty"`
	Series []DashboardSeries `json:"series"`
}

// DashboardSeries binds a chart to data via a dotted reference.
type DashboardSeries struct {
	Label   string `json:"label"`
	DataRef string `json:"data_ref"`
	XField  string `json:"x_field,omitempty"`
	YField  string `json:"y_field,omitempty"`
}

// DashboardTable describes one table.
type DashboardTable struct {
	ID      string            `json:"id"`
	Title   string            `json:"title,omitempty"`
	Columns []DashboardColumn `json:"columns"`
	DataRef string            `json:"data_ref"`
}

// DashboardColumn is one table column.
type DashboardColumn struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Align string `json:"align,omitempty"`
}

// DashboardAlert is one raised alert.
type DashboardAlert struct {
	Severity   string   `json:"severity"`
	Message    string   `json:"message"`
	RelatedIDs []string `json:"related_ids,omitempty"`
}

// Validate checks that every data_ref resolves to an array or object present
// under data or time_series. It returns all problems, not just the first.
func (s *RiskDashboardSpec) Validate() []string {
	var problems []string
	check := func(owner, ref string) {
		if ref == "" {
			problems = append(problems, fmt.Sprintf("%s: empty data_ref", owner))
			return
		}
		if !s.resolves(ref) {
			problems = append(problems, fmt.Sprintf("%s: data_ref %q does not resolve", owner, ref))
		}
	}
	for _, chart := range s.Charts {
		switch chart.Type {
		case "line", "bar", "pie":
		default:
			problems = append(problems, fmt.Sprintf("chart %s: unknown type %q", chart.ID, chart.Type))
		}
		for _, series := range chart.Series {
			check("chart "+chart.ID, series.DataRef)
		}
	}
	for _, table := range s.Tables {
		check("table "+table.ID, table.DataRef)
		if len(table.Columns) == 0 {
			problems = append(problems, fmt.Sprintf("table %s: no columns", table.ID))
		}
	}
	return problems
}

// resolves walks a dotted reference rooted at data. or time_series. and
// reports whether it lands on an array or object.
func (s *RiskDashboardSpec) resolves(ref string) bool {
	parts := strings.Split(ref, ".")
	if len(parts) < 2 {
		return false
	}

	var current any
	switch parts[0] {
	case "data":
		if s.Data == nil {
			return false
		}
		value, ok := s.Data[parts[1]]
		if !ok {
			return false
		}
		current = value
	case "time_series":
		if s.TimeSeries == nil {
			return false
		}
		value, ok := s.TimeSeries[parts[1]]
		if !ok {
			return false
		}
		current = value
	default:
		return false
	}

	for _, segment := range parts[2:] {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		current, ok = m[segment]
		if !ok {
			return false
		}
	}

	switch current.(type) {
	case []any, []map[string]any, map[string]any:
		return true
	default:
		return false
	}
}
