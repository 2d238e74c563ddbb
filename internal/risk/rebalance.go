package risk

import (
	"fmt"
	"math"
	"sort"

	"github.com/trustmycode/moex-agent/internal/domain"
)

const weightEpsilon = 1e-9

// RebalancePosition is one input position for the rebalance heuristic.
type RebalancePosition struct {
	Ticker        string            `json:"ticker"`
	CurrentWeight float64           `json:"current_weight"`
	AssetClass    domain.AssetClass `json:"asset_class"`
	Issuer        string            `json:"issuer,omitempty"`
}

// RiskProfile holds the constraints the rebalance must satisfy.
type RiskProfile struct {
	MaxSinglePositionWeight float64            `json:"max_single_position_weight,omitempty"`
	MaxIssuerWeight         float64            `json:"max_issuer_weight,omitempty"`
	MaxTurnover             float64            `json:"max_turnover,omitempty"`
	ClassCaps               map[string]float64 `json:"class_caps,omitempty"`
	TargetAssetClassWeights map[string]float64 `json:"target_asset_class_weights,omitempty"`
}

// Trade is one suggested adjustment.
type Trade struct {
	Ticker         string  `json:"ticker"`
	Side           string  `json:"side"` // buy or sell
	WeightDelta    float64 `json:"weight_delta"`
	EstimatedValue float64 `json:"estimated_value,omitempty"`
}

// RebalanceSummary aggregates the outcome.
type RebalanceSummary struct {
	TotalTurnover               float64  `json:"total_turnover"`
	ConcentrationIssuesResolved int      `json:"concentration_issues_resolved"`
	Warnings                    []string `json:"warnings,omitempty"`
}

// RebalanceResult is the full output of SuggestRebalance.
type RebalanceResult struct {
	Targets map[string]float64 `json:"targets"`
	Trades  []Trade            `json:"trades"`
	Summary RebalanceSummary   `json:"summary"`
}

// SuggestRebalance runs the deterministic constraint-driven heuristic.
//
// The algorithm caps violating positions, pools the displaced weight,
// redistributes it to under-cap positions (class targets guide the
// distribution when present), and finally scales all deltas down when the
// implied turnover exceeds the budget. Constraints that remain violated after
// scaling are reported as warnings, not errors. Ties sort by ticker so the
// output is stable.
func SuggestRebalance(positions []RebalancePosition, profile RiskProfile, totalValue float64) (*RebalanceResult, error) {
	if len(positions) == 0 {
		return nil, domain.NewValidationError("positions", "at least one position is required")
	}

	current := make(map[string]float64, len(positions))
	order := make([]string, 0, len(positions))
	sum := 0.0
	for _, p := range positions {
		if _, dup := current[p.Ticker]; dup {
			return nil, domain.NewValidationError("positions", fmt.Sprintf("duplicate ticker %s", p.Ticker))
		}
		current[p.Ticker] = p.CurrentWeight
		order = append(order, p.Ticker)
		sum += p.CurrentWeight
	}
	if math.Abs(sum-1) > domain.WeightSumTolerance {
		return nil, domain.NewValidationError("positions", fmt.Sprintf("current weights sum to %.6f, expected 1.0", sum))
	}
	sort.Strings(order)

	byTicker := make(map[string]RebalancePosition, len(positions))
	for _, p := range positions {
		byTicker[p.Ticker] = p
	}

	target := make(map[string]float64, len(current))
	for k, v := range current {
		target[k] = v
	}

	initialViolations := countViolations(target, byTicker, profile)

	// Step 1: cap single-position violations, largest excess first.
	pool := 0.0
	capped := make(map[string]bool)
	if profile.MaxSinglePositionWeight > 0 {
		type violation struct {
			ticker string
			excess float64
		}
		var violations []violation
		for _, ticker := range order {
			if excess := target[ticker] - profile.MaxSinglePositionWeight; excess > weightEpsilon {
				violations = append(violations, violation{ticker, excess})
			}
		}
		sort.Slice(violations, func(i, j int) bool {
			if violations[i].excess != violations[j].excess {
				return violations[i].excess > violations[j].excess
			}
			return violations[i].ticker < violations[j].ticker
		})
		for _, v := range violations {
			pool += v.excess
			target[v.ticker] = profile.MaxSinglePositionWeight
			capped[v.ticker] = true
		}
	}

	// Step 2: enforce issuer-group caps by trimming members proportionally.
	if profile.MaxIssuerWeight > 0 {
		pool += trimGroups(target, order, profile.MaxIssuerWeight, capped, func(ticker string) string {
			return IssuerOf(domain.Position{Ticker: ticker, Issuer: byTicker[ticker].Issuer})
		}, nil)
	}

	// Step 3: enforce per-class caps.
	if len(profile.ClassCaps) > 0 {
		pool += trimGroups(target, order, 0, capped, func(ticker string) string {
			return string(byTicker[ticker].AssetClass)
		}, profile.ClassCaps)
	}

	// Step 4: redistribute the excess pool to under-cap positions.
	var warnings []string
	if pool > weightEpsilon {
		pool = distribute(pool, target, order, byTicker, profile, capped)
		if pool > weightEpsilon {
			// No capacity left anywhere: hand the remainder back pro-rata so the
			// weights still sum to one, and report the shortfall.
			for _, ticker := range order {
				target[ticker] += pool * current[ticker]
			}
			warnings = append(warnings, fmt.Sprintf("could not place %.4f of displaced weight within constraints", pool))
		}
	}

	// Step 5: turnover budget.
	turnover := 0.0
	for _, ticker := range order {
		turnover += math.Abs(target[ticker] - current[ticker])
	}
	turnover /= 2

	if profile.MaxTurnover > 0 && turnover > profile.MaxTurnover+weightEpsilon {
		scale := profile.MaxTurnover / turnover
		for _, ticker := range order {
			delta := target[ticker] - current[ticker]
			target[ticker] = current[ticker] + delta*scale
		}
		turnover = profile.MaxTurnover
		warnings = append(warnings, fmt.Sprintf("turnover budget %.4f limits the rebalance; deltas scaled by %.4f", profile.MaxTurnover, scale))
	}

	// Step 6: record anything still violated.
	remaining := countViolations(target, byTicker, profile)
	for _, v := range describeViolations(target, byTicker, profile) {
		warnings = append(warnings, v)
	}

	resolved := initialViolations - remaining
	if resolved < 0 {
		resolved = 0
	}

	trades := make([]Trade, 0, len(order))
	for _, ticker := range order {
		delta := target[ticker] - current[ticker]
		if math.Abs(delta) <= weightEpsilon {
			continue
		}
		side := "buy"
		if delta < 0 {
			side = "sell"
		}
		trade := Trade{Ticker: ticker, Side: side, WeightDelta: delta}
		if totalValue > 0 {
			trade.EstimatedValue = delta * totalValue
		}
		trades = append(trades, trade)
	}

	return &RebalanceResult{
		Targets: target,
		Trades:  trades,
		Summary: RebalanceSummary{
			TotalTurnover:               turnover,
			ConcentrationIssuesResolved: resolved,
			Warnings:                    warnings,
		},
	}, nil
}

// trimGroups brings each over-cap group down to its cap by trimming members
// proportionally to their weight, returning the total displaced mass. When
// caps is nil, flatCap applies to every group; otherwise caps[group] applies
// and absent groups are unconstrained.
func trimGroups(target map[string]float64, order []string, flatCap float64, capped map[string]bool, groupOf func(string) string, caps map[string]float64) float64 {
	groupSum := make(map[string]float64)
	members := make(map[string][]string)
	for _, ticker := range order {
		g := groupOf(ticker)
		groupSum[g] += target[ticker]
		members[g] = append(members[g], ticker)
	}

	groups := make([]string, 0, len(groupSum))
	for g := range groupSum {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	displaced := 0.0
	for _, g := range groups {
		cap := flatCap
		if caps != nil {
			c, ok := caps[g]
			if !ok {
				continue
			}
			cap = c
		}
		if cap <= 0 {
			continue
		}
		excess := groupSum[g] - cap
		if excess <= weightEpsilon {
			continue
		}
		total := groupSum[g]
		for _, ticker := range members[g] {
			cut := excess * target[ticker] / total
			target[ticker] -= cut
			displaced += cut
			capped[ticker] = true
		}
	}
	return displaced
}

// distribute places pool weight onto receivers with headroom, proportionally
// to that headroom, honouring class targets when present. Returns the mass it
// could not place. Bounded passes keep the routine loop-free in the limit.
func distribute(pool float64, target map[string]float64, order []string, byTicker map[string]RebalancePosition, profile RiskProfile, capped map[string]bool) float64 {
	for pass := 0; pass < 8 && pool > weightEpsilon; pass++ {
		headrooms := make(map[string]float64)
		totalHeadroom := 0.0
		totalPreference := 0.0
		preference := make(map[string]float64)

		classSum := make(map[string]float64)
		for _, ticker := range order {
			classSum[string(byTicker[ticker].AssetClass)] += target[ticker]
		}

		for _, ticker := range order {
			if capped[ticker] {
				continue
			}
			headroom := math.Inf(1)
			if profile.MaxSinglePositionWeight > 0 {
				headroom = profile.MaxSinglePositionWeight - target[ticker]
			}
			class := string(byTicker[ticker].AssetClass)
			if cap, ok := profile.ClassCaps[class]; ok {
				classRoom := cap - classSum[class]
				if classRoom < headroom {
					headroom = classRoom
				}
			}
			if math.IsInf(headroom, 1) {
				headroom = pool // unconstrained receivers can absorb everything
			}
			if headroom <= weightEpsilon {
				continue
			}
			headrooms[ticker] = headroom
			totalHeadroom += headroom

			// Positions in classes below their target weight are the preferred
			// receivers when class targets exist.
			if targetWeight, ok := profile.TargetAssetClassWeights[class]; ok {
				if deficit := targetWeight - classSum[class]; deficit > weightEpsilon {
					preference[ticker] = headroom
					totalPreference += headroom
				}
			}
		}

		if totalHeadroom <= weightEpsilon {
			return pool
		}

		pot := headrooms
		potTotal := totalHeadroom
		if totalPreference > weightEpsilon {
			pot = preference
			potTotal = totalPreference
		}

		placed := 0.0
		for _, ticker := range order {
			headroom, ok := pot[ticker]
			if !ok {
				continue
			}
			share := pool * headroom / potTotal
			if share > headroom {
				share = headroom
			}
			target[ticker] += share
			placed += share
		}
		pool -= placed
		if placed <= weightEpsilon {
			return pool
		}
	}
	return pool
}

// countViolations counts constraints currently breached by target.
func countViolations(target map[string]float64, byTicker map[string]RebalancePosition, profile RiskProfile) int {
	return len(describeViolations(target, byTicker, profile))
}

// describeViolations lists breached constraints in deterministic order.
func describeViolations(target map[string]float64, byTicker map[string]RebalancePosition, profile RiskProfile) []string {
	var out []string

	tickers := make([]string, 0, len(target))
	for t := range target {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	if profile.MaxSinglePositionWeight > 0 {
		for _, ticker := range tickers {
			if target[ticker] > profile.MaxSinglePositionWeight+1e-6 {
				out = append(out, fmt.Sprintf("%s weight %.4f exceeds single-position cap %.4f", ticker, target[ticker], profile.MaxSinglePositionWeight))
			}
		}
	}

	if profile.MaxIssuerWeight > 0 {
		issuerSum := make(map[string]float64)
		for _, ticker := range tickers {
			issuerSum[IssuerOf(domain.Position{Ticker: ticker, Issuer: byTicker[ticker].Issuer})] += target[ticker]
		}
		issuers := make([]string, 0, len(issuerSum))
		for i := range issuerSum {
			issuers = append(issuers, i)
		}
		sort.Strings(issuers)
		for _, issuer := range issuers {
			if issuerSum[issuer] > profile.MaxIssuerWeight+1e-6 {
				out = append(out, fmt.Sprintf("issuer %s weight %.4f exceeds cap %.4f", issuer, issuerSum[issuer], profile.MaxIssuerWeight))
			}
		}
	}

	if len(profile.ClassCaps) > 0 {
		classSum := make(map[string]float64)
		for _, ticker := range tickers {
			classSum[string(byTicker[ticker].AssetClass)] += target[ticker]
		}
		classes := make([]string, 0, len(profile.ClassCaps))
		for c := range profile.ClassCaps {
			classes = append(classes, c)
		}
		sort.Strings(classes)
		for _, class := range classes {
			if classSum[class] > profile.ClassCaps[class]+1e-6 {
				out = append(out, fmt.Sprintf("asset class %s weight %.4f exceeds cap %.4f", class, classSum[class], profile.ClassCaps[class]))
			}
		}
	}

	return out
}
