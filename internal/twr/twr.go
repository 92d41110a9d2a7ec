// Package twr computes time-weighted returns with the Modified Dietz
// approximation. Every function is pure; monetary inputs and returns are
// decimals, the annualized and risk figures are float64 percentages.
package twr

import (
	"math"
	"sort"
	"time"

	"folio/internal/models"

	"github.com/shopspring/decimal"
)

// TradingDaysPerYear is the annualization factor for daily volatility.
const TradingDaysPerYear = 252

// minAnnualizeDays is the shortest window that gets extrapolated to a year.
const minAnnualizeDays = 30

var one = decimal.NewFromInt(1)

type DateRange struct {
	Start, End time.Time
}

// DailyValue is the portfolio value observed at the end of a day.
type DailyValue struct {
	Date  time.Time
	Value decimal.Decimal
}

type Result struct {
	TotalReturn      decimal.Decimal
	AnnualizedReturn float64
	SubPeriods       []models.TWRSubPeriod
}

// CalculatePeriodReturn returns the Modified Dietz return of one period:
//
//	R = (EMV - BMV - sum(CF)) / (BMV + sum(CF_i * W_i))
//
// where W_i is the share of the period remaining after CF_i.
func CalculatePeriodReturn(startValue, endValue decimal.Decimal, cashFlows []models.CashFlowEvent, startDate, endDate time.Time) decimal.Decimal {
	totalDays := models.DaysBetween(startDate, endDate)
	if totalDays == 0 {
		if startValue.IsZero() {
			return decimal.Zero
		}
		return endValue.Sub(startValue).Div(startValue)
	}

	totalFlow := decimal.Zero
	for _, cf := range cashFlows {
		totalFlow = totalFlow.Add(cf.Amount)
	}
	if startValue.IsZero() && !totalFlow.IsZero() {
		return endValue.Sub(totalFlow).Div(totalFlow)
	}

	days := decimal.NewFromInt(int64(totalDays))
	weighted := decimal.Zero
	for _, cf := range cashFlows {
		remaining := decimal.NewFromInt(int64(models.DaysBetween(cf.Date, endDate)))
		weighted = weighted.Add(cf.Amount.Mul(remaining).Div(days))
	}

	denominator := startValue.Add(weighted)
	if denominator.IsZero() {
		return decimal.Zero
	}
	return endValue.Sub(startValue).Sub(totalFlow).Div(denominator)
}

// CompoundReturns links sub-period returns geometrically. The empty product
// yields zero.
func CompoundReturns(returns []decimal.Decimal) decimal.Decimal {
	if len(returns) == 0 {
		return decimal.Zero
	}
	growth := one
	for _, r := range returns {
		growth = growth.Mul(one.Add(r))
	}
	return growth.Sub(one)
}

// CreateSubPeriods splits r at each distinct cash flow day strictly inside
// the range. A sub-period owns the flows dated in [start, end), the last one
// also owns flows on its end day. Values and returns are left for the caller.
func CreateSubPeriods(r DateRange, cashFlows []models.CashFlowEvent) []models.TWRSubPeriod {
	start, end := models.DayOf(r.Start), models.DayOf(r.End)

	seen := map[time.Time]bool{}
	boundaries := []time.Time{start}
	for _, cf := range cashFlows {
		d := models.DayOf(cf.Date)
		if d.After(start) && d.Before(end) && !seen[d] {
			seen[d] = true
			boundaries = append(boundaries, d)
		}
	}
	sort.Slice(boundaries, func(i, j int) bool { return boundaries[i].Before(boundaries[j]) })
	boundaries = append(boundaries, end)

	periods := make([]models.TWRSubPeriod, 0, len(boundaries)-1)
	for i := 0; i < len(boundaries)-1; i++ {
		from, to := boundaries[i], boundaries[i+1]
		last := i == len(boundaries)-2
		p := models.TWRSubPeriod{StartDate: from, EndDate: to}
		for _, cf := range cashFlows {
			d := models.DayOf(cf.Date)
			if d.Before(from) {
				continue
			}
			if d.Before(to) || (last && d.Equal(to)) {
				p.CashFlows = append(p.CashFlows, cf)
			}
		}
		periods = append(periods, p)
	}
	return periods
}

// AnnualizeReturn converts a total return over days into an annual
// percentage. Windows shorter than a month are not extrapolated.
func AnnualizeReturn(totalReturn decimal.Decimal, days int) float64 {
	r := totalReturn.InexactFloat64()
	if days < minAnnualizeDays {
		return r * 100
	}
	if r <= -1 {
		return -100
	}
	return (math.Pow(1+r, 365/float64(days)) - 1) * 100
}

// CalculateTWRFromDailyValues chains Modified Dietz returns between the
// cash flow days found in the observed window.
//
// Valuations are end of day, so flows dated on the first observed day are
// already part of the opening value and are ignored. A sub-period that opens
// on a cash flow day starts from the last value before that day, which keeps
// consecutive sub-periods contiguous.
// This differs from splitting at the cash flow day's own value: a deposit
// already included in that day's end value would otherwise be counted twice.
func CalculateTWRFromDailyValues(values []DailyValue, cashFlows []models.CashFlowEvent) Result {
	if len(values) < 2 {
		return Result{TotalReturn: decimal.Zero}
	}

	sorted := make([]DailyValue, len(values))
	copy(sorted, values)
	for i := range sorted {
		sorted[i].Date = models.DayOf(sorted[i].Date)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	first, last := sorted[0].Date, sorted[len(sorted)-1].Date
	days := models.DaysBetween(first, last)

	var flows []models.CashFlowEvent
	for _, cf := range cashFlows {
		d := models.DayOf(cf.Date)
		if d.After(first) && !d.After(last) {
			flows = append(flows, cf)
		}
	}
	sort.SliceStable(flows, func(i, j int) bool { return flows[i].Date.Before(flows[j].Date) })

	if len(flows) == 0 {
		p := models.TWRSubPeriod{
			StartDate:  first,
			EndDate:    last,
			StartValue: sorted[0].Value,
			EndValue:   sorted[len(sorted)-1].Value,
		}
		p.PeriodReturn = CalculatePeriodReturn(p.StartValue, p.EndValue, nil, first, last)
		return Result{
			TotalReturn:      p.PeriodReturn,
			AnnualizedReturn: AnnualizeReturn(p.PeriodReturn, days),
			SubPeriods:       []models.TWRSubPeriod{p},
		}
	}

	periods := CreateSubPeriods(DateRange{Start: first, End: last}, flows)
	returns := make([]decimal.Decimal, 0, len(periods))
	for i := range periods {
		p := &periods[i]
		if i == 0 {
			p.StartValue, _ = valueOnOrBefore(sorted, p.StartDate)
		} else {
			p.StartValue, _ = valueBefore(sorted, p.StartDate)
		}
		if i == len(periods)-1 {
			p.EndValue, _ = valueOnOrBefore(sorted, p.EndDate)
		} else {
			p.EndValue, _ = valueBefore(sorted, p.EndDate)
		}
		p.PeriodReturn = CalculatePeriodReturn(p.StartValue, p.EndValue, p.CashFlows, p.StartDate, p.EndDate)
		returns = append(returns, p.PeriodReturn)
	}

	total := CompoundReturns(returns)
	return Result{
		TotalReturn:      total,
		AnnualizedReturn: AnnualizeReturn(total, days),
		SubPeriods:       periods,
	}
}

// valueOnOrBefore returns the exact value for day or the nearest earlier one.
func valueOnOrBefore(sorted []DailyValue, day time.Time) (decimal.Decimal, bool) {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i].Date.After(day) })
	if i == 0 {
		return decimal.Zero, false
	}
	return sorted[i-1].Value, true
}

func valueBefore(sorted []DailyValue, day time.Time) (decimal.Decimal, bool) {
	return valueOnOrBefore(sorted, day.Add(-models.Day))
}

// CalculateVolatility returns the annualized sample standard deviation of
// fractional daily returns, as a percentage.
func CalculateVolatility(dailyReturns []float64) float64 {
	n := len(dailyReturns)
	if n < 2 {
		return 0
	}
	var mean float64
	for _, r := range dailyReturns {
		mean += r
	}
	mean /= float64(n)

	var sq float64
	for _, r := range dailyReturns {
		sq += (r - mean) * (r - mean)
	}
	std := math.Sqrt(sq / float64(n-1))
	return std * math.Sqrt(TradingDaysPerYear) * 100
}

// CalculateSharpeRatio divides excess return by volatility, all in percent.
func CalculateSharpeRatio(annualizedReturnPct, volatilityPct, riskFreeRatePct float64) float64 {
	if volatilityPct == 0 || math.IsNaN(volatilityPct) {
		return 0
	}
	return (annualizedReturnPct - riskFreeRatePct) / volatilityPct
}
