package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"folio/internal/models"
	"folio/internal/twr"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var ErrUnknownPeriod = errors.New("unknown period")

type Period string

const (
	Period1W  Period = "1W"
	Period1M  Period = "1M"
	Period3M  Period = "3M"
	Period6M  Period = "6M"
	PeriodYTD Period = "YTD"
	Period1Y  Period = "1Y"
	PeriodAll Period = "ALL"
)

func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToUpper(strings.TrimSpace(s))); p {
	case Period1W, Period1M, Period3M, Period6M, PeriodYTD, Period1Y, PeriodAll:
		return p, nil
	case "":
		return Period1M, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPeriod, s)
	}
}

// Range returns the inclusive day range of the period ending on asOf. ALL
// starts at the zero time.
func (p Period) Range(asOf time.Time) (time.Time, time.Time) {
	end := models.DayOf(asOf)
	switch p {
	case Period1W:
		return end.AddDate(0, 0, -7), end
	case Period1M:
		return end.AddDate(0, -1, 0), end
	case Period3M:
		return end.AddDate(0, -3, 0), end
	case Period6M:
		return end.AddDate(0, -6, 0), end
	case PeriodYTD:
		return time.Date(end.Year(), time.January, 1, 0, 0, 0, 0, time.UTC), end
	case Period1Y:
		return end.AddDate(-1, 0, 0), end
	default:
		return time.Time{}, end
	}
}

// SnapshotReader is the read side of the snapshot store.
type SnapshotReader interface {
	GetByPortfolio(ctx context.Context, portfolioID string, start, end time.Time) ([]models.PerformanceSnapshot, error)
}

// AnalyticsService answers read-only questions from the stored series.
type AnalyticsService struct {
	snaps    SnapshotReader
	txs      TransactionReader
	prices   PriceLookup
	riskFree float64
	log      *logrus.Logger
}

// NewAnalyticsService builds the service. riskFreeRatePct is an annual
// percentage used for the Sharpe ratio.
func NewAnalyticsService(snaps SnapshotReader, txs TransactionReader, prices PriceLookup, riskFreeRatePct float64, log *logrus.Logger) *AnalyticsService {
	return &AnalyticsService{snaps: snaps, txs: txs, prices: prices, riskFree: riskFreeRatePct, log: log}
}

type ValuePoint struct {
	Date  time.Time       `json:"date"`
	Value decimal.Decimal `json:"value"`
}

type DayMove struct {
	Date          time.Time       `json:"date"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
}

type Summary struct {
	PortfolioID           string          `json:"portfolio_id"`
	Period                Period          `json:"period"`
	StartDate             time.Time       `json:"start_date"`
	EndDate               time.Time       `json:"end_date"`
	StartValue            decimal.Decimal `json:"start_value"`
	EndValue              decimal.Decimal `json:"end_value"`
	TotalCost             decimal.Decimal `json:"total_cost"`
	ValueChange           decimal.Decimal `json:"value_change"`
	TWRReturn             decimal.Decimal `json:"twr_return"`
	AnnualizedReturn      float64         `json:"annualized_return"`
	CumulativeReturn      decimal.Decimal `json:"cumulative_return"`
	High                  ValuePoint      `json:"high"`
	Low                   ValuePoint      `json:"low"`
	BestDay               DayMove         `json:"best_day"`
	WorstDay              DayMove         `json:"worst_day"`
	Volatility            float64         `json:"volatility"`
	SharpeRatio           float64         `json:"sharpe_ratio"`
	Days                  int             `json:"days"`
	HasInterpolatedPrices bool            `json:"has_interpolated_prices"`
}

// GetSummary returns nil when the period holds no snapshots.
func (a *AnalyticsService) GetSummary(ctx context.Context, portfolioID string, period Period, asOf time.Time) (*Summary, error) {
	start, end := period.Range(asOf)
	snaps, err := a.snaps.GetByPortfolio(ctx, portfolioID, start, end)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}

	first, last := snaps[0], snaps[len(snaps)-1]
	sum := &Summary{
		PortfolioID:      portfolioID,
		Period:           period,
		StartDate:        first.Date,
		EndDate:          last.Date,
		StartValue:       first.TotalValue,
		EndValue:         last.TotalValue,
		TotalCost:        last.TotalCost,
		ValueChange:      last.TotalValue.Sub(first.TotalValue),
		CumulativeReturn: last.CumulativeReturn,
		High:             ValuePoint{Date: first.Date, Value: first.TotalValue},
		Low:              ValuePoint{Date: first.Date, Value: first.TotalValue},
		BestDay:          DayMove{Date: first.Date, Change: first.DayChange, ChangePercent: first.DayChangePercent},
		WorstDay:         DayMove{Date: first.Date, Change: first.DayChange, ChangePercent: first.DayChangePercent},
		Days:             len(snaps),
	}

	values := make([]twr.DailyValue, 0, len(snaps))
	var daily []float64
	for _, s := range snaps {
		if s.TotalValue.GreaterThan(sum.High.Value) {
			sum.High = ValuePoint{Date: s.Date, Value: s.TotalValue}
		}
		if s.TotalValue.LessThan(sum.Low.Value) {
			sum.Low = ValuePoint{Date: s.Date, Value: s.TotalValue}
		}
		if s.DayChangePercent.GreaterThan(sum.BestDay.ChangePercent) {
			sum.BestDay = DayMove{Date: s.Date, Change: s.DayChange, ChangePercent: s.DayChangePercent}
		}
		if s.DayChangePercent.LessThan(sum.WorstDay.ChangePercent) {
			sum.WorstDay = DayMove{Date: s.Date, Change: s.DayChange, ChangePercent: s.DayChangePercent}
		}
		if !s.DayChangePercent.IsZero() {
			daily = append(daily, s.DayChangePercent.Div(hundred).InexactFloat64())
		}
		sum.HasInterpolatedPrices = sum.HasInterpolatedPrices || s.HasInterpolatedPrices
		values = append(values, twr.DailyValue{Date: s.Date, Value: s.TotalValue})
	}

	txs, err := a.txs.GetByPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	res := twr.CalculateTWRFromDailyValues(values, CashFlows(txs))
	sum.TWRReturn = res.TotalReturn.Mul(hundred).Round(percentScale)
	sum.AnnualizedReturn = res.AnnualizedReturn
	sum.Volatility = twr.CalculateVolatility(daily)
	sum.SharpeRatio = twr.CalculateSharpeRatio(sum.AnnualizedReturn, sum.Volatility, a.riskFree)
	return sum, nil
}

type Resolution string

const (
	ResolutionDaily   Resolution = "daily"
	ResolutionWeekly  Resolution = "weekly"
	ResolutionMonthly Resolution = "monthly"
)

// ResolutionFor picks the chart granularity for a window of days.
func ResolutionFor(days int) Resolution {
	switch {
	case days <= 90:
		return ResolutionDaily
	case days <= 365:
		return ResolutionWeekly
	default:
		return ResolutionMonthly
	}
}

// ChartPoint is one plotted value. High and Low span the snapshots folded
// into the point.
type ChartPoint struct {
	Date             time.Time       `json:"date"`
	Value            decimal.Decimal `json:"value"`
	High             decimal.Decimal `json:"high"`
	Low              decimal.Decimal `json:"low"`
	CumulativeReturn decimal.Decimal `json:"cumulative_return"`
}

// AggregateSnapshots reduces a date-ordered series to one point per day,
// ISO week or month depending on days. Each bucket takes the value of its
// last snapshot.
func AggregateSnapshots(snaps []models.PerformanceSnapshot, days int) []ChartPoint {
	res := ResolutionFor(days)
	points := []ChartPoint{}
	var bucket string
	for _, s := range snaps {
		key := bucketKey(s.Date, res)
		if len(points) > 0 && key == bucket {
			p := &points[len(points)-1]
			p.Date = s.Date
			p.Value = s.TotalValue
			p.CumulativeReturn = s.CumulativeReturn
			p.High = decimal.Max(p.High, s.TotalValue)
			p.Low = decimal.Min(p.Low, s.TotalValue)
			continue
		}
		bucket = key
		points = append(points, ChartPoint{
			Date:             s.Date,
			Value:            s.TotalValue,
			High:             s.TotalValue,
			Low:              s.TotalValue,
			CumulativeReturn: s.CumulativeReturn,
		})
	}
	return points
}

func bucketKey(day time.Time, res Resolution) string {
	switch res {
	case ResolutionWeekly:
		y, w := day.ISOWeek()
		return fmt.Sprintf("%d-W%02d", y, w)
	case ResolutionMonthly:
		return day.Format("2006-01")
	default:
		return day.Format(models.DateFormat)
	}
}

func (a *AnalyticsService) GetChartData(ctx context.Context, portfolioID string, period Period, asOf time.Time) ([]ChartPoint, error) {
	start, end := period.Range(asOf)
	snaps, err := a.snaps.GetByPortfolio(ctx, portfolioID, start, end)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return []ChartPoint{}, nil
	}
	days := models.DaysBetween(start, end)
	if period == PeriodAll {
		days = models.DaysBetween(snaps[0].Date, snaps[len(snaps)-1].Date)
	}
	return AggregateSnapshots(snaps, days), nil
}

type HoldingPerformance struct {
	AssetID               string          `json:"asset_id"`
	Quantity              decimal.Decimal `json:"quantity"`
	CostBasis             decimal.Decimal `json:"cost_basis"`
	Price                 decimal.Decimal `json:"price"`
	MarketValue           decimal.Decimal `json:"market_value"`
	UnrealizedGain        decimal.Decimal `json:"unrealized_gain"`
	UnrealizedGainPercent decimal.Decimal `json:"unrealized_gain_percent"`
	Weight                decimal.Decimal `json:"weight"`
	PriceInterpolated     bool            `json:"price_interpolated"`
}

// GetHoldingPerformance values every open position as of asOf, largest
// first. Weight is the share of total market value in percent.
func (a *AnalyticsService) GetHoldingPerformance(ctx context.Context, portfolioID string, asOf time.Time) ([]HoldingPerformance, error) {
	txs, err := a.txs.GetByPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	ledger := make([]models.Transaction, len(txs))
	copy(ledger, txs)
	models.SortTransactions(ledger)

	day := models.DayOf(asOf)
	st := replay(ledger, day)
	b := newBatch(a.prices)

	res := []HoldingPerformance{}
	total := decimal.Zero
	for asset, p := range st.positions {
		if !p.quantity.IsPositive() {
			continue
		}
		price, interpolated := b.price(ctx, asset, day, p)
		h := HoldingPerformance{
			AssetID:               asset,
			Quantity:              p.quantity,
			CostBasis:             p.cost,
			Price:                 price,
			MarketValue:           p.quantity.Mul(price),
			UnrealizedGainPercent: decimal.Zero,
			Weight:                decimal.Zero,
			PriceInterpolated:     interpolated,
		}
		h.UnrealizedGain = h.MarketValue.Sub(h.CostBasis)
		if h.CostBasis.IsPositive() {
			h.UnrealizedGainPercent = h.UnrealizedGain.Div(h.CostBasis).Mul(hundred).Round(percentScale)
		}
		total = total.Add(h.MarketValue)
		res = append(res, h)
	}
	if b.errs != nil {
		a.log.Warnf("holding prices for %s: %v", portfolioID, b.errs)
	}

	if total.IsPositive() {
		for i := range res {
			res[i].Weight = res[i].MarketValue.Div(total).Mul(hundred).Round(percentScale)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].MarketValue.Equal(res[j].MarketValue) {
			return res[i].MarketValue.GreaterThan(res[j].MarketValue)
		}
		return res[i].AssetID < res[j].AssetID
	})
	return res, nil
}

// BenchmarkPoint is one observation of a reference index.
type BenchmarkPoint struct {
	Date  time.Time       `json:"date"`
	Value decimal.Decimal `json:"value"`
}

type ExportOptions struct {
	Benchmark       []BenchmarkPoint
	IncludeHoldings bool
}

var (
	csvHeader          = []string{"Date", "Portfolio Value", "Daily Change", "Daily Change %", "Cumulative Return %"}
	csvBenchmarkHeader = []string{"Benchmark Value", "Benchmark Change %"}
	csvHoldingsHeader  = []string{"Asset", "Quantity", "Cost Basis", "Market Value", "Unrealized Gain", "Unrealized Gain %", "Weight %"}
)

// ExportToCSV renders the period as CSV. The cumulative return column is
// measured from the first exported row, not from inception.
func (a *AnalyticsService) ExportToCSV(ctx context.Context, portfolioID string, period Period, asOf time.Time, opts ExportOptions) ([]byte, error) {
	start, end := period.Range(asOf)
	snaps, err := a.snaps.GetByPortfolio(ctx, portfolioID, start, end)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}

	bench := make([]BenchmarkPoint, len(opts.Benchmark))
	copy(bench, opts.Benchmark)
	for i := range bench {
		bench[i].Date = models.DayOf(bench[i].Date)
	}
	sort.SliceStable(bench, func(i, j int) bool { return bench[i].Date.Before(bench[j].Date) })
	withBenchmark := len(bench) > 0

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := append([]string{}, csvHeader...)
	if withBenchmark {
		header = append(header, csvBenchmarkHeader...)
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	var baseValue, baseBench decimal.Decimal
	var hasBaseBench bool
	for i, s := range snaps {
		if i == 0 {
			baseValue = s.TotalValue
			baseBench, hasBaseBench = benchmarkOn(bench, s.Date)
		}
		record := []string{
			s.Date.Format(models.DateFormat),
			s.TotalValue.StringFixed(2),
			s.DayChange.StringFixed(2),
			s.DayChangePercent.StringFixed(2),
			windowReturn(baseValue, s.TotalValue).StringFixed(2),
		}
		if withBenchmark {
			bv, ok := benchmarkOn(bench, s.Date)
			if ok {
				change := decimal.Zero
				if hasBaseBench {
					change = windowReturn(baseBench, bv)
				}
				record = append(record, bv.StringFixed(2), change.StringFixed(2))
			} else {
				record = append(record, "", "")
			}
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}

	if opts.IncludeHoldings {
		holdings, err := a.GetHoldingPerformance(ctx, portfolioID, end)
		if err != nil {
			return nil, err
		}
		if err := w.Write([]string{}); err != nil {
			return nil, err
		}
		if err := w.Write(csvHoldingsHeader); err != nil {
			return nil, err
		}
		for _, h := range holdings {
			if err := w.Write([]string{
				h.AssetID,
				h.Quantity.String(),
				h.CostBasis.StringFixed(2),
				h.MarketValue.StringFixed(2),
				h.UnrealizedGain.StringFixed(2),
				h.UnrealizedGainPercent.StringFixed(2),
				h.Weight.StringFixed(2),
			}); err != nil {
				return nil, err
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// windowReturn is the percent change from base, 0 when base is zero.
func windowReturn(base, value decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return value.Sub(base).Div(base).Mul(hundred)
}

func benchmarkOn(points []BenchmarkPoint, day time.Time) (decimal.Decimal, bool) {
	i := sort.Search(len(points), func(i int) bool { return points[i].Date.After(day) })
	if i == 0 {
		return decimal.Zero, false
	}
	return points[i-1].Value, true
}

// GetSnapshots returns the stored series between start and end inclusive.
func (a *AnalyticsService) GetSnapshots(ctx context.Context, portfolioID string, start, end time.Time) ([]models.PerformanceSnapshot, error) {
	snaps, err := a.snaps.GetByPortfolio(ctx, portfolioID, start, end)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	if snaps == nil {
		snaps = []models.PerformanceSnapshot{}
	}
	return snaps, nil
}
