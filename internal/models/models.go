package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TxBuy          TransactionType = "buy"
	TxSell         TransactionType = "sell"
	TxDividend     TransactionType = "dividend"
	TxInterest     TransactionType = "interest"
	TxSplit        TransactionType = "split"
	TxTransferIn   TransactionType = "transfer_in"
	TxTransferOut  TransactionType = "transfer_out"
	TxFee          TransactionType = "fee"
	TxTax          TransactionType = "tax"
	TxSpinoff      TransactionType = "spinoff"
	TxMerger       TransactionType = "merger"
	TxReinvestment TransactionType = "reinvestment"
)

// Valid reports whether t is one of the known ledger entry kinds.
func (t TransactionType) Valid() bool {
	switch t {
	case TxBuy, TxSell, TxDividend, TxInterest, TxSplit, TxTransferIn, TxTransferOut,
		TxFee, TxTax, TxSpinoff, TxMerger, TxReinvestment:
		return true
	}
	return false
}

// Transaction is one immutable ledger entry of a portfolio.
type Transaction struct {
	ID          string          `db:"id" json:"id"`
	PortfolioID string          `db:"portfolio_id" json:"portfolio_id"`
	AssetID     string          `db:"asset_id" json:"asset_id"`
	Type        TransactionType `db:"type" json:"type"`
	Date        time.Time       `db:"date" json:"date"`
	Quantity    decimal.Decimal `db:"quantity" json:"quantity"`
	Price       decimal.Decimal `db:"price" json:"price"`
	TotalAmount decimal.Decimal `db:"total_amount" json:"total_amount"`
	Fees        decimal.Decimal `db:"fees" json:"fees"`
	Currency    string          `db:"currency" json:"currency"`
}

// Amount returns TotalAmount, falling back to Quantity*Price when the ledger
// entry was recorded without a total.
func (t Transaction) Amount() decimal.Decimal {
	if !t.TotalAmount.IsZero() {
		return t.TotalAmount
	}
	return t.Quantity.Mul(t.Price)
}

// TaxLot is a single acquisition tracked for cost basis and holding period.
type TaxLot struct {
	ID                string          `json:"id"`
	Quantity          decimal.Decimal `json:"quantity"`
	PurchasePrice     decimal.Decimal `json:"purchase_price"`
	PurchaseDate      time.Time       `json:"purchase_date"`
	SoldQuantity      decimal.Decimal `json:"sold_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
}

// Holding groups the open tax lots of one asset.
type Holding struct {
	AssetID string   `json:"asset_id"`
	Lots    []TaxLot `json:"lots"`
}

// CashFlowEvent is external capital entering (positive) or leaving
// (negative) the portfolio on a given day.
type CashFlowEvent struct {
	Date   time.Time       `json:"date"`
	Amount decimal.Decimal `json:"amount"`
}

// PerformanceSnapshot is the persisted valuation of a portfolio for one day.
// DayChangePercent, CumulativeReturn and TWRReturn are percentages.
// CumulativeReturn is measured against the inception day value.
type PerformanceSnapshot struct {
	PortfolioID           string          `db:"portfolio_id" json:"portfolio_id"`
	Date                  time.Time       `db:"date" json:"date"`
	TotalValue            decimal.Decimal `db:"total_value" json:"total_value"`
	TotalCost             decimal.Decimal `db:"total_cost" json:"total_cost"`
	DayChange             decimal.Decimal `db:"day_change" json:"day_change"`
	DayChangePercent      decimal.Decimal `db:"day_change_percent" json:"day_change_percent"`
	CumulativeReturn      decimal.Decimal `db:"cumulative_return" json:"cumulative_return"`
	TWRReturn             decimal.Decimal `db:"twr_return" json:"twr_return"`
	HoldingCount          int             `db:"holding_count" json:"holding_count"`
	HasInterpolatedPrices bool            `db:"has_interpolated_prices" json:"has_interpolated_prices"`
}

// TWRSubPeriod is an interval between two cash flow days.
type TWRSubPeriod struct {
	StartDate    time.Time
	EndDate      time.Time
	StartValue   decimal.Decimal
	EndValue     decimal.Decimal
	CashFlows    []CashFlowEvent
	PeriodReturn decimal.Decimal
}

type HoldingPeriod string

const (
	ShortTerm HoldingPeriod = "short"
	LongTerm  HoldingPeriod = "long"
)

// TaxSettings holds marginal rates as fractions (0.24 for 24%).
// The applicable rate for a bucket is federal + state + supplemental.
type TaxSettings struct {
	FederalShortTermRate decimal.Decimal `json:"federal_short_term_rate"`
	FederalLongTermRate  decimal.Decimal `json:"federal_long_term_rate"`
	StateRate            decimal.Decimal `json:"state_rate"`
	SupplementalRate     decimal.Decimal `json:"supplemental_rate"`
}

func (s TaxSettings) ShortTermRate() decimal.Decimal {
	return s.FederalShortTermRate.Add(s.StateRate).Add(s.SupplementalRate)
}

func (s TaxSettings) LongTermRate() decimal.Decimal {
	return s.FederalLongTermRate.Add(s.StateRate).Add(s.SupplementalRate)
}

type TaxExposureMetrics struct {
	ShortTermGains        decimal.Decimal `json:"short_term_gains"`
	ShortTermLosses       decimal.Decimal `json:"short_term_losses"`
	LongTermGains         decimal.Decimal `json:"long_term_gains"`
	LongTermLosses        decimal.Decimal `json:"long_term_losses"`
	NetShortTerm          decimal.Decimal `json:"net_short_term"`
	NetLongTerm           decimal.Decimal `json:"net_long_term"`
	TotalGains            decimal.Decimal `json:"total_gains"`
	EstimatedTaxLiability decimal.Decimal `json:"estimated_tax_liability"`
	EffectiveTaxRate      decimal.Decimal `json:"effective_tax_rate"`
	AgingLotCount         int             `json:"aging_lot_count"`
}

// AgingLot is an open lot about to cross into long-term treatment.
type AgingLot struct {
	AssetID               string          `json:"asset_id"`
	LotID                 string          `json:"lot_id"`
	PurchaseDate          time.Time       `json:"purchase_date"`
	RemainingQuantity     decimal.Decimal `json:"remaining_quantity"`
	DaysUntilLongTerm     int             `json:"days_until_long_term"`
	CurrentValue          decimal.Decimal `json:"current_value"`
	UnrealizedGain        decimal.Decimal `json:"unrealized_gain"`
	UnrealizedGainPercent decimal.Decimal `json:"unrealized_gain_percent"`
}

// replayRank orders same-day entries so acquisitions settle before
// disposals regardless of how the ledger was read back.
func (t TransactionType) replayRank() int {
	switch t {
	case TxBuy, TxTransferIn, TxReinvestment, TxSpinoff, TxMerger:
		return 0
	case TxSplit:
		return 1
	case TxSell, TxTransferOut:
		return 2
	default:
		return 3
	}
}

// SortTransactions orders a ledger for replay: by day, then kind, then ID.
func SortTransactions(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		di, dj := DayOf(txs[i].Date), DayOf(txs[j].Date)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		ri, rj := txs[i].Type.replayRank(), txs[j].Type.replayRank()
		if ri != rj {
			return ri < rj
		}
		return txs[i].ID < txs[j].ID
	})
}
