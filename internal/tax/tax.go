// Package tax classifies tax lots by holding period and estimates the
// liability carried by unrealized gains.
package tax

import (
	"sort"
	"time"

	"folio/internal/models"

	"github.com/shopspring/decimal"
)

// LongTermThresholdDays is the holding period, in elapsed days, from which a
// lot is taxed at the long-term rate.
const LongTermThresholdDays = 365

const DefaultLookbackDays = 30

var hundred = decimal.NewFromInt(100)

// CalculateHoldingPeriod classifies a lot bought on purchaseDate as of asOf.
// Exactly 365 elapsed days is long term.
func CalculateHoldingPeriod(purchaseDate, asOf time.Time) models.HoldingPeriod {
	if models.DaysBetween(purchaseDate, asOf) < LongTermThresholdDays {
		return models.ShortTerm
	}
	return models.LongTerm
}

// DetectAgingLots lists the open lots that become long term within
// lookbackDays, soonest first. Lots of assets without a price are skipped.
func DetectAgingLots(holdings []models.Holding, assetPrices map[string]decimal.Decimal, lookbackDays int, asOf time.Time) []models.AgingLot {
	res := []models.AgingLot{}
	for _, h := range holdings {
		price, ok := assetPrices[h.AssetID]
		if !ok {
			continue
		}
		for _, lot := range h.Lots {
			if !lot.RemainingQuantity.IsPositive() {
				continue
			}
			daysLeft := LongTermThresholdDays - models.DaysBetween(lot.PurchaseDate, asOf)
			if daysLeft <= 0 || daysLeft > lookbackDays {
				continue
			}

			value := lot.RemainingQuantity.Mul(price)
			cost := lot.RemainingQuantity.Mul(lot.PurchasePrice)
			gain := value.Sub(cost)
			pct := decimal.Zero
			if cost.IsPositive() {
				pct = gain.Div(cost).Mul(hundred)
			}
			res = append(res, models.AgingLot{
				AssetID:               h.AssetID,
				LotID:                 lot.ID,
				PurchaseDate:          lot.PurchaseDate,
				RemainingQuantity:     lot.RemainingQuantity,
				DaysUntilLongTerm:     daysLeft,
				CurrentValue:          value,
				UnrealizedGain:        gain,
				UnrealizedGainPercent: pct,
			})
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].DaysUntilLongTerm < res[j].DaysUntilLongTerm })
	return res
}

// CalculateTaxExposure buckets the unrealized gain of every priced open lot
// into short/long term gains and losses and estimates the liability.
// Net losses never produce a negative liability.
func CalculateTaxExposure(holdings []models.Holding, assetPrices map[string]decimal.Decimal, settings models.TaxSettings, asOf time.Time) models.TaxExposureMetrics {
	m := models.TaxExposureMetrics{
		ShortTermGains:        decimal.Zero,
		ShortTermLosses:       decimal.Zero,
		LongTermGains:         decimal.Zero,
		LongTermLosses:        decimal.Zero,
		EstimatedTaxLiability: decimal.Zero,
		EffectiveTaxRate:      decimal.Zero,
	}

	for _, h := range holdings {
		price, ok := assetPrices[h.AssetID]
		if !ok {
			continue
		}
		for _, lot := range h.Lots {
			if !lot.RemainingQuantity.IsPositive() {
				continue
			}
			value := lot.RemainingQuantity.Mul(price)
			cost := decimal.Zero
			// granted shares carry no (or a negative) basis
			if lot.PurchasePrice.IsPositive() {
				cost = lot.RemainingQuantity.Mul(lot.PurchasePrice)
			}
			gain := value.Sub(cost)

			long := CalculateHoldingPeriod(lot.PurchaseDate, asOf) == models.LongTerm
			switch {
			case gain.IsPositive() && long:
				m.LongTermGains = m.LongTermGains.Add(gain)
			case gain.IsPositive():
				m.ShortTermGains = m.ShortTermGains.Add(gain)
			case gain.IsNegative() && long:
				m.LongTermLosses = m.LongTermLosses.Add(gain.Neg())
			case gain.IsNegative():
				m.ShortTermLosses = m.ShortTermLosses.Add(gain.Neg())
			}
		}
	}

	m.NetShortTerm = m.ShortTermGains.Sub(m.ShortTermLosses)
	m.NetLongTerm = m.LongTermGains.Sub(m.LongTermLosses)
	m.TotalGains = m.ShortTermGains.Add(m.LongTermGains)

	if m.NetShortTerm.IsPositive() {
		m.EstimatedTaxLiability = m.EstimatedTaxLiability.Add(m.NetShortTerm.Mul(settings.ShortTermRate()))
	}
	if m.NetLongTerm.IsPositive() {
		m.EstimatedTaxLiability = m.EstimatedTaxLiability.Add(m.NetLongTerm.Mul(settings.LongTermRate()))
	}
	if m.TotalGains.IsPositive() {
		m.EffectiveTaxRate = m.EstimatedTaxLiability.Div(m.TotalGains)
	}

	m.AgingLotCount = len(DetectAgingLots(holdings, assetPrices, DefaultLookbackDays, asOf))
	return m
}
