package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"folio/internal/models"
	"folio/internal/tax"

	"github.com/shopspring/decimal"
)

// openLots builds the lots of a portfolio as of asOf together with the
// prices known for their assets. Assets without any price are left out of
// the map so the tax calculator skips them.
func (a *AnalyticsService) openLots(ctx context.Context, portfolioID string, method tax.LotMethod, asOf time.Time) ([]models.Holding, map[string]decimal.Decimal, error) {
	txs, err := a.txs.GetByPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, nil, fmt.Errorf("load transactions: %w", err)
	}
	day := models.DayOf(asOf)
	asOfTxs := txs[:0:0]
	for _, tx := range txs {
		if !models.DayOf(tx.Date).After(day) {
			asOfTxs = append(asOfTxs, tx)
		}
	}

	holdings := tax.BuildLots(asOfTxs, method)
	cache := NewPriceCache(a.prices)
	prices := map[string]decimal.Decimal{}
	for _, h := range holdings {
		q, err := cache.GetPriceAtDate(ctx, h.AssetID, day)
		if errors.Is(err, ErrPriceNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("price %s: %w", h.AssetID, err)
		}
		prices[h.AssetID] = q.Price
	}
	return holdings, prices, nil
}

func (a *AnalyticsService) GetTaxExposure(ctx context.Context, portfolioID string, settings models.TaxSettings, method tax.LotMethod, asOf time.Time) (models.TaxExposureMetrics, error) {
	holdings, prices, err := a.openLots(ctx, portfolioID, method, asOf)
	if err != nil {
		return models.TaxExposureMetrics{}, err
	}
	return tax.CalculateTaxExposure(holdings, prices, settings, asOf), nil
}

func (a *AnalyticsService) GetAgingLots(ctx context.Context, portfolioID string, lookbackDays int, method tax.LotMethod, asOf time.Time) ([]models.AgingLot, error) {
	holdings, prices, err := a.openLots(ctx, portfolioID, method, asOf)
	if err != nil {
		return nil, err
	}
	if lookbackDays <= 0 {
		lookbackDays = tax.DefaultLookbackDays
	}
	lots := tax.DetectAgingLots(holdings, prices, lookbackDays, asOf)
	if lots == nil {
		lots = []models.AgingLot{}
	}
	return lots, nil
}
