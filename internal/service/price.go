package service

import (
	"context"
	"errors"
	"time"

	"folio/internal/database"
	"folio/internal/metrics"
	"folio/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrPriceNotFound is returned by a PriceLookup that knows no price for an
// asset on or before the requested day.
var ErrPriceNotFound = errors.New("price not found")

// PriceQuote is the best known price of an asset for a day. Interpolated is
// set when the price was carried over from an earlier day.
type PriceQuote struct {
	Price        decimal.Decimal
	Interpolated bool
}

type PriceLookup interface {
	GetPriceAtDate(ctx context.Context, assetID string, on time.Time) (PriceQuote, error)
}

// PriceHistory is the price storage the lookup reads from.
type PriceHistory interface {
	GetPriceOnOrBefore(ctx context.Context, assetID string, day time.Time) (decimal.Decimal, time.Time, error)
	UpsertPrice(ctx context.Context, assetID string, price decimal.Decimal, day time.Time) error
}

// HistoricalPriceService answers price lookups from recorded price history,
// carrying the last known price forward over days without a quote.
type HistoricalPriceService struct {
	repo PriceHistory
	log  *logrus.Logger
}

func NewHistoricalPriceService(r PriceHistory, log *logrus.Logger) *HistoricalPriceService {
	return &HistoricalPriceService{repo: r, log: log}
}

func (p *HistoricalPriceService) GetPriceAtDate(ctx context.Context, assetID string, on time.Time) (PriceQuote, error) {
	day := models.DayOf(on)
	price, recorded, err := p.repo.GetPriceOnOrBefore(ctx, assetID, day)
	if errors.Is(err, database.ErrNotFound) {
		return PriceQuote{}, ErrPriceNotFound
	}
	if err != nil {
		return PriceQuote{}, err
	}
	return PriceQuote{Price: price, Interpolated: !recorded.Equal(day)}, nil
}

// RecordPrice stores the closing price of an asset for a day.
func (p *HistoricalPriceService) RecordPrice(ctx context.Context, assetID string, price decimal.Decimal, on time.Time) error {
	if price.IsNegative() {
		return errors.New("price must not be negative")
	}
	if err := p.repo.UpsertPrice(ctx, assetID, price, models.DayOf(on)); err != nil {
		return err
	}
	p.log.Debugf("recorded price %s for %s on %s", price.String(), assetID, models.DayOf(on).Format(models.DateFormat))
	return nil
}

type priceKey struct {
	assetID string
	day     time.Time
}

type cachedQuote struct {
	quote PriceQuote
	err   error
}

// PriceCache memoizes lookups per (asset, day) for the duration of one
// batch. It is not safe for concurrent use and must not outlive the batch.
type PriceCache struct {
	lookup  PriceLookup
	entries map[priceKey]cachedQuote
}

func NewPriceCache(lookup PriceLookup) *PriceCache {
	return &PriceCache{lookup: lookup, entries: make(map[priceKey]cachedQuote)}
}

func (c *PriceCache) GetPriceAtDate(ctx context.Context, assetID string, on time.Time) (PriceQuote, error) {
	key := priceKey{assetID: assetID, day: models.DayOf(on)}
	if e, ok := c.entries[key]; ok {
		metrics.RecordPriceLookup(true)
		return e.quote, e.err
	}
	metrics.RecordPriceLookup(false)
	q, err := c.lookup.GetPriceAtDate(ctx, assetID, key.day)
	c.entries[key] = cachedQuote{quote: q, err: err}
	return q, err
}

// Len reports the number of memoized entries.
func (c *PriceCache) Len() int { return len(c.entries) }
