package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"folio/internal/metrics"
	"folio/internal/models"
	"folio/internal/twr"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

var (
	ErrInvalidRange   = errors.New("invalid date range")
	ErrUnknownTrigger = errors.New("unknown trigger kind")
)

// percentScale bounds the digits kept on stored percentages so chained
// returns do not grow without limit.
const (
	percentScale = 10
	moneyScale   = 10
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

type TransactionReader interface {
	GetByPortfolio(ctx context.Context, portfolioID string) ([]models.Transaction, error)
}

type SnapshotStore interface {
	GetByPortfolio(ctx context.Context, portfolioID string, start, end time.Time) ([]models.PerformanceSnapshot, error)
	GetLatest(ctx context.Context, portfolioID string) (*models.PerformanceSnapshot, error)
	Upsert(ctx context.Context, snap models.PerformanceSnapshot) error
	DeleteByPortfolio(ctx context.Context, portfolioID string) error
	DeleteFromDate(ctx context.Context, portfolioID string, from time.Time) error
}

// SnapshotBatchWriter is implemented by stores that can write a whole batch
// atomically.
type SnapshotBatchWriter interface {
	UpsertBatch(ctx context.Context, snaps []models.PerformanceSnapshot) error
}

type PortfolioLister interface {
	GetAllPortfolioIDs(ctx context.Context) ([]string, error)
}

type TriggerKind string

const (
	TriggerTransactionAdded    TriggerKind = "TRANSACTION_ADDED"
	TriggerTransactionModified TriggerKind = "TRANSACTION_MODIFIED"
	TriggerTransactionDeleted  TriggerKind = "TRANSACTION_DELETED"
	TriggerManualRefresh       TriggerKind = "MANUAL_REFRESH"
)

// SnapshotTrigger notifies the service of a ledger mutation. Date is used by
// added and deleted events, OldDate and NewDate by modified events.
type SnapshotTrigger struct {
	Kind        TriggerKind `json:"kind"`
	PortfolioID string      `json:"portfolio_id"`
	Date        time.Time   `json:"date"`
	OldDate     time.Time   `json:"old_date"`
	NewDate     time.Time   `json:"new_date"`
}

// SnapshotService rebuilds the daily performance series of a portfolio from
// its ledger and keeps it current as the ledger changes.
type SnapshotService struct {
	txs    TransactionReader
	store  SnapshotStore
	prices PriceLookup
	log    *logrus.Logger
	now    func() time.Time
}

type Option func(*SnapshotService)

// WithClock replaces time.Now as the source of "today".
func WithClock(now func() time.Time) Option {
	return func(s *SnapshotService) { s.now = now }
}

func NewSnapshotService(txs TransactionReader, store SnapshotStore, prices PriceLookup, log *logrus.Logger, opts ...Option) *SnapshotService {
	s := &SnapshotService{txs: txs, store: store, prices: prices, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SnapshotService) Today() time.Time { return models.DayOf(s.now()) }

// ComputeSnapshots writes one snapshot per calendar day in [start, end],
// clamped to the first ledger day. Running it twice over the same range
// yields identical rows.
func (s *SnapshotService) ComputeSnapshots(ctx context.Context, portfolioID string, start, end time.Time) error {
	txs, err := s.txs.GetByPortfolio(ctx, portfolioID)
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}
	return s.compute(ctx, portfolioID, txs, start, end)
}

func (s *SnapshotService) compute(ctx context.Context, portfolioID string, txs []models.Transaction, start, end time.Time) (err error) {
	started := time.Now()
	written := 0
	defer func() { metrics.RecordRecompute(time.Since(started), written, err) }()

	if len(txs) == 0 {
		s.log.Infof("portfolio %s has no transactions, removing snapshots", portfolioID)
		return s.store.DeleteByPortfolio(ctx, portfolioID)
	}

	start, end = models.DayOf(start), models.DayOf(end)
	if end.Before(start) {
		return fmt.Errorf("%w: %s after %s", ErrInvalidRange, start.Format(models.DateFormat), end.Format(models.DateFormat))
	}

	ledger := make([]models.Transaction, len(txs))
	copy(ledger, txs)
	models.SortTransactions(ledger)
	inception := models.DayOf(ledger[0].Date)
	if start.Before(inception) {
		start = inception
	}
	if end.Before(start) {
		return nil
	}

	var prev *models.PerformanceSnapshot
	if start.After(inception) {
		dayBefore := start.AddDate(0, 0, -1)
		prior, err := s.store.GetByPortfolio(ctx, portfolioID, dayBefore, dayBefore)
		if err != nil {
			return fmt.Errorf("load prior snapshot: %w", err)
		}
		if len(prior) == 1 {
			prev = &prior[0]
		} else {
			s.log.Debugf("portfolio %s has no snapshot for %s, replaying from %s",
				portfolioID, dayBefore.Format(models.DateFormat), inception.Format(models.DateFormat))
			start = inception
		}
	}

	b := newBatch(s.prices)
	inceptionValue := b.warm(ctx, ledger, inception, start)

	flows := cashFlowsByDay(ledger)
	state := newLedgerState()
	next := 0
	snaps := make([]models.PerformanceSnapshot, 0, models.DaysBetween(start, end)+1)
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		for next < len(ledger) && !models.DayOf(ledger[next].Date).After(day) {
			state.apply(ledger[next])
			next++
		}
		v := b.valuation(ctx, day, state)
		if day.Equal(inception) {
			inceptionValue = v.value
		}

		snap := models.PerformanceSnapshot{
			PortfolioID:           portfolioID,
			Date:                  day,
			TotalValue:            v.value,
			TotalCost:             v.cost,
			DayChange:             decimal.Zero,
			DayChangePercent:      decimal.Zero,
			CumulativeReturn:      decimal.Zero,
			TWRReturn:             decimal.Zero,
			HoldingCount:          v.holdings,
			HasInterpolatedPrices: v.interpolated,
		}
		if prev != nil {
			snap.DayChange = v.value.Sub(prev.TotalValue)
			if !prev.TotalValue.IsZero() {
				snap.DayChangePercent = snap.DayChange.Div(prev.TotalValue).Mul(hundred).Round(percentScale)
			}
			r := twr.CalculatePeriodReturn(prev.TotalValue, v.value, flows[day], prev.Date, day)
			growth := one.Add(prev.TWRReturn.Div(hundred)).Mul(one.Add(r))
			snap.TWRReturn = growth.Sub(one).Mul(hundred).Round(percentScale)
		}
		if !inceptionValue.IsZero() {
			snap.CumulativeReturn = v.value.Sub(inceptionValue).Div(inceptionValue).Mul(hundred).Round(percentScale)
		}

		snaps = append(snaps, snap)
		prev = &snaps[len(snaps)-1]
	}

	written, werr := s.write(ctx, snaps)
	err = multierr.Combine(b.errs, werr)

	s.log.WithFields(logrus.Fields{
		"portfolio": portfolioID,
		"from":      start.Format(models.DateFormat),
		"to":        end.Format(models.DateFormat),
		"written":   written,
		"lookups":   b.cache.Len(),
		"errors":    len(multierr.Errors(err)),
	}).Info("snapshots computed")
	return err
}

// write persists the batch in one transaction when the store supports it,
// otherwise row by row, continuing past failed rows.
func (s *SnapshotService) write(ctx context.Context, snaps []models.PerformanceSnapshot) (int, error) {
	if bw, ok := s.store.(SnapshotBatchWriter); ok {
		if err := bw.UpsertBatch(ctx, snaps); err != nil {
			return 0, fmt.Errorf("write snapshot batch: %w", err)
		}
		return len(snaps), nil
	}

	var errs error
	written := 0
	for _, snap := range snaps {
		if err := s.store.Upsert(ctx, snap); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("upsert snapshot %s: %w", snap.Date.Format(models.DateFormat), err))
			continue
		}
		written++
	}
	return written, errs
}

// RecomputeAll drops the stored series and rebuilds it from the first
// ledger day through today.
func (s *SnapshotService) RecomputeAll(ctx context.Context, portfolioID string) error {
	if err := s.store.DeleteByPortfolio(ctx, portfolioID); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	txs, err := s.txs.GetByPortfolio(ctx, portfolioID)
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}
	return s.compute(ctx, portfolioID, txs, time.Time{}, s.Today())
}

// NeedsComputation reports whether the stored series is missing or older
// than the day before asOf.
func (s *SnapshotService) NeedsComputation(ctx context.Context, portfolioID string, asOf time.Time) (bool, error) {
	txs, err := s.txs.GetByPortfolio(ctx, portfolioID)
	if err != nil {
		return false, fmt.Errorf("load transactions: %w", err)
	}
	if len(txs) == 0 {
		return false, nil
	}
	latest, err := s.store.GetLatest(ctx, portfolioID)
	if err != nil {
		return false, fmt.Errorf("load latest snapshot: %w", err)
	}
	if latest == nil {
		return true, nil
	}
	yesterday := models.DayOf(asOf).AddDate(0, 0, -1)
	return models.DayOf(latest.Date).Before(yesterday), nil
}

// HandleSnapshotTrigger recomputes the part of the series affected by a
// ledger mutation.
func (s *SnapshotService) HandleSnapshotTrigger(ctx context.Context, ev SnapshotTrigger) error {
	if ev.PortfolioID == "" {
		return errors.New("trigger without portfolio")
	}

	var from time.Time
	switch ev.Kind {
	case TriggerTransactionAdded, TriggerTransactionDeleted:
		from = models.DayOf(ev.Date)
	case TriggerTransactionModified:
		from = models.DayOf(ev.OldDate)
		if nd := models.DayOf(ev.NewDate); nd.Before(from) {
			from = nd
		}
	case TriggerManualRefresh:
		metrics.RecordTrigger(string(ev.Kind))
		return s.RecomputeAll(ctx, ev.PortfolioID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTrigger, ev.Kind)
	}
	metrics.RecordTrigger(string(ev.Kind))

	today := s.Today()
	txs, err := s.txs.GetByPortfolio(ctx, ev.PortfolioID)
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}
	if len(txs) == 0 {
		return s.compute(ctx, ev.PortfolioID, nil, from, today)
	}

	inception := models.DayOf(txs[0].Date)
	for _, tx := range txs[1:] {
		if d := models.DayOf(tx.Date); d.Before(inception) {
			inception = d
		}
	}
	if from.Before(inception) {
		// the first ledger day moved forward, rows before it are orphaned
		return s.RecomputeAll(ctx, ev.PortfolioID)
	}
	if from.After(today) {
		s.log.Debugf("trigger for %s dated %s is in the future, nothing to recompute", ev.PortfolioID, from.Format(models.DateFormat))
		return nil
	}

	err = s.compute(ctx, ev.PortfolioID, txs, from, today)
	if derr := s.store.DeleteFromDate(ctx, ev.PortfolioID, today.AddDate(0, 0, 1)); derr != nil {
		err = multierr.Append(err, fmt.Errorf("delete future snapshots: %w", derr))
	}
	return err
}

// Start refreshes stale portfolios every interval until ctx is done.
func (s *SnapshotService) Start(ctx context.Context, interval time.Duration, lister PortfolioLister) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.log.Info("snapshot refresher stopping")
				return
			case <-ticker.C:
				s.RefreshStale(ctx, lister)
			}
		}
	}()
}

// RefreshStale extends every stale series through today. It returns the
// number of portfolios refreshed.
func (s *SnapshotService) RefreshStale(ctx context.Context, lister PortfolioLister) int {
	ids, err := lister.GetAllPortfolioIDs(ctx)
	if err != nil {
		s.log.Warnf("failed to list portfolios: %v", err)
		return 0
	}
	refreshed := 0
	for _, id := range ids {
		stale, err := s.NeedsComputation(ctx, id, s.now())
		if err != nil {
			s.log.Warnf("staleness check for %s: %v", id, err)
			continue
		}
		if !stale {
			continue
		}
		var from time.Time
		latest, err := s.store.GetLatest(ctx, id)
		if err != nil {
			s.log.Warnf("load latest snapshot for %s: %v", id, err)
			continue
		}
		if latest != nil {
			from = models.DayOf(latest.Date).AddDate(0, 0, 1)
		}
		if err := s.ComputeSnapshots(ctx, id, from, s.Today()); err != nil {
			s.log.Warnf("refresh %s: %v", id, err)
			continue
		}
		refreshed++
	}
	return refreshed
}

// CashFlows derives the external flows of a ledger: buys bring capital in,
// sells take it out. Reinvested dividends stay inside the portfolio.
func CashFlows(txs []models.Transaction) []models.CashFlowEvent {
	var flows []models.CashFlowEvent
	for _, tx := range txs {
		switch tx.Type {
		case models.TxBuy:
			flows = append(flows, models.CashFlowEvent{Date: models.DayOf(tx.Date), Amount: tx.Amount()})
		case models.TxSell:
			flows = append(flows, models.CashFlowEvent{Date: models.DayOf(tx.Date), Amount: tx.Amount().Neg()})
		}
	}
	sort.SliceStable(flows, func(i, j int) bool { return flows[i].Date.Before(flows[j].Date) })
	return flows
}

func cashFlowsByDay(txs []models.Transaction) map[time.Time][]models.CashFlowEvent {
	res := map[time.Time][]models.CashFlowEvent{}
	for _, cf := range CashFlows(txs) {
		res[cf.Date] = append(res[cf.Date], cf)
	}
	return res
}

/* ---- ledger replay ---- */

type position struct {
	quantity   decimal.Decimal
	cost       decimal.Decimal
	tradePrice decimal.Decimal // last price seen on a ledger entry
}

type ledgerState struct {
	positions map[string]*position
}

func newLedgerState() *ledgerState {
	return &ledgerState{positions: map[string]*position{}}
}

// replay builds the state of a sorted ledger at the end of day.
func replay(ledger []models.Transaction, day time.Time) *ledgerState {
	st := newLedgerState()
	for _, tx := range ledger {
		if models.DayOf(tx.Date).After(day) {
			break
		}
		st.apply(tx)
	}
	return st
}

func (l *ledgerState) position(assetID string) *position {
	p, ok := l.positions[assetID]
	if !ok {
		p = &position{}
		l.positions[assetID] = p
	}
	return p
}

// apply folds one entry into the average cost positions.
func (l *ledgerState) apply(tx models.Transaction) {
	if tx.AssetID == "" {
		return
	}
	switch tx.Type {
	case models.TxBuy, models.TxReinvestment:
		p := l.position(tx.AssetID)
		p.quantity = p.quantity.Add(tx.Quantity.Abs())
		p.cost = p.cost.Add(tx.Amount().Add(tx.Fees))
		p.notePrice(tx.Price)
	case models.TxTransferIn, models.TxSpinoff, models.TxMerger:
		p := l.position(tx.AssetID)
		p.quantity = p.quantity.Add(tx.Quantity.Abs())
		p.cost = p.cost.Add(tx.Quantity.Abs().Mul(tx.Price))
		p.notePrice(tx.Price)
	case models.TxSell, models.TxTransferOut:
		p := l.position(tx.AssetID)
		qty := tx.Quantity.Abs()
		if p.quantity.IsPositive() {
			removed := decimal.Min(qty, p.quantity)
			p.cost = p.cost.Sub(p.cost.Mul(removed).Div(p.quantity)).Round(moneyScale)
		}
		p.quantity = p.quantity.Sub(qty)
		if !p.quantity.IsPositive() {
			p.quantity, p.cost = decimal.Zero, decimal.Zero
		}
		p.notePrice(tx.Price)
	case models.TxSplit:
		if !tx.Quantity.IsPositive() {
			return
		}
		p := l.position(tx.AssetID)
		p.quantity = p.quantity.Mul(tx.Quantity)
		p.tradePrice = p.tradePrice.Div(tx.Quantity)
	}
}

func (p *position) notePrice(price decimal.Decimal) {
	if price.IsPositive() {
		p.tradePrice = price
	}
}

/* ---- pricing ---- */

type valuation struct {
	value        decimal.Decimal
	cost         decimal.Decimal
	holdings     int
	interpolated bool
}

// batch carries the per-recompute price memory. It is discarded when the
// recompute ends.
type batch struct {
	cache     *PriceCache
	lastKnown map[string]decimal.Decimal
	errs      error
}

func newBatch(prices PriceLookup) *batch {
	return &batch{cache: NewPriceCache(prices), lastKnown: map[string]decimal.Decimal{}}
}

func (b *batch) valuation(ctx context.Context, day time.Time, st *ledgerState) valuation {
	assets := make([]string, 0, len(st.positions))
	for a, p := range st.positions {
		if p.quantity.IsPositive() {
			assets = append(assets, a)
		}
	}
	sort.Strings(assets)

	v := valuation{value: decimal.Zero, cost: decimal.Zero}
	for _, a := range assets {
		p := st.positions[a]
		price, interpolated := b.price(ctx, a, day, p)
		v.value = v.value.Add(p.quantity.Mul(price))
		v.cost = v.cost.Add(p.cost)
		v.holdings++
		v.interpolated = v.interpolated || interpolated
	}
	return v
}

// warm prices every day in [inception, start) without producing rows, so
// the missing-price fallback on later days matches a run from inception.
// It returns the inception day value. Lookup errors for those days belong
// to the batch that wrote them and are dropped.
func (b *batch) warm(ctx context.Context, ledger []models.Transaction, inception, start time.Time) decimal.Decimal {
	inceptionValue := decimal.Zero
	state := newLedgerState()
	next := 0
	for day := inception; day.Before(start); day = day.AddDate(0, 0, 1) {
		for next < len(ledger) && !models.DayOf(ledger[next].Date).After(day) {
			state.apply(ledger[next])
			next++
		}
		v := b.valuation(ctx, day, state)
		if day.Equal(inception) {
			inceptionValue = v.value
		}
	}
	b.errs = nil
	return inceptionValue
}

// price resolves an asset price for day, falling back to the last price this
// batch saw, then the last ledger price, then zero.
func (b *batch) price(ctx context.Context, assetID string, day time.Time, p *position) (decimal.Decimal, bool) {
	q, err := b.cache.GetPriceAtDate(ctx, assetID, day)
	if err == nil {
		b.lastKnown[assetID] = q.Price
		return q.Price, q.Interpolated
	}
	if !errors.Is(err, ErrPriceNotFound) {
		b.errs = multierr.Append(b.errs, fmt.Errorf("price %s on %s: %w", assetID, day.Format(models.DateFormat), err))
	}
	if last, ok := b.lastKnown[assetID]; ok {
		return last, true
	}
	if p.tradePrice.IsPositive() {
		return p.tradePrice, true
	}
	return decimal.Zero, true
}
