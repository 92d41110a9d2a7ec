package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"folio/internal/database"
	"folio/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func day(n int) time.Time { return models.MustParseDate("2024-03-01").AddDate(0, 0, n-1) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]interface{}{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakePrices only knows exact days, so any other day is a miss.
type fakePrices struct {
	quotes map[string]map[time.Time]decimal.Decimal
	fail   map[string]error
	calls  int
}

func newFakePrices() *fakePrices {
	return &fakePrices{quotes: map[string]map[time.Time]decimal.Decimal{}, fail: map[string]error{}}
}

func (f *fakePrices) set(asset string, on time.Time, price string) {
	if f.quotes[asset] == nil {
		f.quotes[asset] = map[time.Time]decimal.Decimal{}
	}
	f.quotes[asset][models.DayOf(on)] = dec(price)
}

func (f *fakePrices) GetPriceAtDate(ctx context.Context, assetID string, on time.Time) (PriceQuote, error) {
	f.calls++
	if err := f.fail[assetID]; err != nil {
		return PriceQuote{}, err
	}
	p, ok := f.quotes[assetID][models.DayOf(on)]
	if !ok {
		return PriceQuote{}, ErrPriceNotFound
	}
	return PriceQuote{Price: p}, nil
}

// rowStore writes row by row and fails on one day.
type rowStore struct {
	inner  *database.MemorySnapshots
	failOn time.Time
}

func (r *rowStore) GetByPortfolio(ctx context.Context, pid string, start, end time.Time) ([]models.PerformanceSnapshot, error) {
	return r.inner.GetByPortfolio(ctx, pid, start, end)
}

func (r *rowStore) GetLatest(ctx context.Context, pid string) (*models.PerformanceSnapshot, error) {
	return r.inner.GetLatest(ctx, pid)
}

func (r *rowStore) Upsert(ctx context.Context, snap models.PerformanceSnapshot) error {
	if snap.Date.Equal(r.failOn) {
		return errors.New("disk full")
	}
	return r.inner.Upsert(ctx, snap)
}

func (r *rowStore) DeleteByPortfolio(ctx context.Context, pid string) error {
	return r.inner.DeleteByPortfolio(ctx, pid)
}

func (r *rowStore) DeleteFromDate(ctx context.Context, pid string, from time.Time) error {
	return r.inner.DeleteFromDate(ctx, pid, from)
}

type harness struct {
	db     *database.MemoryStore
	prices *fakePrices
	svc    *SnapshotService
}

const pid = "p1"

func newHarness(today time.Time) *harness {
	h := &harness{db: database.NewMemoryStore(), prices: newFakePrices()}
	h.svc = NewSnapshotService(h.db.Transactions(), h.db.Snapshots(), h.prices, quietLogger(),
		WithClock(func() time.Time { return today.Add(15 * time.Hour) }))
	return h
}

func (h *harness) add(t *testing.T, id string, typ models.TransactionType, asset string, on time.Time, qty, price, total string) {
	t.Helper()
	_, _, err := h.db.Transactions().Create(context.Background(), models.Transaction{
		ID: id, PortfolioID: pid, AssetID: asset, Type: typ, Date: on,
		Quantity: dec(qty), Price: dec(price), TotalAmount: dec(total), Fees: decimal.Zero, Currency: "USD",
	}, "")
	require.NoError(t, err)
}

func (h *harness) snapshots(t *testing.T) []models.PerformanceSnapshot {
	t.Helper()
	snaps, err := h.db.Snapshots().GetByPortfolio(context.Background(), pid, time.Time{}, day(60))
	require.NoError(t, err)
	return snaps
}

func assertSameSeries(t *testing.T, want, got []models.PerformanceSnapshot) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		w, g := want[i], got[i]
		assert.Equal(t, w.Date, g.Date)
		for _, pair := range [][2]decimal.Decimal{
			{w.TotalValue, g.TotalValue}, {w.TotalCost, g.TotalCost},
			{w.DayChange, g.DayChange}, {w.DayChangePercent, g.DayChangePercent},
			{w.CumulativeReturn, g.CumulativeReturn}, {w.TWRReturn, g.TWRReturn},
		} {
			assert.True(t, pair[0].Equal(pair[1]), "%s: %s != %s", w.Date.Format(models.DateFormat), pair[0], pair[1])
		}
		assert.Equal(t, w.HoldingCount, g.HoldingCount)
		assert.Equal(t, w.HasInterpolatedPrices, g.HasInterpolatedPrices)
	}
}

func TestComputeSnapshots_DailySeries(t *testing.T) {
	h := newHarness(day(3))
	h.add(t, "t1", models.TxBuy, "VTI", day(1), "10", "100", "1000")
	h.prices.set("VTI", day(1), "100")
	h.prices.set("VTI", day(2), "110")
	h.prices.set("VTI", day(3), "121")

	require.NoError(t, h.svc.ComputeSnapshots(context.Background(), pid, day(1), day(3)))
	snaps := h.snapshots(t)
	require.Len(t, snaps, 3)

	assertDec(t, "1000", snaps[0].TotalValue)
	assertDec(t, "1000", snaps[0].TotalCost)
	assertDec(t, "0", snaps[0].DayChange)
	assertDec(t, "0", snaps[0].TWRReturn)
	assert.Equal(t, 1, snaps[0].HoldingCount)
	assert.False(t, snaps[0].HasInterpolatedPrices)

	assertDec(t, "100", snaps[1].DayChange)
	assertDec(t, "10", snaps[1].DayChangePercent)
	assertDec(t, "10", snaps[1].CumulativeReturn)
	assertDec(t, "10", snaps[1].TWRReturn)

	assertDec(t, "1210", snaps[2].TotalValue)
	assertDec(t, "21", snaps[2].CumulativeReturn)
	assertDec(t, "21", snaps[2].TWRReturn)
}

func TestComputeSnapshots_Idempotent(t *testing.T) {
	h := newHarness(day(4))
	h.add(t, "t1", models.TxBuy, "VTI", day(1), "10", "100", "1000")
	h.add(t, "t2", models.TxBuy, "BND", day(2), "4", "50", "200")
	for i, p := range []string{"100", "103.17", "99.5", "101"} {
		h.prices.set("VTI", day(i+1), p)
		h.prices.set("BND", day(i+1), "50.25")
	}
	ctx := context.Background()

	require.NoError(t, h.svc.ComputeSnapshots(ctx, pid, day(1), day(4)))
	first := h.snapshots(t)
	require.NoError(t, h.svc.ComputeSnapshots(ctx, pid, day(1), day(4)))
	assertSameSeries(t, first, h.snapshots(t))

	// a partial rerun seeded from the stored day before converges too
	require.NoError(t, h.svc.ComputeSnapshots(ctx, pid, day(3), day(4)))
	assertSameSeries(t, first, h.snapshots(t))
}

func TestComputeSnapshots_PartialRerunKeepsLastKnownPrice(t *testing.T) {
	h := newHarness(day(4))
	h.add(t, "t1", models.TxBuy, "VTI", day(1), "10", "100", "1000")
	h.add(t, "t2", models.TxBuy, "BND", day(2), "10", "50", "500")
	for i := 1; i <= 4; i++ {
		h.prices.set("VTI", day(i), "100")
	}
	// BND is quoted once, after purchase, and never again
	h.prices.set("BND", day(2), "80")
	ctx := context.Background()

	require.NoError(t, h.svc.ComputeSnapshots(ctx, pid, day(1), day(4)))
	first := h.snapshots(t)
	assertDec(t, "1800", first[2].TotalValue)
	assert.True(t, first[2].HasInterpolatedPrices)

	require.NoError(t, h.svc.ComputeSnapshots(ctx, pid, day(3), day(4)))
	assertSameSeries(t, first, h.snapshots(t))
}

func TestComputeSnapshots_CashFlowDoesNotCountAsReturn(t *testing.T) {
	h := newHarness(day(2))
	h.add(t, "t1", models.TxBuy, "VTI", day(1), "10", "100", "1000")
	h.add(t, "t2", models.TxBuy, "VTI", day(2), "10", "110", "1100")
	h.prices.set("VTI", day(1), "100")
	h.prices.set("VTI", day(2), "110")

	require.NoError(t, h.svc.ComputeSnapshots(context.Background(), pid, day(1), day(2)))
	snaps := h.snapshots(t)
	require.Len(t, snaps, 2)
	assertDec(t, "2200", snaps[1].TotalValue)
	assertDec(t, "2100", snaps[1].TotalCost)
	assertDec(t, "1200", snaps[1].DayChange)
	assertDec(t, "120", snaps[1].CumulativeReturn)
	assertDec(t, "10", snaps[1].TWRReturn)
}

func TestComputeSnapshots_SellUsesAverageCost(t *testing.T) {
	h := newHarness(day(2))
	h.add(t, "t1", models.TxBuy, "VTI", day(1), "10", "100", "1000")
	h.add(t, "t2", models.TxSell, "VTI", day(2), "4", "120", "480")
	h.prices.set("VTI", day(1), "100")
	h.prices.set("VTI", day(2), "120")

	require.NoError(t, h.svc.ComputeSnapshots(context.Background(), pid, day(1), day(2)))
	snaps := h.snapshots(t)
	assertDec(t, "720", snaps[1].TotalValue)
	assertDec(t, "600", snaps[1].TotalCost)
	assertDec(t, "20", snaps[1].TWRReturn)
}

func TestComputeSnapshots_Split(t *testing.T) {
	h := newHarness(day(2))
	h.add(t, "t1", models.TxBuy, "VTI", day(1), "10", "100", "1000")
	h.add(t, "t2", models.TxSplit, "VTI", day(2), "2", "0", "0")
	h.prices.set("VTI", day(1), "100")
	h.prices.set("VTI", day(2), "50")

	require.NoError(t, h.svc.ComputeSnapshots(context.Background(), pid, day(1), day(2)))
	snaps := h.snapshots(t)
	assertDec(t, "1000", snaps[1].TotalValue)
	assertDec(t, "1000", snaps[1].TotalCost)
	assertDec(t, "0", snaps[1].DayChange)
}

func TestComputeSnapshots_MissingPriceFallsBack(t *testing.T) {
	h := newHarness(day(3))
	h.add(t, "t1", models.TxBuy, "VTI", day(1), "10", "100", "1000")
	h.add(t, "t2", models.TxBuy, "PRIV", day(1), "2", "40", "80")
	h.add(t, "t3", models.TxTransferIn, "GIFT", day(1), "3", "0", "0")
	h.prices.set("VTI", day(1), "105")

	require.NoError(t, h.svc.ComputeSnapshots(context.Background(), pid, day(1), day(3)))
	snaps := h.snapshots(t)
	require.Len(t, snaps, 3)

	// VTI at 105, PRIV at its trade price, GIFT has nothing and counts as 0
	assertDec(t, "1130", snaps[0].TotalValue)
	assert.True(t, snaps[0].HasInterpolatedPrices)
	assert.Equal(t, 3, snaps[0].HoldingCount)
	// VTI carries 105 forward
	assertDec(t, "1130", snaps[2].TotalValue)
	assert.True(t, snaps[2].HasInterpolatedPrices)
}

func TestComputeSnapshots_PriceErrorsSurfaceAfterBatch(t *testing.T) {
	h := newHarness(day(3))
	h.add(t, "t1", models.TxBuy, "VTI", day(1), "10", "100", "1000")
	h.prices.fail["VTI"] = errors.New("feed down")

	err := h.svc.ComputeSnapshots(context.Background(), pid, day(1), day(3))
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
	assert.Contains(t, err.Error(), "feed down")
	assert.Len(t, h.snapshots(t), 3, "every day is still written")
}

func TestComputeSnapshots_UpsertFailureDoesNotStopBatch(t *testing.T) {
	db := database.NewMemoryStore()
	prices := newFakePrices()
	store := &rowStore{inner: db.Snapshots(), failOn: day(2)}
	svc := NewSnapshotService(db.Transactions(), store, prices, quietLogger(), WithClock(func() time.Time { return day(3) }))
	_, _, err := db.Transactions().Create(context.Background(), models.Transaction{
		ID: "t1", PortfolioID: pid, AssetID: "VTI", Type: models.TxBuy, Date: day(1),
		Quantity: dec("1"), Price: dec("10"), TotalAmount: dec("10"),
	}, "")
	require.NoError(t, err)

	err = svc.ComputeSnapshots(context.Background(), pid, day(1), day(3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2024-03-02")

	snaps, err := db.Snapshots().GetByPortfolio(context.Background(), pid, day(1), day(3))
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, day(1), snaps[0].Date)
	assert.Equal(t, day(3), snaps[1].Date)
}

func TestComputeSnapshots_EmptyLedgerDeletesSeries(t *testing.T) {
	h := newHarness(day(3))
	ctx := context.Background()
	require.NoError(t, h.db.Snapshots().Upsert(ctx, models.PerformanceSnapshot{PortfolioID: pid, Date: day(1), TotalValue: dec("5")}))

	require.NoError(t, h.svc.ComputeSnapshots(ctx, pid, day(1), day(3)))
	assert.Empty(t, h.snapshots(t))

	needs, err := h.svc.NeedsComputation(ctx, pid, day(3))
	require.NoError(t, err)
	assert.False(t, needs)
}

func TestComputeSnapshots_InvalidRange(t *testing.T) {
	h := newHarness(day(3))
	h.add(t, "t1", models.TxBuy, "VTI", day(1), "1", "1", "1")
	err := h.svc.ComputeSnapshots(context.Background(), pid, day(3), day(1))
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestComputeSnapshots_GapReplaysFromInception(t *testing.T) {
	h := newHarness(day(5))
	h.add(t, "t1", models.TxBuy, "VTI", day(1), "10", "100", "1000")
	h.prices.set("VTI", day(1), "100")
	h.prices.set("VTI", day(5), "150")

	require.NoError(t, h.svc.ComputeSnapshots(context.Background(), pid, day(4), day(5)))
	snaps := h.snapshots(t)
	require.Len(t, snaps, 5)
	assertDec(t, "50", snaps[4].CumulativeReturn)
}

func TestNeedsComputation(t *testing.T) {
	h := newHarness(day(10))
	ctx := context.Background()
	h.add(t, "t1", models.TxBuy, "VTI", day(1), "1", "1", "1")

	needs, err := h.svc.NeedsComputation(ctx, pid, day(10))
	require.NoError(t, err)
	assert.True(t, needs, "no snapshots yet")

	require.NoError(t, h.db.Snapshots().Upsert(ctx, models.PerformanceSnapshot{PortfolioID: pid, Date: day(9)}))
	needs, err = h.svc.NeedsComputation(ctx, pid, day(10))
	require.NoError(t, err)
	assert.False(t, needs, "yesterday is fresh")

	needs, err = h.svc.NeedsComputation(ctx, pid, day(11))
	require.NoError(t, err)
	assert.True(t, needs, "latest is older than yesterday")
}

func TestHandleSnapshotTrigger_Ranges(t *testing.T) {
	h := newHarness(day(5))
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		h.prices.set("VTI", day(i), "100")
	}

	h.add(t, "t1", models.TxBuy, "VTI", day(1), "10", "100", "1000")
	require.NoError(t, h.svc.HandleSnapshotTrigger(ctx, SnapshotTrigger{Kind: TriggerTransactionAdded, PortfolioID: pid, Date: day(1)}))
	require.Len(t, h.snapshots(t), 5)

	h.add(t, "t2", models.TxBuy, "VTI", day(3), "5", "100", "500")
	require.NoError(t, h.svc.HandleSnapshotTrigger(ctx, SnapshotTrigger{Kind: TriggerTransactionAdded, PortfolioID: pid, Date: day(3)}))
	snaps := h.snapshots(t)
	assertDec(t, "1000", snaps[1].TotalValue)
	assertDec(t, "1500", snaps[2].TotalValue)
	assertDec(t, "1500", snaps[4].TotalValue)

	// move t2 back to day 2
	_, err := h.db.Transactions().Update(ctx, models.Transaction{
		ID: "t2", AssetID: "VTI", Type: models.TxBuy, Date: day(2),
		Quantity: dec("5"), Price: dec("100"), TotalAmount: dec("500"),
	})
	require.NoError(t, err)
	require.NoError(t, h.svc.HandleSnapshotTrigger(ctx, SnapshotTrigger{
		Kind: TriggerTransactionModified, PortfolioID: pid, OldDate: day(3), NewDate: day(2),
	}))
	snaps = h.snapshots(t)
	assertDec(t, "1000", snaps[0].TotalValue)
	assertDec(t, "1500", snaps[1].TotalValue)

	// deleting the first entry moves inception forward
	_, err = h.db.Transactions().Delete(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, h.svc.HandleSnapshotTrigger(ctx, SnapshotTrigger{Kind: TriggerTransactionDeleted, PortfolioID: pid, Date: day(1)}))
	snaps = h.snapshots(t)
	require.Len(t, snaps, 4)
	assert.Equal(t, day(2), snaps[0].Date)
	assertDec(t, "500", snaps[0].TotalValue)
}

func TestHandleSnapshotTrigger_DropsRowsAfterToday(t *testing.T) {
	h := newHarness(day(3))
	ctx := context.Background()
	h.add(t, "t1", models.TxBuy, "VTI", day(1), "1", "10", "10")
	require.NoError(t, h.db.Snapshots().Upsert(ctx, models.PerformanceSnapshot{PortfolioID: pid, Date: day(7)}))

	require.NoError(t, h.svc.HandleSnapshotTrigger(ctx, SnapshotTrigger{Kind: TriggerTransactionAdded, PortfolioID: pid, Date: day(1)}))
	snaps := h.snapshots(t)
	require.Len(t, snaps, 3)
	assert.Equal(t, day(3), snaps[2].Date)
}

func TestHandleSnapshotTrigger_ManualRefresh(t *testing.T) {
	h := newHarness(day(4))
	ctx := context.Background()
	h.add(t, "t1", models.TxBuy, "VTI", day(2), "1", "10", "10")
	require.NoError(t, h.db.Snapshots().Upsert(ctx, models.PerformanceSnapshot{PortfolioID: pid, Date: day(1), TotalValue: dec("99")}))

	require.NoError(t, h.svc.HandleSnapshotTrigger(ctx, SnapshotTrigger{Kind: TriggerManualRefresh, PortfolioID: pid}))
	snaps := h.snapshots(t)
	require.Len(t, snaps, 3)
	assert.Equal(t, day(2), snaps[0].Date)
}

func TestHandleSnapshotTrigger_Rejects(t *testing.T) {
	h := newHarness(day(4))
	err := h.svc.HandleSnapshotTrigger(context.Background(), SnapshotTrigger{Kind: "REBALANCED", PortfolioID: pid})
	assert.ErrorIs(t, err, ErrUnknownTrigger)

	err = h.svc.HandleSnapshotTrigger(context.Background(), SnapshotTrigger{Kind: TriggerManualRefresh})
	assert.Error(t, err)
}

func TestRefreshStale(t *testing.T) {
	h := newHarness(day(5))
	ctx := context.Background()
	h.add(t, "t1", models.TxBuy, "VTI", day(1), "1", "10", "10")
	require.NoError(t, h.svc.ComputeSnapshots(ctx, pid, day(1), day(2)))

	assert.Equal(t, 1, h.svc.RefreshStale(ctx, h.db))
	snaps := h.snapshots(t)
	require.Len(t, snaps, 5)
	assert.Equal(t, day(5), snaps[4].Date)

	assert.Equal(t, 0, h.svc.RefreshStale(ctx, h.db), "nothing stale the second time")
}

func TestPriceCache_Memoizes(t *testing.T) {
	prices := newFakePrices()
	prices.set("VTI", day(1), "100")
	cache := NewPriceCache(prices)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		q, err := cache.GetPriceAtDate(ctx, "VTI", day(1).Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		assertDec(t, "100", q.Price)
	}
	for i := 0; i < 2; i++ {
		_, err := cache.GetPriceAtDate(ctx, "VTI", day(2))
		assert.ErrorIs(t, err, ErrPriceNotFound)
	}
	assert.Equal(t, 2, prices.calls)
	assert.Equal(t, 2, cache.Len())
}

func TestComputeSnapshots_OneLookupPerAssetDay(t *testing.T) {
	h := newHarness(day(3))
	h.add(t, "t1", models.TxBuy, "VTI", day(1), "1", "10", "10")
	h.add(t, "t2", models.TxBuy, "BND", day(1), "1", "10", "10")

	require.NoError(t, h.svc.ComputeSnapshots(context.Background(), pid, day(1), day(3)))
	assert.Equal(t, 6, h.prices.calls)
}

func TestHistoricalPriceService(t *testing.T) {
	db := database.NewMemoryStore()
	p := NewHistoricalPriceService(db, quietLogger())
	ctx := context.Background()

	require.NoError(t, p.RecordPrice(ctx, "VTI", dec("200"), day(2)))
	assert.Error(t, p.RecordPrice(ctx, "VTI", dec("-1"), day(3)))

	q, err := p.GetPriceAtDate(ctx, "VTI", day(2))
	require.NoError(t, err)
	assert.False(t, q.Interpolated)

	q, err = p.GetPriceAtDate(ctx, "VTI", day(4))
	require.NoError(t, err)
	assert.True(t, q.Interpolated)
	assertDec(t, "200", q.Price)

	_, err = p.GetPriceAtDate(ctx, "VTI", day(1))
	assert.ErrorIs(t, err, ErrPriceNotFound)
}
