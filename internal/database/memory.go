package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"folio/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps ledger, snapshots and prices in process memory. It backs
// the server when no database is configured and the service tests.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]models.Transaction // txID -> tx
	idempotency  map[string]string             // key -> txID
	snapshots    map[string]map[time.Time]models.PerformanceSnapshot
	prices       map[string]map[time.Time]decimal.Decimal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]models.Transaction),
		idempotency:  make(map[string]string),
		snapshots:    make(map[string]map[time.Time]models.PerformanceSnapshot),
		prices:       make(map[string]map[time.Time]decimal.Decimal),
	}
}

func (m *MemoryStore) Transactions() *MemoryTransactions { return &MemoryTransactions{s: m} }

func (m *MemoryStore) Snapshots() *MemorySnapshots { return &MemorySnapshots{s: m} }

func (m *MemoryStore) GetPriceOnOrBefore(ctx context.Context, assetID string, day time.Time) (decimal.Decimal, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	day = models.DayOf(day)
	var best time.Time
	found := false
	for on := range m.prices[assetID] {
		if on.After(day) {
			continue
		}
		if !found || on.After(best) {
			best, found = on, true
		}
	}
	if !found {
		return decimal.Zero, time.Time{}, ErrNotFound
	}
	return m.prices[assetID][best], best, nil
}

func (m *MemoryStore) UpsertPrice(ctx context.Context, assetID string, price decimal.Decimal, day time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prices[assetID] == nil {
		m.prices[assetID] = make(map[time.Time]decimal.Decimal)
	}
	m.prices[assetID][models.DayOf(day)] = price
	return nil
}

func (m *MemoryStore) GetAllPortfolioIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	res := []string{}
	for _, tx := range m.transactions {
		if !seen[tx.PortfolioID] {
			seen[tx.PortfolioID] = true
			res = append(res, tx.PortfolioID)
		}
	}
	sort.Strings(res)
	return res, nil
}

/* ---- ledger ---- */

type MemoryTransactions struct{ s *MemoryStore }

func (t *MemoryTransactions) GetByPortfolio(ctx context.Context, portfolioID string) ([]models.Transaction, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	res := []models.Transaction{}
	for _, tx := range t.s.transactions {
		if tx.PortfolioID == portfolioID {
			res = append(res, tx)
		}
	}
	return res, nil
}

func (t *MemoryTransactions) Get(ctx context.Context, id string) (models.Transaction, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	tx, ok := t.s.transactions[id]
	if !ok {
		return models.Transaction{}, ErrNotFound
	}
	return tx, nil
}

func (t *MemoryTransactions) Create(ctx context.Context, tx models.Transaction, idempotencyKey string) (string, bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if id, ok := t.s.idempotency[idempotencyKey]; ok && idempotencyKey != "" {
		return id, false, nil
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.Date = models.DayOf(tx.Date)
	t.s.transactions[tx.ID] = tx
	if idempotencyKey != "" {
		t.s.idempotency[idempotencyKey] = tx.ID
	}
	return tx.ID, true, nil
}

func (t *MemoryTransactions) Update(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	old, ok := t.s.transactions[tx.ID]
	if !ok {
		return models.Transaction{}, ErrNotFound
	}
	tx.PortfolioID = old.PortfolioID
	tx.Date = models.DayOf(tx.Date)
	t.s.transactions[tx.ID] = tx
	return old, nil
}

func (t *MemoryTransactions) Delete(ctx context.Context, id string) (models.Transaction, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	old, ok := t.s.transactions[id]
	if !ok {
		return models.Transaction{}, ErrNotFound
	}
	delete(t.s.transactions, id)
	for key, txID := range t.s.idempotency {
		if txID == id {
			delete(t.s.idempotency, key)
		}
	}
	return old, nil
}

/* ---- snapshots ---- */

type MemorySnapshots struct{ s *MemoryStore }

func (m *MemorySnapshots) GetByPortfolio(ctx context.Context, portfolioID string, start, end time.Time) ([]models.PerformanceSnapshot, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	start, end = models.DayOf(start), models.DayOf(end)
	res := []models.PerformanceSnapshot{}
	for on, snap := range m.s.snapshots[portfolioID] {
		if on.Before(start) || on.After(end) {
			continue
		}
		res = append(res, snap)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Date.Before(res[j].Date) })
	return res, nil
}

func (m *MemorySnapshots) GetLatest(ctx context.Context, portfolioID string) (*models.PerformanceSnapshot, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var latest *models.PerformanceSnapshot
	for _, snap := range m.s.snapshots[portfolioID] {
		if latest == nil || snap.Date.After(latest.Date) {
			s := snap
			latest = &s
		}
	}
	return latest, nil
}

func (m *MemorySnapshots) Upsert(ctx context.Context, snap models.PerformanceSnapshot) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.upsertLocked(snap)
	return nil
}

func (m *MemorySnapshots) UpsertBatch(ctx context.Context, snaps []models.PerformanceSnapshot) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, snap := range snaps {
		m.upsertLocked(snap)
	}
	return nil
}

func (m *MemorySnapshots) upsertLocked(snap models.PerformanceSnapshot) {
	snap.Date = models.DayOf(snap.Date)
	if m.s.snapshots[snap.PortfolioID] == nil {
		m.s.snapshots[snap.PortfolioID] = make(map[time.Time]models.PerformanceSnapshot)
	}
	m.s.snapshots[snap.PortfolioID][snap.Date] = snap
}

func (m *MemorySnapshots) DeleteByPortfolio(ctx context.Context, portfolioID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	delete(m.s.snapshots, portfolioID)
	return nil
}

func (m *MemorySnapshots) DeleteFromDate(ctx context.Context, portfolioID string, from time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	from = models.DayOf(from)
	for on := range m.s.snapshots[portfolioID] {
		if !on.Before(from) {
			delete(m.s.snapshots[portfolioID], on)
		}
	}
	return nil
}
