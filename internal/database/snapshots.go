package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"folio/internal/models"

	"github.com/jmoiron/sqlx"
)

type SnapshotRepo struct {
	r *Repo
}

type snapshotRow struct {
	PortfolioID           string    `db:"portfolio_id"`
	Date                  time.Time `db:"date"`
	TotalValue            string    `db:"total_value"`
	TotalCost             string    `db:"total_cost"`
	DayChange             string    `db:"day_change"`
	DayChangePercent      string    `db:"day_change_percent"`
	CumulativeReturn      string    `db:"cumulative_return"`
	TWRReturn             string    `db:"twr_return"`
	HoldingCount          int       `db:"holding_count"`
	HasInterpolatedPrices bool      `db:"has_interpolated_prices"`
}

const selectSnapshot = `SELECT portfolio_id, date, total_value::text AS total_value, total_cost::text AS total_cost, day_change::text AS day_change, day_change_percent::text AS day_change_percent, cumulative_return::text AS cumulative_return, twr_return::text AS twr_return, holding_count, has_interpolated_prices FROM performance_snapshots`

const upsertSnapshot = `INSERT INTO performance_snapshots (portfolio_id, date, total_value, total_cost, day_change, day_change_percent, cumulative_return, twr_return, holding_count, has_interpolated_prices)
VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9, $10)
ON CONFLICT (portfolio_id, date) DO UPDATE SET
	total_value = EXCLUDED.total_value,
	total_cost = EXCLUDED.total_cost,
	day_change = EXCLUDED.day_change,
	day_change_percent = EXCLUDED.day_change_percent,
	cumulative_return = EXCLUDED.cumulative_return,
	twr_return = EXCLUDED.twr_return,
	holding_count = EXCLUDED.holding_count,
	has_interpolated_prices = EXCLUDED.has_interpolated_prices`

func (row snapshotRow) model() (models.PerformanceSnapshot, error) {
	s := models.PerformanceSnapshot{
		PortfolioID:           row.PortfolioID,
		Date:                  models.DayOf(row.Date),
		HoldingCount:          row.HoldingCount,
		HasInterpolatedPrices: row.HasInterpolatedPrices,
	}
	var err error
	if s.TotalValue, err = decodeDecimal(row.TotalValue); err != nil {
		return s, fmt.Errorf("total_value: %w", err)
	}
	if s.TotalCost, err = decodeDecimal(row.TotalCost); err != nil {
		return s, fmt.Errorf("total_cost: %w", err)
	}
	if s.DayChange, err = decodeDecimal(row.DayChange); err != nil {
		return s, fmt.Errorf("day_change: %w", err)
	}
	if s.DayChangePercent, err = decodeDecimal(row.DayChangePercent); err != nil {
		return s, fmt.Errorf("day_change_percent: %w", err)
	}
	if s.CumulativeReturn, err = decodeDecimal(row.CumulativeReturn); err != nil {
		return s, fmt.Errorf("cumulative_return: %w", err)
	}
	if s.TWRReturn, err = decodeDecimal(row.TWRReturn); err != nil {
		return s, fmt.Errorf("twr_return: %w", err)
	}
	return s, nil
}

func upsertArgs(s models.PerformanceSnapshot) []interface{} {
	return []interface{}{
		s.PortfolioID, models.DayOf(s.Date),
		encodeDecimal(s.TotalValue), encodeDecimal(s.TotalCost),
		encodeDecimal(s.DayChange), encodeDecimal(s.DayChangePercent),
		encodeDecimal(s.CumulativeReturn), encodeDecimal(s.TWRReturn),
		s.HoldingCount, s.HasInterpolatedPrices,
	}
}

// GetByPortfolio returns the snapshots dated within [start, end], oldest first.
func (s *SnapshotRepo) GetByPortfolio(ctx context.Context, portfolioID string, start, end time.Time) ([]models.PerformanceSnapshot, error) {
	rows, err := s.r.db.QueryxContext(ctx, selectSnapshot+` WHERE portfolio_id = $1 AND date >= $2 AND date <= $3 ORDER BY date ASC`, portfolioID, models.DayOf(start), models.DayOf(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scan(rows)
}

func (s *SnapshotRepo) scan(rows *sqlx.Rows) ([]models.PerformanceSnapshot, error) {
	res := []models.PerformanceSnapshot{}
	for rows.Next() {
		var row snapshotRow
		if err := rows.StructScan(&row); err != nil {
			s.r.log.Warnf("scan snapshot failed: %v", err)
			continue
		}
		snap, err := row.model()
		if err != nil {
			s.r.log.Warnf("decode snapshot %s/%s failed: %v", row.PortfolioID, row.Date.Format(models.DateFormat), err)
			continue
		}
		res = append(res, snap)
	}
	return res, rows.Err()
}

// GetLatest returns the most recent snapshot, or nil when there is none.
func (s *SnapshotRepo) GetLatest(ctx context.Context, portfolioID string) (*models.PerformanceSnapshot, error) {
	var row snapshotRow
	err := s.r.db.GetContext(ctx, &row, selectSnapshot+` WHERE portfolio_id = $1 ORDER BY date DESC LIMIT 1`, portfolioID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap, err := row.model()
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SnapshotRepo) Upsert(ctx context.Context, snap models.PerformanceSnapshot) error {
	_, err := s.r.db.ExecContext(ctx, upsertSnapshot, upsertArgs(snap)...)
	return err
}

// UpsertBatch writes all snapshots in one database transaction so readers
// never observe a half-updated series.
func (s *SnapshotRepo) UpsertBatch(ctx context.Context, snaps []models.PerformanceSnapshot) error {
	tx, err := s.r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, upsertSnapshot)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, snap := range snaps {
		if _, err := stmt.ExecContext(ctx, upsertArgs(snap)...); err != nil {
			return fmt.Errorf("upsert snapshot %s: %w", snap.Date.Format(models.DateFormat), err)
		}
	}
	return tx.Commit()
}

func (s *SnapshotRepo) DeleteByPortfolio(ctx context.Context, portfolioID string) error {
	_, err := s.r.db.ExecContext(ctx, `DELETE FROM performance_snapshots WHERE portfolio_id = $1`, portfolioID)
	return err
}

// DeleteFromDate removes snapshots dated on or after from.
func (s *SnapshotRepo) DeleteFromDate(ctx context.Context, portfolioID string, from time.Time) error {
	_, err := s.r.db.ExecContext(ctx, `DELETE FROM performance_snapshots WHERE portfolio_id = $1 AND date >= $2`, portfolioID, models.DayOf(from))
	return err
}
