package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"folio/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type TransactionRepo struct {
	r *Repo
}

type transactionRow struct {
	ID          string    `db:"id"`
	PortfolioID string    `db:"portfolio_id"`
	AssetID     string    `db:"asset_id"`
	Type        string    `db:"type"`
	Date        time.Time `db:"date"`
	Quantity    string    `db:"quantity"`
	Price       string    `db:"price"`
	TotalAmount string    `db:"total_amount"`
	Fees        string    `db:"fees"`
	Currency    string    `db:"currency"`
}

const selectTransaction = `SELECT id, portfolio_id, asset_id, type, date, quantity::text AS quantity, price::text AS price, total_amount::text AS total_amount, fees::text AS fees, currency FROM transactions`

func (row transactionRow) model() (models.Transaction, error) {
	tx := models.Transaction{
		ID:          row.ID,
		PortfolioID: row.PortfolioID,
		AssetID:     row.AssetID,
		Type:        models.TransactionType(row.Type),
		Date:        models.DayOf(row.Date),
		Currency:    row.Currency,
	}
	var err error
	if tx.Quantity, err = decodeDecimal(row.Quantity); err != nil {
		return tx, fmt.Errorf("quantity: %w", err)
	}
	if tx.Price, err = decodeDecimal(row.Price); err != nil {
		return tx, fmt.Errorf("price: %w", err)
	}
	if tx.TotalAmount, err = decodeDecimal(row.TotalAmount); err != nil {
		return tx, fmt.Errorf("total_amount: %w", err)
	}
	if tx.Fees, err = decodeDecimal(row.Fees); err != nil {
		return tx, fmt.Errorf("fees: %w", err)
	}
	return tx, nil
}

// GetByPortfolio returns the whole ledger of a portfolio in no particular order.
func (t *TransactionRepo) GetByPortfolio(ctx context.Context, portfolioID string) ([]models.Transaction, error) {
	rows, err := t.r.db.QueryxContext(ctx, selectTransaction+` WHERE portfolio_id = $1`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []models.Transaction{}
	for rows.Next() {
		var row transactionRow
		if err := rows.StructScan(&row); err != nil {
			t.r.log.Warnf("scan transaction failed: %v", err)
			continue
		}
		tx, err := row.model()
		if err != nil {
			t.r.log.Warnf("decode transaction %s failed: %v", row.ID, err)
			continue
		}
		res = append(res, tx)
	}
	return res, rows.Err()
}

func (t *TransactionRepo) Get(ctx context.Context, id string) (models.Transaction, error) {
	var row transactionRow
	err := t.r.db.GetContext(ctx, &row, selectTransaction+` WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Transaction{}, ErrNotFound
	}
	if err != nil {
		return models.Transaction{}, err
	}
	return row.model()
}

// Create inserts tx. A replayed idempotency key returns the id of the
// original entry and created=false.
func (t *TransactionRepo) Create(ctx context.Context, tx models.Transaction, idempotencyKey string) (string, bool, error) {
	if idempotencyKey != "" {
		var existing sql.NullString
		err := t.r.db.GetContext(ctx, &existing, `SELECT id FROM transactions WHERE idempotency_key = $1 LIMIT 1`, idempotencyKey)
		if err == nil && existing.Valid {
			return existing.String, false, nil
		}
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	var key sql.NullString
	if idempotencyKey != "" {
		key = sql.NullString{String: idempotencyKey, Valid: true}
	}
	q := `INSERT INTO transactions (id, portfolio_id, asset_id, type, date, quantity, price, total_amount, fees, currency, idempotency_key, created_at) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10, $11, now())`
	_, err := t.r.db.ExecContext(ctx, q, tx.ID, tx.PortfolioID, tx.AssetID, string(tx.Type), models.DayOf(tx.Date),
		encodeDecimal(tx.Quantity), encodeDecimal(tx.Price), encodeDecimal(tx.TotalAmount), encodeDecimal(tx.Fees), tx.Currency, key)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" && idempotencyKey != "" {
			var existing string
			if err := t.r.db.GetContext(ctx, &existing, `SELECT id FROM transactions WHERE idempotency_key = $1 LIMIT 1`, idempotencyKey); err == nil {
				return existing, false, nil
			}
		}
		return "", false, err
	}
	return tx.ID, true, nil
}

// Update replaces the mutable fields of tx and returns the previous version.
func (t *TransactionRepo) Update(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	dbtx, err := t.r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Transaction{}, err
	}
	defer dbtx.Rollback()

	var row transactionRow
	if err := dbtx.GetContext(ctx, &row, selectTransaction+` WHERE id = $1 FOR UPDATE`, tx.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Transaction{}, ErrNotFound
		}
		return models.Transaction{}, err
	}
	old, err := row.model()
	if err != nil {
		return models.Transaction{}, err
	}

	q := `UPDATE transactions SET asset_id = $2, type = $3, date = $4, quantity = $5::numeric, price = $6::numeric, total_amount = $7::numeric, fees = $8::numeric, currency = $9 WHERE id = $1`
	if _, err := dbtx.ExecContext(ctx, q, tx.ID, tx.AssetID, string(tx.Type), models.DayOf(tx.Date),
		encodeDecimal(tx.Quantity), encodeDecimal(tx.Price), encodeDecimal(tx.TotalAmount), encodeDecimal(tx.Fees), tx.Currency); err != nil {
		return models.Transaction{}, err
	}
	return old, dbtx.Commit()
}

// Delete removes the entry and returns it.
func (t *TransactionRepo) Delete(ctx context.Context, id string) (models.Transaction, error) {
	var row transactionRow
	err := t.r.db.GetContext(ctx, &row, `DELETE FROM transactions WHERE id = $1 RETURNING id, portfolio_id, asset_id, type, date, quantity::text AS quantity, price::text AS price, total_amount::text AS total_amount, fees::text AS fees, currency`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Transaction{}, ErrNotFound
	}
	if err != nil {
		return models.Transaction{}, err
	}
	return row.model()
}
