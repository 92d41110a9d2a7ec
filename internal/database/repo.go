package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"folio/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("not found")

type Repo struct {
	db  *sqlx.DB
	log *logrus.Logger
}

func New(db *sqlx.DB, log *logrus.Logger) *Repo {
	return &Repo{db: db, log: log}
}

// Open connects to Postgres and checks the connection before returning.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return db, nil
}

// Transactions returns the ledger view of the repository.
func (r *Repo) Transactions() *TransactionRepo { return &TransactionRepo{r: r} }

// Snapshots returns the snapshot series view of the repository.
func (r *Repo) Snapshots() *SnapshotRepo { return &SnapshotRepo{r: r} }

// Decimals cross the database boundary as text so that numeric precision
// is never squeezed through float64.
func encodeDecimal(d decimal.Decimal) string { return d.String() }

func decodeDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// GetPriceOnOrBefore returns the latest recorded price of asset dated on or
// before day, together with the date it was recorded for.
func (r *Repo) GetPriceOnOrBefore(ctx context.Context, assetID string, day time.Time) (decimal.Decimal, time.Time, error) {
	var priceStr string
	var on time.Time
	err := r.db.QueryRowContext(ctx, `SELECT price::text, date FROM price_history WHERE asset_id = $1 AND date <= $2 ORDER BY date DESC LIMIT 1`, assetID, models.DayOf(day)).Scan(&priceStr, &on)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, time.Time{}, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	p, err := decodeDecimal(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	return p, models.DayOf(on), nil
}

func (r *Repo) UpsertPrice(ctx context.Context, assetID string, price decimal.Decimal, day time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO price_history (asset_id, date, price) VALUES ($1, $2, $3::numeric) ON CONFLICT (asset_id, date) DO UPDATE SET price = EXCLUDED.price`, assetID, models.DayOf(day), encodeDecimal(price))
	return err
}

// GetAllPortfolioIDs lists every portfolio that has at least one ledger entry.
func (r *Repo) GetAllPortfolioIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT DISTINCT portfolio_id FROM transactions ORDER BY portfolio_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			r.log.Warnf("scan portfolio id failed: %v", err)
			continue
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
