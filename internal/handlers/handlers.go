package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"folio/internal/database"
	"folio/internal/metrics"
	"folio/internal/models"
	"folio/internal/service"
	"folio/internal/tax"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type LedgerStore interface {
	GetByPortfolio(ctx context.Context, portfolioID string) ([]models.Transaction, error)
	Create(ctx context.Context, tx models.Transaction, idempotencyKey string) (string, bool, error)
	Update(ctx context.Context, tx models.Transaction) (models.Transaction, error)
	Delete(ctx context.Context, id string) (models.Transaction, error)
}

type PriceRecorder interface {
	RecordPrice(ctx context.Context, assetID string, price decimal.Decimal, on time.Time) error
}

type Handler struct {
	ledger    LedgerStore
	snapshots *service.SnapshotService
	analytics *service.AnalyticsService
	prices    PriceRecorder
	taxes     models.TaxSettings
	log       *logrus.Logger
}

func NewHandler(ledger LedgerStore, snaps *service.SnapshotService, analytics *service.AnalyticsService, prices PriceRecorder, taxes models.TaxSettings, log *logrus.Logger) *Handler {
	return &Handler{ledger: ledger, snapshots: snaps, analytics: analytics, prices: prices, taxes: taxes, log: log}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.POST("/prices", h.PostPrice)

	r.GET("/portfolios/:id/transactions", h.ListTransactions)
	r.POST("/portfolios/:id/transactions", h.PostTransaction)
	r.PUT("/transactions/:id", h.PutTransaction)
	r.DELETE("/transactions/:id", h.DeleteTransaction)

	r.POST("/portfolios/:id/refresh", h.Refresh)
	r.GET("/portfolios/:id/snapshots", h.GetSnapshots)
	r.GET("/portfolios/:id/summary", h.GetSummary)
	r.GET("/portfolios/:id/chart", h.GetChart)
	r.GET("/portfolios/:id/holdings", h.GetHoldings)
	r.GET("/portfolios/:id/export", h.ExportCSV)
	r.POST("/portfolios/:id/export", h.ExportCSV)

	r.GET("/portfolios/:id/tax/exposure", h.GetTaxExposure)
	r.GET("/portfolios/:id/tax/aging", h.GetAgingLots)
}

type TransactionRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	AssetID        string `json:"asset_id" binding:"required"`
	Type           string `json:"type" binding:"required"`
	Date           string `json:"date" binding:"required"`
	Quantity       string `json:"quantity"`
	Price          string `json:"price"`
	TotalAmount    string `json:"total_amount"`
	Fees           string `json:"fees"`
	Currency       string `json:"currency"`
}

// transaction validates the request body into a ledger entry.
func (req TransactionRequest) transaction() (models.Transaction, error) {
	tx := models.Transaction{
		AssetID:  req.AssetID,
		Type:     models.TransactionType(req.Type),
		Currency: req.Currency,
	}
	if !tx.Type.Valid() {
		return tx, fmt.Errorf("unknown transaction type %q", req.Type)
	}
	if tx.Currency == "" {
		tx.Currency = "USD"
	}
	day, err := models.ParseDate(req.Date)
	if err != nil {
		return tx, errors.New("invalid date format, want YYYY-MM-DD")
	}
	tx.Date = day

	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"quantity", req.Quantity, &tx.Quantity},
		{"price", req.Price, &tx.Price},
		{"total_amount", req.TotalAmount, &tx.TotalAmount},
		{"fees", req.Fees, &tx.Fees},
	} {
		if f.raw == "" {
			*f.dst = decimal.Zero
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return tx, fmt.Errorf("invalid %s format", f.name)
		}
		*f.dst = d
	}
	return tx, nil
}

func (h *Handler) PostTransaction(c *gin.Context) {
	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warnf("invalid post body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tx, err := req.transaction()
	if err != nil {
		h.log.Warnf("invalid transaction: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tx.PortfolioID = c.Param("id")

	ctx := c.Request.Context()
	id, created, err := h.ledger.Create(ctx, tx, req.IdempotencyKey)
	if err != nil {
		h.log.Errorf("create transaction failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	if !created {
		c.JSON(http.StatusOK, gin.H{"transaction_id": id, "status": "already_exists"})
		return
	}

	recomputed := h.trigger(ctx, service.SnapshotTrigger{Kind: service.TriggerTransactionAdded, PortfolioID: tx.PortfolioID, Date: tx.Date})
	c.JSON(http.StatusCreated, gin.H{"transaction_id": id, "recomputed": recomputed})
}

func (h *Handler) PutTransaction(c *gin.Context) {
	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warnf("invalid put body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tx, err := req.transaction()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tx.ID = c.Param("id")

	ctx := c.Request.Context()
	old, err := h.ledger.Update(ctx, tx)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	if err != nil {
		h.log.Errorf("update transaction failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}

	recomputed := h.trigger(ctx, service.SnapshotTrigger{
		Kind: service.TriggerTransactionModified, PortfolioID: old.PortfolioID, OldDate: old.Date, NewDate: tx.Date,
	})
	c.JSON(http.StatusOK, gin.H{"transaction_id": tx.ID, "recomputed": recomputed})
}

func (h *Handler) DeleteTransaction(c *gin.Context) {
	ctx := c.Request.Context()
	old, err := h.ledger.Delete(ctx, c.Param("id"))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	if err != nil {
		h.log.Errorf("delete transaction failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}

	recomputed := h.trigger(ctx, service.SnapshotTrigger{Kind: service.TriggerTransactionDeleted, PortfolioID: old.PortfolioID, Date: old.Date})
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "recomputed": recomputed})
}

// trigger runs the recompute for a ledger change. The change itself is
// already stored, so a failed recompute is logged rather than returned.
func (h *Handler) trigger(ctx context.Context, ev service.SnapshotTrigger) bool {
	if err := h.snapshots.HandleSnapshotTrigger(ctx, ev); err != nil {
		h.log.Errorf("recompute %s for %s failed: %v", ev.Kind, ev.PortfolioID, err)
		return false
	}
	return true
}

func (h *Handler) ListTransactions(c *gin.Context) {
	txs, err := h.ledger.GetByPortfolio(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.log.Errorf("list transactions failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	models.SortTransactions(txs)
	c.JSON(http.StatusOK, txs)
}

func (h *Handler) Refresh(c *gin.Context) {
	err := h.snapshots.HandleSnapshotTrigger(c.Request.Context(), service.SnapshotTrigger{Kind: service.TriggerManualRefresh, PortfolioID: c.Param("id")})
	if err != nil {
		h.log.Errorf("manual refresh failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recomputed"})
}

type PriceRequest struct {
	AssetID string `json:"asset_id" binding:"required"`
	Date    string `json:"date" binding:"required"`
	Price   string `json:"price" binding:"required"`
}

func (h *Handler) PostPrice(c *gin.Context) {
	var req PriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	day, err := models.ParseDate(req.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date format, want YYYY-MM-DD"})
		return
	}
	p, err := decimal.NewFromString(req.Price)
	if err != nil || p.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price"})
		return
	}
	if err := h.prices.RecordPrice(c.Request.Context(), req.AssetID, p, day); err != nil {
		h.log.Errorf("record price failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"asset_id": req.AssetID, "date": day.Format(models.DateFormat), "price": p})
}

// asOf reads the optional as_of query parameter, defaulting to today.
func (h *Handler) asOf(c *gin.Context) (time.Time, bool) {
	raw := c.Query("as_of")
	if raw == "" {
		return h.snapshots.Today(), true
	}
	day, err := models.ParseDate(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid as_of, want YYYY-MM-DD"})
		return time.Time{}, false
	}
	return day, true
}

func (h *Handler) period(c *gin.Context) (service.Period, bool) {
	p, err := service.ParsePeriod(c.Query("period"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return p, true
}

func (h *Handler) GetSnapshots(c *gin.Context) {
	end, ok := h.asOf(c)
	if !ok {
		return
	}
	var start time.Time
	if raw := c.Query("start"); raw != "" {
		d, err := models.ParseDate(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start, want YYYY-MM-DD"})
			return
		}
		start = d
	}
	if end.Before(start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrInvalidRange.Error()})
		return
	}
	snaps, err := h.analytics.GetSnapshots(c.Request.Context(), c.Param("id"), start, end)
	if err != nil {
		h.log.Errorf("get snapshots failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, snaps)
}

func (h *Handler) GetSummary(c *gin.Context) {
	p, ok := h.period(c)
	if !ok {
		return
	}
	asOf, ok := h.asOf(c)
	if !ok {
		return
	}
	sum, err := h.analytics.GetSummary(c.Request.Context(), c.Param("id"), p, asOf)
	if err != nil {
		h.log.Errorf("get summary failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) GetChart(c *gin.Context) {
	p, ok := h.period(c)
	if !ok {
		return
	}
	asOf, ok := h.asOf(c)
	if !ok {
		return
	}
	points, err := h.analytics.GetChartData(c.Request.Context(), c.Param("id"), p, asOf)
	if err != nil {
		h.log.Errorf("get chart failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, points)
}

func (h *Handler) GetHoldings(c *gin.Context) {
	asOf, ok := h.asOf(c)
	if !ok {
		return
	}
	rows, err := h.analytics.GetHoldingPerformance(c.Request.Context(), c.Param("id"), asOf)
	if err != nil {
		h.log.Errorf("get holdings failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, rows)
}

type ExportRequest struct {
	Benchmark []struct {
		Date  string          `json:"date"`
		Value decimal.Decimal `json:"value"`
	} `json:"benchmark"`
}

// ExportCSV serves the CSV report. POST accepts benchmark values in the body.
func (h *Handler) ExportCSV(c *gin.Context) {
	p, ok := h.period(c)
	if !ok {
		return
	}
	asOf, ok := h.asOf(c)
	if !ok {
		return
	}
	opts := service.ExportOptions{IncludeHoldings: c.Query("holdings") == "true"}
	if c.Request.Method == http.MethodPost {
		var req ExportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		for _, b := range req.Benchmark {
			day, err := models.ParseDate(b.Date)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid benchmark date"})
				return
			}
			opts.Benchmark = append(opts.Benchmark, service.BenchmarkPoint{Date: day, Value: b.Value})
		}
	}

	id := c.Param("id")
	out, err := h.analytics.ExportToCSV(c.Request.Context(), id, p, asOf, opts)
	if err != nil {
		h.log.Errorf("export failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s-%s-%s.csv", id, p, asOf.Format(models.DateFormat)))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", out)
}

func (h *Handler) lotMethod(c *gin.Context) (tax.LotMethod, bool) {
	m, err := tax.ParseLotMethod(c.Query("method"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return tax.FIFO, false
	}
	return m, true
}

func (h *Handler) GetTaxExposure(c *gin.Context) {
	m, ok := h.lotMethod(c)
	if !ok {
		return
	}
	asOf, ok := h.asOf(c)
	if !ok {
		return
	}
	res, err := h.analytics.GetTaxExposure(c.Request.Context(), c.Param("id"), h.taxes, m, asOf)
	if err != nil {
		h.log.Errorf("tax exposure failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetAgingLots(c *gin.Context) {
	m, ok := h.lotMethod(c)
	if !ok {
		return
	}
	asOf, ok := h.asOf(c)
	if !ok {
		return
	}
	lookback := tax.DefaultLookbackDays
	if raw := c.Query("lookback"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lookback must be a positive number of days"})
			return
		}
		lookback = v
	}
	lots, err := h.analytics.GetAgingLots(c.Request.Context(), c.Param("id"), lookback, m, asOf)
	if err != nil {
		h.log.Errorf("aging lots failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, lots)
}
