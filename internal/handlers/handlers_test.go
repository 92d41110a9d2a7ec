package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"folio/internal/database"
	"folio/internal/models"
	"folio/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logrus.New()
	log.SetOutput(io.Discard)
	db := database.NewMemoryStore()
	prices := service.NewHistoricalPriceService(db, log)
	today := models.MustParseDate("2024-03-05")
	snaps := service.NewSnapshotService(db.Transactions(), db.Snapshots(), prices, log,
		service.WithClock(func() time.Time { return today }))
	analytics := service.NewAnalyticsService(db.Snapshots(), db.Transactions(), prices, 0, log)
	taxes := models.TaxSettings{
		FederalShortTermRate: decimal.RequireFromString("0.24"),
		FederalLongTermRate:  decimal.RequireFromString("0.15"),
		StateRate:            decimal.RequireFromString("0.05"),
		SupplementalRate:     decimal.Zero,
	}

	r := gin.New()
	NewHandler(db.Transactions(), snaps, analytics, prices, taxes, log).Register(r)
	return r
}

func do(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func buyVTI(key string) map[string]string {
	return map[string]string{
		"idempotency_key": key,
		"asset_id":        "VTI",
		"type":            "buy",
		"date":            "2024-03-01",
		"quantity":        "10",
		"price":           "100",
		"total_amount":    "1000",
	}
}

func TestPostTransaction_RecomputesSnapshots(t *testing.T) {
	r := newTestRouter(t)

	w := do(r, http.MethodPost, "/prices", map[string]string{"asset_id": "VTI", "date": "2024-03-01", "price": "100"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/portfolios/p1/transactions", buyVTI("k1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, true, created["recomputed"])
	id := created["transaction_id"]

	w = do(r, http.MethodGet, "/portfolios/p1/snapshots", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snaps []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snaps))
	require.Len(t, snaps, 5)
	assert.Equal(t, "1000", snaps[4]["total_value"])
	assert.Equal(t, true, snaps[4]["has_interpolated_prices"])

	w = do(r, http.MethodPost, "/portfolios/p1/transactions", buyVTI("k1"))
	require.Equal(t, http.StatusOK, w.Code)
	var replay map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &replay))
	assert.Equal(t, "already_exists", replay["status"])
	assert.Equal(t, id, replay["transaction_id"])
}

func TestPostTransaction_Invalid(t *testing.T) {
	r := newTestRouter(t)
	cases := map[string]func(map[string]string){
		"quantity": func(b map[string]string) { b["quantity"] = "ten" },
		"type":     func(b map[string]string) { b["type"] = "gift" },
		"asset":    func(b map[string]string) { delete(b, "asset_id") },
		"date":     func(b map[string]string) { b["date"] = "03/01/2024" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			body := buyVTI("")
			mutate(body)
			w := do(r, http.MethodPost, "/portfolios/p1/transactions", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestPutAndDeleteTransaction(t *testing.T) {
	r := newTestRouter(t)

	w := do(r, http.MethodPut, "/transactions/missing", buyVTI(""))
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(r, http.MethodDelete, "/transactions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/portfolios/p1/transactions", buyVTI(""))
	require.Equal(t, http.StatusCreated, w.Code)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created["transaction_id"].(string)

	moved := buyVTI("")
	moved["date"] = "2024-03-03"
	w = do(r, http.MethodPut, "/transactions/"+id, moved)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodGet, "/portfolios/p1/snapshots", nil)
	var snaps []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snaps))
	require.Len(t, snaps, 3, "days before the new inception are dropped")

	w = do(r, http.MethodDelete, "/transactions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/portfolios/p1/snapshots", nil)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestGetSummary(t *testing.T) {
	r := newTestRouter(t)

	w := do(r, http.MethodGet, "/portfolios/p1/summary?period=ALL", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", w.Body.String())

	w = do(r, http.MethodGet, "/portfolios/p1/summary?period=5Y", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/portfolios/p1/summary?as_of=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	do(r, http.MethodPost, "/portfolios/p1/transactions", buyVTI(""))
	w = do(r, http.MethodGet, "/portfolios/p1/summary?period=1M", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sum map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, float64(5), sum["days"])
}

func TestExportCSV(t *testing.T) {
	r := newTestRouter(t)
	do(r, http.MethodPost, "/prices", map[string]string{"asset_id": "VTI", "date": "2024-03-01", "price": "100"})
	do(r, http.MethodPost, "/portfolios/p1/transactions", buyVTI(""))

	w := do(r, http.MethodGet, "/portfolios/p1/export?period=1W&holdings=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	lines := strings.Split(w.Body.String(), "\n")
	assert.Equal(t, "Date,Portfolio Value,Daily Change,Daily Change %,Cumulative Return %", lines[0])
	assert.Equal(t, "2024-03-01,1000.00,0.00,0.00,0.00", lines[1])
	assert.Contains(t, w.Body.String(), "VTI,10,1000.00,1000.00,0.00,0.00,100.00")

	w = do(r, http.MethodPost, "/portfolios/p1/export?period=1W", map[string]interface{}{
		"benchmark": []map[string]string{{"date": "2024-03-01", "value": "50"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "Date,Portfolio Value,Daily Change,Daily Change %,Cumulative Return %,Benchmark Value,Benchmark Change %\n"))
}

func TestTaxEndpoints(t *testing.T) {
	r := newTestRouter(t)
	do(r, http.MethodPost, "/prices", map[string]string{"asset_id": "VTI", "date": "2024-03-01", "price": "120"})
	do(r, http.MethodPost, "/portfolios/p1/transactions", buyVTI(""))

	w := do(r, http.MethodGet, "/portfolios/p1/tax/exposure?method=average", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/portfolios/p1/tax/exposure?method=lifo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, "200", m["short_term_gains"])
	assert.Equal(t, "58", m["estimated_tax_liability"])

	w = do(r, http.MethodGet, "/portfolios/p1/tax/aging?lookback=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/portfolios/p1/tax/aging?as_of=2025-02-19", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var lots []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lots))
	require.Len(t, lots, 1)
	assert.Equal(t, float64(10), lots[0]["days_until_long_term"])
}

func TestPostPrice_Invalid(t *testing.T) {
	r := newTestRouter(t)
	w := do(r, http.MethodPost, "/prices", map[string]string{"asset_id": "VTI", "date": "2024-03-01", "price": "-3"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(r, http.MethodPost, "/prices", map[string]string{"asset_id": "VTI", "price": "3"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRefreshAndMetrics(t *testing.T) {
	r := newTestRouter(t)
	w := do(r, http.MethodPost, "/portfolios/p1/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "snapshot_triggers_total")
	assert.Contains(t, w.Body.String(), "snapshot_recomputes_total")
}
