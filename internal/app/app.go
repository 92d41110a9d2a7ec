package app

import (
	"context"

	"folio/internal/config"
	"folio/internal/database"
	"folio/internal/handlers"
	"folio/internal/service"

	"github.com/sirupsen/logrus"
)

// App is the wired service graph shared by the server and folioctl.
type App struct {
	Config    *config.Config
	Log       *logrus.Logger
	Ledger    handlers.LedgerStore
	Portfolio service.PortfolioLister
	Prices    *service.HistoricalPriceService
	Snapshots *service.SnapshotService
	Analytics *service.AnalyticsService

	close func() error
}

// New builds the graph on Postgres when a URL is configured and on the
// in-memory store otherwise.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger, opts ...service.Option) (*App, error) {
	a := &App{Config: cfg, Log: log, close: func() error { return nil }}

	var (
		snapshots service.SnapshotStore
		history   service.PriceHistory
	)
	if cfg.PostgresURL != "" {
		db, err := database.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		repo := database.New(db, log)
		a.Ledger, snapshots, history, a.Portfolio = repo.Transactions(), repo.Snapshots(), repo, repo
		a.close = db.Close
	} else {
		log.Warn("POSTGRES_URL not set, using in-memory store")
		mem := database.NewMemoryStore()
		a.Ledger, snapshots, history, a.Portfolio = mem.Transactions(), mem.Snapshots(), mem, mem
	}

	a.Prices = service.NewHistoricalPriceService(history, log)
	a.Snapshots = service.NewSnapshotService(a.Ledger, snapshots, a.Prices, log, opts...)
	a.Analytics = service.NewAnalyticsService(snapshots, a.Ledger, a.Prices, cfg.RiskFreeRate, log)
	return a, nil
}

func (a *App) Handler() *handlers.Handler {
	return handlers.NewHandler(a.Ledger, a.Snapshots, a.Analytics, a.Prices, a.Config.TaxSettings(), a.Log)
}

func (a *App) Close() error {
	return a.close()
}
