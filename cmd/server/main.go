package main

import (
	"context"
	"fmt"

	"folio/internal/app"
	"folio/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	logger := cfg.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("db connect failed: %v", err)
	}
	defer a.Close()

	// bring stale series up to date once before serving, then on every tick
	if n := a.Snapshots.RefreshStale(ctx, a.Portfolio); n > 0 {
		logger.Infof("refreshed %d stale portfolios", n)
	}
	a.Snapshots.Start(ctx, cfg.Interval(), a.Portfolio)

	rg := gin.Default()
	a.Handler().Register(rg)

	logger.Infof("server starting on :%s", cfg.Port)
	if err := rg.Run(fmt.Sprintf(":%s", cfg.Port)); err != nil {
		logger.Fatalf("server stopped: %v", err)
	}
}
