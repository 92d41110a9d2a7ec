package main

import (
	"context"
	"os"

	"folio/internal/app"
	"folio/internal/config"
)

func main() {
	build := func(ctx context.Context) (*app.App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		return app.New(ctx, cfg, cfg.Logger())
	}
	if err := newRootCmd(build, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
