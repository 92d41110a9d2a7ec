package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"folio/internal/app"
	"folio/internal/models"
	"folio/internal/service"

	"github.com/spf13/cobra"
)

type builder func(ctx context.Context) (*app.App, error)

// cli carries state shared by the subcommands of one invocation.
type cli struct {
	build  builder
	out    io.Writer
	app    *app.App
	format string
	asOf   string
	period string
}

func newRootCmd(build builder, out io.Writer) *cobra.Command {
	c := &cli{build: build, out: out}

	root := &cobra.Command{
		Use:          "folioctl",
		Short:        "Maintain and inspect portfolio performance snapshots",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.format != "table" && c.format != "json" {
				return fmt.Errorf("unknown format %q", c.format)
			}
			a, err := c.build(cmd.Context())
			if err != nil {
				return err
			}
			c.app = a
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.app == nil {
				return nil
			}
			return c.app.Close()
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&c.format, "format", "f", "table", "output format: table, json")

	root.AddCommand(c.recomputeCmd(), c.refreshCmd(), c.summaryCmd(), c.snapshotsCmd())
	return root
}

func (c *cli) recomputeCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "recompute [portfolio...]",
		Short: "Rebuild snapshot series from inception",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := args
			if all {
				var err error
				if ids, err = c.app.Portfolio.GetAllPortfolioIDs(cmd.Context()); err != nil {
					return err
				}
			}
			if len(ids) == 0 {
				return errors.New("name at least one portfolio or pass --all")
			}
			rows := make([][]string, 0, len(ids))
			var failed error
			for _, id := range ids {
				status := "ok"
				if err := c.app.Snapshots.RecomputeAll(cmd.Context(), id); err != nil {
					status = err.Error()
					failed = fmt.Errorf("recompute failed for one or more portfolios")
				}
				rows = append(rows, []string{id, status})
			}
			if err := c.render([]string{"Portfolio", "Status"}, rows, rows); err != nil {
				return err
			}
			return failed
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "recompute every portfolio in the ledger")
	return cmd
}

func (c *cli) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Extend stale series through today",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n := c.app.Snapshots.RefreshStale(cmd.Context(), c.app.Portfolio)
			fmt.Fprintf(c.out, "refreshed %d portfolios\n", n)
			return nil
		},
	}
}

func (c *cli) summaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary <portfolio>",
		Short: "Show period performance for a portfolio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			period, asOf, err := c.window()
			if err != nil {
				return err
			}
			sum, err := c.app.Analytics.GetSummary(cmd.Context(), args[0], period, asOf)
			if err != nil {
				return err
			}
			if sum == nil {
				fmt.Fprintf(c.out, "no snapshots for %s in %s\n", args[0], period)
				return nil
			}
			rows := [][]string{
				{"Period", fmt.Sprintf("%s (%s to %s)", sum.Period, sum.StartDate.Format(models.DateFormat), sum.EndDate.Format(models.DateFormat))},
				{"Start value", sum.StartValue.StringFixed(2)},
				{"End value", sum.EndValue.StringFixed(2)},
				{"Change", sum.ValueChange.StringFixed(2)},
				{"TWR %", sum.TWRReturn.StringFixed(2)},
				{"Annualized %", strconv.FormatFloat(sum.AnnualizedReturn, 'f', 2, 64)},
				{"Cumulative %", sum.CumulativeReturn.StringFixed(2)},
				{"Volatility %", strconv.FormatFloat(sum.Volatility, 'f', 2, 64)},
				{"Sharpe", strconv.FormatFloat(sum.SharpeRatio, 'f', 2, 64)},
				{"Days", strconv.Itoa(sum.Days)},
			}
			return c.render([]string{"Metric", "Value"}, rows, sum)
		},
	}
	c.windowFlags(cmd)
	return cmd
}

func (c *cli) snapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots <portfolio>",
		Short: "List stored daily snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			period, asOf, err := c.window()
			if err != nil {
				return err
			}
			start, end := period.Range(asOf)
			snaps, err := c.app.Analytics.GetSnapshots(cmd.Context(), args[0], start, end)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(snaps))
			for _, s := range snaps {
				rows = append(rows, []string{
					s.Date.Format(models.DateFormat),
					s.TotalValue.StringFixed(2),
					s.DayChange.StringFixed(2),
					s.TWRReturn.StringFixed(4),
					strconv.FormatBool(s.HasInterpolatedPrices),
				})
			}
			return c.render([]string{"Date", "Value", "Day Change", "TWR %", "Interpolated"}, rows, snaps)
		},
	}
	c.windowFlags(cmd)
	return cmd
}

func (c *cli) windowFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&c.period, "period", "p", string(service.Period1M), "1W, 1M, 3M, 6M, YTD, 1Y or ALL")
	cmd.Flags().StringVar(&c.asOf, "as-of", "", "end date (YYYY-MM-DD), defaults to today")
}

func (c *cli) window() (service.Period, time.Time, error) {
	period, err := service.ParsePeriod(c.period)
	if err != nil {
		return "", time.Time{}, err
	}
	if c.asOf == "" {
		return period, c.app.Snapshots.Today(), nil
	}
	asOf, err := models.ParseDate(c.asOf)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid --as-of: %w", err)
	}
	return period, asOf, nil
}

func (c *cli) render(headers []string, rows [][]string, v interface{}) error {
	if c.format == "json" {
		return writeJSON(c.out, v)
	}
	writeTable(c.out, headers, rows)
	return nil
}
