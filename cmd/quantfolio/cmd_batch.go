package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfolio/quantfolio/internal/calendar"
	"github.com/quantfolio/quantfolio/internal/domain"
)

func newBatchCmd() *cobra.Command {
	var (
		flagDate      string
		flagPortfolio int64
		flagForce     bool
		flagDryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run the daily batch for one date",
		Long: `Runs every calculation engine for the most recent completed trading
day (or --date) across all portfolios, or one portfolio with --portfolio.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := context.Background()

			date := calendar.PrevTradingDay(domain.Day(time.Now().UTC()))
			if flagDate != "" {
				parsed, err := time.Parse("2006-01-02", flagDate)
				if err != nil {
					return fmt.Errorf("invalid --date %q, want YYYY-MM-DD", flagDate)
				}
				date = domain.Day(parsed)
			}
			if !calendar.IsTradingDay(date) {
				return fmt.Errorf("%s is not a trading day", date.Format("2006-01-02"))
			}

			portfolios, err := selectPortfolios(ctx, a, flagPortfolio)
			if err != nil {
				return err
			}

			a.orch.DryRun = flagDryRun

			summaries, err := a.orch.RunBatch(ctx, portfolios, date, flagForce)
			if err != nil {
				return err
			}

			for _, s := range summaries {
				log.Info().
					Str("date", date.Format("2006-01-02")).
					Msg(s.String())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagDate, "date", "", "Trading day to process (default: previous trading day)")
	cmd.Flags().Int64Var(&flagPortfolio, "portfolio", 0, "Restrict to one portfolio id")
	cmd.Flags().BoolVar(&flagForce, "force", false, "Override an active run for the portfolio")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Compute everything but commit nothing")

	return cmd
}
