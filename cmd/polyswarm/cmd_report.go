package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyswarm/internal/app"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/report"
)

type reportFlags struct {
	statuses []string
	strategy string
	market   string
	since    time.Duration
	limit    int
	asJSON   bool
}

func newReportCmd(flags *rootFlags) *cobra.Command {
	rf := &reportFlags{}
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise persisted trades",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			trades, _, closeFn, err := app.OpenReportStores(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			rep, err := report.Build(cmd.Context(), trades, rf.filter(time.Now().UTC()))
			if err != nil {
				return err
			}
			if rf.asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			return writeReport(cmd.OutOrStdout(), rep)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&rf.statuses, "status", nil, "only these statuses (repeatable or comma-separated)")
	f.StringVar(&rf.strategy, "strategy", "", "only this strategy")
	f.StringVar(&rf.market, "market", "", "only this market id")
	f.DurationVar(&rf.since, "since", 24*time.Hour, "look back this far; 0 for all history")
	f.IntVar(&rf.limit, "limit", 0, "maximum trades to load; 0 for no limit")
	f.BoolVar(&rf.asJSON, "json", false, "print the full report as JSON")
	return cmd
}

func (rf *reportFlags) filter(now time.Time) domain.TradeFilter {
	f := domain.TradeFilter{
		Strategy: rf.strategy,
		MarketID: rf.market,
		Limit:    rf.limit,
	}
	for _, s := range rf.statuses {
		if s = strings.TrimSpace(s); s != "" {
			f.Statuses = append(f.Statuses, domain.TradeStatus(s))
		}
	}
	if rf.since > 0 {
		since := now.Add(-rf.since)
		f.Since = &since
	}
	return f
}

var statusOrder = []domain.TradeStatus{
	domain.TradeStatusPending,
	domain.TradeStatusSubmitted,
	domain.TradeStatusFilled,
	domain.TradeStatusPartiallyFilled,
	domain.TradeStatusRejected,
	domain.TradeStatusFailed,
	domain.TradeStatusCancelled,
}

func writeReport(w io.Writer, rep report.Report) error {
	s := rep.Summary
	fmt.Fprintf(w, "trades: %d  filled: $%.2f  fees: $%.2f  expected pnl: $%.2f\n", s.Trades, s.FilledUSD, s.Fees, s.ExpectedPnL)
	for _, st := range statusOrder {
		if n := s.ByStatus[st]; n > 0 {
			fmt.Fprintf(w, "  %-17s %d\n", st, n)
		}
	}
	if len(s.Strategies) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STRATEGY\tTRADES\tFILLED\tWINS\tLOSSES\tFILLED USD\tFEES\tEXPECTED PNL")
	for _, st := range s.Strategies {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.2f\t%.2f\t%.2f\n",
			st.Strategy, st.Trades, st.Filled, st.Wins, st.Losses, st.FilledUSD, st.Fees, st.ExpectedPnL)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
