package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"example.com/siomule/internal/report"
)

func newReportCommand(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "report <summary.json>",
		Short: "Render a run summary as a PDF report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := report.LoadSummaryJSON(args[0])
			if err != nil {
				return fmt.Errorf("load summary: %w", err)
			}
			if sum.Source == "" {
				return errors.New("summary has no source")
			}
			if out == "" {
				out = strings.TrimSuffix(args[0], ".json") + ".pdf"
			}
			if err := report.SaveSummaryPDF(sum, out); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			a.logger.Info("report written")
			fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "PDF output path (default: summary path with .pdf)")
	return cmd
}
