package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/goodtune/terastv/internal/config"
	"github.com/goodtune/terastv/internal/history"
)

var (
	historyFrom   string
	historyTo     string
	historySerial string
	historyNPSN   string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List reported viewing history from the backend",
	Long:  `Fetch this TV's viewing history from the history backend and print it as a table.`,
	Example: `  terastv history
  terastv history --from 2024-03-01 --to 2024-03-07
  terastv history --serial SN-001 --npsn 20100001`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyFrom, "from", "", "First date to include (YYYY-MM-DD)")
	historyCmd.Flags().StringVar(&historyTo, "to", "", "Last date to include (YYYY-MM-DD)")
	historyCmd.Flags().StringVar(&historySerial, "serial", "", "TV serial (defaults to device.serial)")
	historyCmd.Flags().StringVar(&historyNPSN, "npsn", "", "School organization id (defaults to device.organization_id)")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	query := history.ListQuery{
		OrganizationID: firstNonEmpty(historyNPSN, cfg.Device.OrganizationID),
		Serial:         firstNonEmpty(historySerial, cfg.Device.Serial),
		DateFrom:       historyFrom,
		DateTo:         historyTo,
	}
	if query.Serial == "" || query.OrganizationID == "" {
		return fmt.Errorf("serial and npsn are required (set device.serial and device.organization_id or pass --serial/--npsn)")
	}

	client, err := history.NewHTTPClient(cfg.Backend)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ParseDuration(cfg.Backend.Timeout, defaultControlTimeout))
	defer cancel()

	entries, err := client.ListHistory(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to fetch history: %w", err)
	}

	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, "No history entries.")
		return nil
	}
	renderHistory(os.Stdout, entries)
	return nil
}

func renderHistory(out io.Writer, entries []history.Entry) {
	table := tablewriter.NewTable(out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header([]string{"Date", "App", "Package", "App (s)", "TV (s)"})

	var appTotal int64
	for _, e := range entries {
		appTotal += e.AppDuration
		_ = table.Append([]string{
			e.Date,
			e.AppName,
			e.AppURL,
			strconv.FormatInt(e.AppDuration, 10),
			strconv.FormatInt(e.TVDuration, 10),
		})
	}
	_ = table.Render()

	fmt.Fprintf(out, "\n%d entries, %s of app time\n", len(entries), formatSeconds(appTotal))
}

func formatSeconds(secs int64) string {
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
