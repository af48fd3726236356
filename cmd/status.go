package cmd

import (
	"bytes"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/grackle-fuzz/grackle/internal/adapter"
	m "github.com/grackle-fuzz/grackle/internal/model"
)

// statusCmd represents the status command.
var statusCmd = newStatusCmd()

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show progress of active and recent replay runs",
		Long: `Status reads the shared status database and prints one row per known
replay process: its latest iteration, ignored and result counters, and
the observed iteration rate.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return runStatus(cmd)
		},
	}
}

func init() {
	// not bound to the config key: the replay command owns that binding
	statusCmd.Flags().String(statusDBFlagName, viper.GetString(statusDBKey), "status database to read")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command) error {
	dbPath, err := cmd.Flags().GetString(statusDBFlagName)
	if err != nil || dbPath == "" {
		dbPath = viper.GetString(statusDBKey)
	}

	store, err := adapter.OpenStatusStore(m.Path(dbPath))
	if err != nil {
		return fmt.Errorf("open status database: %w", err)
	}
	defer store.Close()

	records, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("read status records: %w", err)
	}

	if len(records) == 0 {
		cmd.Println("No status records found.")
		return nil
	}

	cmd.Print(renderStatusTable(records))
	return nil
}

func renderStatusTable(records []m.StatusRecord) string {
	var tableBuffer bytes.Buffer

	table := tablewriter.NewWriter(&tableBuffer)
	table.SetHeader([]string{"PID", "Age", "Iterations", "Rate", "Ignored", "Results"})
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
	})

	var totalIterations, totalIgnored, totalResults uint64

	for _, rec := range records {
		table.Append([]string{
			fmt.Sprintf("%d", rec.PID),
			time.Since(rec.Timestamp).Round(time.Second).String(),
			fmt.Sprintf("%d", rec.Iteration),
			fmt.Sprintf("%.1f/m", rec.Rate()),
			fmt.Sprintf("%d", rec.Ignored),
			fmt.Sprintf("%d", rec.Results),
		})

		totalIterations += rec.Iteration
		totalIgnored += rec.Ignored
		totalResults += rec.Results
	}

	table.SetFooter([]string{
		fmt.Sprintf("Total %d", len(records)),
		"",
		fmt.Sprintf("%d", totalIterations),
		"",
		fmt.Sprintf("%d", totalIgnored),
		fmt.Sprintf("%d", totalResults),
	})

	table.Render()

	return tableBuffer.String()
}
