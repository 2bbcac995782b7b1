package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/slotem-chrono/pkg/api"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the lap history of a display service",
	Long:  `Prints the archived lap times, newest first, one column per chronometer.`,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	req, err := CreateAuthenticatedRequest("GET", GetDisplayURL()+"/history", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	body, err := doRequest(req)
	if err != nil {
		return err
	}

	var result api.HistoryResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return renderHistory(os.Stdout, outputFormat, result)
}

func renderHistory(w io.Writer, format string, result api.HistoryResponse) error {
	if done, err := printStructured(w, format, result); done {
		return err
	}

	if len(result.Entries) == 0 {
		fmt.Fprintln(w, "No laps recorded")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("#", "Chrono 1", "Chrono 2")
	for _, e := range result.Entries {
		row := e.Row()
		table.Append(fmt.Sprintf("%d", e.Seq), row[0], row[1])
	}
	table.Render()
	return nil
}
