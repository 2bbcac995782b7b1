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

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Show the current value of both chronometers",
	RunE:  runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	req, err := CreateAuthenticatedRequest("GET", GetDisplayURL()+"/snapshot", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	body, err := doRequest(req)
	if err != nil {
		return err
	}

	var snap api.SnapshotView
	if err := json.Unmarshal(body, &snap); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return renderSnapshot(os.Stdout, outputFormat, snap)
}

func renderSnapshot(w io.Writer, format string, snap api.SnapshotView) error {
	if done, err := printStructured(w, format, snap); done {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Chrono", "Elapsed", "State")
	table.Append("Chrono 1", snap.Chrono1, string(snap.Lane1State))
	table.Append("Chrono 2", snap.Chrono2, string(snap.Lane2State))
	table.Render()
	return nil
}
