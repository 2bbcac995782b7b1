package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/slotem-chrono/pkg/models"
)

var (
	crossingsLane  string
	crossingsLimit int
)

var crossingsCmd = &cobra.Command{
	Use:   "crossings",
	Short: "List crossings recorded by the relay",
	RunE:  runCrossings,
}

func init() {
	rootCmd.AddCommand(crossingsCmd)

	crossingsCmd.Flags().StringVar(&crossingsLane, "lane", "", "only this lane (1 or 2)")
	crossingsCmd.Flags().IntVar(&crossingsLimit, "limit", 20, "maximum number of crossings, 0 for all")
}

type crossingsResponse struct {
	Crossings []models.Crossing `json:"crossings" yaml:"crossings"`
	Count     int               `json:"count" yaml:"count"`
}

func runCrossings(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if crossingsLane != "" {
		q.Set("lane", crossingsLane)
	}
	q.Set("limit", strconv.Itoa(crossingsLimit))

	req, err := CreateAuthenticatedRequest("GET", GetRelayURL()+"/crossings?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	body, err := doRequest(req)
	if err != nil {
		return err
	}

	var result crossingsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if done, err := printStructured(os.Stdout, outputFormat, result); done {
		return err
	}

	if len(result.Crossings) == 0 {
		fmt.Println("No crossings recorded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Received", "Lane", "Detector Time", "Images", "Source")
	for _, c := range result.Crossings {
		table.Append(
			c.ReceivedAt.Local().Format(time.RFC3339),
			c.Lane.Token(),
			c.ReportedTime,
			fmt.Sprintf("%d", len(c.Images)),
			c.Source,
		)
	}
	table.Render()
	return nil
}
