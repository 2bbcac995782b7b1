package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/slotem-chrono/pkg/api"
	"github.com/psantana5/slotem-chrono/pkg/models"
)

var (
	lapTime   string
	lapImages []string
)

var lapCmd = &cobra.Command{
	Use:   "lap <1|2>",
	Short: "Report a crossing to the relay",
	Long: `Posts a crossing for the given lane, the way a lane detector does. Images are
uploaded with the report and kept by the relay.`,
	Args: cobra.ExactArgs(1),
	RunE: runLap,
}

func init() {
	rootCmd.AddCommand(lapCmd)

	lapCmd.Flags().StringVar(&lapTime, "time", "", "detector time of the crossing (default now)")
	lapCmd.Flags().StringSliceVar(&lapImages, "image", nil, "image file to attach (repeatable)")
}

func runLap(cmd *cobra.Command, args []string) error {
	lane, ok := models.ParseToken(args[0])
	if !ok {
		return fmt.Errorf("unknown lane %q (use 1 or 2)", args[0])
	}
	if lapTime == "" {
		lapTime = time.Now().Format("15:04:05.000")
	}

	body, contentType, err := buildLapForm(lapTime, lapImages)
	if err != nil {
		return err
	}

	req, err := CreateAuthenticatedRequest("POST", fmt.Sprintf("%s/lap/%s", GetRelayURL(), lane.Token()), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	respBody, err := doRequest(req)
	if err != nil {
		return err
	}

	var result api.LapResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if done, err := printStructured(os.Stdout, outputFormat, result); done {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("ID", result.Crossing.ID)
	table.Append("Lane", result.Crossing.Lane.Token())
	table.Append("Time", result.Crossing.ReportedTime)
	table.Append("Images", fmt.Sprintf("%d", len(result.Crossing.Images)))
	table.Append("Subscribers", fmt.Sprintf("%d", result.Subscribers))
	table.Render()
	return nil
}

// buildLapForm encodes the time field and images as multipart/form-data.
func buildLapForm(reportedTime string, images []string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("time", reportedTime); err != nil {
		return nil, "", fmt.Errorf("failed to write form: %w", err)
	}
	for _, path := range images {
		if err := attachFile(mw, path); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to write form: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func attachFile(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to write form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("failed to read image %s: %w", path, err)
	}
	return nil
}
