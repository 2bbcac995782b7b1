package cmd

import (
	"bytes"
	"encoding/json"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/slotem-chrono/pkg/api"
	"github.com/psantana5/slotem-chrono/pkg/models"
)

func sampleHistory() api.HistoryResponse {
	return api.HistoryResponse{
		Entries: []api.HistoryView{
			{Seq: 2, Lane: models.Lane2, ArchivedMs: 65432, Archived: "1:05.432"},
			{Seq: 1, Lane: models.Lane1, ArchivedMs: 1500, Archived: "0:01.500"},
		},
		Count: 2,
	}
}

func TestRenderHistoryTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderHistory(&buf, "table", sampleHistory()))

	out := buf.String()
	lines := strings.Split(out, "\n")
	var rows []string
	for _, l := range lines {
		if strings.Contains(l, ":0") || strings.Contains(l, "1:05") {
			rows = append(rows, l)
		}
	}
	require.Len(t, rows, 2)
	assert.Contains(t, rows[0], "1:05.432")
	assert.Contains(t, rows[0], "-")
	assert.Less(t, strings.Index(rows[0], "-"), strings.Index(rows[0], "1:05.432"), "lane 2 value sits in the second column")
	assert.Contains(t, rows[1], "0:01.500")
}

func TestRenderHistoryEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderHistory(&buf, "table", api.HistoryResponse{}))
	assert.Equal(t, "No laps recorded\n", buf.String())
}

func TestRenderHistoryStructured(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderHistory(&buf, "json", sampleHistory()))
	var decoded api.HistoryResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, 2, decoded.Count)

	buf.Reset()
	require.NoError(t, renderHistory(&buf, "yaml", sampleHistory()))
	var generic map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &generic))
	assert.Equal(t, 2, generic["count"])

	assert.Error(t, renderHistory(&buf, "xml", sampleHistory()))
}

func TestRenderSnapshotTable(t *testing.T) {
	var buf bytes.Buffer
	snap := api.SnapshotView{Chrono1: "0:00.999", Chrono2: "0:00.000", Lane1State: models.LaneStateRunning, Lane2State: models.LaneStateIdle}
	require.NoError(t, renderSnapshot(&buf, "table", snap))
	assert.Contains(t, buf.String(), "0:00.999")
	assert.Contains(t, buf.String(), "idle")
}

func TestBuildLapForm(t *testing.T) {
	img := filepath.Join(t.TempDir(), "finish.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpeg"), 0o644))

	body, contentType, err := buildLapForm("12:00:01.250", []string{img})
	require.NoError(t, err)

	_, params, err := mime.ParseMediaType(contentType)
	require.NoError(t, err)
	form, err := multipart.NewReader(body, params["boundary"]).ReadForm(1 << 20)
	require.NoError(t, err)
	defer form.RemoveAll()

	assert.Equal(t, []string{"12:00:01.250"}, form.Value["time"])
	require.Len(t, form.File["image"], 1)
	assert.Equal(t, "finish.jpg", form.File["image"][0].Filename)

	_, _, err = buildLapForm("now", []string{filepath.Join(t.TempDir(), "missing.jpg")})
	assert.Error(t, err)
}
