package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBatch = `{
  "video_id": "lot-a.mp4",
  "model": "yolov8n",
  "conf_threshold": 0.35,
  "fps": 10,
  "frames": [
    {"frame_index": 0, "raw_count": 2, "detections": [{"x": 0.2, "y": 0.4}]},
    {"frame_index": 1, "raw_count": 3},
    {"frame_index": 2, "raw_count": 4},
    {"frame_index": 3, "raw_count": 3}
  ]
}`

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := rootCommand()
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "absent.env")}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAnalyzeCommandFromFile(t *testing.T) {
	input := filepath.Join(t.TempDir(), "counts.json")
	require.NoError(t, os.WriteFile(input, []byte(sampleBatch), 0o600))

	out, err := execute(t, "", "analyze", "--input", input, "--smoothing-window", "2")
	require.NoError(t, err)

	var report analyzeReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.NotNil(t, report.Analysis)
	assert.NotEmpty(t, report.Analysis.RunID)
	assert.Equal(t, "lot-a.mp4", report.Analysis.VideoID)
	assert.Len(t, report.Analysis.Frames, 4)
	assert.Equal(t, 2, report.Analysis.Settings.SmoothingWindow)
	assert.Equal(t, "yolov8n", report.Analysis.Settings.Model)
	assert.Equal(t, 0.35, report.Analysis.Settings.ConfThreshold)
	assert.Empty(t, report.Analysis.HeatmapPath)
	assert.NotEmpty(t, report.Impact.Emergency.Classification)
	assert.NotEmpty(t, report.Impact.Accessibility.Classification)
}

func TestAnalyzeCommandFromStdin(t *testing.T) {
	out, err := execute(t, sampleBatch, "analyze", "-i", "-", "--pretty=false")
	require.NoError(t, err)
	assert.NotContains(t, strings.TrimSpace(out), "\n")
	assert.Contains(t, out, `"overall_congestion":"Low"`)
}

func TestAnalyzeCommandRejectsInvalidBatch(t *testing.T) {
	_, err := execute(t, `{"frames":[{"frame_index":0,"raw_count":-4}]}`, "analyze", "--input", "-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid frame batch")

	_, err = execute(t, "", "analyze", "--input", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to open input")
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "")

	_, err := execute(t, "", "token")
	assert.ErrorContains(t, err, "failed to generate token")

	t.Setenv("JWT_SECRET_KEY", "a-long-enough-test-secret-value")
	out, err := execute(t, "", "token", "--role", "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out), "."))
}
