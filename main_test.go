package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvalentine99/nfa-ids/internal/alert"
	"github.com/cvalentine99/nfa-ids/internal/config"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

const threatRule = "packet_size > 1000 || dest_port == 4444"

// isolate points every path at a temp dir and returns it.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("IDS_ALERT_LOG", filepath.Join(dir, "data", "alerts.log"))
	t.Setenv("IDS_ERROR_LOG", filepath.Join(dir, "logs", "errors.log"))
	t.Setenv("IDS_MODELS_DIR", filepath.Join(dir, "data", "models"))
	t.Setenv("IDS_LOG_DIR", filepath.Join(dir, "logs"))
	t.Setenv("IDS_LOG_LEVEL", "error")
	t.Setenv("IDS_BOOTSTRAP_RULES", "")
	return dir
}

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(args, strings.NewReader(stdin), &out, &errOut)
	return code, out.String(), errOut.String()
}

// separableCSV labels rows by destination port and size so any forest
// fits it.
func separableCSV() string {
	var b strings.Builder
	b.WriteString("src_port,dest_port,protocol,packet_size,label\n")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "%d,80,6,%d,normal\n", 40000+i, 100+i*5)
		fmt.Fprintf(&b, "%d,4444,6,%d,threat\n", 50000+i, 2000+i*10)
	}
	return b.String()
}

func TestRunUsage(t *testing.T) {
	isolate(t)

	code, _, stderr := runCLI(t, "")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "usage: nfa-ids")

	code, _, stderr = runCLI(t, "", "bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, `unknown command "bogus"`)

	code, stdout, _ := runCLI(t, "", "env")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "IDS_CAPTURE_MODE")

	code, _, _ = runCLI(t, "", "train")
	assert.Equal(t, 2, code, "train needs a data source")

	code, _, _ = runCLI(t, "", "train", "-data", "x.csv", "-sql")
	assert.Equal(t, 2, code, "train takes one data source")

	code, _, _ = runCLI(t, "", "predict", "not json")
	assert.Equal(t, 2, code)

	code, _, _ = runCLI(t, "", "alerts", "-bogus")
	assert.Equal(t, 2, code)
}

func TestTrainThenPredict(t *testing.T) {
	dir := isolate(t)
	t.Setenv("IDS_FOREST_TREES", "15")
	t.Setenv("IDS_MIN_SAMPLES", "10")
	t.Setenv("IDS_MIN_ACCURACY", "0.8")

	data := filepath.Join(dir, "train.csv")
	require.NoError(t, os.WriteFile(data, []byte(separableCSV()), 0o644))

	code, stdout, stderr := runCLI(t, "", "train", "-data", data)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, `"accepted": true`)
	assert.Contains(t, stdout, `"version": 1`)

	code, stdout, stderr = runCLI(t, "",
		"predict", `{"src_ip":"10.0.0.1","dest_ip":"10.0.0.2","src_port":50001,"dest_port":4444,"protocol":"6","packet_size":2500}`)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, `"label":"threat"`)
	assert.Contains(t, stdout, `"model_version":1`)

	code, stdout, stderr = runCLI(t,
		`{"src_ip":"10.0.0.1","dest_ip":"10.0.0.2","src_port":40001,"dest_port":80,"protocol":"6","packet_size":120}`,
		"predict")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, `"label":"normal"`)

	// A second accepted run gets the next version.
	code, stdout, stderr = runCLI(t, "", "train", "-data", data)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, `"version": 2`)
}

func TestTrainRejectsUnknownFormat(t *testing.T) {
	dir := isolate(t)
	data := filepath.Join(dir, "train.png")
	require.NoError(t, os.WriteFile(data, []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), 0o644))

	code, _, _ := runCLI(t, "", "train", "-data", data)
	assert.Equal(t, 1, code)
}

func TestPredictWithoutModel(t *testing.T) {
	isolate(t)
	code, _, _ := runCLI(t, "", "predict", `{"src_ip":"10.0.0.1","dest_ip":"10.0.0.2","protocol":"6","packet_size":1}`)
	assert.Equal(t, 1, code)
}

func TestAlertsCommand(t *testing.T) {
	isolate(t)

	code, stdout, _ := runCLI(t, "", "alerts")
	require.Equal(t, 0, code, "a missing log is empty")
	assert.Empty(t, stdout)

	store, err := alert.OpenFileStore(os.Getenv("IDS_ALERT_LOG"))
	require.NoError(t, err)
	var last models.Alert
	for i := 0; i < 3; i++ {
		last = alert.New(&models.RawRecord{
			SrcIP: "10.0.0.1", DstIP: "10.0.0.2",
			SrcPort: models.Port(uint16(1000 + i)), DstPort: models.Port(4444),
			Protocol: "6", Timestamp: time.Now(),
		}, models.PredictionResult{Label: models.LabelThreat, Probability: 0.9, ModelVersion: 3})
		require.NoError(t, store.Record(context.Background(), last))
	}
	require.NoError(t, store.Close())

	code, stdout, _ = runCLI(t, "", "alerts", "-n", "1")
	require.Equal(t, 0, code)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], last.ID)
	assert.Contains(t, lines[0], "10.0.0.1:1002 -> 10.0.0.2:4444")
	assert.Contains(t, lines[0], "v3")
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "10.0.0.1", endpoint("10.0.0.1", nil))
	assert.Equal(t, "10.0.0.1:80", endpoint("10.0.0.1", models.Port(80)))
	assert.Equal(t, "[::1]:53", endpoint("::1", models.Port(53)))
}

func TestAppServeRecords(t *testing.T) {
	dir := isolate(t)
	t.Setenv("IDS_BOOTSTRAP_RULES", threatRule)

	records := filepath.Join(dir, "records.jsonl")
	lines := []string{
		`{"src_ip":"10.0.0.1","dest_ip":"10.0.0.2","src_port":1234,"dest_port":80,"protocol":"6","packet_size":200}`,
		`{"src_ip":"10.0.0.1","dest_ip":"10.0.0.2","src_port":1234,"dest_port":4444,"protocol":"6","packet_size":200}`,
		`{"src_ip":"10.0.0.3","dest_ip":"10.0.0.4","src_port":5353,"dest_port":53,"protocol":"17","packet_size":1400}`,
		`{"src_ip":"10.0.0.1","dest_ip":"10.0.0.2","src_port":1234,"dest_port":80,"packet_size":200}`,
	}
	require.NoError(t, os.WriteFile(records, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	cfg := config.FromEnv()
	cfg.CaptureMode = "records"
	cfg.RecordsFile = records
	cfg.APIAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.GRPCAddr = ""
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := NewApp(ctx, cfg)
	require.NoError(t, err)
	defer app.Close()
	assert.EqualValues(t, 1, app.adapter.Version(), "bootstrap rules install as v1")

	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	require.Eventually(t, func() bool {
		st := app.pipeline.Stats()
		return st.Received == 4 && st.Processed+st.Errors == 4 && st.AlertsPersisted == 2
	}, 5*time.Second, 10*time.Millisecond)

	st := app.pipeline.Stats()
	assert.EqualValues(t, 2, st.Threats)
	assert.EqualValues(t, 1, st.Normal)
	assert.EqualValues(t, 1, st.Malformed)

	alerts, err := alert.ReadFile(cfg.Paths.AlertLogPath)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	for _, a := range alerts {
		assert.Equal(t, models.LabelThreat, a.Prediction)
		assert.EqualValues(t, 1, a.ModelVersion)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.False(t, app.IsCapturing())
}

func TestAppCaptureFailureKeepsServing(t *testing.T) {
	isolate(t)

	cfg := config.FromEnv()
	cfg.CaptureMode = "records"
	cfg.RecordsFile = filepath.Join(t.TempDir(), "missing.jsonl")
	cfg.APIAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.GRPCAddr = ""

	ctx, cancel := context.WithCancel(context.Background())
	app, err := NewApp(ctx, cfg)
	require.NoError(t, err)
	defer app.Close()

	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("serve exited after capture failure: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
