// nfa-ids is a network intrusion detection service: it classifies captured
// traffic with a hot-swappable model and persists an alert for every threat.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gabriel-vasile/mimetype"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/cvalentine99/nfa-ids/internal/alert"
	"github.com/cvalentine99/nfa-ids/internal/config"
	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/ml"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

const usage = `usage: nfa-ids <command> [flags]

commands:
  serve     capture traffic, classify it and serve the API
  train     train and install a model from a CSV/JSON file or SQL query
  alerts    print the most recent alerts
  predict   classify one JSON record (argument or stdin)
  env       list configuration environment variables
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cfg := config.Load()
	logging.Init(&logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Output: stderr,
		Format: cfg.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "serve":
		err = runServe(ctx, cfg, rest, stderr)
	case "train":
		err = runTrain(ctx, cfg, rest, stdout, stderr)
	case "alerts":
		err = runAlerts(cfg, rest, stdout, stderr)
	case "predict":
		err = runPredict(cfg, rest, stdin, stdout, stderr)
	case "env":
		fmt.Fprint(stdout, config.EnvVarsDoc)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintln(stderr, err)
		return 2
	default:
		logging.Error("command failed", "command", args[0], logging.Err(err))
		return 1
	}
}

var errUsage = errors.New("usage error")

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return err
}

// =============================================================================
// serve
// =============================================================================

func runServe(ctx context.Context, cfg *config.Config, args []string, stderr io.Writer) error {
	fs := newFlagSet("serve", stderr)
	fs.StringVar(&cfg.CaptureMode, "mode", cfg.CaptureMode, "capture mode: pcap, afpacket or records")
	fs.StringVar(&cfg.Interface, "i", cfg.Interface, "capture interface")
	fs.StringVar(&cfg.PcapFile, "r", cfg.PcapFile, "read packets from a pcap file")
	fs.StringVar(&cfg.RecordsFile, "records", cfg.RecordsFile, "JSON-lines records file for records mode")
	fs.StringVar(&cfg.BPFFilter, "f", cfg.BPFFilter, "BPF filter")
	fs.IntVar(&cfg.CaptureCount, "c", cfg.CaptureCount, "stop capture after this many records")
	fs.StringVar(&cfg.APIAddr, "api", cfg.APIAddr, "request API listen address")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc", cfg.GRPCAddr, "gRPC health listen address, empty to disable")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	logging.Info("nfa-ids starting",
		"mode", cfg.CaptureMode, "interface", cfg.Interface,
		"api", cfg.APIAddr, "metrics", cfg.MetricsAddr,
		"model_version", app.adapter.Version())
	return app.Serve(ctx)
}

// =============================================================================
// train
// =============================================================================

func runTrain(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("train", stderr)
	dataPath := fs.String("data", "", "labeled CSV or JSON training file")
	fromSQL := fs.Bool("sql", false, "read training rows with IDS_TRAIN_QUERY from IDS_TRAIN_DSN")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if (*dataPath == "") == !*fromSQL {
		return fmt.Errorf("%w: train needs exactly one of -data or -sql", errUsage)
	}
	if err := cfg.Paths.EnsureDirectories(); err != nil {
		return err
	}

	logger := logging.UpdateLogger()
	store, err := ml.NewModelStore(cfg.Paths.ModelsDir)
	if err != nil {
		return err
	}
	adapter := ml.NewAdapter()
	if err := bootstrapModel(store, adapter, cfg.BootstrapRules, logger); err != nil {
		return err
	}
	schema := ml.DefaultSchema()
	if m := adapter.Snapshot(); m != nil {
		schema = m.Schema()
	}

	var (
		ds *ml.Dataset
		st ml.LoadStats
	)
	if *fromSQL {
		ds, st, err = loadSQL(ctx, cfg, schema)
	} else {
		ds, st, err = loadFile(*dataPath, schema)
	}
	if err != nil {
		return err
	}
	logger.Info("training data loaded", "read", st.Read, "kept", st.Kept,
		"missing", st.Missing, "duplicates", st.Duplicates, "bad_label", st.BadLabel)

	report, err := newCoordinator(cfg, adapter, store).Submit(ctx, ds)
	if report != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	}
	return err
}

// loadFile reads a training file, sniffing CSV or JSON from its content.
func loadFile(path string, schema ml.Schema) (*ml.Dataset, ml.LoadStats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ml.LoadStats{}, err
	}
	mt := mimetype.Detect(data)
	switch {
	case mt.Is("application/json"):
		return ml.LoadJSON(bytes.NewReader(data), schema)
	case mt.Is("text/csv"), mt.Is("text/plain"):
		return ml.LoadCSV(bytes.NewReader(data), schema)
	}
	return nil, ml.LoadStats{}, fmt.Errorf("%s: training data must be CSV or JSON, got %s", path, mt.String())
}

func loadSQL(ctx context.Context, cfg *config.Config, schema ml.Schema) (*ml.Dataset, ml.LoadStats, error) {
	if cfg.TrainDSN == "" {
		return nil, ml.LoadStats{}, fmt.Errorf("%w: IDS_TRAIN_DSN is not set", errUsage)
	}
	db, err := sql.Open(cfg.TrainDriver, cfg.TrainDSN)
	if err != nil {
		return nil, ml.LoadStats{}, fmt.Errorf("open %s: %w", cfg.TrainDriver, err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return nil, ml.LoadStats{}, fmt.Errorf("connect %s: %w", cfg.TrainDriver, err)
	}
	return ml.LoadSQL(ctx, db, cfg.TrainQuery, schema)
}

// =============================================================================
// alerts / predict
// =============================================================================

func runAlerts(cfg *config.Config, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("alerts", stderr)
	n := fs.Int("n", 20, "number of alerts, 0 for all")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	alerts, err := alert.ReadFile(cfg.Paths.AlertLogPath)
	if err != nil {
		return err
	}
	if *n > 0 && len(alerts) > *n {
		alerts = alerts[len(alerts)-*n:]
	}
	for _, a := range alerts {
		fmt.Fprintf(stdout, "%s  %-36s  %s -> %s  %s  p=%.3f  v%d\n",
			a.Timestamp.Format("2006-01-02T15:04:05Z"), a.ID,
			endpoint(a.SrcIP, a.SrcPort), endpoint(a.DstIP, a.DstPort),
			a.Protocol, a.Probability, a.ModelVersion)
	}
	return nil
}

func endpoint(ip string, port *uint16) string {
	if port == nil {
		return ip
	}
	if strings.Contains(ip, ":") {
		return fmt.Sprintf("[%s]:%d", ip, *port)
	}
	return fmt.Sprintf("%s:%d", ip, *port)
}

func runPredict(cfg *config.Config, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := newFlagSet("predict", stderr)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	var raw []byte
	if fs.NArg() > 0 {
		raw = []byte(strings.Join(fs.Args(), " "))
	} else {
		var err error
		if raw, err = io.ReadAll(stdin); err != nil {
			return err
		}
	}
	var rec models.RawRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("%w: record must be a JSON object: %v", errUsage, err)
	}

	store, err := ml.NewModelStore(cfg.Paths.ModelsDir)
	if err != nil {
		return err
	}
	adapter := ml.NewAdapter()
	if err := bootstrapModel(store, adapter, cfg.BootstrapRules, logging.MLLogger()); err != nil {
		return err
	}
	res, err := adapter.Classify(&rec)
	if err != nil {
		return err
	}
	return json.NewEncoder(stdout).Encode(res)
}
