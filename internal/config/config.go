package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the runtime configuration for the nfa-ids process.
type Config struct {
	Paths *PathConfig

	// Logging
	LogLevel  string
	LogFormat string

	// Capture
	CaptureMode   string // pcap, afpacket, records
	Interface     string
	PcapFile      string
	RecordsFile   string
	BPFFilter     string
	CaptureCount  int
	Promiscuous   bool
	SnapLen       int
	SkipLinkCheck bool

	// Pipeline
	Workers            int
	QueueSize          int
	DropOnBackpressure bool
	AlertQueueSize     int
	AlertWriteTimeout  time.Duration
	AlertMaxRetries    int
	AlertRetryBackoff  time.Duration

	// Model updates
	MinAccuracy    float64
	MinSamples     int
	TrainTimeout   time.Duration
	ForestTrees    int
	ForestSeed     int64
	TrainDriver    string
	TrainDSN       string
	TrainQuery     string
	BootstrapRules string

	// Listeners
	APIAddr     string
	MetricsAddr string
	GRPCAddr    string
	Pprof       bool

	// Notifications
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string

	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTTopic    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string

	ClickHouseAddr  string
	ClickHouseDB    string
	ClickHouseUser  string
	ClickHousePass  string
	ClickHouseTable string

	NotifyRetries int
}

// Load reads a .env file if present and then the environment.
func Load() *Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() *Config {
	return &Config{
		Paths: DefaultPathConfig(),

		LogLevel:  getEnvOrDefault("IDS_LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("IDS_LOG_FORMAT", "text"),

		CaptureMode:   getEnvOrDefault("IDS_CAPTURE_MODE", "pcap"),
		Interface:     getEnvOrDefault("IDS_INTERFACE", "eth0"),
		PcapFile:      os.Getenv("IDS_PCAP_FILE"),
		RecordsFile:   os.Getenv("IDS_RECORDS_FILE"),
		BPFFilter:     getEnvOrDefault("IDS_BPF_FILTER", "ip or ip6"),
		CaptureCount:  getEnvInt("IDS_CAPTURE_COUNT", 0),
		Promiscuous:   getEnvBool("IDS_PROMISCUOUS", true),
		SnapLen:       getEnvInt("IDS_SNAPLEN", 65535),
		SkipLinkCheck: getEnvBool("IDS_SKIP_LINK_CHECK", false),

		Workers:            getEnvInt("IDS_WORKERS", 0),
		QueueSize:          getEnvInt("IDS_QUEUE_SIZE", 4096),
		DropOnBackpressure: getEnvBool("IDS_DROP_ON_BACKPRESSURE", false),
		AlertQueueSize:     getEnvInt("IDS_ALERT_QUEUE_SIZE", 1024),
		AlertWriteTimeout:  getEnvDuration("IDS_ALERT_WRITE_TIMEOUT", 2*time.Second),
		AlertMaxRetries:    getEnvInt("IDS_ALERT_MAX_RETRIES", 5),
		AlertRetryBackoff:  getEnvDuration("IDS_ALERT_RETRY_BACKOFF", 200*time.Millisecond),

		MinAccuracy:  getEnvFloat("IDS_MIN_ACCURACY", 0.8),
		MinSamples:   getEnvInt("IDS_MIN_SAMPLES", 10),
		TrainTimeout: getEnvDuration("IDS_TRAIN_TIMEOUT", 5*time.Minute),
		ForestTrees:  getEnvInt("IDS_FOREST_TREES", 100),
		ForestSeed:   int64(getEnvInt("IDS_FOREST_SEED", 42)),
		TrainDriver:  getEnvOrDefault("IDS_TRAIN_DRIVER", "postgres"),
		TrainDSN:     os.Getenv("IDS_TRAIN_DSN"),
		TrainQuery:   getEnvOrDefault("IDS_TRAIN_QUERY", "SELECT src_port, dest_port, protocol, packet_size, label FROM training_data"),

		BootstrapRules: os.Getenv("IDS_BOOTSTRAP_RULES"),

		APIAddr:     getEnvOrDefault("IDS_API_ADDR", ":8080"),
		MetricsAddr: getEnvOrDefault("IDS_METRICS_ADDR", ":9090"),
		GRPCAddr:    os.Getenv("IDS_GRPC_ADDR"),
		Pprof:       getEnvBool("IDS_PPROF", false),

		SMTPHost:     os.Getenv("IDS_SMTP_HOST"),
		SMTPPort:     getEnvInt("IDS_SMTP_PORT", 587),
		SMTPUser:     os.Getenv("IDS_SMTP_USER"),
		SMTPPassword: os.Getenv("IDS_SMTP_PASSWORD"),
		SMTPFrom:     os.Getenv("IDS_SMTP_FROM"),
		SMTPTo:       getEnvList("IDS_SMTP_TO"),

		MQTTBroker:   os.Getenv("IDS_MQTT_BROKER"),
		MQTTClientID: getEnvOrDefault("IDS_MQTT_CLIENT_ID", "nfa-ids"),
		MQTTUsername: os.Getenv("IDS_MQTT_USERNAME"),
		MQTTPassword: os.Getenv("IDS_MQTT_PASSWORD"),
		MQTTTopic:    getEnvOrDefault("IDS_MQTT_TOPIC", "ids/alerts"),

		RedisAddr:     os.Getenv("IDS_REDIS_ADDR"),
		RedisPassword: os.Getenv("IDS_REDIS_PASSWORD"),
		RedisDB:       getEnvInt("IDS_REDIS_DB", 0),
		RedisStream:   getEnvOrDefault("IDS_REDIS_STREAM", "ids:alerts"),

		ClickHouseAddr:  os.Getenv("IDS_CLICKHOUSE_ADDR"),
		ClickHouseDB:    getEnvOrDefault("IDS_CLICKHOUSE_DB", "ids"),
		ClickHouseUser:  getEnvOrDefault("IDS_CLICKHOUSE_USER", "default"),
		ClickHousePass:  os.Getenv("IDS_CLICKHOUSE_PASS"),
		ClickHouseTable: getEnvOrDefault("IDS_CLICKHOUSE_TABLE", "alerts"),

		NotifyRetries: getEnvInt("IDS_NOTIFY_RETRIES", 3),
	}
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	switch c.CaptureMode {
	case "pcap", "afpacket", "records":
	default:
		return fmt.Errorf("config: unknown capture mode %q", c.CaptureMode)
	}
	if c.MinAccuracy < 0 || c.MinAccuracy > 1 {
		return fmt.Errorf("config: IDS_MIN_ACCURACY must be within [0,1], got %v", c.MinAccuracy)
	}
	if c.CaptureCount < 0 {
		return fmt.Errorf("config: IDS_CAPTURE_COUNT must be >= 0, got %d", c.CaptureCount)
	}
	if c.QueueSize <= 0 || c.AlertQueueSize <= 0 {
		return fmt.Errorf("config: queue sizes must be positive")
	}
	if c.AlertWriteTimeout <= 0 {
		return fmt.Errorf("config: IDS_ALERT_WRITE_TIMEOUT must be positive")
	}
	return nil
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// EnvVarsDoc documents the environment variables read by Load.
const EnvVarsDoc = `
nfa-ids Configuration Environment Variables (a .env file is also read):

  IDS_ALERT_LOG            Append-only alert log
                           Default: ~/.local/share/nfa-ids/alerts.log
  IDS_ERROR_LOG            Sink failure log
                           Default: ~/.cache/nfa-ids/logs/errors.log
  IDS_MODELS_DIR           Model artifact directory
                           Default: ~/.local/share/nfa-ids/models
  IDS_LOG_LEVEL            debug|info|warn|error (default info)
  IDS_LOG_FORMAT           text|json (default text)

  IDS_CAPTURE_MODE         pcap|afpacket|records (default pcap)
  IDS_INTERFACE            Capture interface (default eth0)
  IDS_PCAP_FILE            Read packets from a pcap file instead of an interface
  IDS_RECORDS_FILE         JSON-lines flow records for records mode ("-" for stdin)
  IDS_BPF_FILTER           BPF filter (default "ip or ip6")
  IDS_CAPTURE_COUNT        Stop after N records, 0 = unbounded

  IDS_WORKERS              Classification workers (default NumCPU)
  IDS_QUEUE_SIZE           Record queue size (default 4096)
  IDS_DROP_ON_BACKPRESSURE Drop records when the queue is full (default false)
  IDS_ALERT_WRITE_TIMEOUT  Bound on one alert append (default 2s)
  IDS_ALERT_MAX_RETRIES    Append attempts before escalation (default 5)

  IDS_MIN_ACCURACY         Minimum holdout accuracy to install a model (default 0.8)
  IDS_MIN_SAMPLES          Minimum usable training rows (default 10)
  IDS_TRAIN_TIMEOUT        Bound on one training run (default 5m)
  IDS_TRAIN_DRIVER         postgres|mysql for SQL training data
  IDS_TRAIN_DSN            SQL training data source
  IDS_BOOTSTRAP_RULES      Rule model installed when no stored model exists,
                           e.g. "packet_size > 1000 || dest_port == 4444"

  IDS_API_ADDR             Request API listen address (default :8080)
  IDS_METRICS_ADDR         Metrics listen address (default :9090)
  IDS_GRPC_ADDR            gRPC health listen address (disabled when empty)
  IDS_PPROF                Serve /debug/pprof/ on the metrics listener (default false)

  IDS_SMTP_HOST/PORT/USER/PASSWORD/FROM/TO   Email notification
  IDS_MQTT_BROKER/CLIENT_ID/USERNAME/PASSWORD/TOPIC   MQTT alert feed
  IDS_REDIS_ADDR/PASSWORD/DB/STREAM          Redis alert stream
  IDS_CLICKHOUSE_ADDR/DB/USER/PASS/TABLE     ClickHouse alert archive
`
