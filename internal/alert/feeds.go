package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"

	"github.com/cvalentine99/nfa-ids/internal/logging"
)

// payload is the machine-readable form of a message: the alert itself, or
// the subject and body for operational messages.
func payload(msg Message) ([]byte, error) {
	if msg.Alert != nil {
		return json.Marshal(msg.Alert)
	}
	return json.Marshal(map[string]string{"subject": msg.Subject, "body": msg.Body})
}

// =============================================================================
// MQTT
// =============================================================================

// MQTTConfig holds broker settings for the alert feed.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// MQTTNotifier publishes alerts as JSON to a topic.
type MQTTNotifier struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// NewMQTTNotifier connects to the broker.
func NewMQTTNotifier(cfg MQTTConfig) (*MQTTNotifier, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, errors.New("alert: mqtt broker and topic are required")
	}
	logger := logging.AlertLogger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.Broker, logging.Err(err))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("alert: connect to mqtt broker: %w", token.Error())
	}
	logger.Info("mqtt alert feed connected", "broker", cfg.Broker, "topic", cfg.Topic)
	return &MQTTNotifier{client: client, topic: cfg.Topic, qos: cfg.QoS}, nil
}

func (n *MQTTNotifier) Name() string { return "mqtt" }

// Notify publishes msg and waits for the broker acknowledgement or ctx.
func (n *MQTTNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := payload(msg)
	if err != nil {
		return fmt.Errorf("mqtt: marshal: %w", err)
	}
	token := n.client.Publish(n.topic, n.qos, false, body)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt: publish: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt: publish: %w", ctx.Err())
	}
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() error {
	n.client.Disconnect(250)
	return nil
}

// =============================================================================
// Redis stream
// =============================================================================

// RedisConfig holds settings for the Redis alert stream.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen caps the stream length (approximate trimming); 0 keeps all.
	MaxLen int64
}

// RedisNotifier appends alerts to a Redis stream for dashboards.
type RedisNotifier struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisNotifier connects and pings the server.
func NewRedisNotifier(ctx context.Context, cfg RedisConfig) (*RedisNotifier, error) {
	if cfg.Addr == "" || cfg.Stream == "" {
		return nil, errors.New("alert: redis address and stream are required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("alert: ping redis: %w", err)
	}
	return &RedisNotifier{client: client, stream: cfg.Stream, maxLen: cfg.MaxLen}, nil
}

func (n *RedisNotifier) Name() string { return "redis" }

// Notify adds one stream entry holding the JSON payload.
func (n *RedisNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := payload(msg)
	if err != nil {
		return fmt.Errorf("redis: marshal: %w", err)
	}
	values := map[string]interface{}{"subject": msg.Subject, "payload": string(body)}
	if msg.Alert != nil {
		values["id"] = msg.Alert.ID
	}
	args := &redis.XAddArgs{Stream: n.stream, Values: values}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}
	if err := n.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: xadd %s: %w", n.stream, err)
	}
	return nil
}

// Close closes the client.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// =============================================================================
// ClickHouse archive
// =============================================================================

// ClickHouseConfig holds connection settings for the alert archive.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ClickHouseArchive stores alerts in a ClickHouse table for analytics.
// Operational messages carry no alert and are ignored.
type ClickHouseArchive struct {
	conn  driver.Conn
	table string
}

// NewClickHouseArchive connects and creates the table when missing.
func NewClickHouseArchive(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseArchive, error) {
	if cfg.Addr == "" {
		return nil, errors.New("alert: clickhouse address is required")
	}
	if !identPattern.MatchString(cfg.Table) {
		return nil, fmt.Errorf("alert: invalid clickhouse table name %q", cfg.Table)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("alert: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("alert: ping clickhouse: %w", err)
	}

	a := &ClickHouseArchive{conn: conn, table: cfg.Table}
	if err := conn.Exec(ctx, a.createTableSQL()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("alert: create clickhouse table: %w", err)
	}
	return a, nil
}

func (a *ClickHouseArchive) createTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS ` + a.table + ` (
		id String,
		timestamp DateTime,
		src_ip String,
		dest_ip String,
		src_port Int32,
		dest_port Int32,
		protocol String,
		prediction LowCardinality(String),
		probability Float64,
		model_version UInt64
	) ENGINE = MergeTree()
	ORDER BY (timestamp, src_ip)`
}

func (a *ClickHouseArchive) Name() string { return "clickhouse" }

// Notify inserts the alert row. Missing ports are stored as -1.
func (a *ClickHouseArchive) Notify(ctx context.Context, msg Message) error {
	al := msg.Alert
	if al == nil {
		return nil
	}
	query := `INSERT INTO ` + a.table + ` (id, timestamp, src_ip, dest_ip, src_port, dest_port,
		protocol, prediction, probability, model_version) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	err := a.conn.Exec(ctx, query,
		al.ID,
		al.Timestamp,
		al.SrcIP,
		al.DstIP,
		archivePort(al.SrcPort),
		archivePort(al.DstPort),
		al.Protocol,
		string(al.Prediction),
		al.Probability,
		al.ModelVersion,
	)
	if err != nil {
		return fmt.Errorf("clickhouse: insert alert: %w", err)
	}
	return nil
}

func archivePort(p *uint16) int32 {
	if p == nil {
		return -1
	}
	return int32(*p)
}

// Close closes the connection.
func (a *ClickHouseArchive) Close() error {
	return a.conn.Close()
}
