package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvalentine99/nfa-ids/internal/alert"
	"github.com/cvalentine99/nfa-ids/internal/capture"
	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/ml"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

const threatRule = "packet_size > 1000 || dest_port == 4444"

func ruleAdapter(t *testing.T) *ml.Adapter {
	t.Helper()
	m, err := ml.NewRuleModel(threatRule)
	require.NoError(t, err)
	a := ml.NewAdapter()
	require.NoError(t, a.Install(m.WithVersion(1)))
	return a
}

func record(dstPort uint16, size int) models.RawRecord {
	return models.RawRecord{
		SrcIP:     "10.0.0.1",
		DstIP:     "10.0.0.2",
		SrcPort:   models.Port(1234),
		DstPort:   models.Port(dstPort),
		Protocol:  "6",
		Size:      size,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func fileSink(t *testing.T) (*alert.FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alerts.log")
	s, err := alert.OpenFileStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func fastAlerts() Option {
	return func(p *Pipeline) {
		p.alerts.cfg.RetryBackoff = time.Millisecond
		p.alerts.cfg.WriteTimeout = 200 * time.Millisecond
	}
}

// =============================================================================
// End-to-end scenarios
// =============================================================================

func TestScenarioNormalRecordRaisesNoAlert(t *testing.T) {
	sink, path := fileSink(t)
	p := New(ruleAdapter(t), sink, nil)
	p.Start()

	res, err := p.Classify(context.Background(), record(80, 512))
	require.NoError(t, err)
	assert.Equal(t, models.LabelNormal, res.Label)
	assert.Equal(t, uint64(1), res.ModelVersion)

	p.Stop()
	alerts, err := alert.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Equal(t, uint64(1), p.Stats().Normal)
}

func TestScenarioThreatPersistsOneAlert(t *testing.T) {
	sink, path := fileSink(t)
	p := New(ruleAdapter(t), sink, nil)
	p.Start()

	res, err := p.Classify(context.Background(), record(4444, 512))
	require.NoError(t, err)
	assert.Equal(t, models.LabelThreat, res.Label)

	p.Stop()
	alerts, err := alert.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "10.0.0.1", alerts[0].SrcIP)
	assert.Equal(t, "10.0.0.2", alerts[0].DstIP)
	assert.Equal(t, models.LabelThreat, alerts[0].Prediction)
	assert.Equal(t, uint64(1), alerts[0].ModelVersion)
	assert.Equal(t, uint64(1), p.Stats().AlertsPersisted)
}

func TestScenarioMalformedRecord(t *testing.T) {
	sink, path := fileSink(t)
	p := New(ruleAdapter(t), sink, nil)
	p.Start()

	rec := record(4444, 512)
	rec.Protocol = ""
	_, err := p.Classify(context.Background(), rec)
	assert.ErrorIs(t, err, ml.ErrMalformedRecord)

	p.Stop()
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Errors)
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Equal(t, uint64(0), stats.Processed)

	alerts, err := alert.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestScoreAndVectorRaiseNoAlerts(t *testing.T) {
	sink, path := fileSink(t)
	adapter := ruleAdapter(t)
	p := New(adapter, sink, nil)
	p.Start()
	ctx := context.Background()

	res, err := p.Score(ctx, record(4444, 512))
	require.NoError(t, err)
	assert.Equal(t, models.LabelThreat, res.Label)

	rec := record(80, 2000)
	v, err := adapter.Extract(&rec)
	require.NoError(t, err)
	res, err = p.ClassifyVector(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, models.LabelThreat, res.Label)

	_, err = p.ClassifyVector(ctx, ml.FeatureVector{Fields: []string{"packet_size"}, Values: []float64{1}})
	assert.ErrorIs(t, err, ml.ErrSchemaMismatch)

	p.Stop()
	alerts, err := alert.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Threats)
	assert.Equal(t, uint64(1), stats.SchemaMismatch)
}

func TestNoModelInstalled(t *testing.T) {
	sink, _ := fileSink(t)
	p := New(ml.NewAdapter(), sink, nil)
	p.Start()
	defer p.Stop()

	_, err := p.Classify(context.Background(), record(80, 100))
	assert.ErrorIs(t, err, ml.ErrNoModel)
	assert.Equal(t, uint64(1), p.Stats().NoModel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Classify(ctx, record(80, 100))
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Stream processing
// =============================================================================

func TestRunProcessesEveryRecordOnce(t *testing.T) {
	sink, path := fileSink(t)
	p := New(ruleAdapter(t), sink, &Config{Workers: 4, QueueSize: 8})
	p.Start()

	var recs []models.RawRecord
	for i := 0; i < 50; i++ {
		recs = append(recs, record(80, 100))
	}
	for i := 0; i < 10; i++ {
		recs = append(recs, record(4444, 100))
	}
	for i := 0; i < 5; i++ {
		rec := record(80, 100)
		rec.SrcIP = ""
		recs = append(recs, rec)
	}

	require.NoError(t, p.Run(context.Background(), capture.NewSliceSource(recs...)))
	p.Stop()

	stats := p.Stats()
	assert.Equal(t, uint64(65), stats.Received)
	assert.Equal(t, uint64(60), stats.Processed)
	assert.Equal(t, uint64(50), stats.Normal)
	assert.Equal(t, uint64(10), stats.Threats)
	assert.Equal(t, uint64(5), stats.Malformed)
	assert.Equal(t, uint64(10), stats.AlertsPersisted)

	alerts, err := alert.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, alerts, 10)
}

type panicClassifier struct{ sizeIdx int }

func (panicClassifier) Kind() string { return "test-panic" }

func (c panicClassifier) PredictProba(x []float64) float64 {
	if x[c.sizeIdx] == 6666 {
		panic("poisoned record")
	}
	return 0
}

func TestRunRecoversPanics(t *testing.T) {
	schema := ml.DefaultSchema()
	m, err := ml.NewModel(schema, ml.IdentityPreprocessor(schema),
		panicClassifier{sizeIdx: schema.Index(ml.FieldPacketSize)}, ml.Evaluation{})
	require.NoError(t, err)
	adapter := ml.NewAdapter()
	require.NoError(t, adapter.Install(m.WithVersion(1)))

	sink, _ := fileSink(t)
	p := New(adapter, sink, &Config{Workers: 2, QueueSize: 4})
	p.Start()
	defer p.Stop()

	src := capture.NewSliceSource(record(80, 100), record(80, 6666), record(80, 200), record(80, 6666), record(80, 300))
	require.NoError(t, p.Run(context.Background(), src))

	stats := p.Stats()
	assert.Equal(t, uint64(5), stats.Received)
	assert.Equal(t, uint64(3), stats.Processed)
	assert.Equal(t, uint64(2), stats.Panics)
	assert.Equal(t, uint64(2), stats.Errors)
}

type blockingClassifier struct{ release chan struct{} }

func (blockingClassifier) Kind() string { return "test-block" }

func (c blockingClassifier) PredictProba([]float64) float64 {
	<-c.release
	return 0
}

func TestRunDropsUnderBackpressure(t *testing.T) {
	schema := ml.DefaultSchema()
	release := make(chan struct{})
	m, err := ml.NewModel(schema, ml.IdentityPreprocessor(schema), blockingClassifier{release: release}, ml.Evaluation{})
	require.NoError(t, err)
	adapter := ml.NewAdapter()
	require.NoError(t, adapter.Install(m.WithVersion(1)))

	sink, _ := fileSink(t)
	p := New(adapter, sink, &Config{Workers: 1, QueueSize: 1, DropOnBackpressure: true})
	p.Start()
	defer p.Stop()

	recs := make([]models.RawRecord, 10)
	for i := range recs {
		recs[i] = record(80, 100)
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), capture.NewSliceSource(recs...)) }()

	require.Eventually(t, func() bool { return p.Stats().Received == 10 }, 2*time.Second, time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	stats := p.Stats()
	assert.GreaterOrEqual(t, stats.Dropped, uint64(8))
	assert.Equal(t, uint64(10), stats.Processed+stats.Dropped)
}

type waitSource struct{}

func (waitSource) Next(ctx context.Context) (models.RawRecord, error) {
	<-ctx.Done()
	return models.RawRecord{}, ctx.Err()
}

func (waitSource) Close() error { return nil }

func TestRunCancellationAndExclusivity(t *testing.T) {
	sink, _ := fileSink(t)
	p := New(ruleAdapter(t), sink, nil)
	p.Start()
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, waitSource{}) }()

	require.Eventually(t, p.running.Load, time.Second, time.Millisecond)
	assert.ErrorIs(t, p.Run(context.Background(), waitSource{}), ErrAlreadyRunning)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

type errSource struct{}

func (errSource) Next(context.Context) (models.RawRecord, error) {
	return models.RawRecord{}, errors.New("device went away")
}

func (errSource) Close() error { return nil }

func TestRunSourceFailure(t *testing.T) {
	sink, _ := fileSink(t)
	p := New(ruleAdapter(t), sink, nil)
	err := p.Run(context.Background(), errSource{})
	assert.ErrorIs(t, err, capture.ErrCaptureFailure)
}

func TestRunCountsUndecodableInputAsMalformed(t *testing.T) {
	input := strings.Join([]string{
		`{"src_ip":"10.0.0.1","dest_ip":"10.0.0.2","src_port":1234,"dest_port":80,"protocol":"6","packet_size":100}`,
		`{"src_ip":"10.0.0.1","dest_ip":"10.0.0.2","src_port":1234,"dest_port":80,"packet_size":100}`,
		`{"src_ip":"10.0.0.1","dest_ip":"10.0.0.2","protocol":"6","packet_size":"big"}`,
		`{"src_ip":"10.0.0.1","dest_ip":"10.0.0.2","dest_port":70000,"protocol":"6","packet_size":100}`,
	}, "\n")
	sink, _ := fileSink(t)
	p := New(ruleAdapter(t), sink, &Config{Workers: 2, QueueSize: 4})
	p.Start()
	defer p.Stop()

	src := capture.NewRecordSource(io.NopCloser(strings.NewReader(input)))
	require.NoError(t, p.Run(context.Background(), src))

	stats := p.Stats()
	assert.Equal(t, uint64(4), stats.Received)
	assert.Equal(t, uint64(1), stats.Processed)
	assert.Equal(t, uint64(3), stats.Errors)
	assert.Equal(t, uint64(3), stats.Malformed)
}

func TestRunAcrossModelInstall(t *testing.T) {
	adapter := ruleAdapter(t)
	sink, _ := fileSink(t)
	p := New(adapter, sink, &Config{Workers: 4, QueueSize: 16})
	p.Start()
	defer p.Stop()

	recs := make([]models.RawRecord, 500)
	for i := range recs {
		recs[i] = record(80, 100)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m, err := ml.NewRuleModel("packet_size > 50")
		if assert.NoError(t, err) {
			assert.NoError(t, adapter.Install(m.WithVersion(2)))
		}
	}()
	require.NoError(t, p.Run(context.Background(), capture.NewSliceSource(recs...)))
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, uint64(500), stats.Processed)
	assert.Equal(t, uint64(0), stats.Errors)
	assert.Equal(t, uint64(2), adapter.Version())
}

// =============================================================================
// Alert sink failures
// =============================================================================

func TestSlowSinkDoesNotBlockClassification(t *testing.T) {
	entered := make(chan struct{}, 16)
	release := make(chan struct{})
	var written atomic.Int32
	sink := alert.SinkFunc(func(ctx context.Context, _ models.Alert) error {
		entered <- struct{}{}
		select {
		case <-release:
			written.Add(1)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	p := New(ruleAdapter(t), sink, &Config{Alerts: AlertConfig{WriteTimeout: 10 * time.Second}})
	p.Start()

	_, err := p.Classify(context.Background(), record(4444, 100))
	require.NoError(t, err)
	<-entered

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := p.Classify(context.Background(), record(4444, 100))
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	p.Stop()
	assert.Equal(t, int32(6), written.Load())
	assert.Equal(t, uint64(6), p.Stats().AlertsPersisted)
}

func TestSinkRetriesWithBackoff(t *testing.T) {
	var calls atomic.Int32
	sink := alert.SinkFunc(func(context.Context, models.Alert) error {
		if calls.Add(1) <= 2 {
			return alert.ErrSinkUnavailable
		}
		return nil
	})

	p := New(ruleAdapter(t), sink, nil, fastAlerts())
	p.Start()

	_, err := p.Classify(context.Background(), record(4444, 100))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().AlertsPersisted == 1 }, 2*time.Second, time.Millisecond)
	p.Stop()

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.AlertsRetried)
	assert.Equal(t, uint64(0), stats.AlertsFailed)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSinkExhaustionEscalates(t *testing.T) {
	var calls atomic.Int32
	sink := alert.SinkFunc(func(context.Context, models.Alert) error {
		calls.Add(1)
		return alert.ErrSinkUnavailable
	})

	var errBuf bytes.Buffer
	errLog := logging.New(&logging.Config{Level: logging.LevelWarn, Output: &errBuf, Format: "json"})

	failures := make(chan SinkFailure, 1)
	p := New(ruleAdapter(t), sink, &Config{Alerts: AlertConfig{MaxRetries: 3}},
		fastAlerts(),
		WithErrorLog(errLog),
		OnSinkFailure(func(f SinkFailure) { failures <- f }),
	)
	p.Start()

	_, err := p.Classify(context.Background(), record(4444, 100))
	require.NoError(t, err)

	select {
	case f := <-failures:
		assert.Equal(t, 4, f.Attempts)
		assert.ErrorIs(t, f.Err, alert.ErrSinkUnavailable)
		assert.Equal(t, "10.0.0.1", f.Alert.SrcIP)
	case <-time.After(2 * time.Second):
		t.Fatal("sink failure was not escalated")
	}
	p.Stop()

	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, uint64(1), p.Stats().AlertsFailed)
	assert.Contains(t, errBuf.String(), "alert could not be persisted")
}

func TestPersistedAlertsAreNotified(t *testing.T) {
	sink, _ := fileSink(t)
	got := make(chan alert.Message, 1)
	d := alert.NewDispatcher(nil, alert.NotifierFunc("test", func(_ context.Context, m alert.Message) error {
		got <- m
		return nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	p := New(ruleAdapter(t), sink, nil, WithNotifier(d))
	p.Start()
	defer p.Stop()

	_, err := p.Classify(context.Background(), record(4444, 100))
	require.NoError(t, err)

	select {
	case m := <-got:
		require.NotNil(t, m.Alert)
		assert.Equal(t, "10.0.0.2", m.Alert.DstIP)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}
