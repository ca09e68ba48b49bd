// app.go - service wiring for the detection process
// This file contains the App struct that owns every long-lived component.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cvalentine99/nfa-ids/internal/alert"
	"github.com/cvalentine99/nfa-ids/internal/api"
	"github.com/cvalentine99/nfa-ids/internal/capture"
	"github.com/cvalentine99/nfa-ids/internal/config"
	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/metrics"
	"github.com/cvalentine99/nfa-ids/internal/ml"
	"github.com/cvalentine99/nfa-ids/internal/pipeline"
	"github.com/cvalentine99/nfa-ids/internal/update"
)

// errSinkFailure ends serve with a non-zero exit after an alert was lost.
var errSinkFailure = errors.New("alert sink failure")

// App owns the detection components for one process.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	adapter     *ml.Adapter
	modelStore  *ml.ModelStore
	alertStore  *alert.FileStore
	dispatcher  *alert.Dispatcher
	pipeline    *pipeline.Pipeline
	coordinator *update.Coordinator
	errorLog    *logging.Logger
	closers     []io.Closer

	// Capture state
	captureMu   sync.Mutex
	isCapturing bool
	cancelFunc  context.CancelFunc
	captureDone chan struct{}

	sinkFailed chan pipeline.SinkFailure
}

// NewApp builds the model, alert and update components. Listeners and
// capture are started by Serve.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		cfg:        cfg,
		logger:     logging.Default().WithComponent("app"),
		adapter:    ml.NewAdapter(),
		sinkFailed: make(chan pipeline.SinkFailure, 1),
	}
	if err := a.startup(ctx); err != nil {
		a.shutdown()
		return nil, err
	}
	return a, nil
}

// startup opens stores and wires components in dependency order.
func (a *App) startup(ctx context.Context) error {
	var err error
	if err := a.cfg.Paths.EnsureDirectories(); err != nil {
		return err
	}

	a.adapter.OnInstall(func(m *ml.Model) {
		metrics.ModelVersion.Set(float64(m.Version()))
		metrics.ModelAccuracy.Set(m.Evaluation().Accuracy)
		a.logger.Info("model live", "version", m.Version(), "kind", m.Kind())
	})

	if a.modelStore, err = ml.NewModelStore(a.cfg.Paths.ModelsDir); err != nil {
		return err
	}
	if err := bootstrapModel(a.modelStore, a.adapter, a.cfg.BootstrapRules, a.logger); err != nil {
		return err
	}

	if a.alertStore, err = alert.OpenFileStore(a.cfg.Paths.AlertLogPath); err != nil {
		return err
	}
	a.closers = append(a.closers, a.alertStore)

	errLog, closer, err := logging.OpenErrorLog(a.cfg.Paths.ErrorLogPath)
	if err != nil {
		return err
	}
	a.errorLog = errLog
	a.closers = append(a.closers, closer)

	a.dispatcher = alert.NewDispatcher(&alert.DispatcherConfig{Retries: a.cfg.NotifyRetries}, a.notifiers(ctx)...)

	a.pipeline = pipeline.New(a.adapter, a.alertStore, &pipeline.Config{
		Workers:            a.cfg.Workers,
		QueueSize:          a.cfg.QueueSize,
		DropOnBackpressure: a.cfg.DropOnBackpressure,
		Alerts: pipeline.AlertConfig{
			QueueSize:    a.cfg.AlertQueueSize,
			WriteTimeout: a.cfg.AlertWriteTimeout,
			MaxRetries:   a.cfg.AlertMaxRetries,
			RetryBackoff: a.cfg.AlertRetryBackoff,
		},
	},
		pipeline.WithNotifier(a.dispatcher),
		pipeline.WithErrorLog(a.errorLog),
		pipeline.OnSinkFailure(a.onSinkFailure),
	)
	a.pipeline.Start()

	a.coordinator = newCoordinator(a.cfg, a.adapter, a.modelStore)
	return nil
}

// bootstrapModel installs the newest stored model, or the configured rule
// model when the store is empty. The rule model is persisted as version 1
// so later versions never collide with it.
func bootstrapModel(store *ml.ModelStore, adapter *ml.Adapter, rules string, logger *logging.Logger) error {
	m, err := store.LoadLatest()
	if err != nil {
		return fmt.Errorf("load stored model: %w", err)
	}
	if m == nil && rules != "" {
		rm, err := ml.NewRuleModel(rules)
		if err != nil {
			return fmt.Errorf("bootstrap rules: %w", err)
		}
		latest, err := store.LatestVersion()
		if err != nil {
			return err
		}
		m = rm.WithVersion(latest + 1)
		if err := store.Save(m); err != nil {
			return fmt.Errorf("persist bootstrap model: %w", err)
		}
		logger.Info("bootstrap rule model installed", "rules", rules)
	}
	if m == nil {
		logger.Warn("no model available; records are counted as unclassified until one is trained")
		return nil
	}
	return adapter.Install(m)
}

func newTrainer(cfg *config.Config) ml.Trainer {
	fc := ml.DefaultForestConfig()
	if cfg.ForestTrees > 0 {
		fc.Trees = cfg.ForestTrees
	}
	fc.Seed = cfg.ForestSeed
	return ml.NewForestTrainer(fc)
}

func newCoordinator(cfg *config.Config, adapter *ml.Adapter, store *ml.ModelStore) *update.Coordinator {
	return update.NewCoordinator(adapter, newTrainer(cfg), store, &update.Config{
		MinAccuracy:  cfg.MinAccuracy,
		MinSamples:   cfg.MinSamples,
		TrainTimeout: cfg.TrainTimeout,
	})
}

// notifiers connects every configured channel. A channel that cannot be
// reached is logged and left out; alerts are still persisted.
func (a *App) notifiers(ctx context.Context) []alert.Notifier {
	var out []alert.Notifier
	cfg := a.cfg

	if cfg.SMTPHost != "" {
		n, err := alert.NewSMTPNotifier(alert.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			To:       cfg.SMTPTo,
		})
		a.addNotifier(&out, n, err, "smtp")
	}
	if cfg.MQTTBroker != "" {
		n, err := alert.NewMQTTNotifier(alert.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			Topic:    cfg.MQTTTopic,
			QoS:      1,
		})
		a.addNotifier(&out, n, err, "mqtt")
	}
	if cfg.RedisAddr != "" {
		n, err := alert.NewRedisNotifier(ctx, alert.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
			MaxLen:   100000,
		})
		a.addNotifier(&out, n, err, "redis")
	}
	if cfg.ClickHouseAddr != "" {
		n, err := alert.NewClickHouseArchive(ctx, alert.ClickHouseConfig{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDB,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePass,
			Table:    cfg.ClickHouseTable,
		})
		a.addNotifier(&out, n, err, "clickhouse")
	}
	return out
}

func (a *App) addNotifier(out *[]alert.Notifier, n alert.Notifier, err error, name string) {
	if err != nil {
		a.logger.Warn("notification channel disabled", "channel", name, logging.Err(err))
		return
	}
	*out = append(*out, n)
	if c, ok := n.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	a.logger.Info("notification channel enabled", "channel", name)
}

func (a *App) onSinkFailure(f pipeline.SinkFailure) {
	select {
	case a.sinkFailed <- f:
	default:
	}
}

// =============================================================================
// Serve
// =============================================================================

// Serve runs capture, the request API, metrics, gRPC health and
// notification delivery until ctx is done or an alert is lost.
func (a *App) Serve(ctx context.Context) error {
	// Delivery outlives the errgroup so escalations raised while the alert
	// queue flushes still go out.
	dctx, stopDispatch := context.WithCancel(context.Background())
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		_ = a.dispatcher.Run(dctx)
	}()

	g, gctx := errgroup.WithContext(ctx)

	metricsSrv := metrics.NewServer(a.cfg.MetricsAddr)
	if a.cfg.Pprof {
		metricsSrv.EnableProfiling()
	}
	apiSrv := api.NewServer(a.cfg.APIAddr, a.pipeline, a.coordinator, a.alertStore)
	var health *api.HealthService
	if a.cfg.GRPCAddr != "" {
		health = api.NewHealthService(&api.HealthConfig{
			Address:          a.cfg.GRPCAddr,
			KeepAliveTime:    30 * time.Second,
			KeepAliveTimeout: 5 * time.Second,
		}, a.adapter)
		g.Go(health.Start)
	}

	g.Go(metricsSrv.Start)
	g.Go(apiSrv.Start)
	g.Go(func() error {
		if err := a.StartCapture(gctx); err != nil {
			// Capture failures end capture only; the API keeps serving.
			a.logger.Error("capture unavailable", logging.Err(err))
		}
		return nil
	})
	g.Go(func() error {
		select {
		case f := <-a.sinkFailed:
			return fmt.Errorf("%w: alert %s: %v", errSinkFailure, f.Alert.ID, f.Err)
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		a.StopCapture()

		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if health != nil {
			health.Stop()
		}
		_ = apiSrv.Stop(stopCtx)
		_ = metricsSrv.Stop(stopCtx)
		return nil
	})

	err := g.Wait()
	a.pipeline.Stop()
	stopDispatch()
	<-dispatched
	a.logger.Info("serve stopped", "stats", a.pipeline.Stats())
	return err
}

// =============================================================================
// Capture lifecycle
// =============================================================================

// StartCapture opens the configured source and runs the pipeline over it
// until the source ends or ctx is done.
func (a *App) StartCapture(ctx context.Context) error {
	a.captureMu.Lock()
	if a.isCapturing {
		a.captureMu.Unlock()
		return errors.New("capture already in progress")
	}

	mode, err := capture.ParseMode(a.cfg.CaptureMode)
	if err != nil {
		a.captureMu.Unlock()
		return err
	}
	src, err := capture.Open(ctx, &capture.Config{
		Interface:      a.cfg.Interface,
		Mode:           mode,
		PcapFile:       a.cfg.PcapFile,
		RecordsFile:    a.cfg.RecordsFile,
		SnapLen:        a.cfg.SnapLen,
		Promiscuous:    a.cfg.Promiscuous,
		BPFFilter:      a.cfg.BPFFilter,
		Count:          a.cfg.CaptureCount,
		RingBufferSize: 64 * 1024 * 1024,
		ReadTimeout:    250 * time.Millisecond,
		SkipLinkCheck:  a.cfg.SkipLinkCheck,
	})
	if err != nil {
		a.captureMu.Unlock()
		return err
	}

	captureCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.captureDone = make(chan struct{})
	a.isCapturing = true
	done := a.captureDone
	a.captureMu.Unlock()

	defer func() {
		src.Close()
		cancel()
		a.captureMu.Lock()
		a.isCapturing = false
		a.captureMu.Unlock()
		close(done)
	}()

	start := time.Now()
	err = a.pipeline.Run(captureCtx, src)

	args := []any{"duration", time.Since(start), "stats", a.pipeline.Stats()}
	if sp, ok := src.(capture.StatsProvider); ok {
		if cs := sp.Stats(); cs != nil {
			args = append(args, "capture", cs)
		}
	}
	a.logger.Info("capture finished", args...)
	return err
}

// StopCapture cancels a running capture and waits for every accepted
// record to be processed.
func (a *App) StopCapture() {
	a.captureMu.Lock()
	cancel, done := a.cancelFunc, a.captureDone
	a.captureMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsCapturing reports whether a capture is running.
func (a *App) IsCapturing() bool {
	a.captureMu.Lock()
	defer a.captureMu.Unlock()
	return a.isCapturing
}

// shutdown flushes pending alerts and releases every resource.
func (a *App) shutdown() {
	if a.pipeline != nil {
		a.pipeline.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", logging.Err(err))
		}
	}
	a.closers = nil
}

// Close releases the app.
func (a *App) Close() {
	a.shutdown()
}
