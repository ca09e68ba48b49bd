package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cvalentine99/nfa-ids/internal/alert"
	"github.com/cvalentine99/nfa-ids/internal/ml"
	"github.com/cvalentine99/nfa-ids/internal/models"
	"github.com/cvalentine99/nfa-ids/internal/pipeline"
	"github.com/cvalentine99/nfa-ids/internal/update"
)

const threatRule = "packet_size > 1000 || dest_port == 4444"

type fixture struct {
	handler  http.Handler
	pipeline *pipeline.Pipeline
	adapter  *ml.Adapter
	coord    *update.Coordinator
}

func ruleTrainer(accuracy float64, gate <-chan struct{}) ml.Trainer {
	return ml.TrainerFunc(func(ctx context.Context, ds *ml.Dataset) (*ml.Model, error) {
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		schema := ml.DefaultSchema()
		rs, err := ml.ParseRules(threatRule, schema)
		if err != nil {
			return nil, err
		}
		return ml.NewModel(schema, ml.IdentityPreprocessor(schema), rs,
			ml.Evaluation{Accuracy: accuracy, Samples: ds.Len()})
	})
}

func newFixture(t *testing.T, withModel bool, trainer ml.Trainer) *fixture {
	t.Helper()
	adapter := ml.NewAdapter()
	if withModel {
		m, err := ml.NewRuleModel(threatRule)
		require.NoError(t, err)
		require.NoError(t, adapter.Install(m.WithVersion(1)))
	}

	store, err := alert.OpenFileStore(filepath.Join(t.TempDir(), "alerts.log"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p := pipeline.New(adapter, store, nil)
	p.Start()
	t.Cleanup(p.Stop)

	if trainer == nil {
		trainer = ruleTrainer(0.95, nil)
	}
	coord := update.NewCoordinator(adapter, trainer, nil, &update.Config{
		MinAccuracy:  0.8,
		MinSamples:   2,
		TrainTimeout: time.Minute,
	})

	s := NewServer(":0", p, coord, store)
	return &fixture{handler: s.Handler(), pipeline: p, adapter: adapter, coord: coord}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const (
	normalRecord = `{"src_ip":"10.0.0.1","dest_ip":"10.0.0.2","src_port":1234,"dest_port":80,"protocol":"6","packet_size":512}`
	threatRecord = `{"src_ip":"10.0.0.1","dest_ip":"10.0.0.2","src_port":1234,"dest_port":4444,"protocol":"6","packet_size":512}`
	noProtocol   = `{"src_ip":"10.0.0.1","dest_ip":"10.0.0.2","src_port":1234,"dest_port":4444,"packet_size":512}`
)

func TestPredict(t *testing.T) {
	f := newFixture(t, true, nil)

	rec := f.do(t, http.MethodPost, "/predict", `{"data":`+normalRecord+`}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[predictResponse](t, rec)
	assert.Equal(t, "Normal", resp.Result)
	assert.Equal(t, models.LabelNormal, resp.Label)
	assert.Equal(t, uint64(1), resp.ModelVersion)

	rec = f.do(t, http.MethodPost, "/predict", `{"data":`+threatRecord+`}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Threat Detected", decode[predictResponse](t, rec).Result)

	rec = f.do(t, http.MethodPost, "/predict", `{"data":[1234, 80, 6, 2048]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.LabelThreat, decode[predictResponse](t, rec).Label)

	// Predictions never raise alerts.
	assert.Equal(t, uint64(0), f.pipeline.Stats().AlertsPersisted)
}

func TestPredictBadInput(t *testing.T) {
	f := newFixture(t, true, nil)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ``},
		{"invalid json", `{"data":`},
		{"missing data", `{}`},
		{"null data", `{"data":null}`},
		{"scalar data", `{"data":42}`},
		{"malformed record", `{"data":` + noProtocol + `}`},
		{"wrong vector length", `{"data":[1, 2]}`},
		{"non-numeric vector", `{"data":["a","b","c","d"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/predict", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
		})
	}
}

func TestPredictWithoutModel(t *testing.T) {
	f := newFixture(t, false, nil)

	rec := f.do(t, http.MethodPost, "/predict", `{"data":`+normalRecord+`}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodPost, "/predict", `{"data":[1,2,3,4]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no_model", decode[map[string]any](t, rec)["status"])
}

func TestUploadPersistsThreats(t *testing.T) {
	f := newFixture(t, true, nil)

	rec := f.do(t, http.MethodPost, "/api/upload", normalRecord)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.LabelNormal, decode[uploadResponse](t, rec).Prediction)

	rec = f.do(t, http.MethodPost, "/api/upload", threatRecord)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.LabelThreat, decode[uploadResponse](t, rec).Prediction)

	rec = f.do(t, http.MethodPost, "/api/upload", noProtocol)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/upload", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Eventually(t, func() bool { return f.pipeline.Stats().AlertsPersisted == 1 }, 2*time.Second, time.Millisecond)

	rec = f.do(t, http.MethodGet, "/api/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	alerts := decode[[]models.Alert](t, rec)
	require.Len(t, alerts, 1)
	assert.Equal(t, "10.0.0.1", alerts[0].SrcIP)
	assert.Equal(t, "10.0.0.2", alerts[0].DstIP)

	rec = f.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[models.PipelineStats](t, rec)
	assert.Equal(t, uint64(1), stats.Threats)
	assert.Equal(t, uint64(1), stats.Malformed)
}

func TestAlertsEndpoint(t *testing.T) {
	f := newFixture(t, true, nil)

	rec := f.do(t, http.MethodGet, "/api/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/alerts?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/alerts", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

const trainingCSV = `src_port,dest_port,protocol,packet_size,label
1234,80,6,512,normal
1234,4444,6,512,threat
5353,53,17,90,normal
1000,443,6,1500,threat
`

const trainingJSON = `[
  {"src_port": 1234, "dest_port": 80, "protocol": "tcp", "packet_size": 512, "label": "normal"},
  {"src_port": 1234, "dest_port": 4444, "protocol": "tcp", "packet_size": 512, "label": "threat"},
  {"dest_port": 53, "protocol": "udp", "packet_size": 90, "label": "benign"}
]`

func TestUpdateModel(t *testing.T) {
	f := newFixture(t, true, nil)

	rec := f.do(t, http.MethodPost, "/api/update_model", trainingCSV)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[updateResponse](t, rec)
	require.NotNil(t, resp.Report)
	assert.True(t, resp.Report.Accepted)
	assert.Equal(t, uint64(2), resp.Report.Version)
	assert.Equal(t, 4, resp.Load.Kept)

	rec = f.do(t, http.MethodPost, "/api/update_model", trainingJSON)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, uint64(3), decode[updateResponse](t, rec).Report.Version)
	assert.Equal(t, uint64(3), f.adapter.Version())

	rec = f.do(t, http.MethodGet, "/api/model", "")
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[modelResponse](t, rec)
	assert.True(t, info.Loaded)
	assert.Equal(t, uint64(3), info.Version)
	assert.Equal(t, ml.KindRules, info.Kind)
	assert.Equal(t, update.StateIdle, info.UpdateState)
	require.NotNil(t, info.LastUpdate)
	assert.True(t, info.LastUpdate.Accepted)
}

func TestUpdateModelRejected(t *testing.T) {
	f := newFixture(t, true, ruleTrainer(0.5, nil))

	rec := f.do(t, http.MethodPost, "/api/update_model", trainingCSV)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	resp := decode[updateResponse](t, rec)
	require.NotNil(t, resp.Report)
	assert.False(t, resp.Report.Accepted)
	assert.Contains(t, resp.Report.Transitions, update.StateRejected)
	assert.Equal(t, uint64(1), f.adapter.Version())
}

func TestUpdateModelBadInput(t *testing.T) {
	f := newFixture(t, true, nil)

	rec := f.do(t, http.MethodPost, "/api/update_model", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01"
	rec = f.do(t, http.MethodPost, "/api/update_model", png)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/update_model", "src_port,label\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateModelInProgress(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, true, ruleTrainer(0.95, gate))

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/update_model", strings.NewReader(trainingCSV))
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		first <- rec
	}()

	require.Eventually(t, func() bool { return f.coord.State() == update.StateValidating }, 2*time.Second, time.Millisecond)
	rec := f.do(t, http.MethodPost, "/api/update_model", trainingCSV)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(gate)
	select {
	case rec := <-first:
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	case <-time.After(5 * time.Second):
		t.Fatal("first update did not finish")
	}
}

func TestHealthService(t *testing.T) {
	adapter := ml.NewAdapter()
	hs := NewHealthService(nil, adapter)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = hs.Serve(lis) }()
	defer hs.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: DetectorService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	m, err := ml.NewRuleModel(threatRule)
	require.NoError(t, err)
	require.NoError(t, adapter.Install(m.WithVersion(1)))

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: DetectorService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
