package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestServerEndpoints(t *testing.T) {
	ModelVersion.Set(7)
	RecordsReceived.Inc()

	s := NewServer("127.0.0.1:0")
	assert.Equal(t, "127.0.0.1:0", s.Addr())

	code, body := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "ids_model_version 7")
	assert.Contains(t, body, "ids_pipeline_records_received_total")

	code, body = get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, _ = get(t, s.Handler(), "/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, code, "profiling is opt-in")
}

func TestEnableProfiling(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	s.EnableProfiling()

	code, body := get(t, s.Handler(), "/debug/pprof/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "goroutine")
}
