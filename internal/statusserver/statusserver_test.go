// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statusserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/gomlx/gridtrain/pkg/train"
	"github.com/gomlx/gridtrain/pkg/train/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStatus struct {
	status train.Status
}

func (f *fixedStatus) Status() train.Status { return f.status }

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
	return recorder
}

func TestEndpoints(t *testing.T) {
	provider := &fixedStatus{status: train.Status{
		RunID:     "run-1",
		Rank:      3,
		WorldSize: 4,
		State:     train.StateSetup.String(),
	}}
	registry := prometheus.NewRegistry()
	sink, err := metrics.NewPrometheusSink(registry)
	require.NoError(t, err)
	require.NoError(t, sink.AddScalar("lm loss", 2.5, 10))
	handler := New(provider, registry, logr.Discard()).Handler()

	assert.Equal(t, http.StatusOK, get(t, handler, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, handler, "/readyz").Code)

	provider.status.State = train.StateTraining.String()
	provider.status.Iteration = 10
	provider.status.ConsumedTrainSamples = 80
	provider.status.LastLosses = map[string]float64{"lm loss": 2.5}
	assert.Equal(t, http.StatusOK, get(t, handler, "/readyz").Code)

	response := get(t, handler, "/status")
	require.Equal(t, http.StatusOK, response.Code)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Equal(t, "Training", decoded["state"])
	assert.EqualValues(t, 10, decoded["iteration"])
	assert.EqualValues(t, 80, decoded["consumed_train_samples"])
	assert.EqualValues(t, 2.5, decoded["last_losses"].(map[string]any)["lm loss"])

	response = get(t, handler, "/metrics")
	require.Equal(t, http.StatusOK, response.Code)
	assert.Contains(t, response.Body.String(), `gridtrain_scalar{name="lm_loss"} 2.5`)
	assert.Contains(t, response.Body.String(), "gridtrain_iteration 10")
}

func TestNoMetrics(t *testing.T) {
	handler := New(&fixedStatus{}, nil, logr.Discard()).Handler()
	assert.Equal(t, http.StatusNotFound, get(t, handler, "/metrics").Code)
}

func TestStartAndShutdown(t *testing.T) {
	server := New(&fixedStatus{status: train.Status{State: train.StateDone.String()}}, nil, logr.Discard())
	addr, err := server.Start("127.0.0.1:0")
	require.NoError(t, err)
	response, err := http.Get("http://" + addr + "/readyz")
	require.NoError(t, err)
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())
	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Contains(t, string(body), "Done")
	require.NoError(t, server.Shutdown(context.Background()))
}
