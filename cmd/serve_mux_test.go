package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanium/scanpipe/internal/aggregator"
	"github.com/scanium/scanpipe/internal/classify"
	"github.com/scanium/scanpipe/internal/model"
	"github.com/scanium/scanpipe/internal/overlay"
	"github.com/scanium/scanpipe/internal/price"
	"github.com/scanium/scanpipe/internal/resilience"
	"github.com/scanium/scanpipe/internal/session"
	"github.com/scanium/scanpipe/internal/taxonomy"
)

func newTestCoordinator(t *testing.T) *session.Coordinator {
	t.Helper()

	catalog := taxonomy.Default()
	agg := aggregator.New(aggregator.Config{}, catalog, clock.NewMock())
	return session.New(session.Options{
		Aggregator:   agg,
		Orchestrator: classify.NewOrchestrator(classify.NewOnDeviceClassifier(catalog), nil, nil, resilience.RetryConfig{MaxAttempts: 1}, 2),
		Gate:         classify.NewGate(classify.DefaultGateConfig(), clock.NewMock()),
		Prices:       price.NewRepository(price.NewBandEstimator(catalog)),
		Overlay:      overlay.NewManager(overlay.Config{}, agg),
	})
}

func postFrame(t *testing.T, mux *http.ServeMux, frame frameWire) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(frame)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/frames", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestBuildMux_HealthEndpoint(t *testing.T) {
	mux := buildMux(context.Background(), newTestCoordinator(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	err := json.Unmarshal(rr.Body.Bytes(), &body)
	require.NoError(t, err)
	assert.Equal(t, "ok", body["status"])
}

func TestBuildMux_PostFrame(t *testing.T) {
	mux := buildMux(context.Background(), newTestCoordinator(t), nil)

	rr := postFrame(t, mux, frameWire{
		Detections: []detectionWire{
			{TrackingID: "t1", Label: "cordless drill", Confidence: 0.9, BBox: rectWire{X: 0.4, Y: 0.4, W: 0.2, H: 0.2}},
		},
		Roi: &rectWire{X: 0.25, Y: 0.25, W: 0.5, H: 0.5},
	})

	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Tracks         []model.OverlayTrack `json:"tracks"`
		OutsideRoiOnly bool                 `json:"outside_roi_only"`
		Items          int                  `json:"items"`
	}
	err := json.Unmarshal(rr.Body.Bytes(), &resp)
	require.NoError(t, err)

	assert.Len(t, resp.Tracks, 1)
	assert.Equal(t, 1, resp.Items)
	assert.False(t, resp.OutsideRoiOnly)
	assert.True(t, resp.Tracks[0].State.NonNeutral())
}

func TestBuildMux_PostFrame_InvalidBody(t *testing.T) {
	mux := buildMux(context.Background(), newTestCoordinator(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/frames", bytes.NewReader([]byte("not json")))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBuildMux_ItemLifecycle(t *testing.T) {
	coord := newTestCoordinator(t)
	mux := buildMux(context.Background(), coord, nil)

	postFrame(t, mux, frameWire{
		Detections: []detectionWire{
			{TrackingID: "t1", Label: "acoustic guitar", Confidence: 0.8, BBox: rectWire{X: 0.3, Y: 0.3, W: 0.3, H: 0.3}},
		},
	})

	items := coord.Items()
	require.Len(t, items, 1)
	id := items[0].ID

	req := httptest.NewRequest(http.MethodGet, "/items/"+id, nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var it model.AggregatedItem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &it))
	assert.Equal(t, id, it.ID)

	req = httptest.NewRequest(http.MethodDelete, "/items/"+id, nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/items/"+id, nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBuildMux_ItemNotFound(t *testing.T) {
	mux := buildMux(context.Background(), newTestCoordinator(t), nil)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/items/nope"},
		{http.MethodDelete, "/items/nope"},
		{http.MethodPost, "/items/nope/retry"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNotFound, rr.Code, "%s %s", tc.method, tc.path)
	}
}

func TestBuildMux_Classify(t *testing.T) {
	mux := buildMux(context.Background(), newTestCoordinator(t), nil)

	postFrame(t, mux, frameWire{
		Detections: []detectionWire{
			{TrackingID: "t1", Label: "hammer", Confidence: 0.9, BBox: rectWire{X: 0.4, Y: 0.4, W: 0.2, H: 0.2}},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/classify", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["dispatched"])
}

func TestBuildMux_SessionMode(t *testing.T) {
	coord := newTestCoordinator(t)
	mux := buildMux(context.Background(), coord, nil)

	body, _ := json.Marshal(map[string]string{"mode": "cloud"})
	req := httptest.NewRequest(http.MethodPost, "/session/mode", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.ModeCloud, coord.Mode())

	body, _ = json.Marshal(map[string]string{"mode": "telepathy"})
	req = httptest.NewRequest(http.MethodPost, "/session/mode", bytes.NewReader(body))
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, model.ModeCloud, coord.Mode())
}

func TestBuildMux_SessionReset(t *testing.T) {
	coord := newTestCoordinator(t)
	mux := buildMux(context.Background(), coord, nil)
	before := coord.SessionToken()

	req := httptest.NewRequest(http.MethodPost, "/session/reset", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEqual(t, before, resp["token"])
	assert.Equal(t, coord.SessionToken(), resp["token"])
}

func TestBuildMux_Stats(t *testing.T) {
	coord := newTestCoordinator(t)
	mux := buildMux(context.Background(), coord, nil)

	postFrame(t, mux, frameWire{
		Detections: []detectionWire{
			{TrackingID: "t1", Label: "hammer", Confidence: 0.9, BBox: rectWire{X: 0.4, Y: 0.4, W: 0.2, H: 0.2}},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var snap session.StatsSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, coord.SessionToken(), snap.SessionToken)
	assert.Equal(t, int64(1), snap.FramesProcessed)
}

func TestBuildMux_StoreRoutesWithoutStore(t *testing.T) {
	mux := buildMux(context.Background(), newTestCoordinator(t), nil)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/session/save"},
		{http.MethodGet, "/sessions"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code, "%s %s", tc.method, tc.path)
	}
}
