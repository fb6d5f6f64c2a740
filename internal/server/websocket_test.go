package server

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketPredict(t *testing.T) {
	h, _, _ := newTestHolder(t)
	ts := newTestServer(t, h, Config{})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/predict", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(PredictionRequest{Input: []float64{5, 5}, RequestID: "ws-1"}))
	var resp PredictionResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "ws-1", resp.RequestID)
	require.Len(t, resp.Output, 1)
	assert.InDelta(t, 0.5, resp.Output[0], 1e-6)

	// errors are reported in-band and the stream stays open
	require.NoError(t, conn.WriteJSON(PredictionRequest{Input: []float64{1}, RequestID: "ws-2"}))
	var errResp ErrorResponse
	require.NoError(t, conn.ReadJSON(&errResp))
	assert.Equal(t, "dimension", errResp.Kind)
	assert.Equal(t, "ws-2", errResp.RequestID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var bad ErrorResponse
	require.NoError(t, json.Unmarshal(raw, &bad))
	assert.Contains(t, bad.Error, "invalid request")

	require.NoError(t, conn.WriteJSON(PredictionRequest{Input: []float64{10, 10}, RequestID: "ws-3"}))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "ws-3", resp.RequestID)
	assert.InDelta(t, 1.0, resp.Output[0], 1e-6)
}

func TestWebSocketPredict_NonFiniteOutput(t *testing.T) {
	h, _, _ := newTestHolder(t)
	ts := newTestServer(t, h, Config{})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/predict", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(PredictionRequest{Input: []float64{1e40, 1e40}, RequestID: "ws-inf"}))
	var resp PredictionResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.Len(t, resp.Output, 1)
	assert.True(t, math.IsInf(resp.Output[0], 1))

	// the connection survives
	require.NoError(t, conn.WriteJSON(PredictionRequest{Input: []float64{5, 5}, RequestID: "ws-next"}))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "ws-next", resp.RequestID)
	assert.InDelta(t, 0.5, resp.Output[0], 1e-6)
}
