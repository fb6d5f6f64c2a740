package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsReadLimit    = 512 * 1024
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// handleWebSocket serves a stream of predictions: each text frame is a
// PredictionRequest, each reply a PredictionResponse or ErrorResponse.
func (ms *ModelServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ms.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	log.Debug().Str("remote", r.RemoteAddr).Msg("websocket client connected")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("websocket connection closed unexpectedly")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var reply any
		var req PredictionRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			reply = ErrorResponse{Error: "invalid request: " + err.Error()}
		} else if resp, err := ms.predict(r.Context(), req); err != nil {
			reply = errorBody(err, req.RequestID)
		} else {
			reply = resp
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(reply); err != nil {
			log.Debug().Err(err).Msg("websocket write failed")
			return
		}
	}
}
