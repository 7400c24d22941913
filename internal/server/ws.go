package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/ragbench/internal/testrun"
)

type wsClientFrame struct {
	Type string `json:"type"`
	RunRequest
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBytes)

	var first wsClientFrame
	if err := conn.ReadJSON(&first); err != nil {
		s.writeClose(conn, websocket.CloseUnsupportedData, "invalid run request")
		return
	}

	ctx, cancel, release, err := s.begin(r.Context())
	if err != nil {
		_ = conn.WriteJSON(testrun.Event{Type: testrun.EventError, Message: err.Error()})
		s.writeClose(conn, websocket.CloseTryAgainLater, err.Error())
		return
	}
	defer release()

	events := make(chan testrun.Event, 64)
	go func() {
		defer close(events)
		s.execute(ctx, first.RunRequest, func(ev testrun.Event) { events <- ev })
	}()

	go s.wsReadLoop(conn, cancel)

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.writeClose(conn, websocket.CloseNormalClosure, "run finished")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				cancel()
				drain(events)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				cancel()
				drain(events)
				return
			}
		}
	}
}

// wsReadLoop cancels the run on a cancel frame or when the client goes away.
func (s *Server) wsReadLoop(conn *websocket.Conn, cancel func()) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cancel()
			return
		}
		var frame wsClientFrame
		if json.Unmarshal(data, &frame) == nil && frame.Type == "cancel" {
			s.logger.Info("run cancelled by client")
			cancel()
		}
	}
}

func (s *Server) writeClose(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func drain(events <-chan testrun.Event) {
	for range events {
	}
}
