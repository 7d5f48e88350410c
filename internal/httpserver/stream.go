package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/chadiek/call-pilot/internal/usecase"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		// dashboard access is gated by the password check, not the origin
		return true
	},
}

// streamEvents sends the call's backlog and then live events as JSON envelopes.
// The socket is closed normally once the call has ended.
func (s *Server) streamEvents(c echo.Context) error {
	sub, err := s.calls.Subscribe(c.Param("id"))
	if err != nil {
		if errors.Is(err, usecase.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return s.httpError(err)
	}
	defer sub.Close()

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.WithError(err).Warn("ws upgrade error")
		return nil
	}
	defer func() { _ = conn.Close() }()
	log := s.log.WithField("call_id", c.Param("id"))

	// the reader only services control frames and notices the client leaving
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, env := range sub.Backlog {
		if err := writeWS(conn, env); err != nil {
			log.WithError(err).Debug("ws backlog write failed")
			return nil
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"))
				return nil
			}
			if err := writeWS(conn, env); err != nil {
				log.WithError(err).Debug("ws write failed")
				return nil
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-gone:
			log.WithFields(logrus.Fields{"reason": "client closed"}).Debug("ws stream closed")
			return nil
		}
	}
}

func writeWS(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}
