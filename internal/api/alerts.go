package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

var alertUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleAlertFeed relays the alert broadcast channel to one websocket
// listener. Alerts published while nobody listens are not replayed.
func (h *Handlers) HandleAlertFeed(c echo.Context) error {
	conn, err := alertUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn("alert feed upgrade failed", zap.Error(err))
		return nil
	}
	defer conn.Close()

	ctx := c.Request().Context()
	sub, err := h.calls.SubscribeAlerts(ctx)
	if err != nil {
		h.log.Error("alert feed subscribe", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "unavailable"), time.Now().Add(time.Second))
		return nil
	}
	defer sub.Close()

	// reader detects the listener going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return nil
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return nil
			}
		case evt, ok := <-sub.C:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				h.log.Debug("alert feed write", zap.Error(err))
				return nil
			}
		}
	}
}
