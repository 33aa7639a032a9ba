package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func NewRouter(h *Handlers) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(h.log))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/readyz", h.HandleReady)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/twiml", h.HandleTwiML, TwilioSignature(h.cfg.Twilio.AuthToken, h.cfg.Twilio.PublicURL, h.log))
	if h.media != nil {
		e.GET("/media", echo.WrapHandler(h.media))
	}

	e.POST("/sessions", h.HandleCreateSession)
	e.GET("/sessions/:id", h.HandleGetSession)
	e.DELETE("/sessions/:id", h.HandleDeleteSession)

	e.GET("/calls/:id", h.HandleGetCall)
	e.GET("/calls/:id/events", h.HandleCallEvents)
	e.GET("/records/:id", h.HandleGetRecord)
	e.GET("/owners/:owner/calls", h.HandleListOwnerCalls)
	e.GET("/alerts/ws", h.HandleAlertFeed)
	return e
}

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			log.Info("request", fields...)
			return nil
		},
	})
}
