package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"callbridge/agent/internal/callstate"
	"callbridge/agent/internal/config"
	"callbridge/agent/internal/health"
	"callbridge/agent/internal/records"
)

// RecordReader looks up durable call rows.
type RecordReader interface {
	Get(ctx context.Context, id int64) (records.Record, error)
}

type Handlers struct {
	cfg     config.Config
	calls   *callstate.Store
	records RecordReader
	health  *health.Checker
	media   http.Handler
	log     *zap.Logger
	now     func() time.Time
}

// NewHandlers wires the HTTP surface. recs may be nil when records are disabled.
func NewHandlers(cfg config.Config, calls *callstate.Store, recs RecordReader, hc *health.Checker, media http.Handler, log *zap.Logger) *Handlers {
	return &Handlers{
		cfg:     cfg,
		calls:   calls,
		records: recs,
		health:  hc,
		media:   media,
		log:     log.Named("api"),
		now:     time.Now,
	}
}

func (h *Handlers) HandleReady(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	st := h.health.CheckAll(ctx)
	code := http.StatusOK
	if !st.OK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, st)
}

type createSessionRequest struct {
	Owner string            `json:"owner"`
	Data  map[string]string `json:"data"`
}

func (h *Handlers) HandleCreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	ws, err := h.calls.CreateSession(c.Request().Context(), req.Owner, req.Data)
	if err != nil {
		h.log.Error("create session", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable")
	}
	return c.JSON(http.StatusCreated, ws)
}

func (h *Handlers) HandleGetSession(c echo.Context) error {
	ws, err := h.calls.GetSession(c.Request().Context(), c.Param("id"))
	if errors.Is(err, callstate.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		h.log.Error("get session", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable")
	}
	return c.JSON(http.StatusOK, ws)
}

func (h *Handlers) HandleDeleteSession(c echo.Context) error {
	if err := h.calls.DeleteSession(c.Request().Context(), c.Param("id")); err != nil {
		h.log.Error("delete session", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) HandleGetCall(c echo.Context) error {
	call, err := h.calls.GetState(c.Request().Context(), c.Param("id"))
	if errors.Is(err, callstate.ErrCallNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "call not found")
	}
	if err != nil {
		h.log.Error("get call", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "call state unavailable")
	}
	return c.JSON(http.StatusOK, call)
}

func (h *Handlers) HandleListOwnerCalls(c echo.Context) error {
	owner := c.Param("owner")
	calls, err := h.calls.ListActiveForOwner(c.Request().Context(), owner)
	if err != nil {
		h.log.Error("list calls", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "call state unavailable")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"owner": owner,
		"calls": calls,
	})
}

// HandleCallEvents returns the raw recognition log of a call, newest first.
func (h *Handlers) HandleCallEvents(c echo.Context) error {
	limit := int64(100)
	if q := c.QueryParam("limit"); q != "" {
		n, err := strconv.ParseInt(q, 10, 64)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	events, err := h.calls.RawEvents(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		h.log.Error("raw events", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "call state unavailable")
	}
	if events == nil {
		events = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"call_id": c.Param("id"),
		"events":  events,
	})
}

func (h *Handlers) HandleGetRecord(c echo.Context) error {
	if h.records == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "call records disabled")
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	rec, err := h.records.Get(c.Request().Context(), id)
	if errors.Is(err, records.ErrCallNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	}
	if err != nil {
		h.log.Error("get record", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "record store unavailable")
	}
	return c.JSON(http.StatusOK, rec)
}
