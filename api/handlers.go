package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

const (
	maxBoardSize   = 4 << 20
	maxRequestSize = 64 << 10

	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, boards *Boards, deduper Deduper, logger *log.Logger) {
	h := &handlers{boards: boards, deduper: deduper, logger: logger}

	e.GET("/healthz", healthz())

	g := e.Group("/api/records/:recordId")
	g.GET("/board", h.instrument("board.get", h.getBoard))
	g.PUT("/board", h.instrument("board.import", h.putBoard))
	g.POST("/columns", h.instrument("column.create", h.createColumn))
	g.PATCH("/columns/:columnId", h.instrument("column.rename", h.renameColumn))
	g.DELETE("/columns/:columnId", h.instrument("column.delete", h.deleteColumn))
	g.POST("/columns/:columnId/tasks", h.instrument("task.create", h.createTask))
	g.PATCH("/tasks/:taskId", h.instrument("task.update", h.updateTask))
	g.DELETE("/tasks/:taskId", h.instrument("task.delete", h.deleteTask))
	g.POST("/drag", h.instrument("board.drag", h.drag))
	g.GET("/stream", streamBoard(boards, logger))
}

type handlers struct {
	boards  *Boards
	deduper Deduper
	logger  *log.Logger
}

type importResponse struct {
	BoardView
	Normalized string `json:"normalized"`
	Warning    string `json:"warning,omitempty"`
}

type createColumnResponse struct {
	Board  BoardView     `json:"board"`
	Column domain.Column `json:"column"`
}

type createTaskResponse struct {
	Board BoardView   `json:"board"`
	Task  domain.Task `json:"task"`
}

type renameColumnRequest struct {
	Title *string `json:"title"`
}

type updateTaskRequest struct {
	Content *string `json:"content"`
}

type entityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type dragRequest struct {
	Phase  string     `json:"phase"`
	Active *entityRef `json:"active"`
	Over   *entityRef `json:"over"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

type boardHandler func(c echo.Context, recordID string, m *boardRequestMetrics) error

func (h *handlers) instrument(route string, next boardHandler) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		recordID := c.Param("recordId")
		metrics, ctx := newBoardRequestMetrics(c.Request().Context(), h.logger, route, recordID)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()
		if strings.TrimSpace(recordID) == "" {
			metrics.SetErrorStage("invalid_record")
			return c.String(http.StatusBadRequest, "record id is required")
		}
		return next(c, recordID, metrics)
	}
}

// fail maps a board error to its response.
func fail(c echo.Context, m *boardRequestMetrics, err error) error {
	switch {
	case errors.Is(err, domain.ErrColumnNotFound), errors.Is(err, domain.ErrTaskNotFound):
		m.SetErrorStage("not_found")
		return c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrLastColumn):
		m.SetErrorStage("conflict")
		return c.String(http.StatusConflict, err.Error())
	default:
		m.SetErrorStage("storage")
		m.SetError(err)
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxRequestSize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *handlers) getBoard(c echo.Context, recordID string, m *boardRequestMetrics) error {
	view, err := h.boards.Get(c.Request().Context(), recordID)
	if err != nil {
		return fail(c, m, err)
	}
	m.ObserveBoard(view)
	return c.JSON(http.StatusOK, view)
}

func (h *handlers) putBoard(c echo.Context, recordID string, m *boardRequestMetrics) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBoardSize+1))
	if err != nil {
		m.SetErrorStage("read_body")
		return c.String(http.StatusBadRequest, "invalid body")
	}
	if len(payload) > maxBoardSize {
		m.SetErrorStage("body_too_large")
		return c.String(http.StatusBadRequest, "board too large")
	}
	view, n, err := h.boards.Import(c.Request().Context(), recordID, payload)
	if err != nil {
		return fail(c, m, err)
	}
	m.ObserveBoard(view)
	resp := importResponse{BoardView: view, Normalized: n.Kind.String()}
	if n.Err != nil {
		resp.Warning = n.Err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// claimKey records the request's idempotency key. It reports false when the
// key was already used. Redis failures let the request through.
func (h *handlers) claimKey(c echo.Context, recordID string) (key string, fresh bool) {
	key = strings.TrimSpace(c.Request().Header.Get(idempotencyKeyHeader))
	if key == "" || h.deduper == nil {
		return "", true
	}
	added, err := h.deduper.Add(c.Request().Context(), recordID, key)
	if err != nil {
		h.logger.WithField("record_id", recordID).WithError(err).Warn("idempotency check failed")
		return "", true
	}
	return key, added
}

func (h *handlers) releaseKey(c echo.Context, recordID, key string) {
	if key == "" {
		return
	}
	if err := h.deduper.Remove(c.Request().Context(), recordID, key); err != nil {
		h.logger.WithField("record_id", recordID).WithError(err).Warn("idempotency release failed")
	}
}

func (h *handlers) replay(c echo.Context, recordID string, m *boardRequestMetrics) error {
	view, err := h.boards.Get(c.Request().Context(), recordID)
	if err != nil {
		return fail(c, m, err)
	}
	m.ObserveBoard(view)
	c.Response().Header().Set(replayedHeader, "true")
	return c.JSON(http.StatusOK, view)
}

func (h *handlers) createColumn(c echo.Context, recordID string, m *boardRequestMetrics) error {
	key, fresh := h.claimKey(c, recordID)
	if !fresh {
		return h.replay(c, recordID, m)
	}
	view, col, err := h.boards.CreateColumn(c.Request().Context(), recordID)
	if err != nil {
		h.releaseKey(c, recordID, key)
		return fail(c, m, err)
	}
	m.ObserveBoard(view)
	return c.JSON(http.StatusCreated, createColumnResponse{Board: view, Column: col})
}

func (h *handlers) renameColumn(c echo.Context, recordID string, m *boardRequestMetrics) error {
	var req renameColumnRequest
	if err := decodeBody(c, &req); err != nil {
		m.SetErrorStage("decode")
		return c.String(http.StatusBadRequest, "invalid body")
	}
	if req.Title == nil || strings.TrimSpace(*req.Title) == "" {
		m.SetErrorStage("validate")
		return c.String(http.StatusBadRequest, "title is required")
	}
	view, err := h.boards.RenameColumn(c.Request().Context(), recordID, c.Param("columnId"), *req.Title)
	if err != nil {
		return fail(c, m, err)
	}
	m.ObserveBoard(view)
	return c.JSON(http.StatusOK, view)
}

func (h *handlers) deleteColumn(c echo.Context, recordID string, m *boardRequestMetrics) error {
	view, err := h.boards.DeleteColumn(c.Request().Context(), recordID, c.Param("columnId"))
	if err != nil {
		return fail(c, m, err)
	}
	m.ObserveBoard(view)
	return c.JSON(http.StatusOK, view)
}

func (h *handlers) createTask(c echo.Context, recordID string, m *boardRequestMetrics) error {
	key, fresh := h.claimKey(c, recordID)
	if !fresh {
		return h.replay(c, recordID, m)
	}
	view, task, err := h.boards.CreateTask(c.Request().Context(), recordID, c.Param("columnId"))
	if err != nil {
		h.releaseKey(c, recordID, key)
		return fail(c, m, err)
	}
	m.ObserveBoard(view)
	return c.JSON(http.StatusCreated, createTaskResponse{Board: view, Task: task})
}

func (h *handlers) updateTask(c echo.Context, recordID string, m *boardRequestMetrics) error {
	var req updateTaskRequest
	if err := decodeBody(c, &req); err != nil {
		m.SetErrorStage("decode")
		return c.String(http.StatusBadRequest, "invalid body")
	}
	if req.Content == nil || strings.TrimSpace(*req.Content) == "" {
		m.SetErrorStage("validate")
		return c.String(http.StatusBadRequest, "content is required")
	}
	view, err := h.boards.UpdateTask(c.Request().Context(), recordID, c.Param("taskId"), *req.Content)
	if err != nil {
		return fail(c, m, err)
	}
	m.ObserveBoard(view)
	return c.JSON(http.StatusOK, view)
}

func (h *handlers) deleteTask(c echo.Context, recordID string, m *boardRequestMetrics) error {
	view, err := h.boards.DeleteTask(c.Request().Context(), recordID, c.Param("taskId"))
	if err != nil {
		return fail(c, m, err)
	}
	m.ObserveBoard(view)
	return c.JSON(http.StatusOK, view)
}

func (h *handlers) drag(c echo.Context, recordID string, m *boardRequestMetrics) error {
	var req dragRequest
	if err := decodeBody(c, &req); err != nil {
		m.SetErrorStage("decode")
		return c.String(http.StatusBadRequest, "invalid body")
	}
	sig, err := req.signal()
	if err != nil {
		m.SetErrorStage("validate")
		return c.String(http.StatusBadRequest, err.Error())
	}
	out, err := h.boards.Drag(c.Request().Context(), recordID, sig)
	if err != nil {
		return fail(c, m, err)
	}
	m.ObserveBoard(out.Board)
	return c.JSON(http.StatusOK, out)
}

func (r dragRequest) signal() (DragSignal, error) {
	sig := DragSignal{Phase: DragPhase(strings.ToLower(strings.TrimSpace(r.Phase)))}
	switch sig.Phase {
	case PhaseStart, PhaseOver, PhaseEnd:
	case PhaseCancel:
		return sig, nil
	default:
		return DragSignal{}, errors.New("phase must be start, over, end or cancel")
	}
	if r.Active == nil {
		return DragSignal{}, errors.New("active is required")
	}
	active, err := r.Active.entity()
	if err != nil {
		return DragSignal{}, err
	}
	sig.Active = active
	if r.Over != nil {
		over, err := r.Over.entity()
		if err != nil {
			return DragSignal{}, err
		}
		sig.Over = &over
	}
	return sig, nil
}

func (r entityRef) entity() (domain.Entity, error) {
	kind, err := domain.ParseEntityKind(r.Type)
	if err != nil {
		return domain.Entity{}, err
	}
	if r.ID == "" {
		return domain.Entity{}, errors.New("entity id is required")
	}
	return domain.Entity{Kind: kind, ID: r.ID}, nil
}
