package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"board-api/domain"
)

func newTestServer(t *testing.T, store *memStore, deduper Deduper) (*echo.Echo, *Boards) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	boards := newTestBoards(t, store, nil)
	e := echo.New()
	Register(e, boards, deduper, logger)
	return e, boards
}

func do(e *echo.Echo, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) BoardView {
	t.Helper()
	var view BoardView
	if err := sonic.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return view
}

func TestHealthz(t *testing.T) {
	e, _ := newTestServer(t, newMemStore(), nil)
	if rec := do(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestGetBoard(t *testing.T) {
	store := newMemStore()
	store.put("rec-1", sampleBoardJSON, 2)
	e, _ := newTestServer(t, store, nil)

	rec := do(e, http.MethodGet, "/api/records/rec-1/board", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	view := decodeView(t, rec)
	if view.RecordID != "rec-1" || view.Revision != 2 || len(view.Columns) != 3 || len(view.Tasks) != 4 {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestGetBoardStorageFailure(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("table unavailable")
	e, _ := newTestServer(t, store, nil)

	rec := do(e, http.MethodGet, "/api/records/rec-1/board", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "table unavailable") {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestPutBoard(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantKind    string
		wantWarning bool
		wantColumns []string
	}{
		{
			name:        "recognized",
			body:        `{"state":{"columns":[{"id":"a","title":"A"},{"id":"b","title":"B"}],"tasks":[]}}`,
			wantKind:    "recognized",
			wantColumns: []string{"a", "b"},
		},
		{
			name:        "malformed",
			body:        `[1,2,3]`,
			wantKind:    "default",
			wantWarning: true,
			wantColumns: []string{"todo", "doing", "done"},
		},
		{
			name:        "null",
			body:        `null`,
			wantKind:    "default",
			wantColumns: []string{"todo", "doing", "done"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestServer(t, newMemStore(), nil)
			rec := do(e, http.MethodPut, "/api/records/rec-1/board", tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			var resp struct {
				Columns    []domain.Column `json:"columns"`
				Normalized string          `json:"normalized"`
				Warning    string          `json:"warning"`
				Revision   int64           `json:"revision"`
			}
			if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Normalized != tt.wantKind {
				t.Fatalf("normalized = %q, want %q", resp.Normalized, tt.wantKind)
			}
			if (resp.Warning != "") != tt.wantWarning {
				t.Fatalf("unexpected warning %q", resp.Warning)
			}
			ids := make([]string, 0, len(resp.Columns))
			for _, c := range resp.Columns {
				ids = append(ids, c.ID)
			}
			if diff := cmp.Diff(tt.wantColumns, ids); diff != "" {
				t.Fatalf("columns mismatch (-want +got):\n%s", diff)
			}
			if resp.Revision == 0 {
				t.Fatal("expected a revision")
			}
		})
	}
}

func TestCreateColumnIdempotent(t *testing.T) {
	_, client := newTestRedis(t)
	e, boards := newTestServer(t, newMemStore(), NewRedisDeduper(client, time.Minute))

	rec := do(e, http.MethodPost, "/api/records/rec-1/columns", "", idempotencyKeyHeader, "k1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created createColumnResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Column.ID == "" || created.Column.Title != "Column 4" || len(created.Board.Columns) != 4 {
		t.Fatalf("unexpected create response %+v", created)
	}

	rec = do(e, http.MethodPost, "/api/records/rec-1/columns", "", idempotencyKeyHeader, "k1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected replay 200, got %d", rec.Code)
	}
	if rec.Header().Get(replayedHeader) != "true" {
		t.Fatalf("expected %s header", replayedHeader)
	}
	view, err := boards.Get(t.Context(), "rec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(view.Columns) != 4 {
		t.Fatalf("replay must not create another column, got %d columns", len(view.Columns))
	}
}

func TestCreateTaskReleasesKeyOnFailure(t *testing.T) {
	_, client := newTestRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)
	e, _ := newTestServer(t, newMemStore(), deduper)

	rec := do(e, http.MethodPost, "/api/records/rec-1/columns/missing/tasks", "", idempotencyKeyHeader, "k1")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = do(e, http.MethodPost, "/api/records/rec-1/columns/todo/tasks", "", idempotencyKeyHeader, "k1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected retry with the same key to create, got %d: %s", rec.Code, rec.Body.String())
	}
	var created createTaskResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Task.ColumnID != "todo" || created.Task.Content != "Task 1" || len(created.Board.Tasks) != 1 {
		t.Fatalf("unexpected create response %+v", created)
	}
}

func TestRenameColumn(t *testing.T) {
	store := newMemStore()
	store.put("rec-1", sampleBoardJSON, 1)
	e, _ := newTestServer(t, store, nil)

	tests := []struct {
		name     string
		target   string
		body     string
		wantCode int
	}{
		{name: "ok", target: "/api/records/rec-1/columns/doing", body: `{"title":"In review"}`, wantCode: http.StatusOK},
		{name: "emptyTitle", target: "/api/records/rec-1/columns/doing", body: `{"title":"  "}`, wantCode: http.StatusBadRequest},
		{name: "missingTitle", target: "/api/records/rec-1/columns/doing", body: `{}`, wantCode: http.StatusBadRequest},
		{name: "unknownField", target: "/api/records/rec-1/columns/doing", body: `{"title":"x","color":"red"}`, wantCode: http.StatusBadRequest},
		{name: "invalidJSON", target: "/api/records/rec-1/columns/doing", body: `{"title":`, wantCode: http.StatusBadRequest},
		{name: "unknownColumn", target: "/api/records/rec-1/columns/nope", body: `{"title":"x"}`, wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPatch, tt.target, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
		})
	}

	view := decodeView(t, do(e, http.MethodGet, "/api/records/rec-1/board", ""))
	if view.Columns[1].Title != "In review" {
		t.Fatalf("expected renamed column, got %+v", view.Columns)
	}
}

func TestTaskEndpoints(t *testing.T) {
	store := newMemStore()
	store.put("rec-1", sampleBoardJSON, 1)
	e, _ := newTestServer(t, store, nil)

	rec := do(e, http.MethodPatch, "/api/records/rec-1/tasks/t2", `{"content":"updated"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeView(t, rec).Tasks[1].Content; got != "updated" {
		t.Fatalf("expected updated content, got %q", got)
	}

	if rec := do(e, http.MethodPatch, "/api/records/rec-1/tasks/t2", `{"content":""}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty content, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPatch, "/api/records/rec-1/tasks/nope", `{"content":"x"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", rec.Code)
	}

	rec = do(e, http.MethodDelete, "/api/records/rec-1/tasks/t1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if diff := cmp.Diff([]string{"t2@todo", "t3@doing", "t4@doing"}, taskOrder(decodeView(t, rec))); diff != "" {
		t.Fatalf("tasks mismatch (-want +got):\n%s", diff)
	}
	if rec := do(e, http.MethodDelete, "/api/records/rec-1/tasks/t1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for deleted task, got %d", rec.Code)
	}
}

func TestDeleteColumnEndpoint(t *testing.T) {
	store := newMemStore()
	store.put("rec-1", sampleBoardJSON, 1)
	e, _ := newTestServer(t, store, nil)

	rec := do(e, http.MethodDelete, "/api/records/rec-1/columns/doing", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	view := decodeView(t, rec)
	if len(view.Columns) != 2 {
		t.Fatalf("expected 2 columns, got %+v", view.Columns)
	}
	if diff := cmp.Diff([]string{"t1@todo", "t2@todo"}, taskOrder(view)); diff != "" {
		t.Fatalf("tasks mismatch (-want +got):\n%s", diff)
	}
	if rec := do(e, http.MethodDelete, "/api/records/rec-1/columns/doing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(e, http.MethodDelete, "/api/records/rec-1/columns/done", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(e, http.MethodDelete, "/api/records/rec-1/columns/todo", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for the last column, got %d", rec.Code)
	}
}

func TestDragEndpoint(t *testing.T) {
	store := newMemStore()
	store.put("rec-1", sampleBoardJSON, 1)
	e, _ := newTestServer(t, store, nil)

	steps := []struct {
		body        string
		wantApplied bool
		wantState   string
	}{
		{body: `{"phase":"start","active":{"type":"Column","id":"todo"},"over":null}`, wantState: "dragging-column"},
		{body: `{"phase":"over","active":{"type":"Column","id":"todo"},"over":{"type":"Column","id":"done"}}`, wantApplied: true, wantState: "dragging-column"},
		{body: `{"phase":"over","active":{"type":"Column","id":"todo"},"over":{"type":"Column","id":"done"}}`, wantState: "dragging-column"},
		{body: `{"phase":"end","active":{"type":"Column","id":"todo"},"over":{"type":"Column","id":"done"}}`, wantState: "idle"},
	}
	var last DragOutcome
	for i, step := range steps {
		rec := do(e, http.MethodPost, "/api/records/rec-1/drag", step.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("step %d: expected 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
		if err := sonic.Unmarshal(rec.Body.Bytes(), &last); err != nil {
			t.Fatalf("step %d: decode: %v", i, err)
		}
		if last.Applied != step.wantApplied || last.State != step.wantState {
			t.Fatalf("step %d: got applied=%v state=%s", i, last.Applied, last.State)
		}
	}
	ids := make([]string, 0, len(last.Board.Columns))
	for _, c := range last.Board.Columns {
		ids = append(ids, c.ID)
	}
	if diff := cmp.Diff([]string{"doing", "done", "todo"}, ids); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}
}

func TestDragEndpointRejectsInvalidSignals(t *testing.T) {
	e, _ := newTestServer(t, newMemStore(), nil)

	for _, body := range []string{
		`{"phase":"hover","active":{"type":"Task","id":"t1"}}`,
		`{"phase":"over"}`,
		`{"phase":"over","active":{"type":"Card","id":"t1"}}`,
		`{"phase":"over","active":{"type":"Task","id":""}}`,
		`{"phase":"over","active":{"type":"Task","id":"t1"},"over":{"type":"Lane","id":"x"}}`,
		`{"phase":"over","active":{"type":"Task","id":"t1"},"extra":true}`,
	} {
		if rec := do(e, http.MethodPost, "/api/records/rec-1/drag", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, rec.Code)
		}
	}
	if rec := do(e, http.MethodPost, "/api/records/rec-1/drag", `{"phase":"cancel"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected cancel without entities to succeed, got %d", rec.Code)
	}
}
