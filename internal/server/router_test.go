package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/respawn/internal/history"
	"github.com/loykin/respawn/internal/scanner"
	"github.com/loykin/respawn/internal/supervisor"
)

type fakeController struct {
	status     supervisor.Status
	buffer     string
	restartErr error
	reasons    []string
}

func (f *fakeController) Status() supervisor.Status { return f.status }
func (f *fakeController) Buffer() string            { return f.buffer }

func (f *fakeController) Restart(reason string) error {
	f.reasons = append(f.reasons, reason)
	return f.restartErr
}

type fakeReader struct {
	events    []history.Event
	err       error
	lastLimit int
}

func (f *fakeReader) Recent(_ context.Context, limit int) ([]history.Event, error) {
	f.lastLimit = limit
	return f.events, f.err
}

func setupRouter(t *testing.T, ctl Controller, hist history.Reader, base string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(ctl, hist, base).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	ctl := &fakeController{status: supervisor.Status{
		Name:     "node",
		Command:  "node app.js",
		State:    supervisor.StateRunning,
		PID:      4242,
		Restarts: 2,
	}}
	h := setupRouter(t, ctl, nil, "/api")

	rec := doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "running", got["state"])
	assert.EqualValues(t, 4242, got["pid"])
	assert.EqualValues(t, 2, got["restarts"])
}

func TestCrash(t *testing.T) {
	ctl := &fakeController{}
	h := setupRouter(t, ctl, nil, "")

	rec := doReq(t, h, http.MethodGet, "/crash")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ctl.status.LastCrash = &scanner.CrashEvent{
		ErrorType: "TypeError", Message: "x is not a function", SourceFile: "app.js", Line: 10, Column: 5,
	}
	rec = doReq(t, h, http.MethodGet, "/crash")
	require.Equal(t, http.StatusOK, rec.Code)
	var ev scanner.CrashEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	assert.Equal(t, *ctl.status.LastCrash, ev)
}

func TestBuffer(t *testing.T) {
	h := setupRouter(t, &fakeController{buffer: "ReferenceError: y\n"}, nil, "")
	rec := doReq(t, h, http.MethodGet, "/buffer")
	require.Equal(t, http.StatusOK, rec.Code)
	var got bufferResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 18, got.Bytes)
	assert.Equal(t, "ReferenceError: y\n", got.Text)
}

func TestRestart(t *testing.T) {
	ctl := &fakeController{}
	h := setupRouter(t, ctl, nil, "/x/")

	rec := doReq(t, h, http.MethodPost, "/x/restart?reason=deploy")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/x/restart")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"deploy", ""}, ctl.reasons)

	ctl.restartErr = supervisor.ErrShuttingDown
	rec = doReq(t, h, http.MethodPost, "/x/restart")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "shutting down")

	ctl.restartErr = errors.New("start node: exec: \"node\": executable file not found")
	rec = doReq(t, h, http.MethodPost, "/x/restart")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "executable file not found")

	rec = doReq(t, h, http.MethodGet, "/x/restart")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistory(t *testing.T) {
	h := setupRouter(t, &fakeController{}, nil, "")
	rec := doReq(t, h, http.MethodGet, "/history")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	reader := &fakeReader{events: []history.Event{{
		Type:       history.EventCrash,
		OccurredAt: time.Unix(100, 0).UTC(),
		Record:     history.Record{Name: "node", ErrorType: "TypeError"},
	}}}
	h = setupRouter(t, &fakeController{}, reader, "")

	rec = doReq(t, h, http.MethodGet, "/history")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultHistoryLimit, reader.lastLimit)
	var got []history.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, history.EventCrash, got[0].Type)
	assert.Equal(t, "TypeError", got[0].Record.ErrorType)

	rec = doReq(t, h, http.MethodGet, "/history?limit=100000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxHistoryLimit, reader.lastLimit)

	for _, bad := range []string{"0", "-3", "ten"} {
		rec = doReq(t, h, http.MethodGet, "/history?limit="+bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	reader.events, reader.err = nil, errors.New("db down")
	rec = doReq(t, h, http.MethodGet, "/history")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	reader.err = nil
	rec = doReq(t, h, http.MethodGet, "/history")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupRouter(t, &fakeController{}, nil, "")
	rec := doReq(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":       "",
		"/":      "",
		" api ":  "/api",
		"/api/":  "/api",
		"a/b///": "/a/b",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeBase(in), in)
	}
}

func TestNewServer(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "", &fakeController{}, nil)
	defer func() { _ = srv.Close() }()
	assert.Equal(t, "127.0.0.1:0", srv.Addr)
	assert.NotNil(t, srv.Handler)
}
