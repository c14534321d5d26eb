package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	mng "github.com/loykin/stepq/internal/manager"
	"github.com/loykin/stepq/internal/queue"
	"github.com/loykin/stepq/internal/queue/sqlite"
	"github.com/stretchr/testify/require"
)

const threeSteps = `{"A":{"type":"set"},"B":{"type":"interrupt"},"C":{"type":"set"}}`

func setupRouter(t *testing.T, base string) (http.Handler, *mng.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	q, err := sqlite.New(":memory:", queue.Options{})
	require.NoError(t, err)
	mgr := mng.New(q, nil)
	t.Cleanup(func() { _ = mgr.Close() })
	return NewRouter(mgr, base).Handler(), mgr
}

func doReq(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func enqueue(t *testing.T, h http.Handler, base string) string {
	t.Helper()
	rec := doReq(t, h, http.MethodPost, base+"/processes",
		`{"steps":`+threeSteps+`,"timeout":30,"data":{"x":1},"additional_args":{"tenant":"acme"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out PIDResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.PID, 32)
	return out.PID
}

func TestEnqueueAndInfo(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	pid := enqueue(t, h, "/api")

	rec := doReq(t, h, http.MethodGet, "/api/processes/"+pid, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info InfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, queue.StateReady, info.Process.State)
	require.Equal(t, []string{"A", "B", "C"}, info.Process.Steps.Names())
	require.Equal(t, "acme", info.Process.AdditionalArgs["tenant"])
	require.Equal(t, map[string]string{"A": "pending", "B": "pending", "C": "pending"}, info.Progress)

	rec = doReq(t, h, http.MethodGet, "/api/processes/"+pid+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"pid":"`+pid+`","state":"ready"}`, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/api/processes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Processes, 1)
}

func TestEnqueueValidation(t *testing.T) {
	h, _ := setupRouter(t, "")
	for _, body := range []string{
		`not json`,
		`{"steps":{}}`,
		`{"steps":[1,2]}`,
		`{"steps":` + threeSteps + `,"timeout":-1}`,
		`{"steps":` + threeSteps + `,"additional_args":{"bad key":"x"}}`,
	} {
		rec := doReq(t, h, http.MethodPost, "/processes", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestNotFoundAndConflict(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/processes/deadbeef", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/api/processes/..%2Fetc/status", "")
	require.NotEqual(t, http.StatusOK, rec.Code)

	pid := enqueue(t, h, "/api")
	rec = doReq(t, h, http.MethodPost, "/api/processes/"+pid+"/proceed", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestProceedOverHTTP(t *testing.T) {
	h, mgr := setupRouter(t, "/api")
	pid := enqueue(t, h, "/api")
	ctx := context.Background()
	_, ok, err := mgr.PluckOneFromQueue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mgr.RecordInterrupt(ctx, pid, "B", json.RawMessage(`{"x":1}`)))

	rec := doReq(t, h, http.MethodPost, "/api/processes/"+pid+"/proceed", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/api/processes/"+pid+"/proceed", `[1]`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/processes/"+pid+"/proceed", `{"ok":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"pid":"`+pid+`"}`, rec.Body.String())

	got, err := mgr.GetProcessInfo(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, queue.StateReady, got.State)
	require.Equal(t, []string{"C"}, got.Steps.Names())
	require.JSONEq(t, `{"x":1,"ok":true}`, string(got.Data))
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{"": "", "/": "", "api": "/api", "/api/": "/api", " /v1 ": "/v1"}
	for in, want := range cases {
		require.Equal(t, want, sanitizeBase(in), in)
	}
	require.True(t, isSafeName("0123abcd"))
	require.False(t, isSafeName("a/b"))
	require.False(t, isSafeName(".."))
}
