package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/branchmind-dev/branchmind/internal/config"
	"github.com/branchmind-dev/branchmind/internal/docs"
	"github.com/branchmind-dev/branchmind/internal/store"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	dbPath := t.TempDir() + "/test.db"
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := docs.EnsureSchema(db); err != nil {
		t.Fatalf("ensure docs schema: %v", err)
	}

	st := store.New(db)
	if err := st.EnsureWorkspace("ws1", 1000); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}

	cfg := &config.Config{
		General:   config.General{StateDB: dbPath},
		Workspace: config.Workspace{Default: "ws1"},
		Viewer:    config.Viewer{Port: 4781},
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv, err := NewServer(cfg, st, docs.New(db), logger, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func decodeJSON(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode JSON: %v (body=%s)", err, body)
	}
	return out
}

func TestHandleAbout(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/about", nil)
	w := httptest.NewRecorder()
	srv.handleAbout(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeJSON(t, w.Body.Bytes())
	if body["fingerprint"] == "" || body["fingerprint"] == nil {
		t.Error("expected a non-empty fingerprint")
	}
	if body["workspace_default"] != "ws1" {
		t.Errorf("expected workspace_default ws1, got %v", body["workspace_default"])
	}
}

func TestHandleWorkspaces(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/workspaces", nil)
	w := httptest.NewRecorder()
	srv.handleWorkspaces(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeJSON(t, w.Body.Bytes())
	workspaces, ok := body["workspaces"].([]any)
	if !ok || len(workspaces) != 1 {
		t.Fatalf("expected exactly one workspace, got %v", body["workspaces"])
	}
}

func TestHandleSnapshotRequiresWorkspace(t *testing.T) {
	srv := setupTestServer(t)
	srv.cfg.Workspace.Default = ""

	req := httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	w := httptest.NewRecorder()
	srv.handleSnapshot(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a workspace, got %d", w.Code)
	}
	body := decodeJSON(t, w.Body.Bytes())
	errObj, ok := body["error"].(map[string]any)
	if !ok || errObj["code"] != "WORKSPACE_REQUIRED" {
		t.Errorf("expected WORKSPACE_REQUIRED error code, got %v", body["error"])
	}
}

func TestHandleSnapshotDefaultsToConfiguredWorkspace(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	w := httptest.NewRecorder()
	srv.handleSnapshot(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeJSON(t, w.Body.Bytes())
	if body["workspace"] != "ws1" {
		t.Errorf("expected workspace ws1, got %v", body["workspace"])
	}
}

func TestHandleTaskDetailNotFound(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/task/TASK-999?workspace=ws1", nil)
	w := httptest.NewRecorder()
	srv.handleTaskDetail(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", w.Code)
	}
}

func TestHandleShutdownRejectsMismatchedFingerprint(t *testing.T) {
	srv := setupTestServer(t)
	body := strings.NewReader(`{"fingerprint":"not-the-real-one"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/internal/shutdown", body)
	w := httptest.NewRecorder()
	srv.handleShutdown(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on fingerprint mismatch, got %d", w.Code)
	}
}

func TestHandleShutdownAcceptsMatchingFingerprint(t *testing.T) {
	srv := setupTestServer(t)
	called := false
	srv.shutdown = func() { called = true }

	payload, _ := json.Marshal(map[string]string{"fingerprint": srv.fingerprint})
	req := httptest.NewRequest(http.MethodPost, "/api/internal/shutdown", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	srv.handleShutdown(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !called {
		t.Error("expected shutdown callback to be invoked")
	}
}
