package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"habitcal/internal/models"
	"habitcal/internal/planner"
	"habitcal/internal/session"
	"habitcal/internal/store"
	"habitcal/internal/syncchannel"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	hub := syncchannel.NewHub(logger, 8)
	tk := session.NewToolkit(logger, session.Deps{
		Planner:   planner.New(logger, planner.Config{}),
		Calendars: session.NewCalendars(logger, nil, nil, 1),
		Store:     st,
		Publisher: hub,
	})
	ctx, cancel := context.WithCancel(context.Background())
	mgr := session.NewManager(ctx, logger, tk, st, hub, session.ManagerConfig{DefaultTimezone: "UTC"})
	ws := syncchannel.NewWebSocketHandler(logger, hub, mgr, "*")

	srv := httptest.NewServer(New(logger, mgr, ws, "*").Router())
	t.Cleanup(func() {
		srv.Close()
		mgr.Shutdown()
		cancel()
	})
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := do(t, http.MethodGet, srv.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/sessions", `{"session_id":"abc","timezone":"Europe/Paris"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	var st models.ConversationState
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatal(err)
	}
	if st.SessionID != "abc" || st.Stage != models.StageGreeting || st.Timezone != "Europe/Paris" {
		t.Errorf("unexpected state: %+v", st)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/api/sessions/abc/tools/generate_draft_schedule", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("generate in GREETING: %d %s", resp.StatusCode, body)
	}
	var v violationResponse
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatal(err)
	}
	if v.Stage != models.StageGreeting || v.Guidance == "" {
		t.Errorf("unexpected violation: %+v", v)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/api/sessions/abc/tools/assess_user_input", `{"classification":"small_talk"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assess: %d %s", resp.StatusCode, body)
	}
	var tr toolResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		t.Fatal(err)
	}
	if tr.Stage != models.StageDiscovery {
		t.Errorf("stage = %s, want DISCOVERY", tr.Stage)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/sessions/abc/tools/launch_rockets", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown operation: %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/sessions/abc/tools/save_note", `{"key":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed args: %d", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/sessions/abc", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get: %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/sessions/abc", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/sessions/abc", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: %d", resp.StatusCode)
	}
}

func TestCreateSessionRejectsBadTimezone(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := do(t, http.MethodPost, srv.URL+"/api/sessions", `{"timezone":"Nowhere/Special"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestListOperations(t *testing.T) {
	srv := newTestServer(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/api/operations", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var ops []operationInfo
	if err := json.Unmarshal(body, &ops); err != nil {
		t.Fatal(err)
	}
	if len(ops) != 9 {
		t.Errorf("got %d operations, want 9", len(ops))
	}
}

func TestWebSocketUnknownSession(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := do(t, http.MethodGet, srv.URL+"/ws/sessions/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
