package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"

	"opdtrack/internal/config"
	"opdtrack/internal/db"
	"opdtrack/internal/migrate"

	"opdtrack/internal/engine"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("test-shop")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true, Logger: log.New(io.Discard, "", 0)},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workorders", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", res.StatusCode)
	}
}

func TestTimerOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workorders", map[string]any{
		"number":         "OPD-100",
		"customer":       "ACME",
		"skip_checklist": true,
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create work order status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workorders/OPD-100/activities", map[string]any{
		"kind": "MONTAGEM",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create activity status %d: %s", res.StatusCode, string(data))
	}
	var created ActivityResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal activity: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workorders/OPD-100/activities/"+created.ID+"/timer", map[string]any{
		"action": "start",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var started ActivityResponse
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("unmarshal started: %v", err)
	}
	if started.Status != "in_progress" {
		t.Fatalf("want in_progress, got %s", started.Status)
	}

	// starting twice conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workorders/OPD-100/activities/"+created.ID+"/timer", map[string]any{
		"action": "start",
	}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("want 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "illegal_transition" {
		t.Fatalf("want illegal_transition, got %s", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workorders/OPD-100/activities/"+created.ID+"/timer", map[string]any{
		"action": "finish",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finish status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workorders/OPD-100/activities/"+created.ID+"/logs", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("logs status %d: %s", res.StatusCode, string(data))
	}
	var logs []LogEntryResponse
	if err := json.Unmarshal(data, &logs); err != nil {
		t.Fatalf("unmarshal logs: %v", err)
	}
	if len(logs) != 2 || logs[0].Action != "finished" || logs[1].Action != "started" {
		t.Fatalf("want newest first [finished started], got %v", logs)
	}
}

func TestFormGatingOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workorders", map[string]any{
		"number":         "OPD-200",
		"skip_checklist": true,
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create work order status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workorders/OPD-200/activities", map[string]any{
		"kind": "PREPARAÇÃO",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create activity status %d: %s", res.StatusCode, string(data))
	}
	var created ActivityResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal activity: %v", err)
	}

	timerURL := srv.URL + "/v0/workorders/OPD-200/activities/" + created.ID + "/timer"
	res, data = doJSON(t, client, http.MethodPost, timerURL, map[string]any{"action": "start"}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, timerURL, map[string]any{"action": "finish"}, actorHeader)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("want 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "form_required" {
		t.Fatalf("want form_required, got %s", envelope.Error.Code)
	}
	schemaRef, _ := envelope.Error.Details["schema_ref"].(string)
	if schemaRef == "" {
		t.Fatalf("want schema_ref in details, got %v", envelope.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workorders/OPD-200/forms", map[string]any{
		"activity_id": created.ID,
		"schema_ref":  schemaRef,
		"payload":     map[string]any{"checklist_ok": true},
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit form status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, timerURL, map[string]any{"action": "finish"}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finish after form status %d: %s", res.StatusCode, string(data))
	}
	var done ActivityResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if done.Status != "done" {
		t.Fatalf("want done, got %s", done.Status)
	}
}

func TestChecklistViewOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workorders", map[string]any{
		"number": "OPD-300",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create work order status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workorders/OPD-300/activities", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("checklist status %d: %s", res.StatusCode, string(data))
	}
	var checklist ChecklistResponse
	if err := json.Unmarshal(data, &checklist); err != nil {
		t.Fatalf("unmarshal checklist: %v", err)
	}
	if checklist.Stats.Total == 0 {
		t.Fatalf("expected seeded checklist, got empty")
	}
	if len(checklist.Activities) != checklist.Stats.Total {
		t.Fatalf("want %d top-level activities, got %d", checklist.Stats.Total, len(checklist.Activities))
	}

	// done filter matches nothing yet
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workorders/OPD-300/activities?status=done", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered checklist status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &checklist); err != nil {
		t.Fatalf("unmarshal filtered: %v", err)
	}
	if len(checklist.Activities) != 0 {
		t.Fatalf("want empty filtered list, got %d", len(checklist.Activities))
	}
}
