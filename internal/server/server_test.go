package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"growline/internal/config"
	"growline/internal/db"
	"growline/internal/engine"
	"growline/internal/migrate"
	"growline/internal/stage"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// ownerHeaders authenticates as the owner actor seeded at facility
// init. The tests exercise the legacy header path; the JWT path is
// covered by TestDevLoginAndMe.
var ownerHeaders = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("fac-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitFacility(context.Background(), "fac-1", "test facility", "tester"); err != nil {
		t.Fatalf("init facility: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:        "test-secret",
			AllowActorHeader: true,
		},
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

func createTestBatch(t *testing.T, srv *testServer) BatchResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/facilities/fac-1/batches", map[string]any{
		"batch_number": "B-2025-001",
		"strain":       "GG4",
	}, ownerHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create batch status %d: %s", res.StatusCode, string(data))
	}
	var b BatchResponse
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	return b
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/facilities", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}

	healthRes, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health should not need auth, got %d", healthRes.StatusCode)
	}
}

func TestPermissionDenied(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/facilities/fac-1/batches", map[string]any{
		"batch_number": "B-2025-099",
	}, map[string]string{"X-Actor-Id": "stranger"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden code, got %q: %s", envelope.Error.Code, string(data))
	}
}

func TestTransitionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	b := createTestBatch(t, srv)

	// Missing required fields must fail before the batch moves.
	badRes, badBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches/"+b.ID+"/transitions", map[string]any{}, ownerHeaders)
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", badRes.StatusCode, string(badBody))
	}
	var badEnvelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(badBody, &badEnvelope)
	if badEnvelope.Error.Code != "invalid_fields" {
		t.Fatalf("expected invalid_fields code, got %q: %s", badEnvelope.Error.Code, string(badBody))
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches/"+b.ID+"/transitions", map[string]any{
		"fields": map[string]any{
			"germination_date":    "2025-03-01",
			"total_clones_plants": 100,
			"mother_no":           "M-12",
		},
	}, ownerHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}
	var committed struct {
		Batch      BatchResponse      `json:"batch"`
		Transition TransitionResponse `json:"transition"`
	}
	if err := json.Unmarshal(data, &committed); err != nil {
		t.Fatalf("unmarshal transition: %v", err)
	}
	if committed.Batch.CurrentStage != stage.CloneGermination {
		t.Fatalf("batch stage = %s", committed.Batch.CurrentStage)
	}
	if committed.Transition.FromStage != stage.Preclone || committed.Transition.ToStage != stage.CloneGermination {
		t.Fatalf("transition recorded %s -> %s", committed.Transition.FromStage, committed.Transition.ToStage)
	}

	histRes, histBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/batches/"+b.ID+"/transitions", nil, ownerHeaders)
	if histRes.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", histRes.StatusCode, string(histBody))
	}
	var history []TransitionResponse
	if err := json.Unmarshal(histBody, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history row, got %d", len(history))
	}
}

func TestStageConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	b := createTestBatch(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches/"+b.ID+"/transitions", map[string]any{
		"expected_stage": stage.Hardening,
	}, ownerHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Expected string `json:"expected"`
				Actual   string `json:"actual"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "stage_conflict" {
		t.Fatalf("expected stage_conflict, got %q: %s", envelope.Error.Code, string(data))
	}
	if envelope.Error.Details.Actual != stage.Preclone {
		t.Fatalf("actual stage = %s", envelope.Error.Details.Actual)
	}
}

func TestGateEndpointReportsBlockers(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	b := createTestBatch(t, srv)

	taskRes, taskBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/facilities/fac-1/tasks", map[string]any{
		"batch_id": b.ID,
		"title":    "Sanitize clone trays",
	}, ownerHeaders)
	if taskRes.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", taskRes.StatusCode, string(taskBody))
	}

	gateRes, gateBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/batches/"+b.ID+"/gate", nil, ownerHeaders)
	if gateRes.StatusCode != http.StatusOK {
		t.Fatalf("gate status %d: %s", gateRes.StatusCode, string(gateBody))
	}
	var gate GateResponse
	if err := json.Unmarshal(gateBody, &gate); err != nil {
		t.Fatalf("unmarshal gate: %v", err)
	}
	if gate.Allowed {
		t.Fatalf("gate should block while a stage task is open: %s", string(gateBody))
	}
	if len(gate.Reasons) == 0 {
		t.Fatal("expected at least one blocking reason")
	}

	blockedRes, blockedBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches/"+b.ID+"/transitions", map[string]any{
		"fields": map[string]any{
			"germination_date":    "2025-03-01",
			"total_clones_plants": 100,
			"mother_no":           "M-12",
		},
	}, ownerHeaders)
	if blockedRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 gate block, got %d: %s", blockedRes.StatusCode, string(blockedBody))
	}
}

func TestChecklistOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	b := createTestBatch(t, srv)

	taskRes, taskBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/facilities/fac-1/tasks", map[string]any{
		"batch_id": b.ID,
		"title":    "HVCSOF0010 Clone intake",
		"category": "HVCSOF0010",
		"checklist": []map[string]any{
			{"key": "mother_no", "label": "Mother plant number"},
			{"key": "trays_sanitized", "label": "Trays sanitized"},
		},
	}, ownerHeaders)
	if taskRes.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", taskRes.StatusCode, string(taskBody))
	}
	var task TaskResponse
	if err := json.Unmarshal(taskBody, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	// Completion is blocked until every checklist item is done.
	blockRes, blockBody := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+task.ID, map[string]any{
		"status": "completed",
	}, ownerHeaders)
	if blockRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 on incomplete checklist, got %d: %s", blockRes.StatusCode, string(blockBody))
	}

	for _, item := range []struct {
		key    string
		answer string
	}{
		{"mother_no", "M-12"},
		{"trays_sanitized", ""},
	} {
		body := map[string]any{"done": true}
		if item.answer != "" {
			body["answer"] = item.answer
		}
		res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/tasks/"+task.ID+"/checklist/"+item.key, body, ownerHeaders)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("check %s status %d: %s", item.key, res.StatusCode, string(data))
		}
	}

	doneRes, doneBody := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+task.ID, map[string]any{
		"status": "completed",
	}, ownerHeaders)
	if doneRes.StatusCode != http.StatusOK {
		t.Fatalf("complete task status %d: %s", doneRes.StatusCode, string(doneBody))
	}
	var done TaskResponse
	if err := json.Unmarshal(doneBody, &done); err != nil {
		t.Fatalf("unmarshal done task: %v", err)
	}
	if done.Status != "completed" {
		t.Fatalf("task status = %s", done.Status)
	}
	if done.Progress.Completed != 2 || done.Progress.Total != 2 {
		t.Fatalf("progress = %d/%d", done.Progress.Completed, done.Progress.Total)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	loginRes, loginBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "tester",
	}, nil)
	if loginRes.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", loginRes.StatusCode, string(loginBody))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(loginBody, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}

	meRes, meBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", meRes.StatusCode, string(meBody))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(meBody, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.ActorID != "tester" {
		t.Fatalf("actor = %s", who.ActorID)
	}
	if len(who.Roles) == 0 {
		t.Fatal("expected owner role from facility init")
	}
}

func TestLookupManagementOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/facilities/fac-1/lookups", map[string]any{
		"category": "clonators",
		"code":     "CL-01",
		"label":    "Clonator 1",
	}, ownerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert lookup status %d: %s", res.StatusCode, string(data))
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/facilities/fac-1/lookups?category=clonators", nil, ownerHeaders)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list lookups status %d: %s", listRes.StatusCode, string(listBody))
	}
	var lookups []LookupResponse
	if err := json.Unmarshal(listBody, &lookups); err != nil {
		t.Fatalf("unmarshal lookups: %v", err)
	}
	if len(lookups) != 1 || lookups[0].Code != "CL-01" {
		t.Fatalf("unexpected lookups: %s", string(listBody))
	}
}

func TestEventLogOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	b := createTestBatch(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/facilities/fac-1/events?entity_kind=batch&entity_id="+b.ID, nil, ownerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts) == 0 {
		t.Fatal("expected the batch.created event")
	}
	if evts[0].Type != "batch.created" {
		t.Fatalf("first event type = %s", evts[0].Type)
	}
}
