package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default(config.DefaultOrg)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	for _, s := range []domain.Staff{
		{ID: "sup-1", DisplayName: "Supervisor One", Role: domain.RoleSupervisor, Active: true, CreatedAt: "2026-01-01T00:00:00Z"},
		{ID: "rn-1", DisplayName: "Nurse One", Role: domain.RoleRN, Active: true, CreatedAt: "2026-01-01T00:00:00Z"},
		{ID: "rn-2", DisplayName: "Nurse Two", Role: domain.RoleRN, Active: true, CreatedAt: "2026-01-01T00:00:00Z"},
	} {
		if err := e.Repo.InsertStaff(ctx, s); err != nil {
			t.Fatalf("seed staff %s: %v", s.ID, err)
		}
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowLegacyActorHeader: true}})
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
	req.Header.Set("X-Actor-Id", "sup-1")
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

func createCase(t *testing.T, srv *testServer, title string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"title": title,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create case status %d: %s", res.StatusCode, string(data))
	}
	var view CaseViewResponse
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	return view.Case.ID
}

func TestAssignAcceptAckFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	caseID := createCase(t, srv, "Post-discharge follow up")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+caseID+"/assign", map[string]any{
		"rn_id": "rn-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	var assigned ActionResponse
	if err := json.Unmarshal(data, &assigned); err != nil {
		t.Fatalf("unmarshal assign: %v", err)
	}
	if assigned.Projection.State != "pending_acceptance" {
		t.Fatalf("expected pending_acceptance, got %s", assigned.Projection.State)
	}
	if assigned.Projection.Epoch == nil || assigned.Projection.Epoch.ID == "" {
		t.Fatalf("expected open epoch after assign")
	}
	epochID := assigned.Projection.Epoch.ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+caseID+"/accept", map[string]any{
		"epoch_id": epochID,
	}, map[string]string{"X-Actor-Id": "rn-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	var accepted ActionResponse
	_ = json.Unmarshal(data, &accepted)
	if accepted.Projection.State != "accepted_awaiting_notification" {
		t.Fatalf("expected accepted_awaiting_notification, got %s", accepted.Projection.State)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+caseID+"/ack", map[string]any{
		"channels": []string{"sms", "email"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ack status %d: %s", res.StatusCode, string(data))
	}
	var cleared ActionResponse
	_ = json.Unmarshal(data, &cleared)
	if cleared.Projection.State != "cleared" {
		t.Fatalf("expected cleared, got %s", cleared.Projection.State)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+caseID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get case status %d: %s", res.StatusCode, string(data))
	}
	var view CaseViewResponse
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if view.SLA.Acceptance.Status != "met" {
		t.Fatalf("expected acceptance met, got %s", view.SLA.Acceptance.Status)
	}
	if view.SLA.Notification.Status != "met" {
		t.Fatalf("expected notification met, got %s", view.SLA.Notification.Status)
	}
}

func TestStaleEpochAcceptConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	caseID := createCase(t, srv, "Medication review")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+caseID+"/assign", map[string]any{
		"rn_id": "rn-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	var assigned ActionResponse
	_ = json.Unmarshal(data, &assigned)
	staleEpoch := assigned.Projection.Epoch.ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+caseID+"/reassign", map[string]any{
		"rn_id":       "rn-2",
		"reason_code": "workload",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reassign status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+caseID+"/accept", map[string]any{
		"epoch_id": staleEpoch,
	}, map[string]string{"X-Actor-Id": "rn-1"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on stale epoch, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "conflict" {
		t.Fatalf("expected conflict code, got %q", envelope.Error.Code)
	}
}

func TestUnassignRequiresKnownReason(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	caseID := createCase(t, srv, "Wound care check")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+caseID+"/assign", map[string]any{
		"rn_id": "rn-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+caseID+"/unassign", map[string]any{
		"reason_code": "bogus",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 on unknown reason code, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+caseID+"/unassign", map[string]any{
		"reason_code": "workload",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unassign status %d: %s", res.StatusCode, string(data))
	}
	var cleared ActionResponse
	_ = json.Unmarshal(data, &cleared)
	if cleared.Projection.State != "unassigned" {
		t.Fatalf("expected unassigned, got %s", cleared.Projection.State)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+caseID+"/unassign", map[string]any{
		"reason_code": "workload",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on double unassign, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/cases", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	res2, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res2.StatusCode)
	}
}

func TestActionRoutesParseCaseID(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases/no-such-case/assign", map[string]any{
		"rn_id": "rn-1",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown case, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if !strings.Contains(envelope.Error.Message, "no-such-case") {
		t.Fatalf("error message must carry the requested id, got %q", envelope.Error.Message)
	}

	caseID := createCase(t, srv, "Path param round trip")
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases/"+caseID+"/assign", map[string]any{
		"rn_id": "rn-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	var action ActionResponse
	if err := json.Unmarshal(data, &action); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	if action.Case.ID != caseID {
		t.Fatalf("expected case %s in response, got %s", caseID, action.Case.ID)
	}
}
