package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"leanline/internal/config"
	"leanline/internal/db"
	"leanline/internal/domain"
	"leanline/internal/engine"
	"leanline/internal/metrics"
	"leanline/internal/migrate"
	"leanline/internal/tracking"
	"leanline/internal/validation"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
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
	conn, err := db.Open(db.Config{Workspace: workspace, BusyTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("leanline"), engine.WithMetrics(metrics.NewManager(metrics.WithNamespace("leanline_test"))))
	if _, err := e.InitProject(context.Background(), engine.ProjectCreateOptions{ID: "leanline", ActorID: "tester"}); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:              testSecret,
		AllowLegacyActorHeader: true,
		AllowDevLogin:          true,
	}})
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
		Engine: e,
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

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v: %s", err, string(data))
	}
	return env.Error.Code
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/leanline/progress", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("unexpected code %s", code)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/leanline/progress", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/leanline/progress", nil, map[string]string{
		"Authorization": "Basic dGVzdGVyOng=",
		"X-Actor-Id":    "tester",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("authorization header must win over the actor header, got %d", res.StatusCode)
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi.json should be public, got %d", res.StatusCode)
	}
	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]struct {
			Security  []map[string][]string `json:"security"`
			Responses map[string]any        `json:"responses"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	for _, name := range []string{"bearerAuth", "apiKeyAuth"} {
		if _, ok := doc.Components.SecuritySchemes[name]; !ok {
			t.Fatalf("missing security scheme %s", name)
		}
	}
	public := publicPaths("/v0")
	if len(doc.Paths) < 2 {
		t.Fatalf("expected project routes in document, got %d paths", len(doc.Paths))
	}
	for route, ops := range doc.Paths {
		for method, op := range ops {
			if _, ok := op.Responses["default"]; !ok {
				t.Fatalf("%s %s has no default error response", method, route)
			}
			if public[route] != (len(op.Security) == 0) {
				t.Fatalf("%s %s security = %v", method, route, op.Security)
			}
		}
	}
}

func TestDevLoginTokenDrivesProgress(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "tester"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("decode token: %v", err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/leanline/stages/problem/criteria/0", map[string]any{"completed": true}, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set criterion status %d: %s", res.StatusCode, string(data))
	}
	var upd validation.Update
	if err := json.Unmarshal(data, &upd); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if !upd.Changed || upd.Stage.Percent != 25 || upd.Overall != 4 {
		t.Fatalf("unexpected update %+v", upd)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/leanline/progress?refresh=true", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress status %d: %s", res.StatusCode, string(data))
	}
	var report validation.Report
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Overall != 4 || len(report.Stages) != 6 {
		t.Fatalf("unexpected report %+v", report)
	}
	if !report.Stages[0].Flags[0] || report.Stages[0].Completed != 1 {
		t.Fatalf("problem stage not recorded: %+v", report.Stages[0])
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/leanline/stages/problem/criteria/9", map[string]any{"completed": true}, bearer)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "criterion_out_of_range" {
		t.Fatalf("expected criterion_out_of_range, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/leanline/stages/nope/criteria/0", map[string]any{"completed": true}, bearer)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "unknown_stage" {
		t.Fatalf("expected unknown_stage, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/missing/progress", nil, bearer)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown project, got %d", res.StatusCode)
	}
}

func TestViewerCannotWrite(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/leanline/rbac/roles/grant", map[string]any{
		"actor_id": "bob",
		"role_id":  "viewer",
	}, as("tester"))
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("grant status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/leanline/progress", nil, as("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("viewer should read progress, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/leanline/stages/problem/criteria/0", map[string]any{"completed": true}, as("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/leanline/rbac/roles/revoke", map[string]any{
		"actor_id": "tester",
		"role_id":  "owner",
	}, as("tester"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected last owner conflict, got %d: %s", res.StatusCode, string(data))
	}
}

func TestScopedAPIKeyStaysInItsProject(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	if _, err := srv.Engine.InitProject(ctx, engine.ProjectCreateOptions{ID: "other", ActorID: "tester"}); err != nil {
		t.Fatalf("init other: %v", err)
	}
	_, plain, err := srv.Engine.CreateAPIKey(ctx, "tester", "ci", "leanline")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	key := map[string]string{"X-Api-Key": plain}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/leanline/progress", nil, key)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scoped key should read its project, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/other/progress", nil, key)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 outside the key's project, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("unexpected code %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, key)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list projects status %d: %s", res.StatusCode, string(data))
	}
	var projects []domain.Project
	if err := json.Unmarshal(data, &projects); err != nil {
		t.Fatalf("decode projects: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != "leanline" {
		t.Fatalf("scoped key should only see its project, got %+v", projects)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/me/api-keys", map[string]any{"project_id": "other"}, key)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("scoped key must not mint keys for another project, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"id": "third"}, key)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("scoped key must not create projects, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me/api-keys", nil, as("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys status %d: %s", res.StatusCode, string(data))
	}
	var keys []APIKeyResponse
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatalf("decode keys: %v", err)
	}
	if len(keys) != 1 || keys[0].ProjectID != "leanline" || keys[0].LastUsedAt == "" {
		t.Fatalf("expected one scoped key with a recorded use, got %+v", keys)
	}
}

func TestMetricsTriggersAndSignals(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/leanline"

	res, data := doJSON(t, client, http.MethodPost, base+"/metrics", map[string]any{
		"id":                "activation",
		"name":              "Activation rate",
		"current_value":     "25%",
		"target_value":      "20%",
		"warning_threshold": "15%",
		"error_threshold":   "10%",
	}, as("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create metric status %d: %s", res.StatusCode, string(data))
	}
	var m domain.Metric
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode metric: %v", err)
	}
	if m.Status != string(validation.StatusSuccess) {
		t.Fatalf("expected success, got %s", m.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/pivots", map[string]any{
		"id":          "zoom-in",
		"type":        "zoom-in",
		"description": "Focus on the one feature people use",
	}, as("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create pivot status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/triggers", map[string]any{
		"pivot_option_id": "zoom-in",
		"metric_id":       "activation",
	}, as("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("link trigger status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, base+"/metrics/activation", map[string]any{"current_value": "8%"}, as("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update metric status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &m); err != nil || m.Status != string(validation.StatusError) {
		t.Fatalf("expected error status, got %+v (%v)", m, err)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/signals", nil, as("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("signals status %d: %s", res.StatusCode, string(data))
	}
	var signals engine.Signals
	if err := json.Unmarshal(data, &signals); err != nil {
		t.Fatalf("decode signals: %v", err)
	}
	if len(signals.ActiveTriggers) != 1 || signals.ActiveTriggers[0].PivotOption.ID != "zoom-in" {
		t.Fatalf("expected zoom-in trigger active: %+v", signals)
	}
	if len(signals.AtRiskMetrics) != 1 {
		t.Fatalf("expected one at-risk metric: %+v", signals.AtRiskMetrics)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/metrics/activation/rekey", map[string]any{"new_id": "activation-v2"}, as("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rekey status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/metrics/activation", nil, as("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("legacy lookup status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &m); err != nil || m.ID != "activation-v2" || m.LegacyID != "activation" {
		t.Fatalf("unexpected metric after rekey %+v", m)
	}

	res, _ = doJSON(t, client, http.MethodDelete, base+"/metrics/activation-v2", nil, as("tester"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete metric status %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/triggers", nil, as("tester"))
	if res.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("triggers should be gone, got %d: %s", res.StatusCode, string(data))
	}
}

func TestEventsPaginate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/leanline"

	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPut, base+"/stages/solution/criteria/"+strconv.Itoa(i), map[string]any{"completed": true}, as("tester"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("set criterion status %d: %s", res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, base+"/events?type=tracking.criterion.set&limit=2", nil, as("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with cursor: %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/events?type=tracking.criterion.set&limit=2&cursor="+page.NextCursor, nil, as("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(next.Items) != 1 || next.NextCursor != "" {
		t.Fatalf("expected last page with one item: %+v", next)
	}
	if next.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("pages overlap: %d >= %d", next.Items[0].ID, page.Items[1].ID)
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/leanline/progress", nil, as("tester"))
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	want := `leanline_test_http_requests_total{code="200",method="GET",route="/v0/projects/{project_id}/progress"} 1`
	if !strings.Contains(string(data), want) {
		t.Fatalf("missing %q in:\n%s", want, string(data))
	}
}

type receivedHook struct {
	event     string
	signature string
	body      []byte
}

func newHookReceiver(t *testing.T) (*httptest.Server, func() []receivedHook) {
	t.Helper()
	var mu sync.Mutex
	var got []receivedHook
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, receivedHook{
			event:     r.Header.Get("X-Leanline-Event"),
			signature: r.Header.Get(signatureHeader),
			body:      body,
		})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ts.Close)
	return ts, func() []receivedHook {
		mu.Lock()
		defer mu.Unlock()
		return append([]receivedHook(nil), got...)
	}
}

func TestWebhookDeliversSignedEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	e := srv.Engine
	receiver, received := newHookReceiver(t)

	cfg := config.Default("leanline")
	cfg.Webhooks = []config.WebhookConfig{{URL: receiver.URL, Secret: "s3cret", Events: []string{"metric."}}}
	if err := e.ImportConfig(ctx, "leanline", cfg, "tester"); err != nil {
		t.Fatalf("import config: %v", err)
	}
	d := newWebhookDispatcher(e, WebhookOptions{})
	// first pass only positions the cursor
	d.dispatchAll(ctx)
	if got := received(); len(got) != 0 {
		t.Fatalf("history must not be replayed, got %d", len(got))
	}

	if _, err := e.CreateMetric(ctx, engine.MetricCreateOptions{ProjectID: "leanline", Name: "Churn", TargetValue: "5%", Direction: "lower-is-better"}); err != nil {
		t.Fatalf("create metric: %v", err)
	}
	if _, err := e.SetCriterion(ctx, "leanline", validation.StageProblem, 1, true, "tester"); err != nil {
		t.Fatalf("set criterion: %v", err)
	}
	d.dispatchAll(ctx)

	got := received()
	if len(got) != 1 {
		t.Fatalf("expected only the metric event, got %d", len(got))
	}
	if got[0].event != "metric.created" {
		t.Fatalf("unexpected event %s", got[0].event)
	}
	if got[0].signature != Sign("s3cret", got[0].body) {
		t.Fatalf("signature mismatch")
	}
}

func TestWebhookForwardsProgress(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	e := srv.Engine
	receiver, received := newHookReceiver(t)

	cfg := config.Default("leanline")
	cfg.Webhooks = []config.WebhookConfig{{URL: receiver.URL, Events: []string{ProgressEventType}}}
	if err := e.ImportConfig(ctx, "leanline", cfg, "tester"); err != nil {
		t.Fatalf("import config: %v", err)
	}
	d := newWebhookDispatcher(e, WebhookOptions{})
	d.forwardProgress(ctx, tracking.ProgressChanged{
		ProjectID:      "leanline",
		StageID:        validation.StageMVP,
		Index:          2,
		Completed:      true,
		StagePercent:   25,
		OverallPercent: 4,
		At:             time.Now(),
	})
	got := received()
	if len(got) != 1 || got[0].event != ProgressEventType {
		t.Fatalf("expected one progress delivery, got %+v", got)
	}
	var evt tracking.ProgressChanged
	if err := json.Unmarshal(got[0].body, &evt); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if evt.StageID != validation.StageMVP || evt.OverallPercent != 4 {
		t.Fatalf("unexpected payload %+v", evt)
	}
	if got[0].signature != "" {
		t.Fatalf("unsigned hook must not carry a signature")
	}
}
