package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"versekeep/internal/config"
	"versekeep/internal/db"
	"versekeep/internal/domain"
	"versekeep/internal/engine"
	"versekeep/internal/migrate"
)

const testSecret = "test-secret"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type testServer struct {
	URL    string
	Engine engine.Engine
	Clock  *testClock
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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := engine.New(conn, config.Default(), engine.Options{Now: clock.Now})
	handler, err := New(Config{Engine: e, Auth: AuthConfig{
		JWTSecret:         testSecret,
		AllowWriterHeader: true,
		AllowDevLogin:     true,
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
		Clock:  clock,
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

func bearer(t *testing.T, writerID string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, writerID, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func declareActive(t *testing.T, srv *testServer, auth map[string]string, platform string) ContractResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/contracts", map[string]any{
		"platform": platform,
		"timezone": "UTC",
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("declare status %d: %s", res.StatusCode, string(data))
	}
	var c ContractResponse
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal contract: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/contracts/"+c.ID+"/init", map[string]any{
		"period":              "monthly",
		"releases_per_period": 1,
		"term_periods":        3,
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("init status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal init: %v", err)
	}
	return c
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestRequiresAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/contracts", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("unexpected code %q", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/contracts", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestDevTokenAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/token", map[string]any{"writer_id": "w1"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev token status %d: %s", res.StatusCode, string(data))
	}
	var tok DevTokenResponse
	if err := json.Unmarshal(data, &tok); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/contracts", nil, map[string]string{"Authorization": "Bearer " + tok.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("expected empty list, got %s", string(data))
	}
}

func TestDeclareConflictAndValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearer(t, "w1")

	first := declareActive(t, srv, auth, "Medium")
	if first.Status != domain.ContractActive {
		t.Fatalf("expected active contract, got %s", first.Status)
	}
	if first.TermEndsAt == nil {
		t.Fatalf("expected term end on active contract")
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/contracts", map[string]any{
		"platform": "Medium",
		"timezone": "UTC",
	}, auth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "conflict" {
		t.Fatalf("unexpected code %q", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/contracts", map[string]any{
		"platform": "Substack",
		"timezone": "Mars/Olympus",
	}, auth)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad timezone, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "validation_error" {
		t.Fatalf("unexpected code %q", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/contracts", map[string]any{
		"platform": "Myspace",
		"timezone": "UTC",
	}, auth)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown platform, got %d %s", res.StatusCode, string(data))
	}
}

func TestOtherWriterCannotSeeContract(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	c := declareActive(t, srv, bearer(t, "w1"), "Twitter")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/contracts/"+c.ID, nil, map[string]string{"X-Writer-Id": "w2"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for other writer, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/contracts/"+c.ID+"/poems", map[string]any{"body": "not mine"}, map[string]string{"X-Writer-Id": "w2"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 submitting to other writer's contract, got %d %s", res.StatusCode, string(data))
	}
}

func TestPoemLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearer(t, "w1")
	c := declareActive(t, srv, auth, "Medium")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/contracts/"+c.ID+"/poems", map[string]any{
		"title": "Morning",
		"body":  "light on the sill",
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var p domain.Poem
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal poem: %v", err)
	}
	if p.Status != domain.SubmissionSubmitted || p.VersionNumber != 1 {
		t.Fatalf("unexpected poem %+v", p)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/poems/"+p.ID+"/revisions", map[string]any{"body": "light on the sill, again"}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revision status %d: %s", res.StatusCode, string(data))
	}
	var rev RevisionResponse
	if err := json.Unmarshal(data, &rev); err != nil {
		t.Fatalf("unmarshal revision: %v", err)
	}
	if rev.VersionNumber != 2 || !rev.DeadlineAt.Equal(p.DeadlineAt) {
		t.Fatalf("unexpected revision %+v", rev)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/poems/"+p.ID+"/publish", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/poems/"+p.ID+"/publish", nil, auth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict publishing twice, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_state" {
		t.Fatalf("unexpected code %q", code)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/poems/"+p.ID+"/recording", map[string]any{"recording_ref": "file://morning.m4a"}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("recording status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/poems/"+p.ID+"/reflection", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reflection status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/poems/"+p.ID, nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get poem status %d: %s", res.StatusCode, string(data))
	}
	var view PoemResponse
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal poem view: %v", err)
	}
	if len(view.Versions) != 2 || view.Status != domain.SubmissionPublished || view.ReflectionCompletedAt == nil {
		t.Fatalf("unexpected poem view %+v", view)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/contracts/"+c.ID+"/log", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("log status %d: %s", res.StatusCode, string(data))
	}
	var entries []domain.LogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected compliance entries")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Fatalf("log out of order at %d", i)
		}
	}
	if strings.Contains(string(data), "light on the sill") {
		t.Fatalf("compliance log leaked poem text: %s", string(data))
	}
}

func TestArchivedPoemNotificationsAndPatterns(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearer(t, "w1")
	c := declareActive(t, srv, auth, "Twitter")

	var poemIDs []string
	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/contracts/"+c.ID+"/poems", map[string]any{"body": "short"}, auth)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
		}
		var p domain.Poem
		_ = json.Unmarshal(data, &p)
		poemIDs = append(poemIDs, p.ID)
	}
	srv.Clock.Set(time.Date(2024, 1, 2, 1, 0, 0, 0, time.UTC))
	if _, err := srv.Engine.CheckDeadlines(context.Background(), c.ID); err != nil {
		t.Fatalf("check deadlines: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/poems/"+poemIDs[0]+"/publish", map[string]any{"grace": true}, auth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict publishing archived poem, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/notifications?unread=true", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("notifications status %d: %s", res.StatusCode, string(data))
	}
	var notes []domain.Notification
	if err := json.Unmarshal(data, &notes); err != nil {
		t.Fatalf("unmarshal notifications: %v", err)
	}
	if len(notes) == 0 {
		t.Fatalf("expected notifications after archival")
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/notifications/"+notes[0].ID+"/read", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mark read status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/patterns?unacknowledged=true", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patterns status %d: %s", res.StatusCode, string(data))
	}
	var patterns []domain.Pattern
	if err := json.Unmarshal(data, &patterns); err != nil {
		t.Fatalf("unmarshal patterns: %v", err)
	}
	if len(patterns) != 1 || patterns[0].Type != domain.PatternRepeatedLateSubmission {
		t.Fatalf("expected one late-submission pattern, got %+v", patterns)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/patterns/"+patterns[0].ID+"/ack", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ack status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/patterns/"+patterns[0].ID+"/ack", nil, bearer(t, "w2"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 acknowledging another writer's pattern, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/patterns/summary", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", res.StatusCode, string(data))
	}
	var summary []domain.PatternCount
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	found := false
	for _, row := range summary {
		if row.Type == domain.PatternRepeatedLateSubmission {
			found = row.Acknowledged == 1 && row.Unacknowledged == 0
		}
	}
	if !found {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, bearer(t, "w1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	for _, want := range []string{"/v1/contracts", "/v1/poems/{poem_id}/publish", "bearerAuth"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("openapi missing %q", want)
		}
	}
}

func TestOpenAPIDocumentConcurrentFirstRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearer(t, "w1")["Authorization"]
	const n = 8
	bodies := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/openapi.json", nil)
			if err != nil {
				errs[i] = err
				return
			}
			req.Header.Set("Authorization", auth)
			res, err := client.Do(req)
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if !strings.Contains(string(bodies[i]), "bearerAuth") || !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("request %d returned a different document", i)
		}
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearer(t, "w1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/keys", map[string]any{"name": "laptop"}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if !strings.HasPrefix(created.Secret, "vk_") || created.WriterID != "w1" {
		t.Fatalf("unexpected key %+v", created)
	}
	if strings.Contains(string(data), "key_hash") {
		t.Fatalf("key hash exposed: %s", string(data))
	}

	keyAuth := map[string]string{"X-Api-Key": created.Secret}
	declareActive(t, srv, keyAuth, "PersonalBlog")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/contracts", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var contracts []ContractResponse
	_ = json.Unmarshal(data, &contracts)
	if len(contracts) != 1 || contracts[0].WriterID != "w1" {
		t.Fatalf("expected key writer to own contract, got %+v", contracts)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/auth/keys/"+created.ID, nil, bearer(t, "w2"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 revoking another writer's key, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/auth/keys/"+created.ID, nil, auth)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/contracts", nil, keyAuth)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with revoked key, got %d %s", res.StatusCode, string(data))
	}
}
