package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"taskfeed/internal/config"
	"taskfeed/internal/db"
	"taskfeed/internal/engine"
	"taskfeed/internal/migrate"
)

const (
	testJWTSecret     = "test-secret"
	testInboundSecret = "hook-secret"
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
	cfg := config.Default()
	cfg.Auth.JWTSecret = testJWTSecret
	cfg.Auth.DevLoginEnabled = true
	cfg.WA.InboundSecret = testInboundSecret
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
		Auth:     AuthConfig{JWTSecret: testJWTSecret, DevLoginEnabled: true},
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

func bearerHeader(t *testing.T, userID, email string) map[string]string {
	t.Helper()
	token, err := SignToken(testJWTSecret, userID, email, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
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

type createResult struct {
	OK   bool         `json:"ok"`
	Task TaskResponse `json:"task"`
}

func createTask(t *testing.T, srv *testServer, title string, headers map[string]string) TaskResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{"title": title}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created createResult
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return created.Task
}

func TestCreateRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{"title": "nope"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestListingVisibility(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	alice := bearerHeader(t, "u1", "alice@example.com")
	bob := bearerHeader(t, "u2", "bob@example.com")

	mine := createTask(t, srv, "mine", alice)
	createTask(t, srv, "theirs", bob)

	// whatsapp task via the inbound hook
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/wa/inbound", map[string]any{
		"body": "from phone",
	}, map[string]string{"X-Taskfeed-Secret": testInboundSecret})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("inbound status %d: %s", res.StatusCode, string(data))
	}
	var communal TaskResponse
	if err := json.Unmarshal(data, &communal); err != nil {
		t.Fatalf("unmarshal inbound: %v", err)
	}

	// anonymous listing without the flag is empty
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("anon list status %d: %s", res.StatusCode, string(data))
	}
	var tasks []TaskResponse
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("anon list should be empty, got %d", len(tasks))
	}

	// anonymous with include=whatsapp sees only the communal task
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks?include=whatsapp", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("anon wa list status %d: %s", res.StatusCode, string(data))
	}
	tasks = nil
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != communal.ID {
		t.Fatalf("expected only the whatsapp task, got %+v", tasks)
	}

	// alice with all=1 sees hers and the communal one, not bob's
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks?all=1", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("alice list status %d: %s", res.StatusCode, string(data))
	}
	tasks = nil
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	ids := map[string]bool{}
	for _, tk := range tasks {
		ids[tk.ID] = true
	}
	if len(tasks) != 2 || !ids[mine.ID] || !ids[communal.ID] {
		t.Fatalf("expected mine+communal, got %+v", tasks)
	}
}

func TestDeleteOwnershipOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	alice := bearerHeader(t, "u1", "alice@example.com")
	bob := bearerHeader(t, "u2", "bob@example.com")

	task := createTask(t, srv, "precious", alice)

	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/tasks/"+task.ID, nil, bob)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner delete, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/tasks/"+task.ID, nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("owner delete status %d: %s", res.StatusCode, string(data))
	}
	var deleted DeleteResult
	if err := json.Unmarshal(data, &deleted); err != nil {
		t.Fatalf("unmarshal delete: %v", err)
	}
	if !deleted.OK || deleted.ID != task.ID {
		t.Fatalf("unexpected delete result %+v", deleted)
	}
}

func TestNoteAppendOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	alice := bearerHeader(t, "u1", "alice@example.com")
	bob := bearerHeader(t, "u2", "bob@example.com")

	task := createTask(t, srv, "shared plan", alice)

	// any authenticated viewer may append
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/note", map[string]any{
		"note": "from bob",
	}, bob)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("note status %d: %s", res.StatusCode, string(data))
	}
	var result NoteResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal note result: %v", err)
	}
	if !result.OK || len(result.Notes) != 1 {
		t.Fatalf("unexpected note result %+v", result)
	}
	if result.Notes[0].Text != "from bob" || result.Notes[0].User != "bob@example.com" {
		t.Fatalf("unexpected note %+v", result.Notes[0])
	}

	// anonymous append is rejected
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/note", map[string]any{
		"note": "anon",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous note, got %d: %s", res.StatusCode, string(data))
	}
}

func TestInboundSecretEnforced(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/wa/inbound", map[string]any{
		"body": "sneaky",
	}, map[string]string{"X-Taskfeed-Secret": "wrong"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong secret, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/wa/inbound", map[string]any{
		"body": "legit", "number": "+100",
	}, map[string]string{"X-Taskfeed-Secret": testInboundSecret})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with right secret, got %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Source == nil || *task.Source != "whatsapp" {
		t.Fatalf("expected whatsapp source, got %+v", task)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id": "dev-1",
		"email":   "dev@example.com",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var token TokenResponse
	if err := json.Unmarshal(data, &token); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if token.Token == "" {
		t.Fatalf("expected a token")
	}

	task := createTask(t, srv, "minted", map[string]string{"Authorization": "Bearer " + token.Token})
	if task.UserEmail == nil || *task.UserEmail != "dev@example.com" {
		t.Fatalf("expected token identity on the task, got %+v", task)
	}
}
