package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"opsledger/internal/config"
	"opsledger/internal/db"
	"opsledger/internal/migrate"
	"opsledger/internal/projector"
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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("vtid-ledger")
	handler, err := New(Config{
		DB:        conn,
		Projector: projector.New(conn, cfg),
		BasePath:  "/v0",
		Auth:      AuthConfig{JWTSecret: "test-secret"},
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

func devToken(t *testing.T, srv *testServer) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "tester",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + login.Token}
}

func TestHealthUnauthenticated(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/ledger", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", envelope.Error.Code)
	}
}

func TestIngestSyncQuery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := devToken(t, srv)
	client := srv.Client()

	for _, e := range []map[string]any{
		{"topic": "task_created", "service": "tracker", "metadata": map[string]any{"vtid": "VTID-100", "title": "Ship it"}},
		{"topic": "build_started", "service": "ci", "message": "building VTID-100"},
		{"topic": "build_succeeded", "service": "ci", "message": "VTID-100 green"},
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", e, auth)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("append %v: %d %s", e["topic"], res.StatusCode, string(data))
		}
	}

	runRes, runData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projector/run", map[string]any{}, auth)
	if runRes.StatusCode != http.StatusOK {
		t.Fatalf("run: %d %s", runRes.StatusCode, string(runData))
	}
	var sync SyncResultResponse
	if err := json.Unmarshal(runData, &sync); err != nil {
		t.Fatalf("unmarshal sync: %v", err)
	}
	if sync.Processed != 3 || sync.Created != 1 || sync.Updated != 2 {
		t.Fatalf("unexpected sync result %+v", sync)
	}

	entryRes, entryData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/ledger/VTID-100", nil, auth)
	if entryRes.StatusCode != http.StatusOK {
		t.Fatalf("get entry: %d %s", entryRes.StatusCode, string(entryData))
	}
	var entry LedgerEntryResponse
	if err := json.Unmarshal(entryData, &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.Status != "complete" {
		t.Fatalf("expected complete, got %s", entry.Status)
	}
	if entry.Title == nil || *entry.Title != "Ship it" {
		t.Fatalf("title lost: %+v", entry.Title)
	}

	offRes, offData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projector/offset", nil, auth)
	if offRes.StatusCode != http.StatusOK {
		t.Fatalf("offset: %d %s", offRes.StatusCode, string(offData))
	}
	var off OffsetResponse
	if err := json.Unmarshal(offData, &off); err != nil {
		t.Fatalf("unmarshal offset: %v", err)
	}
	if off.LastEventID != sync.NextCursor || off.EventsProcessed != 3 {
		t.Fatalf("unexpected offset %+v", off)
	}

	listRes, listData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/ledger?status=complete", nil, auth)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", listRes.StatusCode, string(listData))
	}
	var page paginatedLedger
	if err := json.Unmarshal(listData, &page); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].VTID != "VTID-100" {
		t.Fatalf("unexpected listing %+v", page)
	}
}

func TestEventPaginationCoversAllRows(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := devToken(t, srv)

	for i := 0; i < 6; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
			"topic": "task_created",
		}, auth)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("append %d: %d %s", i, res.StatusCode, string(data))
		}
	}

	seen := map[int64]bool{}
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		url := srv.URL + "/v0/events?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, auth)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("page %d: %d %s", pages, res.StatusCode, string(data))
		}
		var page paginatedEvents
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		for _, evt := range page.Items {
			if seen[evt.ID] {
				t.Fatalf("event %d delivered twice", evt.ID)
			}
			seen[evt.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 6 {
		t.Fatalf("expected all 6 events across pages, got %d", len(seen))
	}
}

func TestAppendEventValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := devToken(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events", map[string]any{"service": "x"}, auth)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing topic, got %d %s", res.StatusCode, string(data))
	}
}

func TestLedgerEntryNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := devToken(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/ledger/VTID-NOPE", nil, auth)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := devToken(t, srv)
	client := srv.Client()

	createRes, createData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "robot-1",
		"name":     "ci",
	}, auth)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", createRes.StatusCode, string(createData))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(createData, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatal("expected plaintext key on creation")
	}

	meRes, meData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d %s", meRes.StatusCode, string(meData))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(meData, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.ActorID != "robot-1" || who.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", who)
	}

	delRes, delData := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/apikeys/"+key.ID, nil, auth)
	if delRes.StatusCode >= 300 {
		t.Fatalf("revoke: %d %s", delRes.StatusCode, string(delData))
	}
	revokedRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if revokedRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after revoke, got %d", revokedRes.StatusCode)
	}
}

func TestPermissionScopedToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id":    "viewer",
		"permissions": []string{"ledger.read"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	auth := map[string]string{"Authorization": "Bearer " + login.Token}

	runRes, runData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projector/run", map[string]any{}, auth)
	if runRes.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for scoped token, got %d %s", runRes.StatusCode, string(runData))
	}

	// A read-only token may query but not ingest.
	listRes, listData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/ledger", nil, auth)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for ledger.read, got %d %s", listRes.StatusCode, string(listData))
	}
	postRes, postData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{"topic": "task_created"}, auth)
	if postRes.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for ingest without events.write, got %d %s", postRes.StatusCode, string(postData))
	}
}

func TestWriteOnlyToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id":    "producer",
		"permissions": []string{"events.write"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	auth := map[string]string{"Authorization": "Bearer " + login.Token}

	postRes, postData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{"topic": "task_created"}, auth)
	if postRes.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for events.write, got %d %s", postRes.StatusCode, string(postData))
	}
	for _, path := range []string{"/v0/events", "/v0/ledger", "/v0/ledger/summary", "/v0/ledger/VTID-1"} {
		getRes, getData := doJSON(t, client, http.MethodGet, srv.URL+path, nil, auth)
		if getRes.StatusCode != http.StatusForbidden {
			t.Fatalf("expected 403 on %s without ledger.read, got %d %s", path, getRes.StatusCode, string(getData))
		}
	}
}
