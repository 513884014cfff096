package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentcore/platform/internal/approval"
	"github.com/agentcore/platform/internal/bus"
	"github.com/agentcore/platform/internal/embeddings"
	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/metrics"
	"github.com/agentcore/platform/internal/stream"
	"github.com/agentcore/platform/internal/store"
	"github.com/agentcore/platform/internal/tenant"
	"github.com/agentcore/platform/internal/testutil"
	"github.com/agentcore/platform/internal/tool"
	"github.com/agentcore/platform/internal/vectorstore"
	"github.com/agentcore/platform/internal/workerspace"
)

const testSigningKey = "test-signing-key"

func newTestServer(t *testing.T) (*Server, *store.Store, *testutil.TestDB) {
	t.Helper()
	testutil.RequireIntegration(t)
	db := testutil.NewTestDB(t)
	if err := db.CleanTables(context.Background()); err != nil {
		t.Fatalf("clean tables: %v", err)
	}

	logger := logging.NewNop()
	st := store.New(db.Pool)

	dispatch := func(ctx context.Context, task *bus.Task) (*bus.Result, error) {
		return &bus.Result{Text: "ok"}, nil
	}
	b := bus.New(bus.Config{
		QueueCapacity:          4,
		MaxConcurrencyPerAgent: 2,
		DirectTimeout:          time.Second,
		HardTimeout:            2 * time.Second,
		RetryMaxAttempts:       0,
		RetryBase:              time.Millisecond,
		RetryCap:               5 * time.Millisecond,
	}, dispatch, logger)

	embed := embeddings.NewHashEmbedder()
	vstore := vectorstore.New(db.Pool, embed, 3, time.Second)
	registry := workerspace.New(workerspace.DefaultConfig(), st, b, vstore, embed, nil, logger)

	approvals := approval.New(st, logger)
	validator, err := tool.NewValidator(t.TempDir(), 1<<20, 1<<20, 30)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	tools := tool.New(st, validator, approvals, logger)

	streams := stream.New(stream.Config{
		BufferSize:      64,
		BufferTTL:       time.Minute,
		ReaderQueueSize: 16,
		Heartbeat:       time.Minute,
	}, logger)

	srv := &Server{
		Registry:  registry,
		Approvals: approvals,
		Tools:     tools,
		Streams:   streams,
		Store:     st,
		Metrics:   metrics.New(),
		Logger:    logger,
		Validator: tenant.NewValidator(testSigningKey, logger),
	}
	return srv, st, db
}

func bearerToken(t *testing.T, userID string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": userID, "exp": time.Now().Add(time.Hour).Unix()}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_HealthzIsUnauthenticated(t *testing.T) {
	srv, _, db := newTestServer(t)
	defer db.Close()

	rec := doRequest(t, srv.Routes(), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRoutes_ProjectRoutesRejectMissingToken(t *testing.T) {
	srv, _, db := newTestServer(t)
	defer db.Close()

	rec := doRequest(t, srv.Routes(), http.MethodGet, "/my/projects/", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", rec.Code)
	}
}

func TestRoutes_CreateAndListProjects(t *testing.T) {
	srv, _, db := newTestServer(t)
	defer db.Close()

	token := bearerToken(t, "user-1")
	h := srv.Routes()

	rec := doRequest(t, h, http.MethodPost, "/my/projects/", token, map[string]any{"name": "demo"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating a project, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created project: %v", err)
	}
	if created["id"] == "" || created["id"] == nil {
		t.Fatal("expected the created project to carry a non-empty id")
	}

	rec = doRequest(t, h, http.MethodGet, "/my/projects/", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 listing projects, got %d", rec.Code)
	}
	var listed []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode project list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 starter-pack project owner to see 1 project, got %d", len(listed))
	}
}

func TestRoutes_ProjectsAreIsolatedPerTenant(t *testing.T) {
	srv, _, db := newTestServer(t)
	defer db.Close()

	h := srv.Routes()
	ownerToken := bearerToken(t, "owner")
	otherToken := bearerToken(t, "intruder")

	rec := doRequest(t, h, http.MethodPost, "/my/projects/", ownerToken, map[string]any{"name": "private"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating a project, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created project: %v", err)
	}
	projectID := created["id"].(string)

	rec = doRequest(t, h, http.MethodGet, "/my/projects/"+projectID, otherToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when a different tenant requests another user's project, got %d", rec.Code)
	}
}

func TestRoutes_CreateAgentUnderProject(t *testing.T) {
	srv, _, db := newTestServer(t)
	defer db.Close()

	h := srv.Routes()
	token := bearerToken(t, "user-1")

	rec := doRequest(t, h, http.MethodPost, "/my/projects/", token, map[string]any{"name": "demo"})
	var project map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &project); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	projectID := project["id"].(string)

	rec = doRequest(t, h, http.MethodPost, "/my/projects/"+projectID+"/agents/", token, map[string]any{
		"name": "custom-agent",
		"config": map[string]any{
			"model":             "test-model",
			"concurrency_limit": 2,
			"description":       "a custom agent",
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating an agent, got %d: %s", rec.Code, rec.Body.String())
	}
}
