// Package testutil provides integration-test helpers shared across
// internal/store and its consumers, the way the teacher's own
// testutil backs storage/postgres_test.go.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TestDB wraps a PostgreSQL connection pool for testing.
type TestDB struct {
	Pool *pgxpool.Pool
}

// NewTestDB creates a test database connection from the DATABASE_URL
// env var. If DATABASE_URL is not set it skips the test, so it never
// returns nil.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("Failed to ping database: %v", err)
	}

	return &TestDB{Pool: pool}
}

// Close closes the database connection.
func (db *TestDB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// CleanTables truncates every table this schema owns, in an order
// that ignores FK dependency order since all of them cascade anyway.
func (db *TestDB) CleanTables(ctx context.Context) error {
	tables := []string{
		"leader_election",
		"instances",
		"agent_context_vectors",
		"tool_executions",
		"event_outbox",
		"approval_requests",
		"messages",
		"chat_sessions",
		"user_agents",
		"user_projects",
		"users",
	}

	for _, table := range tables {
		_, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		if err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}

	return nil
}

// Fixture is a minimal, already-persisted user/project/session chain,
// the shared starting point most integration tests in this module
// build their assertions on top of.
type Fixture struct {
	UserID    string
	ProjectID string
	SessionID string
}

// SeedFixture inserts one user, one project, and one chat session,
// returning their ids for use by the calling test.
func SeedFixture(ctx context.Context, t *testing.T, db *TestDB) *Fixture {
	t.Helper()

	userID := uuid.NewString()
	projectID := uuid.NewString()
	sessionID := uuid.NewString()

	if _, err := db.Pool.Exec(ctx, `INSERT INTO users (id, email) VALUES ($1, $2)`, userID, userID+"@example.test"); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	if _, err := db.Pool.Exec(ctx, `INSERT INTO user_projects (id, user_id, name) VALUES ($1, $2, 'fixture-project')`, projectID, userID); err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}
	if _, err := db.Pool.Exec(ctx, `INSERT INTO chat_sessions (id, user_id, project_id) VALUES ($1, $2, $3)`, sessionID, userID, projectID); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}

	return &Fixture{UserID: userID, ProjectID: projectID, SessionID: sessionID}
}

// RequireIntegration skips the test if DATABASE_URL is not set.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}
}
