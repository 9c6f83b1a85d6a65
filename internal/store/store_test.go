package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/overwatch/internal/identity"
	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestEmbeddingEncoding(t *testing.T) {
	vec := types.Embedding{0.1, -2.5, 1e-12, 0}
	got := decodeEmbedding(encodeEmbedding(vec))
	if len(got) != len(vec) {
		t.Fatalf("Expected %d values, got %d", len(vec), len(got))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("Index %d: expected %v, got %v", i, vec[i], got[i])
		}
	}
}

// Compile-time check that the postgres store can back the identity store.
var _ identity.Repository = (*Store)(nil)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("overwatch_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Skipf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	const dim = 4
	s, err := New(ctx, connStr, dim)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	alice := types.Identity{
		Name:         "Alice",
		Regno:        "R001",
		Embedding:    types.Embedding{1, 0, 0, 0.123456789},
		RegisteredAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	t.Run("InsertAndList", func(t *testing.T) {
		if err := s.InsertIdentity(ctx, alice); err != nil {
			t.Fatalf("InsertIdentity failed: %v", err)
		}
		ids, err := s.ListIdentities(ctx)
		if err != nil {
			t.Fatalf("ListIdentities failed: %v", err)
		}
		if len(ids) != 1 {
			t.Fatalf("Expected 1 identity, got %d", len(ids))
		}
		// The raw encoding column preserves full float64 precision.
		if ids[0].Embedding[3] != 0.123456789 {
			t.Errorf("Embedding lost precision: %v", ids[0].Embedding[3])
		}
	})

	t.Run("DuplicateRegno", func(t *testing.T) {
		dup := alice
		dup.Name = "Mallory"
		err := s.InsertIdentity(ctx, dup)
		if !errors.Is(err, types.ErrDuplicateRegno) {
			t.Fatalf("Expected ErrDuplicateRegno, got %v", err)
		}
		n, err := s.CountIdentities(ctx)
		if err != nil {
			t.Fatalf("CountIdentities failed: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected 1 identity after duplicate, got %d", n)
		}
	})

	t.Run("FindClosestIdentity", func(t *testing.T) {
		match, dist, err := s.FindClosestIdentity(ctx, alice.Embedding, 0.6)
		if err != nil {
			t.Fatalf("FindClosestIdentity failed: %v", err)
		}
		if match == nil || match.Regno != "R001" {
			t.Fatalf("Expected R001, got %+v", match)
		}
		if dist > 1e-6 {
			t.Errorf("Expected ~0 distance, got %f", dist)
		}

		miss, _, err := s.FindClosestIdentity(ctx, types.Embedding{0, 1, 0, 0}, 0.6)
		if err != nil {
			t.Fatalf("FindClosestIdentity error: %v", err)
		}
		if miss != nil {
			t.Errorf("Expected no match, got %s", miss.Regno)
		}
	})

	t.Run("Detections", func(t *testing.T) {
		base := time.Now().UTC().Truncate(time.Second)
		entries := []types.DetectionLogEntry{
			{Name: "Alice", Regno: "R001", CameraID: "local_0", Timestamp: base, Confidence: 97.3},
			{Name: "Alice", Regno: "R001", CameraID: "remote_1", Timestamp: base.Add(time.Second), Confidence: 88},
			{Name: "Alice", Regno: "R001", CameraID: "local_0", Timestamp: base.Add(2 * time.Second), Confidence: 99},
		}
		for _, e := range entries {
			if err := s.AppendDetection(ctx, e); err != nil {
				t.Fatalf("AppendDetection failed: %v", err)
			}
		}

		all, err := s.RecentDetections(ctx, 10, "")
		if err != nil {
			t.Fatalf("RecentDetections failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("Expected 3 detections, got %d", len(all))
		}
		if all[0].Confidence != 99 {
			t.Errorf("Expected newest first, got %+v", all[0])
		}

		local, err := s.RecentDetections(ctx, 1, "local_0")
		if err != nil {
			t.Fatalf("RecentDetections failed: %v", err)
		}
		if len(local) != 1 || local[0].CameraID != "local_0" {
			t.Errorf("Expected 1 local_0 detection, got %+v", local)
		}
	})

	t.Run("IdentityStoreOnPostgres", func(t *testing.T) {
		ids := identity.NewStore(s, dim)
		if err := ids.Load(ctx); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if _, err := ids.Register(ctx, "Bob", "R002", types.Embedding{0, 1, 0, 0}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if ids.Len() != 2 {
			t.Errorf("Expected 2 identities, got %d", ids.Len())
		}
	})

	t.Run("Reset", func(t *testing.T) {
		if err := s.Reset(ctx); err != nil {
			t.Fatalf("Reset failed: %v", err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("Migrate after reset failed: %v", err)
		}
		n, err := s.CountIdentities(ctx)
		if err != nil {
			t.Fatalf("CountIdentities failed: %v", err)
		}
		if n != 0 {
			t.Errorf("Expected empty table after reset, got %d", n)
		}
	})
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
