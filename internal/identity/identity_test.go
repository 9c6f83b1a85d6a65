package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/andresmejia3/overwatch/internal/types"
)

func TestRegisterDuplicateRegno(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryRepository(), 3)

	if _, err := s.Register(ctx, "Alice", "R001", types.Embedding{1, 2, 3}); err != nil {
		t.Fatalf("First registration failed: %v", err)
	}

	_, err := s.Register(ctx, "Mallory", "R001", types.Embedding{4, 5, 6})
	if !errors.Is(err, types.ErrDuplicateRegno) {
		t.Fatalf("Expected ErrDuplicateRegno, got %v", err)
	}

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Expected 1 identity after rejected call, got %d", len(snap))
	}
	if snap[0].Name != "Alice" {
		t.Errorf("Expected the first identity to be kept, got %s", snap[0].Name)
	}
}

func TestRegisterRejectsWrongDimension(t *testing.T) {
	s := NewStore(NewMemoryRepository(), 128)
	_, err := s.Register(context.Background(), "Alice", "R001", types.Embedding{1, 2})
	if !errors.Is(err, types.ErrDimensionMismatch) {
		t.Fatalf("Expected ErrDimensionMismatch, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Expected empty store, got %d", s.Len())
	}
}

func TestRegisterRequiresNameAndRegno(t *testing.T) {
	s := NewStore(NewMemoryRepository(), 0)
	if _, err := s.Register(context.Background(), "", "R001", types.Embedding{1}); err == nil {
		t.Error("Expected error for empty name")
	}
	if _, err := s.Register(context.Background(), "Alice", "", types.Embedding{1}); err == nil {
		t.Error("Expected error for empty regno")
	}
}

func TestSnapshotIsStableAcrossRegistration(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryRepository(), 0)
	s.Register(ctx, "Alice", "R001", types.Embedding{1})

	before := s.Snapshot()
	s.Register(ctx, "Bob", "R002", types.Embedding{2})

	if len(before) != 1 {
		t.Errorf("Old snapshot changed length: %d", len(before))
	}
	if len(s.Snapshot()) != 2 {
		t.Errorf("Expected 2 identities in new snapshot, got %d", len(s.Snapshot()))
	}
}

func TestRegisterCopiesEmbedding(t *testing.T) {
	s := NewStore(NewMemoryRepository(), 0)
	vec := types.Embedding{1, 2}
	s.Register(context.Background(), "Alice", "R001", vec)
	vec[0] = 99

	if got := s.Snapshot()[0].Embedding[0]; got != 1 {
		t.Errorf("Stored embedding was aliased, got %v", got)
	}
}

func TestLoadFromRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	repo.InsertIdentity(ctx, types.Identity{Name: "Alice", Regno: "R001", Embedding: types.Embedding{1}})
	repo.InsertIdentity(ctx, types.Identity{Name: "Bob", Regno: "R002", Embedding: types.Embedding{2}})

	s := NewStore(repo, 0)
	if err := s.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("Expected 2 identities, got %d", s.Len())
	}

	// Duplicates are detected against loaded identities too.
	if _, err := s.Register(ctx, "Eve", "R002", types.Embedding{3}); !errors.Is(err, types.ErrDuplicateRegno) {
		t.Errorf("Expected ErrDuplicateRegno, got %v", err)
	}
}

type failingRepo struct{ *MemoryRepository }

func (f failingRepo) InsertIdentity(ctx context.Context, id types.Identity) error {
	return errors.New("disk full")
}

func TestRegisterRepositoryFailureLeavesSnapshot(t *testing.T) {
	s := NewStore(failingRepo{NewMemoryRepository()}, 0)
	if _, err := s.Register(context.Background(), "Alice", "R001", types.Embedding{1}); err == nil {
		t.Fatal("Expected repository error")
	}
	if s.Len() != 0 {
		t.Errorf("Snapshot changed after failed insert: %d", s.Len())
	}
}

func TestConcurrentRegisterAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryRepository(), 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.Register(ctx, "P", string(rune('A'+i%26))+string(rune('a'+i/26)), types.Embedding{float64(i)})
		}(i)
		go func() {
			defer wg.Done()
			for _, id := range s.Snapshot() {
				if id.Regno == "" {
					t.Error("Observed a partially written identity")
				}
			}
		}()
	}
	wg.Wait()

	if s.Len() != 50 {
		t.Errorf("Expected 50 identities, got %d", s.Len())
	}
}
