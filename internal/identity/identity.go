// Package identity holds the registered identity set.
//
// Readers (camera workers) call Snapshot on every processed frame and never take a lock:
// registration builds a new slice and swaps it in atomically, so a reader always sees
// either the old set or the new one, never a partial write.
package identity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/overwatch/internal/metrics"
	"github.com/andresmejia3/overwatch/internal/types"
)

// Repository persists identities. The postgres store implements it; MemoryRepository
// is used when no database is configured and in tests.
type Repository interface {
	InsertIdentity(ctx context.Context, id types.Identity) error
	ListIdentities(ctx context.Context) ([]types.Identity, error)
}

// Store is the copy-on-write identity set.
type Store struct {
	repo Repository
	dim  int

	mu       sync.Mutex // serializes writers only
	snapshot atomic.Pointer[[]types.Identity]

	now func() time.Time
}

// NewStore creates an empty store. dim is the required embedding length; 0 disables the check.
func NewStore(repo Repository, dim int) *Store {
	s := &Store{repo: repo, dim: dim, now: time.Now}
	empty := []types.Identity{}
	s.snapshot.Store(&empty)
	return s
}

// Load replaces the in-memory set with everything in the repository.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.repo.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("loading identities: %w", err)
	}
	next := make([]types.Identity, len(ids))
	copy(next, ids)
	s.snapshot.Store(&next)
	metrics.RegisteredIdentities.Set(float64(len(next)))
	return nil
}

// Register adds a new identity. It fails with ErrDuplicateRegno if regno is taken,
// leaving the set unchanged.
func (s *Store) Register(ctx context.Context, name, regno string, embedding types.Embedding) (types.Identity, error) {
	return s.RegisterWithPhoto(ctx, name, regno, embedding, "")
}

// RegisterWithPhoto is Register, also recording the image the embedding was taken from.
func (s *Store) RegisterWithPhoto(ctx context.Context, name, regno string, embedding types.Embedding, photoPath string) (types.Identity, error) {
	if name == "" || regno == "" {
		return types.Identity{}, fmt.Errorf("name and regno are required")
	}
	if s.dim > 0 && len(embedding) != s.dim {
		return types.Identity{}, fmt.Errorf("%w: got %d, want %d", types.ErrDimensionMismatch, len(embedding), s.dim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := *s.snapshot.Load()
	for _, id := range current {
		if id.Regno == regno {
			return types.Identity{}, fmt.Errorf("%w: %s", types.ErrDuplicateRegno, regno)
		}
	}

	vec := make(types.Embedding, len(embedding))
	copy(vec, embedding)
	id := types.Identity{
		Name:         name,
		Regno:        regno,
		Embedding:    vec,
		RegisteredAt: s.now().UTC(),
		PhotoPath:    photoPath,
	}

	// The repository enforces uniqueness too, in case another process registered first.
	if err := s.repo.InsertIdentity(ctx, id); err != nil {
		return types.Identity{}, err
	}

	next := make([]types.Identity, len(current), len(current)+1)
	copy(next, current)
	next = append(next, id)
	s.snapshot.Store(&next)
	metrics.RegisteredIdentities.Set(float64(len(next)))
	return id, nil
}

// Snapshot returns the current identity set. Callers must not modify it.
func (s *Store) Snapshot() []types.Identity {
	return *s.snapshot.Load()
}

// Len returns the number of registered identities.
func (s *Store) Len() int {
	return len(s.Snapshot())
}

// MemoryRepository is a process-local Repository.
type MemoryRepository struct {
	mu  sync.RWMutex
	ids []types.Identity
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// InsertIdentity appends id, rejecting duplicate regnos.
func (m *MemoryRepository) InsertIdentity(ctx context.Context, id types.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.ids {
		if existing.Regno == id.Regno {
			return fmt.Errorf("%w: %s", types.ErrDuplicateRegno, id.Regno)
		}
	}
	m.ids = append(m.ids, id)
	return nil
}

// ListIdentities returns identities in registration order.
func (m *MemoryRepository) ListIdentities(ctx context.Context) ([]types.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Identity, len(m.ids))
	copy(out, m.ids)
	return out, nil
}
