package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// uniqueViolation is the SQLSTATE postgres reports for a UNIQUE constraint failure.
const uniqueViolation = "23505"

// Store manages the PostgreSQL pool for identities and the detection log.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// New connects to the database and ensures the schema exists.
// dim is the embedding length used for the pgvector column.
func New(ctx context.Context, connString string, dim int) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool, dim: dim}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return s, nil
}

// Migrate creates the tables and vector extension if they don't exist.
func (s *Store) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			regno TEXT NOT NULL UNIQUE,
			encoding BYTEA NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			photo_path TEXT
		);
		CREATE TABLE IF NOT EXISTS detections (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			regno TEXT NOT NULL,
			camera_id TEXT NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL,
			confidence DOUBLE PRECISION NOT NULL
		);
		CREATE INDEX IF NOT EXISTS detections_detected_at_idx ON detections (detected_at DESC);
		CREATE INDEX IF NOT EXISTS detections_camera_id_idx ON detections (camera_id);
	`, s.dim)
	_, err := s.pool.Exec(ctx, query)
	return err
}

// Close terminates the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// InsertIdentity stores a newly registered identity.
// A regno that already exists yields types.ErrDuplicateRegno.
func (s *Store) InsertIdentity(ctx context.Context, id types.Identity) error {
	var photo *string
	if id.PhotoPath != "" {
		photo = &id.PhotoPath
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO identities (name, regno, encoding, embedding, registered_at, photo_path)
		VALUES ($1, $2, $3, $4::vector, $5, $6)
	`, id.Name, id.Regno, encodeEmbedding(id.Embedding), toVector(id.Embedding), id.RegisteredAt, photo)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", types.ErrDuplicateRegno, id.Regno)
	}
	return err
}

// ListIdentities returns all identities in registration order.
// Embeddings come from the raw encoding column so they round-trip at full precision.
func (s *Store) ListIdentities(ctx context.Context) ([]types.Identity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, regno, encoding, registered_at, COALESCE(photo_path, '')
		FROM identities
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []types.Identity
	for rows.Next() {
		var id types.Identity
		var raw []byte
		if err := rows.Scan(&id.Name, &id.Regno, &raw, &id.RegisteredAt, &id.PhotoPath); err != nil {
			return nil, err
		}
		id.Embedding = decodeEmbedding(raw)
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindClosestIdentity searches for the nearest identity by L2 distance.
// Returns nil if nothing is closer than threshold.
func (s *Store) FindClosestIdentity(ctx context.Context, vec types.Embedding, threshold float64) (*types.Identity, float64, error) {
	// <-> is the L2 distance operator in pgvector
	query := `
		SELECT name, regno, encoding, registered_at, COALESCE(photo_path, ''), embedding <-> $1::vector AS dist
		FROM identities
		WHERE embedding <-> $1::vector < $2
		ORDER BY embedding <-> $1::vector ASC
		LIMIT 1
	`

	var id types.Identity
	var raw []byte
	var dist float64
	err := s.pool.QueryRow(ctx, query, toVector(vec), threshold).
		Scan(&id.Name, &id.Regno, &raw, &id.RegisteredAt, &id.PhotoPath, &dist)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	id.Embedding = decodeEmbedding(raw)
	return &id, dist, nil
}

// CountIdentities returns the number of registered identities.
func (s *Store) CountIdentities(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM identities").Scan(&n)
	return n, err
}

// AppendDetection persists one detection log entry.
func (s *Store) AppendDetection(ctx context.Context, e types.DetectionLogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO detections (name, regno, camera_id, detected_at, confidence)
		VALUES ($1, $2, $3, $4, $5)
	`, e.Name, e.Regno, e.CameraID, e.Timestamp, e.Confidence)
	return err
}

// RecentDetections returns up to limit entries, newest first. An empty cameraID matches all cameras.
func (s *Store) RecentDetections(ctx context.Context, limit int, cameraID string) ([]types.DetectionLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, regno, camera_id, detected_at, confidence
		FROM detections
		WHERE $2 = '' OR camera_id = $2
		ORDER BY detected_at DESC, id DESC
		LIMIT $1
	`, limit, cameraID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []types.DetectionLogEntry
	for rows.Next() {
		var e types.DetectionLogEntry
		if err := rows.Scan(&e.Name, &e.Regno, &e.CameraID, &e.Timestamp, &e.Confidence); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Reset drops all application tables to clear the database state.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS detections CASCADE;
		DROP TABLE IF EXISTS identities CASCADE;
	`)
	return err
}

func toVector(vec types.Embedding) pgvector.Vector {
	f := make([]float32, len(vec))
	for i, v := range vec {
		f[i] = float32(v)
	}
	return pgvector.NewVector(f)
}

// encodeEmbedding packs the vector as little-endian float64s.
func encodeEmbedding(vec types.Embedding) []byte {
	buf := make([]byte, 8*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func decodeEmbedding(buf []byte) types.Embedding {
	vec := make(types.Embedding, len(buf)/8)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}
