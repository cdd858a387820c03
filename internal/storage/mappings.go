package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MappingStore is the pgx implementation of conversations.MappingRepository.
type MappingStore struct {
	pool *pgxpool.Pool
}

// NewMappingStore creates the store.
func NewMappingStore(pool *pgxpool.Pool) *MappingStore {
	return &MappingStore{pool: pool}
}

func (s *MappingStore) Create(ctx context.Context, scope, localID, foreignID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO msg_mappings (scope, local_id, foreign_id) VALUES ($1, $2, $3)
		 ON CONFLICT (scope, local_id) DO UPDATE SET foreign_id = EXCLUDED.foreign_id`,
		scope, localID, foreignID)
	if err != nil {
		return fmt.Errorf("insert mapping: %w", err)
	}
	return nil
}

func (s *MappingStore) Delete(ctx context.Context, scope, localID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM msg_mappings WHERE scope = $1 AND local_id = $2`, scope, localID)
	if err != nil {
		return false, fmt.Errorf("delete mapping: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *MappingStore) ForeignID(ctx context.Context, scope, localID string) (string, error) {
	var foreignID string
	err := s.pool.QueryRow(ctx,
		`SELECT foreign_id FROM msg_mappings WHERE scope = $1 AND local_id = $2`, scope, localID).
		Scan(&foreignID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select foreign id: %w", err)
	}
	return foreignID, nil
}

func (s *MappingStore) LocalID(ctx context.Context, scope, foreignID string) (string, error) {
	var localID string
	err := s.pool.QueryRow(ctx,
		`SELECT local_id FROM msg_mappings WHERE scope = $1 AND foreign_id = $2`, scope, foreignID).
		Scan(&localID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select local id: %w", err)
	}
	return localID, nil
}
