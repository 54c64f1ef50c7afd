package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stonearbor/stonearbor/internal/models"
)

type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

func (s *UserStore) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `
		SELECT id, name, email, phone, is_admin, created_at
		FROM users
		WHERE id = $1
	`
	var (
		user  models.User
		phone pgtype.Text
	)
	row := s.pool.QueryRow(ctx, query, id)
	err := row.Scan(&user.ID, &user.Name, &user.Email, &phone, &user.Admin, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	user.Phone = phone.String
	return &user, nil
}
