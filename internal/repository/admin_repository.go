package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/stemsi/examroom/internal/model"
)

// AdminRepository handles admin data access.
type AdminRepository struct {
	db DBTX
}

// NewAdminRepository creates a new AdminRepository.
func NewAdminRepository(db DBTX) *AdminRepository {
	return &AdminRepository{db: db}
}

func scanAdmin(row pgx.Row) (*model.Admin, error) {
	a := &model.Admin{}
	if err := row.Scan(&a.ID, &a.Email, &a.Name, &a.PasswordHash, &a.Permissions, &a.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

// GetByID retrieves an admin by ID.
func (r *AdminRepository) GetByID(ctx context.Context, id int) (*model.Admin, error) {
	return scanAdmin(r.db.QueryRow(ctx,
		`SELECT id, email, name, password_hash, permissions, created_at
		 FROM admins WHERE id = $1`, id))
}

// GetByEmail retrieves an admin by their unique email.
func (r *AdminRepository) GetByEmail(ctx context.Context, email string) (*model.Admin, error) {
	return scanAdmin(r.db.QueryRow(ctx,
		`SELECT id, email, name, password_hash, permissions, created_at
		 FROM admins WHERE email = $1`, email))
}

// Create inserts a new admin.
func (r *AdminRepository) Create(ctx context.Context, a *model.Admin) error {
	return r.db.QueryRow(ctx,
		`INSERT INTO admins (email, name, password_hash, permissions)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		a.Email, a.Name, a.PasswordHash, a.Permissions,
	).Scan(&a.ID, &a.CreatedAt)
}
