package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

const userColumns = `id, username, email, password_hash, role, active, created_at, updated_at`

type userRepository struct {
	db *sql.DB
}

// NewUserRepository создаёт PostgreSQL-реализацию UserRepository.
func NewUserRepository(store *Store) domain.UserRepository {
	return &userRepository{db: store.DB()}
}

func (r *userRepository) Create(ctx context.Context, user domain.User) (domain.User, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	created, err := scanUser(r.db.QueryRowContext(ctx, `
		INSERT INTO users (username, email, password_hash, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$6)
		RETURNING `+userColumns,
		user.Username, user.Email, user.PasswordHash, string(user.Role), user.Active, now,
	))
	if err != nil {
		return domain.User{}, mapError("insert user", err)
	}
	return created, nil
}

func (r *userRepository) GetByID(ctx context.Context, id int64) (domain.User, error) {
	return r.getBy(ctx, `id = $1`, id)
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	return r.getBy(ctx, `lower(email) = lower($1)`, email)
}

func (r *userRepository) getBy(ctx context.Context, where string, arg any) (domain.User, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	user, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, domain.ErrUserNotFound
		}
		return domain.User{}, mapError("get user", err)
	}
	return user, nil
}

func (r *userRepository) List(ctx context.Context, page domain.Page) ([]domain.User, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	page = page.Normalized()
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		ORDER BY id
		OFFSET $1 LIMIT $2
	`, page.Skip, page.Limit)
	if err != nil {
		return nil, mapError("list users", err)
	}
	defer rows.Close()

	result := make([]domain.User, 0, page.Limit)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, mapError("scan user", err)
		}
		result = append(result, user)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate users", err)
	}
	return result, nil
}

func (r *userRepository) Update(ctx context.Context, user domain.User) (domain.User, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	updated, err := scanUser(r.db.QueryRowContext(ctx, `
		UPDATE users
		SET username = $2, email = $3, password_hash = $4, role = $5, active = $6, updated_at = $7
		WHERE id = $1
		RETURNING `+userColumns,
		user.ID, user.Username, user.Email, user.PasswordHash, string(user.Role), user.Active, time.Now().UTC(),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, domain.ErrUserNotFound
		}
		return domain.User{}, mapError("update user", err)
	}
	return updated, nil
}

func (r *userRepository) Delete(ctx context.Context, id int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return mapError("delete user", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError("user rows affected", err)
	}
	if affected == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func scanUser(row rowScanner) (domain.User, error) {
	var (
		u    domain.User
		role string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return domain.User{}, err
	}
	u.Role = domain.Role(role)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

var _ domain.UserRepository = (*userRepository)(nil)
