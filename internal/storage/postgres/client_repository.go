package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

const clientColumns = `id, name, email, tax_id, created_at, updated_at`

type clientRepository struct {
	db *sql.DB
}

// NewClientRepository создаёт PostgreSQL-реализацию ClientRepository.
func NewClientRepository(store *Store) domain.ClientRepository {
	return &clientRepository{db: store.DB()}
}

func (r *clientRepository) Create(ctx context.Context, client domain.Client) (domain.Client, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO clients (name, email, tax_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$4)
		RETURNING `+clientColumns,
		client.Name, client.Email, client.TaxID, now,
	)
	created, err := scanClient(row)
	if err != nil {
		return domain.Client{}, mapError("insert client", err)
	}
	return created, nil
}

func (r *clientRepository) Get(ctx context.Context, id int64) (domain.Client, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return getClient(ctx, r.db, id, false)
}

func (r *clientRepository) List(ctx context.Context, filter domain.ClientFilter) ([]domain.Client, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	page := filter.Page.Normalized()
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+clientColumns+`
		FROM clients
		WHERE ($1 = '' OR strpos(lower(name), lower($1)) > 0)
		  AND ($2 = '' OR strpos(lower(email), lower($2)) > 0)
		ORDER BY id
		OFFSET $3 LIMIT $4
	`, filter.Name, filter.Email, page.Skip, page.Limit)
	if err != nil {
		return nil, mapError("list clients", err)
	}
	defer rows.Close()

	result := make([]domain.Client, 0, page.Limit)
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, mapError("scan client", err)
		}
		result = append(result, client)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate clients", err)
	}
	return result, nil
}

func (r *clientRepository) Update(ctx context.Context, client domain.Client) (domain.Client, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		UPDATE clients
		SET name = $2, email = $3, tax_id = $4, updated_at = $5
		WHERE id = $1
		RETURNING `+clientColumns,
		client.ID, client.Name, client.Email, client.TaxID, time.Now().UTC(),
	)
	updated, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Client{}, domain.ErrClientNotFound
		}
		return domain.Client{}, mapError("update client", err)
	}
	return updated, nil
}

func (r *clientRepository) Delete(ctx context.Context, id int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM clients WHERE id = $1`, id)
	if err != nil {
		return mapError("delete client", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError("client rows affected", err)
	}
	if affected == 0 {
		return domain.ErrClientNotFound
	}
	return nil
}

// getClient читает клиента; forShare блокирует строку от удаления до конца транзакции.
func getClient(ctx context.Context, q queryer, id int64, forShare bool) (domain.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE id = $1`
	if forShare {
		query += ` FOR SHARE`
	}

	client, err := scanClient(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Client{}, domain.ErrClientNotFound
		}
		return domain.Client{}, mapError("get client", err)
	}
	return client, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (domain.Client, error) {
	var c domain.Client
	if err := row.Scan(&c.ID, &c.Name, &c.Email, &c.TaxID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Client{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

var _ domain.ClientRepository = (*clientRepository)(nil)
