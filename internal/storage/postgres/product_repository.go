package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

const productColumns = `id, description, price, barcode, section, stock, expiry_date, images, created_at, updated_at`

type productRepository struct {
	store *Store
	db    *sql.DB
}

// NewProductRepository создаёт PostgreSQL-реализацию ProductRepository.
func NewProductRepository(store *Store) domain.ProductRepository {
	return &productRepository{store: store, db: store.DB()}
}

func (r *productRepository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	images, err := encodeImages(product.Images)
	if err != nil {
		return domain.Product{}, err
	}

	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO products (description, price, barcode, section, stock, expiry_date, images, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		RETURNING `+productColumns,
		product.Description, product.Price, product.Barcode, product.Section, product.Stock,
		dateArg(product.ExpiryDate), images, now,
	)
	created, err := scanProduct(row)
	if err != nil {
		return domain.Product{}, mapError("insert product", err)
	}
	return created, nil
}

func (r *productRepository) Get(ctx context.Context, id int64) (domain.Product, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return getProduct(ctx, r.db, id, false)
}

func (r *productRepository) List(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var minPrice, maxPrice, available any
	if filter.MinPrice != nil {
		minPrice = filter.MinPrice.String()
	}
	if filter.MaxPrice != nil {
		maxPrice = filter.MaxPrice.String()
	}
	if filter.Available != nil {
		available = *filter.Available
	}

	page := filter.Page.Normalized()
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE ($1 = '' OR section = $1)
		  AND ($2::numeric IS NULL OR price >= $2::numeric)
		  AND ($3::numeric IS NULL OR price <= $3::numeric)
		  AND ($4::boolean IS NULL OR (stock > 0) = $4::boolean)
		ORDER BY id
		OFFSET $5 LIMIT $6
	`, filter.Section, minPrice, maxPrice, available, page.Skip, page.Limit)
	if err != nil {
		return nil, mapError("list products", err)
	}
	defer rows.Close()

	return collectProducts(rows, page.Limit)
}

// Update применяет патч под блокировкой строки в отдельной транзакции.
func (r *productRepository) Update(ctx context.Context, id int64, patch domain.ProductPatch) (domain.Product, error) {
	var updated domain.Product
	err := r.store.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		current, err := getProduct(ctx, tx, id, true)
		if err != nil {
			return err
		}

		next := patch.Apply(current)
		if err := next.Validate(); err != nil {
			return err
		}

		images, err := encodeImages(next.Images)
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `
			UPDATE products
			SET description = $2, price = $3, barcode = $4, section = $5,
			    stock = $6, expiry_date = $7, images = $8, updated_at = $9
			WHERE id = $1
			RETURNING `+productColumns,
			id, next.Description, next.Price, next.Barcode, next.Section,
			next.Stock, dateArg(next.ExpiryDate), images, time.Now().UTC(),
		)
		updated, err = scanProduct(row)
		if err != nil {
			return mapError("update product", err)
		}
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return updated, nil
}

func (r *productRepository) Delete(ctx context.Context, id int64) error {
	return r.store.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := getProduct(ctx, tx, id, true); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id); err != nil {
			return mapError("delete product", err)
		}
		return nil
	})
}

// getProduct читает товар; forUpdate берёт эксклюзивную блокировку строки.
func getProduct(ctx context.Context, q queryer, id int64, forUpdate bool) (domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	product, err := scanProduct(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, mapError("get product", err)
	}
	return product, nil
}

// loadProducts читает товары по набору id в порядке возрастания id.
func loadProducts(ctx context.Context, q queryer, ids []int64, forUpdate bool) ([]domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1) ORDER BY id`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := q.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, mapError("load products", err)
	}
	defer rows.Close()

	return collectProducts(rows, len(ids))
}

func collectProducts(rows *sql.Rows, capacity int) ([]domain.Product, error) {
	result := make([]domain.Product, 0, capacity)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, mapError("scan product", err)
		}
		result = append(result, product)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate products", err)
	}
	return result, nil
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		p      domain.Product
		expiry sql.NullTime
		images []byte
	)
	if err := row.Scan(
		&p.ID, &p.Description, &p.Price, &p.Barcode, &p.Section, &p.Stock,
		&expiry, &images, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return domain.Product{}, err
	}

	if expiry.Valid {
		t := expiry.Time.UTC()
		p.ExpiryDate = &t
	}
	if len(images) > 0 {
		if err := json.Unmarshal(images, &p.Images); err != nil {
			return domain.Product{}, fmt.Errorf("decode product images: %w", err)
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func encodeImages(images []string) (string, error) {
	if images == nil {
		images = []string{}
	}
	raw, err := json.Marshal(images)
	if err != nil {
		return "", fmt.Errorf("encode product images: %w", err)
	}
	return string(raw), nil
}

func dateArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

var _ domain.ProductRepository = (*productRepository)(nil)
