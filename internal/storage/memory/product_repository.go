package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

type productRepositoryInMemory struct {
	store *Store
}

// NewProductRepository возвращает in-memory репозиторий товаров.
// Update и Delete берут блокировку строки, как и создание заказа.
func NewProductRepository(store *Store) domain.ProductRepository {
	return &productRepositoryInMemory{store: store}
}

func (r *productRepositoryInMemory) Create(_ context.Context, product domain.Product) (domain.Product, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.barcodeUniqueLocked(product.Barcode, 0); err != nil {
		return domain.Product{}, err
	}

	now := time.Now().UTC()
	s.nextProductID++
	product.ID = s.nextProductID
	product.CreatedAt = now
	product.UpdatedAt = now
	product = cloneProduct(product)
	s.products[product.ID] = product
	return cloneProduct(product), nil
}

func (r *productRepositoryInMemory) Get(_ context.Context, id int64) (domain.Product, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return cloneProduct(product), nil
}

func (r *productRepositoryInMemory) List(_ context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if filter.Match(p) {
			result = append(result, cloneProduct(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return domain.Slice(result, filter.Page), nil
}

func (r *productRepositoryInMemory) Update(ctx context.Context, id int64, patch domain.ProductPatch) (domain.Product, error) {
	s := r.store
	if err := s.lockProduct(ctx, id); err != nil {
		return domain.Product{}, err
	}
	defer s.unlockProduct(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	product := patch.Apply(cloneProduct(current))
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}
	if err := s.barcodeUniqueLocked(product.Barcode, id); err != nil {
		return domain.Product{}, err
	}

	product.ID = id
	product.CreatedAt = current.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	product = cloneProduct(product)
	s.products[id] = product
	return cloneProduct(product), nil
}

func (r *productRepositoryInMemory) Delete(ctx context.Context, id int64) error {
	s := r.store
	if err := s.lockProduct(ctx, id); err != nil {
		return err
	}
	defer s.unlockProduct(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return domain.ErrProductNotFound
	}
	if s.productReferencedLocked(id) {
		return domain.ErrReferenced
	}
	delete(s.products, id)
	return nil
}

func (s *Store) barcodeUniqueLocked(barcode string, selfID int64) error {
	for _, existing := range s.products {
		if existing.ID != selfID && existing.Barcode == barcode {
			return domain.ErrProductBarcodeTaken
		}
	}
	return nil
}

var _ domain.ProductRepository = (*productRepositoryInMemory)(nil)
