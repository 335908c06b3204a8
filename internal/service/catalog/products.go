package catalog

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

// ProductService управляет каталогом товаров.
type ProductService struct {
	repo   domain.ProductRepository
	logger *log.Entry
}

// NewProductService создаёт сервис товаров.
func NewProductService(repo domain.ProductRepository, logger *log.Entry) *ProductService {
	if logger == nil {
		logger = log.WithField("component", "product-service")
	}
	return &ProductService{repo: repo, logger: logger}
}

// Create проверяет и сохраняет товар.
func (s *ProductService) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	product = normalizeProduct(product)
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}

	created, err := s.repo.Create(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}
	s.logger.WithFields(log.Fields{
		"product_id": created.ID,
		"stock":      created.Stock,
	}).Info("product created")
	return created, nil
}

// Get возвращает товар по id.
func (s *ProductService) Get(ctx context.Context, id int64) (domain.Product, error) {
	return s.repo.Get(ctx, id)
}

// List возвращает товары по фильтру.
func (s *ProductService) List(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	filter.Page = filter.Page.Normalized()
	filter.Section = strings.TrimSpace(filter.Section)
	if filter.MinPrice != nil && filter.MaxPrice != nil && filter.MaxPrice.LessThan(*filter.MinPrice) {
		return nil, fmt.Errorf("%w: max_price is below min_price", domain.ErrInvalidArgument)
	}
	return s.repo.List(ctx, filter)
}

// Update применяет частичное обновление. Проверка и запись выполняются под блокировкой строки товара.
func (s *ProductService) Update(ctx context.Context, id int64, patch domain.ProductPatch) (domain.Product, error) {
	updated, err := s.repo.Update(ctx, id, normalizePatch(patch))
	if err != nil {
		return domain.Product{}, err
	}
	s.logger.WithFields(log.Fields{
		"product_id": id,
		"stock":      updated.Stock,
	}).Info("product updated")
	return updated, nil
}

// Delete удаляет товар. Товар, на который ссылаются заказы, удалить нельзя.
func (s *ProductService) Delete(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("product_id", id).Info("product deleted")
	return nil
}

func normalizeProduct(p domain.Product) domain.Product {
	p.Description = strings.TrimSpace(p.Description)
	p.Barcode = strings.TrimSpace(p.Barcode)
	p.Section = strings.TrimSpace(p.Section)
	images := make([]string, 0, len(p.Images))
	for _, img := range p.Images {
		if img = strings.TrimSpace(img); img != "" {
			images = append(images, img)
		}
	}
	p.Images = images
	return p
}

func normalizePatch(p domain.ProductPatch) domain.ProductPatch {
	trim := func(v *string) *string {
		if v == nil {
			return nil
		}
		t := strings.TrimSpace(*v)
		return &t
	}
	p.Description = trim(p.Description)
	p.Barcode = trim(p.Barcode)
	p.Section = trim(p.Section)
	if p.Images != nil {
		images := normalizeProduct(domain.Product{Images: *p.Images}).Images
		p.Images = &images
	}
	return p
}
