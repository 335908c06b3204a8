package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Product — товар каталога. Stock никогда не бывает отрицательным.
type Product struct {
	ID          int64
	Description string
	Price       decimal.Decimal
	Barcode     string
	Section     string
	Stock       int
	ExpiryDate  *time.Time
	Images      []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate проверяет инварианты товара.
func (p Product) Validate() error {
	if strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("%w: product description is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(p.Barcode) == "" {
		return fmt.Errorf("%w: product barcode is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(p.Section) == "" {
		return fmt.Errorf("%w: product section is required", ErrInvalidArgument)
	}
	if p.Price.IsNegative() {
		return fmt.Errorf("%w: product price must be non-negative", ErrInvalidArgument)
	}
	if !p.Price.Equal(p.Price.Round(2)) {
		return fmt.Errorf("%w: product price must have at most two decimal places", ErrInvalidArgument)
	}
	if p.Stock < 0 {
		return fmt.Errorf("%w: product stock must be non-negative", ErrInvalidArgument)
	}
	return nil
}

// ProductPatch — частичное обновление товара.
type ProductPatch struct {
	Description *string
	Price       *decimal.Decimal
	Barcode     *string
	Section     *string
	Stock       *int
	ExpiryDate  *time.Time
	Images      *[]string
}

// Apply применяет непустые поля патча.
func (p ProductPatch) Apply(product Product) Product {
	if p.Description != nil {
		product.Description = *p.Description
	}
	if p.Price != nil {
		product.Price = *p.Price
	}
	if p.Barcode != nil {
		product.Barcode = *p.Barcode
	}
	if p.Section != nil {
		product.Section = *p.Section
	}
	if p.Stock != nil {
		product.Stock = *p.Stock
	}
	if p.ExpiryDate != nil {
		expiry := *p.ExpiryDate
		product.ExpiryDate = &expiry
	}
	if p.Images != nil {
		product.Images = append([]string(nil), (*p.Images)...)
	}
	return product
}

// ProductFilter задаёт фильтры каталога.
type ProductFilter struct {
	Section   string
	MinPrice  *decimal.Decimal
	MaxPrice  *decimal.Decimal
	Available *bool
	Page      Page
}

// Match проверяет товар на соответствие фильтру (без учёта пагинации).
func (f ProductFilter) Match(p Product) bool {
	if f.Section != "" && p.Section != f.Section {
		return false
	}
	if f.MinPrice != nil && p.Price.LessThan(*f.MinPrice) {
		return false
	}
	if f.MaxPrice != nil && p.Price.GreaterThan(*f.MaxPrice) {
		return false
	}
	if f.Available != nil {
		if *f.Available && p.Stock <= 0 {
			return false
		}
		if !*f.Available && p.Stock > 0 {
			return false
		}
	}
	return true
}
