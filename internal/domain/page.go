package domain

import "fmt"

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// Page описывает пагинацию skip/limit.
type Page struct {
	Skip  int
	Limit int
}

// NewPage проверяет границы: skip >= 0, 1 <= limit <= 100. Нулевой limit заменяется значением по умолчанию.
func NewPage(skip, limit int) (Page, error) {
	if skip < 0 {
		return Page{}, fmt.Errorf("%w: skip must be non-negative", ErrInvalidArgument)
	}
	if limit == 0 {
		limit = DefaultPageLimit
	}
	if limit < 1 || limit > MaxPageLimit {
		return Page{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidArgument, MaxPageLimit)
	}
	return Page{Skip: skip, Limit: limit}, nil
}

// Normalized возвращает страницу с лимитом по умолчанию, если он не задан.
func (p Page) Normalized() Page {
	if p.Skip < 0 {
		p.Skip = 0
	}
	if p.Limit <= 0 || p.Limit > MaxPageLimit {
		p.Limit = DefaultPageLimit
	}
	return p
}

// Slice применяет пагинацию к срезу.
func Slice[T any](items []T, page Page) []T {
	page = page.Normalized()
	if page.Skip >= len(items) {
		return []T{}
	}
	end := page.Skip + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Skip:end]
}
