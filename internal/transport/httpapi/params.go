package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", domain.ErrInvalidArgument, raw)
	}
	return id, nil
}

func pageParam(q url.Values) (domain.Page, error) {
	skip, err := intParam(q, "skip")
	if err != nil {
		return domain.Page{}, err
	}
	limit, err := intParam(q, "limit")
	if err != nil {
		return domain.Page{}, err
	}
	if q.Has("limit") && limit == 0 {
		return domain.Page{}, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrInvalidArgument, domain.MaxPageLimit)
	}
	return domain.NewPage(skip, limit)
}

func intParam(q url.Values, name string) (int, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidArgument, name)
	}
	return v, nil
}

func int64Param(q url.Values, name string) (*int64, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidArgument, name)
	}
	return &v, nil
}

func decimalParam(q url.Values, name string) (*decimal.Decimal, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a number", domain.ErrInvalidArgument, name)
	}
	return &v, nil
}

func boolParam(q url.Values, name string) (*bool, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be true or false", domain.ErrInvalidArgument, name)
	}
	return &v, nil
}

// dateParam разбирает YYYY-MM-DD. Для верхней границы возвращает последний момент дня.
func dateParam(q url.Values, name string, endOfDay bool) (*time.Time, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	day, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be YYYY-MM-DD", domain.ErrInvalidArgument, name)
	}
	if endOfDay {
		day = day.Add(24*time.Hour - time.Nanosecond)
	}
	return &day, nil
}

func clientFilter(q url.Values) (domain.ClientFilter, error) {
	page, err := pageParam(q)
	if err != nil {
		return domain.ClientFilter{}, err
	}
	return domain.ClientFilter{
		Name:  strings.TrimSpace(q.Get("name")),
		Email: strings.TrimSpace(q.Get("email")),
		Page:  page,
	}, nil
}

func productFilter(q url.Values) (domain.ProductFilter, error) {
	var (
		filter domain.ProductFilter
		err    error
	)
	filter.Section = strings.TrimSpace(q.Get("section"))
	if filter.MinPrice, err = decimalParam(q, "min_price"); err != nil {
		return filter, err
	}
	if filter.MaxPrice, err = decimalParam(q, "max_price"); err != nil {
		return filter, err
	}
	if filter.Available, err = boolParam(q, "available"); err != nil {
		return filter, err
	}
	if filter.Page, err = pageParam(q); err != nil {
		return filter, err
	}
	return filter, nil
}

func orderFilter(q url.Values) (domain.OrderFilter, error) {
	var (
		filter domain.OrderFilter
		err    error
	)
	filter.Section = strings.TrimSpace(q.Get("section"))
	if filter.StartDate, err = dateParam(q, "start_date", false); err != nil {
		return filter, err
	}
	if filter.EndDate, err = dateParam(q, "end_date", true); err != nil {
		return filter, err
	}
	if filter.OrderID, err = int64Param(q, "order_id"); err != nil {
		return filter, err
	}
	if filter.ClientID, err = int64Param(q, "client_id"); err != nil {
		return filter, err
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := domain.ParseOrderStatus(raw)
		if err != nil {
			return filter, err
		}
		filter.Status = &status
	}
	if filter.Page, err = pageParam(q); err != nil {
		return filter, err
	}
	return filter, nil
}
