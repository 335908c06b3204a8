package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Client — покупатель. Email и TaxID уникальны.
type Client struct {
	ID        int64
	Name      string
	Email     string
	TaxID     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate проверяет обязательные поля клиента.
func (c Client) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: client name is required", ErrInvalidArgument)
	}
	if _, err := mail.ParseAddress(c.Email); err != nil {
		return fmt.Errorf("%w: invalid client email", ErrInvalidArgument)
	}
	if strings.TrimSpace(c.TaxID) == "" {
		return fmt.Errorf("%w: client tax id is required", ErrInvalidArgument)
	}
	return nil
}

// ClientPatch — частичное обновление клиента.
type ClientPatch struct {
	Name  *string
	Email *string
	TaxID *string
}

// Apply применяет непустые поля патча.
func (p ClientPatch) Apply(c Client) Client {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Email != nil {
		c.Email = *p.Email
	}
	if p.TaxID != nil {
		c.TaxID = *p.TaxID
	}
	return c
}

// ClientFilter задаёт фильтры списка клиентов (поиск по подстроке без учёта регистра).
type ClientFilter struct {
	Name  string
	Email string
	Page  Page
}
