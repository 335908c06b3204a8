// Package catalog реализует CRUD клиентов и товаров поверх репозиториев.
package catalog

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

// ClientService управляет клиентами.
type ClientService struct {
	repo   domain.ClientRepository
	logger *log.Entry
}

// NewClientService создаёт сервис клиентов.
func NewClientService(repo domain.ClientRepository, logger *log.Entry) *ClientService {
	if logger == nil {
		logger = log.WithField("component", "client-service")
	}
	return &ClientService{repo: repo, logger: logger}
}

// Create проверяет и сохраняет нового клиента.
func (s *ClientService) Create(ctx context.Context, client domain.Client) (domain.Client, error) {
	client = normalizeClient(client)
	if err := client.Validate(); err != nil {
		return domain.Client{}, err
	}

	created, err := s.repo.Create(ctx, client)
	if err != nil {
		return domain.Client{}, err
	}
	s.logger.WithField("client_id", created.ID).Info("client created")
	return created, nil
}

// Get возвращает клиента по id.
func (s *ClientService) Get(ctx context.Context, id int64) (domain.Client, error) {
	return s.repo.Get(ctx, id)
}

// List возвращает клиентов по фильтру.
func (s *ClientService) List(ctx context.Context, filter domain.ClientFilter) ([]domain.Client, error) {
	filter.Page = filter.Page.Normalized()
	filter.Name = strings.TrimSpace(filter.Name)
	filter.Email = strings.TrimSpace(filter.Email)
	return s.repo.List(ctx, filter)
}

// Update применяет частичное обновление.
func (s *ClientService) Update(ctx context.Context, id int64, patch domain.ClientPatch) (domain.Client, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Client{}, err
	}

	next := normalizeClient(patch.Apply(current))
	if err := next.Validate(); err != nil {
		return domain.Client{}, err
	}

	updated, err := s.repo.Update(ctx, next)
	if err != nil {
		return domain.Client{}, err
	}
	s.logger.WithField("client_id", id).Info("client updated")
	return updated, nil
}

// Delete удаляет клиента. Клиента с заказами удалить нельзя (ErrReferenced).
func (s *ClientService) Delete(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("client_id", id).Info("client deleted")
	return nil
}

func normalizeClient(c domain.Client) domain.Client {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.TaxID = strings.TrimSpace(c.TaxID)
	return c
}
