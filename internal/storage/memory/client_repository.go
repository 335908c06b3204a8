package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

type clientRepositoryInMemory struct {
	store *Store
}

// NewClientRepository возвращает in-memory репозиторий клиентов.
func NewClientRepository(store *Store) domain.ClientRepository {
	return &clientRepositoryInMemory{store: store}
}

func (r *clientRepositoryInMemory) Create(_ context.Context, client domain.Client) (domain.Client, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.clientUniqueLocked(client, 0); err != nil {
		return domain.Client{}, err
	}

	now := time.Now().UTC()
	s.nextClientID++
	client.ID = s.nextClientID
	client.CreatedAt = now
	client.UpdatedAt = now
	s.clients[client.ID] = client
	return client, nil
}

func (r *clientRepositoryInMemory) Get(_ context.Context, id int64) (domain.Client, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[id]
	if !ok {
		return domain.Client{}, domain.ErrClientNotFound
	}
	return client, nil
}

func (r *clientRepositoryInMemory) List(_ context.Context, filter domain.ClientFilter) ([]domain.Client, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	name := strings.ToLower(filter.Name)
	email := strings.ToLower(filter.Email)

	result := make([]domain.Client, 0, len(s.clients))
	for _, c := range s.clients {
		if name != "" && !strings.Contains(strings.ToLower(c.Name), name) {
			continue
		}
		if email != "" && !strings.Contains(strings.ToLower(c.Email), email) {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return domain.Slice(result, filter.Page), nil
}

func (r *clientRepositoryInMemory) Update(_ context.Context, client domain.Client) (domain.Client, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.clients[client.ID]
	if !ok {
		return domain.Client{}, domain.ErrClientNotFound
	}
	if err := s.clientUniqueLocked(client, client.ID); err != nil {
		return domain.Client{}, err
	}

	client.CreatedAt = current.CreatedAt
	client.UpdatedAt = time.Now().UTC()
	s.clients[client.ID] = client
	return client, nil
}

func (r *clientRepositoryInMemory) Delete(_ context.Context, id int64) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[id]; !ok {
		return domain.ErrClientNotFound
	}
	for _, rec := range s.orders {
		if rec.clientID == id {
			return domain.ErrReferenced
		}
	}
	delete(s.clients, id)
	return nil
}

// clientUniqueLocked проверяет уникальность email и tax id, игнорируя запись selfID.
func (s *Store) clientUniqueLocked(client domain.Client, selfID int64) error {
	for _, existing := range s.clients {
		if existing.ID == selfID {
			continue
		}
		if strings.EqualFold(existing.Email, client.Email) {
			return domain.ErrClientEmailTaken
		}
		if existing.TaxID == client.TaxID {
			return domain.ErrClientTaxIDTaken
		}
	}
	return nil
}

var _ domain.ClientRepository = (*clientRepositoryInMemory)(nil)
