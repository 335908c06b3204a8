package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

const defaultLockTimeout = 5 * time.Second

// orderRecord — строка заказа без гидратации клиента и товаров.
type orderRecord struct {
	id         int64
	clientID   int64
	status     domain.OrderStatus
	productIDs []int64
	createdAt  time.Time
	updatedAt  time.Time
}

// Store — общее in-memory состояние для всех репозиториев и единиц работы.
type Store struct {
	mu       sync.RWMutex
	clients  map[int64]domain.Client
	products map[int64]domain.Product
	orders   map[int64]orderRecord
	users    map[int64]domain.User

	nextClientID  int64
	nextProductID int64
	nextOrderID   int64
	nextUserID    int64

	locks       *rowLocks
	lockTimeout time.Duration
}

// StoreOption настраивает Store.
type StoreOption func(*Store)

// WithLockTimeout задаёт максимальное время ожидания блокировки строки товара.
func WithLockTimeout(timeout time.Duration) StoreOption {
	return func(s *Store) {
		if timeout > 0 {
			s.lockTimeout = timeout
		}
	}
}

// NewStore создаёт пустое in-memory хранилище.
func NewStore(options ...StoreOption) *Store {
	s := &Store{
		clients:     make(map[int64]domain.Client),
		products:    make(map[int64]domain.Product),
		orders:      make(map[int64]orderRecord),
		users:       make(map[int64]domain.User),
		locks:       newRowLocks(),
		lockTimeout: defaultLockTimeout,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// lockProduct берёт эксклюзивную блокировку строки товара.
// Истечение lockTimeout превращается в ErrTransactionConflict.
func (s *Store) lockProduct(ctx context.Context, id int64) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	err := s.locks.acquire(lockCtx, id)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: lock wait timeout on product %d", domain.ErrTransactionConflict, id)
	}
	return err
}

func (s *Store) unlockProduct(id int64) {
	s.locks.release(id)
}

// hydrateLocked собирает заказ с клиентом и товарами. Вызывающий держит s.mu.
func (s *Store) hydrateLocked(rec orderRecord) domain.Order {
	order := domain.Order{
		ID:        rec.id,
		ClientID:  rec.clientID,
		Client:    s.clients[rec.clientID],
		Status:    rec.status,
		Products:  make([]domain.Product, 0, len(rec.productIDs)),
		CreatedAt: rec.createdAt,
		UpdatedAt: rec.updatedAt,
	}
	for _, id := range rec.productIDs {
		if p, ok := s.products[id]; ok {
			order.Products = append(order.Products, cloneProduct(p))
		}
	}
	return order
}

// missingProductsLocked возвращает id, которых нет в каталоге. Вызывающий держит s.mu.
func (s *Store) missingProductsLocked(ids []int64) []int64 {
	var missing []int64
	for _, id := range ids {
		if _, ok := s.products[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// productReferencedLocked сообщает, входит ли товар хотя бы в один заказ.
func (s *Store) productReferencedLocked(id int64) bool {
	for _, rec := range s.orders {
		for _, pid := range rec.productIDs {
			if pid == id {
				return true
			}
		}
	}
	return false
}

func distinctSorted(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func cloneProduct(p domain.Product) domain.Product {
	if p.ExpiryDate != nil {
		expiry := *p.ExpiryDate
		p.ExpiryDate = &expiry
	}
	if p.Images != nil {
		p.Images = append([]string(nil), p.Images...)
	}
	return p
}

// rowLocks — набор эксклюзивных блокировок по id. Каждый слот — канал ёмкостью 1.
// Слот живёт, пока его держат или ждут, поэтому карта не растёт от случайных id.
type rowLocks struct {
	mu    sync.Mutex
	slots map[int64]*rowLock
}

type rowLock struct {
	ch   chan struct{}
	refs int
}

func newRowLocks() *rowLocks {
	return &rowLocks{slots: make(map[int64]*rowLock)}
}

// ref возвращает слот id и учитывает вызывающего среди держателей и ожидающих.
func (l *rowLocks) ref(id int64) *rowLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.slots[id]
	if !ok {
		lock = &rowLock{ch: make(chan struct{}, 1)}
		l.slots[id] = lock
	}
	lock.refs++
	return lock
}

// unrefLocked снимает учёт и удаляет слот, когда он больше никому не нужен. Вызывающий держит l.mu.
func (l *rowLocks) unrefLocked(id int64, lock *rowLock) {
	lock.refs--
	if lock.refs == 0 {
		delete(l.slots, id)
	}
}

func (l *rowLocks) acquire(ctx context.Context, id int64) error {
	lock := l.ref(id)
	select {
	case lock.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.unrefLocked(id, lock)
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *rowLocks) release(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.slots[id]
	if !ok {
		return
	}
	<-lock.ch
	l.unrefLocked(id, lock)
}
