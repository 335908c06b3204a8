package domain

import "context"

// ClientRepository — CRUD клиентов.
type ClientRepository interface {
	// Create сохраняет клиента; нарушение уникальности email/tax id даёт ErrClientEmailTaken/ErrClientTaxIDTaken.
	Create(ctx context.Context, client Client) (Client, error)
	Get(ctx context.Context, id int64) (Client, error)
	List(ctx context.Context, filter ClientFilter) ([]Client, error)
	Update(ctx context.Context, client Client) (Client, error)
	Delete(ctx context.Context, id int64) error
}

// ProductRepository — CRUD товаров.
type ProductRepository interface {
	Create(ctx context.Context, product Product) (Product, error)
	Get(ctx context.Context, id int64) (Product, error)
	List(ctx context.Context, filter ProductFilter) ([]Product, error)
	// Update читает товар, применяет патч и проверяет результат под блокировкой строки,
	// поэтому параллельное списание остатка не теряется.
	Update(ctx context.Context, id int64, patch ProductPatch) (Product, error)
	Delete(ctx context.Context, id int64) error
}

// OrderRepository — чтение и администрирование заказов. Создание идёт только через UnitOfWork.
type OrderRepository interface {
	Get(ctx context.Context, id int64) (Order, error)
	List(ctx context.Context, filter OrderFilter) ([]Order, error)
	// Update меняет статус и/или полностью заменяет набор товаров. Остатки не меняются.
	Update(ctx context.Context, id int64, update OrderUpdate) (Order, error)
	// Delete удаляет заказ без возврата остатков.
	Delete(ctx context.Context, id int64) error
}

// UserRepository — учётные записи.
type UserRepository interface {
	Create(ctx context.Context, user User) (User, error)
	GetByID(ctx context.Context, id int64) (User, error)
	GetByEmail(ctx context.Context, email string) (User, error)
	List(ctx context.Context, page Page) ([]User, error)
	Update(ctx context.Context, user User) (User, error)
	Delete(ctx context.Context, id int64) error
}
