package domain

import (
	"context"
	"time"
)

// ClientStore — поиск клиента внутри единицы работы.
type ClientStore interface {
	// FindByID возвращает клиента или ErrClientNotFound.
	FindByID(ctx context.Context, id int64) (Client, error)
}

// ProductStore — доступ к товарам внутри единицы работы.
type ProductStore interface {
	// FindByIDsForUpdate возвращает найденные товары и удерживает эксклюзивную
	// блокировку строк до конца единицы работы. Отсутствующие id просто не попадают в результат.
	FindByIDsForUpdate(ctx context.Context, ids []int64) ([]Product, error)
	// DecrementStock уменьшает остаток на amount или возвращает ErrStockWouldBeNegative.
	DecrementStock(ctx context.Context, id int64, amount int) error
}

// OrderStore — запись заказа внутри единицы работы.
type OrderStore interface {
	// Insert сохраняет заказ и связи с различными товарами productIDs.
	Insert(ctx context.Context, clientID int64, status OrderStatus, productIDs []int64) (Order, error)
}

// OutboxWriter добавляет события в outbox в той же единице работы.
type OutboxWriter interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
}

// TxStores — набор хранилищ, привязанных к одной транзакции.
type TxStores interface {
	Clients() ClientStore
	Products() ProductStore
	Orders() OrderStore
	Outbox() OutboxWriter
}

// UnitOfWork выполняет fn атомарно: либо все изменения видны, либо ни одно.
// Блокировки, взятые внутри fn, освобождаются на любом пути выхода.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, stores TxStores) error) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository хранит события до публикации и расписание повторов.
type OutboxRepository interface {
	OutboxWriter
	// Due возвращает до limit pending-сообщений, чей срок попытки наступил к now.
	Due(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	// Retry увеличивает счётчик попыток и откладывает сообщение до next.
	Retry(ctx context.Context, id string, next time.Time, lastErr string) error
	// Bury переводит сообщение в dead, после чего оно больше не выбирается.
	Bury(ctx context.Context, id string, lastErr string) error
}

// IdempotencyRepository хранит запросы с Idempotency-Key до истечения срока.
type IdempotencyRepository interface {
	// Reserve занимает ключ в состоянии pending. Живой занятый ключ даёт
	// существующую запись вместе с ErrIdempotencyKeyInUse или ErrIdempotencyKeyReused.
	// Истёкший ключ занимается заново.
	Reserve(ctx context.Context, req IdempotentRequest) (IdempotentRequest, error)
	Get(ctx context.Context, key IdempotencyKey) (IdempotentRequest, error)
	// Finish сохраняет ответ и переводит запрос в завершённое состояние.
	Finish(ctx context.Context, key IdempotencyKey, state IdempotencyState, statusCode int, body []byte) error
	// Release снимает pending-резервацию, чтобы запрос с тем же ключом выполнился заново.
	// Завершённые записи не трогает.
	Release(ctx context.Context, key IdempotencyKey) error
	// Purge удаляет не более limit истёкших записей, начиная с самых старых.
	Purge(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage — событие, записанное в транзакции вместе с изменениями.
// Attempts и CreatedAt заполняет хранилище.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Attempts      int
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
