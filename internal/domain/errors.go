package domain

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var (
	// ErrInvalidArgument возвращается при некорректных входных данных.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAlreadyExists — базовая ошибка нарушения уникальности.
	ErrAlreadyExists = errors.New("already exists")

	// ErrClientNotFound возвращается, если клиент не найден.
	ErrClientNotFound = errors.New("client not found")
	// ErrProductNotFound возвращается, если товар (или часть товаров) не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")

	// ErrInsufficientStock — на складе не хватает единиц хотя бы одного товара.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrStockWouldBeNegative возвращается хранилищем, если списание увело бы остаток ниже нуля.
	ErrStockWouldBeNegative = errors.New("stock would become negative")
	// ErrTransactionConflict — таймаут ожидания блокировки или конфликт при коммите; можно повторить.
	ErrTransactionConflict = errors.New("transaction conflict")
	// ErrStorage — непрозрачный сбой хранилища.
	ErrStorage = errors.New("storage failure")

	// ErrReferenced возвращается при удалении сущности, на которую ссылаются заказы.
	ErrReferenced = errors.New("entity is referenced by orders")

	// Ошибки уникальности.
	ErrClientEmailTaken    = fmt.Errorf("%w: email already registered", ErrAlreadyExists)
	ErrClientTaxIDTaken    = fmt.Errorf("%w: tax id already registered", ErrAlreadyExists)
	ErrProductBarcodeTaken = fmt.Errorf("%w: barcode already registered", ErrAlreadyExists)
	ErrUserEmailTaken      = fmt.Errorf("%w: email already registered", ErrAlreadyExists)
	ErrUsernameTaken       = fmt.Errorf("%w: username already registered", ErrAlreadyExists)

	// ErrUnauthorized — отсутствуют или неверны учётные данные.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden — у пользователя недостаточно прав.
	ErrForbidden = errors.New("forbidden")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrOutboxMessageNotFound — сообщения нет или оно уже не pending.
	ErrOutboxMessageNotFound = errors.New("outbox message not found")

	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyFingerprintRequired = errors.New("idempotency fingerprint is required")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
	// ErrIdempotencyKeyInUse — запрос с этим ключом ещё обрабатывается или уже завершён.
	ErrIdempotencyKeyInUse = errors.New("idempotency key is in use")
	// ErrIdempotencyKeyReused — тот же ключ пришёл с другим запросом.
	ErrIdempotencyKeyReused = errors.New("idempotency key reused with different payload")
)

// ProductNotFoundError перечисляет идентификаторы товаров, которых нет в хранилище.
type ProductNotFoundError struct {
	IDs []int64
}

// NewProductNotFoundError возвращает ошибку с отсортированным списком отсутствующих id.
func NewProductNotFoundError(ids []int64) *ProductNotFoundError {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return &ProductNotFoundError{IDs: slices.Compact(sorted)}
}

func (e *ProductNotFoundError) Error() string {
	return "products not found: " + joinIDs(e.IDs)
}

// Is позволяет сравнивать через errors.Is(err, ErrProductNotFound).
func (e *ProductNotFoundError) Is(target error) bool {
	return target == ErrProductNotFound
}

// InsufficientStockError перечисляет товары с недостаточным остатком.
type InsufficientStockError struct {
	IDs []int64
}

// NewInsufficientStockError возвращает ошибку с отсортированным списком id.
func NewInsufficientStockError(ids []int64) *InsufficientStockError {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return &InsufficientStockError{IDs: slices.Compact(sorted)}
}

func (e *InsufficientStockError) Error() string {
	return "insufficient stock for products: " + joinIDs(e.IDs)
}

// Is позволяет сравнивать через errors.Is(err, ErrInsufficientStock).
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// IsTransactionConflict проверяет, можно ли повторить операцию.
func IsTransactionConflict(err error) bool {
	return errors.Is(err, ErrTransactionConflict)
}

// IsIdempotencyConflict проверяет, связана ли ошибка с повторным использованием ключа.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyInUse) || errors.Is(err, ErrIdempotencyKeyReused)
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
