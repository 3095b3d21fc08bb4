package repository

import (
	"errors"
	"fmt"
	"strings"

	"signaltrader/internal/models"
)

// Ошибки хранилища ордеров
var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrOrderExists    = errors.New("order already exists")
	ErrEmptyOrderID   = errors.New("order id is empty")
	ErrUnknownDriver  = errors.New("unknown order store driver")
	ErrStoreNotOpened = errors.New("order store not opened")
)

// OrderStore - долговременное хранилище ордеров, источник истины для восстановления.
//
// Одна запись на ордер, ключ - id ордера, индексы по символу и active.
type OrderStore interface {
	Insert(order *models.Order) error
	Update(order *models.Order) error
	Get(id string) (*models.Order, error)
	ListActive(symbol string) ([]*models.Order, error)
	MarkInactive(id string) error
	Close() error
}

// Open открывает хранилище по имени драйвера:
//   - memory: в памяти процесса (бэктест)
//   - sqlite: файл или ":memory:" (modernc.org/sqlite)
//   - postgres: DSN для lib/pq
//   - badger: каталог встроенного KV
func Open(driver, dsn string) (OrderStore, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "memory", "":
		return NewMemoryOrderStore(), nil
	case DialectSQLite, "sqlite3":
		return OpenSQL(DialectSQLite, dsn)
	case DialectPostgres, "pq":
		return OpenSQL(DialectPostgres, dsn)
	case "badger":
		return OpenBadger(BadgerOptions{Path: dsn})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
