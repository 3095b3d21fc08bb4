package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"signaltrader/internal/models"
)

// Поддерживаемые SQL диалекты
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const orderColumns = `id, position_id, symbol, side, type, limit_type, price, limit_price, stop_price, stop_direction,
	requested_size, filled_size, fee, placed_ts, filled_ts, status, active, error_reason, error_message`

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id             TEXT PRIMARY KEY,
		position_id    TEXT NOT NULL DEFAULT '',
		symbol         TEXT NOT NULL,
		side           TEXT NOT NULL,
		type           TEXT NOT NULL,
		limit_type     TEXT NOT NULL DEFAULT '',
		price          DOUBLE PRECISION NOT NULL DEFAULT 0,
		limit_price    DOUBLE PRECISION NOT NULL DEFAULT 0,
		stop_price     DOUBLE PRECISION NOT NULL DEFAULT 0,
		stop_direction TEXT NOT NULL DEFAULT '',
		requested_size DOUBLE PRECISION NOT NULL DEFAULT 0,
		filled_size    DOUBLE PRECISION NOT NULL DEFAULT 0,
		fee            DOUBLE PRECISION NOT NULL DEFAULT 0,
		placed_ts      BIGINT NOT NULL DEFAULT 0,
		filled_ts      BIGINT NOT NULL DEFAULT 0,
		status         TEXT NOT NULL,
		active         BOOLEAN NOT NULL DEFAULT TRUE,
		error_reason   TEXT NOT NULL DEFAULT '',
		error_message  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_symbol_active ON orders (symbol, active)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_position ON orders (position_id)`,
}

// OrderRepository - работа с таблицей orders (postgres или sqlite)
type OrderRepository struct {
	db      *sql.DB
	dialect string
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sql.DB, dialect string) *OrderRepository {
	return &OrderRepository{db: db, dialect: dialect}
}

// OpenSQL открывает соединение, проверяет его и создаёт схему
func OpenSQL(dialect, dsn string) (*OrderRepository, error) {
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// у каждого соединения ":memory:" своя база
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := NewOrderRepository(db, dialect)
	if err := repo.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Migrate создаёт таблицу и индексы, если их нет
func (r *OrderRepository) Migrate() error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to migrate orders schema: %w", err)
		}
	}
	return nil
}

// Insert создает запись об ордере
func (r *OrderRepository) Insert(order *models.Order) error {
	if order.ID == "" {
		return ErrEmptyOrderID
	}

	query := r.rebind(`
		INSERT INTO orders (` + orderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.Exec(
		query,
		order.ID,
		order.PositionID,
		order.Symbol,
		string(order.Side),
		string(order.Type),
		order.LimitType,
		order.Price,
		order.LimitPrice,
		order.StopPrice,
		order.StopDirection,
		order.RequestedSize,
		order.FilledSize,
		order.Fee,
		order.PlacedTs,
		order.FilledTs,
		string(order.Status),
		order.Active,
		order.ErrorReason,
		order.ErrorMessage,
	)
	return err
}

// Update обновляет изменяемые поля активного ордера по id.
// Неактивный ордер не меняется: ErrOrderInactive.
func (r *OrderRepository) Update(order *models.Order) error {
	query := r.rebind(`
		UPDATE orders
		SET price = ?, limit_price = ?, stop_price = ?, filled_size = ?, fee = ?,
			placed_ts = ?, filled_ts = ?, status = ?, active = ?, error_reason = ?, error_message = ?
		WHERE id = ? AND active`)

	result, err := r.db.Exec(
		query,
		order.Price,
		order.LimitPrice,
		order.StopPrice,
		order.FilledSize,
		order.Fee,
		order.PlacedTs,
		order.FilledTs,
		string(order.Status),
		order.Active,
		order.ErrorReason,
		order.ErrorMessage,
		order.ID,
	)
	if err != nil {
		return err
	}

	if err := checkAffected(result); !errors.Is(err, ErrOrderNotFound) {
		return err
	}
	return r.inactiveOrMissing(order.ID)
}

// inactiveOrMissing объясняет пустой UPDATE: ордер есть, но неактивен, или его нет
func (r *OrderRepository) inactiveOrMissing(id string) error {
	var active bool
	err := r.db.QueryRow(r.rebind(`SELECT active FROM orders WHERE id = ?`), id).Scan(&active)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrOrderNotFound
	case err != nil:
		return err
	case !active:
		return models.ErrOrderInactive
	}
	return ErrOrderNotFound
}

// Get возвращает ордер по id
func (r *OrderRepository) Get(id string) (*models.Order, error) {
	query := r.rebind(`SELECT ` + orderColumns + ` FROM orders WHERE id = ?`)

	order, err := scanOrder(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// ListActive возвращает все активные ордера символа в порядке выставления
func (r *OrderRepository) ListActive(symbol string) ([]*models.Order, error) {
	query := r.rebind(`
		SELECT ` + orderColumns + `
		FROM orders
		WHERE symbol = ? AND active = ?
		ORDER BY placed_ts, id`)

	rows, err := r.db.Query(query, symbol, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

// MarkInactive помечает ордер неактуальным для восстановления
func (r *OrderRepository) MarkInactive(id string) error {
	query := r.rebind(`UPDATE orders SET active = ? WHERE id = ?`)

	result, err := r.db.Exec(query, false, id)
	if err != nil {
		return err
	}

	return checkAffected(result)
}

// Close закрывает соединение с БД
func (r *OrderRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var side, typ, status string
	err := row.Scan(
		&order.ID,
		&order.PositionID,
		&order.Symbol,
		&side,
		&typ,
		&order.LimitType,
		&order.Price,
		&order.LimitPrice,
		&order.StopPrice,
		&order.StopDirection,
		&order.RequestedSize,
		&order.FilledSize,
		&order.Fee,
		&order.PlacedTs,
		&order.FilledTs,
		&status,
		&order.Active,
		&order.ErrorReason,
		&order.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	order.Side = models.Side(side)
	order.Type = models.OrderType(typ)
	order.Status = models.OrderStatus(status)
	return order, nil
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// rebind переводит плейсхолдеры "?" в "$n" для postgres
func (r *OrderRepository) rebind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
