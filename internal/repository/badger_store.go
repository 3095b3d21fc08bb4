package repository

import (
	"errors"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"

	"signaltrader/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Префиксы ключей:
//   o/<id>               -> JSON ордера
//   a/<symbol>/<id>      -> индекс активных ордеров символа (пустое значение)
const (
	orderKeyPrefix  = "o/"
	activeKeyPrefix = "a/"
)

// BadgerOptions - параметры встроенного KV хранилища
type BadgerOptions struct {
	Path     string
	InMemory bool
}

// BadgerOrderStore - хранилище ордеров поверх Badger
type BadgerOrderStore struct {
	db *badger.DB
}

// OpenBadger открывает (или создаёт) базу Badger
func OpenBadger(opts BadgerOptions) (*BadgerOrderStore, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" && !opts.InMemory {
		return nil, errors.New("badger: path is required")
	}

	bopts := badger.DefaultOptions(path).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &BadgerOrderStore{db: db}, nil
}

func orderKey(id string) []byte { return []byte(orderKeyPrefix + id) }

func activeKey(symbol, id string) []byte { return []byte(activeKeyPrefix + symbol + "/" + id) }

func (s *BadgerOrderStore) Insert(order *models.Order) error {
	if order.ID == "" {
		return ErrEmptyOrderID
	}
	if s == nil || s.db == nil {
		return ErrStoreNotOpened
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(orderKey(order.ID)); err == nil {
			return ErrOrderExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putOrder(txn, order)
	})
}

func (s *BadgerOrderStore) Update(order *models.Order) error {
	if s == nil || s.db == nil {
		return ErrStoreNotOpened
	}

	return s.db.Update(func(txn *badger.Txn) error {
		stored, err := getOrder(txn, order.ID)
		if err != nil {
			return err
		}
		if !stored.Active {
			return models.ErrOrderInactive
		}
		return putOrder(txn, order)
	})
}

func (s *BadgerOrderStore) Get(id string) (*models.Order, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreNotOpened
	}

	var out *models.Order
	err := s.db.View(func(txn *badger.Txn) error {
		o, err := getOrder(txn, id)
		out = o
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerOrderStore) ListActive(symbol string) ([]*models.Order, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreNotOpened
	}

	var orders []*models.Order
	prefix := []byte(activeKeyPrefix + symbol + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			id := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			o, err := getOrder(txn, id)
			if err != nil {
				return err
			}
			orders = append(orders, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortByPlaced(orders)
	return orders, nil
}

func (s *BadgerOrderStore) MarkInactive(id string) error {
	if s == nil || s.db == nil {
		return ErrStoreNotOpened
	}

	return s.db.Update(func(txn *badger.Txn) error {
		o, err := getOrder(txn, id)
		if err != nil {
			return err
		}
		o.Active = false
		return putOrder(txn, o)
	})
}

func (s *BadgerOrderStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func getOrder(txn *badger.Txn, id string) (*models.Order, error) {
	item, err := txn.Get(orderKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	o := &models.Order{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, o)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// putOrder пишет ордер и поддерживает индекс активных
func putOrder(txn *badger.Txn, order *models.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	if err := txn.Set(orderKey(order.ID), data); err != nil {
		return err
	}
	if order.Active {
		return txn.Set(activeKey(order.Symbol, order.ID), []byte{})
	}
	return txn.Delete(activeKey(order.Symbol, order.ID))
}
