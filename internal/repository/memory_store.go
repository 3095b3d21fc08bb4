package repository

import (
	"sort"
	"sync"

	"signaltrader/internal/models"
)

// MemoryOrderStore - хранилище в памяти для бэктеста и тестов
type MemoryOrderStore struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
}

// NewMemoryOrderStore создает пустое хранилище
func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[string]*models.Order)}
}

func (s *MemoryOrderStore) Insert(order *models.Order) error {
	if order.ID == "" {
		return ErrEmptyOrderID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return ErrOrderExists
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *MemoryOrderStore) Update(order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.orders[order.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if !stored.Active {
		return models.ErrOrderInactive
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *MemoryOrderStore) Get(id string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryOrderStore) ListActive(symbol string) ([]*models.Order, error) {
	s.mu.RLock()
	var orders []*models.Order
	for _, o := range s.orders {
		if o.Active && o.Symbol == symbol {
			orders = append(orders, o.Clone())
		}
	}
	s.mu.RUnlock()

	sortByPlaced(orders)
	return orders, nil
}

func (s *MemoryOrderStore) MarkInactive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.Active = false
	return nil
}

func (s *MemoryOrderStore) Close() error { return nil }

// Len - количество ордеров (для тестов и статистики)
func (s *MemoryOrderStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

func sortByPlaced(orders []*models.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].PlacedTs != orders[j].PlacedTs {
			return orders[i].PlacedTs < orders[j].PlacedTs
		}
		return orders[i].ID < orders[j].ID
	})
}
