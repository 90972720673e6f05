package order

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists orders.
type Store interface {
	Get(ctx context.Context, id string) (Order, error)
	Create(ctx context.Context, o Order) (Order, error)
	// CreateRenewal creates the renewal o and, when o.FailedOrderID is set, marks that failed
	// order as retried by it. Either both writes happen or neither does.
	CreateRenewal(ctx context.Context, o Order) (Order, error)
}

// prepare fills the fields Create is responsible for.
func prepare(o Order, now time.Time) (Order, error) {
	if strings.TrimSpace(o.ID) == "" {
		o.ID = uuid.NewString()
	}
	if o.Kind == "" {
		o.Kind = KindCheckout
	}
	if o.Status == "" {
		o.Status = StatusPending
	}
	if o.IsRenewal() && strings.TrimSpace(o.ParentID) == "" {
		return Order{}, fmt.Errorf("renewal %s without parent order", o.ID)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now.UTC()
	}
	return o, nil
}

// MemoryStore keeps orders in memory. Orders are stored as deep copies.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]Order
	Now    func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: map[string]Order{}, Now: time.Now}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return clone(o)
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, o Order) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(o)
}

// CreateRenewal implements Store.
func (s *MemoryStore) CreateRenewal(_ context.Context, o Order) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	failedID := strings.TrimSpace(o.FailedOrderID)
	var failed Order
	if failedID != "" {
		var ok bool
		if failed, ok = s.orders[failedID]; !ok {
			return Order{}, ErrNotFound
		}
		if err := linkable(failed); err != nil {
			return Order{}, err
		}
	}
	created, err := s.insertLocked(o)
	if err != nil || failedID == "" {
		return created, err
	}
	failed.RetriedBy = created.ID
	s.orders[failedID] = failed
	return created, nil
}

func (s *MemoryStore) insertLocked(o Order) (Order, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	o, err := prepare(o, now())
	if err != nil {
		return Order{}, err
	}
	stored, err := clone(o)
	if err != nil {
		return Order{}, err
	}
	if s.orders == nil {
		s.orders = map[string]Order{}
	}
	if _, exists := s.orders[o.ID]; exists {
		return Order{}, fmt.Errorf("order %s already exists", o.ID)
	}
	s.orders[o.ID] = stored
	return o, nil
}

// linkable reports why failed cannot take a retry link, if it cannot.
func linkable(failed Order) error {
	if failed.Status != StatusFailed {
		return fmt.Errorf("order %s is %s: %w", failed.ID, failed.Status, ErrInvalidRetryLink)
	}
	if failed.RetriedBy != "" {
		return fmt.Errorf("order %s already retried by %s: %w", failed.ID, failed.RetriedBy, ErrInvalidRetryLink)
	}
	return nil
}

// Put stores o as is. It is meant for seeding fixtures.
func (s *MemoryStore) Put(o Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orders == nil {
		s.orders = map[string]Order{}
	}
	s.orders[o.ID] = o
}

func clone(o Order) (Order, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return Order{}, fmt.Errorf("copy order %s: %w", o.ID, err)
	}
	var out Order
	if err := json.Unmarshal(raw, &out); err != nil {
		return Order{}, fmt.Errorf("copy order %s: %w", o.ID, err)
	}
	return out, nil
}
