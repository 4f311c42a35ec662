package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is a Store held entirely in process memory. A single mutex
// makes every Apply atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]Account
	positions map[string]*Position
	byKey     map[string]string
	trades    map[string][]TradeRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]Account),
		positions: make(map[string]*Position),
		byKey:     make(map[string]string),
		trades:    make(map[string][]TradeRecord),
	}
}

func positionKey(userID, instrumentID string) string {
	return userID + "|" + instrumentID
}

func (s *MemoryStore) EnsureAccount(ctx context.Context, userID string, startingBalance decimal.Decimal) (Account, error) {
	if userID == "" {
		return Account{}, ErrUserIDRequired
	}
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[userID]; ok {
		return acct, nil
	}
	acct := NewAccount(userID, startingBalance, time.Now())
	s.accounts[userID] = acct
	return acct, nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, userID string) (Account, error) {
	if userID == "" {
		return Account{}, ErrUserIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return Account{}, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return acct, nil
}

func (s *MemoryStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetPosition(ctx context.Context, userID, instrumentID string) (*Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[positionKey(userID, instrumentID)]
	if !ok {
		return nil, nil
	}
	return s.positions[id].Clone(), nil
}

func (s *MemoryStore) GetPositionByID(ctx context.Context, id string) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPositions(ctx context.Context, userID string) ([]Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0)
	for _, p := range s.positions {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) ListOpenPositions(ctx context.Context) ([]Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	sortPositions(out)
	return out, nil
}

func sortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].OpenTime.Equal(ps[j].OpenTime) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].OpenTime.Before(ps[j].OpenTime)
	})
}

func (s *MemoryStore) UpdateMarks(ctx context.Context, marks []Mark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range marks {
		p, ok := s.positions[m.PositionID]
		if !ok || p.Version != m.Version {
			continue
		}
		p.CurrentPrice = m.CurrentPrice
		p.UnrealizedPnL = m.UnrealizedPnL
		p.UpdatedAt = m.At.UTC()
	}
	return nil
}

func (s *MemoryStore) ListTrades(ctx context.Context, userID string, limit int) ([]TradeRecord, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.trades[userID]
	n := len(all)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]TradeRecord, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryStore) Apply(ctx context.Context, m Mutation) error {
	if err := ValidateMutation(m); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	cur, ok := s.accounts[m.Account.UserID]
	if !ok || cur.Version != m.Account.Version {
		return fmt.Errorf("account %s: %w", m.Account.UserID, ErrPersistenceConflict)
	}

	key := positionKey(m.Trade.UserID, m.Trade.InstrumentID)
	if m.Previous == nil {
		if _, exists := s.byKey[key]; exists {
			return fmt.Errorf("position %s: %w", key, ErrPersistenceConflict)
		}
	} else {
		stored, ok := s.positions[m.Previous.ID]
		if !ok || stored.Version != m.Previous.Version {
			return fmt.Errorf("position %s: %w", m.Previous.ID, ErrPersistenceConflict)
		}
	}

	acct := m.Account
	acct.Version++
	s.accounts[acct.UserID] = acct

	switch {
	case m.Next != nil:
		next := m.Next.Clone()
		next.Version = 1
		if m.Previous != nil {
			next.Version = m.Previous.Version + 1
		}
		s.positions[next.ID] = next
		s.byKey[key] = next.ID
	case m.Previous != nil:
		delete(s.positions, m.Previous.ID)
		delete(s.byKey, key)
	}

	s.trades[acct.UserID] = append(s.trades[acct.UserID], m.Trade)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// ValidateMutation rejects mutations whose parts disagree on ownership.
func ValidateMutation(m Mutation) error {
	if m.Account.UserID == "" {
		return ErrUserIDRequired
	}
	if m.Trade.UserID != m.Account.UserID {
		return fmt.Errorf("%w: trade belongs to %q, account to %q", ErrInvalidInput, m.Trade.UserID, m.Account.UserID)
	}
	for _, p := range []*Position{m.Previous, m.Next} {
		if p == nil {
			continue
		}
		if p.UserID != m.Account.UserID || p.InstrumentID != m.Trade.InstrumentID {
			return fmt.Errorf("%w: position %s does not match trade key", ErrInvalidInput, p.ID)
		}
	}
	if m.Previous != nil && m.Next != nil && m.Previous.ID != m.Next.ID {
		return fmt.Errorf("%w: position id changed from %s to %s", ErrInvalidInput, m.Previous.ID, m.Next.ID)
	}
	return nil
}
