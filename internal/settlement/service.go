// Package settlement applies fills and closes to positions, balances and
// trade history, one (user, instrument) key at a time.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/events"
	"papertrade/internal/ledger"
	"papertrade/internal/market"
	"papertrade/internal/monitor"
	"papertrade/internal/order"
	"papertrade/internal/position"
	"papertrade/pkg/i18n"
	"papertrade/pkg/id"
	"papertrade/pkg/logger"
)

// DefaultMaxCommitAttempts bounds retries on ErrPersistenceConflict.
const DefaultMaxCommitAttempts = 3

// Instruments resolves instrument metadata. *market.Catalog satisfies it.
type Instruments interface {
	Lookup(id string) (market.Instrument, bool)
}

// Service is the settlement engine.
type Service struct {
	store   ledger.Store
	oracle  market.PriceOracle
	bus     *events.Bus
	locks   *KeyedLocker
	catalog Instruments
	metrics *monitor.SystemMetrics
	log     logger.Logger

	startingBalance decimal.Decimal
	maxAttempts     int
	now             func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l logger.Logger) Option { return func(s *Service) { s.log = l } }

func WithMetrics(m *monitor.SystemMetrics) Option { return func(s *Service) { s.metrics = m } }

// WithCatalog rejects orders for instruments the catalog does not list.
func WithCatalog(c Instruments) Option { return func(s *Service) { s.catalog = c } }

func WithStartingBalance(b decimal.Decimal) Option {
	return func(s *Service) { s.startingBalance = b }
}

func WithMaxCommitAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New creates a settlement service. bus may be nil when nobody listens.
func New(store ledger.Store, oracle market.PriceOracle, bus *events.Bus, opts ...Option) *Service {
	s := &Service{
		store:           store,
		oracle:          oracle,
		bus:             bus,
		locks:           NewKeyedLocker(),
		startingBalance: ledger.DefaultStartingBalance,
		maxAttempts:     DefaultMaxCommitAttempts,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.NewNop()
	}
	if s.metrics == nil {
		s.metrics = monitor.NewSystemMetrics()
	}
	return s
}

// outcome is what a successful commit leaves behind.
type outcome struct {
	action     position.Action
	account    ledger.Account
	position   *ledger.Position // nil after a full close
	positionID string
	trade      ledger.TradeRecord
}

// committed mirrors the version bumps Store.Apply performs.
func committed(m ledger.Mutation, action position.Action) *outcome {
	out := &outcome{action: action, account: m.Account, trade: m.Trade}
	out.account.Version++
	if m.Previous != nil {
		out.positionID = m.Previous.ID
	}
	if m.Next != nil {
		out.positionID = m.Next.ID
		out.position = m.Next.Clone()
		out.position.Version = 1
		if m.Previous != nil {
			out.position.Version = m.Previous.Version + 1
		}
	}
	return out
}

// PlaceOrder executes an order in full or rejects it without side effects.
func (s *Service) PlaceOrder(ctx context.Context, req order.Request) (*order.Order, error) {
	timer := monitor.NewTimer(s.metrics.SettlementLatency)
	defer timer.Stop()

	if err := req.Validate(); err != nil {
		return nil, s.reject(req, err)
	}
	instType, err := s.instrumentType(req.InstrumentID)
	if err != nil {
		return nil, s.reject(req, err)
	}

	createdAt := s.now().UTC()
	quote, err := s.executionPrice(ctx, req)
	if err != nil {
		return nil, s.reject(req, err)
	}

	key := lockKey(req.UserID, req.InstrumentID)
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, s.reject(req, err)
	}
	out, err := s.withRetry(key, func() (*outcome, error) {
		return s.settleFill(ctx, req, instType, quote.Price)
	})
	unlock()
	if err != nil {
		return nil, s.reject(req, err)
	}

	s.metrics.IncrementFilled()
	s.publish(out)

	o := &order.Order{
		ID:            id.New(),
		UserID:        req.UserID,
		InstrumentID:  req.InstrumentID,
		Type:          req.Type,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopLoss:      req.StopLoss,
		Status:        order.StatusFilled,
		ExecutedPrice: quote.Price,
		PriceSource:   quote.Source,
		RealizedPnL:   out.trade.PnL,
		TradeID:       out.trade.ID,
		CreatedAt:     createdAt,
		FilledAt:      out.trade.Timestamp,
	}
	o.PositionID = out.positionID
	s.log.Infof(i18n.M().OrderFilled, o.ID, o.Side, o.Quantity, o.InstrumentID, o.ExecutedPrice, o.RealizedPnL)
	return o, nil
}

// settleFill reads, computes and commits one fill. The caller holds the key lock.
func (s *Service) settleFill(ctx context.Context, req order.Request, instType string, price decimal.Decimal) (*outcome, error) {
	acct, err := s.store.EnsureAccount(ctx, req.UserID, s.startingBalance)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	cost := price.Mul(req.Quantity)
	if req.Side == ledger.SideBuy && acct.Balance.LessThan(cost) {
		return nil, fmt.Errorf("%w: need %s, have %s",
			ledger.ErrInsufficientFunds, cost.StringFixed(2), acct.Balance.StringFixed(2))
	}

	existing, err := s.store.GetPosition(ctx, req.UserID, req.InstrumentID)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}

	now := s.now().UTC()
	res, err := position.Apply(existing, position.Fill{
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    price,
		Time:     now,
	})
	if err != nil {
		return nil, err
	}

	next := res.Position
	if next != nil && existing == nil {
		next.ID = id.New()
		next.UserID = req.UserID
		next.InstrumentID = req.InstrumentID
		next.InstrumentType = instType
	}
	if next != nil && req.StopLoss.Valid {
		next.StopLoss = req.StopLoss
	}

	cash := cost
	if req.Side == ledger.SideBuy {
		cash = cost.Neg()
	}

	m := ledger.Mutation{
		Account:  acct.Record(cash, res.RealizedDelta, now),
		Previous: existing,
		Next:     next,
		Trade: ledger.TradeRecord{
			ID:             id.Trade(),
			UserID:         req.UserID,
			InstrumentID:   req.InstrumentID,
			InstrumentType: instType,
			Side:           req.Side,
			OrderType:      string(req.Type),
			Quantity:       req.Quantity,
			Price:          price,
			PnL:            res.RealizedDelta,
			Timestamp:      now,
		},
	}
	return s.commit(ctx, m, res.Action)
}

// CloseResult reports the outcome of ClosePosition in user facing terms.
type CloseResult struct {
	Success     bool                `json:"success"`
	Message     string              `json:"message"`
	Error       error               `json:"-"`
	RealizedPnL decimal.Decimal     `json:"realized_pnl"`
	Trade       *ledger.TradeRecord `json:"trade,omitempty"`
	Account     *ledger.Account     `json:"account,omitempty"`
}

// ClosePosition sells the whole position at the current market price.
func (s *Service) ClosePosition(ctx context.Context, userID, positionID string) CloseResult {
	timer := monitor.NewTimer(s.metrics.SettlementLatency)
	defer timer.Stop()

	out, err := s.closePosition(ctx, userID, positionID)
	if err != nil {
		s.metrics.IncrementRejected()
		msg := i18n.M().ClosePositionFailed
		switch {
		case errors.Is(err, ledger.ErrPositionNotFound):
			msg = i18n.M().PositionNotFound
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		case isDomainError(err):
		default:
			s.metrics.IncrementErrors()
			msg = i18n.M().UnexpectedError
			s.log.Errorf("close position %s: %v", positionID, err)
		}
		return CloseResult{Success: false, Message: msg, Error: err}
	}

	s.metrics.IncrementClosed()
	s.publish(out)
	return CloseResult{
		Success:     true,
		Message:     i18n.M().PositionClosed,
		RealizedPnL: out.trade.PnL,
		Trade:       &out.trade,
		Account:     &out.account,
	}
}

func (s *Service) closePosition(ctx context.Context, userID, positionID string) (*outcome, error) {
	if userID == "" {
		return nil, ledger.ErrUserIDRequired
	}
	pos, err := s.ownedPosition(ctx, userID, positionID)
	if err != nil {
		return nil, err
	}

	quote, err := s.marketPrice(ctx, pos.InstrumentID)
	if err != nil {
		return nil, err
	}

	key := lockKey(userID, pos.InstrumentID)
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.withRetry(key, func() (*outcome, error) {
		current, err := s.ownedPosition(ctx, userID, positionID)
		if err != nil {
			return nil, err
		}
		acct, err := s.store.EnsureAccount(ctx, userID, s.startingBalance)
		if err != nil {
			return nil, fmt.Errorf("load account: %w", err)
		}

		now := s.now().UTC()
		res, err := position.Close(current, quote.Price, now)
		if err != nil {
			return nil, err
		}
		value := quote.Price.Mul(current.Quantity)

		m := ledger.Mutation{
			Account:  acct.Record(value, res.RealizedDelta, now),
			Previous: current,
			Trade: ledger.TradeRecord{
				ID:             id.Trade(),
				UserID:         userID,
				InstrumentID:   current.InstrumentID,
				InstrumentType: current.InstrumentType,
				Side:           ledger.SideSell,
				OrderType:      string(order.TypeMarket),
				Quantity:       current.Quantity,
				Price:          quote.Price,
				PnL:            res.RealizedDelta,
				Timestamp:      now,
			},
		}
		return s.commit(ctx, m, res.Action)
	})
}

// ownedPosition loads a position and hides positions of other users.
func (s *Service) ownedPosition(ctx context.Context, userID, positionID string) (*ledger.Position, error) {
	pos, err := s.store.GetPositionByID(ctx, positionID)
	if errors.Is(err, ledger.ErrNotFound) || (err == nil && pos.UserID != userID) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrPositionNotFound, positionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	return pos, nil
}

// commit is the last point a request can be abandoned.
func (s *Service) commit(ctx context.Context, m ledger.Mutation, action position.Action) (*outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.store.Apply(ctx, m); err != nil {
		return nil, fmt.Errorf("commit %s %s: %w", m.Trade.Side, m.Trade.InstrumentID, err)
	}
	return committed(m, action), nil
}

func (s *Service) withRetry(key string, fn func() (*outcome, error)) (*outcome, error) {
	for attempt := 1; ; attempt++ {
		out, err := fn()
		if err == nil || !errors.Is(err, ledger.ErrPersistenceConflict) {
			return out, err
		}
		s.metrics.IncrementConflicts()
		if attempt >= s.maxAttempts {
			return nil, fmt.Errorf("%s: gave up after %d attempts: %w", key, attempt, err)
		}
		s.log.Warnf(i18n.M().CommitRetrying, key, attempt+1, s.maxAttempts)
	}
}

func (s *Service) executionPrice(ctx context.Context, req order.Request) (market.Quote, error) {
	if req.Type != order.TypeMarket {
		return market.Quote{
			InstrumentID: req.InstrumentID,
			Price:        req.Price.Decimal,
			Source:       "order",
			Time:         s.now().UTC(),
		}, nil
	}
	return s.marketPrice(ctx, req.InstrumentID)
}

// marketPrice asks the oracle. It is never called with a key lock held.
func (s *Service) marketPrice(ctx context.Context, instrumentID string) (market.Quote, error) {
	timer := monitor.NewTimer(s.metrics.PriceLatency)
	defer timer.Stop()

	q, err := s.oracle.CurrentPrice(ctx, instrumentID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return market.Quote{}, ctxErr
		}
		if !errors.Is(err, market.ErrPriceUnavailable) {
			err = fmt.Errorf("%w: %s: %v", market.ErrPriceUnavailable, instrumentID, err)
		}
		return market.Quote{}, err
	}
	if !q.Price.IsPositive() {
		return market.Quote{}, fmt.Errorf("%w: %s: non-positive price %s", market.ErrPriceUnavailable, instrumentID, q.Price)
	}
	if q.Stale {
		s.log.Warnf(i18n.M().StalePriceUsed, instrumentID, q.Price, q.Source)
	}
	return q, nil
}

func (s *Service) instrumentType(instrumentID string) (string, error) {
	if s.catalog == nil {
		return "", nil
	}
	inst, ok := s.catalog.Lookup(instrumentID)
	if !ok {
		return "", fmt.Errorf("%w: unknown instrument %s", ledger.ErrInvalidInput, instrumentID)
	}
	return string(inst.Type), nil
}

func (s *Service) reject(req order.Request, err error) error {
	s.metrics.IncrementRejected()
	if isDomainError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.log.Infof(i18n.M().OrderRejected, req.UserID, req.InstrumentID, err)
	} else {
		s.metrics.IncrementErrors()
		s.log.Errorf(i18n.M().OrderRejected, req.UserID, req.InstrumentID, err)
	}
	return err
}

// isDomainError reports errors that reject a request without indicating a fault.
func isDomainError(err error) bool {
	for _, target := range []error{
		ledger.ErrInvalidInput,
		ledger.ErrUserIDRequired,
		ledger.ErrInsufficientFunds,
		ledger.ErrNoPosition,
		ledger.ErrInsufficientQuantity,
		ledger.ErrPositionNotFound,
		ledger.ErrPersistenceConflict,
		market.ErrPriceUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Service) publish(out *outcome) {
	if s.bus == nil {
		return
	}
	topic := events.UserTopic(out.account.UserID)
	snapshot := events.SnapshotOf(out.account)
	s.bus.Publish(topic, events.Event{
		Kind:   events.KindPositionChanged,
		UserID: out.account.UserID,
		At:     out.trade.Timestamp,
		Data: events.PositionChange{
			Action:       string(out.action),
			InstrumentID: out.trade.InstrumentID,
			PositionID:   out.positionID,
			Position:     out.position,
			Account:      snapshot,
			Trade:        out.trade,
		},
	})
	s.bus.Publish(topic, events.Event{
		Kind:   events.KindAccountChanged,
		UserID: out.account.UserID,
		At:     out.trade.Timestamp,
		Data:   snapshot,
	})
}

// ActiveLocks reports keys currently locked or awaited.
func (s *Service) ActiveLocks() int {
	return s.locks.Active()
}
