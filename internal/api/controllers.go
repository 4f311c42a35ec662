package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"papertrade/internal/ledger"
	"papertrade/internal/market"
	"papertrade/internal/monitor"
	"papertrade/internal/order"
)

type createOrderRequest struct {
	InstrumentID string           `json:"instrument_id" binding:"required,min=1"`
	Side         string           `json:"side" binding:"required"`
	Type         string           `json:"type"`
	Quantity     decimal.Decimal  `json:"quantity"`
	Price        *decimal.Decimal `json:"price"`
	StopLoss     *decimal.Decimal `json:"stop_loss"`
}

func (r createOrderRequest) toRequest(userID string) (order.Request, error) {
	typ := order.TypeMarket
	if strings.TrimSpace(r.Type) != "" {
		t, err := order.ParseType(r.Type)
		if err != nil {
			return order.Request{}, err
		}
		typ = t
	}
	req := order.Request{
		UserID:       userID,
		InstrumentID: strings.ToUpper(strings.TrimSpace(r.InstrumentID)),
		Type:         typ,
		Side:         ledger.Side(strings.ToUpper(strings.TrimSpace(r.Side))),
		Quantity:     r.Quantity,
	}
	if r.Price != nil {
		req.Price = decimal.NewNullDecimal(*r.Price)
	}
	if r.StopLoss != nil {
		req.StopLoss = decimal.NewNullDecimal(*r.StopLoss)
	}
	return req, nil
}

type listTradesQuery struct {
	Limit int `form:"limit"`
}

func (q *listTradesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// errorStatus maps settlement errors to HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrUserIDRequired):
		return http.StatusUnauthorized, "UNAUTHENTICATED"
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"
	case errors.Is(err, ledger.ErrNoPosition):
		return http.StatusUnprocessableEntity, "NO_POSITION"
	case errors.Is(err, ledger.ErrInsufficientQuantity):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_QUANTITY"
	case errors.Is(err, ledger.ErrPositionNotFound):
		return http.StatusNotFound, "POSITION_NOT_FOUND"
	case errors.Is(err, market.ErrPriceUnavailable):
		return http.StatusServiceUnavailable, "PRICE_UNAVAILABLE"
	case errors.Is(err, ledger.ErrPersistenceConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "TIMEOUT"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func (s *Server) respondSettlementError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.Log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		msg = "internal error"
	}
	respondError(c, status, code, msg)
}

// createOrder places an order for the authenticated user. Orders fill
// immediately or are rejected.
func (s *Server) createOrder(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	var body createOrderRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_INPUT", "invalid request payload")
		return
	}
	req, err := body.toRequest(userID)
	if err != nil {
		s.respondSettlementError(c, err)
		return
	}

	o, err := s.Settlement.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		s.respondSettlementError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

// closePosition sells an entire position at market.
func (s *Server) closePosition(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	res := s.Settlement.ClosePosition(c.Request.Context(), userID, c.Param("id"))
	if !res.Success {
		status, code := errorStatus(res.Error)
		c.JSON(status, gin.H{
			"success": false,
			"code":    code,
			"message": res.Message,
			"error":   res.Message,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getPositions(c *gin.Context) {
	userID := CurrentUserID(c)
	positions, err := s.Settlement.GetPositions(c.Request.Context(), userID)
	if err != nil {
		s.respondSettlementError(c, err)
		return
	}
	if positions == nil {
		positions = []ledger.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_INPUT", "invalid query")
		return
	}
	q.normalize()

	trades, err := s.Settlement.GetTradeHistory(c.Request.Context(), CurrentUserID(c), q.Limit)
	if err != nil {
		s.respondSettlementError(c, err)
		return
	}
	if trades == nil {
		trades = []ledger.TradeRecord{}
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) getAccount(c *gin.Context) {
	view, err := s.Settlement.GetAccount(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.respondSettlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) listInstruments(c *gin.Context) {
	if s.Catalog == nil {
		c.JSON(http.StatusOK, []market.Instrument{})
		return
	}
	typ := strings.ToUpper(c.Query("type"))
	out := make([]market.Instrument, 0)
	for _, inst := range s.Catalog.List() {
		if typ == "" || string(inst.Type) == typ {
			out = append(out, inst)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getPrice(c *gin.Context) {
	if s.Oracle == nil {
		respondError(c, http.StatusServiceUnavailable, "PRICE_UNAVAILABLE", "no price source configured")
		return
	}
	q, err := s.Oracle.CurrentPrice(c.Request.Context(), strings.ToUpper(c.Param("instrument")))
	if err != nil {
		if errors.Is(err, market.ErrUnknownInstrument) {
			respondError(c, http.StatusNotFound, "UNKNOWN_INSTRUMENT", err.Error())
			return
		}
		respondError(c, http.StatusServiceUnavailable, "PRICE_UNAVAILABLE", err.Error())
		return
	}
	c.JSON(http.StatusOK, q)
}

// getMetrics returns system performance metrics.
func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// getPromMetrics returns a minimal Prometheus text exposition of key metrics.
func (s *Server) getPromMetrics(c *gin.Context) {
	snapshot := s.Metrics.GetSnapshot()

	var b strings.Builder
	// Counters
	fmt.Fprintf(&b, "papertrade_api_requests_total %d\n", snapshot.APIRequests)
	fmt.Fprintf(&b, "papertrade_api_errors_total %d\n", snapshot.APIErrors)
	fmt.Fprintf(&b, "papertrade_orders_filled_total %d\n", snapshot.OrdersFilled)
	fmt.Fprintf(&b, "papertrade_orders_rejected_total %d\n", snapshot.OrdersRejected)
	fmt.Fprintf(&b, "papertrade_positions_closed_total %d\n", snapshot.PositionsClosed)
	fmt.Fprintf(&b, "papertrade_commit_conflicts_total %d\n", snapshot.CommitConflicts)
	fmt.Fprintf(&b, "papertrade_ticks_processed_total %d\n", snapshot.TicksProcessed)
	fmt.Fprintf(&b, "papertrade_errors_total %d\n", snapshot.ErrorsCount)

	// Gauges for latency (ms)
	writeLatency := func(prefix string, ls monitor.LatencyStats) {
		if ls.Count == 0 {
			return
		}
		fmt.Fprintf(&b, "papertrade_%s_latency_ms_avg %f\n", prefix, ls.Avg)
		fmt.Fprintf(&b, "papertrade_%s_latency_ms_p50 %f\n", prefix, ls.P50)
		fmt.Fprintf(&b, "papertrade_%s_latency_ms_p95 %f\n", prefix, ls.P95)
		fmt.Fprintf(&b, "papertrade_%s_latency_ms_p99 %f\n", prefix, ls.P99)
	}
	writeLatency("api", snapshot.APILatency)
	writeLatency("settlement", snapshot.SettlementLatency)
	writeLatency("price", snapshot.PriceLatency)
	writeLatency("mark", snapshot.MarkLatency)

	for name, v := range snapshot.Gauges {
		fmt.Fprintf(&b, "papertrade_%s %d\n", name, v)
	}
	fmt.Fprintf(&b, "papertrade_goroutines %d\n", snapshot.GoroutineCount)
	fmt.Fprintf(&b, "papertrade_heap_alloc_bytes %d\n", snapshot.HeapAlloc)

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, b.String())
}
