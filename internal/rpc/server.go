// Package rpc exposes the settlement service over gRPC. Messages are
// google.protobuf.Struct so no generated code is needed; field names match
// the JSON API.
package rpc

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"papertrade/internal/events"
	"papertrade/internal/ledger"
	"papertrade/internal/market"
	"papertrade/internal/monitor"
	"papertrade/internal/order"
	"papertrade/internal/settlement"
	"papertrade/pkg/auth"
	"papertrade/pkg/logger"
)

// UserIDHeader names the acting user for trusted callers. It is honoured
// only when the server was built WithTrustedUserHeader; everyone else sends
// "authorization: Bearer <token>" with a token from the HTTP login.
const UserIDHeader = "x-user-id"

const authorizationHeader = "authorization"

// Server implements the papertrade.Settlement service.
type Server struct {
	svc         *settlement.Service
	bus         *events.Bus
	log         logger.Logger
	metrics     *monitor.SystemMetrics
	tokens      *auth.Tokens
	trustHeader bool
}

// Option configures a Server.
type Option func(*Server)

// WithTokens verifies bearer tokens on every call.
func WithTokens(tokens *auth.Tokens) Option {
	return func(s *Server) { s.tokens = tokens }
}

// WithTrustedUserHeader accepts x-user-id from callers without a token.
func WithTrustedUserHeader() Option {
	return func(s *Server) { s.trustHeader = true }
}

// NewServer creates a gRPC server backed by the settlement service. Without
// WithTokens or WithTrustedUserHeader every call is rejected.
func NewServer(svc *settlement.Service, bus *events.Bus, metrics *monitor.SystemMetrics, log logger.Logger, opts ...Option) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{svc: svc, bus: bus, log: log, metrics: metrics}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewGRPCServer builds a grpc.Server with panic recovery, authentication
// and logging, and registers s on it.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(s.recoverUnary, s.logUnary, s.authUnary),
		grpc.ChainStreamInterceptor(s.recoverStream, s.authStream),
	)
	gs := grpc.NewServer(opts...)
	s.RegisterGRPC(gs)
	return gs
}

// RegisterGRPC registers the server on the given gRPC server instance.
// Without the interceptors NewGRPCServer installs, no call carries a user
// and every method answers Unauthenticated.
func (s *Server) RegisterGRPC(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&serviceDesc, s)
}

type placeOrderRequest struct {
	InstrumentID string           `json:"instrument_id"`
	Side         string           `json:"side"`
	Type         string           `json:"type"`
	Quantity     decimal.Decimal  `json:"quantity"`
	Price        *decimal.Decimal `json:"price"`
	StopLoss     *decimal.Decimal `json:"stop_loss"`
}

func (s *Server) PlaceOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var body placeOrderRequest
	if err := decodeStruct(in, &body); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}

	typ := order.TypeMarket
	if strings.TrimSpace(body.Type) != "" {
		if typ, err = order.ParseType(body.Type); err != nil {
			return nil, toStatus(err)
		}
	}
	req := order.Request{
		UserID:       userID,
		InstrumentID: strings.ToUpper(strings.TrimSpace(body.InstrumentID)),
		Type:         typ,
		Side:         ledger.Side(strings.ToUpper(strings.TrimSpace(body.Side))),
		Quantity:     body.Quantity,
	}
	if body.Price != nil {
		req.Price = decimal.NewNullDecimal(*body.Price)
	}
	if body.StopLoss != nil {
		req.StopLoss = decimal.NewNullDecimal(*body.StopLoss)
	}

	o, err := s.svc.PlaceOrder(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStruct(o)
}

func (s *Server) ClosePosition(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userFromContext(ctx)
	if err != nil {
		return nil, err
	}
	positionID := stringField(in, "position_id")
	if positionID == "" {
		return nil, status.Error(codes.InvalidArgument, "position_id is required")
	}
	res := s.svc.ClosePosition(ctx, userID, positionID)
	if !res.Success {
		code := codes.Internal
		if res.Error != nil {
			code = status.Code(toStatus(res.Error))
		}
		return nil, status.Error(code, res.Message)
	}
	return encodeStruct(res)
}

func (s *Server) GetPositions(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userFromContext(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := s.svc.GetPositions(ctx, userID)
	if err != nil {
		return nil, toStatus(err)
	}
	if positions == nil {
		positions = []ledger.Position{}
	}
	return encodeStruct(map[string]any{"positions": positions})
}

func (s *Server) GetTradeHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userFromContext(ctx)
	if err != nil {
		return nil, err
	}
	limit := 100
	if v, ok := in.GetFields()["limit"]; ok {
		limit = int(v.GetNumberValue())
	}
	if limit <= 0 || limit > 1000 {
		return nil, status.Errorf(codes.InvalidArgument, "limit must be in 1..1000, got %d", limit)
	}
	trades, err := s.svc.GetTradeHistory(ctx, userID, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	if trades == nil {
		trades = []ledger.TradeRecord{}
	}
	return encodeStruct(map[string]any{"trades": trades})
}

func (s *Server) GetAccount(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userFromContext(ctx)
	if err != nil {
		return nil, err
	}
	view, err := s.svc.GetAccount(ctx, userID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStruct(view)
}

// Subscribe streams the caller's change events until the client goes away.
// Setting "prices": true in the request adds price ticks.
func (s *Server) Subscribe(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	userID, err := userFromContext(ctx)
	if err != nil {
		return err
	}
	if s.bus == nil {
		return status.Error(codes.Unavailable, "event bus not configured")
	}

	userCh, unsubUser := s.bus.Subscribe(events.UserTopic(userID), 128)
	defer unsubUser()

	var priceCh <-chan events.Event
	if in.GetFields()["prices"].GetBoolValue() {
		ch, unsubPrices := s.bus.Subscribe(events.TopicPrices, 256)
		defer unsubPrices()
		priceCh = ch
	}

	// Headers go out once the subscription exists so clients can rely on it.
	if err := stream.SendHeader(metadata.Pairs("subscribed", "true")); err != nil {
		return err
	}
	s.log.Infof("grpc subscriber attached user=%s", userID)

	for {
		var ev events.Event
		var ok bool
		select {
		case <-ctx.Done():
			s.log.Infof("grpc subscriber detached user=%s", userID)
			return nil
		case ev, ok = <-userCh:
		case ev, ok = <-priceCh:
		}
		if !ok {
			return nil
		}
		msg, err := encodeStruct(ev)
		if err != nil {
			s.log.Errorf("grpc encode %s: %v", ev.Kind, err)
			continue
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}
}

type userKey struct{}

func withUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// userFromContext returns the user set by the auth interceptors.
func userFromContext(ctx context.Context) (string, error) {
	if id, ok := ctx.Value(userKey{}).(string); ok && id != "" {
		return id, nil
	}
	return "", status.Error(codes.Unauthenticated, ledger.ErrUserIDRequired.Error())
}

// authenticate resolves the caller from incoming metadata. A bearer token
// always wins over the trusted header.
func (s *Server) authenticate(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if values := md.Get(authorizationHeader); len(values) > 0 {
		if s.tokens == nil {
			return "", status.Error(codes.Unauthenticated, "token auth is not enabled")
		}
		userID, err := s.tokens.VerifyHeader(values[0])
		if err != nil {
			return "", status.Error(codes.Unauthenticated, err.Error())
		}
		return userID, nil
	}
	if s.trustHeader {
		for _, v := range md.Get(UserIDHeader) {
			if v = strings.TrimSpace(v); v != "" {
				return v, nil
			}
		}
		return "", status.Error(codes.Unauthenticated, ledger.ErrUserIDRequired.Error())
	}
	return "", status.Error(codes.Unauthenticated, auth.ErrMissingToken.Error())
}

func (s *Server) authUnary(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	userID, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return handler(withUser(ctx, userID), req)
}

func (s *Server) authStream(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	userID, err := s.authenticate(ss.Context())
	if err != nil {
		return err
	}
	return handler(srv, &authedStream{ServerStream: ss, ctx: withUser(ss.Context(), userID)})
}

// authedStream carries the authenticated user in its context.
type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }

// toStatus maps settlement errors to gRPC status errors.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ledger.ErrUserIDRequired):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, ledger.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrNoPosition),
		errors.Is(err, ledger.ErrInsufficientQuantity):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ledger.ErrPositionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, market.ErrPriceUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ledger.ErrPersistenceConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, "internal error")
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	latency := time.Since(start)

	code := status.Code(err)
	if s.metrics != nil {
		s.metrics.IncrementAPI()
		s.metrics.APILatency.RecordDuration(latency)
		if code != codes.OK {
			s.metrics.IncrementAPIErrors()
		}
	}
	if code == codes.Internal {
		s.log.Errorf("[RPC] %s | %s | %v", info.FullMethod, latency, err)
	} else {
		s.log.Debugf("[RPC] %s | %s | %v", info.FullMethod, code, latency)
	}
	return resp, err
}

func (s *Server) recoverUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("[RPC] panic in %s: %v\n%s", info.FullMethod, r, debug.Stack())
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

func (s *Server) recoverStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("[RPC] panic in %s: %v\n%s", info.FullMethod, r, debug.Stack())
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(srv, ss)
}
