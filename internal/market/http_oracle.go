package market

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/ratelimit"
	"resty.dev/v3"

	"papertrade/pkg/logger"
)

const _quotePath = "/quote/{instrument}"

// HTTPOracle fetches quotes from an external JSON endpoint:
//
//	GET {base}/quote/{instrument} -> {"price": "123.45", "time": "..."}
type HTTPOracle struct {
	client  *resty.Client
	limiter ratelimit.Limiter
}

type quoteResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   *time.Time      `json:"time"`
}

// NewHTTPOracle creates a client for baseURL allowing at most rps requests per
// second (unlimited when rps <= 0).
func NewHTTPOracle(baseURL string, rps int, timeout time.Duration, log logger.Logger) *HTTPOracle {
	if log == nil {
		log = logger.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	limiter := ratelimit.NewUnlimited()
	if rps > 0 {
		limiter = ratelimit.New(rps)
	}
	client := resty.New().
		SetLogger(log).
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &HTTPOracle{client: client, limiter: limiter}
}

func (o *HTTPOracle) CurrentPrice(ctx context.Context, instrumentID string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	o.limiter.Take()

	var out quoteResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetPathParam("instrument", instrumentID).
		SetResult(&out).
		Get(_quotePath)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: fetch %s: %v", ErrPriceUnavailable, instrumentID, err)
	}
	if resp.IsError() {
		return Quote{}, fmt.Errorf("%w: fetch %s: status %d", ErrPriceUnavailable, instrumentID, resp.StatusCode())
	}
	if !out.Price.IsPositive() {
		return Quote{}, fmt.Errorf("%w: %s: non-positive price %s", ErrPriceUnavailable, instrumentID, out.Price)
	}

	at := time.Now().UTC()
	if out.Time != nil {
		at = out.Time.UTC()
	}
	return Quote{InstrumentID: instrumentID, Price: out.Price, Source: "http", Time: at}, nil
}

// Close releases the underlying HTTP client.
func (o *HTTPOracle) Close() error {
	return o.client.Close()
}
