package market

import (
	"context"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// AlpacaOracle resolves US equity prices from the latest Alpaca trade. Other
// instrument types are not served.
type AlpacaOracle struct {
	client  *marketdata.Client
	catalog *Catalog
}

// NewAlpacaOracle builds a market-data client. dataURL may be empty for the
// default endpoint.
func NewAlpacaOracle(apiKey, apiSecret, dataURL string, catalog *Catalog) *AlpacaOracle {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaOracle{client: marketdata.NewClient(opts), catalog: catalog}
}

func (o *AlpacaOracle) CurrentPrice(ctx context.Context, instrumentID string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	inst, ok := o.catalog.Lookup(instrumentID)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrumentID)
	}
	if inst.Type != TypeStocks {
		return Quote{}, fmt.Errorf("%w: alpaca serves stocks only, %s is %s", ErrPriceUnavailable, instrumentID, inst.Type)
	}

	trade, err := o.client.GetLatestTrade(instrumentID, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return Quote{}, fmt.Errorf("%w: alpaca latest trade %s: %v", ErrPriceUnavailable, instrumentID, err)
	}
	if trade == nil || trade.Price <= 0 {
		return Quote{}, fmt.Errorf("%w: alpaca returned no trade for %s", ErrPriceUnavailable, instrumentID)
	}
	return Quote{
		InstrumentID: instrumentID,
		Price:        decimal.NewFromFloat(trade.Price),
		Source:       "alpaca",
		Time:         trade.Timestamp.UTC(),
	}, nil
}
