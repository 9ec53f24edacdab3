package domain

import "context"

// Venue is the trading venue as seen by the core.
type Venue interface {
	FetchMarkets(ctx context.Context) ([]Market, error)
	FetchOrderBook(ctx context.Context, tokenID string) (OrderBook, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetBalance(ctx context.Context) (float64, error)
}

// Authenticator is implemented by venues that can verify credentials
// before trading starts.
type Authenticator interface {
	Authenticate(ctx context.Context) error
}

// Oracle returns the latest values for a batch of symbols in one call.
type Oracle interface {
	FetchQuotes(ctx context.Context, symbols []string) ([]OracleQuote, error)
}
