// Package oracle polls external reference prices and publishes them on the
// oracle channel.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/domain"
)

// Binance reads spot prices from the public ticker endpoint. Symbols are
// base assets ("BTC") quoted against Quote ("USDT").
type Binance struct {
	baseURL string
	quote   string
	http    *http.Client
	now     func() time.Time
}

var _ domain.Oracle = (*Binance)(nil)

// NewBinance creates a client for baseURL, e.g. "https://api.binance.com".
func NewBinance(baseURL string, timeout time.Duration) *Binance {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Binance{
		baseURL: strings.TrimRight(baseURL, "/"),
		quote:   "USDT",
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// FetchQuotes returns one quote per known symbol in a single request.
func (b *Binance) FetchQuotes(ctx context.Context, symbols []string) ([]domain.OracleQuote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	pairs := make([]string, len(symbols))
	back := make(map[string]string, len(symbols))
	for i, s := range symbols {
		pair := strings.ToUpper(s) + b.quote
		pairs[i] = pair
		back[pair] = strings.ToUpper(s)
	}
	encoded, err := json.Marshal(pairs)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("symbols", string(encoded))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/v3/ticker/price?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: binance: %w", err)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle: binance: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oracle: binance: read: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		return nil, fmt.Errorf("oracle: binance: %w", domain.ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("oracle: binance: HTTP %d: %s", resp.StatusCode, body)
	}

	var tickers []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("oracle: binance: decode: %w", err)
	}

	observed := b.now().UTC()
	out := make([]domain.OracleQuote, 0, len(tickers))
	for _, t := range tickers {
		sym, ok := back[t.Symbol]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(t.Price, 64)
		if err != nil || v <= 0 {
			continue
		}
		out = append(out, domain.OracleQuote{Symbol: sym, Value: v, ObservedAt: observed})
	}
	return out, nil
}
