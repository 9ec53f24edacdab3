// Package polymarket adapts the Polymarket Gamma and CLOB APIs to the
// domain.Venue interface.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/polyswarm/internal/crypto"
	"github.com/alanyoungcy/polyswarm/internal/domain"
)

// Signature types understood by the exchange.
const (
	SignatureEOA        = 0
	SignaturePolyProxy  = 1
	SignatureGnosisSafe = 2
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// usdcUnit scales collateral and share amounts to on-chain integers.
var usdcUnit = decimal.New(1, 6)

// Config holds endpoints and account parameters.
type Config struct {
	ClobURL       string
	GammaURL      string
	ChainID       int64
	SignatureType int
	// Funder is the proxy or safe holding collateral. Empty means the
	// signer's own address.
	Funder      string
	Credentials crypto.L2Credentials
	MarketLimit int
	Timeout     time.Duration
	// RatePerSecond paces REST calls; zero disables pacing.
	RatePerSecond float64
}

// Client implements domain.Venue and domain.Authenticator. A nil signer
// gives a read-only client that can fetch markets and books.
type Client struct {
	cfg     Config
	http    *http.Client
	signer  *crypto.Signer
	limiter *rate.Limiter
	logger  *slog.Logger

	mu    sync.RWMutex
	creds crypto.L2Credentials

	negRisk sync.Map // token id -> bool

	now  func() time.Time
	salt func() int64
}

var (
	_ domain.Venue         = (*Client)(nil)
	_ domain.Authenticator = (*Client)(nil)
)

// New creates a venue client.
func New(cfg Config, signer *crypto.Signer, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MarketLimit <= 0 {
		cfg.MarketLimit = 200
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		signer:  signer,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "polymarket")),
		creds:   cfg.Credentials,
		now:     time.Now,
		salt:    func() int64 { return rand.Int64N(1 << 53) },
	}
}

// FetchMarkets returns the active markets ordered by 24h volume.
func (c *Client) FetchMarkets(ctx context.Context) ([]domain.Market, error) {
	q := url.Values{}
	q.Set("active", "true")
	q.Set("closed", "false")
	q.Set("limit", strconv.Itoa(c.cfg.MarketLimit))
	q.Set("order", "volume24hr")
	q.Set("ascending", "false")

	body, err := c.do(ctx, c.cfg.GammaURL, http.MethodGet, "/markets", q, nil, false)
	if err != nil {
		return nil, fmt.Errorf("polymarket: fetch markets: %w", err)
	}
	var raw []gammaMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("polymarket: decode markets: %w", err)
	}

	observed := c.now().UTC()
	out := make([]domain.Market, 0, len(raw))
	for _, g := range raw {
		if m, ok := g.toDomain(observed); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// FetchOrderBook returns the current book for one outcome token.
func (c *Client) FetchOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	q := url.Values{}
	q.Set("token_id", tokenID)
	body, err := c.do(ctx, c.cfg.ClobURL, http.MethodGet, "/book", q, nil, false)
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("polymarket: fetch book %s: %w", tokenID, err)
	}
	var raw bookResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.OrderBook{}, fmt.Errorf("polymarket: decode book: %w", err)
	}
	if raw.AssetID == "" {
		raw.AssetID = tokenID
	}
	return raw.toDomain(), nil
}

// GetBalance returns the funder's collateral balance in USD.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	q := url.Values{}
	q.Set("asset_type", "COLLATERAL")
	q.Set("signature_type", strconv.Itoa(c.cfg.SignatureType))
	body, err := c.do(ctx, c.cfg.ClobURL, http.MethodGet, "/balance-allowance", q, nil, true)
	if err != nil {
		return 0, fmt.Errorf("polymarket: balance: %w", err)
	}
	var raw balanceResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, fmt.Errorf("polymarket: decode balance: %w", err)
	}
	units, err := decimal.NewFromString(raw.Balance)
	if err != nil {
		return 0, fmt.Errorf("polymarket: parse balance %q: %w", raw.Balance, err)
	}
	return units.Div(usdcUnit).InexactFloat64(), nil
}

// Authenticate derives L2 credentials when none are configured, creating
// them on first use, and proves them with a balance call.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.signer == nil {
		return fmt.Errorf("polymarket: authenticate: %w: no wallet key", domain.ErrUnauthorized)
	}
	if !c.credentials().Valid() {
		creds, err := c.l1(ctx, http.MethodGet, "/auth/derive-api-key")
		if err != nil && isNotFound(err) {
			creds, err = c.l1(ctx, http.MethodPost, "/auth/api-key")
		}
		if err != nil {
			return fmt.Errorf("polymarket: authenticate: %w", err)
		}
		c.mu.Lock()
		c.creds = creds
		c.mu.Unlock()
		c.logger.InfoContext(ctx, "derived api credentials", slog.String("creds", creds.String()))
	}
	if _, err := c.GetBalance(ctx); err != nil {
		return fmt.Errorf("polymarket: authenticate: %w", err)
	}
	return nil
}

// PlaceOrder signs and posts a fill-and-kill order at req.PriceLimit. Any
// unfilled remainder is cancelled by the exchange, so the result is final.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if c.signer == nil || !c.credentials().Valid() {
		return domain.OrderResult{}, fmt.Errorf("polymarket: place order: %w", domain.ErrUnauthorized)
	}
	order, usd, shares, err := c.buildOrder(req)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket: place order: %w", err)
	}
	exchange := crypto.CTFExchange
	if c.isNegRisk(ctx, req.TokenID) {
		exchange = crypto.NegRiskExchange
	}
	sig, err := c.signer.SignOrder(order, exchange)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket: place order: %w: %v", domain.ErrSigningFailed, err)
	}

	side := "BUY"
	if req.Side == domain.OrderSideSell {
		side = "SELL"
	}
	body := orderBody{
		Order: signedOrder{
			Salt:          order.Salt.Int64(),
			Maker:         order.Maker.Hex(),
			Signer:        order.Signer.Hex(),
			Taker:         zeroAddress,
			TokenID:       req.TokenID,
			MakerAmount:   order.MakerAmount.String(),
			TakerAmount:   order.TakerAmount.String(),
			Expiration:    "0",
			Nonce:         "0",
			FeeRateBps:    "0",
			Side:          side,
			SignatureType: c.cfg.SignatureType,
			Signature:     sig,
		},
		Owner:     c.credentials().Key,
		OrderType: "FAK",
	}

	raw, err := c.do(ctx, c.cfg.ClobURL, http.MethodPost, "/order", nil, body, true)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket: place order %s: %w", req.ClientID, err)
	}
	var resp orderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket: decode order: %w", err)
	}
	return orderResult(req, resp, usd, shares)
}

// orderResult reads the fill from the exchange answer. For a buy the maker
// gives collateral and takes shares; a sell is the reverse.
func orderResult(req domain.OrderRequest, resp orderResponse, usd, shares decimal.Decimal) (domain.OrderResult, error) {
	if !resp.Success {
		return domain.OrderResult{}, fmt.Errorf("polymarket: order rejected: %s", resp.ErrorMsg)
	}
	if resp.Status != "matched" {
		return domain.OrderResult{VenueOrderID: resp.OrderID}, domain.ErrNoLiquidity
	}

	filledUSD, filledShares := float64(resp.MakingAmount), float64(resp.TakingAmount)
	if req.Side == domain.OrderSideSell {
		filledUSD, filledShares = filledShares, filledUSD
	}
	if filledUSD == 0 && filledShares == 0 {
		filledUSD, filledShares = usd.InexactFloat64(), shares.InexactFloat64()
	}
	res := domain.OrderResult{
		VenueOrderID: resp.OrderID,
		Shares:       filledShares,
		FilledUSD:    filledUSD,
	}
	if filledShares > 0 {
		res.AvgPrice = filledUSD / filledShares
	}
	return res, nil
}

// buildOrder converts a notional request into on-chain amounts. Collateral
// is rounded down to cents and shares down to 0.0001 so the implied price
// never exceeds the limit.
func (c *Client) buildOrder(req domain.OrderRequest) (crypto.Order, decimal.Decimal, decimal.Decimal, error) {
	if req.AmountUSD <= 0 {
		return crypto.Order{}, decimal.Zero, decimal.Zero, fmt.Errorf("%w: amount %.4f", domain.ErrInvalidOrder, req.AmountUSD)
	}
	if req.PriceLimit <= 0 || req.PriceLimit >= 1 {
		return crypto.Order{}, decimal.Zero, decimal.Zero, fmt.Errorf("%w: price %.4f", domain.ErrInvalidOrder, req.PriceLimit)
	}
	tokenID, ok := new(big.Int).SetString(req.TokenID, 10)
	if !ok {
		return crypto.Order{}, decimal.Zero, decimal.Zero, fmt.Errorf("%w: token id %q", domain.ErrInvalidOrder, req.TokenID)
	}

	price := decimal.NewFromFloat(req.PriceLimit)
	usd := decimal.NewFromFloat(req.AmountUSD).RoundDown(2)
	shares := usd.Div(price).RoundDown(4)
	if usd.IsZero() || shares.IsZero() {
		return crypto.Order{}, decimal.Zero, decimal.Zero, fmt.Errorf("%w: amount below minimum", domain.ErrInvalidOrder)
	}

	maker, taker := usd, shares
	side := crypto.SideBuy
	if req.Side == domain.OrderSideSell {
		maker, taker = shares, usd
		side = crypto.SideSell
	}

	signerAddr := c.signer.Address()
	funder := signerAddr
	if c.cfg.Funder != "" {
		funder = common.HexToAddress(c.cfg.Funder)
	}
	return crypto.Order{
		Salt:          big.NewInt(c.salt()),
		Maker:         funder,
		Signer:        signerAddr,
		Taker:         common.HexToAddress(zeroAddress),
		TokenID:       tokenID,
		MakerAmount:   maker.Mul(usdcUnit).BigInt(),
		TakerAmount:   taker.Mul(usdcUnit).BigInt(),
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(0),
		Side:          side,
		SignatureType: uint8(c.cfg.SignatureType),
	}, usd, shares, nil
}

// isNegRisk asks the CLOB which exchange settles tokenID and caches the
// answer. Lookup failures fall back to the standard exchange.
func (c *Client) isNegRisk(ctx context.Context, tokenID string) bool {
	if v, ok := c.negRisk.Load(tokenID); ok {
		return v.(bool)
	}
	q := url.Values{}
	q.Set("token_id", tokenID)
	body, err := c.do(ctx, c.cfg.ClobURL, http.MethodGet, "/neg-risk", q, nil, false)
	if err != nil {
		c.logger.WarnContext(ctx, "neg-risk lookup failed", slog.String("token_id", tokenID), slog.String("error", err.Error()))
		return false
	}
	var resp struct {
		NegRisk bool `json:"neg_risk"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}
	c.negRisk.Store(tokenID, resp.NegRisk)
	return resp.NegRisk
}

func (c *Client) credentials() crypto.L2Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// l1 calls a wallet-signed auth endpoint and returns the API key triple.
func (c *Client) l1(ctx context.Context, method, path string) (crypto.L2Credentials, error) {
	ts := strconv.FormatInt(c.now().Unix(), 10)
	sig, err := c.signer.SignAuth(ts, 0)
	if err != nil {
		return crypto.L2Credentials{}, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ClobURL+path, nil)
	if err != nil {
		return crypto.L2Credentials{}, err
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", ts)
	req.Header.Set("POLY_NONCE", "0")

	body, err := c.send(req)
	if err != nil {
		return crypto.L2Credentials{}, err
	}
	var resp apiKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return crypto.L2Credentials{}, fmt.Errorf("decode api key: %w", err)
	}
	creds := crypto.L2Credentials{Key: resp.APIKey, Secret: resp.Secret, Passphrase: resp.Passphrase}
	if !creds.Valid() {
		return crypto.L2Credentials{}, fmt.Errorf("%w: incomplete api credentials", domain.ErrUnauthorized)
	}
	return creds, nil
}

// do builds and sends a request. Authenticated requests carry L2 headers
// signed over the path without its query string.
func (c *Client) do(ctx context.Context, base, method, path string, query url.Values, body any, auth bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var (
		reader  io.Reader
		payload string
	)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		payload = string(b)
		reader = bytes.NewReader(b)
	}

	target := base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		creds := c.credentials()
		if c.signer == nil || !creds.Valid() {
			return nil, domain.ErrUnauthorized
		}
		for k, v := range creds.Headers(c.signer.Address().Hex(), method, path, payload, c.now()) {
			req.Header.Set(k, v)
		}
	}
	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := string(body)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", code, msg)
	}
}

func isNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }
