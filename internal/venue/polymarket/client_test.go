package polymarket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyswarm/internal/backoff"
	"github.com/alanyoungcy/polyswarm/internal/crypto"
	"github.com/alanyoungcy/polyswarm/internal/domain"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, h http.Handler, withSigner bool, creds crypto.L2Credentials) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	var signer *crypto.Signer
	if withSigner {
		var err error
		signer, err = crypto.NewSigner(testKey, 137)
		require.NoError(t, err)
	}
	c := New(Config{ClobURL: srv.URL, GammaURL: srv.URL, ChainID: 137, Credentials: creds}, signer, quietLogger())
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	c.salt = func() int64 { return 7 }
	return c
}

var testCreds = crypto.L2Credentials{Key: "k", Secret: "c2VjcmV0", Passphrase: "p"}

func TestFetchMarkets(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/markets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		_, _ = io.WriteString(w, `[
			{"id":"1","question":"Will it rain?","active":true,"closed":false,
			 "outcomes":"[\"Yes\",\"No\"]","outcomePrices":"[\"0.45\",\"0.50\"]",
			 "clobTokenIds":"[\"111\",\"222\"]","liquidity":"1500.5","endDate":"2026-12-31T00:00:00Z"},
			{"id":"2","question":"closed","active":true,"closed":true,
			 "outcomes":"[\"Yes\",\"No\"]","clobTokenIds":"[\"3\",\"4\"]"},
			{"id":"3","question":"no tokens","active":"true","closed":false,"outcomes":"[\"Yes\",\"No\"]"}
		]`)
	})
	c := newTestClient(t, mux, false, crypto.L2Credentials{})

	markets, err := c.FetchMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 1)

	m := markets[0]
	assert.Equal(t, "Will it rain?", m.Title)
	assert.InDelta(t, 1500.5, m.Liquidity, 1e-9)
	require.Len(t, m.Outcomes, 2)
	assert.Equal(t, domain.Outcome{Name: "No", TokenID: "222", Price: 0.50}, m.Outcomes[1])
	assert.Equal(t, 2026, m.EndsAt.Year())
}

func TestFetchOrderBook_SortsLevels(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/book", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "111", r.URL.Query().Get("token_id"))
		_, _ = io.WriteString(w, `{"asset_id":"111",
			"bids":[{"price":"0.40","size":"10"},{"price":"0.44","size":"5"}],
			"asks":[{"price":"0.50","size":"20"},{"price":"0.46","size":"8"},{"price":"0.47","size":"0"}],
			"timestamp":"1700000000000"}`)
	})
	c := newTestClient(t, mux, false, crypto.L2Credentials{})

	book, err := c.FetchOrderBook(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, 0.46, book.BestAsk())
	assert.Len(t, book.Asks, 2, "zero-size levels dropped")
	assert.Equal(t, 0.44, book.Bids[0].Price)
	assert.Equal(t, time.UnixMilli(1700000000000), book.Timestamp)
}

func TestHTTPErrorsMapToDomain(t *testing.T) {
	for _, tc := range []struct {
		code int
		want error
	}{
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusUnauthorized, domain.ErrUnauthorized},
		{http.StatusTooManyRequests, domain.ErrRateLimited},
	} {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
		}), false, crypto.L2Credentials{})
		_, err := c.FetchOrderBook(context.Background(), "1")
		assert.ErrorIs(t, err, tc.want)
	}
}

func TestGetBalance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/balance-allowance", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		assert.Equal(t, "k", r.Header.Get("POLY_API_KEY"))
		_, _ = io.WriteString(w, `{"balance":"125500000"}`)
	})
	c := newTestClient(t, mux, true, testCreds)

	bal, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 125.5, bal, 1e-9)
}

func TestGetBalance_NoCredentials(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler(), false, crypto.L2Credentials{})
	_, err := c.GetBalance(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestAuthenticate_DerivesThenCreates(t *testing.T) {
	var derived, created bool
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/derive-api-key", func(w http.ResponseWriter, r *http.Request) {
		derived = true
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		assert.Equal(t, "1700000000", r.Header.Get("POLY_TIMESTAMP"))
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/auth/api-key", func(w http.ResponseWriter, r *http.Request) {
		created = true
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = io.WriteString(w, `{"apiKey":"new","secret":"c2VjcmV0","passphrase":"pp"}`)
	})
	mux.HandleFunc("/balance-allowance", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "new", r.Header.Get("POLY_API_KEY"))
		_, _ = io.WriteString(w, `{"balance":"0"}`)
	})
	c := newTestClient(t, mux, true, crypto.L2Credentials{})

	require.NoError(t, c.Authenticate(context.Background()))
	assert.True(t, derived)
	assert.True(t, created)
	assert.Equal(t, "new", c.credentials().Key)
}

func TestAuthenticate_RejectedCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/balance-allowance", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newTestClient(t, mux, true, testCreds)
	assert.ErrorIs(t, c.Authenticate(context.Background()), domain.ErrUnauthorized)

	readOnly := newTestClient(t, mux, false, crypto.L2Credentials{})
	assert.ErrorIs(t, readOnly.Authenticate(context.Background()), domain.ErrUnauthorized)
}

func TestPlaceOrder_Matched(t *testing.T) {
	var posted orderBody
	mux := http.NewServeMux()
	mux.HandleFunc("/neg-risk", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"neg_risk":false}`)
	})
	mux.HandleFunc("/order", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		_, _ = io.WriteString(w, `{"success":true,"orderID":"0xabc","status":"matched","makingAmount":"9.5","takingAmount":"20"}`)
	})
	c := newTestClient(t, mux, true, testCreds)

	res, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		ClientID: "r1", TokenID: "12345", Side: domain.OrderSideBuy, AmountUSD: 10, PriceLimit: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", res.VenueOrderID)
	assert.InDelta(t, 9.5, res.FilledUSD, 1e-9)
	assert.InDelta(t, 20, res.Shares, 1e-9)
	assert.InDelta(t, 0.475, res.AvgPrice, 1e-9)

	assert.Equal(t, "FAK", posted.OrderType)
	assert.Equal(t, "BUY", posted.Order.Side)
	assert.Equal(t, "10000000", posted.Order.MakerAmount)
	assert.Equal(t, "20000000", posted.Order.TakerAmount)
	assert.Equal(t, int64(7), posted.Order.Salt)
	assert.NotEmpty(t, posted.Order.Signature)
}

func TestPlaceOrder_Unmatched(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/neg-risk", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"neg_risk":true}`)
	})
	mux.HandleFunc("/order", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":true,"orderID":"0xdef","status":"unmatched"}`)
	})
	c := newTestClient(t, mux, true, testCreds)

	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{TokenID: "1", AmountUSD: 5, PriceLimit: 0.3})
	assert.ErrorIs(t, err, domain.ErrNoLiquidity)
}

func TestPlaceOrder_Invalid(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler(), true, testCreds)
	for _, req := range []domain.OrderRequest{
		{TokenID: "1", AmountUSD: 0, PriceLimit: 0.5},
		{TokenID: "1", AmountUSD: 5, PriceLimit: 1},
		{TokenID: "abc", AmountUSD: 5, PriceLimit: 0.5},
	} {
		_, err := c.PlaceOrder(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	}

	noCreds := newTestClient(t, http.NotFoundHandler(), true, crypto.L2Credentials{})
	_, err := noCreds.PlaceOrder(context.Background(), domain.OrderRequest{TokenID: "1", AmountUSD: 5, PriceLimit: 0.5})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestBookStream_Dispatch(t *testing.T) {
	var got []domain.OrderBook
	s := NewBookStream("ws://unused", backoffPolicy, func(b domain.OrderBook) { got = append(got, b) }, quietLogger())

	s.dispatch([]byte(`[{"event_type":"book","asset_id":"1",
		"bids":[{"price":"0.40","size":"10"}],
		"asks":[{"price":"0.55","size":"5"},{"price":"0.52","size":"7"}]}]`))
	require.Len(t, got, 1)
	assert.Equal(t, 0.52, got[0].BestAsk())

	s.dispatch([]byte(`{"event_type":"price_change","price_changes":[
		{"asset_id":"1","price":"0.52","size":"0","side":"SELL"},
		{"asset_id":"1","price":"0.50","size":"3","side":"SELL"},
		{"asset_id":"9","price":"0.10","size":"3","side":"SELL"}]}`))
	require.Len(t, got, 2, "unknown assets are ignored")
	assert.Equal(t, []domain.PriceLevel{{Price: 0.50, Size: 3}, {Price: 0.55, Size: 5}}, got[1].Asks)

	s.dispatch([]byte(`not json`))
	assert.Len(t, got, 2)
}

var backoffPolicy = backoff.Policy{Base: time.Millisecond, Max: time.Millisecond}
