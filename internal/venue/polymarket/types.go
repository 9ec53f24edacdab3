package polymarket

import (
	"cmp"
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/domain"
)

// flexBool accepts true/false as JSON booleans or strings.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	*b = flexBool(s == "true" || s == "1")
	return nil
}

// flexFloat accepts numbers encoded as JSON numbers or strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// gammaMarket is a market as returned by the Gamma API. Several list
// fields arrive as JSON-encoded strings.
type gammaMarket struct {
	ID            string    `json:"id"`
	Question      string    `json:"question"`
	Slug          string    `json:"slug"`
	Active        flexBool  `json:"active"`
	Closed        flexBool  `json:"closed"`
	NegRisk       flexBool  `json:"negRisk"`
	Outcomes      string    `json:"outcomes"`      // "[\"Yes\",\"No\"]"
	OutcomePrices string    `json:"outcomePrices"` // "[\"0.51\",\"0.47\"]"
	ClobTokenIDs  string    `json:"clobTokenIds"`  // "[\"123\",\"456\"]"
	Liquidity     flexFloat `json:"liquidity"`
	EndDate       string    `json:"endDate"`
}

func decodeList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// toDomain converts a Gamma market. ok is false when the market is not
// tradable (closed, inactive or missing token ids).
func (g gammaMarket) toDomain(observed time.Time) (domain.Market, bool) {
	if bool(g.Closed) || !bool(g.Active) {
		return domain.Market{}, false
	}
	names := decodeList(g.Outcomes)
	tokens := decodeList(g.ClobTokenIDs)
	prices := decodeList(g.OutcomePrices)
	if len(names) == 0 || len(names) != len(tokens) {
		return domain.Market{}, false
	}

	m := domain.Market{
		ID:         g.ID,
		Title:      g.Question,
		Slug:       g.Slug,
		Liquidity:  float64(g.Liquidity),
		ObservedAt: observed,
		Outcomes:   make([]domain.Outcome, len(names)),
	}
	for i, name := range names {
		o := domain.Outcome{Name: name, TokenID: tokens[i]}
		if i < len(prices) {
			o.Price, _ = strconv.ParseFloat(prices[i], 64)
		}
		m.Outcomes[i] = o
	}
	if t, err := time.Parse(time.RFC3339, g.EndDate); err == nil {
		m.EndsAt = t
	}
	return m, true
}

// bookLevel is a price level with string-encoded numbers.
type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// bookResponse is the CLOB /book payload and the websocket "book" event.
type bookResponse struct {
	EventType string      `json:"event_type,omitempty"`
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
}

func parseLevels(in []bookLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, l := range in {
		p, err1 := strconv.ParseFloat(l.Price, 64)
		s, err2 := strconv.ParseFloat(l.Size, 64)
		if err1 != nil || err2 != nil || s <= 0 {
			continue
		}
		out = append(out, domain.PriceLevel{Price: p, Size: s})
	}
	return out
}

// toDomain normalises ordering: asks ascending, bids descending.
func (b bookResponse) toDomain() domain.OrderBook {
	book := domain.OrderBook{
		TokenID: b.AssetID,
		Bids:    parseLevels(b.Bids),
		Asks:    parseLevels(b.Asks),
	}
	sortLevels(book.Asks, true)
	sortLevels(book.Bids, false)

	if ms, err := strconv.ParseInt(b.Timestamp, 10, 64); err == nil {
		book.Timestamp = time.UnixMilli(ms)
	} else {
		book.Timestamp = time.Now()
	}
	return book
}

// orderResponse is the CLOB POST /order answer.
type orderResponse struct {
	Success      bool      `json:"success"`
	ErrorMsg     string    `json:"errorMsg"`
	OrderID      string    `json:"orderID"`
	Status       string    `json:"status"` // matched, live, delayed, unmatched
	MakingAmount flexFloat `json:"makingAmount"`
	TakingAmount flexFloat `json:"takingAmount"`
}

// orderBody is the signed order as posted to the CLOB.
type orderBody struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
}

type signedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

type apiKeyResponse struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

func sortLevels(levels []domain.PriceLevel, ascending bool) {
	slices.SortFunc(levels, func(a, b domain.PriceLevel) int {
		if ascending {
			return cmp.Compare(a.Price, b.Price)
		}
		return cmp.Compare(b.Price, a.Price)
	})
}
