package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyswarm/internal/backoff"
	"github.com/alanyoungcy/polyswarm/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// BookHandler receives every book the stream maintains, after each update.
type BookHandler func(domain.OrderBook)

// BookStream keeps order books for a set of tokens current from the CLOB
// market websocket. Full "book" snapshots replace a token's book and
// "price_change" events edit single levels.
type BookStream struct {
	url     string
	policy  backoff.Policy
	handler BookHandler
	logger  *slog.Logger

	mu    sync.Mutex
	books map[string]*domain.OrderBook
}

// NewBookStream creates a stream against the market channel of wsHost,
// e.g. "wss://ws-subscriptions-clob.polymarket.com".
func NewBookStream(wsHost string, policy backoff.Policy, handler BookHandler, logger *slog.Logger) *BookStream {
	return &BookStream{
		url:     wsHost + "/ws/market",
		policy:  policy,
		handler: handler,
		logger:  logger.With(slog.String("component", "polymarket_ws")),
		books:   make(map[string]*domain.OrderBook),
	}
}

// Run connects, subscribes to tokenIDs and processes events until ctx is
// cancelled, reconnecting with backoff after any disconnect.
func (s *BookStream) Run(ctx context.Context, tokenIDs []string) error {
	attempt := 0
	for {
		started := time.Now()
		err := s.session(ctx, tokenIDs)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > pongWait {
			attempt = 0
		}
		attempt++
		delay := s.policy.Delay(attempt)
		s.logger.WarnContext(ctx, "websocket disconnected, reconnecting",
			slog.String("error", fmt.Sprint(err)),
			slog.Duration("delay", delay),
		)
		if err := backoff.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Book returns the current book for tokenID.
func (s *BookStream) Book(tokenID string) (domain.OrderBook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[tokenID]
	if !ok {
		return domain.OrderBook{}, false
	}
	return cloneBook(*b), true
}

func (s *BookStream) session(ctx context.Context, tokenIDs []string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sub, err := json.Marshal(map[string]any{"type": "market", "assets_ids": tokenIDs})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	var writeMu sync.Mutex
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				writeMu.Unlock()
				conn.Close()
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.dispatch(data)
	}
}

type wsEvent struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
	Changes   []wsChange  `json:"price_changes"`
}

type wsChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"` // BUY edits bids, SELL edits asks
}

// dispatch accepts a single event or an array of events.
func (s *BookStream) dispatch(data []byte) {
	var events []wsEvent
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &events); err != nil {
			return
		}
	} else {
		var ev wsEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		events = []wsEvent{ev}
	}

	for _, ev := range events {
		switch ev.EventType {
		case "book":
			book := bookResponse{AssetID: ev.AssetID, Bids: ev.Bids, Asks: ev.Asks, Timestamp: ev.Timestamp}.toDomain()
			s.mu.Lock()
			s.books[ev.AssetID] = &book
			s.mu.Unlock()
			s.emit(ev.AssetID)
		case "price_change":
			touched := make(map[string]struct{})
			s.mu.Lock()
			for _, ch := range ev.Changes {
				asset := ch.AssetID
				if asset == "" {
					asset = ev.AssetID
				}
				if s.apply(asset, ch) {
					touched[asset] = struct{}{}
				}
			}
			s.mu.Unlock()
			for asset := range touched {
				s.emit(asset)
			}
		}
	}
}

// apply edits one level of a known book. Caller holds s.mu.
func (s *BookStream) apply(asset string, ch wsChange) bool {
	book, ok := s.books[asset]
	if !ok {
		return false
	}
	price, err1 := strconv.ParseFloat(ch.Price, 64)
	size, err2 := strconv.ParseFloat(ch.Size, 64)
	if err1 != nil || err2 != nil {
		return false
	}
	side := &book.Asks
	if ch.Side == "BUY" {
		side = &book.Bids
	}
	levels := (*side)[:0]
	for _, l := range *side {
		if l.Price != price {
			levels = append(levels, l)
		}
	}
	if size > 0 {
		levels = append(levels, domain.PriceLevel{Price: price, Size: size})
	}
	sortLevels(levels, ch.Side != "BUY")
	*side = levels
	book.Timestamp = time.Now()
	return true
}

func (s *BookStream) emit(asset string) {
	if s.handler == nil {
		return
	}
	if b, ok := s.Book(asset); ok {
		s.handler(b)
	}
}

func cloneBook(b domain.OrderBook) domain.OrderBook {
	b.Bids = append([]domain.PriceLevel(nil), b.Bids...)
	b.Asks = append([]domain.PriceLevel(nil), b.Asks...)
	return b
}
