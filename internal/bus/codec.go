package bus

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/alanyoungcy/polyswarm/internal/domain"
)

var registry = struct {
	sync.RWMutex
	byKind map[string]reflect.Type
	byType map[reflect.Type]string
}{
	byKind: make(map[string]reflect.Type),
	byType: make(map[reflect.Type]string),
}

// Register associates a payload type with a wire kind so transports that
// serialize messages can restore the concrete type on the other side.
func Register[T any](kind string) {
	t := reflect.TypeFor[T]()
	registry.Lock()
	defer registry.Unlock()
	registry.byKind[kind] = t
	registry.byType[t] = kind
}

// KindOf returns the registered kind for a payload value, or "" when the
// type is unknown.
func KindOf(payload any) string {
	t := reflect.TypeOf(payload)
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	registry.RLock()
	defer registry.RUnlock()
	return registry.byType[t]
}

type envelope struct {
	Message
	Data json.RawMessage `json:"data"`
}

// Encode serializes msg including its payload.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("bus: encode %s payload: %w", msg.Kind, err)
	}
	out, err := json.Marshal(envelope{Message: msg, Data: data})
	if err != nil {
		return nil, fmt.Errorf("bus: encode envelope: %w", err)
	}
	return out, nil
}

// Decode restores a message produced by Encode. The payload is decoded into
// the type registered for its kind.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("bus: decode envelope: %w", err)
	}
	registry.RLock()
	t, ok := registry.byKind[env.Kind]
	registry.RUnlock()
	if !ok {
		return Message{}, fmt.Errorf("bus: decode: unknown kind %q", env.Kind)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(env.Data, ptr.Interface()); err != nil {
		return Message{}, fmt.Errorf("bus: decode %s payload: %w", env.Kind, err)
	}
	msg := env.Message
	msg.Payload = ptr.Elem().Interface()
	return msg, nil
}

// Wire kinds for the domain payloads.
const (
	KindMarket      = "market"
	KindOracleQuote = "oracle_quote"
	KindOpportunity = "opportunity"
	KindRequest     = "trade_request"
	KindDecision    = "trade_decision"
	KindResult      = "trade_result"
	KindMark        = "mark_update"
	KindAllocation  = "allocation_snapshot"
	KindAlert       = "alert"
	KindControl     = "control"
)

func init() {
	Register[domain.Market](KindMarket)
	Register[domain.OracleQuote](KindOracleQuote)
	Register[domain.Opportunity](KindOpportunity)
	Register[domain.TradeRequest](KindRequest)
	Register[domain.TradeDecision](KindDecision)
	Register[domain.TradeResult](KindResult)
	Register[domain.MarkUpdate](KindMark)
	Register[domain.AllocationSnapshot](KindAllocation)
	Register[domain.Alert](KindAlert)
	Register[domain.ControlMessage](KindControl)
}
