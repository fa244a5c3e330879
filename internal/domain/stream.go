package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Channel is a logical stream multiplexed over the single connection.
type Channel string

const (
	ChannelMarket  Channel = "market"
	ChannelUser    Channel = "user"
	ChannelControl Channel = "control"
)

// APICreds are the L2 credentials used for the user channel and REST.
type APICreds struct {
	Key        string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Empty reports whether no credentials are set.
func (c APICreds) Empty() bool {
	return c.Key == "" && c.Secret == "" && c.Passphrase == ""
}

// Subscription is a desired subscription. Market subscriptions list asset
// IDs; user subscriptions list condition IDs and carry credentials.
type Subscription struct {
	Channel  Channel
	AssetIDs []string
	Markets  []string
	Auth     *APICreds
}

// Key identifies the subscription independent of credentials.
func (s Subscription) Key() string {
	var b strings.Builder
	b.WriteString(string(s.Channel))
	b.WriteByte('|')
	b.WriteString(strings.Join(s.AssetIDs, ","))
	b.WriteByte('|')
	b.WriteString(strings.Join(s.Markets, ","))
	return b.String()
}

// ConnectionState is the streaming session's state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateSubscribed
	StateDegraded
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StreamEvent is one of the event types below. The set is closed.
type StreamEvent interface {
	Channel() Channel
	Kind() string
	Header() EventHeader
	setHeader(EventHeader)
}

// EventHeader is common to all events. Seq is assigned by the session in
// arrival order and is monotonic per channel.
type EventHeader struct {
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

// Header returns the event header.
func (h EventHeader) Header() EventHeader { return h }

func (h *EventHeader) setHeader(v EventHeader) { *h = v }

// Stamp sets the sequence number and receive time on ev, keeping the
// exchange timestamp when it has one.
func Stamp(ev StreamEvent, seq uint64, received time.Time) {
	h := ev.Header()
	h.Seq = seq
	h.ReceivedAt = received
	if h.Timestamp.IsZero() {
		h.Timestamp = received
	}
	ev.setHeader(h)
}

// BookUpdate is a full orderbook snapshot for one asset.
type BookUpdate struct {
	EventHeader
	Book OrderbookSnapshot `json:"book"`
}

func (*BookUpdate) Channel() Channel { return ChannelMarket }
func (*BookUpdate) Kind() string     { return "book" }

// LevelChange is a single level update inside a PriceChange.
type LevelChange struct {
	AssetID string          `json:"asset_id"`
	Side    Side            `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"` // zero removes the level
	BestBid decimal.Decimal `json:"best_bid"`
	BestAsk decimal.Decimal `json:"best_ask"`
}

// PriceChange carries incremental level updates for a market.
type PriceChange struct {
	EventHeader
	Market  string        `json:"market"`
	Changes []LevelChange `json:"changes"`
}

func (*PriceChange) Channel() Channel { return ChannelMarket }
func (*PriceChange) Kind() string     { return "price_change" }

// TickSizeChange reports a new minimum price increment for an asset.
type TickSizeChange struct {
	EventHeader
	AssetID string   `json:"asset_id"`
	Market  string   `json:"market"`
	Old     TickSize `json:"old_tick_size"`
	New     TickSize `json:"new_tick_size"`
}

func (*TickSizeChange) Channel() Channel { return ChannelMarket }
func (*TickSizeChange) Kind() string     { return "tick_size_change" }

// LastTradePrice is the most recent execution for an asset.
type LastTradePrice struct {
	EventHeader
	AssetID    string          `json:"asset_id"`
	Market     string          `json:"market"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	FeeRateBps uint64          `json:"fee_rate_bps"`
}

func (*LastTradePrice) Channel() Channel { return ChannelMarket }
func (*LastTradePrice) Kind() string     { return "last_trade_price" }

// TradeUpdate is a fill involving the authenticated account.
type TradeUpdate struct {
	EventHeader
	ID           string          `json:"id"`
	AssetID      string          `json:"asset_id"`
	Market       string          `json:"market"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	Status       string          `json:"status"`
	TakerOrderID string          `json:"taker_order_id"`
	Outcome      string          `json:"outcome"`
}

func (*TradeUpdate) Channel() Channel { return ChannelUser }
func (*TradeUpdate) Kind() string     { return "trade" }

// OrderStatusUpdate is a placement, update or cancellation of one of the
// account's orders.
type OrderStatusUpdate struct {
	EventHeader
	OrderID      string          `json:"id"`
	AssetID      string          `json:"asset_id"`
	Market       string          `json:"market"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	OriginalSize decimal.Decimal `json:"original_size"`
	SizeMatched  decimal.Decimal `json:"size_matched"`
	Type         string          `json:"type"` // PLACEMENT, UPDATE, CANCELLATION
	Outcome      string          `json:"outcome"`
}

func (*OrderStatusUpdate) Channel() Channel { return ChannelUser }
func (*OrderStatusUpdate) Kind() string     { return "order" }

// Heartbeat is emitted for every PONG received.
type Heartbeat struct {
	EventHeader
}

func (*Heartbeat) Channel() Channel { return ChannelControl }
func (*Heartbeat) Kind() string     { return "heartbeat" }

// ConnectionStateChange reports a session state transition.
type ConnectionStateChange struct {
	EventHeader
	From    ConnectionState `json:"from"`
	To      ConnectionState `json:"to"`
	Attempt int             `json:"attempt"`
	Err     string          `json:"error,omitempty"`
}

func (*ConnectionStateChange) Channel() Channel { return ChannelControl }
func (*ConnectionStateChange) Kind() string     { return "connection_state" }

// EventEnvelope is the serialised form of a StreamEvent on the event bus,
// the downstream websocket and in archives.
type EventEnvelope struct {
	Channel Channel     `json:"channel"`
	Kind    string      `json:"kind"`
	Event   StreamEvent `json:"event"`
}

// Envelope wraps ev for serialisation.
func Envelope(ev StreamEvent) EventEnvelope {
	return EventEnvelope{Channel: ev.Channel(), Kind: ev.Kind(), Event: ev}
}
