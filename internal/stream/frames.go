package stream

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/numeric"
)

var (
	pingFrame = []byte("PING")
	pongFrame = []byte("PONG")
)

// controlMessage is the outbound subscribe/unsubscribe request.
type controlMessage struct {
	Type     string           `json:"type"`
	Channel  domain.Channel   `json:"channel"`
	AssetIDs []string         `json:"assets_ids,omitempty"`
	Markets  []string         `json:"markets,omitempty"`
	Auth     *domain.APICreds `json:"auth,omitempty"`
}

func encodeSubscribe(sub domain.Subscription) ([]byte, error) {
	return json.Marshal(controlMessage{
		Type:     "subscribe",
		Channel:  sub.Channel,
		AssetIDs: sub.AssetIDs,
		Markets:  sub.Markets,
		Auth:     sub.Auth,
	})
}

func encodeUnsubscribe(sub domain.Subscription) ([]byte, error) {
	return json.Marshal(controlMessage{
		Type:     "unsubscribe",
		Channel:  sub.Channel,
		AssetIDs: sub.AssetIDs,
		Markets:  sub.Markets,
	})
}

// frameKind classifies an inbound frame before event decoding.
type frameKind int

const (
	frameEvents frameKind = iota
	framePong
	framePing
	frameIgnored
)

// envelope holds the routing fields of an inbound message.
type envelope struct {
	EventType string `json:"event_type"`
	Type      string `json:"type"`
	Channel   string `json:"channel"`
	Message   string `json:"message"`
}

// wire shapes; numeric fields arrive as strings.
type (
	wireLevel struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	}

	wireBook struct {
		AssetID   string      `json:"asset_id"`
		Market    string      `json:"market"`
		Bids      []wireLevel `json:"bids"`
		Asks      []wireLevel `json:"asks"`
		Buys      []wireLevel `json:"buys"`
		Sells     []wireLevel `json:"sells"`
		Hash      string      `json:"hash"`
		Timestamp flexTime    `json:"timestamp"`
	}

	wirePriceChange struct {
		AssetID string `json:"asset_id"`
		Price   string `json:"price"`
		Size    string `json:"size"`
		Side    string `json:"side"`
		BestBid string `json:"best_bid"`
		BestAsk string `json:"best_ask"`
	}

	wirePriceChanges struct {
		AssetID      string            `json:"asset_id"`
		Market       string            `json:"market"`
		PriceChanges []wirePriceChange `json:"price_changes"`
		Changes      []wirePriceChange `json:"changes"`
		Timestamp    flexTime          `json:"timestamp"`
	}

	wireTickSize struct {
		AssetID     string   `json:"asset_id"`
		Market      string   `json:"market"`
		OldTickSize string   `json:"old_tick_size"`
		NewTickSize string   `json:"new_tick_size"`
		Timestamp   flexTime `json:"timestamp"`
	}

	wireLastTrade struct {
		AssetID    string   `json:"asset_id"`
		Market     string   `json:"market"`
		Side       string   `json:"side"`
		Price      string   `json:"price"`
		Size       string   `json:"size"`
		FeeRateBps string   `json:"fee_rate_bps"`
		Timestamp  flexTime `json:"timestamp"`
	}

	wireTrade struct {
		ID           string   `json:"id"`
		AssetID      string   `json:"asset_id"`
		Market       string   `json:"market"`
		Side         string   `json:"side"`
		Price        string   `json:"price"`
		Size         string   `json:"size"`
		Status       string   `json:"status"`
		TakerOrderID string   `json:"taker_order_id"`
		Outcome      string   `json:"outcome"`
		Timestamp    flexTime `json:"timestamp"`
		MatchTime    flexTime `json:"matchtime"`
	}

	wireOrder struct {
		ID           string   `json:"id"`
		AssetID      string   `json:"asset_id"`
		Market       string   `json:"market"`
		Side         string   `json:"side"`
		Price        string   `json:"price"`
		OriginalSize string   `json:"original_size"`
		SizeMatched  string   `json:"size_matched"`
		Type         string   `json:"type"`
		Outcome      string   `json:"outcome"`
		Timestamp    flexTime `json:"timestamp"`
	}
)

// flexTime accepts epoch timestamps as JSON strings or numbers, in seconds
// or milliseconds.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	if n < 1e12 {
		t.Time = time.Unix(n, 0).UTC()
	} else {
		t.Time = time.UnixMilli(n).UTC()
	}
	return nil
}

// classifyFrame recognises heartbeat text frames.
func classifyFrame(data []byte) frameKind {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.EqualFold(trimmed, pongFrame):
		return framePong
	case bytes.EqualFold(trimmed, pingFrame):
		return framePing
	}
	return frameEvents
}

// decodeFrame turns one inbound frame into events. A frame may hold a
// single event object or an array of them. Events decoded before a bad
// element are returned together with the error.
func decodeFrame(data []byte) ([]domain.StreamEvent, frameKind, error) {
	if kind := classifyFrame(data); kind != frameEvents {
		if kind == framePong {
			return []domain.StreamEvent{&domain.Heartbeat{}}, kind, nil
		}
		return nil, kind, nil
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, frameEvents, fmt.Errorf("empty frame")
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, frameEvents, fmt.Errorf("decode array: %w", err)
		}
		var out []domain.StreamEvent
		for i, item := range items {
			evs, _, err := decodeObject(item)
			if err != nil {
				return out, frameEvents, fmt.Errorf("element %d: %w", i, err)
			}
			out = append(out, evs...)
		}
		return out, frameEvents, nil
	}

	return decodeObject(trimmed)
}

func decodeObject(raw []byte) ([]domain.StreamEvent, frameKind, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, frameEvents, fmt.Errorf("decode envelope: %w", err)
	}

	if env.EventType == "" {
		switch strings.ToLower(env.Type) {
		case "pong":
			return []domain.StreamEvent{&domain.Heartbeat{}}, framePong, nil
		case "error":
			return nil, frameEvents, fmt.Errorf("server error: %s", env.Message)
		case "":
			return nil, frameEvents, fmt.Errorf("missing event_type")
		default:
			// subscription acks and other bookkeeping replies
			return nil, frameIgnored, nil
		}
	}

	want := channelOf(env.EventType)
	if want == "" {
		return nil, frameEvents, fmt.Errorf("unknown event_type %q", env.EventType)
	}
	if env.Channel != "" && domain.Channel(env.Channel) != want {
		return nil, frameEvents, fmt.Errorf("event_type %q on channel %q", env.EventType, env.Channel)
	}

	evs, err := decodeEvent(env.EventType, raw)
	if err != nil {
		return nil, frameEvents, fmt.Errorf("decode %s: %w", env.EventType, err)
	}
	return evs, frameEvents, nil
}

func channelOf(eventType string) domain.Channel {
	switch eventType {
	case "book", "price_change", "tick_size_change", "last_trade_price":
		return domain.ChannelMarket
	case "trade", "order":
		return domain.ChannelUser
	}
	return ""
}

func decodeEvent(eventType string, raw []byte) ([]domain.StreamEvent, error) {
	switch eventType {
	case "book":
		var w wireBook
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return one(bookFromWire(w))

	case "price_change":
		var w wirePriceChanges
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return one(priceChangeFromWire(w))

	case "tick_size_change":
		var w wireTickSize
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return one(tickSizeFromWire(w))

	case "last_trade_price":
		var w wireLastTrade
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return one(lastTradeFromWire(w))

	case "trade":
		var w wireTrade
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return one(tradeFromWire(w))

	case "order":
		var w wireOrder
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return one(orderFromWire(w))
	}
	return nil, fmt.Errorf("unknown event_type %q", eventType)
}

func one(ev domain.StreamEvent, err error) ([]domain.StreamEvent, error) {
	if err != nil {
		return nil, err
	}
	return []domain.StreamEvent{ev}, nil
}

func levels(in []wireLevel) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, l := range in {
		p, err := numeric.Parse(l.Price)
		if err != nil {
			return nil, err
		}
		s, err := numeric.Parse(l.Size)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.PriceLevel{Price: p, Size: s})
	}
	return out, nil
}

// bookFromWire sorts levels best first; the feed sends them worst first.
func bookFromWire(w wireBook) (*domain.BookUpdate, error) {
	if w.AssetID == "" {
		return nil, fmt.Errorf("missing asset_id")
	}
	bidsIn, asksIn := w.Bids, w.Asks
	if bidsIn == nil {
		bidsIn = w.Buys
	}
	if asksIn == nil {
		asksIn = w.Sells
	}
	bids, err := levels(bidsIn)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := levels(asksIn)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}
	sortLevels(bids, true)
	sortLevels(asks, false)

	ev := &domain.BookUpdate{
		Book: domain.OrderbookSnapshot{
			AssetID:   w.AssetID,
			Market:    w.Market,
			Bids:      bids,
			Asks:      asks,
			Hash:      w.Hash,
			Timestamp: w.Timestamp.Time,
		},
	}
	ev.Timestamp = w.Timestamp.Time
	return ev, nil
}

func priceChangeFromWire(w wirePriceChanges) (*domain.PriceChange, error) {
	changes := w.PriceChanges
	if changes == nil {
		changes = w.Changes
	}
	if len(changes) == 0 {
		return nil, fmt.Errorf("no changes")
	}
	ev := &domain.PriceChange{Market: w.Market, Changes: make([]domain.LevelChange, 0, len(changes))}
	for _, c := range changes {
		assetID := c.AssetID
		if assetID == "" {
			assetID = w.AssetID
		}
		side, err := domain.ParseSide(c.Side)
		if err != nil {
			return nil, err
		}
		price, err := numeric.Parse(c.Price)
		if err != nil {
			return nil, err
		}
		size, err := numeric.Parse(c.Size)
		if err != nil {
			return nil, err
		}
		ev.Changes = append(ev.Changes, domain.LevelChange{
			AssetID: assetID,
			Side:    side,
			Price:   price,
			Size:    size,
			BestBid: numeric.ParseOrZero(c.BestBid),
			BestAsk: numeric.ParseOrZero(c.BestAsk),
		})
	}
	ev.Timestamp = w.Timestamp.Time
	return ev, nil
}

func tickSizeFromWire(w wireTickSize) (*domain.TickSizeChange, error) {
	oldTick, err := domain.ParseTickSize(w.OldTickSize)
	if err != nil {
		return nil, err
	}
	newTick, err := domain.ParseTickSize(w.NewTickSize)
	if err != nil {
		return nil, err
	}
	ev := &domain.TickSizeChange{AssetID: w.AssetID, Market: w.Market, Old: oldTick, New: newTick}
	ev.Timestamp = w.Timestamp.Time
	return ev, nil
}

func lastTradeFromWire(w wireLastTrade) (*domain.LastTradePrice, error) {
	side, err := domain.ParseSide(w.Side)
	if err != nil {
		return nil, err
	}
	price, err := numeric.Parse(w.Price)
	if err != nil {
		return nil, err
	}
	var fee uint64
	if w.FeeRateBps != "" {
		if fee, err = strconv.ParseUint(w.FeeRateBps, 10, 64); err != nil {
			return nil, fmt.Errorf("fee_rate_bps: %w", err)
		}
	}
	ev := &domain.LastTradePrice{
		AssetID:    w.AssetID,
		Market:     w.Market,
		Side:       side,
		Price:      price,
		Size:       numeric.ParseOrZero(w.Size),
		FeeRateBps: fee,
	}
	ev.Timestamp = w.Timestamp.Time
	return ev, nil
}

func tradeFromWire(w wireTrade) (*domain.TradeUpdate, error) {
	side, err := domain.ParseSide(w.Side)
	if err != nil {
		return nil, err
	}
	price, err := numeric.Parse(w.Price)
	if err != nil {
		return nil, err
	}
	size, err := numeric.Parse(w.Size)
	if err != nil {
		return nil, err
	}
	ev := &domain.TradeUpdate{
		ID:           w.ID,
		AssetID:      w.AssetID,
		Market:       w.Market,
		Side:         side,
		Price:        price,
		Size:         size,
		Status:       w.Status,
		TakerOrderID: w.TakerOrderID,
		Outcome:      w.Outcome,
	}
	ev.Timestamp = w.Timestamp.Time
	if ev.Timestamp.IsZero() {
		ev.Timestamp = w.MatchTime.Time
	}
	return ev, nil
}

func orderFromWire(w wireOrder) (*domain.OrderStatusUpdate, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	side, err := domain.ParseSide(w.Side)
	if err != nil {
		return nil, err
	}
	ev := &domain.OrderStatusUpdate{
		OrderID:      w.ID,
		AssetID:      w.AssetID,
		Market:       w.Market,
		Side:         side,
		Price:        numeric.ParseOrZero(w.Price),
		OriginalSize: numeric.ParseOrZero(w.OriginalSize),
		SizeMatched:  numeric.ParseOrZero(w.SizeMatched),
		Type:         w.Type,
		Outcome:      w.Outcome,
	}
	ev.Timestamp = w.Timestamp.Time
	return ev, nil
}

func sortLevels(lv []domain.PriceLevel, desc bool) {
	slices.SortStableFunc(lv, func(a, b domain.PriceLevel) int {
		if desc {
			return b.Price.Cmp(a.Price)
		}
		return a.Price.Cmp(b.Price)
	})
}
