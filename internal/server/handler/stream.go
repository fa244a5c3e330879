package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// StreamControl is the part of the streaming session the API exposes.
type StreamControl interface {
	State() domain.ConnectionState
	Dropped(ch domain.Channel) uint64
	Subscribe(ctx context.Context, sub domain.Subscription) error
	Unsubscribe(ctx context.Context, sub domain.Subscription) error
	Subscriptions(ctx context.Context) ([]domain.Subscription, error)
}

// CredsFunc returns the L2 credentials attached to user channel
// subscriptions.
type CredsFunc func() (domain.APICreds, bool)

// StreamHandler serves stream status and subscription management.
type StreamHandler struct {
	session StreamControl
	creds   CredsFunc
	logger  *slog.Logger
}

// NewStreamHandler creates a StreamHandler. creds may be nil, in which case
// user channel subscriptions are refused.
func NewStreamHandler(session StreamControl, creds CredsFunc, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{session: session, creds: creds, logger: logHandler(logger, "stream")}
}

type subscriptionBody struct {
	Channel  domain.Channel `json:"channel"`
	AssetIDs []string       `json:"asset_ids,omitempty"`
	Markets  []string       `json:"markets,omitempty"`
}

// Status reports the connection state, the active subscriptions and the
// per-channel drop counters.
// GET /api/stream/status
func (h *StreamHandler) Status(w http.ResponseWriter, r *http.Request) {
	subs, err := h.session.Subscriptions(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	out := make([]subscriptionBody, 0, len(subs))
	for _, s := range subs {
		out = append(out, subscriptionBody{Channel: s.Channel, AssetIDs: s.AssetIDs, Markets: s.Markets})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":         h.session.State().String(),
		"subscriptions": out,
		"dropped": map[string]uint64{
			string(domain.ChannelMarket):  h.session.Dropped(domain.ChannelMarket),
			string(domain.ChannelUser):    h.session.Dropped(domain.ChannelUser),
			string(domain.ChannelControl): h.session.Dropped(domain.ChannelControl),
		},
	})
}

// Subscribe adds a subscription to the live session.
// POST /api/stream/subscriptions
func (h *StreamHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.readSubscription(w, r)
	if !ok {
		return
	}
	if err := h.session.Subscribe(r.Context(), sub); err != nil {
		h.logger.WarnContext(r.Context(), "subscribe failed",
			slog.String("channel", string(sub.Channel)),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "subscribed", "key": sub.Key()})
}

// Unsubscribe removes a subscription from the live session.
// DELETE /api/stream/subscriptions
func (h *StreamHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.readSubscription(w, r)
	if !ok {
		return
	}
	if err := h.session.Unsubscribe(r.Context(), sub); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed", "key": sub.Key()})
}

func (h *StreamHandler) readSubscription(w http.ResponseWriter, r *http.Request) (domain.Subscription, bool) {
	var body subscriptionBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return domain.Subscription{}, false
	}

	sub := domain.Subscription{Channel: body.Channel, AssetIDs: body.AssetIDs, Markets: body.Markets}
	switch body.Channel {
	case domain.ChannelMarket:
		if len(body.AssetIDs) == 0 {
			writeError(w, http.StatusBadRequest, "asset_ids are required for the market channel")
			return domain.Subscription{}, false
		}
	case domain.ChannelUser:
		if h.creds == nil {
			writeError(w, http.StatusBadRequest, "user channel requires API credentials")
			return domain.Subscription{}, false
		}
		creds, ok := h.creds()
		if !ok {
			writeError(w, http.StatusBadRequest, "user channel requires API credentials")
			return domain.Subscription{}, false
		}
		sub.Auth = &creds
	default:
		writeError(w, http.StatusBadRequest, `channel must be "market" or "user"`)
		return domain.Subscription{}, false
	}
	return sub, true
}
