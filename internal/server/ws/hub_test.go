package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscache "github.com/alanyoungcy/polyclob/internal/cache/redis"
	"github.com/alanyoungcy/polyclob/internal/domain"
)

type hubFixture struct {
	mr  *miniredis.Miniredis
	bus *rediscache.EventBus
	url string
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	bus := rediscache.NewEventBus(rediscache.NewFromRedis(rdb))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(bus, logger, Config{
		Mode:  "stream",
		State: func() domain.ConnectionState { return domain.StateSubscribed },
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	// wait until every relay is subscribed
	require.Eventually(t, func() bool {
		for _, ch := range relayed {
			topic := rediscache.EventChannel(ch)
			if mr.PubSubNumSub(topic)[topic] == 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return &hubFixture{mr: mr, bus: bus, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// the status frame arrives once the client is registered
	var status map[string]any
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "status", status["type"])
	assert.Equal(t, "stream", status["mode"])
	assert.Equal(t, "subscribed", status["stream_state"])
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func TestHubRelaysEvents(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)

	payload := []byte(`{"channel":"market","kind":"book","event":{}}`)
	require.NoError(t, f.bus.Publish(context.Background(), rediscache.EventChannel(domain.ChannelMarket), payload))
	assert.JSONEq(t, string(payload), string(readText(t, conn)))
}

func TestHubHonoursUnsubscribe(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(controlMsg{Action: "unsubscribe", Channels: []domain.Channel{domain.ChannelMarket}}))
	// a replay round trip orders the unsubscribe before the publishes below
	require.NoError(t, conn.WriteJSON(controlMsg{Action: "replay", Channels: []domain.Channel{domain.ChannelUser}}))
	var frame replayFrame
	require.NoError(t, json.Unmarshal(readText(t, conn), &frame))
	assert.Equal(t, "replay", frame.Type)

	ctx := context.Background()
	require.NoError(t, f.bus.Publish(ctx, rediscache.EventChannel(domain.ChannelMarket), []byte(`{"channel":"market"}`)))
	require.NoError(t, f.bus.Publish(ctx, rediscache.EventChannel(domain.ChannelUser), []byte(`{"channel":"user"}`)))
	assert.JSONEq(t, `{"channel":"user"}`, string(readText(t, conn)))
}

func TestHubReplay(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)

	ctx := context.Background()
	stream := rediscache.EventStream(domain.ChannelMarket)
	for _, p := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		require.NoError(t, f.bus.StreamAppend(ctx, stream, []byte(p)))
	}

	require.NoError(t, conn.WriteJSON(controlMsg{Action: "replay", Channels: []domain.Channel{domain.ChannelMarket}, Count: 2}))
	var frame replayFrame
	require.NoError(t, json.Unmarshal(readText(t, conn), &frame))
	require.Len(t, frame.Entries, 2)
	assert.JSONEq(t, `{"n":1}`, string(frame.Entries[0].Payload))

	require.NoError(t, conn.WriteJSON(controlMsg{Action: "replay", Channels: []domain.Channel{domain.ChannelMarket}, LastID: frame.Entries[1].ID}))
	frame = replayFrame{}
	require.NoError(t, json.Unmarshal(readText(t, conn), &frame))
	require.Len(t, frame.Entries, 1)
	assert.JSONEq(t, `{"n":3}`, string(frame.Entries[0].Payload))
}
