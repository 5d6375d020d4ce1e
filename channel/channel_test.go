package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fiscalhub/fiscsync/cache"
	"github.com/fiscalhub/fiscsync/logger"
	"github.com/fiscalhub/fiscsync/session"
	"github.com/fiscalhub/fiscsync/types"
	"github.com/fiscalhub/fiscsync/utils"
)

var testUpgrader = websocket.Upgrader{}

func testChannelConfig() *types.ChannelConfig {
	return &types.ChannelConfig{
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxAttempts:  2,
		PingInterval: time.Hour,
		PongWait:     time.Minute,
		WriteWait:    time.Second,
	}
}

func startPushServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readFrame(conn *websocket.Conn) (map[string]interface{}, error) {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var frame map[string]interface{}
	if err := utils.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func writeEvent(conn *websocket.Conn, eventType string, data interface{}) error {
	payload, err := utils.Marshal(&types.EventMessage{Type: eventType, Data: data})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func TestChannelHandshakeAndDispatch(t *testing.T) {
	handshakes := make(chan map[string]interface{}, 2)
	events := make(chan struct{})

	srv := startPushServer(t, func(conn *websocket.Conn) {
		for i := 0; i < 2; i++ {
			frame, err := readFrame(conn)
			if err != nil {
				return
			}
			handshakes <- frame
		}

		if err := writeEvent(conn, "transaction_created",
			map[string]interface{}{"id": "1", "amount": 500}); err != nil {
			return
		}
		if err := writeEvent(conn, "some_future_event",
			map[string]interface{}{"id": "2"}); err != nil {
			return
		}

		<-events
	})

	log := logger.NewZapWrapper(zap.NewNop())
	store, err := cache.NewMemoryStore(context.Background(), log, nil)
	require.NoError(t, err)

	ch, err := NewChannel(context.Background(), log, store,
		session.NewStore("push-token"), testChannelConfig(), nil,
		wsURL(srv), []string{"transactions"},
		map[string]types.Mutator{
			"transaction_created": Prepend("transactions"),
		})
	require.NoError(t, err)

	require.NoError(t, ch.Start())
	defer func() {
		close(events)
		_ = ch.Stop()
	}()

	auth := <-handshakes
	assert.Equal(t, "auth", auth["type"])
	assert.Equal(t, "push-token", auth["token"])
	assert.NotEmpty(t, auth["client_id"])

	subscribe := <-handshakes
	assert.Equal(t, "subscribe", subscribe["type"])
	assert.Equal(t, []interface{}{"transactions"}, subscribe["channels"])

	require.Eventually(t, func() bool {
		entry, ok := store.Get("transactions")
		if !ok {
			return false
		}
		records, ok := entry.Value.([]types.Record)
		return ok && len(records) == 1 && records[0].ID() == "1"
	}, 2*time.Second, 10*time.Millisecond)

	// the unrecognized event type must not disturb the cache
	entry, _ := store.Get("transactions")
	records := entry.Value.([]types.Record)
	assert.Len(t, records, 1)
}

func TestChannelRequiresTopics(t *testing.T) {
	log := logger.NewZapWrapper(zap.NewNop())
	store, err := cache.NewMemoryStore(context.Background(), log, nil)
	require.NoError(t, err)

	_, err = NewChannel(context.Background(), log, store, session.NewStore(""),
		testChannelConfig(), nil, "ws://localhost:0", nil, nil)
	assert.ErrorIs(t, err, types.ErrNoTopics)
}

func TestChannelStartFailsWithoutServer(t *testing.T) {
	log := logger.NewZapWrapper(zap.NewNop())
	store, err := cache.NewMemoryStore(context.Background(), log, nil)
	require.NoError(t, err)

	ch, err := NewChannel(context.Background(), log, store, session.NewStore(""),
		testChannelConfig(), nil, "ws://127.0.0.1:1/push", []string{"transactions"}, nil)
	require.NoError(t, err)

	assert.Error(t, ch.Start())
	assert.False(t, ch.IsRunning())
}

func TestChannelGivesUpAfterMaxAttempts(t *testing.T) {
	srv := startPushServer(t, func(conn *websocket.Conn) {
		// accept the handshake then drop the connection
		_, _ = readFrame(conn)
		_, _ = readFrame(conn)
	})

	log := logger.NewZapWrapper(zap.NewNop())
	store, err := cache.NewMemoryStore(context.Background(), log, nil)
	require.NoError(t, err)

	ch, err := NewChannel(context.Background(), log, store, session.NewStore("token"),
		testChannelConfig(), nil, wsURL(srv), []string{"transactions"}, nil)
	require.NoError(t, err)

	require.NoError(t, ch.Start())
	require.True(t, ch.IsRunning())

	// every reconnection attempt now fails
	srv.CloseClientConnections()
	srv.Close()

	require.Eventually(t, func() bool {
		return !ch.IsRunning()
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, ch.Stop(), types.ErrChannelNotRunning)
}

func TestChannelStopReturnsPromptlyOnSilentConnection(t *testing.T) {
	connected := make(chan struct{}, 1)
	hold := make(chan struct{})
	defer close(hold)

	srv := startPushServer(t, func(conn *websocket.Conn) {
		if _, err := readFrame(conn); err != nil {
			return
		}
		if _, err := readFrame(conn); err != nil {
			return
		}
		connected <- struct{}{}
		// keep the socket open without sending anything
		<-hold
	})

	log := logger.NewZapWrapper(zap.NewNop())
	store, err := cache.NewMemoryStore(context.Background(), log, nil)
	require.NoError(t, err)

	ch, err := NewChannel(context.Background(), log, store, session.NewStore("token"),
		testChannelConfig(), nil, wsURL(srv), []string{"transactions"}, nil)
	require.NoError(t, err)

	require.NoError(t, ch.Start())
	<-connected

	// let the read pump block on the silent socket
	time.Sleep(50 * time.Millisecond)

	started := time.Now()
	require.NoError(t, ch.Stop())
	assert.Less(t, time.Since(started), 2*time.Second,
		"stop must not wait out the pong deadline")
}

func TestChannelStopIsTerminal(t *testing.T) {
	connected := make(chan struct{}, 4)

	srv := startPushServer(t, func(conn *websocket.Conn) {
		if _, err := readFrame(conn); err != nil {
			return
		}
		if _, err := readFrame(conn); err != nil {
			return
		}
		connected <- struct{}{}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, _ = conn.ReadMessage()
	})

	log := logger.NewZapWrapper(zap.NewNop())
	store, err := cache.NewMemoryStore(context.Background(), log, nil)
	require.NoError(t, err)

	ch, err := NewChannel(context.Background(), log, store, session.NewStore("token"),
		testChannelConfig(), nil, wsURL(srv), []string{"transactions"}, nil)
	require.NoError(t, err)

	require.NoError(t, ch.Start())
	<-connected

	require.NoError(t, ch.Stop())
	assert.False(t, ch.IsRunning())

	// no reconnection fires after Stop
	select {
	case <-connected:
		t.Fatal("channel reconnected after Stop")
	case <-time.After(100 * time.Millisecond):
	}
}
