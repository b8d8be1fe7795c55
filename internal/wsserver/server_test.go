package wsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/KeganHollern/slippiauth/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func startServer(t *testing.T, bus *events.Bus) (port int, stop func()) {
	t.Helper()
	port = freePort(t)
	s := New(port, bus, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.ListenAndServe(ctx)
		close(done)
	}()

	// Wait for the listener to accept connections.
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, time.Second, 5*time.Millisecond)

	return port, func() {
		cancel()
		<-done
	}
}

func dial(t *testing.T, port int) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestPingRepliesWithPong(t *testing.T) {
	bus := events.NewBus()
	port, stop := startServer(t, bus)
	defer stop()

	conn := dial(t, port)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "pong", string(payload))
}

func TestQueueCommandPublishesQueueEvent(t *testing.T) {
	bus := events.NewBus()
	var got []events.QueueEvent
	events.Subscribe(bus, func(e events.QueueEvent) { got = append(got, e) })

	port, stop := startServer(t, bus)
	defer stop()

	conn := dial(t, port)
	cmd := `{"type":"queue","userCode":"OPP#042","timeout":30000,"discordId":7}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(cmd)))

	require.Eventually(t, func() bool { return len(got) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(7), got[0].RequesterID)
	require.Equal(t, "OPP#042", got[0].TargetConnectCode)
	require.Equal(t, 30000, got[0].TimeoutMs)
}

func TestQueueCommandMissingFieldRepliesMissingArg(t *testing.T) {
	bus := events.NewBus()
	port, stop := startServer(t, bus)
	defer stop()

	conn := dial(t, port)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"queue","userCode":"OPP#042"}`)))

	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var reply map[string]any
	require.NoError(t, json.Unmarshal(payload, &reply))
	require.Equal(t, "missingArg", reply["type"])
}

func TestMalformedJSONRepliesJSONErr(t *testing.T) {
	bus := events.NewBus()
	port, stop := startServer(t, bus)
	defer stop()

	conn := dial(t, port)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))

	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var reply map[string]any
	require.NoError(t, json.Unmarshal(payload, &reply))
	require.Equal(t, "jsonErr", reply["type"])
}

func TestUnknownCommandReplies(t *testing.T) {
	bus := events.NewBus()
	port, stop := startServer(t, bus)
	defer stop()

	conn := dial(t, port)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"doSomethingElse"}`)))

	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var reply map[string]any
	require.NoError(t, json.Unmarshal(payload, &reply))
	require.Equal(t, "unknownCommand", reply["type"])
}

func TestLifecycleEventsAreBroadcastToAllConnections(t *testing.T) {
	bus := events.NewBus()
	port, stop := startServer(t, bus)
	defer stop()

	c1 := dial(t, port)
	c2 := dial(t, port)

	// Give both connections time to register before publishing.
	time.Sleep(50 * time.Millisecond)

	bus.Publish(events.SearchingEvent{RequesterID: 7, BotConnectCode: "BOT#001", TargetConnectCode: "OPP#042"})

	for _, conn := range []*websocket.Conn{c1, c2} {
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(payload, &msg))
		require.Equal(t, "searching", msg["type"])
		require.Equal(t, "BOT#001", msg["botCode"])
		require.Equal(t, "OPP#042", msg["userCode"])
	}
}

func TestStopListeningRejectsNewConnections(t *testing.T) {
	bus := events.NewBus()
	port, stop := startServer(t, bus)
	defer stop()

	conn := dial(t, port)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stopListening"}`)))

	require.Eventually(t, func() bool {
		url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		return err != nil && resp != nil && resp.StatusCode == 503
	}, time.Second, 10*time.Millisecond)
}
