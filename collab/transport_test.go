package collab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func TestSessionUrl(t *testing.T) {
	sessionUrl, err := SessionUrl("ws://localhost:8000/ws/", "s1", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, sessionUrl, "ws://localhost:8000/ws/s1")

	sessionUrl, err = SessionUrl("https://example.com/ws", "a b", &ClientAuth{
		ClientIdHint: "c1",
		UserName:     "Ana",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, sessionUrl, "wss://example.com/ws/a%20b?client_id=c1&user_name=Ana")

	_, err = SessionUrl("ftp://example.com/ws", "s1", nil)
	assert.NotEqual(t, err, nil)
}

type testTransportClose struct {
	handle TransportHandle
	code   int
	reason string
}

type testTransportEvents struct {
	opens    chan TransportHandle
	messages chan string
	closes   chan testTransportClose
	errors   chan error
}

func newTestTransportEvents() *testTransportEvents {
	return &testTransportEvents{
		opens:    make(chan TransportHandle, 8),
		messages: make(chan string, 8),
		closes:   make(chan testTransportClose, 8),
		errors:   make(chan error, 8),
	}
}

func (self *testTransportEvents) callbacks() TransportCallbacks {
	return TransportCallbacks{
		OnOpen: func(handle TransportHandle) {
			self.opens <- handle
		},
		OnMessage: func(handle TransportHandle, message []byte) {
			self.messages <- string(message)
		},
		OnClose: func(handle TransportHandle, code int, reason string) {
			self.closes <- testTransportClose{
				handle: handle,
				code:   code,
				reason: reason,
			}
		},
		OnError: func(handle TransportHandle, err error) {
			self.errors <- err
		},
	}
}

func awaitEvent[T any](t *testing.T, c chan T) T {
	select {
	case v := <-c:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
		var empty T
		return empty
	}
}

// echoes text messages. "bye" closes normally from the server side.
func newTestEchoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/s1" {
			http.NotFound(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.TextMessage, []byte("hello "+r.URL.Query().Get("user_name")))
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if string(message) == "bye" {
				ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Done."),
					time.Now().Add(time.Second),
				)
				return
			}
			ws.WriteMessage(websocket.TextMessage, message)
		}
	}))
}

func TestWsTransportEcho(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestEchoServer(t)
	defer server.Close()

	events := newTestTransportEvents()
	transport := NewWsTransportWithDefaults(ctx, events.callbacks())
	assert.Equal(t, transport.Send([]byte("early")), false)

	handle := transport.Open(server.URL+"/ws", "s1", &ClientAuth{UserName: "Ana"})
	// one connection at a time
	assert.Equal(t, transport.Open(server.URL+"/ws", "s1", nil), handle)

	assert.Equal(t, awaitEvent(t, events.opens), handle)
	assert.Equal(t, transport.IsOpen(), true)
	assert.Equal(t, awaitEvent(t, events.messages), "hello Ana")

	assert.Equal(t, transport.Send([]byte(`{"action":"ping"}`)), true)
	assert.Equal(t, awaitEvent(t, events.messages), `{"action":"ping"}`)

	assert.Equal(t, transport.Send([]byte("bye")), true)
	closed := awaitEvent(t, events.closes)
	assert.Equal(t, closed.handle, handle)
	assert.Equal(t, closed.code, CloseNormal)
	assert.Equal(t, closed.reason, "Done.")
	assert.Equal(t, transport.IsOpen(), false)

	// a new connection gets a new handle
	handle2 := transport.Open(server.URL+"/ws", "s1", nil)
	assert.NotEqual(t, handle2, handle)
	assert.Equal(t, awaitEvent(t, events.opens), handle2)
}

func TestWsTransportLocalCloseCode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestEchoServer(t)
	defer server.Close()

	events := newTestTransportEvents()
	transport := NewWsTransportWithDefaults(ctx, events.callbacks())

	handle := transport.Open(server.URL+"/ws", "s1", nil)
	awaitEvent(t, events.opens)

	transport.Close(CloseHeartbeatTimeout, "Heartbeat timeout.")
	assert.Equal(t, transport.IsOpen(), false)
	assert.Equal(t, transport.Send([]byte("late")), false)

	// the requested code wins over the network error
	closed := awaitEvent(t, events.closes)
	assert.Equal(t, closed.handle, handle)
	assert.Equal(t, closed.code, CloseHeartbeatTimeout)
	assert.Equal(t, len(events.errors), 0)
}

func TestWsTransportDialError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestEchoServer(t)
	endpoint := server.URL + "/ws"
	server.Close()

	events := newTestTransportEvents()
	transport := NewWsTransportWithDefaults(ctx, events.callbacks())

	handle := transport.Open(endpoint, "s1", nil)
	assert.NotEqual(t, awaitEvent(t, events.errors), nil)
	closed := awaitEvent(t, events.closes)
	assert.Equal(t, closed.handle, handle)
	assert.Equal(t, closed.code, CloseAbnormal)
	assert.Equal(t, len(events.opens), 0)
}
