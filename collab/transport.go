package collab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const (
	// closing with this code never reconnects
	CloseNormal = websocket.CloseNormalClosure
	// network failures and dial errors are reported with this code
	CloseAbnormal = websocket.CloseAbnormalClosure
	// forced by the liveness monitor
	CloseHeartbeatTimeout = 4000
)

// identifies one underlying connection of a transport
// callbacks from a replaced connection carry its old handle
type TransportHandle uint64

type TransportCallbacks struct {
	OnOpen    func(handle TransportHandle)
	OnMessage func(handle TransportHandle, message []byte)
	OnClose   func(handle TransportHandle, code int, reason string)
	OnError   func(handle TransportHandle, err error)
}

// owns at most one bidirectional message connection to a session
type Transport interface {
	// no-op returning the active handle if a connection is open or connecting
	Open(endpoint string, sessionId string, auth *ClientAuth) TransportHandle
	// false if the connection is not open. Never blocks.
	Send(message []byte) bool
	Close(code int, reason string)
	IsOpen() bool
}

type TransportGenerator func(ctx context.Context, callbacks TransportCallbacks) Transport

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// backstop for a silently dead connection. The liveness monitor normally detects this first.
	ReadTimeout       time.Duration
	CloseWriteTimeout time.Duration
	SendBufferSize    int
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        2 * time.Minute,
		CloseWriteTimeout:  1 * time.Second,
		SendBufferSize:     64,
	}
}

func SessionUrl(endpoint string, sessionId string, auth *ClientAuth) (string, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/") + "/" + url.PathEscape(sessionId))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("Unsupported endpoint scheme: %s", u.Scheme)
	}
	if auth != nil {
		query := u.Query()
		if auth.ClientIdHint != "" {
			query.Set("client_id", auth.ClientIdHint)
		}
		if auth.UserName != "" {
			query.Set("user_name", auth.UserName)
		}
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

type wsConnection struct {
	handle TransportHandle
	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte

	// guarded by the transport state lock
	ws          *websocket.Conn
	open        bool
	closeCode   int
	closeReason string

	finishOnce sync.Once
}

type WsTransport struct {
	ctx       context.Context
	callbacks TransportCallbacks
	settings  *TransportSettings

	stateLock  sync.Mutex
	nextHandle TransportHandle
	connection *wsConnection
}

func NewWsTransportWithDefaults(ctx context.Context, callbacks TransportCallbacks) *WsTransport {
	return NewWsTransport(ctx, callbacks, DefaultTransportSettings())
}

func NewWsTransport(ctx context.Context, callbacks TransportCallbacks, settings *TransportSettings) *WsTransport {
	return &WsTransport{
		ctx:        ctx,
		callbacks:  callbacks,
		settings:   settings,
		nextHandle: 1,
	}
}

func WsTransportGenerator(settings *TransportSettings) TransportGenerator {
	return func(ctx context.Context, callbacks TransportCallbacks) Transport {
		return NewWsTransport(ctx, callbacks, settings)
	}
}

func (self *WsTransport) Open(endpoint string, sessionId string, auth *ClientAuth) TransportHandle {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if c := self.connection; c != nil {
		glog.Warningf("[t]open %s ignored, connection %d already active\n", sessionId, c.handle)
		return c.handle
	}

	handle := self.nextHandle
	self.nextHandle += 1

	cancelCtx, cancel := context.WithCancel(self.ctx)
	c := &wsConnection{
		handle: handle,
		ctx:    cancelCtx,
		cancel: cancel,
		send:   make(chan []byte, self.settings.SendBufferSize),
	}
	self.connection = c

	go HandleError(func() {
		self.run(c, endpoint, sessionId, auth)
	}, func(err error) {
		self.finish(c, CloseAbnormal, err.Error(), err)
	})

	return handle
}

func (self *WsTransport) run(c *wsConnection, endpoint string, sessionId string, auth *ClientAuth) {
	sessionUrl, err := SessionUrl(endpoint, sessionId, auth)
	if err != nil {
		self.finish(c, CloseAbnormal, err.Error(), err)
		return
	}

	connect := func() (*websocket.Conn, error) {
		dialer := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		header := http.Header{}
		if auth != nil && auth.ByJwt != "" {
			header.Set("Authorization", "Bearer "+auth.ByJwt)
		}
		ws, _, err := dialer.DialContext(c.ctx, sessionUrl, header)
		return ws, err
	}

	var ws *websocket.Conn
	if glog.V(2) {
		ws, err = TraceWithReturnError(fmt.Sprintf("[t]connect %s", sessionId), connect)
	} else {
		ws, err = connect()
	}
	if err != nil {
		glog.Infof("[t]connect %s error = %s\n", sessionId, err)
		self.finish(c, CloseAbnormal, err.Error(), err)
		return
	}

	opened := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if c.closeCode != 0 {
			// closed while connecting
			return false
		}
		c.ws = ws
		c.open = true
		return true
	}()
	if !opened {
		ws.Close()
		self.finish(c, CloseNormal, "", nil)
		return
	}

	glog.V(1).Infof("[t]open %s (%d)\n", sessionId, c.handle)
	if self.callbacks.OnOpen != nil {
		self.callbacks.OnOpen(c.handle)
	}

	go HandleError(func() {
		for {
			select {
			case <-c.ctx.Done():
				return
			case message := <-c.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[ts]%s-> error = %s\n", sessionId, err)
					ws.Close()
					self.finish(c, CloseAbnormal, err.Error(), err)
					return
				}
				glog.V(2).Infof("[ts]%s-> %d bytes\n", sessionId, len(message))
			}
		}
	})

	defer ws.Close()
	for {
		if 0 < self.settings.ReadTimeout {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				glog.V(1).Infof("[tr]%s<- close %d %s\n", sessionId, closeErr.Code, closeErr.Text)
				self.finish(c, closeErr.Code, closeErr.Text, nil)
			} else {
				glog.Infof("[tr]%s<- error = %s\n", sessionId, err)
				self.finish(c, CloseAbnormal, err.Error(), err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			glog.V(2).Infof("[tr]%s<- %d bytes\n", sessionId, len(message))
			if self.callbacks.OnMessage != nil {
				self.callbacks.OnMessage(c.handle, message)
			}
		default:
			glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, sessionId)
		}
	}
}

// reports the close exactly once per connection
// a locally requested close code takes precedence over what the network reported
func (self *WsTransport) finish(c *wsConnection, code int, reason string, err error) {
	c.finishOnce.Do(func() {
		localClose := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if self.connection == c {
				self.connection = nil
			}
			c.open = false
			if c.closeCode != 0 {
				localClose = true
				code = c.closeCode
				reason = c.closeReason
			}
		}()
		c.cancel()

		if err != nil && !localClose && self.callbacks.OnError != nil {
			self.callbacks.OnError(c.handle, err)
		}
		if self.callbacks.OnClose != nil {
			self.callbacks.OnClose(c.handle, code, reason)
		}
	})
}

func (self *WsTransport) Send(message []byte) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	c := self.connection
	if c == nil || !c.open || c.closeCode != 0 {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		glog.Infof("[t]send buffer full (%d)\n", c.handle)
		return false
	}
}

// the close callback is delivered asynchronously with `code`
func (self *WsTransport) Close(code int, reason string) {
	var ws *websocket.Conn
	var c *wsConnection
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		c = self.connection
		if c == nil {
			return
		}
		self.connection = nil
		c.closeCode = code
		c.closeReason = reason
		ws = c.ws
	}()
	if c == nil {
		return
	}

	glog.V(1).Infof("[t]close (%d) %d %s\n", c.handle, code, reason)
	if ws != nil {
		closeMessage := websocket.FormatCloseMessage(wireCloseCode(code), reason)
		ws.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(self.settings.CloseWriteTimeout))
		ws.Close()
	}
	c.cancel()
}

func (self *WsTransport) IsOpen() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	c := self.connection
	return c != nil && c.open && c.closeCode == 0
}

// 1005 and 1006 are reserved and must not be sent in a close frame
func wireCloseCode(code int) int {
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.CloseGoingAway
	default:
		return code
	}
}
