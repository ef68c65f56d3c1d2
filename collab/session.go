package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

var ErrNotConnected = errors.New("Not connected.")
var ErrMissingSessionId = errors.New("Missing session id.")

type SessionState int

const (
	SessionStateDisconnected SessionState = iota
	SessionStateConnecting
	// the channel is open, no identity yet
	SessionStateOpen
	// identity assigned
	SessionStateReady
	SessionStateReconnecting
	// the reconnect attempts are exhausted. Only a manual reconnect leaves this state.
	SessionStateFailed
)

func (self SessionState) String() string {
	switch self {
	case SessionStateDisconnected:
		return "disconnected"
	case SessionStateConnecting:
		return "connecting"
	case SessionStateOpen:
		return "open"
	case SessionStateReady:
		return "ready"
	case SessionStateReconnecting:
		return "reconnecting"
	case SessionStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// the only outcomes that cross from the session to the user
type NoticeType string

const (
	NoticeReady           NoticeType = "ready"
	NoticeReconnecting    NoticeType = "reconnecting"
	NoticeReconnectFailed NoticeType = "reconnect_failed"
	NoticeDisconnected    NoticeType = "disconnected"
	NoticeEditReverted    NoticeType = "edit_reverted"
	NoticeLockDenied      NoticeType = "lock_denied"
	NoticeServerError     NoticeType = "server_error"
)

type Notice struct {
	Type      NoticeType
	Message   string
	ElementId string
	// reconnecting
	Attempt int
	Delay   time.Duration
	// edit reverted
	EditKind EditKind
	// lock denied
	LockedBy string
}

type NoticeFunction = func(notice *Notice)

// One collaborative document session.
//
// All state is owned by one logical event loop: every transport callback, timer callback
// and caller operation runs under `stateLock`. Consumer, listener, notice and lock callbacks
// are collected while locked and run in order after the lock is released, so callbacks may
// call back into the session.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings  *SessionSettings
	scheduler Scheduler
	transport Transport

	stateLock  sync.Mutex
	deliveries []func()

	sessionId   string
	displayName string
	endpoint    string
	// the current connection, 0 when none
	handle  TransportHandle
	state   SessionState
	closing bool
	// closed when the identity of the current session is assigned
	ready chan struct{}

	document *Document
	history  *History
	presence *PresenceRegistry

	liveness  *LivenessMonitor
	reconnect *ReconnectController
	outbound  *OutboundDiscipline
	inbound   *InboundDispatcher
	edits     *EditPipeline
	locks     *LockCoordinator

	noticeCallbacks *CallbackList[NoticeFunction]
}

func NewSessionWithDefaults(ctx context.Context) *Session {
	return NewSession(ctx, DefaultSessionSettings())
}

func NewSession(ctx context.Context, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)

	session := &Session{
		ctx:             cancelCtx,
		cancel:          cancel,
		settings:        settings,
		ready:           make(chan struct{}),
		noticeCallbacks: NewCallbackList[NoticeFunction](),
	}

	scheduler := settings.Scheduler
	if scheduler == nil {
		scheduler = NewSystemScheduler()
	}
	session.scheduler = &sessionScheduler{
		scheduler: scheduler,
		session:   session,
	}

	generator := settings.TransportGenerator
	if generator == nil {
		generator = WsTransportGenerator(DefaultTransportSettings())
	}
	session.transport = generator(cancelCtx, TransportCallbacks{
		OnOpen:    session.onOpen,
		OnMessage: session.onMessage,
		OnClose:   session.onClose,
		OnError:   session.onError,
	})

	session.document = NewDocument()
	session.history = NewHistory(settings.HistorySettings)
	session.presence = NewPresenceRegistry()

	session.liveness = NewLivenessMonitor(
		session.scheduler,
		session.ping,
		session.expire,
		settings.LivenessSettings,
	)
	session.reconnect = NewReconnectController(
		session.scheduler,
		session.open,
		session.onReconnectAttempt,
		session.onReconnectFailed,
		settings.ReconnectSettings,
	)
	session.outbound = NewOutboundDiscipline(
		session.scheduler,
		session.transport.Send,
		session.isOpen,
		settings.OutboundSettings,
	)
	session.inbound = NewInboundDispatcher(
		InboundCallbacks{
			OnPong:      session.liveness.OnReply,
			OnConnected: session.onConnected,
			Apply:       session.apply,
			Deliver:     session.deliver,
		},
		settings.InboundSettings,
	)
	session.edits = NewEditPipeline(
		session.scheduler,
		session.document,
		session.history,
		session.presence,
		session.sendMessage,
		session.onEditReverted,
		settings.EditSettings,
	)
	session.locks = NewLockCoordinator(
		session.scheduler,
		session.presence,
		session.sendMessage,
		session.deliver,
		session.onLockDenied,
		settings.LockSettings,
	)

	return session
}

// runs `callback` as one event of the loop, then delivers the callbacks it produced
func (self *Session) locked(callback func()) {
	var deliveries []func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		callback()
		deliveries = self.deliveries
		self.deliveries = nil
	}()
	for _, delivery := range deliveries {
		delivery()
	}
}

// must be called with the state lock
func (self *Session) deliver(delivery func()) {
	self.deliveries = append(self.deliveries, delivery)
}

// must be called with the state lock
func (self *Session) notify(notice *Notice) {
	for _, noticeCallback := range self.noticeCallbacks.Get() {
		self.deliver(func() {
			HandleError(func() {
				noticeCallback(notice)
			})
		})
	}
}

// must be called with the state lock
func (self *Session) setState(state SessionState) {
	if self.state != state {
		glog.V(1).Infof("[s]%s -> %s\n", self.state, state)
		self.state = state
	}
}

func (self *Session) isOpen() bool {
	return self.handle != 0 && self.transport.IsOpen()
}

// must be called with the state lock
func (self *Session) sendMessage(message *Message) SendResult {
	if message.Timestamp == 0 {
		message.Timestamp = self.scheduler.Now().UnixMilli()
	}
	messageBytes, err := EncodeMessage(message)
	if err != nil {
		glog.Infof("[o]drop unencodable %s: %s\n", message.Action, err)
		return SendResultDropped
	}
	glog.V(2).Infof("[o]%s\n", message.Action)
	return self.outbound.Send(messageBytes)
}

func (self *Session) ping() bool {
	if !self.isOpen() {
		return false
	}
	messageBytes, err := EncodeMessage(&Message{
		Action:    ActionPing,
		Timestamp: self.scheduler.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	// pings bypass the queue
	return self.transport.Send(messageBytes)
}

func (self *Session) expire() {
	if self.handle == 0 {
		return
	}
	glog.Infof("[h]heartbeat timeout, closing %d\n", self.handle)
	self.transport.Close(CloseHeartbeatTimeout, "Heartbeat timeout.")
}

// must be called with the state lock
func (self *Session) open() {
	auth, err := NewClientAuth(self.settings.ByJwt, self.displayName)
	if err != nil {
		glog.Infof("[s]ignore unreadable jwt claims: %s\n", err)
		auth = &ClientAuth{
			ByJwt:    self.settings.ByJwt,
			UserName: self.displayName,
		}
	}
	if clientId := self.inbound.ClientId(); clientId != "" {
		// keep the identity across reconnects
		auth.ClientIdHint = clientId
	}
	self.handle = self.transport.Open(self.endpoint, self.sessionId, auth)
	glog.V(1).Infof("[s]open %s (%d)\n", self.sessionId, self.handle)
}

// must be called with the state lock
func (self *Session) closed() {
	self.handle = 0
	self.liveness.Disarm()
	self.outbound.OnClose()
	self.locks.OnClose()
	self.presence.Clear()
}

func (self *Session) onOpen(handle TransportHandle) {
	self.locked(func() {
		if handle != self.handle {
			return
		}
		self.setState(SessionStateOpen)
		self.reconnect.OnOpen()
		self.liveness.Arm()
		self.outbound.OnOpen()
	})
}

func (self *Session) onMessage(handle TransportHandle, message []byte) {
	self.locked(func() {
		if handle != self.handle {
			return
		}
		self.inbound.Dispatch(message)
	})
}

func (self *Session) onClose(handle TransportHandle, code int, reason string) {
	self.locked(func() {
		if handle != self.handle {
			return
		}
		glog.V(1).Infof("[s]closed %d %d %s\n", handle, code, reason)
		self.closed()

		if self.closing || code == CloseNormal {
			self.setState(SessionStateDisconnected)
			self.notify(&Notice{
				Type:    NoticeDisconnected,
				Message: reason,
			})
			return
		}
		self.setState(SessionStateReconnecting)
		self.reconnect.OnUnexpectedClose()
	})
}

func (self *Session) onError(handle TransportHandle, err error) {
	glog.Infof("[t]error (%d): %s\n", handle, err)
}

func (self *Session) onReconnectAttempt(attempt int, delay time.Duration) {
	self.notify(&Notice{
		Type:    NoticeReconnecting,
		Message: fmt.Sprintf("Reconnecting in %s (attempt %d).", delay, attempt),
		Attempt: attempt,
		Delay:   delay,
	})
}

func (self *Session) onReconnectFailed(attempts int) {
	self.setState(SessionStateFailed)
	self.notify(&Notice{
		Type:    NoticeReconnectFailed,
		Message: fmt.Sprintf("Disconnected, reconnect failed after %d attempts.", attempts),
		Attempt: attempts,
	})
}

func (self *Session) onEditReverted(elementId string, kind EditKind, reason string) {
	self.notify(&Notice{
		Type:      NoticeEditReverted,
		Message:   reason,
		ElementId: elementId,
		EditKind:  kind,
	})
}

func (self *Session) onLockDenied(result *LockResult) {
	self.notify(&Notice{
		Type:      NoticeLockDenied,
		Message:   result.Reason,
		ElementId: result.ElementId,
		LockedBy:  result.LockedBy,
	})
}

func (self *Session) onConnected(event *ConnectedEvent, first bool) {
	clientId := self.inbound.ClientId()
	self.presence.SetClientId(clientId)
	for _, participant := range event.Users {
		self.presence.Join(participant.ClientId, participant.UserName)
	}

	// every new connection asks for a fresh authoritative snapshot
	self.sendMessage(&Message{
		Action:   ActionInit,
		ClientId: clientId,
		UserName: self.displayName,
	})

	self.setState(SessionStateReady)
	if first {
		close(self.ready)
	}
	self.notify(&Notice{
		Type: NoticeReady,
	})
}

// applies a domain event to the document and presence before it is delivered
func (self *Session) apply(event Event) {
	switch v := event.(type) {
	case *InitializedEvent:
		self.edits.ApplyEvent(v)
		self.presence.Sync(v.Users, v.Locks)
	case *UserJoinedEvent:
		self.presence.Join(v.ClientId, v.UserName)
	case *UserLeftEvent:
		released := self.presence.Leave(v.ClientId)
		if 0 < len(released) {
			glog.V(1).Infof("[s]%s left, released %v\n", v.ClientId, released)
		}
	case *CursorMoveEvent:
		self.presence.UpdateCursor(v.ClientId, v.Position)
	case *SelectionChangeEvent:
		self.presence.UpdateSelection(v.ClientId, v.ElementId)
	case *ElementLockedEvent:
		self.locks.OnLocked(v)
	case *ElementUnlockedEvent:
		self.locks.OnUnlocked(v)
	case *UndoAckEvent:
		self.edits.ApplyEvent(v)
		if !v.Success {
			self.sendMessage(&Message{Action: ActionGetState})
		}
	case *RedoAckEvent:
		self.edits.ApplyEvent(v)
		if !v.Success {
			self.sendMessage(&Message{Action: ActionGetState})
		}
	case *ErrorEvent:
		self.edits.ApplyEvent(v)
		glog.Infof("[s]server error: %s\n", v.Message)
		self.notify(&Notice{
			Type:      NoticeServerError,
			Message:   v.Message,
			ElementId: v.ElementId,
		})
	default:
		self.edits.ApplyEvent(v)
	}
}

// Connects to `sessionId`. An empty `endpoint` uses the configured one.
// Connecting to the same session while connected is a no-op.
// Connecting to a different session discards all state of the previous one.
func (self *Session) Connect(sessionId string, displayName string, endpoint string) error {
	if sessionId == "" {
		return ErrMissingSessionId
	}
	if endpoint == "" {
		endpoint = self.settings.Endpoint
	}
	var err error
	self.locked(func() {
		if self.sessionId == sessionId && self.handle != 0 {
			return
		}
		if self.sessionId != "" && self.sessionId != sessionId {
			self.teardown()
		}

		if _, parseErr := SessionUrl(endpoint, sessionId, nil); parseErr != nil {
			err = parseErr
			return
		}

		self.sessionId = sessionId
		self.displayName = displayName
		self.endpoint = endpoint
		self.closing = false
		self.reconnect.OnOpen()
		self.setState(SessionStateConnecting)
		self.open()
	})
	return err
}

// must be called with the state lock
func (self *Session) teardown() {
	glog.V(1).Infof("[s]leave session %s\n", self.sessionId)
	self.reconnect.Cancel()
	if self.handle != 0 {
		self.transport.Close(CloseNormal, "Session changed.")
	}
	self.closed()
	self.outbound.Clear()
	self.edits.ClearPending()
	self.inbound.ResetIdentity()
	self.presence.SetClientId("")
	self.document.ReplaceAll(NewDocument())
	self.history.Reset(self.document, "", self.scheduler.Now())
	self.ready = make(chan struct{})
	self.sessionId = ""
	self.setState(SessionStateDisconnected)
}

// closes the channel with a normal close. No reconnect follows.
func (self *Session) Disconnect() {
	self.locked(func() {
		self.closing = true
		self.reconnect.Cancel()
		if self.handle != 0 {
			self.transport.Close(CloseNormal, "Disconnect.")
			self.closed()
		}
		if self.state != SessionStateDisconnected {
			self.setState(SessionStateDisconnected)
			self.notify(&Notice{
				Type: NoticeDisconnected,
			})
		}
	})
}

// user initiated reconnect, e.g. after the attempts are exhausted
func (self *Session) Reconnect() error {
	var err error
	self.locked(func() {
		if self.sessionId == "" {
			err = ErrNotConnected
			return
		}
		self.closing = false
		if self.handle != 0 {
			self.transport.Close(CloseNormal, "Reconnect.")
			self.closed()
		}
		self.setState(SessionStateConnecting)
		self.reconnect.Reconnect()
	})
	return err
}

func (self *Session) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *Session) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.isOpen()
}

func (self *Session) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// blocks until the identity of the current session is assigned
func (self *Session) WaitReady(ctx context.Context) error {
	self.stateLock.Lock()
	ready := self.ready
	self.stateLock.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
}

func (self *Session) ClientId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.inbound.ClientId()
}

func (self *Session) SessionId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sessionId
}

// sends a raw domain message through the outbound discipline
func (self *Session) Send(message *Message) SendResult {
	var result SendResult
	self.locked(func() {
		result = self.sendMessage(message)
	})
	return result
}

// the first consumer receives the events buffered before it registered
func (self *Session) RegisterConsumer(consumer EventFunction) {
	self.locked(func() {
		self.inbound.RegisterConsumer(consumer)
	})
}

// returns a function that removes the listener
func (self *Session) On(eventType EventType, listener EventFunction) func() {
	var remove func()
	self.locked(func() {
		remove = self.inbound.On(eventType, listener)
	})
	return remove
}

func (self *Session) AddNoticeCallback(noticeCallback NoticeFunction) func() {
	callbackId := self.noticeCallbacks.Add(noticeCallback)
	return func() {
		self.noticeCallbacks.Remove(callbackId)
	}
}

// a snapshot
func (self *Session) Document() *Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.document.Clone()
}

func (self *Session) Participants() map[string]*PresenceEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.presence.Participants()
}

// element id -> client id
func (self *Session) Locks() map[string]string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.presence.Locks()
}

func (self *Session) IsLockedByOther(elementId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.presence.IsLockedByOther(elementId)
}

func (self *Session) CanUndo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.history.CanUndo()
}

func (self *Session) CanRedo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.history.CanRedo()
}

func (self *Session) Move(elementId string, position Position) error {
	var err error
	self.locked(func() {
		err = self.edits.Move(elementId, position)
	})
	return err
}

func (self *Session) Resize(elementId string, size Size) error {
	var err error
	self.locked(func() {
		err = self.edits.Resize(elementId, size)
	})
	return err
}

func (self *Session) Rotate(elementId string, rotation float64) error {
	var err error
	self.locked(func() {
		err = self.edits.Rotate(elementId, rotation)
	})
	return err
}

func (self *Session) Add(object *Object) (string, error) {
	var elementId string
	var err error
	self.locked(func() {
		elementId, err = self.edits.Add(object)
	})
	return elementId, err
}

func (self *Session) Delete(elementId string) error {
	var err error
	self.locked(func() {
		err = self.edits.Delete(elementId)
	})
	return err
}

func (self *Session) RequestLock(elementId string, callback LockCallback) {
	self.locked(func() {
		self.locks.RequestLock(elementId, callback)
	})
}

// blocks until the lock is granted, denied or timed out
func (self *Session) Lock(ctx context.Context, elementId string) (*LockResult, error) {
	callback, c := NewBlockingApiCallback[*LockResult]()
	self.RequestLock(elementId, callback)
	select {
	case result := <-c:
		return result.Result, result.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (self *Session) Unlock(elementId string) error {
	var err error
	self.locked(func() {
		err = self.locks.Unlock(elementId)
	})
	return err
}

func (self *Session) Select(elementId string) SendResult {
	return self.Send(&Message{
		Action:    ActionSelect,
		ElementId: elementId,
	})
}

func (self *Session) Deselect() SendResult {
	return self.Send(&Message{
		Action: ActionDeselect,
	})
}

// cursor updates are throttled. Updates inside the rate limit are dropped.
func (self *Session) Cursor(position Position) SendResult {
	result := SendResultDropped
	self.locked(func() {
		p := position.Clone()
		messageBytes, err := EncodeMessage(&Message{
			Action:    ActionCursor,
			Timestamp: self.scheduler.Now().UnixMilli(),
			Position:  &p,
		})
		if err != nil {
			return
		}
		result = self.outbound.SendThrottled(messageBytes)
	})
	return result
}

func (self *Session) Undo() error {
	var err error
	self.locked(func() {
		var message *Message
		message, err = self.edits.Undo()
		if err != nil {
			return
		}
		self.sendMessage(message)
	})
	return err
}

func (self *Session) Redo() error {
	var err error
	self.locked(func() {
		var message *Message
		message, err = self.edits.Redo()
		if err != nil {
			return
		}
		self.sendMessage(message)
	})
	return err
}

// asks the authority for a full snapshot
func (self *Session) GetState() SendResult {
	return self.Send(&Message{
		Action: ActionGetState,
	})
}

// asks the authority to reset the layout
func (self *Session) Reset() SendResult {
	return self.Send(&Message{
		Action: ActionReset,
	})
}

// replaces the document with authoritative state obtained outside the session channel
func (self *Session) ApplyAuthoritative(document *Document) {
	self.locked(func() {
		self.edits.ApplyAuthoritative(document)
	})
}

// Runs the geometry optimization on a snapshot taken now and applies the result.
// Edits made while the call is in flight are overwritten unless still pending.
func (self *Session) Optimize(ctx context.Context, client *GeometryClient, dimensions *Size, movedElementId string) (*OptimizeResult, error) {
	var elements []*Object
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		elements = self.document.Objects()
	}()

	result, err := client.Optimize(ctx, &OptimizeArgs{
		Dimensions:     dimensions,
		Elements:       elements,
		MovedElementId: movedElementId,
	})
	if err != nil {
		return nil, err
	}
	self.ApplyAuthoritative(result.Document())
	return result, nil
}

// runs every timer callback as one event of the session loop
type sessionScheduler struct {
	scheduler Scheduler
	session   *Session
}

func (self *sessionScheduler) Now() time.Time {
	return self.scheduler.Now()
}

func (self *sessionScheduler) Schedule(delay time.Duration, callback func()) CancelFunc {
	return self.scheduler.Schedule(delay, func() {
		self.session.locked(callback)
	})
}

func (self *sessionScheduler) ScheduleRepeating(interval time.Duration, callback func()) CancelFunc {
	return self.scheduler.ScheduleRepeating(interval, func() {
		self.session.locked(callback)
	})
}
