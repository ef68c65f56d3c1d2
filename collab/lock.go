package collab

import (
	"time"

	"github.com/golang/glog"
)

type LockSettings struct {
	// an unanswered lock request is denied after this time
	Timeout time.Duration
}

func DefaultLockSettings() *LockSettings {
	return &LockSettings{
		Timeout: 5 * time.Second,
	}
}

type LockResult struct {
	ElementId string
	Granted   bool
	// the current holder when known
	LockedBy string
	TimedOut bool
	Reason   string
}

type LockCallback apiCallback[*LockResult]

type pendingLock struct {
	messageId     string
	elementId     string
	callbacks     []LockCallback
	cancelTimeout CancelFunc
}

// Request/response lock protocol with a timeout.
// A lock is granted only by the authority. Contention is surfaced immediately and never retried.
// Grants that arrive after the request was given up are released with an unlock.
//
// Lock entries live in the presence registry.
// Not safe for concurrent use. The owner serializes calls and timer callbacks.
type LockCoordinator struct {
	scheduler Scheduler
	settings  *LockSettings
	presence  *PresenceRegistry
	send      func(message *Message) SendResult
	// runs a callback delivery
	deliver  func(deliver func())
	onDenied func(result *LockResult)

	// element id -> request
	pending map[string]*pendingLock
	// element ids whose request was given up locally
	abandoned map[string]bool
}

func NewLockCoordinatorWithDefaults(
	scheduler Scheduler,
	presence *PresenceRegistry,
	send func(message *Message) SendResult,
	deliver func(deliver func()),
	onDenied func(result *LockResult),
) *LockCoordinator {
	return NewLockCoordinator(scheduler, presence, send, deliver, onDenied, DefaultLockSettings())
}

func NewLockCoordinator(
	scheduler Scheduler,
	presence *PresenceRegistry,
	send func(message *Message) SendResult,
	deliver func(deliver func()),
	onDenied func(result *LockResult),
	settings *LockSettings,
) *LockCoordinator {
	if deliver == nil {
		deliver = func(deliver func()) {
			deliver()
		}
	}
	return &LockCoordinator{
		scheduler: scheduler,
		settings:  settings,
		presence:  presence,
		send:      send,
		deliver:   deliver,
		onDenied:  onDenied,
		pending:   map[string]*pendingLock{},
		abandoned: map[string]bool{},
	}
}

func (self *LockCoordinator) IsPending(elementId string) bool {
	_, ok := self.pending[elementId]
	return ok
}

func (self *LockCoordinator) PendingCount() int {
	return len(self.pending)
}

func (self *LockCoordinator) RequestLock(elementId string, callback LockCallback) {
	if holderId, ok := self.presence.LockHolder(elementId); ok {
		if holderId == self.presence.ClientId() {
			self.resolve(callback, &LockResult{
				ElementId: elementId,
				Granted:   true,
				LockedBy:  holderId,
			}, nil)
		} else {
			// no dragging on an element someone else holds
			result := &LockResult{
				ElementId: elementId,
				LockedBy:  holderId,
				Reason:    "Locked by another client.",
			}
			glog.Infof("[l]deny %s, held by %s\n", elementId, holderId)
			self.denied(result)
			self.resolve(callback, result, ErrLockedByOther)
		}
		return
	}

	if request, ok := self.pending[elementId]; ok {
		// share the outstanding request
		request.callbacks = append(request.callbacks, callback)
		return
	}

	delete(self.abandoned, elementId)
	request := &pendingLock{
		messageId: NewId().String(),
		elementId: elementId,
		callbacks: []LockCallback{callback},
	}
	request.cancelTimeout = self.scheduler.Schedule(self.settings.Timeout, func() {
		if self.pending[elementId] != request {
			return
		}
		delete(self.pending, elementId)
		self.abandoned[elementId] = true
		glog.Infof("[l]lock %s timed out\n", elementId)
		self.finish(request, &LockResult{
			ElementId: elementId,
			TimedOut:  true,
			Reason:    "No response from server.",
		})
	})
	self.pending[elementId] = request

	glog.V(2).Infof("[l]lock %s (%s)\n", elementId, request.messageId)
	self.send(&Message{
		Action:    ActionLock,
		MessageId: request.messageId,
		ElementId: elementId,
		Timestamp: self.scheduler.Now().UnixMilli(),
	})
}

// gives up the lock or an outstanding request for it
func (self *LockCoordinator) Unlock(elementId string) error {
	if self.presence.IsLockedByOther(elementId) {
		return ErrLockedByOther
	}
	if request, ok := self.pending[elementId]; ok {
		delete(self.pending, elementId)
		self.abandoned[elementId] = true
		self.finish(request, &LockResult{
			ElementId: elementId,
			Reason:    "Cancelled.",
		})
		return nil
	}
	self.presence.Unlock(elementId)
	self.send(&Message{
		Action:    ActionUnlock,
		ElementId: elementId,
		Timestamp: self.scheduler.Now().UnixMilli(),
	})
	return nil
}

func (self *LockCoordinator) OnLocked(event *ElementLockedEvent) {
	clientId := self.presence.ClientId()
	request, ok := self.pending[event.ElementId]
	if ok && event.MessageId != "" && event.MessageId != request.messageId {
		// a response to an earlier request for the same element
		ok = false
	}

	holderId := event.ClientId
	if holderId == "" && ok {
		holderId = clientId
	}
	if event.Success && holderId != "" {
		self.presence.Lock(event.ElementId, holderId)
	}
	granted := event.Success && holderId == clientId

	if ok {
		delete(self.pending, event.ElementId)
		if granted {
			glog.V(1).Infof("[l]granted %s\n", event.ElementId)
			self.finish(request, &LockResult{
				ElementId: event.ElementId,
				Granted:   true,
				LockedBy:  clientId,
			})
		} else {
			lockedBy := event.LockedBy
			if lockedBy == "" && event.Success {
				lockedBy = holderId
			}
			glog.Infof("[l]denied %s, held by %s\n", event.ElementId, lockedBy)
			self.finish(request, &LockResult{
				ElementId: event.ElementId,
				LockedBy:  lockedBy,
				Reason:    "Lock denied.",
			})
		}
		return
	}

	if granted && self.abandoned[event.ElementId] {
		// late grant for a request that was already denied locally
		delete(self.abandoned, event.ElementId)
		glog.Infof("[l]release late grant %s\n", event.ElementId)
		self.presence.Unlock(event.ElementId)
		self.send(&Message{
			Action:    ActionUnlock,
			ElementId: event.ElementId,
			Timestamp: self.scheduler.Now().UnixMilli(),
		})
	}
}

func (self *LockCoordinator) OnUnlocked(event *ElementUnlockedEvent) {
	if event.Forced {
		glog.Infof("[l]forced unlock %s\n", event.ElementId)
	}
	self.presence.Unlock(event.ElementId)
}

// the channel closed, outstanding requests cannot be answered
func (self *LockCoordinator) OnClose() {
	pending := self.pending
	self.pending = map[string]*pendingLock{}
	self.abandoned = map[string]bool{}
	for _, request := range pending {
		self.finish(request, &LockResult{
			ElementId: request.elementId,
			Reason:    "Disconnected.",
		})
	}
}

func (self *LockCoordinator) finish(request *pendingLock, result *LockResult) {
	if request.cancelTimeout != nil {
		request.cancelTimeout()
	}
	if !result.Granted {
		self.denied(result)
	}
	for _, callback := range request.callbacks {
		self.resolve(callback, result, nil)
	}
}

func (self *LockCoordinator) denied(result *LockResult) {
	if self.onDenied != nil {
		self.onDenied(result)
	}
}

func (self *LockCoordinator) resolve(callback LockCallback, result *LockResult, err error) {
	if callback == nil {
		return
	}
	self.deliver(func() {
		HandleError(func() {
			callback.Result(result, err)
		})
	})
}
