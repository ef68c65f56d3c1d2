package collab

import (
	"github.com/golang/glog"
)

// listeners registered for this type receive every domain event
const EventTypeAny EventType = "*"

type InboundSettings struct {
	BufferCapacity int
}

func DefaultInboundSettings() *InboundSettings {
	return &InboundSettings{
		BufferCapacity: 50,
	}
}

type EventFunction = func(event Event)

type InboundCallbacks struct {
	// liveness reply
	OnPong func()
	// identity assignment. `first` is true only for the first assignment of the session.
	OnConnected func(event *ConnectedEvent, first bool)
	// applies a domain event to the session state before it is delivered
	Apply func(event Event)
	// runs a delivery. The session defers deliveries until its state lock is released.
	Deliver func(deliver func())
}

// Parses raw inbound messages and routes them.
//
// Control messages (pong, connected) never reach consumers. Domain events go to the
// registered consumer, or to a bounded buffer (oldest evicted) until the first consumer
// registers. The buffer drains to that consumer in arrival order and is then abandoned.
// Listeners keyed by event type see every domain event independent of the consumer.
//
// Not safe for concurrent use. The owner serializes calls.
type InboundDispatcher struct {
	settings  *InboundSettings
	callbacks InboundCallbacks

	clientId string
	ready    bool

	consumer        EventFunction
	buffer          []Event
	bufferAbandoned bool

	listeners map[EventType]*CallbackList[EventFunction]

	malformedCount int
	evictedCount   int
}

func NewInboundDispatcherWithDefaults(callbacks InboundCallbacks) *InboundDispatcher {
	return NewInboundDispatcher(callbacks, DefaultInboundSettings())
}

func NewInboundDispatcher(callbacks InboundCallbacks, settings *InboundSettings) *InboundDispatcher {
	if callbacks.Deliver == nil {
		callbacks.Deliver = func(deliver func()) {
			deliver()
		}
	}
	return &InboundDispatcher{
		settings:  settings,
		callbacks: callbacks,
		buffer:    []Event{},
		listeners: map[EventType]*CallbackList[EventFunction]{},
	}
}

func (self *InboundDispatcher) ClientId() string {
	return self.clientId
}

func (self *InboundDispatcher) IsReady() bool {
	return self.ready
}

func (self *InboundDispatcher) MalformedCount() int {
	return self.malformedCount
}

func (self *InboundDispatcher) BufferedCount() int {
	return len(self.buffer)
}

// forgets the identity for a new session. Consumer, listeners and buffer state are kept.
func (self *InboundDispatcher) ResetIdentity() {
	self.clientId = ""
	self.ready = false
}

func (self *InboundDispatcher) Dispatch(raw []byte) {
	event, err := ParseEvent(raw)
	if err != nil {
		// discard only this message
		self.malformedCount += 1
		glog.Infof("[i]discard malformed message: %s\n", err)
		return
	}
	self.DispatchEvent(event)
}

func (self *InboundDispatcher) DispatchEvent(event Event) {
	switch v := event.(type) {
	case *PongEvent:
		if self.callbacks.OnPong != nil {
			self.callbacks.OnPong()
		}
		return
	case *ConnectedEvent:
		first := false
		if !self.ready {
			// first occurrence wins
			self.clientId = v.ClientId
			self.ready = true
			first = true
			glog.V(1).Infof("[i]assigned identity %s\n", v.ClientId)
		} else if v.ClientId != self.clientId {
			// the server reissued an identity on reconnect. Ownership checks keep using the first one.
			glog.Warningf("[i]ignore identity %s, keeping %s\n", v.ClientId, self.clientId)
		}
		if self.callbacks.OnConnected != nil {
			self.callbacks.OnConnected(v, first)
		}
		return
	}

	if self.callbacks.Apply != nil {
		self.callbacks.Apply(event)
	}

	if self.consumer != nil {
		consumer := self.consumer
		self.callbacks.Deliver(func() {
			HandleError(func() {
				consumer(event)
			})
		})
	} else if !self.bufferAbandoned {
		if self.settings.BufferCapacity <= len(self.buffer) {
			self.buffer[0] = nil
			self.buffer = self.buffer[1:]
			self.evictedCount += 1
			glog.Infof("[i]buffer full (%d), evicted oldest\n", self.settings.BufferCapacity)
		}
		self.buffer = append(self.buffer, event)
	} else {
		glog.V(2).Infof("[i]no consumer for %s\n", event.EventType())
	}

	self.notifyListeners(event)
}

func (self *InboundDispatcher) notifyListeners(event Event) {
	for _, eventType := range []EventType{event.EventType(), EventTypeAny} {
		listeners, ok := self.listeners[eventType]
		if !ok {
			continue
		}
		for _, listener := range listeners.Get() {
			self.callbacks.Deliver(func() {
				HandleError(func() {
					listener(event)
				})
			})
		}
	}
}

// the first registration drains the buffer to `consumer` in arrival order
func (self *InboundDispatcher) RegisterConsumer(consumer EventFunction) {
	self.consumer = consumer
	if consumer == nil || self.bufferAbandoned {
		return
	}
	buffer := self.buffer
	self.buffer = nil
	self.bufferAbandoned = true
	if len(buffer) == 0 {
		return
	}
	glog.V(1).Infof("[i]replay %d buffered events\n", len(buffer))
	self.callbacks.Deliver(func() {
		for _, event := range buffer {
			HandleError(func() {
				consumer(event)
			})
		}
	})
}

func (self *InboundDispatcher) On(eventType EventType, listener EventFunction) func() {
	listeners, ok := self.listeners[eventType]
	if !ok {
		listeners = NewCallbackList[EventFunction]()
		self.listeners[eventType] = listeners
	}
	callbackId := listeners.Add(listener)
	return func() {
		listeners.Remove(callbackId)
	}
}
