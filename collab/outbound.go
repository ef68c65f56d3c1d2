package collab

import (
	"time"

	"github.com/golang/glog"
)

type OutboundSettings struct {
	// minimum spacing between sent messages, one message per frame
	RateLimit     time.Duration
	QueueCapacity int
}

func DefaultOutboundSettings() *OutboundSettings {
	return &OutboundSettings{
		RateLimit:     33 * time.Millisecond,
		QueueCapacity: 150,
	}
}

type SendResult int

const (
	SendResultSent SendResult = iota
	SendResultQueued
	// only throttled messages are dropped
	SendResultDropped
)

func (self SendResult) String() string {
	switch self {
	case SendResultSent:
		return "sent"
	case SendResultQueued:
		return "queued"
	case SendResultDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Rate gate and FIFO queue in front of the channel.
//
// Ordinary messages are sent when the gate is open and nothing is queued ahead of them,
// otherwise they are queued (the oldest is evicted when full). Queued messages drain
// in order, spaced by the rate limit, whenever the channel is open.
// Throttled messages (cursor positions) are dropped instead of queued.
//
// Not safe for concurrent use. The owner serializes calls and timer callbacks.
type OutboundDiscipline struct {
	scheduler Scheduler
	settings  *OutboundSettings
	send      func(message []byte) bool
	isOpen    func() bool

	queue              *outboundQueue
	nextSequenceNumber uint64
	hasSent            bool
	lastSendTime       time.Time

	drainGeneration uint64
	cancelDrain     CancelFunc

	evictedCount int
	droppedCount int
}

func NewOutboundDisciplineWithDefaults(scheduler Scheduler, send func([]byte) bool, isOpen func() bool) *OutboundDiscipline {
	return NewOutboundDiscipline(scheduler, send, isOpen, DefaultOutboundSettings())
}

func NewOutboundDiscipline(
	scheduler Scheduler,
	send func([]byte) bool,
	isOpen func() bool,
	settings *OutboundSettings,
) *OutboundDiscipline {
	return &OutboundDiscipline{
		scheduler: scheduler,
		settings:  settings,
		send:      send,
		isOpen:    isOpen,
		queue:     newOutboundQueue(),
	}
}

func (self *OutboundDiscipline) QueueSize() (int, ByteCount) {
	return self.queue.QueueSize()
}

func (self *OutboundDiscipline) EvictedCount() int {
	return self.evictedCount
}

func (self *OutboundDiscipline) DroppedCount() int {
	return self.droppedCount
}

func (self *OutboundDiscipline) gateActive(now time.Time) bool {
	return self.hasSent && now.Sub(self.lastSendTime) < self.settings.RateLimit
}

func (self *OutboundDiscipline) Send(message []byte) SendResult {
	now := self.scheduler.Now()
	if 0 < self.queue.Len() || !self.isOpen() || self.gateActive(now) {
		self.enqueue(message)
		self.scheduleDrain()
		return SendResultQueued
	}
	if !self.send(message) {
		self.enqueue(message)
		self.scheduleRetry()
		return SendResultQueued
	}
	self.sent(now)
	return SendResultSent
}

// sends only if the gate is open now, otherwise drops
// only the latest value of a throttled stream matters
func (self *OutboundDiscipline) SendThrottled(message []byte) SendResult {
	now := self.scheduler.Now()
	if 0 < self.queue.Len() || !self.isOpen() || self.gateActive(now) {
		self.droppedCount += 1
		glog.V(2).Infof("[o]throttled drop\n")
		return SendResultDropped
	}
	if !self.send(message) {
		self.droppedCount += 1
		return SendResultDropped
	}
	self.sent(now)
	return SendResultSent
}

func (self *OutboundDiscipline) OnOpen() {
	self.scheduleDrain()
}

func (self *OutboundDiscipline) OnClose() {
	self.drainGeneration += 1
	if self.cancelDrain != nil {
		self.cancelDrain()
		self.cancelDrain = nil
	}
}

// drops everything queued. Used when the session itself changes.
func (self *OutboundDiscipline) Clear() {
	self.OnClose()
	self.queue = newOutboundQueue()
}

func (self *OutboundDiscipline) enqueue(message []byte) {
	if self.settings.QueueCapacity <= self.queue.Len() {
		// newest wins
		self.queue.RemoveFirst()
		self.evictedCount += 1
		glog.Infof("[o]queue full (%d), evicted oldest\n", self.settings.QueueCapacity)
	}
	item := &outboundItem{
		message:        message,
		sequenceNumber: self.nextSequenceNumber,
	}
	self.nextSequenceNumber += 1
	self.queue.Add(item)
}

func (self *OutboundDiscipline) sent(now time.Time) {
	self.hasSent = true
	self.lastSendTime = now
	self.scheduleDrain()
}

func (self *OutboundDiscipline) scheduleDrain() {
	if self.cancelDrain != nil || self.queue.Len() == 0 || !self.isOpen() {
		return
	}
	var wait time.Duration
	if self.hasSent {
		wait = self.settings.RateLimit - self.scheduler.Now().Sub(self.lastSendTime)
	}
	if wait <= 0 {
		self.drainOne()
		return
	}
	self.scheduleDrainAfter(wait)
}

// the channel is open but congested
func (self *OutboundDiscipline) scheduleRetry() {
	if self.cancelDrain != nil {
		return
	}
	self.scheduleDrainAfter(max(self.settings.RateLimit, time.Millisecond))
}

func (self *OutboundDiscipline) scheduleDrainAfter(wait time.Duration) {
	self.drainGeneration += 1
	generation := self.drainGeneration
	self.cancelDrain = self.scheduler.Schedule(wait, func() {
		if generation != self.drainGeneration {
			return
		}
		self.cancelDrain = nil
		self.drainOne()
	})
}

func (self *OutboundDiscipline) drainOne() {
	if !self.isOpen() {
		return
	}
	item := self.queue.PeekFirst()
	if item == nil {
		return
	}
	now := self.scheduler.Now()
	if self.gateActive(now) {
		self.scheduleDrain()
		return
	}
	if !self.send(item.message) {
		self.scheduleRetry()
		return
	}
	self.queue.RemoveFirst()
	glog.V(2).Infof("[o]drained, %d queued\n", self.queue.Len())
	self.sent(now)
}
