package collab

import (
	"time"

	"github.com/golang/glog"
)

type LivenessSettings struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

func DefaultLivenessSettings() *LivenessSettings {
	return &LivenessSettings{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
	}
}

// Pings an open channel on an interval and expires it when replies stop.
//
// idle -> armed on channel open, armed -> idle on channel close or expiry.
// Every timer callback checks the arm generation so a timer that fires after
// the monitor went idle (or was re-armed for a newer connection) is a no-op.
//
// Not safe for concurrent use. The owner serializes calls and timer callbacks.
type LivenessMonitor struct {
	scheduler Scheduler
	settings  *LivenessSettings
	// sends one ping. The result is ignored, a lost ping is the same as a lost reply.
	ping func() bool
	// forces the channel closed with a non-normal code
	expire func()

	armed         bool
	generation    uint64
	lastReplyTime time.Time
	cancelTick    CancelFunc
	cancelTimeout CancelFunc
}

func NewLivenessMonitorWithDefaults(scheduler Scheduler, ping func() bool, expire func()) *LivenessMonitor {
	return NewLivenessMonitor(scheduler, ping, expire, DefaultLivenessSettings())
}

func NewLivenessMonitor(scheduler Scheduler, ping func() bool, expire func(), settings *LivenessSettings) *LivenessMonitor {
	return &LivenessMonitor{
		scheduler: scheduler,
		settings:  settings,
		ping:      ping,
		expire:    expire,
	}
}

func (self *LivenessMonitor) IsArmed() bool {
	return self.armed
}

func (self *LivenessMonitor) LastReplyTime() time.Time {
	return self.lastReplyTime
}

func (self *LivenessMonitor) Arm() {
	self.Disarm()

	self.armed = true
	self.generation += 1
	self.lastReplyTime = self.scheduler.Now()

	generation := self.generation
	self.cancelTick = self.scheduler.ScheduleRepeating(self.settings.HeartbeatInterval, func() {
		self.tick(generation)
	})
}

// cancels both timers unconditionally
func (self *LivenessMonitor) Disarm() {
	self.armed = false
	self.generation += 1
	if self.cancelTick != nil {
		self.cancelTick()
		self.cancelTick = nil
	}
	if self.cancelTimeout != nil {
		self.cancelTimeout()
		self.cancelTimeout = nil
	}
}

func (self *LivenessMonitor) tick(generation uint64) {
	if !self.armed || generation != self.generation {
		return
	}

	glog.V(2).Infof("[h]ping\n")
	self.ping()

	if self.cancelTimeout != nil {
		self.cancelTimeout()
	}
	self.cancelTimeout = self.scheduler.Schedule(self.settings.HeartbeatTimeout, func() {
		self.timeout(generation)
	})
}

func (self *LivenessMonitor) timeout(generation uint64) {
	if !self.armed || generation != self.generation {
		return
	}
	self.cancelTimeout = nil

	silence := self.scheduler.Now().Sub(self.lastReplyTime)
	if silence < self.settings.HeartbeatInterval+self.settings.HeartbeatTimeout {
		return
	}
	glog.Infof("[h]no reply for %s, expiring channel\n", silence)
	self.Disarm()
	self.expire()
}

// a reply while idle is late and has no effect
func (self *LivenessMonitor) OnReply() {
	if !self.armed {
		glog.V(2).Infof("[h]late reply ignored\n")
		return
	}
	self.lastReplyTime = self.scheduler.Now()
	if self.cancelTimeout != nil {
		self.cancelTimeout()
		self.cancelTimeout = nil
	}
}
