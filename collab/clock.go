package collab

import (
	"container/heap"
	"sync"
	"time"
)

// cancels a scheduled callback. Calling more than once is a no-op.
type CancelFunc func()

// all timer driven logic (heartbeat, backoff, rate gate, lock and edit timeouts)
// goes through a scheduler so it can be driven deterministically in tests
type Scheduler interface {
	Now() time.Time
	Schedule(delay time.Duration, callback func()) CancelFunc
	ScheduleRepeating(interval time.Duration, callback func()) CancelFunc
}

type SystemScheduler struct {
}

func NewSystemScheduler() *SystemScheduler {
	return &SystemScheduler{}
}

func (self *SystemScheduler) Now() time.Time {
	return time.Now()
}

func (self *SystemScheduler) Schedule(delay time.Duration, callback func()) CancelFunc {
	timer := time.AfterFunc(delay, callback)
	return func() {
		timer.Stop()
	}
}

func (self *SystemScheduler) ScheduleRepeating(interval time.Duration, callback func()) CancelFunc {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			// the ticker may have fired concurrently with cancel
			select {
			case <-done:
				return
			default:
			}
			callback()
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
		})
	}
}

type manualTimer struct {
	fireTime time.Time
	// insertion order breaks ties so equal fire times run in schedule order
	order    uint64
	interval time.Duration
	callback func()
	canceled bool

	heapIndex int
}

// a scheduler whose time only moves on `Advance`
// callbacks run synchronously on the advancing goroutine, in fire time order
type ManualClock struct {
	stateLock sync.Mutex
	now       time.Time
	nextOrder uint64
	timers    manualTimerHeap
}

func NewManualClock() *ManualClock {
	return NewManualClockAt(time.Unix(0, 0))
}

func NewManualClockAt(now time.Time) *ManualClock {
	return &ManualClock{
		now: now,
	}
}

func (self *ManualClock) Now() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.now
}

func (self *ManualClock) Schedule(delay time.Duration, callback func()) CancelFunc {
	return self.schedule(delay, 0, callback)
}

func (self *ManualClock) ScheduleRepeating(interval time.Duration, callback func()) CancelFunc {
	if interval <= 0 {
		panic("Repeating interval must be positive.")
	}
	return self.schedule(interval, interval, callback)
}

func (self *ManualClock) schedule(delay time.Duration, interval time.Duration, callback func()) CancelFunc {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if delay < 0 {
		delay = 0
	}
	timer := &manualTimer{
		fireTime: self.now.Add(delay),
		order:    self.nextOrder,
		interval: interval,
		callback: callback,
	}
	self.nextOrder += 1
	heap.Push(&self.timers, timer)

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if timer.canceled {
			return
		}
		timer.canceled = true
		if 0 <= timer.heapIndex {
			heap.Remove(&self.timers, timer.heapIndex)
		}
	}
}

// number of scheduled, not canceled timers
func (self *ManualClock) Pending() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.timers)
}

func (self *ManualClock) Advance(d time.Duration) {
	self.stateLock.Lock()
	target := self.now.Add(d)
	self.stateLock.Unlock()

	for {
		timer := func() *manualTimer {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if len(self.timers) == 0 || target.Before(self.timers[0].fireTime) {
				return nil
			}
			timer := heap.Pop(&self.timers).(*manualTimer)
			self.now = timer.fireTime
			if 0 < timer.interval {
				timer.fireTime = timer.fireTime.Add(timer.interval)
				timer.order = self.nextOrder
				self.nextOrder += 1
				heap.Push(&self.timers, timer)
			}
			return timer
		}()
		if timer == nil {
			break
		}
		timer.callback()
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.now.Before(target) {
		self.now = target
	}
}

type manualTimerHeap []*manualTimer

// heap.Interface

func (self *manualTimerHeap) Push(x any) {
	timer := x.(*manualTimer)
	timer.heapIndex = len(*self)
	*self = append(*self, timer)
}

func (self *manualTimerHeap) Pop() any {
	old := *self
	n := len(old)
	timer := old[n-1]
	old[n-1] = nil
	timer.heapIndex = -1
	*self = old[:n-1]
	return timer
}

// sort.Interface

func (self manualTimerHeap) Len() int {
	return len(self)
}

func (self manualTimerHeap) Less(i int, j int) bool {
	if self[i].fireTime.Equal(self[j].fireTime) {
		return self[i].order < self[j].order
	}
	return self[i].fireTime.Before(self[j].fireTime)
}

func (self manualTimerHeap) Swap(i int, j int) {
	self[i], self[j] = self[j], self[i]
	self[i].heapIndex = i
	self[j].heapIndex = j
}
