package collab

import (
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
)

type ReconnectSettings struct {
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	Multiplier           float64
	MaxReconnectAttempts int
}

func DefaultReconnectSettings() *ReconnectSettings {
	return &ReconnectSettings{
		ReconnectDelay:       1 * time.Second,
		MaxReconnectDelay:    30 * time.Second,
		Multiplier:           1.5,
		MaxReconnectAttempts: 10,
	}
}

// Recreates the channel after unexpected closes with capped exponential backoff.
// The attempt count and delay reset when a channel opens.
// Reaching the attempt cap is terminal until a manual `Reconnect`.
//
// Not safe for concurrent use. The owner serializes calls and timer callbacks.
type ReconnectController struct {
	scheduler Scheduler
	settings  *ReconnectSettings

	reopen    func()
	onAttempt func(attempt int, delay time.Duration)
	onFailed  func(attempts int)

	backOff       *backoff.ExponentialBackOff
	attemptCount  int
	failed        bool
	generation    uint64
	cancelPending CancelFunc
}

func NewReconnectControllerWithDefaults(
	scheduler Scheduler,
	reopen func(),
	onAttempt func(attempt int, delay time.Duration),
	onFailed func(attempts int),
) *ReconnectController {
	return NewReconnectController(scheduler, reopen, onAttempt, onFailed, DefaultReconnectSettings())
}

func NewReconnectController(
	scheduler Scheduler,
	reopen func(),
	onAttempt func(attempt int, delay time.Duration),
	onFailed func(attempts int),
	settings *ReconnectSettings,
) *ReconnectController {
	backOff := &backoff.ExponentialBackOff{
		InitialInterval: settings.ReconnectDelay,
		// delays are exact, no jitter
		RandomizationFactor: 0,
		Multiplier:          settings.Multiplier,
		MaxInterval:         settings.MaxReconnectDelay,
		// attempts are capped by count, not elapsed time
		MaxElapsedTime: 0,
		Clock:          scheduler,
	}
	backOff.Reset()
	return &ReconnectController{
		scheduler: scheduler,
		settings:  settings,
		reopen:    reopen,
		onAttempt: onAttempt,
		onFailed:  onFailed,
		backOff:   backOff,
	}
}

func (self *ReconnectController) AttemptCount() int {
	return self.attemptCount
}

func (self *ReconnectController) IsPending() bool {
	return self.cancelPending != nil
}

func (self *ReconnectController) IsFailed() bool {
	return self.failed
}

func (self *ReconnectController) OnOpen() {
	self.Cancel()
	self.attemptCount = 0
	self.failed = false
	self.backOff.Reset()
}

func (self *ReconnectController) OnUnexpectedClose() {
	if self.cancelPending != nil {
		// an attempt is already scheduled
		return
	}
	if self.settings.MaxReconnectAttempts <= self.attemptCount {
		glog.Infof("[r]reconnect failed after %d attempts\n", self.attemptCount)
		self.failed = true
		if self.onFailed != nil {
			self.onFailed(self.attemptCount)
		}
		return
	}

	delay := self.backOff.NextBackOff()
	attempt := self.attemptCount + 1
	glog.Infof("[r]reconnect attempt %d in %s\n", attempt, delay)
	if self.onAttempt != nil {
		self.onAttempt(attempt, delay)
	}

	self.generation += 1
	generation := self.generation
	self.cancelPending = self.scheduler.Schedule(delay, func() {
		if generation != self.generation {
			return
		}
		self.cancelPending = nil
		self.attemptCount += 1
		self.reopen()
	})
}

// user initiated retry. Resets the backoff and reopens immediately.
func (self *ReconnectController) Reconnect() {
	self.Cancel()
	self.attemptCount = 0
	self.failed = false
	self.backOff.Reset()
	self.reopen()
}

// cancels a pending backoff wait
func (self *ReconnectController) Cancel() {
	self.generation += 1
	if self.cancelPending != nil {
		self.cancelPending()
		self.cancelPending = nil
	}
}
