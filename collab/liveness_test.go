package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLivenessExpiresWithoutReply(t *testing.T) {
	clock := NewManualClock()

	pingCount := 0
	expireCount := 0
	liveness := NewLivenessMonitorWithDefaults(clock, func() bool {
		pingCount += 1
		return true
	}, func() {
		expireCount += 1
	})

	liveness.Arm()
	assert.Equal(t, liveness.IsArmed(), true)

	clock.Advance(30 * time.Second)
	assert.Equal(t, pingCount, 1)
	clock.Advance(4999 * time.Millisecond)
	assert.Equal(t, expireCount, 0)

	// interval + timeout without a reply
	clock.Advance(1 * time.Millisecond)
	assert.Equal(t, expireCount, 1)
	assert.Equal(t, liveness.IsArmed(), false)

	// nothing fires after expiry
	clock.Advance(5 * time.Minute)
	assert.Equal(t, pingCount, 1)
	assert.Equal(t, expireCount, 1)
	assert.Equal(t, clock.Pending(), 0)
}

func TestLivenessReplyKeepsChannel(t *testing.T) {
	clock := NewManualClock()

	expireCount := 0
	var liveness *LivenessMonitor
	liveness = NewLivenessMonitorWithDefaults(clock, func() bool {
		// the reply comes back one second after each ping
		clock.Schedule(1*time.Second, liveness.OnReply)
		return true
	}, func() {
		expireCount += 1
	})

	liveness.Arm()
	clock.Advance(10 * time.Minute)
	assert.Equal(t, expireCount, 0)
	assert.Equal(t, liveness.IsArmed(), true)
}

func TestLivenessLateReplyIsIgnored(t *testing.T) {
	clock := NewManualClock()

	expireCount := 0
	liveness := NewLivenessMonitorWithDefaults(clock, func() bool {
		return true
	}, func() {
		expireCount += 1
	})

	liveness.Arm()
	clock.Advance(35 * time.Second)
	assert.Equal(t, expireCount, 1)
	lastReplyTime := liveness.LastReplyTime()

	// the reply arrives after the channel was already expired
	liveness.OnReply()
	liveness.OnReply()
	assert.Equal(t, liveness.IsArmed(), false)
	assert.Equal(t, liveness.LastReplyTime(), lastReplyTime)
	assert.Equal(t, expireCount, 1)
}

func TestLivenessDisarmCancelsTimers(t *testing.T) {
	clock := NewManualClock()

	expireCount := 0
	liveness := NewLivenessMonitorWithDefaults(clock, func() bool {
		return true
	}, func() {
		expireCount += 1
	})

	liveness.Arm()
	clock.Advance(31 * time.Second)
	// closed between the ping and its timeout
	liveness.Disarm()
	assert.Equal(t, clock.Pending(), 0)

	clock.Advance(time.Minute)
	assert.Equal(t, expireCount, 0)

	// a newer connection gets a fresh monitor cycle
	liveness.Arm()
	clock.Advance(34 * time.Second)
	assert.Equal(t, expireCount, 0)
	clock.Advance(1 * time.Second)
	assert.Equal(t, expireCount, 1)
}

func TestReconnectDelays(t *testing.T) {
	clock := NewManualClock()

	reopenTimes := []time.Duration{}
	attempts := []int{}
	delays := []time.Duration{}
	failedCount := 0
	start := clock.Now()

	var reconnect *ReconnectController
	reconnect = NewReconnectControllerWithDefaults(
		clock,
		func() {
			reopenTimes = append(reopenTimes, clock.Now().Sub(start))
			// every attempt fails immediately
			reconnect.OnUnexpectedClose()
		},
		func(attempt int, delay time.Duration) {
			attempts = append(attempts, attempt)
			delays = append(delays, delay)
		},
		func(attempts int) {
			failedCount += 1
		},
	)

	reconnect.OnUnexpectedClose()
	clock.Advance(10 * time.Minute)

	expectedDelays := []time.Duration{
		1000 * time.Millisecond,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
		5062500 * time.Microsecond,
		7593750 * time.Microsecond,
		11390625 * time.Microsecond,
		17085937500 * time.Nanosecond,
		25628906250 * time.Nanosecond,
		// capped
		30 * time.Second,
	}
	assert.Equal(t, delays, expectedDelays)
	assert.Equal(t, attempts, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	assert.Equal(t, len(reopenTimes), 10)
	assert.Equal(t, reopenTimes[0], 1*time.Second)
	assert.Equal(t, reopenTimes[1], 2500*time.Millisecond)
	assert.Equal(t, failedCount, 1)
	assert.Equal(t, reconnect.IsFailed(), true)
	assert.Equal(t, reconnect.AttemptCount(), 10)
}

func TestReconnectOpenResets(t *testing.T) {
	clock := NewManualClock()

	delays := []time.Duration{}
	reopenCount := 0
	reconnect := NewReconnectControllerWithDefaults(
		clock,
		func() {
			reopenCount += 1
		},
		func(attempt int, delay time.Duration) {
			delays = append(delays, delay)
		},
		nil,
	)

	reconnect.OnUnexpectedClose()
	// a second close while waiting does not schedule another attempt
	reconnect.OnUnexpectedClose()
	assert.Equal(t, len(delays), 1)
	clock.Advance(1 * time.Second)
	assert.Equal(t, reopenCount, 1)

	reconnect.OnUnexpectedClose()
	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, reopenCount, 2)

	reconnect.OnOpen()
	assert.Equal(t, reconnect.AttemptCount(), 0)

	reconnect.OnUnexpectedClose()
	assert.Equal(t, delays[len(delays)-1], 1*time.Second)

	// disconnect while waiting cancels the attempt
	reconnect.Cancel()
	assert.Equal(t, reconnect.IsPending(), false)
	clock.Advance(time.Minute)
	assert.Equal(t, reopenCount, 2)

	// manual reconnect reopens immediately
	reconnect.Reconnect()
	assert.Equal(t, reopenCount, 3)
}

func TestReconnectManualResetsDelay(t *testing.T) {
	clock := NewManualClock()

	attempts := []int{}
	delays := []time.Duration{}
	failedCount := 0

	var reconnect *ReconnectController
	reconnect = NewReconnectControllerWithDefaults(
		clock,
		func() {
			reconnect.OnUnexpectedClose()
		},
		func(attempt int, delay time.Duration) {
			attempts = append(attempts, attempt)
			delays = append(delays, delay)
		},
		func(attempts int) {
			failedCount += 1
		},
	)

	reconnect.OnUnexpectedClose()
	clock.Advance(10 * time.Minute)
	assert.Equal(t, failedCount, 1)
	assert.Equal(t, delays[len(delays)-1], 30*time.Second)

	// the manual reopen fails too, the next wait starts over from the first delay
	reconnect.Reconnect()
	assert.Equal(t, reconnect.IsFailed(), false)
	assert.Equal(t, attempts[len(attempts)-1], 1)
	assert.Equal(t, delays[len(delays)-1], 1*time.Second)
	assert.Equal(t, reconnect.IsPending(), true)

	// mid sequence, after a few growing waits
	clock.Advance(1 * time.Second)
	clock.Advance(1500 * time.Millisecond)
	clock.Advance(2250 * time.Millisecond)
	assert.Equal(t, delays[len(delays)-1], 3375*time.Millisecond)
	assert.Equal(t, attempts[len(attempts)-1], 4)

	reconnect.Reconnect()
	assert.Equal(t, attempts[len(attempts)-1], 1)
	assert.Equal(t, delays[len(delays)-1], 1*time.Second)
}
