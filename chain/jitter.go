// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// JitterTicker is a ticker that adds jitter to the tick duration. The engine
// uses it to spread re-verification work out in time so a new block or a
// bulk pledge import doesn't trigger a thundering herd of identical checks.
type JitterTicker struct {
	// C is a read-only channel that receives ticks.
	C <-chan time.Time

	// c is the internal channel that receives ticks.
	c chan time.Time

	// duration is the base duration of the ticker.
	duration time.Duration

	// scaler defines the jitter scaler. The jitter is calculated as,
	// - min: duration * (1 - scaler) or 0 if scaler > 1,
	// - max: duration * (1 + scaler).
	//
	// NOTE: when scaler is 0, this ticker behaves as a normal ticker.
	scaler float64

	// min and max store the duration values.
	min int64
	max int64

	// quit is closed when the ticker is stopped.
	quit chan struct{}
}

// NewJitterTicker returns a new JitterTicker.
func NewJitterTicker(d time.Duration, jitter float64) *JitterTicker {
	min, max := calculateMinMax(d, jitter)

	t := &JitterTicker{
		c:        make(chan time.Time, 1),
		scaler:   jitter,
		duration: d,
		min:      min,
		max:      max,
		quit:     make(chan struct{}),
	}

	// Mount the tick channel to a read-only channel.
	t.C = (<-chan time.Time)(t.c)

	go t.start()

	return t
}

// AfterJitter returns a channel that fires once after a random delay in
// (0, max]. It is the one-shot used to schedule a pledge re-check without
// synchronizing with every other node that saw the same trigger.
func AfterJitter(max time.Duration) <-chan time.Time {
	return time.After(JitterDuration(max))
}

// JitterDuration picks a random duration in (0, max]. A non-positive max
// collapses to a tiny positive delay so the work is still deferred off the
// caller's stack.
func JitterDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return time.Millisecond
	}

	return time.Duration(rand.Int63n(int64(max))) + 1 //nolint:gosec
}

// calculateMinMax calculates the min and max duration values. If the
// calculated min is negative, it will be set to 0.
func calculateMinMax(d time.Duration, scaler float64) (int64, int64) {
	// If the scaler is negative, we will panic.
	if scaler < 0 {
		panic(errors.New("scaler must be positive"))
	}

	// Calculate the min and max jitter values.
	min := math.Floor(float64(d) * (1 - scaler))
	max := math.Ceil(float64(d) * (1 + scaler))

	// If the scaler is greater than 1, we would use a zero min instead of
	// a negative one.
	if 1-scaler < 0 {
		min = 0
	}

	return int64(min), int64(max)
}

// Stop stops the ticker.
func (jt *JitterTicker) Stop() {
	close(jt.quit)
}

// start starts the ticker.
func (jt *JitterTicker) start() {
	timer := time.NewTimer(jt.rand())

	for {
		select {
		case t := <-timer.C:
			timer.Reset(jt.rand())

			// Send the tick to the channel.
			//
			// NOTE: must be non-blocking.
			select {
			case jt.c <- t:
			default:
			}

		case <-jt.quit:
			// Stop the timer and clean the channel when it stops.
			if !timer.Stop() {
				<-timer.C
			}
			return
		}
	}
}

// rand returns a random duration between the min and max values.
func (jt *JitterTicker) rand() time.Duration {
	if jt.max == jt.min {
		return jt.duration
	}

	d := rand.Int63n(jt.max-jt.min) + jt.min //nolint:gosec
	return time.Duration(d)
}
