// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// JitterTicker is a ticker that adds jitter to the tick duration.  Several
// watchers polling the same explorer drift apart instead of hitting it in
// lockstep.
type JitterTicker struct {
	// C is a read-only channel that receives ticks.
	C <-chan time.Time

	// c is the internal channel that receives ticks.
	c chan time.Time

	// duration is the base duration of the ticker.
	duration time.Duration

	// minD and maxD bound the randomized durations.  The jitter scaler s
	// yields durations in [duration * (1 - s), duration * (1 + s)], with
	// the lower bound clamped at zero.
	minD int64
	maxD int64

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewJitterTicker returns a new, running JitterTicker.  It panics if jitter
// is negative.
func NewJitterTicker(d time.Duration, jitter float64) *JitterTicker {
	minD, maxD := calculateMinMax(d, jitter)

	c := make(chan time.Time, 1)
	t := &JitterTicker{
		C:        c,
		c:        c,
		duration: d,
		minD:     minD,
		maxD:     maxD,
		quit:     make(chan struct{}),
	}

	t.wg.Add(1)
	go t.run()

	return t
}

// calculateMinMax calculates the min and max duration values. If the
// calculated min is negative, it will be set to 0.
func calculateMinMax(d time.Duration, scaler float64) (int64, int64) {
	if scaler < 0 {
		panic(errors.New("scaler must be positive"))
	}

	minD := math.Floor(float64(d) * (1 - scaler))
	maxD := math.Ceil(float64(d) * (1 + scaler))
	if minD < 0 {
		minD = 0
	}

	return int64(minD), int64(maxD)
}

// Stop stops the ticker.  No ticks are delivered once Stop returns.  It is
// safe to call Stop more than once.
func (jt *JitterTicker) Stop() {
	jt.stopOnce.Do(func() {
		close(jt.quit)
	})
	jt.wg.Wait()
}

// run delivers ticks until the ticker is stopped.  Ticks are dropped while
// the previous one has not been received.
func (jt *JitterTicker) run() {
	defer jt.wg.Done()

	timer := time.NewTimer(jt.next())
	defer timer.Stop()

	for {
		select {
		case t := <-timer.C:
			timer.Reset(jt.next())

			select {
			case jt.c <- t:
			default:
			}

		case <-jt.quit:
			return
		}
	}
}

// next returns a random duration between the min and max values.
func (jt *JitterTicker) next() time.Duration {
	if jt.maxD == jt.minD {
		return jt.duration
	}

	d := rand.Int63n(jt.maxD-jt.minD) + jt.minD //nolint:gosec
	return time.Duration(d)
}
