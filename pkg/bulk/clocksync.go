// Package bulk implements the bulk-sample acquisition pipeline: raw
// message buffering, periodic batch processing, and the clock
// synchronization that converts device ticks into host timestamps.
package bulk

import (
	"errors"
	"math"
	"sync"
)

// ErrClockDesync is returned when a clock sample pair implies a negative
// or implausibly large slope. The device clock has likely reset; the pair
// is discarded and the previous fit kept.
var ErrClockDesync = errors.New("bulk: implausible clock slope, sample dropped")

// ClockSyncRegression maintains a sliding-window linear fit mapping
// device clock ticks to host time. Ticks are 64-bit logical values,
// already overflow-corrected by the caller.
type ClockSyncRegression struct {
	mu          sync.Mutex
	nominalFreq float64
	window      int

	// Ring buffer of pairs, stored relative to the first anchor pair to
	// keep the fit numerically stable with large tick values.
	ticks []float64
	times []float64
	count int
	index int

	haveAnchor bool
	baseTick   uint64
	baseTime   float64

	fitted    bool
	slope     float64 // seconds per tick
	intercept float64 // relative to baseTime
}

// NewClockSyncRegression creates a regression over a window of the given
// number of samples. nominalFreq is the device's nominal tick frequency
// in Hz, used as the provisional mapping until a fit exists.
func NewClockSyncRegression(nominalFreq float64, window int) *ClockSyncRegression {
	if window < 2 {
		window = 2
	}
	return &ClockSyncRegression{
		nominalFreq: nominalFreq,
		window:      window,
		ticks:       make([]float64, window),
		times:       make([]float64, window),
	}
}

// Update ingests one (tick, hostTime) correspondence pair and refits the
// regression. A pair implying a non-positive or implausible slope is
// rejected with ErrClockDesync and the previous fit retained.
func (c *ClockSyncRegression) Update(tick uint64, hostTime float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.haveAnchor {
		c.haveAnchor = true
		c.baseTick = tick
		c.baseTime = hostTime
		c.push(0, 0)
		return nil
	}

	x := float64(int64(tick - c.baseTick))
	y := hostTime - c.baseTime

	slope, intercept, ok := c.fitWith(x, y)
	if ok && (slope <= 0 || slope > 1000.0/c.nominalFreq) {
		return ErrClockDesync
	}

	c.push(x, y)
	if ok {
		c.slope = slope
		c.intercept = intercept
		c.fitted = true
	} else if c.fitted {
		// Degenerate tick variance: keep the slope, re-center the line
		// on the current window.
		meanX, meanY := c.means()
		c.intercept = meanY - c.slope*meanX
	}
	return nil
}

// push appends a pair to the ring buffer.
func (c *ClockSyncRegression) push(x, y float64) {
	c.ticks[c.index] = x
	c.times[c.index] = y
	c.index = (c.index + 1) % c.window
	if c.count < c.window {
		c.count++
	}
}

func (c *ClockSyncRegression) means() (meanX, meanY float64) {
	var sumX, sumY float64
	for i := 0; i < c.count; i++ {
		sumX += c.ticks[i]
		sumY += c.times[i]
	}
	n := float64(c.count)
	return sumX / n, sumY / n
}

// fitWith computes an ordinary least squares fit over the buffered pairs
// plus one candidate pair. ok is false when the tick variance is too
// small for a meaningful fit.
func (c *ClockSyncRegression) fitWith(x, y float64) (slope, intercept float64, ok bool) {
	n := float64(c.count + 1)
	sumX, sumY := x, y
	for i := 0; i < c.count; i++ {
		sumX += c.ticks[i]
		sumY += c.times[i]
	}
	meanX := sumX / n
	meanY := sumY / n

	var varX, covXY float64
	for i := 0; i < c.count; i++ {
		dx := c.ticks[i] - meanX
		varX += dx * dx
		covXY += dx * (c.times[i] - meanY)
	}
	dx := x - meanX
	varX += dx * dx
	covXY += dx * (y - meanY)

	if varX <= 0 {
		return 0, 0, false
	}
	slope = covXY / varX
	intercept = meanY - slope*meanX
	return slope, intercept, true
}

// PredictTime returns the estimated host time for a device tick. Before
// any update it falls back to the nominal frequency mapping.
func (c *ClockSyncRegression) PredictTime(tick uint64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.haveAnchor {
		return float64(tick) / c.nominalFreq
	}
	x := float64(int64(tick - c.baseTick))
	if !c.fitted {
		return c.baseTime + x/c.nominalFreq
	}
	return c.baseTime + c.intercept + c.slope*x
}

// PredictTick is the inverse mapping of PredictTime.
func (c *ClockSyncRegression) PredictTick(hostTime float64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.haveAnchor {
		return uint64(hostTime * c.nominalFreq)
	}
	var x float64
	if !c.fitted {
		x = (hostTime - c.baseTime) * c.nominalFreq
	} else {
		x = (hostTime - c.baseTime - c.intercept) / c.slope
	}
	return uint64(int64(c.baseTick) + int64(math.Round(x)))
}

// Reset discards all accumulated state. Used after a device reset.
func (c *ClockSyncRegression) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haveAnchor = false
	c.fitted = false
	c.count = 0
	c.index = 0
	c.slope = 0
	c.intercept = 0
}
