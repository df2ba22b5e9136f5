package transcode

import (
	"sync"
	"time"

	"github.com/meta-stremio/meta-stremio/metrics"
	"github.com/meta-stremio/meta-stremio/video"
)

// ParamLadder is ordered from the fastest encode to the best quality
var ParamLadder = []video.EncodeParams{
	{Preset: "ultrafast", CRF: 28},
	{Preset: "superfast", CRF: 26},
	{Preset: "veryfast", CRF: 24},
	{Preset: "faster", CRF: 23},
	{Preset: "fast", CRF: 22},
	{Preset: "medium", CRF: 21},
}

const (
	startStep = 2
	// Target band for encode wall time over segment duration
	BandLow  = 0.6
	BandHigh = 0.8
	// Weight of the latest sample in the reported average
	ewmaAlpha = 0.5
)

type move int

const (
	hold move = iota
	up
	down
)

// Controller picks encoder parameters for one session from the measured encode cost of
// the segments it already produced. It moves one ladder step at a time and never
// revisits a step it had to back off from.
type Controller struct {
	mu       sync.Mutex
	step     int
	ceiling  int
	last     move
	avgRatio float64
	samples  int
	changes  int
}

type ControllerState struct {
	Params   video.EncodeParams `json:"params"`
	Step     int                `json:"step"`
	Ceiling  int                `json:"ceiling"`
	AvgRatio float64            `json:"avg_ratio"`
	Samples  int                `json:"samples"`
	Changes  int                `json:"changes"`
}

func NewController() *Controller {
	return &Controller{step: startStep, ceiling: len(ParamLadder) - 1}
}

func (c *Controller) Params() video.EncodeParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ParamLadder[c.step]
}

// Observe feeds back the cost of one finished encode. Measurements taken with parameters
// other than the current ones only count towards the average: they describe a step the
// controller has already moved away from.
func (c *Controller) Observe(used video.EncodeParams, elapsed time.Duration, segmentSeconds float64) video.EncodeParams {
	if segmentSeconds <= 0 {
		return c.Params()
	}
	ratio := elapsed.Seconds() / segmentSeconds

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.samples == 0 {
		c.avgRatio = ratio
	} else {
		c.avgRatio = ewmaAlpha*ratio + (1-ewmaAlpha)*c.avgRatio
	}
	c.samples++

	if used != ParamLadder[c.step] {
		return ParamLadder[c.step]
	}

	switch {
	case ratio > BandHigh:
		if c.last == up {
			// the step we just took is too slow, so stop trying it
			c.ceiling = c.step - 1
		}
		if c.step > 0 {
			c.step--
			c.last = down
			c.changes++
			metrics.Metrics.ControllerChanges.WithLabelValues("faster").Inc()
		} else {
			c.last = hold
		}
	case ratio < BandLow:
		if c.step < c.ceiling {
			c.step++
			c.last = up
			c.changes++
			metrics.Metrics.ControllerChanges.WithLabelValues("quality").Inc()
		} else {
			c.last = hold
		}
	default:
		c.last = hold
	}
	return ParamLadder[c.step]
}

func (c *Controller) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ControllerState{
		Params:   ParamLadder[c.step],
		Step:     c.step,
		Ceiling:  c.ceiling,
		AvgRatio: c.avgRatio,
		Samples:  c.samples,
		Changes:  c.changes,
	}
}

// Safer returns the next faster step, used for the retry of a failed encode
func Safer(p video.EncodeParams) video.EncodeParams {
	i := stepOf(p)
	if i <= 0 {
		return ParamLadder[0]
	}
	return ParamLadder[i-1]
}

func stepOf(p video.EncodeParams) int {
	for i, s := range ParamLadder {
		if s == p {
			return i
		}
	}
	return -1
}
