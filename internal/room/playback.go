package room

import (
	"math"
	"sync/atomic"
)

// Playback is an attached agent audio output. Only its volume is shared with
// the push-to-talk controller.
type Playback struct {
	name string
	bits atomic.Uint64
}

func NewPlayback(name string) *Playback {
	p := &Playback{name: name}
	p.SetVolume(1)
	return p
}

func (p *Playback) Name() string { return p.name }

// SetVolume clamps v to [0, 1].
func (p *Playback) SetVolume(v float64) {
	if math.IsNaN(v) || v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	p.bits.Store(math.Float64bits(v))
}

func (p *Playback) Volume() float64 {
	return math.Float64frombits(p.bits.Load())
}

func (p *Playback) Muted() bool { return p.Volume() == 0 }
