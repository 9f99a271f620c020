package player

import (
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/rs/zerolog/log"
)

const (
	SampleChannelSize = 8192
	decodeBatch       = 512
	fadeInDuration    = 50 * time.Millisecond
)

// pullSource decodes on its own goroutine into a channel so the sink's
// callback never waits on the network.
type pullSource struct {
	container Container
	samples   chan [2]float64
	halt      chan struct{}
	haltOnce  sync.Once
	finished  chan struct{}
	onEnd     func(err error)

	// Owned by the sink callback.
	drained         bool
	fadeInRemaining int
	fadeInTotal     int
}

func newPullSource(c Container, onEnd func(error)) *pullSource {
	fade := c.Format().SampleRate.N(fadeInDuration)
	return &pullSource{
		container:       c,
		samples:         make(chan [2]float64, SampleChannelSize),
		halt:            make(chan struct{}),
		finished:        make(chan struct{}),
		onEnd:           onEnd,
		fadeInRemaining: fade,
		fadeInTotal:     fade,
	}
}

func (p *pullSource) start() {
	go p.decode()
}

func (p *pullSource) decode() {
	defer close(p.finished)
	defer close(p.samples)

	batch := make([][2]float64, decodeBatch)
	for {
		n, ok := p.container.Stream(batch)
		if !ok {
			select {
			case <-p.halt:
			default:
				err := p.container.Err()
				log.Debug().Err(err).Msg("Decoder reached end of stream")
				if p.onEnd != nil {
					p.onEnd(err)
				}
			}
			return
		}

		for i := 0; i < n; i++ {
			select {
			case p.samples <- batch[i]:
			case <-p.halt:
				return
			}
		}
	}
}

// stop asks the decode goroutine to exit. It may still be blocked on a
// read until the stream underneath is closed.
func (p *pullSource) stop() {
	p.haltOnce.Do(func() { close(p.halt) })
}

func (p *pullSource) wait() {
	<-p.finished
}

// Stream always fills samples completely, padding with silence when the
// decoder has fallen behind.
func (p *pullSource) Stream(samples [][2]float64) (int, bool) {
	filled := 0
	if !p.drained {
	pull:
		for filled < len(samples) {
			select {
			case s, more := <-p.samples:
				if !more {
					p.drained = true
					break pull
				}
				samples[filled] = s
				filled++
			default:
				break pull
			}
		}
	}

	for i := filled; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}

	if p.fadeInRemaining > 0 {
		for i := 0; i < filled && p.fadeInRemaining > 0; i++ {
			scale := float64(p.fadeInTotal-p.fadeInRemaining) / float64(p.fadeInTotal)
			samples[i][0] *= scale
			samples[i][1] *= scale
			p.fadeInRemaining--
		}
	}

	return len(samples), true
}

func (p *pullSource) Err() error {
	return nil
}

var _ beep.Streamer = (*pullSource)(nil)
