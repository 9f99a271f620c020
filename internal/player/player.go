// Package player runs one playback session for a station: it opens the
// stream, decodes it and feeds the audio device, reporting state changes
// as notifications.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebovdev/streamradio/internal/fetch"
	"github.com/glebovdev/streamradio/internal/metrics"
	"github.com/glebovdev/streamradio/internal/notify"
	"github.com/glebovdev/streamradio/internal/station"
	"github.com/glebovdev/streamradio/internal/streamio"
	"github.com/rs/zerolog/log"
)

// ReadLimit caps how far the container may read while it sniffs the format.
const ReadLimit = 0x40000

var (
	errStopRequested = errors.New("stop requested")
	ErrStreamEnded   = errors.New("stream ended")
)

type Options struct {
	ReadTimeout time.Duration
	// Volume is the initial linear volume in 0..1.
	Volume float64

	OpenContainer ContainerOpener
	NewSink       SinkFactory
}

// Player is the playback session of one station. Play and Stop may be
// called from any goroutine.
type Player struct {
	station *station.Station
	fetcher *fetch.Fetcher
	checker streamio.PortChecker
	poster  notify.Poster

	readTimeout   time.Duration
	openContainer ContainerOpener
	newSink       SinkFactory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state atomic.Int32

	// mu is the session lock. The worker holds it for the whole buffering
	// sequence.
	mu        sync.Mutex
	stream    *streamio.StreamIO
	container Container
	source    *pullSource
	current   atomic.Pointer[streamio.StreamIO]

	volMu  sync.Mutex
	volume float64
	sink   Sink

	errMu   sync.RWMutex
	lastErr string
}

func New(st *station.Station, fetcher *fetch.Fetcher, checker streamio.PortChecker, poster notify.Poster, opts Options) *Player {
	if opts.OpenContainer == nil {
		opts.OpenContainer = OpenContainer
	}
	if opts.NewSink == nil {
		opts.NewSink = NewSpeakerSink
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		station:       st,
		fetcher:       fetcher,
		checker:       checker,
		poster:        poster,
		readTimeout:   opts.ReadTimeout,
		openContainer: opts.OpenContainer,
		newSink:       opts.NewSink,
		ctx:           ctx,
		cancel:        cancel,
		volume:        clamp01(opts.Volume),
	}

	if st.HasFlags(station.HasURI | station.URIValid) {
		p.state.Store(int32(StateStopped))
	} else {
		p.state.Store(int32(StateInActive))
	}
	return p
}

func (p *Player) Station() *station.Station {
	return p.station
}

func (p *Player) State() PlayState {
	s := PlayState(p.state.Load())
	if s == stateStopRequested {
		return StateBuffering
	}
	return s
}

// LastError describes why the last session ended, or is empty.
func (p *Player) LastError() string {
	p.errMu.RLock()
	defer p.errMu.RUnlock()
	return p.lastErr
}

func (p *Player) setLastError(msg string) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	p.lastErr = msg
}

// StreamTitle is the current "now playing" text of the stream.
func (p *Player) StreamTitle() string {
	if s := p.current.Load(); s != nil {
		return s.StreamTitle()
	}
	return ""
}

// setState must be called with mu held so notifications leave in order.
func (p *Player) setState(s PlayState) {
	old := PlayState(p.state.Swap(int32(s)))
	if old == s {
		return
	}
	p.announce(old, s)
}

func (p *Player) announce(old, s PlayState) {
	log.Debug().Msgf("Player state: %s -> %s", old, s)
	metrics.PlayerState.Set(float64(s))
	notify.Post(p.poster, StateChanged{Player: p, State: s})
}

// Play starts a session in the background. It does nothing unless the
// player is stopped.
func (p *Player) Play() {
	if !p.state.CompareAndSwap(int32(StateStopped), int32(StateBuffering)) {
		return
	}

	p.wg.Add(1)
	go p.run()
}

func (p *Player) run() {
	defer p.wg.Done()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.announce(StateStopped, StateBuffering)

	err := p.startSession()
	switch {
	case err == nil:
		metrics.PlayAttempts.WithLabelValues("playing").Inc()
		return
	case errors.Is(err, errStopRequested):
		metrics.PlayAttempts.WithLabelValues("stopped").Inc()
		log.Debug().Str("station", p.station.Name()).Msg("Stop requested while buffering")
	default:
		metrics.PlayAttempts.WithLabelValues("failed").Inc()
		log.Error().Err(err).Str("station", p.station.Name()).Msg("Playback failed")
		p.setLastError(fmt.Sprintf("%s: %v", p.station.Name(), err))
	}

	p.setState(StateStopped)
}

func (p *Player) checkpoint() error {
	if PlayState(p.state.Load()) == stateStopRequested {
		return errStopRequested
	}
	return nil
}

// startSession runs with mu held. On error every resource it created has
// been released.
func (p *Player) startSession() (err error) {
	defer func() {
		if err != nil {
			p.release()
		}
	}()

	p.setLastError("")

	p.stream = streamio.New(p.station, p.fetcher, p.checker, p.poster, streamio.Options{ReadTimeout: p.readTimeout})
	p.current.Store(p.stream)
	p.stream.SetLimiter(ReadLimit)
	if err := p.stream.Open(p.ctx); err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if err := p.checkpoint(); err != nil {
		return err
	}

	mime := p.stream.ContentType()
	if mime == "" {
		mime = p.station.Mime()
	}
	c, err := p.openContainer(streamio.Sequential(p.stream), mime)
	if err != nil {
		return err
	}
	p.container = c
	if err := p.checkpoint(); err != nil {
		return err
	}
	p.stream.SetLimiter(0)

	format := c.Format()
	if format.NumChannels == 0 || format.SampleRate == 0 {
		return ErrNoTrack
	}
	log.Debug().
		Str("codec", c.Codec()).
		Int("sample_rate", int(format.SampleRate)).
		Int("channels", format.NumChannels).
		Msg("Stream format negotiated")

	src := newPullSource(c, nil)
	src.onEnd = func(err error) { go p.finish(src, err) }
	p.source = src
	src.start()

	sink := p.newSink()
	p.volMu.Lock()
	lo, hi := sink.VolumeRange()
	sink.SetGain(lo + p.volume*(hi-lo))
	p.volMu.Unlock()

	if err := sink.Start(format, src); err != nil {
		return fmt.Errorf("failed to start audio output: %w", err)
	}
	p.volMu.Lock()
	p.sink = sink
	p.volMu.Unlock()

	// Fails when a Stop arrived after the last checkpoint.
	if !p.state.CompareAndSwap(int32(StateBuffering), int32(StatePlaying)) {
		return errStopRequested
	}
	p.announce(StateBuffering, StatePlaying)
	log.Info().Str("station", p.station.Name()).Msg("Playing")
	return nil
}

// release tears the session down with mu held. The sink is stopped first
// so the decoder is no longer pulled once the stream goes away.
func (p *Player) release() {
	p.volMu.Lock()
	sink := p.sink
	p.sink = nil
	p.volMu.Unlock()
	if sink != nil {
		sink.Stop()
	}

	if p.source != nil {
		p.source.stop()
	}
	if p.stream != nil {
		_ = p.stream.Close()
	}
	if p.source != nil {
		p.source.wait()
		p.source = nil
	}
	if p.container != nil {
		if err := p.container.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close decoder")
		}
		p.container = nil
	}
	p.stream = nil
	p.current.Store(nil)
}

// Stop ends the session. While buffering it only records the request; the
// worker honors it at its next checkpoint.
func (p *Player) Stop() {
	for {
		switch PlayState(p.state.Load()) {
		case StateBuffering:
			if p.state.CompareAndSwap(int32(StateBuffering), int32(stateStopRequested)) {
				return
			}
		case StatePlaying:
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.State() != StatePlaying {
				return
			}
			p.release()
			p.setState(StateStopped)
			log.Debug().Str("station", p.station.Name()).Msg("Playback stopped")
			return
		default:
			return
		}
	}
}

// finish ends a session whose decoder ran out of data. It runs on its own
// goroutine since release waits for the decoder.
func (p *Player) finish(src *pullSource, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != StatePlaying || p.source != src {
		return
	}

	if err == nil {
		err = ErrStreamEnded
	}
	log.Warn().Err(err).Str("station", p.station.Name()).Msg("Stream stopped")
	p.setLastError(fmt.Sprintf("%s: %v", p.station.Name(), err))
	p.release()
	p.setState(StateStopped)
}

// Volume returns the current volume as a linear value in 0..1.
func (p *Player) Volume() float64 {
	p.volMu.Lock()
	defer p.volMu.Unlock()

	if p.sink == nil {
		return p.volume
	}
	lo, hi := p.sink.VolumeRange()
	if hi <= lo {
		return p.volume
	}
	return clamp01((p.sink.Gain() - lo) / (hi - lo))
}

func (p *Player) SetVolume(v float64) {
	v = clamp01(v)

	p.volMu.Lock()
	defer p.volMu.Unlock()

	p.volume = v
	if p.sink == nil {
		log.Debug().Msgf("Volume stored as %.2f (will be applied when playback starts)", v)
		return
	}
	lo, hi := p.sink.VolumeRange()
	db := lo + v*(hi-lo)
	p.sink.SetGain(db)
	log.Debug().Msgf("Volume set to %.2f (%.2f dB)", v, db)
}

// Close stops playback and waits for the worker to exit.
func (p *Player) Close() {
	p.Stop()
	p.cancel()
	p.wg.Wait()
	p.Stop()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
