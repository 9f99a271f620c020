package player

import (
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/rs/zerolog/log"
)

const (
	SpeakerBufferSize = 250 * time.Millisecond
	ResampleQuality   = 4
	MinVolumeDB       = -10.0
	MaxVolumeDB       = 0.0
)

// Sink plays decoded frames pulled from a streamer. Gain is in the sink's
// native decibel range.
type Sink interface {
	Start(format beep.Format, src beep.Streamer) error
	Stop()
	VolumeRange() (lo, hi float64)
	Gain() float64
	SetGain(db float64)
}

type SinkFactory func() Sink

// The speaker is a process-wide device: it is initialized once, at the
// rate of the first stream played.
var (
	speakerMu   sync.Mutex
	speakerRate beep.SampleRate
	speakerInit bool
)

func initSpeaker(rate beep.SampleRate) (beep.SampleRate, error) {
	speakerMu.Lock()
	defer speakerMu.Unlock()

	if speakerInit {
		return speakerRate, nil
	}
	if err := speaker.Init(rate, rate.N(SpeakerBufferSize)); err != nil {
		return 0, fmt.Errorf("failed to initialize speaker: %w", err)
	}
	speakerRate = rate
	speakerInit = true
	log.Debug().Msgf("Speaker initialized with sample rate: %d Hz, buffer: %v", rate, SpeakerBufferSize)
	return rate, nil
}

type speakerSink struct {
	gain   float64
	volume *effects.Volume
	ctrl   *beep.Ctrl
}

func NewSpeakerSink() Sink {
	return &speakerSink{gain: MaxVolumeDB}
}

func (s *speakerSink) Start(format beep.Format, src beep.Streamer) error {
	rate, err := initSpeaker(format.SampleRate)
	if err != nil {
		return err
	}

	if format.SampleRate != rate {
		log.Debug().Msgf("Resampling %d Hz to %d Hz", format.SampleRate, rate)
		src = beep.Resample(ResampleQuality, format.SampleRate, rate, src)
	}

	s.volume = &effects.Volume{
		Streamer: src,
		Base:     2,
		Volume:   s.gain,
		Silent:   s.gain <= MinVolumeDB,
	}
	s.ctrl = &beep.Ctrl{Streamer: s.volume}

	speaker.Play(s.ctrl)
	return nil
}

// Stop detaches the stream from the mixer. Once it returns the source is
// no longer pulled.
func (s *speakerSink) Stop() {
	if s.ctrl == nil {
		return
	}
	speaker.Lock()
	s.ctrl.Streamer = nil
	speaker.Unlock()
	s.ctrl = nil
	s.volume = nil
}

func (s *speakerSink) VolumeRange() (float64, float64) {
	return MinVolumeDB, MaxVolumeDB
}

func (s *speakerSink) Gain() float64 {
	return s.gain
}

func (s *speakerSink) SetGain(db float64) {
	s.gain = db
	if s.volume == nil {
		return
	}
	speaker.Lock()
	s.volume.Volume = db
	s.volume.Silent = db <= MinVolumeDB
	speaker.Unlock()
}
