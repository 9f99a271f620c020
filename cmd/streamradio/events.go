package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/glebovdev/streamradio/internal/notify"
	"github.com/glebovdev/streamradio/internal/player"
	"github.com/glebovdev/streamradio/internal/service"
	"github.com/glebovdev/streamradio/internal/streamio"
	"github.com/rs/zerolog/log"
)

const eventQueueSize = 64

// events prints notifications from the player and the station service.
type events struct {
	out   io.Writer
	queue *notify.Queue

	mu      sync.Mutex
	watched *player.Player
	ended   chan struct{}
}

func newEvents(out io.Writer) *events {
	e := &events{out: out}
	e.queue = notify.NewQueue(eventQueueSize, e.handle)
	return e
}

// watch returns a channel closed once p stops after having been started.
func (e *events) watch(p *player.Player) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watched = p
	e.ended = make(chan struct{})
	return e.ended
}

func (e *events) handle(msg any) {
	switch m := msg.(type) {
	case streamio.MetaChanged:
		if title := m.StreamTitle(); title != "" {
			fmt.Fprintf(e.out, "Now playing: %s\n", title)
		}
	case player.StateChanged:
		log.Debug().Str("station", m.Player.Station().Name()).Str("state", m.State.String()).Msg("Player state changed")
		fmt.Fprintf(e.out, "[%s] %s\n", m.State, m.Player.Station().Name())
		if m.State == player.StateStopped || m.State == player.StateInActive {
			e.stopped(m.Player)
		}
	case service.StationUpdated:
		if m.Err != nil {
			fmt.Fprintf(e.out, "%s: %v\n", m.Station.Name(), m.Err)
			return
		}
		fmt.Fprintf(e.out, "%s: ok %s %d kbps\n", m.Station.Name(), m.Station.Encoding(), m.Station.Bitrate()/1000)
	default:
		log.Debug().Msgf("Unhandled notification %T", msg)
	}
}

func (e *events) stopped(p *player.Player) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watched != p || e.ended == nil {
		return
	}
	close(e.ended)
	e.ended = nil
}

func (e *events) close() {
	e.queue.Close()
}
